// Copyright 2024 The Accumulo-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package fate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/lock"
)

func TestSnapshotRoundTripsThroughGobEncoding(t *testing.T) {
	res := Reservation{LockID: lock.LockID{Path: "/managers", Seq: 3}}
	want := Snapshot{
		Id:          NewId(Meta),
		Status:      StatusInProgress,
		OpName:      "shutdown_tserver",
		Created:     time.Now().UTC().Truncate(time.Second),
		Reservation: &res,
		StepDepth:   2,
		Description: "server-1",
	}

	data, err := encodeSnapshot(want)
	require.NoError(t, err)

	got, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := decodeSnapshot([]byte("not gob data"))
	require.Error(t, err)
}

func TestLoadSnapshotsReconstructsQueryableRows(t *testing.T) {
	res := Reservation{LockID: lock.LockID{Path: "/managers", Seq: 1}}
	id := NewId(User)
	snaps := []Snapshot{
		{Id: id, Status: StatusInProgress, OpName: "bulk_import", Reservation: &res, StepDepth: 1},
	}

	store := LoadSnapshots(User, snaps)

	snap, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, snap.Status)
	assert.Equal(t, 1, snap.StepDepth)

	// AdminFail must see the reservation and refuse.
	assert.Equal(t, ErrBusy, store.AdminFail(id))
}

func TestParseIdRoundTripsWithString(t *testing.T) {
	id := NewId(User)
	parsed, err := ParseId(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	metaID := NewId(Meta)
	parsed, err = ParseId(metaID.String())
	require.NoError(t, err)
	assert.Equal(t, metaID, parsed)
}

func TestParseIdRejectsMalformed(t *testing.T) {
	_, err := ParseId("garbage")
	require.Error(t, err)

	_, err = ParseId("WEIRD:not-a-uuid")
	require.Error(t, err)
}
