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

package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/keyext"
)

type fakeServer struct {
	assigned []keyext.TabletId
	refreshed []keyext.TabletId
}

func (f *fakeServer) Assign(ctx context.Context, req AssignRequest) (AssignResponse, error) {
	f.assigned = append(f.assigned, req.Extent)
	return AssignResponse{}, nil
}
func (f *fakeServer) Unload(ctx context.Context, req UnloadRequest) (UnloadResponse, error) {
	return UnloadResponse{}, nil
}
func (f *fakeServer) ConditionalUpdate(ctx context.Context, req ConditionalUpdateRequest) (ConditionalUpdateResponse, error) {
	out := map[keyext.TabletId][]Status{}
	for ext, muts := range req.ByExtent {
		statuses := make([]Status, len(muts))
		for i := range statuses {
			statuses[i] = Accepted
		}
		out[ext] = statuses
	}
	return ConditionalUpdateResponse{Statuses: out}, nil
}
func (f *fakeServer) InvalidateConditionalUpdate(ctx context.Context, req InvalidateRequest) error {
	return nil
}
func (f *fakeServer) IsLockHeld(ctx context.Context, lockID string) (bool, error) { return true, nil }
func (f *fakeServer) RefreshFiles(ctx context.Context, req RefreshFilesRequest) (RefreshFilesResponse, error) {
	f.refreshed = append(f.refreshed, req.Extent)
	return RefreshFilesResponse{}, nil
}
func (f *fakeServer) Drain(ctx context.Context, req DrainRequest) (DrainResponse, error) {
	return DrainResponse{}, nil
}

func TestLocalClientDelegatesToServer(t *testing.T) {
	srv := &fakeServer{}
	client := LocalClient{Server: srv}

	ext := keyext.TabletId{TableId: "t1"}
	_, err := client.Assign(context.Background(), AssignRequest{Extent: ext})
	require.NoError(t, err)
	assert.Equal(t, []keyext.TabletId{ext}, srv.assigned)

	resp, err := client.ConditionalUpdate(context.Background(), ConditionalUpdateRequest{
		ByExtent: map[keyext.TabletId][][]byte{ext: {[]byte("m1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, []Status{Accepted}, resp.Statuses[ext])

	held, err := client.IsLockHeld(context.Background(), "lock-1")
	require.NoError(t, err)
	assert.True(t, held)

	_, err = client.RefreshFiles(context.Background(), RefreshFilesRequest{Extent: ext})
	require.NoError(t, err)
	assert.Equal(t, []keyext.TabletId{ext}, srv.refreshed)
}
