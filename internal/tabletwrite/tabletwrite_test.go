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

package tabletwrite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/wal"
)

type memWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *memWriter) Append(d []byte) error { w.mu.Lock(); defer w.mu.Unlock(); w.data = append(w.data, d...); return nil }
func (w *memWriter) Sync() error           { return nil }
func (w *memWriter) Close() error          { return nil }

type memDFS struct{ mu sync.Mutex }

func (d *memDFS) Create(path string) (wal.Writer, error) { return &memWriter{}, nil }
func (d *memDFS) Delete(path string) error                { return nil }

type memMarker struct{}

func (memMarker) Publish(ctx context.Context, ref wal.LogRef) error         { return nil }
func (memMarker) SetState(ctx context.Context, path string, s wal.LogState) error { return nil }
func (memMarker) Remove(ctx context.Context, path string) error             { return nil }

type alwaysHeld struct{}

func (alwaysHeld) VerifyLockAtSource(ctx context.Context) (bool, error) { return true, nil }

func newTestLogger(t *testing.T) *wal.Logger {
	t.Helper()
	l := wal.NewLogger(wal.Config{
		Server: "ts1", DFS: &memDFS{}, Marker: memMarker{}, Verify: alwaysHeld{},
		Halt: func(error) {}, MaxSize: 1 << 30, MaxAge: time.Hour, Retries: 3, Backoff: time.Millisecond,
	})
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

type maxLenConstraint struct{ max int }

func (c maxLenConstraint) Name() string { return "max-len" }
func (c maxLenConstraint) Check(row, payload []byte) error {
	if len(payload) > c.max {
		return errors.New("payload too large")
	}
	return nil
}

func TestPrepareSeparatesViolatorsFromNonViolators(t *testing.T) {
	env := Env{
		Extent:      keyext.TabletId{TableId: "t1"},
		Constraints: []Constraint{maxLenConstraint{max: 4}},
	}
	muts := []Mutation{
		{Row: []byte("r1"), Payload: []byte("ok")},
		{Row: []byte("r2"), Payload: []byte("too-long")},
	}
	p := PrepareMutationsForCommit(env, muts)

	assert.False(t, p.TabletClosed)
	require.Len(t, p.NonViolators, 1)
	assert.Equal(t, "r1", string(p.NonViolators[0].Row))
	require.Len(t, p.Violators, 1)
	assert.Equal(t, "r2", string(p.Violators[0].Mutation.Row))
}

func TestPrepareReportsClosedTablet(t *testing.T) {
	env := Env{Closed: func() bool { return true }}
	p := PrepareMutationsForCommit(env, []Mutation{{Row: []byte("r1")}})
	assert.True(t, p.TabletClosed)
	assert.Nil(t, p.CommitSession)
}

func TestCommitPersistsThenMerges(t *testing.T) {
	logger := newTestLogger(t)
	env := Env{
		Extent:    keyext.TabletId{TableId: "t1"},
		Logger:    logger,
		SessionID: "sess-1",
		Default:   wal.DurabilityLog,
	}
	p := PrepareMutationsForCommit(env, []Mutation{{Row: []byte("r1"), Payload: []byte("v1")}})
	require.Len(t, p.NonViolators, 1)

	err := p.CommitSession.Commit(context.Background(), CommitRequest{
		Mutations:  p.NonViolators,
		Durability: wal.DurabilityNone, // resolves to env.Default via max()
	})
	require.NoError(t, err)

	snap := p.CommitSession.Memtable().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "r1", string(snap[0].Row))
	assert.EqualValues(t, 1, p.CommitSession.CommitCount())
}

func TestCommitSkipsWalWhenDurabilityNone(t *testing.T) {
	env := Env{
		Extent:  keyext.TabletId{TableId: "t1"},
		Default: wal.DurabilityNone, // no logger wired; must not be needed
	}
	p := PrepareMutationsForCommit(env, []Mutation{{Row: []byte("r1"), Payload: []byte("v1")}})

	err := p.CommitSession.Commit(context.Background(), CommitRequest{
		Mutations:  p.NonViolators,
		Durability: wal.DurabilityNone,
	})
	require.NoError(t, err)
	assert.Len(t, p.CommitSession.Memtable().Snapshot(), 1)
}

func TestCommitCountsEachInvocation(t *testing.T) {
	env := Env{Extent: keyext.TabletId{TableId: "t1"}, Default: wal.DurabilityNone}
	p := PrepareMutationsForCommit(env, nil)

	for _, row := range []string{"c", "a", "b"} {
		err := p.CommitSession.Commit(context.Background(), CommitRequest{
			Mutations: []Mutation{{Row: []byte(row)}},
		})
		require.NoError(t, err)
	}

	// Snapshot sorts by row for reads; CommitCount counts the commit()
	// invocations, one per call.
	assert.EqualValues(t, 3, p.CommitSession.CommitCount())
}
