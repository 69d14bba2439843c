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

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

func TestWaitForFlushReturnsOnceTargetVisible(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.FlushId = 1
	putTablet(t, store, idx, tm)

	go func() {
		time.Sleep(20 * time.Millisecond)
		res := store.ConditionallyMutateTablets().
			Extent(ext).
			Put(true, func(m *ample.TabletMetadata) { m.FlushId = 3 }).
			Submit("bump_flush").
			Process()
		require.Equal(t, ample.Accepted, res[ext])
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.WaitForFlush(ctx, ext, 3))
}

func TestWaitForFlushRespectsContextCancellation(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	putTablet(t, store, idx, tm)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := w.WaitForFlush(ctx, ext, 5)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestWaitForFlushSkipsRootLevel(t *testing.T) {
	client := &fakeTClient{}
	w, _, _ := newTestWatcher(t, client, ample.GoalParams{})
	w.cfg.Level = LevelRoot

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, w.WaitForFlush(ctx, keyext.TabletId{TableId: "+r"}, 99))
}
