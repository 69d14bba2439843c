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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
)

type fixedBalancer struct{ dest ample.TServerInstance }

func (b fixedBalancer) Assign(ctx context.Context, extent keyext.TabletId, live ample.LiveServers) (ample.TServerInstance, bool) {
	return b.dest, true
}

type staticTableState struct{ params ample.GoalParams }

func (s staticTableState) Params(table keyext.TableId) ample.GoalParams { return s.params }

type fakeTClient struct {
	mu       sync.Mutex
	assigns  []keyext.TabletId
	unloads  []keyext.TabletId
	refreshes []keyext.TabletId
	drains   int
	unloadErr error
	drainErr  error
}

func (c *fakeTClient) Assign(ctx context.Context, req rpc.AssignRequest) (rpc.AssignResponse, error) {
	c.mu.Lock()
	c.assigns = append(c.assigns, req.Extent)
	c.mu.Unlock()
	return rpc.AssignResponse{}, nil
}
func (c *fakeTClient) Unload(ctx context.Context, req rpc.UnloadRequest) (rpc.UnloadResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unloadErr != nil {
		return rpc.UnloadResponse{}, c.unloadErr
	}
	c.unloads = append(c.unloads, req.Extent)
	return rpc.UnloadResponse{}, nil
}
func (c *fakeTClient) Drain(ctx context.Context, req rpc.DrainRequest) (rpc.DrainResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drainErr != nil {
		return rpc.DrainResponse{}, c.drainErr
	}
	c.drains++
	return rpc.DrainResponse{}, nil
}
func (c *fakeTClient) ConditionalUpdate(ctx context.Context, req rpc.ConditionalUpdateRequest) (rpc.ConditionalUpdateResponse, error) {
	return rpc.ConditionalUpdateResponse{}, nil
}
func (c *fakeTClient) InvalidateConditionalUpdate(ctx context.Context, req rpc.InvalidateRequest) error {
	return nil
}
func (c *fakeTClient) IsLockHeld(ctx context.Context, lockID string) (bool, error) { return true, nil }
func (c *fakeTClient) RefreshFiles(ctx context.Context, req rpc.RefreshFilesRequest) (rpc.RefreshFilesResponse, error) {
	c.mu.Lock()
	c.refreshes = append(c.refreshes, req.Extent)
	c.mu.Unlock()
	return rpc.RefreshFilesResponse{}, nil
}

func newTestWatcher(t *testing.T, client *fakeTClient, params ample.GoalParams) (*TabletGroupWatcher, *ample.Store, *keyext.Index) {
	t.Helper()
	store := ample.NewStore(ample.NewMemBackend(), ample.NewGobCodec())
	idx := keyext.NewIndex()
	w := NewTabletGroupWatcher(Config{
		Level:      LevelUser,
		Store:      store,
		Index:      idx,
		Balancer:   fixedBalancer{dest: ample.TServerInstance{Host: "ts1"}},
		TableState: staticTableState{params: params},
		Clients:    func(ample.TServerInstance) rpc.TServerClient { return client },
		MaxWorkChunk: 50,
	})
	return w, store, idx
}

func putTablet(t *testing.T, store *ample.Store, idx *keyext.Index, tm *ample.TabletMetadata) {
	t.Helper()
	res := store.ConditionallyMutateTablets().
		Extent(tm.Extent).
		Put(true, func(m *ample.TabletMetadata) { *m = *tm }).
		Submit("seed").
		Process()
	require.Equal(t, ample.Accepted, res[tm.Extent])
	idx.Put(tm.Extent)
}

func TestFullScanAssignsUnassignedHostedTablet(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	putTablet(t, store, idx, tm)

	err := w.FullScan(context.Background(), ample.LiveServers{})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []keyext.TabletId{ext}, client.assigns)
}

func TestFullScanUnloadsWhenGoalNotHosted(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{TableOffline: true})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Current = &ample.TServerInstance{Host: "ts1"}
	putTablet(t, store, idx, tm)

	live := ample.LiveServers{ample.TServerInstance{Host: "ts1"}: struct{}{}}
	err := w.FullScan(context.Background(), live)
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []keyext.TabletId{ext}, client.unloads)
}

func TestFullScanSkipsConflictingLocation(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Current = &ample.TServerInstance{Host: "ts1"}
	tm.Future = &ample.TServerInstance{Host: "ts2"}
	putTablet(t, store, idx, tm)

	err := w.FullScan(context.Background(), ample.LiveServers{})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.assigns)
	assert.Empty(t, client.unloads)
}

func TestSuspendedReassignsToPriorOwnerWithinWindow(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})
	w.cfg.TableSuspendDuration = time.Hour

	prior := ample.TServerInstance{Host: "ts1"}
	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Suspend = &ample.Suspension{Server: prior, SuspensionTime: time.Now()}
	putTablet(t, store, idx, tm)

	live := ample.LiveServers{prior: struct{}{}}
	err := w.FullScan(context.Background(), live)
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []keyext.TabletId{ext}, client.assigns)
}

func TestSuspendedTabletClearsSuspendWhenGoalNotHosted(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{TableOffline: true})

	prior := ample.TServerInstance{Host: "ts1"}
	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Suspend = &ample.Suspension{Server: prior, SuspensionTime: time.Now()}
	putTablet(t, store, idx, tm)

	live := ample.LiveServers{prior: struct{}{}}
	err := w.FullScan(context.Background(), live)
	require.NoError(t, err)

	tm2, err := store.ReadTablet(ext)
	require.NoError(t, err)
	assert.Nil(t, tm2.Suspend)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.assigns)
	assert.Empty(t, client.unloads)
}

func TestDeadServerRecomputeUsesFreshLiveSnapshot(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	server := ample.TServerInstance{Host: "ts1"}
	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Current = &server
	putTablet(t, store, idx, tm)

	// The server looked dead when this scan started, but a concurrent
	// partial scan has since observed it hosting the tablet again.
	w.cfg.LiveSnapshot = func() ample.LiveServers {
		return ample.LiveServers{server: struct{}{}}
	}

	err := w.FullScan(context.Background(), ample.LiveServers{})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.unloads)
}

func TestDeadServerRecomputeWithoutSnapshotStaysDead(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	server := ample.TServerInstance{Host: "ts1"}
	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Current = &server
	putTablet(t, store, idx, tm)

	err := w.FullScan(context.Background(), ample.LiveServers{})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []keyext.TabletId{ext}, client.unloads)
}

func TestEventQueueOverflowSignalsFullScan(t *testing.T) {
	q := newEventQueue(1)
	assert.True(t, q.Push(keyext.TabletId{TableId: "t1"}))
	assert.False(t, q.Push(keyext.TabletId{TableId: "t2"}))
	assert.True(t, q.DrainNeedsFullScan())
	assert.False(t, q.DrainNeedsFullScan())
}

func TestHostOnDemandSkipsDuplicateConcurrentSubmission(t *testing.T) {
	client := &fakeTClient{}
	w, store, idx := newTestWatcher(t, client, ample.GoalParams{})

	ext := keyext.TabletId{TableId: "t1"}
	tm := ample.NewTabletMetadata(ext)
	tm.Availability = ample.OnDemand
	putTablet(t, store, idx, tm)

	assert.True(t, w.hostingInFlight.tryStart(ext))
	err := w.HostOnDemand(context.Background(), []keyext.TabletId{ext})
	require.NoError(t, err)

	tm2, err := store.ReadTablet(ext)
	require.NoError(t, err)
	assert.False(t, tm2.HostingRequested) // skipped: already in flight
}
