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

// Package manager implements the per-data-level tablet-group watcher
// (C8): full+partial scan loops, state/goal dispatch, batched
// flush_changes, deferred volume replacement, on-demand hosting, and
// shutdown FATE seeding. Grounded on the retrieved scheduler's cluster
// coordinator (scheduler/server/cluster.go, scheduler/server/coordinator.go)
// for the full-scan-plus-heartbeat-driven-partial-update loop shape and
// its balancer dispatch, and the operator controller
// (scheduler/server/schedule/operator_controller.go) for the
// batched-dispatch/backpressure pattern.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
)

// DataLevel is one of the three nested tablet groups a watcher instance
// owns, ROOT ⊂ METADATA ⊂ USER: a level's watcher only makes progress
// once the level above is stable.
type DataLevel int

const (
	LevelRoot DataLevel = iota
	LevelMetadata
	LevelUser
)

func (d DataLevel) String() string {
	switch d {
	case LevelRoot:
		return "ROOT"
	case LevelMetadata:
		return "METADATA"
	default:
		return "USER"
	}
}

// Balancer picks a destination tablet server for an unassigned tablet.
// The balancer's internal placement policy is out of this module's
// scope; only the call boundary lives here.
type Balancer interface {
	Assign(ctx context.Context, extent keyext.TabletId, live ample.LiveServers) (ample.TServerInstance, bool)
}

// TableStateSource reports per-table state used to compute goals.
type TableStateSource interface {
	Params(table keyext.TableId) ample.GoalParams
}

// DeadLogCollector gathers a dead server's WALs for closure when a
// tablet is discovered ASSIGNED_TO_DEAD_SERVER.
type DeadLogCollector interface {
	CollectDeadServerLogs(ctx context.Context, server ample.TServerInstance) error
}

// ClientFactory resolves a TServerClient for a live server, standing in
// for the out-of-scope wire transport.
type ClientFactory func(ample.TServerInstance) rpc.TServerClient

// Config bundles the watcher's collaborators.
type Config struct {
	Level          DataLevel
	Store          *ample.Store
	Index          *keyext.Index
	Balancer       Balancer
	TableState     TableStateSource
	DeadLogs       DeadLogCollector
	Clients        ClientFactory
	MaxWorkChunk         int           // MAX_TSERVER_WORK_CHUNK
	VolumeBatchMax       int           // volume-replacement batch cap
	TableSuspendDuration time.Duration // TABLE_SUSPEND_DURATION
	DecommissionedVolumes []string     // path prefixes no longer served
	VolumeReplacer        VolumeReplacer
	// LiveSnapshot, if set, fetches a fresh view of live tservers. Used
	// to recompute ASSIGNED_TO_DEAD_SERVER against current membership
	// rather than the possibly-stale snapshot a scan started with.
	LiveSnapshot func() ample.LiveServers
}

// VolumeReplacer performs the single conditional tablet mutation that
// replaces file/log paths on a decommissioned volume, re-verifying
// removal of the old entries rather than presence of the new ones (to
// avoid a race where a compaction removes the new file before the
// check).
type VolumeReplacer interface {
	Replace(ctx context.Context, extent keyext.TabletId) error
}

// now is indirected so tests can control suspend-timeout comparisons.
var now = time.Now

// TabletGroupWatcher runs the scan-and-dispatch loop for one DataLevel.
type TabletGroupWatcher struct {
	cfg Config

	flushMu sync.Mutex // single-instance lock guarding flush_changes

	mu               sync.Mutex
	pendingAssign    []assignWork
	pendingUnassign  []unassignWork
	pendingVolume    []volumeWork
	hostingInFlight *hostingInFlight

	events *eventQueue
}

type assignWork struct {
	extent keyext.TabletId
	dest   ample.TServerInstance
}

type unassignWork struct {
	extent keyext.TabletId
	server ample.TServerInstance
	reason ample.UnloadReason
}

type volumeWork struct {
	extent keyext.TabletId
}

func NewTabletGroupWatcher(cfg Config) *TabletGroupWatcher {
	if cfg.MaxWorkChunk == 0 {
		cfg.MaxWorkChunk = 50
	}
	if cfg.VolumeBatchMax == 0 {
		cfg.VolumeBatchMax = 1000
	}
	return &TabletGroupWatcher{
		cfg:             cfg,
		hostingInFlight: newHostingInFlight(),
		events:          newEventQueue(1024),
	}
}

// FullScan runs the core scan-and-dispatch loop over every tablet of
// this watcher's level.
func (w *TabletGroupWatcher) FullScan(ctx context.Context, live ample.LiveServers) error {
	fetch := w.cfg.Store.ReadTablets().WithIndex(w.cfg.Index).Fetch()
	return w.runScan(ctx, live, fetch)
}

// ProcessRanges runs the core loop restricted to the given ranges, fed
// by the event-driven partial-scan consumer.
func (w *TabletGroupWatcher) ProcessRanges(ctx context.Context, live ample.LiveServers, ranges []keyext.TabletId) error {
	i := 0
	fetch := func() (*ample.TabletMetadata, bool, error) {
		for i < len(ranges) {
			e := ranges[i]
			i++
			tm, err := w.cfg.Store.ReadTablet(e)
			if err != nil {
				return nil, false, err
			}
			if tm != nil {
				return tm, true, nil
			}
		}
		return nil, false, nil
	}
	return w.runScan(ctx, live, fetch)
}

func (w *TabletGroupWatcher) runScan(ctx context.Context, live ample.LiveServers, fetch func() (*ample.TabletMetadata, bool, error)) error {
	for {
		tm, ok, err := fetch()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		w.processOne(ctx, live, tm)
		if w.overBudget(live) {
			w.FlushChanges(ctx)
		}
	}
	w.FlushChanges(ctx)
	return nil
}

func (w *TabletGroupWatcher) processOne(ctx context.Context, live ample.LiveServers, tm *ample.TabletMetadata) {
	if w.cfg.TableState == nil {
		return
	}
	state := ample.ComputeState(tm, live)
	if state == ample.AssignedToDeadServer && w.cfg.LiveSnapshot != nil {
		// Recompute against a freshly-fetched snapshot to guard the
		// known race where a concurrent partial scan already hosted
		// this tablet under a tserver this thread had not yet observed
		// when it took its own snapshot.
		state = ample.ComputeState(tm, w.cfg.LiveSnapshot())
	}

	params := w.cfg.TableState.Params(tm.Extent.TableId)
	goal := ample.ComputeGoal(tm, state, params)

	if tm.HasConflictingLocation() {
		// Anomaly: log and skip, never act on inconsistent metadata.
		return
	}

	w.dispatch(ctx, live, tm, state, goal)
}

func (w *TabletGroupWatcher) dispatch(ctx context.Context, live ample.LiveServers, tm *ample.TabletMetadata, state ample.TabletState, goal ample.TabletGoalState) {
	extent := tm.Extent

	if w.needsVolumeReplacement(tm) && (state == ample.Unassigned || state == ample.Suspended) && tm.OpId == nil {
		w.queueVolumeReplacement(extent)
	}

	if goal == ample.GoalHosted {
		switch state {
		case ample.Unassigned:
			if tm.Migration != nil {
				w.queueAssign(extent, *tm.Migration)
				return
			}
			if dest, ok := w.cfg.Balancer.Assign(ctx, extent, live); ok {
				w.queueAssign(extent, dest)
			}
		case ample.Assigned:
			if tm.Future != nil {
				w.queueAssign(extent, *tm.Future) // resend assign reminder
			}
		case ample.AssignedToDeadServer:
			if tm.Current != nil {
				w.queueUnassign(extent, *tm.Current, ample.UnloadUnassign)
				if w.cfg.DeadLogs != nil {
					_ = w.cfg.DeadLogs.CollectDeadServerLogs(ctx, *tm.Current)
				}
			}
		case ample.Suspended:
			if tm.Suspend == nil {
				break
			}
			withinWindow := now().Sub(tm.Suspend.SuspensionTime) < w.cfg.TableSuspendDuration
			if withinWindow && live.IsLive(tm.Suspend.Server) {
				w.queueAssign(extent, tm.Suspend.Server) // prior owner reappeared in time
			} else if !withinWindow {
				w.queueUnassign(extent, tm.Suspend.Server, ample.UnloadUnassign)
			}
		case ample.HostedState:
			// no-op
		}
		return
	}

	switch state {
	case ample.HostedState:
		if tm.Current != nil {
			w.queueUnassign(extent, *tm.Current, goal.HowUnload())
		}
	case ample.Suspended:
		w.clearSuspend(extent)
	case ample.AssignedToDeadServer:
		if tm.Current != nil {
			w.queueUnassign(extent, *tm.Current, ample.UnloadUnassign)
			if w.cfg.DeadLogs != nil {
				_ = w.cfg.DeadLogs.CollectDeadServerLogs(ctx, *tm.Current)
			}
		}
	}
}

// clearSuspend drops a tablet's suspension marker once its goal is no
// longer HOSTED, moving it to UNASSIGNED: a suspended tablet's prior
// owner reappearing is no longer relevant once the table itself
// doesn't want the tablet hosted.
func (w *TabletGroupWatcher) clearSuspend(extent keyext.TabletId) {
	_ = w.cfg.Store.ConditionallyMutateTablets().
		Extent(extent).
		RequireAbsentOperation().
		Put(false, func(m *ample.TabletMetadata) { m.Suspend = nil }).
		Submit("clear_suspend").
		Process()
}

func (w *TabletGroupWatcher) needsVolumeReplacement(tm *ample.TabletMetadata) bool {
	for _, prefix := range w.cfg.DecommissionedVolumes {
		for _, f := range tm.Files {
			if hasPrefix(f.Path, prefix) {
				return true
			}
		}
		for l := range tm.Logs {
			if hasPrefix(l, prefix) {
				return true
			}
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (w *TabletGroupWatcher) queueAssign(extent keyext.TabletId, dest ample.TServerInstance) {
	w.mu.Lock()
	w.pendingAssign = append(w.pendingAssign, assignWork{extent: extent, dest: dest})
	w.mu.Unlock()
}

func (w *TabletGroupWatcher) queueUnassign(extent keyext.TabletId, server ample.TServerInstance, reason ample.UnloadReason) {
	w.mu.Lock()
	w.pendingUnassign = append(w.pendingUnassign, unassignWork{extent: extent, server: server, reason: reason})
	w.mu.Unlock()
}

func (w *TabletGroupWatcher) queueVolumeReplacement(extent keyext.TabletId) {
	w.mu.Lock()
	if len(w.pendingVolume) < w.cfg.VolumeBatchMax {
		w.pendingVolume = append(w.pendingVolume, volumeWork{extent: extent})
	}
	w.mu.Unlock()
}

func (w *TabletGroupWatcher) overBudget(live ample.LiveServers) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	limit := w.cfg.MaxWorkChunk * len(live)
	if limit == 0 {
		limit = w.cfg.MaxWorkChunk
	}
	return len(w.pendingAssign)+len(w.pendingUnassign) > limit || len(w.pendingVolume) > w.cfg.VolumeBatchMax
}

// FlushChanges dispatches every pending change under a single-instance
// lock: handle dead tablets, compute balancer assignments, set future
// locations, send assign RPCs, apply volume replacements. Internal
// lists reset regardless of per-item errors so one bad RPC cannot wedge
// the scan loop.
func (w *TabletGroupWatcher) FlushChanges(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	assigns := w.pendingAssign
	unassigns := w.pendingUnassign
	volumes := w.pendingVolume
	w.pendingAssign = nil
	w.pendingUnassign = nil
	w.pendingVolume = nil
	w.mu.Unlock()

	for _, a := range assigns {
		w.sendAssign(ctx, a)
	}
	for _, u := range unassigns {
		w.sendUnload(ctx, u)
	}
	for _, v := range volumes {
		w.applyVolumeReplacement(ctx, v)
	}
}

func (w *TabletGroupWatcher) sendAssign(ctx context.Context, a assignWork) {
	if w.cfg.Clients == nil {
		return
	}
	client := w.cfg.Clients(a.dest)
	if client == nil {
		return
	}
	_, _ = client.Assign(ctx, rpc.AssignRequest{Extent: a.extent})
}

func (w *TabletGroupWatcher) applyVolumeReplacement(ctx context.Context, v volumeWork) {
	if w.cfg.VolumeReplacer == nil {
		return
	}
	_ = w.cfg.VolumeReplacer.Replace(ctx, v.extent)
}

func (w *TabletGroupWatcher) sendUnload(ctx context.Context, u unassignWork) {
	if w.cfg.Clients == nil {
		return
	}
	client := w.cfg.Clients(u.server)
	if client == nil {
		return
	}
	reason := rpc.UnloadUnassign
	switch u.reason {
	case ample.UnloadSuspend:
		reason = rpc.UnloadSuspend
	case ample.UnloadDelete:
		reason = rpc.UnloadDelete
	}
	_, _ = client.Unload(ctx, rpc.UnloadRequest{Extent: u.extent, Reason: reason})
}
