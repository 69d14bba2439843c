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

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
)

// hostingInFlight prevents duplicate concurrent host_ondemand
// submissions for the same extent.
type hostingInFlight struct {
	mu sync.Mutex
	m  map[keyext.TabletId]bool
}

func newHostingInFlight() *hostingInFlight { return &hostingInFlight{m: make(map[keyext.TabletId]bool)} }

func (h *hostingInFlight) tryStart(e keyext.TabletId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m[e] {
		return false
	}
	h.m[e] = true
	return true
}

func (h *hostingInFlight) finish(e keyext.TabletId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, e)
}

// HostOnDemand marks each extent's hosting_requested column, subject to
// the predicates "no opid, availability=ONDEMAND, no location".
// Extents already in flight are skipped rather than resubmitted.
func (w *TabletGroupWatcher) HostOnDemand(ctx context.Context, extents []keyext.TabletId) error {
	inFlight := w.hostingInFlight
	for _, e := range extents {
		if !inFlight.tryStart(e) {
			continue
		}
		err := w.hostOne(ctx, e)
		inFlight.finish(e)
		if err != nil {
			return err
		}
	}
	return nil
}

// RefreshHosted tells extent's current hosting server, if any, to
// reload its file list from metadata so it observes newly bulk-loaded
// files. A no-op if the tablet is not currently hosted.
func (w *TabletGroupWatcher) RefreshHosted(ctx context.Context, extent keyext.TabletId) error {
	if w.cfg.Clients == nil {
		return nil
	}
	tm, err := w.cfg.Store.ReadTablet(extent)
	if err != nil || tm == nil || tm.Current == nil {
		return err
	}
	client := w.cfg.Clients(*tm.Current)
	if client == nil {
		return nil
	}
	_, err = client.RefreshFiles(ctx, rpc.RefreshFilesRequest{Extent: extent})
	return err
}

func (w *TabletGroupWatcher) hostOne(ctx context.Context, extent keyext.TabletId) error {
	tm, err := w.cfg.Store.ReadTablet(extent)
	if err != nil || tm == nil {
		return err
	}
	if tm.OpId != nil || tm.Availability != ample.OnDemand || tm.Current != nil || tm.Future != nil {
		return nil
	}
	res := w.cfg.Store.ConditionallyMutateTablets().
		Extent(extent).
		RequireAbsentOperation().
		RequireAbsentLocation().
		RequireAvailability(ample.OnDemand).
		Put(false, func(m *ample.TabletMetadata) { m.HostingRequested = true }).
		Submit("host_ondemand").
		Process()
	_ = res
	return nil
}
