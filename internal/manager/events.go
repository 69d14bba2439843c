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
)

// eventQueue is the bounded ranges-to-reexamine queue fed by the tablet
// load/unload/table-state-change event bus. On overflow it demotes to
// "full scan needed" rather than blocking the producer.
type eventQueue struct {
	mu         sync.Mutex
	ranges     []keyext.TabletId
	cap        int
	overflowed bool
	wake       chan struct{}
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{cap: capacity, wake: make(chan struct{}, 1)}
}

// Push enqueues extent for re-examination and wakes the consumer.
// Returns false if the queue overflowed as a result (the caller should
// schedule a full scan).
func (q *eventQueue) Push(extent keyext.TabletId) bool {
	q.mu.Lock()
	full := len(q.ranges) >= q.cap
	if full {
		q.overflowed = true
	} else {
		q.ranges = append(q.ranges, extent)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return !full
}

// DrainNeedsFullScan reports and clears the overflow flag.
func (q *eventQueue) DrainNeedsFullScan() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.overflowed
	q.overflowed = false
	return v
}

// Drain removes and returns every currently queued range.
func (q *eventQueue) Drain() []keyext.TabletId {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ranges
	q.ranges = nil
	return out
}

// EventBus is the minimal interface this watcher needs from the wider
// system's load/unload/table-state event source; the transport for
// events themselves is out of this package's scope.
type EventBus interface {
	Subscribe(handler func(extent keyext.TabletId))
}

// RunEventLoop is the dedicated consumer goroutine: it drains ranges
// and runs ProcessRanges with a filtered iterator, until ctx is
// cancelled. A full scan is signaled via needFullScan whenever the
// queue overflows.
func (w *TabletGroupWatcher) RunEventLoop(ctx context.Context, live ample.LiveServers, needFullScan func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.events.wake:
		}
		if w.events.DrainNeedsFullScan() {
			needFullScan()
			continue
		}
		ranges := w.events.Drain()
		if len(ranges) == 0 {
			continue
		}
		_ = w.ProcessRanges(ctx, live, ranges)
	}
}

// NotifyChanged enqueues extent for the partial-scan loop; called by
// the event bus subscription set up by production wiring.
func (w *TabletGroupWatcher) NotifyChanged(extent keyext.TabletId) bool {
	return w.events.Push(extent)
}
