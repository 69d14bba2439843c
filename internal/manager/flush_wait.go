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
	"time"

	"github.com/cfkoehler/accumulo/internal/keyext"
)

// flushPollInterval is how often WaitForFlush re-reads tablet metadata
// while polling for a target flush id to become visible.
const flushPollInterval = 50 * time.Millisecond

// WaitForFlush blocks (respecting ctx) until extent's persisted
// srv:flush counter reaches or exceeds target, so a caller (e.g. a
// FATE step waiting on a minor compaction it triggered) observes the
// mutation durably reflected in metadata before proceeding.
//
// TODO: the root tablet's flush id is never advanced by the same path
// as every other tablet (unresolved upstream in the retrieved source,
// which breaks out of its own wait loop for this case rather than
// fixing it); until that's understood we preserve the same carve-out
// here and return immediately for LevelRoot instead of polling.
func (w *TabletGroupWatcher) WaitForFlush(ctx context.Context, extent keyext.TabletId, target int64) error {
	if w.cfg.Level == LevelRoot {
		return nil
	}

	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		tm, err := w.cfg.Store.ReadTablet(extent)
		if err != nil {
			return err
		}
		if tm != nil && tm.FlushId >= target {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
