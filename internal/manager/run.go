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

	"golang.org/x/sync/errgroup"

	"github.com/cfkoehler/accumulo/internal/ample"
)

// LiveServerSource supplies the manager's current view of live tablet
// servers to each scan.
type LiveServerSource func() ample.LiveServers

// Run drives the full-scan loop and the event-driven partial-scan loop
// concurrently, returning when ctx is cancelled or either loop returns
// an error.
func (w *TabletGroupWatcher) Run(ctx context.Context, live LiveServerSource, fullScanInterval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	needFullScan := make(chan struct{}, 1)

	g.Go(func() error {
		w.RunEventLoop(ctx, live(), func() {
			select {
			case needFullScan <- struct{}{}:
			default:
			}
		})
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(fullScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-needFullScan:
			}
			if err := w.FullScan(ctx, live()); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}
