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

package bulkimport

import (
	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/fate"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

// BeginImport validates the plan against the directory listing and
// current tablet partition, computes file->tablet assignments, runs
// admission checks, and seeds a FATE transaction whose single step
// applies the per-tablet metadata updates. Refreshing hosted tablets
// runs as part of that step via refresh, once each
// tablet's files are durably recorded.
func BeginImport(
	txns *fate.Store,
	store *ample.Store,
	idx *keyext.Index,
	dirFiles []string,
	plan *LoadPlan,
	cfg Config,
	refresh func(keyext.TabletId),
) (fate.Id, error) {
	if err := Validate(dirFiles, plan, idx); err != nil {
		return fate.Id{}, err
	}
	assignments := ComputeAssignments(plan, idx)
	if err := CheckAdmission(assignments, store, cfg); err != nil {
		return fate.Id{}, err
	}
	tablets := groupByTablet(plan, assignments)
	if len(tablets) == 0 {
		return fate.Id{}, errs.New(errs.Permanent, "bulkimport: load plan names no files")
	}

	id := txns.Create()
	first := &applyStep{store: store, refresh: refresh, tablets: tablets, pauseThreshold: cfg.PauseThreshold}
	if err := txns.SeedTransaction(id, "bulk_import", first, true, string(plan.Table)); err != nil {
		return fate.Id{}, err
	}
	return id, nil
}
