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

// Package bulkimport implements the bulk-import load planner (C9):
// mapping externally-written sorted files onto tablet ranges, per-tablet
// admission checks, and an atomic, idempotently-replayable metadata
// update carried out as a FATE transaction. Grounded on the retrieved
// coordinator's snapshot-application path (tikv/raftstore/snap_applier.go,
// raftstore/snapRunner.go), which applies an externally produced sorted
// artifact into a key range under an admission gate, adapted here to a
// per-tablet file-count cap instead of a single-region snapshot.
package bulkimport

import (
	"fmt"
	"sort"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

// RangeType selects how a PlanEntry's bounds are interpreted.
type RangeType int

const (
	// RangeTable asserts the file's rows exactly match tablet
	// boundaries: Start and End, where non-infinite, must coincide
	// with an existing split of the plan's table.
	RangeTable RangeType = iota
	// RangeFile fences the file to an explicit (Start, End] range that
	// need not align with any split.
	RangeFile
)

func (r RangeType) String() string {
	if r == RangeTable {
		return "TABLE"
	}
	return "FILE"
}

// PlanEntry is one file's declared range within a LoadPlan.
type PlanEntry struct {
	Type  RangeType
	Start keyext.Row // nil means -infinity
	End   keyext.Row // nil means +infinity
}

// LoadPlan maps every file in a bulk-import directory to its declared
// range within one table.
type LoadPlan struct {
	Table keyext.TableId
	Files map[string]PlanEntry
}

// Validate checks that every file present in the directory is named in
// the plan and vice versa, and that every RangeTable entry's bounds
// match an existing tablet split of the plan's table.
func Validate(dirFiles []string, plan *LoadPlan, idx *keyext.Index) error {
	seen := make(map[string]bool, len(dirFiles))
	for _, f := range dirFiles {
		seen[f] = true
		if _, ok := plan.Files[f]; !ok {
			return errs.New(errs.Permanent, fmt.Sprintf("bulkimport: file %q is present in the import directory but not named in the load plan", f))
		}
	}
	for f := range plan.Files {
		if !seen[f] {
			return errs.New(errs.Permanent, fmt.Sprintf("bulkimport: file %q is named in the load plan but not present in the import directory", f))
		}
	}

	splits := splitRows(idx, plan.Table)
	for f, e := range plan.Files {
		if e.Type != RangeTable {
			continue
		}
		if e.Start != nil && !splits[string(e.Start)] {
			return errs.New(errs.Permanent, fmt.Sprintf("bulkimport: file %q declares TABLE range starting at %q, which is not a tablet split of %s", f, e.Start, plan.Table))
		}
		if e.End != nil && !splits[string(e.End)] {
			return errs.New(errs.Permanent, fmt.Sprintf("bulkimport: file %q declares TABLE range ending at %q, which is not a tablet split of %s", f, e.End, plan.Table))
		}
	}
	return nil
}

func splitRows(idx *keyext.Index, table keyext.TableId) map[string]bool {
	out := make(map[string]bool)
	for _, t := range idx.AllOfTable(table) {
		if !t.IsInfiniteEnd() {
			out[string(t.EndRow)] = true
		}
		if !t.IsInfiniteStart() {
			out[string(t.PrevEndRow)] = true
		}
	}
	return out
}

// Assignment is one file's resolved set of overlapping tablets.
type Assignment struct {
	File    string
	Tablets []keyext.TabletId
}

// ComputeAssignments resolves file->tablet-set for every file in plan
// against idx's current partition of plan.Table. Order is by file name
// so callers get deterministic diagnostics and processing order.
func ComputeAssignments(plan *LoadPlan, idx *keyext.Index) []Assignment {
	files := make([]string, 0, len(plan.Files))
	for f := range plan.Files {
		files = append(files, f)
	}
	sort.Strings(files)

	out := make([]Assignment, 0, len(files))
	for _, f := range files {
		e := plan.Files[f]
		var tablets []keyext.TabletId
		idx.Overlapping(plan.Table, e.Start, e.End, func(t keyext.TabletId) bool {
			tablets = append(tablets, t)
			return true
		})
		out = append(out, Assignment{File: f, Tablets: tablets})
	}
	return out
}
