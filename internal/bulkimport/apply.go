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
	"fmt"
	"sort"
	"time"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/fate"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

type fileFence struct {
	Path  string
	Start keyext.Row
	End   keyext.Row
}

type tabletFiles struct {
	Extent keyext.TabletId
	Files  []fileFence
}

// groupByTablet inverts assignments into per-tablet file lists, in
// deterministic tablet order, carrying each file's declared fenced
// range through to the FileRef the step will write.
func groupByTablet(plan *LoadPlan, assignments []Assignment) []tabletFiles {
	byExtent := make(map[string]*tabletFiles)
	var order []string
	for _, a := range assignments {
		entry := plan.Files[a.File]
		for _, t := range a.Tablets {
			key := t.String()
			g, ok := byExtent[key]
			if !ok {
				g = &tabletFiles{Extent: t}
				byExtent[key] = g
				order = append(order, key)
			}
			g.Files = append(g.Files, fileFence{Path: a.File, Start: entry.Start, End: entry.End})
		}
	}
	sort.Strings(order)
	out := make([]tabletFiles, 0, len(order))
	for _, k := range order {
		out = append(out, *byExtent[k])
	}
	return out
}

// applyStep is the sole FATE step of a bulk import: it walks every
// touched tablet and applies its file additions as one conditional
// mutation each. Re-invocation (at-least-once execution) is safe: a
// tablet whose Loaded map already attributes a file to this
// transaction's id is skipped for that file. Like the manager's
// shutdown steps, it captures its collaborators as
// fields rather than through fate.Env, which several unrelated step
// kinds share across one Executor.
type applyStep struct {
	store          *ample.Store
	refresh        func(keyext.TabletId)
	tablets        []tabletFiles
	pauseThreshold int
}

func (s *applyStep) Name() string { return "bulk-import-apply" }

func (s *applyStep) IsReady(id fate.Id, env fate.Env) (time.Duration, error) { return 0, nil }

func (s *applyStep) Call(id fate.Id, env fate.Env) (fate.Repo, error) {
	fateID := id.ToAmple()
	for _, tf := range s.tablets {
		if err := applyToTablet(s.store, tf.Extent, tf.Files, fateID, s.pauseThreshold); err != nil {
			return nil, err
		}
		if s.refresh != nil {
			s.refresh(tf.Extent)
		}
	}
	return nil, nil
}

// Undo is a no-op: partially-applied file additions are themselves
// idempotent re-attempts of the forward step, not a state this
// transaction can meaningfully roll back once any tablet has committed
// a file. Replay, not reversal, is the recovery path.
func (s *applyStep) Undo(id fate.Id, env fate.Env) error { return nil }

func applyToTablet(store *ample.Store, extent keyext.TabletId, files []fileFence, fateID ample.FateId, pauseThreshold int) error {
	tm, err := store.ReadTablet(extent)
	if err != nil {
		return errs.Wrap(errs.Transient, err, "bulkimport: reading tablet before apply")
	}
	if tm == nil {
		tm = ample.NewTabletMetadata(extent)
	}

	var toAdd []fileFence
	for _, f := range files {
		if existing, ok := tm.Loaded[f.Path]; ok && existing == fateID {
			continue // already applied by this transaction; idempotent replay
		}
		toAdd = append(toAdd, f)
	}
	if len(toAdd) == 0 {
		return nil
	}

	mut := store.ConditionallyMutateTablets().
		Extent(extent).
		RequireAbsentOperation().
		Put(false, func(m *ample.TabletMetadata) {
			for _, f := range toAdd {
				m.Files = append(m.Files, ample.FileRef{Path: f.Path, FencedStart: f.Start, FencedEnd: f.End})
				m.Loaded[f.Path] = fateID
			}
			if pauseThreshold > 0 && len(m.Files) > pauseThreshold {
				m.BulkImportPaused = true
			}
		}).
		Submit("bulk_import_apply")

	statuses := mut.Process()
	if statuses[extent] != ample.Accepted {
		return errs.New(errs.Conflict, fmt.Sprintf("bulkimport: conditional update on tablet %s was %s", extent, statuses[extent]))
	}
	return nil
}
