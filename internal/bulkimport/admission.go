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

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

// Config bundles the admission thresholds, all named after their
// source table properties.
type Config struct {
	MaxTabletFiles int // TABLE_BULK_MAX_TABLET_FILES; <=0 disables the check
	MaxTabletsPerFile int // TABLE_BULK_MAX_TABLETS; <=0 disables the check
	PauseThreshold int // TABLE_FILE_PAUSE
}

// CheckAdmission refuses the whole import, naming the offending file
// and tablet, if any tablet would exceed MaxTabletFiles or any file
// touches more than MaxTabletsPerFile tablets.
func CheckAdmission(assignments []Assignment, store *ample.Store, cfg Config) error {
	importFiles := make(map[string][]string)
	extentByKey := make(map[string]keyext.TabletId)

	for _, a := range assignments {
		if cfg.MaxTabletsPerFile > 0 && len(a.Tablets) > cfg.MaxTabletsPerFile {
			return errs.New(errs.Permanent, fmt.Sprintf(
				"bulkimport: file %q touches %d tablets, exceeding TABLE_BULK_MAX_TABLETS=%d",
				a.File, len(a.Tablets), cfg.MaxTabletsPerFile))
		}
		for _, t := range a.Tablets {
			key := t.String()
			importFiles[key] = append(importFiles[key], a.File)
			extentByKey[key] = t
		}
	}

	if cfg.MaxTabletFiles <= 0 {
		return nil
	}
	for key, extent := range extentByKey {
		tm, err := store.ReadTablet(extent)
		if err != nil {
			return errs.Wrap(errs.Transient, err, "bulkimport: reading tablet metadata for admission check")
		}
		existing := 0
		if tm != nil {
			existing = len(tm.Files)
		}
		total := existing + len(importFiles[key])
		if total > cfg.MaxTabletFiles {
			// Name the first file, in assignment order, that takes the
			// tablet past the cap.
			over := cfg.MaxTabletFiles - existing
			if over < 0 {
				over = 0
			}
			return errs.New(errs.Permanent, fmt.Sprintf(
				"bulkimport: file %q would bring tablet %s to %d files after import, exceeding TABLE_BULK_MAX_TABLET_FILES=%d",
				importFiles[key][over], extent, total, cfg.MaxTabletFiles))
		}
	}
	return nil
}
