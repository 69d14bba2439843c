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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

func newTestStore() *ample.Store {
	return ample.NewStore(ample.NewMemBackend(), ample.NewGobCodec())
}

func TestCheckAdmissionRejectsTooManyFilesPerTablet(t *testing.T) {
	store := newTestStore()
	extent := keyext.TabletId{TableId: "t1", EndRow: keyext.Row("g")}
	res := store.ConditionallyMutateTablets().
		Extent(extent).
		RequireAbsentOperation().
		Put(false, func(m *ample.TabletMetadata) {
			m.Files = []ample.FileRef{{Path: "existing1.rf"}, {Path: "existing2.rf"}}
		}).
		Submit("seed").
		Process()
	require.Equal(t, ample.Accepted, res[extent])

	assignments := []Assignment{
		{File: "new1.rf", Tablets: []keyext.TabletId{extent}},
		{File: "new2.rf", Tablets: []keyext.TabletId{extent}},
		{File: "new3.rf", Tablets: []keyext.TabletId{extent}},
		{File: "new4.rf", Tablets: []keyext.TabletId{extent}},
	}
	err := CheckAdmission(assignments, store, Config{MaxTabletFiles: 5})
	require.Error(t, err)
	assert.Equal(t, errs.Permanent, errs.KindOf(err))
}

func TestCheckAdmissionAcceptsWithinLimit(t *testing.T) {
	store := newTestStore()
	extent := keyext.TabletId{TableId: "t1", EndRow: keyext.Row("g")}
	assignments := []Assignment{{File: "f1.rf", Tablets: []keyext.TabletId{extent}}}
	require.NoError(t, CheckAdmission(assignments, store, Config{MaxTabletFiles: 5}))
}

func TestCheckAdmissionRejectsTooManyTabletsPerFile(t *testing.T) {
	store := newTestStore()
	extents := []keyext.TabletId{
		{TableId: "t1", EndRow: keyext.Row("g")},
		{TableId: "t1", PrevEndRow: keyext.Row("g"), EndRow: keyext.Row("m")},
		{TableId: "t1", PrevEndRow: keyext.Row("m")},
	}
	assignments := []Assignment{{File: "wide.rf", Tablets: extents}}
	err := CheckAdmission(assignments, store, Config{MaxTabletsPerFile: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wide.rf")
}

func TestCheckAdmissionSkipsDisabledChecks(t *testing.T) {
	store := newTestStore()
	extent := keyext.TabletId{TableId: "t1"}
	var many []Assignment
	for i := 0; i < 50; i++ {
		many = append(many, Assignment{File: "f.rf", Tablets: []keyext.TabletId{extent}})
	}
	require.NoError(t, CheckAdmission(many, store, Config{}))
}
