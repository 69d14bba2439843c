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

// Package keyext defines the tablet extent (KeyExtent) identity and an
// ordered index over extents of a table.
package keyext

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
)

// TableId identifies a table, stable across splits/merges of its tablets.
type TableId string

// Row is a raw sorted-row key. A nil Row means the corresponding bound is
// infinite: nil EndRow is +infinity, nil PrevEndRow is -infinity.
type Row []byte

// TabletId (KeyExtent) identifies the tablet owning the half-open range
// (PrevEndRow, EndRow]. Rows with key k belong to the unique tablet where
// PrevEndRow < k <= EndRow.
type TabletId struct {
	TableId    TableId
	EndRow     Row
	PrevEndRow Row
}

// IsInfiniteEnd reports whether this tablet has no upper bound.
func (t TabletId) IsInfiniteEnd() bool { return t.EndRow == nil }

// IsInfiniteStart reports whether this tablet has no lower bound.
func (t TabletId) IsInfiniteStart() bool { return t.PrevEndRow == nil }

// Contains reports whether row belongs to this tablet's range.
func (t TabletId) Contains(row Row) bool {
	if !t.IsInfiniteStart() && bytes.Compare(row, t.PrevEndRow) <= 0 {
		return false
	}
	if !t.IsInfiniteEnd() && bytes.Compare(row, t.EndRow) > 0 {
		return false
	}
	return true
}

// Overlaps reports whether the two tablets' ranges intersect.
func (t TabletId) Overlaps(o TabletId) bool {
	if t.TableId != o.TableId {
		return false
	}
	// t starts after o ends?
	if !o.IsInfiniteEnd() && !t.IsInfiniteStart() && bytes.Compare(t.PrevEndRow, o.EndRow) >= 0 {
		return false
	}
	// o starts after t ends?
	if !t.IsInfiniteEnd() && !o.IsInfiniteStart() && bytes.Compare(o.PrevEndRow, t.EndRow) >= 0 {
		return false
	}
	return true
}

// IsPreviousTablet reports whether t immediately precedes o: t.EndRow ==
// o.PrevEndRow, i.e. t and o are adjacent with no gap or overlap.
func (t TabletId) IsPreviousTablet(o TabletId) bool {
	if t.TableId != o.TableId {
		return false
	}
	if t.IsInfiniteEnd() || o.IsInfiniteStart() {
		return false
	}
	return bytes.Equal(t.EndRow, o.PrevEndRow)
}

// String renders "table;endRow" the way a metadata table row id would,
// using "<" for +infinity to match the persisted row-key convention.
func (t TabletId) String() string {
	end := "<"
	if !t.IsInfiniteEnd() {
		end = string(t.EndRow)
	}
	return fmt.Sprintf("%s;%s", t.TableId, end)
}

// less orders extents first by table, then by EndRow with nil (+inf)
// sorting last. This is the order tablets of one table are physically
// stored in the metadata table.
func less(a, b TabletId) bool {
	if a.TableId != b.TableId {
		return a.TableId < b.TableId
	}
	if a.IsInfiniteEnd() {
		return false
	}
	if b.IsInfiniteEnd() {
		return true
	}
	return bytes.Compare(a.EndRow, b.EndRow) < 0
}

// item adapts TabletId for btree.BTreeG ordering.
type item struct{ TabletId }

func (i item) Less(o item) bool { return less(i.TabletId, o.TabletId) }

// Index is an ordered index of tablet extents for one or more tables,
// supporting overlap and adjacency queries the way the metadata table's
// row order does on-disk. Backed by github.com/google/btree, the ordered
// structure several repos in the retrieval pack (cockroachdb, matrixone)
// reach for over range-keyed data.
type Index struct {
	tree *btree.BTreeG[item]
}

// NewIndex returns an empty extent index.
func NewIndex() *Index {
	return &Index{tree: btree.NewG[item](32, func(a, b item) bool { return a.Less(b) })}
}

// Put inserts or replaces the extent.
func (x *Index) Put(t TabletId) { x.tree.ReplaceOrInsert(item{t}) }

// Delete removes the extent, if present.
func (x *Index) Delete(t TabletId) { x.tree.Delete(item{t}) }

// Len returns the number of extents indexed.
func (x *Index) Len() int { return x.tree.Len() }

// Find returns the tablet whose range contains row, if any is indexed.
func (x *Index) Find(table TableId, row Row) (TabletId, bool) {
	var found TabletId
	ok := false
	x.tree.AscendGreaterOrEqual(item{TabletId{TableId: table, EndRow: row}}, func(it item) bool {
		if it.TableId != table {
			return false
		}
		if it.Contains(row) {
			found, ok = it.TabletId, true
		}
		return false
	})
	return found, ok
}

// Overlapping calls fn for every indexed extent of table overlapping
// (start, end]. fn returning false stops the scan early. A nil start or
// end means unbounded.
func (x *Index) Overlapping(table TableId, start, end Row, fn func(TabletId) bool) {
	probeEnd := start
	if probeEnd == nil {
		probeEnd = []byte{} // smallest possible EndRow, sorts before every finite row
	}
	probe := TabletId{TableId: table, EndRow: probeEnd}
	x.tree.AscendGreaterOrEqual(item{probe}, func(it item) bool {
		if it.TableId != table {
			return false
		}
		if start != nil && !it.IsInfiniteEnd() && bytes.Compare(it.EndRow, start) <= 0 {
			return true // ends at start, outside the exclusive lower bound
		}
		if !end.IsInfiniteRow() && !it.IsInfiniteStart() && bytes.Compare(it.PrevEndRow, end) >= 0 {
			return false
		}
		return fn(it.TabletId)
	})
}

// IsInfiniteRow reports whether r represents an unbounded row endpoint.
func (r Row) IsInfiniteRow() bool { return r == nil }

// All returns every indexed extent across every table, in ascending
// (table, endRow) order — used by scans that span an entire data level
// rather than one table.
func (x *Index) All() []TabletId {
	out := make([]TabletId, 0, x.tree.Len())
	x.tree.Ascend(func(it item) bool {
		out = append(out, it.TabletId)
		return true
	})
	return out
}

// AllOfTable returns every extent of table in ascending order.
func (x *Index) AllOfTable(table TableId) []TabletId {
	var out []TabletId
	x.tree.AscendGreaterOrEqual(item{TabletId{TableId: table}}, func(it item) bool {
		if it.TableId != table {
			return false
		}
		out = append(out, it.TabletId)
		return true
	})
	return out
}

// ValidatePartition checks the invariant that live tablets of a table
// form a contiguous, non-overlapping partition of the keyspace: sorted
// adjacent extents must satisfy IsPreviousTablet, the first must have an
// infinite start, and the last an infinite end.
func ValidatePartition(tablets []TabletId) error {
	if len(tablets) == 0 {
		return nil
	}
	if !tablets[0].IsInfiniteStart() {
		return fmt.Errorf("keyext: first tablet %s does not start at -inf", tablets[0])
	}
	if !tablets[len(tablets)-1].IsInfiniteEnd() {
		return fmt.Errorf("keyext: last tablet %s does not end at +inf", tablets[len(tablets)-1])
	}
	for i := 1; i < len(tablets); i++ {
		if !tablets[i-1].IsPreviousTablet(tablets[i]) {
			return fmt.Errorf("keyext: gap or overlap between %s and %s", tablets[i-1], tablets[i])
		}
	}
	return nil
}
