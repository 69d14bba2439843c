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

package ample

import (
	"sort"
	"sync"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
)

// Status is the outcome of a conditional mutation submission.
type Status int

const (
	Accepted Status = iota
	Rejected
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "ACCEPTED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Backend is the storage substrate a Store is layered on. Two concrete
// variants back it: an on-disk backend (internal/ample/leveldbstore,
// for the USER data
// level) and an in-memory fake for tests, both satisfying this
// interface so Store's conditional-submit logic is exercised
// identically against either.
type Backend interface {
	// Load returns the stored row and its version (0 means absent).
	Load(row string) ([]byte, int64, bool)
	// CAS stores value at row iff the current version equals expect
	// (0 meaning "must be absent"). Returns the new version on success.
	CAS(row string, expect int64, value []byte) (int64, bool)
}

// memBackend is the in-memory test/METADATA-bootstrap fake.
type memBackend struct {
	mu   sync.Mutex
	rows map[string]verRow
}

type verRow struct {
	data []byte
	ver  int64
}

// NewMemBackend returns an in-memory Backend, e.g. for the ROOT tablet's
// bootstrap row, or for unit tests of every layer above Store.
func NewMemBackend() Backend {
	return &memBackend{rows: make(map[string]verRow)}
}

func (b *memBackend) Load(row string) ([]byte, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[row]
	if !ok {
		return nil, 0, false
	}
	return r.data, r.ver, true
}

func (b *memBackend) CAS(row string, expect int64, value []byte) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rows[row]
	cur := int64(0)
	if ok {
		cur = r.ver
	}
	if cur != expect {
		return cur, false
	}
	next := cur + 1
	b.rows[row] = verRow{data: value, ver: next}
	return next, true
}

// Codec serializes/deserializes a TabletMetadata row. Kept pluggable so
// the row encoding lives outside Store's conditional-submit logic; the
// codec this package provides is the gob one (NewGobCodec).
type Codec interface {
	Encode(*TabletMetadata) ([]byte, error)
	Decode(keyext.TabletId, []byte) (*TabletMetadata, error)
}

// Store is the tablet metadata table (Ample, C3).
type Store struct {
	backend Backend
	codec   Codec
}

func NewStore(backend Backend, codec Codec) *Store {
	return &Store{backend: backend, codec: codec}
}

// ReadTablet returns the metadata row for extent, or nil if absent.
func (s *Store) ReadTablet(extent keyext.TabletId) (*TabletMetadata, error) {
	raw, _, ok := s.backend.Load(extent.String())
	if !ok {
		return nil, nil
	}
	return s.codec.Decode(extent, raw)
}

// ScanBuilder starts a lazy, non-restartable scan over tablets.
type ScanBuilder struct {
	store    *Store
	table    keyext.TableId
	haveTable bool
	start    keyext.Row
	end      keyext.Row
	index    *keyext.Index // required: driving order source
}

func (s *Store) ReadTablets() *ScanBuilder { return &ScanBuilder{store: s} }

func (b *ScanBuilder) ForTable(id keyext.TableId) *ScanBuilder {
	b.table = id
	b.haveTable = true
	return b
}
func (b *ScanBuilder) Overlapping(start, end keyext.Row) *ScanBuilder {
	b.start, b.end = start, end
	return b
}
func (b *ScanBuilder) WithIndex(idx *keyext.Index) *ScanBuilder { b.index = idx; return b }

// Fetch returns a finite, non-restartable stream of matching rows. The
// returned function panics if called after it has returned ok=false
// once.
func (b *ScanBuilder) Fetch() func() (*TabletMetadata, bool, error) {
	var extents []keyext.TabletId
	if b.index != nil {
		if b.haveTable {
			b.index.Overlapping(b.table, b.start, b.end, func(t keyext.TabletId) bool {
				extents = append(extents, t)
				return true
			})
		} else {
			// No table filter: this is a full-index scan spanning
			// every table at this data level.
			extents = b.index.All()
		}
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].String() < extents[j].String() })
	i := 0
	done := false
	return func() (*TabletMetadata, bool, error) {
		if done {
			panic("ample: Fetch stream already exhausted; not restartable")
		}
		for i < len(extents) {
			e := extents[i]
			i++
			tm, err := b.store.ReadTablet(e)
			if err != nil {
				done = true
				return nil, false, err
			}
			if tm != nil {
				return tm, true, nil
			}
		}
		done = true
		return nil, false, nil
	}
}

// Require expresses a per-extent precondition for a conditional mutation.
type Require struct {
	AbsentOperation bool
	AbsentLocation  bool
	Availability    *Availability
	// SnapshotVersion, if set, requires the row's version to equal this
	// (a "same as read" check against a prior ReadTablet).
	SnapshotVersion *int64
}

// pendingMutation accumulates one extent's require+put/delete actions
// before Submit.
type pendingMutation struct {
	extent  keyext.TabletId
	require Require
	apply   func(*TabletMetadata)
	isOpSetter bool
}

// ConditionalMutator batches per-extent conditional mutations behind a
// conditionally_mutate_tablets()-style builder.
type ConditionalMutator struct {
	store *Store
	muts  []*pendingMutation
}

func (s *Store) ConditionallyMutateTablets() *ConditionalMutator {
	return &ConditionalMutator{store: s}
}

// MutationBuilder accumulates require/put/delete calls for one extent.
type MutationBuilder struct {
	m *pendingMutation
	c *ConditionalMutator
}

func (c *ConditionalMutator) Extent(e keyext.TabletId) *MutationBuilder {
	m := &pendingMutation{extent: e, apply: func(*TabletMetadata) {}}
	c.muts = append(c.muts, m)
	return &MutationBuilder{m: m, c: c}
}

func (mb *MutationBuilder) RequireAbsentOperation() *MutationBuilder {
	mb.m.require.AbsentOperation = true
	return mb
}
func (mb *MutationBuilder) RequireAbsentLocation() *MutationBuilder {
	mb.m.require.AbsentLocation = true
	return mb
}
func (mb *MutationBuilder) RequireAvailability(a Availability) *MutationBuilder {
	mb.m.require.Availability = &a
	return mb
}
func (mb *MutationBuilder) RequireSnapshotVersion(v int64) *MutationBuilder {
	mb.m.require.SnapshotVersion = &v
	return mb
}

// Put queues an arbitrary mutation of the row. isOpSetter must be true
// only when this mutation itself is what sets OpId — the one exemption
// from the "every mutation requires absent_operation" invariant.
func (mb *MutationBuilder) Put(isOpSetter bool, f func(*TabletMetadata)) *MutationBuilder {
	prev := mb.m.apply
	mb.m.apply = func(tm *TabletMetadata) { prev(tm); f(tm) }
	mb.m.isOpSetter = mb.m.isOpSetter || isOpSetter
	return mb
}

// Submit finalizes this extent's mutation and returns to the batch
// builder. description is used only for diagnostics/logging.
func (mb *MutationBuilder) Submit(description string) *ConditionalMutator {
	if !mb.m.require.AbsentOperation && !mb.m.isOpSetter {
		panic("ample: mutation on " + mb.m.extent.String() + " (" + description + ") must RequireAbsentOperation unless it is the operation setter")
	}
	return mb.c
}

// Process applies every queued mutation, each as an independent
// conditional CAS against its extent's row. Concurrent mutations of
// the same row serialize via the backend's CAS; there is no
// across-row atomicity — for that, callers use FATE.
func (c *ConditionalMutator) Process() map[keyext.TabletId]Status {
	results := make(map[keyext.TabletId]Status, len(c.muts))
	for _, m := range c.muts {
		results[m.extent] = c.processOne(m)
	}
	return results
}

func (c *ConditionalMutator) processOne(m *pendingMutation) Status {
	row := m.extent.String()
	for {
		raw, ver, ok := c.store.backend.Load(row)
		var tm *TabletMetadata
		if ok {
			var err error
			tm, err = c.store.codec.Decode(m.extent, raw)
			if err != nil {
				return StatusUnknown
			}
		} else {
			tm = NewTabletMetadata(m.extent)
		}

		if !checkRequire(tm, ok, m.require) {
			return Rejected
		}
		if m.require.SnapshotVersion != nil && *m.require.SnapshotVersion != ver {
			return Rejected
		}

		next := tm.Clone()
		m.apply(next)

		encoded, err := c.store.codec.Encode(next)
		if err != nil {
			return StatusUnknown
		}
		newVer, casOK := c.store.backend.CAS(row, ver, encoded)
		if casOK {
			_ = newVer
			return Accepted
		}
		// Lost the race on the backend CAS itself (not a logical
		// precondition failure): the caller's own require snapshot is
		// now stale, so report REJECTED rather than silently retrying
		// under a changed precondition.
		return Rejected
	}
}

func checkRequire(tm *TabletMetadata, existed bool, r Require) bool {
	if r.AbsentOperation && tm.OpId != nil {
		return false
	}
	if r.AbsentLocation && (tm.Current != nil || tm.Future != nil) {
		return false
	}
	if r.Availability != nil && tm.Availability != *r.Availability {
		return false
	}
	if r.SnapshotVersion != nil {
		// The version itself is compared in processOne, against the
		// version the row was loaded at; checkRequire only sees the
		// decoded row.
		_ = existed
	}
	return true
}

// ErrInvisibleVisibility is returned by a ValueLookup when the
// submitter's authorizations don't cover the visibility a column
// carries, so the conditional write pipeline can report that as a
// distinct outcome from an ordinary failed condition. Declared here
// rather than in the conditional package to keep it next to the rest
// of this store's error taxonomy.
var ErrInvisibleVisibility = errs.New(errs.Permanent, "ample: submitter cannot see this visibility")
