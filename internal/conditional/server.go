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

// Package conditional implements the conditional write pipeline (C7):
// server-side per-row locking, condition evaluation, and round-based
// deferral, plus a client-side session manager. Grounded on the
// retrieved tablet server's row/region-scoped read path
// (tikv/raftstore/read.go) for the "scoped scan restricted to one row"
// shape, and the retrieved scheduler's session-reuse RPC client
// (scheduler/client) for the client-side TTL-bounded session pattern.
package conditional

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
	"github.com/cfkoehler/accumulo/internal/tabletwrite"
)

// ErrNoConditions signals a conditional mutation submitted with zero
// conditions: every conditional write requires at least one.
var ErrNoConditions = errs.New(errs.Permanent, "conditional: mutation has no conditions")

// Condition is one predicate a conditional mutation requires to hold.
type Condition struct {
	Family, Qualifier, Visibility string
	TimestampIfSet                *int64
	ExpectedValue                 []byte
	MustBeAbsent                  bool
}

// sortConditions orders conditions by (family, qualifier, visibility,
// timestamp desc) for read locality.
func sortConditions(cs []Condition) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		if a.Qualifier != b.Qualifier {
			return a.Qualifier < b.Qualifier
		}
		if a.Visibility != b.Visibility {
			return a.Visibility < b.Visibility
		}
		at, bt := int64(0), int64(0)
		if a.TimestampIfSet != nil {
			at = *a.TimestampIfSet
		}
		if b.TimestampIfSet != nil {
			bt = *b.TimestampIfSet
		}
		return at > bt // descending
	})
}

// ServerConditionalMutation is one row's conditional write submitted
// for a round.
type ServerConditionalMutation struct {
	Row        []byte
	Conditions []Condition
	Mutation   tabletwrite.Mutation
	Durability Durability
}

// Durability re-exports the write-path durability enum so callers of
// this package need not import internal/wal directly for it.
type Durability int

// ValueLookup evaluates one condition against the current view of row,
// standing in for "open a scoped scan restricted to the row, apply the
// mutation's iterator stack"; the iterator stack itself is out of scope.
// A lookup that cannot decrypt/authorize the column's visibility must
// return ample.ErrInvisibleVisibility rather than treating the column
// as absent, so the caller can report INVISIBLE_VISIBILITY instead of
// an ordinary failed condition.
type ValueLookup func(ctx context.Context, extent keyext.TabletId, row []byte, c Condition) (value []byte, present bool, err error)

// Committer durably logs and commits accepted mutations under the row
// locks already held by ProcessRound, mirroring C6's commit session.
type Committer func(ctx context.Context, extent keyext.TabletId, muts []tabletwrite.Mutation) error

// rowLockTable is a non-blocking per-(extent,row) lock table: contended
// rows are reported busy immediately rather than blocking the caller.
type rowLockTable struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newRowLockTable() *rowLockTable { return &rowLockTable{locks: make(map[string]bool)} }

func lockKey(extent keyext.TabletId, row []byte) string { return extent.String() + "\x00" + string(row) }

func (t *rowLockTable) tryLock(extent keyext.TabletId, row []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := lockKey(extent, row)
	if t.locks[k] {
		return false
	}
	t.locks[k] = true
	return true
}

func (t *rowLockTable) unlock(extent keyext.TabletId, row []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, lockKey(extent, row))
}

// Server runs conditional-update rounds for one tablet server.
type Server struct {
	locks       *rowLockTable
	lookup      ValueLookup
	commit      Committer
	closed      func(extent keyext.TabletId) bool
	sessions    *sessionRegistry
	constraints []tabletwrite.Constraint
}

func NewServer(lookup ValueLookup, commit Committer, closed func(keyext.TabletId) bool, constraints ...tabletwrite.Constraint) *Server {
	return &Server{
		locks:       newRowLockTable(),
		lookup:      lookup,
		commit:      commit,
		closed:      closed,
		sessions:    newSessionRegistry(),
		constraints: constraints,
	}
}

// RoundResult is one extent's outcome, one status per submitted
// mutation, plus whatever must be retried next round.
type RoundResult struct {
	Statuses []rpc.Status         // aligned with the input slice for this extent
	Deferred []ServerConditionalMutation
}

// ProcessRound runs one deferral round across every extent in reqs,
// keyed by session so an invalidated session's mutations are all
// IGNORED.
func (s *Server) ProcessRound(ctx context.Context, sessionID string, reqs map[keyext.TabletId][]ServerConditionalMutation) map[keyext.TabletId]RoundResult {
	out := make(map[keyext.TabletId]RoundResult, len(reqs))
	for extent, muts := range reqs {
		out[extent] = s.processExtent(ctx, sessionID, extent, muts)
	}
	return out
}

func (s *Server) processExtent(ctx context.Context, sessionID string, extent keyext.TabletId, muts []ServerConditionalMutation) RoundResult {
	statuses := make([]rpc.Status, len(muts))

	if s.sessions.invalidated(sessionID) {
		for i := range statuses {
			statuses[i] = rpc.Ignored
		}
		return RoundResult{Statuses: statuses}
	}
	if s.closed != nil && s.closed(extent) {
		for i := range statuses {
			statuses[i] = rpc.Ignored
		}
		return RoundResult{Statuses: statuses}
	}

	// One row may appear multiple times in this request; defer all but
	// the first occurrence so a later mutation only ever observes
	// writes committed in earlier rounds.
	firstIdx := make(map[string]int)
	order := make([]int, 0, len(muts))
	var deferred []ServerConditionalMutation
	for i, m := range muts {
		k := string(m.Row)
		if _, seen := firstIdx[k]; seen {
			deferred = append(deferred, m)
			statuses[i] = rpc.Ignored
			continue
		}
		firstIdx[k] = i
		order = append(order, i)
	}
	sort.Slice(order, func(a, b int) bool { return string(muts[order[a]].Row) < string(muts[order[b]].Row) })

	type conditionsHeld struct {
		idx int
		mut tabletwrite.Mutation
	}
	var passed []conditionsHeld
	var lockedRows [][]byte

	for _, i := range order {
		m := muts[i]
		if len(m.Conditions) == 0 {
			// A conditional mutation asserting nothing is reported
			// REJECTED before any row lock or evaluation; the status is
			// the same one a failed condition gets.
			statuses[i] = rpc.Rejected
			continue
		}
		if !s.locks.tryLock(extent, m.Row) {
			deferred = append(deferred, m)
			statuses[i] = rpc.Ignored
			continue
		}
		lockedRows = append(lockedRows, m.Row)

		sortConditions(m.Conditions)
		ok, err := s.evaluate(ctx, extent, m)
		if err != nil {
			if errors.Is(err, ample.ErrInvisibleVisibility) {
				statuses[i] = rpc.InvisibleVisibility
			} else {
				statuses[i] = rpc.Unknown
			}
			continue
		}
		if !ok {
			statuses[i] = rpc.Rejected
			continue
		}
		passed = append(passed, conditionsHeld{idx: i, mut: m.Mutation})
	}

	// Mutations whose conditions held still have to clear the write
	// path's constraint check before they're allowed into a commit
	// session: VIOLATED comes from constraint checking, not from a
	// failed condition.
	candidates := make([]tabletwrite.Mutation, len(passed))
	for i, p := range passed {
		candidates[i] = p.mut
	}
	_, violators := tabletwrite.CheckConstraints(s.constraints, candidates)
	violatedRows := make(map[string]bool, len(violators))
	for _, v := range violators {
		violatedRows[string(v.Mutation.Row)] = true
	}

	var toCommit []tabletwrite.Mutation
	for _, p := range passed {
		if violatedRows[string(p.mut.Row)] {
			statuses[p.idx] = rpc.Violated
			continue
		}
		statuses[p.idx] = rpc.Accepted
		toCommit = append(toCommit, p.mut)
	}

	if len(toCommit) > 0 && s.commit != nil {
		if err := s.commit(ctx, extent, toCommit); err != nil {
			for _, i := range order {
				if statuses[i] == rpc.Accepted {
					statuses[i] = rpc.Unknown
				}
			}
		}
	}

	for _, row := range lockedRows {
		s.locks.unlock(extent, row)
	}

	return RoundResult{Statuses: statuses, Deferred: deferred}
}

func (s *Server) evaluate(ctx context.Context, extent keyext.TabletId, m ServerConditionalMutation) (bool, error) {
	for _, c := range m.Conditions {
		value, present, err := s.lookup(ctx, extent, m.Row, c)
		if err != nil {
			return false, err
		}
		if c.MustBeAbsent {
			if present {
				return false, nil
			}
			continue
		}
		if !present {
			return false, nil
		}
		if string(value) != string(c.ExpectedValue) {
			return false, nil
		}
	}
	return true, nil
}

// Invalidate marks sessionID such that no further mutation from it will
// be applied. Once this returns, the guarantee holds for every
// subsequent ProcessRound call.
func (s *Server) Invalidate(sessionID string) { s.sessions.invalidate(sessionID) }

type sessionRegistry struct {
	mu   sync.Mutex
	bad  map[string]bool
}

func newSessionRegistry() *sessionRegistry { return &sessionRegistry{bad: make(map[string]bool)} }

func (r *sessionRegistry) invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bad[id] = true
}

func (r *sessionRegistry) invalidated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bad[id]
}
