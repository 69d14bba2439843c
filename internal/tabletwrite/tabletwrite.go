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

// Package tabletwrite implements the per-tablet write path (C6):
// constraint checking, in-memory commit sessions, and durability
// resolution against the write-ahead log. Grounded on the retrieved
// tablet server's per-region write batch (tikv/mvcc/db_writer.go,
// tikv/raftstore/peer.go's proposal-then-apply split), generalized from
// a Raft log to the write-ahead log package built for C5.
package tabletwrite

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/wal"
)

// Mutation is one row's set of column updates, opaque to this package
// beyond the row key needed for constraint checks and WAL framing.
type Mutation struct {
	Row     []byte
	Payload []byte
}

// Constraint validates a mutation before it is allowed to enter a
// commit session. A constraint violation is a permanent, non-retryable
// rejection: malformed input is never worth resubmitting unchanged.
type Constraint interface {
	Check(row []byte, payload []byte) error
	Name() string
}

// Violation records why one mutation failed a constraint.
type Violation struct {
	Mutation Mutation
	Reason   error
}

// Prepared is the outcome of preparing a mutation batch for commit.
type Prepared struct {
	CommitSession *CommitSession
	NonViolators  []Mutation
	Violators     []Violation
	TabletClosed  bool
}

// Env bundles what prepareMutationsForCommit needs from the tablet
// hosting this write.
type Env struct {
	Extent      keyext.TabletId
	Constraints []Constraint
	Logger      *wal.Logger
	SessionID   string
	Closed      func() bool // reports whether the tablet has since closed
	Default     wal.Durability
}

// PrepareMutationsForCommit runs constraints against every mutation and,
// if the tablet is open, returns a commit session ready to merge the
// non-violators.
func PrepareMutationsForCommit(env Env, mutations []Mutation) Prepared {
	if env.Closed != nil && env.Closed() {
		return Prepared{TabletClosed: true}
	}

	nonViolators, violators := CheckConstraints(env.Constraints, mutations)
	return Prepared{
		CommitSession: newCommitSession(env),
		NonViolators:  nonViolators,
		Violators:     violators,
	}
}

// CheckConstraints partitions mutations into those that satisfy every
// constraint and those that don't, without touching commit state.
// Shared by PrepareMutationsForCommit and C7's conditional pipeline,
// which runs the same check on a mutation batch after its conditions
// have already been evaluated.
func CheckConstraints(constraints []Constraint, mutations []Mutation) (nonViolators []Mutation, violators []Violation) {
	for _, m := range mutations {
		if v, ok := checkConstraint(constraints, m); !ok {
			violators = append(violators, v)
			continue
		}
		nonViolators = append(nonViolators, m)
	}
	return nonViolators, violators
}

func checkConstraint(constraints []Constraint, m Mutation) (Violation, bool) {
	for _, c := range constraints {
		if err := c.Check(m.Row, m.Payload); err != nil {
			return Violation{Mutation: m, Reason: errs.Wrapf(errs.Permanent, err, "constraint %s", c.Name())}, false
		}
	}
	return Violation{}, true
}

// InMemoryMap is the tablet's sorted in-memory structure that commit
// merges into. Kept minimal: row-ordered slice under a mutex, enough
// for the commit-ordering invariant without pulling in a real
// memtable implementation, which is out of this package's scope.
type InMemoryMap struct {
	mu   sync.Mutex
	rows []Mutation
}

func NewInMemoryMap() *InMemoryMap { return &InMemoryMap{} }

func (m *InMemoryMap) merge(muts []Mutation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, muts...)
	sort.Slice(m.rows, func(i, j int) bool {
		return string(m.rows[i].Row) < string(m.rows[j].Row)
	})
}

// Snapshot returns a copy of the current row set, ordered.
func (m *InMemoryMap) Snapshot() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mutation, len(m.rows))
	copy(out, m.rows)
	return out
}

// CommitSession serializes commits for one tablet: writes to a single
// tablet commit in the order commit() is invoked, which is the order
// prepareMutationsForCommit granted the session.
type CommitSession struct {
	env     Env
	mem     *InMemoryMap
	mu      sync.Mutex
	commits atomic.Int64
}

func newCommitSession(env Env) *CommitSession {
	return &CommitSession{env: env, mem: NewInMemoryMap()}
}

// CommitRequest is one caller's durability-tagged mutation batch.
type CommitRequest struct {
	Mutations  []Mutation
	Durability wal.Durability
}

// Commit merges req's mutations into the in-memory structure, first
// establishing durability per the resolved level. Every mutation either
// ends up applied and durably logged, or the whole call returns an
// error and none of req's mutations are visible — no partial state.
func (cs *CommitSession) Commit(ctx context.Context, req CommitRequest) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	durability := wal.Max(req.Durability, cs.env.Default)
	if durability != wal.DurabilityNone {
		if err := cs.logDurably(ctx, req, durability); err != nil {
			return err
		}
	}

	cs.mem.merge(req.Mutations)
	cs.commits.Inc()
	return nil
}

func (cs *CommitSession) logDurably(ctx context.Context, req CommitRequest, durability wal.Durability) error {
	if cs.env.Logger == nil {
		return errs.New(errs.Permanent, "tabletwrite: durability requested but no wal.Logger configured")
	}
	sessions := []wal.SessionCommit{{SessionID: cs.env.SessionID, Extent: cs.env.Extent.String(), Durability: durability}}
	return cs.env.Logger.Write(ctx, sessions, func(w wal.Writer) error {
		for _, m := range req.Mutations {
			rec := wal.MutationRecord{SessionID: cs.env.SessionID, Mutation: m.Payload, Durability: durability}
			data, err := wal.EncodeRecord(rec)
			if err != nil {
				return err
			}
			if err := w.Append(data); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitCount reports how many Commit calls have succeeded, for tests
// and metrics.
func (cs *CommitSession) CommitCount() int64 { return cs.commits.Load() }

// Memtable exposes the underlying in-memory structure for reads.
func (cs *CommitSession) Memtable() *InMemoryMap { return cs.mem }
