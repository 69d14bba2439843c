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

package fate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable transaction store. Two instantiations exist at
// the process level with identical semantics: one rooted in the
// coordination service for META (metadata-affecting
// FATE ops go through internal/zk in production wiring), one rooted in
// the metadata table for USER (through internal/ample). Store itself is
// storage-substrate agnostic — this in-memory map is the shared
// implementation both instantiations use as their bookkeeping layer on
// top of whatever durability backend is plugged in via Persist/Load
// hooks below.
type Store struct {
	instanceType InstanceType

	mu   sync.Mutex
	rows map[uuid.UUID]*record

	// persist, if set, is called after every durable state change so a
	// real backend (zk or ample) can be kept in sync. Left nil in pure
	// in-memory/test configurations.
	persist func(id Id, snapshot Snapshot)
}

// Snapshot is the externally-visible durable state of one transaction,
// used both for persistence callbacks and for List/Summary.
type Snapshot struct {
	Id          Id
	Status      Status
	OpName      string
	Created     time.Time
	Reservation *Reservation
	StepDepth   int
	Description string
}

// NewStore creates an empty store for the given instance type.
func NewStore(t InstanceType) *Store {
	return &Store{instanceType: t, rows: make(map[uuid.UUID]*record)}
}

// SetPersistHook installs a callback invoked after every durable
// mutation; used by production wiring to mirror state into zk/ample.
func (s *Store) SetPersistHook(f func(Id, Snapshot)) { s.persist = f }

func (s *Store) snapshotLocked(r *record) Snapshot {
	return Snapshot{
		Id: r.id, Status: r.status, OpName: r.opName, Created: r.created,
		Reservation: r.reservation, StepDepth: len(r.steps), Description: r.description,
	}
}

func (s *Store) notify(r *record) {
	if s.persist != nil {
		s.persist(r.id, s.snapshotLocked(r))
	}
}

// Create allocates a new transaction id in status NEW.
func (s *Store) Create() Id {
	id := NewId(s.instanceType)
	s.mu.Lock()
	r := &record{id: id, status: StatusNew, created: nowFunc()}
	s.rows[id.UUID] = r
	s.mu.Unlock()
	s.notify(r)
	return id
}

// SeedTransaction sets the initial step and moves NEW->SUBMITTED.
func (s *Store) SeedTransaction(id Id, opName string, first Repo, autoCleanUp bool, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if !isValidTransition(r.status, StatusSubmitted) {
		return ErrBadTransition
	}
	r.opName = opName
	r.steps = []Repo{first}
	r.autoCleanUp = autoCleanUp
	r.description = description
	r.status = StatusSubmitted
	s.notify(r)
	return nil
}

// Reserve attempts to claim id for res. Succeeds if unreserved or
// already reserved by an identical reservation (idempotent retry).
func (s *Store) Reserve(id Id, res Reservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return false, ErrNotFound
	}
	if r.reservation == nil || r.reservation.Equal(res) {
		r.reservation = &res
		s.notify(r)
		return true, nil
	}
	return false, nil
}

// Unreserve clears the reservation iff it currently equals res.
func (s *Store) Unreserve(id Id, res Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.reservation == nil || !r.reservation.Equal(res) {
		return nil
	}
	r.reservation = nil
	s.notify(r)
	return nil
}

// TransitionStatus advances a reserved transaction's status.
func (s *Store) TransitionStatus(id Id, res Reservation, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.reservation == nil || !r.reservation.Equal(res) {
		return ErrNotReserved
	}
	if !isValidTransition(r.status, to) {
		return ErrBadTransition
	}
	r.status = to
	s.notify(r)
	return nil
}

// PushStep durably records next as the new top of the step stack.
func (s *Store) PushStep(id Id, res Reservation, next Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.reservation == nil || !r.reservation.Equal(res) {
		return ErrNotReserved
	}
	r.steps = append(r.steps, next)
	s.notify(r)
	return nil
}

// PopStep removes and returns the current top step.
func (s *Store) PopStep(id Id, res Reservation) (Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.reservation == nil || !r.reservation.Equal(res) {
		return nil, ErrNotReserved
	}
	if len(r.steps) == 0 {
		return nil, nil
	}
	top := r.steps[len(r.steps)-1]
	r.steps = r.steps[:len(r.steps)-1]
	s.notify(r)
	return top, nil
}

// TopStep peeks the current step without popping.
func (s *Store) TopStep(id Id) (Repo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok || len(r.steps) == 0 {
		return nil, false
	}
	return r.steps[len(r.steps)-1], true
}

// StepStack returns a snapshot of the full stack, bottom first, for
// undo unwinding.
func (s *Store) StepStack(id Id) []Repo {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return nil
	}
	out := make([]Repo, len(r.steps))
	copy(out, r.steps)
	return out
}

// Get returns the current durable state, or ok=false if the row no
// longer exists — callers must tolerate a missing row rather than treat
// it as an error.
func (s *Store) Get(id Id) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshotLocked(r), true
}

// List returns every currently known transaction id, in no particular
// order; callers must tolerate ids vanishing before Get is called on
// them (concurrent delete).
func (s *Store) List() []Id {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Id, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.id)
	}
	return out
}

// Cancel moves a NEW transaction directly to FAILED.
func (s *Store) Cancel(id Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.status != StatusNew {
		return ErrBadTransition
	}
	r.status = StatusFailed
	s.notify(r)
	return nil
}

// AdminFail requires the transaction be unreserved; the caller (see
// Fail in admin.go) is responsible for the "wait bounded time, then give up"
// policy around a busy transaction.
func (s *Store) AdminFail(id Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.reservation != nil {
		return ErrBusy
	}
	r.status = StatusFailed
	s.notify(r)
	return nil
}

// AdminDelete requires the transaction be unreserved and terminal.
func (s *Store) AdminDelete(id Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return ErrNotFound
	}
	if r.reservation != nil {
		return ErrBusy
	}
	if !r.status.IsTerminal() {
		return ErrNotTerminal
	}
	delete(s.rows, id.UUID)
	return nil
}

// ScanReservations returns the reservation held by every currently
// reserved transaction, for the dead-reservation reclaim sweep.
func (s *Store) ScanReservations() map[Id]Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Id]Reservation)
	for _, r := range s.rows {
		if r.reservation != nil {
			out[r.id] = *r.reservation
		}
	}
	return out
}

// ReclaimIfDead clears the reservation on id iff it is still exactly
// res — a CAS-on-value pattern so a worker that re-reserves between the
// liveness check and the clear is never clobbered.
func (s *Store) ReclaimIfDead(id Id, res Reservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id.UUID]
	if !ok {
		return false, ErrNotFound
	}
	if r.reservation == nil || !r.reservation.Equal(res) {
		return false, nil
	}
	r.reservation = nil
	s.notify(r)
	return true, nil
}

// nowFunc is indirected so tests can freeze time; production callers
// never override it.
var nowFunc = time.Now
