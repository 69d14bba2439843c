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

// Package fate implements the fault-tolerant transaction engine (C4): a
// durable, replayable, multi-step operation store plus a bounded
// worker pool, modeled on the retrieved coordinator's typed background
// task queue (tikv/raftstore/worker.go) for the execution shape and its
// lease-checked ownership (scheduler/server/member) for reservation
// liveness.
package fate

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/lock"
)

// InstanceType tags which store a transaction belongs to.
type InstanceType int

const (
	User InstanceType = iota
	Meta
)

// Id identifies a FATE transaction.
type Id struct {
	Type InstanceType
	UUID uuid.UUID
}

func NewId(t InstanceType) Id { return Id{Type: t, UUID: uuid.New()} }

func (i Id) String() string {
	tag := "USER"
	if i.Type == Meta {
		tag = "META"
	}
	return tag + ":" + i.UUID.String()
}

// ParseId parses the "TAG:uuid" form produced by String, as accepted
// on the admin CLI's <fateId> arguments.
func ParseId(s string) (Id, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Id{}, errs.New(errs.Permanent, "fate: malformed id "+s)
	}
	tag, rest := s[:idx], s[idx+1:]
	var t InstanceType
	switch tag {
	case "USER":
		t = User
	case "META":
		t = Meta
	default:
		return Id{}, errs.New(errs.Permanent, "fate: unknown instance tag "+tag)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return Id{}, errs.Wrap(errs.Permanent, err, "fate: bad uuid in id")
	}
	return Id{Type: t, UUID: u}, nil
}

func (i Id) ToAmple() ample.FateId {
	t := ample.FateUser
	if i.Type == Meta {
		t = ample.FateMeta
	}
	return ample.FateId{Type: t, UUID: i.UUID.String()}
}

// Status is the transaction lifecycle.
type Status int

const (
	StatusNew Status = iota
	StatusSubmitted
	StatusInProgress
	StatusFailedInProgress
	StatusFailed
	StatusSuccessful
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusFailedInProgress:
		return "FAILED_IN_PROGRESS"
	case StatusFailed:
		return "FAILED"
	case StatusSuccessful:
		return "SUCCESSFUL"
	default:
		return "UNKNOWN"
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusSuccessful
}

// isValidTransition enforces the monotone status machine, permitting
// only forward progress plus the NEW->FAILED cancel escape.
func isValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusNew:
		return to == StatusSubmitted || to == StatusFailed
	case StatusSubmitted:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusInProgress || to == StatusFailedInProgress || to == StatusSuccessful
	case StatusFailedInProgress:
		return to == StatusFailed
	default:
		return false
	}
}

// Reservation is a CAS-guarded ownership claim on a transaction.
type Reservation struct {
	LockID lock.LockID
	UUID   uuid.UUID
}

func (r Reservation) Equal(o Reservation) bool {
	return r.LockID == o.LockID && r.UUID == o.UUID
}

// Repo is the per-transaction step contract. Side effects within Call
// must be idempotent: the engine guarantees at-least-once invocation.
type Repo interface {
	// IsReady returns a positive delay if the step should be requeued
	// rather than executed now.
	IsReady(id Id, env Env) (time.Duration, error)
	// Call executes the step, returning the next step or nil if this
	// was the terminal step.
	Call(id Id, env Env) (Repo, error)
	// Undo reverses this step's effects during failure unwinding.
	Undo(id Id, env Env) error
	// Name identifies the step type for serialization (tag+payload).
	Name() string
}

// Env is the execution environment steps run against; concrete fields
// live in the consumer packages (manager, bulkimport) to avoid a
// dependency cycle back into fate from them. Steps type-assert Env to
// whatever concrete environment their fate-op expects.
type Env interface{}

// record is a transaction's durable state.
type record struct {
	id          Id
	status      Status
	opName      string
	created     time.Time
	steps       []Repo // stack; last element executes next
	reservation *Reservation
	autoCleanUp bool
	description string
}

var (
	ErrNotReserved   = errs.New(errs.Conflict, "fate: transaction is not reserved")
	ErrAlreadyReserved = errs.New(errs.Conflict, "fate: transaction reserved by another worker")
	ErrBadTransition = errs.New(errs.Permanent, "fate: invalid status transition")
	ErrNotFound      = errs.New(errs.Permanent, "fate: transaction not found")
	ErrBusy          = errs.New(errs.Conflict, "fate: transaction is reserved (busy)")
	ErrNotTerminal   = errs.New(errs.Permanent, "fate: transaction is not in a terminal state")
)
