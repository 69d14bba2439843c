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

// Package lock implements the mutually exclusive, fair,
// failure-detecting service lock (C2) built on sequential-ephemeral
// children of a lock path, generalizing the retrieved manager's
// etcd-lease leader campaign into an N-way sequential queue with
// findLowestPrevPrefix election.
package lock

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/zk"
)

// childPattern matches "zlock#<uuid>#<10-digit-seq>" exactly.
var childPattern = regexp.MustCompile(`^zlock#([0-9a-f-]{36})#(\d{10})$`)

// LockID identifies a specific lock node: the path it lives under, the
// holder's uuid, and its sequence number. It serializes as
// "path#uuid#seq".
type LockID struct {
	Path string
	UUID uuid.UUID
	Seq  int64
}

func (l LockID) String() string {
	return fmt.Sprintf("%s#%s#%010d", l.Path, l.UUID, l.Seq)
}

// ParseLockID parses the "path#uuid#seq" wire form. Round-tripping a
// LockID through String/ParseLockID must be the identity for valid
// inputs.
func ParseLockID(s string) (LockID, error) {
	idx := strings.LastIndex(s, "#")
	if idx < 0 {
		return LockID{}, errs.New(errs.Permanent, "lock: malformed LockID "+s)
	}
	rest := s[:idx]
	seqStr := s[idx+1:]
	idx2 := strings.LastIndex(rest, "#")
	if idx2 < 0 {
		return LockID{}, errs.New(errs.Permanent, "lock: malformed LockID "+s)
	}
	p := rest[:idx2]
	uuidStr := rest[idx2+1:]
	u, err := uuid.Parse(uuidStr)
	if err != nil {
		return LockID{}, errs.Wrap(errs.Permanent, err, "lock: bad uuid in LockID")
	}
	if u.String() != uuidStr {
		return LockID{}, errs.New(errs.Permanent, "lock: uuid does not round-trip: "+uuidStr)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return LockID{}, errs.Wrap(errs.Permanent, err, "lock: bad seq in LockID")
	}
	return LockID{Path: p, UUID: u, Seq: seq}, nil
}

// ServiceLock is a held or pending lock instance for one competitor.
type ServiceLock struct {
	zc       *zk.Client
	lockPath string
	uuid     uuid.UUID

	mu        sync.Mutex
	childName string // full node path once created, e.g. "/locks/tservers/host1/zlock#...#0000000003"
	held      atomic.Bool
	lost      chan struct{}
}

// New creates a lock competitor for lockPath, not yet contending.
func New(zc *zk.Client, lockPath string) *ServiceLock {
	return &ServiceLock{
		zc:       zc,
		lockPath: lockPath,
		uuid:     uuid.New(),
		lost:     make(chan struct{}),
	}
}

// child extracts the "zlock#<uuid>#<seq>" leaf name from a child listing entry.
func child(name string) (uuid.UUID, int64, bool) {
	m := childPattern.FindStringSubmatch(name)
	if m == nil {
		return uuid.UUID{}, 0, false
	}
	u, err := uuid.Parse(m[1])
	if err != nil || u.String() != m[1] {
		return uuid.UUID{}, 0, false
	}
	seq, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return uuid.UUID{}, 0, false
	}
	return u, seq, true
}

// TryLock creates this competitor's sequential-ephemeral node, then
// blocks (respecting ctx) watching prior nodes until it becomes the
// lowest-sequence child, i.e. the lock holder. lockData is stored as
// the node payload for remote LockID verification.
func (s *ServiceLock) TryLock(ctx context.Context, lockData []byte) (LockID, error) {
	name := fmt.Sprintf("zlock#%s#", s.uuid)
	created, err := s.zc.Create(ctx, s.lockPath+"/"+name, lockData, zk.EphemeralSequential, zk.FailIfExists)
	if err != nil {
		return LockID{}, errs.Wrap(errs.Transient, err, "lock: create sequential node")
	}
	s.mu.Lock()
	s.childName = created
	s.mu.Unlock()

	_, seq, ok := child(leaf(created))
	if !ok {
		return LockID{}, errs.New(errs.Permanent, "lock: created node does not match zlock pattern: "+created)
	}
	myID := LockID{Path: s.lockPath, UUID: s.uuid, Seq: seq}

	for {
		children, err := s.zc.GetChildren(ctx, s.lockPath)
		if err != nil {
			return LockID{}, errs.Wrap(errs.Transient, err, "lock: list children")
		}
		var ents []ent
		for _, c := range children {
			if _, sq, ok := child(c); ok {
				ents = append(ents, ent{c, sq})
			}
		}
		sort.Slice(ents, func(i, j int) bool { return ents[i].seq < ents[j].seq })

		if len(ents) == 0 || ents[0].seq == seq {
			s.held.Store(true)
			return myID, nil
		}

		prevName, ok := findLowestPrevPrefix(ents, seq)
		if !ok {
			// Our node vanished from the listing entirely: session loss.
			return LockID{}, errs.New(errs.Transient, "lock: own node missing from listing")
		}

		watchDone := make(chan struct{}, 1)
		s.zc.Watch(ctx, s.lockPath+"/"+prevName, func(_ string, ev zk.EventType) {
			if ev == zk.EventDeleted || ev == zk.EventSessionExpired {
				select {
				case watchDone <- struct{}{}:
				default:
				}
			}
		})
		select {
		case <-watchDone:
			continue
		case <-ctx.Done():
			return LockID{}, ctx.Err()
		}
	}
}

type ent struct {
	name string
	seq  int64
}

// findLowestPrevPrefix returns the entry with the largest sequence
// number strictly less than seq among ents (already produced in
// ascending order is not required). Returns ok=false if seq is already
// the minimum (no predecessor) or is not present.
func findLowestPrevPrefix(ents []ent, seq int64) (string, bool) {
	best := int64(-1)
	bestName := ""
	found := false
	present := false
	for _, e := range ents {
		if e.seq == seq {
			present = true
		}
		if e.seq < seq && e.seq > best {
			best = e.seq
			bestName = e.name
			found = true
		}
	}
	return bestName, found && present
}

func leaf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

// IsHeld reports whether this competitor currently believes it holds
// the lock. This does not itself verify the node still exists at the
// coordination service — callers must call VerifyLockAtSource before
// relying on it for guarded work.
func (s *ServiceLock) IsHeld() bool { return s.held.Load() }

// VerifyLockAtSource re-reads the coordination service to confirm this
// competitor's node still exists: a holder must never perform
// lock-guarded work purely on cached state.
func (s *ServiceLock) VerifyLockAtSource(ctx context.Context) (bool, error) {
	s.mu.Lock()
	child := s.childName
	s.mu.Unlock()
	if child == "" {
		return false, nil
	}
	ok, err := s.zc.Exists(ctx, child)
	if err != nil {
		return false, err
	}
	if !ok {
		s.held.Store(false)
	}
	return ok, nil
}

// Unlock releases the lock by deleting this competitor's node.
func (s *ServiceLock) Unlock(ctx context.Context) error {
	s.mu.Lock()
	child := s.childName
	s.mu.Unlock()
	if child == "" {
		return nil
	}
	s.held.Store(false)
	return s.zc.Delete(ctx, child)
}

// VerifyRemoteLockHeld is used by observers (e.g. the FATE dead-
// reservation reclaimer) to check whether a LockID recorded elsewhere
// is still live, by reading the node at its path and matching identity.
func VerifyRemoteLockHeld(ctx context.Context, zc *zk.Client, id LockID) (bool, error) {
	lockPath := fmt.Sprintf("%s/zlock#%s#%010d", id.Path, id.UUID, id.Seq)
	return zc.Exists(ctx, lockPath)
}

// ForceRelease deletes the node identified by id directly, for an
// external actor (e.g. a manager forcing a tablet server's shutdown)
// releasing a lock it never itself held via TryLock.
func ForceRelease(ctx context.Context, zc *zk.Client, id LockID) error {
	lockPath := fmt.Sprintf("%s/zlock#%s#%010d", id.Path, id.UUID, id.Seq)
	return zc.Delete(ctx, lockPath)
}
