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

package conditional

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
)

// ErrNoSuchScanID signals the server has forgotten a session the client
// still believes is live.
var ErrNoSuchScanID = errs.New(errs.Conflict, "conditional: no such scan id")

// TimedOutError is reported per-mutation when aggregate elapsed time
// exceeds the client's configured timeout.
type TimedOutError struct{ Elapsed time.Duration }

func (e *TimedOutError) Error() string { return "conditional: timed out after " + e.Elapsed.String() }

// session is a client's lazily-opened, TTL-bounded connection to one
// tablet server, reused across batches until 0.95×TTL has elapsed since
// last use.
type session struct {
	id       string
	lastUsed time.Time
	invalid  bool
}

// SessionManager holds one session per tablet-server address and
// implements the invalidate-before-UNKNOWN protocol.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
}

func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{sessions: make(map[string]*session), ttl: ttl}
}

func (m *SessionManager) get(serverAddr string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[serverAddr]
	if !ok || s.invalid {
		return nil, false
	}
	if time.Since(s.lastUsed) > time.Duration(float64(m.ttl)*0.95) {
		return nil, false
	}
	return s, true
}

func (m *SessionManager) open(serverAddr string) *session {
	s := &session{id: uuid.New().String(), lastUsed: time.Now()}
	m.mu.Lock()
	m.sessions[serverAddr] = s
	m.mu.Unlock()
	return s
}

func (m *SessionManager) touch(serverAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[serverAddr]; ok {
		s.lastUsed = time.Now()
	}
}

func (m *SessionManager) markInvalid(serverAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[serverAddr]; ok {
		s.invalid = true
	}
}

// LockChecker reports whether a service lock is still held, used to
// distinguish a dead server (result UNKNOWN is impossible to avoid)
// from a live one that can be asked to invalidate the session.
type LockChecker interface {
	IsLockHeld(ctx context.Context, lockID string) (bool, error)
}

// Submit runs one batch of conditional mutations against serverAddr's
// client, opening or reusing a session, and implements the
// session-invalidation protocol on RPC failure.
func (m *SessionManager) Submit(ctx context.Context, serverAddr string, client rpc.TServerClient, serverLockID string, byExtent map[keyext.TabletId][][]byte) (rpc.ConditionalUpdateResponse, error) {
	s, ok := m.get(serverAddr)
	if !ok {
		s = m.open(serverAddr)
	}

	resp, err := client.ConditionalUpdate(ctx, rpc.ConditionalUpdateRequest{SessionID: s.id, ByExtent: byExtent})
	if err == nil {
		m.touch(serverAddr)
		return resp, nil
	}

	if errors.Is(err, ErrNoSuchScanID) {
		m.markInvalid(serverAddr)
		s = m.open(serverAddr)
		resp, err = client.ConditionalUpdate(ctx, rpc.ConditionalUpdateRequest{SessionID: s.id, ByExtent: byExtent})
		if err == nil {
			m.touch(serverAddr)
		}
		return resp, err
	}

	// RPC failure with a session that might still be live: the
	// correctness hinge is that we may only report UNKNOWN once we are
	// certain no further mutation from this session will be applied.
	held, lockErr := client.IsLockHeld(ctx, serverLockID)
	if lockErr != nil || !held {
		// Server is dead (or its liveness is itself unknown): no
		// invalidate call is possible, so the result is UNKNOWN by
		// definition, not by choice.
		m.markInvalid(serverAddr)
		return rpc.ConditionalUpdateResponse{}, errs.New(errs.Unknown, "conditional: server unreachable, mutation status UNKNOWN")
	}

	if invalidateErr := client.InvalidateConditionalUpdate(ctx, rpc.InvalidateRequest{SessionID: s.id}); invalidateErr != nil {
		return rpc.ConditionalUpdateResponse{}, errs.Wrap(errs.Unknown, invalidateErr, "conditional: invalidate failed after RPC failure, mutation status UNKNOWN")
	}
	m.markInvalid(serverAddr)
	return rpc.ConditionalUpdateResponse{}, errs.New(errs.Unknown, "conditional: session invalidated after RPC failure, mutation status UNKNOWN")
}
