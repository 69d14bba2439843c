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

// Package wal implements the per-tablet-server write-ahead log
// subsystem (C5): a single current log shared by writer goroutines
// under a read/write lock, a dedicated next-log maker pipeline, group
// commit, retry-then-self-halt on exhausted retries, and a recovery
// resolver. Grounded on the retrieved tablet server's durable append
// path (tikv/raftstore/peer_storage.go, tikv/mvcc/db_writer.go) for the
// write/rotate shape and its background artifact pre-creation
// (tikv/raftstore/snap_manager.go) for the next-log maker.
package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cfkoehler/accumulo/internal/errs"
)

// LogState is the lifecycle of one WAL entry.
type LogState int

const (
	Open LogState = iota
	Closed
	Unreferenced
)

// LogRef names one WAL file plus the server that owns it.
type LogRef struct {
	Path   string
	Server string
	State  LogState
}

// DFS is the minimal filesystem surface the WAL subsystem needs: create
// a new log file, append framed bytes, and durably sync. The real
// distributed filesystem is an out-of-scope external collaborator;
// this interface is its narrow seam.
type DFS interface {
	Create(path string) (Writer, error)
	Delete(path string) error
}

// Writer is an open, appendable log file.
type Writer interface {
	Append(data []byte) error
	Sync() error
	Close() error
}

// Marker publishes/removes the coordination-service "log exists"
// marker nodes at /wals/<server>/<uuid>.
type Marker interface {
	Publish(ctx context.Context, ref LogRef) error
	SetState(ctx context.Context, path string, state LogState) error
	Remove(ctx context.Context, path string) error
}

// SessionCommit is one tablet's pending mutation batch within a single
// write() call.
type SessionCommit struct {
	SessionID    string
	Extent       string // stable string form of the tablet extent
	DefinedInLog bool   // whether this log already carries a defineTablet record for SessionID
	Mutations    [][]byte
	Durability   Durability
}

// Durability selects how far a write must land before being
// acknowledged.
type Durability int

const (
	DurabilityNone Durability = iota
	DurabilityLog
	DurabilityFlush
	DurabilitySync
)

// Max resolves request-vs-tablet-default durability: max(request,
// tablet_default).
func Max(a, b Durability) Durability {
	if a > b {
		return a
	}
	return b
}

var (
	ErrLogChanged  = errs.New(errs.Conflict, "wal: log id changed during write, retry")
	ErrRetriesExhausted = errs.New(errs.Transient, "wal: retries exhausted")
	ErrLockLost    = errs.New(errs.Permanent, "wal: service lock lost, self-halting")
)

// currentLog is the shared log writers append to.
type currentLog struct {
	id     string
	path   string
	writer Writer
	size   int64
	opened time.Time
}

// LockVerifier lets the writer confirm its own service lock is still
// held before self-halting on exhausted retries.
type LockVerifier interface {
	VerifyLockAtSource(ctx context.Context) (bool, error)
}

// SelfHalt is invoked when the writer must stop the process to preserve
// safety. Production wiring sets this to os.Exit(1) after flushing
// logs; tests override it to observe the call instead.
type SelfHalt func(reason error)

// Logger is the per-tablet-server WAL subsystem (TabletServerLogger).
type Logger struct {
	server string
	dfs    DFS
	marker Marker
	verify LockVerifier
	halt   SelfHalt

	maxSize int64
	maxAge  time.Duration
	retries int
	backoff time.Duration

	mu      sync.RWMutex
	current *currentLog

	nextLog *nextLogMaker

	definedTablets map[string]map[string]bool // logID -> sessionID -> defined
}

// Config bundles Logger construction parameters.
type Config struct {
	Server  string
	DFS     DFS
	Marker  Marker
	Verify  LockVerifier
	Halt    SelfHalt
	MaxSize int64
	MaxAge  time.Duration
	Retries int
	Backoff time.Duration
}

// NewLogger constructs a Logger and starts its next-log maker.
func NewLogger(cfg Config) *Logger {
	l := &Logger{
		server: cfg.Server, dfs: cfg.DFS, marker: cfg.Marker, verify: cfg.Verify, halt: cfg.Halt,
		maxSize: cfg.MaxSize, maxAge: cfg.MaxAge, retries: cfg.Retries, backoff: cfg.Backoff,
		definedTablets: make(map[string]map[string]bool),
	}
	l.nextLog = newNextLogMaker(cfg.Server, cfg.DFS, cfg.Marker)
	return l
}

// Start begins the background next-log maker and opens the initial
// current log.
func (l *Logger) Start(ctx context.Context) error {
	l.nextLog.run(ctx)
	return l.rotate(ctx)
}

// Stop shuts the next-log maker down.
func (l *Logger) Stop() { l.nextLog.stop() }

// rotate takes the write lock and swaps in a pre-created next log.
func (l *Logger) rotate(ctx context.Context) error {
	next, err := l.nextLog.take(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.current
	l.current = next
	l.definedTablets[next.id] = make(map[string]bool)
	l.mu.Unlock()
	if old != nil {
		_ = l.marker.SetState(ctx, old.path, Closed)
	}
	return nil
}

func (l *Logger) needsRotation(cl *currentLog) bool {
	l.mu.RLock()
	size := cl.size
	l.mu.RUnlock()
	return size >= l.maxSize || time.Since(cl.opened) >= l.maxAge
}

// snapshotCurrent reads the current log id/writer under the read lock.
func (l *Logger) snapshotCurrent() *currentLog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// sizeTrackingWriter accumulates appended bytes into its currentLog's
// size counter under the Logger's lock, so needsRotation observes the
// log's actual on-disk footprint rather than a value nothing updates.
type sizeTrackingWriter struct {
	Writer
	l  *Logger
	cl *currentLog
}

func (w *sizeTrackingWriter) Append(data []byte) error {
	if err := w.Writer.Append(data); err != nil {
		return err
	}
	w.l.mu.Lock()
	w.cl.size += int64(len(data))
	w.l.mu.Unlock()
	return nil
}

// Write runs the write path: snapshot current log, define any
// undefined tablets in this log, apply writerFn, verify the log id
// hasn't rotated underneath the write, retrying on either condition.
func (l *Logger) Write(ctx context.Context, sessions []SessionCommit, writerFn func(Writer) error) error {
	var lastErr error
	for attempt := 0; attempt < l.retries; attempt++ {
		cl := l.snapshotCurrent()
		if cl == nil {
			return errs.New(errs.Transient, "wal: no current log open")
		}

		if l.needsRotation(cl) {
			if err := l.rotate(ctx); err != nil {
				lastErr = err
				continue
			}
			continue
		}

		tracked := &sizeTrackingWriter{Writer: cl.writer, l: l, cl: cl}

		if err := l.defineUndefinedTablets(ctx, cl, tracked, sessions); err != nil {
			// Requeue and open a new log; the tablet gets defined again
			// in whichever log this write lands in next.
			_ = l.rotate(ctx)
			lastErr = err
			continue
		}

		if err := writerFn(tracked); err != nil {
			lastErr = err
			time.Sleep(l.backoff)
			continue
		}
		if err := cl.writer.Sync(); err != nil {
			lastErr = err
			time.Sleep(l.backoff)
			continue
		}

		if l.snapshotCurrent().id != cl.id {
			lastErr = ErrLogChanged
			continue
		}
		return nil
	}
	return l.onRetriesExhausted(ctx, lastErr)
}

func (l *Logger) defineUndefinedTablets(ctx context.Context, cl *currentLog, w Writer, sessions []SessionCommit) error {
	l.mu.Lock()
	defined := l.definedTablets[cl.id]
	l.mu.Unlock()
	for i := range sessions {
		if defined[sessions[i].SessionID] {
			continue
		}
		rec := DefineTabletRecord{SessionID: sessions[i].SessionID, Extent: sessions[i].Extent, LogID: cl.id}
		data, err := EncodeRecord(rec)
		if err != nil {
			return err
		}
		if err := w.Append(data); err != nil {
			return errs.Wrap(errs.Transient, err, "wal: append defineTablet")
		}
		l.mu.Lock()
		l.definedTablets[cl.id][sessions[i].SessionID] = true
		l.mu.Unlock()
		sessions[i].DefinedInLog = true
	}
	return nil
}

// onRetriesExhausted implements the writer's escalation policy: verify
// the service lock is still held; if not, self-halt.
func (l *Logger) onRetriesExhausted(ctx context.Context, cause error) error {
	held, err := l.verify.VerifyLockAtSource(ctx)
	if err != nil || !held {
		l.halt(fmt.Errorf("%w: %v", ErrLockLost, cause))
		return ErrLockLost
	}
	return errs.Wrapf(errs.Transient, ErrRetriesExhausted, "wal: %v", cause)
}
