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

// Package errs implements the closed error-kind taxonomy used across
// the core runtime: Permanent, Conflict, Transient, Unknown. Kinds are
// carried alongside github.com/pkg/errors stack traces rather than
// replacing them.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for retry/propagation policy purposes.
type Kind int

const (
	// Permanent errors (malformed input, constraint violation, schema
	// violation, permission denied) are reported to the caller and
	// never retried.
	Permanent Kind = iota
	// Conflict errors (conditional-update REJECTED, lock contention)
	// leave the retry decision to the caller.
	Conflict
	// Transient errors (coordination disconnect, filesystem error, RPC
	// timeout) warrant bounded retry with backoff.
	Transient
	// Unknown covers RPCs whose outcome is indeterminate from the
	// client's point of view; only fenced code paths may surface it.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }
func (e *kindError) Cause() error  { return e.err }

// Wrap annotates err with kind and a message, preserving err's stack
// trace if it already carries one (via pkg/errors semantics).
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with formatting.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	return Wrap(kind, err, fmt.Sprintf(format, args...))
}

// New creates a fresh error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// KindOf returns the Kind attached to err, or Unknown if err was never
// classified by this package.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err (or any error it wraps) has the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
