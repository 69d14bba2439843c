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

// Package ample implements the tablet metadata table (C3): a typed,
// row-addressed, multi-column conditional store over tablet extents,
// generalized from the retrieved coordinator's typed region-info
// load/save layer (scheduler/server/core/region_storage.go) to the
// spec's per-tablet column set and conditional-submit protocol.
package ample

import (
	"time"

	"github.com/cfkoehler/accumulo/internal/keyext"
)

// TServerInstance identifies a tablet server process instance: host
// plus the session id of its currently held service lock, so a stale
// reference to a since-restarted server on the same host is never
// mistaken for the live one.
type TServerInstance struct {
	Host      string
	SessionID string
}

// FileRef names an externally-written sorted file and the sub-range of
// its keys that count for the tablet referencing it.
type FileRef struct {
	Path         string
	FencedStart  keyext.Row // nil means -infinity
	FencedEnd    keyext.Row // nil means +infinity
}

// FateId identifies a FATE transaction, tagged by which store owns it.
type FateInstanceType int

const (
	FateUser FateInstanceType = iota
	FateMeta
)

type FateId struct {
	Type FateInstanceType
	UUID string
}

func (f FateId) String() string {
	tag := "USER"
	if f.Type == FateMeta {
		tag = "META"
	}
	return tag + ":" + f.UUID
}

// Availability is the per-tablet hosting policy.
type Availability int

const (
	Hosted Availability = iota
	OnDemand
	Unhosted
)

// TimeType selects whether Time is a logical counter or wall-clock millis.
type TimeType int

const (
	Logical TimeType = iota
	Millis
)

// TabletTime is srv:time: either "L<n>" or "M<ms>".
type TabletTime struct {
	Type  TimeType
	Value int64
}

// Suspension is srv:suspend.
type Suspension struct {
	Server         TServerInstance
	SuspensionTime time.Time
}

// OpId is an active administrative operation pinned on a tablet.
type OpId struct {
	OpType string
	Fate   FateId
}

// TabletMetadata is one row of the metadata table.
type TabletMetadata struct {
	Extent keyext.TabletId

	// Files holds the tablet's file set. FileRef.FencedStart/End contain
	// byte slices so, unlike Loaded/Logs, this is a slice rather than a
	// map keyed on the struct — []byte is not a valid Go map key.
	Files  []FileRef
	Loaded map[string]FateId // file path -> FateId that bulk-loaded it

	Last    *TServerInstance
	Current *TServerInstance
	Future  *TServerInstance

	Suspend *Suspension
	Logs    map[string]struct{} // WAL references still needed for recovery

	OpId *OpId

	Availability      Availability
	HostingRequested  bool

	// BulkImportPaused blocks new bulk-import FATE ops from targeting
	// this tablet once its file count crosses TABLE_FILE_PAUSE, without
	// affecting the ordinary write path.
	BulkImportPaused bool

	FlushId int64
	Time    TabletTime

	Mergeability bool
	Migration    *TServerInstance
}

// Clone deep-copies m so callers can freely mutate the copy while
// diagnosing a REJECTED conditional mutation against the original.
func (m *TabletMetadata) Clone() *TabletMetadata {
	c := *m
	c.Files = append([]FileRef(nil), m.Files...)
	c.Loaded = make(map[string]FateId, len(m.Loaded))
	for k, v := range m.Loaded {
		c.Loaded[k] = v
	}
	c.Logs = make(map[string]struct{}, len(m.Logs))
	for l := range m.Logs {
		c.Logs[l] = struct{}{}
	}
	if m.Last != nil {
		v := *m.Last
		c.Last = &v
	}
	if m.Current != nil {
		v := *m.Current
		c.Current = &v
	}
	if m.Future != nil {
		v := *m.Future
		c.Future = &v
	}
	if m.Suspend != nil {
		v := *m.Suspend
		c.Suspend = &v
	}
	if m.OpId != nil {
		v := *m.OpId
		c.OpId = &v
	}
	if m.Migration != nil {
		v := *m.Migration
		c.Migration = &v
	}
	return &c
}

// HasConflictingLocation reports the hard anomaly of both current and
// future being set simultaneously.
func (m *TabletMetadata) HasConflictingLocation() bool {
	return m.Current != nil && m.Future != nil
}

// NewTabletMetadata returns an empty row for extent, defaulting to
// HOSTED availability the way a freshly-split tablet inherits its
// parent's policy unless told otherwise.
func NewTabletMetadata(extent keyext.TabletId) *TabletMetadata {
	return &TabletMetadata{
		Extent:       extent,
		Loaded:       make(map[string]FateId),
		Logs:         make(map[string]struct{}),
		Availability: Hosted,
	}
}
