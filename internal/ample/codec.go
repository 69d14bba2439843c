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
	"bytes"
	"encoding/gob"

	"github.com/cfkoehler/accumulo/internal/keyext"
)

// gobCodec is the default Codec. The wire IDL surface is explicitly out
// of scope; gob is a reasonable stdlib choice here since no pack repo
// ships a standalone record-framing library independent of a generated
// schema this module intentionally doesn't have.
type gobCodec struct{}

// NewGobCodec returns the default TabletMetadata Codec.
func NewGobCodec() Codec { return gobCodec{} }

// wireForm mirrors TabletMetadata but with gob-friendly types (no
// pointers-to-value-that-may-be-nil ambiguity beyond what gob already
// handles fine, kept separate mainly so Extent is not re-encoded twice
// per row: the row key already names it).
type wireForm struct {
	Files            []FileRef
	Loaded           map[string]FateId
	Last             *TServerInstance
	Current          *TServerInstance
	Future           *TServerInstance
	Suspend          *Suspension
	Logs             map[string]struct{}
	OpId             *OpId
	Availability     Availability
	HostingRequested bool
	BulkImportPaused bool
	FlushId          int64
	Time             TabletTime
	Mergeability     bool
	Migration        *TServerInstance
}

func (gobCodec) Encode(m *TabletMetadata) ([]byte, error) {
	w := wireForm{
		Files: m.Files, Loaded: m.Loaded, Last: m.Last, Current: m.Current,
		Future: m.Future, Suspend: m.Suspend, Logs: m.Logs, OpId: m.OpId,
		Availability: m.Availability, HostingRequested: m.HostingRequested,
		BulkImportPaused: m.BulkImportPaused,
		FlushId: m.FlushId, Time: m.Time, Mergeability: m.Mergeability,
		Migration: m.Migration,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(extent keyext.TabletId, data []byte) (*TabletMetadata, error) {
	var w wireForm
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	m := &TabletMetadata{
		Extent: extent, Files: w.Files, Loaded: w.Loaded, Last: w.Last,
		Current: w.Current, Future: w.Future, Suspend: w.Suspend, Logs: w.Logs,
		OpId: w.OpId, Availability: w.Availability, HostingRequested: w.HostingRequested,
		BulkImportPaused: w.BulkImportPaused,
		FlushId: w.FlushId, Time: w.Time, Mergeability: w.Mergeability, Migration: w.Migration,
	}
	if m.Loaded == nil {
		m.Loaded = make(map[string]FateId)
	}
	if m.Logs == nil {
		m.Logs = make(map[string]struct{})
	}
	return m, nil
}
