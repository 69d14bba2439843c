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

package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/cfkoehler/accumulo/internal/errs"
)

// RecordType tags a framed WAL record.
type RecordType int

const (
	RecordDefineTablet RecordType = iota
	RecordMutation
	RecordMutations
	RecordMinorCompactionStarted
	RecordMinorCompactionFinished
)

// DefineTabletRecord associates a session with an extent in a log.
type DefineTabletRecord struct {
	SessionID string
	Extent    string
	LogID     string
}

// MutationRecord is one logged mutation.
type MutationRecord struct {
	SessionID  string
	Mutation   []byte
	Durability Durability
}

// MutationsRecord batches several mutations for one session.
type MutationsRecord struct {
	SessionID  string
	Mutations  [][]byte
	Durability Durability
}

// MinorCompactionStartedRecord marks the start of a flush.
type MinorCompactionStartedRecord struct {
	Seq   int64
	LogID string
	File  string
}

// MinorCompactionFinishedRecord marks a flush's completion.
type MinorCompactionFinishedRecord struct {
	Seq   int64
	LogID string
}

type frame struct {
	Type    RecordType
	Payload []byte
}

// EncodeRecord frames a record for append: each record is
// position-recoverable (a length prefix precedes the frame so a reader
// can resume after a torn write at the tail).
func EncodeRecord(rec interface{}) ([]byte, error) {
	var t RecordType
	switch rec.(type) {
	case DefineTabletRecord:
		t = RecordDefineTablet
	case MutationRecord:
		t = RecordMutation
	case MutationsRecord:
		t = RecordMutations
	case MinorCompactionStartedRecord:
		t = RecordMinorCompactionStarted
	case MinorCompactionFinishedRecord:
		t = RecordMinorCompactionFinished
	default:
		return nil, errs.New(errs.Permanent, "wal: unknown record type")
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(rec); err != nil {
		return nil, err
	}
	f := frame{Type: t, Payload: payload.Bytes()}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&f); err != nil {
		return nil, err
	}
	framed := buf.Bytes()

	out := make([]byte, 4+len(framed))
	binary.BigEndian.PutUint32(out[:4], uint32(len(framed)))
	copy(out[4:], framed)
	return out, nil
}

// DecodeRecord reads one length-prefixed frame from r.
func DecodeRecord(r io.Reader) (RecordType, interface{}, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, errs.Wrap(errs.Transient, err, "wal: truncated record, log tail may be torn")
	}
	var f frame
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&f); err != nil {
		return 0, nil, err
	}
	payload := bytes.NewReader(f.Payload)
	switch f.Type {
	case RecordDefineTablet:
		var rec DefineTabletRecord
		if err := gob.NewDecoder(payload).Decode(&rec); err != nil {
			return 0, nil, err
		}
		return f.Type, rec, nil
	case RecordMutation:
		var rec MutationRecord
		if err := gob.NewDecoder(payload).Decode(&rec); err != nil {
			return 0, nil, err
		}
		return f.Type, rec, nil
	case RecordMutations:
		var rec MutationsRecord
		if err := gob.NewDecoder(payload).Decode(&rec); err != nil {
			return 0, nil, err
		}
		return f.Type, rec, nil
	case RecordMinorCompactionStarted:
		var rec MinorCompactionStartedRecord
		if err := gob.NewDecoder(payload).Decode(&rec); err != nil {
			return 0, nil, err
		}
		return f.Type, rec, nil
	case RecordMinorCompactionFinished:
		var rec MinorCompactionFinishedRecord
		if err := gob.NewDecoder(payload).Decode(&rec); err != nil {
			return 0, nil, err
		}
		return f.Type, rec, nil
	default:
		return 0, nil, errs.New(errs.Permanent, "wal: unknown record type on decode")
	}
}
