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
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/zk"
)

// wireSnapshot is Snapshot's gob-safe wire form.
type wireSnapshot struct {
	Type        InstanceType
	UUID        uuid.UUID
	Status      Status
	OpName      string
	Created     time.Time
	Reservation *Reservation
	StepDepth   int
	Description string
}

// ZKBacking persists FATE snapshots under /fate/<META|USER>/<uuid>,
// the layout META-FATE transactions live at in the coordination
// service. USER-FATE would in a full deployment live in the metadata
// table instead; this module has no separate metadata-table row format
// for it, so administration targets the same zk-backed encoding for
// both instance types.
type ZKBacking struct {
	zc *zk.Client
}

func NewZKBacking(zc *zk.Client) *ZKBacking { return &ZKBacking{zc: zc} }

func fateDir(t InstanceType) string {
	if t == Meta {
		return "/fate/META"
	}
	return "/fate/USER"
}

func fatePath(t InstanceType, id uuid.UUID) string {
	return fmt.Sprintf("%s/%s", fateDir(t), id)
}

// Hook returns a persist callback suitable for Store.SetPersistHook.
func (b *ZKBacking) Hook() func(Id, Snapshot) {
	return func(id Id, snap Snapshot) {
		data, err := encodeSnapshot(snap)
		if err != nil {
			return
		}
		ctx := context.Background()
		p := fatePath(id.Type, id.UUID)
		if ok, _ := b.zc.Exists(ctx, p); !ok {
			_, _ = b.zc.Create(ctx, p, data, zk.Persistent, zk.FailIfExists)
			return
		}
		_ = b.zc.MutateExisting(ctx, p, func([]byte) ([]byte, error) { return data, nil })
	}
}

// LoadAll lists every transaction currently persisted for instance
// type t, tolerating individually corrupt or vanished rows the same
// way ListSummaries tolerates concurrent deletion.
func (b *ZKBacking) LoadAll(ctx context.Context, t InstanceType) ([]Snapshot, error) {
	dir := fateDir(t)
	children, err := b.zc.GetChildren(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(children))
	for _, c := range children {
		data, _, err := b.zc.Get(ctx, dir+"/"+c)
		if err != nil {
			continue
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	w := wireSnapshot{
		Type: s.Id.Type, UUID: s.Id.UUID, Status: s.Status, OpName: s.OpName,
		Created: s.Created, Reservation: s.Reservation, StepDepth: s.StepDepth,
		Description: s.Description,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, errs.Wrap(errs.Permanent, err, "fate: encode snapshot")
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var w wireSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return Snapshot{}, errs.Wrap(errs.Permanent, err, "fate: decode snapshot")
	}
	return Snapshot{
		Id: Id{Type: w.Type, UUID: w.UUID}, Status: w.Status, OpName: w.OpName,
		Created: w.Created, Reservation: w.Reservation, StepDepth: w.StepDepth,
		Description: w.Description,
	}, nil
}

// LoadSnapshots reconstructs a Store's bookkeeping from previously
// persisted snapshots, for an admin process that attaches to
// already-running instance state instead of starting fresh the way a
// worker Executor does. Step objects are not reconstructed since
// admin operations (summary, cancel, fail, delete) never call or undo
// a step; only StepDepth is preserved, as a slice of nil placeholders.
func LoadSnapshots(t InstanceType, snaps []Snapshot) *Store {
	s := NewStore(t)
	for _, snap := range snaps {
		r := &record{
			id:          snap.Id,
			status:      snap.Status,
			opName:      snap.OpName,
			created:     snap.Created,
			reservation: snap.Reservation,
			autoCleanUp: true,
			description: snap.Description,
		}
		if snap.StepDepth > 0 {
			r.steps = make([]Repo, snap.StepDepth)
		}
		s.rows[snap.Id.UUID] = r
	}
	return s
}
