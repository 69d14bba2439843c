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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cfkoehler/accumulo/internal/errs"
)

// nextLogMaker is the single dedicated background goroutine that
// continuously prepares the next WAL and offers it through a
// single-slot rendezvous channel. Grounded on the retrieved tablet
// server's background pre-creation of the next recovery artifact
// (tikv/raftstore/snap_manager.go), generalized from snapshot-file prep
// to WAL-file prep.
type nextLogMaker struct {
	server string
	dfs    DFS
	marker Marker

	slot   chan result
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type result struct {
	log *currentLog
	err error
}

func newNextLogMaker(server string, dfs DFS, marker Marker) *nextLogMaker {
	return &nextLogMaker{server: server, dfs: dfs, marker: marker, slot: make(chan result)}
}

func (n *nextLogMaker) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(1)
	go n.loop(ctx)
}

func (n *nextLogMaker) stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

func (n *nextLogMaker) loop(ctx context.Context) {
	defer n.wg.Done()
	for {
		log, err := n.prepare(ctx)
		select {
		case n.slot <- result{log: log, err: err}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// prepare creates a new DFS file and publishes its marker. On failure
// at either stage it attempts best-effort cleanup, erring on the side
// of leaving the marker CLOSED if it is uncertain whether the marker
// was already visible to other readers.
func (n *nextLogMaker) prepare(ctx context.Context) (*currentLog, error) {
	id := uuid.New().String()
	path := fmt.Sprintf("/wals/%s/%s", n.server, id)

	w, err := n.dfs.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "wal: create log file")
	}

	ref := LogRef{Path: path, Server: n.server, State: Open}
	if err := n.marker.Publish(ctx, ref); err != nil {
		_ = w.Close()
		_ = n.dfs.Delete(path)
		// Uncertain whether the marker was advertised before failing;
		// err on the side of closing it so no reader waits on it.
		_ = n.marker.SetState(ctx, path, Closed)
		return nil, errs.Wrap(errs.Transient, err, "wal: publish log marker")
	}

	return &currentLog{id: id, path: path, writer: w, opened: time.Now()}, nil
}

// take consumes one prepared log from the rendezvous channel: a
// rotation request consumes exactly one item.
func (n *nextLogMaker) take(ctx context.Context) (*currentLog, error) {
	select {
	case r := <-n.slot:
		return r.log, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
