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

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cfkoehler/accumulo/internal/config"
	"github.com/cfkoehler/accumulo/internal/fate"
	"github.com/cfkoehler/accumulo/internal/zk"
)

const dialTimeout = 5 * time.Second

// coordinationClient dials the coordination service named in cfg,
// mirroring the retrieved coordinator process's own clientv3.New call
// at startup.
func coordinationClient(cfg *config.Config) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.CoordinationEndpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "tabletadmin: dial coordination service")
	}
	return cli, nil
}

// attachFateStore hydrates a Store from whatever is currently
// persisted for instance type t, wiring the persist hook so admin
// cancel and fail are written back. Delete is not: it removes the
// transaction from the in-memory store only, and the hook has no
// delete path.
func attachFateStore(ctx context.Context, zc *zk.Client, t fate.InstanceType) (*fate.Store, error) {
	backing := fate.NewZKBacking(zc)
	snaps, err := backing.LoadAll(ctx, t)
	if err != nil {
		return nil, errors.Wrap(err, "tabletadmin: load fate state")
	}
	store := fate.LoadSnapshots(t, snaps)
	store.SetPersistHook(backing.Hook())
	return store, nil
}
