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

package manager

import (
	"context"
	"time"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/fate"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/lock"
	"github.com/cfkoehler/accumulo/internal/rpc"
	"github.com/cfkoehler/accumulo/internal/zk"
)

// Reachable checks connectivity to a tablet server ahead of a
// non-forced shutdown's pre-check.
type Reachable interface {
	Ping(ctx context.Context, server ample.TServerInstance) error
}

// LockReleaser force-releases a service lock identified by a LockID
// this process never itself acquired via lock.ServiceLock.TryLock,
// used by the shutdown transaction's final step. The concrete
// coordination-service call is out of this package's scope; see
// ZKLockReleaser for the production adapter.
type LockReleaser interface {
	ForceRelease(ctx context.Context, id lock.LockID) error
}

// ZKLockReleaser adapts a *zk.Client to LockReleaser for production
// wiring, delegating to lock.ForceRelease.
type ZKLockReleaser struct{ ZC *zk.Client }

func (r ZKLockReleaser) ForceRelease(ctx context.Context, id lock.LockID) error {
	return lock.ForceRelease(ctx, r.ZC, id)
}

// shutdownDrain is the first FATE step: ask the server to stop
// accepting new writes and wait for in-flight work to settle before
// its tablets are unloaded out from under it.
type shutdownDrain struct {
	server ample.TServerInstance
	client rpc.TServerClient
	store  *ample.Store
	index  *keyext.Index
	lockID lock.LockID
	release LockReleaser
}

func (s *shutdownDrain) Name() string { return "shutdown-drain" }
func (s *shutdownDrain) IsReady(id fate.Id, env fate.Env) (time.Duration, error) { return 0, nil }
func (s *shutdownDrain) Call(id fate.Id, env fate.Env) (fate.Repo, error) {
	if s.client != nil {
		if _, err := s.client.Drain(context.Background(), rpc.DrainRequest{}); err != nil {
			return nil, errs.Wrap(errs.Transient, err, "manager: drain "+s.server.Host)
		}
	}
	return &shutdownUnload{server: s.server, client: s.client, store: s.store, index: s.index, lockID: s.lockID, release: s.release}, nil
}
func (s *shutdownDrain) Undo(id fate.Id, env fate.Env) error { return nil }

// shutdownUnload is the second FATE step: unload every tablet the
// server currently hosts, so nothing remains assigned to it once its
// lock is released.
type shutdownUnload struct {
	server ample.TServerInstance
	client rpc.TServerClient
	store  *ample.Store
	index  *keyext.Index
	lockID lock.LockID
	release LockReleaser
}

func (s *shutdownUnload) Name() string { return "shutdown-unload" }
func (s *shutdownUnload) IsReady(id fate.Id, env fate.Env) (time.Duration, error) { return 0, nil }
func (s *shutdownUnload) Call(id fate.Id, env fate.Env) (fate.Repo, error) {
	if s.client != nil && s.store != nil && s.index != nil {
		fetch := s.store.ReadTablets().WithIndex(s.index).Fetch()
		for {
			tm, ok, err := fetch()
			if err != nil {
				return nil, errs.Wrap(errs.Transient, err, "manager: scan tablets for shutdown unload of "+s.server.Host)
			}
			if !ok {
				break
			}
			if tm.Current == nil || *tm.Current != s.server {
				continue
			}
			if _, err := s.client.Unload(context.Background(), rpc.UnloadRequest{Extent: tm.Extent, Reason: rpc.UnloadUnassign}); err != nil {
				return nil, errs.Wrap(errs.Transient, err, "manager: unload "+tm.Extent.String())
			}
		}
	}
	return &shutdownReleaseLock{server: s.server, lockID: s.lockID, release: s.release}, nil
}
func (s *shutdownUnload) Undo(id fate.Id, env fate.Env) error { return nil }

// shutdownReleaseLock is the final FATE step: release the server's
// service lock once it holds no tablets.
type shutdownReleaseLock struct {
	server  ample.TServerInstance
	lockID  lock.LockID
	release LockReleaser
}

func (s *shutdownReleaseLock) Name() string { return "shutdown-release-lock" }
func (s *shutdownReleaseLock) IsReady(id fate.Id, env fate.Env) (time.Duration, error) { return 0, nil }
func (s *shutdownReleaseLock) Call(id fate.Id, env fate.Env) (fate.Repo, error) {
	if s.release == nil {
		return nil, nil
	}
	if err := s.release.ForceRelease(context.Background(), s.lockID); err != nil {
		return nil, errs.Wrap(errs.Transient, err, "manager: release lock for "+s.server.Host)
	}
	return nil, nil
}
func (s *shutdownReleaseLock) Undo(id fate.Id, env fate.Env) error { return nil }

// ServerShutdown seeds a FATE transaction whose steps drain server,
// unload its tablets (looked up from tabletStore/index by current
// location), then release its serverLock. If !force, a reachability
// pre-check refuses the request when the connection is unreachable.
func ServerShutdown(store *fate.Store, tabletStore *ample.Store, index *keyext.Index, reach Reachable, client rpc.TServerClient, release LockReleaser, server ample.TServerInstance, serverLock lock.LockID, force bool) (fate.Id, error) {
	if !force && reach != nil {
		if err := reach.Ping(context.Background(), server); err != nil {
			return fate.Id{}, errs.Wrap(errs.Transient, err, "manager: server unreachable, refusing non-forced shutdown")
		}
	}
	id := store.Create()
	first := &shutdownDrain{server: server, client: client, store: tabletStore, index: index, lockID: serverLock, release: release}
	if err := store.SeedTransaction(id, "server_shutdown", first, true, server.Host); err != nil {
		return fate.Id{}, err
	}
	return id, nil
}
