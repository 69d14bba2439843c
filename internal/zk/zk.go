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

// Package zk adapts a ZooKeeper-shaped coordination API (persistent and
// ephemeral nodes, sequential children, watches, conditional
// read-modify-write) onto an etcd cluster, the same substitution the
// retrieved manager process makes for its own leader election: an
// external coordination service is treated as a collaborator behind a
// narrow interface, never re-implemented.
package zk

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cfkoehler/accumulo/internal/errs"
)

// CreateMode selects the node lifetime/naming semantics of Create.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	EphemeralSequential
)

// ExistsPolicy governs Create's behavior when the target path already
// has a value.
type ExistsPolicy int

const (
	FailIfExists ExistsPolicy = iota
	Overwrite
	SkipIfExists
)

// NotFound, AlreadyExists, VersionMismatch, Disconnected are the error
// kinds an adapter call can fail with.
var (
	ErrNotFound        = errs.New(errs.Permanent, "zk: node not found")
	ErrAlreadyExists   = errs.New(errs.Conflict, "zk: node already exists")
	ErrVersionMismatch = errs.New(errs.Conflict, "zk: version mismatch")
	ErrDisconnected    = errs.New(errs.Transient, "zk: disconnected from coordination service")
)

// EventType classifies a watch callback.
type EventType int

const (
	EventChanged EventType = iota
	EventDeleted
	EventChildrenChanged
	EventSessionExpired
)

// Listener is invoked by the adapter on a change/delete/session event
// for a watched path. Listeners run on the adapter's I/O goroutine —
// callers must not block here.
type Listener func(path string, ev EventType)

// Client is the coordination store adapter (C1).
type Client struct {
	cli  *clientv3.Client
	root string

	cache *cache

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// New constructs an adapter rooted at root ("/accumulo/instance" etc.)
// backed by an already-connected etcd client.
func New(cli *clientv3.Client, root string) *Client {
	return &Client{
		cli:      cli,
		root:     root,
		cache:    newCache(),
		watchers: make(map[string]context.CancelFunc),
	}
}

func (c *Client) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Join(c.root, p)
	}
	return path.Join(c.root, "/", p)
}

// Create writes data at path per mode/policy. For EphemeralSequential,
// the returned path has a monotonically increasing 10-digit sequence
// suffix appended, mirroring ZooKeeper's own zero-padded sequence
// numbering so lexicographic and numeric order agree.
func (c *Client) Create(ctx context.Context, p string, data []byte, mode CreateMode, policy ExistsPolicy) (string, error) {
	full := c.abs(p)

	if mode == EphemeralSequential {
		lease, err := c.cli.Grant(ctx, 30)
		if err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: grant lease")
		}
		seq, err := c.nextSequence(ctx, path.Dir(full))
		if err != nil {
			return "", err
		}
		child := fmt.Sprintf("%s%010d", full, seq)
		_, err = c.cli.Put(ctx, child, string(data), clientv3.WithLease(lease.ID))
		if err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: create sequential")
		}
		go c.keepAlive(lease.ID)
		c.cache.invalidatePrefix(path.Dir(full))
		return strings.TrimPrefix(child, c.root), nil
	}

	var opts []clientv3.OpOption
	if mode == Ephemeral {
		lease, err := c.cli.Grant(ctx, 30)
		if err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: grant lease")
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
		go c.keepAlive(lease.ID)
	}

	switch policy {
	case FailIfExists:
		txn := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(full), "=", 0)).
			Then(clientv3.OpPut(full, string(data), opts...))
		resp, err := txn.Commit()
		if err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: create")
		}
		if !resp.Succeeded {
			return "", ErrAlreadyExists
		}
	case SkipIfExists:
		txn := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(full), "=", 0)).
			Then(clientv3.OpPut(full, string(data), opts...))
		if _, err := txn.Commit(); err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: create")
		}
	case Overwrite:
		if _, err := c.cli.Put(ctx, full, string(data), opts...); err != nil {
			return "", errs.Wrap(errs.Transient, err, "zk: create")
		}
	}
	c.cache.invalidatePrefix(full)
	return strings.TrimPrefix(full, c.root), nil
}

// nextSequence picks the next sequence number for children of dir by
// listing existing children and returning one past the maximum,
// avoiding a central counter node.
func (c *Client) nextSequence(ctx context.Context, dir string) (int64, error) {
	resp, err := c.cli.Get(ctx, dir+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return 0, errs.Wrap(errs.Transient, err, "zk: list for sequence")
	}
	var max int64 = -1
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if len(key) < 10 {
			continue
		}
		suffix := key[len(key)-10:]
		var n int64
		if _, err := fmt.Sscanf(suffix, "%010d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (c *Client) keepAlive(lease clientv3.LeaseID) {
	ch, err := c.cli.KeepAlive(context.Background(), lease)
	if err != nil {
		return
	}
	for range ch {
		// drain; etcd client refreshes the lease as long as we range.
	}
}

// Get returns the value and version (etcd mod-revision) at path.
func (c *Client) Get(ctx context.Context, p string) ([]byte, int64, error) {
	full := c.abs(p)
	if v, ver, ok := c.cache.get(full); ok {
		return v, ver, nil
	}
	resp, err := c.cli.Get(ctx, full)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Transient, err, "zk: get")
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	kv := resp.Kvs[0]
	c.cache.put(full, kv.Value, kv.ModRevision)
	return kv.Value, kv.ModRevision, nil
}

// Exists reports whether path currently has a value.
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, _, err := c.Get(ctx, p)
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// GetChildren lists the immediate children of path, sorted
// lexicographically (which, for zero-padded sequential children,
// agrees with numeric order).
func (c *Client) GetChildren(ctx context.Context, p string) ([]string, error) {
	full := c.abs(p)
	prefix := full
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "zk: get children")
	}
	seen := make(map[string]bool)
	var out []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" {
			continue
		}
		name := strings.SplitN(rest, "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MutateExisting reads path's current value, applies f, and writes the
// result back conditional on the version being unchanged. Returns
// ErrVersionMismatch on a lost race; callers decide whether to retry.
func (c *Client) MutateExisting(ctx context.Context, p string, f func([]byte) ([]byte, error)) error {
	full := c.abs(p)
	c.cache.invalidatePrefix(full)
	resp, err := c.cli.Get(ctx, full)
	if err != nil {
		return errs.Wrap(errs.Transient, err, "zk: mutate get")
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}
	kv := resp.Kvs[0]
	next, err := f(kv.Value)
	if err != nil {
		return err
	}
	txn := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(full), "=", kv.ModRevision)).
		Then(clientv3.OpPut(full, string(next)))
	txnResp, err := txn.Commit()
	if err != nil {
		return errs.Wrap(errs.Transient, err, "zk: mutate commit")
	}
	c.cache.invalidatePrefix(full)
	if !txnResp.Succeeded {
		return ErrVersionMismatch
	}
	return nil
}

// Delete removes path unconditionally.
func (c *Client) Delete(ctx context.Context, p string) error {
	full := c.abs(p)
	if _, err := c.cli.Delete(ctx, full); err != nil {
		return errs.Wrap(errs.Transient, err, "zk: delete")
	}
	c.cache.invalidatePrefix(full)
	return nil
}

// Watch registers listener for change/delete events on path. The
// adapter delivers events on its own goroutine per path until ctx is
// canceled.
func (c *Client) Watch(ctx context.Context, p string, listener Listener) {
	full := c.abs(p)
	wctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if old, ok := c.watchers[full]; ok {
		old()
	}
	c.watchers[full] = cancel
	c.mu.Unlock()

	ch := c.cli.Watch(wctx, full)
	go func() {
		for resp := range ch {
			if resp.Canceled {
				listener(p, EventSessionExpired)
				return
			}
			for _, ev := range resp.Events {
				c.cache.invalidatePrefix(full)
				switch ev.Type {
				case clientv3.EventTypeDelete:
					listener(p, EventDeleted)
				default:
					listener(p, EventChanged)
				}
			}
		}
	}()
}
