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
	"encoding/binary"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/cfkoehler/accumulo/internal/errs"
)

// LevelDBBackend persists the USER-level metadata table (and the FATE
// USER store's rows) on local disk, grounded on the root retrieval
// pack's own use of github.com/syndtr/goleveldb as an embedded KV
// engine. A row's version is tracked in an 8-byte big-endian prefix
// ahead of the codec's payload so CAS can be implemented without a
// second column family.
type LevelDBBackend struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDBBackend opens (creating if absent) a goleveldb database at
// dir.
func OpenLevelDBBackend(dir string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "ample: open leveldb backend")
	}
	return &LevelDBBackend{db: db}, nil
}

func (b *LevelDBBackend) Close() error { return b.db.Close() }

func (b *LevelDBBackend) Load(row string) ([]byte, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := b.db.Get([]byte(row), nil)
	if err != nil {
		return nil, 0, false
	}
	if len(raw) < 8 {
		return nil, 0, false
	}
	ver := int64(binary.BigEndian.Uint64(raw[:8]))
	return raw[8:], ver, true
}

func (b *LevelDBBackend) CAS(row string, expect int64, value []byte) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.db.Get([]byte(row), nil)
	cur := int64(0)
	if err == nil && len(raw) >= 8 {
		cur = int64(binary.BigEndian.Uint64(raw[:8]))
	}
	if cur != expect {
		return cur, false
	}
	next := cur + 1
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(next))
	copy(buf[8:], value)
	if err := b.db.Put([]byte(row), buf, nil); err != nil {
		return cur, false
	}
	return next, true
}

// Range iterates rows with the given key prefix, for driving a scan
// when no in-memory keyext.Index is available (e.g. a freshly started
// process that has not yet warmed its index).
func (b *LevelDBBackend) Range(prefix string, fn func(row string, value []byte, ver int64) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter := b.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		raw := iter.Value()
		if len(raw) < 8 {
			continue
		}
		ver := int64(binary.BigEndian.Uint64(raw[:8]))
		if !fn(string(iter.Key()), raw[8:], ver) {
			return
		}
	}
}
