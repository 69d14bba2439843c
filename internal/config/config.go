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

// Package config loads the TOML-backed process configuration shared by
// the manager and tablet server binaries, following the same
// toml-struct-tags-plus-flag-overlay shape the retrieved coordinator
// process uses.
package config

import (
	"flag"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the root configuration for a tabletkv process.
type Config struct {
	*flag.FlagSet `toml:"-" json:"-"`

	// Name identifies this process instance (tablet server hostname or
	// manager instance name).
	Name string `toml:"name" json:"name"`
	// DataDir is where WALs, the local metadata cache, and (for the
	// manager) FATE deferred-work state are written.
	DataDir string `toml:"data-dir" json:"data-dir"`
	// CoordinationEndpoints are the coordination service (etcd)
	// client endpoints.
	CoordinationEndpoints []string `toml:"coordination-endpoints" json:"coordination-endpoints"`
	// InstanceRoot is the coordination namespace root every other
	// coordination path is relative to.
	InstanceRoot string `toml:"instance-root" json:"instance-root"`

	WAL       WALConfig       `toml:"wal" json:"wal"`
	Fate      FateConfig      `toml:"fate" json:"fate"`
	Manager   ManagerConfig   `toml:"manager" json:"manager"`
	BulkImport BulkImportConfig `toml:"bulk-import" json:"bulk-import"`
}

// WALConfig controls C5 rotation thresholds.
type WALConfig struct {
	MaxSizeBytes int64         `toml:"max-size-bytes" json:"max-size-bytes"`
	MaxAge       time.Duration `toml:"max-age" json:"max-age"`
	RetryAttempts int          `toml:"retry-attempts" json:"retry-attempts"`
	RetryBackoff  time.Duration `toml:"retry-backoff" json:"retry-backoff"`
}

// FateConfig controls C4 worker pool sizing.
type FateConfig struct {
	Workers              int           `toml:"workers" json:"workers"`
	ReclaimInterval       time.Duration `toml:"reclaim-interval" json:"reclaim-interval"`
	ReclaimRateLimitPerSec float64      `toml:"reclaim-rate-limit-per-sec" json:"reclaim-rate-limit-per-sec"`
}

// ManagerConfig controls C8 batching thresholds.
type ManagerConfig struct {
	MaxTServerWorkChunk   int           `toml:"max-tserver-work-chunk" json:"max-tserver-work-chunk"`
	VolumeReplaceBatch    int           `toml:"volume-replace-batch" json:"volume-replace-batch"`
	TableSuspendDuration  time.Duration `toml:"table-suspend-duration" json:"table-suspend-duration"`
	EventQueueCapacity    int           `toml:"event-queue-capacity" json:"event-queue-capacity"`
}

// BulkImportConfig controls C9 admission caps.
type BulkImportConfig struct {
	MaxTabletFiles int `toml:"max-tablet-files" json:"max-tablet-files"`
	MaxTablets     int `toml:"max-tablets" json:"max-tablets"`
	FilePauseAt    int `toml:"file-pause-at" json:"file-pause-at"`
}

// Default returns a configuration with the same conservative defaults
// the retrieved coordinator process ships.
func Default() *Config {
	return &Config{
		InstanceRoot: "/accumulo/instance",
		WAL: WALConfig{
			MaxSizeBytes:  1 << 30, // 1 GiB
			MaxAge:        30 * time.Minute,
			RetryAttempts: 5,
			RetryBackoff:  200 * time.Millisecond,
		},
		Fate: FateConfig{
			Workers:                4,
			ReclaimInterval:        30 * time.Second,
			ReclaimRateLimitPerSec: 10,
		},
		Manager: ManagerConfig{
			MaxTServerWorkChunk:  50,
			VolumeReplaceBatch:   1000,
			TableSuspendDuration: 5 * time.Minute,
			EventQueueCapacity:   4096,
		},
		BulkImport: BulkImportConfig{
			MaxTabletFiles: 100,
			MaxTablets:     1000,
			FilePauseAt:    30,
		},
	}
}

// Load parses a TOML file at path into a fresh Config seeded with
// Default() values, so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: decode %s", path)
	}
	return cfg, nil
}
