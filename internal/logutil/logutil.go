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

// Package logutil builds the process-wide zap logger, rotated with
// lumberjack the way the manager and tablet server processes configure
// their sinks.
package logutil

import (
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how logs are written.
type Config struct {
	// File, if non-empty, is the log file path; otherwise logs go to
	// stderr.
	File string `toml:"file" json:"file"`
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level"`
	// MaxSizeMB rotates the file once it exceeds this size.
	MaxSizeMB int `toml:"max-size-mb" json:"max-size-mb"`
	// MaxBackups is the number of rotated files retained.
	MaxBackups int `toml:"max-backups" json:"max-backups"`
	// MaxAgeDays is how long to retain rotated files.
	MaxAgeDays int `toml:"max-age-days" json:"max-age-days"`
}

// New builds a zap.Logger per cfg. Defaults: info level, JSON encoding
// to stderr; with File set, rotation at 256 MB keeping 10 backups for
// 14 days.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var ws zapcore.WriteSyncer
	if cfg.File == "" {
		ws = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 256),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
		}
		ws = zapcore.AddSync(lj)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
