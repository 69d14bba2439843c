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

// Command tabletadmin is the cluster maintenance CLI: FATE transaction
// inspection/administration and the pre-upgrade gate, following the
// retrieved coordinator's own daemon-main structure (config load, zap
// logger, coordination-service dial) but exposed as cobra subcommands
// rather than a single long-running server loop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cfkoehler/accumulo/internal/config"
	"github.com/cfkoehler/accumulo/internal/zk"
)

var configPath string

func loadAdminConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func zkClientFor(cli *clientv3.Client, cfg *config.Config) *zk.Client {
	return zk.New(cli, cfg.InstanceRoot)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tabletadmin",
		Short: "Cluster maintenance for a tabletkv instance",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the instance TOML config (defaults to built-in defaults)")
	root.AddCommand(newFateCmd(), newUpgradeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
