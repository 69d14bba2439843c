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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cfkoehler/accumulo/internal/fate"
	"github.com/cfkoehler/accumulo/internal/zk"
)

const managersLockPath = "/locks/managers"
const prepareForUpgradePath = "/prepare-for-upgrade"

func newUpgradeCmd() *cobra.Command {
	var prepare bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Gate and record cluster upgrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !prepare {
				return fmt.Errorf("admin upgrade: --prepare is required")
			}
			return runUpgradePrepare(cmd)
		},
	}
	cmd.Flags().BoolVar(&prepare, "prepare", false, "mark the instance ready for upgrade")
	return cmd
}

func runUpgradePrepare(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	cli, err := coordinationClient(cfg)
	if err != nil {
		return err
	}
	defer cli.Close()
	zc := zkClientFor(cli, cfg)

	running, err := managerRunning(ctx, zc)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("admin upgrade: manager is running; stop it before preparing for upgrade")
	}

	empty, err := fateEmpty(ctx, zc)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("admin upgrade: FATE has pending transactions; drain or fail/delete them before preparing for upgrade")
	}

	if _, err := zc.Create(ctx, prepareForUpgradePath, nil, zk.Persistent, zk.Overwrite); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "instance is prepared for upgrade")
	return nil
}

func managerRunning(ctx context.Context, zc *zk.Client) (bool, error) {
	children, err := zc.GetChildren(ctx, managersLockPath)
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

func fateEmpty(ctx context.Context, zc *zk.Client) (bool, error) {
	backing := fate.NewZKBacking(zc)
	for _, t := range []fate.InstanceType{fate.User, fate.Meta} {
		snaps, err := backing.LoadAll(ctx, t)
		if err != nil {
			return false, err
		}
		if len(snaps) > 0 {
			return false, nil
		}
	}
	return true, nil
}
