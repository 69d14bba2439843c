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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cfkoehler/accumulo/internal/fate"
)

// fateStores bundles the two admin can address by tag, matching the
// "-t META|USER" selector.
type fateStores struct {
	user, meta *fate.Store
}

func (s *fateStores) forType(t fate.InstanceType) *fate.Store {
	if t == fate.Meta {
		return s.meta
	}
	return s.user
}

func (s *fateStores) selected(tags []string) []*fate.Store {
	if len(tags) == 0 {
		return []*fate.Store{s.user, s.meta}
	}
	var out []*fate.Store
	for _, tag := range tags {
		switch strings.ToUpper(tag) {
		case "META":
			out = append(out, s.meta)
		default:
			out = append(out, s.user)
		}
	}
	return out
}

func statusFilter(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToUpper(n)] = true
	}
	return out
}

func newFateCmd() *cobra.Command {
	var (
		summary   bool
		print     bool
		cancel    bool
		fail      bool
		del       bool
		asJSON    bool
		states    []string
		types     []string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fate [fateId...]",
		Short: "Inspect or act on FATE transactions",
		Long: "admin fate lists, prints, cancels, fails, or deletes FATE transactions,\n" +
			"per the summary/print/cancel/fail/delete surface required for cluster maintenance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			modes := 0
			for _, on := range []bool{summary, print, cancel, fail, del} {
				if on {
					modes++
				}
			}
			if modes != 1 {
				return fmt.Errorf("admin fate: exactly one of --summary, --print, --cancel, --fail, --delete is required")
			}

			stores, err := openFateStores(cmd.Context())
			if err != nil {
				return err
			}

			switch {
			case summary:
				return runFateList(cmd, stores, types, states, args, asJSON, false)
			case print:
				return runFateList(cmd, stores, types, states, args, false, true)
			case cancel:
				return runFateMutate(cmd, stores, args, mutateCancel, timeout)
			case fail:
				return runFateMutate(cmd, stores, args, mutateFail, timeout)
			case del:
				return runFateMutate(cmd, stores, args, mutateDelete, timeout)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "list transactions in tabular form")
	cmd.Flags().BoolVar(&print, "print", false, "list transactions with full detail")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel NEW transactions")
	cmd.Flags().BoolVar(&fail, "fail", false, "force unreserved transactions to FAILED")
	cmd.Flags().BoolVar(&del, "delete", false, "remove unreserved, terminal transactions")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "emit --summary output as JSON")
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "filter by status (repeatable)")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "filter by instance type META|USER (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a busy transaction before giving up")

	return cmd
}

func openFateStores(ctx context.Context) (*fateStores, error) {
	cfg, err := loadAdminConfig()
	if err != nil {
		return nil, err
	}
	cli, err := coordinationClient(cfg)
	if err != nil {
		return nil, err
	}
	// cli stays open on success: the stores' persist hooks write
	// through it after this returns.
	zc := zkClientFor(cli, cfg)
	user, err := attachFateStore(ctx, zc, fate.User)
	if err != nil {
		cli.Close()
		return nil, err
	}
	meta, err := attachFateStore(ctx, zc, fate.Meta)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return &fateStores{user: user, meta: meta}, nil
}

type fateRow struct {
	Id      string    `json:"id"`
	Status  string    `json:"status"`
	OpName  string    `json:"opName,omitempty"`
	Created time.Time `json:"created,omitempty"`
}

func runFateList(cmd *cobra.Command, stores *fateStores, types, states []string, ids []string, asJSON, detail bool) error {
	wantIDs := make(map[string]bool, len(ids))
	for _, id := range ids {
		wantIDs[id] = true
	}
	wantStates := statusFilter(states)

	var rows []fateRow
	for _, store := range stores.selected(types) {
		for _, s := range store.ListSummaries() {
			if len(wantIDs) > 0 && !wantIDs[s.Id.String()] {
				continue
			}
			if wantStates != nil && !wantStates[s.Status.String()] {
				continue
			}
			rows = append(rows, fateRow{Id: s.Id.String(), Status: s.Status.String(), OpName: s.OpName, Created: s.Created})
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	for _, r := range rows {
		if detail {
			fmt.Fprintf(out, "%s\n  status:  %s\n  op:      %s\n  created: %s\n", r.Id, r.Status, r.OpName, r.Created.Format(time.RFC3339))
			continue
		}
		fmt.Fprintf(out, "%-46s %-18s %s\n", r.Id, r.Status, r.OpName)
	}
	return nil
}

type mutateKind int

const (
	mutateCancel mutateKind = iota
	mutateFail
	mutateDelete
)

func runFateMutate(cmd *cobra.Command, stores *fateStores, args []string, kind mutateKind, timeout time.Duration) error {
	if len(args) == 0 {
		return fmt.Errorf("admin fate: at least one fateId is required")
	}
	out := cmd.OutOrStdout()
	for _, arg := range args {
		id, err := fate.ParseId(arg)
		if err != nil {
			return err
		}
		store := stores.forType(id.Type)

		var mutErr error
		switch kind {
		case mutateCancel:
			mutErr = store.Cancel(id)
		case mutateFail:
			mutErr = store.Fail(id, timeout)
		case mutateDelete:
			mutErr = store.Delete(id, timeout)
		}

		if mutErr == fate.ErrBusy {
			fmt.Fprintf(out, "%s: could not complete the request in a reasonable time; transaction is still reserved\n", id)
			continue
		}
		if mutErr != nil {
			return fmt.Errorf("%s: %w", id, mutErr)
		}
		fmt.Fprintf(out, "%s: ok\n", id)
	}
	return nil
}
