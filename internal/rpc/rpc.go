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

// Package rpc defines the manager<->tablet-server call boundary as
// plain Go interfaces. The wire transport and IDL are out of scope;
// this package gives C7 and C8 a concrete type to program against, and
// a channel-backed in-process implementation for tests, grounded on
// the retrieved scheduler's thin grpc service wrapper
// (scheduler/server/grpc_service.go) minus the generated transport.
package rpc

import (
	"context"

	"github.com/cfkoehler/accumulo/internal/keyext"
)

// Status is a per-mutation conditional-update outcome.
type Status int

const (
	Accepted Status = iota
	Rejected
	Violated
	Ignored
	Unknown
	// InvisibleVisibility reports that the submitter cannot see the
	// visibility a condition's column carries, as distinct from an
	// ordinary failed condition (Rejected): the mutation's authorization
	// is the problem, not the row's current value.
	InvisibleVisibility
)

// UnloadReason mirrors ample.UnloadReason across the wire boundary.
type UnloadReason int

const (
	UnloadUnassign UnloadReason = iota
	UnloadSuspend
	UnloadDelete
)

// AssignRequest asks a tablet server to host extent.
type AssignRequest struct {
	Extent keyext.TabletId
}

// AssignResponse acknowledges receipt; assignment completion is
// observed later via metadata, not this response.
type AssignResponse struct{}

// UnloadRequest asks a tablet server to give up extent.
type UnloadRequest struct {
	Extent keyext.TabletId
	Reason UnloadReason
}

// UnloadResponse acknowledges receipt.
type UnloadResponse struct{}

// ConditionalUpdateRequest carries a batch of server-side conditional
// mutations, keyed by extent, for one round.
type ConditionalUpdateRequest struct {
	SessionID string
	ByExtent  map[keyext.TabletId][][]byte // opaque encoded mutations
}

// ConditionalUpdateResponse carries one status per submitted mutation,
// positionally aligned within each extent's slice.
type ConditionalUpdateResponse struct {
	Statuses map[keyext.TabletId][]Status
}

// InvalidateRequest asks the server to guarantee no further mutation
// from SessionID will be applied.
type InvalidateRequest struct {
	SessionID string
}

// RefreshFilesRequest asks a tablet server already hosting extent to
// reload its file set from metadata, picking up files a bulk import
// just appended without requiring a full unload/reassign cycle.
type RefreshFilesRequest struct {
	Extent keyext.TabletId
}

// RefreshFilesResponse acknowledges receipt.
type RefreshFilesResponse struct{}

// DrainRequest asks a tablet server to stop accepting new writes and
// wait for in-flight work to settle, ahead of the unload step of a
// server shutdown.
type DrainRequest struct{}

// DrainResponse acknowledges the drain completed.
type DrainResponse struct{}

// TServerClient is the manager/client-side view of a tablet server.
type TServerClient interface {
	Assign(ctx context.Context, req AssignRequest) (AssignResponse, error)
	Unload(ctx context.Context, req UnloadRequest) (UnloadResponse, error)
	ConditionalUpdate(ctx context.Context, req ConditionalUpdateRequest) (ConditionalUpdateResponse, error)
	InvalidateConditionalUpdate(ctx context.Context, req InvalidateRequest) error
	IsLockHeld(ctx context.Context, lockID string) (bool, error)
	RefreshFiles(ctx context.Context, req RefreshFilesRequest) (RefreshFilesResponse, error)
	Drain(ctx context.Context, req DrainRequest) (DrainResponse, error)
}

// TServerServer is the tablet-server-side handler set a transport
// dispatches into.
type TServerServer interface {
	Assign(ctx context.Context, req AssignRequest) (AssignResponse, error)
	Unload(ctx context.Context, req UnloadRequest) (UnloadResponse, error)
	ConditionalUpdate(ctx context.Context, req ConditionalUpdateRequest) (ConditionalUpdateResponse, error)
	InvalidateConditionalUpdate(ctx context.Context, req InvalidateRequest) error
	IsLockHeld(ctx context.Context, lockID string) (bool, error)
	RefreshFiles(ctx context.Context, req RefreshFilesRequest) (RefreshFilesResponse, error)
	Drain(ctx context.Context, req DrainRequest) (DrainResponse, error)
}

// LocalClient adapts a TServerServer to a TServerClient by direct call,
// for single-process tests and for a manager/tablet-server pair that
// happen to be co-located.
type LocalClient struct {
	Server TServerServer
}

func (c LocalClient) Assign(ctx context.Context, req AssignRequest) (AssignResponse, error) {
	return c.Server.Assign(ctx, req)
}
func (c LocalClient) Unload(ctx context.Context, req UnloadRequest) (UnloadResponse, error) {
	return c.Server.Unload(ctx, req)
}
func (c LocalClient) ConditionalUpdate(ctx context.Context, req ConditionalUpdateRequest) (ConditionalUpdateResponse, error) {
	return c.Server.ConditionalUpdate(ctx, req)
}
func (c LocalClient) InvalidateConditionalUpdate(ctx context.Context, req InvalidateRequest) error {
	return c.Server.InvalidateConditionalUpdate(ctx, req)
}
func (c LocalClient) IsLockHeld(ctx context.Context, lockID string) (bool, error) {
	return c.Server.IsLockHeld(ctx, lockID)
}
func (c LocalClient) RefreshFiles(ctx context.Context, req RefreshFilesRequest) (RefreshFilesResponse, error) {
	return c.Server.RefreshFiles(ctx, req)
}
func (c LocalClient) Drain(ctx context.Context, req DrainRequest) (DrainResponse, error) {
	return c.Server.Drain(ctx, req)
}
