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

package conditional

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfkoehler/accumulo/internal/ample"
	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/keyext"
	"github.com/cfkoehler/accumulo/internal/rpc"
	"github.com/cfkoehler/accumulo/internal/tabletwrite"
)

func TestSortConditionsOrdering(t *testing.T) {
	ts1, ts2 := int64(1), int64(2)
	cs := []Condition{
		{Family: "b", Qualifier: "q", Visibility: "v", TimestampIfSet: &ts1},
		{Family: "a", Qualifier: "q2", Visibility: "v", TimestampIfSet: &ts2},
		{Family: "a", Qualifier: "q1", Visibility: "v"},
	}
	sortConditions(cs)
	assert.Equal(t, "a", cs[0].Family)
	assert.Equal(t, "q1", cs[0].Qualifier)
	assert.Equal(t, "a", cs[1].Family)
	assert.Equal(t, "q2", cs[1].Qualifier)
	assert.Equal(t, "b", cs[2].Family)
}

func mapLookup(values map[string][]byte) ValueLookup {
	return func(ctx context.Context, extent keyext.TabletId, row []byte, c Condition) ([]byte, bool, error) {
		v, ok := values[string(row)+"/"+c.Family+"/"+c.Qualifier]
		return v, ok, nil
	}
}

func TestProcessRoundAcceptsMatchingCondition(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	lookup := mapLookup(map[string][]byte{"r1/f/q": []byte("v1")})
	var committed []tabletwrite.Mutation
	commit := func(ctx context.Context, e keyext.TabletId, muts []tabletwrite.Mutation) error {
		committed = append(committed, muts...)
		return nil
	}
	srv := NewServer(lookup, commit, nil)

	muts := []ServerConditionalMutation{
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}, Mutation: tabletwrite.Mutation{Row: []byte("r1"), Payload: []byte("new")}},
	}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})

	require.Contains(t, res, extent)
	require.Len(t, res[extent].Statuses, 1)
	assert.Equal(t, rpc.Accepted, res[extent].Statuses[0])
	assert.Len(t, committed, 1)
}

func TestProcessRoundViolatesOnMismatch(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	lookup := mapLookup(map[string][]byte{"r1/f/q": []byte("other")})
	srv := NewServer(lookup, func(context.Context, keyext.TabletId, []tabletwrite.Mutation) error { return nil }, nil)

	muts := []ServerConditionalMutation{
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}},
	}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})
	assert.Equal(t, rpc.Rejected, res[extent].Statuses[0])
}

type rejectAllConstraint struct{}

func (rejectAllConstraint) Check(row []byte, payload []byte) error {
	return errs.New(errs.Permanent, "constraint: rejected")
}
func (rejectAllConstraint) Name() string { return "rejectAll" }

func TestProcessRoundViolatesOnConstraintFailure(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	lookup := mapLookup(map[string][]byte{"r1/f/q": []byte("v1")})
	var committed []tabletwrite.Mutation
	commit := func(ctx context.Context, e keyext.TabletId, muts []tabletwrite.Mutation) error {
		committed = append(committed, muts...)
		return nil
	}
	srv := NewServer(lookup, commit, nil, rejectAllConstraint{})

	muts := []ServerConditionalMutation{
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}, Mutation: tabletwrite.Mutation{Row: []byte("r1"), Payload: []byte("new")}},
	}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})

	require.Len(t, res[extent].Statuses, 1)
	assert.Equal(t, rpc.Violated, res[extent].Statuses[0])
	assert.Empty(t, committed)
}

func TestProcessRoundDefersDuplicateRowsWithinRound(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	lookup := mapLookup(map[string][]byte{"r1/f/q": []byte("v1")})
	srv := NewServer(lookup, func(context.Context, keyext.TabletId, []tabletwrite.Mutation) error { return nil }, nil)

	muts := []ServerConditionalMutation{
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}},
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}},
	}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})

	assert.Equal(t, rpc.Accepted, res[extent].Statuses[0])
	assert.Equal(t, rpc.Ignored, res[extent].Statuses[1])
	require.Len(t, res[extent].Deferred, 1)
}

func TestProcessRoundIgnoresClosedTablet(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	srv := NewServer(mapLookup(nil), nil, func(keyext.TabletId) bool { return true })

	muts := []ServerConditionalMutation{{Row: []byte("r1")}}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})
	assert.Equal(t, rpc.Ignored, res[extent].Statuses[0])
}

func TestProcessRoundIgnoresInvalidatedSession(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	srv := NewServer(mapLookup(nil), nil, nil)
	srv.Invalidate("s1")

	muts := []ServerConditionalMutation{{Row: []byte("r1")}}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})
	assert.Equal(t, rpc.Ignored, res[extent].Statuses[0])
}

func TestRowLockTableContentionDefersToNextRound(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	table := newRowLockTable()
	require.True(t, table.tryLock(extent, []byte("r1")))
	assert.False(t, table.tryLock(extent, []byte("r1")))
	table.unlock(extent, []byte("r1"))
	assert.True(t, table.tryLock(extent, []byte("r1")))
}

func TestProcessRoundRejectsZeroConditions(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	srv := NewServer(mapLookup(nil), nil, nil)

	muts := []ServerConditionalMutation{{Row: []byte("r1")}}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})
	assert.Equal(t, rpc.Rejected, res[extent].Statuses[0])
}

func invisibleLookup(ctx context.Context, extent keyext.TabletId, row []byte, c Condition) ([]byte, bool, error) {
	return nil, false, ample.ErrInvisibleVisibility
}

func TestProcessRoundReportsInvisibleVisibility(t *testing.T) {
	extent := keyext.TabletId{TableId: "t1"}
	srv := NewServer(invisibleLookup, func(context.Context, keyext.TabletId, []tabletwrite.Mutation) error { return nil }, nil)

	muts := []ServerConditionalMutation{
		{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", Visibility: "secret", ExpectedValue: []byte("v1")}}},
	}
	res := srv.ProcessRound(context.Background(), "s1", map[keyext.TabletId][]ServerConditionalMutation{extent: muts})
	assert.Equal(t, rpc.InvisibleVisibility, res[extent].Statuses[0])
}

func TestProcessRoundConcurrentExtentsAreIndependent(t *testing.T) {
	e1 := keyext.TabletId{TableId: "t1"}
	e2 := keyext.TabletId{TableId: "t2"}
	lookup := mapLookup(map[string][]byte{"r1/f/q": []byte("v1")})
	var mu sync.Mutex
	commits := 0
	commit := func(ctx context.Context, e keyext.TabletId, muts []tabletwrite.Mutation) error {
		mu.Lock()
		commits += len(muts)
		mu.Unlock()
		return nil
	}
	srv := NewServer(lookup, commit, nil)

	reqs := map[keyext.TabletId][]ServerConditionalMutation{
		e1: {{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}}},
		e2: {{Row: []byte("r1"), Conditions: []Condition{{Family: "f", Qualifier: "q", ExpectedValue: []byte("v1")}}}},
	}
	res := srv.ProcessRound(context.Background(), "s1", reqs)
	assert.Equal(t, rpc.Accepted, res[e1].Statuses[0])
	assert.Equal(t, rpc.Accepted, res[e2].Statuses[0])
	assert.Equal(t, 2, commits)
}
