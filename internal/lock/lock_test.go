package lock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestFindLowestPrevPrefix exercises a gappy sequence: children with
// sequence numbers 1,2,3,4,6,7,8,10.
func TestFindLowestPrevPrefix(t *testing.T) {
	ents := []ent{
		{"c1", 1}, {"c2", 2}, {"c3", 3}, {"c4", 4},
		{"c6", 6}, {"c7", 7}, {"c8", 8}, {"c10", 10},
	}

	name, ok := findLowestPrevPrefix(ents, 10)
	assert.True(t, ok)
	assert.Equal(t, "c8", name)

	name, ok = findLowestPrevPrefix(ents, 3)
	assert.True(t, ok)
	assert.Equal(t, "c1", name)

	_, ok = findLowestPrevPrefix(ents, 1)
	assert.False(t, ok, "seq 1 is the minimum and has no predecessor")
}

func TestLockIDRoundTrip(t *testing.T) {
	id := LockID{Path: "/locks/tservers/host1", UUID: uuid.New(), Seq: 42}
	s := id.String()
	got, err := ParseLockID(s)
	assert.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestLockIDRejectsNonConformantUUID(t *testing.T) {
	_, err := ParseLockID("/locks/x#not-a-uuid#0000000001")
	assert.Error(t, err)
}
