package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobinAssigner_Rotates(t *testing.T) {
	var r RoundRobinAssigner
	pool := []string{"alice", "bob", "carol"}

	assert.Equal(t, "alice", r.Next(pool))
	assert.Equal(t, "bob", r.Next(pool))
	assert.Equal(t, "carol", r.Next(pool))
	assert.Equal(t, "alice", r.Next(pool))
}

func TestRoundRobinAssigner_EmptyPool(t *testing.T) {
	var r RoundRobinAssigner
	assert.Equal(t, "", r.Next(nil))
}
