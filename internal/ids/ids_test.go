package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunID_Unique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestTaskWorkKey(t *testing.T) {
	tests := []struct {
		name         string
		internalName string
		commit       string
		want         string
	}{
		{"short commit kept as-is", "FooPlugin", "abc123", "FooPlugin-abc123"},
		{"long commit truncated to 12", "FooPlugin", "abc123abc123abc123abc123", "FooPlugin-abc123abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskWorkKey(tt.internalName, tt.commit))
		})
	}
}
