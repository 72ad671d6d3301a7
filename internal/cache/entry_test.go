package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"contracts:*", "contracts:select:*", true},
		{"contracts:*", "users:contracts:1", false},
		{"*:1", "users:1", true},
		{"*:1", "users:10", false},
		{"users:*:active", "users:42:active", true},
		{"users:*:active", "users:42:inactive:x", false},
		{"a*b*c", "abc", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "acb", false},
		{"ab*ba", "aba", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"users.?", "users.1", false},
		{"users.?", "users.?", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.key))
		})
	}
}

func TestEstimateSize(t *testing.T) {
	type row struct {
		ID   int
		Name string
	}

	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"nil", nil, 64},
		{"string", "ab", 68},
		{"int", 5, 64},
		{"float", 1.5, 64},
		{"bool", true, 64},
		{"slice", []any{"a", 1}, 64 + 66 + 64},
		{"map", map[string]any{"ab": 1}, 64 + 4 + 64},
		{"rows", []map[string]any{{"id": 1}}, 64 + (64 + 4 + 64)},
		{"struct", row{ID: 1, Name: "x"}, 64 + (4 + 64) + (8 + 66)},
		{"pointer", &row{ID: 1, Name: "x"}, 64 + (4 + 64) + (8 + 66)},
		{"typed slice", []string{"a"}, 64 + 66},
		{"bytes", []byte("abcd"), 68},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateSize(tt.value))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Memory")
	require.NoError(t, err)
	assert.Equal(t, StrategyMemory, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, s)

	_, err = ParseStrategy("disk")
	assert.Error(t, err)
}
