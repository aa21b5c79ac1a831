package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		key      string
		want     bool
	}{
		{"no patterns match everything", nil, "anything", true},
		{"exact", []string{"user:1"}, "user:1", true},
		{"exact mismatch", []string{"user:1"}, "user:2", false},
		{"star", []string{"user:*"}, "user:42", true},
		{"star mismatch", []string{"user:*"}, "order:42", false},
		{"any of several", []string{"user:*", "order:*"}, "order:7", true},
		{"question mark", []string{"k?"}, "k1", true},
		{"question mark length", []string{"k?"}, "k10", false},
		{"character class", []string{"k[0-3]"}, "k2", true},
		{"alternation", []string{"{user,order}:*"}, "user:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewGlobFilter(tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.key))
		})
	}
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"user:[", "ok"})
	assert.Error(t, err)
}
