package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter(t *testing.T) {
	cases := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"no patterns", nil, "anything/at/all", true},
		{"direct child", []string{"rooms/*"}, "rooms/lobby", true},
		{"star stops at separator", []string{"rooms/*"}, "rooms/lobby/title", false},
		{"subtree", []string{"rooms/**"}, "rooms/lobby/title", true},
		{"other root", []string{"rooms/**"}, "users/u1", false},
		{"any of several", []string{"rooms/**", "users/*"}, "users/u1", true},
		{"slashes cleaned", []string{"/rooms/*/"}, "/rooms/lobby", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := NewGlobFilter(tc.patterns)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Match(tc.path))
		})
	}
}

func TestGlobFilter_InvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"rooms/[a"})
	assert.Error(t, err)
}
