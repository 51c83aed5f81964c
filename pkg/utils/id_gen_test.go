package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := GenID(TransportPrefix)
		require.True(t, strings.HasPrefix(id, TransportPrefix))
		require.Len(t, id, len(TransportPrefix)+16)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
