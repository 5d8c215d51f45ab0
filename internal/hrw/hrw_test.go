package hrw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwner(t *testing.T) {
	_, ok := Owner("k", nil)
	require.False(t, ok)

	members := []string{"n1", "n2", "n3"}
	for i := range 100 {
		key := fmt.Sprintf("graph-%d", i)
		o, ok := Owner(key, members)
		require.True(t, ok)
		require.Equal(t, Rank(key, members)[0], o)

		// order of members does not matter
		o2, _ := Owner(key, []string{"n3", "n1", "n2"})
		require.Equal(t, o, o2)
	}
}

func TestOwner_MinimalDisruption(t *testing.T) {
	members := []string{"n1", "n2", "n3", "n4"}
	moved := 0
	for i := range 1000 {
		key := fmt.Sprintf("graph-%d", i)
		before, _ := Owner(key, members)
		after, _ := Owner(key, []string{"n1", "n2", "n3"})
		if before != "n4" {
			require.Equal(t, before, after, key)
		} else {
			moved++
		}
	}
	require.Greater(t, moved, 150)
	require.Less(t, moved, 350)
}

func TestRank(t *testing.T) {
	r := Rank("k", []string{"a", "b", "c"})
	require.Len(t, r, 3)
	require.ElementsMatch(t, []string{"a", "b", "c"}, r)
	require.GreaterOrEqual(t, Score("k", r[0]), Score("k", r[1]))
	require.GreaterOrEqual(t, Score("k", r[1]), Score("k", r[2]))
}
