package hrw

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBest_Empty(t *testing.T) {
	_, ok := Best([]byte("k"), nil, "")
	require.False(t, ok)
}

func TestBest_Stable(t *testing.T) {
	nodes := []string{"a", "b", "c", "d"}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		first, ok := Best(key, nodes, "seed")
		require.True(t, ok)
		again, _ := Best(key, nodes, "seed")
		require.Equal(t, first, again)
	}
}

func TestBest_MinimalMovement(t *testing.T) {
	all := []string{"a", "b", "c", "d"}
	without := []string{"a", "b", "c"}

	for i := 0; i < 500; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		before, _ := Best(key, all, "")
		after, _ := Best(key, without, "")
		if all[before] != "d" {
			require.Equal(t, all[before], without[after], "key %s moved although its node stayed", key)
		}
	}
}

func TestBest_SeedChangesScores(t *testing.T) {
	require.NotEqual(t, Score([]byte("k"), "a", ""), Score([]byte("k"), "a", "other"))
}
