package tio

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultServerSelector(t *testing.T) {
	t.Run("no servers", func(t *testing.T) {
		require.Equal(t, -1, DefaultServerSelector("queue", 0))
		require.Equal(t, -1, DefaultServerSelector("queue", -3))
	})

	t.Run("consistency", func(t *testing.T) {
		first := DefaultServerSelector("queue-123", 10)
		for range 4 {
			require.Equal(t, first, DefaultServerSelector("queue-123", 10))
		}
	})

	t.Run("bounds", func(t *testing.T) {
		names := []string{"a", "jobs", "events/2024", "long-container-name-with-many-characters"}
		serverCounts := []int{1, 2, 5, 10, 100}

		for _, name := range names {
			for _, count := range serverCounts {
				result := DefaultServerSelector(name, count)
				require.True(t, result >= 0 && result < count, "out of bounds: name=%s, serverCount=%d, result=%d", name, count, result)
			}
		}
	})

	t.Run("distribution", func(t *testing.T) {
		serverCount := 10
		distribution := make(map[int]int)

		for i := range 100 {
			distribution[DefaultServerSelector(fmt.Sprintf("container-%d", i), serverCount)]++
		}

		require.True(t, len(distribution) >= 5, "poor distribution: only %d servers used out of %d", len(distribution), serverCount)
		for server, count := range distribution {
			require.True(t, count <= 30, "unbalanced distribution: server %d has %d%% of containers", server, count)
		}
	})

	t.Run("growth moves few containers", func(t *testing.T) {
		moved := 0
		for i := range 1000 {
			name := fmt.Sprintf("container-%d", i)
			if DefaultServerSelector(name, 10) != DefaultServerSelector(name, 11) {
				moved++
			}
		}
		require.Less(t, moved, 200, "%d containers moved", moved)
	})
}

// staticSelector always selects the server at index, modulo the count.
func staticSelector(index int) ServerSelector {
	return func(containerName string, serverCount int) int {
		return index % serverCount
	}
}

func TestStaticSelector(t *testing.T) {
	sel := staticSelector(3)
	require.Equal(t, 3, sel("anything", 5))
	require.Equal(t, 1, sel("anything", 2))
}

func BenchmarkDefaultServerSelector(b *testing.B) {
	for b.Loop() {
		DefaultServerSelector("benchmark-container-123", 10)
	}
}
