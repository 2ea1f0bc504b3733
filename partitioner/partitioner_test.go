package partitioner_test

import (
	"fmt"
	"testing"

	"github.com/jrife/plover/partitioner"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestMurmur3Deterministic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same name and count always map to the same index in range", prop.ForAll(
		func(name string, partitions int) bool {
			first, err := partitioner.Murmur3(name, partitions)

			if err != nil {
				return false
			}

			for i := 0; i < 3; i++ {
				next, err := partitioner.Murmur3(name, partitions)

				if err != nil || next != first {
					return false
				}
			}

			return first >= 0 && first < partitions
		},
		gen.AnyString(),
		gen.IntRange(1, 1024),
	))

	properties.TestingRun(t)
}

func TestMurmur3NoPartitions(t *testing.T) {
	_, err := partitioner.Murmur3("foo", 0)

	require.ErrorIs(t, err, partitioner.ErrNoPartitions)
}

func TestMurmur3Spread(t *testing.T) {
	const partitions = 8
	const names = 8000

	counts := make([]int, partitions)

	for i := 0; i < names; i++ {
		index, err := partitioner.Murmur3(fmt.Sprintf("primitive-%d", i), partitions)

		require.NoError(t, err)
		counts[index]++
	}

	for index, count := range counts {
		if count < names/partitions*7/10 || count > names/partitions*13/10 {
			t.Fatalf("partition %d got %d of %d names", index, count, names)
		}
	}
}
