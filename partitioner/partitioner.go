// Package partitioner maps primitive names onto partitions.
package partitioner

import (
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// ErrNoPartitions is returned when asked to choose among zero partitions
var ErrNoPartitions = errors.New("partition count must be positive")

// Partitioner deterministically chooses a zero-based partition index
// in [0, partitions) for a primitive name. Implementations must be pure.
type Partitioner func(name string, partitions int) (int, error)

var _ Partitioner = Murmur3

// Murmur3 hashes the name with 32 bit murmur3 and reduces it modulo
// the partition count.
func Murmur3(name string, partitions int) (int, error) {
	if partitions <= 0 {
		return 0, fmt.Errorf("%d: %w", partitions, ErrNoPartitions)
	}

	return int(murmur3.Sum32([]byte(name)) % uint32(partitions)), nil
}
