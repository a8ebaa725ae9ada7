package producer

import (
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Partitioner names
const (
	PartitionerCRC32   = "crc32"   // librdkafka default
	PartitionerMurmur2 = "murmur2" // Java client default
	PartitionerFNV1a   = "fnv1a"
)

// Partitioner maps a non-nil key onto one of n partitions
type Partitioner func(key []byte, n int) int

// NewPartitioner returns the key partitioner with the given name
func NewPartitioner(name string) (Partitioner, error) {
	switch name {
	case "", PartitionerCRC32:
		return balancerPartitioner(kafka.CRC32Balancer{}), nil
	case PartitionerMurmur2:
		return balancerPartitioner(kafka.Murmur2Balancer{}), nil
	case PartitionerFNV1a:
		return balancerPartitioner(&kafka.Hash{}), nil
	default:
		return nil, fmt.Errorf("unknown partitioner %q (crc32|murmur2|fnv1a expected)", name)
	}
}

func balancerPartitioner(balancer kafka.Balancer) Partitioner {
	return func(key []byte, n int) int {
		partitions := make([]int, n)
		for i := range partitions {
			partitions[i] = i
		}
		return balancer.Balance(kafka.Message{Key: key}, partitions...)
	}
}

// roundRobin spreads keyless records over partitions. The cursor restarts
// when the topic metadata changes.
type roundRobin struct {
	next    int
	version uint64
}

func (rr *roundRobin) pick(n int, version uint64) int {
	if rr.version != version {
		rr.version = version
		rr.next = 0
	}
	p := rr.next % n
	rr.next = (p + 1) % n
	return p
}
