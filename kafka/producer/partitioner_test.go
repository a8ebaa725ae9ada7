package producer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionersAreStable(t *testing.T) {
	for _, name := range []string{PartitionerCRC32, PartitionerMurmur2, PartitionerFNV1a} {
		t.Run(name, func(t *testing.T) {
			partition, err := NewPartitioner(name)
			require.NoError(t, err)
			seen := map[int]bool{}
			for i := 0; i < 100; i++ {
				key := []byte(fmt.Sprintf("key-%d", i))
				p := partition(key, 6)
				require.GreaterOrEqual(t, p, 0)
				require.Less(t, p, 6)
				require.Equal(t, p, partition(key, 6))
				seen[p] = true
			}
			require.Greater(t, len(seen), 1)
		})
	}
}

func TestUnknownPartitioner(t *testing.T) {
	_, err := NewPartitioner("sticky")
	require.Error(t, err)
}

func TestRoundRobin(t *testing.T) {
	var rr roundRobin
	require.Equal(t, []int{0, 1, 2, 0}, []int{rr.pick(3, 0), rr.pick(3, 0), rr.pick(3, 0), rr.pick(3, 0)})
	require.Equal(t, 0, rr.pick(4, 1), "metadata change restarts the cursor")
	require.Equal(t, 1, rr.pick(4, 1))
}
