package uri

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBootstrap(t *testing.T) {
	brokers, err := ParseBootstrap("localhost:9092")
	require.NoError(t, err)
	require.Equal(t, []string{"localhost:9092"}, brokers)

	brokers, err = ParseBootstrap("kafka://b1:9092, b2:9093,b1:9092")
	require.NoError(t, err)
	require.Equal(t, []string{"b1:9092", "b2:9093"}, brokers)

	for _, bad := range []string{"", "localhost", "kafka://", "a:1,,b:2", "host:0", "host:70000", "http://x:1"} {
		_, err := ParseBootstrap(bad)
		require.Error(t, err, bad)
	}
}
