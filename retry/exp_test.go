package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExpConfig = ExpConfig{
	Min:   1 * time.Minute,
	Max:   10 * time.Minute,
	Scale: 2.0,
}

func TestBackoff(t *testing.T) {
	backoff := NewExpBackoff(testExpConfig)
	assert.Equal(t, backoff.Backoff(), testExpConfig.Min)
	assert.Equal(t, backoff.Backoff(), 2*testExpConfig.Min)
	assert.Equal(t, backoff.Backoff(), 4*testExpConfig.Min)
	assert.Equal(t, backoff.Backoff(), 8*testExpConfig.Min)
	assert.Equal(t, backoff.Backoff(), testExpConfig.Max)
	assert.Equal(t, backoff.Backoff(), testExpConfig.Max)

	backoff.Reset()
	assert.Equal(t, backoff.Backoff(), testExpConfig.Min)
	assert.Equal(t, backoff.Backoff(), 2*testExpConfig.Min)
}

func TestBackoffJitter(t *testing.T) {
	config := BrokerBackoffConfig
	backoff := NewExpBackoff(config)
	ceiling := config.Min
	for i := 0; i < 20; i++ {
		d := backoff.Backoff()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, ceiling)
		ceiling *= 2
		if ceiling > config.Max {
			ceiling = config.Max
		}
	}
}

func TestExpMaxAttempts(t *testing.T) {
	delays := ExpConfig{Min: time.Millisecond, Max: time.Second, Scale: 2, MaxAttempts: 3}.Delays()
	for i := 0; i < 3; i++ {
		_, ok := delays()
		require.True(t, ok)
	}
	_, ok := delays()
	require.False(t, ok)
}
