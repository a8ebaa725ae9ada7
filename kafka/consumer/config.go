package consumer

import (
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/retry"
)

// Config is the consumer configuration. Zero fields take the values from
// DefaultConfig.
type Config struct {
	GroupID string
	Topics  []string

	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	// HeartbeatInterval defaults to a third of SessionTimeout
	HeartbeatInterval time.Duration

	// Assignor is the preferred assignment strategy; both strategies are
	// offered to the group
	Assignor string

	AutoOffsetReset api.OffsetReset

	// ManualCommit disables periodic commits of the fetch positions
	ManualCommit       bool
	AutoCommitInterval time.Duration

	// RebalanceFlushTimeout bounds the commit attempted before giving up
	// partitions in a rebalance or on shutdown
	RebalanceFlushTimeout time.Duration

	FetchMaxWait      time.Duration
	FetchMinBytes     int32
	FetchMaxBytes     int32
	PartitionMaxBytes int32

	// Backoff paces retries of group operations and failed fetches
	Backoff retry.ExpConfig

	Metrics *metrics.Metrics
}

// DefaultConfig is the default consumer configuration
var DefaultConfig = Config{
	SessionTimeout:        10 * time.Second,
	RebalanceTimeout:      60 * time.Second,
	Assignor:              AssignorRange,
	AutoOffsetReset:       api.ResetLatest,
	AutoCommitInterval:    5 * time.Second,
	RebalanceFlushTimeout: 5 * time.Second,
	FetchMaxWait:          500 * time.Millisecond,
	FetchMinBytes:         1,
	FetchMaxBytes:         50 << 20,
	PartitionMaxBytes:     1 << 20,
	Backoff: retry.ExpConfig{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Scale:  2,
		Jitter: true,
	},
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultConfig.SessionTimeout
	}
	if c.RebalanceTimeout == 0 {
		c.RebalanceTimeout = DefaultConfig.RebalanceTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.SessionTimeout / 3
	}
	if c.Assignor == "" {
		c.Assignor = DefaultConfig.Assignor
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = DefaultConfig.AutoOffsetReset
	}
	if c.AutoCommitInterval == 0 {
		c.AutoCommitInterval = DefaultConfig.AutoCommitInterval
	}
	if c.RebalanceFlushTimeout == 0 {
		c.RebalanceFlushTimeout = DefaultConfig.RebalanceFlushTimeout
	}
	if c.FetchMaxWait == 0 {
		c.FetchMaxWait = DefaultConfig.FetchMaxWait
	}
	if c.FetchMinBytes == 0 {
		c.FetchMinBytes = DefaultConfig.FetchMinBytes
	}
	if c.FetchMaxBytes == 0 {
		c.FetchMaxBytes = DefaultConfig.FetchMaxBytes
	}
	if c.PartitionMaxBytes == 0 {
		c.PartitionMaxBytes = DefaultConfig.PartitionMaxBytes
	}
	if c.Backoff == (retry.ExpConfig{}) {
		c.Backoff = DefaultConfig.Backoff
	}
	return c
}
