package producer

import (
	"fmt"
	"time"

	"github.com/ridge/kclient/kafka/compress"
	"github.com/ridge/kclient/kafka/metrics"
)

// Acks is the acknowledgement level requested from the broker
type Acks int8

// Acks values. The zero value waits for all in-sync replicas.
const (
	AcksAll Acks = iota
	AcksLeader
	AcksNone
)

func (a Acks) wire() int16 {
	switch a {
	case AcksLeader:
		return 1
	case AcksNone:
		return 0
	default:
		return -1
	}
}

func (a Acks) String() string {
	switch a {
	case AcksLeader:
		return "leader"
	case AcksNone:
		return "none"
	default:
		return "all"
	}
}

// ParseAcks converts a command-line value into Acks
func ParseAcks(s string) (Acks, error) {
	switch s {
	case "", "all", "-1":
		return AcksAll, nil
	case "leader", "1":
		return AcksLeader, nil
	case "none", "0":
		return AcksNone, nil
	default:
		return AcksAll, fmt.Errorf("invalid acks value %q (all|leader|none expected)", s)
	}
}

// Config is the producer configuration. Zero fields take the values from
// DefaultConfig.
type Config struct {
	Acks Acks

	// A batch is sealed when it reaches MaxBatchBytes or MaxBatchRecords,
	// or Linger after its first record, whichever comes first
	MaxBatchBytes   int
	MaxBatchRecords int
	Linger          time.Duration

	// MaxRecordBytes rejects records that can never be produced
	MaxRecordBytes int

	// MaxRetries bounds resends of a batch after retriable failures; a
	// negative value disables retries
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// RequestTimeout is the broker-side produce timeout
	RequestTimeout time.Duration

	Compression compress.Codec

	// Partitioner names the key hash: crc32 (default), murmur2 or fnv1a
	Partitioner string

	Metrics *metrics.Metrics
}

// DefaultConfig is the default producer configuration
var DefaultConfig = Config{
	Acks:            AcksAll,
	MaxBatchBytes:   16 << 10,
	MaxBatchRecords: 10000,
	Linger:          5 * time.Millisecond,
	MaxRecordBytes:  1 << 20,
	MaxRetries:      5,
	RetryBackoff:    100 * time.Millisecond,
	RetryBackoffMax: time.Second,
	RequestTimeout:  30 * time.Second,
	Partitioner:     PartitionerCRC32,
}

func (c Config) withDefaults() Config {
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = DefaultConfig.MaxBatchBytes
	}
	if c.MaxBatchRecords == 0 {
		c.MaxBatchRecords = DefaultConfig.MaxBatchRecords
	}
	if c.Linger == 0 {
		c.Linger = DefaultConfig.Linger
	}
	if c.MaxRecordBytes == 0 {
		c.MaxRecordBytes = DefaultConfig.MaxRecordBytes
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if c.RetryBackoffMax == 0 {
		c.RetryBackoffMax = DefaultConfig.RetryBackoffMax
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = c.RetryBackoff
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.Partitioner == "" {
		c.Partitioner = DefaultConfig.Partitioner
	}
	return c
}
