// Package metadata caches topic partition leadership.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/retry"
	"github.com/ridge/kclient/tcontext"
	"github.com/ridge/kclient/tlog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Sender sends a request to any reachable broker
type Sender interface {
	SendAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
}

// Config is the metadata cache configuration
type Config struct {
	// TTL is how long topic metadata is trusted without a refresh
	TTL time.Duration

	// AllowAutoTopicCreation asks the broker to create missing topics
	AllowAutoTopicCreation bool

	// Retry bounds refresh attempts while a topic has no leader yet
	Retry retry.ExpConfig

	// RefreshTimeout bounds a shared refresh, which outlives the callers
	// waiting for it
	RefreshTimeout time.Duration
}

// DefaultConfig is the default metadata cache configuration
var DefaultConfig = Config{
	TTL:                    5 * time.Minute,
	AllowAutoTopicCreation: true,
	Retry: retry.ExpConfig{
		Min:         100 * time.Millisecond,
		Max:         time.Second,
		Scale:       2,
		MaxAttempts: 10,
	},
	RefreshTimeout: 30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = DefaultConfig.TTL
	}
	if c.Retry == (retry.ExpConfig{}) {
		c.Retry = DefaultConfig.Retry
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = DefaultConfig.RefreshTimeout
	}
	return c
}

// Partition describes the leadership of a single partition
type Partition struct {
	ID         int32
	Leader     int32
	LeaderAddr string
}

// Topic is the cached metadata of a topic
type Topic struct {
	Name       string
	Partitions []Partition // sorted by ID, IDs are 0..n-1

	fetchedAt time.Time
}

// Cache resolves topics to partition leaders. Entries expire after a TTL or
// when invalidated; concurrent refreshes of the same topic share one
// request.
type Cache struct {
	sender Sender
	config Config
	now    func() time.Time
	flight singleflight.Group

	mu      sync.Mutex
	topics  map[string]*Topic
	counts  map[string]int // partition counts survive invalidation
	brokers map[int32]string
	version uint64
}

// New creates a Cache
func New(sender Sender, config Config) *Cache {
	return &Cache{
		sender:  sender,
		config:  config.withDefaults(),
		now:     time.Now,
		topics:  map[string]*Topic{},
		counts:  map[string]int{},
		brokers: map[int32]string{},
	}
}

// Resolve returns the metadata of a topic, refreshing it if it is missing or
// expired.
//
// Callers missing at once share one refresh. It runs detached from their
// contexts, bounded by RefreshTimeout, and each caller stops waiting when its
// own ctx is closed.
func (c *Cache) Resolve(ctx context.Context, topic string) (*Topic, error) {
	if t := c.cached(topic); t != nil {
		return t, nil
	}
	ch := c.flight.DoChan(topic, func() (any, error) {
		if t := c.cached(topic); t != nil { // refreshed while waiting for the flight
			return t, nil
		}
		ctx, cancel := tcontext.ReopenWithTimeout(ctx, c.config.RefreshTimeout)
		defer cancel()
		return c.refresh(ctx, topic)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Topic), nil
	}
}

func (c *Cache) cached(topic string) *Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.topics[topic]
	if t == nil || c.now().Sub(t.fetchedAt) >= c.config.TTL {
		return nil
	}
	return t
}

// Leader returns the address of the leader of a partition
func (c *Cache) Leader(ctx context.Context, tp api.TopicPartition) (string, error) {
	t, err := c.Resolve(ctx, tp.Topic)
	if err != nil {
		return "", err
	}
	if tp.Partition < 0 || int(tp.Partition) >= len(t.Partitions) {
		return "", fmt.Errorf("%w: %s (topic has %d partitions)", api.ErrInvalidPartition, tp, len(t.Partitions))
	}
	return t.Partitions[tp.Partition].LeaderAddr, nil
}

// Invalidate drops the cached metadata of a topic
func (c *Cache) Invalidate(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, topic)
}

// Version is incremented every time the partition count of any topic changes
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Broker returns the address of a broker by node id, as seen in the last
// metadata response
func (c *Cache) Broker(nodeID int32) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.brokers[nodeID]
	return addr, ok
}

func (c *Cache) refresh(ctx context.Context, topic string) (*Topic, error) {
	logger := tlog.Get(ctx).With(zap.String("topic", topic))

	t, err := retry.Do1(ctx, c.config.Retry, func() (*Topic, error) {
		req := kmsg.NewPtrMetadataRequest()
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(topic)
		req.Topics = append(req.Topics, rt)
		req.AllowAutoTopicCreation = c.config.AllowAutoTopicCreation

		resp, err := c.sender.SendAny(ctx, req)
		if err != nil {
			if api.IsRetriable(err) {
				return nil, retry.Retriable(err)
			}
			return nil, err
		}
		t, err := c.store(resp.(*kmsg.MetadataResponse), topic)
		if err != nil && (api.IsRetriable(err) || errors.Is(err, kerr.UnknownTopicOrPartition)) {
			return nil, retry.Retriable(err)
		}
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve topic %s: %w", topic, err)
	}
	logger.Debug("Topic metadata refreshed", zap.Int("partitions", len(t.Partitions)))
	return t, nil
}

func (c *Cache) store(resp *kmsg.MetadataResponse, topic string) (*Topic, error) {
	brokers := map[int32]string{}
	for _, b := range resp.Brokers {
		brokers[b.NodeID] = net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
	}

	c.mu.Lock()
	for id, addr := range brokers {
		c.brokers[id] = addr
	}
	c.mu.Unlock()

	for _, rt := range resp.Topics {
		if rt.Topic == nil || *rt.Topic != topic {
			continue
		}
		if err := api.CheckCode("metadata", rt.ErrorCode); err != nil {
			return nil, err
		}
		if len(rt.Partitions) == 0 {
			return nil, api.CheckCode("metadata", kerr.LeaderNotAvailable.Code)
		}

		t := &Topic{Name: topic, fetchedAt: c.now()}
		for _, rp := range rt.Partitions {
			if err := api.CheckCode("metadata", rp.ErrorCode); err != nil && !errors.Is(err, kerr.ReplicaNotAvailable) {
				return nil, fmt.Errorf("partition %d: %w", rp.Partition, err)
			}
			addr, ok := brokers[rp.Leader]
			if !ok {
				return nil, fmt.Errorf("partition %d: %w", rp.Partition, api.CheckCode("metadata", kerr.LeaderNotAvailable.Code))
			}
			t.Partitions = append(t.Partitions, Partition{ID: rp.Partition, Leader: rp.Leader, LeaderAddr: addr})
		}
		sort.Slice(t.Partitions, func(i, j int) bool { return t.Partitions[i].ID < t.Partitions[j].ID })
		for i, p := range t.Partitions {
			if p.ID != int32(i) {
				return nil, fmt.Errorf("topic %s: partition ids are not contiguous", topic)
			}
		}

		c.mu.Lock()
		if c.counts[topic] != len(t.Partitions) {
			c.counts[topic] = len(t.Partitions)
			c.version++
		}
		c.topics[topic] = t
		c.mu.Unlock()
		return t, nil
	}
	return nil, api.CheckCode("metadata", kerr.UnknownTopicOrPartition.Code)
}
