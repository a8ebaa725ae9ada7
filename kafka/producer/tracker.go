package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/retry"
	"github.com/ridge/kclient/tlog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// requestTimeoutSlack is added to the broker-side timeout to get the
// client-side one
const requestTimeoutSlack = 5 * time.Second

// partitionQueue holds the sealed batches of a partition waiting for
// delivery
type partitionQueue struct {
	batches []*batch
	wake    chan struct{}
}

// tracker delivers sealed batches. Each partition has a single worker so at
// most one batch per partition is in flight, and a batch that is retried
// stays ahead of every batch sealed after it.
type tracker struct {
	config Config
	broker Broker
	meta   Metadata
	spawn  func(name string, task func(ctx context.Context) error)

	mu     sync.Mutex
	queues map[api.TopicPartition]*partitionQueue
	closed bool
}

func newTracker(config Config, broker Broker, meta Metadata, spawn func(string, func(context.Context) error)) *tracker {
	return &tracker{
		config: config,
		broker: broker,
		meta:   meta,
		spawn:  spawn,
		queues: map[api.TopicPartition]*partitionQueue{},
	}
}

func (t *tracker) submit(b *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		b.fail(api.ErrProducerClosed)
		return
	}

	q := t.queues[b.tp]
	if q == nil {
		q = &partitionQueue{wake: make(chan struct{}, 1)}
		t.queues[b.tp] = q
		tp := b.tp
		t.spawn("partition:"+tp.String(), func(ctx context.Context) error {
			return t.work(tlog.With(ctx, zap.Object("partition", tp)), q)
		})
	}
	q.batches = append(q.batches, b)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (t *tracker) next(q *partitionQueue) *batch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(q.batches) == 0 {
		return nil
	}
	b := q.batches[0]
	q.batches[0] = nil
	q.batches = q.batches[1:]
	return b
}

func (t *tracker) work(ctx context.Context, q *partitionQueue) error {
	for {
		b := t.next(q)
		if b == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}
		t.deliver(ctx, b)
	}
}

// deliver sends b until it is acknowledged, fails permanently or runs out of
// retries. The batch is encoded once so every attempt carries the same bytes.
func (t *tracker) deliver(ctx context.Context, b *batch) {
	logger := tlog.Get(ctx).With(zap.Int("records", len(b.records)))

	payload, err := wire.AppendBatch(nil, wire.BatchSpec{
		Timestamp:  b.created,
		Codec:      t.config.Compression,
		Records:    b.records,
		Timestamps: b.timestamps,
	})
	if err != nil {
		logger.Error("Failed to encode record batch", zap.Error(err))
		b.fail(err)
		return
	}

	backoff := retry.ExpConfig{
		Min:         t.config.RetryBackoff,
		Max:         t.config.RetryBackoffMax,
		Scale:       2,
		MaxAttempts: t.config.MaxRetries + 1,
	}
	b.state = batchInFlight
	offset, err := retry.Do1(ctx, backoff, func() (int64, error) {
		b.attempts++
		if b.attempts > 1 {
			t.config.Metrics.Retried()
		}
		offset, err := t.produce(ctx, b, payload)
		if err == nil {
			return offset, nil
		}
		if api.IsLeadershipError(err) {
			t.meta.Invalidate(b.tp.Topic)
		}
		if ctx.Err() == nil && api.IsRetriable(err) {
			return 0, retry.Retriable(err)
		}
		return 0, err
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", api.ErrProducerClosed, err)
		}
		logger.Warn("Failed to deliver record batch", zap.Int("attempts", b.attempts), zap.Error(err))
		b.fail(err)
		return
	}

	t.config.Metrics.BatchSent()
	b.succeed(offset)
}

// produce sends a single produce request. Returns the base offset assigned
// to the batch, or -1 if acknowledgements are disabled.
func (t *tracker) produce(ctx context.Context, b *batch, payload []byte) (int64, error) {
	addr, err := t.meta.Leader(ctx, b.tp)
	if err != nil {
		return 0, err
	}

	rp := kmsg.NewProduceRequestTopicPartition()
	rp.Partition = b.tp.Partition
	rp.Records = payload
	rt := kmsg.NewProduceRequestTopic()
	rt.Topic = b.tp.Topic
	rt.Partitions = append(rt.Partitions, rp)
	req := kmsg.NewPtrProduceRequest()
	req.Acks = t.config.Acks.wire()
	req.TimeoutMillis = int32(t.config.RequestTimeout.Milliseconds())
	req.Topics = append(req.Topics, rt)

	reqCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout+requestTimeoutSlack)
	defer cancel()

	kresp, err := t.broker.Send(reqCtx, addr, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("produce to %s: %w", b.tp, kerr.RequestTimedOut)
		}
		return 0, err
	}
	if kresp == nil {
		return -1, nil
	}

	resp := kresp.(*kmsg.ProduceResponse)
	for _, topic := range resp.Topics {
		if topic.Topic != b.tp.Topic {
			continue
		}
		for _, p := range topic.Partitions {
			if p.Partition != b.tp.Partition {
				continue
			}
			if err := api.CheckCode("produce to "+b.tp.String(), p.ErrorCode); err != nil {
				return 0, err
			}
			return p.BaseOffset, nil
		}
	}
	return 0, fmt.Errorf("produce response from %s has no result for %s", addr, b.tp)
}

// shutdown fails every batch still queued and rejects further batches
func (t *tracker) shutdown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for _, q := range t.queues {
		for _, b := range q.batches {
			b.fail(err)
		}
		q.batches = nil
	}
}
