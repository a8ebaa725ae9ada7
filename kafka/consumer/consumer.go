// Package consumer reads records as a member of a consumer group with
// at-least-once delivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/names"
	"github.com/ridge/kclient/retry"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

// Consumer consumes the partitions assigned to it by its group.
//
// Run keeps the group membership and must be running for Poll to return
// records. Offsets returned by Poll strictly increase per partition, and a
// restarted member resumes from the last committed offset.
type Consumer struct {
	config  Config
	cursors *cursors
	coord   *coordinator
	fetcher *fetcher

	mu sync.Mutex
	// failure is an unrecoverable fetch error held back while records fetched
	// together with it are returned
	failure error
}

// New creates a Consumer
func New(config Config, broker Broker, meta Metadata) (*Consumer, error) {
	config = config.withDefaults()
	if err := names.ValidateGroupID(config.GroupID); err != nil {
		return nil, err
	}
	if len(config.Topics) == 0 {
		return nil, errors.New("no topics to consume")
	}
	for _, topic := range config.Topics {
		if err := names.ValidateTopicName(topic); err != nil {
			return nil, err
		}
	}
	if _, err := api.ParseOffsetReset(string(config.AutoOffsetReset)); err != nil {
		return nil, err
	}

	cursors := newCursors()
	coord, err := newCoordinator(config, broker, meta, cursors)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		config:  config,
		cursors: cursors,
		coord:   coord,
		fetcher: &fetcher{config: config, broker: broker, meta: meta, cursors: cursors},
	}, nil
}

// Run joins the group and keeps the membership until ctx is closed. On the
// way out the fetch positions are committed (unless committing is manual)
// and the group is left.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = tlog.With(ctx, zap.String("group", c.config.GroupID))
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("coordinator", parallel.Fail, c.coord.run)
		if !c.config.ManualCommit {
			spawn("autocommit", parallel.Fail, c.autoCommit)
		}
		return nil
	})
}

func (c *Consumer) autoCommit(ctx context.Context) error {
	logger := tlog.Get(ctx)
	ticker := time.NewTicker(c.config.AutoCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if c.coord.State().Phase != api.Stable {
			continue
		}
		if err := c.coord.commitFetched(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Auto-commit failed", zap.Error(err))
		}
	}
}

// Poll waits up to timeout for records and returns them. An empty result
// means the timeout expired. Transient failures are retried within the
// timeout; the error is ctx.Err() if ctx is closed, or the cause of an
// unrecoverable failure.
//
// Fetch positions move only past records Poll returns, so records fetched by
// a call that ends with an error are fetched again.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]api.ConsumerRecord, error) {
	logger := tlog.Get(ctx)
	deadline := time.Now().Add(timeout)
	backoff := retry.NewExpBackoff(c.config.Backoff)

	if err := c.takeFailure(); err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		changed := c.cursors.Changed()
		epoch, positions := c.cursors.positions()
		if len(positions) == 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
			case <-changed:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		maxWait := c.config.FetchMaxWait
		if maxWait > remaining {
			maxWait = remaining
		}
		parts, errs := c.fetcher.fetch(ctx, epoch, positions, maxWait)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fatal, transient := classify(errs)
		records := c.fetcher.deliver(ctx, epoch, parts)
		if len(records) > 0 {
			switch {
			case fatal != nil:
				logger.Debug("Fetch failed, returning records fetched before the failure", zap.Error(fatal))
				c.setFailure(fatal)
			case transient != nil:
				logger.Debug("Partial fetch failure", zap.Error(transient))
			}
			c.config.Metrics.Consumed(len(records))
			return records, nil
		}
		if fatal != nil {
			return nil, fmt.Errorf("poll failed: %w", fatal)
		}
		if err := transient; err != nil {
			delay := backoff.Backoff()
			logger.Debug("Fetch failed, retrying", zap.Duration("delay", delay), zap.Error(err))
			if delay > time.Until(deadline) {
				delay = time.Until(deadline)
			}
			_ = retry.Sleep(ctx, delay)
			continue
		}
		backoff.Reset()
	}
}

// classify returns the first unrecoverable and the first transient error
func classify(errs []error) (fatal, transient error) {
	for _, err := range errs {
		switch {
		case api.IsRetriable(err):
			if transient == nil {
				transient = err
			}
		case fatal == nil:
			fatal = err
		}
	}
	return fatal, transient
}

func (c *Consumer) setFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = err
}

func (c *Consumer) takeFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.failure
	c.failure = nil
	return err
}

// Commit commits offset as the next offset to consume from tp. The offset
// may not be beyond what Poll has returned.
func (c *Consumer) Commit(ctx context.Context, tp api.TopicPartition, offset int64) error {
	return c.coord.commit(ctx, map[api.TopicPartition]int64{tp: offset})
}

// CommitFetched commits the positions after the records returned by Poll
func (c *Consumer) CommitFetched(ctx context.Context) error {
	return c.coord.commitFetched(ctx)
}

// Assignment returns the partitions currently owned by the consumer
func (c *Consumer) Assignment() []api.TopicPartition {
	return c.cursors.assigned()
}

// State returns the consumer's view of its group
func (c *Consumer) State() api.GroupState {
	return c.coord.State()
}

// Position returns the fetch position of an assigned partition
func (c *Consumer) Position(tp api.TopicPartition) (int64, bool) {
	_, positions := c.cursors.positions()
	offset, ok := positions[tp]
	return offset, ok
}
