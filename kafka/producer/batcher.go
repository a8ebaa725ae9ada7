package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/scheduler"
	"github.com/ridge/kclient/tlog"
	"go.uber.org/zap"
)

// batcher groups records into per-partition batches and hands sealed
// batches over to submit
type batcher struct {
	config    Config
	meta      Metadata
	partition Partitioner
	submit    func(*batch)
	linger    *scheduler.Scheduler[api.TopicPartition]
	now       func() time.Time

	mu     sync.Mutex
	open   map[api.TopicPartition]*batch
	rr     map[string]*roundRobin
	closed bool
}

func newBatcher(config Config, meta Metadata, partition Partitioner, submit func(*batch)) *batcher {
	return &batcher{
		config:    config,
		meta:      meta,
		partition: partition,
		submit:    submit,
		linger:    scheduler.New[api.TopicPartition](),
		now:       time.Now,
		open:      map[api.TopicPartition]*batch{},
		rr:        map[string]*roundRobin{},
	}
}

// target picks the partition of a record: the explicit one if set, the key
// hash for keyed records, round-robin otherwise
func (b *batcher) target(ctx context.Context, rec api.ProducerRecord) (api.TopicPartition, error) {
	tp := api.TopicPartition{Topic: rec.Topic, Partition: -1}
	if rec.Partition != nil {
		tp.Partition = *rec.Partition
	}

	t, err := b.meta.Resolve(ctx, rec.Topic)
	if err != nil {
		return tp, err
	}
	n := len(t.Partitions)
	if n == 0 {
		return tp, fmt.Errorf("topic %s has no partitions", rec.Topic)
	}

	switch {
	case rec.Partition != nil:
		if tp.Partition < 0 || int(tp.Partition) >= n {
			return tp, fmt.Errorf("%w: %s (topic has %d partitions)", api.ErrInvalidPartition, tp, n)
		}
	case rec.Key != nil:
		tp.Partition = int32(b.partition(rec.Key, n))
	default:
		version := b.meta.Version()
		b.mu.Lock()
		rr := b.rr[rec.Topic]
		if rr == nil {
			rr = &roundRobin{version: version}
			b.rr[rec.Topic] = rr
		}
		tp.Partition = int32(rr.pick(n, version))
		b.mu.Unlock()
	}
	return tp, nil
}

// add appends the record of d to the open batch of its partition. Failures
// to place the record resolve d immediately.
func (b *batcher) add(ctx context.Context, d *Delivery) {
	recordSize := wire.RecordSize(d.record.Record, 0, 0)
	if wire.BatchOverhead+recordSize > b.config.MaxRecordBytes {
		d.fail(api.TopicPartition{Topic: d.record.Topic, Partition: -1},
			fmt.Errorf("%w: %d bytes, at most %d allowed", api.ErrRecordTooLarge, wire.BatchOverhead+recordSize, b.config.MaxRecordBytes))
		return
	}

	tp, err := b.target(ctx, d.record)
	if err != nil {
		d.fail(tp, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		d.fail(tp, api.ErrProducerClosed)
		return
	}

	now := b.now()
	cur := b.open[tp]
	if cur != nil {
		recordSize = wire.RecordSize(d.record.Record, int32(len(cur.records)), now.Sub(cur.created).Milliseconds())
		if cur.size+recordSize > b.config.MaxBatchBytes {
			b.seal(cur)
			cur = nil
		}
	}
	if cur == nil {
		recordSize = wire.RecordSize(d.record.Record, 0, 0)
		cur = newBatch(tp, now, wire.BatchOverhead)
		b.open[tp] = cur
		b.linger.Schedule(tp, now.Add(b.config.Linger))
	}
	cur.add(d, recordSize, now)

	if cur.size >= b.config.MaxBatchBytes || len(cur.records) >= b.config.MaxBatchRecords {
		b.seal(cur)
	}
}

// seal must be called with b.mu held
func (b *batcher) seal(cur *batch) {
	delete(b.open, cur.tp)
	b.linger.Schedule(cur.tp, time.Time{})
	cur.state = batchSealed
	b.submit(cur)
}

// flush seals every open batch
func (b *batcher) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cur := range b.open {
		b.seal(cur)
	}
}

// abort fails every open batch and rejects further records
func (b *batcher) abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.linger.Clear()
	for tp, cur := range b.open {
		delete(b.open, tp)
		cur.fail(err)
	}
}

// run seals batches whose linger time has expired
func (b *batcher) run(ctx context.Context) error {
	logger := tlog.Get(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.linger.Wait():
		}

		b.mu.Lock()
		for _, tp := range b.linger.Get() {
			if cur := b.open[tp]; cur != nil {
				logger.Debug("Linger expired", zap.Object("partition", tp), zap.Int("records", len(cur.records)))
				b.seal(cur)
			}
		}
		b.mu.Unlock()
	}
}
