// Package producer batches records per partition and delivers them to
// partition leaders with retries.
package producer

import (
	"context"
	"errors"
	"sync"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metadata"
	"github.com/ridge/kclient/kafka/names"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// Broker sends requests to a broker by address
type Broker interface {
	Send(ctx context.Context, addr string, req kmsg.Request) (kmsg.Response, error)
}

// Metadata resolves topics to partitions and their leaders
type Metadata interface {
	Resolve(ctx context.Context, topic string) (*metadata.Topic, error)
	Leader(ctx context.Context, tp api.TopicPartition) (string, error)
	Invalidate(topic string)
	Version() uint64
}

// Producer delivers records to a Kafka cluster.
//
// Records sent to the same partition from one goroutine are delivered in the
// order of Produce calls. Every Delivery is resolved exactly once, at the
// latest by Close.
type Producer struct {
	config  Config
	group   *parallel.Group
	batcher *batcher
	tracker *tracker
	pending pendingSet

	mu     sync.RWMutex
	closed bool
}

// New creates a Producer. Background delivery runs until Close or until ctx
// is closed.
func New(ctx context.Context, config Config, broker Broker, meta Metadata) (*Producer, error) {
	config = config.withDefaults()
	partition, err := NewPartitioner(config.Partitioner)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		config: config,
		group:  parallel.NewGroup(ctx),
	}
	p.tracker = newTracker(config, broker, meta, func(name string, task func(context.Context) error) {
		p.group.Spawn(name, parallel.Continue, task)
	})
	p.batcher = newBatcher(config, meta, partition, p.tracker.submit)
	p.group.Spawn("linger", parallel.Continue, p.batcher.run)

	tlog.Get(ctx).Debug("Producer started",
		zap.Stringer("acks", config.Acks),
		zap.Stringer("compression", config.Compression),
		zap.String("partitioner", config.Partitioner))
	return p, nil
}

// Produce submits a record for delivery. It blocks only while the topic
// metadata is resolved; the outcome is reported through the returned
// Delivery.
func (p *Producer) Produce(ctx context.Context, rec api.ProducerRecord) *Delivery {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		d := newDelivery(rec, p.count)
		d.fail(api.TopicPartition{Topic: rec.Topic, Partition: -1}, api.ErrProducerClosed)
		return d
	}
	p.pending.add()
	p.mu.RUnlock()

	d := newDelivery(rec, func(o api.Outcome) {
		p.count(o)
		p.pending.done()
	})
	if err := names.ValidateTopicName(rec.Topic); err != nil {
		d.fail(api.TopicPartition{Topic: rec.Topic, Partition: -1}, err)
		return d
	}
	p.batcher.add(ctx, d)
	return d
}

// ProduceSync submits a record and waits for its outcome
func (p *Producer) ProduceSync(ctx context.Context, rec api.ProducerRecord) (api.Outcome, error) {
	return p.Produce(ctx, rec).Wait(ctx)
}

func (p *Producer) count(o api.Outcome) {
	if o.Err != nil {
		p.config.Metrics.Failed(1)
	} else {
		p.config.Metrics.Delivered(1)
	}
}

// Flush seals all open batches and waits until every submitted record is
// resolved
func (p *Producer) Flush(ctx context.Context) error {
	p.batcher.flush()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.pending.idle():
		return nil
	}
}

// Close flushes pending records and stops the producer. Records that are
// still unresolved when ctx is closed fail with ErrProducerClosed.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Flush(ctx)
	if err != nil {
		tlog.Get(ctx).Warn("Producer closed with records pending", zap.Error(err))
	}

	p.batcher.abort(api.ErrProducerClosed)
	p.group.Exit(nil)
	if werr := p.group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	p.tracker.shutdown(api.ErrProducerClosed)
	<-p.pending.idle()
	return err
}

// pendingSet counts records that are submitted but not resolved yet
type pendingSet struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (s *pendingSet) add() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		s.zero = make(chan struct{})
	}
	s.n++
}

func (s *pendingSet) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n--
	if s.n == 0 {
		close(s.zero)
	}
}

func (s *pendingSet) idle() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return closedChan
	}
	return s.zero
}
