package producer

import (
	"context"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
)

// Delivery is the pending outcome of a produced record
type Delivery struct {
	record  api.ProducerRecord
	once    sync.Once
	done    chan struct{}
	outcome api.Outcome
	notify  func(api.Outcome)
}

func newDelivery(record api.ProducerRecord, notify func(api.Outcome)) *Delivery {
	return &Delivery{
		record: record,
		done:   make(chan struct{}),
		notify: notify,
	}
}

// Done is closed when the outcome is resolved
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Outcome returns the resolved outcome. It must only be called after Done is
// closed.
func (d *Delivery) Outcome() api.Outcome {
	return d.outcome
}

// Wait waits for the outcome. The returned error is only set if ctx is
// closed first; delivery errors are reported in the outcome.
func (d *Delivery) Wait(ctx context.Context) (api.Outcome, error) {
	select {
	case <-ctx.Done():
		return api.Outcome{}, ctx.Err()
	case <-d.done:
		return d.outcome, nil
	}
}

// resolve sets the outcome; only the first call has any effect
func (d *Delivery) resolve(outcome api.Outcome) {
	d.once.Do(func() {
		outcome.Record = d.record
		d.outcome = outcome
		if d.notify != nil {
			d.notify(outcome)
		}
		close(d.done)
	})
}

func (d *Delivery) fail(tp api.TopicPartition, err error) {
	d.resolve(api.Outcome{TopicPartition: tp, Offset: -1, Err: err})
}

type batchState int

const (
	batchOpen batchState = iota
	batchSealed
	batchInFlight
	batchAcked
	batchFailed
)

var batchStateNames = [...]string{"open", "sealed", "in-flight", "acked", "failed"}

func (s batchState) String() string {
	return batchStateNames[s]
}

// batch accumulates records for a single partition. Records keep their
// append order through every resend.
type batch struct {
	tp         api.TopicPartition
	created    time.Time
	records    []api.Record
	timestamps []time.Time
	deliveries []*Delivery
	size       int
	state      batchState
	attempts   int
}

func newBatch(tp api.TopicPartition, now time.Time, overhead int) *batch {
	return &batch{tp: tp, created: now, size: overhead}
}

func (b *batch) add(d *Delivery, size int, now time.Time) {
	b.records = append(b.records, d.record.Record)
	b.timestamps = append(b.timestamps, now)
	b.deliveries = append(b.deliveries, d)
	b.size += size
}

func (b *batch) succeed(baseOffset int64) {
	b.state = batchAcked
	for i, d := range b.deliveries {
		offset := int64(-1)
		if baseOffset >= 0 {
			offset = baseOffset + int64(i)
		}
		d.resolve(api.Outcome{TopicPartition: b.tp, Offset: offset})
	}
}

func (b *batch) fail(err error) {
	b.state = batchFailed
	for _, d := range b.deliveries {
		d.fail(b.tp, err)
	}
}
