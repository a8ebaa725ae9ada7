package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// fetcher reads records of the assigned partitions from their leaders
type fetcher struct {
	config  Config
	broker  Broker
	meta    Metadata
	cursors *cursors
}

// fetched is the result of fetching one partition. The cursor moves from
// from to next only when the records are handed out by deliver.
type fetched struct {
	tp      api.TopicPartition
	from    int64
	next    int64
	records []api.ConsumerRecord
}

// fetch issues one fetch per leader for the given positions. It does not
// move the cursors. Errors of individual leaders and partitions are collected
// next to the results of the others.
func (f *fetcher) fetch(ctx context.Context, epoch uint64, positions map[api.TopicPartition]int64, maxWait time.Duration) ([]fetched, []error) {
	logger := tlog.Get(ctx)

	var errs []error
	byLeader := map[string][]api.TopicPartition{}
	for _, tp := range sortedKeys(positions) {
		addr, err := f.meta.Leader(ctx, tp)
		if err != nil {
			logger.Debug("Partition leader unknown", zap.Object("partition", tp), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		byLeader[addr] = append(byLeader[addr], tp)
	}

	var mu sync.Mutex
	results := map[api.TopicPartition]fetched{}
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for addr, tps := range byLeader {
			addr, tps := addr, tps
			spawn("fetch:"+addr, parallel.Continue, func(ctx context.Context) error {
				parts, leaderErrs := f.fetchFrom(ctx, epoch, addr, tps, positions, maxWait)

				mu.Lock()
				defer mu.Unlock()
				for _, part := range parts {
					results[part.tp] = part
				}
				errs = append(errs, leaderErrs...)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	res := make([]fetched, 0, len(results))
	for _, tp := range sortedKeys(results) {
		res = append(res, results[tp])
	}
	return res, errs
}

// deliver moves the cursors past the fetched records and returns the records
// that may be handed out. Records of partitions whose cursor moved or whose
// assignment changed since the fetch are dropped.
func (f *fetcher) deliver(ctx context.Context, epoch uint64, parts []fetched) []api.ConsumerRecord {
	var res []api.ConsumerRecord
	for _, part := range parts {
		if !f.cursors.advance(epoch, part.tp, part.from, part.next) {
			tlog.Get(ctx).Debug("Dropping records fetched for a previous assignment",
				zap.Object("partition", part.tp), zap.Int("records", len(part.records)))
			continue
		}
		res = append(res, part.records...)
	}
	return res
}

func (f *fetcher) fetchFrom(ctx context.Context, epoch uint64, addr string, tps []api.TopicPartition, positions map[api.TopicPartition]int64, maxWait time.Duration) ([]fetched, []error) {
	req := kmsg.NewPtrFetchRequest()
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(maxWait.Milliseconds())
	req.MinBytes = f.config.FetchMinBytes
	req.MaxBytes = f.config.FetchMaxBytes
	req.SessionID = 0
	req.SessionEpoch = -1
	for _, group := range groupByTopic(tps) {
		rt := kmsg.NewFetchRequestTopic()
		rt.Topic = group.topic
		for _, p := range group.partitions {
			rp := kmsg.NewFetchRequestTopicPartition()
			rp.Partition = p
			rp.CurrentLeaderEpoch = -1
			rp.FetchOffset = positions[api.TopicPartition{Topic: group.topic, Partition: p}]
			rp.LogStartOffset = -1
			rp.PartitionMaxBytes = f.config.PartitionMaxBytes
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}

	kresp, err := f.broker.Send(ctx, addr, req)
	if err != nil {
		return nil, []error{err}
	}
	resp := kresp.(*kmsg.FetchResponse)
	if err := api.CheckCode("fetch", resp.ErrorCode); err != nil {
		return nil, []error{err}
	}

	var res []fetched
	var errs []error
	for _, rt := range resp.Topics {
		for i := range rt.Partitions {
			rp := &rt.Partitions[i]
			tp := api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}
			from, ok := positions[tp]
			if !ok {
				continue
			}
			part, err := f.partition(ctx, epoch, tp, from, rp)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if part.next > from {
				res = append(res, part)
			}
		}
	}
	return res, errs
}

// partition handles the fetch result of a single partition
func (f *fetcher) partition(ctx context.Context, epoch uint64, tp api.TopicPartition, from int64, rp *kmsg.FetchResponseTopicPartition) (fetched, error) {
	logger := tlog.Get(ctx).With(zap.Object("partition", tp))

	err := api.CheckCode("fetch "+tp.String(), rp.ErrorCode)
	switch {
	case err == nil:
	case errors.Is(err, kerr.OffsetOutOfRange):
		offsets, err := listOffsets(ctx, f.broker, f.meta, []api.TopicPartition{tp}, f.config.AutoOffsetReset)
		if err != nil {
			return fetched{}, err
		}
		if f.cursors.reset(epoch, tp, from, offsets[tp]) {
			logger.Warn("Fetch offset out of range, reset",
				zap.Int64("from", from),
				zap.Int64("to", offsets[tp]),
				zap.String("policy", string(f.config.AutoOffsetReset)))
		}
		return fetched{}, nil
	case api.IsLeadershipError(err):
		f.meta.Invalidate(tp.Topic)
		return fetched{}, err
	default:
		return fetched{}, err
	}

	decoded, err := wire.DecodeBatches(rp.RecordBatches)
	if err != nil {
		return fetched{}, err
	}

	next := from
	var res []api.ConsumerRecord
	for _, r := range decoded.Records {
		if r.Offset < next {
			continue // batch starts before the fetch offset
		}
		res = append(res, api.ConsumerRecord{
			Record:         r.Record,
			TopicPartition: tp,
			Offset:         r.Offset,
			Timestamp:      r.Timestamp,
		})
		next = r.Offset + 1
	}
	if decoded.NextOffset > next {
		next = decoded.NextOffset
	}
	return fetched{tp: tp, from: from, next: next, records: res}, nil
}
