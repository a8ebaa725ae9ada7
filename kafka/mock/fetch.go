package mock

import (
	"context"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// fetch returns records as soon as MinBytes are available, or whatever there
// is once MaxWaitMillis expire
func (b *Broker) fetch(ctx context.Context, req *kmsg.FetchRequest) (kmsg.Response, error) {
	timer := time.NewTimer(time.Duration(req.MaxWaitMillis) * time.Millisecond)
	defer timer.Stop()

	b.mu.Lock()
	code := b.fault(req.Key())
	b.mu.Unlock()

	expired := false
	for {
		resp, size, more, err := b.fetchOnce(req, code)
		if err != nil {
			return nil, err
		}
		if code != 0 || size >= int(req.MinBytes) || expired {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-more:
		case <-timer.C:
			expired = true
		}
	}
}

func (b *Broker) fetchOnce(req *kmsg.FetchRequest, code int16) (*kmsg.FetchResponse, int, <-chan struct{}, error) {
	resp := req.ResponseKind().(*kmsg.FetchResponse)

	b.mu.Lock()
	defer b.mu.Unlock()

	size := 0
	for _, rt := range req.Topics {
		st := kmsg.NewFetchResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewFetchResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.ErrorCode = code
			if code == 0 {
				data, err := b.fetchPartition(api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}, rp.FetchOffset, rp.PartitionMaxBytes, &sp)
				if err != nil {
					return nil, 0, nil, err
				}
				size += len(data)
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp, size, b.more, nil
}

// fetchPartition must be called with b.mu held
func (b *Broker) fetchPartition(tp api.TopicPartition, offset int64, maxBytes int32, sp *kmsg.FetchResponseTopicPartition) ([]byte, error) {
	p := b.partition(tp)
	if p == nil {
		sp.ErrorCode = kerr.UnknownTopicOrPartition.Code
		return nil, nil
	}
	end := int64(len(p.data))
	sp.HighWatermark = end
	sp.LastStableOffset = end
	sp.LogStartOffset = 0
	if offset < 0 || offset > end {
		sp.ErrorCode = kerr.OffsetOutOfRange.Code
		return nil, nil
	}
	if offset == end {
		return nil, nil
	}

	// at least one record, then as many as fit in maxBytes
	spec := wire.BatchSpec{BaseOffset: offset, Timestamp: p.data[offset].ts}
	size := wire.BatchOverhead
	for i := offset; i < end; i++ {
		m := p.data[i]
		delta := int32(i - offset)
		size += wire.RecordSize(m.Record, delta, m.ts.Sub(spec.Timestamp).Milliseconds())
		if delta > 0 && size > int(maxBytes) {
			break
		}
		spec.Records = append(spec.Records, m.Record)
		spec.Timestamps = append(spec.Timestamps, m.ts)
	}
	data, err := wire.AppendBatch(nil, spec)
	if err != nil {
		return nil, err
	}
	sp.RecordBatches = data
	return data, nil
}
