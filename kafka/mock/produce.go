package mock

import (
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// produce appends the record batches of a produce request. Requests with
// acks=0 get no response.
func (b *Broker) produce(req *kmsg.ProduceRequest) (kmsg.Response, error) {
	resp := req.ResponseKind().(*kmsg.ProduceResponse)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	written := false
	for _, rt := range req.Topics {
		st := kmsg.NewProduceResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewProduceResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.BaseOffset = -1
			sp.LogAppendTime = -1
			st.Partitions = append(st.Partitions, sp)
			last := &st.Partitions[len(st.Partitions)-1]

			if code := b.fault(req.Key()); code != 0 {
				last.ErrorCode = code
				continue
			}
			p := b.partition(api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition})
			if p == nil {
				last.ErrorCode = kerr.UnknownTopicOrPartition.Code
				continue
			}
			decoded, err := wire.DecodeBatches(rp.Records)
			if err != nil || len(decoded.Records) == 0 {
				last.ErrorCode = kerr.CorruptMessage.Code
				continue
			}

			last.BaseOffset = int64(len(p.data))
			last.LogStartOffset = 0
			for _, r := range decoded.Records {
				ts := r.Timestamp
				if ts.IsZero() {
					ts = now
				}
				p.data = append(p.data, message{Record: r.Record, ts: ts})
			}
			written = true
		}
		resp.Topics = append(resp.Topics, st)
	}
	if written {
		b.notify()
	}

	if req.Acks == 0 {
		return nil, nil
	}
	return resp, nil
}
