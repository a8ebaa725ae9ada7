package mock

import (
	"github.com/ridge/kclient/kafka/api"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func (b *Broker) listOffsets(req *kmsg.ListOffsetsRequest) *kmsg.ListOffsetsResponse {
	resp := req.ResponseKind().(*kmsg.ListOffsetsResponse)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rt := range req.Topics {
		st := kmsg.NewListOffsetsResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewListOffsetsResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.Timestamp = -1
			sp.LeaderEpoch = -1

			p := b.partition(api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition})
			switch {
			case p == nil:
				sp.ErrorCode = kerr.UnknownTopicOrPartition.Code
			case rp.Timestamp == -2: // earliest
				sp.Offset = 0
			case rp.Timestamp == -1: // latest
				sp.Offset = int64(len(p.data))
			default:
				sp.Offset = int64(len(p.data))
				for i, m := range p.data {
					if m.ts.UnixMilli() >= rp.Timestamp {
						sp.Offset = int64(i)
						sp.Timestamp = m.ts.UnixMilli()
						break
					}
				}
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

// offsetCommit stores committed offsets. Commits from members of the current
// generation are accepted during a rebalance too, so that members can flush
// before rejoining. A generation of -1 commits without membership.
func (b *Broker) offsetCommit(req *kmsg.OffsetCommitRequest) *kmsg.OffsetCommitResponse {
	resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)

	b.mu.Lock()
	defer b.mu.Unlock()

	g := b.group(req.Group)
	code := b.fault(req.Key())
	if code == 0 && req.Generation >= 0 {
		if _, ok := g.members[req.MemberID]; !ok {
			code = kerr.UnknownMemberID.Code
		} else if req.Generation != g.generation {
			code = kerr.IllegalGeneration.Code
		}
	}

	for _, rt := range req.Topics {
		st := kmsg.NewOffsetCommitResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewOffsetCommitResponseTopicPartition()
			sp.Partition = rp.Partition
			sp.ErrorCode = code
			if code == 0 {
				g.committed[api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}] = rp.Offset
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

func (b *Broker) offsetFetch(req *kmsg.OffsetFetchRequest) *kmsg.OffsetFetchResponse {
	resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)

	b.mu.Lock()
	defer b.mu.Unlock()

	if code := b.fault(req.Key()); code != 0 {
		resp.ErrorCode = code
		return resp
	}

	g := b.group(req.Group)
	for _, rt := range req.Topics {
		st := kmsg.NewOffsetFetchResponseTopic()
		st.Topic = rt.Topic
		for _, p := range rt.Partitions {
			sp := kmsg.NewOffsetFetchResponseTopicPartition()
			sp.Partition = p
			sp.LeaderEpoch = -1
			sp.Offset = -1
			if offset, ok := g.committed[api.TopicPartition{Topic: rt.Topic, Partition: p}]; ok {
				sp.Offset = offset
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

// Committed returns the offset committed by a group for a partition
func (b *Broker) Committed(groupID string, tp api.TopicPartition) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[groupID]
	if g == nil {
		return 0, false
	}
	offset, ok := g.committed[tp]
	return offset, ok
}
