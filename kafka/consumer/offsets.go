package consumer

import (
	"context"
	"fmt"

	"github.com/ridge/kclient/kafka/api"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/exp/maps"
)

type topicPartitions struct {
	topic      string
	partitions []int32
}

// groupByTopic groups partitions by topic, preserving the order of tps
func groupByTopic(tps []api.TopicPartition) []topicPartitions {
	var res []topicPartitions
	index := map[string]int{}
	for _, tp := range tps {
		i, ok := index[tp.Topic]
		if !ok {
			i = len(res)
			index[tp.Topic] = i
			res = append(res, topicPartitions{topic: tp.Topic})
		}
		res[i].partitions = append(res[i].partitions, tp.Partition)
	}
	return res
}

// sortedKeys returns the partitions of an offset map in topic and partition
// order
func sortedKeys[V any](m map[api.TopicPartition]V) []api.TopicPartition {
	tps := maps.Keys(m)
	sortPartitions(tps)
	return tps
}

// listOffsets asks the partition leaders for the offset selected by the reset
// policy
func listOffsets(ctx context.Context, broker Broker, meta Metadata, tps []api.TopicPartition, reset api.OffsetReset) (map[api.TopicPartition]int64, error) {
	byLeader := map[string][]api.TopicPartition{}
	for _, tp := range tps {
		addr, err := meta.Leader(ctx, tp)
		if err != nil {
			return nil, err
		}
		byLeader[addr] = append(byLeader[addr], tp)
	}

	res := map[api.TopicPartition]int64{}
	for addr, tps := range byLeader {
		req := kmsg.NewPtrListOffsetsRequest()
		req.ReplicaID = -1
		for _, group := range groupByTopic(tps) {
			rt := kmsg.NewListOffsetsRequestTopic()
			rt.Topic = group.topic
			for _, p := range group.partitions {
				rp := kmsg.NewListOffsetsRequestTopicPartition()
				rp.Partition = p
				rp.CurrentLeaderEpoch = -1
				rp.Timestamp = reset.Timestamp()
				rt.Partitions = append(rt.Partitions, rp)
			}
			req.Topics = append(req.Topics, rt)
		}

		kresp, err := broker.Send(ctx, addr, req)
		if err != nil {
			return nil, err
		}
		for _, rt := range kresp.(*kmsg.ListOffsetsResponse).Topics {
			for _, rp := range rt.Partitions {
				tp := api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}
				if err := api.CheckCode("list offsets of "+tp.String(), rp.ErrorCode); err != nil {
					if api.IsLeadershipError(err) {
						meta.Invalidate(tp.Topic)
					}
					return nil, err
				}
				res[tp] = rp.Offset
			}
		}
	}

	for _, tp := range tps {
		if _, ok := res[tp]; !ok {
			return nil, fmt.Errorf("list offsets response has no result for %s", tp)
		}
	}
	return res, nil
}
