package mock

import (
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func (b *Broker) metadata(req *kmsg.MetadataRequest) *kmsg.MetadataResponse {
	resp := req.ResponseKind().(*kmsg.MetadataResponse)

	sb := kmsg.NewMetadataResponseBroker()
	sb.NodeID = nodeID
	sb.Host = b.host
	sb.Port = b.port
	resp.Brokers = append(resp.Brokers, sb)
	resp.ControllerID = nodeID

	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	if req.Topics == nil {
		names = maps.Keys(b.topics)
		slices.Sort(names)
	}
	for _, rt := range req.Topics {
		if rt.Topic != nil {
			names = append(names, *rt.Topic)
		}
	}

	for _, name := range names {
		st := kmsg.NewMetadataResponseTopic()
		st.Topic = kmsg.StringPtr(name)
		t := b.topics[name]
		if t == nil && req.AllowAutoTopicCreation && !b.config.DisableAutoCreate {
			t = b.createTopic(name, b.config.DefaultPartitions)
		}
		if t == nil {
			st.ErrorCode = kerr.UnknownTopicOrPartition.Code
			resp.Topics = append(resp.Topics, st)
			continue
		}
		for i := range t.partitions {
			sp := kmsg.NewMetadataResponseTopicPartition()
			sp.Partition = int32(i)
			sp.Leader = nodeID
			sp.Replicas = []int32{nodeID}
			sp.ISR = []int32{nodeID}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	return resp
}

func (b *Broker) findCoordinator(req *kmsg.FindCoordinatorRequest) *kmsg.FindCoordinatorResponse {
	resp := req.ResponseKind().(*kmsg.FindCoordinatorResponse)

	b.mu.Lock()
	resp.ErrorCode = b.fault(req.Key())
	b.mu.Unlock()
	if resp.ErrorCode != 0 {
		return resp
	}

	resp.NodeID = nodeID
	resp.Host = b.host
	resp.Port = b.port
	return resp
}
