package consumer

import (
	"fmt"

	"github.com/ridge/kclient/kafka/api"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Assignor names
const (
	AssignorRange      = "range"
	AssignorRoundRobin = "roundrobin"
)

// Member is a group member as seen by the group leader
type Member struct {
	ID     string
	Topics []string
}

// Assignment maps member ids to the partitions they own
type Assignment map[string][]api.TopicPartition

// Assignor distributes partitions among group members. Every partition of a
// subscribed topic is assigned to exactly one member subscribed to it.
type Assignor interface {
	Name() string
	Assign(members []Member, partitions map[string]int32) Assignment
}

// NewAssignor returns the assignor with the given name
func NewAssignor(name string) (Assignor, error) {
	switch name {
	case "", AssignorRange:
		return rangeAssignor{}, nil
	case AssignorRoundRobin:
		return roundRobinAssignor{}, nil
	default:
		return nil, fmt.Errorf("unknown assignor %q (range|roundrobin expected)", name)
	}
}

// subscribers returns the sorted ids of the members subscribed to each topic
func subscribers(members []Member) map[string][]string {
	res := map[string][]string{}
	for _, m := range members {
		for _, topic := range m.Topics {
			if !slices.Contains(res[topic], m.ID) {
				res[topic] = append(res[topic], m.ID)
			}
		}
	}
	for _, ids := range res {
		slices.Sort(ids)
	}
	return res
}

func emptyAssignment(members []Member) Assignment {
	res := Assignment{}
	for _, m := range members {
		res[m.ID] = nil
	}
	return res
}

// rangeAssignor splits the partitions of each topic into contiguous ranges,
// the first members getting one extra partition when the split is uneven
type rangeAssignor struct{}

func (rangeAssignor) Name() string {
	return AssignorRange
}

func (rangeAssignor) Assign(members []Member, partitions map[string]int32) Assignment {
	res := emptyAssignment(members)
	subs := subscribers(members)

	topics := maps.Keys(partitions)
	slices.Sort(topics)
	for _, topic := range topics {
		ids := subs[topic]
		if len(ids) == 0 {
			continue
		}
		n := int(partitions[topic])
		per, extra := n/len(ids), n%len(ids)
		p := 0
		for i, id := range ids {
			count := per
			if i < extra {
				count++
			}
			for j := 0; j < count; j++ {
				res[id] = append(res[id], api.TopicPartition{Topic: topic, Partition: int32(p)})
				p++
			}
		}
	}
	return res
}

// roundRobinAssignor deals all partitions, sorted by topic and partition,
// to the subscribed members in turn
type roundRobinAssignor struct{}

func (roundRobinAssignor) Name() string {
	return AssignorRoundRobin
}

func (roundRobinAssignor) Assign(members []Member, partitions map[string]int32) Assignment {
	res := emptyAssignment(members)
	subs := subscribers(members)

	ids := maps.Keys(res)
	slices.Sort(ids)

	var all []api.TopicPartition
	for topic, n := range partitions {
		if len(subs[topic]) == 0 {
			continue
		}
		for p := int32(0); p < n; p++ {
			all = append(all, api.TopicPartition{Topic: topic, Partition: p})
		}
	}
	sortPartitions(all)

	next := 0
	for _, tp := range all {
		// the topic has subscribers, so this terminates within len(ids) steps
		for {
			id := ids[next%len(ids)]
			next++
			if slices.Contains(subs[tp.Topic], id) {
				res[id] = append(res[id], tp)
				break
			}
		}
	}
	return res
}
