package mock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ridge/kclient/kafka/api"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/exp/slices"
)

type groupPhase int

const (
	groupEmpty groupPhase = iota
	groupJoining
	groupSyncing
	groupStable
)

type member struct {
	id        string
	protocols []kmsg.JoinGroupRequestProtocol
	joined    bool // in the current join round
}

// group is a consumer group hosted by the mock coordinator. A join round
// waits until every known member has rejoined, or evicts the stragglers
// after JoinTimeout.
type group struct {
	phase       groupPhase
	generation  int32
	protocol    string
	leader      string
	members     map[string]*member
	pending     map[string]bool // member ids handed out but not joined yet
	joinDone    chan struct{}
	syncDone    chan struct{}
	assignments map[string][]byte
	committed   map[api.TopicPartition]int64
}

// group must be called with b.mu held
func (b *Broker) group(id string) *group {
	g := b.groups[id]
	if g == nil {
		g = &group{
			members:   map[string]*member{},
			pending:   map[string]bool{},
			committed: map[api.TopicPartition]int64{},
		}
		b.groups[id] = g
	}
	return g
}

// startRound must be called with b.mu held
func (g *group) startRound() {
	if g.phase == groupJoining {
		return
	}
	if g.syncDone != nil {
		close(g.syncDone) // followers waiting in sync learn about the rebalance
		g.syncDone = nil
	}
	g.phase = groupJoining
	g.joinDone = make(chan struct{})
	for _, m := range g.members {
		m.joined = false
	}
}

// completeRound must be called with b.mu held
func (g *group) completeRound() {
	for id, m := range g.members {
		if !m.joined {
			delete(g.members, id)
		}
	}
	g.generation++
	g.assignments = nil
	g.syncDone = make(chan struct{})

	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if _, ok := g.members[g.leader]; !ok && len(ids) > 0 {
		g.leader = ids[0]
	}
	g.protocol = ""
	if leader := g.members[g.leader]; leader != nil {
		for _, p := range leader.protocols {
			if g.supportedByAll(p.Name) {
				g.protocol = p.Name
				break
			}
		}
	}

	if len(g.members) == 0 {
		g.phase = groupEmpty
	} else {
		g.phase = groupSyncing
	}
	close(g.joinDone)
	g.joinDone = nil
}

func (g *group) supportedByAll(protocol string) bool {
	for _, m := range g.members {
		if slices.IndexFunc(m.protocols, func(p kmsg.JoinGroupRequestProtocol) bool { return p.Name == protocol }) < 0 {
			return false
		}
	}
	return true
}

func (g *group) allJoined() bool {
	for _, m := range g.members {
		if !m.joined {
			return false
		}
	}
	return true
}

// check validates the membership and generation of a group request. Must be
// called with b.mu held.
func (g *group) check(memberID string, generation int32) int16 {
	if _, ok := g.members[memberID]; !ok {
		return kerr.UnknownMemberID.Code
	}
	if generation != g.generation {
		return kerr.IllegalGeneration.Code
	}
	if g.phase == groupJoining {
		return kerr.RebalanceInProgress.Code
	}
	return 0
}

func (b *Broker) joinGroup(ctx context.Context, req *kmsg.JoinGroupRequest, clientID string) (kmsg.Response, error) {
	resp := req.ResponseKind().(*kmsg.JoinGroupResponse)
	resp.Generation = -1

	b.mu.Lock()
	if code := b.fault(req.Key()); code != 0 {
		b.mu.Unlock()
		resp.ErrorCode = code
		return resp, nil
	}
	g := b.group(req.Group)

	if req.MemberID == "" {
		id := clientID + "-" + uuid.NewString()
		g.pending[id] = true
		b.mu.Unlock()
		resp.ErrorCode = kerr.MemberIDRequired.Code
		resp.MemberID = id
		return resp, nil
	}

	m := g.members[req.MemberID]
	if m == nil {
		if !g.pending[req.MemberID] {
			b.mu.Unlock()
			resp.ErrorCode = kerr.UnknownMemberID.Code
			return resp, nil
		}
		delete(g.pending, req.MemberID)
		m = &member{id: req.MemberID}
		g.members[m.id] = m
	}
	m.protocols = req.Protocols
	g.startRound()
	m.joined = true
	if g.allJoined() {
		g.completeRound()
	}
	done := g.joinDone
	b.mu.Unlock()

	if done != nil {
		timer := time.NewTimer(b.config.JoinTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		case <-timer.C:
			b.mu.Lock()
			if g.joinDone == done {
				g.completeRound()
			}
			b.mu.Unlock()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := g.members[req.MemberID]; !ok {
		resp.ErrorCode = kerr.UnknownMemberID.Code
		return resp, nil
	}
	resp.Generation = g.generation
	resp.Protocol = kmsg.StringPtr(g.protocol)
	resp.ProtocolType = kmsg.StringPtr(req.ProtocolType)
	resp.LeaderID = g.leader
	resp.MemberID = req.MemberID
	if g.leader == req.MemberID {
		for _, other := range g.members {
			rm := kmsg.NewJoinGroupResponseMember()
			rm.MemberID = other.id
			for _, p := range other.protocols {
				if p.Name == g.protocol {
					rm.ProtocolMetadata = p.Metadata
				}
			}
			resp.Members = append(resp.Members, rm)
		}
	}
	return resp, nil
}

func (b *Broker) syncGroup(ctx context.Context, req *kmsg.SyncGroupRequest) (kmsg.Response, error) {
	resp := req.ResponseKind().(*kmsg.SyncGroupResponse)

	b.mu.Lock()
	g := b.group(req.Group)
	if code := g.check(req.MemberID, req.Generation); code != 0 {
		b.mu.Unlock()
		resp.ErrorCode = code
		return resp, nil
	}
	if req.MemberID == g.leader && g.phase == groupSyncing {
		g.assignments = map[string][]byte{}
		for _, a := range req.GroupAssignment {
			g.assignments[a.MemberID] = a.MemberAssignment
		}
		g.phase = groupStable
		close(g.syncDone)
		g.syncDone = nil
	}
	done := g.syncDone
	b.mu.Unlock()

	if done != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if code := g.check(req.MemberID, req.Generation); code != 0 {
		resp.ErrorCode = code
		return resp, nil
	}
	resp.MemberAssignment = g.assignments[req.MemberID]
	return resp, nil
}

func (b *Broker) heartbeat(req *kmsg.HeartbeatRequest) *kmsg.HeartbeatResponse {
	resp := req.ResponseKind().(*kmsg.HeartbeatResponse)

	b.mu.Lock()
	defer b.mu.Unlock()
	if code := b.fault(req.Key()); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	resp.ErrorCode = b.group(req.Group).check(req.MemberID, req.Generation)
	return resp
}

func (b *Broker) leaveGroup(req *kmsg.LeaveGroupRequest) *kmsg.LeaveGroupResponse {
	resp := req.ResponseKind().(*kmsg.LeaveGroupResponse)

	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.group(req.Group)

	ids := []string{req.MemberID}
	if len(req.Members) > 0 {
		ids = ids[:0]
		for _, m := range req.Members {
			ids = append(ids, m.MemberID)
		}
	}

	left := false
	for _, id := range ids {
		rm := kmsg.NewLeaveGroupResponseMember()
		rm.MemberID = id
		if _, ok := g.members[id]; ok {
			delete(g.members, id)
			left = true
		} else {
			rm.ErrorCode = kerr.UnknownMemberID.Code
		}
		resp.Members = append(resp.Members, rm)
	}
	if !left {
		return resp
	}

	switch {
	case len(g.members) == 0:
		if g.phase == groupJoining {
			g.completeRound()
		}
		g.phase = groupEmpty
	case g.phase == groupJoining:
		if g.allJoined() {
			g.completeRound()
		}
	default:
		g.startRound()
	}
	return resp
}

// Generation returns the current generation of a group, -1 if it does not
// exist
func (b *Broker) Generation(groupID string) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[groupID]
	if g == nil || g.generation == 0 {
		return -1
	}
	return g.generation
}
