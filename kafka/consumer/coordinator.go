package consumer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metadata"
	"github.com/ridge/kclient/retry"
	"github.com/ridge/kclient/tcontext"
	"github.com/ridge/kclient/tlog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const protocolType = "consumer"

// Broker sends requests to brokers
type Broker interface {
	Send(ctx context.Context, addr string, req kmsg.Request) (kmsg.Response, error)
	SendAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
}

// Metadata resolves topics to partitions and their leaders
type Metadata interface {
	Resolve(ctx context.Context, topic string) (*metadata.Topic, error)
	Leader(ctx context.Context, tp api.TopicPartition) (string, error)
	Invalidate(topic string)
}

var (
	errRebalance = errors.New("group is rebalancing")
	errNotMember = errors.New("not a member of a stable group")
)

// coordinator keeps the consumer a member of its group: it joins, obtains an
// assignment, heartbeats and rejoins on rebalances and fencing
type coordinator struct {
	config    Config
	broker    Broker
	meta      Metadata
	cursors   *cursors
	assignors []Assignor // preferred first

	// fenced carries fencing detected by commits to the heartbeat loop
	fenced chan fencing

	mu    sync.Mutex
	addr  string
	state api.GroupState
}

// fencing is a fencing error seen by a request of a generation
type fencing struct {
	generation int32
	err        error
}

func newCoordinator(config Config, broker Broker, meta Metadata, cursors *cursors) (*coordinator, error) {
	preferred, err := NewAssignor(config.Assignor)
	if err != nil {
		return nil, err
	}
	assignors := []Assignor{preferred}
	for _, name := range []string{AssignorRange, AssignorRoundRobin} {
		if name != preferred.Name() {
			a, _ := NewAssignor(name)
			assignors = append(assignors, a)
		}
	}
	return &coordinator{
		config:    config,
		broker:    broker,
		meta:      meta,
		cursors:   cursors,
		assignors: assignors,
		fenced:    make(chan fencing, 1),
		state: api.GroupState{
			GroupID:    config.GroupID,
			Phase:      api.Unjoined,
			Generation: -1,
		},
	}, nil
}

func (c *coordinator) State() api.GroupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Assignment = slices.Clone(s.Assignment)
	return s
}

func (c *coordinator) setPhase(phase api.GroupPhase) {
	c.mu.Lock()
	c.state.Phase = phase
	c.mu.Unlock()
	c.config.Metrics.Phase(phase)
}

// run keeps the group membership until ctx is closed, then commits and
// leaves the group. Returns an error only when membership cannot be
// obtained at all.
func (c *coordinator) run(ctx context.Context) error {
	logger := tlog.Get(ctx)
	backoff := retry.NewExpBackoff(c.config.Backoff)
	for {
		err := c.session(ctx, backoff)
		if ctx.Err() != nil {
			c.shutdown(ctx)
			return ctx.Err()
		}

		switch {
		case errors.Is(err, errRebalance):
			logger.Info("Rejoining group after rebalance")
			continue
		case errors.Is(err, api.ErrFenced):
			logger.Warn("Fenced from group, rejoining", zap.Error(err))
			c.fence(err)
			continue
		case api.IsCoordinatorError(err):
			logger.Info("Group coordinator unavailable, rediscovering", zap.Error(err))
			c.forgetCoordinator()
		case api.IsRetriable(err):
			logger.Warn("Group session failed, retrying", zap.Error(err))
		default:
			c.revoke()
			c.setPhase(api.Unjoined)
			return fmt.Errorf("consumer group %s: %w", c.config.GroupID, err)
		}
		c.revoke()
		c.setPhase(api.Unjoined)
		_ = retry.Sleep(ctx, backoff.Backoff())
	}
}

// session runs a single membership generation: join, sync, seed cursors,
// then heartbeat until something ends it
func (c *coordinator) session(ctx context.Context, backoff *retry.Exponential) error {
	addr, err := c.coordinatorAddr(ctx)
	if err != nil {
		return err
	}

	c.setPhase(api.Joining)
	join, err := c.join(ctx, addr)
	if err != nil {
		return err
	}
	assignment, err := c.sync(ctx, addr, join)
	if err != nil {
		return err
	}
	table, err := c.seed(ctx, addr, assignment)
	if err != nil {
		return err
	}
	c.cursors.assign(table)

	c.mu.Lock()
	c.state.Phase = api.Stable
	c.state.Assignment = assignment
	state := c.state
	c.mu.Unlock()
	c.config.Metrics.Phase(api.Stable)
	c.config.Metrics.Rebalanced()
	tlog.Get(ctx).Info("Joined consumer group", zap.Object("group", state))
	backoff.Reset()

	return c.heartbeat(ctx, addr)
}

func (c *coordinator) coordinatorAddr(ctx context.Context) (string, error) {
	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()
	if addr != "" {
		return addr, nil
	}

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = c.config.GroupID
	req.CoordinatorType = 0 // group
	kresp, err := c.broker.SendAny(ctx, req)
	if err != nil {
		return "", err
	}
	resp := kresp.(*kmsg.FindCoordinatorResponse)
	if err := api.CheckCode("find coordinator", resp.ErrorCode); err != nil {
		return "", err
	}
	addr = net.JoinHostPort(resp.Host, strconv.Itoa(int(resp.Port)))
	tlog.Get(ctx).Debug("Found group coordinator", zap.String("coordinator", addr))

	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	return addr, nil
}

func (c *coordinator) forgetCoordinator() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = ""
}

func (c *coordinator) join(ctx context.Context, addr string) (*kmsg.JoinGroupResponse, error) {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Topics = c.config.Topics
	metaBytes := meta.AppendTo(nil)

	for {
		c.mu.Lock()
		memberID := c.state.MemberID
		c.mu.Unlock()

		req := kmsg.NewPtrJoinGroupRequest()
		req.Group = c.config.GroupID
		req.SessionTimeoutMillis = int32(c.config.SessionTimeout.Milliseconds())
		req.RebalanceTimeoutMillis = int32(c.config.RebalanceTimeout.Milliseconds())
		req.MemberID = memberID
		req.ProtocolType = protocolType
		for _, a := range c.assignors {
			p := kmsg.NewJoinGroupRequestProtocol()
			p.Name = a.Name()
			p.Metadata = metaBytes
			req.Protocols = append(req.Protocols, p)
		}

		kresp, err := c.broker.Send(ctx, addr, req)
		if err != nil {
			return nil, err
		}
		resp := kresp.(*kmsg.JoinGroupResponse)
		err = api.CheckCode("join group", resp.ErrorCode)
		if errors.Is(err, kerr.MemberIDRequired) {
			c.mu.Lock()
			c.state.MemberID = resp.MemberID
			c.mu.Unlock()
			continue
		}
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.state.MemberID = resp.MemberID
		c.state.Generation = resp.Generation
		c.mu.Unlock()
		return resp, nil
	}
}

func (c *coordinator) sync(ctx context.Context, addr string, join *kmsg.JoinGroupResponse) ([]api.TopicPartition, error) {
	var protocol string
	if join.Protocol != nil {
		protocol = *join.Protocol
	}

	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = c.config.GroupID
	req.Generation = join.Generation
	req.MemberID = join.MemberID
	req.ProtocolType = kmsg.StringPtr(protocolType)
	req.Protocol = kmsg.StringPtr(protocol)

	if join.LeaderID == join.MemberID {
		assignment, err := c.assign(ctx, protocol, join.Members)
		if err != nil {
			return nil, err
		}
		for _, id := range sortedMembers(assignment) {
			ma := kmsg.NewConsumerMemberAssignment()
			for _, group := range groupByTopic(assignment[id]) {
				t := kmsg.NewConsumerMemberAssignmentTopic()
				t.Topic = group.topic
				t.Partitions = group.partitions
				ma.Topics = append(ma.Topics, t)
			}
			ga := kmsg.NewSyncGroupRequestGroupAssignment()
			ga.MemberID = id
			ga.MemberAssignment = ma.AppendTo(nil)
			req.GroupAssignment = append(req.GroupAssignment, ga)
		}
	}

	kresp, err := c.broker.Send(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.SyncGroupResponse)
	if err := api.CheckCode("sync group", resp.ErrorCode); err != nil {
		return nil, err
	}
	if len(resp.MemberAssignment) == 0 {
		return nil, nil
	}

	ma := kmsg.NewConsumerMemberAssignment()
	if err := ma.ReadFrom(resp.MemberAssignment); err != nil {
		return nil, fmt.Errorf("invalid member assignment: %w", err)
	}
	var res []api.TopicPartition
	for _, t := range ma.Topics {
		if !slices.Contains(c.config.Topics, t.Topic) {
			continue
		}
		for _, p := range t.Partitions {
			res = append(res, api.TopicPartition{Topic: t.Topic, Partition: p})
		}
	}
	sortPartitions(res)
	return res, nil
}

func sortedMembers(a Assignment) []string {
	ids := make([]string, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// assign computes the group assignment as the group leader
func (c *coordinator) assign(ctx context.Context, protocol string, joined []kmsg.JoinGroupResponseMember) (Assignment, error) {
	i := slices.IndexFunc(c.assignors, func(a Assignor) bool { return a.Name() == protocol })
	if i < 0 {
		return nil, fmt.Errorf("group chose unsupported assignment protocol %q", protocol)
	}

	var members []Member
	partitions := map[string]int32{}
	for _, m := range joined {
		meta := kmsg.NewConsumerMemberMetadata()
		if err := meta.ReadFrom(m.ProtocolMetadata); err != nil {
			return nil, fmt.Errorf("invalid metadata of member %s: %w", m.MemberID, err)
		}
		members = append(members, Member{ID: m.MemberID, Topics: meta.Topics})
		for _, topic := range meta.Topics {
			if _, ok := partitions[topic]; ok {
				continue
			}
			t, err := c.meta.Resolve(ctx, topic)
			if err != nil {
				return nil, err
			}
			partitions[topic] = int32(len(t.Partitions))
		}
	}

	assignment := c.assignors[i].Assign(members, partitions)
	tlog.Get(ctx).Debug("Computed group assignment", zap.String("protocol", protocol), zap.Int("members", len(members)))
	return assignment, nil
}

// seed positions the cursors of a new assignment at the committed offsets,
// or where the reset policy says for partitions without one
func (c *coordinator) seed(ctx context.Context, addr string, assignment []api.TopicPartition) (map[api.TopicPartition]*cursor, error) {
	table := map[api.TopicPartition]*cursor{}
	if len(assignment) == 0 {
		return table, nil
	}

	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = c.config.GroupID
	for _, group := range groupByTopic(assignment) {
		t := kmsg.NewOffsetFetchRequestTopic()
		t.Topic = group.topic
		t.Partitions = group.partitions
		req.Topics = append(req.Topics, t)
	}
	kresp, err := c.broker.Send(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.OffsetFetchResponse)
	if err := api.CheckCode("offset fetch", resp.ErrorCode); err != nil {
		return nil, err
	}

	committed := map[api.TopicPartition]int64{}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			tp := api.TopicPartition{Topic: t.Topic, Partition: p.Partition}
			if err := api.CheckCode("offset fetch of "+tp.String(), p.ErrorCode); err != nil {
				return nil, err
			}
			if p.Offset >= 0 {
				committed[tp] = p.Offset
			}
		}
	}

	var missing []api.TopicPartition
	for _, tp := range assignment {
		if offset, ok := committed[tp]; ok {
			table[tp] = &cursor{fetch: offset, committed: offset}
		} else {
			missing = append(missing, tp)
		}
	}
	if len(missing) > 0 {
		reset, err := listOffsets(ctx, c.broker, c.meta, missing, c.config.AutoOffsetReset)
		if err != nil {
			return nil, err
		}
		for _, tp := range missing {
			table[tp] = &cursor{fetch: reset[tp], committed: -1}
		}
	}
	return table, nil
}

func (c *coordinator) heartbeat(ctx context.Context, addr string) error {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.fenced:
			if f.generation == c.State().Generation {
				return f.err
			}
			continue
		case <-ticker.C:
		}

		c.mu.Lock()
		req := kmsg.NewPtrHeartbeatRequest()
		req.Group = c.config.GroupID
		req.Generation = c.state.Generation
		req.MemberID = c.state.MemberID
		c.mu.Unlock()

		kresp, err := c.broker.Send(ctx, addr, req)
		if err != nil {
			return err
		}
		err = api.CheckCode("heartbeat", kresp.(*kmsg.HeartbeatResponse).ErrorCode)
		switch {
		case err == nil:
		case errors.Is(err, kerr.RebalanceInProgress):
			c.rebalance(ctx)
			return errRebalance
		default:
			return err
		}
	}
}

// rebalance gives up the assignment after a best-effort commit
func (c *coordinator) rebalance(ctx context.Context) {
	c.setPhase(api.Rebalancing)
	if !c.config.ManualCommit {
		flushCtx, cancel := context.WithTimeout(ctx, c.config.RebalanceFlushTimeout)
		if err := c.commitFetched(flushCtx); err != nil {
			tlog.Get(ctx).Warn("Failed to commit before rebalance", zap.Error(err))
		}
		cancel()
	}
	c.revoke()
}

// fence forgets the generation, and the member id if the coordinator no
// longer knows it. Uncommitted progress is lost: the next assignment starts
// from the committed offsets.
func (c *coordinator) fence(err error) {
	c.mu.Lock()
	c.state.Phase = api.Fenced
	c.state.Generation = -1
	if errors.Is(err, kerr.UnknownMemberID) || errors.Is(err, kerr.FencedInstanceID) {
		c.state.MemberID = ""
	}
	c.state.Assignment = nil
	c.mu.Unlock()
	c.config.Metrics.Phase(api.Fenced)
	c.cursors.revoke()
}

func (c *coordinator) revoke() {
	c.mu.Lock()
	c.state.Assignment = nil
	c.mu.Unlock()
	c.cursors.revoke()
}

// commit commits offsets for assigned partitions. Offsets are the next
// offsets to consume and may not exceed the fetch positions.
func (c *coordinator) commit(ctx context.Context, offsets map[api.TopicPartition]int64) (err error) {
	defer func() {
		c.config.Metrics.Committed(err)
	}()

	c.mu.Lock()
	state, addr := c.state, c.addr
	c.mu.Unlock()
	if (state.Phase != api.Stable && state.Phase != api.Rebalancing) || addr == "" {
		return errNotMember
	}

	tps := sortedKeys(offsets)
	for _, tp := range tps {
		if err := c.cursors.checkCommit(tp, offsets[tp]); err != nil {
			return err
		}
	}

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = c.config.GroupID
	req.Generation = state.Generation
	req.MemberID = state.MemberID
	for _, group := range groupByTopic(tps) {
		t := kmsg.NewOffsetCommitRequestTopic()
		t.Topic = group.topic
		for _, p := range group.partitions {
			rp := kmsg.NewOffsetCommitRequestTopicPartition()
			rp.Partition = p
			rp.Offset = offsets[api.TopicPartition{Topic: group.topic, Partition: p}]
			rp.LeaderEpoch = -1
			t.Partitions = append(t.Partitions, rp)
		}
		req.Topics = append(req.Topics, t)
	}

	kresp, err := c.broker.Send(ctx, addr, req)
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range kresp.(*kmsg.OffsetCommitResponse).Topics {
		for _, p := range t.Partitions {
			tp := api.TopicPartition{Topic: t.Topic, Partition: p.Partition}
			if err := api.CheckCode("commit "+tp.String(), p.ErrorCode); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			c.cursors.committed(tp, offsets[tp])
		}
	}
	if errors.Is(firstErr, api.ErrFenced) {
		c.reportFencing(fencing{generation: state.Generation, err: firstErr})
	}
	return firstErr
}

// reportFencing hands fencing over to the heartbeat loop without waiting
func (c *coordinator) reportFencing(f fencing) {
	for {
		select {
		case c.fenced <- f:
			return
		default:
		}
		select {
		case <-c.fenced: // replace an unread report
		default:
		}
	}
}

// commitFetched commits every fetch position ahead of its committed offset
func (c *coordinator) commitFetched(ctx context.Context) error {
	offsets := c.cursors.uncommitted()
	if len(offsets) == 0 {
		return nil
	}
	return c.commit(ctx, offsets)
}

// shutdown commits the fetch positions and leaves the group. It runs after
// ctx is closed, so it works in a reopened context with a bounded wait.
func (c *coordinator) shutdown(ctx context.Context) {
	ctx, cancel := tcontext.ReopenWithTimeout(ctx, c.config.RebalanceFlushTimeout)
	defer cancel()
	logger := tlog.Get(ctx)

	c.mu.Lock()
	state, addr := c.state, c.addr
	c.mu.Unlock()

	if !c.config.ManualCommit && state.Phase == api.Stable {
		if err := c.commitFetched(ctx); err != nil {
			logger.Warn("Failed to commit on shutdown", zap.Error(err))
		}
	}
	if state.MemberID != "" && addr != "" {
		m := kmsg.NewLeaveGroupRequestMember()
		m.MemberID = state.MemberID
		req := kmsg.NewPtrLeaveGroupRequest()
		req.Group = c.config.GroupID
		req.Members = append(req.Members, m)
		kresp, err := c.broker.Send(ctx, addr, req)
		if err == nil {
			err = api.CheckCode("leave group", kresp.(*kmsg.LeaveGroupResponse).ErrorCode)
		}
		if err != nil {
			logger.Warn("Failed to leave consumer group", zap.Error(err))
		} else {
			logger.Info("Left consumer group", zap.Object("group", state))
		}
	}

	c.revoke()
	c.mu.Lock()
	c.state.Phase = api.Unjoined
	c.state.Generation = -1
	c.state.MemberID = ""
	c.mu.Unlock()
	c.config.Metrics.Phase(api.Unjoined)
}
