// Package mock is an in-memory single-node Kafka broker speaking the binary
// protocol on a local TCP port. It supports the requests used by the client:
// metadata, produce, fetch, list offsets, offset commit and fetch, and the
// consumer group protocol.
package mock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/kclient/tnet"
	"github.com/ridge/parallel"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

// nodeID is the id of the only broker
const nodeID = 0

// Config is the mock broker configuration
type Config struct {
	// DefaultPartitions is the partition count of auto-created topics
	DefaultPartitions int32

	// DisableAutoCreate makes metadata requests for unknown topics fail
	// instead of creating them
	DisableAutoCreate bool

	// JoinTimeout is how long a group rebalance waits for known members
	// to rejoin before evicting them
	JoinTimeout time.Duration
}

type message struct {
	api.Record
	ts time.Time
}

type partition struct {
	data []message
}

type topic struct {
	partitions []*partition
}

// Broker is the in-memory broker
type Broker struct {
	config Config
	ln     net.Listener
	host   string
	port   int32

	mu     sync.Mutex
	topics map[string]*topic
	groups map[string]*group
	more   chan struct{} // closed and replaced on every write
	faults map[int16][]int16
	conns  map[net.Conn]bool
}

// New creates a broker listening on a random local port. Requests are served
// while Run is running.
func New(config Config) (*Broker, error) {
	if config.DefaultPartitions == 0 {
		config.DefaultPartitions = 1
	}
	if config.JoinTimeout == 0 {
		config.JoinTimeout = time.Second
	}

	ln, err := tnet.Listen("localhost:0")
	if err != nil {
		return nil, err
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &Broker{
		config: config,
		ln:     ln,
		host:   host,
		port:   int32(p),
		topics: map[string]*topic{},
		groups: map[string]*group{},
		more:   make(chan struct{}),
		faults: map[int16][]int16{},
		conns:  map[net.Conn]bool{},
	}, nil
}

// Addr returns the host:port the broker listens on
func (b *Broker) Addr() string {
	return net.JoinHostPort(b.host, strconv.Itoa(int(b.port)))
}

// Run serves connections until ctx is closed
func (b *Broker) Run(ctx context.Context) error {
	ctx = tlog.With(ctx, zap.String("mockBroker", b.Addr()))
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			_ = b.ln.Close()
			b.DropConnections()
			return ctx.Err()
		})
		spawn("acceptor", parallel.Fail, func(ctx context.Context) error {
			for {
				conn, err := b.ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return err
				}
				b.track(conn)
				spawn("conn", parallel.Continue, func(ctx context.Context) error {
					defer b.untrack(conn)
					b.serve(tlog.With(ctx, zap.Stringer("client", conn.RemoteAddr())), conn)
					return nil
				})
			}
		})
		return nil
	})
}

func (b *Broker) track(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = true
}

func (b *Broker) untrack(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

// DropConnections closes every client connection, as a broker restart would
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.Close()
		delete(b.conns, conn)
	}
}

// FailNext makes the next n requests with the given key fail with code
func (b *Broker) FailNext(key int16, code int16, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.faults[key] = append(b.faults[key], code)
	}
}

// fault pops the injected error code for a request key, 0 if none. Must be
// called with b.mu held.
func (b *Broker) fault(key int16) int16 {
	codes := b.faults[key]
	if len(codes) == 0 {
		return 0
	}
	b.faults[key] = codes[1:]
	return codes[0]
}

// notify wakes up waiting fetches. Must be called with b.mu held.
func (b *Broker) notify() {
	close(b.more)
	b.more = make(chan struct{})
}

// serve handles the requests of one connection concurrently; responses are
// written as they become ready
func (b *Broker) serve(ctx context.Context, conn net.Conn) {
	logger := tlog.Get(ctx)
	var writeMu sync.Mutex

	_ = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			return conn.Close()
		})
		spawn("reader", parallel.Exit, func(ctx context.Context) error {
			r := bufio.NewReader(conn)
			for {
				body, err := wire.ReadFrame(r)
				if err != nil {
					return nil
				}
				req, hdr, err := wire.DecodeRequest(body)
				if err != nil {
					logger.Warn("Dropping client sending an invalid request", zap.Error(err))
					return nil
				}
				spawn("request", parallel.Continue, func(ctx context.Context) error {
					resp, err := b.handle(ctx, req, hdr)
					if err != nil {
						if ctx.Err() == nil {
							logger.Warn("Failed to handle request", zap.Int16("key", req.Key()), zap.Error(err))
							_ = conn.Close()
						}
						return nil
					}
					if resp == nil {
						return nil
					}
					buf := wire.AppendResponse(nil, resp, hdr.CorrelationID)
					writeMu.Lock()
					defer writeMu.Unlock()
					if _, err := conn.Write(buf); err != nil {
						_ = conn.Close()
					}
					return nil
				})
			}
		})
		return nil
	})
}

func (b *Broker) handle(ctx context.Context, req kmsg.Request, hdr wire.RequestHeader) (kmsg.Response, error) {
	switch r := req.(type) {
	case *kmsg.MetadataRequest:
		return b.metadata(r), nil
	case *kmsg.FindCoordinatorRequest:
		return b.findCoordinator(r), nil
	case *kmsg.ProduceRequest:
		return b.produce(r)
	case *kmsg.FetchRequest:
		return b.fetch(ctx, r)
	case *kmsg.ListOffsetsRequest:
		return b.listOffsets(r), nil
	case *kmsg.OffsetCommitRequest:
		return b.offsetCommit(r), nil
	case *kmsg.OffsetFetchRequest:
		return b.offsetFetch(r), nil
	case *kmsg.JoinGroupRequest:
		return b.joinGroup(ctx, r, hdr.ClientID)
	case *kmsg.SyncGroupRequest:
		return b.syncGroup(ctx, r)
	case *kmsg.HeartbeatRequest:
		return b.heartbeat(r), nil
	case *kmsg.LeaveGroupRequest:
		return b.leaveGroup(r), nil
	default:
		return nil, fmt.Errorf("unsupported request key %d", req.Key())
	}
}

// CreateTopic creates a topic with the given number of partitions. Creating
// an existing topic is a no-op.
func (b *Broker) CreateTopic(name string, partitions int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createTopic(name, partitions)
}

// createTopic must be called with b.mu held
func (b *Broker) createTopic(name string, partitions int32) *topic {
	if t := b.topics[name]; t != nil {
		return t
	}
	t := &topic{}
	for i := int32(0); i < partitions; i++ {
		t.partitions = append(t.partitions, &partition{})
	}
	b.topics[name] = t
	b.notify()
	return t
}

// partition must be called with b.mu held
func (b *Broker) partition(tp api.TopicPartition) *partition {
	t := b.topics[tp.Topic]
	if t == nil || tp.Partition < 0 || int(tp.Partition) >= len(t.partitions) {
		return nil
	}
	return t.partitions[tp.Partition]
}

// Append writes records directly to a partition log, creating the topic if
// needed. Returns the offset of the first record.
func (b *Broker) Append(tp api.TopicPartition, records ...api.Record) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.createTopic(tp.Topic, b.config.DefaultPartitions)
	for int(tp.Partition) >= len(t.partitions) {
		t.partitions = append(t.partitions, &partition{})
	}
	p := t.partitions[tp.Partition]
	base := int64(len(p.data))
	now := time.Now()
	for _, r := range records {
		p.data = append(p.data, message{Record: r, ts: now})
	}
	b.notify()
	return base
}

// Records returns the log of a partition
func (b *Broker) Records(tp api.TopicPartition) []api.ConsumerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.partition(tp)
	if p == nil {
		return nil
	}
	res := make([]api.ConsumerRecord, 0, len(p.data))
	for i, m := range p.data {
		res = append(res, api.ConsumerRecord{Record: m.Record, TopicPartition: tp, Offset: int64(i), Timestamp: m.ts})
	}
	return res
}
