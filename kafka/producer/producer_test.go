package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metadata"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/test"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/goleak"
)

const testTimeout = 10 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMetadata struct {
	mu            sync.Mutex
	partitions    int
	version       uint64
	invalidations int
}

func (m *fakeMetadata) Resolve(ctx context.Context, topic string) (*metadata.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &metadata.Topic{Name: topic}
	for i := 0; i < m.partitions; i++ {
		t.Partitions = append(t.Partitions, metadata.Partition{ID: int32(i), Leader: 1, LeaderAddr: "broker:9092"})
	}
	return t, nil
}

func (m *fakeMetadata) Leader(ctx context.Context, tp api.TopicPartition) (string, error) {
	return "broker:9092", nil
}

func (m *fakeMetadata) Invalidate(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations++
}

func (m *fakeMetadata) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// fakeBroker appends produced batches to in-memory partition logs. Queued
// error codes are returned, one per request, before anything is stored.
type fakeBroker struct {
	mu       sync.Mutex
	logs     map[api.TopicPartition][]wire.FetchedRecord
	errs     []int16
	requests int
	block    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{logs: map[api.TopicPartition][]wire.FetchedRecord{}}
}

func (b *fakeBroker) Send(ctx context.Context, addr string, kreq kmsg.Request) (kmsg.Response, error) {
	req := kreq.(*kmsg.ProduceRequest)

	b.mu.Lock()
	b.requests++
	block := b.block
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	resp := kmsg.NewPtrProduceResponse()
	for _, rt := range req.Topics {
		st := kmsg.NewProduceResponseTopic()
		st.Topic = rt.Topic
		for _, rp := range rt.Partitions {
			sp := kmsg.NewProduceResponseTopicPartition()
			sp.Partition = rp.Partition
			if len(b.errs) > 0 {
				sp.ErrorCode = b.errs[0]
				b.errs = b.errs[1:]
			} else {
				decoded, err := wire.DecodeBatches(rp.Records)
				if err != nil {
					return nil, err
				}
				tp := api.TopicPartition{Topic: rt.Topic, Partition: rp.Partition}
				sp.BaseOffset = int64(len(b.logs[tp]))
				for i, r := range decoded.Records {
					r.Offset = sp.BaseOffset + int64(i)
					b.logs[tp] = append(b.logs[tp], r)
				}
			}
			st.Partitions = append(st.Partitions, sp)
		}
		resp.Topics = append(resp.Topics, st)
	}
	if req.Acks == 0 {
		return nil, nil
	}
	return resp, nil
}

func (b *fakeBroker) values(tp api.TopicPartition) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res []string
	for _, r := range b.logs[tp] {
		res = append(res, string(r.Value))
	}
	return res
}

func (b *fakeBroker) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

type testEnv struct {
	ctx      context.Context
	broker   *fakeBroker
	meta     *fakeMetadata
	metrics  *metrics.Metrics
	producer *Producer
}

func newTestEnv(t *testing.T, partitions int, config Config) *testEnv {
	ctx := test.ContextWithTimeout(t, testTimeout)
	env := &testEnv{
		ctx:     ctx,
		broker:  newFakeBroker(),
		meta:    &fakeMetadata{partitions: partitions},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	config.Metrics = env.metrics
	p, err := New(ctx, config, env.broker, env.meta)
	require.NoError(t, err)
	env.producer = p
	t.Cleanup(func() {
		require.NoError(t, p.Close(ctx))
	})
	return env
}

func record(topic, value string) api.ProducerRecord {
	return api.ProducerRecord{Topic: topic, Record: api.Record{Value: []byte(value)}}
}

func waitAll(t *testing.T, ctx context.Context, deliveries []*Delivery) []api.Outcome {
	var res []api.Outcome
	for _, d := range deliveries {
		o, err := d.Wait(ctx)
		require.NoError(t, err)
		res = append(res, o)
	}
	return res
}

func TestProduceOrderAndOffsets(t *testing.T) {
	env := newTestEnv(t, 1, Config{})

	var deliveries []*Delivery
	var expected []string
	for i := 0; i < 10; i++ {
		v := fmt.Sprintf("m%d", i)
		expected = append(expected, v)
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", v)))
	}
	require.NoError(t, env.producer.Flush(env.ctx))

	for i, o := range waitAll(t, env.ctx, deliveries) {
		require.NoError(t, o.Err)
		require.Equal(t, int64(i), o.Offset)
		require.Equal(t, api.TopicPartition{Topic: "orders", Partition: 0}, o.TopicPartition)
		require.Equal(t, expected[i], string(o.Record.Value))
	}
	require.Equal(t, expected, env.broker.values(api.TopicPartition{Topic: "orders"}))
	require.Equal(t, 10.0, testutil.ToFloat64(env.metrics.RecordsProduced))
}

func TestKeyedRecordsStick(t *testing.T) {
	env := newTestEnv(t, 8, Config{})

	var deliveries []*Delivery
	for i := 0; i < 5; i++ {
		rec := record("orders", fmt.Sprintf("m%d", i))
		rec.Key = []byte("customer-42")
		deliveries = append(deliveries, env.producer.Produce(env.ctx, rec))
	}
	outcomes := waitAll(t, env.ctx, deliveries)
	for i, o := range outcomes {
		require.NoError(t, o.Err)
		require.Equal(t, outcomes[0].Partition, o.Partition)
		require.Equal(t, int64(i), o.Offset)
	}
}

func TestRoundRobinKeyless(t *testing.T) {
	env := newTestEnv(t, 3, Config{})

	var deliveries []*Delivery
	for i := 0; i < 6; i++ {
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", fmt.Sprintf("m%d", i))))
	}
	var partitions []int32
	for _, o := range waitAll(t, env.ctx, deliveries) {
		require.NoError(t, o.Err)
		partitions = append(partitions, o.Partition)
	}
	require.Equal(t, []int32{0, 1, 2, 0, 1, 2}, partitions)
}

func TestExplicitPartition(t *testing.T) {
	env := newTestEnv(t, 3, Config{})

	rec := record("orders", "x")
	rec.Partition = api.PartitionPtr(2)
	o, err := env.producer.ProduceSync(env.ctx, rec)
	require.NoError(t, err)
	require.NoError(t, o.Err)
	require.Equal(t, int32(2), o.Partition)

	rec.Partition = api.PartitionPtr(3)
	o, err = env.producer.ProduceSync(env.ctx, rec)
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, api.ErrInvalidPartition)
	require.Zero(t, env.broker.values(api.TopicPartition{Topic: "orders", Partition: 3}))
}

func TestRetryPreservesOrder(t *testing.T) {
	env := newTestEnv(t, 1, Config{MaxBatchRecords: 2, RetryBackoff: time.Millisecond})
	env.broker.errs = []int16{kerr.NotLeaderForPartition.Code, kerr.RequestTimedOut.Code}

	var deliveries []*Delivery
	for i := 0; i < 6; i++ {
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", fmt.Sprintf("m%d", i))))
	}
	for i, o := range waitAll(t, env.ctx, deliveries) {
		require.NoError(t, o.Err)
		require.Equal(t, int64(i), o.Offset)
	}
	require.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, env.broker.values(api.TopicPartition{Topic: "orders"}))
	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.ProduceRetries))
	require.Equal(t, 1, env.meta.invalidations)
}

func TestRetriesExhausted(t *testing.T) {
	env := newTestEnv(t, 1, Config{MaxRetries: 2, RetryBackoff: time.Millisecond})
	env.broker.errs = []int16{
		kerr.NotLeaderForPartition.Code,
		kerr.NotLeaderForPartition.Code,
		kerr.NotLeaderForPartition.Code,
	}

	o, err := env.producer.ProduceSync(env.ctx, record("orders", "x"))
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, kerr.NotLeaderForPartition)
	require.Equal(t, int64(-1), o.Offset)
	require.Equal(t, 3, env.broker.requestCount())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RecordsFailed))
}

func TestNonRetriableError(t *testing.T) {
	env := newTestEnv(t, 1, Config{RetryBackoff: time.Millisecond})
	env.broker.errs = []int16{kerr.MessageTooLarge.Code}

	o, err := env.producer.ProduceSync(env.ctx, record("orders", "x"))
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, kerr.MessageTooLarge)
	require.Equal(t, 1, env.broker.requestCount())
}

func TestBatchSealsOnRecordCount(t *testing.T) {
	env := newTestEnv(t, 1, Config{MaxBatchRecords: 3, Linger: time.Hour})

	var deliveries []*Delivery
	for i := 0; i < 3; i++ {
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", "x")))
	}
	for _, o := range waitAll(t, env.ctx, deliveries) {
		require.NoError(t, o.Err)
	}
	require.Equal(t, 1, env.broker.requestCount())
}

func TestBatchSealsOnSize(t *testing.T) {
	env := newTestEnv(t, 1, Config{MaxBatchBytes: 1024, Linger: time.Hour})

	value := string(make([]byte, 400))
	var deliveries []*Delivery
	for i := 0; i < 5; i++ {
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", value)))
	}
	// the first four records fill two batches, the fifth waits in an open one
	for _, o := range waitAll(t, env.ctx, deliveries[:4]) {
		require.NoError(t, o.Err)
	}
	require.Equal(t, 2, env.broker.requestCount())

	select {
	case <-deliveries[4].Done():
		t.Fatal("record in an open batch was delivered")
	default:
	}
	require.NoError(t, env.producer.Flush(env.ctx))
	require.NoError(t, deliveries[4].Outcome().Err)
}

func TestLingerSeals(t *testing.T) {
	env := newTestEnv(t, 1, Config{Linger: 10 * time.Millisecond})

	d := env.producer.Produce(env.ctx, record("orders", "x"))
	o, err := d.Wait(env.ctx)
	require.NoError(t, err)
	require.NoError(t, o.Err)
	require.Equal(t, int64(0), o.Offset)
}

func TestAcksNone(t *testing.T) {
	env := newTestEnv(t, 1, Config{Acks: AcksNone})

	o, err := env.producer.ProduceSync(env.ctx, record("orders", "x"))
	require.NoError(t, err)
	require.NoError(t, o.Err)
	require.Equal(t, int64(-1), o.Offset)
	require.Equal(t, []string{"x"}, env.broker.values(api.TopicPartition{Topic: "orders"}))
}

func TestRecordTooLarge(t *testing.T) {
	env := newTestEnv(t, 1, Config{MaxRecordBytes: 100})

	o, err := env.producer.ProduceSync(env.ctx, record("orders", string(make([]byte, 200))))
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, api.ErrRecordTooLarge)
	require.Zero(t, env.broker.requestCount())
}

func TestInvalidTopic(t *testing.T) {
	env := newTestEnv(t, 1, Config{})

	o, err := env.producer.ProduceSync(env.ctx, record("bad topic", "x"))
	require.NoError(t, err)
	require.Error(t, o.Err)
	require.Zero(t, env.broker.requestCount())
}

func TestProduceAfterClose(t *testing.T) {
	env := newTestEnv(t, 1, Config{})
	require.NoError(t, env.producer.Close(env.ctx))

	o, err := env.producer.ProduceSync(env.ctx, record("orders", "x"))
	require.NoError(t, err)
	require.ErrorIs(t, o.Err, api.ErrProducerClosed)
}

func TestCloseResolvesPending(t *testing.T) {
	env := newTestEnv(t, 2, Config{})
	env.broker.block = true

	var deliveries []*Delivery
	for i := 0; i < 4; i++ {
		deliveries = append(deliveries, env.producer.Produce(env.ctx, record("orders", "x")))
	}

	ctx, cancel := context.WithTimeout(env.ctx, 50*time.Millisecond)
	defer cancel()
	err := env.producer.Close(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	for _, d := range deliveries {
		select {
		case <-d.Done():
		default:
			t.Fatal("delivery left unresolved after close")
		}
		require.ErrorIs(t, d.Outcome().Err, api.ErrProducerClosed)
	}
	require.Equal(t, 4.0, testutil.ToFloat64(env.metrics.RecordsFailed))
}

func TestDeliveryResolvesOnce(t *testing.T) {
	var calls int
	d := newDelivery(record("orders", "x"), func(api.Outcome) { calls++ })
	tp := api.TopicPartition{Topic: "orders"}
	d.resolve(api.Outcome{TopicPartition: tp, Offset: 7})
	d.fail(tp, errors.New("late failure"))

	require.Equal(t, 1, calls)
	require.NoError(t, d.Outcome().Err)
	require.Equal(t, int64(7), d.Outcome().Offset)
	require.Equal(t, "x", string(d.Outcome().Record.Value))
}
