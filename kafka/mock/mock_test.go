package mock_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/mock"
	"github.com/ridge/kclient/kafka/transport"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/test"
	"github.com/ridge/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T, config mock.Config) (*mock.Broker, *transport.Transport) {
	b, err := mock.New(config)
	require.NoError(t, err)
	group := test.Group(t)
	group.Spawn("broker", parallel.Fail, b.Run)

	tr := transport.New([]string{b.Addr()}, transport.Config{ClientID: "test"})
	t.Cleanup(tr.CloseAll)
	return b, tr
}

func TestMetadataAutoCreate(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{DefaultPartitions: 3})

	req := kmsg.NewPtrMetadataRequest()
	rt := kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr("orders")
	req.Topics = append(req.Topics, rt)
	req.AllowAutoTopicCreation = true

	resp, err := tr.SendAny(ctx, req)
	require.NoError(t, err)
	md := resp.(*kmsg.MetadataResponse)
	require.Len(t, md.Brokers, 1)
	assert.Equal(t, b.Addr(), md.Brokers[0].Host+":"+itoa(md.Brokers[0].Port))
	require.Len(t, md.Topics, 1)
	assert.Zero(t, md.Topics[0].ErrorCode)
	assert.Len(t, md.Topics[0].Partitions, 3)
}

func TestMetadataUnknownTopic(t *testing.T) {
	ctx := test.Context(t)
	_, tr := start(t, mock.Config{DisableAutoCreate: true})

	req := kmsg.NewPtrMetadataRequest()
	rt := kmsg.NewMetadataRequestTopic()
	rt.Topic = kmsg.StringPtr("missing")
	req.Topics = append(req.Topics, rt)

	resp, err := tr.SendAny(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, kerr.UnknownTopicOrPartition.Code, resp.(*kmsg.MetadataResponse).Topics[0].ErrorCode)
}

func produceRequest(t *testing.T, tp api.TopicPartition, values ...string) *kmsg.ProduceRequest {
	var records []api.Record
	for _, v := range values {
		records = append(records, api.Record{Value: []byte(v)})
	}
	raw, err := wire.AppendBatch(nil, wire.BatchSpec{Timestamp: time.Now(), Records: records})
	require.NoError(t, err)

	req := kmsg.NewPtrProduceRequest()
	req.Acks = -1
	req.TimeoutMillis = 5000
	rt := kmsg.NewProduceRequestTopic()
	rt.Topic = tp.Topic
	rp := kmsg.NewProduceRequestTopicPartition()
	rp.Partition = tp.Partition
	rp.Records = raw
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	return req
}

func TestProduceAssignsOffsets(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.CreateTopic(tp.Topic, 1)

	for i, base := range []int64{0, 2} {
		resp, err := tr.Send(ctx, b.Addr(), produceRequest(t, tp, "a", "b"))
		require.NoError(t, err, "request %d", i)
		p := resp.(*kmsg.ProduceResponse).Topics[0].Partitions[0]
		assert.Zero(t, p.ErrorCode)
		assert.Equal(t, base, p.BaseOffset)
	}

	records := b.Records(tp)
	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, int64(i), r.Offset)
	}
	assert.Equal(t, "b", string(records[3].Value))
}

func TestProduceInjectedFault(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.CreateTopic(tp.Topic, 1)
	b.FailNext(kmsg.Produce.Int16(), kerr.NotLeaderForPartition.Code, 1)

	resp, err := tr.Send(ctx, b.Addr(), produceRequest(t, tp, "a"))
	require.NoError(t, err)
	assert.Equal(t, kerr.NotLeaderForPartition.Code, resp.(*kmsg.ProduceResponse).Topics[0].Partitions[0].ErrorCode)
	assert.Empty(t, b.Records(tp))

	resp, err = tr.Send(ctx, b.Addr(), produceRequest(t, tp, "a"))
	require.NoError(t, err)
	assert.Zero(t, resp.(*kmsg.ProduceResponse).Topics[0].Partitions[0].ErrorCode)
	assert.Len(t, b.Records(tp), 1)
}

func fetchRequest(tp api.TopicPartition, offset int64, maxWait time.Duration) *kmsg.FetchRequest {
	req := kmsg.NewPtrFetchRequest()
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(maxWait / time.Millisecond)
	req.MinBytes = 1
	req.MaxBytes = 1 << 20
	rt := kmsg.NewFetchRequestTopic()
	rt.Topic = tp.Topic
	rp := kmsg.NewFetchRequestTopicPartition()
	rp.Partition = tp.Partition
	rp.FetchOffset = offset
	rp.PartitionMaxBytes = 1 << 20
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	return req
}

func TestFetch(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.Append(tp, api.Record{Value: []byte("a")}, api.Record{Value: []byte("b")}, api.Record{Value: []byte("c")})

	resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 1, time.Second))
	require.NoError(t, err)
	p := resp.(*kmsg.FetchResponse).Topics[0].Partitions[0]
	require.Zero(t, p.ErrorCode)
	assert.Equal(t, int64(3), p.HighWatermark)

	decoded, err := wire.DecodeBatches(p.RecordBatches)
	require.NoError(t, err)
	require.Len(t, decoded.Records, 2)
	assert.Equal(t, int64(1), decoded.Records[0].Offset)
	assert.Equal(t, "b", string(decoded.Records[0].Value))
	assert.Equal(t, int64(2), decoded.Records[1].Offset)
	assert.Equal(t, int64(3), decoded.NextOffset)
}

func TestFetchOutOfRange(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.Append(tp, api.Record{Value: []byte("a")})

	resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 5, time.Second))
	require.NoError(t, err)
	assert.Equal(t, kerr.OffsetOutOfRange.Code, resp.(*kmsg.FetchResponse).Topics[0].Partitions[0].ErrorCode)
}

func TestFetchWaitsForData(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.CreateTopic(tp.Topic, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Append(tp, api.Record{Value: []byte("late")})
	}()

	resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 0, 5*time.Second))
	require.NoError(t, err)
	decoded, err := wire.DecodeBatches(resp.(*kmsg.FetchResponse).Topics[0].Partitions[0].RecordBatches)
	require.NoError(t, err)
	require.Len(t, decoded.Records, 1)
	assert.Equal(t, "late", string(decoded.Records[0].Value))
}

func TestFetchTimesOutEmpty(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.CreateTopic(tp.Topic, 1)

	started := time.Now()
	resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 0, 50*time.Millisecond))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
	assert.Empty(t, resp.(*kmsg.FetchResponse).Topics[0].Partitions[0].RecordBatches)
}

func TestListOffsets(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.Append(tp, api.Record{Value: []byte("a")}, api.Record{Value: []byte("b")})

	for reset, expected := range map[api.OffsetReset]int64{api.ResetEarliest: 0, api.ResetLatest: 2} {
		req := kmsg.NewPtrListOffsetsRequest()
		req.ReplicaID = -1
		rt := kmsg.NewListOffsetsRequestTopic()
		rt.Topic = tp.Topic
		rp := kmsg.NewListOffsetsRequestTopicPartition()
		rp.Partition = tp.Partition
		rp.Timestamp = reset.Timestamp()
		rt.Partitions = append(rt.Partitions, rp)
		req.Topics = append(req.Topics, rt)

		resp, err := tr.Send(ctx, b.Addr(), req)
		require.NoError(t, err)
		p := resp.(*kmsg.ListOffsetsResponse).Topics[0].Partitions[0]
		assert.Zero(t, p.ErrorCode)
		assert.Equal(t, expected, p.Offset, "reset %s", reset)
	}
}

func TestOffsetCommitAndFetch(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}

	fetch := func() int64 {
		req := kmsg.NewPtrOffsetFetchRequest()
		req.Group = "g"
		rt := kmsg.NewOffsetFetchRequestTopic()
		rt.Topic = tp.Topic
		rt.Partitions = []int32{tp.Partition}
		req.Topics = append(req.Topics, rt)
		resp, err := tr.Send(ctx, b.Addr(), req)
		require.NoError(t, err)
		r := resp.(*kmsg.OffsetFetchResponse)
		require.Zero(t, r.ErrorCode)
		return r.Topics[0].Partitions[0].Offset
	}
	assert.Equal(t, int64(-1), fetch())

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = "g"
	req.Generation = -1
	rt := kmsg.NewOffsetCommitRequestTopic()
	rt.Topic = tp.Topic
	rp := kmsg.NewOffsetCommitRequestTopicPartition()
	rp.Partition = tp.Partition
	rp.Offset = 42
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)
	resp, err := tr.Send(ctx, b.Addr(), req)
	require.NoError(t, err)
	assert.Zero(t, resp.(*kmsg.OffsetCommitResponse).Topics[0].Partitions[0].ErrorCode)

	assert.Equal(t, int64(42), fetch())
	offset, ok := b.Committed("g", tp)
	assert.True(t, ok)
	assert.Equal(t, int64(42), offset)
}

func TestDropConnections(t *testing.T) {
	ctx := test.Context(t)
	b, tr := start(t, mock.Config{})
	tp := api.TopicPartition{Topic: "orders", Partition: 0}
	b.CreateTopic(tp.Topic, 1)

	type result struct {
		resp kmsg.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 0, 10*time.Second))
		done <- result{resp, err}
	}()

	require.Eventually(t, func() bool {
		b.DropConnections()
		return len(done) > 0
	}, 5*time.Second, 20*time.Millisecond)
	r := <-done
	require.ErrorIs(t, r.err, api.ErrConnectionLost)
	assert.Nil(t, r.resp)

	// The next request reconnects
	resp, err := tr.Send(ctx, b.Addr(), fetchRequest(tp, 0, 10*time.Millisecond))
	require.NoError(t, err)
	assert.Zero(t, resp.(*kmsg.FetchResponse).Topics[0].Partitions[0].ErrorCode)
}

func itoa(port int32) string {
	return strconv.Itoa(int(port))
}
