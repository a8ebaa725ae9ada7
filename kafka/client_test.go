package kafka_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ridge/kclient/kafka"
	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/consumer"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/mock"
	"github.com/ridge/kclient/kafka/producer"
	"github.com/ridge/kclient/test"
	"github.com/ridge/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceAndConsume(t *testing.T) {
	ctx := test.ContextWithTimeout(t, 20*time.Second)

	b, err := mock.New(mock.Config{DefaultPartitions: 2})
	require.NoError(t, err)
	group := test.Group(t)
	group.Spawn("broker", parallel.Fail, b.Run)

	m := metrics.New(prometheus.NewRegistry())
	client, err := kafka.New("kafka://"+b.Addr(), kafka.Config{Metrics: m})
	require.NoError(t, err)
	defer client.Close()

	p, err := client.NewProducer(ctx, producer.Config{})
	require.NoError(t, err)
	for _, v := range []string{"a", "b", "c", "d"} {
		o, err := p.ProduceSync(ctx, kafka.ProducerRecord{Topic: "orders", Record: kafka.Record{Key: []byte("k"), Value: []byte(v)}})
		require.NoError(t, err)
		require.NoError(t, o.Err)
	}
	require.NoError(t, p.Close(ctx))

	c, err := client.NewConsumer(consumer.Config{
		GroupID:         kafka.DefaultGroupID("orders"),
		Topics:          []string{"orders"},
		AutoOffsetReset: api.ResetEarliest,
	})
	require.NoError(t, err)
	consumerGroup := parallel.NewGroup(ctx)
	consumerGroup.Spawn("consumer", parallel.Fail, c.Run)
	defer func() {
		consumerGroup.Exit(nil)
		if err := consumerGroup.Wait(); !errors.Is(err, context.Canceled) {
			require.NoError(t, err)
		}
	}()

	var values []string
	for len(values) < 4 {
		records, err := c.Poll(ctx, time.Second)
		require.NoError(t, err)
		for _, r := range records {
			values = append(values, string(r.Value))
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, values, "same key, same partition, same order")

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsProduced))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RecordsConsumed))
}
