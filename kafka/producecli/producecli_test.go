package producecli

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/mock"
	"github.com/ridge/kclient/run"
	"github.com/ridge/kclient/test"
	"github.com/ridge/kclient/tnet"
	"github.com/ridge/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, config mock.Config) *mock.Broker {
	b, err := mock.New(config)
	require.NoError(t, err)
	group := test.Group(t)
	group.Spawn("broker", parallel.Fail, b.Run)
	return b
}

func TestTooFewArgumentsDoesNotDial(t *testing.T) {
	ctx := test.Context(t)
	ln, err := tnet.Listen("localhost:0")
	require.NoError(t, err)
	defer ln.Close()

	for _, args := range [][]string{
		{ln.Addr().String()},
		{ln.Addr().String(), "orders"},
	} {
		err := Run(ctx, args)
		require.Error(t, err)
		assert.Equal(t, run.ExitBadArguments, run.ExitCode(err))
	}

	require.NoError(t, ln.(*net.TCPListener).SetDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = ln.Accept()
	require.Error(t, err, "nothing should have connected")
}

func TestBadArguments(t *testing.T) {
	ctx := test.Context(t)
	for name, args := range map[string][]string{
		"bootstrap":   {"not-a-broker", "orders", "a"},
		"acks":        {"--acks=some", "localhost:9092", "orders", "a"},
		"compression": {"--compression=brotli", "localhost:9092", "orders", "a"},
		"partitioner": {"--partitioner=md5", "localhost:9092", "orders", "a"},
		"flag":        {"--no-such-flag", "localhost:9092", "orders", "a"},
		"config":      {"--config=/nonexistent.yaml", "localhost:9092", "orders", "a"},
	} {
		err := Run(ctx, args)
		assert.Equal(t, run.ExitBadArguments, run.ExitCode(err), name)
	}
}

func TestProduceMessages(t *testing.T) {
	ctx := test.ContextWithTimeout(t, 10*time.Second)
	b := startBroker(t, mock.Config{})
	b.CreateTopic("orders", 1)

	require.NoError(t, Run(ctx, []string{b.Addr(), "orders", "a", "b"}))

	records := b.Records(api.TopicPartition{Topic: "orders", Partition: 0})
	require.Len(t, records, 2)
	assert.Equal(t, int64(0), records[0].Offset)
	assert.Equal(t, "a", string(records[0].Value))
	assert.Equal(t, int64(1), records[1].Offset)
	assert.Equal(t, "b", string(records[1].Value))
	assert.Nil(t, records[0].Key)
}

func TestProduceWithConfigFile(t *testing.T) {
	ctx := test.ContextWithTimeout(t, 10*time.Second)
	b := startBroker(t, mock.Config{DefaultPartitions: 3})

	path := filepath.Join(t.TempDir(), "kproduce.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_id: test\nproducer:\n  key: user-1\n  compression: gzip\n"), 0o600))

	// the flag overrides the file
	require.NoError(t, Run(ctx, []string{"--config", path, "--compression=lz4", b.Addr(), "orders", "a", "b", "c"}))

	var total int
	for p := int32(0); p < 3; p++ {
		records := b.Records(api.TopicPartition{Topic: "orders", Partition: p})
		if len(records) == 0 {
			continue
		}
		require.Len(t, records, 3, "keyed records share a partition")
		for _, r := range records {
			assert.Equal(t, "user-1", string(r.Key))
		}
		total += len(records)
	}
	assert.Equal(t, 3, total)
}

func TestBrokerUnreachable(t *testing.T) {
	ctx := test.ContextWithTimeout(t, 10*time.Second)
	ln, err := tnet.Listen("localhost:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = Run(ctx, []string{"--dial-attempts=2", addr, "orders", "a"})
	require.Error(t, err)
	assert.Equal(t, 1, run.ExitCode(err))
}
