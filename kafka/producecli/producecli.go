// Package producecli implements kproduce, which sends its arguments as
// records to a topic.
package producecli

import (
	"context"
	"fmt"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/cli"
	"github.com/ridge/kclient/kafka/compress"
	"github.com/ridge/kclient/kafka/producer"
	"github.com/ridge/kclient/run"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var command = cli.Command{
	Name:  "kproduce",
	Usage: "kproduce [flags] <bootstrap_endpoints> <topic> <message>...",
	Flags: func(fs *pflag.FlagSet, opts *cli.Options) {
		p := &opts.Producer
		fs.StringVar(&p.Acks, "acks", p.Acks, "Acknowledgements to wait for (all|leader|none)")
		fs.StringVar(&p.Compression, "compression", p.Compression, "Record batch compression (none|gzip|snappy|lz4|zstd)")
		fs.StringVar(&p.Partitioner, "partitioner", p.Partitioner, "Key hash choosing the partition (crc32|murmur2|fnv1a)")
		fs.StringVar(&p.Key, "key", p.Key, "Key of every message; keyless messages are spread round-robin")
		fs.DurationVar(&p.Linger, "linger", p.Linger, "How long a batch waits for more records")
	},
}

// Main handles the command line and runs the producer
func Main(args []string) {
	run.Tool(func(ctx context.Context) error {
		return Run(ctx, args[1:])
	})
}

// Run sends the messages given on the command line and reports the status
// of each. It fails unless every message is persisted.
func Run(ctx context.Context, args []string) error {
	opts, args, err := command.Parse(args)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return command.BadArguments("at least 3 arguments expected, got %d", len(args))
	}
	config, err := producerConfig(opts.Producer)
	if err != nil {
		return err
	}
	stack, err := cli.NewStack(args[0], opts)
	if err != nil {
		return err
	}
	defer stack.Close()

	topic, messages := args[1], args[2:]
	ctx = tlog.With(ctx, zap.String("topic", topic))
	logger := tlog.Get(ctx)
	logger.Info("Sending messages", zap.Strings("bootstrap", stack.Bootstrap()), zap.Int("messages", len(messages)), zap.String("clientID", opts.ClientID))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if err := stack.ServeTelemetry(ctx, spawn, opts.MetricsListen, nil); err != nil {
			return err
		}
		spawn("produce", parallel.Exit, func(ctx context.Context) error {
			return produce(ctx, config, stack, topic, opts.Producer.Key, messages)
		})
		return nil
	})
}

func produce(ctx context.Context, config producer.Config, stack *cli.Stack, topic, key string, messages []string) error {
	logger := tlog.Get(ctx)

	p, err := stack.NewProducer(ctx, config)
	if err != nil {
		return run.BadArguments(err)
	}

	deliveries := make([]*producer.Delivery, 0, len(messages))
	for _, m := range messages {
		rec := api.ProducerRecord{Topic: topic, Record: api.Record{Value: []byte(m)}}
		if key != "" {
			rec.Key = []byte(key)
		}
		deliveries = append(deliveries, p.Produce(ctx, rec))
	}

	failed := 0
	for i, d := range deliveries {
		o, err := d.Wait(ctx)
		if err != nil {
			break // ctx closed, Close below resolves the rest
		}
		if o.Err != nil {
			failed++
			logger.Error("Message not persisted", zap.String("message", messages[i]), zap.String("status", "NotPersisted"), zap.Error(o.Err))
			continue
		}
		logger.Info("Message persisted", zap.String("message", messages[i]), zap.String("status", "Persisted"),
			zap.Int32("partition", o.Partition), zap.Int64("offset", o.Offset))
	}

	if err := p.Close(ctx); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d messages not persisted", failed, len(messages))
	}
	logger.Info("Finished sending messages")
	return nil
}

func producerConfig(opts cli.ProducerOptions) (producer.Config, error) {
	acks, err := producer.ParseAcks(opts.Acks)
	if err != nil {
		return producer.Config{}, command.BadArguments("%v", err)
	}
	codec, err := compress.ParseCodec(opts.Compression)
	if err != nil {
		return producer.Config{}, command.BadArguments("%v", err)
	}
	if _, err := producer.NewPartitioner(opts.Partitioner); err != nil {
		return producer.Config{}, command.BadArguments("%v", err)
	}
	return producer.Config{
		Acks:        acks,
		Compression: codec,
		Partitioner: opts.Partitioner,
		Linger:      opts.Linger,
	}, nil
}
