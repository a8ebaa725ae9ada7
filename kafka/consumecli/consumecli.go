// Package consumecli implements kconsume, which reads a topic as a member of
// a consumer group and logs every record until interrupted.
package consumecli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/cli"
	"github.com/ridge/kclient/kafka/consumer"
	"github.com/ridge/kclient/kafka/names"
	"github.com/ridge/kclient/run"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const pollTimeout = time.Second

var command = cli.Command{
	Name:  "kconsume",
	Usage: "kconsume [flags] <bootstrap_endpoints> <topic>",
	Flags: func(fs *pflag.FlagSet, opts *cli.Options) {
		c := &opts.Consumer
		fs.StringVar(&c.Group, "group", c.Group, "Consumer group id (default <topic>-group-0)")
		fs.StringVar(&c.OffsetReset, "offset-reset", c.OffsetReset, "Where to start without a committed offset (earliest|latest)")
		fs.BoolVar(&c.AutoCommit, "auto-commit", c.AutoCommit, "Commit consumed offsets periodically")
		fs.DurationVar(&c.AutoCommitInterval, "auto-commit-interval", c.AutoCommitInterval, "Period of automatic commits")
		fs.StringVar(&c.Assignor, "assignor", c.Assignor, "Preferred partition assignment strategy (range|roundrobin)")
	},
}

// Main handles the command line and runs the consumer until a signal
// arrives
func Main(args []string) {
	run.Server(func(ctx context.Context) error {
		return Run(ctx, args[1:])
	})
}

// Run consumes the topic given on the command line until ctx is closed,
// which is a clean shutdown. It fails if the group membership cannot be
// kept, for example when no broker is reachable.
func Run(ctx context.Context, args []string) error {
	opts, args, err := command.Parse(args)
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return command.BadArguments("2 arguments expected, got %d", len(args))
	}
	topic := args[1]
	config, err := consumerConfig(opts.Consumer, topic)
	if err != nil {
		return err
	}
	stack, err := cli.NewStack(args[0], opts)
	if err != nil {
		return err
	}
	defer stack.Close()

	c, err := stack.NewConsumer(config)
	if err != nil {
		return run.BadArguments(err)
	}

	ctx = tlog.With(ctx, zap.String("topic", topic))
	logger := tlog.Get(ctx)
	logger.Info("Consuming messages", zap.Strings("bootstrap", stack.Bootstrap()), zap.String("group", config.GroupID), zap.String("clientID", opts.ClientID))

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		health := func() error {
			if phase := c.State().Phase; phase == api.Fenced {
				return fmt.Errorf("consumer group member is %s", phase)
			}
			return nil
		}
		if err := stack.ServeTelemetry(ctx, spawn, opts.MetricsListen, health); err != nil {
			return err
		}
		spawn("group", parallel.Fail, c.Run)
		spawn("poll", parallel.Fail, func(ctx context.Context) error {
			return poll(ctx, c)
		})
		return nil
	})
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		logger.Warn("Canceled execution of consumer")
		return nil
	}
	return err
}

func poll(ctx context.Context, c *consumer.Consumer) error {
	logger := tlog.Get(ctx)
	for {
		records, err := c.Poll(ctx, pollTimeout)
		if err != nil {
			return err
		}
		for _, r := range records {
			logger.Info("Message read", zap.ByteString("message", r.Value), zap.Object("record", r))
		}
	}
}

func consumerConfig(opts cli.ConsumerOptions, topic string) (consumer.Config, error) {
	reset, err := api.ParseOffsetReset(opts.OffsetReset)
	if err != nil {
		return consumer.Config{}, command.BadArguments("%v", err)
	}
	if err := names.ValidateTopicName(topic); err != nil {
		return consumer.Config{}, command.BadArguments("%v", err)
	}
	group := opts.Group
	if group == "" {
		group = names.DefaultGroupID(topic)
	}
	return consumer.Config{
		GroupID:            group,
		Topics:             []string{topic},
		Assignor:           opts.Assignor,
		AutoOffsetReset:    reset,
		ManualCommit:       !opts.AutoCommit,
		AutoCommitInterval: opts.AutoCommitInterval,
	}, nil
}
