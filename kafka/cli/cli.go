// Package cli holds what the kproduce and kconsume commands share: options
// read from flags and an optional YAML file, the broker connection stack and
// the telemetry endpoint.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ridge/kclient/kafka"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/transport"
	"github.com/ridge/kclient/run"
	"github.com/ridge/kclient/telemetry"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/kclient/tnet"
	"github.com/ridge/parallel"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options are the settings common to both commands plus the per-command
// sections. Flags override values loaded from the config file.
type Options struct {
	ClientID      string `yaml:"client_id"`
	MetricsListen string `yaml:"metrics_listen"`
	DialAttempts  int    `yaml:"dial_attempts"`

	Producer ProducerOptions `yaml:"producer"`
	Consumer ConsumerOptions `yaml:"consumer"`
}

// ProducerOptions configure kproduce
type ProducerOptions struct {
	Acks        string        `yaml:"acks"`
	Compression string        `yaml:"compression"`
	Partitioner string        `yaml:"partitioner"`
	Key         string        `yaml:"key"`
	Linger      time.Duration `yaml:"linger"`
}

// ConsumerOptions configure kconsume
type ConsumerOptions struct {
	Group              string        `yaml:"group"`
	OffsetReset        string        `yaml:"offset_reset"`
	AutoCommit         bool          `yaml:"auto_commit"`
	AutoCommitInterval time.Duration `yaml:"auto_commit_interval"`
	Assignor           string        `yaml:"assignor"`
}

// DefaultOptions are used for settings neither the file nor the flags set
func DefaultOptions() Options {
	return Options{
		ClientID:     "kclient-" + uuid.NewString(),
		DialAttempts: transport.DefaultConfig.MaxDialAttempts,
		Producer: ProducerOptions{
			Acks:        "all",
			Compression: "none",
			Partitioner: "crc32",
			Linger:      5 * time.Millisecond,
		},
		Consumer: ConsumerOptions{
			OffsetReset:        "earliest",
			AutoCommit:         true,
			AutoCommitInterval: 5 * time.Second,
			Assignor:           "range",
		},
	}
}

// LoadFile reads options from a YAML file on top of opts. Unknown keys are
// an error.
func LoadFile(path string, opts *Options) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

// Command describes the flags of one command
type Command struct {
	Name  string
	Usage string

	// Flags binds the command's own flags to opts
	Flags func(fs *pflag.FlagSet, opts *Options)
}

func (c Command) flagSet(opts *Options, config *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.StringVar(config, "config", *config, "YAML config file; flags override its values")
	fs.StringVar(&opts.ClientID, "client-id", opts.ClientID, "Client id sent to the brokers")
	fs.StringVar(&opts.MetricsListen, "metrics-listen", opts.MetricsListen, "Address to serve /metrics and /healthz on (disabled if empty)")
	fs.IntVar(&opts.DialAttempts, "dial-attempts", opts.DialAttempts, "Connection attempts per broker before giving up (0 = unlimited)")
	if c.Flags != nil {
		c.Flags(fs, opts)
	}
	fs.AddFlagSet(run.Flags())
	return fs
}

// Parse reads the command line. The config file named by --config is loaded
// first, then the flags are applied on top of it. Usage errors are wrapped
// with run.BadArguments.
func (c Command) Parse(args []string) (Options, []string, error) {
	var config string
	opts := DefaultOptions()
	fs := c.flagSet(&opts, &config)
	if err := fs.Parse(args); err != nil {
		return Options{}, nil, c.badArguments(err, fs)
	}
	if config == "" {
		return opts, fs.Args(), nil
	}

	opts = DefaultOptions()
	if err := LoadFile(config, &opts); err != nil {
		return Options{}, nil, run.BadArguments(err)
	}
	fs = c.flagSet(&opts, &config)
	if err := fs.Parse(args); err != nil {
		return Options{}, nil, c.badArguments(err, fs)
	}
	return opts, fs.Args(), nil
}

// BadArguments returns a usage error
func (c Command) BadArguments(format string, args ...any) error {
	return run.BadArguments(fmt.Errorf("%s\nusage: %s", fmt.Sprintf(format, args...), c.Usage))
}

func (c Command) badArguments(err error, fs *pflag.FlagSet) error {
	if errors.Is(err, pflag.ErrHelp) {
		return run.BadArguments(fmt.Errorf("usage: %s\n%s", c.Usage, fs.FlagUsages()))
	}
	return c.BadArguments("%v", err)
}

// Stack is the client of a command with its metrics registry
type Stack struct {
	*kafka.Client
	Registry *prometheus.Registry
}

// NewStack parses the bootstrap endpoints and creates the client. Nothing is
// dialed until the first request.
func NewStack(bootstrap string, opts Options) (*Stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	client, err := kafka.New(bootstrap, kafka.Config{
		Transport: transport.Config{
			ClientID:        opts.ClientID,
			MaxDialAttempts: opts.DialAttempts,
		},
		Metrics: metrics.New(reg),
	})
	if err != nil {
		return nil, run.BadArguments(err)
	}
	return &Stack{Client: client, Registry: reg}, nil
}

// ServeTelemetry spawns the telemetry server if an address is configured
func (s *Stack) ServeTelemetry(ctx context.Context, spawn parallel.SpawnFn, addr string, health telemetry.Health) error {
	if addr == "" {
		return nil
	}
	ln, err := tnet.ListenContext(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen for telemetry: %w", err)
	}
	server := telemetry.NewServer(ln, telemetry.NewHandler(s.Registry, health))
	tlog.Get(ctx).Info("Serving metrics", zap.Stringer("addr", ln.Addr()))
	spawn("telemetry", parallel.Fail, server.Run)
	return nil
}
