package kafka

import (
	"context"

	"github.com/ridge/kclient/kafka/consumer"
	"github.com/ridge/kclient/kafka/metadata"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/producer"
	"github.com/ridge/kclient/kafka/transport"
	"github.com/ridge/kclient/kafka/uri"
)

// Config is the client configuration
type Config struct {
	Transport transport.Config
	Metadata  metadata.Config

	// Metrics is shared with the producers and consumers created by the
	// client unless their configuration has its own
	Metrics *metrics.Metrics
}

// Client is a connection pool to a Kafka cluster with a shared metadata
// cache
type Client struct {
	metrics   *metrics.Metrics
	transport *transport.Transport
	meta      *metadata.Cache
}

// New creates a client for the given bootstrap endpoints
// (host:port[,host:port...], optionally prefixed with kafka://). Nothing is
// dialed until the first request.
func New(bootstrap string, config Config) (*Client, error) {
	brokers, err := uri.ParseBootstrap(bootstrap)
	if err != nil {
		return nil, err
	}
	if config.Transport.Metrics == nil {
		config.Transport.Metrics = config.Metrics
	}
	tr := transport.New(brokers, config.Transport)
	return &Client{
		metrics:   config.Metrics,
		transport: tr,
		meta:      metadata.New(tr, config.Metadata),
	}, nil
}

// Bootstrap returns the bootstrap broker addresses
func (c *Client) Bootstrap() []string {
	return c.transport.Bootstrap()
}

// NewProducer creates a producer. Its background delivery stops when ctx is
// closed or the producer is closed.
func (c *Client) NewProducer(ctx context.Context, config producer.Config) (*producer.Producer, error) {
	if config.Metrics == nil {
		config.Metrics = c.metrics
	}
	return producer.New(ctx, config, c.transport, c.meta)
}

// NewConsumer creates a consumer group member
func (c *Client) NewConsumer(config consumer.Config) (*consumer.Consumer, error) {
	if config.Metrics == nil {
		config.Metrics = c.metrics
	}
	return consumer.New(config, c.transport, c.meta)
}

// Close closes all connections. Producers and consumers must be stopped
// first.
func (c *Client) Close() {
	c.transport.CloseAll()
}
