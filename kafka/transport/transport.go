// Package transport manages broker connections: dialing with backoff,
// multiplexing requests over each connection and failing in-flight requests
// when a connection breaks.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand" // choosing a random bootstrap broker - not security-sensitive
	"net"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/retry"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/kclient/tnet"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config is the transport configuration
type Config struct {
	ClientID string

	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration

	// MaxDialAttempts bounds connection attempts to one broker before
	// ErrBrokerUnreachable is returned; 0 = unlimited
	MaxDialAttempts int

	// Backoff is the delay policy between connection attempts
	Backoff retry.ExpConfig

	// Dialer replaces the default TCP dialer
	Dialer Dialer

	Metrics *metrics.Metrics
}

// DefaultConfig is the default transport configuration
var DefaultConfig = Config{
	ClientID:        "kclient",
	DialTimeout:     10 * time.Second,
	MaxDialAttempts: 10,
	Backoff:         retry.BrokerBackoffConfig,
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = DefaultConfig.ClientID
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultConfig.DialTimeout
	}
	if c.Backoff == (retry.ExpConfig{}) {
		c.Backoff = DefaultConfig.Backoff
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout, KeepAlive: 3 * time.Minute}
	}
	return c
}

// Transport is a pool of broker connections, at most one live connection per
// broker address
type Transport struct {
	config    Config
	bootstrap []string
	codec     *wire.Codec
	dials     singleflight.Group

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// New creates a Transport with the given bootstrap brokers
func New(bootstrap []string, config Config) *Transport {
	if len(bootstrap) == 0 {
		panic("need at least one Kafka broker")
	}
	config = config.withDefaults()
	return &Transport{
		config:    config,
		bootstrap: bootstrap,
		codec:     wire.NewCodec(config.ClientID),
		conns:     map[string]*Conn{},
	}
}

// Bootstrap returns the bootstrap broker addresses
func (t *Transport) Bootstrap() []string {
	return t.bootstrap
}

// Open returns the live connection to addr, dialing it if necessary.
//
// Dialing is retried with exponential backoff and full jitter; when the
// attempts are exhausted the error wraps ErrBrokerUnreachable. Concurrent
// callers share a single dial.
func (t *Transport) Open(ctx context.Context, addr string) (*Conn, error) {
	if conn, err := t.live(addr); conn != nil || err != nil {
		return conn, err
	}

	ch := t.dials.DoChan(addr, func() (any, error) {
		return t.dial(ctx, addr)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if ctx.Err() == nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
				// the caller that started the shared dial gave up
				return nil, fmt.Errorf("%w: dial to %s abandoned", api.ErrConnectionLost, addr)
			}
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) live(addr string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, api.ErrConnectionClosed
	}
	conn := t.conns[addr]
	if conn != nil && conn.Err() != nil {
		delete(t.conns, addr)
		conn = nil
	}
	return conn, nil
}

func (t *Transport) dial(ctx context.Context, addr string) (*Conn, error) {
	logger := tlog.Get(ctx).With(zap.String("broker", addr))

	backoff := t.config.Backoff
	backoff.MaxAttempts = t.config.MaxDialAttempts
	nc, err := retry.Do1(ctx, backoff, func() (net.Conn, error) {
		if t.isClosed() {
			return nil, api.ErrConnectionClosed
		}
		dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
		defer cancel()
		nc, err := t.config.Dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			logger.Debug("Failed to connect to broker", zap.Error(err))
		}
		return nc, tnet.MaybeRetriableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, api.ErrConnectionClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", api.ErrBrokerUnreachable, addr, err)
	}

	conn := newConn(ctx, addr, nc, t.codec, t.config.Metrics)
	t.config.Metrics.Dialed()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		go conn.Close()
		return nil, api.ErrConnectionClosed
	}
	t.conns[addr] = conn
	logger.Debug("Connected to broker")
	return conn, nil
}

// Send sends req to the broker at addr and waits for the response.
//
// If the connection breaks, the error wraps ErrConnectionLost and the next
// Send reconnects.
func (t *Transport) Send(ctx context.Context, addr string, req kmsg.Request) (kmsg.Response, error) {
	conn, err := t.Open(ctx, addr)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Do(ctx, req)
	if errors.Is(err, api.ErrConnectionLost) {
		t.drop(addr, conn)
	}
	return resp, err
}

// SendAny sends req to the bootstrap brokers in random order until one of
// them answers
func (t *Transport) SendAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	var err error
	for _, addr := range t.shuffledBootstrap() {
		var resp kmsg.Response
		resp, err = t.Send(ctx, addr, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tlog.Get(ctx).Warn("Bootstrap broker request failed", zap.String("broker", addr), zap.Error(err))
	}
	return nil, err
}

func (t *Transport) shuffledBootstrap() []string {
	brokers := make([]string, len(t.bootstrap))
	copy(brokers, t.bootstrap)
	rand.Shuffle(len(brokers), func(i, j int) {
		brokers[i], brokers[j] = brokers[j], brokers[i]
	})
	return brokers
}

func (t *Transport) drop(addr string, conn *Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	conn.Close()
}

// Close closes the connection to addr, if any
func (t *Transport) Close(addr string) {
	t.mu.Lock()
	conn := t.conns[addr]
	delete(t.conns, addr)
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// CloseAll closes every connection. Sends after CloseAll fail with
// ErrConnectionClosed.
func (t *Transport) CloseAll() {
	t.mu.Lock()
	conns := t.conns
	t.conns = map[string]*Conn{}
	t.closed = true
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
