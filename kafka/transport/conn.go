package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ridge/kclient/kafka/api"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/kafka/wire"
	"github.com/ridge/kclient/tcontext"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/kclient/tnet"
	"github.com/ridge/parallel"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"
)

type result struct {
	resp kmsg.Response
	err  error
}

type pending struct {
	req kmsg.Request
	ch  chan result // buffered, receives exactly one result
}

// Conn is a single broker connection multiplexing concurrent requests by
// correlation id
type Conn struct {
	addr    string
	nc      net.Conn
	codec   *wire.Codec
	metrics *metrics.Metrics
	group   *parallel.Group

	writeMu sync.Mutex

	mu       sync.Mutex
	nextCorr int32
	inflight map[int32]*pending
	dead     error
}

func newConn(ctx context.Context, addr string, nc net.Conn, codec *wire.Codec, m *metrics.Metrics) *Conn {
	c := &Conn{
		addr:     addr,
		nc:       nc,
		codec:    codec,
		metrics:  m,
		inflight: map[int32]*pending{},
	}
	// The connection outlives the request that opened it
	ctx = tlog.With(tcontext.Reopen(ctx), zap.String("broker", addr))
	c.group = parallel.NewGroup(ctx)
	c.group.Spawn("reader", parallel.Continue, c.readLoop)
	c.group.Spawn("closer", parallel.Continue, func(ctx context.Context) error {
		<-ctx.Done()
		return c.nc.Close()
	})
	return c
}

// Addr returns the broker address
func (c *Conn) Addr() string {
	return c.addr
}

// Err returns the error the connection died with, or nil if it is alive
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Do sends req and waits for the matching response.
//
// Closing ctx abandons the wait; a response arriving later is discarded.
// Produce requests with acks=0 return a nil response as soon as they are
// written.
func (c *Conn) Do(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	wire.Pin(req)
	noResponse := false
	if produce, ok := req.(*kmsg.ProduceRequest); ok && produce.Acks == 0 {
		noResponse = true
	}

	p := &pending{req: req, ch: make(chan result, 1)}

	c.mu.Lock()
	if c.dead != nil {
		err := c.dead
		c.mu.Unlock()
		return nil, err
	}
	corr := c.nextCorr
	c.nextCorr++
	if !noResponse {
		c.inflight[corr] = p
	}
	c.mu.Unlock()

	if written, err := c.write(ctx, req, corr); err != nil {
		c.forget(corr)
		if ctx.Err() != nil {
			if written {
				// A partially written frame leaves the stream unusable
				c.fail(fmt.Errorf("%w: write canceled", api.ErrConnectionLost))
			}
			return nil, ctx.Err()
		}
		return nil, c.fail(fmt.Errorf("%w: %w", api.ErrConnectionLost, err))
	}
	if noResponse {
		return nil, nil
	}

	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		c.forget(corr)
		return nil, ctx.Err()
	}
}

func (c *Conn) write(ctx context.Context, req kmsg.Request, corr int32) (bool, error) {
	buf := c.codec.AppendRequest(nil, req, corr)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	deadline, _ := ctx.Deadline() // zero time disables the deadline
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return false, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetWriteDeadline(time.Now())
	})
	defer stop()
	n, err := c.nc.Write(buf)
	return n > 0, err
}

func (c *Conn) forget(corr int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, corr)
}

// fail marks the connection dead and resolves every request in flight with
// err. Returns the error the connection died with.
func (c *Conn) fail(err error) error {
	c.mu.Lock()
	if c.dead != nil {
		err = c.dead
		c.mu.Unlock()
		return err
	}
	c.dead = err
	inflight := c.inflight
	c.inflight = map[int32]*pending{}
	c.mu.Unlock()

	for _, p := range inflight {
		p.ch <- result{err: err}
	}
	if !errors.Is(err, api.ErrConnectionClosed) {
		c.metrics.ConnectionLost()
	}
	c.group.Exit(nil)
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	logger := tlog.Get(ctx)
	r := bufio.NewReader(c.nc)
	for {
		body, err := wire.ReadFrame(r)
		if err != nil {
			if ctx.Err() == nil {
				if !tnet.IsConnectionLoss(err) {
					logger.Warn("Broker connection failed", zap.Error(err))
				} else {
					logger.Debug("Broker connection lost", zap.Error(err))
				}
			}
			c.fail(fmt.Errorf("%w: %w", api.ErrConnectionLost, err))
			return nil
		}
		corr, err := wire.ResponseCorrelationID(body)
		if err != nil {
			c.fail(fmt.Errorf("%w: %w", api.ErrConnectionLost, err))
			return nil
		}

		c.mu.Lock()
		p := c.inflight[corr]
		delete(c.inflight, corr)
		c.mu.Unlock()

		if p == nil {
			logger.Debug("Dropping response to abandoned request", zap.Int32("correlationID", corr))
			continue
		}
		resp, err := wire.DecodeResponse(p.req, body)
		p.ch <- result{resp: resp, err: err}
	}
}

// Close closes the connection. Requests in flight fail with
// ErrConnectionClosed.
func (c *Conn) Close() {
	c.fail(api.ErrConnectionClosed)
	_ = c.group.Wait()
}
