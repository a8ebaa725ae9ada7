// Package telemetry serves the Prometheus metrics and the health check of a
// client process over HTTP.
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ridge/kclient/tcontext"
	"github.com/ridge/kclient/tlog"
	"github.com/ridge/must/v2"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

const gracefulShutdownTimeout = 5 * time.Second

// Server is the telemetry HTTP server
type Server struct {
	listener net.Listener
	handler  http.Handler
}

// NewServer creates a Server
func NewServer(listener net.Listener, handler http.Handler) *Server {
	return &Server{
		listener: listener,
		handler:  handler,
	}
}

type panicKeyType int

const panicKey panicKeyType = iota

// Run serves requests until the context is closed, then shuts down
// gracefully for up to gracefulShutdownTimeout. A panic in a handler stops
// the server with parallel.ErrPanic.
func (s *Server) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		panicChan := make(chan error, 1)
		ctx = context.WithValue(ctx, panicKey, panicChan)
		ctx = tlog.With(ctx, zap.Stringer("telemetry", s.listener.Addr()))
		reqCtx, reqCancel := context.WithCancel(tcontext.Reopen(ctx))

		logger := tlog.Get(ctx)

		server := http.Server{
			Handler:           s.handler,
			ErrorLog:          must.OK1(zap.NewStdLogAt(logger, zap.WarnLevel)),
			BaseContext:       func(net.Listener) context.Context { return reqCtx },
			ReadHeaderTimeout: 10 * time.Second,
		}

		spawn("serve", parallel.Fail, func(ctx context.Context) error {
			logger.Info("Serving telemetry")
			err := server.Serve(s.listener)
			// ErrServerClosed means a requested shutdown
			if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		})

		spawn("panicHandler", parallel.Fail, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-panicChan:
				return err
			}
		})

		spawn("shutdownHandler", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			logger.Debug("Shutting down telemetry")

			shutdownCtx, cancel := context.WithTimeout(reqCtx, gracefulShutdownTimeout)
			defer cancel()
			defer reqCancel()
			defer server.Close()

			if err := server.Shutdown(shutdownCtx); err != nil && shutdownCtx.Err() != nil {
				logger.Info("Telemetry shutdown canceled", zap.Error(err))
				return err
			}
			return ctx.Err()
		})

		return nil
	})
}

// ListenAddr returns the local address of the server's listener
func (s *Server) ListenAddr() net.Addr {
	return s.listener.Addr()
}
