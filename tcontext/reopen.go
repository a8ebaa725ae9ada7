package tcontext

import (
	"context"
	"time"
)

// Reopen returns a context carrying the values of ctx (logger included) but
// detached from its cancellation and deadline. Broker connections and request
// handlers outlive the context that created them, so they run on one of these.
func Reopen(ctx context.Context) context.Context {
	return reopened{Context: ctx}
}

type reopened struct {
	context.Context //nolint:containedctx
}

func (reopened) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

func (reopened) Done() <-chan struct{} {
	return nil
}

func (reopened) Err() error {
	return nil
}

// ReopenWithTimeout reopens ctx and bounds the result by timeout. It is used
// for cleanup that must run after the parent context has been closed.
func ReopenWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(Reopen(ctx), timeout)
}
