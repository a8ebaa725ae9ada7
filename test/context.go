package test

import (
	"context"
	"testing"
	"time"

	"github.com/ridge/kclient/tlog"
)

// Context returns a context carrying a logger that writes to the test log
func Context(t *testing.T) context.Context {
	return tlog.WithLogger(context.Background(), tlog.NewForTesting(t))
}

// ContextWithTimeout is Context closed with context.DeadlineExceeded after
// timeout, or at test cleanup
func ContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(Context(t), timeout)
	t.Cleanup(cancel)
	return ctx
}
