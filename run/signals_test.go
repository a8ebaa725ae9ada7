package run

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/ridge/kclient/tlog"
	"github.com/stretchr/testify/require"
)

func TestAwaitSignal(t *testing.T) {
	ctx := tlog.WithLogger(context.Background(), tlog.NewForTesting(t))

	signals := make(chan os.Signal, 1)
	signals <- syscall.SIGINT
	require.NoError(t, awaitSignal(ctx, signals))

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, awaitSignal(ctx, make(chan os.Signal)), context.Canceled)
}
