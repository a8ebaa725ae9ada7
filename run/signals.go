package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ridge/kclient/tlog"
	"go.uber.org/zap"
)

var terminationSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

// handleSignals returns nil on the first termination signal. Notification is
// stopped right after, so a second signal kills the process the default way
// if graceful shutdown hangs.
func handleSignals(ctx context.Context) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, terminationSignals...)
	defer signal.Stop(signals)
	return awaitSignal(ctx, signals)
}

func awaitSignal(ctx context.Context, signals <-chan os.Signal) error {
	select {
	case sig := <-signals:
		tlog.Get(ctx).Info("Received signal, shutting down", zap.Stringer("signal", sig))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
