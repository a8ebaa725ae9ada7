package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ridge/kclient/test"
	"github.com/stretchr/testify/require"
)

var fastConfig = ExpConfig{Min: time.Millisecond, Max: time.Millisecond, Scale: 1}

func TestDoStopsOnPermanentError(t *testing.T) {
	ctx := test.Context(t)

	calls := 0
	n, err := Do1(ctx, fastConfig, func() (int, error) {
		calls++
		if calls == 5 {
			return 5, errors.New("five")
		}
		return calls, Retriable(fmt.Errorf("%d", calls))
	})
	require.EqualError(t, err, "five")
	require.Equal(t, 5, n)
}

func TestDoExhaustedReturnsCause(t *testing.T) {
	ctx := test.Context(t)
	cause := errors.New("broker down")

	config := fastConfig
	config.MaxAttempts = 3
	calls := 0
	err := Do(ctx, config, func() error {
		calls++
		return Retriable(cause)
	})
	require.Equal(t, 3, calls)
	require.Equal(t, cause, err)
	var r ErrRetriable
	require.False(t, errors.As(err, &r))
}

func TestDoCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Context(t))

	calls := 0
	err := Do(ctx, ExpConfig{Min: time.Hour, Max: time.Hour, Scale: 1}, func() error {
		calls++
		cancel()
		return Retriable(errors.New("again"))
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(test.Context(t))
	require.NoError(t, Sleep(ctx, 0))
	require.NoError(t, Sleep(ctx, time.Millisecond))
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
