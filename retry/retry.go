package retry

import (
	"context"
	"errors"
	"time"

	"github.com/ridge/kclient/tlog"
	"go.uber.org/zap"
)

// DelayFn yields the delay before each attempt. ok=false ends the sequence;
// the first call must return ok=true and its delay precedes the first attempt.
type DelayFn func() (delay time.Duration, ok bool)

// Config produces an independent delay sequence per retry loop
type Config interface {
	Delays() DelayFn
}

// ErrRetriable marks an error after which the operation should be tried again
type ErrRetriable struct {
	err error
}

func (r ErrRetriable) Error() string {
	return r.err.Error()
}

// Unwrap returns the next error in the error chain.
func (r ErrRetriable) Unwrap() error {
	return r.err
}

// Retriable wraps err so that Do keeps trying. Returns nil if err is nil.
func Retriable(err error) error {
	if err == nil {
		return nil
	}
	return ErrRetriable{err: err}
}

// Do calls f until it returns nil or an error not wrapped by Retriable, the
// delay sequence of c ends, or ctx is closed.
//
// When the sequence ends, the last retriable error is returned unwrapped, so
// callers see the underlying cause rather than ErrRetriable.
func Do(ctx context.Context, c Config, f func() error) error {
	l := loop{ctx: ctx, delays: c.Delays(), started: time.Now()}
	for {
		if err := l.next(); err != nil {
			return err
		}
		err := f()
		var r ErrRetriable
		if !errors.As(err, &r) {
			l.finish(err)
			return err
		}
		if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			l.log().Debug("Retry canceled", zap.Error(r.err))
			return r.err
		}
		l.failed(r.err)
	}
}

// Do1 is Do for functions returning a value
func Do1[T any](ctx context.Context, c Config, f func() (T, error)) (T, error) {
	var t T
	err := Do(ctx, c, func() error {
		var err error
		t, err = f()
		return err
	})
	return t, err
}

type loop struct {
	ctx      context.Context
	delays   DelayFn
	started  time.Time
	attempts int
	last     error
}

func (l *loop) log() *zap.Logger {
	return tlog.Get(l.ctx).With(zap.Int("attempts", l.attempts), zap.Duration("duration", time.Since(l.started)))
}

// next waits for the next attempt slot
func (l *loop) next() error {
	delay, ok := l.delays()
	if !ok {
		if l.attempts == 0 {
			panic("retry: delay sequence is empty")
		}
		l.log().Debug("Retry failed after maximum number of attempts", zap.Error(l.last))
		return l.last
	}
	if err := Sleep(l.ctx, delay); err != nil {
		if l.attempts > 0 {
			l.log().Debug("Retry canceled", zap.Error(err))
		}
		return err
	}
	l.attempts++
	return nil
}

func (l *loop) failed(err error) {
	// repeated identical failures are logged once
	if l.last == nil || l.last.Error() != err.Error() {
		l.log().Debug("Will retry", zap.Error(err))
	}
	l.last = err
}

func (l *loop) finish(err error) {
	switch {
	case l.attempts == 1:
	case err != nil:
		l.log().Debug("Retry finished with non-retriable error", zap.Error(err))
	default:
		l.log().Debug("Retry succeeded")
	}
}
