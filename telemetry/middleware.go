package telemetry

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ridge/kclient/tlog"
	"github.com/ridge/parallel"
	"go.uber.org/zap"
)

// Log is a middleware that logs before and after handling of each request
func Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := tlog.With(r.Context(),
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
		)
		logger := tlog.Get(ctx)
		logger.Debug("Telemetry request started")
		var status int
		next.ServeHTTP(captureStatus{ResponseWriter: w, status: &status}, r.WithContext(ctx))
		logger.Debug("Telemetry request ended", zap.Int("statusCode", status), zap.Duration("elapsed", time.Since(started)))
	})
}

// Recover is a middleware that turns a panic in a handler into a 500
// response and, when running under Server, stops the server
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := runTask(r.Context(), func(ctx context.Context) error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if ch, ok := r.Context().Value(panicKey).(chan error); ok {
				select {
				case ch <- err:
				default:
				}
			}
		}
	})
}

// runTask runs task in the current goroutine. A panic is returned as
// parallel.ErrPanic.
func runTask(ctx context.Context, task parallel.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = parallel.ErrPanic{Value: p, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}

type captureStatus struct {
	http.ResponseWriter
	status *int
}

func (cs captureStatus) Write(b []byte) (int, error) {
	if *cs.status == 0 {
		*cs.status = http.StatusOK
	}
	return cs.ResponseWriter.Write(b)
}

func (cs captureStatus) WriteHeader(statusCode int) {
	*cs.status = statusCode
	cs.ResponseWriter.WriteHeader(statusCode)
}
