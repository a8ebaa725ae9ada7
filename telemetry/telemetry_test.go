package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ridge/kclient/kafka/metrics"
	"github.com/ridge/kclient/test"
	"github.com/ridge/kclient/tnet"
	"github.com/ridge/must/v2"
	"github.com/ridge/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, ctx context.Context, url string) (int, string) {
	res, err := http.DefaultClient.Do(must.OK1(http.NewRequestWithContext(ctx, http.MethodGet, url, nil)))
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func TestServer(t *testing.T) {
	group := test.Group(t)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Delivered(3)

	s := NewServer(tnet.ListenOnRandomPort(), NewHandler(reg, nil))
	group.Spawn("telemetry", parallel.Fail, s.Run)
	base := "http://" + s.ListenAddr().String()

	status, body := get(t, group.Context(), base+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "kclient_producer_records_delivered_total 3")

	status, body = get(t, group.Context(), base+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok\n", body)
}

func TestHealthFailing(t *testing.T) {
	ctx := test.Context(t)
	handler := NewHandler(prometheus.NewRegistry(), func() error { return errors.New("group fenced") })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "group fenced\n", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil).WithContext(ctx))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func oopsHandler(w http.ResponseWriter, r *http.Request) {
	panic(errors.New("oops"))
}

func TestRecover(t *testing.T) {
	group := test.Group(t)

	server := NewServer(tnet.ListenOnRandomPort(), Recover(http.HandlerFunc(oopsHandler)))
	serverErr := make(chan error, 1)
	group.Spawn("telemetry", parallel.Continue, func(ctx context.Context) error {
		serverErr <- server.Run(ctx)
		return nil
	})

	req := must.OK1(http.NewRequestWithContext(group.Context(), http.MethodPost, "http://"+server.ListenAddr().String(), strings.NewReader("hello")))
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	res.Body.Close()

	err = <-serverErr
	require.EqualError(t, err, "panic: oops")
	var errPanic parallel.ErrPanic
	require.ErrorAs(t, err, &errPanic)
	require.Regexp(t, "(?s)^goroutine.*oopsHandler", string(errPanic.Stack))
}
