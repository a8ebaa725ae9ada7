package telemetry

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health reports whether the process is healthy. A nil error means healthy.
type Health func() error

// NewHandler returns the telemetry routes:
//
// GET /metrics - metrics of gatherer in the Prometheus exposition format
//
// GET /healthz - 200 if health returns nil, 503 with the error otherwise
func NewHandler(gatherer prometheus.Gatherer, health Health) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	healthz := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if health != nil {
			if err := health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Handle("/healthz", handlers.MethodHandler{
		http.MethodGet:  healthz,
		http.MethodHead: healthz,
	})

	return Log(Recover(router))
}
