// Package metrics holds the Prometheus instruments of the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ridge/kclient/kafka/api"
)

const namespace = "kclient"

// Metrics is the set of client instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RecordsProduced prometheus.Counter
	RecordsFailed   prometheus.Counter
	ProduceRetries  prometheus.Counter
	BatchesSent     prometheus.Counter
	RecordsConsumed prometheus.Counter
	Commits         *prometheus.CounterVec
	Rebalances      prometheus.Counter
	ConnectionsLost prometheus.Counter
	Reconnects      prometheus.Counter
	GroupPhase      prometheus.Gauge
}

// New creates the instruments and registers them with reg. With a nil reg
// the instruments are created unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "records_delivered_total",
			Help: "Records acknowledged by the broker.",
		}),
		RecordsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "records_failed_total",
			Help: "Records resolved with a delivery error.",
		}),
		ProduceRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "retries_total",
			Help: "Produce requests retried after a retriable failure.",
		}),
		BatchesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "batches_sent_total",
			Help: "Produce requests sent.",
		}),
		RecordsConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "records_total",
			Help: "Records returned by poll.",
		}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "commits_total",
			Help: "Offset commit requests by result.",
		}, []string{"result"}),
		Rebalances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "rebalances_total",
			Help: "Completed group joins.",
		}),
		ConnectionsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connections_lost_total",
			Help: "Broker connections that failed with requests in flight or idle.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "dials_total",
			Help: "Successful broker connection attempts.",
		}),
		GroupPhase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "group_phase",
			Help: "Current group phase (0 unjoined, 1 joining, 2 stable, 3 rebalancing, 4 fenced).",
		}),
	}
}

func (m *Metrics) add(c prometheus.Counter, n int) {
	if m != nil && n > 0 {
		c.Add(float64(n))
	}
}

// Delivered counts acknowledged records
func (m *Metrics) Delivered(n int) {
	if m != nil {
		m.add(m.RecordsProduced, n)
	}
}

// Failed counts records resolved with an error
func (m *Metrics) Failed(n int) {
	if m != nil {
		m.add(m.RecordsFailed, n)
	}
}

// Retried counts a retried produce request
func (m *Metrics) Retried() {
	if m != nil {
		m.ProduceRetries.Inc()
	}
}

// BatchSent counts a produce request
func (m *Metrics) BatchSent() {
	if m != nil {
		m.BatchesSent.Inc()
	}
}

// Consumed counts records returned by poll
func (m *Metrics) Consumed(n int) {
	if m != nil {
		m.add(m.RecordsConsumed, n)
	}
}

// Committed counts an offset commit request
func (m *Metrics) Committed(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Commits.WithLabelValues(result).Inc()
}

// Rebalanced counts a completed group join
func (m *Metrics) Rebalanced() {
	if m != nil {
		m.Rebalances.Inc()
	}
}

// ConnectionLost counts a broken broker connection
func (m *Metrics) ConnectionLost() {
	if m != nil {
		m.ConnectionsLost.Inc()
	}
}

// Dialed counts a successful broker connection
func (m *Metrics) Dialed() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// Phase records the current group phase
func (m *Metrics) Phase(p api.GroupPhase) {
	if m != nil {
		m.GroupPhase.Set(float64(p))
	}
}
