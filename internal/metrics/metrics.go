// Package metrics exposes Prometheus metrics for a cosync node.
//
// Every node owns its own registry so several nodes can live in one
// process (tests run two or three at once). All recording methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cosync"

// Message directions.
const (
	Inbound  = "in"
	Outbound = "out"
)

// Metrics holds the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsVerified prometheus.Counter
	TransactionsFailed   prometheus.Counter
	Validity             *prometheus.CounterVec
	DecryptionFailures   prometheus.Counter
	Messages             *prometheus.CounterVec
	ProtocolViolations   *prometheus.CounterVec
	StorageOps           *prometheus.CounterVec
	StorageErrors        *prometheus.CounterVec
	TickDuration         prometheus.Histogram
	CoValues             prometheus.Gauge
	Peers                *prometheus.GaugeVec
}

// New registers the node collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TransactionsVerified: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_verified_total",
			Help:      "Transactions whose hash chain and signature checked out.",
		}),
		TransactionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_verification_failed_total",
			Help:      "Transactions rejected by hash chain or signature verification.",
		}),
		Validity: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_validity_total",
			Help:      "Permission evaluation outcomes by validity.",
		}, []string{"validity"}),
		DecryptionFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Private transactions that failed to decrypt.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Sync messages by action and direction.",
		}, []string{"action", "direction"}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Inbound messages dropped for breaking the sync rules.",
		}, []string{"action"}),
		StorageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage adapter calls by operation.",
		}, []string{"op"}),
		StorageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed storage adapter calls by operation.",
		}, []string{"op"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of one pass of the tick pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		CoValues: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "covalues",
			Help:      "CoValues registered in the node.",
		}),
		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Connected peers by role.",
		}, []string{"role"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Verified(n int) {
	if m != nil && n > 0 {
		m.TransactionsVerified.Add(float64(n))
	}
}

func (m *Metrics) VerificationFailed(n int) {
	if m != nil && n > 0 {
		m.TransactionsFailed.Add(float64(n))
	}
}

func (m *Metrics) ValidityOutcome(validity string) {
	if m != nil {
		m.Validity.WithLabelValues(validity).Inc()
	}
}

func (m *Metrics) DecryptionFailed() {
	if m != nil {
		m.DecryptionFailures.Inc()
	}
}

func (m *Metrics) Message(action, direction string) {
	if m != nil {
		m.Messages.WithLabelValues(action, direction).Inc()
	}
}

func (m *Metrics) ProtocolViolation(action string) {
	if m != nil {
		m.ProtocolViolations.WithLabelValues(action).Inc()
	}
}

// Storage records one storage call and whether it failed.
func (m *Metrics) Storage(op string, err error) {
	if m == nil {
		return
	}
	m.StorageOps.WithLabelValues(op).Inc()
	if err != nil {
		m.StorageErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m != nil {
		m.TickDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetCoValues(n int) {
	if m != nil {
		m.CoValues.Set(float64(n))
	}
}

func (m *Metrics) PeerConnected(role string) {
	if m != nil {
		m.Peers.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) PeerDisconnected(role string) {
	if m != nil {
		m.Peers.WithLabelValues(role).Dec()
	}
}
