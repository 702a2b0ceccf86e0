// Package metrics provides Prometheus metrics for tunnel proxies and
// gateways.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tcptunnel"

// Values for the "side" label.
const (
	SideProxy   = "proxy"
	SideGateway = "gateway"
)

// Values for the "direction" label. Upstream is from the proxy's accepted
// connection toward the backend; downstream is the reverse.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds the tunnel metrics. All methods are safe to call on a nil
// *Metrics, in which case they do nothing.
type Metrics struct {
	SessionsActive   *prometheus.GaugeVec
	SessionsTotal    *prometheus.CounterVec
	SessionsRejected *prometheus.CounterVec
	Bytes            *prometheus.CounterVec

	BackendSelections   *prometheus.CounterVec
	BackendDialFailures *prometheus.CounterVec

	AcceptErrors       prometheus.Counter
	TunnelCallFailures prometheus.Counter
}

// NewMetrics creates metrics registered with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of tunnel sessions currently open",
		}, []string{"side"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of tunnel sessions opened",
		}, []string{"side"}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Tunnel sessions refused because of the session limit",
		}, []string{"side"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by side and direction",
		}, []string{"side", "direction"}),
		BackendSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_selections_total",
			Help:      "Number of times each backend was selected",
		}, []string{"backend"}),
		BackendDialFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_dial_failures_total",
			Help:      "Failed or timed out backend connection attempts",
		}, []string{"backend"}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Errors accepting local connections",
		}),
		TunnelCallFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_call_failures_total",
			Help:      "Tunnel calls that could not be started",
		}),
	}
}

func (m *Metrics) SessionStarted(side string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(side).Inc()
	m.SessionsTotal.WithLabelValues(side).Inc()
}

func (m *Metrics) SessionFinished(side string) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(side).Dec()
}

func (m *Metrics) SessionRejected(side string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(side).Inc()
}

func (m *Metrics) AddBytes(side, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(side, direction).Add(float64(n))
}

func (m *Metrics) BackendSelected(backend string) {
	if m == nil {
		return
	}
	m.BackendSelections.WithLabelValues(backend).Inc()
}

func (m *Metrics) BackendDialFailed(backend string) {
	if m == nil {
		return
	}
	m.BackendDialFailures.WithLabelValues(backend).Inc()
}

func (m *Metrics) AcceptFailed() {
	if m == nil {
		return
	}
	m.AcceptErrors.Inc()
}

func (m *Metrics) TunnelCallFailed() {
	if m == nil {
		return
	}
	m.TunnelCallFailures.Inc()
}
