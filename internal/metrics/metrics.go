package metrics

import (
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "silo_link"

// Metrics holds the Prometheus collectors of the server. It doubles as a
// network monitor observer.
type Metrics struct {
	PairingOutcomes   *prometheus.CounterVec
	SessionsClosed    *prometheus.CounterVec
	LinkLatency       prometheus.Histogram
	LinkJitter        prometheus.Histogram
	QualitySnapshots  *prometheus.CounterVec
	QualityAlerts     *prometheus.CounterVec
	VerifyRateLimited prometheus.Counter

	registerer prometheus.Registerer
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PairingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_outcomes_total",
			Help:      "Pairing protocol outcomes by kind",
		}, []string{"outcome"}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by close reason",
		}, []string{"reason"}),
		LinkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "link_latency_ms",
			Help:      "Mean round-trip latency of each link-quality snapshot",
			Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 2000},
		}),
		LinkJitter: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "link_jitter_ms",
			Help:      "Jitter of each link-quality snapshot",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		QualitySnapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_quality_snapshots_total",
			Help:      "Link-quality snapshots by quality class",
		}, []string{"quality"}),
		QualityAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_quality_alerts_total",
			Help:      "Network quality alerts by reason",
		}, []string{"alert"}),
		VerifyRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_verify_rate_limited_total",
			Help:      "Pairing verifications rejected by the per-client rate limiter",
		}),
		registerer: reg,
	}
}

func (m *Metrics) OnMetrics(_ string, snap netmon.Metrics) {
	m.LinkLatency.Observe(snap.LatencyMs)
	m.LinkJitter.Observe(snap.JitterMs)
	m.QualitySnapshots.WithLabelValues(string(snap.Quality)).Inc()
}

func (m *Metrics) OnAlert(_ string, alert netmon.Alert, _ netmon.Metrics) {
	m.QualityAlerts.WithLabelValues(string(alert)).Inc()
}

func (m *Metrics) RecordPairing(o pairing.Outcome) {
	m.PairingOutcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) RecordSessionClosed(reason string) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimited() {
	m.VerifyRateLimited.Inc()
}

// RegisterGauges exposes values owned by other components, read at scrape time.
func (m *Metrics) RegisterGauges(activeSessions, maxConcurrent, activeDevices func() float64) {
	f := promauto.With(m.registerer)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Currently open sessions",
	}, activeSessions)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_max_concurrent",
		Help:      "Highest number of simultaneously open sessions observed",
	}, maxConcurrent)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices_active",
		Help:      "Devices with an active registration on this host",
	}, activeDevices)
}
