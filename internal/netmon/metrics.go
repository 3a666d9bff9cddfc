package netmon

import (
	"time"
)

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

type Alert string

const (
	AlertCriticalLatency Alert = "critical_latency"
	AlertHighPacketLoss  Alert = "high_packet_loss"
	AlertPoorQuality     Alert = "poor_quality"
)

const (
	fairLatencyMs = 100.0
	goodLatencyMs = 50.0

	criticalLossPercent = 20.0
	poorLossPercent     = 10.0
	fairLossPercent     = 5.0

	stabilitySamples    = 5
	stabilityMinSamples = 3
	stabilitySpreadMs   = 100.0
)

// Measurement is the outcome of one probe.
type Measurement struct {
	ProbeID    string
	SentAt     time.Time
	ReceivedAt time.Time
	LatencyMs  float64
	TimedOut   bool
}

// Metrics is a link-quality snapshot derived from the measurement window.
type Metrics struct {
	LatencyMs         float64   `json:"latency_ms"`
	JitterMs          float64   `json:"jitter_ms"`
	PacketLossPercent float64   `json:"packet_loss_percent"`
	Quality           Quality   `json:"quality"`
	Stable            bool      `json:"stable"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Thresholds are the latency limits for the POOR and CRITICAL classes.
type Thresholds struct {
	AlertMs    float64
	CriticalMs float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{AlertMs: 200, CriticalMs: 500}
}

// Compute derives metrics from the window contents (oldest first). It returns
// false when the window is empty and no snapshot should be emitted.
func Compute(window []Measurement, pingTimeout time.Duration, th Thresholds, now time.Time) (Metrics, bool) {
	if len(window) == 0 {
		return Metrics{}, false
	}

	latencies := make([]float64, 0, len(window))
	lost := 0
	for _, m := range window {
		if m.TimedOut {
			lost++
			continue
		}
		latencies = append(latencies, m.LatencyMs)
	}

	if len(latencies) == 0 {
		return Metrics{
			LatencyMs:         float64(pingTimeout) / float64(time.Millisecond),
			JitterMs:          0,
			PacketLossPercent: 100,
			Quality:           QualityCritical,
			Stable:            false,
			ComputedAt:        now,
		}, true
	}

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	mean := sum / float64(len(latencies))

	var dev float64
	for _, l := range latencies {
		if l > mean {
			dev += l - mean
		} else {
			dev += mean - l
		}
	}
	jitter := dev / float64(len(latencies))

	loss := float64(lost) / float64(len(window)) * 100

	return Metrics{
		LatencyMs:         mean,
		JitterMs:          jitter,
		PacketLossPercent: loss,
		Quality:           Classify(mean, loss, th),
		Stable:            isStable(latencies),
		ComputedAt:        now,
	}, true
}

// Classify maps latency and loss onto a quality class; the first matching rule wins.
func Classify(latencyMs, lossPercent float64, th Thresholds) Quality {
	switch {
	case latencyMs > th.CriticalMs || lossPercent > criticalLossPercent:
		return QualityCritical
	case latencyMs > th.AlertMs || lossPercent > poorLossPercent:
		return QualityPoor
	case latencyMs > fairLatencyMs || lossPercent > fairLossPercent:
		return QualityFair
	case latencyMs > goodLatencyMs || lossPercent > 0:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Evaluate returns the single highest-priority alert for a snapshot, if any.
func Evaluate(m Metrics, th Thresholds) (Alert, bool) {
	switch {
	case m.LatencyMs > th.CriticalMs:
		return AlertCriticalLatency, true
	case m.PacketLossPercent > criticalLossPercent:
		return AlertHighPacketLoss, true
	case m.Quality == QualityPoor:
		return AlertPoorQuality, true
	default:
		return "", false
	}
}

func isStable(latencies []float64) bool {
	recent := latencies
	if len(recent) > stabilitySamples {
		recent = recent[len(recent)-stabilitySamples:]
	}
	if len(recent) < stabilityMinSamples {
		return false
	}
	lo, hi := recent[0], recent[0]
	for _, l := range recent[1:] {
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}
	return hi-lo < stabilitySpreadMs
}
