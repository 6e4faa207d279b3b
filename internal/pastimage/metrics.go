package pastimage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the selector's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	framesTotal     *prometheus.CounterVec
	selectionsTotal prometheus.Counter
	policyErrors    prometheus.Counter
	archiveFrames   prometheus.Gauge
	evaluateSeconds prometheus.Histogram
}

// NewMetrics registers the selector instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// result is one of "indexed", "unindexed" or "stale"
		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastimage_frames_total",
			Help: "Frames materialised from the pending buffer, by result",
		}, []string{"result"}),
		selectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pastimage_selections_total",
			Help: "Past images selected and published",
		}),
		policyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pastimage_policy_errors_total",
			Help: "Policy evaluations that returned an error",
		}),
		archiveFrames: f.NewGauge(prometheus.GaugeOpts{
			Name: "pastimage_archive_frames",
			Help: "Frames currently held in the archive",
		}),
		evaluateSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pastimage_evaluate_duration_seconds",
			Help:    "Policy evaluation latency",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~330ms
		}),
	}
}

func (m *Metrics) frame(result string, archived int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(result).Inc()
	m.archiveFrames.Set(float64(archived))
}

func (m *Metrics) selection() {
	if m == nil {
		return
	}
	m.selectionsTotal.Inc()
}

func (m *Metrics) policyError() {
	if m == nil {
		return
	}
	m.policyErrors.Inc()
}

func (m *Metrics) observeEvaluate(d time.Duration) {
	if m == nil {
		return
	}
	m.evaluateSeconds.Observe(d.Seconds())
}
