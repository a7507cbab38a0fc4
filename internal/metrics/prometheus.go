package metrics

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder mirrors the transition log into in-process Prometheus
// metrics for scraping.
type PrometheusRecorder struct {
	once        sync.Once
	transitions *prom.CounterVec
	duration    prom.Histogram
	diskUsage   prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.transitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "retentiond",
			Name:      "transitions_total",
			Help:      "Transition attempts by target state, trigger and result",
		}, []string{"to_state", "trigger", "result"})
		pr.duration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "retentiond",
			Name:      "transition_duration_seconds",
			Help:      "Duration of transition attempts",
			Buckets:   prom.DefBuckets,
		})
		pr.diskUsage = prom.NewGauge(prom.GaugeOpts{
			Namespace: "retentiond",
			Name:      "disk_usage_percent",
			Help:      "Last observed disk usage percentage",
		})
		reg.MustRegister(pr.transitions, pr.duration, pr.diskUsage)
	})
	return pr
}

func (pr *PrometheusRecorder) RecordTransition(_ context.Context, ev Event) error {
	pr.transitions.WithLabelValues(ev.ToState, ev.Trigger, ev.Result).Inc()
	pr.duration.Observe(ev.DurationMS / 1000.0)
	return nil
}

func (pr *PrometheusRecorder) RecordDiskUsage(percent float64) {
	pr.diskUsage.Set(percent)
}

func (pr *PrometheusRecorder) Close() error { return nil }

// Observe helper for callers that track durations directly.
func (pr *PrometheusRecorder) ObserveTransitionDuration(d time.Duration) {
	pr.duration.Observe(d.Seconds())
}
