package bridge

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CiaranWoodward/commbridge/metric"
)

// Drop reasons
const (
	dropNoTarget    = "no_datagram_target"
	dropNoSession   = "session_unavailable"
	dropBusy        = "session_busy"
	dropPostFailed  = "post_failed"
	dropSendFailed  = "send_failed"
	dropLoop        = "loop"
	dropEcho        = "echo"
	dropRuleInvalid = "rule_invalid"
)

// routerMetrics holds Prometheus metrics for the bridge router.
// A nil *routerMetrics records nothing.
type routerMetrics struct {
	forwardedTotal *prometheus.CounterVec
	drops          *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	communities    prometheus.Gauge
}

func newRouterMetrics(registry *metric.Registry, local string, logger *slog.Logger) *routerMetrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"local": local}
	m := &routerMetrics{
		forwardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "forwarded_total",
			Help:        "Messages forwarded between communities, by transport",
			ConstLabels: labels,
		}, []string{"transport"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "dropped_total",
			Help:        "Forwards and rules dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "cycle_duration_seconds",
			Help:        "Time spent in one forwarding cycle",
			Buckets:     []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			ConstLabels: labels,
		}),
		communities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "bridge",
			Name:        "communities",
			Help:        "Configured community handles",
			ConstLabels: labels,
		}),
	}
	registry.RegisterAll(logger, "bridge_"+local,
		metric.Named{Name: "forwarded", Collector: m.forwardedTotal},
		metric.Named{Name: "drops", Collector: m.drops},
		metric.Named{Name: "cycle_duration", Collector: m.cycleDuration},
		metric.Named{Name: "communities", Collector: m.communities},
	)
	return m
}

func (m *routerMetrics) forwarded(transport string) {
	if m != nil {
		m.forwardedTotal.WithLabelValues(transport).Inc()
	}
}

func (m *routerMetrics) dropped(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *routerMetrics) cycle(d time.Duration) {
	if m != nil {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *routerMetrics) communityCount(n int) {
	if m != nil {
		m.communities.Set(float64(n))
	}
}
