package server

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CiaranWoodward/commbridge/metric"
)

// serverMetrics holds Prometheus metrics for a community server.
// A nil *serverMetrics records nothing.
type serverMetrics struct {
	clients       prometheus.Gauge
	notifications prometheus.Counter
	deliveries    prometheus.Counter
	drops         prometheus.Counter
}

func newServerMetrics(registry *metric.Registry, community string, logger *slog.Logger) *serverMetrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"community": community}
	m := &serverMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "server",
			Name:        "clients",
			Help:        "Processes currently connected",
			ConstLabels: labels,
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "server",
			Name:        "notifications_total",
			Help:        "Notifications received from processes",
			ConstLabels: labels,
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "server",
			Name:        "deliveries_total",
			Help:        "Messages queued for delivery to processes",
			ConstLabels: labels,
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "server",
			Name:        "dropped_total",
			Help:        "Deliveries dropped because a process outbox was full",
			ConstLabels: labels,
		}),
	}
	registry.RegisterAll(logger, "server_"+community,
		metric.Named{Name: "clients", Collector: m.clients},
		metric.Named{Name: "notifications", Collector: m.notifications},
		metric.Named{Name: "deliveries", Collector: m.deliveries},
		metric.Named{Name: "drops", Collector: m.drops},
	)
	return m
}

func (m *serverMetrics) clientCount(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *serverMetrics) notified() {
	if m != nil {
		m.notifications.Inc()
	}
}

func (m *serverMetrics) delivered() {
	if m != nil {
		m.deliveries.Inc()
	}
}

func (m *serverMetrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}
