package datagram

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CiaranWoodward/commbridge/metric"
)

// channelMetrics holds Prometheus metrics for a datagram channel.
// A nil *channelMetrics records nothing.
type channelMetrics struct {
	sentTotal     prometheus.Counter
	receivedTotal prometheus.Counter
	drops         *prometheus.CounterVec

	registry *metric.Registry
	service  string
}

func newChannelMetrics(registry *metric.Registry, local string, logger *slog.Logger) *channelMetrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"local": local}
	m := &channelMetrics{
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "datagram",
			Name:        "sent_total",
			Help:        "Datagrams sent",
			ConstLabels: labels,
		}),
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "datagram",
			Name:        "received_messages_total",
			Help:        "Messages received in datagrams",
			ConstLabels: labels,
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "datagram",
			Name:        "dropped_total",
			Help:        "Datagrams or messages dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
	m.registry, m.service = registry, "datagram_"+local
	registry.RegisterAll(logger, m.service,
		metric.Named{Name: "sent", Collector: m.sentTotal},
		metric.Named{Name: "received", Collector: m.receivedTotal},
		metric.Named{Name: "drops", Collector: m.drops},
	)
	return m
}

// unregister removes the channel's collectors, so a later channel on the same address can register
func (m *channelMetrics) unregister() {
	if m != nil {
		m.registry.UnregisterService(m.service)
	}
}

func (m *channelMetrics) sent() {
	if m != nil {
		m.sentTotal.Inc()
	}
}

func (m *channelMetrics) received(n int) {
	if m != nil {
		m.receivedTotal.Add(float64(n))
	}
}

func (m *channelMetrics) dropped(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}
