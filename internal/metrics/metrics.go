// Package metrics exposes reconciler diagnostics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/matheus3301/boostsync/internal/archive"
	"github.com/matheus3301/boostsync/internal/bus"
	"github.com/matheus3301/boostsync/internal/chat"
	"github.com/matheus3301/boostsync/internal/order"
	"github.com/matheus3301/boostsync/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boostsync"

// Metrics owns a private registry; nothing is registered globally.
type Metrics struct {
	registry *prometheus.Registry
	writes   *prometheus.CounterVec
	events   *prometheus.CounterVec
	bus      *bus.Bus
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates the collectors and wires gauges to the reconcilers. It also
// installs itself as the status reconciler's write observer.
func New(st *status.Reconciler, msgs *chat.Reconciler, arch *archive.Store, b *bus.Bus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "status",
			Name:      "writes_total",
			Help:      "Status writes offered to the reconciler, by source and outcome.",
		}, []string{"source", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published on the bus, by kind.",
		}, []string{"kind"}),
		bus: b,
	}
	m.registry.MustRegister(m.writes, m.events)

	for _, src := range order.Sources {
		src := src
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "status",
			Name:        "entries",
			Help:        "Cached status entries by source of the winning write.",
			ConstLabels: prometheus.Labels{"source": string(src)},
		}, func() float64 { return float64(st.Stats().BySource[src]) }))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "status",
		Name:      "average_age_seconds",
		Help:      "Average age of cached status entries.",
	}, func() float64 { return st.Stats().AverageAge.Seconds() }))

	for _, s := range []chat.Status{chat.StatusSending, chat.StatusSent, chat.StatusDelivered, chat.StatusRead, chat.StatusFailed} {
		s := s
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "chat",
			Name:        "messages",
			Help:        "Live messages by delivery status.",
			ConstLabels: prometheus.Labels{"status": string(s)},
		}, func() float64 { return float64(msgs.Counts()[s]) }))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "entries",
		Help:      "Archived conversations held in memory.",
	}, func() float64 { return float64(arch.Len()) }))

	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Event deliveries skipped because a subscriber was full.",
	}, func() float64 { return float64(b.Dropped()) }))

	st.SetObserver(m)
	return m
}

// ObserveWrite counts one status write decision.
func (m *Metrics) ObserveWrite(src order.Source, accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.writes.WithLabelValues(string(src), result).Inc()
}

// Start counts message and archive events from the bus.
func (m *Metrics) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	msgCh, unsubMsg := m.bus.Subscribe("message.", 256)
	archCh, unsubArch := m.bus.Subscribe("archive.", 64)

	go func() {
		defer close(m.done)
		defer unsubMsg()
		defer unsubArch()
		for {
			select {
			case evt := <-msgCh:
				m.events.WithLabelValues(evt.Kind).Inc()
			case evt := <-archCh:
				m.events.WithLabelValues(evt.Kind).Inc()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops counting bus events.
func (m *Metrics) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
