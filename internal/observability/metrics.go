package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgebuild/forge/internal/event"
)

// Metrics exports build progress as Prometheus collectors (spec §4.K).
// Each field is registered against the Registerer passed to NewMetrics so
// callers can mount it under their own /metrics handler.
type Metrics struct {
	targetsTotal   *prometheus.CounterVec
	actionDuration prometheus.Histogram
	inFlight       prometheus.Gauge

	sub *event.Subscription
	bus *event.Bus
	done chan struct{}
}

// NewMetrics registers the collectors against reg and starts a goroutine
// translating bus events into metric updates.
func NewMetrics(reg prometheus.Registerer, bus *event.Bus) *Metrics {
	m := &Metrics{
		targetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "targets_total",
			Help:      "Count of targets reaching each terminal state.",
		}, []string{"result"}),
		actionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forge",
			Name:      "action_duration_seconds",
			Help:      "Wall-clock duration of executed actions.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "targets_in_flight",
			Help:      "Number of targets currently running.",
		}),
		bus:  bus,
		done: make(chan struct{}),
	}
	reg.MustRegister(m.targetsTotal, m.actionDuration, m.inFlight)

	m.sub = bus.Subscribe(event.KindTargetStarted|event.KindTargetSucceeded|event.KindTargetFailed|event.KindTargetCached, 64)
	go m.consume()
	return m
}

func (m *Metrics) consume() {
	for {
		select {
		case ev, ok := <-m.sub.Events():
			if !ok {
				return
			}
			m.apply(ev)
		case <-m.done:
			return
		}
	}
}

func (m *Metrics) apply(ev event.Event) {
	switch ev.Kind {
	case event.KindTargetStarted:
		m.inFlight.Inc()
	case event.KindTargetSucceeded:
		m.inFlight.Dec()
		m.targetsTotal.WithLabelValues("succeeded").Inc()
		if d, ok := ev.Fields["duration_seconds"].(float64); ok {
			m.actionDuration.Observe(d)
		}
	case event.KindTargetFailed:
		m.inFlight.Dec()
		m.targetsTotal.WithLabelValues("failed").Inc()
	case event.KindTargetCached:
		m.targetsTotal.WithLabelValues("cached").Inc()
	}
}

// Close stops the consuming goroutine and unsubscribes from the bus. It
// does not unregister the collectors.
func (m *Metrics) Close() {
	close(m.done)
	m.bus.Unsubscribe(m.sub)
}
