package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/bridgekeeper/internal/events"
)

// metricsCollector mirrors event.Bus traffic into Prometheus gauges and
// counters, exposed on the supervisor's /metrics endpoint. It is a pure
// subscriber: it never reaches back into other components.
type metricsCollector struct {
	registry *prometheus.Registry

	queueDepth      prometheus.Gauge
	delivered       *prometheus.CounterVec
	deliveryAborted *prometheus.CounterVec
	responsesNew    prometheus.Counter
	responsesDup    prometheus.Counter
	integrityFailed *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
	eventsAccepted  prometheus.Counter
	eventsRejected  *prometheus.CounterVec
}

func newMetricsCollector() *metricsCollector {
	reg := prometheus.NewRegistry()
	m := &metricsCollector{
		registry: reg,
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridgekeeper",
			Name:      "dispatcher_queue_depth",
			Help:      "Number of events currently queued for delivery.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "delivered_total",
			Help:      "Total messages successfully delivered, by chat.",
		}, []string{"chat_id"}),
		deliveryAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "delivery_abandoned_total",
			Help:      "Total deliveries abandoned after exhausting retries.",
		}, []string{"chat_id"}),
		responsesNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "responses_new_total",
			Help:      "Total newly recorded chat responses.",
		}),
		responsesDup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "responses_duplicate_total",
			Help:      "Total duplicate chat responses dropped by the dedup index.",
		}),
		integrityFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "integrity_failures_total",
			Help:      "Total integrity validation failures, by reason.",
		}, []string{"reason"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridgekeeper",
			Name:      "breaker_open",
			Help:      "1 if the named endpoint's circuit breaker is open, else 0.",
		}, []string{"endpoint"}),
		eventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "events_accepted_total",
			Help:      "Total artifacts accepted by intake.",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridgekeeper",
			Name:      "events_quarantined_total",
			Help:      "Total artifacts quarantined by intake, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.queueDepth, m.delivered, m.deliveryAborted, m.responsesNew,
		m.responsesDup, m.integrityFailed, m.breakerOpen, m.eventsAccepted,
		m.eventsRejected,
	)
	return m
}

// observe applies one bus event to the relevant counter/gauge. Unknown
// kinds are ignored; the collector only tracks what it declares.
func (m *metricsCollector) observe(e events.Event) {
	switch e.Kind {
	case events.KindEventAccepted:
		m.eventsAccepted.Inc()
	case events.KindEventQuarantined:
		m.eventsRejected.WithLabelValues(stringField(e.Data, "reason")).Inc()
	case events.KindDelivered:
		m.delivered.WithLabelValues(stringField(e.Data, "chat_id")).Inc()
	case events.KindDeliveryAbandoned:
		m.deliveryAborted.WithLabelValues(stringField(e.Data, "chat_id")).Inc()
	case events.KindResponseNew:
		m.responsesNew.Inc()
	case events.KindResponseDuplicate:
		m.responsesDup.Inc()
	case events.KindIntegrityFailure:
		m.integrityFailed.WithLabelValues(stringField(e.Data, "reason")).Inc()
	case events.KindBreakerOpened:
		m.breakerOpen.WithLabelValues(stringField(e.Data, "endpoint")).Set(1)
	case events.KindBreakerClosed:
		m.breakerOpen.WithLabelValues(stringField(e.Data, "endpoint")).Set(0)
	}
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

// run drains the bus subscription until done is closed, applying each
// event to the collector. Run it in its own goroutine.
func (m *metricsCollector) run(bus *events.Bus, done <-chan struct{}) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.observe(e)
		}
	}
}
