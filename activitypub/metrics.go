package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation traffic. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// Inbox
	InboxRequests *prometheus.CounterVec // by status

	// Actor resolution
	ActorCacheHits   prometheus.Counter
	ActorFetches     prometheus.Counter
	ActorFetchErrors prometheus.Counter

	// Delivery
	DeliveriesEnqueued  prometheus.Counter
	DeliveriesSucceeded prometheus.Counter
	DeliveriesRetried   prometheus.Counter
	DeliveriesAbandoned prometheus.Counter
	DeliveryLatency     prometheus.Histogram

	// Fan-out
	FanoutDestinations prometheus.Counter
	FanoutFailures     prometheus.Counter
}

// NewMetrics creates and registers the federation metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		InboxRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webstead_inbox_requests_total",
			Help: "Inbound inbox requests by response status",
		}, []string{"status"}),

		ActorCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_actor_cache_hits_total",
			Help: "Actor lookups answered from the cache",
		}),
		ActorFetches: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_actor_fetches_total",
			Help: "Remote actor documents fetched",
		}),
		ActorFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_actor_fetch_errors_total",
			Help: "Remote actor fetches that failed",
		}),

		DeliveriesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_deliveries_enqueued_total",
			Help: "Delivery tasks added to the queue",
		}),
		DeliveriesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_deliveries_succeeded_total",
			Help: "Deliveries accepted by the remote inbox",
		}),
		DeliveriesRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_deliveries_retried_total",
			Help: "Failed delivery attempts scheduled for retry",
		}),
		DeliveriesAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_deliveries_abandoned_total",
			Help: "Deliveries dropped after exhausting all attempts",
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webstead_delivery_duration_seconds",
			Help:    "Duration of outbound delivery requests",
			Buckets: prometheus.DefBuckets,
		}),

		FanoutDestinations: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_fanout_destinations_total",
			Help: "Distinct inboxes targeted by post fan-out",
		}),
		FanoutFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "webstead_fanout_failures_total",
			Help: "Fan-out destinations that could not be queued",
		}),
	}
}

func (m *Metrics) inboxRequest(status string) {
	if m != nil {
		m.InboxRequests.WithLabelValues(status).Inc()
	}
}

// count increments c when metrics are enabled.
func (m *Metrics) count(c func(*Metrics) prometheus.Counter, n int) {
	if m != nil && n > 0 {
		c(m).Add(float64(n))
	}
}

func (m *Metrics) observeDelivery(seconds float64) {
	if m != nil {
		m.DeliveryLatency.Observe(seconds)
	}
}

func cacheHits(m *Metrics) prometheus.Counter          { return m.ActorCacheHits }
func actorFetches(m *Metrics) prometheus.Counter       { return m.ActorFetches }
func actorFetchErrors(m *Metrics) prometheus.Counter   { return m.ActorFetchErrors }
func deliveriesEnqueued(m *Metrics) prometheus.Counter { return m.DeliveriesEnqueued }
func deliveriesOK(m *Metrics) prometheus.Counter       { return m.DeliveriesSucceeded }
func deliveriesRetried(m *Metrics) prometheus.Counter  { return m.DeliveriesRetried }
func deliveriesDropped(m *Metrics) prometheus.Counter  { return m.DeliveriesAbandoned }
func fanoutTargets(m *Metrics) prometheus.Counter      { return m.FanoutDestinations }
func fanoutFailures(m *Metrics) prometheus.Counter     { return m.FanoutFailures }
