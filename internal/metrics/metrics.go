package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for one node.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     prometheus.Histogram
	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	DownstreamCalls   *prometheus.CounterVec
	DownstreamLatency *prometheus.HistogramVec
	ForwardedMessages prometheus.Counter
	DroppedMessages   prometheus.Counter
	StoreEntries      prometheus.Gauge
}

// New creates and registers the node's metrics on the given registerer.
func New(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "engine",
			Name:        "queries_total",
			Help:        "Total queries handled, by verb and outcome",
			ConstLabels: labels,
		}, []string{"verb", "outcome"}),

		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "crashnet",
			Subsystem:   "engine",
			Name:        "query_duration_seconds",
			Help:        "End-to-end query handling duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Result cache hits",
			ConstLabels: labels,
		}),

		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Result cache misses",
			ConstLabels: labels,
		}),

		DownstreamCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "engine",
			Name:        "downstream_calls_total",
			Help:        "Downstream peer queries, by peer and outcome",
			ConstLabels: labels,
		}, []string{"peer", "outcome"}),

		DownstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "crashnet",
			Subsystem:   "engine",
			Name:        "downstream_latency_seconds",
			Help:        "Latency of downstream peer queries",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"peer"}),

		ForwardedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "relay",
			Name:        "forwarded_messages_total",
			Help:        "Data messages relayed toward a peer",
			ConstLabels: labels,
		}),

		DroppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "crashnet",
			Subsystem:   "relay",
			Name:        "dropped_messages_total",
			Help:        "Data messages dropped for lack of a route",
			ConstLabels: labels,
		}),

		StoreEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "crashnet",
			Subsystem:   "store",
			Name:        "entries",
			Help:        "Entries currently held by the local store",
			ConstLabels: labels,
		}),
	}
}
