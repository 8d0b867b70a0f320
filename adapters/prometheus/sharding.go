package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/clstr-sharding/core/sharding"
)

// shardingMetrics implements sharding.Metrics using Prometheus.
type shardingMetrics struct {
	routesTotal        *prometheus.CounterVec
	handleOpenDuration *prometheus.HistogramVec
	handleOpensTotal   *prometheus.CounterVec
	handlesOpen        *prometheus.GaugeVec
	fanOutDuration     *prometheus.HistogramVec
	fanOutShardsTotal  *prometheus.CounterVec
	putDuration        *prometheus.HistogramVec
	putsTotal          *prometheus.CounterVec
}

// NewShardingMetrics creates a new Prometheus implementation of sharding.Metrics.
func NewShardingMetrics(reg prometheus.Registerer) sharding.Metrics {
	m := &shardingMetrics{
		routesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of routed keys",
		}, []string{"cluster", "success"}),

		handleOpenDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_open_duration_seconds",
			Help:      "Time to open a shard handle in seconds",
			Buckets:   latencyBuckets,
		}, []string{"cluster"}),

		handleOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_opens_total",
			Help:      "Total number of shard handle open attempts",
		}, []string{"cluster", "shard", "success"}),

		handlesOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_open",
			Help:      "Number of cached shard handles",
		}, []string{"cluster"}),

		fanOutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Duration of a fan-out over all shards in seconds",
			Buckets:   latencyBuckets,
		}, []string{"cluster"}),

		fanOutShardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_shards_total",
			Help:      "Per-shard fan-out outcomes",
		}, []string{"cluster", "shard", "outcome"}),

		putDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_duration_seconds",
			Help:      "Routed put latency in seconds",
			Buckets:   latencyBuckets,
		}, []string{"cluster"}),

		putsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "puts_total",
			Help:      "Total number of routed puts",
		}, []string{"cluster", "success"}),
	}

	reg.MustRegister(
		m.routesTotal,
		m.handleOpenDuration,
		m.handleOpensTotal,
		m.handlesOpen,
		m.fanOutDuration,
		m.fanOutShardsTotal,
		m.putDuration,
		m.putsTotal,
	)

	return m
}

func (m *shardingMetrics) RouteCompleted(cluster string, ok bool) {
	m.routesTotal.WithLabelValues(cluster, success(ok)).Inc()
}

func (m *shardingMetrics) HandleOpenDuration(cluster string) sharding.Timer {
	return newTimer(m.handleOpenDuration.WithLabelValues(cluster))
}

func (m *shardingMetrics) HandleOpened(cluster string, shard string, ok bool) {
	m.handleOpensTotal.WithLabelValues(cluster, shard, success(ok)).Inc()
}

func (m *shardingMetrics) HandlesOpen(cluster string, count int) {
	m.handlesOpen.WithLabelValues(cluster).Set(float64(count))
}

func (m *shardingMetrics) FanOutDuration(cluster string) sharding.Timer {
	return newTimer(m.fanOutDuration.WithLabelValues(cluster))
}

func (m *shardingMetrics) FanOutShardCompleted(cluster string, shard string, outcome string) {
	m.fanOutShardsTotal.WithLabelValues(cluster, shard, outcome).Inc()
}

func (m *shardingMetrics) PutDuration(cluster string) sharding.Timer {
	return newTimer(m.putDuration.WithLabelValues(cluster))
}

func (m *shardingMetrics) PutCompleted(cluster string, ok bool) {
	m.putsTotal.WithLabelValues(cluster, success(ok)).Inc()
}

var _ sharding.Metrics = (*shardingMetrics)(nil)
