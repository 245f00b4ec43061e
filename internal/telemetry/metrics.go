// Package telemetry exposes Prometheus instrumentation for the engine
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names
const (
	MetricTicksTotal         = "perparb_ticks_total"
	MetricEdgeBps            = "perparb_edge_bps"
	MetricGateState          = "perparb_gate_state"
	MetricDispatchesTotal    = "perparb_dispatches_total"
	MetricPositionsOpen      = "perparb_positions_open"
	MetricPnLRealizedTotal   = "perparb_pnl_realized_usd_total"
	MetricFeedStale          = "perparb_feed_stale"
	MetricFeedLatency        = "perparb_feed_latency_ms"
	MetricLatencyTickToTrade = "perparb_latency_tick_to_trade_ms"
	MetricOpportunitiesTotal = "perparb_opportunities_total"
	MetricBroadcastClients   = "perparb_broadcast_clients"
)

// Metrics holds the initialized instruments
type Metrics struct {
	TicksTotal         prometheus.Counter
	EdgeBps            *prometheus.GaugeVec
	GateState          prometheus.Gauge
	DispatchesTotal    *prometheus.CounterVec
	PositionsOpen      prometheus.Gauge
	PnLRealizedTotal   prometheus.Gauge
	FeedStale          prometheus.Gauge
	FeedLatency        prometheus.Histogram
	LatencyTickToTrade prometheus.Histogram
	OpportunitiesTotal *prometheus.CounterVec
	BroadcastClients   prometheus.Gauge
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder, registering the
// instruments on first use
func GetGlobalMetrics() *Metrics {
	initOnce.Do(func() {
		globalMetrics = &Metrics{
			TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: MetricTicksTotal,
				Help: "Merged book ticks processed",
			}),
			EdgeBps: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: MetricEdgeBps,
				Help: "Latest edge in basis points by direction",
			}, []string{"direction"}),
			GateState: promauto.NewGauge(prometheus.GaugeOpts{
				Name: MetricGateState,
				Help: "Stability gate state (0=idle 1=armed 2=firing 3=cooldown)",
			}),
			DispatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: MetricDispatchesTotal,
				Help: "Dispatch attempts by terminal outcome",
			}, []string{"outcome"}),
			PositionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
				Name: MetricPositionsOpen,
				Help: "Hedged positions currently open",
			}),
			PnLRealizedTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: MetricPnLRealizedTotal,
				Help: "Cumulative realized profit and loss in USD",
			}),
			FeedStale: promauto.NewGauge(prometheus.GaugeOpts{
				Name: MetricFeedStale,
				Help: "Feed staleness flag (1=stale)",
			}),
			FeedLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    MetricFeedLatency,
				Help:    "Source-to-receive latency of book updates",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}),
			LatencyTickToTrade: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    MetricLatencyTickToTrade,
				Help:    "Time from tick receipt to dispatch return",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			}),
			OpportunitiesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: MetricOpportunitiesTotal,
				Help: "Observed opportunities by volatility source",
			}, []string{"source"}),
			BroadcastClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: MetricBroadcastClients,
				Help: "Connected broadcast observers",
			}),
		}
	})
	return globalMetrics
}
