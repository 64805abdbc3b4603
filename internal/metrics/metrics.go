// Package metrics exposes the Prometheus registry for the realtime core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtws_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_disconnects_total",
		Help: "Total disconnections by close code",
	}, []string{"code"})

	// C2 local adapter
	FanoutInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_fanout_inflight",
		Help: "Number of in-flight local fan-out sends across all channels",
	})

	FanoutSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_fanout_sends_total",
		Help: "Total fan-out send attempts by outcome",
	}, []string{"outcome"}) // ok|closed|error

	// C5 horizontal adapter
	HorizontalRequestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_horizontal_requests_sent_total",
		Help: "Total cluster requests issued by request_type",
	}, []string{"request_type"})

	HorizontalResolveSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtws_horizontal_resolve_seconds",
		Help:    "Time to aggregate a cluster request (quorum or timeout)",
		Buckets: prometheus.DefBuckets,
	}, []string{"request_type"})

	HorizontalResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_horizontal_resolved_total",
		Help: "Cluster requests by whether they resolved with non-empty data",
	}, []string{"resolved"}) // true|false

	BroadcastLocalRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtws_broadcast_local_recipients",
		Help:    "Number of local sockets a replayed cluster broadcast reached",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
	})

	// C6 transport
	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtws_transport_reconnects_total",
		Help: "Total transport reconnect events",
	})

	TransportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtws_transport_errors_total",
		Help: "Total transport-level errors observed",
	})

	// Admission control (internal/limits)
	CapacityRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_capacity_rejections_total",
		Help: "Connections rejected by the resource guard, by reason",
	}, []string{"reason"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_cpu_usage_percent",
		Help: "Most recently sampled host-wide CPU usage percent",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_memory_usage_bytes",
		Help: "Most recently sampled heap allocation in bytes",
	})

	GoroutinesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_goroutines_current",
		Help: "Current goroutine count",
	})

	HostMemoryUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtws_host_memory_used_percent",
		Help: "Host-wide memory utilization percent",
	})

	// C3 connection handler
	DisconnectsByReasonTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_disconnects_by_reason_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	SubscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_subscriptions_total",
		Help: "Total successful channel subscriptions by channel type",
	}, []string{"channel_type"})

	SubscriptionErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtws_subscription_errors_total",
		Help: "Total rejected subscription attempts by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsFailed, DisconnectsTotal,
		FanoutInFlight, FanoutSendsTotal,
		HorizontalRequestsSent, HorizontalResolveSeconds, HorizontalResolvedTotal,
		BroadcastLocalRecipients,
		TransportReconnects, TransportErrors,
		CapacityRejectionsTotal, CPUUsagePercent, MemoryUsageBytes, GoroutinesCurrent, HostMemoryUsedPercent,
		DisconnectsByReasonTotal, SubscriptionsTotal, SubscriptionErrorsTotal,
	)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
