// Package metrics registers and exposes every metric family from
// spec.md §6 on a private prometheus.Registry (never the global default,
// so multiple proxies can run in one test binary without collector
// collisions).
//
// Grounded on caddyserver-caddy's metrics.go: a package-level struct of
// promauto-constructed collectors built once at init, generalized here to
// an explicit constructor bound to its own registry rather than the
// process-wide default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vixy"

// Metrics is the full set of collectors spec.md §6 names. All fields are
// non-nil after New.
type Metrics struct {
	registry *prometheus.Registry

	ELRequestsTotal        *prometheus.CounterVec
	ELRequestDuration      *prometheus.HistogramVec
	ELNodeBlockNumber      *prometheus.GaugeVec
	ELNodeLagBlocks        *prometheus.GaugeVec
	ELNodeHealthy          *prometheus.GaugeVec
	ELFailoverActive       prometheus.Gauge
	ELFailoversTotal       prometheus.Counter
	ELChainHead            prometheus.Gauge
	ELHealthyNodes         prometheus.Gauge

	CLRequestsTotal   *prometheus.CounterVec
	CLRequestDuration *prometheus.HistogramVec
	CLNodeSlot        *prometheus.GaugeVec
	CLNodeLagSlots    *prometheus.GaugeVec
	CLNodeHealthy     *prometheus.GaugeVec
	CLChainHead       prometheus.Gauge
	CLHealthyNodes    prometheus.Gauge

	WSConnectionsActive          prometheus.Gauge
	WSConnectionsTotal           prometheus.Counter
	WSMessagesTotal              *prometheus.CounterVec
	WSReconnectionsTotal         prometheus.Counter
	WSReconnectionAttemptsTotal  *prometheus.CounterVec
	WSSubscriptionsActive        prometheus.Gauge
	WSSubscriptionsTotal         prometheus.Counter
	WSUpstreamNode               *prometheus.GaugeVec
}

// New builds every collector on a fresh, private registry and also
// registers the standard process/Go collectors caddy's build-info
// registration pattern includes.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		ELRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "el_requests_total", Help: "EL JSON-RPC requests forwarded, by node and tier.",
		}, []string{"node", "tier"}),
		ELRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "el_request_duration_seconds", Help: "EL upstream request latency.",
		}, []string{"node", "tier"}),
		ELNodeBlockNumber: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_node_block_number", Help: "Last observed block number per EL node.",
		}, []string{"node", "tier"}),
		ELNodeLagBlocks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_node_lag_blocks", Help: "Blocks behind the fleet head per EL node.",
		}, []string{"node", "tier"}),
		ELNodeHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_node_healthy", Help: "1 if the EL node is currently healthy.",
		}, []string{"node", "tier"}),
		ELFailoverActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_failover_active", Help: "1 while EL traffic is being served from backups.",
		}),
		ELFailoversTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "el_failovers_total", Help: "Count of EL failover activations.",
		}),
		ELChainHead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_chain_head", Help: "Highest observed EL block across the fleet.",
		}),
		ELHealthyNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "el_healthy_nodes", Help: "Count of currently healthy EL nodes.",
		}),

		CLRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cl_requests_total", Help: "CL Beacon API requests forwarded, by node.",
		}, []string{"node"}),
		CLRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cl_request_duration_seconds", Help: "CL upstream request latency.",
		}, []string{"node"}),
		CLNodeSlot: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cl_node_slot", Help: "Last observed head slot per CL node.",
		}, []string{"node"}),
		CLNodeLagSlots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cl_node_lag_slots", Help: "Slots behind the fleet head per CL node.",
		}, []string{"node"}),
		CLNodeHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cl_node_healthy", Help: "1 if the CL node is currently healthy.",
		}, []string{"node"}),
		CLChainHead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cl_chain_head", Help: "Highest observed CL slot across the fleet.",
		}),
		CLHealthyNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cl_healthy_nodes", Help: "Count of currently healthy CL nodes.",
		}),

		WSConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections_active", Help: "Currently open client WebSocket connections.",
		}),
		WSConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_connections_total", Help: "Client WebSocket connections accepted.",
		}),
		WSMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_messages_total", Help: "WebSocket frames relayed, by direction.",
		}, []string{"direction"}),
		WSReconnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_reconnections_total", Help: "Upstream swaps initiated.",
		}),
		WSReconnectionAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_reconnection_attempts_total", Help: "Upstream swap outcomes, by status.",
		}, []string{"status"}),
		WSSubscriptionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_subscriptions_active", Help: "Live eth_subscribe subscriptions across all connections.",
		}),
		WSSubscriptionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_subscriptions_total", Help: "Subscriptions established (non-replay).",
		}),
		WSUpstreamNode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_upstream_node", Help: "1 for the node a WS connection is currently attached to.",
		}, []string{"node"}),
	}

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
