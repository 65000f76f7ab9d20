// Package metrics provides Prometheus metrics for the ExamCast mesh.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "examcast"
)

// Drop reasons used as the "reason" label of PacketsDropped.
const (
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
	DropTTL       = "ttl_expired"
	DropSignature = "bad_signature"
)

// Metrics contains all Prometheus metrics for a node.
type Metrics struct {
	// Peer metrics
	PeersConnected  prometheus.Gauge
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec
	DialFailures    prometheus.Counter
	AcceptErrors    prometheus.Counter

	// Flood metrics
	FramesReceived    prometheus.Counter
	PacketsDropped    *prometheus.CounterVec
	PacketsDelivered  prometheus.Counter
	PacketsOriginated prometheus.Counter
	PacketsRelayed    prometheus.Counter
	RelayQueueDrops   prometheus.Counter
	SeenCacheSize     prometheus.Gauge

	// Broadcast metrics
	FramesSent       prometheus.Counter
	BytesSent        prometheus.Counter
	WriteErrors      prometheus.Counter
	BroadcastLatency prometheus.Histogram

	// Discovery metrics
	DiscoveryRuns     prometheus.Counter
	DiscoveredPeers   prometheus.Gauge
	DiscoveryDuration prometheus.Histogram

	// Store metrics
	StoreErrors *prometheus.CounterVec
	Violations  *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered on the default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a Metrics instance registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently registered peer links",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer links registered by transport and direction",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer links removed by reason",
		}, []string{"reason"}),
		DialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Total failed outbound link attempts",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total transient accept loop failures",
		}),

		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound frames handed to the flood handler",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total inbound packets discarded by reason",
		}, []string{"reason"}),
		PacketsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_delivered_total",
			Help:      "Total packets delivered to the local listener",
		}),
		PacketsOriginated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_originated_total",
			Help:      "Total packets originated by this node",
		}),
		PacketsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_relayed_total",
			Help:      "Total packets re-broadcast with a decremented TTL",
		}),
		RelayQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_queue_drops_total",
			Help:      "Total relays dropped because the relay queue was full or the id budget was spent",
		}),
		SeenCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seen_cache_size",
			Help:      "Number of packet ids in the dedup cache",
		}),

		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames successfully written to peer links",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to peer links",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_errors_total",
			Help:      "Total failed writes during broadcast fan-out",
		}),
		BroadcastLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_latency_seconds",
			Help:      "Time for a broadcast fan-out to settle on all peers",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		DiscoveryRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_runs_total",
			Help:      "Total discovery scans",
		}),
		DiscoveredPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_peers",
			Help:      "Number of peers found by the last discovery scan",
		}),
		DiscoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_duration_seconds",
			Help:      "Duration of discovery scans",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 20},
		}),

		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total message store failures by operation",
		}, []string{"op"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Total recorded violations by kind",
		}, []string{"kind"}),
	}
}

// RecordPeerConnect records a newly registered link.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	m.PeersConnected.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a removed link.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordDrop records a discarded inbound packet.
func (m *Metrics) RecordDrop(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordFrameSent records a successful link write of n bytes.
func (m *Metrics) RecordFrameSent(n int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(n))
}

// RecordDiscovery records one discovery scan.
func (m *Metrics) RecordDiscovery(found int, seconds float64) {
	m.DiscoveryRuns.Inc()
	m.DiscoveredPeers.Set(float64(found))
	m.DiscoveryDuration.Observe(seconds)
}

// RecordStoreError records a failed store operation.
func (m *Metrics) RecordStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// RecordViolation records a violation event.
func (m *Metrics) RecordViolation(kind string) {
	m.Violations.WithLabelValues(kind).Inc()
}
