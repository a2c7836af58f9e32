package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type meshMetrics struct {
	packetsReceived   *prometheus.CounterVec
	packetsRelayed    *prometheus.CounterVec
	duplicatesFiltered prometheus.Counter
	rateLimited       *prometheus.CounterVec
	acksSent          prometheus.Counter
	acksReceived      prometheus.Counter
	cacheSize         prometheus.Gauge
	activeNeighbors   prometheus.Gauge
	avgReliability    prometheus.Gauge
	evicted           *prometheus.CounterVec
	priorityQueueSize *prometheus.GaugeVec
}

var (
	meshMetricsOnce sync.Once
	meshRegistry    *meshMetrics

	transportMetricsOnce sync.Once
	transportRegistry    *transportMetrics
)

// Mesh returns the lazily-initialised registry for packet manager metrics
// (spec §9: cache size, active neighbors, per-reason counters).
func Mesh() *meshMetrics {
	meshMetricsOnce.Do(func() {
		meshRegistry = &meshMetrics{
			packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "packets_received_total",
				Help:      "Packets admitted into the mesh cache, segmented by packet type.",
			}, []string{"packet_type"}),
			packetsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "packets_relayed_total",
				Help:      "Packets forwarded to another transport, segmented by transport tag.",
			}, []string{"transport"}),
			duplicatesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "duplicates_filtered_total",
				Help:      "Packets rejected because their packet_id was already seen.",
			}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "rate_limited_total",
				Help:      "Packets rejected by the per-sender rate window, segmented by sender.",
			}, []string{"sender"}),
			acksSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "acks_sent_total",
				Help:      "Acknowledgement packets created by this node.",
			}),
			acksReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "acks_received_total",
				Help:      "Acknowledgements reconciled against a pending outbound packet.",
			}),
			cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "cache_size",
				Help:      "Current number of packets held in the packet cache.",
			}),
			activeNeighbors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "active_neighbors",
				Help:      "Neighbors observed within the topology's active window.",
			}),
			avgReliability: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "avg_neighbor_reliability",
				Help:      "Mean reliability score across all tracked neighbors (0.1-1.0).",
			}),
			evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "cache_evicted_total",
				Help:      "Packets removed from the cache, segmented by eviction reason.",
			}, []string{"reason"}),
			priorityQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "sonicnet",
				Subsystem: "mesh",
				Name:      "priority_queue_size",
				Help:      "Pending entries in a priority queue, segmented by queue name.",
			}, []string{"queue"}),
		}
		prometheus.MustRegister(
			meshRegistry.packetsReceived,
			meshRegistry.packetsRelayed,
			meshRegistry.duplicatesFiltered,
			meshRegistry.rateLimited,
			meshRegistry.acksSent,
			meshRegistry.acksReceived,
			meshRegistry.cacheSize,
			meshRegistry.activeNeighbors,
			meshRegistry.avgReliability,
			meshRegistry.evicted,
			meshRegistry.priorityQueueSize,
		)
	})
	return meshRegistry
}

// RecordReceived increments the received counter for a packet type.
func (m *meshMetrics) RecordReceived(packetType string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(labelOrUnknown(packetType)).Inc()
}

// RecordRelayed increments the relayed counter for a transport tag.
func (m *meshMetrics) RecordRelayed(transportTag string) {
	if m == nil {
		return
	}
	m.packetsRelayed.WithLabelValues(labelOrUnknown(transportTag)).Inc()
}

// RecordDuplicate increments the duplicate-filtered counter.
func (m *meshMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesFiltered.Inc()
}

// RecordRateLimited increments the rate-limited counter for a sender.
func (m *meshMetrics) RecordRateLimited(senderID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(labelOrUnknown(senderID)).Inc()
}

// RecordAckSent increments the acks-sent counter.
func (m *meshMetrics) RecordAckSent() {
	if m == nil {
		return
	}
	m.acksSent.Inc()
}

// RecordAckReceived increments the acks-received counter.
func (m *meshMetrics) RecordAckReceived() {
	if m == nil {
		return
	}
	m.acksReceived.Inc()
}

// SetCacheSize updates the cache size gauge.
func (m *meshMetrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

// SetActiveNeighbors updates the active-neighbor gauge.
func (m *meshMetrics) SetActiveNeighbors(n int) {
	if m == nil {
		return
	}
	m.activeNeighbors.Set(float64(n))
}

// SetAvgReliability updates the mean reliability gauge.
func (m *meshMetrics) SetAvgReliability(avg float64) {
	if m == nil {
		return
	}
	m.avgReliability.Set(avg)
}

// RecordEvicted increments the eviction counter for a reason ("expired" or
// "capacity").
func (m *meshMetrics) RecordEvicted(reason string, delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.evicted.WithLabelValues(labelOrUnknown(reason)).Add(float64(delta))
}

// SetPriorityQueueSize updates the named queue's pending-entries gauge.
func (m *meshMetrics) SetPriorityQueueSize(queue string, n int) {
	if m == nil {
		return
	}
	m.priorityQueueSize.WithLabelValues(labelOrUnknown(queue)).Set(float64(n))
}

// transportMetrics tracks the per-medium send/receive counters every
// transport (spec §4.2) exposes.
type transportMetrics struct {
	sent          *prometheus.CounterVec
	received      *prometheus.CounterVec
	sendErrors    *prometheus.CounterVec
	receiveErrors *prometheus.CounterVec
	sendLatency   *prometheus.HistogramVec
}

// Transports returns the lazily-initialised per-transport metrics registry.
func Transports() *transportMetrics {
	transportMetricsOnce.Do(func() {
		transportRegistry = &transportMetrics{
			sent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "transport",
				Name:      "sent_total",
				Help:      "Packets successfully handed to a medium for transmission.",
			}, []string{"transport"}),
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "transport",
				Name:      "received_total",
				Help:      "Packets successfully decoded off a medium.",
			}, []string{"transport"}),
			sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "transport",
				Name:      "send_errors_total",
				Help:      "Send failures, segmented by transport.",
			}, []string{"transport"}),
			receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "sonicnet",
				Subsystem: "transport",
				Name:      "receive_errors_total",
				Help:      "Decode or validation failures, segmented by transport.",
			}, []string{"transport"}),
			sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "sonicnet",
				Subsystem: "transport",
				Name:      "send_duration_seconds",
				Help:      "Latency of a single Send call, segmented by transport.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"transport"}),
		}
		prometheus.MustRegister(
			transportRegistry.sent,
			transportRegistry.received,
			transportRegistry.sendErrors,
			transportRegistry.receiveErrors,
			transportRegistry.sendLatency,
		)
	})
	return transportRegistry
}

// Observe adds the given sent/received/error counts to the transport's
// counters and, when sendDuration is positive, records it as one send
// latency sample.
func (m *transportMetrics) Observe(transportTag string, sent, received, sendErr, recvErr uint64, sendDuration time.Duration) {
	if m == nil {
		return
	}
	tag := labelOrUnknown(transportTag)
	if sent > 0 {
		m.sent.WithLabelValues(tag).Add(float64(sent))
	}
	if received > 0 {
		m.received.WithLabelValues(tag).Add(float64(received))
	}
	if sendErr > 0 {
		m.sendErrors.WithLabelValues(tag).Add(float64(sendErr))
	}
	if recvErr > 0 {
		m.receiveErrors.WithLabelValues(tag).Add(float64(recvErr))
	}
	if sendDuration > 0 {
		m.sendLatency.WithLabelValues(tag).Observe(sendDuration.Seconds())
	}
}

func labelOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
