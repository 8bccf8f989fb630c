package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ropnet"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests to the diagnostics server.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rx",
			Name:      "frames_total",
			Help:      "Inbound frames by processing result.",
		},
		[]string{"channel", "result"},
	)
	ropsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rx",
			Name:      "rops_total",
			Help:      "Inbound operations by opcode and outcome.",
		},
		[]string{"channel", "opcode", "outcome"},
	)
	sequenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rx",
			Name:      "sequence_errors_total",
			Help:      "Frames whose sequence number was not the expected successor.",
		},
		[]string{"channel", "remote"},
	)
	framesTransmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "frames_total",
			Help:      "Outbound frame preparations by result.",
		},
		[]string{"channel", "result"},
	)
	ropsTransmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "rops_total",
			Help:      "Outbound operations by pool class.",
		},
		[]string{"channel", "class"},
	)
	frameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "frame_bytes",
			Help:      "Encoded size of prepared outbound frames.",
			Buckets:   prometheus.LinearBuckets(64, 128, 8),
		},
		[]string{"channel"},
	)
	linkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "UDP read and write failures by direction.",
		},
		[]string{"channel", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesReceived, ropsReceived, sequenceErrors,
			framesTransmitted, ropsTransmitted, frameBytes,
			linkErrors,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrameReceived counts one inbound frame. result is "ok", "malformed" or "rejected".
func RecordFrameReceived(channel, result string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(channel, result).Inc()
}

// RecordROPReceived counts one inbound operation. outcome is "applied", "skipped" or "dropped".
func RecordROPReceived(channel, opcode, outcome string) {
	RegisterMetrics()
	ropsReceived.WithLabelValues(channel, opcode, outcome).Inc()
}

func RecordSequenceError(channel, remote string) {
	RegisterMetrics()
	sequenceErrors.WithLabelValues(channel, remote).Inc()
}

// RecordFramePrepared counts one outbound prepare attempt and its per-class operations.
func RecordFramePrepared(channel string, ok bool, replies, occasionals, regulars, size int) {
	RegisterMetrics()
	if !ok {
		framesTransmitted.WithLabelValues(channel, "overflow").Inc()
		return
	}
	framesTransmitted.WithLabelValues(channel, "ok").Inc()
	ropsTransmitted.WithLabelValues(channel, "reply").Add(float64(replies))
	ropsTransmitted.WithLabelValues(channel, "occasional").Add(float64(occasionals))
	ropsTransmitted.WithLabelValues(channel, "regular").Add(float64(regulars))
	frameBytes.WithLabelValues(channel).Observe(float64(size))
}

// RecordLinkError counts one socket failure. direction is "read" or "write".
func RecordLinkError(channel, direction string) {
	RegisterMetrics()
	linkErrors.WithLabelValues(channel, direction).Inc()
}
