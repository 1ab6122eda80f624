package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frames_received_total",
			Help:      "Frames published into the slot pool.",
		},
		[]string{"device"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes received in published frames.",
		},
		[]string{"device"},
	)
	frameSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frame_size_bytes",
			Help:      "Size of received frame payloads.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		},
		[]string{"device"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frames_dropped_total",
			Help:      "Frames read off the wire but discarded because every slot was leased.",
		},
		[]string{"device"},
	)
	framesTaken = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "frames_taken_total",
			Help:      "Frames handed to the consumer.",
		},
		[]string{"device"},
	)
	commandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "RequestSerial commands sent to the device.",
		},
		[]string{"device", "success"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "stream",
			Name:      "terminations_total",
			Help:      "Receive loop exits by terminal status.",
		},
		[]string{"device", "status"},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camlink",
			Subsystem: "driver",
			Name:      "reconnects_total",
			Help:      "Client reconnect attempts made by the driver.",
		},
		[]string{"device"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesReceived, frameBytes, frameSize, framesDropped, framesTaken, commandsSent, terminations, reconnects)
	})
}

func RecordFrameReceived(device string, size int) {
	RegisterMetrics()
	framesReceived.WithLabelValues(device).Inc()
	frameBytes.WithLabelValues(device).Add(float64(size))
	frameSize.WithLabelValues(device).Observe(float64(size))
}

func RecordFrameDropped(device string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(device).Inc()
}

func RecordFrameTaken(device string) {
	RegisterMetrics()
	framesTaken.WithLabelValues(device).Inc()
}

func RecordCommand(device string, success bool) {
	RegisterMetrics()
	label := "false"
	if success {
		label = "true"
	}
	commandsSent.WithLabelValues(device, label).Inc()
}

func RecordTermination(device, status string) {
	RegisterMetrics()
	terminations.WithLabelValues(device, status).Inc()
}

func RecordReconnect(device string) {
	RegisterMetrics()
	reconnects.WithLabelValues(device).Inc()
}
