// Package metrics holds the Prometheus collectors of the Shinobi plugin.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Shinobi API
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shinobi_request_duration_seconds",
			Help:    "Duration of Shinobi API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_requests_total",
			Help: "Total number of Shinobi API requests by outcome",
		},
		[]string{"operation", "result"}, // result: ok, transport, decode, authentication, unknown
	)

	// Camera polling
	PollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_camera_poll_failures_total",
			Help: "Total number of failed camera state refreshes",
		},
		[]string{"monitor"},
	)

	CameraRecording = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shinobi_camera_recording",
			Help: "1 if the monitor is recording, 0 otherwise",
		},
		[]string{"monitor"},
	)

	// Commands counts mode changes received from the messenger.
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_camera_commands_total",
			Help: "Total number of camera mode commands received",
		},
		[]string{"mode"},
	)

	CamerasExposed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinobi_cameras_exposed",
			Help: "Number of monitors exposed as camera entities after filtering",
		},
	)
)

// ObserveRequest records one API call. An empty result means success.
func ObserveRequest(operation, result string, d time.Duration) {
	if result == "" {
		result = "ok"
	}
	RequestDuration.WithLabelValues(operation).Observe(d.Seconds())
	Requests.WithLabelValues(operation, result).Inc()
}

func SetRecording(monitor string, recording bool) {
	v := 0.0
	if recording {
		v = 1
	}
	CameraRecording.WithLabelValues(monitor).Set(v)
}

// ForgetCamera drops the per-monitor series of a camera that went away.
func ForgetCamera(monitor string) {
	CameraRecording.DeleteLabelValues(monitor)
	PollFailures.DeleteLabelValues(monitor)
}
