package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process's Prometheus collectors. We use our own registry
// rather than the global one, so tests can create as many servers as they
// like.
type Metrics struct {
	registry *prometheus.Registry

	FramesProcessed    prometheus.Counter
	FramesSkipped      prometheus.Counter
	DetectionsAccepted prometheus.Counter
	DetectionsRejected prometheus.Counter
	VehiclesCounted    prometheus.Counter
	SessionsTotal      prometheus.Counter
	ActiveSessions     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_frames_processed_total",
			Help: "Frames that completed counting",
		}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_frames_skipped_total",
			Help: "Frames skipped before the session was initialized",
		}),
		DetectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_detections_accepted_total",
			Help: "Detections that passed the class allow-list and box validation",
		}),
		DetectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_detections_rejected_total",
			Help: "Detections dropped for a malformed bounding box",
		}),
		VehiclesCounted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_vehicles_counted_total",
			Help: "Line crossings counted, across all sessions",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "countcam_sessions_total",
			Help: "Sessions created since startup",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "countcam_active_sessions",
			Help: "Sessions currently live",
		}),
	}
	m.registry.MustRegister(
		m.FramesProcessed,
		m.FramesSkipped,
		m.DetectionsAccepted,
		m.DetectionsRejected,
		m.VehiclesCounted,
		m.SessionsTotal,
		m.ActiveSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
