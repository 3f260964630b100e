// Package metrics holds the Prometheus instrumentation of the service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal     *prometheus.CounterVec   // by endpoint and outcome
	InferenceDuration *prometheus.HistogramVec // by model
	DetectionsTotal   *prometheus.CounterVec   // by model and class name
	NotificationsSent *prometheus.CounterVec   // by subject and status

	registry *prometheus.Registry
}

// New creates the service metrics and registers them on registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_requests_total",
				Help: "Detection requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		InferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "detection_inference_duration_seconds",
				Help:    "Wall-clock time of one model invocation",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"model"},
		),
		DetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_objects_total",
				Help: "Objects detected by model and class",
			},
			[]string{"model", "class"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "detection_notifications_total",
				Help: "Alert emails by subject and delivery status",
			},
			[]string{"subject", "status"},
		),
	}

	for _, c := range []prometheus.Collector{m.RequestsTotal, m.InferenceDuration, m.DetectionsTotal, m.NotificationsSent} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveInference(model string, elapsed time.Duration) {
	m.InferenceDuration.WithLabelValues(model).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDetection(model, class string) {
	m.DetectionsTotal.WithLabelValues(model, class).Inc()
}

func (m *Metrics) ObserveNotification(subject string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsSent.WithLabelValues(subject, status).Inc()
}
