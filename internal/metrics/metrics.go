// Package metrics holds the Prometheus collectors of the application.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailcomposer"

// Metrics groups every collector. Create it once with New and pass it to the
// components that report into it.
type Metrics struct {
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	DeliveryRecipients prometheus.Counter
	ConnectionTests    *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Send attempts by transport and outcome.",
		}, []string{"transport", "outcome"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of send attempts.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"transport"}),
		DeliveryRecipients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_recipients_total",
			Help:      "Recipients of successfully sent messages.",
		}),
		ConnectionTests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_tests_total",
			Help:      "SMTP connection tests by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
	}
}

// ObserveDelivery records a send attempt.
func (m *Metrics) ObserveDelivery(transport string, outcome string, recipients int, elapsed time.Duration) {
	m.Deliveries.WithLabelValues(transport, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(transport).Observe(elapsed.Seconds())

	if outcome == "success" {
		m.DeliveryRecipients.Add(float64(recipients))
	}
}

// ObserveConnectionTest records a connection test.
func (m *Metrics) ObserveConnectionTest(outcome string) {
	m.ConnectionTests.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records a handled request.
func (m *Metrics) ObserveHTTP(path, method string, status int, elapsed time.Duration) {
	if path == "" {
		path = "unmatched"
	}

	m.HTTPRequests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}
