// Package metrics holds the Prometheus collectors shared by the admission
// controller, the notification pipeline and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rsvp"

var (
	// AdmissionOutcomes counts committed admission operations by operation
	// and resulting status.
	AdmissionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admission_outcomes_total",
		Help:      "Committed admission operations by operation and resulting status.",
	}, []string{"op", "status"})

	// Promotions counts waitlist entries moved to going.
	Promotions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "promotions_total",
		Help:      "Waitlist entries promoted to going.",
	})

	// LockWait observes how long an operation waited for the per-event lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "event_lock_wait_seconds",
		Help:      "Time spent waiting for exclusive access to an event ledger.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// LockTimeouts counts attempts that gave up waiting for the lock.
	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_lock_timeouts_total",
		Help:      "Admission attempts that timed out waiting for the event lock.",
	}, []string{"op"})

	// Dispatched counts domain events handed to the broker, by result.
	Dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dispatched_total",
		Help:      "Domain events handed to the notification broker by result (published, dropped, failed).",
	}, []string{"result"})

	// Notifications counts rendered notifications by kind and delivery result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications handed to the sender by kind and result.",
	}, []string{"kind", "result"})

	// HTTPRequests counts served requests by method, route pattern and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	// HTTPDuration observes request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
