package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zapis"

var (
	once sync.Once

	appointments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appointments_total",
			Help:      "Count of appointment lifecycle transitions by action and actor.",
		},
		[]string{"action", "actor"},
	)

	bookingRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_rejected_total",
			Help:      "Count of rejected booking operations by error code.",
		},
		[]string{"code"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Count of outbound notifications by kind and status.",
		},
		[]string{"kind", "status"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of background sweep passes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	promoEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_events_total",
			Help:      "Count of promo redemptions and re-arms.",
		},
		[]string{"event"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP API requests by route and status code.",
		},
		[]string{"route", "status"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(appointments, bookingRejected, notifications, sweepDuration, promoEvents, httpRequests)
	})
}

func IncAppointment(action, actor string) {
	appointments.WithLabelValues(action, actor).Inc()
}

func IncBookingRejected(code string) {
	bookingRejected.WithLabelValues(code).Inc()
}

func IncNotification(kind, status string) {
	notifications.WithLabelValues(kind, status).Inc()
}

func ObserveSweep(sweep string, started time.Time) {
	sweepDuration.WithLabelValues(sweep).Observe(time.Since(started).Seconds())
}

func IncPromo(event string) {
	promoEvents.WithLabelValues(event).Inc()
}

func IncHTTP(route, status string) {
	httpRequests.WithLabelValues(route, status).Inc()
}
