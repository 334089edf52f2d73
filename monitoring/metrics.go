package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_events_processed_total",
			Help: "Events handled by the dispatcher by outcome code",
		},
		[]string{"event", "outcome"},
	)

	eventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinicflow_event_duration_seconds",
			Help:    "Dispatcher latency per event type",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"event"},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_tickets_issued_total",
			Help: "Queue tickets issued per clinic",
		},
		[]string{"clinic_id"},
	)

	lastTicketNumber = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinicflow_last_ticket_number",
			Help: "Highest ticket number issued today per clinic",
		},
		[]string{"clinic_id"},
	)

	sessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_session_transitions_total",
			Help: "Session state changes by target state",
		},
		[]string{"state"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicflow_notifications_total",
			Help: "Notification publishes by status",
		},
		[]string{"status"},
	)

	pinThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinicflow_pin_throttled_total",
			Help: "PIN verification requests rejected by the rate limiter",
		},
	)
)

// Monitor records engine metrics. A nil *Monitor is a no-op so components
// can run without metrics in tests.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackEvent(event, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	eventsProcessed.WithLabelValues(event, outcome).Inc()
	eventDuration.WithLabelValues(event).Observe(took.Seconds())
}

func (m *Monitor) TrackTicket(clinicID string, number int64) {
	if m == nil {
		return
	}
	ticketsIssued.WithLabelValues(clinicID).Inc()
	lastTicketNumber.WithLabelValues(clinicID).Set(float64(number))
}

func (m *Monitor) TrackTransition(state string) {
	if m == nil {
		return
	}
	sessionTransitions.WithLabelValues(state).Inc()
}

func (m *Monitor) TrackNotification(status string) {
	if m == nil {
		return
	}
	notifications.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackPinThrottled() {
	if m == nil {
		return
	}
	pinThrottled.Inc()
}
