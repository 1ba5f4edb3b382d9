package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently open notification WebSocket connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sparknotify_active_connections",
			Help: "Number of active notification stream connections",
		},
	)

	// NotificationsDelivered counts push frames delivered to subscribers by type.
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparknotify_notifications_delivered_total",
			Help: "Total number of notification frames delivered to subscribers",
		},
		[]string{"type"},
	)

	// NotificationsDropped counts frames dropped because a subscriber could not keep up.
	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sparknotify_notifications_dropped_total",
			Help: "Total number of notification frames dropped due to backpressure",
		},
	)

	// ReminderRuns counts daily reminder sweeps by result (success|failure).
	ReminderRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparknotify_reminder_runs_total",
			Help: "Total number of daily reminder sweeps",
		},
		[]string{"result"},
	)
)
