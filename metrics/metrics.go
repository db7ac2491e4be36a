// Package metrics declares the Prometheus collectors for calendar sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_runs_total",
			Help: "Calendar sync runs by mode and result",
		},
		[]string{"mode", "result"}, // mode: incremental, full; result: ok, error, skipped, discarded
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calendar_sync_duration_seconds",
			Help:    "Duration of calendar sync runs",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SyncEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_sync_events_total",
			Help: "External events processed during sync",
		},
		[]string{"action"}, // upsert, remove, self_skipped
	)

	MirrorOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_mirror_operations_total",
			Help: "Booking mirror operations by operation and result",
		},
		[]string{"op", "result"}, // result: ok, noop, pending, not_found, error
	)

	MirrorPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_mirror_pending",
			Help: "Bookings waiting for a calendar mirror retry",
		},
	)

	WebhookNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_webhook_notifications_total",
			Help: "Provider push notifications by outcome",
		},
		[]string{"outcome"},
	)

	ChannelRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_channel_renewals_total",
			Help: "Webhook channel renewals by result",
		},
		[]string{"result"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_provider_calls_total",
			Help: "Calendar provider calls by operation and result",
		},
		[]string{"op", "result"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_provider_retries_total",
			Help: "Retried calendar provider calls",
		},
		[]string{"op"},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calendar_provider_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_token_refreshes_total",
			Help: "Access token refreshes by result",
		},
		[]string{"result"}, // ok, revoked, error
	)
)
