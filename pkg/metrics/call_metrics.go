package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring session lifecycle and signaling
var (
	// Session lifecycle metrics
	CallPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_placed_total",
		Help: "Total number of outgoing calls placed",
	}, []string{"media_kind"})

	CallIncomingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_incoming_total",
		Help: "Total number of incoming calls surfaced to the user",
	}, []string{"media_kind"})

	CallActiveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_active_total",
		Help: "Total number of calls that reached active with remote media",
	}, []string{"direction"})

	CallEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Total number of ended call sessions by reason",
	}, []string{"reason"})

	CallSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_sessions_active",
		Help: "Current number of call sessions that have not ended",
	})

	CallSetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_setup_duration_seconds",
		Help:    "Time from placing or accepting a call until remote media arrives",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	CallGlareTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_glare_total",
		Help: "Total number of simultaneous calls resolved by accepting the peer's call",
	})

	// Candidate metrics
	CallCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_candidates_total",
		Help: "Total number of ICE candidates handled",
	}, []string{"direction", "mode"}) // direction: local/remote, mode: immediate/buffered/queued

	// Signaling metrics
	SignalingOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signaling_operation_duration_seconds",
		Help:    "Duration of signaling store operations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"backend", "operation"})

	SignalingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_errors_total",
		Help: "Total number of failed signaling store operations",
	}, []string{"backend", "operation"})

	SignalingSubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signaling_subscriptions_active",
		Help: "Current number of open conversation subscriptions",
	}, []string{"backend"})

	// Push metrics
	CallPushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_push_notifications_total",
		Help: "Total number of incoming-call push notifications",
	}, []string{"status"})

	// UI event stream metrics
	CallEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_events_dropped_total",
		Help: "Total number of call events dropped because a subscriber was slow",
	})
)
