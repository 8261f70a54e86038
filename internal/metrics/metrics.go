package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle metrics
	sessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwdec_sessions_active",
		Help: "Number of live hardware decode sessions",
	}, []string{"backend"})

	sessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_sessions_created_total",
		Help: "Total hardware sessions created",
	}, []string{"backend"})

	sessionCreateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_session_create_failures_total",
		Help: "Total hardware session creation failures",
	}, []string{"backend"})

	sessionRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_session_restarts_total",
		Help: "Total in-place session restarts by reason",
	}, []string{"backend", "reason"})

	sessionDestroyWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hwdec_session_destroy_wait_seconds",
		Help:    "Time spent waiting for in-flight completions on destroy",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
	}, []string{"backend"})

	// Submission path
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_submissions_total",
		Help: "Total access units handed to the hardware decoder",
	}, []string{"backend"})

	submitErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_submit_errors_total",
		Help: "Total submission failures by error type",
	}, []string{"backend", "error_type"})

	startupDiscardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_startup_discards_total",
		Help: "Access units discarded while waiting for the first keyframe",
	}, []string{"backend"})

	softwareFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_software_fallbacks_total",
		Help: "Total requests to fall back to software decoding",
	}, []string{"backend"})

	// Completion path
	completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_completions_total",
		Help: "Total decoded frames delivered by the hardware decoder",
	}, []string{"backend"})

	completionsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_completions_dropped_total",
		Help: "Completions discarded before reaching the display queue",
	}, []string{"backend", "reason"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hwdec_queue_depth",
		Help: "Decoded frames waiting in the display queue",
	}, []string{"backend"})

	// Consumer path
	picturesDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_pictures_delivered_total",
		Help: "Total pictures handed to the renderer",
	}, []string{"backend"})

	picturesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hwdec_pictures_dropped_total",
		Help: "Total pictures handed out with the dropped flag by reason",
	}, []string{"backend", "reason"})

	// Debug metrics
	goroutinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_created_total",
		Help: "Total number of goroutines created",
	}, []string{"component"})

	goroutinesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_destroyed_total",
		Help: "Total number of goroutines destroyed",
	}, []string{"component"})

	contextCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_context_cancellations_total",
		Help: "Total context cancellations by reason",
	}, []string{"component", "reason"})

	activeGoroutines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debug_goroutines_active",
		Help: "Number of active goroutines",
	}, []string{"component"})
)

// SessionCreated records a successfully created hardware session
func SessionCreated(backend string) {
	sessionsCreatedTotal.WithLabelValues(backend).Inc()
	sessionsActive.WithLabelValues(backend).Inc()
}

// SessionCreateFailed records a failed session creation
func SessionCreateFailed(backend string) {
	sessionCreateFailuresTotal.WithLabelValues(backend).Inc()
}

// SessionDestroyed records a destroyed session and how long destroy waited
// for in-flight completions
func SessionDestroyed(backend string, waitSeconds float64) {
	sessionsActive.WithLabelValues(backend).Dec()
	sessionDestroyWait.WithLabelValues(backend).Observe(waitSeconds)
}

// RecordRestart records an in-place session restart
func RecordRestart(backend, reason string) {
	sessionRestartsTotal.WithLabelValues(backend, reason).Inc()
}

// RecordSubmission records an access unit handed to the backend
func RecordSubmission(backend string) {
	submissionsTotal.WithLabelValues(backend).Inc()
}

// RecordSubmitError records a classified submission failure
func RecordSubmitError(backend, errorType string) {
	submitErrorsTotal.WithLabelValues(backend, errorType).Inc()
}

// RecordStartupDiscard records an access unit dropped by startup gating
func RecordStartupDiscard(backend string) {
	startupDiscardsTotal.WithLabelValues(backend).Inc()
}

// RecordSoftwareFallback records a FallBackToSoftware result
func RecordSoftwareFallback(backend string) {
	softwareFallbacksTotal.WithLabelValues(backend).Inc()
}

// RecordCompletion records a decoded frame accepted into the display queue
func RecordCompletion(backend string) {
	completionsTotal.WithLabelValues(backend).Inc()
}

// RecordCompletionDropped records a completion released without queueing
func RecordCompletionDropped(backend, reason string) {
	completionsDroppedTotal.WithLabelValues(backend, reason).Inc()
}

// SetQueueDepth sets the current display queue depth
func SetQueueDepth(backend string, depth int) {
	queueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordPictureDelivered records a picture handed to the renderer
func RecordPictureDelivered(backend string) {
	picturesDeliveredTotal.WithLabelValues(backend).Inc()
}

// RecordPictureDropped records a picture handed out flagged as dropped
func RecordPictureDropped(backend, reason string) {
	picturesDroppedTotal.WithLabelValues(backend, reason).Inc()
}

// Debug metrics functions

// IncrementGoroutineCreated increments the goroutine creation counter
func IncrementGoroutineCreated(component string) {
	goroutinesCreated.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Inc()
}

// IncrementGoroutineDestroyed increments the goroutine destruction counter
func IncrementGoroutineDestroyed(component string) {
	goroutinesDestroyed.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Dec()
}

// IncrementContextCancellation increments context cancellation counter
func IncrementContextCancellation(component, reason string) {
	contextCancellations.WithLabelValues(component, reason).Inc()
}
