package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_tutor_active_sessions",
		Help: "Number of open voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_tutor_sessions_total",
		Help: "Total number of voice sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_tutor_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800},
	})

	phaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_phase_transitions_total",
		Help: "Voice controller phase transitions",
	}, []string{"from", "to"})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_turns_total",
		Help: "Conversation turns appended",
	}, []string{"role"})

	// Chat API metrics
	chatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_chat_requests_total",
		Help: "Total number of chat API requests",
	}, []string{"status"}) // success, error, timeout

	chatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_tutor_chat_latency_seconds",
		Help:    "Chat API latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	// Speech output metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_tts_requests_total",
		Help: "Total number of synthesized utterances",
	}, []string{"status"}) // success, error, canceled

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_tutor_tts_latency_seconds",
		Help:    "Time from speak request to end of playback stream",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 15.0},
	})

	// Capture metrics
	captureRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_capture_restarts_total",
		Help: "Self-healing capture restarts",
	}, []string{"status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_tutor_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_tutor_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // in, out
)

// Metrics tracks metrics for a single voice session
type Metrics struct {
	sessionID     string
	startTime     time.Time
	chatStartTime time.Time
	ttsStartTime  time.Time
	ended         bool
	mu            sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a voice session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Safe to call more than once.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTransition records a controller phase change
func (m *Metrics) RecordTransition(from, to string) {
	if from == to {
		return
	}
	phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordTurn records an appended conversation turn
func (m *Metrics) RecordTurn(role string) {
	turnsTotal.WithLabelValues(role).Inc()
}

// RecordChatStart records the start of a chat API call
func (m *Metrics) RecordChatStart() {
	m.mu.Lock()
	m.chatStartTime = time.Now()
	m.mu.Unlock()
}

// RecordChatEnd records the end of a chat API call
func (m *Metrics) RecordChatEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.chatStartTime.IsZero() {
		chatLatency.Observe(time.Since(m.chatStartTime).Seconds())
		m.chatStartTime = time.Time{}
	}
	chatRequests.WithLabelValues(status).Inc()
}

// RecordTTSStart records the start of speech output
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTTSEnd records the end of speech output
func (m *Metrics) RecordTTSEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ttsStartTime.IsZero() {
		ttsLatency.Observe(time.Since(m.ttsStartTime).Seconds())
		m.ttsStartTime = time.Time{}
	}
	ttsRequests.WithLabelValues(status).Inc()
}

// RecordCaptureRestart records a self-healing capture restart attempt
func (m *Metrics) RecordCaptureRestart(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	captureRestarts.WithLabelValues(status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
