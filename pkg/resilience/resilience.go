package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy configures retries and the circuit breaker
type Policy struct {
	BaseDelay        time.Duration // linear backoff step
	MaxDelay         time.Duration
	MaxElapsed       time.Duration
	AttemptTimeout   time.Duration // 0 = no per-attempt timeout
	FailureThreshold int           // consecutive failures that open the breaker
	CoolDown         time.Duration // time the breaker stays open before a trial
}

// DefaultPolicy mirrors the settings used for signaling writes
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		MaxElapsed:       10 * time.Second,
		AttemptTimeout:   5 * time.Second,
		FailureThreshold: 5,
		CoolDown:         10 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Execute returns the inner error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retrier wraps idempotent operations with retry, timeout, and circuit breaker
type Retrier struct {
	name    string
	policy  Policy
	metrics *retrierMetrics

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

type retrierMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	metricsInstance *retrierMetrics
	metricsOnce     sync.Once
)

func init() {
	metricsOnce.Do(func() {
		metricsInstance = &retrierMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_requests_total",
					Help: "Total number of guarded operations by outcome",
				},
				[]string{"retrier", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_errors_total",
					Help: "Total number of failed attempts by error type",
				},
				[]string{"retrier", "operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "resilience_circuit_breaker_state",
				Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"retrier"}),
		}
		prometheus.MustRegister(metricsInstance.requestsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
		prometheus.MustRegister(metricsInstance.circuitBreakerState)
	})
}

// NewRetrier creates a retrier; name labels its metrics and logs
func NewRetrier(name string, policy Policy) *Retrier {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = DefaultPolicy().FailureThreshold
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Retrier{
		name:    name,
		policy:  policy,
		metrics: metricsInstance,
		state:   CircuitBreakerClosed,
	}
}

// Execute runs fn until it succeeds, returns a Permanent error, the elapsed
// budget is spent, or ctx is done.
func (r *Retrier) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0
	start := time.Now()

	for {
		attempts++

		if err := r.admit(); err != nil {
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "circuit_breaker_open").Inc()
			logger.Warn("Circuit breaker open, operation rejected",
				zap.String("retrier", r.name),
				zap.String("operation", operation),
			)
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}

		err := r.attempt(ctx, fn)
		if err == nil {
			r.recordSuccess()
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "success").Inc()
			if attempts > 1 {
				logger.Info("Operation succeeded after retry",
					zap.String("retrier", r.name),
					zap.String("operation", operation),
					zap.Int("attempts", attempts),
				)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			r.releaseTrial()
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "permanent").Inc()
			return perm.err
		}

		lastErr = err
		r.recordFailure(operation)
		r.metrics.errorsTotal.WithLabelValues(r.name, operation, classifyError(err)).Inc()

		if ctx.Err() != nil {
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "cancelled").Inc()
			return fmt.Errorf("%s %s cancelled after %d attempts: %w", r.name, operation, attempts, lastErr)
		}

		backoff := time.Duration(attempts) * r.policy.BaseDelay
		if backoff > r.policy.MaxDelay {
			backoff = r.policy.MaxDelay
		}
		if r.policy.MaxElapsed > 0 && time.Since(start)+backoff > r.policy.MaxElapsed {
			break
		}

		logger.Warn("Operation failed, backing off",
			zap.String("retrier", r.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "cancelled").Inc()
			return fmt.Errorf("%s %s cancelled after %d attempts: %w", r.name, operation, attempts, lastErr)
		case <-timer.C:
		}
	}

	r.metrics.requestsTotal.WithLabelValues(r.name, operation, "failure").Inc()
	return fmt.Errorf("%s %s failed after %d attempts: %w", r.name, operation, attempts, lastErr)
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// admit decides whether an attempt may run under the current breaker state
func (r *Retrier) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case CircuitBreakerOpen:
		if time.Since(r.openedAt) < r.policy.CoolDown {
			return ErrCircuitOpen
		}
		r.setState(CircuitBreakerHalfOpen)
		r.trialInFlight = true
		logger.Warn("Circuit breaker HALF-OPEN - allowing trial request", zap.String("retrier", r.name))
		return nil
	case CircuitBreakerHalfOpen:
		if r.trialInFlight {
			return ErrCircuitOpen
		}
		r.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (r *Retrier) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.trialInFlight = false
	if r.state != CircuitBreakerClosed {
		r.setState(CircuitBreakerClosed)
		logger.Info("Circuit breaker CLOSED - recovered", zap.String("retrier", r.name))
	}
}

func (r *Retrier) recordFailure(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	r.trialInFlight = false
	if r.state == CircuitBreakerHalfOpen || r.consecutiveFailures >= r.policy.FailureThreshold {
		if r.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("retrier", r.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", r.consecutiveFailures),
			)
		}
		r.openedAt = time.Now()
		r.setState(CircuitBreakerOpen)
	}
}

func (r *Retrier) releaseTrial() {
	r.mu.Lock()
	r.trialInFlight = false
	r.mu.Unlock()
}

// setState must be called with mu held
func (r *Retrier) setState(state CircuitBreakerState) {
	r.state = state
	value := 0.0
	switch state {
	case CircuitBreakerHalfOpen:
		value = 1
	case CircuitBreakerOpen:
		value = 2
	}
	r.metrics.circuitBreakerState.WithLabelValues(r.name).Set(value)
}

// GetCircuitBreakerState returns the current circuit breaker state
func (r *Retrier) GetCircuitBreakerState() CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	case strings.Contains(errMsg, "unavailable"):
		return "unavailable"
	default:
		return "unknown"
	}
}
