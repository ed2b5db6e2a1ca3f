// Package resilience implements the circuit breaker and token-bucket rate
// limiter that guard calls to the external extraction provider.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docflow/worker/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned by Execute when the breaker is in the OPEN
// state and the call was rejected without invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError carries the breaker name and the remaining cooldown so
// callers can surface a useful message without string-matching ErrCircuitOpen.
type CircuitOpenError struct {
	Name           string
	RemainingSecs  float64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry in %.1fs", e.Name, e.RemainingSecs)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker is a three-state, consecutive-failure-count breaker: it
// opens after a run of consecutive failures, not a rolling failure rate.
type CircuitBreaker struct {
	mu sync.Mutex

	name              string
	failureThreshold  int
	recoveryTimeout   time.Duration
	halfOpenMaxCalls  int

	state            breakerState
	consecutiveFails int
	halfOpenSuccess  int
	halfOpenCalls    int
	lastFailureAt    time.Time

	openTotal   metric.Int64Counter
	closeTotal  metric.Int64Counter
}

// Config carries the breaker's tunables; defaults match the assessment spec.
type Config struct {
	Name             string
	FailureThreshold int           // default 5
	RecoveryTimeout  time.Duration // default 60s
	HalfOpenMaxCalls int           // default 2
}

// New constructs a CircuitBreaker, filling in the default thresholds for any
// zero-valued Config field.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 2
	}
	meter := telemetry.Meter()
	openTotal, _ := meter.Int64Counter("docflow_circuit_open_total")
	closeTotal, _ := meter.Int64Counter("docflow_circuit_closed_total")
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		halfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		state:            stateClosed,
		openTotal:        openTotal,
		closeTotal:       closeTotal,
	}
}

// Allow reports whether a call may proceed right now, lazily transitioning
// OPEN to HALF_OPEN once the recovery timeout has elapsed.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.allowLocked()
}

func (cb *CircuitBreaker) allowLocked() (bool, error) {
	switch cb.state {
	case stateOpen:
		elapsed := time.Since(cb.lastFailureAt)
		if elapsed >= cb.recoveryTimeout {
			cb.state = stateHalfOpen
			cb.halfOpenCalls = 0
			cb.halfOpenSuccess = 0
		} else {
			remaining := (cb.recoveryTimeout - elapsed).Seconds()
			return false, &CircuitOpenError{Name: cb.name, RemainingSecs: remaining}
		}
	}

	if cb.state == stateHalfOpen {
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return false, &CircuitOpenError{Name: cb.name, RemainingSecs: 0}
		}
		cb.halfOpenCalls++
	}

	return true, nil
}

// RecordSuccess registers a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMaxCalls {
			cb.transitionClosed()
		}
	case stateClosed:
		cb.consecutiveFails = 0
	}
}

// RecordFailure registers a failed call outcome.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = time.Now()

	switch cb.state {
	case stateHalfOpen:
		cb.transitionOpen()
	case stateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThreshold {
			cb.transitionOpen()
		}
	}
}

func (cb *CircuitBreaker) transitionOpen() {
	cb.state = stateOpen
	cb.consecutiveFails = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
	if cb.openTotal != nil {
		cb.openTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.name)))
	}
}

func (cb *CircuitBreaker) transitionClosed() {
	cb.state = stateClosed
	cb.consecutiveFails = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
	if cb.closeTotal != nil {
		cb.closeTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("breaker", cb.name)))
	}
}

// State reports the current breaker state as a string ("closed"/"open"/"half_open").
// Like Allow, it lazily moves OPEN to HALF_OPEN once the recovery timeout
// has elapsed since the last failure.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen && time.Since(cb.lastFailureAt) >= cb.recoveryTimeout {
		cb.state = stateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
	}
	return cb.state.String()
}

// Execute runs op under the breaker's protection: it checks Allow(), and on
// return records success or failure based on whether op returned an error.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	ok, err := cb.Allow()
	if !ok {
		return err
	}

	opErr := op(ctx)
	if opErr != nil {
		cb.RecordFailure()
		return opErr
	}
	cb.RecordSuccess()
	return nil
}

// Registry manages one CircuitBreaker per named downstream, mirroring the
// lineage's CircuitBreakerPool but keyed by a Config template rather than a
// single default, since each downstream may warrant different thresholds.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns the named breaker, constructing it from cfg on first use.
func (r *Registry) GetOrCreate(cfg Config) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[cfg.Name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[cfg.Name]; ok {
		return cb
	}
	cb = New(cfg)
	r.breakers[cfg.Name] = cb
	return cb
}
