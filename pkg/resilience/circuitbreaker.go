// Package resilience guards C6's agent dispatch with a sliding-window
// circuit breaker and bounded retry-with-backoff, so a failing agent node
// is quarantined rather than repeatedly handed tasks it can't execute.
//
// The state machine (closed/open/half-open), sliding-window error-rate
// evaluation, and error-classifier-gated failure counting are adapted from
// this codebase's own circuit breaker, trimmed to the subset C6 actually
// needs (no legacy failure-threshold constructor, no execution-token
// orphan cleanup) and with retry delay handled by cenkalti/backoff instead
// of a hand-rolled sleep loop.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
)

// State is the circuit breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether err should count toward the failure rate.
// Input and cancellation errors don't indict the target; transient and
// structural ones do.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except input errors and context
// cancellation.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if engineerr.IsNotFound(err) {
		return false
	}
	var ee *engineerr.EngineError
	if errors.As(err, &ee) && ee.Kind == engineerr.KindInput {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, engineerr.ErrContextCanceled) {
		return false
	}
	return true
}

// Config configures a circuit breaker instance.
type Config struct {
	Name             string
	ErrorThreshold   float64       // error rate that trips the breaker
	VolumeThreshold  int           // minimum samples before evaluation
	SleepWindow      time.Duration // time spent open before half-open
	HalfOpenRequests int           // trial requests allowed in half-open
	SuccessThreshold float64       // success rate to close from half-open
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
}

// DefaultConfig mirrors production defaults: 50% error rate over a 60s
// window trips the breaker after at least 10 samples.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
	}
}

type bucket struct {
	start      time.Time
	successes  int
	failures   int
}

// slidingWindow tracks recent outcomes in fixed-width time buckets, aged
// out as time passes, so the error rate reflects only recent behavior.
type slidingWindow struct {
	mu          sync.Mutex
	buckets     []bucket
	bucketWidth time.Duration
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	return &slidingWindow{
		buckets:     make([]bucket, bucketCount),
		bucketWidth: windowSize / time.Duration(bucketCount),
	}
}

func (w *slidingWindow) record(success bool, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(now)
	idx := w.currentIndex(now)
	if success {
		w.buckets[idx].successes++
	} else {
		w.buckets[idx].failures++
	}
}

func (w *slidingWindow) rotate(now time.Time) {
	idx := w.currentIndex(now)
	b := &w.buckets[idx]
	if b.start.IsZero() || now.Sub(b.start) >= w.bucketWidth*time.Duration(len(w.buckets)) {
		*b = bucket{start: now}
	} else if now.Sub(b.start) >= w.bucketWidth {
		*b = bucket{start: now}
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/int64(w.bucketWidth)) % len(w.buckets)
}

func (w *slidingWindow) totals() (successes, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || now.Sub(b.start) > w.bucketWidth*time.Duration(len(w.buckets)) {
			continue
		}
		successes += b.successes
		failures += b.failures
	}
	return
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets = make([]bucket, len(w.buckets))
}

// CircuitBreaker guards calls to a single target (typically one agent
// node's dispatch path).
type CircuitBreaker struct {
	config Config
	window *slidingWindow
	logger logging.Logger

	mu              sync.Mutex
	state           State
	openedAt        time.Time
	halfOpenInFlight int
	halfOpenSuccess int
	halfOpenTotal   int

	listeners []func(name string, from, to State)
}

// New constructs a circuit breaker with the given config.
func New(config Config, logger logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/resilience")
	}
	return &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount),
		logger: logger,
		state:  StateClosed,
	}
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// CanExecute reports whether a call should be attempted right now, evolving
// open → half-open once the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight = 0
			cb.halfOpenSuccess = 0
			cb.halfOpenTotal = 0
			return cb.admitHalfOpenLocked()
		}
		return false
	case StateHalfOpen:
		return cb.admitHalfOpenLocked()
	default:
		return false
	}
}

func (cb *CircuitBreaker) admitHalfOpenLocked() bool {
	if cb.halfOpenInFlight >= cb.config.HalfOpenRequests {
		return false
	}
	cb.halfOpenInFlight++
	return true
}

// Execute runs fn only if CanExecute permits it, records the outcome, and
// re-evaluates the breaker's state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute() {
		return engineerr.New("resilience.Execute", engineerr.KindTransient, engineerr.ErrAgentSaturated).WithID(cb.config.Name)
	}
	err := fn(ctx)
	cb.recordOutcome(err)
	return err
}

// ExecuteWithBackoff runs fn, retrying on a retryable error with bounded
// exponential backoff via cenkalti/backoff, while still respecting the
// circuit breaker's admission control on every attempt.
func (cb *CircuitBreaker) ExecuteWithBackoff(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	operation := func() (struct{}, error) {
		err := cb.Execute(ctx, fn)
		if err != nil && engineerr.IsRetryable(err) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, operation, backoff.WithMaxTries(uint(maxAttempts)))
	return err
}

func (cb *CircuitBreaker) recordOutcome(err error) {
	classify := cb.config.ErrorClassifier
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	counts := classify(err)
	cb.window.record(!counts, time.Now())

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenTotal++
		cb.halfOpenInFlight--
		if !counts {
			cb.halfOpenSuccess++
		}
		if cb.halfOpenTotal >= cb.config.HalfOpenRequests {
			rate := float64(cb.halfOpenSuccess) / float64(cb.halfOpenTotal)
			if rate >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
				cb.window.reset()
			} else {
				cb.transition(StateOpen)
				cb.openedAt = time.Now()
			}
		}
		return
	}

	if cb.state == StateClosed && counts {
		successes, failures := cb.window.totals()
		total := successes + failures
		if total >= cb.config.VolumeThreshold {
			rate := float64(failures) / float64(total)
			if rate >= cb.config.ErrorThreshold {
				cb.transition(StateOpen)
				cb.openedAt = time.Now()
			}
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
	for _, l := range cb.listeners {
		l(cb.config.Name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ForceOpen manually opens the breaker, bypassing the sliding window.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateOpen)
	cb.openedAt = time.Now()
}

// Reset returns the breaker to closed and clears its sliding window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.transition(StateClosed)
	cb.mu.Unlock()
	cb.window.reset()
}
