// Retry policy and manager. Policies configure attempt counts and backoff;
// the manager executes operations, consulting classification to decide
// whether a failure is worth retrying, and accumulates retry metrics.
package errhandling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Default retry policy values.
const (
	DefaultMaxRetries    = 3
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultBackoffFactor = 2.0
	MaxRetryAttempts     = 10
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	// BackoffFixed waits the initial delay between every attempt.
	BackoffFixed BackoffKind = "FIXED_DELAY"

	// BackoffLinear grows the delay by the initial delay each retry:
	// initialDelay * (attempt + 1), capped at the max delay.
	BackoffLinear BackoffKind = "LINEAR_BACKOFF"

	// BackoffExponential multiplies the delay by the backoff factor each
	// retry: initialDelay * factor^attempt, capped at the max delay.
	BackoffExponential BackoffKind = "EXPONENTIAL_BACKOFF"
)

// RetryPolicy configures retry behavior. An operation runs at most
// MaxRetries+1 times.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt
	// (0 = no retry). Capped at MaxRetryAttempts.
	MaxRetries int

	// InitialDelay is the base delay between attempts.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff. Defaults
	// to 2 when zero.
	BackoffFactor float64

	// Backoff selects the delay growth strategy. Defaults to exponential.
	Backoff BackoffKind

	// Jitter randomizes each delay by a factor in [0.9, 1.1] to avoid
	// synchronized retry storms.
	Jitter bool

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt runs under the caller's context only.
	AttemptTimeout time.Duration

	// RetryableMatch lists message substrings that force retryability
	// regardless of classification.
	RetryableMatch []string

	// OnRetry is invoked before each retry sleep with the failed
	// attempt's error, the 1-based attempt number, and the delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default policy: 3 retries, exponential
// backoff from 1s capped at 30s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    DefaultMaxRetries,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		BackoffFactor: DefaultBackoffFactor,
		Backoff:       BackoffExponential,
		Jitter:        true,
	}
}

// Validate checks the policy for out-of-range values.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("maxRetries must be >= 0")
	}
	if p.MaxRetries > MaxRetryAttempts {
		return fmt.Errorf("maxRetries must be <= %d", MaxRetryAttempts)
	}
	if p.InitialDelay < 0 {
		return errors.New("initialDelay must be >= 0")
	}
	if p.MaxDelay < 0 {
		return errors.New("maxDelay must be >= 0")
	}
	if p.BackoffFactor != 0 && p.BackoffFactor < 1 {
		return errors.New("backoffFactor must be >= 1")
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff kind %q", p.Backoff)
	}
	return nil
}

// Delay returns the backoff delay before retry number attempt (0-based),
// without jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffFixed:
		d = p.InitialDelay
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt+1)
	default:
		factor := p.BackoffFactor
		if factor == 0 {
			factor = DefaultBackoffFactor
		}
		d = time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt)))
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// RetryMetrics is a snapshot of accumulated retry statistics.
type RetryMetrics struct {
	// TotalAttempts counts every operation invocation, including retries.
	TotalAttempts int64

	// SuccessfulAttempts counts attempts that returned nil.
	SuccessfulAttempts int64

	// TotalRetries counts attempts beyond the first.
	TotalRetries int64

	// RetrySuccesses counts operations that succeeded after at least one retry.
	RetrySuccesses int64

	// RetryFailures counts operations that still failed after retrying.
	RetryFailures int64

	// SuccessRate is SuccessfulAttempts / TotalAttempts.
	SuccessRate float64

	// RetrySuccessRate is RetrySuccesses / (RetrySuccesses + RetryFailures).
	RetrySuccessRate float64
}

// Manager executes operations under a retry policy. It is safe for
// concurrent use; metrics accumulate across calls.
type Manager struct {
	policy     RetryPolicy
	classifier *Classifier

	mu                 sync.Mutex
	rng                *rand.Rand
	totalAttempts      int64
	successfulAttempts int64
	totalRetries       int64
	retrySuccesses     int64
	retryFailures      int64
}

// NewManager creates a retry manager. The policy's backoff kind defaults to
// exponential and MaxRetries is capped at MaxRetryAttempts.
func NewManager(policy RetryPolicy) *Manager {
	if policy.Backoff == "" {
		policy.Backoff = BackoffExponential
	}
	if policy.BackoffFactor == 0 {
		policy.BackoffFactor = DefaultBackoffFactor
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.MaxRetries > MaxRetryAttempts {
		policy.MaxRetries = MaxRetryAttempts
	}
	return &Manager{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClassifier routes retryability decisions through the given classifier
// so its custom rules and history apply. Nil restores the built-in rules.
func (m *Manager) SetClassifier(c *Classifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifier = c
}

// Policy returns the manager's policy.
func (m *Manager) Policy() RetryPolicy {
	return m.policy
}

// ExhaustedError reports that an operation failed on every attempt.
type ExhaustedError struct {
	// Attempts is the total number of attempts made.
	Attempts int

	// LastErr is the error from the final attempt.
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Do runs op under the retry policy. Non-retryable failures return
// immediately; retryable failures back off and retry until the policy is
// exhausted, in which case an *ExhaustedError wrapping the last error is
// returned. Context cancellation stops retrying at once.
func (m *Manager) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := m.policy.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if m.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, m.policy.AttemptTimeout)
		}
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		m.mu.Lock()
		m.totalAttempts++
		if err == nil {
			m.successfulAttempts++
			if attempt > 0 {
				m.retrySuccesses++
			}
		}
		m.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err

		// The caller's context ended during the attempt; stop here.
		if ctx.Err() != nil {
			m.countFailure(attempt)
			return err
		}

		if !m.retryable(err) {
			m.countFailure(attempt)
			return err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := m.jittered(m.policy.Delay(attempt))
		m.mu.Lock()
		m.totalRetries++
		m.mu.Unlock()
		if m.policy.OnRetry != nil {
			m.policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			m.countFailure(attempt)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	m.countFailure(maxAttempts - 1)
	return &ExhaustedError{Attempts: maxAttempts, LastErr: lastErr}
}

// DoValue runs a value-returning operation under the manager's policy.
func DoValue[T any](ctx context.Context, m *Manager, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Metrics returns a snapshot of the accumulated retry statistics.
func (m *Manager) Metrics() RetryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := RetryMetrics{
		TotalAttempts:      m.totalAttempts,
		SuccessfulAttempts: m.successfulAttempts,
		TotalRetries:       m.totalRetries,
		RetrySuccesses:     m.retrySuccesses,
		RetryFailures:      m.retryFailures,
	}
	if snap.TotalAttempts > 0 {
		snap.SuccessRate = float64(snap.SuccessfulAttempts) / float64(snap.TotalAttempts)
	}
	if resolved := snap.RetrySuccesses + snap.RetryFailures; resolved > 0 {
		snap.RetrySuccessRate = float64(snap.RetrySuccesses) / float64(resolved)
	}
	return snap
}

// ResetMetrics zeroes the accumulated statistics.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalAttempts = 0
	m.successfulAttempts = 0
	m.totalRetries = 0
	m.retrySuccesses = 0
	m.retryFailures = 0
}

func (m *Manager) countFailure(attempt int) {
	if attempt == 0 {
		return
	}
	m.mu.Lock()
	m.retryFailures++
	m.mu.Unlock()
}

func (m *Manager) retryable(err error) bool {
	if len(m.policy.RetryableMatch) > 0 {
		msg := strings.ToLower(err.Error())
		for _, s := range m.policy.RetryableMatch {
			if strings.Contains(msg, strings.ToLower(s)) {
				return true
			}
		}
	}

	m.mu.Lock()
	c := m.classifier
	m.mu.Unlock()
	if c != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		return c.Classify(err, nil).Retryable()
	}
	return IsRetryable(err)
}

func (m *Manager) jittered(d time.Duration) time.Duration {
	if !m.policy.Jitter || d <= 0 {
		return d
	}
	m.mu.Lock()
	f := 0.9 + 0.2*m.rng.Float64()
	m.mu.Unlock()
	return time.Duration(float64(d) * f)
}
