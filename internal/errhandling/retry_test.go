package errhandling

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		wantErr bool
	}{
		{"default policy", DefaultRetryPolicy(), false},
		{"zero retries", RetryPolicy{MaxRetries: 0}, false},
		{"negative retries", RetryPolicy{MaxRetries: -1}, true},
		{"too many retries", RetryPolicy{MaxRetries: MaxRetryAttempts + 1}, true},
		{"negative delay", RetryPolicy{InitialDelay: -time.Second}, true},
		{"negative max delay", RetryPolicy{MaxDelay: -time.Second}, true},
		{"factor below one", RetryPolicy{BackoffFactor: 0.5}, true},
		{"unknown backoff", RetryPolicy{Backoff: "RANDOM"}, true},
		{"fixed backoff", RetryPolicy{Backoff: BackoffFixed}, false},
		{"linear backoff", RetryPolicy{Backoff: BackoffLinear}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"fixed first", RetryPolicy{Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond}, 0, 100 * time.Millisecond},
		{"fixed later", RetryPolicy{Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond}, 5, 100 * time.Millisecond},
		{"linear first", RetryPolicy{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond}, 0, 100 * time.Millisecond},
		{"linear third", RetryPolicy{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond}, 2, 300 * time.Millisecond},
		{"linear capped", RetryPolicy{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}, 4, 250 * time.Millisecond},
		{"exponential first", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2}, 0, 100 * time.Millisecond},
		{"exponential second", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2}, 1, 200 * time.Millisecond},
		{"exponential fourth", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2}, 3, 800 * time.Millisecond},
		{"exponential capped", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2, MaxDelay: 500 * time.Millisecond}, 5, 500 * time.Millisecond},
		{"exponential default factor", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond}, 2, 400 * time.Millisecond},
		{"no cap when max delay zero", RetryPolicy{Backoff: BackoffExponential, InitialDelay: time.Second, BackoffFactor: 10}, 3, 1000 * time.Second},
		{"negative attempt clamps", RetryPolicy{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2}, -3, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestManagerSucceedsFirstTry(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond})

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	metrics := m.Metrics()
	if metrics.TotalAttempts != 1 || metrics.SuccessfulAttempts != 1 {
		t.Errorf("metrics = %+v, want 1 attempt 1 success", metrics)
	}
	if metrics.TotalRetries != 0 {
		t.Errorf("totalRetries = %d, want 0", metrics.TotalRetries)
	}
	if metrics.SuccessRate != 1.0 {
		t.Errorf("successRate = %v, want 1.0", metrics.SuccessRate)
	}
}

func TestManagerRetriesTransientFailure(t *testing.T) {
	// Two timeouts then success: three attempts with exponentially grown
	// delays between them.
	m := NewManager(RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  10 * time.Millisecond,
		Backoff:       BackoffExponential,
		BackoffFactor: 2,
		Jitter:        false,
	})

	var delays []time.Duration
	m.policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		delays = append(delays, delay)
	}

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return NewTimeoutError("read timed out", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	wantDelays := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(delays) != len(wantDelays) {
		t.Fatalf("delays = %v, want %v", delays, wantDelays)
	}
	for i, want := range wantDelays {
		if delays[i] != want {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want)
		}
	}

	metrics := m.Metrics()
	if metrics.TotalAttempts != 3 {
		t.Errorf("totalAttempts = %d, want 3", metrics.TotalAttempts)
	}
	if metrics.SuccessfulAttempts != 1 {
		t.Errorf("successfulAttempts = %d, want 1", metrics.SuccessfulAttempts)
	}
	if metrics.TotalRetries != 2 {
		t.Errorf("totalRetries = %d, want 2", metrics.TotalRetries)
	}
	if metrics.RetrySuccesses != 1 {
		t.Errorf("retrySuccesses = %d, want 1", metrics.RetrySuccesses)
	}
	if metrics.RetrySuccessRate != 1.0 {
		t.Errorf("retrySuccessRate = %v, want 1.0", metrics.RetrySuccessRate)
	}
}

func TestManagerStopsOnNonRetryable(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond})

	calls := 0
	wantErr := NewValidationError("field email is required", nil)
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() error = %v, want validation error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on validation error)", calls)
	}
}

func TestManagerExhaustsRetries(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, Jitter: false})

	calls := 0
	cause := NewNetworkError("connection refused", nil)
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return cause
	})

	if calls != 3 {
		t.Errorf("calls = %d, want maxRetries+1 = 3", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Do() error = %T, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, cause) {
		t.Error("ExhaustedError should wrap the last error")
	}

	metrics := m.Metrics()
	if metrics.RetryFailures != 1 {
		t.Errorf("retryFailures = %d, want 1", metrics.RetryFailures)
	}
	if metrics.RetrySuccessRate != 0 {
		t.Errorf("retrySuccessRate = %v, want 0", metrics.RetrySuccessRate)
	}
}

func TestManagerZeroRetries(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 0})

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return NewNetworkError("refused", nil)
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %T, want *ExhaustedError", err)
	}
}

func TestManagerRetryableMatch(t *testing.T) {
	m := NewManager(RetryPolicy{
		MaxRetries:     1,
		InitialDelay:   time.Millisecond,
		Jitter:         false,
		RetryableMatch: []string{"replica lag"},
	})

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			// Would not classify as retryable without the match list.
			return errors.New("replica lag too high")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestManagerContextCancellation(t *testing.T) {
	t.Run("canceled before start", func(t *testing.T) {
		m := NewManager(DefaultRetryPolicy())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := m.Do(ctx, func(ctx context.Context) error {
			calls++
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})

	t.Run("canceled during backoff", func(t *testing.T) {
		m := NewManager(RetryPolicy{MaxRetries: 3, InitialDelay: 10 * time.Second, Jitter: false})
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- m.Do(ctx, func(ctx context.Context) error {
				calls++
				return NewNetworkError("refused", nil)
			})
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("error = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Do did not return after cancellation")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestManagerAttemptTimeout(t *testing.T) {
	m := NewManager(RetryPolicy{
		MaxRetries:     1,
		InitialDelay:   time.Millisecond,
		Jitter:         false,
		AttemptTimeout: 20 * time.Millisecond,
	})

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (timed-out attempt retried)", calls)
	}
}

func TestManagerJitterRange(t *testing.T) {
	m := NewManager(RetryPolicy{Jitter: true})

	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := m.jittered(base)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside [90ms, 110ms]", d)
		}
	}
}

func TestManagerCapsRetries(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 100})
	if m.Policy().MaxRetries != MaxRetryAttempts {
		t.Errorf("MaxRetries = %d, want capped at %d", m.Policy().MaxRetries, MaxRetryAttempts)
	}
}

func TestDoValue(t *testing.T) {
	t.Run("returns value on success", func(t *testing.T) {
		m := NewManager(RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, Jitter: false})

		calls := 0
		got, err := DoValue(context.Background(), m, func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, NewTimeoutError("slow read", nil)
			}
			return 42, nil
		})

		if err != nil {
			t.Fatalf("DoValue() error = %v", err)
		}
		if got != 42 {
			t.Errorf("DoValue() = %d, want 42", got)
		}
	})

	t.Run("returns zero value on failure", func(t *testing.T) {
		m := NewManager(RetryPolicy{MaxRetries: 0})

		got, err := DoValue(context.Background(), m, func(ctx context.Context) (string, error) {
			return "partial", errors.New("validation failed")
		})

		if err == nil {
			t.Fatal("DoValue() error = nil, want error")
		}
		if got != "" {
			t.Errorf("DoValue() = %q, want zero value", got)
		}
	})
}

func TestManagerWithClassifier(t *testing.T) {
	c := NewClassifier()
	c.Register("flaky", func(err error, errCtx map[string]interface{}) *ClassifiedError {
		if err.Error() == "flaky dependency" {
			return NewNetworkError("flaky dependency", err)
		}
		return nil
	})

	m := NewManager(RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, Jitter: false})
	m.SetClassifier(c)

	calls := 0
	err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("flaky dependency")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (custom classifier made error retryable)", calls)
	}
	if len(c.History()) == 0 {
		t.Error("classifier history empty, want classifications recorded")
	}
}

func TestManagerMetricsAcrossOperations(t *testing.T) {
	m := NewManager(RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond, Jitter: false})

	// One immediate success.
	if err := m.Do(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	// One success after a retry.
	calls := 0
	if err := m.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return NewNetworkError("refused", nil)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	// One exhausted failure.
	_ = m.Do(context.Background(), func(ctx context.Context) error {
		return NewNetworkError("refused", nil)
	})

	metrics := m.Metrics()
	if metrics.TotalAttempts != 5 {
		t.Errorf("totalAttempts = %d, want 5", metrics.TotalAttempts)
	}
	if metrics.SuccessfulAttempts != 2 {
		t.Errorf("successfulAttempts = %d, want 2", metrics.SuccessfulAttempts)
	}
	if metrics.TotalRetries != 2 {
		t.Errorf("totalRetries = %d, want 2", metrics.TotalRetries)
	}
	if metrics.RetrySuccesses != 1 || metrics.RetryFailures != 1 {
		t.Errorf("retrySuccesses = %d retryFailures = %d, want 1 and 1",
			metrics.RetrySuccesses, metrics.RetryFailures)
	}
	if metrics.RetrySuccessRate != 0.5 {
		t.Errorf("retrySuccessRate = %v, want 0.5", metrics.RetrySuccessRate)
	}

	m.ResetMetrics()
	if m.Metrics().TotalAttempts != 0 {
		t.Error("metrics not zeroed after reset")
	}
}

func TestExhaustedErrorMessage(t *testing.T) {
	err := &ExhaustedError{Attempts: 4, LastErr: fmt.Errorf("connection refused")}
	msg := err.Error()
	if msg != "retries exhausted after 4 attempts: connection refused" {
		t.Errorf("Error() = %q", msg)
	}
}
