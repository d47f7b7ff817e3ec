package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordingSleep records requested delays instead of sleeping.
type recordingSleep struct {
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRetrier(policy Policy, sleep *recordingSleep) *Retrier {
	return NewRetrier(policy, zerolog.Nop(),
		WithSleep(sleep.Sleep),
		WithJitter(func() float64 { return 0.5 }),
	)
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", policy.MaxAttempts)
	}
	if policy.BaseDelay != 1*time.Second {
		t.Errorf("BaseDelay = %v, want 1s", policy.BaseDelay)
	}
	if policy.ThrottleDelay != 30*time.Second {
		t.Errorf("ThrottleDelay = %v, want 30s", policy.ThrottleDelay)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		valid  bool
	}{
		{"default", DefaultPolicy(), true},
		{"zero attempts", Policy{MaxAttempts: 0, BaseDelay: time.Second}, false},
		{"zero base delay", Policy{MaxAttempts: 3}, false},
		{"negative throttle", Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: -1}, false},
		{"zero throttle", Policy{MaxAttempts: 3, BaseDelay: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err == nil) != tt.valid {
				t.Errorf("Validate() = %v, valid = %v", err, tt.valid)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		attempt  int
		frac     float64
		expected time.Duration
	}{
		{"attempt 0 min jitter", 0, 0, 500 * time.Millisecond},
		{"attempt 1 mid jitter", 1, 0.5, 2 * time.Second},
		{"attempt 2 mid jitter", 2, 0.5, 4 * time.Second},
		{"attempt 3 min jitter", 3, 0, 4 * time.Second},
		{"negative attempt treated as 0", -1, 0.5, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(time.Second, tt.attempt, tt.frac); got != tt.expected {
				t.Errorf("Backoff(1s, %d, %v) = %v, want %v", tt.attempt, tt.frac, got, tt.expected)
			}
		})
	}
}

func TestBackoff_MonotonicAndPositive(t *testing.T) {
	for _, frac := range []float64{0, 0.1, 0.5, 0.999} {
		for _, base := range []time.Duration{time.Nanosecond, time.Millisecond, time.Second} {
			prev := time.Duration(0)
			for attempt := 0; attempt < 20; attempt++ {
				d := Backoff(base, attempt, frac)
				if d <= 0 {
					t.Fatalf("Backoff(%v, %d, %v) = %v, want > 0", base, attempt, frac, d)
				}
				if d < prev {
					t.Fatalf("Backoff(%v, %d, %v) = %v < previous %v", base, attempt, frac, d, prev)
				}
				prev = d
			}
		}
	}
}

func TestRetrier_Success(t *testing.T) {
	sleep := &recordingSleep{}
	r := newTestRetrier(DefaultPolicy(), sleep)

	callCount := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 || state.Tries != 1 {
		t.Errorf("callCount = %d, Tries = %d, want 1", callCount, state.Tries)
	}
	if len(sleep.delays) != 0 {
		t.Errorf("delays = %v, want none", sleep.delays)
	}
}

func TestRetrier_SuccessAfterRetry(t *testing.T) {
	sleep := &recordingSleep{}
	r := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: 30 * time.Second}, sleep)

	callCount := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		callCount++
		if callCount < 3 {
			return &APIError{StatusCode: 500, Class: ErrorClassServer}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if state.Tries != 3 || state.Attempt != 2 || state.Throttles != 0 {
		t.Errorf("state = %+v, want Tries=3 Attempt=2 Throttles=0", state)
	}
	// jitter 0.5 -> base * 2^attempt
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sleep.delays) != len(want) || sleep.delays[0] != want[0] || sleep.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", sleep.delays, want)
	}
}

func TestRetrier_AlwaysServerError(t *testing.T) {
	sleep := &recordingSleep{}
	r := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: time.Second}, sleep)

	callCount := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		callCount++
		return &APIError{StatusCode: 500, Class: ErrorClassServer}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}
	// No wait after the final try.
	if len(sleep.delays) != 2 {
		t.Errorf("delays = %v, want 2", sleep.delays)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error is not *ExhaustedError: %v", err)
	}
	if exhausted.State != state {
		t.Errorf("ExhaustedError.State = %+v, want %+v", exhausted.State, state)
	}
	if ClassOf(err) != ErrorClassServer {
		t.Errorf("ClassOf(err) = %q, want server", ClassOf(err))
	}
}

func TestRetrier_ThrottleDoesNotAdvanceAttempt(t *testing.T) {
	sleep := &recordingSleep{}
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: 30 * time.Second}
	r := newTestRetrier(policy, sleep)

	callCount := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		callCount++
		if callCount <= 2 {
			return &APIError{StatusCode: 429, Class: ErrorClassThrottled}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if state.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", state.Attempt)
	}
	if state.Tries != 3 {
		t.Errorf("Tries = %d, want 3", state.Tries)
	}
	if state.Throttles != 2 {
		t.Errorf("Throttles = %d, want 2", state.Throttles)
	}
	for _, d := range sleep.delays {
		if d != 30*time.Second {
			t.Errorf("throttle delay = %v, want 30s", d)
		}
	}
}

func TestRetrier_ThrottleSharesCeiling(t *testing.T) {
	sleep := &recordingSleep{}
	r := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Second, ThrottleDelay: time.Second}, sleep)

	callCount := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		callCount++
		return &APIError{StatusCode: 503, Class: ErrorClassThrottled}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if callCount != 3 || state.Attempt != 0 || state.Throttles != 2 {
		t.Errorf("callCount = %d, state = %+v", callCount, state)
	}
}

func TestRetrier_ThrottleThenFailureBackoffExponent(t *testing.T) {
	sleep := &recordingSleep{}
	r := newTestRetrier(Policy{MaxAttempts: 4, BaseDelay: time.Second, ThrottleDelay: 10 * time.Second}, sleep)

	responses := []error{
		&APIError{StatusCode: 429, Class: ErrorClassThrottled},
		&APIError{StatusCode: 500, Class: ErrorClassServer},
		Malformed("missing features", nil),
		nil,
	}
	i := 0
	state, err := r.Do(context.Background(), "test", func(context.Context) error {
		resp := responses[i]
		i++
		return resp
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if state.Attempt != 2 || state.Throttles != 1 || state.Tries != 4 {
		t.Errorf("state = %+v", state)
	}
	want := []time.Duration{10 * time.Second, 2 * time.Second, 4 * time.Second}
	for j := range want {
		if sleep.delays[j] != want[j] {
			t.Errorf("delay[%d] = %v, want %v", j, sleep.delays[j], want[j])
		}
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(Policy{MaxAttempts: 5, BaseDelay: time.Hour}, zerolog.Nop())

	callCount := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Do(ctx, "test", func(context.Context) error {
		callCount++
		return errors.New("temporary error")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Do() did not return promptly after cancellation")
	}
}

func TestRetrier_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRetrier(DefaultPolicy(), &recordingSleep{})
	called := false
	_, err := r.Do(ctx, "test", func(context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if called {
		t.Error("fn should not be called with a cancelled context")
	}
}
