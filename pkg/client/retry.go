package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/opengeo-uk/geoingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoingest_retry_backoff_seconds",
		Help:    "Delay before a retry by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_retry_exhausted_total",
		Help: "Total number of operations that exhausted their retries, by last error class",
	}, []string{"error_class"})
)

// Policy holds the retry configuration shared by every operation of a job.
type Policy struct {
	// MaxAttempts is the ceiling on requests per operation, throttled
	// requests included.
	MaxAttempts int

	// BaseDelay is the base of the exponential backoff.
	BaseDelay time.Duration

	// ThrottleDelay is the fixed wait after a 429/503.
	ThrottleDelay time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		ThrottleDelay: 30 * time.Second,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive (got %s)", p.BaseDelay)
	}
	if p.ThrottleDelay < 0 {
		return fmt.Errorf("throttle delay must not be negative (got %s)", p.ThrottleDelay)
	}
	return nil
}

// Backoff returns base * 2^attempt * (0.5 + frac) for frac in [0, 1).
func Backoff(base time.Duration, attempt int, frac float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt)) * (0.5 + frac)
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if d < 1 {
		return 1
	}
	return time.Duration(d)
}

// RetryState holds the per-operation counters. It lives for one Do call.
type RetryState struct {
	// Tries counts every request issued.
	Tries int

	// Attempt counts failures other than throttling and drives the
	// backoff exponent.
	Attempt int

	// Throttles counts 429/503 responses.
	Throttles int

	// LastDelay is the most recent wait before a retry.
	LastDelay time.Duration
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	sleep  ratelimit.SleepFunc
	jitter func() float64
	logger zerolog.Logger
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithSleep overrides how the retrier waits between tries.
func WithSleep(sleep ratelimit.SleepFunc) RetryOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithJitter overrides the jitter source. fn must return values in [0, 1).
func WithJitter(fn func() float64) RetryOption {
	return func(r *Retrier) { r.jitter = fn }
}

// NewRetrier creates a retrier.
func NewRetrier(policy Policy, logger zerolog.Logger, opts ...RetryOption) *Retrier {
	r := &Retrier{
		policy: policy,
		sleep:  ratelimit.Sleep,
		jitter: rand.Float64,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds or the policy ceiling is reached.
//
// Throttled failures wait ThrottleDelay and leave Attempt unchanged; all
// other failures increment Attempt and wait Backoff(BaseDelay, Attempt, jitter).
// There is no wait after the final try. Exhaustion returns an *ExhaustedError.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (RetryState, error) {
	var state RetryState
	maxAttempts := r.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		state.Tries++
		err := fn(ctx)
		if err == nil {
			if state.Tries > 1 {
				r.logger.Info().
					Str("op", op).
					Int("tries", state.Tries).
					Int("throttles", state.Throttles).
					Msg("Request succeeded after retry")
			}
			return state, nil
		}

		if ctx.Err() != nil {
			return state, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		class := ClassOf(err)

		if state.Tries >= maxAttempts {
			retryExhaustedTotal.WithLabelValues(string(class)).Inc()
			return state, &ExhaustedError{Op: op, State: state, Last: err}
		}

		var delay time.Duration
		if class == ErrorClassThrottled {
			state.Throttles++
			delay = r.policy.ThrottleDelay
		} else {
			state.Attempt++
			delay = Backoff(r.policy.BaseDelay, state.Attempt, r.jitter())
		}
		state.LastDelay = delay

		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("error_class", string(class)).
			Int("try", state.Tries).
			Int("max_attempts", maxAttempts).
			Int("attempt", state.Attempt).
			Dur("backoff", delay).
			Msg("Request failed, retrying after backoff")

		if err := r.sleep(ctx, delay); err != nil {
			r.logger.Warn().
				Str("op", op).
				Int("try", state.Tries).
				Msg("Context cancelled during retry backoff")
			return state, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}
}
