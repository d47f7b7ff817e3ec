package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request pacing.
var (
	pacerWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geoingest_pacer_waits_total",
		Help: "Total number of requests delayed by the inter-request pacer",
	})

	pacerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoingest_pacer_wait_seconds",
		Help:    "Time spent waiting for the inter-request interval",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d, returning ctx.Err() if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer enforces a minimum interval after each successful request.
// A Pacer is owned by a single client and is not safe for concurrent use.
type Pacer struct {
	state  PacingState
	now    func() time.Time
	sleep  SleepFunc
	logger zerolog.Logger
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) { p.now = now }
}

// WithSleep overrides how the pacer waits.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Pacer) { p.sleep = sleep }
}

// NewPacer creates a pacer with the given interval. A non-positive interval
// disables pacing.
func NewPacer(interval time.Duration, logger zerolog.Logger, opts ...Option) *Pacer {
	p := &Pacer{
		state:  PacingState{Interval: interval},
		now:    time.Now,
		sleep:  Sleep,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait blocks until the next request may be issued.
func (p *Pacer) Wait(ctx context.Context) error {
	wait := p.state.WaitFor(p.now())
	if wait == 0 {
		return ctx.Err()
	}

	pacerWaitsTotal.Inc()
	pacerWaitSeconds.Observe(wait.Seconds())
	p.logger.Debug().Dur("wait", wait).Msg("Pacing request")

	return p.sleep(ctx, wait)
}

// MarkSuccess records a successful request at the current time.
func (p *Pacer) MarkSuccess() {
	p.state.LastSuccess = p.now()
	p.state.Successes++
}

// State returns a snapshot of the pacing state.
func (p *Pacer) State() PacingState {
	return p.state
}
