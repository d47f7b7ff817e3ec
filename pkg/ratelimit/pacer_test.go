package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func TestPacer_WaitsOnlyAfterSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPacer(100*time.Millisecond, zerolog.Nop(), WithClock(clock.Now), WithSleep(clock.Sleep))
	ctx := context.Background()

	// First request never waits.
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("first Wait slept %v", clock.sleeps)
	}

	p.MarkSuccess()
	clock.now = clock.now.Add(30 * time.Millisecond)

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 70*time.Millisecond {
		t.Errorf("sleeps = %v, want [70ms]", clock.sleeps)
	}

	// A failed request does not reset the interval: no new MarkSuccess,
	// and the interval has now fully elapsed.
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(clock.sleeps) != 1 {
		t.Errorf("sleeps = %v, want no additional sleep", clock.sleeps)
	}

	if p.State().Successes != 1 {
		t.Errorf("Successes = %d, want 1", p.State().Successes)
	}
}

func TestPacer_Disabled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	p := NewPacer(0, zerolog.Nop(), WithClock(clock.Now), WithSleep(clock.Sleep))

	for i := 0; i < 3; i++ {
		p.MarkSuccess()
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("disabled pacer slept %v", clock.sleeps)
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() did not return promptly after cancellation")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}
}
