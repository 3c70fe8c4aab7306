package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff maps a 1-based failure count to a delay.
type Backoff interface {
	Delay(failures int) time.Duration
}

// Exponential doubles Base on every failure up to Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (b Exponential) Delay(failures int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Fibonacci grows Base along the fibonacci sequence up to Max.
type Fibonacci struct {
	Base time.Duration
	Max  time.Duration
}

func (b Fibonacci) Delay(failures int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if failures < 1 {
		failures = 1
	}
	prev, cur := time.Duration(0), base
	for i := 1; i < failures; i++ {
		prev, cur = cur, prev+cur
		if b.Max > 0 && cur >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && cur > b.Max {
		return b.Max
	}
	return cur
}

// New builds a Backoff by kind name.
func New(kind string, base, max time.Duration) (Backoff, error) {
	switch kind {
	case "", "exponential":
		return Exponential{Base: base, Max: max}, nil
	case "fibonacci":
		return Fibonacci{Base: base, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff kind %q", kind)
	}
}

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a *Permanent error, or maxRetries
// retries have failed. Delays between attempts come from backoff.
func Do(ctx context.Context, maxRetries int, backoff Backoff, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff == nil {
		backoff = Exponential{}
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if perm, ok := err.(*Permanent); ok {
			return perm.Err
		}
		if attempt >= maxRetries {
			return err
		}

		if err := Sleep(ctx, backoff.Delay(attempt+1)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
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
