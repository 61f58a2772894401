// Package retry decides when a host is dialed again.  A Backoff spaces
// out connection attempts; a CircuitBreaker stops dialing a host that
// keeps failing.  Requests sent over an established session are never
// retried here: only dialing and the handshake are.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError ends a retry loop early.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth another attempt.  Do returns the
// inner error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ExhaustedError is returned once every allowed attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ── Backoff ──────────────────────────────────────────────────────────

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
	jitterFraction      = 0.25
)

// Backoff retries a dial with exponentially growing pauses.  The zero
// value retries forever starting at one second; set MaxAttempts to
// bound it.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts counts the first try.  Zero means until ctx ends.
	MaxAttempts int
	// Jitter spreads each pause by up to a quarter either way so hosts
	// dialed together do not retry in lockstep.
	Jitter bool
	// Retryable, when set, rejects errors that should end the loop,
	// such as authentication failures.
	Retryable func(error) bool
	// OnRetry runs before each pause.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the pause after the given failed attempt (1-based),
// before jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial, maxDelay, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if mult <= 0 {
		mult = defaultMultiplier
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts
// or ctx ends.  fn receives the 1-based attempt number.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter moves d by up to jitterFraction either way, never below 1ms.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	v := float64(d) + (rand.Float64()*2-1)*spread
	return time.Duration(math.Max(v, float64(time.Millisecond)))
}
