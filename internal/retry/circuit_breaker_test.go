package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	inerrors "inapi/internal/errors"
)

var errRefused = errors.New("connection refused")

// manual returns a breaker whose clock only moves when advanced.
func manual(cfg *CircuitBreakerConfig) (*CircuitBreaker, func(time.Duration)) {
	cb := NewCircuitBreaker(cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	return cb, func(d time.Duration) { now = now.Add(d) }
}

func fail() error { return errRefused }
func ok() error   { return nil }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := manual(&CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errRefused) {
			t.Fatalf("dial %d: err = %v", i, err)
		}
	}
	if s := cb.Stats(); s.State != StateOpen || s.Failures != 3 {
		t.Fatalf("stats = %+v, want open with 3 failures", s)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Error("dial ran while the circuit was open")
	}
	if !errors.Is(err, inerrors.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Failures != 3 || oe.RetryIn != time.Minute || oe.Last != errRefused {
		t.Errorf("open error = %+v", oe)
	}
}

func TestCircuitBreaker_SuccessResetsRun(t *testing.T) {
	cb, _ := manual(&CircuitBreakerConfig{MaxFailures: 3})
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(ok)
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if s := cb.Stats(); s.State != StateClosed || s.Failures != 2 {
		t.Errorf("stats = %+v, want closed with 2 failures", s)
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	tests := []struct {
		name   string
		probes []func() error
		want   State
	}{
		{"recovers", []func() error{ok, ok}, StateClosed},
		{"still probing", []func() error{ok}, StateHalfOpen},
		{"probe fails", []func() error{fail}, StateOpen},
		{"fails after a good probe", []func() error{ok, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, advance := manual(&CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
			_ = cb.Execute(fail)

			advance(59 * time.Second)
			if err := cb.Allow(); err == nil {
				t.Fatal("circuit let a dial through before the reset timeout")
			}
			advance(time.Second)
			for _, p := range tt.probes {
				if err := cb.Execute(p); err != nil && !errors.Is(err, errRefused) {
					t.Fatalf("probe rejected: %v", err)
				}
			}
			if got := cb.Stats().State; got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb, _ := manual(&CircuitBreakerConfig{MaxFailures: 1})
	err := cb.Execute(func() error { return fmt.Errorf("dial: %w", context.Canceled) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if s := cb.Stats(); s.State != StateClosed || s.Failures != 0 {
		t.Errorf("stats = %+v, cancellation should not count", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := manual(&CircuitBreakerConfig{MaxFailures: 1})
	_ = cb.Execute(fail)
	cb.Reset()
	s := cb.Stats()
	if s.State != StateClosed || s.Failures != 0 || s.LastError != nil {
		t.Errorf("stats after reset = %+v", s)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after reset: %v", err)
	}
}

func TestCircuitBreaker_StateChanges(t *testing.T) {
	var got []string
	cb, advance := manual(&CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(from, to State) {
			got = append(got, from.String()+"->"+to.String())
		},
	})
	_ = cb.Execute(fail)
	advance(time.Second)
	_ = cb.Execute(ok)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{})
	def := DefaultCircuitBreakerConfig()
	if cb.cfg.MaxFailures != def.MaxFailures || cb.cfg.ResetTimeout != def.ResetTimeout || cb.cfg.HalfOpenMax != def.HalfOpenMax {
		t.Errorf("cfg = %+v, want defaults", cb.cfg)
	}
	if NewCircuitBreaker(nil).cfg.MaxFailures != def.MaxFailures {
		t.Error("nil config should use defaults")
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}
