package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	proxyErrors "github.com/bardlex/roundproxy/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errUpstream = errors.New("pool returned 502")

func newTestBreaker(t *testing.T, clock *fakeClock, transitions *[]State) *Breaker {
	t.Helper()
	return New("pool-a", &Config{MaxFailures: 2, SuccessRequired: 2, Timeout: 10 * time.Second},
		WithClock(clock.now),
		WithStateChange(func(name string, _, to State) {
			if name != "pool-a" {
				t.Errorf("callback name = %q", name)
			}
			*transitions = append(*transitions, to)
		}),
	)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNew_NilConfig(t *testing.T) {
	b := New("x", nil)
	if b.config == nil || b.config.MaxFailures != 5 {
		t.Error("expected default config when nil is passed")
	}
	if b.State() != StateClosed {
		t.Error("expected initial state to be closed")
	}
}

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)
	ctx := context.Background()

	calls := 0
	fail := func() error { calls++; return errUpstream }

	for range 2 {
		if err := b.Execute(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	err := b.Execute(ctx, fail)
	if !proxyErrors.IsType(err, proxyErrors.ErrorTypeUpstream) {
		t.Errorf("expected rejection error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times while open", calls)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errUpstream })
	_ = b.Execute(ctx, func() error { return nil })
	_ = b.Execute(ctx, func() error { return errUpstream })

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)
	ctx := context.Background()

	for range 2 {
		_ = b.Execute(ctx, func() error { return errUpstream })
	}
	clock.advance(11 * time.Second)

	if err := b.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", b.State())
	}
	if err := b.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)
	ctx := context.Background()

	for range 2 {
		_ = b.Execute(ctx, func() error { return errUpstream })
	}
	clock.advance(11 * time.Second)
	_ = b.Execute(ctx, func() error { return errUpstream })

	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreaker_ContextCancelNotCounted(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		_ = b.Execute(ctx, func() error { return context.Canceled })
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
	if s := b.Stats(); s.Failures != 0 {
		t.Errorf("failures = %d, want 0", s.Failures)
	}
}

func TestExecuteWithResult(t *testing.T) {
	b := New("x", nil)
	got, err := ExecuteWithResult(context.Background(), b, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("got (%d, %v)", got, err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []State
	b := newTestBreaker(t, clock, &transitions)

	for range 2 {
		_ = b.Execute(context.Background(), func() error { return errUpstream })
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %s after reset", b.State())
	}
	if transitions[len(transitions)-1] != StateClosed {
		t.Error("reset should notify the close transition")
	}
}
