package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	qualities   []float64
	transitions []Transition
}

func (r *recorder) listener() Listener {
	return Listener{
		OnQuality:    func(q float64) { r.qualities = append(r.qualities, q) },
		OnTransition: func(t Transition) { r.transitions = append(r.transitions, t) },
	}
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     int
	}{
		{0, 2},
		{500 * time.Millisecond, 2},
		{time.Second, 2},
		{3 * time.Second, 6},
		{10 * time.Second, 20},
	}
	for _, tt := range tests {
		if got := Threshold(tt.interval); got != tt.want {
			t.Errorf("Threshold(%v) = %d, want %d", tt.interval, got, tt.want)
		}
	}
}

func TestMonitor_OutageHysteresis(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(3*time.Second, rec.listener())
	threshold := Threshold(3 * time.Second)

	for range threshold {
		m.Tick(false)
	}
	if len(rec.transitions) != 0 {
		t.Fatalf("no outage expected after exactly %d ticks, got %v", threshold, rec.transitions)
	}
	if !m.Connected() {
		t.Fatal("smoothed state flipped too early")
	}

	m.Tick(false)
	if len(rec.transitions) != 1 || rec.transitions[0].Connected {
		t.Fatalf("expected one outage-detected transition, got %v", rec.transitions)
	}

	m.Tick(false)
	if len(rec.transitions) != 1 {
		t.Fatal("continued outage must not repeat the event")
	}

	m.Tick(true)
	if len(rec.transitions) != 2 || !rec.transitions[1].Connected {
		t.Fatalf("expected outage-resolved transition, got %v", rec.transitions)
	}
	if !m.Connected() {
		t.Error("should recover on the first true reading")
	}
}

func TestMonitor_FlappingDoesNotTrigger(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(time.Second, rec.listener())

	for range 10 {
		m.Tick(false)
		m.Tick(false)
		m.Tick(true)
	}
	if len(rec.transitions) != 0 {
		t.Errorf("flapping produced transitions: %v", rec.transitions)
	}
}

func TestMonitor_QualityClampedAndChangeOnly(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(time.Second, rec.listener())

	m.Tick(true)
	if len(rec.qualities) != 0 {
		t.Errorf("quality at max must not emit, got %v", rec.qualities)
	}

	m.Tick(false)
	m.Tick(false)
	if m.Quality() != 99.98 {
		t.Errorf("Quality() = %v, want 99.98", m.Quality())
	}
	if len(rec.qualities) != 2 {
		t.Errorf("expected 2 quality events, got %d", len(rec.qualities))
	}

	m.Tick(true)
	if m.Quality() != 99.99 {
		t.Errorf("Quality() = %v, want 99.99", m.Quality())
	}
}

func TestMonitor_QualityFloor(t *testing.T) {
	m := NewMonitor(time.Second, Listener{})
	m.quality = 0.01
	m.Tick(false)
	m.Tick(false)
	if m.Quality() != 0 {
		t.Errorf("Quality() = %v, want 0", m.Quality())
	}
}

func TestMonitor_Run(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(time.Second, Listener{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond, func() bool {
			probes.Add(1)
			return true
		})
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for probes.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("probe not called")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}
