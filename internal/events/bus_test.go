package events

import (
	"testing"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	first := b.Subscribe(4)
	second := b.Subscribe(4)

	b.Publish("burst", KindStatsUpdated, Stats{UpstreamID: "pool", TotalRounds: 3})

	for i, ch := range []<-chan Event{first, second} {
		ev := <-ch
		if ev.Kind != KindStatsUpdated || ev.Proxy != "burst" {
			t.Errorf("subscriber %d got %+v", i, ev)
		}
		if s, ok := ev.Payload.(Stats); !ok || s.TotalRounds != 3 {
			t.Errorf("subscriber %d payload = %#v", i, ev.Payload)
		}
		if ev.At.IsZero() {
			t.Error("event timestamp not set")
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)

	b.Publish("p", KindHealthChanged, HealthChanged{Quality: 1})
	b.Publish("p", KindHealthChanged, HealthChanged{Quality: 2})

	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
	ev := <-ch
	if ev.Payload.(HealthChanged).Quality != 1 {
		t.Error("expected the first event to be kept")
	}
}

func TestBus_Close(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}

	b.Publish("p", KindRoundChanged, RoundChanged{})
	late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscribing after close should return a closed channel")
	}
}

func TestKind_String(t *testing.T) {
	tests := map[Kind]string{
		KindRoundChanged:        "round_changed",
		KindHealthChanged:       "health_changed",
		KindStatsUpdated:        "stats_updated",
		KindSubmissionForwarded: "submission_forwarded",
		Kind(99):                "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
