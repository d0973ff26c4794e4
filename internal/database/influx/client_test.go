package influx

import (
	"math/big"
	"testing"
	"time"

	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
)

func tagValue(t *testing.T, tags map[string]string, key string) string {
	t.Helper()
	v, ok := tags[key]
	if !ok {
		t.Fatalf("missing tag %q", key)
	}
	return v
}

func TestPointFor(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		ev          events.Event
		measurement string
		upstream    string
	}{
		{
			name: "round",
			ev: events.Event{Kind: events.KindRoundChanged, Proxy: "burst", At: at, Payload: events.RoundChanged{
				UpstreamID: "pool", Info: &mining.MiningInfo{Height: 5, BaseTarget: big.NewInt(1000)},
			}},
			measurement: "rounds",
			upstream:    "pool",
		},
		{
			name: "stats",
			ev: events.Event{Kind: events.KindStatsUpdated, Proxy: "burst", At: at, Payload: events.Stats{
				UpstreamID: "pool", TotalRounds: 10, LastBestDL: big.NewInt(42),
			}},
			measurement: "upstream_stats",
			upstream:    "pool",
		},
		{
			name: "health",
			ev: events.Event{Kind: events.KindHealthChanged, Proxy: "burst", At: at, Payload: events.HealthChanged{
				UpstreamID: "wallet", Quality: 99.5, Connected: true,
			}},
			measurement: "connection",
			upstream:    "wallet",
		},
		{
			name: "submission",
			ev: events.Event{Kind: events.KindSubmissionForwarded, Proxy: "burst", At: at, Payload: events.SubmissionForwarded{
				UpstreamID: "pool", AccountID: "123", AdjustedDL: big.NewInt(77), Accepted: true,
			}},
			measurement: "submissions",
			upstream:    "pool",
		},
		{
			name: "finalized round",
			ev: events.Event{Kind: events.KindRoundFinalized, Proxy: "burst", At: at, Payload: events.RoundFinalized{
				UpstreamID: "pool", Round: &mining.Round{UpstreamID: "pool", Height: 5, BestDL: big.NewInt(300)},
			}},
			measurement: "finalized_rounds",
			upstream:    "pool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PointFor(tt.ev)
			if p == nil {
				t.Fatal("expected a point")
			}
			if p.Name() != tt.measurement {
				t.Errorf("measurement = %q, want %q", p.Name(), tt.measurement)
			}
			tags := map[string]string{}
			for _, tag := range p.TagList() {
				tags[tag.Key] = tag.Value
			}
			if got := tagValue(t, tags, "upstream"); got != tt.upstream {
				t.Errorf("upstream tag = %q", got)
			}
			if got := tagValue(t, tags, "proxy"); got != "burst" {
				t.Errorf("proxy tag = %q", got)
			}
			if !p.Time().Equal(at) {
				t.Errorf("time = %v", p.Time())
			}
		})
	}
}

func TestPointFor_Ignored(t *testing.T) {
	if p := PointFor(events.Event{Payload: "not an event"}); p != nil {
		t.Error("unknown payloads should not produce points")
	}
	if p := PointFor(events.Event{Payload: events.RoundChanged{UpstreamID: "x"}}); p != nil {
		t.Error("round without info should not produce a point")
	}
}
