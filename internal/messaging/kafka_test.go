package messaging

import (
	"context"
	"math/big"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/log"
)

func newTestClient(t testing.TB, encoding string) *KafkaClient {
	t.Helper()
	enc, err := NewEncoder(encoding)
	if err != nil {
		t.Fatalf("NewEncoder() error = %v", err)
	}
	return NewKafkaClient([]string{"localhost:9092"}, enc, log.Nop())
}

func TestNewKafkaClient(t *testing.T) {
	client := newTestClient(t, EncodingProtobuf)

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("writer and reader pools should be initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := newTestClient(t, EncodingProtobuf)

	producer1 := client.GetProducer(TopicStats)
	if producer1.Topic != TopicStats {
		t.Errorf("Expected topic %s, got %s", TopicStats, producer1.Topic)
	}

	producer2 := client.GetProducer(TopicStats)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := newTestClient(t, EncodingProtobuf)

	consumer1 := client.GetConsumer(TopicHealth, "dash")
	consumer2 := client.GetConsumer(TopicHealth, "dash")
	if consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}

	consumer3 := client.GetConsumer(TopicHealth, "alerts")
	if consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := newTestClient(t, EncodingJSON)

	_ = client.GetProducer(TopicRoundChanges)
	_ = client.GetProducer(TopicSubmissions)
	_ = client.GetConsumer(TopicRoundChanges, "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Errorf("pools not cleared: %d writers, %d readers", len(client.writers), len(client.readers))
	}
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		kind  events.Kind
		topic string
	}{
		{events.KindRoundChanged, "proxy.round_changes"},
		{events.KindHealthChanged, "proxy.health"},
		{events.KindStatsUpdated, "proxy.stats"},
		{events.KindSubmissionForwarded, "proxy.submissions"},
		{events.KindRoundFinalized, "proxy.rounds"},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			got, ok := TopicFor(tt.kind)
			if !ok || got != tt.topic {
				t.Errorf("TopicFor(%v) = %q, %v; want %q", tt.kind, got, ok, tt.topic)
			}
		})
	}

	if _, ok := TopicFor(events.Kind(99)); ok {
		t.Error("unknown kind should have no topic")
	}
}

func roundEvent() events.Event {
	bt, _ := new(big.Int).SetString("98765432109876543210", 10)
	return events.Event{
		Kind:  events.KindRoundChanged,
		Proxy: "burst",
		At:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: events.RoundChanged{
			UpstreamID: "pool",
			Info:       &mining.MiningInfo{Height: 1234, BaseTarget: bt, GenerationSignature: "ab12"},
		},
	}
}

func TestRecordFor(t *testing.T) {
	key, rec, ok := RecordFor(roundEvent())
	if !ok {
		t.Fatal("expected a record")
	}
	if key != "burst/pool" {
		t.Errorf("key = %q", key)
	}
	if rec["base_target"] != "98765432109876543210" {
		t.Errorf("base_target = %v, want exact decimal string", rec["base_target"])
	}
	if rec["kind"] != "round_changed" || rec["upstream"] != "pool" {
		t.Errorf("record = %v", rec)
	}

	if _, _, ok := RecordFor(events.Event{Kind: events.KindRoundChanged, Payload: events.RoundChanged{}}); ok {
		t.Error("round without info should be skipped")
	}
}

func TestRecordFor_RoundFinalized(t *testing.T) {
	won := true
	ev := events.Event{
		Kind:  events.KindRoundFinalized,
		Proxy: "burst",
		Payload: events.RoundFinalized{
			UpstreamID: "pool",
			Round:      &mining.Round{UpstreamID: "pool", Height: 77, BestDL: big.NewInt(120), RoundWon: &won, BlockHash: "ff"},
		},
	}
	_, rec, ok := RecordFor(ev)
	if !ok {
		t.Fatal("expected a record")
	}
	if rec["won"] != true || rec["best_dl"] != "120" || rec["best_dl_submitted"] != nil || rec["height"] != uint64(77) {
		t.Errorf("record = %v", rec)
	}

	ev.Payload = events.RoundFinalized{UpstreamID: "pool", Round: &mining.Round{Height: 78}}
	if _, rec, _ = RecordFor(ev); rec["won"] != nil {
		t.Errorf("unknown outcome won = %v", rec["won"])
	}
}

func TestEncoders_RoundTrip(t *testing.T) {
	for _, name := range []string{EncodingProtobuf, EncodingJSON} {
		t.Run(name, func(t *testing.T) {
			enc, err := NewEncoder(name)
			if err != nil {
				t.Fatalf("NewEncoder() error = %v", err)
			}
			_, rec, _ := RecordFor(roundEvent())

			data, err := enc.Encode(rec)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := enc.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if got["base_target"] != "98765432109876543210" {
				t.Errorf("base_target = %v", got["base_target"])
			}
			if h, ok := got["height"].(float64); !ok || h != 1234 {
				t.Errorf("height = %#v", got["height"])
			}
			if got["fork"] != false {
				t.Errorf("fork = %v", got["fork"])
			}
		})
	}

	if _, err := NewEncoder("avro"); err == nil || !strings.Contains(err.Error(), "avro") {
		t.Errorf("NewEncoder(avro) error = %v", err)
	}
}

func TestKafkaClient_PublishEventSkipsUnknown(t *testing.T) {
	client := newTestClient(t, EncodingProtobuf)
	if err := client.PublishEvent(context.Background(), events.Event{Kind: events.Kind(42)}); err != nil {
		t.Errorf("PublishEvent() error = %v", err)
	}
	if len(client.writers) != 0 {
		t.Error("no producer should be created for skipped events")
	}
}

func TestKafkaClient_Publish(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("KAFKA_TEST_BROKERS") == "" {
		t.Skip("KAFKA_TEST_BROKERS not set")
	}

	enc, _ := NewEncoder(EncodingProtobuf)
	client := NewKafkaClient(strings.Split(os.Getenv("KAFKA_TEST_BROKERS"), ","), enc, log.Nop())
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.PublishEvent(ctx, roundEvent()); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
}

func BenchmarkProtoEncode(b *testing.B) {
	enc, _ := NewEncoder(EncodingProtobuf)
	_, rec, _ := RecordFor(roundEvent())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := enc.Encode(rec); err != nil {
			b.Fatal(err)
		}
	}
}
