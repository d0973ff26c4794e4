package messaging

import (
	"fmt"
	"math/big"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/roundproxy/internal/events"
)

// Record is the flat, encoding-neutral body of one event message. Values are
// restricted to what structpb accepts: strings, bools, numbers and nil.
type Record map[string]any

// Encoding names accepted by NewEncoder.
const (
	EncodingProtobuf = "protobuf"
	EncodingJSON     = "json"
)

// Encoder turns records into message values.
type Encoder interface {
	Encode(Record) ([]byte, error)
	Decode([]byte) (Record, error)
	ContentType() string
}

// NewEncoder returns the encoder for name.
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case EncodingProtobuf, "":
		return protoEncoder{}, nil
	case EncodingJSON:
		return jsonEncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown event encoding %q", name)
	}
}

type protoEncoder struct{}

func (protoEncoder) Encode(r Record) ([]byte, error) {
	s, err := structpb.NewStruct(r)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (protoEncoder) Decode(data []byte) (Record, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func (protoEncoder) ContentType() string { return "application/x-protobuf" }

type jsonEncoder struct{}

func (jsonEncoder) Encode(r Record) ([]byte, error) { return sonic.Marshal(r) }

func (jsonEncoder) Decode(data []byte) (Record, error) {
	r := Record{}
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

func (jsonEncoder) ContentType() string { return "application/json" }

// RecordFor flattens an event. The key groups messages of one upstream on one
// partition so consumers see them in order.
func RecordFor(ev events.Event) (key string, rec Record, ok bool) {
	rec = Record{
		"kind":  ev.Kind.String(),
		"proxy": ev.Proxy,
		"at":    ev.At.UTC().Format(time.RFC3339Nano),
	}

	var upstream string
	switch p := ev.Payload.(type) {
	case events.RoundChanged:
		if p.Info == nil {
			return "", nil, false
		}
		upstream = p.UpstreamID
		rec["height"] = p.Info.Height
		rec["base_target"] = bigString(p.Info.BaseTarget)
		rec["generation_signature"] = p.Info.GenerationSignature
		rec["target_deadline"] = p.Info.TargetDeadline
		rec["net_difficulty"] = p.Info.NetDifficulty()
		rec["fork"] = p.Fork
	case events.HealthChanged:
		upstream = p.UpstreamID
		rec["quality"] = p.Quality
		rec["connected"] = p.Connected
		rec["transition"] = p.Transition
		rec["down_for_seconds"] = p.DownFor.Seconds()
	case events.Stats:
		upstream = p.UpstreamID
		rec["total_rounds"] = p.TotalRounds
		rec["rounds_with_dl"] = p.RoundsWithDL
		rec["rounds_submitted"] = p.RoundsSubmitted
		rec["rounds_won"] = p.RoundsWon
		rec["estimated_capacity"] = p.EstimatedCapacity
		rec["last_best_dl"] = bigString(p.LastBestDL)
	case events.SubmissionForwarded:
		upstream = p.UpstreamID
		rec["account_id"] = p.AccountID
		rec["miner_name"] = p.MinerName
		rec["height"] = p.Height
		rec["adjusted_dl"] = bigString(p.AdjustedDL)
		rec["accepted"] = p.Accepted
		rec["error"] = p.Error
	case events.RoundFinalized:
		if p.Round == nil {
			return "", nil, false
		}
		upstream = p.UpstreamID
		rec["height"] = p.Round.Height
		rec["base_target"] = bigString(p.Round.BaseTarget)
		rec["net_difficulty"] = p.Round.NetDiff
		rec["best_dl"] = bigString(p.Round.BestDL)
		rec["best_dl_submitted"] = bigString(p.Round.BestDLSubmitted)
		rec["block_hash"] = p.Round.BlockHash
		if p.Round.RoundWon != nil {
			rec["won"] = *p.Round.RoundWon
		} else {
			rec["won"] = nil
		}
	default:
		return "", nil, false
	}

	rec["upstream"] = upstream
	return ev.Proxy + "/" + upstream, rec, true
}

func bigString(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}
