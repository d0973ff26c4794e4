package proxy

import (
	"context"
	"math/big"
	"testing"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/log"
)

func raw(height, nonce, deadline string) mining.RawSubmission {
	return mining.RawSubmission{AccountID: "123", Height: height, Nonce: nonce, Deadline: deadline}
}

func TestSubmitNonce_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		sub      mining.RawSubmission
		wantCode int
	}{
		{"missing account", mining.RawSubmission{Height: "500", Nonce: "1", Deadline: "10"}, mining.CodeWrongFormat},
		{"non-numeric height", raw("abc", "1", "10"), mining.CodeWrongFormat},
		{"negative deadline", raw("500", "1", "-5"), mining.CodeWrongFormat},
		{"no deadline or phrase", raw("500", "1", ""), mining.CodeWrongFormat},
		{"unknown height", raw("499", "1", "10"), mining.CodeDifferentRound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream("a", 500, 10)
			p := New("main", 0, log.Nop())
			defer p.Close()
			p.AddUpstream(up)

			res := p.SubmitNonce(context.Background(), tt.sub, mining.MinerMeta{ID: "h"})
			if res.Error == nil || res.Error.Code != tt.wantCode {
				t.Fatalf("result = %+v, want code %d", res, tt.wantCode)
			}
			if up.submissions() != 0 {
				t.Error("rejected submission was forwarded")
			}
		})
	}
}

func TestSubmitNonce_UpstreamReject(t *testing.T) {
	up := newFakeUpstream("a", 500, 10)
	up.result = mining.Failure(mining.CodeUpstream, "nonce does not verify")
	p := New("main", 0, log.Nop())
	defer p.Close()
	p.AddUpstream(up)

	res := p.SubmitNonce(context.Background(), raw("500", "1", "1000"), mining.MinerMeta{})
	if res.Error == nil || res.Error.Code != mining.CodeUpstream {
		t.Fatalf("result = %+v", res)
	}
}

func TestSubmitNonce_RoutesByHeight(t *testing.T) {
	a := newFakeUpstream("a", 500, 10)
	b := newFakeUpstream("b", 700, 10)
	c := newFakeUpstream("c", 700, 20)
	p := New("main", 0, log.Nop())
	defer p.Close()
	p.AddUpstream(a)
	p.AddUpstream(b)
	p.AddUpstream(c)

	res := p.SubmitNonce(context.Background(), raw("700", "1", "1000"), mining.MinerMeta{ID: "h"})
	if res.Error != nil {
		t.Fatalf("unexpected error %v", res.Error)
	}
	if b.submissions() != 1 || a.submissions() != 0 || c.submissions() != 0 {
		t.Errorf("submissions a=%d b=%d c=%d, want only b", a.submissions(), b.submissions(), c.submissions())
	}
	if res.Deadline.Int64() != 100 {
		t.Errorf("deadline = %v, want 100", res.Deadline)
	}
	if len(p.Miners()) != 1 {
		t.Error("miner not recorded")
	}
}

func TestSubmitNonce_Filtering(t *testing.T) {
	tests := []struct {
		name           string
		proxyTarget    uint64
		upstreamTarget uint64
		deadlines      []string
		wantForwarded  []bool
		wantDeadlines  []int64
	}{
		{
			name:          "only improvements forwarded",
			deadlines:     []string{"5000", "6000", "5000", "3000"},
			wantForwarded: []bool{true, false, false, true},
			wantDeadlines: []int64{500, 600, 500, 300},
		},
		{
			name:          "proxy target",
			proxyTarget:   400,
			deadlines:     []string{"5000", "4000"},
			wantForwarded: []bool{false, true},
			wantDeadlines: []int64{500, 400},
		},
		{
			name:           "upstream target",
			proxyTarget:    1000,
			upstreamTarget: 200,
			deadlines:      []string{"3000", "2000"},
			wantForwarded:  []bool{false, true},
			wantDeadlines:  []int64{300, 200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newFakeUpstream("a", 500, 10)
			up.info.TargetDeadline = tt.upstreamTarget
			p := New("main", tt.proxyTarget, log.Nop())
			defer p.Close()
			p.AddUpstream(up)

			forwards := 0
			for i, dl := range tt.deadlines {
				res := p.SubmitNonce(context.Background(), raw("500", "1", dl), mining.MinerMeta{})
				if res.Error != nil {
					t.Fatalf("submission %d: unexpected error %v", i, res.Error)
				}
				if res.Forwarded != tt.wantForwarded[i] {
					t.Errorf("submission %d: forwarded = %v, want %v", i, res.Forwarded, tt.wantForwarded[i])
				}
				if res.Deadline.Int64() != tt.wantDeadlines[i] {
					t.Errorf("submission %d: deadline = %v, want %d", i, res.Deadline, tt.wantDeadlines[i])
				}
				if tt.wantForwarded[i] {
					forwards++
				}
			}
			if up.submissions() != forwards {
				t.Errorf("upstream saw %d submissions, want %d", up.submissions(), forwards)
			}
		})
	}
}

func TestSubmitNonce_BigDeadline(t *testing.T) {
	up := newFakeUpstream("a", 500, 0)
	up.info.BaseTarget, _ = new(big.Int).SetString("18446744073709551616", 10)
	p := New("main", 0, log.Nop())
	defer p.Close()
	p.AddUpstream(up)

	// 2^64 * 7 + 5, divided by 2^64.
	res := p.SubmitNonce(context.Background(), raw("500", "1", "129127208515966861317"), mining.MinerMeta{})
	if res.Error != nil {
		t.Fatalf("unexpected error %v", res.Error)
	}
	if res.Deadline.Int64() != 7 {
		t.Errorf("deadline = %v, want 7", res.Deadline)
	}
	if got := up.opts[0].AdjustedDeadline; got == nil || got.Int64() != 7 {
		t.Errorf("forwarded adjusted deadline = %v", got)
	}
}

func TestSubmitNonce_PhraseOnly(t *testing.T) {
	up := newFakeUpstream("a", 500, 10)
	up.result = mining.Success(big.NewInt(42), true)
	p := New("main", 0, log.Nop())
	defer p.Close()
	p.AddUpstream(up)

	sub := mining.RawSubmission{AccountID: "123", Height: "500", Nonce: "9", SecretPhrase: "s3cret"}
	res := p.SubmitNonce(context.Background(), sub, mining.MinerMeta{Name: "rig"})
	if res.Error != nil || res.Deadline.Int64() != 42 || !res.Forwarded {
		t.Fatalf("result = %+v", res)
	}
	if up.opts[0].AdjustedDeadline != nil || up.opts[0].Miner.Name != "rig" {
		t.Errorf("options = %+v", up.opts[0])
	}
}
