package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/errors"
)

// RoundHandler receives every round announcement a transport normalizes. The
// core filters duplicates, so transports may call it on every poll.
type RoundHandler func(info *mining.MiningInfo)

// WinnerInfo identifies who forged a block.
type WinnerInfo struct {
	AccountID string
	BlockHash string
}

// Transport is the protocol-specific half of an upstream.
type Transport interface {
	// Name is the transport type, for logs.
	Name() string
	// Start begins receiving rounds. It returns once the transport runs in the
	// background; the transport stops when ctx ends or Close is called.
	Start(ctx context.Context, onRound RoundHandler) error
	// Submit forwards one submission. Protocol rejections come back as a result
	// with Error set; transport failures come back as an error.
	Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error)
	// BlockWinner returns the winner of height, or ErrWinnerUnavailable while
	// the origin does not know it yet.
	BlockWinner(ctx context.Context, height uint64) (*WinnerInfo, error)
	// Connected reports the raw connection state.
	Connected() bool
	Close() error
}

// ErrWinnerUnavailable is retried by winner resolution.
var ErrWinnerUnavailable = errors.New(errors.ErrorTypeNetwork, "block_winner", "block winner not available yet")

// ErrWinnerUnsupported is returned by transports whose origin cannot tell block
// winners. It is not retried.
var ErrWinnerUnsupported = errors.New(errors.ErrorTypeUpstream, "block_winner", "winner lookup not supported")

// ErrNotConnected is returned by transports without a live connection.
var ErrNotConnected = errors.New(errors.ErrorTypeNetwork, "connection", "upstream not connected")

// DoJSON sends req with client and decodes a JSON body into out. Transport
// failures and 5xx responses are retryable network errors; other non-2xx
// responses are upstream errors.
func DoJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "http_request", "request failed").
			WithContext("url", req.URL.Redacted())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "http_read", "failed to read response")
	}

	if resp.StatusCode >= 500 {
		return errors.New(errors.ErrorTypeNetwork, "http_status", fmt.Sprintf("upstream returned %s", resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(errors.ErrorTypeUpstream, "http_status", fmt.Sprintf("upstream returned %s", resp.Status)).
			WithContext("body", string(bytes.TrimSpace(body)))
	}

	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, "http_decode", "invalid JSON response")
	}
	return nil
}

// WireMiningInfo is the getMiningInfo shape shared by the JSON upstream
// protocols. Numbers may arrive quoted.
type WireMiningInfo struct {
	Height              mining.FlexInt `json:"height"`
	BaseTarget          mining.FlexInt `json:"baseTarget"`
	GenerationSignature string         `json:"generationSignature"`
	TargetDeadline      mining.FlexInt `json:"targetDeadline"`
}

// Info converts w, rejecting heights that do not fit a uint64.
func (w WireMiningInfo) Info() (*mining.MiningInfo, error) {
	if w.Height.Int == nil || !w.Height.IsUint64() {
		return nil, errors.New(errors.ErrorTypeUpstream, "mining_info", "invalid height")
	}
	info := &mining.MiningInfo{
		Height:              w.Height.Uint64(),
		BaseTarget:          w.BaseTarget.Int,
		GenerationSignature: w.GenerationSignature,
		TargetDeadline:      w.TargetDeadline.Uint64(),
	}
	if err := info.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "mining_info", "invalid mining info")
	}
	return info, nil
}

// WireSubmitReply is the submitNonce answer of the JSON upstream protocols.
type WireSubmitReply struct {
	Result           string         `json:"result"`
	Deadline         mining.FlexInt `json:"deadline"`
	ErrorCode        mining.FlexInt `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
	Error            *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Normalize converts r into a SubmitResult.
func (r WireSubmitReply) Normalize() *mining.SubmitResult {
	switch {
	case r.Error != nil:
		return mining.Failure(r.Error.Code, r.Error.Message)
	case r.ErrorDescription != "" || r.ErrorCode.Int != nil:
		msg := r.ErrorDescription
		if msg == "" {
			msg = "upstream error " + r.ErrorCode.String()
		}
		return mining.Failure(int(r.ErrorCode.Uint64()), msg)
	case r.Result != "" && r.Result != "success":
		return mining.Failure(mining.CodeUpstream, r.Result)
	}
	return mining.Success(r.Deadline.Int, true)
}
