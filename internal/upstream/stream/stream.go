// Package stream consumes a server-streamed feed of round notifications. The
// upstream answers GET {url}/miningInfo with an endless body of
// length-delimited protobuf Struct messages; submissions and winner lookups
// are unary protobuf POSTs to {url}/submitNonce and {url}/blockWinner.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// ContentType of every request and response body.
const ContentType = "application/x-protobuf"

const (
	maxMessageSize = 1 << 20
	unaryTimeout   = 10 * time.Second
)

// Transport follows one round stream.
type Transport struct {
	cfg    config.UpstreamConfig
	base   string
	client *http.Client
	logger *log.Logger

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stream transport for cfg.URL.
func New(cfg config.UpstreamConfig, logger *log.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{},
		logger: logger.WithComponent("stream").WithUpstream(cfg.Name),
	}
}

func (t *Transport) Name() string { return config.TypeStream }

// Start opens the stream in the background and reopens it when it ends.
func (t *Transport) Start(ctx context.Context, onRound upstream.RoundHandler) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		upstream.Reconnect(ctx, t.logger, func(ctx context.Context) error {
			return t.follow(ctx, onRound)
		})
	}()
	return nil
}

func (t *Transport) follow(ctx context.Context, onRound upstream.RoundHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/miningInfo", nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "stream_request", "invalid stream url")
	}
	req.Header.Set("Accept", ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "stream_open", "failed to open stream")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeNetwork, "stream_open", "stream returned "+resp.Status)
	}

	t.connected.Store(true)
	defer t.connected.Store(false)
	t.logger.LogConnection("stream opened", t.base)

	r := bufio.NewReader(resp.Body)
	opts := protodelim.UnmarshalOptions{MaxSize: maxMessageSize}
	for {
		var msg structpb.Struct
		if err := opts.UnmarshalFrom(r, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New(errors.ErrorTypeNetwork, "stream_read", "stream closed by upstream")
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "stream_read", "stream read failed")
		}

		var wire upstream.WireMiningInfo
		if err := decodeStruct(&msg, &wire); err != nil {
			t.logger.WithError(err).Warn("invalid stream message")
			continue
		}
		info, err := wire.Info()
		if err != nil {
			t.logger.WithError(err).Warn("invalid stream message")
			continue
		}
		onRound(info)
	}
}

// decodeStruct maps a Struct onto a JSON-tagged Go value.
func decodeStruct(st *structpb.Struct, out any) error {
	data, err := sonic.Marshal(st.AsMap())
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, out)
}

func (t *Transport) call(ctx context.Context, method string, fields map[string]any, out any) error {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to build request")
	}
	body, err := proto.Marshal(st)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, method, "failed to encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/"+method, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, method, "invalid upstream url")
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, method, "failed to read response")
	}
	if resp.StatusCode >= 500 {
		return errors.New(errors.ErrorTypeNetwork, method, "upstream returned "+resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrorTypeUpstream, method, "upstream returned "+resp.Status)
	}

	var reply structpb.Struct
	if err := proto.Unmarshal(data, &reply); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, method, "invalid response")
	}
	if err := decodeStruct(&reply, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, method, "unexpected response shape")
	}
	return nil
}

// Submit posts a nonce. Integers travel as strings so large values survive
// the Struct number type.
func (t *Transport) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error) {
	fields := map[string]any{
		"accountId": sub.AccountID,
		"height":    strconv.FormatUint(sub.Height, 10),
		"nonce":     sub.Nonce.String(),
	}
	phrase := opts.SecretPhrase
	if phrase == "" {
		phrase = sub.SecretPhrase
	}
	switch {
	case phrase != "":
		fields["secretPhrase"] = phrase
	case sub.Deadline != nil:
		fields["deadline"] = sub.Deadline.String()
	}
	if name := firstNonEmpty(t.cfg.MinerName, opts.Miner.Name); name != "" {
		fields["minerName"] = name
	}
	if capacity := t.cfg.Capacity; capacity > 0 || opts.Miner.Capacity > 0 {
		if capacity == 0 {
			capacity = opts.Miner.Capacity
		}
		fields["capacity"] = capacity
	}
	if key := firstNonEmpty(t.cfg.AccountKey, opts.Miner.AccountKey); key != "" {
		fields["accountKey"] = key
	}

	var reply upstream.WireSubmitReply
	if err := t.call(ctx, "submitNonce", fields, &reply); err != nil {
		return nil, err
	}
	return reply.Normalize(), nil
}

// BlockWinner asks the upstream who forged height.
func (t *Transport) BlockWinner(ctx context.Context, height uint64) (*upstream.WinnerInfo, error) {
	var reply struct {
		AccountID string `json:"accountId"`
		BlockHash string `json:"blockHash"`
	}
	if err := t.call(ctx, "blockWinner", map[string]any{"height": strconv.FormatUint(height, 10)}, &reply); err != nil {
		if errors.IsType(err, errors.ErrorTypeUpstream) {
			return nil, upstream.ErrWinnerUnavailable
		}
		return nil, err
	}
	if reply.AccountID == "" {
		return nil, upstream.ErrWinnerUnavailable
	}
	return &upstream.WinnerInfo{AccountID: reply.AccountID, BlockHash: reply.BlockHash}, nil
}

// Connected reports whether the stream is open.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Close stops following the stream.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.client.CloseIdleConnections()
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// EncodeInfo writes one mining info frame in the stream format.
func EncodeInfo(w io.Writer, info *mining.MiningInfo) error {
	fields := map[string]any{
		"height":              strconv.FormatUint(info.Height, 10),
		"baseTarget":          info.BaseTarget.String(),
		"generationSignature": info.GenerationSignature,
	}
	if info.TargetDeadline > 0 {
		fields["targetDeadline"] = strconv.FormatUint(info.TargetDeadline, 10)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode mining info: %w", err)
	}
	_, err = protodelim.MarshalTo(w, st)
	return err
}
