// Package gateway receives rounds from a shared ZeroMQ relay that publishes
// mining info for many coins, one topic per coin, and submits nonces over the
// relay's HTTP endpoint in the batched pool format.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/internal/upstream/httppoll"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

const (
	receiveTimeout    = time.Second
	reconnectInterval = time.Second
	reconnectMax      = 30 * time.Second
	heartbeatInterval = 5 * time.Second
	heartbeatTimeout  = 15 * time.Second
)

// SubmitRequest is the batched submission body.
type SubmitRequest struct {
	AccountKey string       `json:"account_key"`
	MinerName  string       `json:"miner_name"`
	MinerMark  string       `json:"miner_mark,omitempty"`
	Capacity   int64        `json:"capacity"`
	Submit     []SubmitItem `json:"submit"`
}

// SubmitItem is one nonce in a SubmitRequest.
type SubmitItem struct {
	AccountID uint64 `json:"accountId"`
	Coin      string `json:"coin"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline,omitempty"`
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"ts"`
}

type submitReply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Transport subscribes to one coin on a relay.
type Transport struct {
	cfg     config.UpstreamConfig
	client  *http.Client
	winners *httppoll.Transport
	logger  *log.Logger
	now     func() time.Time

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a transport subscribing to cfg.Coin on cfg.PubAddr. Winner
// lookups go to cfg.WalletURL when set.
func New(cfg config.UpstreamConfig, logger *log.Logger) *Transport {
	t := &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.WithComponent("gateway").WithUpstream(cfg.Name),
		now:    time.Now,
	}
	if cfg.WalletURL != "" {
		walletCfg := cfg
		walletCfg.URL = cfg.WalletURL
		t.winners = httppoll.New(walletCfg, logger)
	}
	return t
}

func (t *Transport) Name() string { return config.TypeGateway }

// Start connects the SUB socket in the background, recreating it on failure.
func (t *Transport) Start(ctx context.Context, onRound upstream.RoundHandler) error {
	if t.cfg.PubAddr == "" {
		return errors.New(errors.ErrorTypeValidation, "gateway_start", "pubAddr is required")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		upstream.Reconnect(ctx, t.logger, func(ctx context.Context) error {
			return t.subscribe(ctx, onRound)
		})
	}()
	return nil
}

func (t *Transport) subscribe(ctx context.Context, onRound upstream.RoundHandler) error {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ socket")
	}
	defer func() { _ = sub.Close() }()

	_ = sub.SetLinger(0)
	_ = sub.SetReconnectIvl(reconnectInterval)
	_ = sub.SetReconnectIvlMax(reconnectMax)
	_ = sub.SetHeartbeatIvl(heartbeatInterval)
	_ = sub.SetHeartbeatTimeout(heartbeatTimeout)
	if err := sub.SetRcvtimeo(receiveTimeout); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to set receive timeout")
	}
	if err := sub.SetSubscribe(t.cfg.Coin); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe", "failed to subscribe").
			WithContext("coin", t.cfg.Coin)
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if err := t.monitor(monCtx, sub); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_monitor", "failed to monitor socket")
	}
	defer t.connected.Store(false)

	if err := sub.Connect(t.cfg.PubAddr); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_connect", "failed to connect").
			WithContext("addr", t.cfg.PubAddr)
	}
	t.logger.Info("subscribed to relay", "addr", t.cfg.PubAddr, "coin", t.cfg.Coin)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			if eno := zmq.AsErrno(err); eno == zmq.Errno(syscall.EAGAIN) || eno == zmq.ETIMEDOUT {
				continue
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_receive", "receive failed")
		}
		t.connected.Store(true)
		t.handleFrames(frames, onRound)
	}
}

// handleFrames decodes a [coin, json] message.
func (t *Transport) handleFrames(frames [][]byte, onRound upstream.RoundHandler) {
	if len(frames) < 2 {
		t.logger.Warn("received malformed relay message", "parts", len(frames))
		return
	}
	if string(frames[0]) != t.cfg.Coin {
		return
	}
	var wire upstream.WireMiningInfo
	if err := sonic.Unmarshal(frames[1], &wire); err != nil {
		t.logger.WithError(err).Warn("invalid relay mining info")
		return
	}
	info, err := wire.Info()
	if err != nil {
		t.logger.WithError(err).Warn("invalid relay mining info")
		return
	}
	onRound(info)
}

// monitor tracks the SUB socket's connection events until ctx ends.
func (t *Transport) monitor(ctx context.Context, sub *zmq.Socket) error {
	addr := fmt.Sprintf("inproc://roundproxy.gateway.monitor.%d", time.Now().UnixNano())
	events := zmq.EVENT_CONNECTED | zmq.EVENT_DISCONNECTED | zmq.EVENT_CLOSED | zmq.EVENT_MONITOR_STOPPED
	if err := sub.Monitor(addr, events); err != nil {
		return err
	}

	mon, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	_ = mon.SetLinger(0)
	_ = mon.SetRcvtimeo(receiveTimeout)
	if err := mon.Connect(addr); err != nil {
		_ = mon.Close()
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { _ = mon.Close() }()
		for ctx.Err() == nil {
			ev, _, _, err := mon.RecvEvent(0)
			if err != nil {
				if eno := zmq.AsErrno(err); eno == zmq.Errno(syscall.EAGAIN) || eno == zmq.ETIMEDOUT {
					continue
				}
				t.connected.Store(false)
				return
			}
			switch ev {
			case zmq.EVENT_CONNECTED:
				t.connected.Store(true)
				t.logger.LogConnection("relay connected", t.cfg.PubAddr)
			case zmq.EVENT_DISCONNECTED, zmq.EVENT_CLOSED, zmq.EVENT_MONITOR_STOPPED:
				t.connected.Store(false)
				t.logger.LogConnection("relay "+ev.String(), t.cfg.PubAddr)
			}
		}
	}()
	return nil
}

// BuildSubmitRequest builds the body for one submission.
func (t *Transport) BuildSubmitRequest(sub *mining.Submission, opts mining.SubmitOptions) (*SubmitRequest, error) {
	accountID, err := strconv.ParseUint(sub.AccountID, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_nonce", "account id is not numeric")
	}

	key := t.cfg.AccountKey
	if key == "" {
		key = opts.Miner.AccountKey
	}
	name := t.cfg.MinerName
	if name == "" {
		name = opts.Miner.Name
	}
	capacity := t.cfg.Capacity
	if capacity == 0 {
		capacity = opts.Miner.Capacity
	}

	item := SubmitItem{
		AccountID: accountID,
		Coin:      t.cfg.Coin,
		Nonce:     sub.Nonce.String(),
		Height:    sub.Height,
		Timestamp: t.now().UnixMilli(),
	}
	if sub.Deadline != nil {
		item.Deadline = sub.Deadline.String()
	}
	return &SubmitRequest{
		AccountKey: key,
		MinerName:  name,
		MinerMark:  opts.Miner.Software,
		Capacity:   int64(capacity),
		Submit:     []SubmitItem{item},
	}, nil
}

// Submit posts the nonce to the relay's HTTP endpoint.
func (t *Transport) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error) {
	body, err := t.BuildSubmitRequest(sub, opts)
	if err != nil {
		return nil, err
	}
	data, err := sonic.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "submit_nonce", "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "submit_nonce", "invalid relay url")
	}
	req.Header.Set("Content-Type", "application/json")

	var reply submitReply
	if err := upstream.DoJSON(t.client, req, &reply); err != nil {
		return nil, err
	}
	if reply.Code != 0 {
		return mining.Failure(reply.Code, reply.Msg), nil
	}
	return mining.Success(opts.AdjustedDeadline, true), nil
}

// BlockWinner asks the configured wallet; relays themselves cannot tell.
func (t *Transport) BlockWinner(ctx context.Context, height uint64) (*upstream.WinnerInfo, error) {
	if t.winners == nil {
		return nil, upstream.ErrWinnerUnsupported
	}
	return t.winners.BlockWinner(ctx, height)
}

// Connected reports the relay connection state seen by the socket monitor.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Close stops the subscriber.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.client.CloseIdleConnections()
	if t.winners != nil {
		return t.winners.Close()
	}
	return nil
}
