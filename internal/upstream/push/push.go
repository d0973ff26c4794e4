// Package push keeps a persistent line-JSON connection to an upstream that
// pushes miningInfo notifications, reconnecting with backoff when it drops.
package push

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/stratum"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

const callTimeout = 10 * time.Second

// Dialer opens the line-JSON connection.
type Dialer func(ctx context.Context, addr string, notify stratum.NotifyFunc, logger *log.Logger) (*stratum.Client, error)

// Option customizes a Transport.
type Option func(*Transport)

// WithDialer replaces stratum.Dial.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// Transport is a reconnecting push-connection client.
type Transport struct {
	cfg    config.UpstreamConfig
	addr   string
	dial   Dialer
	logger *log.Logger

	mu     sync.RWMutex
	client *stratum.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport for cfg.URL, given as host:port or tcp://host:port.
func New(cfg config.UpstreamConfig, logger *log.Logger, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		addr:   strings.TrimPrefix(cfg.URL, "tcp://"),
		dial:   stratum.Dial,
		logger: logger.WithComponent("push").WithUpstream(cfg.Name),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return config.TypePush }

// Start runs the connect loop in the background.
func (t *Transport) Start(ctx context.Context, onRound upstream.RoundHandler) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		upstream.Reconnect(ctx, t.logger, func(ctx context.Context) error {
			return t.session(ctx, onRound)
		})
	}()
	return nil
}

// session runs one connection until it ends.
func (t *Transport) session(ctx context.Context, onRound upstream.RoundHandler) error {
	notify := func(msg *stratum.Message) {
		if msg.Method != stratum.MethodMiningInfo {
			return
		}
		var wire upstream.WireMiningInfo
		if err := msg.DecodeParams(&wire); err != nil {
			t.logger.WithError(err).Warn("invalid miningInfo notification")
			return
		}
		info, err := wire.Info()
		if err != nil {
			t.logger.WithError(err).Warn("invalid miningInfo notification")
			return
		}
		onRound(info)
	}

	client, err := t.dial(ctx, t.addr, notify, t.logger)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "failed to connect").WithContext("addr", t.addr)
	}
	defer func() { _ = client.Close() }()
	t.logger.LogConnection("connected", t.addr)

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	login := stratum.LoginParams{MinerName: t.cfg.MinerName, AccountKey: t.cfg.AccountKey}
	if t.cfg.Capacity > 0 {
		login.Capacity = strconv.FormatFloat(t.cfg.Capacity, 'f', -1, 64)
	}
	err = client.Call(callCtx, stratum.MethodLogin, login, nil)
	if err == nil {
		var wire upstream.WireMiningInfo
		if err = client.Call(callCtx, stratum.MethodGetMiningInfo, nil, &wire); err == nil {
			var info *mining.MiningInfo
			if info, err = wire.Info(); err == nil {
				onRound(info)
			}
		}
	}
	cancel()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.client = nil
		t.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.Done():
		return client.Err()
	}
}

func (t *Transport) current() (*stratum.Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.client == nil {
		return nil, upstream.ErrNotConnected
	}
	return t.client, nil
}

// Submit sends submitNonce on the live connection.
func (t *Transport) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}

	accountID, _ := new(big.Int).SetString(sub.AccountID, 10)
	params := stratum.SubmitParams{
		AccountID:    mining.FlexInt{Int: accountID},
		Height:       mining.FlexInt{Int: new(big.Int).SetUint64(sub.Height)},
		Nonce:        mining.FlexInt{Int: sub.Nonce},
		SecretPhrase: opts.SecretPhrase,
	}
	if params.SecretPhrase == "" {
		params.SecretPhrase = sub.SecretPhrase
	}
	if params.SecretPhrase == "" {
		params.Deadline = mining.FlexInt{Int: sub.Deadline}
	}

	var reply stratum.SubmitReply
	err = client.Call(ctx, stratum.MethodSubmitNonce, params, &reply)
	var rpcErr *stratum.Error
	switch {
	case errors.As(err, &rpcErr):
		return mining.Failure(rpcErr.Code, rpcErr.Message), nil
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "submit_nonce", "submit failed")
	}
	return mining.Success(reply.Deadline.Int, true), nil
}

// BlockWinner asks the upstream who forged height.
func (t *Transport) BlockWinner(ctx context.Context, height uint64) (*upstream.WinnerInfo, error) {
	client, err := t.current()
	if err != nil {
		return nil, err
	}
	var reply stratum.WinnerReply
	if err := client.Call(ctx, stratum.MethodGetBlockWinner, stratum.WinnerParams{Height: height}, &reply); err != nil {
		var rpcErr *stratum.Error
		if errors.As(err, &rpcErr) {
			return nil, upstream.ErrWinnerUnavailable
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "block_winner", "winner lookup failed")
	}
	if reply.AccountID == "" {
		return nil, upstream.ErrWinnerUnavailable
	}
	return &upstream.WinnerInfo{AccountID: reply.AccountID, BlockHash: reply.BlockHash}, nil
}

// Connected reports whether a logged-in connection is live.
func (t *Transport) Connected() bool {
	_, err := t.current()
	return err == nil
}

// Close drops the connection and stops reconnecting.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}
