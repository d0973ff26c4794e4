// Package httppoll talks to pools and wallets that expose the burst HTTP API:
// rounds are polled with getMiningInfo and nonces are posted with submitNonce.
package httppoll

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

const defaultTimeout = 10 * time.Second

// Option customizes a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// Transport polls an HTTP mining endpoint.
type Transport struct {
	cfg    config.UpstreamConfig
	client *http.Client
	logger *log.Logger

	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a transport for cfg.URL.
func New(cfg config.UpstreamConfig, logger *log.Logger, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.WithComponent("httppoll").WithUpstream(cfg.Name),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return config.TypeHTTP }

// Start polls once synchronously, then keeps polling every poll interval.
func (t *Transport) Start(ctx context.Context, onRound upstream.RoundHandler) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.poll(ctx, onRound)

	interval := t.cfg.PollDuration()
	if interval <= 0 {
		interval = time.Second
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.poll(ctx, onRound)
			}
		}
	}()
	return nil
}

func (t *Transport) poll(ctx context.Context, onRound upstream.RoundHandler) {
	info, err := t.MiningInfo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			if t.connected.Swap(false) {
				t.logger.WithError(err).Warn("mining info poll failed")
			} else {
				t.logger.WithError(err).Debug("mining info poll failed")
			}
		}
		return
	}
	t.connected.Store(true)
	onRound(info)
}

// MiningInfo fetches the current round.
func (t *Transport) MiningInfo(ctx context.Context) (*mining.MiningInfo, error) {
	req, err := t.request(ctx, http.MethodGet, t.cfg.URL, url.Values{"requestType": {"getMiningInfo"}})
	if err != nil {
		return nil, err
	}
	var wire upstream.WireMiningInfo
	if err := upstream.DoJSON(t.client, req, &wire); err != nil {
		return nil, err
	}
	return wire.Info()
}

// Submit posts a nonce. Pools receive the miner's metadata as headers.
func (t *Transport) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error) {
	q := url.Values{
		"requestType": {"submitNonce"},
		"accountId":   {sub.AccountID},
		"nonce":       {sub.Nonce.String()},
		"blockheight": {strconv.FormatUint(sub.Height, 10)},
	}
	phrase := opts.SecretPhrase
	if phrase == "" {
		phrase = sub.SecretPhrase
	}
	if phrase != "" {
		q.Set("secretPhrase", phrase)
	} else if sub.Deadline != nil {
		q.Set("deadline", sub.Deadline.String())
	}

	req, err := t.request(ctx, http.MethodPost, t.cfg.URL, q)
	if err != nil {
		return nil, err
	}
	t.setMinerHeaders(req, opts.Miner)

	var reply upstream.WireSubmitReply
	if err := upstream.DoJSON(t.client, req, &reply); err != nil {
		return nil, err
	}
	return reply.Normalize(), nil
}

func (t *Transport) setMinerHeaders(req *http.Request, miner mining.MinerMeta) {
	capacity := miner.Capacity
	if t.cfg.Capacity > 0 {
		capacity = t.cfg.Capacity
	}
	if capacity > 0 {
		req.Header.Set("X-Capacity", strconv.FormatFloat(capacity, 'f', -1, 64))
	}

	name := miner.Name
	if t.cfg.MinerName != "" {
		name = t.cfg.MinerName
	}
	if name != "" {
		req.Header.Set("X-MinerName", name)
	}
	if miner.Software != "" {
		req.Header.Set("X-Miner", miner.Software)
	}

	key := t.cfg.AccountKey
	if key == "" {
		key = miner.AccountKey
	}
	if key != "" {
		req.Header.Set("X-Account", key)
	}
}

type blockReply struct {
	Generator        string         `json:"generator"`
	Block            string         `json:"block"`
	ErrorCode        mining.FlexInt `json:"errorCode"`
	ErrorDescription string         `json:"errorDescription"`
}

// BlockWinner queries the wallet for the block at height.
func (t *Transport) BlockWinner(ctx context.Context, height uint64) (*upstream.WinnerInfo, error) {
	base := t.cfg.WalletURL
	if base == "" {
		base = t.cfg.URL
	}
	req, err := t.request(ctx, http.MethodGet, base, url.Values{
		"requestType": {"getBlock"},
		"height":      {strconv.FormatUint(height, 10)},
	})
	if err != nil {
		return nil, err
	}

	var reply blockReply
	if err := upstream.DoJSON(t.client, req, &reply); err != nil {
		return nil, err
	}
	if reply.ErrorCode.Int != nil || reply.Generator == "" {
		return nil, upstream.ErrWinnerUnavailable
	}
	return &upstream.WinnerInfo{AccountID: reply.Generator, BlockHash: reply.Block}, nil
}

func (t *Transport) request(ctx context.Context, method, base string, q url.Values) (*http.Request, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "parse_url", fmt.Sprintf("invalid upstream url %q", base))
	}
	merged := u.Query()
	for k, v := range q {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_request", "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Connected reports whether the last poll succeeded.
func (t *Transport) Connected() bool { return t.connected.Load() }

// Close stops polling.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.client.CloseIdleConnections()
	return nil
}
