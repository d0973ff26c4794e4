// Package multi runs one upstream session per configured account, each with
// its own key, miner name and capacity. Submissions go to the session owning
// the account; rounds from any session feed the shared core.
package multi

import (
	"context"
	"fmt"
	"sync"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// SessionFactory builds the transport of one account session. cfg carries the
// account's key, name and capacity.
type SessionFactory func(cfg config.UpstreamConfig) (upstream.Transport, error)

type session struct {
	accountID string
	transport upstream.Transport
}

// Transport fans in rounds from per-account sessions.
type Transport struct {
	sessions []session
	byAcct   map[string]upstream.Transport
	logger   *log.Logger

	// rounds from several sessions arrive concurrently
	roundMu sync.Mutex
}

// New builds one session per entry of cfg.Accounts.
func New(cfg config.UpstreamConfig, factory SessionFactory, logger *log.Logger) (*Transport, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "multi_sessions", "multi upstream needs at least one account").
			WithContext("upstream", cfg.Name)
	}

	t := &Transport{
		byAcct: make(map[string]upstream.Transport, len(cfg.Accounts)),
		logger: logger.WithComponent("multi").WithUpstream(cfg.Name),
	}
	for _, acct := range cfg.Accounts {
		if _, dup := t.byAcct[acct.AccountID]; dup {
			return nil, errors.New(errors.ErrorTypeValidation, "multi_sessions",
				fmt.Sprintf("account %s configured twice", acct.AccountID))
		}
		sessCfg := cfg
		sessCfg.Name = cfg.Name + "/" + acct.AccountID
		sessCfg.Accounts = nil
		if acct.AccountKey != "" {
			sessCfg.AccountKey = acct.AccountKey
		}
		if acct.Name != "" {
			sessCfg.MinerName = acct.Name
		}
		if acct.Capacity > 0 {
			sessCfg.Capacity = acct.Capacity
		}

		tr, err := factory(sessCfg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "multi_sessions", "failed to build session").
				WithContext("account_id", acct.AccountID)
		}
		t.sessions = append(t.sessions, session{accountID: acct.AccountID, transport: tr})
		t.byAcct[acct.AccountID] = tr
	}
	return t, nil
}

func (t *Transport) Name() string { return config.TypeMulti }

// Start starts every session. Rounds are serialized before reaching onRound.
func (t *Transport) Start(ctx context.Context, onRound upstream.RoundHandler) error {
	handler := func(info *mining.MiningInfo) {
		t.roundMu.Lock()
		defer t.roundMu.Unlock()
		onRound(info)
	}
	for i, s := range t.sessions {
		if err := s.transport.Start(ctx, handler); err != nil {
			for _, started := range t.sessions[:i] {
				_ = started.transport.Close()
			}
			return errors.Wrap(err, errors.ErrorTypeUpstream, "multi_start", "session failed to start").
				WithContext("account_id", s.accountID)
		}
	}
	t.logger.Info("account sessions started", "sessions", len(t.sessions))
	return nil
}

// Submit routes to the session of sub.AccountID.
func (t *Transport) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) (*mining.SubmitResult, error) {
	tr, ok := t.byAcct[sub.AccountID]
	if !ok {
		return mining.Failure(mining.CodeUpstream, fmt.Sprintf("no session for account %s", sub.AccountID)), nil
	}
	return tr.Submit(ctx, sub, opts)
}

// BlockWinner asks each connected session until one knows.
func (t *Transport) BlockWinner(ctx context.Context, height uint64) (*upstream.WinnerInfo, error) {
	err := upstream.ErrWinnerUnavailable
	for _, s := range t.sessions {
		if !s.transport.Connected() {
			continue
		}
		w, werr := s.transport.BlockWinner(ctx, height)
		if werr == nil {
			return w, nil
		}
		err = werr
	}
	return nil, err
}

// Connected reports whether any session is connected.
func (t *Transport) Connected() bool {
	for _, s := range t.sessions {
		if s.transport.Connected() {
			return true
		}
	}
	return false
}

// Close closes every session.
func (t *Transport) Close() error {
	var errs []error
	for _, s := range t.sessions {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sessions: %v", errs)
	}
	return nil
}
