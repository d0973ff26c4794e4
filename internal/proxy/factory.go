package proxy

import (
	"fmt"
	"strings"
	"time"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/persistence"
	"github.com/bardlex/roundproxy/internal/upstream"
	"github.com/bardlex/roundproxy/internal/upstream/gateway"
	"github.com/bardlex/roundproxy/internal/upstream/httppoll"
	"github.com/bardlex/roundproxy/internal/upstream/multi"
	"github.com/bardlex/roundproxy/internal/upstream/push"
	"github.com/bardlex/roundproxy/internal/upstream/stream"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// Deps are shared by every proxy built from config.
type Deps struct {
	Cache  *persistence.Cache
	Bus    *events.Bus
	Logger *log.Logger
	Mirror MinerMirror

	MinerStaleAfter time.Duration
	MinerPruneEvery time.Duration
}

// TransportFactory builds the transport of one upstream.
type TransportFactory func(cfg config.UpstreamConfig, logger *log.Logger) (upstream.Transport, error)

// Build creates a proxy and its upstreams. Nothing is started.
func Build(cfg config.ProxyConfig, deps Deps, newTransport TransportFactory, opts ...Option) (*Proxy, error) {
	if newTransport == nil {
		newTransport = NewTransport
	}

	opts = append([]Option{WithMinerPruning(deps.MinerStaleAfter, deps.MinerPruneEvery)}, opts...)
	for _, ucfg := range cfg.Upstreams {
		opts = append(opts, WithMinerStaleBlocks(ucfg.Name, uint64(ucfg.MinerStaleBlocks)))
	}
	if deps.Mirror != nil {
		opts = append(opts, WithMirror(deps.Mirror))
	}
	p := New(cfg.Name, cfg.TargetDL, deps.Logger, opts...)

	for _, ucfg := range cfg.Upstreams {
		tr, err := newTransport(ucfg, deps.Logger)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build_upstream", "failed to build transport").
				WithContext("proxy", cfg.Name).
				WithContext("upstream", ucfg.Name)
		}
		u := upstream.New(upstream.Deps{
			Proxy:     cfg.Name,
			Config:    ucfg,
			Transport: tr,
			Cache:     deps.Cache,
			Bus:       deps.Bus,
			Logger:    deps.Logger,
			OnRound: func(u *upstream.Upstream, info *mining.MiningInfo) {
				p.RoundAnnounced(u, info)
			},
		})
		p.AddUpstream(u)
	}
	return p, nil
}

// NewTransport is the default TransportFactory, selecting by cfg.Type.
func NewTransport(cfg config.UpstreamConfig, logger *log.Logger) (upstream.Transport, error) {
	switch cfg.Type {
	case config.TypeHTTP, "":
		return httppoll.New(cfg, logger), nil
	case config.TypePush:
		return push.New(cfg, logger), nil
	case config.TypeStream:
		return stream.New(cfg, logger), nil
	case config.TypeGateway:
		return gateway.New(cfg, logger), nil
	case config.TypeMulti:
		tr, err := multi.New(cfg, func(sess config.UpstreamConfig) (upstream.Transport, error) {
			return sessionTransport(sess, logger)
		}, logger)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("unknown upstream type %q", cfg.Type)
	}
}

// sessionTransport picks the per-account transport of a multi upstream by URL
// scheme: tcp:// opens a push connection, anything else polls over HTTP.
func sessionTransport(cfg config.UpstreamConfig, logger *log.Logger) (upstream.Transport, error) {
	if strings.HasPrefix(cfg.URL, "tcp://") {
		return push.New(cfg, logger), nil
	}
	return httppoll.New(cfg, logger), nil
}
