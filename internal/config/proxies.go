package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Upstream transport types.
const (
	TypeHTTP    = "http"
	TypePush    = "push"
	TypeStream  = "stream"
	TypeGateway = "gateway"
	TypeMulti   = "multi"
)

// Upstream modes.
const (
	ModePool = "pool"
	ModeSolo = "solo"
)

// Defaults applied to upstream entries.
const (
	DefaultWeight                 = 10
	DefaultScanTime               = 40
	DefaultHistoricalRoundsToKeep = 720
	DefaultBlockTime              = 240
	DefaultMinConfidence          = 10
	DefaultPollInterval           = 1
	DefaultSettleDelay            = 5
)

// File is the top-level shape of the proxy definition file.
type File struct {
	Proxies []ProxyConfig `yaml:"proxies" toml:"proxies"`
}

// ProxyConfig is one miner-facing endpoint fronting one or more upstreams.
type ProxyConfig struct {
	Name      string           `yaml:"name" toml:"name"`
	TargetDL  uint64           `yaml:"targetDL" toml:"targetDL"`
	Upstreams []UpstreamConfig `yaml:"upstreams" toml:"upstreams"`
}

// AccountConfig is one session of a multi-account upstream.
type AccountConfig struct {
	AccountID  string  `yaml:"accountId" toml:"accountId"`
	AccountKey string  `yaml:"accountKey" toml:"accountKey"`
	Name       string  `yaml:"name" toml:"name"`
	Capacity   float64 `yaml:"capacity" toml:"capacity"`
}

// UpstreamConfig describes one pool or wallet behind a proxy.
// Durations are whole seconds.
type UpstreamConfig struct {
	Name string `yaml:"name" toml:"name"`
	Type string `yaml:"type" toml:"type"`
	Mode string `yaml:"mode" toml:"mode"`

	URL       string `yaml:"url" toml:"url"`
	WalletURL string `yaml:"walletUrl" toml:"walletUrl"`
	// PubAddr is the ZeroMQ endpoint of a gateway relay.
	PubAddr string `yaml:"pubAddr" toml:"pubAddr"`
	Coin    string `yaml:"coin" toml:"coin"`

	Weight       int    `yaml:"weight" toml:"weight"`
	TargetDL     uint64 `yaml:"targetDL" toml:"targetDL"`
	SendTargetDL uint64 `yaml:"sendTargetDL" toml:"sendTargetDL"`

	ScanTime                 int `yaml:"scanTime" toml:"scanTime"`
	HistoricalRoundsToKeep   int `yaml:"historicalRoundsToKeep" toml:"historicalRoundsToKeep"`
	UpdateMiningInfoInterval int `yaml:"updateMiningInfoInterval" toml:"updateMiningInfoInterval"`
	SettleDelay              int `yaml:"settleDelay" toml:"settleDelay"`
	// MinerStaleBlocks also prunes miners whose last submission to this upstream
	// is more than this many blocks old. Zero keeps the time window only.
	MinerStaleBlocks int `yaml:"minerStaleBlocks" toml:"minerStaleBlocks"`

	AccountKey        string            `yaml:"accountKey" toml:"accountKey"`
	MinerName         string            `yaml:"minerName" toml:"minerName"`
	Capacity          float64           `yaml:"capacity" toml:"capacity"`
	Passphrase        string            `yaml:"passphrase" toml:"passphrase"`
	Passphrases       map[string]string `yaml:"passphrases" toml:"passphrases"`
	Accounts          []AccountConfig   `yaml:"accounts" toml:"accounts"`
	SubmitProbability float64           `yaml:"submitProbability" toml:"submitProbability"`

	BlockTime         int  `yaml:"blockTime" toml:"blockTime"`
	EstimatorWindow   int  `yaml:"estimatorWindow" toml:"estimatorWindow"`
	MinConfidence     int  `yaml:"minConfidence" toml:"minConfidence"`
	ExcludeFastBlocks bool `yaml:"excludeFastBlocks" toml:"excludeFastBlocks"`
}

// ScanDuration returns the scheduler time budget for one round.
func (u UpstreamConfig) ScanDuration() time.Duration {
	return time.Duration(u.ScanTime) * time.Second
}

// PollDuration returns the mining info poll interval.
func (u UpstreamConfig) PollDuration() time.Duration {
	return time.Duration(u.UpdateMiningInfoInterval) * time.Second
}

// SettleDuration returns the delay before a finished round is finalized.
func (u UpstreamConfig) SettleDuration() time.Duration {
	return time.Duration(u.SettleDelay) * time.Second
}

// PassphraseFor returns the solo-mining passphrase configured for accountID.
func (u UpstreamConfig) PassphraseFor(accountID string) string {
	if p, ok := u.Passphrases[accountID]; ok {
		return p
	}
	return u.Passphrase
}

// LoadProxies reads proxy definitions from path. The format follows the extension:
// .toml is TOML, anything else is YAML.
func LoadProxies(path string) ([]ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseProxies(data, filepath.Ext(path))
}

// ParseProxies decodes and validates proxy definitions.
func ParseProxies(data []byte, ext string) ([]ProxyConfig, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	}

	for i := range f.Proxies {
		if err := f.Proxies[i].normalize(); err != nil {
			return nil, err
		}
	}
	if len(f.Proxies) == 0 {
		return nil, fmt.Errorf("config file defines no proxies")
	}
	return f.Proxies, nil
}

func (p *ProxyConfig) normalize() error {
	if p.Name == "" {
		return fmt.Errorf("proxy name cannot be empty")
	}
	if len(p.Upstreams) == 0 {
		return fmt.Errorf("proxy %q has no upstreams", p.Name)
	}

	seen := make(map[string]bool, len(p.Upstreams))
	for i := range p.Upstreams {
		u := &p.Upstreams[i]
		if err := u.normalize(); err != nil {
			return fmt.Errorf("proxy %q: %w", p.Name, err)
		}
		if seen[u.Name] {
			return fmt.Errorf("proxy %q: duplicate upstream name %q", p.Name, u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

func (u *UpstreamConfig) normalize() error {
	if u.Name == "" {
		return fmt.Errorf("upstream name cannot be empty")
	}
	if u.Type == "" {
		u.Type = TypeHTTP
	}
	if u.Mode == "" {
		u.Mode = ModePool
	}
	if u.Weight == 0 {
		u.Weight = DefaultWeight
	}
	if u.ScanTime == 0 {
		u.ScanTime = DefaultScanTime
	}
	if u.HistoricalRoundsToKeep == 0 {
		u.HistoricalRoundsToKeep = DefaultHistoricalRoundsToKeep
	}
	if u.UpdateMiningInfoInterval == 0 {
		u.UpdateMiningInfoInterval = DefaultPollInterval
	}
	if u.BlockTime == 0 {
		u.BlockTime = DefaultBlockTime
	}
	if u.EstimatorWindow == 0 {
		u.EstimatorWindow = u.HistoricalRoundsToKeep
	}
	if u.MinConfidence == 0 {
		u.MinConfidence = DefaultMinConfidence
	}
	if u.SettleDelay == 0 && u.Type == TypeHTTP {
		u.SettleDelay = DefaultSettleDelay
	}

	switch u.Type {
	case TypeHTTP, TypePush, TypeStream:
		if u.URL == "" {
			return fmt.Errorf("upstream %q: url is required", u.Name)
		}
	case TypeGateway:
		if u.URL == "" || u.PubAddr == "" || u.Coin == "" {
			return fmt.Errorf("upstream %q: gateway needs url, pubAddr and coin", u.Name)
		}
	case TypeMulti:
		if u.URL == "" || len(u.Accounts) == 0 {
			return fmt.Errorf("upstream %q: multi needs url and at least one account", u.Name)
		}
		for _, a := range u.Accounts {
			if a.AccountID == "" {
				return fmt.Errorf("upstream %q: every account needs accountId", u.Name)
			}
		}
	default:
		return fmt.Errorf("upstream %q: unknown type %q", u.Name, u.Type)
	}

	switch u.Mode {
	case ModePool, ModeSolo:
	default:
		return fmt.Errorf("upstream %q: mode must be pool or solo", u.Name)
	}

	if u.ScanTime < 0 || u.Weight < 0 || u.MinerStaleBlocks < 0 {
		return fmt.Errorf("upstream %q: scanTime, weight and minerStaleBlocks cannot be negative", u.Name)
	}
	if u.SubmitProbability < 0 || u.SubmitProbability >= 1 {
		return fmt.Errorf("upstream %q: submitProbability must be in [0, 1)", u.Name)
	}
	if u.EstimatorWindow < u.MinConfidence {
		return fmt.Errorf("upstream %q: estimatorWindow must be at least minConfidence", u.Name)
	}
	return nil
}
