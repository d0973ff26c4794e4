// Package mining holds the value types shared by upstream adapters, the scheduler,
// the submission router and the persistence layer.
package mining

import (
	"fmt"
	"math/big"
	"time"
)

// GenesisBaseTarget is the base target of the genesis block, shared by the coin
// families this proxy fronts.
const GenesisBaseTarget = 18325193796

// Error codes returned to miners.
const (
	CodeWrongFormat    = 1
	CodeDifferentRound = 2
	CodeUpstream       = 3
)

// MiningInfo is one upstream's round parameters. It is never mutated after creation.
type MiningInfo struct {
	Height              uint64   `json:"height"`
	BaseTarget          *big.Int `json:"baseTarget"`
	GenerationSignature string   `json:"generationSignature"`
	// TargetDeadline is zero when the upstream does not advertise one.
	TargetDeadline uint64 `json:"targetDeadline,omitempty"`
}

// NetDifficulty returns genesisBaseTarget / baseTarget.
func (m *MiningInfo) NetDifficulty() float64 {
	if m == nil || m.BaseTarget == nil || m.BaseTarget.Sign() <= 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt64(GenesisBaseTarget), new(big.Float).SetInt(m.BaseTarget))
	f, _ := q.Float64()
	return f
}

// SameRound reports whether other announces exactly the same round.
func (m *MiningInfo) SameRound(other *MiningInfo) bool {
	if m == nil || other == nil {
		return false
	}
	return m.Height == other.Height && m.BaseTarget.Cmp(other.BaseTarget) == 0
}

// IsFork reports whether other has the same height but a different base target.
func (m *MiningInfo) IsFork(other *MiningInfo) bool {
	if m == nil || other == nil {
		return false
	}
	return m.Height == other.Height && m.BaseTarget.Cmp(other.BaseTarget) != 0
}

// WithTargetDeadline returns a copy advertising target.
func (m *MiningInfo) WithTargetDeadline(target uint64) *MiningInfo {
	c := *m
	c.TargetDeadline = target
	return &c
}

// Validate checks the fields every upstream must supply.
func (m *MiningInfo) Validate() error {
	if m.BaseTarget == nil || m.BaseTarget.Sign() <= 0 {
		return fmt.Errorf("base target must be positive")
	}
	if m.GenerationSignature == "" {
		return fmt.Errorf("generation signature is empty")
	}
	return nil
}

// Round is the persisted outcome of one block height on one upstream.
type Round struct {
	UpstreamID      string
	Height          uint64
	BaseTarget      *big.Int
	NetDiff         float64
	BestDL          *big.Int
	BestDLSubmitted *big.Int
	// RoundWon is nil while the winner is unknown.
	RoundWon  *bool
	BlockHash string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key identifies the round in caches and debouncers.
func (r *Round) Key() string {
	return RoundKey(r.UpstreamID, r.Height)
}

// RoundKey formats the (upstream, height) identity.
func RoundKey(upstreamID string, height uint64) string {
	return fmt.Sprintf("%s/%d", upstreamID, height)
}

// RecordBestDL lowers BestDL to dl if dl is better.
func (r *Round) RecordBestDL(dl *big.Int) bool {
	if dl == nil || (r.BestDL != nil && dl.Cmp(r.BestDL) >= 0) {
		return false
	}
	r.BestDL = new(big.Int).Set(dl)
	return true
}

// RecordSubmittedDL lowers BestDLSubmitted. BestDL is the minimum of every
// deadline seen, submitted or not, so BestDL <= BestDLSubmitted always holds.
func (r *Round) RecordSubmittedDL(dl *big.Int) bool {
	if dl == nil || (r.BestDLSubmitted != nil && dl.Cmp(r.BestDLSubmitted) >= 0) {
		return false
	}
	r.BestDLSubmitted = new(big.Int).Set(dl)
	r.RecordBestDL(dl)
	return true
}

// Clone returns a deep copy.
func (r *Round) Clone() *Round {
	c := *r
	c.BaseTarget = cloneInt(r.BaseTarget)
	c.BestDL = cloneInt(r.BestDL)
	c.BestDLSubmitted = cloneInt(r.BestDLSubmitted)
	if r.RoundWon != nil {
		won := *r.RoundWon
		c.RoundWon = &won
	}
	return &c
}

// Plotter is an account seen submitting to an upstream.
type Plotter struct {
	UpstreamID       string
	AccountID        string
	LastSubmitHeight uint64
}

// Key identifies the plotter in caches.
func (p *Plotter) Key() string {
	return p.UpstreamID + "/" + p.AccountID
}

// Miner is per-connection bookkeeping held by a proxy. Never persisted.
type Miner struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Software       string    `json:"software,omitempty"`
	Capacity       float64   `json:"capacity"`
	ScanProgress   float64   `json:"scanProgress,omitempty"`
	LastTimeActive time.Time `json:"lastTimeActive"`
	// LastUpstream and LastHeight locate the miner's latest routed submission.
	LastUpstream string `json:"lastUpstream,omitempty"`
	LastHeight   uint64 `json:"lastHeight,omitempty"`
}

// SubmitError is the structured error returned to miners.
type SubmitError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// SubmitResult is the normalized outcome of a submission. Exactly one of Error or
// Deadline is meaningful.
type SubmitResult struct {
	Error    *SubmitError
	Deadline *big.Int
	// Forwarded is false when the proxy answered locally.
	Forwarded bool
}

// Success builds an accepted result.
func Success(deadline *big.Int, forwarded bool) *SubmitResult {
	return &SubmitResult{Deadline: deadline, Forwarded: forwarded}
}

// Failure builds a rejected result.
func Failure(code int, message string) *SubmitResult {
	return &SubmitResult{Error: &SubmitError{Message: message, Code: code}}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
