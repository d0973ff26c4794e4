// Package estimator derives an upstream's effective capacity from the best
// deadlines of its recent rounds, and the dynamic target deadline that follows
// from a desired submit probability.
package estimator

import (
	"math"
	"math/big"
	"time"
)

// FastBlockGap is the maximum spacing for a round to count as a fast block.
const FastBlockGap = 20 * time.Second

// Config controls the estimator window and confidence curve.
type Config struct {
	Window            int
	MinConfidence     int
	BlockTime         time.Duration
	ExcludeFastBlocks bool
}

// Sample is one historical round as the estimator sees it.
type Sample struct {
	BestDL    *big.Int
	NetDiff   float64
	CreatedAt time.Time
}

// Estimator computes capacity estimates. It is immutable and safe for concurrent use.
type Estimator struct {
	cfg   Config
	alpha []float64
}

// New builds an estimator, precomputing the confidence curve.
func New(cfg Config) *Estimator {
	if cfg.Window <= 0 {
		cfg.Window = 720
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 10
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 240 * time.Second
	}
	return &Estimator{cfg: cfg, alpha: Alpha(cfg.Window, cfg.MinConfidence)}
}

// Window returns the number of rounds the estimator considers.
func (e *Estimator) Window() int { return e.cfg.Window }

// BlockTime returns the configured block time.
func (e *Estimator) BlockTime() time.Duration { return e.cfg.BlockTime }

// Alpha returns the confidence curve of length window.
func Alpha(window, minConfidence int) []float64 {
	alpha := make([]float64, window)
	w := float64(window)
	for i := range alpha {
		n := float64(i + 1)
		switch {
		case i == window-1:
			alpha[i] = 1
		case i < minConfidence-1:
			alpha[i] = 0
		default:
			alpha[i] = 1 - ((w-n)/n)*math.Log(w/(w-n))
		}
	}
	return alpha
}

// Capacity estimates capacity from rounds ordered oldest first. Only the last
// Window rounds are used.
//
// With ExcludeFastBlocks, the i-th round that has a deadline is compared with
// rounds[i-1] of the full, unfiltered slice. The two indexes drift apart once a
// round without a deadline appears; that alignment is kept on purpose so estimates
// stay comparable with existing history.
func (e *Estimator) Capacity(rounds []Sample) float64 {
	if len(rounds) > e.cfg.Window {
		rounds = rounds[len(rounds)-e.cfg.Window:]
	}
	if len(rounds) == 0 {
		return 0
	}

	withDL := make([]Sample, 0, len(rounds))
	for _, r := range rounds {
		if r.BestDL != nil && r.NetDiff > 0 {
			withDL = append(withDL, r)
		}
	}

	var weightedSum float64
	nConf := 0
	for i, r := range withDL {
		if e.cfg.ExcludeFastBlocks && i > 0 && r.CreatedAt.Sub(rounds[i-1].CreatedAt) <= FastBlockGap {
			continue
		}
		dl, _ := new(big.Float).SetInt(r.BestDL).Float64()
		weightedSum += dl / r.NetDiff
		nConf++
	}

	if weightedSum == 0 {
		return 0
	}

	pos := min(len(rounds), len(e.alpha)) - 1
	return e.alpha[pos] * e.cfg.BlockTime.Seconds() * float64(nConf-1) / weightedSum
}

// TargetDeadline returns the deadline below which a submission wins a block with
// probability p, given the estimated capacity. Zero means no limit.
func TargetDeadline(p float64, blockTime time.Duration, netDiff, capacity float64) uint64 {
	if p <= 0 || p >= 1 || capacity <= 0 || netDiff <= 0 {
		return 0
	}
	t := -math.Log(1-p) * blockTime.Seconds() * netDiff / capacity
	if t < 1 {
		return 1
	}
	if t >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Floor(t))
}
