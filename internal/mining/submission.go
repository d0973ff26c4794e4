package mining

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Submission is a validated nonce submission.
type Submission struct {
	AccountID string
	Height    uint64
	Nonce     *big.Int
	// Deadline is nil for pool-mode submissions that only carry a secret phrase.
	Deadline     *big.Int
	SecretPhrase string
}

// RawSubmission is the submit request as received from a miner transport.
type RawSubmission struct {
	AccountID    string `json:"accountId"`
	Height       string `json:"blockheight"`
	Nonce        string `json:"nonce"`
	Deadline     string `json:"deadline"`
	SecretPhrase string `json:"secretPhrase"`
}

// MinerMeta is the metadata miners send alongside requests.
type MinerMeta struct {
	// ID identifies the miner connection, usually the remote host.
	ID       string
	Name     string
	Software string
	Capacity float64
	// AccountKey is an optional per-miner key passed through to pools.
	AccountKey string
}

// ParseCapacity reads a capacity header. Miners report GiB; anything unparsable is zero.
func ParseCapacity(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Validate converts the raw request into a Submission.
func (r RawSubmission) Validate() (*Submission, error) {
	accountID := strings.TrimSpace(r.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("accountId is required")
	}
	if _, err := strconv.ParseUint(accountID, 10, 64); err != nil {
		return nil, fmt.Errorf("accountId must be numeric")
	}

	height, err := strconv.ParseUint(strings.TrimSpace(r.Height), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("blockheight must be numeric")
	}

	nonce, err := ParseBigInt(r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	sub := &Submission{
		AccountID:    accountID,
		Height:       height,
		Nonce:        nonce,
		SecretPhrase: r.SecretPhrase,
	}

	if strings.TrimSpace(r.Deadline) != "" {
		dl, err := ParseBigInt(r.Deadline)
		if err != nil {
			return nil, fmt.Errorf("deadline: %w", err)
		}
		sub.Deadline = dl
	}

	if sub.Deadline == nil && sub.SecretPhrase == "" {
		return nil, fmt.Errorf("either deadline or secretPhrase is required")
	}

	return sub, nil
}

// SubmitOptions carries per-forward settings chosen by the router.
type SubmitOptions struct {
	// AdjustedDeadline is deadline / baseTarget, nil when the miner sent no deadline.
	AdjustedDeadline *big.Int
	Miner            MinerMeta
	// SecretPhrase overrides the submission's phrase for solo upstreams.
	SecretPhrase string
}
