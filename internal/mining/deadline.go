package mining

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// AdjustDeadline returns floor(deadline / baseTarget). Both operands can exceed
// 2^53, so the arithmetic stays on big.Int.
func AdjustDeadline(deadline, baseTarget *big.Int) (*big.Int, error) {
	if deadline == nil || deadline.Sign() < 0 {
		return nil, fmt.Errorf("deadline must be a non-negative integer")
	}
	if baseTarget == nil || baseTarget.Sign() <= 0 {
		return nil, fmt.Errorf("base target must be positive")
	}
	return new(big.Int).Quo(deadline, baseTarget), nil
}

// WithinTarget reports whether dl is at or below target. A zero target means no limit.
func WithinTarget(dl *big.Int, target uint64) bool {
	if target == 0 {
		return true
	}
	return dl.Cmp(new(big.Int).SetUint64(target)) <= 0
}

// ParseBigInt parses a base-10 non-negative integer.
func ParseBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative integer %q", s)
	}
	return v, nil
}

// FlexInt decodes a JSON integer that upstreams send either as a number or as a
// quoted string.
type FlexInt struct {
	*big.Int
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		f.Int = nil
		return nil
	}
	s := string(data)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	f.Int = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexInt) MarshalJSON() ([]byte, error) {
	if f.Int == nil {
		return []byte("null"), nil
	}
	return []byte(f.String()), nil
}

// Uint64 returns the value or zero when unset or out of range.
func (f FlexInt) Uint64() uint64 {
	if f.Int == nil || !f.IsUint64() {
		return 0
	}
	return f.Int.Uint64()
}
