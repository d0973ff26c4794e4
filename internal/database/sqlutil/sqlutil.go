// Package sqlutil holds column conversions shared by the SQL stores.
package sqlutil

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
)

// ErrNotFound is returned when a round or plotter row does not exist.
var ErrNotFound = errors.New("record not found")

// NullBig encodes an optional big integer as decimal text. Deadlines and base
// targets overflow int64, so both stores keep them as text or NUMERIC.
func NullBig(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

// ParseBig decodes a column written by NullBig.
func ParseBig(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer column %q", s.String)
	}
	return v, nil
}

// NullBool encodes a tri-state flag.
func NullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

// BoolPtr decodes a tri-state flag.
func BoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Height converts a block height for drivers that reject uint64 with the high bit set.
func Height(h uint64) int64 {
	return int64(h)
}
