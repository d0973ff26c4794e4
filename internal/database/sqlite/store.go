// Package sqlite provides the embedded SQLite round and plotter store, the
// default for single-host proxies.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bardlex/roundproxy/internal/database/sqlutil"
	"github.com/bardlex/roundproxy/internal/mining"

	// SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	upstream_id       TEXT NOT NULL,
	block_height      INTEGER NOT NULL,
	base_target       TEXT NOT NULL,
	net_diff          REAL NOT NULL,
	best_dl           TEXT,
	best_dl_submitted TEXT,
	round_won         INTEGER,
	block_hash        TEXT,
	created_at_unix   INTEGER NOT NULL,
	updated_at_unix   INTEGER NOT NULL,
	PRIMARY KEY (upstream_id, block_height)
);

CREATE TABLE IF NOT EXISTS plotters (
	upstream_id        TEXT NOT NULL,
	account_id         TEXT NOT NULL,
	last_submit_height INTEGER NOT NULL,
	updated_at_unix    INTEGER NOT NULL,
	PRIMARY KEY (upstream_id, account_id)
);
`

const roundColumns = `upstream_id, block_height, base_target, net_diff, best_dl, best_dl_submitted,
	round_won, block_hash, created_at_unix, updated_at_unix`

// Store is a SQLite-backed round and plotter store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and applies the schema.
// A dsn may be a plain path or a "file:" URI with driver parameters.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, os.ErrInvalid
	}
	if path := dsnPath(dsn); path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// writes are serialized by the persistence queue; one connection avoids
	// SQLITE_BUSY between pool members
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func dsnPath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertRound inserts the round or updates the row keyed by (upstream, height).
func (s *Store) UpsertRound(ctx context.Context, round *mining.Round) error {
	now := time.Now()
	createdAt := round.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rounds (upstream_id, block_height, base_target, net_diff, best_dl,
		                    best_dl_submitted, round_won, block_hash, created_at_unix, updated_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (upstream_id, block_height) DO UPDATE SET
			base_target       = excluded.base_target,
			net_diff          = excluded.net_diff,
			best_dl           = excluded.best_dl,
			best_dl_submitted = excluded.best_dl_submitted,
			round_won         = excluded.round_won,
			block_hash        = excluded.block_hash,
			updated_at_unix   = excluded.updated_at_unix`,
		round.UpstreamID, sqlutil.Height(round.Height), sqlutil.NullBig(round.BaseTarget), round.NetDiff,
		sqlutil.NullBig(round.BestDL), sqlutil.NullBig(round.BestDLSubmitted),
		sqlutil.NullBool(round.RoundWon), sqlutil.NullString(round.BlockHash),
		createdAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}
	return nil
}

// GetRound retrieves one round
func (s *Store) GetRound(ctx context.Context, upstreamID string, height uint64) (*mining.Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE upstream_id = ? AND block_height = ?`,
		upstreamID, sqlutil.Height(height))

	round, err := scanRound(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sqlutil.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return round, nil
}

// RecentRounds returns up to limit rounds ordered by height ascending.
func (s *Store) RecentRounds(ctx context.Context, upstreamID string, limit int) ([]*mining.Round, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+roundColumns+` FROM rounds
			WHERE upstream_id = ?
			ORDER BY block_height DESC
			LIMIT ?
		) ORDER BY block_height ASC`, upstreamID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rounds []*mining.Round
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rounds: %w", err)
	}
	return rounds, nil
}

// PruneRounds keeps the newest keep rounds of an upstream and deletes the rest.
func (s *Store) PruneRounds(ctx context.Context, upstreamID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rounds
		WHERE upstream_id = ?1 AND block_height <= (
			SELECT block_height FROM rounds
			WHERE upstream_id = ?1
			ORDER BY block_height DESC
			LIMIT 1 OFFSET ?2
		)`, upstreamID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rounds: %w", err)
	}
	return res.RowsAffected()
}

// UpsertPlotter records the latest submit height of an account.
func (s *Store) UpsertPlotter(ctx context.Context, p *mining.Plotter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plotters (upstream_id, account_id, last_submit_height, updated_at_unix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (upstream_id, account_id) DO UPDATE SET
			last_submit_height = excluded.last_submit_height,
			updated_at_unix    = excluded.updated_at_unix`,
		p.UpstreamID, p.AccountID, sqlutil.Height(p.LastSubmitHeight), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert plotter: %w", err)
	}
	return nil
}

// GetPlotter retrieves one plotter
func (s *Store) GetPlotter(ctx context.Context, upstreamID, accountID string) (*mining.Plotter, error) {
	var height int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_submit_height FROM plotters WHERE upstream_id = ? AND account_id = ?`,
		upstreamID, accountID).Scan(&height)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sqlutil.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plotter: %w", err)
	}
	return &mining.Plotter{UpstreamID: upstreamID, AccountID: accountID, LastSubmitHeight: uint64(height)}, nil
}

// ActivePlotters returns plotters that submitted at or after minHeight.
func (s *Store) ActivePlotters(ctx context.Context, upstreamID string, minHeight uint64) ([]*mining.Plotter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, last_submit_height FROM plotters
		WHERE upstream_id = ? AND last_submit_height >= ?
		ORDER BY account_id`, upstreamID, sqlutil.Height(minHeight))
	if err != nil {
		return nil, fmt.Errorf("failed to query plotters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plotters []*mining.Plotter
	for rows.Next() {
		p := &mining.Plotter{UpstreamID: upstreamID}
		var height int64
		if err := rows.Scan(&p.AccountID, &height); err != nil {
			return nil, fmt.Errorf("failed to scan plotter: %w", err)
		}
		p.LastSubmitHeight = uint64(height)
		plotters = append(plotters, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plotters: %w", err)
	}
	return plotters, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*mining.Round, error) {
	var (
		round                            mining.Round
		height, createdAt, updatedAt     int64
		baseTarget, bestDL, bestDLSubmit sql.NullString
		roundWon                         sql.NullBool
		blockHash                        sql.NullString
	)

	if err := row.Scan(&round.UpstreamID, &height, &baseTarget, &round.NetDiff, &bestDL,
		&bestDLSubmit, &roundWon, &blockHash, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	round.Height = uint64(height)
	if round.BaseTarget, err = sqlutil.ParseBig(baseTarget); err != nil {
		return nil, err
	}
	if round.BestDL, err = sqlutil.ParseBig(bestDL); err != nil {
		return nil, err
	}
	if round.BestDLSubmitted, err = sqlutil.ParseBig(bestDLSubmit); err != nil {
		return nil, err
	}
	round.RoundWon = sqlutil.BoolPtr(roundWon)
	round.BlockHash = blockHash.String
	round.CreatedAt = time.UnixMilli(createdAt)
	round.UpdatedAt = time.UnixMilli(updatedAt)
	return &round, nil
}
