package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bardlex/roundproxy/internal/database/sqlutil"
	"github.com/bardlex/roundproxy/internal/mining"
)

// RoundRepository handles round-related database operations
type RoundRepository struct {
	db *sql.DB
}

// NewRoundRepository creates a new round repository
func NewRoundRepository(db *sql.DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// UpsertRound inserts the round or updates the row keyed by (upstream, height).
func (r *RoundRepository) UpsertRound(ctx context.Context, round *mining.Round) error {
	query := `
		INSERT INTO rounds (upstream_id, block_height, base_target, net_diff, best_dl,
		                    best_dl_submitted, round_won, block_hash, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $9)
		ON CONFLICT (upstream_id, block_height) DO UPDATE SET
			base_target       = EXCLUDED.base_target,
			net_diff          = EXCLUDED.net_diff,
			best_dl           = EXCLUDED.best_dl,
			best_dl_submitted = EXCLUDED.best_dl_submitted,
			round_won         = EXCLUDED.round_won,
			block_hash        = EXCLUDED.block_hash,
			updated_at        = EXCLUDED.updated_at`

	createdAt := round.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		round.UpstreamID, sqlutil.Height(round.Height), sqlutil.NullBig(round.BaseTarget), round.NetDiff,
		sqlutil.NullBig(round.BestDL), sqlutil.NullBig(round.BestDLSubmitted),
		sqlutil.NullBool(round.RoundWon), sqlutil.NullString(round.BlockHash), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}
	return nil
}

// GetRound retrieves one round
func (r *RoundRepository) GetRound(ctx context.Context, upstreamID string, height uint64) (*mining.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE upstream_id = $1 AND block_height = $2`

	round, err := scanRound(r.db.QueryRowContext(ctx, query, upstreamID, sqlutil.Height(height)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sqlutil.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return round, nil
}

// RecentRounds returns up to limit rounds ordered by height ascending.
func (r *RoundRepository) RecentRounds(ctx context.Context, upstreamID string, limit int) ([]*mining.Round, error) {
	query := `
		SELECT * FROM (
			SELECT ` + roundColumns + ` FROM rounds
			WHERE upstream_id = $1
			ORDER BY block_height DESC
			LIMIT $2
		) recent ORDER BY block_height ASC`

	rows, err := r.db.QueryContext(ctx, query, upstreamID, limit)
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
func (r *RoundRepository) PruneRounds(ctx context.Context, upstreamID string, keep int) (int64, error) {
	query := `
		DELETE FROM rounds
		WHERE upstream_id = $1 AND block_height <= (
			SELECT block_height FROM rounds
			WHERE upstream_id = $1
			ORDER BY block_height DESC
			LIMIT 1 OFFSET $2
		)`

	res, err := r.db.ExecContext(ctx, query, upstreamID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune rounds: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*mining.Round, error) {
	var (
		round                            mining.Round
		height                           int64
		baseTarget, bestDL, bestDLSubmit sql.NullString
		roundWon                         sql.NullBool
		blockHash                        sql.NullString
	)

	if err := row.Scan(&round.UpstreamID, &height, &baseTarget, &round.NetDiff, &bestDL,
		&bestDLSubmit, &roundWon, &blockHash, &round.CreatedAt, &round.UpdatedAt); err != nil {
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
	return &round, nil
}

// PlotterRepository handles plotter-related database operations
type PlotterRepository struct {
	db *sql.DB
}

// NewPlotterRepository creates a new plotter repository
func NewPlotterRepository(db *sql.DB) *PlotterRepository {
	return &PlotterRepository{db: db}
}

// UpsertPlotter records the latest submit height of an account.
func (r *PlotterRepository) UpsertPlotter(ctx context.Context, p *mining.Plotter) error {
	query := `
		INSERT INTO plotters (upstream_id, account_id, last_submit_height, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (upstream_id, account_id) DO UPDATE SET
			last_submit_height = EXCLUDED.last_submit_height,
			updated_at         = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, p.UpstreamID, p.AccountID, sqlutil.Height(p.LastSubmitHeight)); err != nil {
		return fmt.Errorf("failed to upsert plotter: %w", err)
	}
	return nil
}

// GetPlotter retrieves one plotter
func (r *PlotterRepository) GetPlotter(ctx context.Context, upstreamID, accountID string) (*mining.Plotter, error) {
	query := `SELECT last_submit_height FROM plotters WHERE upstream_id = $1 AND account_id = $2`

	var height int64
	if err := r.db.QueryRowContext(ctx, query, upstreamID, accountID).Scan(&height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sqlutil.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plotter: %w", err)
	}
	return &mining.Plotter{UpstreamID: upstreamID, AccountID: accountID, LastSubmitHeight: uint64(height)}, nil
}

// ActivePlotters returns plotters that submitted at or after minHeight.
func (r *PlotterRepository) ActivePlotters(ctx context.Context, upstreamID string, minHeight uint64) ([]*mining.Plotter, error) {
	query := `
		SELECT account_id, last_submit_height FROM plotters
		WHERE upstream_id = $1 AND last_submit_height >= $2
		ORDER BY account_id`

	rows, err := r.db.QueryContext(ctx, query, upstreamID, sqlutil.Height(minHeight))
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

// Store combines the repositories into the proxy's round and plotter store.
type Store struct {
	*Client
	*RoundRepository
	*PlotterRepository
}

// NewStore opens a PostgreSQL-backed store.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{
		Client:            client,
		RoundRepository:   NewRoundRepository(client.DB()),
		PlotterRepository: NewPlotterRepository(client.DB()),
	}, nil
}
