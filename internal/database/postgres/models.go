package postgres

// schema is applied on every start; statements are idempotent.
// Deadlines and base targets exceed BIGINT, so they are NUMERIC(78,0).
const schema = `
CREATE TABLE IF NOT EXISTS rounds (
	id                BIGSERIAL PRIMARY KEY,
	upstream_id       TEXT NOT NULL,
	block_height      BIGINT NOT NULL,
	base_target       NUMERIC(78,0) NOT NULL,
	net_diff          DOUBLE PRECISION NOT NULL,
	best_dl           NUMERIC(78,0),
	best_dl_submitted NUMERIC(78,0),
	round_won         BOOLEAN,
	block_hash        TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (upstream_id, block_height)
);

CREATE INDEX IF NOT EXISTS rounds_upstream_height_idx ON rounds (upstream_id, block_height DESC);

CREATE TABLE IF NOT EXISTS plotters (
	id                 BIGSERIAL PRIMARY KEY,
	upstream_id        TEXT NOT NULL,
	account_id         TEXT NOT NULL,
	last_submit_height BIGINT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (upstream_id, account_id)
);
`

const roundColumns = `upstream_id, block_height, base_target::TEXT, net_diff, best_dl::TEXT,
	best_dl_submitted::TEXT, round_won, block_hash, created_at, updated_at`
