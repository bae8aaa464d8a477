package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresLTM stores fragments in PostgreSQL. It suits deployments where
// several kioku processes share one long-term memory.
type PostgresLTM struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kioku_fragments (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    generation  BIGINT NOT NULL,
    input       TEXT NOT NULL,
    input_norm  TEXT NOT NULL,
    response    TEXT NOT NULL,
    sentiment   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kioku_fragments_input_norm ON kioku_fragments (input_norm);
CREATE INDEX IF NOT EXISTS idx_kioku_fragments_created_at ON kioku_fragments (created_at DESC);
`

// NewPostgresLTM connects to dsn and makes sure the fragments table exists.
func NewPostgresLTM(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresLTM, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ltm postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ltm postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ltm postgres: ensure schema: %w", err)
	}
	return &PostgresLTM{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *PostgresLTM) Close() {
	p.pool.Close()
}

func (p *PostgresLTM) Write(ctx context.Context, f Fragment) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kioku_fragments
			(id, instance_id, generation, input, input_norm, response, sentiment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.InstanceID, int64(f.Generation), f.Input, Normalize(f.Input), f.Response, f.Sentiment, f.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ltm postgres: insert fragment: %w", err)
	}
	p.logger.Debug().
		Str("fragment_id", f.ID).
		Bool("inserted", tag.RowsAffected() > 0).
		Msg("ltm postgres: write")
	return nil
}

func (p *PostgresLTM) Query(ctx context.Context, pattern string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return p.query(ctx, `
		SELECT id, instance_id, generation, input, response, sentiment, created_at
		FROM kioku_fragments
		WHERE input_norm LIKE $1 ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, likePattern(pattern), limit)
}

func (p *PostgresLTM) Match(ctx context.Context, norm string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return p.query(ctx, `
		SELECT id, instance_id, generation, input, response, sentiment, created_at
		FROM kioku_fragments
		WHERE input_norm = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, norm, limit)
}

func (p *PostgresLTM) query(ctx context.Context, q string, args ...any) ([]Fragment, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ltm postgres: query fragments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Fragment, error) {
		var (
			f   Fragment
			gen int64
		)
		err := row.Scan(&f.ID, &f.InstanceID, &gen, &f.Input, &f.Response, &f.Sentiment, &f.Timestamp)
		f.Generation = uint64(gen)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("ltm postgres: scan fragments: %w", err)
	}
	return out, nil
}

var (
	_ LongTermStore = (*PostgresLTM)(nil)
	_ Matcher       = (*PostgresLTM)(nil)
)
