package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteLTM stores fragments in the fragments table of the kioku SQLite
// database. Inputs are stored alongside their normalised form so both exact
// and substring lookups hit an index-friendly column.
type SQLiteLTM struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteLTM creates a SQLiteLTM backed by db. The caller must have run the
// store migrations that create the fragments table.
func NewSQLiteLTM(db *sql.DB, logger zerolog.Logger) *SQLiteLTM {
	return &SQLiteLTM{db: db, logger: logger}
}

// Write inserts f unless a fragment with the same ID already exists.
func (s *SQLiteLTM) Write(ctx context.Context, f Fragment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fragments
			(id, instance_id, generation, input, input_norm, response, sentiment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		f.ID,
		f.InstanceID,
		int64(f.Generation),
		f.Input,
		Normalize(f.Input),
		f.Response,
		f.Sentiment,
		f.Timestamp.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("ltm sqlite: insert fragment: %w", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Debug().
		Str("fragment_id", f.ID).
		Str("instance_id", f.InstanceID).
		Uint64("generation", f.Generation).
		Bool("inserted", n > 0).
		Msg("ltm sqlite: write")
	return nil
}

// Query returns fragments whose normalised input contains pattern.
func (s *SQLiteLTM) Query(ctx context.Context, pattern string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return s.query(ctx, `
		SELECT id, instance_id, generation, input, response, sentiment, created_at
		FROM fragments
		WHERE input_norm LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, likePattern(pattern), limit)
}

// Match returns fragments whose normalised input equals norm.
func (s *SQLiteLTM) Match(ctx context.Context, norm string, limit int) ([]Fragment, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	return s.query(ctx, `
		SELECT id, instance_id, generation, input, response, sentiment, created_at
		FROM fragments
		WHERE input_norm = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, norm, limit)
}

func (s *SQLiteLTM) query(ctx context.Context, q string, args ...any) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ltm sqlite: query fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			s.logger.Warn().Err(err).Msg("ltm sqlite: skip malformed row")
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ltm sqlite: iterate rows: %w", err)
	}
	return out, nil
}

func scanFragment(rows *sql.Rows) (Fragment, error) {
	var (
		f         Fragment
		gen       int64
		createdAt string
	)
	if err := rows.Scan(&f.ID, &f.InstanceID, &gen, &f.Input, &f.Response, &f.Sentiment, &createdAt); err != nil {
		return Fragment{}, fmt.Errorf("scan row: %w", err)
	}
	f.Generation = uint64(gen)

	t, err := time.Parse(sqliteTimeLayout, createdAt)
	if err != nil {
		return Fragment{}, fmt.Errorf("parse created_at: %w", err)
	}
	f.Timestamp = t
	return f, nil
}

var (
	_ LongTermStore = (*SQLiteLTM)(nil)
	_ Matcher       = (*SQLiteLTM)(nil)
)
