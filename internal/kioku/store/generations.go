package store

import (
	"context"
	"fmt"
	"time"
)

// Generation is the checkpoint written when a conversation instance is
// consolidated and restarted. It is keyed by (InstanceID, Generation).
type Generation struct {
	InstanceID     string    `json:"instance_id"`
	Generation     uint64    `json:"generation"`
	SessionKey     string    `json:"session_key"`
	StartedAt      time.Time `json:"started_at"`
	ConsolidatedAt time.Time `json:"consolidated_at"`
	FragmentCount  int       `json:"fragment_count"`
	Summary        string    `json:"summary,omitempty"`
	ArchiveKey     string    `json:"archive_key,omitempty"`
}

// SaveGeneration records a checkpoint. Writing the same (instance,
// generation) pair again replaces the summary and archive key but keeps the
// original timestamps, so a retried consolidation is harmless.
func (s *Store) SaveGeneration(ctx context.Context, g Generation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations
			(instance_id, generation, session_key, started_at, consolidated_at, fragment_count, summary, archive_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, generation) DO UPDATE SET
			summary = excluded.summary,
			archive_key = excluded.archive_key`,
		g.InstanceID,
		int64(g.Generation),
		g.SessionKey,
		g.StartedAt.UTC().Format(TimeLayout),
		g.ConsolidatedAt.UTC().Format(TimeLayout),
		g.FragmentCount,
		g.Summary,
		g.ArchiveKey,
	)
	if err != nil {
		return fmt.Errorf("store: save generation %s/%d: %w", g.InstanceID, g.Generation, err)
	}
	return nil
}

// ListGenerations returns the checkpoints for a session key, newest first.
// A zero limit returns all of them.
func (s *Store) ListGenerations(ctx context.Context, sessionKey string, limit int) ([]Generation, error) {
	q := `
		SELECT instance_id, generation, session_key, started_at, consolidated_at, fragment_count, summary, archive_key
		FROM generations
		WHERE session_key = ?
		ORDER BY consolidated_at DESC, generation DESC`
	args := []any{sessionKey}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list generations: %w", err)
	}
	defer rows.Close()

	var out []Generation
	for rows.Next() {
		var (
			g                     Generation
			gen                   int64
			started, consolidated string
		)
		if err := rows.Scan(&g.InstanceID, &gen, &g.SessionKey, &started, &consolidated, &g.FragmentCount, &g.Summary, &g.ArchiveKey); err != nil {
			return nil, fmt.Errorf("store: scan generation: %w", err)
		}
		g.Generation = uint64(gen)
		if g.StartedAt, err = time.Parse(TimeLayout, started); err != nil {
			return nil, fmt.Errorf("store: parse started_at: %w", err)
		}
		if g.ConsolidatedAt, err = time.Parse(TimeLayout, consolidated); err != nil {
			return nil, fmt.Errorf("store: parse consolidated_at: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate generations: %w", err)
	}
	return out, nil
}

// TimeLayout is the fixed-width UTC layout used for every timestamp column so
// that lexical ORDER BY matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"
