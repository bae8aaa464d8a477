package memory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// StoreConfig configures the Store facade.
type StoreConfig struct {
	// LookupLimit caps the number of candidates fetched per lookup.
	// Default: 50.
	LookupLimit int
}

// Store is the facade the orchestrator talks to. It combines a short-term
// and a long-term tier and reports every backend failure as
// ErrStoreUnavailable so callers can degrade uniformly.
type Store struct {
	short  ShortTermStore
	long   LongTermStore
	cfg    StoreConfig
	logger zerolog.Logger
}

// NewStore creates a Store over the given tiers.
func NewStore(short ShortTermStore, long LongTermStore, cfg StoreConfig, logger zerolog.Logger) *Store {
	if cfg.LookupLimit <= 0 {
		cfg.LookupLimit = defaultQueryLimit
	}
	return &Store{short: short, long: long, cfg: cfg, logger: logger}
}

// RecordShortTerm appends text to the instance's short-term buffer.
func (s *Store) RecordShortTerm(ctx context.Context, instanceID, text string) error {
	if err := s.short.Append(ctx, instanceID, text); err != nil {
		return fmt.Errorf("%w: record short-term: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ShortTerm returns the instance's short-term buffer.
func (s *Store) ShortTerm(ctx context.Context, instanceID string) ([]string, error) {
	buf, err := s.short.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("%w: load short-term: %v", ErrStoreUnavailable, err)
	}
	return buf, nil
}

// ClearShortTerm drops the instance's short-term buffer.
func (s *Store) ClearShortTerm(ctx context.Context, instanceID string) error {
	if err := s.short.Clear(ctx, instanceID); err != nil {
		return fmt.Errorf("%w: clear short-term: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Lookup returns the most recent long-term fragment whose normalised input
// equals the normalised query, or nil when there is none.
func (s *Store) Lookup(ctx context.Context, query string) (*Fragment, error) {
	norm := Normalize(query)
	if norm == "" {
		return nil, nil
	}

	var (
		candidates []Fragment
		err        error
	)
	if m, ok := s.long.(Matcher); ok {
		candidates, err = m.Match(ctx, norm, s.cfg.LookupLimit)
	} else {
		candidates, err = s.long.Query(ctx, norm, s.cfg.LookupLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup: %v", ErrStoreUnavailable, err)
	}
	return newest(candidates, norm), nil
}

// Search exposes the raw long-term substring query.
func (s *Store) Search(ctx context.Context, pattern string, limit int) ([]Fragment, error) {
	out, err := s.long.Query(ctx, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

// PersistFragment writes f to long-term storage. Writing the same fragment
// ID again is a no-op.
func (s *Store) PersistFragment(ctx context.Context, f Fragment) error {
	if f.ID == "" {
		return fmt.Errorf("memory: persist fragment: empty id")
	}
	if err := s.long.Write(ctx, f); err != nil {
		return fmt.Errorf("%w: persist fragment %s: %v", ErrStoreUnavailable, f.ID, err)
	}
	return nil
}

// PersistBatch writes every fragment in order and stops at the first
// failure. Because writes are idempotent the whole batch can be retried.
func (s *Store) PersistBatch(ctx context.Context, batch []Fragment) error {
	for i, f := range batch {
		if err := s.PersistFragment(ctx, f); err != nil {
			return fmt.Errorf("persist batch item %d/%d: %w", i+1, len(batch), err)
		}
	}
	s.logger.Debug().Int("fragments", len(batch)).Msg("memory: batch persisted")
	return nil
}
