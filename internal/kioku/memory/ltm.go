package memory

import (
	"context"
	"errors"
)

// ErrStoreUnavailable wraps every backend failure surfaced by the memory
// tiers. Callers degrade to generator-only operation when they see it.
var ErrStoreUnavailable = errors.New("memory: store unavailable")

// LongTermStore is the durable fragment tier.
//
// Write must be idempotent by fragment ID: writing the same ID twice leaves
// exactly one stored fragment and the first write wins. Query returns
// fragments whose normalised input contains the normalised pattern, most
// recent first, at most limit of them (limit <= 0 means a backend default).
//
// Implementations must tolerate concurrent use from many orchestrator
// instances.
type LongTermStore interface {
	Write(ctx context.Context, f Fragment) error
	Query(ctx context.Context, pattern string, limit int) ([]Fragment, error)
}

// Matcher is implemented by long-term backends that can look up fragments by
// exact normalised input more cheaply than a substring query. Lookup prefers
// it when available.
type Matcher interface {
	Match(ctx context.Context, norm string, limit int) ([]Fragment, error)
}

// ShortTermStore is the volatile per-instance buffer of received inputs.
type ShortTermStore interface {
	Append(ctx context.Context, instanceID, text string) error
	Load(ctx context.Context, instanceID string) ([]string, error)
	Clear(ctx context.Context, instanceID string) error
}

const defaultQueryLimit = 50

// likePattern escapes LIKE metacharacters in a normalised pattern and wraps
// it for substring matching with ESCAPE '\'.
func likePattern(pattern string) string {
	r := make([]rune, 0, len(pattern)+2)
	r = append(r, '%')
	for _, c := range Normalize(pattern) {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	r = append(r, '%')
	return string(r)
}
