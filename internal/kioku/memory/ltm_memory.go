package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryLTM keeps fragments in process memory. Used by tests and by
// deployments that accept losing long-term memory on restart.
type InMemoryLTM struct {
	mu        sync.RWMutex
	fragments map[string]Fragment
}

// NewInMemoryLTM returns an empty InMemoryLTM.
func NewInMemoryLTM() *InMemoryLTM {
	return &InMemoryLTM{fragments: make(map[string]Fragment)}
}

func (m *InMemoryLTM) Write(_ context.Context, f Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fragments[f.ID]; ok {
		return nil
	}
	m.fragments[f.ID] = f
	return nil
}

func (m *InMemoryLTM) Query(_ context.Context, pattern string, limit int) ([]Fragment, error) {
	norm := Normalize(pattern)
	return m.collect(limit, func(f Fragment) bool {
		return strings.Contains(Normalize(f.Input), norm)
	}), nil
}

func (m *InMemoryLTM) Match(_ context.Context, norm string, limit int) ([]Fragment, error) {
	return m.collect(limit, func(f Fragment) bool {
		return Normalize(f.Input) == norm
	}), nil
}

// Len returns the number of stored fragments.
func (m *InMemoryLTM) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fragments)
}

func (m *InMemoryLTM) collect(limit int, keep func(Fragment) bool) []Fragment {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	m.mu.RLock()
	var out []Fragment
	for _, f := range m.fragments {
		if keep(f) {
			out = append(out, f)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ LongTermStore = (*InMemoryLTM)(nil)
	_ Matcher       = (*InMemoryLTM)(nil)
)
