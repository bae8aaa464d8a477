package memory

import (
	"context"
	"sync"
)

// DefaultShortTermCap bounds a single instance's short-term buffer when the
// orchestrator is not consolidating (for example with a count threshold
// disabled and a long age threshold).
const DefaultShortTermCap = 1000

// InMemoryShortTerm keeps short-term buffers in process memory.
// It is safe for concurrent use.
type InMemoryShortTerm struct {
	mu      sync.Mutex
	cap     int
	buffers map[string][]string
}

// NewInMemoryShortTerm creates a store that keeps at most capacity entries
// per instance, dropping the oldest first. capacity <= 0 uses
// DefaultShortTermCap.
func NewInMemoryShortTerm(capacity int) *InMemoryShortTerm {
	if capacity <= 0 {
		capacity = DefaultShortTermCap
	}
	return &InMemoryShortTerm{
		cap:     capacity,
		buffers: make(map[string][]string),
	}
}

func (s *InMemoryShortTerm) Append(_ context.Context, instanceID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.buffers[instanceID], text)
	if excess := len(buf) - s.cap; excess > 0 {
		buf = buf[excess:]
	}
	s.buffers[instanceID] = buf
	return nil
}

// Load returns a copy of the instance's buffer in insertion order.
func (s *InMemoryShortTerm) Load(_ context.Context, instanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[instanceID]
	if len(buf) == 0 {
		return nil, nil
	}
	out := make([]string, len(buf))
	copy(out, buf)
	return out, nil
}

func (s *InMemoryShortTerm) Clear(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, instanceID)
	return nil
}

var _ ShortTermStore = (*InMemoryShortTerm)(nil)
