// Package registry tracks live client connections by id.
//
// The map is sharded: each shard has its own RWMutex, so registrations on
// different shards never contend. Each entry additionally serialises its
// own sends and closure, which is what guarantees that no channel is used
// after Unregister has returned for its id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/bdobrica/kioku/internal/kioku/metrics"
)

var (
	// ErrDuplicate is returned by Register for an id already present.
	ErrDuplicate = errors.New("registry: duplicate connection id")
	// ErrNotFound is returned for an id that is absent or no longer open.
	ErrNotFound = errors.New("registry: connection not found")
	// ErrSendFailed wraps a transport write error.
	ErrSendFailed = errors.New("registry: send failed")
)

// Channel is the transport side of a connection.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	// Close performs the close handshake. It returns once the transport
	// has confirmed closure (or given up).
	Close() error
}

// ConnState is the lifecycle state of an entry.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultShards is the shard count used by New.
const DefaultShards = 32

type entry struct {
	mu    sync.Mutex
	ch    Channel
	state ConnState
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is a concurrency-safe map from connection id to Channel.
type Registry struct {
	shards []*shard
}

// New returns a registry with DefaultShards shards.
func New() *Registry {
	return NewSharded(DefaultShards)
}

// NewSharded returns a registry with n shards (at least 1).
func NewSharded(n int) *Registry {
	if n < 1 {
		n = 1
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register adds ch under id in state Open.
func (r *Registry) Register(id string, ch Channel) error {
	if id == "" {
		return fmt.Errorf("registry: register: empty id")
	}
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	s.entries[id] = &entry{ch: ch, state: StateOpen}
	metrics.ActiveConnections.Inc()
	return nil
}

// Unregister closes the channel for id and removes it. The entry moves to
// Closing, the channel's close handshake runs, the entry moves to Closed
// and only then is it removed from the map. Concurrent callers race for
// the close; exactly one performs it and the others get ErrNotFound.
func (r *Registry) Unregister(id string) error {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.state = StateClosing
	closeErr := e.ch.Close()
	e.state = StateClosed
	e.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
		metrics.ActiveConnections.Dec()
	}
	s.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("registry: close %s: %w", id, closeErr)
	}
	return nil
}

// Send writes msg to the connection id. A write failure marks the entry
// Closing; the owner is expected to Unregister it.
func (r *Registry) Send(ctx context.Context, id string, msg []byte) error {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return e.send(ctx, id, msg)
}

func (e *entry) send(ctx context.Context, id string, msg []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return ErrNotFound
	}
	if err := e.ch.Send(ctx, msg); err != nil {
		e.state = StateClosing
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, id, err)
	}
	return nil
}

// Broadcast sends msg to every open connection and returns how many were
// reached.
func (r *Registry) Broadcast(ctx context.Context, msg []byte) int {
	reached := 0
	for _, s := range r.shards {
		s.mu.RLock()
		entries := make(map[string]*entry, len(s.entries))
		for id, e := range s.entries {
			entries[id] = e
		}
		s.mu.RUnlock()

		for id, e := range entries {
			if e.send(ctx, id, msg) == nil {
				reached++
			}
		}
	}
	return reached
}

// Len returns the number of registered connections, including ones that
// are closing.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	var ids []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

// State reports the state of id. ok is false when id is not registered.
func (r *Registry) State(id string) (state ConnState, ok bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return StateClosed, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}
