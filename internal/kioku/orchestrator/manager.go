// Package orchestrator runs one serialised state machine per conversation
// instance. Each instance waits for input, answers from long-term memory
// when it can, falls back to the generator on a miss, and consolidates its
// short-term buffer into long-term storage when the policy says so. A
// consolidation is a bounded restart: the buffer is dropped and the
// generation counter moves forward.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bdobrica/kioku/internal/kioku/consolidation"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
)

// Memory is the part of the memory store an instance uses while processing.
type Memory interface {
	Lookup(ctx context.Context, query string) (*memory.Fragment, error)
	PersistFragment(ctx context.Context, f memory.Fragment) error
	RecordShortTerm(ctx context.Context, instanceID, text string) error
}

// Consolidator flushes a generation's buffer to long-term storage.
type Consolidator interface {
	Consolidate(ctx context.Context, b consolidation.Batch) (consolidation.Result, error)
}

// Config tunes instance behaviour.
type Config struct {
	// GenerateTimeout bounds each generator call. Default: 30s.
	GenerateTimeout time.Duration
	// ConsolidateTimeout bounds a consolidation, which runs detached from
	// the caller's cancellation. Default: 30s.
	ConsolidateTimeout time.Duration
	// MaxTokens and Temperature are passed to the generator.
	MaxTokens   int
	Temperature *float64
	// SystemPrompt is an optional instruction sent with every generation.
	SystemPrompt string
	// IdleTimeout evicts an instance after this long without input. Zero
	// keeps instances alive until Close or Shutdown.
	IdleTimeout time.Duration
	// SweepConcurrency limits how many instances Sweep checks at once.
	// Default: 8.
	SweepConcurrency int
}

func (c *Config) applyDefaults() {
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 30 * time.Second
	}
	if c.ConsolidateTimeout <= 0 {
		c.ConsolidateTimeout = 30 * time.Second
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 8
	}
}

type policyBox struct{ p consolidation.Policy }

// Manager owns every live instance, addressed by session key.
type Manager struct {
	cfg        Config
	mem        Memory
	gen        nlp.Generator
	classifier nlp.Classifier
	cons       Consolidator
	policy     atomic.Pointer[policyBox]
	flight     singleflight.Group
	tracer     trace.Tracer
	logger     zerolog.Logger
	now        func() time.Time

	mu        sync.Mutex
	instances map[string]*instance
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

// WithClassifier tags each step with a sentiment label.
func WithClassifier(c nlp.Classifier) Option {
	return func(m *Manager) { m.classifier = c }
}

// WithPolicy sets the initial consolidation policy. Default:
// consolidation.DefaultThreshold().
func WithPolicy(p consolidation.Policy) Option {
	return func(m *Manager) { m.SetPolicy(p) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// New creates a Manager. mem, gen and cons are required.
func New(cfg Config, mem Memory, gen nlp.Generator, cons Consolidator, logger zerolog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:       cfg,
		mem:       mem,
		gen:       gen,
		cons:      cons,
		tracer:    otel.Tracer("github.com/bdobrica/kioku/internal/kioku/orchestrator"),
		logger:    logger,
		now:       time.Now,
		instances: make(map[string]*instance),
		stop:      make(chan struct{}),
	}
	m.SetPolicy(consolidation.DefaultThreshold())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPolicy swaps the consolidation policy. Instances pick it up on their
// next check.
func (m *Manager) SetPolicy(p consolidation.Policy) {
	if p == nil {
		return
	}
	m.policy.Store(&policyBox{p: p})
}

func (m *Manager) currentPolicy() consolidation.Policy {
	return m.policy.Load().p
}

// Open returns the live instance for sessionKey, starting a new one (at
// generation 0, empty buffer) when there is none.
func (m *Manager) Open(_ context.Context, sessionKey string) (InstanceInfo, error) {
	if sessionKey == "" {
		return InstanceInfo{}, fmt.Errorf("orchestrator: open: empty session key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return InstanceInfo{}, ErrShutdown
	}
	if in, ok := m.instances[sessionKey]; ok {
		return in.info(), nil
	}

	now := m.now()
	in := &instance{
		m:          m,
		id:         uuid.NewString(),
		sessionKey: sessionKey,
		mailbox:    make(chan request),
		done:       make(chan struct{}),
		startTime:  now,
		lastActive: now,
	}
	in.logger = m.logger.With().
		Str("session_key", sessionKey).
		Str("instance_id", in.id).
		Logger()
	m.instances[sessionKey] = in
	metrics.ActiveInstances.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		in.run()
	}()

	in.logger.Info().Msg("instance started")
	return in.info(), nil
}

// Submit delivers ev to its instance and waits for the reply. Cancelling
// ctx abandons the wait and cancels the step in flight.
func (m *Manager) Submit(ctx context.Context, ev Event) (Reply, error) {
	if strings.TrimSpace(ev.Text) == "" {
		return Reply{}, ErrEmptyInput
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = m.now()
	}
	in := m.get(ev.SessionKey)
	if in == nil {
		return Reply{}, ErrInstanceNotFound
	}
	res, err := in.call(ctx, request{kind: reqInput, ctx: ctx, event: ev})
	if err != nil {
		return Reply{}, err
	}
	return res.reply, res.err
}

// OpenAndSubmit is the ingress shortcut: Submit, re-opening the instance
// when it was evicted in between.
func (m *Manager) OpenAndSubmit(ctx context.Context, ev Event) (Reply, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := m.Open(ctx, ev.SessionKey); err != nil {
			return Reply{}, err
		}
		reply, err := m.Submit(ctx, ev)
		if !errors.Is(err, ErrInstanceNotFound) {
			return reply, err
		}
	}
	return Reply{}, ErrInstanceNotFound
}

// Sweep asks every live instance to run a consolidation check and returns
// how many consolidated. It is the timer-driven ingress used when
// consolidation must not wait for the next input.
func (m *Manager) Sweep(ctx context.Context) int {
	var consolidated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, in := range m.live() {
		g.Go(func() error {
			res, err := in.call(gctx, request{kind: reqCheck, ctx: gctx})
			if err == nil && res.consolidated {
				consolidated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(consolidated.Load())
}

// Close tears down the instance for sessionKey, consolidating a non-empty
// buffer first. The instance is discarded even when that consolidation
// fails; the error is returned.
func (m *Manager) Close(ctx context.Context, sessionKey string) error {
	in := m.get(sessionKey)
	if in == nil {
		return ErrInstanceNotFound
	}
	res, err := in.call(ctx, request{kind: reqClose, ctx: ctx})
	if err != nil {
		return err
	}
	return res.err
}

// Snapshot returns the current view of the instance for sessionKey.
func (m *Manager) Snapshot(sessionKey string) (InstanceInfo, bool) {
	in := m.get(sessionKey)
	if in == nil {
		return InstanceInfo{}, false
	}
	return in.info(), true
}

// Instances returns a view of every live instance.
func (m *Manager) Instances() []InstanceInfo {
	live := m.live()
	out := make([]InstanceInfo, 0, len(live))
	for _, in := range live {
		out = append(out, in.info())
	}
	return out
}

// Len returns the number of live instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Shutdown stops accepting new instances, lets every instance consolidate a
// non-empty buffer and waits for them to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) get(sessionKey string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[sessionKey]
}

func (m *Manager) live() []*instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*instance, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, in)
	}
	return out
}

// remove drops in from the index if it is still the registered instance
// for its session key.
func (m *Manager) remove(in *instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.instances[in.sessionKey]; ok && cur == in {
		delete(m.instances, in.sessionKey)
		metrics.ActiveInstances.Dec()
	}
}

// generate calls the generator under the configured timeout. Concurrent
// misses for the same normalised prompt share one call, which ignores the
// cancellation of whichever caller started it. Each waiter still honours
// its own ctx.
func (m *Manager) generate(ctx context.Context, prompt string) (string, error) {
	key := memory.Normalize(prompt)
	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(shared, m.cfg.GenerateTimeout)
		defer cancel()
		start := time.Now()
		text, err := m.gen.Generate(callCtx, nlp.GenerateRequest{
			Prompt:      prompt,
			System:      m.cfg.SystemPrompt,
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
		})
		metrics.GenerationLatency.Observe(time.Since(start).Seconds())
		return text, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
