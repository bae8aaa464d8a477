package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/consolidation"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
)

// scriptedGen answers from a table, falling back to "processed: <prompt>".
type scriptedGen struct {
	mu        sync.Mutex
	responses map[string]string
	prompts   []string
	hang      bool
	inFlight  int
	maxFlight int
	gate      chan struct{}
}

func (g *scriptedGen) Generate(ctx context.Context, req nlp.GenerateRequest) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.inFlight++
	if g.inFlight > g.maxFlight {
		g.maxFlight = g.inFlight
	}
	hang, gate := g.hang, g.gate
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r, ok := g.responses[req.Prompt]; ok {
		return r, nil
	}
	return "processed: " + req.Prompt, nil
}

func (g *scriptedGen) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *scriptedGen) setHang(v bool) {
	g.mu.Lock()
	g.hang = v
	g.mu.Unlock()
}

type recordingConsolidator struct {
	mu      sync.Mutex
	fail    bool
	batches []consolidation.Batch
}

func (c *recordingConsolidator) Consolidate(_ context.Context, b consolidation.Batch) (consolidation.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return consolidation.Result{}, memory.ErrStoreUnavailable
	}
	c.batches = append(c.batches, b)
	return consolidation.Result{Persisted: len(b.Fragments)}, nil
}

func (c *recordingConsolidator) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *recordingConsolidator) batchSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, b := range c.batches {
		out = append(out, len(b.Fragments))
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m     *Manager
	ltm   *memory.InMemoryLTM
	short *memory.InMemoryShortTerm
	store *memory.Store
	gen   *scriptedGen
}

// newHarness wires a Manager to in-memory tiers and the real consolidator.
func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ltm:   memory.NewInMemoryLTM(),
		short: memory.NewInMemoryShortTerm(0),
		gen:   &scriptedGen{responses: map[string]string{}},
	}
	h.store = memory.NewStore(h.short, h.ltm, memory.StoreConfig{}, zerolog.Nop())
	cons := consolidation.New(h.store, consolidation.Config{Retry: retry.Config{MaxAttempts: 1}}, zerolog.Nop())
	h.m = New(cfg, h.store, h.gen, cons, zerolog.Nop(), opts...)
	t.Cleanup(func() { shutdown(t, h.m) })
	return h
}

func shutdown(t *testing.T, m *Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func submit(t *testing.T, m *Manager, session, text string) Reply {
	t.Helper()
	reply, err := m.Submit(context.Background(), Event{SessionKey: session, Text: text})
	require.NoError(t, err)
	return reply
}

func open(t *testing.T, m *Manager, session string) InstanceInfo {
	t.Helper()
	info, err := m.Open(context.Background(), session)
	require.NoError(t, err)
	return info
}

func TestSubmit_UnknownSession(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.m.Submit(context.Background(), Event{SessionKey: "nobody", Text: "hi"})
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestSubmit_EmptyInput(t *testing.T) {
	h := newHarness(t, Config{})
	open(t, h.m, "s1")
	_, err := h.m.Submit(context.Background(), Event{SessionKey: "s1", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 0, h.gen.calls())
}

func TestOpen_ReturnsExistingInstance(t *testing.T) {
	h := newHarness(t, Config{})
	a := open(t, h.m, "s1")
	b := open(t, h.m, "s1")
	assert.Equal(t, a.InstanceID, b.InstanceID)
	assert.Equal(t, 1, h.m.Len())

	_, err := h.m.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestSubmit_RepliesInArrivalOrder(t *testing.T) {
	h := newHarness(t, Config{}, WithPolicy(consolidation.Threshold{MaxEntries: 100}))
	open(t, h.m, "s1")

	for i := 0; i < 20; i++ {
		in := fmt.Sprintf("message %d", i)
		reply := submit(t, h.m, "s1", in)
		assert.Equal(t, "processed: "+in, reply.Text)
	}

	buf, err := h.store.ShortTerm(context.Background(), mustSnapshot(t, h.m, "s1").InstanceID)
	require.NoError(t, err)
	require.Len(t, buf, 20)
	for i, got := range buf {
		assert.Equal(t, fmt.Sprintf("message %d", i), got)
	}
}

func TestSubmit_SerialisedPerInstanceParallelAcross(t *testing.T) {
	h := newHarness(t, Config{}, WithPolicy(consolidation.Threshold{MaxEntries: 100}))
	h.gen.gate = make(chan struct{})
	open(t, h.m, "a")
	open(t, h.m, "b")

	var wg sync.WaitGroup
	for i, session := range []string{"a", "a", "a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Submit(context.Background(), Event{SessionKey: session, Text: fmt.Sprintf("%s-%d", session, i)})
			assert.NoError(t, err)
		}()
	}

	// One step per instance can be in the generator at once.
	require.Eventually(t, func() bool {
		h.gen.mu.Lock()
		defer h.gen.mu.Unlock()
		return h.gen.inFlight == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(h.gen.gate)
	wg.Wait()

	assert.Equal(t, 2, h.gen.maxFlight)
	assert.Equal(t, 3, mustSnapshot(t, h.m, "a").BufferLen)
	assert.Equal(t, 1, mustSnapshot(t, h.m, "b").BufferLen)
}

func TestConsolidation_FifthInputTriggers(t *testing.T) {
	h := newHarness(t, Config{}, WithPolicy(consolidation.Threshold{MaxEntries: 5, MaxAge: time.Hour}))
	info := open(t, h.m, "s1")
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		reply := submit(t, h.m, "s1", fmt.Sprintf("question %d", i))
		assert.False(t, reply.Consolidated, "input %d", i)
	}
	snap := mustSnapshot(t, h.m, "s1")
	assert.Equal(t, uint64(0), snap.Generation)
	assert.Equal(t, 4, snap.BufferLen)

	reply := submit(t, h.m, "s1", "question 5")
	assert.True(t, reply.Consolidated)
	assert.Equal(t, uint64(0), reply.Generation)

	snap = mustSnapshot(t, h.m, "s1")
	assert.Equal(t, uint64(1), snap.Generation, "generation incremented exactly once")
	assert.Equal(t, 0, snap.BufferLen)

	buf, err := h.store.ShortTerm(ctx, info.InstanceID)
	require.NoError(t, err)
	assert.Empty(t, buf)

	for i := 1; i <= 5; i++ {
		f, err := h.store.Lookup(ctx, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		require.NotNil(t, f, "question %d persisted", i)
		assert.Equal(t, uint64(0), f.Generation)
	}
	assert.Equal(t, 5, h.ltm.Len())
}

func TestConsolidation_FourInputsDoNotTrigger(t *testing.T) {
	cons := &recordingConsolidator{}
	h := newHarness(t, Config{})
	h.m.cons = cons
	open(t, h.m, "s1")

	for i := 0; i < 4; i++ {
		submit(t, h.m, "s1", fmt.Sprintf("distinct %d", i))
	}
	assert.Empty(t, cons.batchSizes())
	assert.Equal(t, uint64(0), mustSnapshot(t, h.m, "s1").Generation)
}

func TestLookup_CacheHitAcrossInstances(t *testing.T) {
	h := newHarness(t, Config{})
	h.gen.responses["hello"] = "hi there"
	open(t, h.m, "first")
	open(t, h.m, "second")

	r1 := submit(t, h.m, "first", "hello")
	assert.Equal(t, "hi there", r1.Text)
	assert.Equal(t, metrics.SourceGenerator, r1.Source)

	f, err := h.store.Lookup(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "hello", f.Input)
	assert.Equal(t, "hi there", f.Response)

	r2 := submit(t, h.m, "second", "hello")
	assert.Equal(t, "hi there", r2.Text)
	assert.Equal(t, metrics.SourceMemory, r2.Source)
	assert.Equal(t, 1, h.gen.calls(), "cache hit must not call the generator")
}

func TestGenerationTimeout_RetryCommitsOnce(t *testing.T) {
	h := newHarness(t, Config{GenerateTimeout: 50 * time.Millisecond})
	open(t, h.m, "s1")
	h.gen.setHang(true)

	_, err := h.m.Submit(context.Background(), Event{SessionKey: "s1", Text: "x"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, mustSnapshot(t, h.m, "s1").BufferLen, "failed input is not consumed")
	assert.Equal(t, 0, h.ltm.Len())

	h.gen.setHang(false)
	reply := submit(t, h.m, "s1", "x")
	assert.Equal(t, "processed: x", reply.Text)
	assert.Equal(t, 1, h.ltm.Len())
	assert.Equal(t, 1, mustSnapshot(t, h.m, "s1").BufferLen)
}

func TestSubmit_CallerCancellation(t *testing.T) {
	h := newHarness(t, Config{GenerateTimeout: 2 * time.Second})
	open(t, h.m, "s1")
	h.gen.setHang(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.m.Submit(ctx, Event{SessionKey: "s1", Text: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The instance is still usable and nothing was committed.
	h.gen.setHang(false)
	reply := submit(t, h.m, "s1", "fast")
	assert.Equal(t, "processed: fast", reply.Text)
	assert.Equal(t, 1, mustSnapshot(t, h.m, "s1").BufferLen)
}

func TestSharedGeneration_SurvivesFirstCallerCancellation(t *testing.T) {
	h := newHarness(t, Config{GenerateTimeout: 5 * time.Second})
	h.gen.gate = make(chan struct{})
	open(t, h.m, "a")
	open(t, h.m, "b")

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := h.m.Submit(ctxA, Event{SessionKey: "a", Text: "same question"})
		errA <- err
	}()
	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	type outcome struct {
		reply Reply
		err   error
	}
	resB := make(chan outcome, 1)
	go func() {
		reply, err := h.m.Submit(context.Background(), Event{SessionKey: "b", Text: "same question"})
		resB <- outcome{reply, err}
	}()
	require.Eventually(t, func() bool {
		return mustSnapshot(t, h.m, "b").State == StateProcessing.String()
	}, 2*time.Second, 5*time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("a did not return after cancellation")
	}

	close(h.gen.gate)
	select {
	case out := <-resB:
		require.NoError(t, out.err)
		assert.Equal(t, "processed: same question", out.reply.Text)
		assert.Equal(t, 1, mustSnapshot(t, h.m, "b").BufferLen)
	case <-time.After(2 * time.Second):
		t.Fatal("b did not get a reply")
	}
	assert.Equal(t, 0, mustSnapshot(t, h.m, "a").BufferLen, "cancelled input is not consumed")
	assert.LessOrEqual(t, h.gen.calls(), 2)
}

type downLTM struct{}

func (downLTM) Write(context.Context, memory.Fragment) error { return errors.New("connection refused") }
func (downLTM) Query(context.Context, string, int) ([]memory.Fragment, error) {
	return nil, errors.New("connection refused")
}

func TestStoreUnavailable_Degrades(t *testing.T) {
	store := memory.NewStore(memory.NewInMemoryShortTerm(0), downLTM{}, memory.StoreConfig{}, zerolog.Nop())
	gen := &scriptedGen{responses: map[string]string{}}
	cons := &recordingConsolidator{}
	m := New(Config{}, store, gen, cons, zerolog.Nop())
	t.Cleanup(func() { shutdown(t, m) })
	open(t, m, "s1")

	reply := submit(t, m, "s1", "anything")
	assert.Equal(t, "processed: anything", reply.Text)
	assert.True(t, reply.Degraded)
	assert.Equal(t, 1, mustSnapshot(t, m, "s1").BufferLen)
}

func TestConsolidationFailure_KeepsBuffer(t *testing.T) {
	cons := &recordingConsolidator{fail: true}
	h := newHarness(t, Config{}, WithPolicy(consolidation.Threshold{MaxEntries: 2}))
	h.m.cons = cons
	open(t, h.m, "s1")

	submit(t, h.m, "s1", "one")
	reply := submit(t, h.m, "s1", "two")
	assert.False(t, reply.Consolidated)
	snap := mustSnapshot(t, h.m, "s1")
	assert.Equal(t, 2, snap.BufferLen)
	assert.Equal(t, uint64(0), snap.Generation)

	cons.setFail(false)
	reply = submit(t, h.m, "s1", "three")
	assert.True(t, reply.Consolidated)
	assert.Equal(t, []int{3}, cons.batchSizes())
	assert.Equal(t, uint64(1), mustSnapshot(t, h.m, "s1").Generation)
}

func TestSweep_AgeBasedConsolidation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, Config{},
		WithClock(clock.now),
		WithPolicy(consolidation.Threshold{MaxEntries: 100, MaxAge: 10 * time.Minute}))
	open(t, h.m, "busy")
	open(t, h.m, "idle")

	submit(t, h.m, "busy", "hello")
	assert.Equal(t, 0, h.m.Sweep(context.Background()))

	clock.advance(11 * time.Minute)
	assert.Equal(t, 1, h.m.Sweep(context.Background()), "only the instance with a buffer consolidates")
	assert.Equal(t, uint64(1), mustSnapshot(t, h.m, "busy").Generation)
	assert.Equal(t, uint64(0), mustSnapshot(t, h.m, "idle").Generation)
}

func TestSetPolicy_TakesEffectOnNextStep(t *testing.T) {
	h := newHarness(t, Config{}, WithPolicy(consolidation.Threshold{MaxEntries: 100}))
	open(t, h.m, "s1")
	submit(t, h.m, "s1", "a")
	submit(t, h.m, "s1", "b")

	h.m.SetPolicy(consolidation.Threshold{MaxEntries: 3})
	reply := submit(t, h.m, "s1", "c")
	assert.True(t, reply.Consolidated)
}

func TestCheck_FailingPolicyIsCountedAndSkipped(t *testing.T) {
	p, err := consolidation.NewExpr("buffer_len % (max_entries - max_entries) == 0", consolidation.Threshold{MaxEntries: 1})
	require.NoError(t, err)
	h := newHarness(t, Config{}, WithPolicy(p))
	open(t, h.m, "s1")

	before := testutil.ToFloat64(metrics.PolicyErrors)
	reply := submit(t, h.m, "s1", "hello")
	assert.False(t, reply.Consolidated)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.PolicyErrors))
	assert.Equal(t, 1, mustSnapshot(t, h.m, "s1").BufferLen)

	// A fixed policy takes over on the next step.
	h.m.SetPolicy(consolidation.Threshold{MaxEntries: 2})
	assert.True(t, submit(t, h.m, "s1", "again").Consolidated)
}

func TestIdleEviction_ConsolidatesFirst(t *testing.T) {
	cons := &recordingConsolidator{}
	h := newHarness(t, Config{IdleTimeout: 50 * time.Millisecond})
	h.m.cons = cons
	first := open(t, h.m, "s1")
	submit(t, h.m, "s1", "remember me")

	require.Eventually(t, func() bool { return h.m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1}, cons.batchSizes())

	_, err := h.m.Submit(context.Background(), Event{SessionKey: "s1", Text: "again"})
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	reply, err := h.m.OpenAndSubmit(context.Background(), Event{SessionKey: "s1", Text: "remember me"})
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID, reply.InstanceID)
	assert.Equal(t, metrics.SourceMemory, reply.Source)
}

func TestIdleEviction_PostponedWhileConsolidationFails(t *testing.T) {
	cons := &recordingConsolidator{fail: true}
	h := newHarness(t, Config{IdleTimeout: 30 * time.Millisecond})
	h.m.cons = cons
	open(t, h.m, "s1")
	submit(t, h.m, "s1", "keep")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.m.Len())

	cons.setFail(false)
	require.Eventually(t, func() bool { return h.m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClose_FlushesAndRemoves(t *testing.T) {
	cons := &recordingConsolidator{}
	h := newHarness(t, Config{})
	h.m.cons = cons
	open(t, h.m, "s1")
	submit(t, h.m, "s1", "one")
	submit(t, h.m, "s1", "two")

	require.NoError(t, h.m.Close(context.Background(), "s1"))
	assert.Equal(t, []int{2}, cons.batchSizes())
	_, ok := h.m.Snapshot("s1")
	assert.False(t, ok)
	assert.ErrorIs(t, h.m.Close(context.Background(), "s1"), ErrInstanceNotFound)
}

func TestShutdown_FlushesAndRefusesNewInstances(t *testing.T) {
	cons := &recordingConsolidator{}
	h := newHarness(t, Config{})
	h.m.cons = cons
	open(t, h.m, "a")
	open(t, h.m, "b")
	submit(t, h.m, "a", "pending")

	shutdown(t, h.m)
	assert.Equal(t, []int{1}, cons.batchSizes())
	assert.Equal(t, 0, h.m.Len())

	_, err := h.m.Open(context.Background(), "c")
	assert.ErrorIs(t, err, ErrShutdown)
}

type fixedClassifier struct {
	label string
	err   error
	calls atomic.Int32
}

func (c *fixedClassifier) Classify(context.Context, string) (string, error) {
	c.calls.Add(1)
	return c.label, c.err
}

func TestClassifier_BestEffort(t *testing.T) {
	ok := &fixedClassifier{label: nlp.LabelPositive}
	h := newHarness(t, Config{}, WithClassifier(ok))
	open(t, h.m, "s1")
	reply := submit(t, h.m, "s1", "great")
	assert.Equal(t, nlp.LabelPositive, reply.Sentiment)

	f, err := h.store.Lookup(context.Background(), "great")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, nlp.LabelPositive, f.Sentiment)

	failing := &fixedClassifier{err: nlp.ErrClassificationFailed}
	h2 := newHarness(t, Config{}, WithClassifier(failing))
	open(t, h2.m, "s1")
	reply = submit(t, h2.m, "s1", "meh")
	assert.Empty(t, reply.Sentiment)
	assert.Equal(t, "processed: meh", reply.Text)
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestReply_CarriesTraceID(t *testing.T) {
	h := newHarness(t, Config{})
	open(t, h.m, "s1")

	reply, err := h.m.Submit(context.Background(), Event{SessionKey: "s1", Text: "q", TraceID: "t_fixed"})
	require.NoError(t, err)
	assert.Equal(t, "t_fixed", reply.TraceID)

	reply = submit(t, h.m, "s1", "q2")
	assert.NotEmpty(t, reply.TraceID)
}

func TestInstances_Snapshot(t *testing.T) {
	h := newHarness(t, Config{})
	open(t, h.m, "a")
	open(t, h.m, "b")
	submit(t, h.m, "a", "hello")

	infos := h.m.Instances()
	require.Len(t, infos, 2)
	assert.Eventually(t, func() bool {
		for _, info := range h.m.Instances() {
			if info.State != StateAwaitingInput.String() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	snap := mustSnapshot(t, h.m, "a")
	assert.Equal(t, 1, snap.BufferLen)
	assert.False(t, snap.LastActive.IsZero())
}

func mustSnapshot(t *testing.T, m *Manager, session string) InstanceInfo {
	t.Helper()
	info, ok := m.Snapshot(session)
	require.True(t, ok, "instance %q", session)
	return info
}
