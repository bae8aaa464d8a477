package consolidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

type fakeSink struct {
	mu        sync.Mutex
	failN     int
	calls     int
	persisted []memory.Fragment
	cleared   []string
	clearErr  error
}

func (f *fakeSink) PersistBatch(_ context.Context, batch []memory.Fragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return memory.ErrStoreUnavailable
	}
	f.persisted = append(f.persisted, batch...)
	return nil
}

func (f *fakeSink) ClearShortTerm(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, instanceID)
	return f.clearErr
}

type fakeCheckpoints struct {
	saved []store.Generation
	err   error
}

func (f *fakeCheckpoints) SaveGeneration(_ context.Context, g store.Generation) error {
	f.saved = append(f.saved, g)
	return f.err
}

type fakeArchiver struct {
	key string
	err error
	got []Batch
}

func (f *fakeArchiver) Archive(_ context.Context, b Batch, _ string) (string, error) {
	f.got = append(f.got, b)
	return f.key, f.err
}

type cannedGenerator struct {
	text string
	err  error
	reqs []nlp.GenerateRequest
}

func (g *cannedGenerator) Generate(_ context.Context, req nlp.GenerateRequest) (string, error) {
	g.reqs = append(g.reqs, req)
	return g.text, g.err
}

var fastRetry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func testBatch(n int) Batch {
	b := Batch{InstanceID: "inst-1", SessionKey: "s1", Generation: 4, StartedAt: time.Now().Add(-time.Minute)}
	for i := 0; i < n; i++ {
		b.Fragments = append(b.Fragments, memory.Fragment{
			ID:         memory.FragmentID("inst-1", 4, i),
			InstanceID: "inst-1",
			Generation: 4,
			Input:      "q",
			Response:   "a",
			Timestamp:  time.Now(),
		})
	}
	return b
}

func TestConsolidate_PersistsAndClears(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop())

	res, err := c.Consolidate(context.Background(), testBatch(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Persisted)
	assert.Len(t, sink.persisted, 5)
	assert.Equal(t, []string{"inst-1"}, sink.cleared)
}

func TestConsolidate_RetriesTransientFailure(t *testing.T) {
	sink := &fakeSink{failN: 2}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop())

	_, err := c.Consolidate(context.Background(), testBatch(2))
	require.NoError(t, err)
	assert.Equal(t, 3, sink.calls)
	assert.Len(t, sink.persisted, 2)
}

func TestConsolidate_PersistFailureKeepsBuffer(t *testing.T) {
	sink := &fakeSink{failN: 10}
	cp := &fakeCheckpoints{}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop(), WithCheckpoints(cp))

	_, err := c.Consolidate(context.Background(), testBatch(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrStoreUnavailable)
	assert.Empty(t, sink.cleared, "short-term must survive a failed flush")
	assert.Empty(t, cp.saved)
}

func TestConsolidate_EmptyBatch(t *testing.T) {
	sink := &fakeSink{}
	gen := &cannedGenerator{text: "summary"}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop(), WithSummariser(gen))

	res, err := c.Consolidate(context.Background(), testBatch(0))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Empty(t, gen.reqs, "no summary for an empty generation")
	assert.Equal(t, []string{"inst-1"}, sink.cleared)
}

func TestConsolidate_SummaryArchiveCheckpoint(t *testing.T) {
	sink := &fakeSink{}
	cp := &fakeCheckpoints{}
	arch := &fakeArchiver{key: "kioku/inst-1/4.json"}
	gen := &cannedGenerator{text: "  user asked q  "}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop(),
		WithCheckpoints(cp), WithArchiver(arch), WithSummariser(gen))

	res, err := c.Consolidate(context.Background(), testBatch(2))
	require.NoError(t, err)
	assert.Equal(t, "user asked q", res.Summary)
	assert.Equal(t, "kioku/inst-1/4.json", res.ArchiveKey)

	require.Len(t, gen.reqs, 1)
	assert.Contains(t, gen.reqs[0].Prompt, "user: q\nassistant: a")

	require.Len(t, cp.saved, 1)
	g := cp.saved[0]
	assert.Equal(t, "inst-1", g.InstanceID)
	assert.Equal(t, uint64(4), g.Generation)
	assert.Equal(t, "s1", g.SessionKey)
	assert.Equal(t, 2, g.FragmentCount)
	assert.Equal(t, "user asked q", g.Summary)
	assert.Equal(t, "kioku/inst-1/4.json", g.ArchiveKey)
}

func TestConsolidate_BestEffortStepsDoNotFail(t *testing.T) {
	sink := &fakeSink{clearErr: errors.New("redis down")}
	cp := &fakeCheckpoints{err: errors.New("sqlite locked")}
	arch := &fakeArchiver{err: errors.New("s3 denied")}
	gen := &cannedGenerator{err: nlp.ErrRateLimit}
	c := New(sink, Config{Retry: fastRetry}, zerolog.Nop(),
		WithCheckpoints(cp), WithArchiver(arch), WithSummariser(gen))

	res, err := c.Consolidate(context.Background(), testBatch(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)
	assert.Empty(t, res.Summary)
	assert.Empty(t, res.ArchiveKey)
	assert.Len(t, cp.saved, 1)
}
