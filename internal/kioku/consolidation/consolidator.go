package consolidation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// Batch is the content of one generation being consolidated.
type Batch struct {
	InstanceID string
	SessionKey string
	Generation uint64
	StartedAt  time.Time
	Fragments  []memory.Fragment
}

// Result reports what a consolidation did.
type Result struct {
	Persisted  int
	Summary    string
	ArchiveKey string
}

// FragmentSink is the part of the memory store consolidation needs.
type FragmentSink interface {
	PersistBatch(ctx context.Context, batch []memory.Fragment) error
	ClearShortTerm(ctx context.Context, instanceID string) error
}

// CheckpointSink records generation checkpoints.
type CheckpointSink interface {
	SaveGeneration(ctx context.Context, g store.Generation) error
}

// Archiver copies a consolidated batch to external storage and returns the
// object key.
type Archiver interface {
	Archive(ctx context.Context, b Batch, summary string) (string, error)
}

// Config configures a Consolidator.
type Config struct {
	// Retry governs the long-term batch write. Defaults to retry.DefaultConfig.
	Retry retry.Config
	// SummaryMaxTokens bounds the optional generation summary. Default: 256.
	SummaryMaxTokens int
}

// Consolidator flushes a generation's buffer to long-term storage and
// records what happened:
//
//  1. persist every buffered fragment (retried, the only fatal step)
//  2. summarise the batch
//  3. archive the batch
//  4. record the (instance, generation) checkpoint
//  5. clear the short-term tier
//
// Steps 2-5 are best effort: failures are logged and the consolidation
// still counts as done, because the fragments are already durable.
type Consolidator struct {
	sink        FragmentSink
	checkpoints CheckpointSink
	archiver    Archiver
	summariser  nlp.Generator
	cfg         Config
	logger      zerolog.Logger
}

// Option customises a Consolidator.
type Option func(*Consolidator)

// WithCheckpoints records a checkpoint per consolidated generation.
func WithCheckpoints(c CheckpointSink) Option {
	return func(x *Consolidator) { x.checkpoints = c }
}

// WithArchiver archives each consolidated batch.
func WithArchiver(a Archiver) Option {
	return func(x *Consolidator) { x.archiver = a }
}

// WithSummariser summarises each batch with g and stores the summary on
// the checkpoint.
func WithSummariser(g nlp.Generator) Option {
	return func(x *Consolidator) { x.summariser = g }
}

// New creates a Consolidator writing through sink.
func New(sink FragmentSink, cfg Config, logger zerolog.Logger, opts ...Option) *Consolidator {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 256
	}
	c := &Consolidator{sink: sink, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate flushes b. An error means the batch was not durably written
// and the caller must keep its buffer.
func (c *Consolidator) Consolidate(ctx context.Context, b Batch) (Result, error) {
	start := time.Now()
	log := c.logger.With().
		Str("instance_id", b.InstanceID).
		Str("session_key", b.SessionKey).
		Uint64("generation", b.Generation).
		Logger()

	rc := c.cfg.Retry
	rc.OnRetry = func(int, error) { metrics.RetryAttempts.WithLabelValues("consolidate").Inc() }
	err := retry.Do(ctx, rc, func() error {
		return c.sink.PersistBatch(ctx, b.Fragments)
	})
	if err != nil {
		metrics.Consolidations.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int("fragments", len(b.Fragments)).Msg("consolidation: batch write failed")
		return Result{}, fmt.Errorf("consolidation: persist batch: %w", err)
	}

	res := Result{Persisted: len(b.Fragments)}

	if c.summariser != nil && len(b.Fragments) > 0 {
		summary, err := c.summariser.Generate(ctx, nlp.GenerateRequest{
			System:    summarySystemPrompt,
			Prompt:    formatTranscript(b.Fragments),
			MaxTokens: c.cfg.SummaryMaxTokens,
		})
		if err != nil {
			log.Warn().Err(err).Msg("consolidation: summary failed")
		} else {
			res.Summary = strings.TrimSpace(summary)
		}
	}

	if c.archiver != nil {
		key, err := c.archiver.Archive(ctx, b, res.Summary)
		if err != nil {
			log.Warn().Err(err).Msg("consolidation: archive failed")
		} else {
			res.ArchiveKey = key
		}
	}

	if c.checkpoints != nil {
		err := c.checkpoints.SaveGeneration(ctx, store.Generation{
			InstanceID:     b.InstanceID,
			Generation:     b.Generation,
			SessionKey:     b.SessionKey,
			StartedAt:      b.StartedAt,
			ConsolidatedAt: time.Now(),
			FragmentCount:  len(b.Fragments),
			Summary:        res.Summary,
			ArchiveKey:     res.ArchiveKey,
		})
		if err != nil {
			log.Warn().Err(err).Msg("consolidation: checkpoint failed")
		}
	}

	if err := c.sink.ClearShortTerm(ctx, b.InstanceID); err != nil {
		log.Warn().Err(err).Msg("consolidation: clear short-term failed")
	}

	metrics.Consolidations.WithLabelValues("ok").Inc()
	metrics.ConsolidatedFragments.Add(float64(len(b.Fragments)))

	// Metadata only, never message content.
	log.Info().
		Int("fragments", len(b.Fragments)).
		Dur("generation_age", time.Since(b.StartedAt)).
		Dur("elapsed", time.Since(start)).
		Bool("summarised", res.Summary != "").
		Str("archive_key", res.ArchiveKey).
		Msg("generation consolidated")

	return res, nil
}

const summarySystemPrompt = "Summarise this exchange in 2-3 sentences, focusing on what the user asked about and what was answered."

func formatTranscript(fragments []memory.Fragment) string {
	var b strings.Builder
	for i, f := range fragments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "user: %s\nassistant: %s", f.Input, f.Response)
	}
	return b.String()
}
