package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	reqtrace "github.com/bdobrica/kioku/common/trace"
	"github.com/bdobrica/kioku/internal/kioku/consolidation"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
)

type requestKind int

const (
	reqInput requestKind = iota
	reqCheck
	reqClose
)

type request struct {
	kind  requestKind
	ctx   context.Context
	event Event
	reply chan result
}

type result struct {
	reply        Reply
	consolidated bool
	err          error
}

// instance is one conversation's state machine. Its fields below mu are
// written only by the run goroutine, under mu, so info can read them from
// other goroutines.
type instance struct {
	m          *Manager
	id         string
	sessionKey string
	logger     zerolog.Logger
	mailbox    chan request
	done       chan struct{}

	mu         sync.Mutex
	state      State
	generation uint64
	startTime  time.Time
	lastActive time.Time
	buffer     []memory.Fragment
}

func (in *instance) info() InstanceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	return InstanceInfo{
		SessionKey: in.sessionKey,
		InstanceID: in.id,
		Generation: in.generation,
		BufferLen:  len(in.buffer),
		StartedAt:  in.startTime,
		LastActive: in.lastActive,
		State:      in.state.String(),
	}
}

func (in *instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// call hands req to the run goroutine and waits for its result.
func (in *instance) call(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case in.mailbox <- req:
	case <-in.done:
		return result{}, ErrInstanceNotFound
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (in *instance) run() {
	var idle <-chan time.Time
	var timer *time.Timer
	if d := in.m.cfg.IdleTimeout; d > 0 {
		timer = time.NewTimer(d)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		in.setState(StateAwaitingInput)
		select {
		case req := <-in.mailbox:
			if in.handle(req) {
				in.exit("closed")
				return
			}
			if timer != nil && req.kind == reqInput {
				timer.Reset(in.m.cfg.IdleTimeout)
			}

		case <-idle:
			if err := in.flush(context.Background(), "idle"); err != nil {
				// Keep the buffer and try again after another idle period.
				in.logger.Warn().Err(err).Msg("idle eviction postponed")
				timer.Reset(in.m.cfg.IdleTimeout)
				continue
			}
			in.exit("idle")
			return

		case <-in.m.stop:
			if err := in.flush(context.Background(), "shutdown"); err != nil {
				in.logger.Error().Err(err).Int("buffered", len(in.buffer)).Msg("buffer lost at shutdown")
			}
			in.exit("shutdown")
			return
		}
	}
}

// handle serves one mailbox request and reports whether the instance must
// exit.
func (in *instance) handle(req request) bool {
	switch req.kind {
	case reqInput:
		reply, err := in.process(req.ctx, req.event)
		req.reply <- result{reply: reply, consolidated: reply.Consolidated, err: err}
	case reqCheck:
		req.reply <- result{consolidated: in.check(req.ctx)}
	case reqClose:
		req.reply <- result{err: in.flush(req.ctx, "close")}
		return true
	}
	return false
}

func (in *instance) exit(reason string) {
	in.setState(StateEvicted)
	in.m.remove(in)
	close(in.done)
	in.logger.Info().Str("reason", reason).Uint64("generation", in.generation).Msg("instance stopped")
}

// process runs Processing and ConsolidationCheck for one input. On a
// generator failure nothing is committed and ErrGenerationFailed is
// returned.
func (in *instance) process(ctx context.Context, ev Event) (Reply, error) {
	if ev.TraceID != "" {
		ctx = reqtrace.WithTraceID(ctx, ev.TraceID)
	} else {
		ctx, ev.TraceID = reqtrace.Ensure(ctx)
	}
	gen := in.generation

	ctx, span := in.m.tracer.Start(ctx, "orchestrator.process", trace.WithAttributes(
		attribute.String("kioku.session_key", in.sessionKey),
		attribute.String("kioku.instance_id", in.id),
		attribute.Int64("kioku.generation", int64(gen)),
		attribute.String("kioku.trace_id", ev.TraceID),
	))
	defer span.End()

	in.setState(StateProcessing)
	log := in.logger.With().Str("trace_id", ev.TraceID).Uint64("generation", gen).Logger()

	reply := Reply{
		SessionKey: in.sessionKey,
		InstanceID: in.id,
		Generation: gen,
		TraceID:    ev.TraceID,
	}

	hit, err := in.m.mem.Lookup(ctx, ev.Text)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("lookup").Inc()
		log.Warn().Err(err).Msg("lookup failed, continuing without memory")
		reply.Degraded = true
		hit = nil
	}

	if hit != nil {
		reply.Text = hit.Response
		reply.Source = metrics.SourceMemory
		reply.Sentiment = hit.Sentiment
	} else {
		text, err := in.m.generate(ctx, ev.Text)
		if err != nil {
			metrics.Replies.WithLabelValues(metrics.SourceFailed).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			log.Warn().Err(err).Int("input_len", len(ev.Text)).Msg("generation failed, input not consumed")
			return Reply{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		reply.Text = text
		reply.Source = metrics.SourceGenerator
	}

	if reply.Sentiment == "" && in.m.classifier != nil {
		label, err := in.m.classifier.Classify(ctx, ev.Text)
		if err != nil {
			log.Debug().Err(err).Msg("sentiment omitted")
		} else {
			reply.Sentiment = label
		}
	}

	// Commit. From here the input is consumed.
	f := memory.Fragment{
		ID:         memory.FragmentID(in.id, gen, len(in.buffer)),
		InstanceID: in.id,
		Generation: gen,
		Input:      ev.Text,
		Response:   reply.Text,
		Sentiment:  reply.Sentiment,
		Timestamp:  in.m.now(),
	}
	if hit == nil {
		if err := in.m.mem.PersistFragment(ctx, f); err != nil {
			metrics.StoreErrors.WithLabelValues("persist").Inc()
			log.Warn().Err(err).Str("fragment_id", f.ID).Msg("persist failed, fragment kept for consolidation")
			reply.Degraded = true
		}
	}

	in.mu.Lock()
	in.buffer = append(in.buffer, f)
	in.lastActive = f.Timestamp
	in.mu.Unlock()

	if err := in.m.mem.RecordShortTerm(ctx, in.id, ev.Text); err != nil {
		metrics.StoreErrors.WithLabelValues("short_term").Inc()
		log.Warn().Err(err).Msg("short-term record failed")
		reply.Degraded = true
	}

	metrics.Replies.WithLabelValues(reply.Source).Inc()
	span.SetAttributes(attribute.String("kioku.source", reply.Source))
	log.Debug().
		Str("source", reply.Source).
		Int("input_len", len(ev.Text)).
		Int("reply_len", len(reply.Text)).
		Dur("queued", in.m.now().Sub(ev.ReceivedAt)).
		Msg("input processed")

	reply.Consolidated = in.check(ctx)
	return reply, nil
}

// check is ConsolidationCheck. The policy is only consulted when there is
// something to flush.
func (in *instance) check(ctx context.Context) bool {
	in.setState(StateConsolidationCheck)
	if len(in.buffer) == 0 {
		return false
	}
	elapsed := in.m.now().Sub(in.startTime)
	policy := in.m.currentPolicy()
	ok, err := consolidation.Decide(policy, len(in.buffer), elapsed)
	if err != nil {
		metrics.PolicyErrors.Inc()
		in.logger.Warn().Err(err).Str("policy", policy.String()).Int("buffered", len(in.buffer)).
			Msg("consolidation policy failed, not consolidating")
		return false
	}
	if !ok {
		return false
	}
	return in.consolidate(ctx) == nil
}

// flush consolidates a non-empty buffer. An empty buffer is a no-op.
func (in *instance) flush(ctx context.Context, reason string) error {
	if len(in.buffer) == 0 {
		return nil
	}
	in.logger.Debug().Str("reason", reason).Int("buffered", len(in.buffer)).Msg("flushing buffer")
	return in.consolidate(ctx)
}

// consolidate hands the buffer to the consolidator and, on success,
// performs the bounded restart. On failure the buffer is kept intact.
func (in *instance) consolidate(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.m.cfg.ConsolidateTimeout)
	defer cancel()

	batch := consolidation.Batch{
		InstanceID: in.id,
		SessionKey: in.sessionKey,
		Generation: in.generation,
		StartedAt:  in.startTime,
		Fragments:  slices.Clone(in.buffer),
	}
	if _, err := in.m.cons.Consolidate(cctx, batch); err != nil {
		in.logger.Warn().Err(err).Uint64("generation", in.generation).Msg("consolidation failed, buffer kept")
		return fmt.Errorf("orchestrator: consolidate: %w", err)
	}
	in.restart()
	return nil
}

// restart is the bounded-restart transition: the history of the finished
// generation is dropped and a new one begins.
func (in *instance) restart() {
	now := in.m.now()
	in.mu.Lock()
	in.buffer = nil
	in.generation++
	in.startTime = now
	in.state = StateRestarted
	gen := in.generation
	in.mu.Unlock()
	in.logger.Info().Uint64("generation", gen).Msg("generation restarted")
}
