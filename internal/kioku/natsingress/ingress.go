// Package natsingress accepts conversation input from NATS request/reply.
//
// Producers publish to "<subject>.<session key>" with a reply inbox (for
// example nats.Conn.Request). The payload is plain text or a JSON envelope;
// the response is a JSON reply or error frame, the same frames WebSocket
// clients get.
package natsingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/bdobrica/kioku/common/spec/envelope"
	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
)

const transportName = "nats"

// Defaults.
const (
	DefaultSubject = "kioku.input"
	DefaultQueue   = "kioku"
)

// Config configures the NATS ingress.
type Config struct {
	URL string
	// Subject is the prefix; the ingress subscribes to "<Subject>.>".
	Subject string
	// Queue is the queue group, so several kioku processes share the load.
	Queue string
	// Name identifies the connection on the server.
	Name string
	// RequestTimeout bounds one orchestrator call. Default: 60s.
	RequestTimeout time.Duration
}

// Orchestrator is what the ingress submits to.
type Orchestrator interface {
	OpenAndSubmit(ctx context.Context, ev orchestrator.Event) (orchestrator.Reply, error)
}

// Ingress subscribes to the input subject and answers each request.
type Ingress struct {
	cfg     Config
	orch    Orchestrator
	limiter *dispatch.RateLimiter
	logger  zerolog.Logger
	base    context.Context
	queue   *dispatch.SessionQueue
	conn    *nats.Conn
	sub     *nats.Subscription
}

// New creates an ingress. limiter may be nil.
func New(cfg Config, orch Orchestrator, limiter *dispatch.RateLimiter, logger zerolog.Logger) *Ingress {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Name == "" {
		cfg.Name = "kioku"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Ingress{
		cfg:     cfg,
		orch:    orch,
		limiter: limiter,
		logger:  logger,
		base:    context.Background(),
		queue:   dispatch.NewSessionQueue(),
	}
}

// Start connects and subscribes. Cancelling ctx cancels requests in
// flight; call Stop to drain.
func (in *Ingress) Start(ctx context.Context) error {
	nc, err := nats.Connect(in.cfg.URL,
		nats.Name(in.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				in.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			in.logger.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("natsingress: connect: %w", err)
	}

	in.base = ctx
	subject := in.cfg.Subject + ".>"
	sub, err := nc.QueueSubscribe(subject, in.cfg.Queue, in.onMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("natsingress: subscribe %s: %w", subject, err)
	}

	in.conn = nc
	in.sub = sub
	in.logger.Info().Str("subject", subject).Str("queue", in.cfg.Queue).Msg("nats ingress started")
	return nil
}

// Stop waits for requests in flight, then drains the connection. Requests
// arriving after Stop begins are answered with an unavailable error.
func (in *Ingress) Stop() {
	if in.conn == nil {
		return
	}
	in.queue.Close()
	if err := in.conn.Drain(); err != nil {
		in.logger.Warn().Err(err).Msg("nats drain")
		in.conn.Close()
	}
}

// onMsg runs on the subscription's goroutine. It hands each message to the
// worker for its subject, so messages on one subject are answered in order
// while different sessions are processed in parallel.
func (in *Ingress) onMsg(msg *nats.Msg) {
	ok := in.queue.Submit(msg.Subject, func() {
		in.respond(msg, in.handle(in.base, msg.Subject, msg.Data))
	})
	if !ok {
		in.respond(msg, dispatch.EncodeError(envelope.CodeUnavailable, "service unavailable"))
	}
}

func (in *Ingress) respond(msg *nats.Msg, out []byte) {
	if msg.Reply == "" || out == nil {
		return
	}
	if err := msg.Respond(out); err != nil {
		in.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("nats respond failed")
		return
	}
	metrics.Messages.WithLabelValues(transportName, "out").Inc()
}

// SessionFromSubject extracts the session key from "<prefix>.<session>".
func SessionFromSubject(prefix, subject string) (string, bool) {
	session, ok := strings.CutPrefix(subject, prefix+".")
	if !ok || session == "" {
		return "", false
	}
	return session, true
}

// handle processes one payload and returns the response frame.
func (in *Ingress) handle(ctx context.Context, subject string, data []byte) []byte {
	metrics.Messages.WithLabelValues(transportName, "in").Inc()

	frame, err := dispatch.Decode(data, time.Now())
	if err != nil {
		return dispatch.EncodeError(envelope.CodeBadRequest, err.Error())
	}
	if frame.Ping {
		return dispatch.EncodePong()
	}

	session := frame.Session
	if session == "" {
		s, ok := SessionFromSubject(in.cfg.Subject, subject)
		if !ok {
			return dispatch.EncodeError(envelope.CodeBadRequest, "no session key in subject or envelope")
		}
		session = s
	}

	if !in.limiter.Allow(session) {
		metrics.RateLimited.WithLabelValues(transportName).Inc()
		return dispatch.EncodeError(envelope.CodeRateLimited, "too many messages, slow down")
	}

	ctx, cancel := context.WithTimeout(ctx, in.cfg.RequestTimeout)
	defer cancel()
	reply, err := in.orch.OpenAndSubmit(ctx, orchestrator.Event{
		SessionKey: session,
		Text:       frame.Text,
		ReceivedAt: frame.ReceivedAt,
	})
	switch {
	case err == nil:
		out, err := dispatch.EncodeReply(reply)
		if err != nil {
			return dispatch.EncodeError(envelope.CodeUnavailable, "internal error")
		}
		return out
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return dispatch.EncodeError(envelope.CodeGenerationFailed, "could not generate a reply, please retry")
	default:
		in.logger.Warn().Err(err).Str("session_key", session).Msg("nats: orchestrator unavailable")
		return dispatch.EncodeError(envelope.CodeUnavailable, "service unavailable")
	}
}
