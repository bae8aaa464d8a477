// Package dispatch runs the per-connection receive/process/send cycle that
// connects realtime clients to the orchestrator.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdobrica/kioku/common/spec/envelope"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
	"github.com/bdobrica/kioku/internal/kioku/registry"
)

// ErrClosed is returned by Transport.Receive when the peer closed the
// connection cleanly.
var ErrClosed = errors.New("dispatch: connection closed")

// Transport is one bidirectional client channel.
type Transport interface {
	// Receive blocks until a message arrives, ctx is cancelled or the
	// connection ends. A clean close yields ErrClosed.
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Orchestrator is the part of the orchestrator a dispatch loop drives.
type Orchestrator interface {
	OpenAndSubmit(ctx context.Context, ev orchestrator.Event) (orchestrator.Reply, error)
}

// Connections is the connection registry as seen by a dispatch loop.
type Connections interface {
	Register(id string, ch registry.Channel) error
	Unregister(id string) error
	Send(ctx context.Context, id string, msg []byte) error
}

// Conn describes an accepted connection.
type Conn struct {
	ID string
	// SessionKey is the conversation this connection drives. Defaults to ID.
	SessionKey string
	Transport  Transport
}

// Loop forwards messages between connections and the orchestrator.
type Loop struct {
	orch      Orchestrator
	conns     Connections
	limiter   *RateLimiter
	transport string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewLoop creates a Loop. transport names the ingress in metrics and logs
// ("websocket"). limiter may be nil.
func NewLoop(orch Orchestrator, conns Connections, limiter *RateLimiter, transport string, logger zerolog.Logger) *Loop {
	return &Loop{
		orch:      orch,
		conns:     conns,
		limiter:   limiter,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

type received struct {
	data []byte
}

// Run serves c until the peer closes, a transport error occurs or ctx is
// cancelled. The connection is registered for the duration and always
// unregistered (which closes the transport) before Run returns. Run
// returns nil for a clean close or shutdown and the transport error
// otherwise.
func (l *Loop) Run(ctx context.Context, c Conn) error {
	if c.SessionKey == "" {
		c.SessionKey = c.ID
	}
	log := l.logger.With().Str("conn_id", c.ID).Str("transport", l.transport).Logger()

	if err := l.conns.Register(c.ID, c.Transport); err != nil {
		_ = c.Transport.Close()
		return err
	}
	log.Info().Str("session_key", c.SessionKey).Msg("connection opened")

	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan received)
	readerDone := make(chan struct{})
	var readErr error

	// The reader keeps receiving while a frame is being processed, so a
	// disconnect cancels the orchestrator call in flight.
	go func() {
		defer close(readerDone)
		defer close(frames)
		for {
			data, err := c.Transport.Receive(ctx)
			if err != nil {
				readErr = err
				cancel()
				return
			}
			select {
			case frames <- received{data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var sendErr error
	session := c.SessionKey
	for msg := range frames {
		out := l.handle(ctx, log, &session, msg.data)
		if out == nil {
			continue
		}
		if err := l.conns.Send(ctx, c.ID, out); err != nil {
			sendErr = err
			break
		}
		metrics.Messages.WithLabelValues(l.transport, "out").Inc()
	}

	cancel()
	if err := l.conns.Unregister(c.ID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Debug().Err(err).Msg("unregister")
	}
	<-readerDone

	switch {
	case sendErr != nil:
		log.Warn().Err(sendErr).Msg("connection closed after send error")
		return sendErr
	case readErr == nil, errors.Is(readErr, ErrClosed), errors.Is(readErr, context.Canceled):
		log.Info().Msg("connection closed")
		return nil
	default:
		log.Warn().Err(readErr).Msg("connection closed after receive error")
		return readErr
	}
}

// handle turns one inbound message into the frame to send back, or nil
// when nothing should be sent.
func (l *Loop) handle(ctx context.Context, log zerolog.Logger, session *string, data []byte) []byte {
	metrics.Messages.WithLabelValues(l.transport, "in").Inc()

	frame, err := Decode(data, l.now())
	if err != nil {
		return EncodeError(envelope.CodeBadRequest, err.Error())
	}
	if frame.Ping {
		return EncodePong()
	}
	if frame.Session != "" && frame.Session != *session {
		log.Debug().Str("from", *session).Str("to", frame.Session).Msg("connection switched session")
		*session = frame.Session
	}
	if !l.limiter.Allow(*session) {
		metrics.RateLimited.WithLabelValues(l.transport).Inc()
		return EncodeError(envelope.CodeRateLimited, "too many messages, slow down")
	}

	reply, err := l.orch.OpenAndSubmit(ctx, orchestrator.Event{
		SessionKey: *session,
		Text:       frame.Text,
		ReceivedAt: frame.ReceivedAt,
	})
	if err != nil {
		return l.errorFrame(ctx, log, err)
	}
	out, err := EncodeReply(reply)
	if err != nil {
		log.Error().Err(err).Msg("encode reply")
		return EncodeError(envelope.CodeUnavailable, "internal error")
	}
	return out
}

func (l *Loop) errorFrame(ctx context.Context, log zerolog.Logger, err error) []byte {
	switch {
	case ctx.Err() != nil:
		// Connection is going away; nobody to answer.
		return nil
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		return EncodeError(envelope.CodeGenerationFailed, "could not generate a reply, please retry")
	case errors.Is(err, orchestrator.ErrEmptyInput):
		return EncodeError(envelope.CodeBadRequest, "empty message")
	default:
		log.Warn().Err(err).Msg("orchestrator unavailable")
		return EncodeError(envelope.CodeUnavailable, "service unavailable")
	}
}
