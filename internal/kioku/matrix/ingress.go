// Package matrix feeds Matrix room messages into the orchestrator and
// posts the replies back into the room.
//
// Each (room, sender) pair is its own conversation: the session key is
// "<room_id>:<sender>".
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/metrics"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
)

const transportName = "matrix"

// Config holds the Matrix account and room scope.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined at start. Messages from other rooms are ignored.
	Rooms []string
	// DB persists the sync token across restarts. When nil an in-memory
	// store is used and room history replays on every restart.
	DB *sql.DB
}

// Orchestrator is what the ingress submits to.
type Orchestrator interface {
	OpenAndSubmit(ctx context.Context, ev orchestrator.Event) (orchestrator.Reply, error)
}

// Sender posts into a room. *mautrix.Client satisfies it through
// clientSender.
type Sender interface {
	Reply(ctx context.Context, roomID, eventID, text string) error
	Notice(ctx context.Context, roomID, text string) error
}

// Ingress is the Matrix ingress.
type Ingress struct {
	cfg     Config
	client  *mautrix.Client
	sender  Sender
	orch    Orchestrator
	limiter *dispatch.RateLimiter
	logger  zerolog.Logger
	rooms   map[string]bool
	queue   *dispatch.SessionQueue
	base    context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the ingress. limiter may be nil.
func New(cfg Config, orch Orchestrator, limiter *dispatch.RateLimiter, logger zerolog.Logger) (*Ingress, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("matrix: homeserver and user id are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	if cfg.DB != nil {
		client.Store = NewDBSyncStore(cfg.DB)
	} else {
		logger.Warn().Msg("matrix: no database configured, room history will replay on restart")
	}

	in := newIngress(cfg, clientSender{client}, orch, limiter, logger)
	in.client = client
	return in, nil
}

func newIngress(cfg Config, sender Sender, orch Orchestrator, limiter *dispatch.RateLimiter, logger zerolog.Logger) *Ingress {
	rooms := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms[r] = true
	}
	return &Ingress{
		cfg:     cfg,
		sender:  sender,
		orch:    orch,
		limiter: limiter,
		logger:  logger,
		rooms:   rooms,
		queue:   dispatch.NewSessionQueue(),
		base:    context.Background(),
		done:    make(chan struct{}),
	}
}

// Start joins the configured rooms and syncs in the background,
// reconnecting with exponential back-off until Stop or ctx cancellation.
func (in *Ingress) Start(ctx context.Context) error {
	syncer, ok := in.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer %T", in.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, in.onMessage)

	for _, room := range in.cfg.Rooms {
		if err := in.join(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("matrix: join %s: %w", room, err)
		}
	}

	ctx, in.cancel = context.WithCancel(ctx)
	in.base = ctx
	go in.syncLoop(ctx)
	in.logger.Info().Int("rooms", len(in.cfg.Rooms)).Msg("matrix ingress started")
	return nil
}

func (in *Ingress) syncLoop(ctx context.Context) {
	defer close(in.done)
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := in.client.SyncWithContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		in.logger.Error().Err(err).Dur("backoff", backoff).Msg("matrix sync stopped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop ends syncing and waits for the sync goroutine and for messages
// still being answered.
func (in *Ingress) Stop() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	in.client.StopSync()
	<-in.done
	in.queue.Close()
}

func (in *Ingress) join(ctx context.Context, roomID id.RoomID) error {
	_, err := in.client.JoinRoomByID(ctx, roomID)
	if err != nil && errors.Is(err, mautrix.MForbidden) {
		// Already a member, or invited-only; syncing still works if we are in.
		in.logger.Warn().Str("room", roomID.String()).Msg("matrix: join forbidden, continuing")
		return nil
	}
	return err
}

func (in *Ingress) onMessage(_ context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(in.cfg.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	in.enqueue(evt.RoomID.String(), evt.Sender.String(), evt.ID.String(), msg.Body, time.UnixMilli(evt.Timestamp))
}

// enqueue hands a message to its session's worker so the sync handler
// returns at once. Messages from one sender in one room keep their order.
func (in *Ingress) enqueue(roomID, sender, eventID, body string, sentAt time.Time) {
	ok := in.queue.Submit(SessionKey(roomID, sender), func() {
		in.handle(in.base, roomID, sender, eventID, body, sentAt)
	})
	if !ok {
		in.logger.Debug().Str("room", roomID).Str("event_id", eventID).Msg("matrix: stopping, message dropped")
	}
}

// SessionKey is the conversation key for a sender in a room.
func SessionKey(roomID, sender string) string {
	return roomID + ":" + sender
}

// handle submits one room message and posts the outcome.
func (in *Ingress) handle(ctx context.Context, roomID, sender, eventID, body string, sentAt time.Time) {
	if len(in.rooms) > 0 && !in.rooms[roomID] {
		return
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	metrics.Messages.WithLabelValues(transportName, "in").Inc()

	session := SessionKey(roomID, sender)
	log := in.logger.With().Str("room", roomID).Str("session_key", session).Logger()

	if !in.limiter.Allow(session) {
		metrics.RateLimited.WithLabelValues(transportName).Inc()
		in.notice(ctx, log, roomID, "Too many messages, slow down.")
		return
	}

	reply, err := in.orch.OpenAndSubmit(ctx, orchestrator.Event{
		SessionKey: session,
		Text:       body,
		ReceivedAt: sentAt,
	})
	switch {
	case err == nil:
		if err := in.sender.Reply(ctx, roomID, eventID, reply.Text); err != nil {
			log.Warn().Err(err).Msg("matrix: send reply failed")
			return
		}
		metrics.Messages.WithLabelValues(transportName, "out").Inc()
	case errors.Is(err, orchestrator.ErrGenerationFailed):
		in.notice(ctx, log, roomID, "Could not generate a reply, please try again.")
	default:
		log.Warn().Err(err).Msg("matrix: orchestrator unavailable")
		in.notice(ctx, log, roomID, "Service unavailable.")
	}
}

func (in *Ingress) notice(ctx context.Context, log zerolog.Logger, roomID, text string) {
	if err := in.sender.Notice(ctx, roomID, text); err != nil {
		log.Warn().Err(err).Msg("matrix: send notice failed")
	}
}

// clientSender posts through a mautrix client.
type clientSender struct {
	client *mautrix.Client
}

func (s clientSender) Reply(ctx context.Context, roomID, eventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send reply: %w", err)
	}
	return nil
}

func (s clientSender) Notice(ctx context.Context, roomID, text string) error {
	content := event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}
