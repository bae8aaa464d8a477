package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConfig tunes the WebSocket transport.
type WebSocketConfig struct {
	// ReadLimit caps an inbound frame in bytes. Default: 64 KiB.
	ReadLimit int64
	// PingInterval is how often the server pings. The peer must answer
	// within two intervals. Default: 30s.
	PingInterval time.Duration
	// WriteTimeout bounds each write. Default: 10s.
	WriteTimeout time.Duration
	// CloseTimeout bounds how long Close waits for the peer to answer the
	// close frame. Default: 2s.
	CloseTimeout time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
}

func (c *WebSocketConfig) applyDefaults() {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 2 * time.Second
	}
}

// WebSocketHandler upgrades HTTP requests and runs a Loop per connection.
// The session key comes from the "session" query parameter and falls back
// to the connection id.
type WebSocketHandler struct {
	base     context.Context
	loop     *Loop
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewWebSocketHandler creates a handler. Cancelling base tears down every
// connection it serves, which http.Server.Shutdown does not do for
// hijacked connections.
func NewWebSocketHandler(base context.Context, loop *Loop, cfg WebSocketConfig, logger zerolog.Logger) *WebSocketHandler {
	cfg.applyDefaults()
	h := &WebSocketHandler{base: base, loop: loop, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	id := uuid.NewString()
	session := r.URL.Query().Get("session")
	t := newWSTransport(conn, h.cfg)
	go t.readPump()
	go t.keepalive()

	_ = h.loop.Run(ctx, Conn{ID: id, SessionKey: session, Transport: t})
}

// Wait blocks until every connection served by h has ended.
func (h *WebSocketHandler) Wait() {
	h.wg.Wait()
}

// wsTransport adapts a gorilla connection to Transport. gorilla allows one
// concurrent reader and one concurrent writer: readPump is the only
// reader, and writeMu serialises data writes. Control frames (ping, close)
// are safe to write concurrently.
type wsTransport struct {
	conn      *websocket.Conn
	cfg       WebSocketConfig
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	in       chan []byte
	readDone chan struct{}
	readErr  error
}

func newWSTransport(conn *websocket.Conn, cfg WebSocketConfig) *wsTransport {
	t := &wsTransport{
		conn:     conn,
		cfg:      cfg,
		done:     make(chan struct{}),
		in:       make(chan []byte),
		readDone: make(chan struct{}),
	}
	pongWait := 2 * cfg.PingInterval
	conn.SetReadLimit(cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return t
}

// readPump reads until the connection ends. It outlives Close so the
// peer's answer to our close frame is still consumed; data arriving after
// Close is dropped. readErr is set before readDone is closed.
func (t *wsTransport) readPump() {
	defer close(t.readDone)
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = err
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		select {
		case t.in <- data:
		case <-t.done:
		}
	}
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.readDone:
		select {
		case <-t.done:
			return nil, ErrClosed
		default:
		}
		if websocket.IsCloseError(t.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, ErrClosed
		}
		return nil, t.readErr
	}
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close performs the close handshake: it sends a close frame, waits up to
// CloseTimeout for the peer's close frame (or for the connection to end),
// then closes the socket. Safe to call more than once.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			t.closeErr = err
		}
		if err == nil {
			timer := time.NewTimer(t.cfg.CloseTimeout)
			select {
			case <-t.readDone:
			case <-timer.C:
			}
			timer.Stop()
		}
		if cerr := t.conn.Close(); cerr != nil && t.closeErr == nil {
			t.closeErr = cerr
		}
	})
	return t.closeErr
}
