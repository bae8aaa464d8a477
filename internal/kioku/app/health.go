package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
	maxBroadcastBytes  = 16 << 10
)

// HealthServer exposes /health, /status, /metrics, the operator endpoints
// and any additionally registered handlers (the WebSocket endpoint).
type HealthServer struct {
	addr      string
	deps      StatusDeps
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
	logger    zerolog.Logger
}

// InstanceLister is the part of the orchestrator the server reports on.
type InstanceLister interface {
	Len() int
	Instances() []orchestrator.InstanceInfo
}

// Connections is the part of the connection registry the server uses.
type Connections interface {
	Len() int
	Broadcast(ctx context.Context, msg []byte) int
}

// Searcher runs operator substring queries against long-term memory.
type Searcher interface {
	Search(ctx context.Context, pattern string, limit int) ([]memory.Fragment, error)
}

// ShortTermReader returns the inputs buffered for an instance's current
// generation.
type ShortTermReader interface {
	ShortTerm(ctx context.Context, instanceID string) ([]string, error)
}

// StatusDeps are the collaborators behind the endpoints. Nil members
// disable the endpoints that need them.
type StatusDeps struct {
	Instances   InstanceLister
	Connections Connections
	Memory      Searcher
	ShortTerm   ShortTermReader
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Commit          string    `json:"commit"`
	BuildTime       string    `json:"build_time"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSecs      float64   `json:"uptime_seconds"`
	InstanceCount   int       `json:"instance_count"`
	ConnectionCount int       `json:"connection_count"`
}

type searchResponse struct {
	Query     string            `json:"query"`
	Fragments []memory.Fragment `json:"fragments"`
}

type shortTermResponse struct {
	InstanceID string   `json:"instance_id"`
	Inputs     []string `json:"inputs"`
}

type broadcastResponse struct {
	Delivered int `json:"delivered"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, deps StatusDeps, logger zerolog.Logger) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		deps:      deps,
		startedAt: time.Now(),
		mux:       mux,
		logger:    logger,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.Instances != nil {
		mux.HandleFunc("GET /instances", hs.handleInstances)
	}
	if deps.Memory != nil {
		mux.HandleFunc("GET /memory/search", hs.handleSearch)
	}
	if deps.ShortTerm != nil {
		mux.HandleFunc("GET /instances/{id}/short-term", hs.handleShortTerm)
	}
	if deps.Connections != nil {
		mux.HandleFunc("POST /broadcast", hs.handleBroadcast)
	}
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Handle registers a handler for the given pattern. Call before Start.
func (h *HealthServer) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// Start begins listening in the background. It returns once the listener
// is established so the caller knows the port is open. The returned
// channel reports the error that stopped Serve, if any.
func (h *HealthServer) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return nil, fmt.Errorf("http server: listen %s: %w", h.addr, err)
	}
	h.addr = ln.Addr().String()

	h.server = &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		h.logger.Info().Str("addr", h.addr).Msg("http server listening")
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()
	return errc, nil
}

// Addr returns the listen address, resolved once Start has run.
func (h *HealthServer) Addr() string {
	return h.addr
}

// Stop shuts down the HTTP server. Hijacked WebSocket connections are not
// affected; the dispatch handler closes those itself.
func (h *HealthServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: shutdown: %w", err)
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	if h.deps.Instances != nil {
		resp.InstanceCount = h.deps.Instances.Len()
	}
	if h.deps.Connections != nil {
		resp.ConnectionCount = h.deps.Connections.Len()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HealthServer) handleInstances(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Instances.Instances())
}

func (h *HealthServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing q"})
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSearchLimit)
	}

	frags, err := h.deps.Memory.Search(r.Context(), q, limit)
	if err != nil {
		h.logger.Warn().Err(err).Msg("memory search failed")
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "memory unavailable"})
		return
	}
	if frags == nil {
		frags = []memory.Fragment{}
	}
	h.writeJSON(w, http.StatusOK, searchResponse{Query: q, Fragments: frags})
}

// handleShortTerm lists the inputs buffered for an instance. The buffer
// outlives the instance when the short-term tier is Redis, so ids of
// evicted or crashed instances (from logs or checkpoints) work too.
func (h *HealthServer) handleShortTerm(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	inputs, err := h.deps.ShortTerm.ShortTerm(r.Context(), instanceID)
	if err != nil {
		h.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("short-term read failed")
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "memory unavailable"})
		return
	}
	if inputs == nil {
		inputs = []string{}
	}
	h.writeJSON(w, http.StatusOK, shortTermResponse{InstanceID: instanceID, Inputs: inputs})
}

// handleBroadcast sends the request body as a notice frame to every open
// connection.
func (h *HealthServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBroadcastBytes))
	if err != nil {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
		return
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty message"})
		return
	}
	n := h.deps.Connections.Broadcast(r.Context(), dispatch.EncodeNotice(msg))
	h.logger.Info().Int("delivered", n).Int("len", len(msg)).Msg("broadcast sent")
	h.writeJSON(w, http.StatusOK, broadcastResponse{Delivered: n})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func (h *HealthServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode JSON response")
	}
}
