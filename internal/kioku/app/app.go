// Package app wires the kioku engine together: storage backends, the
// orchestrator, the connection registry and every ingress, behind one HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/common/logging"
	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/consolidation"
	"github.com/bdobrica/kioku/internal/kioku/dispatch"
	"github.com/bdobrica/kioku/internal/kioku/matrix"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/natsingress"
	"github.com/bdobrica/kioku/internal/kioku/nlp"
	"github.com/bdobrica/kioku/internal/kioku/orchestrator"
	"github.com/bdobrica/kioku/internal/kioku/registry"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// limiterSweepSchedule drops idle rate-limit windows.
const limiterSweepSchedule = "@every 1m"

// App is the running engine.
type App struct {
	cfg    config.Config
	src    *config.Source
	logger zerolog.Logger

	store    *store.Store
	memory   *memory.Store
	manager  *orchestrator.Manager
	conns    *registry.Registry
	limiter  *dispatch.RateLimiter
	ws       *dispatch.WebSocketHandler
	http     *HealthServer
	sweepers []*consolidation.Sweeper
	matrix   *matrix.Ingress
	nats     *natsingress.Ingress

	// base outlives the caller's context so that in-flight WebSocket
	// connections are torn down in shutdown order, not all at once.
	base   context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// New builds the engine from the current configuration of src. Nothing
// listens or runs until Run. src may be nil, in which case cfg is used as
// is and live reload is off.
func New(ctx context.Context, cfg config.Config, src *config.Source, logger zerolog.Logger) (_ *App, err error) {
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	a := &App{cfg: cfg, src: src, logger: logger, ready: make(chan struct{})}
	a.base, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.cancel()
			a.Close()
		}
	}()

	logger.Info().Str("path", cfg.Database.Path).Msg("opening database")
	a.store, err = store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	memLogger := logging.Component(logger, "memory")
	long, closeLong, err := OpenLongTerm(ctx, cfg.Memory, a.store.DB(), memLogger)
	if err != nil {
		return nil, fmt.Errorf("app: long-term memory: %w", err)
	}
	a.closers = append(a.closers, closeLong)
	short, closeShort, err := OpenShortTerm(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("app: short-term memory: %w", err)
	}
	a.closers = append(a.closers, closeShort)
	a.memory = memory.NewStore(short, long, memory.StoreConfig{LookupLimit: cfg.Memory.LookupLimit}, memLogger)
	logger.Info().
		Str("short_term", cfg.Memory.ShortTerm).
		Str("long_term", cfg.Memory.LongTerm).
		Msg("memory store ready")

	gen, err := newGenerator(cfg.Generator)
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("generator", cfg.Generator.Provider).
		Str("classifier", cfg.Classifier.Provider).
		Msg("nlp providers ready")

	policy, err := cfg.Consolidation.Policy()
	if err != nil {
		return nil, err
	}

	consOpts := []consolidation.Option{consolidation.WithCheckpoints(a.store)}
	archiver, err := newArchiver(ctx, cfg.Consolidation.Archive)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		consOpts = append(consOpts, consolidation.WithArchiver(archiver))
		logger.Info().Str("bucket", cfg.Consolidation.Archive.Bucket).Msg("consolidation archive enabled")
	}
	if cfg.Consolidation.Summarise {
		consOpts = append(consOpts, consolidation.WithSummariser(gen))
	}
	retryCfg := retry.DefaultConfig
	retryCfg.MaxAttempts = cfg.Consolidation.RetryAttempts
	cons := consolidation.New(a.memory, consolidation.Config{Retry: retryCfg},
		logging.Component(logger, "consolidation"), consOpts...)

	a.manager = orchestrator.New(orchestrator.Config{
		GenerateTimeout:    cfg.Orchestrator.GenerateTimeout,
		ConsolidateTimeout: cfg.Orchestrator.ConsolidateTimeout,
		MaxTokens:          cfg.Orchestrator.MaxTokens,
		Temperature:        nlp.Float(cfg.Orchestrator.Temperature),
		SystemPrompt:       cfg.Orchestrator.SystemPrompt,
		IdleTimeout:        cfg.Orchestrator.IdleTimeout,
	}, a.memory, gen, cons, logging.Component(logger, "orchestrator"),
		orchestrator.WithClassifier(classifier),
		orchestrator.WithPolicy(policy),
	)
	logger.Info().Str("policy", policy.String()).Str("mode", cfg.Consolidation.Mode).Msg("orchestrator ready")

	a.conns = registry.New()
	if cfg.RateLimit.PerMinute > 0 {
		a.limiter = dispatch.NewRateLimiter(cfg.RateLimit.PerMinute, time.Minute)
		sw, err := consolidation.NewSweeper(consolidation.SweepFunc(func(context.Context) int {
			return a.limiter.Sweep()
		}), limiterSweepSchedule, logging.Component(logger, "ratelimit"))
		if err != nil {
			return nil, err
		}
		a.sweepers = append(a.sweepers, sw)
	}

	if cfg.Consolidation.Mode == config.ModeSweep {
		sw, err := consolidation.NewSweeper(a.manager, cfg.Consolidation.SweepSchedule,
			logging.Component(logger, "sweeper"))
		if err != nil {
			return nil, err
		}
		a.sweepers = append(a.sweepers, sw)
	}

	wsLogger := logging.Component(logger, "websocket")
	loop := dispatch.NewLoop(a.manager, a.conns, a.limiter, "websocket", wsLogger)
	a.ws = dispatch.NewWebSocketHandler(a.base, loop, dispatch.WebSocketConfig{
		ReadLimit:      cfg.Server.ReadLimit,
		PingInterval:   cfg.Server.PingInterval,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, wsLogger)

	a.http = NewHealthServer(cfg.Server.HTTPAddr, StatusDeps{
		Instances:   a.manager,
		Connections: a.conns,
		Memory:      a.memory,
		ShortTerm:   a.memory,
	}, logging.Component(logger, "http"))
	a.http.Handle(cfg.Server.WSPath, a.ws)

	if cfg.Matrix.Enabled {
		token, err := environment.Secret(cfg.Matrix.AccessTokenEnv)
		if err != nil {
			return nil, fmt.Errorf("app: matrix access token: %w", err)
		}
		a.matrix, err = matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: token,
			Rooms:       cfg.Matrix.Rooms,
			DB:          a.store.DB(),
		}, a.manager, a.limiter, logging.Component(logger, "matrix"))
		if err != nil {
			return nil, err
		}
	}

	if cfg.NATS.Enabled {
		a.nats = natsingress.New(natsingress.Config{
			URL:            cfg.NATS.URL,
			Subject:        cfg.NATS.Subject,
			Queue:          cfg.NATS.Queue,
			Name:           "kioku",
			RequestTimeout: cfg.Orchestrator.GenerateTimeout * 2,
		}, a.manager, a.limiter, logging.Component(logger, "nats"))
	}

	return a, nil
}

// Manager exposes the orchestrator, mainly for tests and embedding.
func (a *App) Manager() *orchestrator.Manager {
	return a.manager
}

// Ready is closed once Run has every component started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the HTTP listen address. It is only meaningful after Ready.
func (a *App) Addr() string {
	return a.http.Addr()
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down in order: stop accepting, close client
// connections, stop ingresses and sweepers, flush every instance, close
// storage.
func (a *App) Run(ctx context.Context) error {
	serveErr, err := a.http.Start()
	if err != nil {
		a.cancel()
		return errors.Join(err, a.Close())
	}

	if err := a.startIngresses(ctx); err != nil {
		return errors.Join(err, a.shutdown())
	}
	for _, sw := range a.sweepers {
		sw.Start()
	}
	if a.src != nil {
		a.src.Watch(logging.Component(a.logger, "config"), a.reload)
	}
	a.logger.Info().Str("addr", a.http.Addr()).Str("ws_path", a.cfg.Server.WSPath).Msg("kioku is running")
	close(a.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return <-serveErr
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})
	return g.Wait()
}

func (a *App) startIngresses(ctx context.Context) error {
	if a.matrix != nil {
		if err := a.matrix.Start(ctx); err != nil {
			return err
		}
	}
	if a.nats != nil {
		if err := a.nats.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reload applies a changed configuration. Only the consolidation policy is
// live; everything else needs a restart.
func (a *App) reload(cfg config.Config) {
	policy, err := cfg.Consolidation.Policy()
	if err != nil {
		a.logger.Warn().Err(err).Msg("reload: policy rejected")
		return
	}
	a.manager.SetPolicy(policy)
	a.logger.Info().Str("policy", policy.String()).Msg("consolidation policy reloaded")
}

func (a *App) shutdown() error {
	a.logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.cancel()
	a.ws.Wait()

	if a.matrix != nil {
		a.matrix.Stop()
	}
	if a.nats != nil {
		a.nats.Stop()
	}
	for _, sw := range a.sweepers {
		sw.Stop(ctx)
	}

	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, a.Close())
	a.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Close releases storage backends. Run calls it on shutdown; call it
// directly only for an App that was never run.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
