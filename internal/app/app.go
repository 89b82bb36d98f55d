// Package app wires the forum services together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"anon-forum/internal/config"
	"anon-forum/internal/engine"
	"anon-forum/internal/feed"
	"anon-forum/internal/handlers"
	"anon-forum/internal/identity"
	"anon-forum/internal/media"
	"anon-forum/internal/middleware"
	"anon-forum/internal/posts"
	"anon-forum/internal/store"
	"anon-forum/internal/store/memstore"
	"anon-forum/internal/store/mongostore"
	"anon-forum/internal/threads"
	"anon-forum/internal/utils"
	"anon-forum/internal/voting"
	"anon-forum/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
)

type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *utils.MetricsCollector

	Store    store.DocumentStore
	System   *actor.ActorSystem
	Engine   *engine.Engine
	Identity *identity.Provider
	Feed     *feed.Manager
	Voting   *voting.Engine
	Threads  *threads.Aggregator
	Posts    *posts.Service
	Media    media.Uploader
	Hub      *websocket.Hub
	Server   *handlers.Server
	Limiter  *middleware.RateLimiter
}

// OpenStore connects the store selected by cfg.
func OpenStore(ctx context.Context, cfg *config.StoreConfig, logger *slog.Logger) (store.DocumentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "mongo":
		st, err := mongostore.New(ctx, cfg.URI, cfg.Name, logger)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			st.Close(ctx)
			return nil, err
		}
		return st, nil
	case "memory", "":
		logger.Warn("using in-memory store, data is lost on exit")
		return memstore.New(memstore.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

// New builds every component. The caller owns the returned App and must
// Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a, err := NewWithStore(cfg, st, logger)
	if err != nil {
		st.Close(ctx)
		return nil, err
	}
	return a, nil
}

// NewWithStore builds every component on top of an open store.
func NewWithStore(cfg *config.Config, st store.DocumentStore, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := threads.ParsePolicy(cfg.Forum.ReplyCountPolicy)
	if err != nil {
		return nil, err
	}
	provider, err := identity.NewProvider([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, identity.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  utils.NewMetricsCollector(),
		Store:    st,
		Identity: provider,
	}
	a.Feed = feed.NewManager(st, logger, a.Metrics)
	a.Voting = voting.NewEngine(st, voting.Options{
		MaxRetries: cfg.Forum.VoteMaxRetries,
		Logger:     logger,
		Metrics:    a.Metrics,
	})
	a.Threads = threads.New(st, a.Feed, threads.Options{
		Policy:     policy,
		MaxRetries: cfg.Forum.VoteMaxRetries,
		Logger:     logger,
		Metrics:    a.Metrics,
	})
	a.Posts = posts.NewService(st, posts.Options{
		CascadeReplies: cfg.Forum.CascadeReplies,
		Logger:         logger,
		Metrics:        a.Metrics,
	})

	if policy == threads.PolicyReconcile {
		a.System = actor.NewActorSystem()
		a.Engine = engine.NewEngine(a.System, a.Threads.ReconcileReplyCount, engine.Options{
			Coalesce: time.Second,
			Logger:   logger,
			Metrics:  a.Metrics,
		})
		a.Threads.SetRepairer(a.Engine)
	}

	mediaDir := ""
	if cfg.Media.CloudinaryURL != "" {
		a.Media, err = media.NewCloudinary(cfg.Media.CloudinaryURL, "", logger)
	} else {
		var local *media.LocalUploader
		local, err = media.NewLocal(cfg.Media.Dir, "/media", logger)
		if local != nil {
			a.Media = local
			mediaDir = local.Dir()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set up media uploads: %w", err)
	}

	a.Hub = websocket.NewHub(websocket.Backend{
		Feed:     a.Feed,
		Threads:  a.Threads,
		Identity: a.Identity,
	}, logger, a.Metrics)

	if cfg.Server.RateLimit > 0 {
		a.Limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, time.Minute)
	}

	srv := &handlers.Server{
		Posts:    a.Posts,
		Feed:     a.Feed,
		Voting:   a.Voting,
		Threads:  a.Threads,
		Identity: a.Identity,
		Media:    a.Media,
		Hub:      a.Hub,
		Engine:   a.Engine,
		Limiter:  a.Limiter,
		CORS:     middleware.DefaultCORSConfig(cfg.AllowedOrigins),
		Logger:   logger,
		MediaDir: mediaDir,
	}
	if cfg.Server.MetricsEnabled {
		srv.Metrics = a.Metrics
	}
	a.Server = handlers.NewServer(srv)
	return a, nil
}

// Run serves HTTP until ctx ends, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.Hub.Run(ctx)
	changes, stopChanges := a.Identity.Changes(64)
	defer stopChanges()
	go a.Hub.WatchAuth(ctx, changes)
	if a.Limiter != nil {
		go a.sweepLimiter(ctx)
	}

	httpServer := &http.Server{
		Addr:              a.Config.Address(),
		Handler:           a.Server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("starting server", "addr", httpServer.Addr, "store", a.Config.Store.Type, "reply_count_policy", a.Threads.Policy())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Limiter.Sweep()
		}
	}
}

// Close stops the actors and releases the store.
func (a *App) Close(ctx context.Context) error {
	if a.Engine != nil {
		a.Engine.Shutdown()
	}
	return a.Store.Close(ctx)
}
