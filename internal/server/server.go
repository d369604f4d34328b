package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mihaisavezi/chat-bridge/internal/config"
	"github.com/mihaisavezi/chat-bridge/internal/conversation"
	"github.com/mihaisavezi/chat-bridge/internal/credentials"
	"github.com/mihaisavezi/chat-bridge/internal/handlers"
	"github.com/mihaisavezi/chat-bridge/internal/history"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
	"github.com/mihaisavezi/chat-bridge/internal/middleware"
	"github.com/mihaisavezi/chat-bridge/internal/providers"
	"github.com/mihaisavezi/chat-bridge/internal/service"
	"github.com/mihaisavezi/chat-bridge/internal/storage"
	"github.com/mihaisavezi/chat-bridge/internal/tokens"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	config *config.Manager
	logger *slog.Logger

	db            *bolt.DB
	credentials   *credentials.State
	credsPath     string
	conversations *conversation.Manager
	registry      *providers.Registry
	recorder      history.Recorder
	counter       *tokens.Counter

	handler http.Handler
}

type Option func(*Server)

// WithTokenCounter replaces the tiktoken counter; nil disables estimates.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(s *Server) { s.counter = c }
}

// New wires every component from the loaded configuration. Providers that
// fail to build are logged and left out so one bad entry does not keep the
// gateway down.
func New(configManager *config.Manager, logger *slog.Logger, opts ...Option) (*Server, error) {
	cfg := configManager.Get()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	s := &Server{
		config:      configManager,
		logger:      logger,
		credentials: credentials.NewState(),
		credsPath:   filepath.Join(configManager.DataDir(), credentials.DefaultFilename),
		counter:     tokens.NewCounter(logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStorage(cfg); err != nil {
		return nil, err
	}

	store, err := s.conversationStore(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.conversations = conversation.NewManager(store, logger,
		conversation.WithIdleTimeout(cfg.Conversation.IdleTimeout.Duration))

	if s.recorder, err = s.historyRecorder(cfg); err != nil {
		s.Close()
		return nil, err
	}

	if ok, err := credentials.LoadInto(s.credentials, s.credsPath); err != nil {
		logger.Warn("Ignoring stored credentials", "path", s.credsPath, "error", err)
	} else if !ok {
		logger.Warn("No vendor credentials stored yet", "path", s.credsPath)
	}

	s.registry = providers.NewRegistry(providers.NewFactory(providers.Dependencies{
		Credentials:   s.credentials,
		Conversations: s.conversations,
		Tokens:        s.counter,
		Retry:         providers.RetryPolicyFromConfig(cfg.Retry),
		Timeout:       cfg.RequestTimeout.Duration,
		Logger:        logger,
	}), logger)

	if err := s.registry.Sync(cfg.Providers, cfg.ActiveProvider); err != nil {
		logger.Error("Some providers could not be loaded", "error", err)
	}

	s.handler = s.setupRoutes()
	return s, nil
}

func (s *Server) needsBolt(cfg *config.Config) bool {
	return cfg.Conversation.Store == config.StoreBolt ||
		(cfg.History.Enabled && cfg.History.Store == config.StoreBolt)
}

func (s *Server) openStorage(cfg *config.Config) error {
	if !s.needsBolt(cfg) {
		return nil
	}

	db, err := storage.Open(filepath.Join(s.config.DataDir(), storage.DefaultFilename))
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Server) conversationStore(cfg *config.Config) (conversation.Store, error) {
	if cfg.Conversation.Store == config.StoreBolt {
		return conversation.NewBoltStore(s.db, s.logger)
	}
	return conversation.NewMemoryStore(), nil
}

func (s *Server) historyRecorder(cfg *config.Config) (history.Recorder, error) {
	switch {
	case !cfg.History.Enabled:
		return history.Nop, nil
	case cfg.History.Store == config.StoreBolt:
		return history.NewBoltRecorder(s.db, cfg.History.Limit)
	default:
		return history.NewLogRecorder(s.logger), nil
	}
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	chatHandler := handlers.NewChatHandler(s.registry, s.recorder, s.counter, s.logger)
	modelsHandler := handlers.NewModelsHandler(s.registry, s.logger)
	healthHandler := handlers.NewHealthHandler(s.registry, s.logger)

	adminOpts := handlers.AdminOptions{
		Config:          s.config,
		Providers:       s.registry,
		Credentials:     s.credentials,
		CredentialsPath: s.credsPath,
		Conversations:   s.conversations,
		Logger:          s.logger,
	}
	if reader, ok := s.recorder.(handlers.HistoryReader); ok {
		adminOpts.History = reader
	}
	adminHandler := handlers.NewAdminHandler(adminOpts)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux.Handle("GET /health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("POST /v1/chat/completions", middlewareSet.DefaultChain().Handler(chatHandler))
	mux.Handle("GET /v1/models", middlewareSet.DefaultChain().Handler(modelsHandler))
	mux.Handle("/admin/", middlewareSet.DefaultChain().Handler(adminHandler.Routes()))

	return mux
}

// Handler is the fully wrapped HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Start serves until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer s.Close()
	return s.Run(ctx)
}

// Run serves HTTP, sweeps idle conversations and reloads on SIGHUP until
// ctx ends or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.config.Get()
	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	group := service.Group{
		service.Func{ServiceName: "http", RunFunc: func(ctx context.Context) error {
			return s.serve(ctx, addr)
		}},
		conversation.NewSweeper(s.conversations, cfg.Conversation.SweepInterval.Duration, s.logger),
		service.Func{ServiceName: "reloader", RunFunc: s.reloadOnHangup},
	}

	err := group.Run(ctx)
	s.logger.Info("Server exited")
	return err
}

func (s *Server) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) reloadOnHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := s.Reload(); err != nil {
				s.logger.Error("Reload failed", logger.Err(err))
			}
		}
	}
}

// Reload re-reads the configuration and credentials files and swaps the
// provider table. Requests already in flight finish on the providers they
// started with. Storage and listener settings need a restart.
func (s *Server) Reload() error {
	cfg, err := s.config.Load()
	if err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reloaded configuration is invalid: %w", err)
	}

	if _, err := credentials.LoadInto(s.credentials, s.credsPath); err != nil {
		s.logger.Warn("Keeping previous credentials", "error", err)
	}

	if err := s.registry.Sync(cfg.Providers, cfg.ActiveProvider); err != nil {
		s.logger.Error("Some providers could not be reloaded", "error", err)
	}

	s.logger.Info("Configuration reloaded", "providers", len(cfg.Providers), "active", s.registry.ActiveID())
	return nil
}

// Close releases the storage file.
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}
