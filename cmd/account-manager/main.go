package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wrale/oauth2-account-manager/internal/account"
	"github.com/wrale/oauth2-account-manager/internal/flowstate"
	"github.com/wrale/oauth2-account-manager/internal/oauth"
	"github.com/wrale/oauth2-account-manager/internal/storage"
)

// Version is set by the build process
var Version = "dev"

func main() {
	// Load configuration from environment
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("account manager stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := newApp(ctx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer a.close()

	// Create HTTP server with proper timeout configurations
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.server.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("server listening", "port", cfg.Port, "version", Version, "session_store", cfg.SessionStore)
		serverErrors <- httpServer.ListenAndServe()
	}()

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting server: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("starting shutdown", "signal", sig.String())

		// Shutdown does not close hijacked websocket connections
		a.server.events.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutting down server", "error", err)
			if err := httpServer.Close(); err != nil {
				logger.Error("closing server", "error", err)
			}
		}
	}

	return nil
}

// app holds the wired daemon and whatever must be released on exit
type app struct {
	server  *server
	manager *account.Manager
	closers []func()
}

// newApp builds every collaborator from cfg and initializes the account
// manager. The caller must call close.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		a.onClose(func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("closing Redis connection", "error", err)
			}
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
	}

	var stateStore flowstate.Store = flowstate.NewMemoryStore()
	if redisClient != nil {
		stateStore = flowstate.NewRedisStore(redisClient)
	}
	states, err := flowstate.NewManager(stateStore, []byte(cfg.FlowStateSecret), cfg.FlowStateTTL)
	if err != nil {
		return nil, fmt.Errorf("creating flow state manager: %w", err)
	}

	sessions, err := a.openSessionStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return nil, err
	}

	provider, err := oauth.NewKeycloakProvider(oauth.KeycloakConfig{
		Config: oauth.Config{
			ClientID:     cfg.KeycloakClientID,
			ClientSecret: cfg.KeycloakClientSecret,
			BaseURL:      cfg.KeycloakURL,
			RedirectURI:  cfg.RedirectURL,
		},
		Realm: cfg.KeycloakRealm,
	}, states, oauth.WithLogger(logger.With("component", "keycloak")))
	if err != nil {
		return nil, fmt.Errorf("creating Keycloak provider: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := account.NewManager(provider, sessions,
		account.WithLogger(logger.With("component", "account")),
		account.WithMetrics(account.NewMetrics(registry)),
		account.WithScopes(cfg.Scopes...),
		account.WithDevice(deviceConfig(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating account manager: %w", err)
	}
	a.manager = manager
	a.onClose(manager.Close)

	srv, err := newServer(cfg, serverDeps{
		manager:  manager,
		provider: provider,
		storage:  sessions,
		states:   states,
		registry: registry,
		logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	a.server = srv
	a.onClose(srv.events.Close)

	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing account manager: %w", err)
	}
	logger.Info("account manager initialized", "state", manager.State())

	return a, nil
}

// openSessionStore selects the session storage backend named by cfg
func (a *app) openSessionStore(ctx context.Context, cfg Config, redisClient *redis.Client, logger *slog.Logger) (storage.Store, error) {
	switch cfg.SessionStore {
	case storeRedis:
		return storage.NewRedisStore(redisClient, cfg.SessionKey)

	case storeFile:
		path := cfg.SessionFile
		if !filepath.IsAbs(path) {
			dir, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("locating config directory: %w", err)
			}
			path = filepath.Join(dir, path)
		}
		return storage.NewFileStore(path)

	case storePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to Postgres: %w", err)
		}
		a.onClose(pool.Close)

		store, err := storage.NewPostgresStore(pool, cfg.SessionKey)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("preparing Postgres schema: %w", err)
		}
		return store, nil

	default:
		logger.Warn("using in-memory session storage; sessions are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func deviceConfig(cfg Config) account.DeviceConfig {
	caps := make([]oauth.DeviceCapability, 0, len(cfg.DeviceCapabilities))
	for _, c := range cfg.DeviceCapabilities {
		caps = append(caps, oauth.DeviceCapability(c))
	}
	return account.DeviceConfig{
		Name:         cfg.DeviceName,
		Type:         oauth.DeviceType(cfg.DeviceType),
		Capabilities: caps,
	}
}
