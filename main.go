// Package main runs the ensemble matching service: the HTTP API for postings
// and applications, plus the background jobs that deliver committed changes
// to the search index, bookmark counters and notification emails.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"ensemble-matcher/auth"
	"ensemble-matcher/bookmarks"
	"ensemble-matcher/chat"
	"ensemble-matcher/email"
	"ensemble-matcher/events"
	"ensemble-matcher/notify"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/postings"
	"ensemble-matcher/profiles"
	"ensemble-matcher/search"
	"ensemble-matcher/server"
	"ensemble-matcher/store"
	"ensemble-matcher/workflow"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(".env")
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to release resources", "error", err)
		}
	}()

	sched, err := a.schedule(ctx, cfg)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	return a.server.ListenAndServe(ctx, cfg.Port)
}

// app holds the wired service.
type app struct {
	store      store.Store
	mail       email.Provider
	dispatcher *events.Dispatcher
	indexer    *search.Indexer
	server     *server.Server
	verifier   *auth.Verifier
	storage    *storage.Client
	redis      *redis.Client
	logger     *slog.Logger
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close())
		}
	}()

	if a.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	runner := store.NewRunner(a.store, store.RunnerConfig{
		Attempts: cfg.TxMaxAttempts,
		Delay:    cfg.TxBaseDelay,
		MaxDelay: cfg.TxMaxDelay,
	}, logger)

	mirror, err := a.openMirror(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.indexer = search.NewIndexer(mirror, a.store, logger)

	if a.mail, err = newEmailProvider(ctx, cfg, logger); err != nil {
		return nil, err
	}
	sender := email.New(email.NewBreakerProvider(a.mail, email.BreakerSettings{
		Name:        cfg.EmailProvider,
		Failures:    cfg.BreakerFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger), logger, cfg.BaseURL)

	profileSvc := profiles.New(runner, a.store)

	a.dispatcher = events.New(a.store, logger)
	a.dispatcher.Subscribe(ensemble.Postings, a.indexer)
	a.dispatcher.Subscribe(ensemble.Bookmarks, bookmarks.NewCounter(runner, logger))
	a.dispatcher.Subscribe(ensemble.Notifications, email.NewNotifier(sender, profileSvc, logger))

	a.verifier = auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	a.server = server.New(&server.Config{
		Workflow:      workflow.New(&workflow.Config{Runner: runner, Reader: a.store, Logger: logger}),
		Postings:      postings.New(runner, a.store, logger),
		Notifications: notify.NewFeed(a.store, runner),
		Bookmarks:     bookmarks.New(runner, a.store),
		Profiles:      profileSvc,
		ChatRooms:     chat.NewService(a.store, runner),
		Poller:        a.dispatcher,
		Verifier:      a.verifier,
		Limiter:       a.newLimiter(ctx, cfg),
		Logger:        logger,
	})
	return a, nil
}

// schedule registers the change delivery and reindex jobs.
func (a *app) schedule(ctx context.Context, cfg *Config) (*events.Scheduler, error) {
	sched := events.NewScheduler(ctx, a.logger)
	if err := sched.Add(cfg.DispatchSchedule, "dispatch", a.dispatcher.CheckAll); err != nil {
		return nil, err
	}
	if err := sched.Add(cfg.ReindexSchedule, "reindex", a.indexer.Reindex); err != nil {
		return nil, err
	}
	return sched, nil
}

// Close releases the store and client connections.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("No DATABASE_URL set, using in-memory store (data is lost on restart)")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to Postgres")
	return pg, nil
}

func (a *app) openMirror(ctx context.Context, cfg *Config) (*search.Mirror, error) {
	if cfg.LocalStorage != "" {
		a.logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return search.NewMirror(nil, "", cfg.LocalStorage, a.logger), nil
	}

	var opts []option.ClientOption
	if cfg.GoogleCredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize storage client: %w", err)
	}
	a.storage = client
	return search.NewMirror(client, cfg.StorageBucket, "", a.logger), nil
}

func newEmailProvider(ctx context.Context, cfg *Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.EmailProvider {
	case "brevo":
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, cfg.MailFrom, cfg.MailFromName, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Cloud Run supplies Application Default Credentials through its service account
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

// newLimiter picks the shared Redis limiter when REDIS_ADDR is set and
// reachable, otherwise a per-instance one.
func (a *app) newLimiter(ctx context.Context, cfg *Config) server.Limiter {
	if !cfg.rateLimited() {
		return nil
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			a.redis = client
			a.logger.Info("Using Redis rate limiter", "addr", cfg.RedisAddr)
			return server.NewRedisLimiter(client, cfg.RateLimitBurst, cfg.RateLimitWin)
		}
		a.logger.Warn("Redis unreachable, falling back to in-memory rate limiter", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
	}
	return server.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}
