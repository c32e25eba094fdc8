// Package bootstrap provides dependency initialization for the Manim Studio client.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maauso/manimstudio/internal/api"
	"github.com/maauso/manimstudio/internal/config"
	"github.com/maauso/manimstudio/internal/generation"
	"github.com/maauso/manimstudio/internal/library"
	"github.com/maauso/manimstudio/internal/poll"
	"github.com/maauso/manimstudio/internal/server"
	"github.com/maauso/manimstudio/internal/session"
	"github.com/maauso/manimstudio/internal/storage"
)

// archiveTimeout bounds an automatic archive after delivery.
const archiveTimeout = 5 * time.Minute

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Session   *session.Session
	Sessions  *session.Manager
	Client    *api.HTTPClient
	Generator *generation.Orchestrator
	Library   *library.Library
	Router    http.Handler

	logger *slog.Logger
	redis  *redis.Client
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{logger: logger}

	// Initialize session persistence
	store, err := deps.initSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	deps.Session = session.New(store, logger)

	// Initialize backend client
	client, err := api.NewClient(cfg.APIBaseURL, deps.Session,
		api.WithTimeout(cfg.RequestTimeout),
		api.WithLogger(logger),
	)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	deps.Client = client
	deps.Sessions = session.NewManager(deps.Session, client, logger)

	// Initialize archive storage and video library
	archive, err := initStorage(cfg, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Library = library.New(client,
		library.WithStorage(archive),
		library.WithLogger(logger),
	)

	// Initialize generation orchestrator
	scheduler := poll.NewScheduler(client, poll.WithLogger(logger))
	opts := []generation.Option{generation.WithLogger(logger)}
	if cfg.AutoArchive {
		opts = append(opts, generation.WithDeliveryHandler(deps.archiveDelivery))
	}
	deps.Generator = generation.NewOrchestrator(client, scheduler, opts...)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Sessions, deps.Generator, deps.Library, client, logger)
	deps.Router = server.NewRouter(handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
	})

	return deps, nil
}

// WatchExpiry discards the current generation and its history whenever the
// backend rejects the session. It returns when ctx is done.
func (d *Dependencies) WatchExpiry(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-d.Session.Expired():
			d.logger.Warn("session expired, discarding current generation",
				slog.String("reason", api.Message(reason, "unauthorized")),
			)
			if err := d.Generator.Clear(ctx); err != nil {
				d.logger.Error("failed to clear generation history",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close releases external connections.
func (d *Dependencies) Close() {
	if d.redis == nil {
		return
	}
	if err := d.redis.Close(); err != nil {
		d.logger.Warn("failed to close redis client",
			slog.String("error", err.Error()),
		)
	}
	d.redis = nil
}

// archiveDelivery saves completed videos to archive storage.
func (d *Dependencies) archiveDelivery(del generation.Delivery) {
	if del.Kind != poll.KindCompleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	archived, err := d.Library.Archive(ctx, del.Job.ID)
	if err != nil {
		d.logger.Error("automatic archive failed",
			slog.Int64("video_id", del.Job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.Info("video archived",
		slog.Int64("video_id", archived.VideoID),
		slog.String("location", archived.Location),
	)
}

// initSessionStore creates the session store selected by SESSION_STORE.
func (d *Dependencies) initSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.SessionStoreMemory:
		d.logger.Warn("session store is in memory; sessions will not survive a restart")
		return session.NewMemoryStore(), nil
	case config.SessionStoreRedis:
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d.logger.Info("redis session store configured",
			slog.String("addr", cfg.RedisAddr),
			slog.Int("db", cfg.RedisDB),
		)
		return session.NewRedisStore(d.redis, cfg.RedisKeyPrefix), nil
	default:
		store, err := session.NewFileStore(cfg.SessionFile)
		if err != nil {
			return nil, fmt.Errorf("create session file store: %w", err)
		}
		d.logger.Info("file session store configured",
			slog.String("path", cfg.SessionFile),
		)
		return store, nil
	}
}

// initStorage creates the appropriate archive backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(context.Background(), s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("output_dir", localStore.Dir()),
	)
	return localStore, nil
}
