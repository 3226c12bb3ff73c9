// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/api"
	"github.com/boardscout/pipeline/internal/clock/system"
	"github.com/boardscout/pipeline/internal/config"
	"github.com/boardscout/pipeline/internal/consumer"
	iduuid "github.com/boardscout/pipeline/internal/id/uuid"
	"github.com/boardscout/pipeline/internal/logging"
	"github.com/boardscout/pipeline/internal/metrics"
	qmemory "github.com/boardscout/pipeline/internal/queue/memory"
	qpubsub "github.com/boardscout/pipeline/internal/queue/pubsub"
	"github.com/boardscout/pipeline/internal/ratelimit"
	"github.com/boardscout/pipeline/internal/scrape"
	"github.com/boardscout/pipeline/internal/scrapeclient"
	"github.com/boardscout/pipeline/internal/seeder"
	"github.com/boardscout/pipeline/internal/storage/gcs"
	"github.com/boardscout/pipeline/internal/storage/local"
	smemory "github.com/boardscout/pipeline/internal/storage/memory"
	"github.com/boardscout/pipeline/internal/storage/postgres"
)

// App holds the shared, long-lived services for the pipeline. It is
// initialized once at startup, fails fast when any critical dependency
// cannot be constructed, and is closed by a Cobra hook on exit.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    scrape.StateStore
	blobs    scrape.BlobStore
	producer scrape.Producer
	receiver scrape.Consumer
	limiter  *ratelimit.Limiter
	scraper  scrape.Scraper
	clock    scrape.Clock
	ids      scrape.IDGenerator

	closers []func()
}

// New constructs the container from configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    iduuid.NewGenerator(),
	}

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initLimiter(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initBlobs(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initScraper(); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("db", cfg.DB.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("redis_window", cfg.Redis.Enabled))
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Provider {
	case "postgres":
		store, err := postgres.NewStateStore(ctx, postgres.StateStoreConfig{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("init postgres state store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	case "memory":
		a.store = smemory.NewStateStore()
	default:
		return fmt.Errorf("unknown db provider: %s", a.cfg.DB.Provider)
	}
	return nil
}

func (a *App) initLimiter() error {
	var window ratelimit.Window
	if a.cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				a.logger.Warn("error closing redis client", zap.Error(err))
			}
		})
		window = ratelimit.NewRedisWindow(rdb)
	} else {
		window = ratelimit.NewMemoryWindow()
	}
	a.limiter = ratelimit.New(window, a.store, a.clock, ratelimit.Config{
		DefaultRPS:        a.cfg.Limiter.DefaultRPS,
		ConfigTTL:         time.Duration(a.cfg.Limiter.ConfigTTLSeconds) * time.Second,
		KeyPrefix:         a.cfg.Limiter.WindowKeyPrefix,
		WindowTTL:         time.Duration(a.cfg.Limiter.WindowTTLSeconds) * time.Second,
		UsageWriteback:    a.cfg.Limiter.UsageWriteback,
		DenyOnWindowError: a.cfg.Limiter.DenyOnWindowError,
	}, a.logger)
	return nil
}

func (a *App) initQueue(ctx context.Context) error {
	switch a.cfg.Queue.Provider {
	case "pubsub":
		q, err := qpubsub.New(ctx, qpubsub.Config{
			ProjectID:      a.cfg.Queue.ProjectID,
			TopicID:        a.cfg.Queue.TopicID,
			SubscriptionID: a.cfg.Queue.SubscriptionID,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		a.producer = q
		a.receiver = q
		a.closers = append(a.closers, func() {
			if err := q.Close(); err != nil {
				a.logger.Warn("error closing pubsub queue", zap.Error(err))
			}
		})
	case "memory":
		q := qmemory.NewQueue(a.cfg.Queue.MemoryDepth)
		a.producer = q
		a.receiver = q
		a.closers = append(a.closers, q.Close)
	default:
		return fmt.Errorf("unknown queue provider: %s", a.cfg.Queue.Provider)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("error closing gcs client", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.blobs = store
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.blobs = store
	case "noop":
		a.blobs = scrape.NoopBlobStore{}
	default:
		return fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
	return nil
}

func (a *App) initScraper() error {
	client, err := scrapeclient.New(scrapeclient.Config{
		BaseURL:     a.cfg.Collaborator.BaseURL,
		APIKey:      a.cfg.Collaborator.APIKey,
		Timeout:     a.cfg.ScrapeTimeout(),
		RecordLimit: a.cfg.Collaborator.RecordLimit,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("init collaborator client: %w", err)
	}
	a.scraper = client
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured state store.
func (a *App) Store() scrape.StateStore {
	return a.store
}

// Producer returns the configured queue producer.
func (a *App) Producer() scrape.Producer {
	return a.producer
}

// Consumer builds the orchestrator from the container's services.
func (a *App) Consumer() *consumer.Consumer {
	return consumer.New(
		a.receiver,
		a.producer,
		a.limiter,
		a.scraper,
		a.store,
		a.blobs,
		a.clock,
		a.ids,
		consumer.Config{
			BatchSize:      a.cfg.Consumer.BatchSize,
			MaxAttempts:    a.cfg.Consumer.MaxAttempts,
			BackoffBase:    time.Duration(a.cfg.Consumer.BackoffBaseSeconds) * time.Second,
			BackoffCap:     time.Duration(a.cfg.Consumer.BackoffCapSeconds) * time.Second,
			MaxRateWait:    time.Duration(a.cfg.Consumer.MaxRateWaitSeconds) * time.Second,
			BatchTimeout:   a.cfg.BatchTimeout(),
			StorageRetries: a.cfg.Consumer.StorageRetries,
			BlobPrefix:     a.cfg.Storage.Prefix,
		},
		a.logger,
	)
}

// Seeder builds the plan seeder from the container's services.
func (a *App) Seeder() *seeder.Seeder {
	return seeder.New(a.producer, a.store, a.clock, seeder.Config{
		PublishRPS:      a.cfg.Seeder.PublishRPS,
		PublishBurst:    a.cfg.Seeder.PublishBurst,
		FreshnessWindow: a.cfg.FreshnessWindow(),
	}, a.logger)
}

// APIServer builds the operator HTTP server.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.store, a.limiter, a.clock, a.cfg, a.logger)
}

// Close shuts down services in reverse construction order and flushes
// the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// Sync regularly fails on stderr; best effort only.
	_ = a.logger.Sync()
}
