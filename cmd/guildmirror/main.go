// Command guildmirror serves a local, eventually consistent mirror of Guild
// Wars 2 guilds over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/benbjohnson/clock"
	"github.com/illmade-knight/go-guildmirror/pkg/bqstore"
	"github.com/illmade-knight/go-guildmirror/pkg/cache"
	"github.com/illmade-knight/go-guildmirror/pkg/enrichment"
	"github.com/illmade-knight/go-guildmirror/pkg/events"
	"github.com/illmade-knight/go-guildmirror/pkg/icestore"
	"github.com/illmade-knight/go-guildmirror/pkg/items"
	"github.com/illmade-knight/go-guildmirror/pkg/lottery"
	"github.com/illmade-knight/go-guildmirror/pkg/microservice"
	"github.com/illmade-knight/go-guildmirror/pkg/ratelimit"
	"github.com/illmade-knight/go-guildmirror/pkg/refresh"
	"github.com/illmade-knight/go-guildmirror/pkg/remote"
	"github.com/illmade-knight/go-guildmirror/pkg/retry"
	"github.com/illmade-knight/go-guildmirror/pkg/singleflight"
	"github.com/illmade-knight/go-guildmirror/pkg/store/sqlite"
	"github.com/illmade-knight/go-guildmirror/pkg/types"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "guildmirror").Logger()

	cfg, err := microservice.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration.")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	logger = logger.Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Guild mirror stopped with an error.")
	}
	logger.Info().Msg("Guild mirror stopped.")
}

// app collects shutdown hooks in construction order.
type app struct {
	logger  zerolog.Logger
	closers []func(ctx context.Context) error
}

func (a *app) onShutdown(f func(ctx context.Context) error) {
	a.closers = append(a.closers, f)
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg *microservice.Config, logger zerolog.Logger) (err error) {
	a := &app{logger: logger}
	defer func() {
		err = errors.Join(err, a.shutdown())
	}()

	db, err := sqlite.Open(ctx, cfg.DatabasePath, int(cfg.BusyTimeout/time.Millisecond), logger)
	if err != nil {
		return err
	}
	a.onShutdown(func(context.Context) error { return db.Close() })

	limiter, err := ratelimit.New(cfg.RateLimitBurst, cfg.RateLimitPerSec, logger)
	if err != nil {
		return err
	}
	remoteCfg := remote.DefaultConfig()
	remoteCfg.APIKey = cfg.APIKey
	remoteCfg.BaseURL = cfg.BaseURL
	client, err := remote.New(remoteCfg, limiter, logger)
	if err != nil {
		return err
	}

	var fsClient *firestore.Client
	if cfg.ItemBackend == microservice.BackendFirestore || cfg.StatusBackend == microservice.BackendFirestore {
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("create firestore client: %w", err)
		}
		a.onShutdown(func(context.Context) error { return fsClient.Close() })
	}

	itemStore, err := newItemStore(ctx, a, cfg, db, fsClient)
	if err != nil {
		return err
	}
	itemService := items.NewService(itemStore, client, items.DefaultBatchConcurrency, logger)

	status, err := newStatusCache(ctx, a, cfg, fsClient)
	if err != nil {
		return err
	}

	executor := retry.New(retry.WithLogger(logger))
	var sinks []refresh.Sink

	var lotterySvc *lottery.Service
	if cfg.LotteryEnabled {
		lotteryCfg := lottery.Config{}
		if len(cfg.OfficerRanks) > 0 {
			lotteryCfg.OfficerRanks = cfg.OfficerRanks
		}
		lotterySvc = lottery.NewService(lotteryCfg, db, executor, logger)
		sinks = append(sinks, lottery.NewStashSink(lotterySvc))
	}

	if cfg.ArchiveBucket != "" {
		sink, err := newArchiveSink(ctx, a, cfg, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	if cfg.LedgerDataset != "" {
		sink, err := newLedgerSink(ctx, a, cfg, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	var psClient *pubsub.Client
	if cfg.EventsTopic != "" || cfg.RefreshSubscription != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		a.onShutdown(func(context.Context) error { return psClient.Close() })
	}

	if cfg.EventsTopic != "" {
		sink, err := newEventsSink(ctx, a, cfg, psClient, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	coordinator := refresh.NewCoordinator(refresh.Config{
		GuildIDs:       cfg.GuildIDs,
		StaleAfter:     cfg.StaleAfter,
		RefreshTimeout: cfg.RefreshTimeout,
	}, db, client, executor, logger,
		refresh.WithEnricher(enrichment.NewItemNameEnricher(itemService, logger)),
		refresh.WithStatusCache(status),
		refresh.WithSinks(sinks...),
	)
	a.onShutdown(coordinator.Close)

	server := microservice.NewBaseServer(logger, cfg.HTTPPort)
	api := &microservice.API{
		Guilds:   coordinator,
		Children: db,
		Items:    itemService,
		Store:    db,
		Retry:    executor,
		Logger:   logger.With().Str("component", "API").Logger(),
	}
	if lotterySvc != nil {
		api.Lottery = lotterySvc
	}
	api.Register(server.Mux())
	if err := server.Start(); err != nil {
		return err
	}
	a.onShutdown(server.Shutdown)

	if cfg.RefreshSubscription != "" {
		consumer, err := events.NewRefreshRequestConsumer(ctx, events.ConsumerConfig{SubscriptionID: cfg.RefreshSubscription}, psClient, coordinator, logger)
		if err != nil {
			return err
		}
		consumer.Start(ctx)
		a.onShutdown(consumer.Stop)
	}

	if cfg.RefreshInterval > 0 {
		tickCtx, stopTicking := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			refreshPeriodically(tickCtx, coordinator, cfg.RefreshInterval, logger)
		}()
		a.onShutdown(func(shutdownCtx context.Context) error {
			stopTicking()
			select {
			case <-done:
				return nil
			case <-shutdownCtx.Done():
				return fmt.Errorf("periodic refresh did not stop: %w", shutdownCtx.Err())
			}
		})
	}

	logger.Info().Str("port", server.GetHTTPPort()).Int("guilds", len(cfg.GuildIDs)).Msg("Guild mirror is running.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	return nil
}

func newItemStore(ctx context.Context, a *app, cfg *microservice.Config, db *sqlite.Store, fsClient *firestore.Client) (singleflight.Store[int, types.Item], error) {
	var backing singleflight.Store[int, types.Item]
	switch cfg.ItemBackend {
	case microservice.BackendSQLite:
		backing = db.Items()
	case microservice.BackendMemory:
		backing = cache.NewInMemoryStore[int, types.Item]()
	case microservice.BackendRedis:
		rs, err := cache.NewRedisStore[int, types.Item](ctx, &cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "item:",
			CacheTTL:  cfg.RedisTTL,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.onShutdown(func(context.Context) error { return rs.Close() })
		backing = rs
	case microservice.BackendFirestore:
		fs, err := cache.NewFirestoreStore[int, types.Item](&cache.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.ItemsCollection,
		}, fsClient, a.logger)
		if err != nil {
			return nil, err
		}
		backing = fs
	default:
		return nil, fmt.Errorf("unknown item backend %q", cfg.ItemBackend)
	}
	if cfg.ItemCacheSize <= 0 {
		return backing, nil
	}
	return cache.NewLRUStore[int, types.Item](cfg.ItemCacheSize, backing)
}

func newStatusCache(ctx context.Context, a *app, cfg *microservice.Config, fsClient *firestore.Client) (cache.PresenceCache[string, types.RefreshStatus], error) {
	var pc cache.PresenceCache[string, types.RefreshStatus]
	switch cfg.StatusBackend {
	case microservice.BackendMemory:
		pc = cache.NewInMemoryPresenceCache[string, types.RefreshStatus]()
	case microservice.BackendRedis:
		rc, err := cache.NewRedisPresenceCache[string, types.RefreshStatus](ctx, &cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "refresh-status:",
		}, a.logger)
		if err != nil {
			return nil, err
		}
		pc = rc
	case microservice.BackendFirestore:
		fc, err := cache.NewFirestorePresenceCache[string, types.RefreshStatus](&cache.FirestoreConfig{
			ProjectID:      cfg.ProjectID,
			CollectionName: cfg.StatusCollection,
		}, fsClient, a.logger)
		if err != nil {
			return nil, err
		}
		pc = fc
	default:
		return nil, fmt.Errorf("unknown status backend %q", cfg.StatusBackend)
	}
	a.onShutdown(func(context.Context) error { return pc.Close() })
	return pc, nil
}

func newArchiveSink(ctx context.Context, a *app, cfg *microservice.Config, logger zerolog.Logger) (refresh.Sink, error) {
	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	a.onShutdown(func(context.Context) error { return gcs.Close() })

	uploader, err := icestore.NewGCSUploader(icestore.NewGCSClientAdapter(gcs), icestore.GCSUploaderConfig{
		BucketName:   cfg.ArchiveBucket,
		ObjectPrefix: cfg.ArchivePrefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	batcher := icestore.NewBatcher(icestore.BatcherConfig{
		BatchSize:     cfg.ArchiveBatchSize,
		FlushInterval: cfg.ArchiveFlushInterval,
	}, uploader, clock.New(), logger)
	// The worker outlives the signal context so refreshes draining during
	// shutdown are still archived; Stop ends it.
	batcher.Start(context.WithoutCancel(ctx))
	a.onShutdown(batcher.Stop)
	return icestore.NewArchiveSink(batcher), nil
}

func newLedgerSink(ctx context.Context, a *app, cfg *microservice.Config, logger zerolog.Logger) (refresh.Sink, error) {
	bq, err := bqstore.NewProductionBigQueryClient(ctx, cfg.ProjectID, cfg.CredentialsFile, logger)
	if err != nil {
		return nil, err
	}
	a.onShutdown(func(context.Context) error { return bq.Close() })

	inserter, err := bqstore.NewBigQueryInserter[bqstore.LedgerRow](ctx, bq, &bqstore.BigQueryDatasetConfig{
		DatasetID: cfg.LedgerDataset,
		TableID:   cfg.LedgerTable,
	}, logger)
	if err != nil {
		return nil, err
	}
	batcher, err := bqstore.NewBatcher[bqstore.LedgerRow](bqstore.BatchInserterConfig{
		BatchSize:     cfg.ArchiveBatchSize,
		FlushInterval: cfg.ArchiveFlushInterval,
	}, inserter, clock.New(), logger)
	if err != nil {
		return nil, err
	}
	batcher.Start(context.WithoutCancel(ctx))
	a.onShutdown(batcher.Stop)
	return bqstore.NewLedgerSink(batcher), nil
}

func newEventsSink(ctx context.Context, a *app, cfg *microservice.Config, psClient *pubsub.Client, logger zerolog.Logger) (refresh.Sink, error) {
	publisher, err := events.NewGoogleSimplePublisher(ctx, events.PublisherConfig{TopicID: cfg.EventsTopic}, psClient, logger)
	if err != nil {
		return nil, err
	}
	a.onShutdown(publisher.Stop)
	return events.NewRefreshNotifier(publisher, cfg.EventsOnlyWithLogs, logger), nil
}

// refreshPeriodically triggers a refresh of every tracked guild on each tick.
func refreshPeriodically(ctx context.Context, c *refresh.Coordinator, every time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshAll(ctx, false); err != nil {
				logger.Warn().Err(err).Msg("Periodic refresh reported errors.")
			}
		}
	}
}
