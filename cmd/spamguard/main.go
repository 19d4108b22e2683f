package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"spamguard/internal/admin"
	"spamguard/internal/api"
	"spamguard/internal/config"
	"spamguard/internal/detector"
	"spamguard/internal/engine"
	"spamguard/internal/geoip"
	"spamguard/internal/ingest"
	"spamguard/internal/logging"
	"spamguard/internal/lookup"
	"spamguard/internal/maintenance"
	"spamguard/internal/metrics"
	"spamguard/internal/model"
	"spamguard/internal/recent"
	"spamguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML or JSON config file; built-in defaults when empty")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	watch := flag.Duration("watch", 3*time.Second, "config reload poll interval, 0 disables")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	cfgManager, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgManager, logger, *watch); err != nil {
		logger.Error("spamguard stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("spamguard stopped")
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		config.ApplyEnv(cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return config.NewStaticManager(cfg), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger, watch time.Duration) error {
	cfg := cfgManager.Get()

	// Without a store the engine still decides; the block list abstains and
	// nothing is logged.
	store, err := storage.NewStore(cfg.Storage)
	if err == nil {
		err = store.Init(ctx)
	}
	if err != nil {
		logger.Error("storage unavailable, continuing without block store and event log", "driver", cfg.Storage.Driver, "err", err)
		if store != nil {
			_ = store.Close()
		}
		store = nil
	} else {
		defer store.Close()
		logger.Info("storage ready", "driver", cfg.Storage.Driver)
	}
	var blocks storage.BlockStore
	if store != nil {
		blocks = store
	}

	cache, sweeper, err := openCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	var local *geoip.LocalDB
	if path := cfg.Detectors.Geo.DatabasePath; path != "" {
		local, err = geoip.OpenLocalDB(path)
		if err != nil {
			return fmt.Errorf("open geo database: %w", err)
		}
		logger.Info("geo database loaded", "path", path, "ranges", local.Len())
	}

	client := &http.Client{}
	registry, err := detector.NewRegistry(
		detector.NewBlockList(blocks, logger),
		detector.NewGeo(blocks, cache, local, client, logger),
		detector.NewStopForumSpam(cache, client, logger),
	)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(promRegistry)

	recentStore := recent.NewStore(cfg.Recent.StoreLimit)
	eng := engine.NewEngine(cfg, logger, registry, recentStore, store)
	events := make(chan model.VisitorEvent, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, events)

	adminSvc := admin.NewService(blocks, admin.NewNonceIssuer(cfg.API.NonceSecret, cfg.API.NonceLifetime), time.Local, logger)
	api.Start(ctx, api.Deps{
		Config:   cfgManager,
		Engine:   eng,
		Registry: registry,
		Store:    store,
		Recent:   recentStore,
		Admin:    adminSvc,
		Gatherer: promRegistry,
		Logger:   logger,
		Version:  version,
	})
	ingest.StartREST(ctx, cfgManager, events, logger)
	ingest.StartKafka(ctx, cfgManager, events, logger)

	if cfg.Maintenance.Enabled {
		var purger maintenance.LogPurger
		if store != nil {
			purger = store
		}
		var cacheSweeper maintenance.CacheSweeper
		if sweeper != nil {
			cacheSweeper = sweeper
		}
		scheduler, err := maintenance.NewScheduler(cfgManager, purger, cacheSweeper, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	if watch > 0 && cfgManager.Path() != "" {
		go cfgManager.Watch(watch, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", cfgManager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	logger.Info("spamguard started", "version", version, "detectors", registry.IDs())
	<-ctx.Done()
	eng.Wait()
	return nil
}

func openCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (lookup.Cache, *lookup.MemoryCache, error) {
	if cfg.Backend == config.CacheBackendRedis {
		cache, err := lookup.NewRedisCache(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis cache: %w", err)
		}
		logger.Info("lookup cache ready", "backend", cfg.Backend)
		return cache, nil, nil
	}
	cache, err := lookup.NewMemoryCache(cfg.Size)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("lookup cache ready", "backend", config.CacheBackendMemory, "size", cfg.Size)
	return cache, cache, nil
}
