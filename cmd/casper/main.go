package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/driver"
	"github.com/yelp/casper/internal/filters"
	"github.com/yelp/casper/internal/internalapi"
	"github.com/yelp/casper/internal/logging"
	"github.com/yelp/casper/internal/observability"
	"github.com/yelp/casper/internal/server"
	"github.com/yelp/casper/internal/storage"
)

func main() {
	var workerID = flag.String("worker-id", "", "identifier reported by /status (defaults to hostname)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := config.NewRegistry(config.PathsFromEnv(), slog.Default())
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	registry.Start(ctx)
	defer registry.Stop()

	global := registry.Global()

	logger, err := logging.New(global.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	watcher, err := config.WatchForNudges(ctx, registry.Paths().SrvConfigsPath, registry, logger)
	if err != nil {
		logger.Warn("config fsnotify watcher unavailable; relying on the stat poll", slog.Any("error", err))
	}
	defer watcher.Stop()

	store, err := buildStore(logger, global.Casper.Storage)
	if err != nil {
		logger.Error("storage backend initialization failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	recorder := observability.NewRecorder(promRegistry)

	relay := buildRelay(logger, global.Meter.MetricsRelay)
	defer relay.Close()

	syslogSink := buildSyslogSink(logger, global.Zipkin.Syslog)
	defer syslogSink.Close()

	id := strings.TrimSpace(*workerID)
	if id == "" {
		if host, hostErr := os.Hostname(); hostErr == nil {
			id = host
		}
	}

	filterRegistry := filters.New(global.Casper.Filters, nil, logger)

	resolve := driver.NewResolver(registry)
	engine := driver.BuildChain(store, time.Duration(global.Casper.HTTP.TimeoutMs)*time.Millisecond, resolve, recorder, logger, filterRegistry)
	internalHandler := internalapi.New(registry, store, logger, id)

	afterMax := time.Duration(global.Casper.AfterResponse.MaxMs) * time.Millisecond
	d := driver.New(registry, engine, internalHandler, recorder.Handler(), recorder, syslogSink, relay, logger, afterMax)

	srv, err := server.New(global, logger, d)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore constructs the configured C5 storage backend, optionally
// fronted by the bounded in-process shim (spec.md §4.5). An
// unrecognized backend name falls back to memory, matching the
// teacher's permissive cache-backend selection in buildDecisionCache.
func buildStore(logger *slog.Logger, cfg config.StorageConfig) (storage.Store, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	var backing storage.Store
	switch backend {
	case "", "memory":
		logger.Info("using in-process memory storage backend")
		backing = storage.NewMemoryStore(cfg.CompressionThresholdBytes)
	case "redis":
		redisStore, err := storage.NewRedisStore(storage.RedisConfig{
			Address:                   cfg.Redis.Address,
			Username:                  cfg.Redis.Username,
			Password:                  cfg.Redis.Password,
			DB:                        cfg.Redis.DB,
			CompressionThresholdBytes: cfg.CompressionThresholdBytes,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("redis storage backend: %w", err)
		}
		logger.Info("using redis storage backend", slog.String("address", cfg.Redis.Address))
		backing = redisStore
	default:
		logger.Warn("unsupported storage backend, defaulting to memory", slog.String("backend", cfg.Backend))
		backing = storage.NewMemoryStore(cfg.CompressionThresholdBytes)
	}

	if cfg.ShimMaxBytes <= 0 {
		return backing, nil
	}
	return storage.NewShim(backing, cfg.ShimMaxBytes, 0), nil
}

// buildRelay dials the legacy UDP metrics relay when a host is
// configured. A nil *Relay is a valid, inert value: every call site
// guards with a nil receiver check.
func buildRelay(logger *slog.Logger, cfg config.MetricsRelayConfig) *observability.Relay {
	if cfg.Host == "" {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	relay, err := observability.NewRelay(addr, observability.Dimensions{
		Habitat:      os.Getenv("HABITAT"),
		ServiceName:  os.Getenv("PAASTA_SERVICE"),
		InstanceName: os.Getenv("PAASTA_INSTANCE"),
	})
	if err != nil {
		logger.Warn("metrics relay dial failed, continuing without it", slog.Any("error", err))
		return nil
	}
	return relay
}

// buildSyslogSink dials the zipkin-style UDP syslog trace sink when a
// host is configured.
func buildSyslogSink(logger *slog.Logger, cfg config.SyslogConfig) *observability.SyslogSink {
	if cfg.Host == "" {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	sink, err := observability.NewSyslogSink(addr)
	if err != nil {
		logger.Warn("zipkin syslog dial failed, continuing without it", slog.Any("error", err))
		return nil
	}
	return sink
}
