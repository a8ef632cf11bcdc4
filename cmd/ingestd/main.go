// Command ingestd runs the BitRiver RTMP ingest gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"bitriver-ingest/internal/api"
	"bitriver-ingest/internal/config"
	"bitriver-ingest/internal/ingest"
	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
	"bitriver-ingest/internal/registry"
	"bitriver-ingest/internal/storage"
	"bitriver-ingest/internal/transcode"
)

func main() {
	envFile := flag.String("env-file", "", "dotenv file to load before reading BITRIVER_INGEST_* variables")
	listenAddr := flag.String("listen", "", "RTMP listen address")
	httpAddr := flag.String("http-addr", "", "statistics HTTP listen address")
	encoderPath := flag.String("encoder", "", "path to the ffmpeg binary")
	outputRoot := flag.String("output-root", "", "directory receiving HLS and DASH output")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	var paths []string
	if *envFile != "" {
		paths = append(paths, *envFile)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.ListenAddr = firstNonEmpty(*listenAddr, cfg.ListenAddr)
	cfg.HTTPAddr = firstNonEmpty(*httpAddr, cfg.HTTPAddr)
	cfg.EncoderPath = firstNonEmpty(*encoderPath, cfg.EncoderPath)
	cfg.OutputRoot = firstNonEmpty(*outputRoot, cfg.OutputRoot)
	cfg.LogLevel = firstNonEmpty(*logLevel, cfg.LogLevel)

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(cfg, logger); err != nil {
		logger.Error("ingest gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.New()
	metrics.SetDefault(recorder)

	var checks []api.HealthCheck

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, api.HealthCheck{Component: "postgres", Check: pinger.Ping})
	}

	opts := []registry.Option{registry.WithLogger(logging.WithComponent(logger, "registry"))}
	if cfg.Redis.Addr != "" {
		client, err := registry.NewRedisClient(ctx, registry.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}()
		lease, err := registry.NewRedisLease(client, "", cfg.Redis.LeaseTTL)
		if err != nil {
			return err
		}
		publisher, err := registry.NewRedisPublisher(client, cfg.Redis.EventsStream, instanceName())
		if err != nil {
			return err
		}
		opts = append(opts, registry.WithLease(lease), registry.WithPublisher(publisher))
		checks = append(checks, api.HealthCheck{Component: "redis", Check: redisCheck(client)})
		logger.Info("redis lease enabled", "addr", cfg.Redis.Addr, "events_stream", cfg.Redis.EventsStream)
	} else {
		// Without a shared lease no other instance can own a stream, so
		// anything still flagged live was left by a previous crash.
		if n, err := store.ResetLive(ctx, time.Now().UTC()); err != nil {
			logger.Warn("failed to reset live flags", "error", err)
		} else if n > 0 {
			logger.Info("cleared stale live flags", "count", n)
		}
	}
	reg := registry.New(opts...)

	supervisor := transcode.NewSupervisor(transcode.Config{
		Profile: transcode.Profile{
			Binary:     cfg.EncoderPath,
			ExtraArgs:  cfg.EncoderExtraArgs,
			OutputRoot: cfg.OutputRoot,
		},
		StopGrace: cfg.StopGrace,
		Logger:    logger,
		Metrics:   recorder,
	})

	server, err := ingest.NewServer(ingest.ServerConfig{
		Addr:             cfg.ListenAddr,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MaxConnections:   cfg.MaxConnections,
		StopGrace:        cfg.StopGrace,
	}, ingest.Dependencies{
		Validator:  ingest.NewStoreValidator(store, cfg.LookupTimeout),
		Registry:   reg,
		Supervisor: supervisor,
		Store:      store,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("initialise ingest server: %w", err)
	}

	reaper, err := ingest.NewReaper(ingest.ReaperConfig{
		Registry: reg,
		Encoders: supervisor,
		Store:    store,
		Timeout:  cfg.HeartbeatTimeout,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise reaper: %w", err)
	}

	handler := &api.Handler{
		Streams:  reg,
		Encoders: supervisor,
		Sessions: server,
		Checks:   checks,
		Metrics:  recorder,
		Logger:   logging.WithComponent(logger, "api"),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(groupCtx)
	})
	group.Go(func() error {
		logger.Info("statistics endpoint listening", "addr", cfg.HTTPAddr, "tls", cfg.HTTPTLSCert != "")
		return api.Run(groupCtx, api.RunConfig{
			Server: httpServer,
			TLS:    api.TLSConfig{CertFile: cfg.HTTPTLSCert, KeyFile: cfg.HTTPTLSKey},
		})
	})
	stopReaper := startReaperWorker(groupCtx, logging.WithComponent(logger, "reaper"), reaper, cfg.ReaperInterval)

	err = group.Wait()
	stopReaper()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+5*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("graceful shutdown failed", "error", serr)
	}
	supervisor.StopAll(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Postgres.DSN != "" {
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:            cfg.Postgres.DSN,
			MaxConnections: cfg.Postgres.MaxConns,
			MinConnections: cfg.Postgres.MinConns,
			ConnectTimeout: cfg.Postgres.ConnectTimeout,
			ApplySchema:    cfg.Postgres.ApplySchema,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("using postgres key store")
		return store, nil
	}
	if len(cfg.StaticKeys) == 0 {
		logger.Warn("no postgres dsn or static keys configured; every publish will be rejected")
	} else {
		logger.Info("using static key store", "keys", len(cfg.StaticKeys))
	}
	return storage.NewMemoryStoreFromKeys(cfg.StaticKeys), nil
}

func redisCheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("ingestd-%d", os.Getpid())
	}
	return host
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
