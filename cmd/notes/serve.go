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

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/api"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/events"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/notes"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/cache"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/redis"
)

// loadConfig reads the config file and applies the location flags on top.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := cmd.String("directory"); dir != "" {
		cfg.Store.Dir = dir
	}
	if cmd.Bool("temp-dir") {
		cfg.Store.Temp = true
	}
	return cfg, nil
}

// storeDir picks the index location. A temporary directory is returned
// with a cleanup that removes it.
func storeDir(cfg config.StoreConfig) (string, func(), error) {
	if cfg.Temp {
		dir, err := os.MkdirTemp("", "notes-index-")
		if err != nil {
			return "", nil, fmt.Errorf("creating temporary index directory: %w", err)
		}
		return dir, func() {
			if err := os.RemoveAll(dir); err != nil {
				slog.Error("removing temporary index directory failed", "dir", dir, "error", err)
			}
		}, nil
	}
	if cfg.Dir == "" {
		return "", nil, errors.New("no index location: pass --directory or --temp-dir")
	}
	return cfg.Dir, func() {}, nil
}

func storeOptions(cfg config.StoreConfig) index.Options {
	opts := index.DefaultOptions()
	opts.SyncWrites = cfg.SyncWrites
	opts.Compress = cfg.Compression == "zstd"
	opts.StopWords = cfg.StopWords
	return opts
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	dir, cleanup, err := storeDir(cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := index.Open(dir, storeOptions(cfg.Store))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("closing store failed", "error", err)
		}
	}()
	slog.Info("store opened", "dir", dir, "temporary", cfg.Store.Temp)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer shutdownMetrics(context.Background())
	}

	opts := []notes.Option{notes.WithMetrics(m)}
	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(func(context.Context) error {
		_, err := store.Stats()
		return err
	}, health.StatusDown))

	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			qc := cache.New(redisClient, cfg.Redis.CacheTTL, m)
			// Generations restart with a fresh directory, so entries from an
			// earlier run could be served for the wrong notes.
			if err := qc.Invalidate(ctx); err != nil {
				slog.Warn("clearing search cache failed", "error", err)
			}
			opts = append(opts, notes.WithCache(qc))
			checker.Register("redis", health.PingCheck(redisClient.Ping, health.StatusDegraded))
			checker.Register("search-cache", health.PingCheck(qc.Check, health.StatusDegraded))
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		pubCtx, stopPublisher := context.WithCancel(context.Background())
		publisher := events.NewPublisher(producer, 100, 0, m)
		publisher.Start(pubCtx)
		defer func() {
			stopPublisher()
			publisher.Close()
		}()
		opts = append(opts, notes.WithEvents(publisher))
		checker.Register("kafka", health.PingCheck(producer.Ping, health.StatusDegraded))
	}

	repo, err := notes.NewRepository(ctx, store, opts...)
	if err != nil {
		return err
	}

	handler := api.NewHandler(repo, api.Limits{
		DefaultLimit: cfg.Search.DefaultLimit,
		MaxResults:   cfg.Search.MaxResults,
	})
	routerCfg := api.RouterConfig{
		Metrics:     m,
		Health:      checker,
		CORSOrigins: cfg.Server.CORSOrigins,
		Timeout:     cfg.Server.RequestTimeout,
	}
	if cfg.Server.RateLimit > 0 {
		routerCfg.Limiter = middleware.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("notes service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("notes service stopped", "last_id", repo.LastID())
	return nil
}
