package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/eventq/internal/api"
	"github.com/gyaneshwarpardhi/eventq/internal/config"
	"github.com/gyaneshwarpardhi/eventq/internal/consumer"
	"github.com/gyaneshwarpardhi/eventq/internal/delivery"
	"github.com/gyaneshwarpardhi/eventq/internal/queue"
	"github.com/gyaneshwarpardhi/eventq/internal/secret"
	"github.com/gyaneshwarpardhi/eventq/internal/webhook"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional; environment variables override it)")
	flag.Parse()

	if n, err := config.LoadEnv(".env", ".env.local"); err != nil {
		slog.Error("failed to load env files", "err", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Info("env files loaded", "count", n)
	}

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, nil)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Queue backend ────────────────────────────────────────────────────────
	q, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("failed to open queue", "backend", cfg.Queue.Backend, "err", err)
		os.Exit(1)
	}
	defer closeQueue()
	slog.Info("queue ready", "backend", cfg.Queue.Backend, "name", cfg.Queue.Name)

	// ── Processors ───────────────────────────────────────────────────────────
	keyRef := cfg.Secret.EncryptionKeyRef
	dispatcher, err := webhook.NewDispatcher(subscribers(cfg), webhook.Options{
		Keys:    secret.FromRef(keyRef),
		Timeout: cfg.Webhooks.Timeout,
		MaxAge:  cfg.Webhooks.MaxAge,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("failed to build webhook dispatcher", "err", err)
		os.Exit(1)
	}
	router := delivery.NewRouter(logger)
	router.Register("*", dispatcher)

	// ── Consumer ─────────────────────────────────────────────────────────────
	cons, err := consumer.New(q, router, consumer.Options{
		Backoff:      backoff(cfg),
		RequeueDelay: cfg.Consumer.RequeueDelay,
		Concurrency:  cfg.Consumer.Concurrency,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to build consumer", "err", err)
		os.Exit(1)
	}

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		cons.SetBackoff(backoff(newCfg))
		// Callbacks run one reload at a time, so keyRef needs no lock.
		if ref := newCfg.Secret.EncryptionKeyRef; ref != keyRef {
			dispatcher.SetKeys(secret.FromRef(ref))
			keyRef = ref
			slog.Info("webhook signing key ref changed")
		}
		dispatcher.SetSubscribers(subscribers(newCfg))
		slog.Info("config hot-reloaded",
			"subscribers", len(newCfg.Webhooks.Subscribers),
			"backoff_initial", newCfg.Consumer.BackoffInitial,
			"backoff_max", newCfg.Consumer.BackoffMax)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	opts := api.Options{Config: loader, Logger: logger}
	if p, ok := q.(queue.Pinger); ok {
		opts.Ready = p
	}
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.New(q, opts),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("consumer starting", "batch_size", cfg.Queue.BatchSize, "concurrency", cfg.Consumer.Concurrency)
		err := cons.Run(gctx, consumer.RunOptions{
			BatchSize:    cfg.Queue.BatchSize,
			WaitTime:     cfg.Queue.WaitTime,
			PollInterval: cfg.Queue.PollInterval,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// ── Graceful shutdown ────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down…")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("goodbye")
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, func(), error) {
	qc := cfg.Queue
	switch qc.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		q, err := queue.NewRedis(client, qc.Name, queue.RedisOptions{
			VisibilityTimeout: qc.VisibilityTimeout,
			PollInterval:      qc.PollInterval,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if err := q.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return q, func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect postgres")
		}
		q, err := queue.NewPostgres(pool, qc.Name, queue.PostgresOptions{
			Table:             cfg.Postgres.Table,
			VisibilityTimeout: qc.VisibilityTimeout,
			PollInterval:      qc.PollInterval,
		})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := q.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return q, pool.Close, nil

	default:
		q := queue.NewMemory(qc.Name, queue.MemoryOptions{VisibilityTimeout: qc.VisibilityTimeout})
		return q, func() {}, nil
	}
}

func backoff(cfg *config.Config) consumer.BackoffPolicy {
	return consumer.BackoffPolicy{
		Initial: cfg.Consumer.BackoffInitial,
		Max:     cfg.Consumer.BackoffMax,
	}
}

func subscribers(cfg *config.Config) []webhook.Subscriber {
	out := make([]webhook.Subscriber, 0, len(cfg.Webhooks.Subscribers))
	for _, s := range cfg.Webhooks.Subscribers {
		out = append(out, webhook.Subscriber{ID: s.ID, URL: s.URL, EventTypes: s.EventTypes})
	}
	return out
}
