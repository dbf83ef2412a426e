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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/watmarket/market-engine/internal/api"
	"github.com/watmarket/market-engine/internal/audit"
	"github.com/watmarket/market-engine/internal/config"
	"github.com/watmarket/market-engine/internal/engine"
	"github.com/watmarket/market-engine/internal/events"
	"github.com/watmarket/market-engine/internal/lock"
	"github.com/watmarket/market-engine/internal/metrics"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/query"
	"github.com/watmarket/market-engine/internal/resolution"
	"github.com/watmarket/market-engine/internal/store"
	"github.com/watmarket/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("market-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and distributed locks) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Store ---
	// primary is the uncached store; st may wrap it with a read cache.
	var st, primary store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st, primary = pg, pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		primary = st
	}

	// --- Locks ---
	var locker lock.Locker = lock.NewLocal(cfg.LockWait.Duration)
	if rdb != nil {
		locker = lock.NewRedis(rdb, cfg.LockWait.Duration, cfg.LockLease.Duration)
		slog.Info("Redis entity locks enabled", "wait", cfg.LockWait.Duration, "lease", cfg.LockLease.Duration)
	}

	// --- Events ---
	hub := events.NewHub()
	publishers := events.Multi{hub}
	var jsPub *events.JetStreamPublisher
	if cfg.NATSURL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			return err
		}
		jsPub = events.NewJetStreamPublisher(js, 1024)
		publishers = append(publishers, jsPub)
		slog.Info("NATS event publishing enabled")
	}

	// --- Engine ---
	exec := trade.NewExecutor(st, locker, publishers,
		trade.WithDefaults(cfg.DefaultLiquidity.Amount, cfg.StartingBalance.Amount))
	eng := engine.New(exec, resolution.NewResolver(st, locker, publishers))
	queries := query.NewService(st)

	if err := seedActiveMarkets(ctx, queries); err != nil {
		return err
	}

	// --- HTTP ---
	router := api.NewRouter(api.NewHandler(eng, queries), hub.HandleWS)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var sched *audit.Scheduler
	if cfg.AuditSchedule != "" {
		var err error
		if sched, err = audit.NewScheduler(audit.NewReconciler(primary), cfg.AuditSchedule); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if jsPub != nil {
		g.Go(func() error { return jsPub.Run(gctx) })
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedActiveMarkets sets the open-market gauge from committed state.
func seedActiveMarkets(ctx context.Context, queries *query.Service) error {
	markets, err := queries.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	open := 0
	for _, m := range markets {
		if m.Status == model.StatusOpen {
			open++
		}
	}
	metrics.ActiveMarkets.Set(float64(open))
	return nil
}
