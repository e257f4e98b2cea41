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

	"floorescrow/internal/cache/redis"
	"floorescrow/internal/config"
	"floorescrow/internal/escrow"
	"floorescrow/internal/idempotency"
	"floorescrow/internal/keeper"
	"floorescrow/internal/ledger"
	"floorescrow/internal/logging"
	"floorescrow/internal/oracle"
	"floorescrow/internal/server"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.Setup(logging.Options{
		Service:    cfg.Service.Name,
		Env:        cfg.Log.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	var (
		state      escrow.State
		due        escrow.DueLister
		ledgerPing func(context.Context) error
		pgLedger   *ledger.PostgresLedger
	)
	if cfg.Postgres.DSN != "" {
		l, err := ledger.NewPostgresLedger(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
		defer l.Close()
		pgLedger = l
		state, due, ledgerPing = l, l, l.Ping
		logger.Info("using postgres ledger")
	} else {
		mem := escrow.NewMemoryState()
		state, due = mem, mem
		logger.Warn("using in-memory ledger; state is lost on restart")
	}

	priceOracle, err := buildOracle(ctx, cfg.Oracle)
	if err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	logger.Info("oracle configured", slog.String("kind", cfg.Oracle.Kind))

	var locker escrow.Locker
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		locker = redis.NewLockManager(rc)

		if maxAge := time.Duration(cfg.Oracle.CacheMaxAgeSecs) * time.Second; maxAge > 0 {
			cached := oracle.NewCachedOracle(priceOracle, redis.NewPriceCache(rc, 2*maxAge), maxAge)
			cached.SetLogger(logger)
			cached.SetFetchTimeout(time.Duration(cfg.Engine.OracleTimeoutSecs) * time.Second)
			priceOracle = cached
		}
	} else if maxAge := time.Duration(cfg.Oracle.CacheMaxAgeSecs) * time.Second; maxAge > 0 {
		cached := oracle.NewCachedOracle(priceOracle, oracle.NewMemoryPriceCache(), maxAge)
		cached.SetLogger(logger)
		cached.SetFetchTimeout(time.Duration(cfg.Engine.OracleTimeoutSecs) * time.Second)
		priceOracle = cached
	}

	metrics := server.NewMetrics()
	priceOracle = metrics.InstrumentOracle(priceOracle)

	engine := escrow.NewEngine(state, priceOracle, escrow.Config{
		ProfitBps:       cfg.Engine.ProfitBps,
		AllowPastExpiry: cfg.Engine.AllowPastExpiry,
		VerifyAssets:    cfg.Engine.VerifyAssets,
		OracleTimeout:   time.Duration(cfg.Engine.OracleTimeoutSecs) * time.Second,
		LockTTL:         time.Duration(cfg.Engine.LockTTLSecs) * time.Second,
	})
	engine.SetLogger(logger)
	if locker != nil {
		engine.SetLocker(locker)
	}

	store, err := buildIdempotencyStore(ctx, cfg, pgLedger)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}

	apiServer := server.NewServer(cfg, engine, store, metrics, logger)
	if ledgerPing != nil {
		apiServer.SetLedgerHealth(ledgerPing)
	}
	if hc, ok := priceOracle.(oracle.HealthChecker); ok {
		apiServer.SetOracleHealth(hc.Ping)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if cfg.Keeper.Enabled {
		var caller escrow.Identity
		if cfg.Keeper.Identity != "" {
			caller, err = escrow.ParseIdentity(cfg.Keeper.Identity)
			if err != nil {
				return fmt.Errorf("keeper identity: %w", err)
			}
		}
		k := keeper.New(engine, due, keeper.Config{
			Interval:    time.Duration(cfg.Keeper.IntervalSecs) * time.Second,
			BatchSize:   cfg.Keeper.BatchSize,
			Concurrency: cfg.Keeper.Concurrency,
			Identity:    caller,
		}, logger)
		k.OnSweep = metrics.ObserveSweep
		g.Go(func() error {
			if err := k.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func buildOracle(ctx context.Context, cfg config.OracleConfig) (oracle.PriceOracle, error) {
	switch cfg.Kind {
	case "http":
		return oracle.NewHTTPOracle(oracle.HTTPConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
	case "eth":
		return oracle.NewEthOracle(ctx, oracle.EthOracleConfig{
			RPCURL:   cfg.RPCURL,
			Contract: cfg.Contract,
		})
	case "manual":
		m := oracle.NewManualOracle()
		for asset, value := range cfg.ManualValues {
			m.Set(asset, value)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown oracle kind %q", cfg.Kind)
	}
}

func buildIdempotencyStore(ctx context.Context, cfg *config.AppConfig, pg *ledger.PostgresLedger) (idempotency.Store, error) {
	switch cfg.Service.IdempotencyStore {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "file":
		return idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	case "postgres":
		if pg != nil {
			return idempotency.NewPostgresStoreWithPool(ctx, pg.Pool())
		}
		return idempotency.NewPostgresStore(ctx, cfg.Postgres.DSN)
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", cfg.Service.IdempotencyStore)
	}
}
