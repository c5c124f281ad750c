package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qazna.org/authd/internal/audit"
	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/config"
	"qazna.org/authd/internal/httpapi"
	"qazna.org/authd/internal/jobs"
	"qazna.org/authd/internal/migrate"
	"qazna.org/authd/internal/obs"
	"qazna.org/authd/internal/store/pg"
	"qazna.org/authd/internal/store/redis"
	"qazna.org/authd/internal/stream"
	"qazna.org/authd/migrations"
)

// Заполняются через -ldflags при сборке.
var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults to $AUTHD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Logging.Level, Dev: cfg.Logging.Dev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("authd stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Инициализация observability (регистрация метрик)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Подключение к БД
	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	if cfg.Database.AutoMigrate {
		mgr := migrate.NewManager(store.DB(), migrations.Schema(), migrations.Seeds(), migrate.WithLogger(logger))
		if _, err := mgr.Up(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if _, err := mgr.Seed(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	ready := httpapi.ReadyProbe{"postgres": store}

	// Кэш отзыва токенов (опционально)
	var rotation auth.RotationManager = auth.NoopRotation{}
	if cfg.RedisEnabled() {
		client, err := redis.Dial(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			return err
		}
		defer client.Close()
		cache := redis.New(client, redis.WithLogger(logger))
		rotation = cache
		ready["redis"] = cache
	}

	cipher, err := auth.NewKeyCipher([]byte(cfg.Auth.MasterSecret))
	if err != nil {
		return err
	}
	keys, err := auth.NewKeyManager(store, cipher,
		auth.WithKeyBits(cfg.Auth.KeyBits),
		auth.WithKeyRetention(cfg.Auth.KeyRetention),
		auth.WithKeyLogger(logger),
	)
	if err != nil {
		return err
	}
	// Без ключа подписи сервис бесполезен: падаем сразу.
	active, err := keys.ActiveKeyPair(ctx)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	logger.Info("signing key loaded", zap.String("kid", active.KID))

	tokens, err := auth.NewTokenService(keys, store,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithRotationManager(rotation),
		auth.WithTokenLogger(logger),
	)
	if err != nil {
		return err
	}

	hub := stream.New[auth.AuditEntry](cfg.Audit.StreamBuffer)
	sink := audit.NewSink(store,
		audit.WithHub(hub),
		audit.WithLogger(logger),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
	)

	engine, err := auth.NewEngine(store,
		auth.NewCredentialStore(),
		auth.NewLockoutPolicy(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutWindow, nil),
		tokens,
		auth.WithDefaultRole(cfg.Auth.DefaultRole),
		auth.WithRefreshRotation(cfg.Auth.RotateRefresh),
		auth.WithReplayRevocation(cfg.Auth.RevokeOnReplay),
		auth.WithAuditSink(sink),
		auth.WithRotation(rotation),
		auth.WithEngineLogger(logger),
	)
	if err != nil {
		return err
	}

	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = httpapi.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	// HTTP API
	api, err := httpapi.New(httpapi.Deps{
		Engine: engine,
		Tokens: tokens,
		Keys:   keys,
		Audit:  sink,
		Ready:  ready,
	}, httpapi.Options{
		Version:        version,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateLimiter:    limiter,
		RequestTimeout: cfg.Server.RequestTimeout,
		TrustedProxies: cfg.Server.ProxyPrefixes(),
	})
	if err != nil {
		return err
	}

	scheduler := jobs.New(jobs.WithLogger(logger))
	if err := scheduler.Add(jobs.JobRevocationSweep, cfg.Jobs.RevocationSweep, jobs.RevocationSweep(rotation, logger)); err != nil {
		return err
	}
	if err := scheduler.Add(jobs.JobPurgeExpired, cfg.Jobs.PurgeExpired, jobs.PurgeExpired(engine, logger)); err != nil {
		return err
	}
	if err := scheduler.Add(jobs.JobKeyRotation, cfg.Jobs.KeyRotation, jobs.KeyRotation(keys)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting authd", zap.String("version", version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	if limiter != nil {
		g.Go(func() error { return limiter.Run(gctx) })
	}

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
