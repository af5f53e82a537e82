package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"crypta.vault/config"
	"crypta.vault/internal/api"
	"crypta.vault/internal/audit"
	"crypta.vault/internal/auth"
	"crypta.vault/internal/crypto"
	"crypta.vault/internal/iam"
	"crypta.vault/internal/logging"
	"crypta.vault/internal/metrics"
	"crypta.vault/internal/service"
	"crypta.vault/internal/store"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := cfg.KeyProvider()
	if err != nil {
		return fmt.Errorf("loading kek: %w", err)
	}
	defer keys.Destroy()

	st, err := initStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cache, err := initCache(cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	m := metrics.New()
	recorder := audit.NewRecorder(st, logger, m, cfg.Audit.WriteTimeout)
	engine := iam.NewEngine(st, logger)
	svc := service.New(service.Config{MaxSecretSize: cfg.Secrets.MaxSize}, st, crypto.NewCipher(keys), engine, recorder, m, logger)

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Audience:             cfg.Auth.Audience,
		AccessTokenSecret:    []byte(cfg.Auth.AccessTokenSecret),
		AccessTokenTTL:       cfg.Auth.AccessTokenTTL,
		MaxAssertionLifetime: cfg.Auth.MaxAssertionLifetime,
		Leeway:               cfg.Auth.Leeway,
	}, st,
		auth.WithReplayCache(cache),
		auth.WithAuditor(recorder),
		auth.WithMetrics(m),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	users, err := auth.NewUserVerifier([]byte(cfg.Auth.UserTokenSecret))
	if err != nil {
		return err
	}

	router := api.SetupRouter(api.Dependencies{
		Service: svc,
		Issuer:  issuer,
		Users:   users,
		Counter: cache,
		Metrics: m,
		Logger:  logger,
	}, cfg)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("server starting",
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Type),
		zap.String("cache", cfg.Cache.Type),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case store.DriverSQLite, store.DriverPostgres:
		st, err := store.NewSQLStore(ctx, cfg.SQL())
		if err != nil {
			return nil, fmt.Errorf("%s connection failed: %w", cfg.Store.Type, err)
		}
		return st, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func initCache(cfg *config.Config) (store.Cache, error) {
	switch cfg.Cache.Type {
	case "redis":
		c, err := store.NewRedisCache(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		}, cfg.Cache.Redis.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return c, nil
	default:
		return store.NewMemoryCache(cfg.Cache.CleanupInterval), nil
	}
}
