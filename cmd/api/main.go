package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/account"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/identity"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/legacy"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/throttle"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity-bridge/pkg/utilities"
)

func main() {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("service stopped", "err", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}
	sugar.Infow("starting service-identity-bridge", "addr", cfg.HTTPAddr, "driver", dbCfg.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(dbCfg, dbCfg.DSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	legacyDB := db
	if dbCfg.LegacyDSN != dbCfg.DSN {
		legacyDB, err = database.Connect(dbCfg, dbCfg.LegacyDSN)
		if err != nil {
			return fmt.Errorf("legacy db connect: %w", err)
		}
		defer legacyDB.Close()
	}

	var signingKey *rsa.PrivateKey
	if cfg.SigningKeyFile != "" {
		signingKey, err = token.LoadSigningKey(cfg.SigningKeyFile)
		if err != nil {
			return err
		}
	} else {
		sugar.Warn("AUTH_SIGNING_KEY_FILE not set; using an ephemeral signing key")
	}

	hasher, err := identity.NewArgon2Hasher(identity.DefaultArgon2Config())
	if err != nil {
		return err
	}
	identities := identity.NewStore(db, nil, hasher, nil)
	credentials := legacy.NewCredentialStore(legacyDB, nil)
	profiles := legacy.NewProfileStore(legacyDB)
	tokens, err := token.NewService(db, token.Config{
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Retention:  cfg.RefreshRetention,
		SigningKey: signingKey,
	}, utilities.NewIDGenerator(cfg.SnowflakeNode), nil)
	if err != nil {
		return err
	}

	for name, ensure := range map[string]func(context.Context) error{
		"identities":         identities.EnsureSchema,
		"legacy_credentials": credentials.EnsureSchema,
		"user_profiles":      profiles.EnsureSchema,
		"refresh_tokens":     tokens.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return fmt.Errorf("ensure %s: %w", name, err)
		}
	}

	var limiter throttle.LoginLimiter = throttle.Noop{}
	if cfg.RedisURL != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = throttle.NewLockoutLimiter(rdb, throttle.Config{
			Threshold: cfg.LockoutThreshold,
			Window:    cfg.LockoutDuration,
		})
	} else {
		sugar.Info("REDIS_URL not set; failed-login lockout disabled")
	}

	svc, err := account.NewService(account.Deps{
		Identities:      identities,
		Credentials:     credentials,
		Profiles:        profiles,
		Hasher:          legacy.BcryptHasher{Cost: cfg.LegacyBcryptCost},
		Tokens:          tokens,
		Limiter:         limiter,
		Logger:          sugar,
		LockoutDuration: cfg.LockoutDuration,
	})
	if err != nil {
		return err
	}

	handler := router.RegisterRoutes(sugar, account.NewHandler(svc, sugar), token.NewHandler(tokens),
		router.Options{AllowedOrigins: cfg.AllowedOrigins})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	sugar.Info("shutting down")
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	sugar.Info("goodbye")
	return nil
}
