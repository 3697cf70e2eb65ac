// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/skirmish/internal/auth"
	"github.com/jason-s-yu/skirmish/internal/battle"
	"github.com/jason-s-yu/skirmish/internal/config"
	"github.com/jason-s-yu/skirmish/internal/database"
	"github.com/jason-s-yu/skirmish/internal/handlers"
	"github.com/jason-s-yu/skirmish/internal/historian"
	"github.com/jason-s-yu/skirmish/internal/invite"
	"github.com/jason-s-yu/skirmish/internal/reward"
	"github.com/jason-s-yu/skirmish/internal/store"
	"github.com/jason-s-yu/skirmish/internal/turnlock"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	rdb, err := store.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	st := store.NewRedisStore(rdb, store.WithKeyPrefix(cfg.StoreKeyPrefix))

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}
	profiles := database.NewProfiles(pool)

	ttl, err := cfg.TokenTTL()
	if err != nil {
		return err
	}
	var issuer *auth.Issuer
	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		issuer, err = auth.NewIssuerFromFiles(cfg.PrivateKeyPath, cfg.PublicKeyPath, ttl)
	} else {
		logger.Warn("no auth key files configured, generating an ephemeral key pair")
		issuer, err = auth.NewIssuer(ttl)
	}
	if err != nil {
		return err
	}

	sessions := battle.NewManager(st,
		battle.WithLogger(logger),
		battle.WithCapacity(cfg.BattleCapacity),
		battle.WithRetryPolicy(cfg.RetryPolicy()),
	)
	srv := &handlers.Server{
		Sessions: sessions,
		Locks:    turnlock.New(sessions, turnlock.WithStaleAfter(cfg.TurnLockStaleAfter), turnlock.WithLogger(logger)),
		Invites:  invite.New(st, sessions, profiles, invite.WithLogger(logger)),
		Rewards:  reward.New(st, reward.WithLogger(logger)),
		Profiles: profiles,
		Archive:  historian.NewQueue(rdb, cfg.ArchiveQueueName),
		Issuer:   issuer,
		Logger:   logger,

		WaveThrottle: cfg.WaveThrottle,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
