// cmd/historian/main.go drains the archive queue of finished battles into
// PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/skirmish/internal/config"
	"github.com/jason-s-yu/skirmish/internal/database"
	"github.com/jason-s-yu/skirmish/internal/historian"
	"github.com/jason-s-yu/skirmish/internal/models"
	"github.com/jason-s-yu/skirmish/internal/store"
	_ "github.com/joho/godotenv/autoload"
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
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := store.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	sink := func(ctx context.Context, recs []models.ArchiveRecord) error {
		return database.InsertArchives(ctx, pool, recs)
	}
	svc := historian.NewService(rdb, cfg.ArchiveQueueName, sink,
		historian.WithBatchSize(cfg.HistorianBatchSize),
		historian.WithFlushDelay(cfg.HistorianFlushInterval()),
		historian.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	logger.Infof("historian draining %s", cfg.ArchiveQueueName)
	if err := g.Wait(); err != nil {
		logger.Errorf("historian stopped: %v", err)
	}
	logger.Info("historian stopped")
}
