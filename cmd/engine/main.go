package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/resourcerent/pkg/config"
	"github.com/angelmondragon/resourcerent/pkg/db"
	"github.com/angelmondragon/resourcerent/pkg/instance"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/migrate"
	"github.com/angelmondragon/resourcerent/pkg/pubsub"
	"github.com/angelmondragon/resourcerent/pkg/redis"
)

const serviceName = "resourcerent-engine"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	requireResource(ctx, logg, "migrations", migrate.MaybeAutoRun(ctx, cfg, logg, dbClient))

	redisClient, err := redis.New(ctx, cfg.Redis)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	var pubsubClient *pubsub.Client
	if cfg.PubSub.Enabled(cfg.GCP) {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
		requireResource(ctx, logg, "pubsub", err)
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub", err)
			}
		}()
	}

	engine, err := buildEngine(ctx, cfg, logg, dbClient, redisClient, pubsubClient)
	requireResource(ctx, logg, "engine", err)

	logg.Info(ctx, "engine starting")
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "engine stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.WithoutCancel(ctx), "engine shut down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
