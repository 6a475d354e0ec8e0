// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// pingu-worker is the task loop of a fuzzing bot: it leases tasks from
// the control plane and executes them one at a time. The supervisor
// restarts it when it exits and kills it when the run budget is spent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/bot"
	"github.com/pingu-fuzz/pingu-bot/pkg/cache"
	"github.com/pingu-fuzz/pingu-bot/pkg/config"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/monitor"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
	"github.com/pingu-fuzz/pingu-bot/pkg/tasks"
)

var (
	flagConsole = flag.Bool("console", false, "also log to stderr")
	flagDebug   = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()
	env := environ.FromOS()
	if env.RootDir() == "" {
		fmt.Fprintln(os.Stderr, "ROOT_DIR is not set")
		os.Exit(1)
	}
	level := zerolog.InfoLevel
	if *flagDebug {
		level = zerolog.DebugLevel
	}
	// The heartbeat watches this file's mtime to tell a live worker
	// from a wedged one.
	logger, closer, err := logs.Setup(logs.Config{
		Path:    env.BotLogPath(),
		Console: *flagConsole,
		Level:   level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadBot(env)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load the bot config")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiClient := api.NewClient(cfg.APIHost, cfg.APIKey)
	store, err := storage.FromHost(ctx, cfg.MinioHost, cfg.MinioAccessKey, cfg.MinioSecretKey, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to object storage")
	}
	cacheDB, err := cache.Open(filepath.Join(env.CacheDir(), "bot.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open the bot cache")
	}
	defer cacheDB.Close()
	metrics := monitor.New()
	if cfg.HTTPPort > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.HTTPPort)
			if err := metrics.Serve(ctx, addr, logs.Component(logger, "http")); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}
	blobsBucket := env.Get("BLOBS_BUCKET")
	if blobsBucket == "" {
		blobsBucket = "blobs"
	}
	executor := tasks.NewExecutor(tasks.ExecutorConfig{
		API:     apiClient,
		Storage: store,
		Blobs:   blobs.NewStore(store, blobsBucket),
		Cache:   cacheDB,
		Metrics: metrics,
		Env:     env,
		BotName: cfg.Name,
		Logger:  logger,
	})
	worker := &bot.Worker{
		API:      apiClient,
		Executor: executor,
		Env:      env,
		Clock:    clock.WallClock,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		BotName:  cfg.Name,
		Queue:    bot.QueueName(cfg),
		Logger:   logs.Component(logger, "worker"),
	}
	err = worker.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker failed")
		closer.Close()
		os.Exit(1)
	}
	closer.Close()
}
