// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// pingu-heartbeat is the watchdog process of a fuzzing bot. It reports
// liveness to the control plane and kills worker processes stuck past
// their task deadline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/bot"
	"github.com/pingu-fuzz/pingu-bot/pkg/config"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
)

var (
	flagWorker  = flag.String("worker", "", "path to the worker binary (defaults to pingu-worker next to this one)")
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
	logger, closer, err := logs.Setup(logs.Config{
		Path:    filepath.Join(env.LogDir(), "heartbeat.log"),
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
	heartbeat := &bot.Heartbeat{
		API:          api.NewClient(cfg.APIHost, cfg.APIKey),
		Env:          env,
		Clock:        clock.WallClock,
		BotName:      cfg.Name,
		Platform:     bot.PlatformName(cfg),
		WorkerMarker: bot.SiblingBinary(*flagWorker, "pingu-worker"),
		Logger:       logs.Component(logger, "heartbeat"),
	}
	err = heartbeat.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("heartbeat failed")
		closer.Close()
		os.Exit(1)
	}
	closer.Close()
}
