// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// pingu-bot supervises one fuzzing bot. It lays out the directory tree
// under ROOT_DIR, then keeps a pingu-worker process running until the
// RUN_TIMEOUT budget is spent, with a pingu-heartbeat process watching
// from the side.
package main

import (
	"context"
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
	flagWorker    = flag.String("worker", "", "path to the worker binary (defaults to pingu-worker next to this one)")
	flagHeartbeat = flag.String("heartbeat", "", "path to the heartbeat binary (defaults to pingu-heartbeat next to this one)")
	flagConsole   = flag.Bool("console", false, "also log to stderr")
	flagDebug     = flag.Bool("debug", false, "enable debug logging")
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
		Path:    filepath.Join(env.LogDir(), "supervisor.log"),
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
	supervisor := &bot.Supervisor{
		API:          api.NewClient(cfg.APIHost, cfg.APIKey),
		Env:          env,
		Clock:        clock.WallClock,
		Logger:       logs.Component(logger, "supervisor"),
		WorkerBin:    bot.SiblingBinary(*flagWorker, "pingu-worker"),
		HeartbeatBin: bot.SiblingBinary(*flagHeartbeat, "pingu-heartbeat"),
	}
	code, err := supervisor.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("supervisor failed")
	}
	closer.Close()
	os.Exit(code)
}
