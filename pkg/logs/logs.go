// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package logs configures the process-wide logger. Each package derives a
// sublogger with a component field so that log streams stay grep-able.
package logs

import (
	"io"
	"os"
	"time"

	"github.com/juju/lumberjack/v2"
	"github.com/rs/zerolog"
)

const (
	// bot.log rotation limits. The heartbeat watches the file's mtime,
	// so the file must keep receiving writes for as long as the worker
	// makes progress.
	maxLogSizeMB  = 100
	maxLogBackups = 3
	maxLogAgeDays = 7
)

type Config struct {
	// Path of the rotating log file. Empty disables file output.
	Path string
	// Console enables human-readable output on stderr.
	Console bool
	Level   zerolog.Level
}

// Setup builds the root logger. The returned closer flushes and closes the
// rotating file writer.
func Setup(cfg Config) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.TimeOnly,
		})
	}
	if cfg.Path != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
		}
		writers = append(writers, rotating)
		closer = rotating
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level).
		With().Timestamp().Logger()
	return logger, closer, nil
}

// Component derives a sublogger for one package or subsystem.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
