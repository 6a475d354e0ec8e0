// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package engine defines the interface fuzzing engines implement and a
// registry the fuzz session resolves them from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

var ErrUnknownEngine = errors.New("unknown fuzzing engine")

// Options is what Prepare hands to Fuzz: the main corpus directory, the
// target arguments and the strategies picked for this session.
type Options struct {
	CorpusDir  string
	Arguments  []string
	Strategies map[string]int
}

// Crash is a single crashing input found during a fuzz run.
type Crash struct {
	InputPath     string
	Stacktrace    string
	ReproduceArgs []string
	CrashTime     time.Duration
}

// FuzzResult covers both fuzz runs and corpus merges.
type FuzzResult struct {
	Logs         string
	Command      []string
	Crashes      []*Crash
	Stats        map[string]interface{}
	TimeExecuted time.Duration
	TimedOut     bool
}

type ReproduceResult struct {
	Command      []string
	ReturnCode   int
	TimeExecuted time.Duration
	Output       string
}

func (r *ReproduceResult) TimedOut() bool {
	return r.ReturnCode == -1
}

type Engine interface {
	Name() string
	// Prepare inspects the target and picks session options.
	Prepare(ctx context.Context, corpusDir, targetPath, buildDir string) (*Options, error)
	// Fuzz runs one fuzzing round of up to maxTime. Crashing inputs are
	// written under reproducersDir.
	Fuzz(ctx context.Context, targetPath string, opts *Options, reproducersDir string,
		maxTime time.Duration) (*FuzzResult, error)
	// Reproduce runs a single input against the target.
	Reproduce(ctx context.Context, targetPath, inputPath string, args []string,
		maxTime time.Duration) (*ReproduceResult, error)
	// MinimizeCorpus merges inputDirs into outputDir keeping only units
	// that add coverage.
	MinimizeCorpus(ctx context.Context, targetPath string, args, inputDirs []string,
		outputDir, reproducersDir string, maxTime time.Duration) (*FuzzResult, error)
	// AdditionalProcessingTimeout is the extra budget Fuzz may need after
	// the run itself ends (merge-back, artifact analysis).
	AdditionalProcessingTimeout(opts *Options) time.Duration
}

// Factory builds a fresh engine instance bound to the task environment.
type Factory func(env *environ.Env, logger zerolog.Logger) Engine

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds an engine under its canonical name. Lookup is
// case-insensitive.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = factory
}

// Get builds an engine instance for the current task.
func Get(name string, env *environ.Env, logger zerolog.Logger) (Engine, error) {
	registryMu.Lock()
	factory, ok := registry[strings.ToLower(name)]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return factory(env, logger), nil
}

// Names lists the registered engines, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
