// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package testcases stages stored testcases on the local disk and runs
// them against the application under test. It owns the translation from
// testcase entities (blob keys, archive bits, stored paths) to files the
// target binary can consume, and the retry loops that decide whether a
// testcase still crashes.
package testcases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

const testcaseArchiveExtension = ".zip"

// ClearTestcaseDirectories wipes and recreates the testcase input
// directories. Every task run starts from clean input dirs so stale
// files from a previous testcase cannot leak into the current run.
func ClearTestcaseDirectories(env *environ.Env) error {
	for _, dir := range []string{env.InputsDir(), env.DiskInputsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Materializer downloads testcases from the blob store and prepares the
// task environment to run them.
type Materializer struct {
	env    *environ.Env
	blobs  *blobs.Store
	logger zerolog.Logger
}

func NewMaterializer(env *environ.Env, store *blobs.Store, logger zerolog.Logger) *Materializer {
	return &Materializer{
		env:    env,
		blobs:  store,
		logger: logger.With().Str("component", "testcases").Logger(),
	}
}

// Placement describes a testcase staged on the local disk.
type Placement struct {
	// Path is the file handed to the application under test.
	Path string
	// InputDir is the directory the testcase was staged into.
	InputDir string
	// Files lists everything staged, including resource dependencies
	// unpacked from a testcase archive.
	Files []string
}

// SetupTestcase stages the testcase and applies its environment
// overrides. The input directories are cleared first.
func (m *Materializer) SetupTestcase(ctx context.Context, tc *api.Testcase, taskName string) (*Placement, error) {
	if err := ClearTestcaseDirectories(m.env); err != nil {
		return nil, fmt.Errorf("failed to clear testcase directories: %w", err)
	}
	place, err := m.Materialize(ctx, tc)
	if err != nil {
		return nil, err
	}
	m.PrepareEnvironment(tc, taskName)
	return place, nil
}

// Materialize downloads the testcase onto the local disk, unpacking
// multi-file testcases and locating the file to run.
func (m *Materializer) Materialize(ctx context.Context, tc *api.Testcase) (*Placement, error) {
	inputDir, testcasePath := m.resolvePath(tc)

	minimized := tc.MinimizedKeys != "" && tc.MinimizedKeys != api.NotApplicable
	key := tc.FuzzedKeys
	archived := tc.ArchiveState&api.ArchiveFuzzed != 0
	archiveName := tc.ArchiveFilename
	if minimized {
		key = tc.MinimizedKeys
		archived = tc.ArchiveState&api.ArchiveMinimized != 0
		archiveName = tc.ID + testcaseArchiveExtension
	}
	if key == "" || key == api.NotApplicable {
		return nil, fmt.Errorf("testcase %s has no stored input", tc.ID)
	}
	if archiveName == "" {
		archiveName = tc.ID + testcaseArchiveExtension
	}

	if !archived {
		if err := os.MkdirAll(filepath.Dir(testcasePath), 0755); err != nil {
			return nil, err
		}
		if err := m.blobs.ReadToDisk(ctx, key, testcasePath); err != nil {
			return nil, fmt.Errorf("failed to fetch testcase %s: %w", tc.ID, err)
		}
		return &Placement{Path: testcasePath, InputDir: inputDir, Files: []string{testcasePath}}, nil
	}

	archivePath := filepath.Join(inputDir, filepath.Base(archiveName))
	if err := m.blobs.ReadToDisk(ctx, key, archivePath); err != nil {
		return nil, fmt.Errorf("failed to fetch testcase archive %s: %w", tc.ID, err)
	}
	names, err := archive.Unpack(archivePath, inputDir)
	os.Remove(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack testcase %s: %w", tc.ID, err)
	}
	files := make([]string, len(names))
	for i, name := range names {
		files[i] = filepath.Join(inputDir, name)
	}
	if _, err := os.Stat(testcasePath); err != nil {
		// The recorded path came from another bot; find the file by name.
		found := ""
		for _, file := range files {
			if filepath.Base(file) == filepath.Base(testcasePath) {
				found = file
				break
			}
		}
		if found == "" {
			return nil, fmt.Errorf("file to run %q is not in the archive of testcase %s",
				filepath.Base(testcasePath), tc.ID)
		}
		testcasePath = found
	}
	return &Placement{Path: testcasePath, InputDir: inputDir, Files: files}, nil
}

// resolvePath maps the stored testcase path onto this bot's filesystem.
// Relative paths land in the input directory; absolute paths are kept
// as is, they either share this bot's layout or lie on the NFS mount.
func (m *Materializer) resolvePath(tc *api.Testcase) (inputDir, path string) {
	inputDir = m.env.InputsDir()
	stored := tc.AbsolutePath
	if runtime.GOOS != "windows" {
		stored = strings.ReplaceAll(stored, `\`, "/")
	}
	switch {
	case stored == "":
		path = filepath.Join(inputDir, tc.ID)
	case !filepath.IsAbs(stored):
		path = filepath.Join(inputDir, filepath.Base(stored))
	default:
		path = stored
	}
	return inputDir, path
}

// PrepareEnvironment applies per-testcase environment overrides: memory
// tool options, timeout multiplier, fuzz target and application
// arguments.
func (m *Materializer) PrepareEnvironment(tc *api.Testcase, taskName string) {
	m.setupMemoryTools(tc)

	if tc.TimeoutMultiplier > 0 && tc.TimeoutMultiplier != 1 {
		timeout := m.env.GetFloat("TEST_TIMEOUT", 0)
		if timeout > 0 {
			m.env.Setf("TEST_TIMEOUT", "%d", int(timeout*tc.TimeoutMultiplier))
		}
	}
	if target := tc.MetadataString("fuzzer_binary_name"); target != "" {
		m.env.Set("FUZZ_TARGET", target)
	}
	if args := applicationArguments(m.env, tc, taskName); args != "" {
		m.env.Set("APP_ARGS", args)
	}
}

// setupMemoryTools installs the sanitizer options recorded on the
// testcase, or resets them from the testcase's redzone when none were
// recorded.
func (m *Materializer) setupMemoryTools(tc *api.Testcase) {
	raw, _ := tc.Metadata("env")
	overrides, ok := raw.(map[string]interface{})
	if !ok || len(overrides) == 0 {
		m.env.ResetMemoryToolOptions(tc.Redzone, tc.DisableUBSan)
		return
	}
	for name, value := range overrides {
		kv, ok := value.(map[string]interface{})
		if !ok || len(kv) == 0 {
			m.env.Remove(name)
			continue
		}
		opts := environ.SanitizerOptions{}
		for key, val := range kv {
			opts[key] = fmt.Sprint(val)
		}
		m.env.SetMemoryToolOptions(name, opts)
	}
}

// applicationArguments returns the argument string for the testcase.
// Variant tasks merge the testcase's minimized arguments with the
// current job's arguments instead of replacing them.
func applicationArguments(env *environ.Env, tc *api.Testcase, taskName string) string {
	args := strings.TrimSpace(tc.MinimizedArguments)
	if args == "" {
		return ""
	}
	if taskName != "variant" {
		return args
	}
	jobArgs := strings.TrimSpace(env.Get("APP_ARGS"))
	if jobArgs == "" {
		return args
	}
	jobList, err := shellquote.Split(jobArgs)
	if err != nil {
		return args
	}
	known := map[string]bool{}
	for _, arg := range jobList {
		known[arg] = true
	}
	tcList, err := shellquote.Split(args)
	if err != nil {
		return args
	}
	var merged []string
	for _, arg := range tcList {
		if !known[arg] {
			merged = append(merged, arg)
		}
	}
	merged = append(merged, jobList...)
	return shellquote.Join(merged...)
}
