// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/minimize"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Metadata key under which a deadline-interrupted minimization stores
// the blob of its partial result.
const minimizeProgressKey = "minimize_progress_key"

// Margin kept free at the end of the task for the write-back.
const minimizeFinishMargin = 5 * time.Minute

// minimizeTask shrinks a reproducer to its essential parts, in phases:
// gestures, the main file, auxiliary files, application arguments. A
// phase that runs out of time persists its progress and requeues.
func minimizeTask(ctx context.Context, tc *TaskContext) error {
	testcase, err := tc.fetchTestcase(ctx, tc.Task.Argument)
	if err != nil {
		return err
	}
	crashRow, err := tc.API.CrashByTestcase(ctx, testcase.ID)
	if errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("%w: testcase %s has no crash record", ErrInvalidTestcase, testcase.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch the crash of testcase %s: %w", testcase.ID, err)
	}

	placement, err := prepareTestcase(ctx, tc, testcase)
	if err != nil {
		return err
	}
	if _, err := tc.buildManager().SetupBuild(ctx, builds.Release, crashRow.CrashRevision); err != nil {
		return err
	}

	// Resume a previous attempt's partial result.
	if key := testcase.MetadataString(minimizeProgressKey); key != "" {
		if err := tc.Blobs.ReadToDisk(ctx, key, placement.Path); err != nil {
			tc.logger.Warn().Err(err).
				Msg("failed to restore the minimization progress, starting over")
		}
	}

	m := &minimizer{
		tc:       tc,
		run:      testcases.NewRunner(tc.Env, tc.logger),
		expect:   &testcases.Expectation{State: crashRow.CrashState, Security: crashRow.SecurityFlag},
		path:     placement.Path,
		files:    placement.Files,
		gestures: testcase.Gestures,
		deadline: tc.deadline().Add(-minimizeFinishMargin),
	}

	// Anything that cannot be reproduced cannot be minimized either.
	result, err := m.run.TestForCrashWithRetries(ctx, m.path, m.gestures, m.expect, 0)
	if err != nil {
		return err
	}
	if result == nil || !result.IsCrash() || !m.expect.Matches(result.Info()) {
		tc.logger.Warn().Str("testcase", testcase.ID).
			Msg("the crash is not reproducible, cannot minimize")
		return markUnreproducibleIfFlaky(ctx, tc, testcase, true)
	}

	originalSize := fileSize(m.path)
	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"gestures", m.minimizeGestures},
		{"main file", m.minimizeMainFile},
		{"file list", m.minimizeFileList},
		{"arguments", m.minimizeArguments},
	}
	for _, phase := range phases {
		tc.logger.Info().Str("phase", phase.name).Msg("minimization phase started")
		err := phase.fn(ctx)
		if errors.Is(err, minimize.ErrDeadlineExceeded) {
			return saveMinimizeProgress(ctx, tc, testcase, m)
		}
		if err != nil {
			return fmt.Errorf("%s minimization failed: %w", phase.name, err)
		}
		tc.markInProgress(ctx)
	}
	return finishMinimization(ctx, tc, testcase, m, originalSize)
}

// minimizer carries the mutable state the phases share. The invariant
// throughout: the testcase on disk, the kept gestures and the current
// APP_ARGS together still reproduce the expected crash.
type minimizer struct {
	tc       *TaskContext
	run      *testcases.Runner
	expect   *testcases.Expectation
	path     string
	files    []string
	gestures []string
	deadline time.Time
}

func (m *minimizer) config(pred func([]byte) (bool, error)) minimize.Config {
	return minimize.Config{
		Pred:     pred,
		Deadline: m.deadline,
		Clock:    m.tc.Clock,
		Logf: func(format string, args ...interface{}) {
			m.tc.logger.Debug().Msgf(format, args...)
		},
	}
}

// crashes runs the current testcase once and reports whether the
// expected crash came up. Single-shot on purpose: a flaky miss only
// leaves one removable token in place.
func (m *minimizer) crashes(ctx context.Context) (bool, error) {
	result, err := m.run.Run(ctx, m.path, m.gestures)
	if err != nil {
		return false, err
	}
	if !result.IsCrash() {
		return false, nil
	}
	return m.expect.Matches(result.Info()), nil
}

func (m *minimizer) minimizeGestures(ctx context.Context) error {
	if len(m.gestures) == 0 {
		return nil
	}
	cfg := m.config(func(data []byte) (bool, error) {
		saved := m.gestures
		m.gestures = decodeGestures(data)
		defer func() { m.gestures = saved }()
		return m.crashes(ctx)
	})
	data, err := minimize.Chunked(cfg, encodeGestures(m.gestures))
	if err != nil {
		return err
	}
	m.gestures = decodeGestures(data)
	return nil
}

func (m *minimizer) minimizeMainFile(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cfg := m.config(func(candidate []byte) (bool, error) {
		if err := os.WriteFile(m.path, candidate, 0644); err != nil {
			return false, err
		}
		return m.crashes(ctx)
	})
	cfg.Tokenizer = tokenizerFor(data)
	minimized, err := minimize.TwoRoundChunked(cfg, data)
	// Partial results matter: the progress blob is read from disk.
	if werr := os.WriteFile(m.path, minimized, 0644); werr != nil && err == nil {
		err = werr
	}
	return err
}

// minimizeFileList drops auxiliary files of a multi-file testcase one by
// one, keeping those the crash needs.
func (m *minimizer) minimizeFileList(ctx context.Context) error {
	if len(m.files) <= 1 {
		return nil
	}
	kept := make([]string, 0, len(m.files))
	for i, file := range m.files {
		if file == m.path {
			kept = append(kept, file)
			continue
		}
		if !m.tc.Clock.Now().Before(m.deadline) {
			kept = append(kept, m.files[i:]...)
			m.files = kept
			return minimize.ErrDeadlineExceeded
		}
		hidden := file + ".removed"
		if err := os.Rename(file, hidden); err != nil {
			kept = append(kept, file)
			continue
		}
		crashes, err := m.crashes(ctx)
		if err != nil {
			os.Rename(hidden, file)
			return err
		}
		if crashes {
			os.Remove(hidden)
			continue
		}
		if err := os.Rename(hidden, file); err != nil {
			return err
		}
		kept = append(kept, file)
	}
	m.files = kept
	return nil
}

func (m *minimizer) minimizeArguments(ctx context.Context) error {
	raw := strings.TrimSpace(m.tc.Env.Get("APP_ARGS"))
	if raw == "" {
		return nil
	}
	cfg := m.config(func(data []byte) (bool, error) {
		m.tc.Env.Set("APP_ARGS", strings.TrimSpace(string(data)))
		return m.crashes(ctx)
	})
	cfg.Tokenizer = argumentTokenizer
	minimized, err := minimize.SinglePass(cfg, []byte(raw))
	m.tc.Env.Set("APP_ARGS", strings.TrimSpace(string(minimized)))
	return err
}

// saveMinimizeProgress stores the partially minimized testcase and
// schedules a continuation.
func saveMinimizeProgress(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	m *minimizer) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	key, err := tc.Blobs.Write(ctx, data, filepath.Base(m.path))
	if err != nil {
		return fmt.Errorf("failed to store the minimization progress: %w", err)
	}
	testcase.SetMetadata(minimizeProgressKey, key)
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return err
	}
	tc.logger.Info().Str("progress_key", key).
		Msg("ran out of time, requeueing the minimization")
	return tc.requeue(ctx, 0)
}

func finishMinimization(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	m *minimizer, originalSize int64) error {
	var key string
	var err error
	if len(m.files) > 1 {
		zipPath := filepath.Join(tc.Env.TmpDir(), testcase.ID+".zip")
		if err := archive.ZipFiles(filepath.Dir(m.path), m.files, zipPath); err != nil {
			return fmt.Errorf("failed to archive the minimized testcase: %w", err)
		}
		key, err = tc.Blobs.WriteFile(ctx, zipPath)
		os.Remove(zipPath)
		if err != nil {
			return fmt.Errorf("failed to store the minimized testcase: %w", err)
		}
		testcase.ArchiveState |= api.ArchiveMinimized
	} else {
		data, rerr := os.ReadFile(m.path)
		if rerr != nil {
			return rerr
		}
		key, err = tc.Blobs.Write(ctx, data, filepath.Base(m.path))
		if err != nil {
			return fmt.Errorf("failed to store the minimized testcase: %w", err)
		}
		testcase.ArchiveState &^= api.ArchiveMinimized
	}
	testcase.MinimizedKeys = key
	testcase.Gestures = m.gestures
	args := strings.TrimSpace(tc.Env.Get("APP_ARGS"))
	testcase.MinimizedArguments = strings.ReplaceAll(args, m.path, testcases.TestcasePlaceholder)
	testcase.DeleteMetadata(minimizeProgressKey)

	message := fmt.Sprintf("Testcase minimized from %d to %d bytes", originalSize, fileSize(m.path))
	if err := tc.addTestcaseComment(ctx, testcase, message); err != nil {
		return err
	}
	tc.logger.Info().Str("testcase", testcase.ID).Str("minimized_key", key).
		Msg("minimization finished")
	createPostMinimizeTasks(ctx, tc, testcase)
	return nil
}

func encodeGestures(gestures []string) []byte {
	return []byte(strings.Join(gestures, "\n"))
}

func decodeGestures(data []byte) []string {
	var gestures []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			gestures = append(gestures, line)
		}
	}
	return gestures
}

// tokenizerFor picks line tokens for text inputs and fixed-size byte
// chunks for binary ones.
func tokenizerFor(data []byte) minimize.Tokenizer {
	if utf8.Valid(data) && bytes.ContainsRune(data, '\n') {
		return minimize.LineTokenizer
	}
	size := len(data) / 100
	if size < 1 {
		size = 1
	}
	if size > 1024 {
		size = 1024
	}
	return minimize.ByteChunkTokenizer(size)
}

// argumentTokenizer splits an argument string into droppable tokens,
// keeping the separators attached so tokens concatenate back exactly.
func argumentTokenizer(data []byte) [][]byte {
	return bytes.SplitAfter(data, []byte(" "))
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
