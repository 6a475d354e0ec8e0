// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Redzone sizes probed while looking for a more precise report. A
// use-after-free can turn out to be an OOB read/write once the redzone
// around the allocation is large enough.
const (
	symbolizeDefaultRedzone = 128
	symbolizeMaxRedzone     = 1024
	symbolizeMinRedzone     = 16
)

// malloc_context_size for the symbolized runs. The tool default of 30
// frames truncates deep stacks.
const symbolizeStackFrames = 128

// symbolizeTask reruns a crash against the symbolized release and debug
// builds and replaces the stored stacktrace with the readable ones.
func symbolizeTask(ctx context.Context, tc *TaskContext) error {
	testcase, err := tc.fetchTestcase(ctx, tc.Task.Argument)
	if err != nil {
		return err
	}
	manager := tc.buildManager()
	if !manager.HasSymbolizedBuilds() {
		tc.logger.Info().Str("job", tc.Job.Name).
			Msg("the job publishes no symbolized builds, nothing to do")
		return nil
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

	// Symbolized binaries are slow; run everything on the warmup budget.
	warmup := tc.Env.GetSeconds("WARMUP_TIMEOUT", 90*time.Second)
	tc.Env.Setf("TEST_TIMEOUT", "%d", int(warmup.Seconds()))

	// An upload whose stacktrace is still pending has no trusted
	// revision, so the latest build stands in.
	revision := crashRow.CrashRevision
	if crashRow.CrashStacktrace == "Pending" {
		revision = 0
	}
	build, err := manager.SetupBuild(ctx, builds.Release, revision)
	if err != nil || !builds.CheckAppPath(tc.Env) {
		tc.logger.Error().Err(err).Int("revision", revision).Msg("build setup failed")
		if err := tc.addTestcaseComment(ctx, testcase, "Build setup failed"); err != nil {
			return err
		}
		return tc.requeue(ctx, tc.failWait())
	}
	crashRevision := build.Revision

	rules, err := crash.NewIgnoreRules(tc.Env.Get("SEARCH_EXCLUDES"), tc.Config.StackBlacklist)
	if err != nil {
		return fmt.Errorf("bad stack ignore rules: %w", err)
	}

	symType := crashRow.CrashType
	symAddress := crashRow.CrashAddress
	symState := crashRow.CrashState
	symRedzone := symbolizeDefaultRedzone
	symStacktrace := decodeStacktrace(crashRow.CrashStacktrace)

	run := testcases.NewRunner(tc.Env, tc.logger)
	if tc.Env.GetBool("ASAN") && crashRow.SecurityFlag {
		for redzone := symbolizeMaxRedzone; redzone >= symbolizeMinRedzone; redzone /= 2 {
			tc.Env.ResetMemoryToolOptions(redzone, testcase.DisableUBSan)
			result, err := run.Run(ctx, placement.Path, testcase.Gestures)
			if err != nil {
				return err
			}
			if !result.IsCrash() || !strings.Contains(result.Output, "AddressSanitizer") {
				continue
			}
			info := result.Info()
			if rules.Ignore(result.Output) ||
				info.Security != crashRow.SecurityFlag ||
				info.Type != crashRow.CrashType {
				continue
			}
			if info.Type == symType && info.State == symState {
				continue
			}
			tc.logger.Info().Int("redzone", redzone).
				Str("old_type", symType).Str("new_type", info.Type).
				Msg("changing crash parameters")
			symType = info.Type
			symAddress = info.Address
			symState = info.State
			symRedzone = redzone
			symStacktrace = result.Output
			break
		}
	}

	symBuilds, err := manager.SetupSymbolizedBuilds(ctx, crashRevision)
	if err != nil || (!builds.CheckAppPath(tc.Env) && tc.Env.Get("APP_PATH_DEBUG") == "") {
		tc.logger.Error().Err(err).Int("revision", crashRevision).
			Msg("symbolized build setup failed")
		if err := tc.addTestcaseComment(ctx, testcase, "Build setup failed"); err != nil {
			return err
		}
		return tc.requeue(ctx, tc.failWait())
	}
	defer manager.DeleteSymbolizedBuilds(symBuilds)

	tc.Env.ResetMemoryToolOptions(symRedzone, testcase.DisableUBSan)
	tc.Env.UpdateMemoryToolOptions("ASAN_OPTIONS", environ.SanitizerOptions{
		"malloc_context_size":     strconv.Itoa(symbolizeStackFrames),
		"symbolize_inline_frames": "1",
	})

	symbolized, stacktrace, err := symbolizedStacktraces(ctx, tc, testcase, crashRow,
		placement.Path, rules, symState, symStacktrace)
	if err != nil {
		return err
	}

	crashRow.CrashType = symType
	crashRow.CrashAddress = symAddress
	crashRow.CrashState = symState
	crashRow.CrashStacktrace = base64.StdEncoding.EncodeToString(
		[]byte(tc.filterStacktrace(ctx, stacktrace)))
	crashRow.CrashRevision = crashRevision
	if symbolized {
		// Point readers at the less optimized build behind the better
		// stacktrace.
		if url := tc.Env.Get("BUILD_URL"); url != "" {
			testcase.SetMetadata("build_url", url)
		}
		if err := tc.addTestcaseComment(ctx, testcase, "Updated symbolized stacktrace"); err != nil {
			return err
		}
	} else {
		if err := tc.addTestcaseComment(ctx, testcase,
			"Unable to reproduce crash, skipping stacktrace update"); err != nil {
			return err
		}
	}
	if err := tc.API.UpdateCrash(ctx, crashRow); err != nil {
		return fmt.Errorf("failed to update the crash record: %w", err)
	}

	// The crash state may have changed out from under the dedup key.
	similar, err := tc.API.FindSimilarCrash(ctx, tc.Job.ProjectID, crashRow.Key(), testcase.ID)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("duplicate lookup failed")
	}
	if similar != nil && testcase.Status != api.TestcaseDuplicate {
		testcase.Status = api.TestcaseDuplicate
		testcase.DuplicateOf = similar.TestcaseID
		msg := fmt.Sprintf("Testcase is a duplicate of %s", similar.TestcaseID)
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
	}
	return nil
}

// symbolizedStacktraces reruns the testcase on the symbolized builds.
// The release stack must still match the expected crash; the debug
// stack is informational and goes below it.
func symbolizedStacktraces(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	crashRow *api.Crash, testcasePath string, rules *crash.IgnoreRules,
	expectedState, oldStacktrace string) (bool, string, error) {
	retries := tc.Env.GetInt("FAIL_RETRIES", 2)
	symbolized := false
	releaseStacktrace := oldStacktrace
	debugStacktrace := ""

	// Debug build first, so the release stack ends up on top.
	if debugPath := tc.Env.Get("APP_PATH_DEBUG"); debugPath != "" {
		debugEnv := tc.Env.Copy()
		debugEnv.Set("APP_PATH", debugPath)
		debugRun := testcases.NewRunner(debugEnv, tc.logger)
		for round := 0; round < retries; round++ {
			result, err := debugRun.Run(ctx, testcasePath, testcase.Gestures)
			if err != nil {
				return false, "", err
			}
			if !result.IsCrash() || rules.Ignore(result.Output) {
				continue
			}
			debugStacktrace = result.Output
			symbolized = true
			break
		}
	}

	if builds.CheckAppPath(tc.Env) {
		run := testcases.NewRunner(tc.Env, tc.logger)
		for round := 0; round < retries; round++ {
			result, err := run.Run(ctx, testcasePath, testcase.Gestures)
			if err != nil {
				return false, "", err
			}
			if !result.IsCrash() || rules.Ignore(result.Output) {
				continue
			}
			info := result.Info()
			if !crash.SimilarStates(info.State, expectedState) ||
				info.Security != crashRow.SecurityFlag {
				continue
			}
			releaseStacktrace = result.Output
			symbolized = true
			break
		}
	}

	stacktrace := releaseStacktrace
	if debugStacktrace != "" {
		stacktrace += "\n\n" + debugStacktrace
	}
	return symbolized, stacktrace, nil
}

// decodeStacktrace unpacks a stored stacktrace. Placeholder values like
// "Pending" are not encoded and pass through unchanged.
func decodeStacktrace(stored string) string {
	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored
	}
	return string(data)
}
