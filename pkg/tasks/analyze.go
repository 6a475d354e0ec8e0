// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// analyzeTask processes a user-uploaded testcase: reproduce the crash
// against the reported revision, classify it and kick off the follow-up
// pipeline.
func analyzeTask(ctx context.Context, tc *TaskContext) error {
	// User uploads carry no session parameters, run with the defaults.
	tc.Env.ResetMemoryToolOptions(128, false)
	tc.Env.Set("WINDOW_ARG", "")

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

	if tc.Env.GetBool("LSAN") {
		// Start with empty suppressions so every leak stays visible.
		if _, err := testcases.WriteLSanSuppressions(tc.Env, nil, ""); err != nil {
			return err
		}
	}
	if testcase.Timeout > 0 {
		tc.Env.Setf("TEST_TIMEOUT", "%d", testcase.Timeout)
	}
	if testcase.Retries > 0 {
		tc.Env.Setf("CRASH_RETRIES", "%d", testcase.Retries)
	}

	placement, err := prepareTestcase(ctx, tc, testcase)
	if err != nil {
		return err
	}

	build, err := tc.buildManager().SetupBuild(ctx, builds.Release, crashRow.CrashRevision)
	if err != nil || !builds.CheckAppPath(tc.Env) {
		tc.logger.Error().Err(err).Int("revision", crashRow.CrashRevision).
			Msg("build setup failed")
		if err := tc.addTestcaseComment(ctx, testcase, "Build setup failed"); err != nil {
			return err
		}
		if firstRetryForTask(ctx, tc, testcase, false) {
			return tc.requeue(ctx, tc.failWait())
		}
		return closeInvalidTestcase(ctx, tc, testcase, "Build setup failed")
	}

	testcase.AbsolutePath = placement.Path
	testcase.JobID = tc.Job.ID
	if testcase.MinimizedArguments == "" {
		// Fall back to the job arguments, extended by whatever the
		// uploader asked for.
		args := strings.TrimSpace(tc.Env.Get("APP_ARGS"))
		if extra := testcase.MetadataString("uploaded_additional_args"); extra != "" {
			args = strings.TrimSpace(args + " " + extra)
		}
		tc.Env.Set("APP_ARGS", args)
		testcase.MinimizedArguments = args
	}
	crashRow.CrashRevision = build.Revision
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return fmt.Errorf("failed to update testcase %s: %w", testcase.ID, err)
	}

	run := testcases.NewRunner(tc.Env, tc.logger)
	result, err := run.TestForCrashWithRetries(ctx, placement.Path, testcase.Gestures, nil, 0)
	if err != nil {
		return err
	}

	testTimeout := tc.Env.GetSeconds("TEST_TIMEOUT", 10*time.Second)
	if result == nil || !result.IsCrash() {
		message := fmt.Sprintf("Testcase didn't crash in %d seconds (with retries)",
			int(testTimeout.Seconds()))
		if err := tc.addTestcaseComment(ctx, testcase, message); err != nil {
			return err
		}
		// Retry once on another bot in case this one is in a bad state
		// our checks did not catch.
		if firstRetryForTask(ctx, tc, testcase, false) {
			testcase.Status = api.TestcaseUnreproducible
			if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
				return err
			}
			return tc.requeue(ctx, 0)
		}
		if err := closeInvalidTestcase(ctx, tc, testcase, "Unreproducible"); err != nil {
			return err
		}
		// A non-reproducing testcase might still matter on production
		// branches.
		if err := createImpactTaskIfNeeded(ctx, tc, testcase); err != nil {
			tc.logger.Error().Err(err).Msg("failed to schedule the impact task")
		}
		return nil
	}

	info := result.Info()
	crashRow.CrashType = info.Type
	crashRow.CrashAddress = info.Address
	crashRow.CrashState = info.State
	crashRow.SecurityFlag = info.Security
	crashRow.CrashStacktrace = base64.StdEncoding.EncodeToString(
		[]byte(tc.filterStacktrace(ctx, result.Output)))
	if info.Security {
		crashRow.SecuritySeverity = int(crash.SecuritySeverity(info))
	}
	message := fmt.Sprintf("Testcase crashed in %d seconds (r%d)",
		int(result.CrashTime.Seconds()), crashRow.CrashRevision)
	if err := tc.addTestcaseComment(ctx, testcase, message); err != nil {
		return err
	}

	rules, err := crash.NewIgnoreRules(tc.Env.Get("SEARCH_EXCLUDES"), tc.Config.StackBlacklist)
	if err != nil {
		return fmt.Errorf("bad stack ignore rules: %w", err)
	}
	if rules.Ignore(result.Output) {
		return closeInvalidTestcase(ctx, tc, testcase, "Irrelevant")
	}

	expect := &testcases.Expectation{State: info.State, Security: info.Security}
	reproduces, err := run.TestForReproducibility(ctx, placement.Path, testcase.Gestures, expect, 0)
	if err != nil {
		return err
	}
	testcase.OneTimeCrasher = !reproduces

	similar, err := tc.API.FindSimilarCrash(ctx, tc.Job.ProjectID, crashRow.Key(), testcase.ID)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("duplicate lookup failed")
	}
	if similar != nil {
		testcase.Status = api.TestcaseDuplicate
		testcase.DuplicateOf = similar.TestcaseID
		message := fmt.Sprintf("Testcase is a duplicate of %s", similar.TestcaseID)
		if err := tc.addTestcaseComment(ctx, testcase, message); err != nil {
			return err
		}
	} else {
		testcase.Status = api.TestcaseProcessed
		testcase.Timestamp = tc.Clock.Now().UTC()
		if tc.Env.GetBool("LSAN") && reproduces &&
			strings.Contains(strings.ToLower(info.Type), "leak") {
			recordLeakFunction(tc, info.State)
		}
	}

	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return fmt.Errorf("failed to update testcase %s: %w", testcase.ID, err)
	}
	if err := tc.API.UpdateCrash(ctx, crashRow); err != nil {
		return fmt.Errorf("failed to update the crash record: %w", err)
	}
	if testcase.Status == api.TestcaseDuplicate {
		return nil
	}
	return createTasks(ctx, tc, testcase)
}

// firstRetryForTask reports whether the current task command has not
// been retried for this testcase yet, recording the attempt on the way
// out. With resetAfterRetry the marker is cleared on the second call so
// a later run of the same task gets its own retry.
func firstRetryForTask(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	resetAfterRetry bool) bool {
	key := tc.Task.Command + "_retry"
	flag, _ := testcase.Metadata(key)
	if flag != true {
		testcase.SetMetadata(key, true)
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			tc.logger.Warn().Err(err).Msg("failed to store the retry marker")
		}
		return true
	}
	if resetAfterRetry {
		testcase.SetMetadata(key, false)
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			tc.logger.Warn().Err(err).Msg("failed to clear the retry marker")
		}
	}
	return false
}

// closeInvalidTestcase retires a testcase the pipeline cannot work
// with. The reason lands in the comment log so the uploader can see
// what happened.
func closeInvalidTestcase(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	reason string) error {
	testcase.Status = api.TestcaseUnreproducible
	testcase.Fixed = api.NotApplicable
	testcase.MinimizedKeys = api.NotApplicable
	testcase.Regression = api.NotApplicable
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return fmt.Errorf("failed to close testcase %s: %w", testcase.ID, err)
	}
	return tc.addTestcaseComment(ctx, testcase, reason)
}
