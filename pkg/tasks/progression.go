// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/corpus"
	"github.com/pingu-fuzz/pingu-bot/pkg/revisions"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Shown as pending on the testcase page while the bisection runs, and
// keeps the triage cron from updating the row underneath it.
const progressionPendingKey = "progression_pending"

// Checkpoint keys of an interrupted fixed-range bisection.
const (
	progressionRangeMinKey = "last_progression_min"
	progressionRangeMaxKey = "last_progression_max"
)

// progressionTask checks whether an open crash still reproduces on the
// latest build and, once it stops, bisects for the range that fixed it.
// The result lands in testcase.fixed as "min:max".
func progressionTask(ctx context.Context, tc *TaskContext) error {
	testcase, err := tc.fetchTestcase(ctx, tc.Task.Argument)
	if err != nil {
		return err
	}
	if testcase.Fixed != "" {
		tc.logger.Info().Str("testcase", testcase.ID).Str("fixed", testcase.Fixed).
			Msg("fixed range is already set")
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
	testcase.SetMetadata(progressionPendingKey, true)
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return err
	}

	if tc.Env.GetBool("CUSTOM_BINARY") {
		return checkFixedForCustomBinary(ctx, tc, testcase, placement.Path)
	}

	err = findFixedRange(ctx, tc, testcase, crashRow, placement.Path)
	var setupErr *builds.BuildSetupError
	switch {
	case errors.As(err, &setupErr):
		msg := fmt.Sprintf("Build setup failed r%d", setupErr.Revision)
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
		return tc.requeue(ctx, tc.failWait())
	case errors.Is(err, errBadBuildRevision):
		testcase.Fixed = api.NotApplicable
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
		return tc.addTestcaseComment(ctx, testcase, "Unable to recover from bad build")
	}
	return err
}

// checkFixedForCustomBinary handles jobs without a revision history:
// there is nothing to bisect, only the latest upload to test against.
func checkFixedForCustomBinary(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, testcasePath string) error {
	if _, err := tc.buildManager().SetupBuild(ctx, builds.Release, 0); err != nil {
		if err := tc.addTestcaseComment(ctx, testcase, "Build setup failed for custom binary"); err != nil {
			return err
		}
		return tc.requeue(ctx, tc.failWait())
	}
	run := testcases.NewRunner(tc.Env, tc.logger)
	result, err := run.TestForCrashWithRetries(ctx, testcasePath, testcase.Gestures, nil, 0)
	if err != nil {
		return err
	}
	if result != nil && result.IsCrash() {
		return finishProgression(ctx, tc, testcase, 0, true,
			"still crashes on latest custom build")
	}
	// Retry once on another bot in case this one is in a bad state we
	// did not catch through the usual means.
	if firstRetryForTask(ctx, tc, testcase, true) {
		if err := tc.requeue(ctx, 0); err != nil {
			return err
		}
		return finishProgression(ctx, tc, testcase, 0, false, "")
	}
	testcase.Fixed = "Yes"
	return finishProgression(ctx, tc, testcase, 0, false, "fixed on latest custom build")
}

func findFixedRange(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, crashRow *api.Crash, testcasePath string) error {
	manager := tc.buildManager()
	list, err := manager.RevisionList(ctx, builds.Release)
	if err != nil {
		return fmt.Errorf("failed to fetch the revision list: %w", err)
	}
	if len(list) == 0 {
		return closeInvalidTestcase(ctx, tc, testcase, "Failed to fetch revision list")
	}

	// Pick up the checkpoint of a timed-out run, then clear it either
	// way: a failed attempt should not taint the next one and a
	// successful one must not cap the max revision ever again.
	minRevision, okMin := testcase.MetadataInt(progressionRangeMinKey)
	maxRevision, okMax := testcase.MetadataInt(progressionRangeMaxKey)
	if okMin || okMax {
		testcase.DeleteMetadata(progressionRangeMinKey)
		testcase.DeleteMetadata(progressionRangeMaxKey)
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
	}
	knownCrashRevision := crashRow.CrashRevision
	if last, ok := testcase.MetadataInt("last_tested_crash_revision"); ok {
		knownCrashRevision = last
	}
	if !okMin {
		minRevision = knownCrashRevision
	}
	if !okMax {
		maxRevision, _ = list.Last()
	}
	minIndex, ok := list.MinIndex(minRevision)
	if !ok {
		return &builds.BuildNotFoundError{Revision: minRevision, Job: tc.Job.Name}
	}
	maxIndex, ok := list.MaxIndex(maxRevision)
	if !ok {
		return &builds.BuildNotFoundError{Revision: maxRevision, Job: tc.Job.Name}
	}
	if err := tc.addTestcaseComment(ctx, testcase, fmt.Sprintf("r%d", list[maxIndex])); err != nil {
		return err
	}

	tester := &revisionTester{
		tc:       tc,
		run:      testcases.NewRunner(tc.Env, tc.logger),
		expect:   &testcases.Expectation{State: crashRow.CrashState, Security: crashRow.SecurityFlag},
		path:     testcasePath,
		gestures: testcase.Gestures,
		manager:  manager,
	}

	// Still crashing on the latest revision: not fixed, nothing to
	// bisect yet. The scheduler will try again later.
	crashes, err := tester.crashesAt(ctx, list[maxIndex])
	if err != nil {
		return err
	}
	if crashes {
		tc.logger.Info().Int("revision", list[maxIndex]).
			Msg("found crash with same signature on the latest revision")
		if err := markUnreproducibleIfFlaky(ctx, tc, testcase, false); err != nil {
			return err
		}
		return finishProgression(ctx, tc, testcase, list[maxIndex], true,
			fmt.Sprintf("still crashes on latest revision r%d", list[maxIndex]))
	}

	// The bisection assumes the min bound crashes throughout.
	crashes, err = tester.crashesAt(ctx, list[minIndex])
	if err != nil {
		return err
	}
	if !crashes {
		if firstRetryForTask(ctx, tc, testcase, true) {
			if err := tc.requeue(ctx, 0); err != nil {
				return err
			}
			msg := fmt.Sprintf("Known crash revision %d did not crash, "+
				"will retry on another bot to confirm result", knownCrashRevision)
			if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
				return err
			}
			return finishProgression(ctx, tc, testcase, list[maxIndex], false, "")
		}
		msg := fmt.Sprintf("Known crash revision %d did not crash", knownCrashRevision)
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
		return markUnreproducibleIfFlaky(ctx, tc, testcase, true)
	}

	deadline := tc.deadline()
	for tc.Clock.Now().Before(deadline) {
		minRevision, maxRevision = list[minIndex], list[maxIndex]
		if maxIndex-minIndex == 1 {
			return saveFixedRange(ctx, tc, testcase, minRevision, maxRevision, testcasePath)
		}
		// Flaky stacks occasionally drive the bounds together.
		if maxIndex-minIndex < 1 {
			testcase.Fixed = api.NotApplicable
			msg := fmt.Sprintf("Fixed testing errored out (min and max revisions are both %d)",
				minRevision)
			return finishProgression(ctx, tc, testcase, maxRevision, false, msg)
		}

		middle := (minIndex + maxIndex) / 2
		msg := fmt.Sprintf("Testing r%d (current range %d:%d)",
			list[middle], minRevision, maxRevision)
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
		crashes, err := tester.crashesAt(ctx, list[middle])
		if errors.Is(err, errBadBuildRevision) {
			list = list.Remove(middle)
			maxIndex--
			continue
		}
		if err != nil {
			return err
		}
		if crashes {
			minIndex = middle
		} else {
			maxIndex = middle
		}
		testcase.SetMetadata(progressionRangeMinKey, list[minIndex])
		testcase.SetMetadata(progressionRangeMaxKey, list[maxIndex])
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
		tc.markInProgress(ctx)
	}

	msg := fmt.Sprintf("Timed out, current range r%d:r%d", list[minIndex], list[maxIndex])
	if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
		return err
	}
	return tc.requeue(ctx, 0)
}

func saveFixedRange(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	minRevision, maxRevision int, testcasePath string) error {
	testcase.Fixed = revisions.FormatRange(minRevision, maxRevision)
	err := finishProgression(ctx, tc, testcase, maxRevision, false,
		fmt.Sprintf("fixed in range r%s", testcase.Fixed))
	if err != nil {
		return err
	}
	storeTestcaseForRegressionTesting(ctx, tc, testcase, testcasePath)
	return nil
}

// storeTestcaseForRegressionTesting feeds the now-fixed crasher into the
// regressions corpus so corpus pruning replays it on every future build.
// Only engine targets with a filed bug qualify.
func storeTestcaseForRegressionTesting(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, testcasePath string) {
	if testcase.BugInformation == "" {
		return
	}
	binary := testcase.MetadataString("fuzzer_binary_name")
	if binary == "" {
		return
	}
	target := &api.FuzzTarget{Binary: binary}
	store := corpus.NewStorage(tc.Storage, tc.Config.CorpusBucket, corpus.Corpus,
		target.QualifiedName(tc.Project.Name), tc.logger)
	if err := store.UploadRegression(ctx, testcasePath); err != nil {
		tc.logger.Error().Err(err).Str("testcase", testcase.ID).
			Msg("failed to store the testcase for regression testing")
		return
	}
	tc.logger.Info().Str("testcase", testcase.ID).
		Msg("stored the testcase for regression testing")
}

// finishProgression clears the pending flag, records what was tested
// and leaves the closing comment, if any.
func finishProgression(ctx context.Context, tc *TaskContext, testcase *api.Testcase,
	revision int, isCrash bool, message string) error {
	testcase.DeleteMetadata(progressionPendingKey)
	testcase.SetMetadata("last_tested_revision", revision)
	if isCrash {
		testcase.SetMetadata("last_tested_crash_revision", revision)
		testcase.SetMetadata("last_tested_crash_time",
			tc.Clock.Now().UTC().Format(time.RFC3339))
	}
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return err
	}
	if message == "" {
		return nil
	}
	return tc.addTestcaseComment(ctx, testcase, message)
}
