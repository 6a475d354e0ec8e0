// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/revisions"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Metadata keys under which an interrupted bisection checkpoints its
// current range, so a later attempt resumes instead of starting over.
const (
	regressionRangeMinKey = "last_regression_min"
	regressionRangeMaxKey = "last_regression_max"
)

// Most regressions are recent, so before committing to a full binary
// search the task probes this many revisions right below the known
// crashing one.
const extremeRevisionsToTest = 3

// A finished range is validated by rerunning the testcase on a sample
// of even earlier revisions. Any of them crashing means the bisection
// was chasing a flaky stack.
const (
	revisionsToValidate           = 2
	earlierRevisionsForValidation = 10
)

// errBadBuildRevision marks a revision whose build starts up broken.
// Bisection drops the revision from its working list and carries on;
// only a revision that must hold (the known-crashing bound) escalates
// it into a task failure.
var errBadBuildRevision = errors.New("unusable build revision")

// regressionTask bisects the job's revision list for the range in which
// the crash was introduced, writing the result to testcase.regression
// as "min:max".
func regressionTask(ctx context.Context, tc *TaskContext) error {
	testcase, err := tc.fetchTestcase(ctx, tc.Task.Argument)
	if err != nil {
		return err
	}
	if testcase.Regression != "" {
		tc.logger.Info().Str("testcase", testcase.ID).
			Str("regression", testcase.Regression).
			Msg("regression range is already set")
		return nil
	}

	// Custom binaries are uploaded outside any revision history.
	if tc.Env.GetBool("CUSTOM_BINARY") {
		testcase.Regression = api.NotApplicable
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
		return tc.addTestcaseComment(ctx, testcase, "Not applicable for custom binaries")
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

	err = findRegressionRange(ctx, tc, testcase, crashRow, placement.Path)
	var setupErr *builds.BuildSetupError
	switch {
	case errors.As(err, &setupErr):
		msg := fmt.Sprintf("Build setup failed r%d", setupErr.Revision)
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
		return tc.requeue(ctx, tc.failWait())
	case errors.Is(err, errBadBuildRevision):
		testcase.Regression = api.NotApplicable
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
		return tc.addTestcaseComment(ctx, testcase, "Unable to recover from bad build")
	}
	return err
}

func findRegressionRange(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, crashRow *api.Crash, testcasePath string) error {
	manager := tc.buildManager()
	list, err := manager.RevisionList(ctx, builds.Release)
	if err != nil {
		return fmt.Errorf("failed to fetch the revision list: %w", err)
	}
	if len(list) == 0 {
		return closeInvalidTestcase(ctx, tc, testcase, "Failed to fetch revision list")
	}

	// Resume from the last checkpoint, if any. A fresh task starts with
	// the full list up to the revision the crash was found at.
	minRevision, okMin := testcase.MetadataInt(regressionRangeMinKey)
	maxRevision, okMax := testcase.MetadataInt(regressionRangeMaxKey)
	firstRun := !okMin && !okMax
	if !okMin {
		minRevision = list[0]
	}
	if !okMax {
		maxRevision = crashRow.CrashRevision
	}
	minIndex, ok := list.MinIndex(minRevision)
	if !ok {
		return &builds.BuildNotFoundError{Revision: minRevision, Job: tc.Job.Name}
	}
	maxIndex, ok := list.MaxIndex(maxRevision)
	if !ok {
		return &builds.BuildNotFoundError{Revision: maxRevision, Job: tc.Job.Name}
	}

	tester := &revisionTester{
		tc:       tc,
		run:      testcases.NewRunner(tc.Env, tc.logger),
		expect:   &testcases.Expectation{State: crashRow.CrashState, Security: crashRow.SecurityFlag},
		path:     testcasePath,
		gestures: testcase.Gestures,
		manager:  manager,
	}

	// The max bound must hold or the bisection has nothing to anchor on.
	crashes, err := tester.crashesAt(ctx, list[maxIndex])
	if err != nil {
		return err
	}
	if !crashes {
		msg := fmt.Sprintf("Known crash revision %d did not crash", list[maxIndex])
		if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
			return err
		}
		return markUnreproducibleIfFlaky(ctx, tc, testcase, true)
	}
	if err := markUnreproducibleIfFlaky(ctx, tc, testcase, false); err != nil {
		return err
	}

	if firstRun {
		found, err := findRegressionNearExtremes(ctx, tc, testcase, tester, list, minIndex, maxIndex)
		if err != nil || found {
			return err
		}
	}

	deadline := tc.deadline()
	for tc.Clock.Now().Before(deadline) {
		minRevision, maxRevision = list[minIndex], list[maxIndex]
		if maxIndex-minIndex <= 1 {
			badRevision, valid, err := validateRegressionRange(ctx, tc, tester, list, minIndex)
			if err != nil {
				return err
			}
			if !valid {
				testcase.Regression = api.NotApplicable
				if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
					return err
				}
				msg := fmt.Sprintf("Low confidence in regression range. "+
					"Test case crashes in revision r%d but not later revision r%d",
					badRevision, minRevision)
				return tc.addTestcaseComment(ctx, testcase, msg)
			}
			return saveRegressionRange(ctx, tc, testcase, minRevision, maxRevision)
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
			maxIndex = middle
		} else {
			minIndex = middle
		}
		if err := saveRegressionCheckpoint(ctx, tc, testcase, list[minIndex], list[maxIndex]); err != nil {
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

// findRegressionNearExtremes checks the revisions right below the
// known-crashing one and then the oldest usable revision. A hit on
// either end settles the range without a binary search.
func findRegressionNearExtremes(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, tester *revisionTester,
	list revisions.List, minIndex, maxIndex int) (bool, error) {
	lastCrashing := list[maxIndex]
	for offset := 1; offset <= extremeRevisionsToTest; offset++ {
		index := maxIndex - offset
		if index < minIndex {
			break
		}
		crashes, err := tester.crashesAt(ctx, list[index])
		if errors.Is(err, errBadBuildRevision) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !crashes {
			return true, saveRegressionRange(ctx, tc, testcase, list[index], lastCrashing)
		}
		lastCrashing = list[index]
	}

	// A crash at the very start of the history means the bug predates
	// the revision list, recorded as the open-ended range 0:min.
	for attempt := 0; attempt < extremeRevisionsToTest; attempt++ {
		minRevision := list[minIndex]
		crashes, err := tester.crashesAt(ctx, minRevision)
		if errors.Is(err, errBadBuildRevision) {
			if minIndex+1 >= maxIndex {
				break
			}
			minIndex++
			continue
		}
		if err != nil {
			return false, err
		}
		if crashes {
			return true, saveRegressionRange(ctx, tc, testcase, 0, minRevision)
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: no usable build near r%d", errBadBuildRevision, list[minIndex])
}

// validateRegressionRange reruns the testcase on a random sample of
// revisions below the range. It returns the revision that unexpectedly
// crashed, if any.
func validateRegressionRange(ctx context.Context, tc *TaskContext,
	tester *revisionTester, list revisions.List, minIndex int) (int, bool, error) {
	low := minIndex - earlierRevisionsForValidation
	if low < 0 {
		low = 0
	}
	earlier := append(revisions.List{}, list[low:minIndex]...)
	tc.Rand.Shuffle(len(earlier), func(i, j int) {
		earlier[i], earlier[j] = earlier[j], earlier[i]
	})
	count := revisionsToValidate
	if count > len(earlier) {
		count = len(earlier)
	}
	for _, revision := range earlier[:count] {
		crashes, err := tester.crashesAt(ctx, revision)
		if errors.Is(err, errBadBuildRevision) {
			continue
		}
		if err != nil {
			return 0, false, err
		}
		if crashes {
			return revision, false, nil
		}
	}
	return 0, true, nil
}

func saveRegressionCheckpoint(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, minRevision, maxRevision int) error {
	testcase.SetMetadata(regressionRangeMinKey, minRevision)
	testcase.SetMetadata(regressionRangeMaxKey, maxRevision)
	return tc.API.UpdateTestcase(ctx, testcase)
}

// saveRegressionRange records the final range and schedules the
// follow-ups that depend on it.
func saveRegressionRange(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, minRevision, maxRevision int) error {
	testcase.Regression = revisions.FormatRange(minRevision, maxRevision)
	testcase.DeleteMetadata(regressionRangeMinKey)
	testcase.DeleteMetadata(regressionRangeMaxKey)
	if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
		return err
	}
	msg := fmt.Sprintf("Regressed in range %s", testcase.Regression)
	if err := tc.addTestcaseComment(ctx, testcase, msg); err != nil {
		return err
	}
	if err := createImpactTaskIfNeeded(ctx, tc, testcase); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to create the impact task")
	}
	if err := createSymbolizeTaskIfNeeded(ctx, tc, testcase); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to create the symbolize task")
	}
	return nil
}

// revisionTester reruns one testcase against builds of arbitrary
// revisions for the bisection tasks.
type revisionTester struct {
	tc       *TaskContext
	run      *testcases.Runner
	expect   *testcases.Expectation
	path     string
	gestures []string
	manager  *builds.Manager
}

// crashesAt reports whether the expected crash reproduces at the given
// revision. errBadBuildRevision means the revision has no usable build
// and the caller should drop it from the search.
func (rt *revisionTester) crashesAt(ctx context.Context, revision int) (bool, error) {
	if _, err := rt.manager.SetupBuild(ctx, builds.Release, revision); err != nil {
		return false, err
	}
	if !builds.CheckAppPath(rt.tc.Env) {
		return false, &builds.BuildSetupError{Revision: revision, Job: rt.tc.Job.Name}
	}
	bad, err := rt.tc.checkBadBuild(ctx, rt.run, revision)
	if err != nil {
		return false, err
	}
	if bad {
		rt.tc.logger.Info().Int("revision", revision).Msg("bad build, skipping the revision")
		return false, fmt.Errorf("%w: r%d", errBadBuildRevision, revision)
	}
	result, err := rt.run.TestForCrashWithRetries(ctx, rt.path, rt.gestures, rt.expect, 0)
	if err != nil {
		return false, err
	}
	return result != nil && result.IsCrash() && rt.expect.Matches(result.Info()), nil
}
