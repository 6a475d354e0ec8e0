// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
)

// markUnreproducibleIfFlaky handles a testcase that failed to reproduce
// during a task. The first strike re-runs the same task once; a second
// strike gives up, marks the pending results not applicable and flags
// the testcase as a one-time crasher.
func markUnreproducibleIfFlaky(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase, potentiallyFlaky bool) error {
	if !potentiallyFlaky {
		testcase.SetMetadata("potentially_flaky", false)
		return tc.API.UpdateTestcase(ctx, testcase)
	}

	flagged, _ := testcase.Metadata("potentially_flaky")
	if b, ok := flagged.(bool); !ok || !b {
		testcase.SetMetadata("potentially_flaky", true)
		if err := tc.API.UpdateTestcase(ctx, testcase); err != nil {
			return err
		}
		return tc.API.AddTask(ctx, &api.AddTaskReq{
			Command:  tc.Task.Command,
			Argument: testcase.ID,
			JobID:    testcase.JobID,
		})
	}

	switch tc.Task.Command {
	case "minimize":
		if testcase.MinimizedKeys == "" {
			testcase.MinimizedKeys = api.NotApplicable
		}
		testcase.Regression = api.NotApplicable
		testcase.Fixed = api.NotApplicable
	case "regression":
		testcase.Regression = api.NotApplicable
	case "progression":
		testcase.Fixed = api.NotApplicable
	}
	testcase.OneTimeCrasher = true
	return tc.addTestcaseComment(ctx, testcase, "Testcase appears to be flaky")
}

// createTasks schedules the follow-up pipeline for a freshly filed
// testcase. One-time crashers get none: there is nothing to minimize or
// bisect without a reproducer.
func createTasks(ctx context.Context, tc *TaskContext, testcase *api.Testcase) error {
	if testcase.OneTimeCrasher {
		return nil
	}
	if strings.EqualFold(tc.Env.Get("MIN"), "No") {
		// Minimization is off for the job, and without a minimized
		// reproducer the heavyweight follow-ups are skipped too.
		fresh, err := tc.fetchTestcase(ctx, testcase.ID)
		if err != nil {
			return err
		}
		fresh.MinimizedKeys = api.NotApplicable
		fresh.Regression = api.NotApplicable
		return tc.API.UpdateTestcase(ctx, fresh)
	}
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:  "minimize",
		Argument: testcase.ID,
		JobID:    testcase.JobID,
	})
}

// createPostMinimizeTasks schedules the tasks that want a minimized
// reproducer. Individual failures are logged, not fatal: a missing
// variant row is recoverable, a lost minimized testcase is not.
func createPostMinimizeTasks(ctx context.Context, tc *TaskContext, testcase *api.Testcase) {
	for _, create := range []struct {
		name string
		fn   func(context.Context, *TaskContext, *api.Testcase) error
	}{
		{"regression", createRegressionTaskIfNeeded},
		{"symbolize", createSymbolizeTaskIfNeeded},
		{"impact", createImpactTaskIfNeeded},
		{"progression", createProgressionTaskIfNeeded},
		{"variant", createVariantTasksIfNeeded},
	} {
		if err := create.fn(ctx, tc, testcase); err != nil {
			tc.logger.Error().Err(err).Str("follow_up", create.name).
				Msg("failed to schedule a follow-up task")
		}
	}
}

// Custom binaries have no revision history, so bisection and build
// dependent follow-ups do not apply to them.
func createRegressionTaskIfNeeded(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) error {
	if tc.Env.GetBool("CUSTOM_BINARY") {
		return nil
	}
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:  "regression",
		Argument: testcase.ID,
		JobID:    testcase.JobID,
	})
}

func createSymbolizeTaskIfNeeded(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) error {
	if tc.Env.GetBool("CUSTOM_BINARY") {
		return nil
	}
	if !tc.buildManager().HasSymbolizedBuilds() {
		return nil
	}
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:  "symbolize",
		Argument: testcase.ID,
		JobID:    testcase.JobID,
	})
}

func createImpactTaskIfNeeded(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) error {
	if tc.Env.GetBool("CUSTOM_BINARY") {
		return nil
	}
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:  "impact",
		Argument: testcase.ID,
		JobID:    testcase.JobID,
	})
}

func createProgressionTaskIfNeeded(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) error {
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:  "progression",
		Argument: testcase.ID,
		JobID:    testcase.JobID,
	})
}

// createVariantTasksIfNeeded tries the crash against the project's
// other jobs. The variant rows are preset to pending so the result
// pages show the jobs immediately.
func createVariantTasksIfNeeded(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) error {
	if testcase.DuplicateOf != "" {
		return nil
	}
	jobs, err := tc.API.Jobs(ctx, tc.Job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list the project jobs: %w", err)
	}
	engineJob := engineForJob(tc.Job.Name) != ""
	for _, job := range jobs {
		if job.ID == testcase.JobID || job.Experimental {
			continue
		}
		// Engine testcases do not run under blackbox jobs and vice versa.
		if (engineForJob(job.Name) != "") != engineJob {
			continue
		}
		variant := &api.TestcaseVariant{
			TestcaseID: testcase.ID,
			JobID:      job.ID,
			Status:     api.VariantPending,
		}
		if err := tc.API.SaveTestcaseVariant(ctx, variant); err != nil {
			tc.logger.Warn().Err(err).Str("variant_job", job.Name).
				Msg("failed to preset the variant row")
		}
		err := tc.API.AddTask(ctx, &api.AddTaskReq{
			Command:  "variant",
			Argument: testcase.ID,
			JobID:    job.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
