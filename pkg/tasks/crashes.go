// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/stats"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// processCrashes groups the crashes found during a fuzzing session and
// files testcases for the new ones. Known crashes bump observation
// counters instead. Returns per-group summaries for the stats pipeline
// plus the new/known group counts.
func processCrashes(ctx context.Context, tc *TaskContext, session *fuzzSession,
	candidates []*crash.Candidate) ([]stats.CrashSummary, int, int, error) {
	if len(candidates) == 0 {
		return nil, 0, 0, nil
	}
	rules, err := crash.NewIgnoreRules(tc.Env.Get("SEARCH_EXCLUDES"), tc.Config.StackBlacklist)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("bad stack ignore rules: %w", err)
	}
	for _, c := range candidates {
		c.Evaluate(rules)
	}
	filterFunctional := tc.Env.GetBool("FILTER_FUNCTIONAL_BUGS")
	groups := crash.GroupCandidates(candidates)
	tc.logger.Info().Int("crashes", len(candidates)).Int("groups", len(groups)).
		Msg("processing session crashes")

	run := testcases.NewRunner(tc.Env, tc.logger)
	archiveFn := func(c *crash.Candidate) error {
		archived, err := testcases.ArchiveTestcase(ctx, tc.Blobs, tc.Env, c.FilePath, c.Resources)
		if err != nil {
			return err
		}
		c.FuzzedKey = archived.Key
		c.Archived = archived.Archived
		c.AbsolutePath = archived.AbsolutePath
		c.ArchiveFilename = archived.ArchiveFilename
		return nil
	}

	var summaries []stats.CrashSummary
	newCount, knownCount := 0, 0
	for i, group := range groups {
		if i > 0 {
			// Pace the control plane writes.
			tc.sleep(ctx, time.Second)
		}
		expect := &testcases.Expectation{State: group.Key.State, Security: group.Key.Security}
		reproduceFn := func(c *crash.Candidate) bool {
			ok, err := run.TestForReproducibility(ctx, c.FilePath, c.Gestures, expect, 0)
			if err != nil {
				tc.logger.Warn().Err(err).Str("file", c.FilePath).
					Msg("reproduction attempt failed")
				return false
			}
			return ok
		}
		if !group.FindMain(filterFunctional, archiveFn, reproduceFn) {
			for _, c := range group.Candidates {
				if err := c.Err(filterFunctional); err != nil {
					tc.logger.Info().Err(err).Str("file", c.FilePath).Msg("crash not filed")
				}
			}
			continue
		}

		existing, err := tc.API.FindTestcase(ctx, tc.Job.ProjectID, api.CrashKey{
			Type:     group.Key.Type,
			State:    group.Key.State,
			Security: group.Key.Security,
		})
		if err != nil {
			tc.logger.Error().Err(err).Msg("failed to search for an existing testcase")
			continue
		}
		existingOneTime := existing != nil && existing.OneTimeCrasher
		isNew := crash.ShouldCreate(existing != nil, existingOneTime, group.OneTime)
		if isNew {
			testcase, err := fileCrashGroup(ctx, tc, session, group)
			if err != nil {
				tc.logger.Error().Err(err).Str("state", group.Key.State).
					Msg("failed to file a testcase")
				continue
			}
			newCount++
			tc.Metrics.NewCrash()
			if err := createTasks(ctx, tc, testcase); err != nil {
				tc.logger.Error().Err(err).Str("testcase", testcase.ID).
					Msg("failed to schedule the follow-up tasks")
			}
		} else {
			knownCount++
			tc.Metrics.KnownCrash()
			updateKnownCrash(ctx, tc, session, existing, group)
		}
		summaries = append(summaries, stats.CrashSummary{
			CrashType:    group.Key.Type,
			CrashState:   group.Key.State,
			SecurityFlag: group.Key.Security,
			IsNew:        isNew,
			Count:        len(group.Candidates),
		})
	}
	return summaries, newCount, knownCount, nil
}

// fileCrashGroup creates the testcase and crash rows for a group's main
// crash and leaves a comment tying them back to the fuzzer and build.
func fileCrashGroup(ctx context.Context, tc *TaskContext, session *fuzzSession,
	group *crash.Group) (*api.Testcase, error) {
	main := group.Main
	testcase := &api.Testcase{
		ProjectID:         tc.Job.ProjectID,
		FuzzerID:          session.fuzzer.ID,
		FuzzerName:        session.fuzzer.Name,
		JobID:             tc.Job.ID,
		Status:            api.TestcaseProcessed,
		AbsolutePath:      main.AbsolutePath,
		ArchiveFilename:   main.ArchiveFilename,
		FuzzedKeys:        main.FuzzedKey,
		OneTimeCrasher:    group.OneTime,
		TimeoutMultiplier: session.timeoutMultiplier,
		Redzone:           session.redzone,
		DisableUBSan:      session.disableUBSan,
		Gestures:          main.Gestures,
		WindowArgument:    tc.Env.Get("WINDOW_ARG"),
		Timestamp:         tc.Clock.Now().UTC(),
	}
	if main.Archived {
		testcase.ArchiveState = api.ArchiveFuzzed
	}
	if len(main.Arguments) > 0 {
		testcase.MinimizedArguments = strings.Join(main.Arguments, " ")
	}
	if binary := session.targetBinary(); binary != "" {
		testcase.SetMetadata("fuzzer_binary_name", binary)
	}
	if len(main.Strategies) > 0 {
		testcase.SetMetadata("fuzzing_strategies", main.Strategies)
	}
	testcase.SetMetadata("original_file_path", main.FilePath)
	if trial := tc.Env.Get("TRIAL_APP_ARGS"); trial != "" {
		testcase.SetMetadata("additional_required_app_args", trial)
	}
	created, err := tc.API.AddTestcase(ctx, testcase)
	if err != nil {
		return nil, fmt.Errorf("failed to create the testcase: %w", err)
	}

	info := main.Info()
	crashRow := &api.Crash{
		TestcaseID:       created.ID,
		CrashType:        group.Key.Type,
		CrashState:       group.Key.State,
		CrashAddress:     info.Address,
		CrashStacktrace:  base64.StdEncoding.EncodeToString([]byte(main.Stacktrace)),
		SecurityFlag:     group.Key.Security,
		CrashRevision:    session.revision,
		ReproducibleFlag: !group.OneTime,
	}
	if group.Key.Security {
		crashRow.SecuritySeverity = int(crash.SecuritySeverity(info))
	}
	if len(main.Strategies) > 0 {
		crashRow.FuzzingStrategies = strings.Join(main.Strategies, ",")
	}
	if _, err := tc.API.AddCrash(ctx, crashRow); err != nil {
		return nil, fmt.Errorf("failed to create the crash record: %w", err)
	}

	if tc.Env.GetBool("LSAN") && strings.Contains(strings.ToLower(group.Key.Type), "leak") {
		recordLeakFunction(tc, group.Key.State)
	}

	err = tc.addTestcaseComment(ctx, created, fmt.Sprintf(
		"Fuzzer %s generated testcase crashed (r%d)",
		session.qualifiedName(), session.revision))
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to comment on the new testcase")
	}
	tc.logger.Info().Str("testcase", created.ID).Str("type", group.Key.Type).
		Bool("one_time", group.OneTime).Msg("new testcase filed")
	return created, nil
}

// updateKnownCrash bumps the hit counter of an already-filed crash and,
// when the observation comes from a different job, records it as a
// variant confirmation.
func updateKnownCrash(ctx context.Context, tc *TaskContext, session *fuzzSession,
	existing *api.Testcase, group *crash.Group) {
	crashRow, err := tc.API.CrashByTestcase(ctx, existing.ID)
	if err != nil {
		tc.logger.Warn().Err(err).Str("testcase", existing.ID).
			Msg("failed to fetch the crash record")
	} else if crashRow != nil {
		if err := tc.API.UpdateCrashStats(ctx, crashRow.ID, len(group.Candidates)); err != nil {
			tc.logger.Warn().Err(err).Msg("failed to update the crash stats")
		}
	}
	if existing.JobID == tc.Job.ID {
		return
	}
	variant, err := tc.API.TestcaseVariant(ctx, existing.ID, tc.Job.ID)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to fetch the variant row")
		return
	}
	if variant == nil {
		variant = &api.TestcaseVariant{TestcaseID: existing.ID, JobID: tc.Job.ID}
	}
	variant.Status = api.VariantReproducible
	if group.OneTime {
		variant.Status = api.VariantFlaky
	}
	variant.IsSimilar = true
	variant.ReproducerKey = group.Main.FuzzedKey
	variant.CrashRevision = session.revision
	variant.CrashType = group.Key.Type
	variant.CrashState = group.Key.State
	variant.SecurityFlag = group.Key.Security
	if err := tc.API.SaveTestcaseVariant(ctx, variant); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to save the variant row")
	}
}
