// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
)

// crashOnInputOnce reports the crash only on its first invocation, the
// way a testcase hitting an uninitialized-memory bug often behaves.
const crashOnInputOnce = `#!/bin/sh
marker="$ROOT_DIR/crashed_once"
read line < "$1"
if [ "$line" = "crashme" ] && [ ! -e "$marker" ]; then
  : > "$marker"
  echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
  echo "    #0 0x4011 in ParseInput /src/parse.c:10"
  echo "    #1 0x4022 in main /src/main.c:20"
  echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
  exit 1
fi
echo ok
`

func setupAnalyze(t *testing.T, script, extraEnv string) *regressionScenario {
	bot := newTestBot(t)
	job := bot.seedJob("asan_app", buildEnv+"\nCRASH_RETRIES = 2"+extraEnv)
	bot.seedBuilds(map[int]string{22: script}, nil)
	row := bot.storedTestcase(job.ID, "crashme")
	// Uploads arrive with an unclassified crash record; the analyze
	// task fills in what actually happened.
	bot.plane.addCrash(&api.Crash{
		TestcaseID:      row.ID,
		CrashRevision:   22,
		CrashStacktrace: "Pending",
	})
	return &regressionScenario{bot: bot, job: job, row: row}
}

func (s *regressionScenario) runAnalyze(t *testing.T) error {
	t.Helper()
	tc := s.bot.taskContext(&api.Task{
		Command: "analyze", Argument: s.row.ID, JobID: s.job.ID,
	})
	return analyzeTask(context.Background(), tc)
}

func TestAnalyzeReproducibleCrash(t *testing.T) {
	s := setupAnalyze(t, crashOnInput, "")
	require.NoError(t, s.runAnalyze(t))

	row := s.testcase()
	assert.Equal(t, api.TestcaseProcessed, row.Status)
	assert.False(t, row.OneTimeCrasher)
	assert.Contains(t, row.Comments, "Testcase crashed in")
	assert.Contains(t, row.Comments, "(r22)")

	crashRow := s.bot.plane.crashOf(s.row.ID)
	assert.Equal(t, scriptCrashType, crashRow.CrashType)
	assert.Equal(t, scriptCrashState, crashRow.CrashState)
	assert.True(t, crashRow.SecurityFlag)
	stack, err := base64.StdEncoding.DecodeString(crashRow.CrashStacktrace)
	require.NoError(t, err)
	assert.Contains(t, string(stack), "AddressSanitizer: heap-buffer-overflow")

	// A reproducible crash heads into minimization.
	assert.Equal(t, []string{"minimize"}, s.bot.plane.taskCommands())
}

func TestAnalyzeUnreproducible(t *testing.T) {
	s := setupAnalyze(t, neverCrashes, "")

	// First attempt: benefit of the doubt, requeue for another bot.
	require.NoError(t, s.runAnalyze(t))
	row := s.testcase()
	assert.Equal(t, api.TestcaseUnreproducible, row.Status)
	assert.Contains(t, row.Comments, "Testcase didn't crash in 10 seconds (with retries)")
	assert.Equal(t, []string{"analyze"}, s.bot.plane.taskCommands())

	// Second attempt closes it and only keeps the impact follow-up.
	require.NoError(t, s.runAnalyze(t))
	row = s.testcase()
	assert.Equal(t, api.TestcaseUnreproducible, row.Status)
	assert.Equal(t, api.NotApplicable, row.Regression)
	assert.Equal(t, api.NotApplicable, row.MinimizedKeys)
	assert.Contains(t, row.Comments, "Unreproducible")
	assert.Equal(t, []string{"analyze", "impact"}, s.bot.plane.taskCommands())
}

func TestAnalyzeTimeoutOverride(t *testing.T) {
	s := setupAnalyze(t, neverCrashes, "")
	s.bot.plane.mu.Lock()
	s.row.Timeout = 3
	s.bot.plane.mu.Unlock()

	require.NoError(t, s.runAnalyze(t))
	assert.Contains(t, s.testcase().Comments,
		"Testcase didn't crash in 3 seconds (with retries)")
}

func TestAnalyzeDuplicate(t *testing.T) {
	s := setupAnalyze(t, crashOnInput, "")
	other := s.bot.plane.addTestcase(&api.Testcase{
		ProjectID: "proj-1", JobID: s.job.ID, Status: api.TestcaseProcessed,
	})
	s.bot.plane.addCrash(&api.Crash{
		TestcaseID:   other.ID,
		CrashType:    scriptCrashType,
		CrashState:   scriptCrashState,
		SecurityFlag: true,
	})

	require.NoError(t, s.runAnalyze(t))
	row := s.testcase()
	assert.Equal(t, api.TestcaseDuplicate, row.Status)
	assert.Equal(t, other.ID, row.DuplicateOf)
	assert.Contains(t, row.Comments, "Testcase is a duplicate of "+other.ID)
	// Duplicates get no follow-up pipeline of their own.
	assert.Empty(t, s.bot.plane.taskCommands())
}

func TestAnalyzeIgnoredStack(t *testing.T) {
	s := setupAnalyze(t, crashOnInput, "\nSEARCH_EXCLUDES = ParseInput")
	require.NoError(t, s.runAnalyze(t))

	row := s.testcase()
	assert.Equal(t, api.TestcaseUnreproducible, row.Status)
	assert.Contains(t, row.Comments, "Irrelevant")
	assert.Empty(t, s.bot.plane.taskCommands())
}

func TestAnalyzeOneTimeCrasher(t *testing.T) {
	s := setupAnalyze(t, crashOnInputOnce, "")
	require.NoError(t, s.runAnalyze(t))

	row := s.testcase()
	assert.Equal(t, api.TestcaseProcessed, row.Status)
	assert.True(t, row.OneTimeCrasher)
	// Without a reproducer there is nothing to minimize or bisect.
	assert.Empty(t, s.bot.plane.taskCommands())
}

func TestAnalyzeMinimizationDisabled(t *testing.T) {
	s := setupAnalyze(t, crashOnInput, "\nMIN = No")
	require.NoError(t, s.runAnalyze(t))

	row := s.testcase()
	assert.Equal(t, api.TestcaseProcessed, row.Status)
	assert.Equal(t, api.NotApplicable, row.MinimizedKeys)
	assert.Equal(t, api.NotApplicable, row.Regression)
	assert.Empty(t, s.bot.plane.taskCommands())
}

func TestAnalyzeUploaderArguments(t *testing.T) {
	s := setupAnalyze(t, neverCrashes, "\nAPP_ARGS = -base")
	s.bot.plane.mu.Lock()
	s.row.SetMetadata("uploaded_additional_args", "--extra")
	s.bot.plane.mu.Unlock()

	require.NoError(t, s.runAnalyze(t))
	assert.Equal(t, "-base --extra", s.testcase().MinimizedArguments)
}

func TestAnalyzeBuildSetupFailure(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("asan_app", buildEnv)
	row := bot.storedTestcase(job.ID, "crashme")
	bot.plane.addCrash(&api.Crash{TestcaseID: row.ID, CrashRevision: 22})
	// No build archives exist at all.

	tc := bot.taskContext(&api.Task{Command: "analyze", Argument: row.ID, JobID: job.ID})
	require.NoError(t, analyzeTask(context.Background(), tc))
	fresh := bot.plane.testcase(row.ID)
	assert.Contains(t, fresh.Comments, "Build setup failed")
	added := bot.plane.tasksAdded()
	require.Len(t, added, 1)
	assert.Equal(t, "analyze", added[0].Command)

	// The second failure closes the testcase for good.
	tc = bot.taskContext(&api.Task{Command: "analyze", Argument: row.ID, JobID: job.ID})
	require.NoError(t, analyzeTask(context.Background(), tc))
	fresh = bot.plane.testcase(row.ID)
	assert.Equal(t, api.TestcaseUnreproducible, fresh.Status)
}
