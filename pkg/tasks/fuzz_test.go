// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/stats"
	"github.com/pingu-fuzz/pingu-bot/pkg/testutil"
)

// libFuzzerTarget is a fake engine target. A fuzzing round (recognized
// by -artifact_prefix=) writes one crash input and one new corpus unit,
// prints final stats and burns through enough wall time that the round
// loop stops at a 61 second session budget. Reproduction runs skip the
// slow part and just report the crash. sleep is not a shell builtin, so
// the script brings its own PATH.
const libFuzzerTarget = `#!/bin/sh
export PATH=/usr/bin:/bin
prefix=""
corpus=""
for arg; do
  case "$arg" in
  -artifact_prefix=*) prefix="${arg#-artifact_prefix=}" ;;
  -*) ;;
  *) corpus="$arg" ;;
  esac
done
if [ -n "$prefix" ]; then
  sleep 2
  echo "crashme" > "${prefix}crash-1"
  echo "unit content" > "$corpus/new_unit"
  echo "stat::number_of_executed_units: 1234"
  echo "stat::average_exec_per_sec: 617"
  echo "Test unit written to ${prefix}crash-1"
fi
echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
echo "    #0 0x4011 in ParseInput /src/parse.c:10"
echo "    #1 0x4022 in main /src/main.c:20"
echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
exit 1
`

// generatorFuzzer is a fake blackbox fuzzer: it fills the output
// directory with the requested number of testcases. The first one
// carries the crashing line plus a stats sidecar.
const generatorFuzzer = `#!/bin/sh
out=""
n=0
while [ $# -gt 0 ]; do
  case "$1" in
  --output_dir) out="$2"; shift ;;
  --no_of_files) n="$2"; shift ;;
  esac
  shift
done
echo "crashme" > "$out/input-0"
printf '{"kind":"TestcaseRun","timestamp":100.5,"new_units":7}' > "$out/input-0.stats2"
i=1
while [ "$i" -lt "$n" ]; do
  echo "ok $i" > "$out/input-$i"
  i=$((i+1))
done
echo "generated $n testcases"
`

// fuzzedCrashReport matches what crashOnInput prints.
const fuzzedCrashReport = "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011\n" +
	"    #0 0x4011 in ParseInput /src/parse.c:10\n" +
	"    #1 0x4022 in main /src/main.c:20\n" +
	"SUMMARY: AddressSanitizer: heap-buffer-overflow\n"

// crashCandidate fabricates a session crash with its input on disk, the
// way engine and blackbox sessions hand them over.
func crashCandidate(t *testing.T, content, report string) *crash.Candidate {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash-input")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return &crash.Candidate{
		FilePath:   path,
		ReturnCode: 1,
		Stacktrace: report,
	}
}

// makeFuzzerArchive zips a blackbox fuzzer directory.
func makeFuzzerArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0755))
	}
	path := filepath.Join(t.TempDir(), "fuzzer.zip")
	require.NoError(t, archive.CreateZip(dir, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// fuzzContext builds a fuzz task context with the application under
// test pointing at the given script, skipping the build setup.
func fuzzContext(t *testing.T, bot *testBot, appScript string) *TaskContext {
	t.Helper()
	job := bot.seedJob("asan_app", "CRASH_RETRIES = 2")
	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "generator", JobID: job.ID})
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app")
	require.NoError(t, os.WriteFile(appPath, []byte(appScript), 0755))
	tc.Env.Set("APP_NAME", "app")
	tc.Env.Set("APP_DIR", dir)
	tc.Env.Set("APP_PATH", appPath)
	return tc
}

func generatorSession(revision int) *fuzzSession {
	return &fuzzSession{
		fuzzer:            &api.Fuzzer{ID: "fz-gen", Name: "generator"},
		revision:          revision,
		redzone:           64,
		timeoutMultiplier: 1.5,
	}
}

func (p *fakePlane) allTestcases() []*api.Testcase {
	p.mu.Lock()
	defer p.mu.Unlock()
	var rows []*api.Testcase
	for _, row := range p.rows {
		clone := *row
		rows = append(rows, &clone)
	}
	return rows
}

func (b *testBot) readJobRun() *stats.JobRun {
	b.t.Helper()
	for _, path := range b.backend.Paths() {
		if !strings.Contains(path, "/JobRun/") {
			continue
		}
		run := &stats.JobRun{}
		require.NoError(b.t, json.Unmarshal(b.backend.Object(path), run))
		return run
	}
	b.t.Fatal("no JobRun record uploaded")
	return nil
}

func (b *testBot) backendHasPrefix(prefix string) bool {
	for _, path := range b.backend.Paths() {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func TestPickWeighted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ints := []weightedInt{{16, 3}, {32, 0}, {64, 1}}
	floats := []weightedFloat{{0.5, 2}, {1.0, 0}, {2.0, 5}}
	for i := 0; i < testutil.IterCount(); i++ {
		// Zero-weight choices never win.
		assert.NotEqual(t, 32, pickWeightedInt(rng, ints))
		assert.NotEqual(t, 1.0, pickWeightedFloat(rng, floats))
	}
	assert.Equal(t, 512, pickWeightedInt(rng, []weightedInt{{512, 1}}))
	assert.Equal(t, 3.0, pickWeightedFloat(rng, []weightedFloat{{3.0, 9}}))
}

func TestPickSessionParameters(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app",
		"WINDOW_ARG = --window-size=$WIDTH,$HEIGHT --window-position=$LEFT,$TOP --random-seed=$RANDOM_SEED")
	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "libFuzzer", JobID: job.ID})

	session := &fuzzSession{fuzzer: &api.Fuzzer{Name: "libFuzzer"}}
	pickSessionParameters(tc, session)

	env := tc.Env
	assert.Contains(t, []int{16, 32, 64, 128, 256, 512}, session.redzone)
	assert.Contains(t, env.Get("ASAN_OPTIONS"), fmt.Sprintf("redzone=%d", session.redzone))
	// UBSan stays on unless the job runs both sanitizers.
	assert.False(t, session.disableUBSan)

	assert.Contains(t, []float64{0.5, 1.0, 1.5, 2.0, 3.0}, session.timeoutMultiplier)
	if session.timeoutMultiplier != 1.0 {
		assert.Equal(t, strconv.Itoa(int(10*session.timeoutMultiplier)), env.Get("TEST_TIMEOUT"))
	} else {
		assert.Empty(t, env.Get("TEST_TIMEOUT"))
	}

	seed, err := strconv.Atoi(env.Get("RANDOM_SEED"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seed, 0)

	windowArg := env.Get("WINDOW_ARG")
	assert.NotContains(t, windowArg, "$")
	assert.Regexp(t, `^--window-size=\d+,\d+ --window-position=\d+,\d+ --random-seed=\d+$`, windowArg)
	assert.True(t, strings.HasSuffix(windowArg, "--random-seed="+env.Get("RANDOM_SEED")), windowArg)
}

func TestPickFuzzTarget(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app", "")
	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "libFuzzer", JobID: job.ID})
	session := &fuzzSession{fuzzer: &api.Fuzzer{ID: "fz-lf", Name: "libFuzzer"}}
	ctx := context.Background()

	// Nothing recorded: the only target in the build wins.
	path, err := pickFuzzTarget(ctx, tc, session, []string{"/build/only_fuzzer"})
	require.NoError(t, err)
	assert.Equal(t, "/build/only_fuzzer", path)

	bot.plane.mu.Lock()
	bot.plane.targets["t-alpha"] = &api.FuzzTarget{
		ID: "t-alpha", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "alpha_fuzzer"}
	bot.plane.targets["t-beta"] = &api.FuzzTarget{
		ID: "t-beta", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "beta_fuzzer"}
	bot.plane.targets["t-delta"] = &api.FuzzTarget{
		ID: "t-delta", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "delta_fuzzer"}
	bot.plane.targetJobs = []*api.FuzzTargetJob{
		{FuzzTargetID: "t-alpha", JobID: job.ID, Weight: 4},
		// Zero falls back to the default weight.
		{FuzzTargetID: "t-beta", JobID: job.ID, Weight: 0},
		// Recorded for the job yet absent from this build.
		{FuzzTargetID: "t-delta", JobID: job.ID, Weight: 7},
		// Another job's weights do not leak into this one.
		{FuzzTargetID: "t-alpha", JobID: "job-other", Weight: 50},
	}
	bot.plane.mu.Unlock()

	// gamma_fuzzer is in the build but was never recorded.
	paths := []string{"/build/alpha_fuzzer", "/build/beta_fuzzer", "/build/gamma_fuzzer"}
	picked := map[string]int{}
	for i := 0; i < testutil.IterCount(); i++ {
		path, err := pickFuzzTarget(ctx, tc, session, paths)
		require.NoError(t, err)
		assert.Contains(t, paths, path)
		picked[path]++
	}
	if !testing.Short() {
		// alpha carries most of the weight, but every present target
		// must eventually get a session.
		assert.Len(t, picked, 3)
	}
}

func TestTrialAppName(t *testing.T) {
	assert.Equal(t, "app", trialAppName("App.exe"))
	assert.Equal(t, "chrome", trialAppName("Chrome.APK"))
	assert.Equal(t, "launcher", trialAppName("launcher"))
}

func TestSetupTrialArgs(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("asan_app", "APP_NAME = App.exe\nAPP_ARGS = -base")
	bot.plane.mu.Lock()
	bot.plane.trials = []*api.Trial{
		{ID: "tr-1", AppName: "app", Probability: 1.0, AppArgs: "--enable-feature"},
		{ID: "tr-2", AppName: "app", Probability: 0.0, AppArgs: "--never-picked"},
		{ID: "tr-3", AppName: "other", Probability: 1.0, AppArgs: "--other-app"},
	}
	bot.plane.mu.Unlock()
	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "generator", JobID: job.ID})

	// Builds may ship their own trial list next to the binary.
	appDir := t.TempDir()
	config := `[
	  {"app_name": "App.EXE", "app_args": "--from-build", "probability": 1.0},
	  {"app_name": "unrelated", "app_args": "--unrelated", "probability": 1.0}
	]`
	require.NoError(t, os.WriteFile(
		filepath.Join(appDir, trialsConfigFilename), []byte(config), 0644))
	tc.Env.Set("APP_DIR", appDir)

	setupTrialArgs(context.Background(), tc)

	appArgs := tc.Env.Get("APP_ARGS")
	assert.True(t, strings.HasPrefix(appArgs, "-base "), appArgs)
	assert.Contains(t, appArgs, "--enable-feature")
	assert.Contains(t, appArgs, "--from-build")
	assert.NotContains(t, appArgs, "--never-picked")
	assert.NotContains(t, appArgs, "--other-app")
	assert.NotContains(t, appArgs, "--unrelated")

	trialArgs := tc.Env.Get("TRIAL_APP_ARGS")
	assert.Contains(t, trialArgs, "--enable-feature")
	assert.Contains(t, trialArgs, "--from-build")
	assert.NotContains(t, trialArgs, "-base")
}

func TestEngineFuzzSession(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app",
		"RELEASE_BUILD_BUCKET_PATH = /builds/app-release\nAPP_NAME = app_fuzzer\n"+
			"CRASH_RETRIES = 2\nFUZZ_TEST_TIMEOUT = 61")
	bot.plane.mu.Lock()
	bot.plane.fuzzers["libFuzzer"] = &api.Fuzzer{
		ID: "fz-lf", Name: "libFuzzer", Builtin: true, Revision: 1}
	bot.plane.mu.Unlock()
	bot.seedBuilds(map[int]string{22: neverCrashes}, map[string]string{
		"bin/app_fuzzer":         libFuzzerTarget,
		"bin/app_fuzzer.options": "[libfuzzer]\nmax_len = 256\n",
	})

	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "libFuzzer", JobID: job.ID})
	require.NoError(t, fuzzTask(context.Background(), tc))

	assert.Equal(t, "app_fuzzer", tc.Env.Get("FUZZ_TARGET"))

	rows := bot.plane.allTestcases()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, api.TestcaseProcessed, row.Status)
	assert.Equal(t, "libFuzzer", row.FuzzerName)
	assert.Equal(t, "fz-lf", row.FuzzerID)
	assert.Equal(t, job.ID, row.JobID)
	assert.False(t, row.OneTimeCrasher)
	assert.NotEmpty(t, row.FuzzedKeys)
	assert.Contains(t, row.MinimizedArguments, "-max_len=256")
	assert.Contains(t, row.MinimizedArguments, "-rss_limit_mb=2560")
	assert.Contains(t, []int{16, 32, 64, 128, 256, 512}, row.Redzone)
	assert.Equal(t, "app_fuzzer", row.MetadataString("fuzzer_binary_name"))
	assert.True(t, strings.HasSuffix(row.MetadataString("original_file_path"), "crash-1"))
	assert.Contains(t, row.Comments, "Fuzzer libFuzzer_app_fuzzer generated testcase crashed (r22)")

	crashRow := bot.plane.crashOf(row.ID)
	require.NotNil(t, crashRow)
	assert.Equal(t, scriptCrashType, crashRow.CrashType)
	assert.Equal(t, scriptCrashState, crashRow.CrashState)
	assert.True(t, crashRow.SecurityFlag)
	assert.True(t, crashRow.ReproducibleFlag)
	assert.Equal(t, 22, crashRow.CrashRevision)
	stack, err := base64.StdEncoding.DecodeString(crashRow.CrashStacktrace)
	require.NoError(t, err)
	// The stored stacktrace is the whole engine log, stats included.
	assert.Contains(t, string(stack), "stat::number_of_executed_units")
	assert.Contains(t, string(stack), "AddressSanitizer: heap-buffer-overflow")

	added := bot.plane.tasksAdded()
	require.Len(t, added, 1)
	assert.Equal(t, "minimize", added[0].Command)
	assert.Equal(t, row.ID, added[0].Argument)

	// The corpus unit produced by the round went back to storage.
	assert.Contains(t, bot.backend.Paths(), "/corpus/corpus/test-project_app_fuzzer/new_unit")

	run := bot.readJobRun()
	assert.Equal(t, "libFuzzer_app_fuzzer", run.Fuzzer)
	assert.Equal(t, "libfuzzer_asan_app", run.Job)
	assert.Equal(t, 22, run.BuildRevision)
	assert.Equal(t, 1234, run.TestcasesExecuted)
	assert.Equal(t, 1, run.NewCrashes)
	assert.Equal(t, 0, run.KnownCrashes)
	require.Len(t, run.Crashes, 1)
	assert.True(t, run.Crashes[0].IsNew)
	assert.Equal(t, 1, run.Crashes[0].Count)
	assert.Equal(t, scriptCrashType, run.Crashes[0].CrashType)

	assert.True(t, bot.backendHasPrefix(
		"/bigquery/libFuzzer_app_fuzzer/libfuzzer_asan_app/TestcaseRun/"))
	assert.True(t, bot.backendHasPrefix("/logs/libFuzzer_app_fuzzer/libfuzzer_asan_app/"))
}

func TestBlackboxFuzzSession(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("asan_app", buildEnv+"\nCRASH_RETRIES = 2\nMAX_TESTCASES = 4")
	bot.plane.mu.Lock()
	bot.plane.fuzzers["generator"] = &api.Fuzzer{
		ID: "fz-gen", Name: "generator", Filename: "generator.zip",
		ExecutablePath: "run.sh", Revision: 7,
	}
	bot.plane.archives["fz-gen"] = makeFuzzerArchive(t, map[string]string{
		"run.sh": generatorFuzzer,
	})
	bot.plane.mu.Unlock()
	bot.seedBuilds(map[int]string{22: crashOnInput}, nil)

	tc := bot.taskContext(&api.Task{Command: "fuzz", Argument: "generator", JobID: job.ID})
	require.NoError(t, fuzzTask(context.Background(), tc))

	// The fuzzer got installed and stamped with its revision.
	stamp, err := os.ReadFile(filepath.Join(bot.env.FuzzersDir(), "generator", ".generator_version"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(stamp))

	rows := bot.plane.allTestcases()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "generator", row.FuzzerName)
	assert.False(t, row.OneTimeCrasher)
	assert.Empty(t, row.MinimizedArguments)
	_, ok := row.Metadata("fuzzer_binary_name")
	assert.False(t, ok)
	assert.True(t, strings.HasSuffix(row.MetadataString("original_file_path"), "input-0"))
	assert.Contains(t, row.Comments, "Fuzzer generator generated testcase crashed (r22)")

	crashRow := bot.plane.crashOf(row.ID)
	require.NotNil(t, crashRow)
	assert.Equal(t, 22, crashRow.CrashRevision)
	assert.True(t, crashRow.ReproducibleFlag)

	assert.Equal(t, []string{"minimize"}, bot.plane.taskCommands())

	run := bot.readJobRun()
	assert.Equal(t, "generator", run.Fuzzer)
	assert.Equal(t, 4, run.TestcasesExecuted)
	assert.Equal(t, 1, run.NewCrashes)
	assert.Equal(t, 0, run.KnownCrashes)

	// The sidecar stats record kept its own epoch timestamp.
	assert.True(t, bot.backendHasPrefix("/bigquery/generator/asan_app/TestcaseRun/1970-01-01/"))
	assert.True(t, bot.backendHasPrefix("/logs/generator/asan_app/"))
}

func TestProcessCrashesNewTestcase(t *testing.T) {
	bot := newTestBot(t)
	tc := fuzzContext(t, bot, crashOnInput)
	session := generatorSession(22)

	candidates := []*crash.Candidate{
		crashCandidate(t, "crashme\n", fuzzedCrashReport),
		crashCandidate(t, "crashme\n", fuzzedCrashReport),
	}
	summaries, newCount, knownCount, err := processCrashes(context.Background(), tc, session, candidates)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 0, knownCount)
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].IsNew)
	assert.Equal(t, 2, summaries[0].Count)
	assert.Equal(t, scriptCrashType, summaries[0].CrashType)

	rows := bot.plane.allTestcases()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "generator", row.FuzzerName)
	assert.Equal(t, 64, row.Redzone)
	assert.Equal(t, 1.5, row.TimeoutMultiplier)
	assert.False(t, row.OneTimeCrasher)
	assert.Contains(t, row.Comments, "Fuzzer generator generated testcase crashed (r22)")
	assert.Equal(t, []string{"minimize"}, bot.plane.taskCommands())
}

func TestProcessCrashesKnownCrash(t *testing.T) {
	run := func(t *testing.T, sameJob bool) {
		bot := newTestBot(t)
		tc := fuzzContext(t, bot, crashOnInput)
		jobID := "job-elsewhere"
		if sameJob {
			jobID = tc.Job.ID
		}
		existing := bot.plane.addTestcase(&api.Testcase{
			ProjectID: "proj-1",
			JobID:     jobID,
			Status:    api.TestcaseProcessed,
		})
		known := bot.plane.addCrash(&api.Crash{
			TestcaseID:   existing.ID,
			CrashType:    scriptCrashType,
			CrashState:   scriptCrashState,
			SecurityFlag: true,
		})

		session := generatorSession(23)
		summaries, newCount, knownCount, err := processCrashes(context.Background(), tc, session,
			[]*crash.Candidate{crashCandidate(t, "crashme\n", fuzzedCrashReport)})
		require.NoError(t, err)
		assert.Equal(t, 0, newCount)
		assert.Equal(t, 1, knownCount)
		require.Len(t, summaries, 1)
		assert.False(t, summaries[0].IsNew)

		// A known crash bumps counters instead of filing a duplicate.
		assert.Len(t, bot.plane.allTestcases(), 1)
		assert.Empty(t, bot.plane.tasksAdded())
		bot.plane.mu.Lock()
		hits := bot.plane.crashHits[known.ID]
		variant := bot.plane.variants[existing.ID+"/"+tc.Job.ID]
		bot.plane.mu.Unlock()
		assert.Equal(t, 1, hits)

		if sameJob {
			assert.Nil(t, variant)
			return
		}
		// Crashing in another job confirms the variant.
		require.NotNil(t, variant)
		assert.Equal(t, api.VariantReproducible, variant.Status)
		assert.True(t, variant.IsSimilar)
		assert.NotEmpty(t, variant.ReproducerKey)
		assert.Equal(t, 23, variant.CrashRevision)
		assert.Equal(t, scriptCrashState, variant.CrashState)
		assert.True(t, variant.SecurityFlag)
	}
	t.Run("other job", func(t *testing.T) { run(t, false) })
	t.Run("same job", func(t *testing.T) { run(t, true) })
}

func TestProcessCrashesIgnoredStack(t *testing.T) {
	bot := newTestBot(t)
	tc := fuzzContext(t, bot, crashOnInput)
	tc.Env.Set("SEARCH_EXCLUDES", "ParseInput")

	summaries, newCount, knownCount, err := processCrashes(context.Background(), tc,
		generatorSession(22), []*crash.Candidate{crashCandidate(t, "crashme\n", fuzzedCrashReport)})
	require.NoError(t, err)
	assert.Zero(t, newCount)
	assert.Zero(t, knownCount)
	assert.Empty(t, summaries)
	assert.Empty(t, bot.plane.allTestcases())
	assert.Empty(t, bot.plane.tasksAdded())
}

func TestProcessCrashesFunctionalFilter(t *testing.T) {
	bot := newTestBot(t)
	tc := fuzzContext(t, bot, crashOnInput)
	tc.Env.Set("FILTER_FUNCTIONAL_BUGS", "True")

	report := "Check failed: state == kReady\n" +
		"    #0 0x4011 in ValidateState /src/state.c:44\n" +
		"    #1 0x4022 in main /src/main.c:20\n"
	summaries, newCount, knownCount, err := processCrashes(context.Background(), tc,
		generatorSession(22), []*crash.Candidate{crashCandidate(t, "boring\n", report)})
	require.NoError(t, err)
	assert.Zero(t, newCount)
	assert.Zero(t, knownCount)
	assert.Empty(t, summaries)
	assert.Empty(t, bot.plane.allTestcases())
}

func TestStrategyList(t *testing.T) {
	assert.Equal(t, []string{"corpus_subset", "value_profile"},
		strategyList(map[string]int{"value_profile": 1, "corpus_subset": 50, "radamsa": 0}))
	assert.Empty(t, strategyList(nil))
}

func TestIntStat(t *testing.T) {
	columns := map[string]interface{}{
		"int": 3, "int64": int64(7), "float": 2.9, "text": "8",
	}
	assert.Equal(t, 3, intStat(columns, "int"))
	assert.Equal(t, 7, intStat(columns, "int64"))
	assert.Equal(t, 2, intStat(columns, "float"))
	assert.Equal(t, 0, intStat(columns, "text"))
	assert.Equal(t, 0, intStat(columns, "missing"))
}
