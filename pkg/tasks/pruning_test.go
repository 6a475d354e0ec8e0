// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/corpus"
	"github.com/pingu-fuzz/pingu-bot/pkg/engine"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

// pruningTarget is a fake libFuzzer binary for corpus pruning runs. In
// merge mode it copies every healthy unit from the input directories
// (regression subdirectories included) into the output directory and
// turns units whose first line is the magic word into crash artifacts.
// With a single input it reproduces the crash the way the app scripts
// do. Shell builtins only, the exported task env has no PATH.
const pruningTarget = `#!/bin/sh
mode=run
prefix=""
out=""
dirs=""
input=""
for arg in "$@"; do
  case "$arg" in
    -merge=1) mode=merge ;;
    -artifact_prefix=*) prefix="${arg#-artifact_prefix=}" ;;
    -*) ;;
    *)
      if [ "$mode" = "merge" ] && [ -z "$out" ]; then
        out="$arg"
      elif [ "$mode" = "merge" ]; then
        dirs="$dirs $arg"
      else
        input="$arg"
      fi
      ;;
  esac
done
if [ "$mode" = "merge" ]; then
  new=0
  for d in $dirs; do
    for f in "$d"/* "$d"/*/*; do
      [ -f "$f" ] || continue
      line=""
      read line < "$f"
      base="${f##*/}"
      if [ "$line" = "crashme" ]; then
        echo "crashme" > "${prefix}crash-$base"
      elif [ ! -f "$out/$base" ]; then
        echo "$line" > "$out/$base"
        new=$((new+1))
      fi
    done
  done
  echo "MERGE-OUTER: $new new files with $new new features added"
  exit 0
fi
line=""
read line < "$input"
if [ "$line" = "crashme" ]; then
  echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
  echo "    #0 0x4011 in ParseInput /src/parse.c:10"
  echo "    #1 0x4022 in main /src/main.c:20"
  echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
  exit 1
fi
echo ok
exit 0
`

func TestSplitPruningArgument(t *testing.T) {
	fuzzerName, binary, err := splitPruningArgument("libFuzzer,app_fuzzer")
	require.NoError(t, err)
	assert.Equal(t, "libFuzzer", fuzzerName)
	assert.Equal(t, "app_fuzzer", binary)

	for _, argument := range []string{"", "libFuzzer", "libFuzzer,", ",app_fuzzer"} {
		_, _, err := splitPruningArgument(argument)
		assert.ErrorIs(t, err, ErrBadState, argument)
	}
}

func TestFindTargetBinary(t *testing.T) {
	targets := []*api.FuzzTarget{
		{ID: "t-1", Binary: "alpha_fuzzer"},
		{ID: "t-2", Binary: "beta_fuzzer"},
	}
	require.NotNil(t, findTargetBinary(targets, "beta_fuzzer"))
	assert.Equal(t, "t-2", findTargetBinary(targets, "beta_fuzzer").ID)
	assert.Nil(t, findTargetBinary(targets, "gamma_fuzzer"))
	assert.Nil(t, findTargetBinary(nil, "alpha_fuzzer"))
}

func TestPickCrossPollinateTargets(t *testing.T) {
	tc := &TaskContext{
		Rand:    rand.New(rand.NewSource(1)),
		Project: &api.Project{Name: "test-project"},
	}
	targets := []*api.FuzzTarget{
		{Binary: "alpha_fuzzer"},
		{Binary: "beta_fuzzer"},
		{Binary: "gamma_fuzzer"},
		{Binary: "delta_fuzzer"},
		{Binary: "self_fuzzer"},
	}

	peers := pickCrossPollinateTargets(tc, targets, "self_fuzzer")
	require.Len(t, peers, crossPollinateFuzzerCount)
	for _, peer := range peers {
		assert.True(t, strings.HasPrefix(peer, "test-project_"), peer)
		assert.NotEqual(t, "test-project_self_fuzzer", peer)
	}

	peers = pickCrossPollinateTargets(tc, targets[:2], "alpha_fuzzer")
	assert.Equal(t, []string{"test-project_beta_fuzzer"}, peers)

	assert.Empty(t, pickCrossPollinateTargets(tc, targets[4:], "self_fuzzer"))
}

func TestPruningLibFuzzerFlags(t *testing.T) {
	// No .options file: the platform defaults apply.
	runner := &pruningRunner{}
	assert.Equal(t, []string{
		"-timeout=5", "-rss_limit_mb=2560", "-max_len=5242880",
		"-detect_leaks=1", "-use_value_profile=1",
	}, runner.libFuzzerFlags())

	runner = &pruningRunner{options: engine.ParseOptions(
		"[libfuzzer]\nrss_limit_mb = 1024\nmax_len = 128\ndetect_leaks = 0\n", "")}
	assert.Equal(t, []string{
		"-timeout=5", "-rss_limit_mb=1024", "-max_len=128",
		"-detect_leaks=0", "-use_value_profile=1",
	}, runner.libFuzzerFlags())

	// Values above the platform limits lose to them.
	runner = &pruningRunner{options: engine.ParseOptions(
		"[libfuzzer]\nrss_limit_mb = 99999\nmax_len = 99999999\n", "")}
	assert.Equal(t, []string{
		"-timeout=5", "-rss_limit_mb=2560", "-max_len=5242880",
		"-detect_leaks=1", "-use_value_profile=1",
	}, runner.libFuzzerFlags())
}

func TestMeasureCorpus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "regressions"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit-1"), []byte("abc"), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "regressions", "unit-2"), []byte("hello"), 0644))

	count, size := measureCorpus(dir)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(8), size)

	count, size = measureCorpus(filepath.Join(dir, "missing"))
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(0), size)
}

func TestRestoreQuarantinedUnits(t *testing.T) {
	tc := &TaskContext{Rand: rand.New(rand.NewSource(1)), logger: zerolog.Nop()}
	p := &pruningContext{tc: tc, initialDir: t.TempDir(), quarantineDir: t.TempDir()}
	for i := 0; i < maxQuarantineUnitsToRestore+22; i++ {
		require.NoError(t, os.WriteFile(
			filepath.Join(p.quarantineDir, fmt.Sprintf("unit-%03d", i)), []byte("x"), 0644))
	}

	require.NoError(t, p.restoreQuarantinedUnits())
	restored, err := listUnitPaths(p.initialDir)
	require.NoError(t, err)
	assert.Len(t, restored, maxQuarantineUnitsToRestore)
	left, err := listUnitPaths(p.quarantineDir)
	require.NoError(t, err)
	assert.Len(t, left, 22)

	// An empty quarantine is the common case and a no-op.
	p = &pruningContext{tc: tc, initialDir: t.TempDir(), quarantineDir: t.TempDir()}
	require.NoError(t, p.restoreQuarantinedUnits())
	restored, err = listUnitPaths(p.initialDir)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestLimitCorpusSize(t *testing.T) {
	backend := storage.MakeTestBackend()
	client := storage.NewClient(backend, "storage.test", zerolog.Nop())
	store := corpus.NewStorage(client, "corpus", corpus.Corpus, "tgt", zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < corpusFilesLimitForFailures+2; i++ {
		require.NoError(t, client.WriteData(ctx,
			fmt.Sprintf("/corpus/corpus/tgt/u%05d", i), []byte("x")))
	}

	tc := &TaskContext{logger: zerolog.Nop()}
	require.NoError(t, limitCorpusSize(ctx, tc, store))

	count, err := store.CountRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, corpusFilesLimitForFailures, count)
	// Listing order decides: the units beyond the limit are gone.
	assert.NotNil(t, backend.Object("/corpus/corpus/tgt/u09999"))
	assert.Nil(t, backend.Object("/corpus/corpus/tgt/u10000"))
	assert.Nil(t, backend.Object("/corpus/corpus/tgt/u10001"))
}

func TestCorpusPruningAlreadyRunning(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app", buildEnv)
	statusName := "corpus_pruning_libFuzzer,app_fuzzer_" + job.ID
	bot.plane.mu.Lock()
	bot.plane.fuzzers["libFuzzer"] = &api.Fuzzer{
		ID: "fz-lf", Name: "libFuzzer", Builtin: true, Revision: 1}
	bot.plane.statuses[statusName] = api.TaskStateStarted
	bot.plane.mu.Unlock()

	tc := bot.taskContext(&api.Task{
		Command: "corpus_pruning", Argument: "libFuzzer,app_fuzzer", JobID: job.ID})
	require.NoError(t, corpusPruningTask(context.Background(), tc))

	bot.plane.mu.Lock()
	defer bot.plane.mu.Unlock()
	assert.Equal(t, api.TaskStateStarted, bot.plane.statuses[statusName])
	assert.Empty(t, bot.plane.coverage)
	assert.Empty(t, bot.plane.rows)
}

func TestCorpusPruningUnknownTarget(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app", buildEnv)
	bot.plane.mu.Lock()
	bot.plane.fuzzers["libFuzzer"] = &api.Fuzzer{
		ID: "fz-lf", Name: "libFuzzer", Builtin: true, Revision: 1}
	bot.plane.mu.Unlock()

	// Pruning never registers fuzz targets: a binary that was never
	// fuzzed has no corpus to prune.
	tc := bot.taskContext(&api.Task{
		Command: "corpus_pruning", Argument: "libFuzzer,app_fuzzer", JobID: job.ID})
	err := corpusPruningTask(context.Background(), tc)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestCorpusPruningEmptyCorpus(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app", buildEnv)
	bot.plane.mu.Lock()
	bot.plane.fuzzers["libFuzzer"] = &api.Fuzzer{
		ID: "fz-lf", Name: "libFuzzer", Builtin: true, Revision: 1}
	bot.plane.targets["t-1"] = &api.FuzzTarget{
		ID: "t-1", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "app_fuzzer"}
	bot.plane.mu.Unlock()
	bot.seedBuilds(map[int]string{7: neverCrashes}, map[string]string{
		"bin/app_fuzzer": pruningTarget,
	})

	tc := bot.taskContext(&api.Task{
		Command: "corpus_pruning", Argument: "libFuzzer,app_fuzzer", JobID: job.ID})
	require.NoError(t, corpusPruningTask(context.Background(), tc))

	bot.plane.mu.Lock()
	coverage := append([]api.CoverageInformation{}, bot.plane.coverage...)
	status := bot.plane.statuses["corpus_pruning_libFuzzer,app_fuzzer_"+job.ID]
	bot.plane.mu.Unlock()
	assert.Equal(t, api.TaskStateFinished, status)
	require.Len(t, coverage, 1)
	assert.Equal(t, "test-project_app_fuzzer", coverage[0].Fuzzer)
	assert.Equal(t, 0, coverage[0].CorpusSizeUnits)
	assert.Equal(t, int64(0), coverage[0].CorpusSizeBytes)
	assert.Equal(t, 0, coverage[0].QuarantineSizeUnits)
	assert.Empty(t, bot.plane.allTestcases())
	assert.Empty(t, bot.plane.tasksAdded())
}

func TestCorpusPruningTask(t *testing.T) {
	bot := newTestBot(t)
	job := bot.seedJob("libfuzzer_asan_app", buildEnv)
	bot.plane.mu.Lock()
	bot.plane.fuzzers["libFuzzer"] = &api.Fuzzer{
		ID: "fz-lf", Name: "libFuzzer", Builtin: true, Revision: 1}
	bot.plane.targets["t-1"] = &api.FuzzTarget{
		ID: "t-1", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "app_fuzzer"}
	bot.plane.targets["t-2"] = &api.FuzzTarget{
		ID: "t-2", FuzzerID: "fz-lf", ProjectID: "proj-1", Binary: "other_fuzzer"}
	bot.plane.mu.Unlock()
	bot.seedBuilds(map[int]string{22: neverCrashes}, map[string]string{
		"bin/app_fuzzer": pruningTarget,
	})

	ctx := context.Background()
	corpusPrefix := "/corpus/corpus/test-project_app_fuzzer/"
	quarantinePrefix := "/quarantine/quarantine/test-project_app_fuzzer/"
	for key, content := range map[string]string{
		corpusPrefix + "unit-ok1":             "good one\n",
		corpusPrefix + "unit-ok2":             "good two\n",
		corpusPrefix + "unit-bad":             "crashme\n",
		corpusPrefix + "regressions/deadbeef": "regress seed\n",
		quarantinePrefix + "quar-1":           "quarantined fine\n",
	} {
		require.NoError(t, bot.store.WriteData(ctx, key, []byte(content)))
	}
	// The peer target has finished a pruning run of its own, so there is
	// a backup to cross-pollinate from.
	require.NoError(t, bot.store.WriteData(ctx,
		"/backup/corpus/libFuzzer/test-project_other_fuzzer/latest.zip",
		makeFuzzerArchive(t, map[string]string{"peer-unit": "peer data\n"})))

	tc := bot.taskContext(&api.Task{
		Command: "corpus_pruning", Argument: "libFuzzer,app_fuzzer", JobID: job.ID})
	before := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, corpusPruningTask(ctx, tc))
	after := time.Now().UTC().Format("2006-01-02")

	assert.Equal(t, "app_fuzzer", tc.Env.Get("FUZZ_TARGET"))

	// The crashing unit left the corpus, the quarantined unit proved
	// itself and moved back, and the cross-pollinated unit was adopted.
	// The remote regression units survive the corpus rewrite.
	for _, key := range []string{
		corpusPrefix + "unit-ok1",
		corpusPrefix + "unit-ok2",
		corpusPrefix + "quar-1",
		corpusPrefix + "deadbeef",
		corpusPrefix + "peer-unit",
		corpusPrefix + "regressions/deadbeef",
	} {
		assert.NotNil(t, bot.backend.Object(key), key)
	}
	assert.Nil(t, bot.backend.Object(corpusPrefix+"unit-bad"))
	assert.Equal(t, []byte("crashme\n"), bot.backend.Object(quarantinePrefix+"crash-unit-bad"))
	assert.Nil(t, bot.backend.Object(quarantinePrefix+"quar-1"))

	bot.plane.mu.Lock()
	coverage := append([]api.CoverageInformation{}, bot.plane.coverage...)
	status := bot.plane.statuses["corpus_pruning_libFuzzer,app_fuzzer_"+job.ID]
	bot.plane.mu.Unlock()
	assert.Equal(t, api.TaskStateFinished, status)
	require.Len(t, coverage, 1)
	cov := coverage[0]
	assert.Contains(t, []string{before, after}, cov.Date)
	assert.Equal(t, "test-project_app_fuzzer", cov.Fuzzer)
	assert.Equal(t, 5, cov.CorpusSizeUnits)
	assert.Equal(t, int64(58), cov.CorpusSizeBytes)
	assert.Equal(t, 1, cov.QuarantineSizeUnits)
	assert.Equal(t, int64(8), cov.QuarantineSizeBytes)
	assert.Equal(t, corpusPrefix, cov.CorpusLocation)
	assert.Equal(t, "/backup/corpus/libFuzzer/test-project_app_fuzzer/"+cov.Date+".zip",
		cov.CorpusBackupLocation)
	assert.NotNil(t, bot.backend.Object(cov.CorpusBackupLocation))
	assert.NotNil(t, bot.backend.Object(
		"/backup/corpus/libFuzzer/test-project_app_fuzzer/latest.zip"))

	rows := bot.plane.allTestcases()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, api.TestcaseProcessed, row.Status)
	assert.Equal(t, "libFuzzer", row.FuzzerName)
	assert.Equal(t, "fz-lf", row.FuzzerID)
	assert.Equal(t, job.ID, row.JobID)
	assert.NotEmpty(t, row.FuzzedKeys)
	assert.Equal(t, "%TESTCASE% app_fuzzer", row.MinimizedArguments)
	assert.Equal(t, filepath.Join(tc.Env.InputsDir(), "testcase"), row.AbsolutePath)
	assert.Equal(t, 1.0, row.TimeoutMultiplier)
	assert.Equal(t, 32, row.Redzone)
	assert.Equal(t, "app_fuzzer", row.MetadataString("fuzzer_binary_name"))
	assert.Contains(t, row.Comments,
		"Fuzzer test-project_app_fuzzer generated corpus testcase crashed (r22)")

	crashRow := bot.plane.crashOf(row.ID)
	require.NotNil(t, crashRow)
	assert.Equal(t, scriptCrashType, crashRow.CrashType)
	assert.Equal(t, scriptCrashState, crashRow.CrashState)
	assert.True(t, crashRow.SecurityFlag)
	assert.True(t, crashRow.ReproducibleFlag)
	assert.Equal(t, 22, crashRow.CrashRevision)
	stack, err := base64.StdEncoding.DecodeString(crashRow.CrashStacktrace)
	require.NoError(t, err)
	assert.Contains(t, string(stack), "AddressSanitizer: heap-buffer-overflow")

	added := bot.plane.tasksAdded()
	require.Len(t, added, 1)
	assert.Equal(t, "minimize", added[0].Command)
	assert.Equal(t, row.ID, added[0].Argument)

	// Corpora run into gigabytes; the working directories must not
	// outlive the task.
	entries, err := os.ReadDir(tc.Env.DiskInputsDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
