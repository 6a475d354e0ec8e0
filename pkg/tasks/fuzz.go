// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/corpus"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/engine"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
	"github.com/pingu-fuzz/pingu-bot/pkg/stats"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Blackbox testcases are executed in batches this big, with a stale
// process sweep in between.
const testcasesPerBatch = 100

type weightedInt struct {
	value  int
	weight int
}

type weightedFloat struct {
	value  float64
	weight int
}

// ASan redzone sizes. Larger redzones catch wilder out-of-bounds
// accesses at a hefty memory cost, so the middle of the range dominates.
var redzoneChoices = []weightedInt{
	{16, 2}, {32, 5}, {64, 8}, {128, 2}, {256, 1}, {512, 1},
}

// Timeout multipliers. Slow-machine sessions find hangs the default
// timeout misses; short ones keep the median throughput up.
var timeoutMultiplierChoices = []weightedFloat{
	{0.5, 1}, {1.0, 6}, {1.5, 2}, {2.0, 2}, {3.0, 1},
}

func pickWeightedInt(rng *rand.Rand, choices []weightedInt) int {
	total := 0
	for _, c := range choices {
		total += c.weight
	}
	n := rng.Intn(total)
	for _, c := range choices {
		n -= c.weight
		if n < 0 {
			return c.value
		}
	}
	return choices[len(choices)-1].value
}

func pickWeightedFloat(rng *rand.Rand, choices []weightedFloat) float64 {
	total := 0
	for _, c := range choices {
		total += c.weight
	}
	n := rng.Intn(total)
	for _, c := range choices {
		n -= c.weight
		if n < 0 {
			return c.value
		}
	}
	return choices[len(choices)-1].value
}

// fuzzSession is the state of one fuzz task execution.
type fuzzSession struct {
	fuzzer   *api.Fuzzer
	target   *api.FuzzTarget // nil for blackbox fuzzers
	revision int

	redzone           int
	timeoutMultiplier float64
	disableUBSan      bool

	testcasesExecuted int
	records           []stats.Record
}

func (s *fuzzSession) targetBinary() string {
	if s.target == nil {
		return ""
	}
	return s.target.Binary
}

// qualifiedName is the stats-facing fuzzer name: engine sessions append
// the target binary, blackbox fuzzers stand on their own.
func (s *fuzzSession) qualifiedName() string {
	if s.target == nil {
		return s.fuzzer.Name
	}
	return s.fuzzer.Name + "_" + s.target.Binary
}

// fuzzTask runs one fuzzing session and files whatever it finds.
func fuzzTask(ctx context.Context, tc *TaskContext) error {
	fuzzer, err := updateFuzzerAndDataBundles(ctx, tc, tc.FuzzerName)
	if err != nil {
		return err
	}
	session := &fuzzSession{fuzzer: fuzzer}
	pickSessionParameters(tc, session)

	build, err := tc.buildManager().SetupBuild(ctx, builds.Release, 0)
	if err != nil {
		return err
	}
	session.revision = build.Revision
	setupTrialArgs(ctx, tc)

	var candidates []*crash.Candidate
	if engineName := engineForJob(tc.Job.Name); engineName != "" {
		candidates, err = engineFuzz(ctx, tc, session, engineName, build)
	} else {
		candidates, err = blackboxFuzz(ctx, tc, session)
	}
	if err != nil {
		return err
	}
	tc.Metrics.TestcasesRun(session.testcasesExecuted)

	summaries, newCount, knownCount, err := processCrashes(ctx, tc, session, candidates)
	if err != nil {
		return err
	}

	uploader := tc.statsUploader()
	if len(session.records) > 0 {
		if err := uploader.Upload(ctx, session.records); err != nil {
			tc.logger.Error().Err(err).Msg("failed to upload the testcase run stats")
		}
	}
	jobRun := stats.NewJobRun(session.qualifiedName(), tc.Job.Name, session.revision,
		tc.Clock.Now())
	jobRun.TestcasesExecuted = session.testcasesExecuted
	jobRun.NewCrashes = newCount
	jobRun.KnownCrashes = knownCount
	jobRun.Crashes = summaries
	if err := uploader.Upload(ctx, []stats.Record{jobRun}); err != nil {
		tc.logger.Error().Err(err).Msg("failed to upload the job run stats")
	}
	return nil
}

func (tc *TaskContext) statsUploader() *stats.Uploader {
	return stats.NewUploader(tc.Storage, tc.Config.StatsBucket, tc.Config.LogsBucket, tc.logger)
}

// pickSessionParameters randomizes the knobs that diversify sessions:
// sanitizer redzone, testcase timeout, UBSan gating, window geometry
// and the seed handed to the fuzzer.
func pickSessionParameters(tc *TaskContext, session *fuzzSession) {
	env := tc.Env
	session.redzone = pickWeightedInt(tc.Rand, redzoneChoices)
	session.timeoutMultiplier = pickWeightedFloat(tc.Rand, timeoutMultiplierChoices)
	// UBSan findings out of an ASan job are worth a look occasionally;
	// most of the time they would drown the ASan signal.
	if env.GetBool("ASAN") && env.GetBool("UBSAN") && tc.Rand.Float64() < 0.1 {
		session.disableUBSan = true
	}
	env.ResetMemoryToolOptions(session.redzone, session.disableUBSan)

	if session.timeoutMultiplier != 1.0 {
		timeout := env.GetSeconds("TEST_TIMEOUT", 10*time.Second)
		scaled := int(float64(timeout/time.Second) * session.timeoutMultiplier)
		env.Setf("TEST_TIMEOUT", "%d", scaled)
	}

	seed := strconv.Itoa(tc.Rand.Intn(1 << 30))
	env.Set("RANDOM_SEED", seed)

	if windowArg := env.Get("WINDOW_ARG"); windowArg != "" {
		width := tc.randBetween(100, 1280)
		height := tc.randBetween(100, 1024)
		for _, sub := range [][2]string{
			{"$WIDTH", strconv.Itoa(width)},
			{"$HEIGHT", strconv.Itoa(height)},
			{"$LEFT", strconv.Itoa(tc.randBetween(0, width))},
			{"$TOP", strconv.Itoa(tc.randBetween(0, height))},
			{"$RANDOM_SEED", seed},
		} {
			windowArg = strings.ReplaceAll(windowArg, sub[0], sub[1])
		}
		env.Set("WINDOW_ARG", windowArg)
	}

	tc.logger.Info().Int("redzone", session.redzone).
		Float64("timeout_multiplier", session.timeoutMultiplier).
		Bool("disable_ubsan", session.disableUBSan).
		Msg("session parameters picked")
}

func engineFuzz(ctx context.Context, tc *TaskContext, session *fuzzSession,
	engineName string, build *builds.Build) ([]*crash.Candidate, error) {
	eng, err := engine.Get(engineName, tc.Env, tc.logger)
	if err != nil {
		return nil, err
	}
	targetPaths, err := engine.FindFuzzTargets(build.Dir)
	if err != nil {
		return nil, err
	}
	if len(targetPaths) == 0 {
		return nil, fmt.Errorf("%w: no fuzz targets in the %s build", ErrBadState, tc.Job.Name)
	}
	targetPath, err := pickFuzzTarget(ctx, tc, session, targetPaths)
	if err != nil {
		return nil, err
	}
	binary := filepath.Base(targetPath)
	target, err := tc.API.RecordFuzzTarget(ctx, session.fuzzer.Name, binary,
		tc.Job.ID, tc.Job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to record fuzz target %s: %w", binary, err)
	}
	session.target = target
	tc.Env.Set("FUZZ_TARGET", binary)
	tc.logger.Info().Str("target", binary).Msg("fuzz target selected")

	qualified := target.QualifiedName(tc.Project.Name)
	store := corpus.NewStorage(tc.Storage, tc.Config.CorpusBucket, corpus.Corpus,
		qualified, tc.logger)
	corpusDir := filepath.Join(tc.Env.DiskInputsDir(), qualified+"_corpus")
	synced := corpus.NewSyncedCorpus(store, corpusDir, tc.Env.CacheDir(), tc.Clock)
	if err := synced.SyncFromStorage(ctx); err != nil {
		return nil, fmt.Errorf("corpus sync failed: %w", err)
	}

	opts, err := eng.Prepare(ctx, corpusDir, targetPath, build.Dir)
	if err != nil {
		return nil, fmt.Errorf("engine preparation failed: %w", err)
	}
	reproducersDir := filepath.Join(tc.Env.TmpDir(), "reproducers")
	if err := os.MkdirAll(reproducersDir, 0755); err != nil {
		return nil, err
	}

	budget := tc.Env.GetSeconds("FUZZ_TEST_TIMEOUT", time.Hour)
	deadline := tc.Clock.Now().Add(budget)
	var candidates []*crash.Candidate
	for {
		remaining := deadline.Sub(tc.Clock.Now())
		if remaining < time.Minute {
			break
		}
		result, err := eng.Fuzz(ctx, targetPath, opts, reproducersDir, remaining)
		if err != nil {
			return nil, fmt.Errorf("engine run failed: %w", err)
		}
		now := tc.Clock.Now()
		session.testcasesExecuted += intStat(result.Stats, "number_of_executed_units")

		record := stats.NewTestcaseRun(session.qualifiedName(), tc.Job.Name,
			session.revision, now)
		for column, value := range result.Stats {
			record.Set(column, value)
		}
		session.records = append(session.records, record)

		header := stats.LogHeader(strings.Join(result.Command, " "), tc.BotName,
			session.revision, 0, result.TimeExecuted)
		err = tc.statsUploader().UploadLog(ctx, session.qualifiedName(), tc.Job.Name,
			now, []byte(header+"\n"+result.Logs))
		if err != nil {
			tc.logger.Warn().Err(err).Msg("failed to upload the engine log")
		}

		for _, found := range result.Crashes {
			candidates = append(candidates, &crash.Candidate{
				FilePath:   found.InputPath,
				CrashTime:  found.CrashTime,
				ReturnCode: 1,
				Arguments:  found.ReproduceArgs,
				Stacktrace: found.Stacktrace,
				Strategies: strategyList(opts.Strategies),
			})
		}
	}

	uploaded, err := synced.UploadNewFiles(ctx)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to upload the new corpus files")
	} else if uploaded > 0 {
		tc.logger.Info().Int("files", uploaded).Msg("new corpus files uploaded")
	}
	return candidates, nil
}

// pickFuzzTarget selects the session's target. Targets carry weights
// tuned by the control plane; targets present in the build but never
// recorded run with the default weight.
func pickFuzzTarget(ctx context.Context, tc *TaskContext, session *fuzzSession,
	targetPaths []string) (string, error) {
	byBinary := make(map[string]string, len(targetPaths))
	for _, path := range targetPaths {
		byBinary[filepath.Base(path)] = path
	}
	type choice struct {
		path   string
		weight float64
	}
	var choices []choice
	rows, err := tc.API.FuzzTargetJobs(ctx, tc.Job.ID)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to fetch the fuzz target weights")
	} else if len(rows) > 0 {
		targets, err := tc.API.FuzzTargetsByEngine(ctx, session.fuzzer.Name, tc.Job.ProjectID)
		if err != nil {
			return "", fmt.Errorf("failed to list the recorded fuzz targets: %w", err)
		}
		binaryByID := make(map[string]string, len(targets))
		for _, target := range targets {
			binaryByID[target.ID] = target.Binary
		}
		for _, row := range rows {
			binary := binaryByID[row.FuzzTargetID]
			path, ok := byBinary[binary]
			if !ok {
				continue
			}
			weight := row.Weight
			if weight <= 0 {
				weight = 1
			}
			choices = append(choices, choice{path: path, weight: weight})
			delete(byBinary, binary)
		}
	}
	for _, path := range byBinary {
		choices = append(choices, choice{path: path, weight: 1})
	}
	total := 0.0
	for _, c := range choices {
		total += c.weight
	}
	pick := tc.Rand.Float64() * total
	for _, c := range choices {
		pick -= c.weight
		if pick <= 0 {
			return c.path, nil
		}
	}
	return choices[len(choices)-1].path, nil
}

// blackboxFuzz is the two-stage pipeline: the fuzzer binary generates
// testcases, then the application runs each one.
func blackboxFuzz(ctx context.Context, tc *TaskContext,
	session *fuzzSession) ([]*crash.Candidate, error) {
	files, err := generateTestcases(ctx, tc, session)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		// A fuzzer that cannot produce testcases would spin the queue;
		// back off before the next session. The jitter keeps a fleet of
		// bots from waking up in lockstep.
		jitter := time.Duration((tc.Rand.Float64() - 0.5) * float64(5*time.Minute))
		tc.logger.Error().Str("fuzzer", session.fuzzer.Name).
			Msg("no testcases generated, backing off")
		tc.sleep(ctx, 30*time.Minute+jitter)
		return nil, nil
	}
	return runGeneratedTestcases(ctx, tc, session, files)
}

// generateTestcases runs the fuzzer binary and returns the testcase
// files it produced.
func generateTestcases(ctx context.Context, tc *TaskContext,
	session *fuzzSession) ([]string, error) {
	fuzzer := session.fuzzer
	dir := tc.Env.Get("FUZZER_DIR")
	outputDir := tc.Env.InputsDir()
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	maxTestcases := tc.Env.GetInt("MAX_TESTCASES", 100)
	if fuzzer.MaxTestcases > 0 && maxTestcases > fuzzer.MaxTestcases {
		maxTestcases = fuzzer.MaxTestcases
	}

	executable := filepath.Join(dir, fuzzer.ExecutablePath)
	args := []string{
		"--input_dir", tc.Env.Get("FUZZ_DATA"),
		"--output_dir", outputDir,
		"--no_of_files", strconv.Itoa(maxTestcases),
	}
	cmd := runner.Command{
		Path:    executable,
		Args:    args,
		Dir:     dir,
		Env:     tc.Env.Export(),
		Timeout: tc.Env.GetSeconds("FUZZER_TIMEOUT", 90*time.Minute),
	}
	if fuzzer.LauncherScript != "" {
		cmd.Path = filepath.Join(dir, fuzzer.LauncherScript)
		cmd.Args = append([]string{executable}, args...)
	}
	res := runner.RunAndWait(ctx, cmd)
	if res.Err != nil {
		return nil, fmt.Errorf("failed to run fuzzer %s: %w", fuzzer.Name, res.Err)
	}
	if res.ReturnCode != 0 {
		tc.logger.Warn().Int("return_code", res.ReturnCode).
			Str("fuzzer", fuzzer.Name).Msg("fuzzer exited with an error")
	}
	header := stats.LogHeader(cmd.Path, tc.BotName, session.revision,
		res.ReturnCode, res.Duration)
	err := tc.statsUploader().UploadLog(ctx, fuzzer.Name, tc.Job.Name,
		tc.Clock.Now(), append([]byte(header+"\n"), res.Output...))
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to upload the fuzzer log")
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") ||
			strings.HasSuffix(name, stats.StatsFileExtension) {
			continue
		}
		files = append(files, filepath.Join(outputDir, name))
	}
	sort.Strings(files)

	// Fuzzers report per-run stats in sidecar files next to the
	// testcases.
	for _, path := range files {
		record, err := stats.ReadTestcaseRun(path, true)
		if err != nil {
			tc.logger.Warn().Err(err).Msg("dropping a malformed stats sidecar")
			continue
		}
		if record == nil {
			continue
		}
		record.Fuzzer = session.qualifiedName()
		record.Job = tc.Job.Name
		record.BuildRevision = session.revision
		session.records = append(session.records, record)
	}
	tc.logger.Info().Int("files", len(files)).Msg("testcases generated")
	return files, nil
}

// runGeneratedTestcases executes the generated testcases through the
// application with a bounded worker pool. Each batch gets a wall-clock
// budget; stragglers are terminated rather than waited out.
func runGeneratedTestcases(ctx context.Context, tc *TaskContext, session *fuzzSession,
	files []string) ([]*crash.Candidate, error) {
	run := testcases.NewRunner(tc.Env, tc.logger)
	workers := tc.Env.GetInt("MAX_FUZZ_THREADS", runtime.NumCPU())
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	testTimeout := tc.Env.GetSeconds("TEST_TIMEOUT", 10*time.Second)

	var candidates []*crash.Candidate
	var firstErr error
	executed := 0
	for start := 0; start < len(files); start += testcasesPerBatch {
		end := start + testcasesPerBatch
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]
		jobs := make([]runner.Job, 0, len(batch))
		for _, path := range batch {
			cmd, err := run.CommandLine(path)
			if err != nil {
				return candidates, err
			}
			cmd.Env = tc.Env.Export()
			cmd.Timeout = testTimeout
			jobs = append(jobs, runner.Job{Cmd: cmd, Tag: path})
		}

		pool := runner.NewPool(ctx, workers)
		go func() {
			for _, job := range jobs {
				pool.Submit(job)
			}
			pool.Close()
		}()

		// Every worker slot runs its share of the batch sequentially;
		// anything beyond that budget is a stuck run.
		rounds := (len(batch) + workers - 1) / workers
		budget := testTimeout*time.Duration(rounds) + time.Minute
		overdue := tc.Clock.After(budget)
		for results := pool.Results(); results != nil; {
			select {
			case jr, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				if errors.Is(jr.Result.Err, runner.ErrExecutionFailed) {
					if firstErr == nil {
						firstErr = fmt.Errorf("failed to run %s: %w", jr.Job.Tag, jr.Result.Err)
					}
					continue
				}
				executed++
				result := crash.NewResult(jr.Result.ReturnCode, jr.Result.Duration,
					string(jr.Result.Output))
				if result.IsCrash() {
					candidates = append(candidates, &crash.Candidate{
						FilePath:   jr.Job.Tag,
						CrashTime:  result.CrashTime,
						ReturnCode: result.ReturnCode,
						Stacktrace: result.Output,
					})
				}
			case <-overdue:
				tc.logger.Warn().Int("batch_size", len(batch)).
					Msg("batch ran past its budget, terminating the stragglers")
				pool.TerminateHung()
				overdue = nil
			}
		}
		// Crashed runs can leave subprocesses behind; scrub between
		// batches so they do not pile up for the whole session.
		runner.TerminateStale(tc.Env.RootDir())
		if firstErr != nil {
			session.testcasesExecuted += executed
			return candidates, firstErr
		}
	}
	session.testcasesExecuted += executed
	tc.logger.Info().Int("executed", executed).Int("crashes", len(candidates)).
		Msg("testcase execution finished")
	return candidates, nil
}

func intStat(columns map[string]interface{}, key string) int {
	switch v := columns[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func strategyList(strategies map[string]int) []string {
	var names []string
	for name, value := range strategies {
		if value > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
