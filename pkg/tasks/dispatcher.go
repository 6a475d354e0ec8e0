// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/config"
	"github.com/pingu-fuzz/pingu-bot/pkg/engine"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Upper bound on the requeue delay for tasks this bot cannot run.
const taskRetryWaitLimit = 5 * 60 // seconds

type handlerFunc func(ctx context.Context, tc *TaskContext) error

// commandMap holds the commands this bot executes itself. Everything
// else (impact, variant, unpack, upload_reports) is scheduled for
// specialised workers and never lands on this queue.
var commandMap = map[string]handlerFunc{
	"analyze":        analyzeTask,
	"corpus_pruning": corpusPruningTask,
	"fuzz":           fuzzTask,
	"minimize":       minimizeTask,
	"progression":    progressionTask,
	"regression":     regressionTask,
	"symbolize":      symbolizeTask,
}

// trackedStatus reports whether the dispatcher owns the status rows of
// a command. Fuzz tasks run in parallel on many bots, and corpus
// pruning tracks a composite per-target name on its own.
func trackedStatus(command string) bool {
	return command != "fuzz" && command != "corpus_pruning"
}

// Execute runs one leased task to completion and maintains its status
// rows. The returned error is the handler's verdict; the status rows
// have already been updated by the time it is returned.
func (e *Executor) Execute(ctx context.Context, task *api.Task) error {
	logger := e.logger.With().
		Str("command", task.Command).
		Str("argument", task.Argument).
		Str("job_id", task.JobID).
		Logger()
	if strings.TrimSpace(task.Command) == "" {
		logger.Error().Msg("empty task received")
		return nil
	}
	handler, ok := commandMap[task.Command]
	if !ok {
		logger.Error().Msg("unknown command")
		return nil
	}

	env := e.cfg.Env
	env.Set("TASK_PAYLOAD", task.Payload)
	defer env.Remove("TASK_PAYLOAD")

	e.cleanupTaskState()
	defer e.cleanupTaskState()

	tc, err := e.newTaskContext(ctx, task, logger)
	if err != nil {
		return err
	}

	if !supportedCPUArch(env) {
		// Another bot with the right hardware will pick the task up.
		delay := time.Duration(tc.randBetween(1, taskRetryWaitLimit)) * time.Second
		logger.Info().Dur("delay", delay).
			Msg("unsupported cpu architecture specified in the job definition, requeueing")
		return tc.requeue(ctx, delay)
	}

	if trackedStatus(task.Command) {
		acquired, err := e.cfg.API.UpdateTaskStatus(ctx, tc.statusName(), api.TaskStateStarted)
		if err != nil {
			return fmt.Errorf("failed to acquire the task: %w", err)
		}
		if !acquired {
			logger.Info().Msg("another instance of the task is already running, exiting")
			return ErrAlreadyRunning
		}
	}

	e.cfg.Metrics.TaskStarted(task.Command)
	start := e.cfg.Clock.Now()
	err = runHandler(ctx, handler, tc)
	status := api.TaskStateFinished
	if err != nil {
		status = api.TaskStateError
	}
	e.cfg.Metrics.TaskFinished(task.Command, status)
	logger.Info().Dur("duration", e.cfg.Clock.Now().Sub(start)).
		Str("status", status).Msg("task done")

	if trackedStatus(task.Command) {
		if errors.Is(err, ErrInvalidTestcase) {
			logger.Warn().Msg("testcase no longer exists")
		}
		if _, statusErr := e.cfg.API.UpdateTaskStatus(ctx, tc.statusName(), status); statusErr != nil {
			logger.Error().Err(statusErr).Msg("failed to update the task status")
		}
	}
	return err
}

// runHandler confines handler panics to the task: the bot survives and
// the task ends up errored.
func runHandler(ctx context.Context, handler handlerFunc, tc *TaskContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tc.logger.Error().Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task handler panicked")
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return handler(ctx, tc)
}

func (e *Executor) newTaskContext(ctx context.Context, task *api.Task,
	logger zerolog.Logger) (*TaskContext, error) {
	cfg := e.cfg
	job, err := cfg.API.Job(ctx, task.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", task.JobID, err)
	}
	if job.Platform == "" {
		return nil, fmt.Errorf("%w: no platform set for job %s", ErrBadState, job.Name)
	}
	project, err := cfg.API.Project(ctx, job.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch the project of job %s: %w", job.Name, err)
	}
	// The config package reads the project configuration from disk, the
	// same way every other bot process does.
	configPath := cfg.Env.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath, []byte(project.ConfigYAML), 0644); err != nil {
		return nil, fmt.Errorf("failed to store the project configuration: %w", err)
	}
	projectCfg, err := config.LoadProject(cfg.Env)
	if err != nil {
		return nil, err
	}

	tc := &TaskContext{
		Task:    task,
		Job:     job,
		Project: project,
		Config:  projectCfg,
		API:     cfg.API,
		Storage: cfg.Storage,
		Blobs:   cfg.Blobs,
		Cache:   cfg.Cache,
		Metrics: cfg.Metrics,
		Env:     cfg.Env,
		Clock:   cfg.Clock,
		Rand:    cfg.Rand,
		BotName: cfg.BotName,
		logger:  logger,
	}

	env := cfg.Env
	env.Set("TASK_NAME", task.Command)
	env.Set("TASK_ARGUMENT", task.Argument)
	env.Set("JOB_ID", job.ID)
	env.Set("JOB_NAME", job.Name)
	env.Set("PROJECT_NAME", project.Name)

	switch task.Command {
	case "fuzz":
		tc.FuzzerName = task.Argument
		env.Set("FUZZER_NAME", tc.FuzzerName)
	case "corpus_pruning":
		fuzzerName, _, err := splitPruningArgument(task.Argument)
		if err != nil {
			return nil, err
		}
		tc.FuzzerName = fuzzerName
	}

	// Project-wide environment first, then the job's own definition on
	// top of it.
	engineJob := engineForJob(job.Name) != ""
	if len(projectCfg.Env) > 0 {
		env.Overlay(strings.Join(projectCfg.Env, "\n"), engineJob)
	}
	env.Overlay(job.Environment, engineJob)

	// A job sharing a build with another one behaves like a custom
	// binary job: the build bucket layout does not apply to it.
	if env.Get("SHARE_BUILD_WITH_JOB_TYPE") != "" {
		env.Set("CUSTOM_BINARY", "True")
	}
	// Frequently-preempted machines get to shrink their sessions.
	if v := env.Get("FUZZ_TEST_TIMEOUT_OVERRIDE"); v != "" {
		env.Set("FUZZ_TEST_TIMEOUT", v)
	}
	if v := env.Get("MAX_TESTCASES_OVERRIDE"); v != "" {
		env.Set("MAX_TESTCASES", v)
	}
	return tc, nil
}

// cleanupTaskState scrubs everything a previous task may have left
// behind: stray processes, testcase files, temp state and sanitizer
// options.
func (e *Executor) cleanupTaskState() {
	env := e.cfg.Env
	if n := runner.TerminateStale(env.RootDir()); n > 0 {
		e.logger.Info().Int("processes", n).Msg("killed stale processes")
	}
	if err := testcases.ClearTestcaseDirectories(env); err != nil {
		e.logger.Warn().Err(err).Msg("failed to clear the testcase directories")
	}
	os.RemoveAll(env.TmpDir())
	os.MkdirAll(env.TmpDir(), 0755)
	env.ResetMemoryToolOptions(0, false)
	e.clearDataDirectoriesOnLowDisk()
}

func (e *Executor) clearDataDirectoriesOnLowDisk() {
	env := e.cfg.Env
	minFree := uint64(env.GetInt("MIN_FREE_DISK_SPACE_MB", 5120)) << 20
	var stat unix.Statfs_t
	if err := unix.Statfs(env.RootDir(), &stat); err != nil {
		return
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free >= minFree {
		return
	}
	e.logger.Warn().Uint64("free_bytes", free).
		Msg("low disk space, clearing the data directories")
	// Everything under these is re-downloadable.
	for _, dir := range []string{
		env.BuildsDir(),
		env.DataBundlesDir(),
		env.DiskInputsDir(),
		env.FuzzersDir(),
	} {
		os.RemoveAll(dir)
		os.MkdirAll(dir, 0755)
	}
}

// Architecture names as jobs specify them, mapped to GOARCH.
var cpuArchAliases = map[string]string{
	"x86_64":  "amd64",
	"x64":     "amd64",
	"amd64":   "amd64",
	"i386":    "386",
	"x86":     "386",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"arm":     "arm",
}

// supportedCPUArch checks the job's CPU_ARCH requirement against the
// architecture this bot runs on. Jobs without the requirement run
// anywhere.
func supportedCPUArch(env *environ.Env) bool {
	want := env.Get("CPU_ARCH")
	if want == "" {
		return true
	}
	for _, arch := range strings.Fields(want) {
		if cpuArchAliases[strings.ToLower(arch)] == runtime.GOARCH {
			return true
		}
	}
	return false
}

// engineForJob extracts the engine name prefix from an engine fuzzer
// job name, e.g. "libfuzzer_asan_sqlite" -> "libfuzzer". Blackbox jobs
// return "".
func engineForJob(jobName string) string {
	lower := strings.ToLower(jobName)
	for _, name := range engine.Names() {
		if lower == name || strings.HasPrefix(lower, name+"_") {
			return name
		}
	}
	return ""
}
