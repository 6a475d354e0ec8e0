// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tasks executes the work items a bot leases from the control
// plane: fuzzing sessions and the follow-up pipeline that turns raw
// crashes into actionable testcases (analyze, minimize, regression,
// progression, symbolize, corpus pruning).
package tasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/cache"
	"github.com/pingu-fuzz/pingu-bot/pkg/config"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/monitor"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

var (
	// ErrAlreadyRunning is returned when another bot owns the task name.
	ErrAlreadyRunning = errors.New("task is already running elsewhere")
	// ErrInvalidTestcase marks a testcase that no longer exists.
	ErrInvalidTestcase = errors.New("testcase no longer exists")
	// ErrInvalidFuzzer marks a fuzzer that was deleted or failed to install.
	ErrInvalidFuzzer = errors.New("fuzzer is gone or broken")
	// ErrBadState is an unrecoverable inconsistency in the task inputs.
	ErrBadState = errors.New("bad task state")
)

// ExecutorConfig wires the dispatcher's dependencies. Clock and Rand
// default to the wall clock and a time-seeded source; everything else
// is required.
type ExecutorConfig struct {
	API     *api.Client
	Storage *storage.Client
	Blobs   *blobs.Store
	Cache   *cache.Cache
	Metrics *monitor.Metrics
	Env     *environ.Env
	BotName string
	Clock   clock.Clock
	Rand    *rand.Rand
	Logger  zerolog.Logger
}

// Executor runs leased tasks. One per worker process.
type Executor struct {
	cfg    ExecutorConfig
	logger zerolog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Executor{
		cfg:    cfg,
		logger: logs.Component(cfg.Logger, "tasks"),
	}
}

// TaskContext carries one task through its handler together with the
// job, project and configuration rows it runs under.
type TaskContext struct {
	Task    *api.Task
	Job     *api.Job
	Project *api.Project
	Config  *config.ProjectConfig
	// FuzzerName is set for fuzz and corpus_pruning tasks.
	FuzzerName string

	API     *api.Client
	Storage *storage.Client
	Blobs   *blobs.Store
	Cache   *cache.Cache
	Metrics *monitor.Metrics
	Env     *environ.Env
	Clock   clock.Clock
	Rand    *rand.Rand
	BotName string

	logger zerolog.Logger
}

// taskStateName keys the per-name task status rows. Identical tasks
// scheduled twice share the key, which is what makes STARTED act as a
// cross-bot mutex.
func taskStateName(command, argument, jobID string) string {
	return strings.TrimSpace(strings.Join([]string{command, argument, jobID}, " "))
}

func (tc *TaskContext) statusName() string {
	return taskStateName(tc.Task.Command, tc.Task.Argument, tc.Task.JobID)
}

func (tc *TaskContext) fetchTestcase(ctx context.Context, id string) (*api.Testcase, error) {
	testcase, err := tc.API.Testcase(ctx, id)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTestcase, id)
		}
		return nil, err
	}
	return testcase, nil
}

// addTestcaseComment appends a timestamped bot comment and persists the
// testcase row.
func (tc *TaskContext) addTestcaseComment(ctx context.Context, testcase *api.Testcase,
	message string) error {
	stamp := tc.Clock.Now().UTC().Format("2006-01-02 15:04:05")
	testcase.Comments += fmt.Sprintf("[%s UTC] %s: %s\n", stamp, tc.BotName, message)
	return tc.API.UpdateTestcase(ctx, testcase)
}

// Stacktraces beyond this size do not fit a crash row and move to the
// blob store, leaving a key reference behind.
const stacktraceLengthLimit = 1 << 20

const blobstoreStackPrefix = "BLOB_KEY="

// filterStacktrace caps what gets stored inline on a crash row. When
// even the blob write fails, the tail survives: that is where the crash
// details sit.
func (tc *TaskContext) filterStacktrace(ctx context.Context, stacktrace string) string {
	if len(stacktrace) <= stacktraceLengthLimit {
		return stacktrace
	}
	key, err := tc.Blobs.Write(ctx, []byte(stacktrace), "stacktrace.txt")
	if err != nil {
		tc.logger.Error().Err(err).Msg("failed to store the oversized stacktrace")
		return stacktrace[len(stacktrace)-stacktraceLengthLimit:]
	}
	return blobstoreStackPrefix + key
}

// requeue schedules the same task again after the delay.
func (tc *TaskContext) requeue(ctx context.Context, delay time.Duration) error {
	return tc.API.AddTask(ctx, &api.AddTaskReq{
		Command:      tc.Task.Command,
		Argument:     tc.Task.Argument,
		JobID:        tc.Task.JobID,
		DelaySeconds: int(delay.Seconds()),
	})
}

func (tc *TaskContext) failWait() time.Duration {
	return tc.Env.GetSeconds("FAIL_WAIT", 10*time.Minute)
}

// deadline is the moment a long-running handler must wrap up and
// requeue the rest of its work. The lease itself lives longer; the
// buffer leaves room for uploads and status writes.
func (tc *TaskContext) deadline() time.Time {
	return tc.Clock.Now().Add(tc.Env.GetSeconds("TASK_COMPLETION_BUFFER", 90*time.Minute))
}

func (tc *TaskContext) buildManager() *builds.Manager {
	return builds.NewManager(tc.Storage, tc.Blobs, tc.Env, tc.Job.Name, tc.logger)
}

// markInProgress refreshes the tracked status row. Bisection tasks call
// it on every iteration so a sibling bot can tell the task is alive.
func (tc *TaskContext) markInProgress(ctx context.Context) {
	if _, err := tc.API.UpdateTaskStatus(ctx, tc.statusName(), api.TaskStateWIP); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to mark the task in progress")
	}
}

// checkBadBuild probes whether a build crashes on a blank input, caching
// the verdict per job and revision since builds are immutable.
func (tc *TaskContext) checkBadBuild(ctx context.Context, run *testcases.Runner,
	revision int) (bool, error) {
	key := fmt.Sprintf("bad-build:%s:%d", tc.Job.Name, revision)
	var bad bool
	if ok, err := tc.Cache.Get(key, &bad); err == nil && ok {
		return bad, nil
	}
	bad, err := run.CheckForBadBuild(ctx, revision)
	if err != nil {
		return false, err
	}
	if err := tc.Cache.Put(key, bad); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to cache the bad build verdict")
	}
	if bad {
		md := &api.BuildMetadata{
			JobName:   tc.Job.Name,
			Revision:  revision,
			BadBuild:  true,
			BotName:   tc.BotName,
			Timestamp: tc.Clock.Now().UTC(),
		}
		if err := tc.API.ReportBadBuild(ctx, md); err != nil {
			tc.logger.Warn().Err(err).Int("revision", revision).
				Msg("failed to report the bad build")
		}
	}
	return bad, nil
}

// randBetween returns a uniform integer in [min, max].
func (tc *TaskContext) randBetween(min, max int) int {
	if max <= min {
		return min
	}
	return min + tc.Rand.Intn(max-min+1)
}

// sleep waits on the task clock, which tests replace.
func (tc *TaskContext) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-tc.Clock.After(d):
	}
}
