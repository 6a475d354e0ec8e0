// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package bot runs the three processes that make up a fuzzing bot: the
// supervisor that owns the host, the worker that leases and executes
// tasks, and the heartbeat that watches the worker from the outside.
package bot

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/pingu-fuzz/pingu-bot/pkg/config"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

const (
	// heartbeatInterval is how often the watchdog wakes up.
	heartbeatInterval = 10 * time.Minute
	// taskCompletionBuffer is the slack past a task's recorded end time
	// before the worker is declared stuck.
	taskCompletionBuffer = 90 * time.Minute
	// defaultTaskDuration bounds tasks whose queue row carries no lease
	// duration.
	defaultTaskDuration = 6 * time.Hour
	// loopSleepInterval separates worker restarts.
	loopSleepInterval = 3 * time.Second
)

// Error phrases that make the worker exit so the supervisor restarts it
// as a fresh process. They show up when the host is in a state that no
// amount of retrying fixes from inside the dying process.
var botErrorTerminationList = []string{
	"can't start new thread",
	"cannot allocate memory",
	"hostexception",
	"interrupted function call",
	"out of memory",
	"systemexit:",
}

// Error phrases after which even restarting is pointless. The worker
// parks itself and waits for an operator.
var botErrorHangList = []string{
	"no space left",
}

// errorInList reports whether the error text contains any of the
// phrases, ignoring case.
func errorInList(text string, list []string) bool {
	text = strings.ToLower(text)
	for _, phrase := range list {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// runTimedOut reports whether the RUN_TIMEOUT budget has elapsed since
// the supervisor stamped START_TIME. All three processes consult it, so
// they wind down together.
func runTimedOut(env *environ.Env, clk clock.Clock) bool {
	timeout := env.GetSeconds("RUN_TIMEOUT", 0)
	if timeout <= 0 {
		return false
	}
	start := env.GetInt("START_TIME", 0)
	if start <= 0 {
		return false
	}
	return clk.Now().Sub(time.Unix(int64(start), 0)) > timeout
}

// PlatformName returns the platform this bot reports to the control
// plane.
func PlatformName(cfg *config.BotConfig) string {
	if cfg.Platform != "" {
		return cfg.Platform
	}
	return strings.ToUpper(runtime.GOOS)
}

// QueueName returns the task queue the worker polls: an explicit queue
// override or the platform name.
func QueueName(cfg *config.BotConfig) string {
	if cfg.Queue != "" {
		return cfg.Queue
	}
	return PlatformName(cfg)
}

// SiblingBinary resolves a helper binary installed next to the running
// one, unless an explicit path overrides it.
func SiblingBinary(override, name string) string {
	if override != "" {
		return override
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}

// taskState is the handoff from the worker to the heartbeat: which task
// is running and when to give up on it. It lives in its own file rather
// than the bbolt cache because bbolt admits one process at a time and
// the reader here must not depend on the health of the writer.
type taskState struct {
	TaskID  string    `json:"task_id"`
	Payload string    `json:"payload,omitempty"`
	EndTime time.Time `json:"end_time"`
}

func taskStatePath(env *environ.Env) string {
	return filepath.Join(env.CacheDir(), "task-state.json")
}

func writeTaskState(env *environ.Env, state *taskState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(env.CacheDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(taskStatePath(env), data, 0644)
}

// readTaskState returns nil without an error when no task is tracked.
func readTaskState(env *environ.Env) (*taskState, error) {
	data, err := os.ReadFile(taskStatePath(env))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &taskState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	return state, nil
}

func clearTaskState(env *environ.Env) error {
	err := os.Remove(taskStatePath(env))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
