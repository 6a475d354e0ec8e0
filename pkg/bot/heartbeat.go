// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bot

import (
	"context"
	"os"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Heartbeat is the watchdog beside the worker: it reports liveness to
// the control plane and kills the worker when a task runs past its
// deadline. It runs as its own process so that whatever wedges the
// worker cannot wedge it.
type Heartbeat struct {
	API          *api.Client
	Env          *environ.Env
	Clock        clock.Clock
	BotName      string
	Platform     string
	WorkerMarker string
	Logger       zerolog.Logger

	lastLogState string
}

// Run beats every heartbeatInterval until the run times out or the
// context ends.
func (h *Heartbeat) Run(ctx context.Context) error {
	for {
		h.beat(ctx)
		if runTimedOut(h.Env, h.Clock) {
			h.Logger.Info().Msg("run timed out, stopping the heartbeat")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Clock.After(heartbeatInterval):
		}
	}
}

// beat runs one watchdog cycle. Every failure is logged and swallowed:
// a broken beat must not take the watchdog down with it.
func (h *Heartbeat) beat(ctx context.Context) {
	state, err := readTaskState(h.Env)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("failed to read the task state")
	}
	buffer := h.Env.GetSeconds("TASK_COMPLETION_BUFFER", taskCompletionBuffer)
	if state != nil && h.Clock.Now().After(state.EndTime.Add(buffer)) {
		h.killStaleWorker(ctx, state)
		state = nil
	}
	h.post(ctx, state)
}

// killStaleWorker tears down a worker stuck past its task deadline and
// tells the control plane the task is over so it can be handed out
// again.
func (h *Heartbeat) killStaleWorker(ctx context.Context, state *taskState) {
	h.Logger.Warn().
		Str("task_id", state.TaskID).
		Time("end_time", state.EndTime).
		Msg("worker is past the task deadline, killing it")
	if n := runner.TerminateStale(h.WorkerMarker); n > 0 {
		h.Logger.Info().Int("processes", n).Msg("killed stale worker processes")
	}
	// Whatever the worker spawned runs out of the builds directory.
	runner.TerminateStale(h.Env.BuildsDir())
	if err := testcases.ClearTestcaseDirectories(h.Env); err != nil {
		h.Logger.Warn().Err(err).Msg("failed to clear the testcase directories")
	}
	os.RemoveAll(h.Env.TmpDir())
	if err := os.MkdirAll(h.Env.TmpDir(), 0755); err != nil {
		h.Logger.Warn().Err(err).Msg("failed to recreate the temp directory")
	}
	if state.TaskID != "" {
		if err := h.API.EndTask(ctx, state.TaskID); err != nil {
			h.Logger.Warn().Err(err).Str("task_id", state.TaskID).Msg("failed to end the stale task")
		}
	}
	if err := clearTaskState(h.Env); err != nil {
		h.Logger.Warn().Err(err).Msg("failed to clear the task state")
	}
}

// post reports liveness, gated on the worker log actually moving since
// the last beat. A wedged worker stops the log, which stops the beats,
// which is what the control plane alerts on.
func (h *Heartbeat) post(ctx context.Context, state *taskState) {
	info, err := os.Stat(h.Env.BotLogPath())
	if err != nil {
		h.Logger.Debug().Err(err).Msg("no worker log yet, skipping the beat")
		return
	}
	current := info.ModTime().UTC().Format(time.RFC3339Nano)
	if current == h.lastLogState {
		return
	}
	payload := ""
	var endTime time.Time
	if state != nil {
		payload = state.Payload
		endTime = state.EndTime
	}
	if err := h.API.Heartbeat(ctx, h.BotName, payload, h.Platform, endTime); err != nil {
		h.Logger.Warn().Err(err).Msg("failed to post the heartbeat")
		return
	}
	h.lastLogState = current
}
