// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bot

import (
	"context"
	"math/rand"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/tasks"
)

// Worker leases tasks from the control plane and executes them one at a
// time until the run budget is spent or the host goes bad.
type Worker struct {
	API      *api.Client
	Executor *tasks.Executor
	Env      *environ.Env
	Clock    clock.Clock
	Rand     *rand.Rand
	BotName  string
	Queue    string
	Logger   zerolog.Logger
}

// Run is the task loop. A task failure does not end the loop: the
// executor already recorded it, so the worker just backs off and polls
// again. The loop ends when the run times out, when the context is
// cancelled, or when the error text says the process itself is beyond
// saving.
func (w *Worker) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		err := w.runOneTask(ctx)
		if err != nil && ctx.Err() == nil {
			text := err.Error()
			switch {
			case errorInList(text, botErrorTerminationList):
				w.Logger.Error().Err(err).Msg("host error, restarting the worker")
				return nil
			case errorInList(text, botErrorHangList):
				w.Logger.Error().Err(err).Msg("unrecoverable host error, waiting for an operator")
				w.hang(ctx)
				return nil
			}
			w.Logger.Error().Err(err).Msg("task failed")
			w.waitNextLoop(ctx)
		}
		if runTimedOut(w.Env, w.Clock) {
			w.Logger.Info().Msg("run timed out, stopping the worker")
			return nil
		}
	}
	return ctx.Err()
}

func (w *Worker) runOneTask(ctx context.Context) error {
	w.Env.Reset()
	task, err := w.API.NextTask(ctx, w.BotName, w.Queue)
	if err != nil {
		return err
	}
	if task == nil {
		w.Logger.Debug().Msg("no tasks in the queue")
		w.waitNextLoop(ctx)
		return nil
	}
	w.Logger.Info().
		Str("task_id", task.ID).
		Str("command", task.Command).
		Str("argument", task.Argument).
		Str("job_id", task.JobID).
		Msg("leased a task")
	w.Env.Set("TASK_ID", task.ID)
	w.trackTaskStart(task)
	defer w.trackTaskEnd()
	lease := w.API.LeaseTask(ctx, task, func(err error) {
		w.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to extend the task lease")
	})
	defer func() {
		if err := lease.Release(ctx); err != nil {
			w.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to release the task lease")
		}
	}()
	return w.Executor.Execute(ctx, task)
}

// trackTaskStart records the task deadline where the heartbeat can see
// it even after this process dies.
func (w *Worker) trackTaskStart(task *api.Task) {
	duration := defaultTaskDuration
	if task.LeaseSeconds > 0 {
		duration = time.Duration(task.LeaseSeconds) * time.Second
	}
	state := &taskState{
		TaskID:  task.ID,
		Payload: task.Payload,
		EndTime: w.Clock.Now().Add(duration),
	}
	if err := writeTaskState(w.Env, state); err != nil {
		w.Logger.Warn().Err(err).Msg("failed to record the task state")
	}
}

func (w *Worker) trackTaskEnd() {
	if err := clearTaskState(w.Env); err != nil {
		w.Logger.Warn().Err(err).Msg("failed to clear the task state")
	}
}

// waitNextLoop sleeps a random fraction of FAIL_WAIT so that a fleet
// restarted at once does not poll the queue in lockstep.
func (w *Worker) waitNextLoop(ctx context.Context) {
	max := int(w.Env.GetSeconds("FAIL_WAIT", 10*time.Minute).Seconds())
	if max < 1 {
		max = 1
	}
	delay := time.Duration(1+w.Rand.Intn(max)) * time.Second
	select {
	case <-ctx.Done():
	case <-w.Clock.After(delay):
	}
}

// hang parks the process without exiting so that an operator can
// inspect the host. The heartbeat keeps reporting, so the bot shows up
// alive but idle on the dashboard.
func (w *Worker) hang(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-w.Clock.After(time.Minute):
		}
	}
}
