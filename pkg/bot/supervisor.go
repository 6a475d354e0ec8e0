// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
)

// Supervisor owns the host: it lays out the directory tree, keeps the
// bot config fresh, runs the heartbeat beside the worker and restarts
// the worker until the run budget is spent.
type Supervisor struct {
	API          *api.Client
	Env          *environ.Env
	Clock        clock.Clock
	Logger       zerolog.Logger
	WorkerBin    string
	HeartbeatBin string

	heartbeat *exec.Cmd
}

// Run keeps a worker alive until RUN_TIMEOUT elapses or the context
// ends. It returns the exit code the process should surface: the last
// worker's own code, or 1 when the supervisor itself failed to start.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	s.Env.Set("START_TIME", strconv.FormatInt(s.Clock.Now().Unix(), 10))
	if err := s.createLayout(); err != nil {
		return 1, err
	}
	name, err := resolveBotName(s.Env)
	if err != nil {
		return 1, err
	}
	s.Env.Set("BOT_NAME", name)
	s.refreshBotConfig(ctx, name)
	defer s.stopHeartbeat()
	exitCode := 0
	for ctx.Err() == nil {
		s.startHeartbeat()
		exitCode = s.runWorker(ctx)
		if runTimedOut(s.Env, s.Clock) {
			s.Logger.Info().Msg("run timed out, shutting down")
			break
		}
		s.sleep(ctx, loopSleepInterval)
	}
	return exitCode, nil
}

// createLayout builds the directory tree under ROOT_DIR that the worker
// and the heartbeat assume exists.
func (s *Supervisor) createLayout() error {
	if s.Env.RootDir() == "" {
		return fmt.Errorf("ROOT_DIR is not set")
	}
	for _, dir := range []string{
		s.Env.ConfigDir(), filepath.Dir(s.Env.BotConfigPath()),
		s.Env.WorkDir(), s.Env.FuzzersDir(),
		s.Env.BuildsDir(), s.Env.DataBundlesDir(), s.Env.InputsDir(),
		s.Env.DiskInputsDir(), s.Env.ArtifactsDir(), s.Env.LogDir(),
		s.Env.CacheDir(), s.Env.TmpDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// resolveBotName returns BOT_NAME or falls back to the hostname, the
// same resolution the config loader applies.
func resolveBotName(env *environ.Env) (string, error) {
	if name := env.Get("BOT_NAME"); name != "" {
		return name, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("BOT_NAME is not set and the hostname lookup failed: %w", err)
	}
	return name, nil
}

// refreshBotConfig downloads the per-bot config the control plane keeps
// for us and stores it where the worker reads it. Failures are logged
// and swallowed: a stale config on disk beats no config at all.
func (s *Supervisor) refreshBotConfig(ctx context.Context, name string) {
	botInfo, err := s.API.BotByName(ctx, name)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("failed to look up the bot record")
		return
	}
	data, err := s.API.BotConfig(ctx, botInfo.ID)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("failed to fetch the bot config")
		return
	}
	if len(data) == 0 {
		return
	}
	if err := os.WriteFile(s.Env.BotConfigPath(), data, 0600); err != nil {
		s.Logger.Warn().Err(err).Msg("failed to write the bot config")
	}
}

// startHeartbeat spawns the watchdog process once. A heartbeat that
// later dies stays dead until the next supervisor run, mirroring the
// worker's own at-most-one semantics.
func (s *Supervisor) startHeartbeat() {
	if s.HeartbeatBin == "" || s.heartbeat != nil {
		return
	}
	cmd := exec.Command(s.HeartbeatBin)
	cmd.Env = s.Env.Export()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		s.Logger.Error().Err(err).Str("binary", s.HeartbeatBin).Msg("failed to start the heartbeat")
		return
	}
	s.Logger.Info().Int("pid", cmd.Process.Pid).Msg("heartbeat started")
	s.heartbeat = cmd
	go cmd.Wait()
}

func (s *Supervisor) stopHeartbeat() {
	if s.heartbeat == nil {
		return
	}
	runner.KillProcessTree(s.heartbeat.Process.Pid)
	s.heartbeat = nil
}

// Worker budgets beyond what a millisecond clock can hold are clamped.
const maxWorkerTimeout = (1 << 31) / 1000 * time.Second

// runWorker runs one worker process to completion and returns its exit
// code. Hitting the run budget is not an error: the budget is enforced
// by killing the worker.
func (s *Supervisor) runWorker(ctx context.Context) int {
	timeout := s.Env.GetSeconds("RUN_TIMEOUT", 0)
	if timeout > maxWorkerTimeout {
		timeout = maxWorkerTimeout
	}
	res := runner.RunAndWait(ctx, runner.Command{
		Path:    s.WorkerBin,
		Env:     s.Env.Export(),
		Timeout: timeout,
	})
	if res.TimedOut() {
		s.Logger.Info().Msg("worker stopped at the run budget")
		return 0
	}
	if errors.Is(res.Err, runner.ErrExecutionFailed) {
		s.Logger.Error().Err(res.Err).Str("binary", s.WorkerBin).Msg("failed to start the worker")
		return 1
	}
	event := s.Logger.Warn()
	switch res.ReturnCode {
	case 0:
		event = s.Logger.Info()
	case 1:
		event = s.Logger.Error()
	}
	event.Int("exit_code", res.ReturnCode).
		Dur("duration", res.Duration).
		Str("output", string(logs.TruncateMiddle(res.Output, 4096))).
		Msg("worker exited")
	return res.ReturnCode
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-s.Clock.After(d):
	}
}
