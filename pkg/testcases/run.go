// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testcases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
)

// TestcasePlaceholder marks where the testcase path goes in an argument
// string.
const TestcasePlaceholder = "%TESTCASE%"

const defaultCrashRetries = 10

var ErrNoAppPath = errors.New("APP_PATH is not set")

// Runner executes staged testcases against the application under test.
type Runner struct {
	env    *environ.Env
	logger zerolog.Logger
}

func NewRunner(env *environ.Env, logger zerolog.Logger) *Runner {
	return &Runner{
		env:    env,
		logger: logger.With().Str("component", "testcases").Logger(),
	}
}

// Expectation describes the crash a rerun is compared against. An empty
// State matches any crash with the same security flag.
type Expectation struct {
	State    string
	Security bool
}

// Matches reports whether the observed crash is the one the expectation
// describes.
func (e *Expectation) Matches(info *crash.Info) bool {
	if info == nil {
		return false
	}
	if info.Security != e.Security {
		return false
	}
	if e.State == "" {
		return true
	}
	return crash.SimilarStates(info.State, e.State)
}

// CommandLine builds the application invocation for one testcase.
// APP_LAUNCH_COMMAND overrides the assembled APP_PATH command line; the
// testcase path is appended when no placeholder consumes it.
func (r *Runner) CommandLine(testcasePath string) (runner.Command, error) {
	cmdline := r.env.Get("APP_LAUNCH_COMMAND")
	if cmdline == "" {
		appPath := r.env.Get("APP_PATH")
		if appPath == "" {
			return runner.Command{}, ErrNoAppPath
		}
		parts := []string{shellquote.Join(appPath)}
		for _, extra := range []string{
			r.env.Get("WINDOW_ARG"),
			r.env.Get("ADDITIONAL_COMMAND_LINE_FLAGS"),
			r.env.Get("APP_ARGS"),
		} {
			if extra = strings.TrimSpace(extra); extra != "" {
				parts = append(parts, extra)
			}
		}
		cmdline = strings.Join(parts, " ")
	}
	if testcasePath != "" && !strings.Contains(cmdline, TestcasePlaceholder) {
		cmdline += " " + TestcasePlaceholder
	}
	cmdline = strings.ReplaceAll(cmdline, "%APP_PATH%", r.env.Get("APP_PATH"))
	cmdline = strings.ReplaceAll(cmdline, "%APP_DIR%", r.env.Get("APP_DIR"))
	cmdline = strings.ReplaceAll(cmdline, TestcasePlaceholder, testcasePath)

	cmd, err := runner.Split(cmdline)
	if err != nil {
		return runner.Command{}, err
	}
	cmd.Dir = r.env.Get("APP_DIR")
	return cmd, nil
}

// Run executes the testcase once and parses the outcome. Gestures, when
// present, are exported for the launcher to replay.
func (r *Runner) Run(ctx context.Context, testcasePath string, gestures []string) (*crash.Result, error) {
	cmd, err := r.CommandLine(testcasePath)
	if err != nil {
		return nil, err
	}
	env := r.env
	if len(gestures) > 0 {
		env = env.Copy()
		env.Set("GESTURES", shellquote.Join(gestures...))
	}
	cmd.Env = env.Export()
	cmd.Timeout = env.GetSeconds("TEST_TIMEOUT", 10*time.Second)

	res := runner.RunAndWait(ctx, cmd)
	if errors.Is(res.Err, runner.ErrExecutionFailed) {
		return nil, fmt.Errorf("failed to run %s: %w", cmd.Path, res.Err)
	}
	return crash.NewResult(res.ReturnCode, res.Duration, string(res.Output)), nil
}

// TestForCrashWithRetries reruns the testcase until it crashes. With an
// expectation set, only a crash matching its state and security flag
// counts; unrelated crashes keep the loop going. The last result is
// returned when the retries run out.
func (r *Runner) TestForCrashWithRetries(ctx context.Context, testcasePath string,
	gestures []string, expect *Expectation, retries int) (*crash.Result, error) {
	if retries <= 0 {
		retries = r.env.GetInt("CRASH_RETRIES", defaultCrashRetries)
	}
	var last *crash.Result
	for round := 1; round <= retries; round++ {
		result, err := r.Run(ctx, testcasePath, gestures)
		if err != nil {
			return nil, err
		}
		last = result
		if !result.IsCrash() {
			continue
		}
		if expect == nil || expect.State == "" {
			return result, nil
		}
		if expect.Matches(result.Info()) {
			return result, nil
		}
		r.logger.Info().Int("round", round).
			Str("crash_type", result.Info().Type).
			Msg("detected a crash with an unrelated state")
	}
	return last, nil
}

// TestForReproducibility reruns the testcase and reports whether the
// expected crash shows up at least once.
func (r *Runner) TestForReproducibility(ctx context.Context, testcasePath string,
	gestures []string, expect *Expectation, retries int) (bool, error) {
	if retries <= 0 {
		retries = r.env.GetInt("CRASH_RETRIES", defaultCrashRetries)
	}
	for round := 1; round <= retries; round++ {
		result, err := r.Run(ctx, testcasePath, gestures)
		if err != nil {
			return false, err
		}
		if !result.IsCrash() {
			continue
		}
		if expect != nil && !expect.Matches(result.Info()) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// CheckForBadBuild runs the application on a blank input and reports
// whether the build crashes on startup. A crashing build is a property
// of the build, not of any testcase, so callers drop the revision and
// move on instead of failing the task.
func (r *Runner) CheckForBadBuild(ctx context.Context, revision int) (bool, error) {
	blankPath := filepath.Join(r.env.TmpDir(), "blank_testcase")
	if err := os.MkdirAll(r.env.TmpDir(), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(blankPath, []byte(" "), 0644); err != nil {
		return false, err
	}
	defer os.Remove(blankPath)

	r.env.Set("BAD_BUILD_CHECK", "True")
	defer r.env.Remove("BAD_BUILD_CHECK")

	result, err := r.Run(ctx, blankPath, nil)
	if err != nil {
		return false, err
	}
	if !result.IsCrash() {
		return false, nil
	}
	info := result.Info()
	event := r.logger.Warn().Int("revision", revision)
	if info != nil {
		event = event.Str("crash_type", info.Type)
	}
	event.Msg("bad build detected")
	return true, nil
}
