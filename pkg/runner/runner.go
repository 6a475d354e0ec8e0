// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package runner executes target applications and fuzzers as subprocesses
// with guaranteed termination of the whole process tree.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
)

// Return code sentinels. Real targets never produce negative codes: signal
// deaths are folded into the 128+N shell convention below.
const (
	ReturnCodeTimeout = -1
	ReturnCodeFailed  = -2
)

var (
	ErrTimeout         = errors.New("process timed out")
	ErrExecutionFailed = errors.New("failed to execute process")
)

// MaxTimeout bounds any subprocess run. The millisecond budget must fit
// in an int32.
const MaxTimeout = time.Duration(1<<31/1000) * time.Second

const DefaultOutputLimit = 16 << 20

type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// Zero means MaxTimeout.
	Timeout time.Duration
	// Cap on the retained combined output; the middle is dropped on
	// overflow. Zero means DefaultOutputLimit.
	OutputLimit int
}

// Split parses a shell-quoted command line into a Command.
func Split(cmdline string) (Command, error) {
	words, err := shellquote.Split(cmdline)
	if err != nil {
		return Command{}, fmt.Errorf("failed to split command %q: %w", cmdline, err)
	}
	if len(words) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{Path: words[0], Args: words[1:]}, nil
}

func (cmd Command) String() string {
	return shellquote.Join(append([]string{cmd.Path}, cmd.Args...)...)
}

type Result struct {
	ReturnCode int
	Output     []byte
	Duration   time.Duration
	// ErrTimeout, ErrExecutionFailed or nil.
	Err error
}

func (r *Result) TimedOut() bool {
	return errors.Is(r.Err, ErrTimeout)
}

// RunAndWait runs the command and blocks until it exits, the timeout fires
// or the context is cancelled. The child runs in its own process group and
// the whole group is killed on every early-exit path, so no grandchildren
// survive the call.
func RunAndWait(ctx context.Context, cmd Command) *Result {
	timeout := cmd.Timeout
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	limit := cmd.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	output := newOutputBuffer(limit)
	proc := exec.Command(cmd.Path, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = cmd.Env
	proc.Stdout = output
	proc.Stderr = output
	proc.SysProcAttr = &syscall.SysProcAttr{
		// Own process group so that we can kill the process and all of
		// its children in one go.
		Setpgid: true,
	}
	start := time.Now()
	if err := proc.Start(); err != nil {
		return &Result{
			ReturnCode: ReturnCodeFailed,
			Duration:   time.Since(start),
			Err:        fmt.Errorf("%w: %w", ErrExecutionFailed, err),
		}
	}
	waitC := make(chan error, 1)
	go func() {
		waitC <- proc.Wait()
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var resultErr error
	select {
	case err := <-waitC:
		return &Result{
			ReturnCode: exitCode(proc, err),
			Output:     output.Bytes(),
			Duration:   time.Since(start),
		}
	case <-timer.C:
		resultErr = ErrTimeout
	case <-ctx.Done():
		resultErr = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	killGroup(proc.Process.Pid)
	<-waitC
	return &Result{
		ReturnCode: ReturnCodeTimeout,
		Output:     output.Bytes(),
		Duration:   time.Since(start),
		Err:        resultErr,
	}
}

// exitCode maps signal deaths to the 128+N shell convention to keep them
// distinct from our negative sentinels.
func exitCode(proc *exec.Cmd, err error) int {
	if ws, ok := proc.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	code := proc.ProcessState.ExitCode()
	if code < 0 && err != nil {
		return ReturnCodeFailed
	}
	return code
}

func killGroup(pid int) {
	// Negative pid addresses the whole process group.
	unix.Kill(-pid, unix.SIGKILL)
	unix.Kill(pid, unix.SIGKILL)
}
