// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	cmd, err := Split(`./fuzzer --input_dir="/data/my corpus" -v`)
	require.NoError(t, err)
	assert.Equal(t, "./fuzzer", cmd.Path)
	assert.Equal(t, []string{"--input_dir=/data/my corpus", "-v"}, cmd.Args)

	_, err = Split("")
	assert.Error(t, err)
	_, err = Split(`broken "quote`)
	assert.Error(t, err)
}

func TestRunAndWait(t *testing.T) {
	result := RunAndWait(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.ReturnCode)
	assert.Contains(t, string(result.Output), "out")
	assert.Contains(t, string(result.Output), "err")
	assert.False(t, result.TimedOut())
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	result := RunAndWait(context.Background(), Command{
		Path:    "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	assert.Equal(t, ReturnCodeTimeout, result.ReturnCode)
	assert.True(t, result.TimedOut())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	result := RunAndWait(ctx, Command{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 30"},
	})
	assert.Equal(t, ReturnCodeTimeout, result.ReturnCode)
	assert.True(t, result.TimedOut())
}

func TestRunLaunchFailure(t *testing.T) {
	result := RunAndWait(context.Background(), Command{
		Path: "/definitely/not/a/binary",
	})
	assert.Equal(t, ReturnCodeFailed, result.ReturnCode)
	assert.ErrorIs(t, result.Err, ErrExecutionFailed)
}

func TestRunEnv(t *testing.T) {
	result := RunAndWait(context.Background(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo $APP_ARGS"},
		Env:  []string{"APP_ARGS=-rss_limit_mb=2560"},
	})
	require.NoError(t, result.Err)
	assert.Contains(t, string(result.Output), "-rss_limit_mb=2560")
}

func TestOutputBuffer(t *testing.T) {
	b := newOutputBuffer(10)
	b.Write([]byte("0123456789"))
	assert.Equal(t, "0123456789", string(b.Bytes()))

	b.Write([]byte("abcdef"))
	out := string(b.Bytes())
	assert.Contains(t, out, "01234")
	assert.Contains(t, out, "abcdef")
	assert.Contains(t, out, "<<cut 6 bytes out>>")
}

func TestPool(t *testing.T) {
	pool := NewPool(context.Background(), 4)
	go func() {
		for i := 0; i < 10; i++ {
			pool.Submit(Job{
				Cmd: Command{Path: "/bin/sh", Args: []string{"-c", "exit 0"}},
				Tag: "job",
			})
		}
		pool.Close()
	}()
	count := 0
	for result := range pool.Results() {
		require.NoError(t, result.Result.Err)
		assert.Equal(t, 0, result.Result.ReturnCode)
		count++
	}
	assert.Equal(t, 10, count)
}

func TestPoolTerminateHung(t *testing.T) {
	pool := NewPool(context.Background(), 2)
	go func() {
		for i := 0; i < 2; i++ {
			pool.Submit(Job{
				Cmd: Command{Path: "/bin/sh", Args: []string{"-c", "sleep 60"}},
			})
		}
		pool.Close()
	}()
	time.Sleep(100 * time.Millisecond)
	pool.TerminateHung()
	for result := range pool.Results() {
		assert.True(t, result.Result.TimedOut())
	}
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale")
	fresh := filepath.Join(dir, "fresh")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.MkdirAll(fresh, 0755))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	assert.Equal(t, 1, CleanStale(dir, 30*time.Minute))
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}
