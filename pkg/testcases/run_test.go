// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testcases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

// The script crashes with an ASan-style report when the input says so.
// Only shell builtins are used since the exported task env has no PATH.
const crashingAppScript = `#!/bin/sh
read line < "$1"
if [ "$line" = "crashme" ]; then
  echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
  echo "    #0 0x4011 in ParseInput /src/parse.c:10"
  echo "    #1 0x4022 in main /src/main.c:20"
  echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
  exit 1
fi
echo ok
`

func makeRunner(t *testing.T, script string) (*Runner, *environ.Env, string) {
	t.Helper()
	root := t.TempDir()
	appPath := filepath.Join(root, "app.sh")
	require.NoError(t, os.WriteFile(appPath, []byte(script), 0755))
	env := environ.New(map[string]string{
		"ROOT_DIR":     root,
		"APP_PATH":     appPath,
		"TEST_TIMEOUT": "10",
	})
	return NewRunner(env, zerolog.Nop()), env, root
}

func writeInput(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "input")
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0644))
	return path
}

func TestCommandLine(t *testing.T) {
	env := environ.New(map[string]string{
		"APP_PATH": "/app/fuzzer",
		"APP_ARGS": "--runs=2 %TESTCASE%",
		"APP_DIR":  "/app",
	})
	r := NewRunner(env, zerolog.Nop())

	cmd, err := r.CommandLine("/in/crash.html")
	require.NoError(t, err)
	assert.Equal(t, "/app/fuzzer", cmd.Path)
	assert.Equal(t, []string{"--runs=2", "/in/crash.html"}, cmd.Args)
	assert.Equal(t, "/app", cmd.Dir)

	// Without a placeholder the testcase path is appended.
	env.Set("APP_ARGS", "--runs=2")
	cmd, err = r.CommandLine("/in/crash.html")
	require.NoError(t, err)
	assert.Equal(t, []string{"--runs=2", "/in/crash.html"}, cmd.Args)

	env.Set("APP_LAUNCH_COMMAND", "/bin/launcher %APP_DIR%/data %TESTCASE%")
	cmd, err = r.CommandLine("/in/crash.html")
	require.NoError(t, err)
	assert.Equal(t, "/bin/launcher", cmd.Path)
	assert.Equal(t, []string{"/app/data", "/in/crash.html"}, cmd.Args)
}

func TestCommandLineNoAppPath(t *testing.T) {
	r := NewRunner(environ.New(nil), zerolog.Nop())
	_, err := r.CommandLine("/in/crash.html")
	assert.ErrorIs(t, err, ErrNoAppPath)
}

func TestRunDetectsCrash(t *testing.T) {
	r, _, root := makeRunner(t, crashingAppScript)
	ctx := context.Background()

	result, err := r.Run(ctx, writeInput(t, root, "crashme"), nil)
	require.NoError(t, err)
	assert.True(t, result.IsCrash())
	assert.Equal(t, 1, result.ReturnCode)
	require.NotNil(t, result.Info())
	assert.Equal(t, "Heap-buffer-overflow", result.Info().Type)
	assert.Equal(t, "ParseInput\nmain\n", result.Info().State)

	result, err = r.Run(ctx, writeInput(t, root, "benign"), nil)
	require.NoError(t, err)
	assert.False(t, result.IsCrash())
	assert.Nil(t, result.Info())
}

func TestTestForCrashWithRetries(t *testing.T) {
	r, _, root := makeRunner(t, crashingAppScript)
	ctx := context.Background()

	expect := &Expectation{State: "ParseInput\nmain\n", Security: true}
	result, err := r.TestForCrashWithRetries(ctx, writeInput(t, root, "crashme"), nil, expect, 3)
	require.NoError(t, err)
	assert.True(t, result.IsCrash())

	// A crash with an unrelated state does not satisfy the expectation;
	// the last result is handed back after the retries run out.
	unrelated := &Expectation{State: "SomethingElse\nEntirely\n", Security: true}
	result, err = r.TestForCrashWithRetries(ctx, writeInput(t, root, "crashme"), nil, unrelated, 2)
	require.NoError(t, err)
	assert.True(t, result.IsCrash())
	assert.Equal(t, "ParseInput\nmain\n", result.Info().State)

	result, err = r.TestForCrashWithRetries(ctx, writeInput(t, root, "benign"), nil, nil, 2)
	require.NoError(t, err)
	assert.False(t, result.IsCrash())
}

func TestTestForReproducibility(t *testing.T) {
	r, _, root := makeRunner(t, crashingAppScript)
	ctx := context.Background()

	expect := &Expectation{State: "ParseInput\nmain\n", Security: true}
	reproduces, err := r.TestForReproducibility(ctx, writeInput(t, root, "crashme"), nil, expect, 2)
	require.NoError(t, err)
	assert.True(t, reproduces)

	// Security flag mismatch means a different bug.
	functional := &Expectation{State: "ParseInput\nmain\n", Security: false}
	reproduces, err = r.TestForReproducibility(ctx, writeInput(t, root, "crashme"), nil, functional, 2)
	require.NoError(t, err)
	assert.False(t, reproduces)

	reproduces, err = r.TestForReproducibility(ctx, writeInput(t, root, "benign"), nil, expect, 2)
	require.NoError(t, err)
	assert.False(t, reproduces)
}

func TestRunExportsGestures(t *testing.T) {
	r, env, root := makeRunner(t, `#!/bin/sh
echo "gestures: $GESTURES"
`)
	ctx := context.Background()
	result, err := r.Run(ctx, writeInput(t, root, "x"), []string{"key,space", "drag"})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "key,space")
	// The task env itself is untouched.
	assert.False(t, env.Has("GESTURES"))
}

func TestCheckForBadBuild(t *testing.T) {
	r, env, _ := makeRunner(t, `#!/bin/sh
echo "==1==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000"
echo "    #0 0x1 in Startup /src/boot.c:5"
echo "SUMMARY: AddressSanitizer: SEGV"
exit 1
`)
	bad, err := r.CheckForBadBuild(context.Background(), 1337)
	require.NoError(t, err)
	assert.True(t, bad)
	assert.False(t, env.Has("BAD_BUILD_CHECK"))

	r, env, _ = makeRunner(t, "#!/bin/sh\necho started ok\n")
	bad, err = r.CheckForBadBuild(context.Background(), 1337)
	require.NoError(t, err)
	assert.False(t, bad)
	assert.False(t, env.Has("BAD_BUILD_CHECK"))
}
