// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
)

// argKeepApp crashes only when --keep is among the arguments. The last
// argument is the testcase path.
const argKeepApp = `#!/bin/sh
keep=0
input=""
for arg; do
  input="$arg"
  if [ "$arg" = "--keep" ]; then keep=1; fi
done
read line < "$input"
if [ "$keep" = 1 ] && [ "$line" = "crashme" ]; then
  echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
  echo "    #0 0x4011 in ParseInput /src/parse.c:10"
  echo "    #1 0x4022 in main /src/main.c:20"
  echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
  exit 1
fi
echo ok
`

// gestureApp crashes only when the exported gesture list still carries
// the important one.
const gestureApp = `#!/bin/sh
read line < "$1"
case "$GESTURES" in
*gesture-two*)
  if [ "$line" = "crashme" ]; then
    echo "==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000010 at pc 0x4011"
    echo "    #0 0x4011 in ParseInput /src/parse.c:10"
    echo "    #1 0x4022 in main /src/main.c:20"
    echo "SUMMARY: AddressSanitizer: heap-buffer-overflow"
    exit 1
  fi
  ;;
esac
echo ok
`

func setupMinimize(t *testing.T, script, input, extraEnv string) *regressionScenario {
	bot := newTestBot(t)
	job := bot.seedJob("asan_app", buildEnv+"\nCRASH_RETRIES = 2"+extraEnv)
	bot.seedBuilds(map[int]string{22: script}, nil)
	row := bot.storedTestcase(job.ID, input)
	bot.plane.addCrash(&api.Crash{
		TestcaseID:    row.ID,
		CrashType:     scriptCrashType,
		CrashState:    scriptCrashState,
		SecurityFlag:  true,
		CrashRevision: 22,
	})
	return &regressionScenario{bot: bot, job: job, row: row}
}

func (s *regressionScenario) runMinimize(t *testing.T) error {
	t.Helper()
	tc := s.bot.taskContext(&api.Task{
		Command: "minimize", Argument: s.row.ID, JobID: s.job.ID,
	})
	return minimizeTask(context.Background(), tc)
}

func TestMinimizeMainFile(t *testing.T) {
	s := setupMinimize(t, crashOnInput, "crashme\nnoise-a\nnoise-b", "")
	require.NoError(t, s.runMinimize(t))

	row := s.testcase()
	require.NotEmpty(t, row.MinimizedKeys)
	assert.NotEqual(t, row.FuzzedKeys, row.MinimizedKeys)
	data, err := s.bot.blobs.Read(context.Background(), row.MinimizedKeys)
	require.NoError(t, err)
	assert.Equal(t, "crashme\n", string(data))
	assert.Equal(t, api.ArchiveNone, row.ArchiveState)
	assert.Contains(t, row.Comments, "Testcase minimized from 24 to 8 bytes")

	// The post-minimize pipeline; variant jobs and symbolized builds do
	// not exist in this setup.
	assert.Equal(t, []string{"regression", "impact", "progression"},
		s.bot.plane.taskCommands())
}

func TestMinimizeArguments(t *testing.T) {
	s := setupMinimize(t, argKeepApp, "crashme", "\nAPP_ARGS = -a --keep -b")
	require.NoError(t, s.runMinimize(t))

	row := s.testcase()
	assert.Equal(t, "--keep", row.MinimizedArguments)
	data, err := s.bot.blobs.Read(context.Background(), row.MinimizedKeys)
	require.NoError(t, err)
	assert.Equal(t, "crashme\n", string(data))
}

func TestMinimizeGestures(t *testing.T) {
	s := setupMinimize(t, gestureApp, "crashme", "")
	s.bot.plane.mu.Lock()
	s.row.Gestures = []string{"gesture-one", "gesture-two", "gesture-three"}
	s.bot.plane.mu.Unlock()

	require.NoError(t, s.runMinimize(t))
	assert.Equal(t, []string{"gesture-two"}, s.testcase().Gestures)
}

func TestMinimizeUnreproducible(t *testing.T) {
	s := setupMinimize(t, neverCrashes, "crashme", "")
	require.NoError(t, s.runMinimize(t))

	row := s.testcase()
	assert.Empty(t, row.MinimizedKeys)
	flagged, ok := row.Metadata("potentially_flaky")
	require.True(t, ok)
	assert.Equal(t, true, flagged)
	added := s.bot.plane.tasksAdded()
	require.Len(t, added, 1)
	assert.Equal(t, "minimize", added[0].Command)

	// The second strike closes the books on the reproducer.
	require.NoError(t, s.runMinimize(t))
	row = s.testcase()
	assert.True(t, row.OneTimeCrasher)
	assert.Equal(t, api.NotApplicable, row.MinimizedKeys)
	assert.Equal(t, api.NotApplicable, row.Regression)
	assert.Equal(t, api.NotApplicable, row.Fixed)
}

func TestMinimizeDeadlineRequeue(t *testing.T) {
	s := setupMinimize(t, crashOnInput, "crashme\nnoise-a\nnoise-b",
		"\nTASK_COMPLETION_BUFFER = 1")
	require.NoError(t, s.runMinimize(t))

	row := s.testcase()
	progressKey := row.MetadataString(minimizeProgressKey)
	require.NotEmpty(t, progressKey)
	data, err := s.bot.blobs.Read(context.Background(), progressKey)
	require.NoError(t, err)
	assert.Equal(t, "crashme\nnoise-a\nnoise-b\n", string(data))
	added := s.bot.plane.tasksAdded()
	require.Len(t, added, 1)
	assert.Equal(t, "minimize", added[0].Command)
	assert.Empty(t, row.MinimizedKeys)

	// With a real time budget the continuation picks up the stored
	// progress and finishes.
	s.bot.plane.mu.Lock()
	s.bot.plane.jobs[s.job.ID].Environment = strings.Replace(
		s.bot.plane.jobs[s.job.ID].Environment,
		"TASK_COMPLETION_BUFFER = 1", "TASK_COMPLETION_BUFFER = 5400", 1)
	s.bot.plane.mu.Unlock()

	require.NoError(t, s.runMinimize(t))
	row = s.testcase()
	require.NotEmpty(t, row.MinimizedKeys)
	data, err = s.bot.blobs.Read(context.Background(), row.MinimizedKeys)
	require.NoError(t, err)
	assert.Equal(t, "crashme\n", string(data))
	assert.Empty(t, row.MetadataString(minimizeProgressKey))
}

func TestTokenizerFor(t *testing.T) {
	tokens := tokenizerFor([]byte("line one\nline two\n"))([]byte("a\nb\n"))
	assert.Equal(t, [][]byte{[]byte("a\n"), []byte("b\n")}, tokens)

	// Binary data falls back to fixed-size chunks covering the input.
	binary := []byte{0xff, 0xfe, 0x00, 0x01, 0x02}
	tokens = tokenizerFor(binary)(binary)
	var total int
	for _, token := range tokens {
		total += len(token)
	}
	assert.Equal(t, len(binary), total)
}

func TestArgumentTokenizer(t *testing.T) {
	tokens := argumentTokenizer([]byte("-a --keep -b"))
	assert.Equal(t, [][]byte{[]byte("-a "), []byte("--keep "), []byte("-b")}, tokens)
	// Tokens must concatenate back to the original string.
	var joined []byte
	for _, token := range tokens {
		joined = append(joined, token...)
	}
	assert.Equal(t, "-a --keep -b", string(joined))
}

func TestGestureCodec(t *testing.T) {
	gestures := []string{"tap 10 20", "swipe 0 0 5 5"}
	assert.Equal(t, gestures, decodeGestures(encodeGestures(gestures)))
	assert.Nil(t, decodeGestures(nil))
}
