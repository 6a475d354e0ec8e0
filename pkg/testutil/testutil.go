// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

func IterCount() int {
	iters := 1000
	if testing.Short() {
		iters /= 10
	}
	if RaceEnabled {
		iters /= 10
	}
	return iters
}

func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("PINGU_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0 // required for deterministic coverage reports
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

// DirectoryLayout creates a layout specified by the paths slice.
// If a path ends with a filepath.Separator, then a directory is created.
// Otherwise, DirectoryLayout creates an empty file.
func DirectoryLayout(t *testing.T, base string, paths []string) {
	for _, path := range paths {
		path = filepath.Join(base, filepath.FromSlash(path))
		dir := filepath.Dir(path)
		// Create the directory.
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			t.Fatal(err)
		}
		if path != "" && path[len(path)-1] != filepath.Separator {
			err = os.WriteFile(path, nil, 0644)
			if err != nil {
				t.Fatal(err)
			}
		}
	}
}

// BotEnv returns a task environment rooted at a fresh temp directory with
// the standard bot layout created on disk.
func BotEnv(t *testing.T) *environ.Env {
	root := t.TempDir()
	env := environ.New(map[string]string{
		"ROOT_DIR":  root,
		"BOT_NAME":  "test-bot",
		"FAIL_WAIT": "1",
	})
	for _, dir := range []string{
		env.WorkDir(),
		env.FuzzersDir(),
		env.BuildsDir(),
		env.DataBundlesDir(),
		env.InputsDir(),
		env.DiskInputsDir(),
		env.ArtifactsDir(),
		env.LogDir(),
		env.CacheDir(),
		env.TmpDir(),
		filepath.Dir(env.BotConfigPath()),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return env
}
