// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package builds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
	"github.com/pingu-fuzz/pingu-bot/pkg/testutil"
)

func makeBuildArchive(t *testing.T, appName string) []byte {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", appName), []byte("#!/bin/true"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "target_fuzzer"), []byte("#!/bin/true"), 0755))
	path := filepath.Join(t.TempDir(), "build.zip")
	require.NoError(t, archive.CreateZip(dir, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func makeManager(t *testing.T, env *environ.Env) (*Manager, *storage.TestBackend) {
	backend := storage.MakeTestBackend()
	client := storage.NewClient(backend, "storage.test", zerolog.Nop())
	store := blobs.NewStore(client, "blobs")
	return NewManager(client, store, env, "libfuzzer_asan_app", zerolog.Nop()), backend
}

func seedBuilds(t *testing.T, mgr *Manager, env *environ.Env, revs []int) {
	ctx := context.Background()
	env.Set("RELEASE_BUILD_BUCKET_PATH", "/builds/app-release")
	env.Set("APP_NAME", "app")
	data := makeBuildArchive(t, "app")
	for _, rev := range revs {
		path := fmt.Sprintf("/builds/app-release/app-release-%d.zip", rev)
		require.NoError(t, mgr.client.WriteData(ctx, path, data))
	}
}

func TestSetupBuildPicksNearest(t *testing.T) {
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)
	seedBuilds(t, mgr, env, []int{5, 8, 12})

	build, err := mgr.SetupBuild(context.Background(), Release, 10)
	require.NoError(t, err)
	assert.Equal(t, 8, build.Revision)
	assert.Equal(t, "8", env.Get("APP_REVISION"))
	assert.Equal(t, build.Dir, env.Get("BUILD_DIR"))
	assert.Equal(t, filepath.Join(build.Dir, "bin", "app"), env.Get("APP_PATH"))
	assert.True(t, CheckAppPath(env))
}

func TestSetupBuildLatest(t *testing.T) {
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)
	seedBuilds(t, mgr, env, []int{5, 8, 12})

	build, err := mgr.SetupBuild(context.Background(), Release, 0)
	require.NoError(t, err)
	assert.Equal(t, 12, build.Revision)
}

func TestSetupBuildReusesUnpacked(t *testing.T) {
	ctx := context.Background()
	env := testutil.BotEnv(t)
	mgr, backend := makeManager(t, env)
	seedBuilds(t, mgr, env, []int{8})

	build, err := mgr.SetupBuild(ctx, Release, 8)
	require.NoError(t, err)

	// With the archive gone the second setup can only succeed from the
	// unpacked copy.
	for _, path := range backend.Paths() {
		require.NoError(t, mgr.client.Remove(ctx, path))
	}
	require.NoError(t, mgr.client.WriteData(ctx, "/builds/app-release/app-release-8.zip", nil))
	again, err := mgr.SetupBuild(ctx, Release, 8)
	require.NoError(t, err)
	assert.Equal(t, build.Dir, again.Dir)
	assert.True(t, CheckAppPath(env))
}

func TestSetupBuildNotFound(t *testing.T) {
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)
	seedBuilds(t, mgr, env, []int{5, 8})

	_, err := mgr.SetupBuild(context.Background(), Release, 3)
	var notFound *BuildNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 3, notFound.Revision)

	env.Set("RELEASE_BUILD_BUCKET_PATH", "")
	_, err = mgr.SetupBuild(context.Background(), Release, 5)
	assert.ErrorAs(t, err, &notFound)
}

func TestRevisionList(t *testing.T) {
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)
	seedBuilds(t, mgr, env, []int{12, 5, 8})

	list, err := mgr.RevisionList(context.Background(), Release)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 8, 12}, []int(list))
}

func TestCustomBinary(t *testing.T) {
	ctx := context.Background()
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)

	key, err := mgr.blobs.Write(ctx, []byte("#!/bin/true"), "reproduce.sh")
	require.NoError(t, err)
	env.Set("CUSTOM_BINARY", "True")
	env.Set("CUSTOM_BINARY_KEY", key)
	env.Set("CUSTOM_BINARY_FILENAME", "reproduce.sh")

	build, err := mgr.SetupBuild(ctx, Release, 1234)
	require.NoError(t, err)
	assert.Equal(t, Custom, build.Kind)
	assert.Equal(t, build.AppPath, env.Get("APP_PATH"))
	info, err := os.Stat(build.AppPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestSymbolizedBuilds(t *testing.T) {
	ctx := context.Background()
	env := testutil.BotEnv(t)
	mgr, _ := makeManager(t, env)
	env.Set("APP_NAME", "app")
	data := makeBuildArchive(t, "app")
	require.NoError(t, mgr.client.WriteData(ctx, "/builds/app-sym-release/app-7.zip", data))
	require.NoError(t, mgr.client.WriteData(ctx, "/builds/app-sym-debug/app-7.zip", data))

	assert.False(t, mgr.HasSymbolizedBuilds())
	env.Set("SYM_RELEASE_BUILD_BUCKET_PATH", "/builds/app-sym-release")
	env.Set("SYM_DEBUG_BUILD_BUCKET_PATH", "/builds/app-sym-debug")
	require.True(t, mgr.HasSymbolizedBuilds())

	pair, err := mgr.SetupSymbolizedBuilds(ctx, 7)
	require.NoError(t, err)
	assert.NotEqual(t, pair.Release.Dir, pair.Debug.Dir)
	assert.Equal(t, filepath.Join(pair.Release.Dir, "bin", "app"), env.Get("APP_PATH"))
	assert.Equal(t, filepath.Join(pair.Debug.Dir, "bin", "app"), env.Get("APP_PATH_DEBUG"))
	assert.Equal(t, pair.Release.Dir, env.Get("BUILD_DIR"))

	mgr.DeleteSymbolizedBuilds(pair)
	_, err = os.Stat(pair.Release.Dir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(pair.Debug.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFindAppPathShallowest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "deep", "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deep", "nested", "app"), nil, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app"), nil, 0755))

	path, err := findAppPath(dir, "app")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "app"), path)

	_, err = findAppPath(dir, "missing")
	assert.Error(t, err)
}
