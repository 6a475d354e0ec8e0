// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

// Data bundles are re-checked against the bucket at most this often.
const dataBundleSyncInterval = 6 * time.Hour

// Bundles beyond this count are evicted oldest-first. Some bundles run
// into tens of gigabytes, so a bot cannot keep every one it ever saw.
const maxDataBundles = 10

const installScriptTimeout = 10 * time.Minute

// updateFuzzerAndDataBundles fetches the fuzzer row and refreshes the
// local installation and its data bundle. Returns ErrInvalidFuzzer when
// the fuzzer was deleted from the control plane or its archive does not
// contain the declared executable.
func updateFuzzerAndDataBundles(ctx context.Context, tc *TaskContext,
	name string) (*api.Fuzzer, error) {
	fuzzer, err := tc.API.FuzzerByName(ctx, name)
	if errors.Is(err, api.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFuzzer, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fuzzer %s: %w", name, err)
	}

	setFuzzerEnv(tc.Env, fuzzer)

	// Builtin fuzzers run through an in-process engine, there is
	// nothing to install.
	if !fuzzer.Builtin {
		if err := installFuzzer(ctx, tc, fuzzer); err != nil {
			return nil, err
		}
	}

	if fuzzer.DataBundleName != "" {
		bundle, err := tc.API.DataBundleByName(ctx, fuzzer.DataBundleName)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch data bundle %s: %w",
				fuzzer.DataBundleName, err)
		}
		if err := updateDataBundle(ctx, tc, bundle); err != nil {
			return nil, err
		}
	}
	return fuzzer, nil
}

func setFuzzerEnv(env *environ.Env, fuzzer *api.Fuzzer) {
	env.Set("FUZZER_NAME", fuzzer.Name)
	if fuzzer.Timeout > 0 {
		timeout := time.Duration(fuzzer.Timeout) * time.Second
		env.Setf("TEST_TIMEOUT", "%d", fuzzer.Timeout)
		// A fuzzing round must fit at least one testcase run.
		if env.GetSeconds("FUZZ_TEST_TIMEOUT", 0) < timeout {
			env.Setf("FUZZ_TEST_TIMEOUT", "%d", fuzzer.Timeout)
		}
	}
	if fuzzer.MaxTestcases > 0 && env.GetInt("MAX_TESTCASES", 0) > fuzzer.MaxTestcases {
		env.Setf("MAX_TESTCASES", "%d", fuzzer.MaxTestcases)
	}
	if fuzzer.HasLargeTestcases {
		// Large testcases do not fit the ramdisk-backed input dir.
		env.Set("FUZZ_INPUTS", env.DiskInputsDir())
	}
}

// installFuzzer makes sure the fuzzer archive of the right revision is
// unpacked under the fuzzers directory. A version stamp avoids
// re-downloading on every task.
func installFuzzer(ctx context.Context, tc *TaskContext, fuzzer *api.Fuzzer) error {
	dir := filepath.Join(tc.Env.FuzzersDir(), fuzzer.Name)
	tc.Env.Set("FUZZER_DIR", dir)
	stampPath := filepath.Join(dir, fmt.Sprintf(".%s_version", fuzzer.Name))
	if data, err := os.ReadFile(stampPath); err == nil {
		if rev, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil &&
			rev == fuzzer.Revision {
			return nil
		}
	}
	tc.logger.Info().Str("fuzzer", fuzzer.Name).Int("revision", fuzzer.Revision).
		Msg("installing fuzzer")

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	stream, err := tc.API.DownloadFuzzer(ctx, fuzzer.ID)
	if err != nil {
		return fmt.Errorf("failed to download fuzzer %s: %w", fuzzer.Name, err)
	}
	defer stream.Close()
	local := filepath.Join(dir, fuzzer.Filename)
	if err := writeStream(local, stream); err != nil {
		return err
	}
	if archive.Supported(fuzzer.Filename) {
		if _, err := archive.Unpack(local, dir); err != nil {
			return fmt.Errorf("%w: corrupt archive of %s: %v", ErrInvalidFuzzer,
				fuzzer.Name, err)
		}
		os.Remove(local)
	}

	if fuzzer.InstallScript != "" {
		if err := runInstallScript(ctx, tc, fuzzer, dir); err != nil {
			return err
		}
	}

	executable := filepath.Join(dir, fuzzer.ExecutablePath)
	if _, err := os.Stat(executable); err != nil {
		return fmt.Errorf("%w: %s has no executable at %s", ErrInvalidFuzzer,
			fuzzer.Name, fuzzer.ExecutablePath)
	}
	if err := os.Chmod(executable, 0750); err != nil {
		return err
	}
	if fuzzer.LauncherScript != "" {
		os.Chmod(filepath.Join(dir, fuzzer.LauncherScript), 0750)
	}
	return os.WriteFile(stampPath, []byte(strconv.Itoa(fuzzer.Revision)), 0644)
}

func runInstallScript(ctx context.Context, tc *TaskContext, fuzzer *api.Fuzzer,
	dir string) error {
	script := filepath.Join(dir, fuzzer.InstallScript)
	if err := os.Chmod(script, 0755); err != nil {
		return fmt.Errorf("%w: %s has no install script at %s", ErrInvalidFuzzer,
			fuzzer.Name, fuzzer.InstallScript)
	}
	res := runner.RunAndWait(ctx, runner.Command{
		Path:    "/bin/sh",
		Args:    []string{script},
		Dir:     dir,
		Env:     tc.Env.Export(),
		Timeout: installScriptTimeout,
	})
	if res.Err != nil || res.ReturnCode != 0 {
		tc.logger.Error().Int("return_code", res.ReturnCode).
			Str("output", string(res.Output)).Msg("fuzzer install script failed")
		return fmt.Errorf("%w: install script of %s failed", ErrInvalidFuzzer, fuzzer.Name)
	}
	return nil
}

func writeStream(path string, stream io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(file, stream)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// updateDataBundle mirrors the bundle bucket into a local directory and
// exports it as FUZZ_DATA. Files are compared by size: bundle files are
// immutable, edits arrive as new objects.
func updateDataBundle(ctx context.Context, tc *TaskContext, bundle *api.DataBundle) error {
	dir := filepath.Join(tc.Env.DataBundlesDir(), bundle.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tc.Env.Set("FUZZ_DATA", dir)
	pruneDataBundles(tc.Env, bundle.Name, tc.logger)

	stampPath := filepath.Join(dir, ".sync_time")
	lastSync := readTimeStamp(stampPath)
	if tc.Clock.Now().Sub(lastSync) < dataBundleSyncInterval {
		return nil
	}
	objects, err := tc.Storage.List(ctx, bundle.BucketName+"/")
	if err != nil {
		return fmt.Errorf("failed to list data bundle bucket %s: %w",
			bundle.BucketName, err)
	}
	if !remoteNewerThan(objects, lastSync) {
		writeTimeStamp(stampPath, tc.Clock.Now())
		return nil
	}

	downloaded := 0
	for _, obj := range objects {
		key := strings.TrimPrefix(obj.Path, bundle.BucketName+"/")
		local := filepath.Join(dir, filepath.FromSlash(key))
		if fi, err := os.Stat(local); err == nil && fi.Size() == obj.Size {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return err
		}
		if err := tc.Storage.ReadToFile(ctx, obj.Path, local); err != nil {
			return fmt.Errorf("failed to sync data bundle file %s: %w", key, err)
		}
		downloaded++
	}
	tc.logger.Info().Str("bundle", bundle.Name).Int("files", downloaded).
		Msg("data bundle synced")
	writeTimeStamp(stampPath, tc.Clock.Now())
	return nil
}

func remoteNewerThan(objects []storage.Object, since time.Time) bool {
	if since.IsZero() {
		return true
	}
	for _, obj := range objects {
		if obj.UpdatedAt.After(since) {
			return true
		}
	}
	return false
}

func readTimeStamp(path string) time.Time {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}
	}
	epoch, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(epoch)
	return time.Unix(sec, int64((epoch-float64(sec))*1e9))
}

func writeTimeStamp(path string, now time.Time) {
	value := strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', -1, 64)
	os.WriteFile(path, []byte(value), 0644)
}

// pruneDataBundles evicts the oldest bundles once the directory grows
// past the cap. The bundle being set up is never evicted.
func pruneDataBundles(env *environ.Env, keep string, logger zerolog.Logger) {
	root := env.DataBundlesDir()
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) <= maxDataBundles {
		return
	}
	type bundleDir struct {
		name  string
		mtime time.Time
	}
	var dirs []bundleDir
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == keep {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, bundleDir{name: entry.Name(), mtime: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime.Before(dirs[j].mtime) })
	excess := len(entries) - maxDataBundles
	for i := 0; i < excess && i < len(dirs); i++ {
		logger.Info().Str("bundle", dirs[i].name).Msg("evicting old data bundle")
		os.RemoveAll(filepath.Join(root, dirs[i].name))
	}
}

// prepareTestcase sets up everything a testcase task needs: the fuzzer
// that produced the testcase, leak suppressions and the testcase files
// themselves. The environment comes out adjusted for the testcase
// (memory tools, timeout multiplier, app arguments).
func prepareTestcase(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) (*testcases.Placement, error) {
	if testcase.FuzzerName != "" {
		_, err := updateFuzzerAndDataBundles(ctx, tc, testcase.FuzzerName)
		if errors.Is(err, ErrInvalidFuzzer) {
			closeTestcaseForDeletedFuzzer(ctx, tc, testcase)
			return nil, err
		}
		if err != nil {
			return nil, err
		}
	}
	if tc.Env.GetBool("LSAN") {
		applyLeakSuppressions(ctx, tc, testcase)
	}
	mat := testcases.NewMaterializer(tc.Env, tc.Blobs, tc.logger)
	placement, err := mat.SetupTestcase(ctx, testcase, tc.Task.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to set up testcase %s: %w", testcase.ID, err)
	}
	return placement, nil
}

// A testcase whose fuzzer is gone can never be reproduced again; close
// it instead of erroring the task forever.
func closeTestcaseForDeletedFuzzer(ctx context.Context, tc *TaskContext,
	testcase *api.Testcase) {
	testcase.Fixed = api.NotApplicable
	testcase.SetMetadata("fuzzer_was_deleted", true)
	err := tc.addTestcaseComment(ctx, testcase,
		fmt.Sprintf("Fuzzer %s no longer exists", testcase.FuzzerName))
	if err != nil {
		tc.logger.Error().Err(err).Msg("failed to close the orphaned testcase")
	}
}

func leakSuppressionsKey(project string) string {
	return "lsan-functions:" + project
}

// recordLeakFunction remembers the leaking function of a confirmed leak
// so future runs in the project do not re-report it.
func recordLeakFunction(tc *TaskContext, state string) {
	function := testcases.LeakFunction(state)
	if function == "" {
		return
	}
	key := leakSuppressionsKey(tc.Project.Name)
	var functions []string
	tc.Cache.Get(key, &functions)
	for _, have := range functions {
		if have == function {
			return
		}
	}
	functions = append(functions, function)
	if err := tc.Cache.Put(key, functions); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to record the leak function")
	}
}

// applyLeakSuppressions writes the known leak functions into an LSan
// suppressions file. The testcase's own leak stays unsuppressed or it
// would no longer reproduce.
func applyLeakSuppressions(ctx context.Context, tc *TaskContext, testcase *api.Testcase) {
	var functions []string
	if ok, err := tc.Cache.Get(leakSuppressionsKey(tc.Project.Name), &functions); err != nil || !ok {
		return
	}
	exclude := ""
	if crash, err := tc.API.CrashByTestcase(ctx, testcase.ID); err == nil {
		exclude = testcases.LeakFunction(crash.CrashState)
	}
	if _, err := testcases.WriteLSanSuppressions(tc.Env, functions, exclude); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to write the lsan suppressions")
	}
}
