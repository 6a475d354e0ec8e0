// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package environ holds the mutable task environment as an explicit object.
// The bot never mutates the process environment directly; values are exported
// to os.Environ form only when a subprocess is spawned.
package environ

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Env struct {
	values  map[string]string
	initial map[string]string
}

// New takes ownership of base and snapshots it as the reset state.
func New(base map[string]string) *Env {
	if base == nil {
		base = map[string]string{}
	}
	env := &Env{
		values:  base,
		initial: map[string]string{},
	}
	for k, v := range base {
		env.initial[k] = v
	}
	return env
}

// FromOS snapshots the current process environment.
func FromOS() *Env {
	values := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		values[key] = value
	}
	return New(values)
}

func (env *Env) Get(key string) string {
	return env.values[key]
}

func (env *Env) Lookup(key string) (string, bool) {
	val, ok := env.values[key]
	return val, ok
}

func (env *Env) Has(key string) bool {
	_, ok := env.values[key]
	return ok
}

func (env *Env) Set(key, value string) {
	env.values[key] = value
}

func (env *Env) Setf(key, format string, args ...interface{}) {
	env.values[key] = fmt.Sprintf(format, args...)
}

func (env *Env) Remove(key string) {
	delete(env.values, key)
}

// GetInt returns def when the key is absent or not a number.
func (env *Env) GetInt(key string, def int) int {
	val, ok := env.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return def
	}
	return n
}

func (env *Env) GetFloat(key string, def float64) float64 {
	val, ok := env.values[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool treats "true", "True" and "1" as true, everything else as false.
func (env *Env) GetBool(key string) bool {
	switch strings.TrimSpace(env.values[key]) {
	case "true", "True", "1":
		return true
	}
	return false
}

// GetSeconds interprets the value as a number of seconds.
func (env *Env) GetSeconds(key string, def time.Duration) time.Duration {
	val, ok := env.values[key]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (env *Env) Copy() *Env {
	values := map[string]string{}
	for k, v := range env.values {
		values[k] = v
	}
	copied := New(values)
	copied.initial = map[string]string{}
	for k, v := range env.initial {
		copied.initial[k] = v
	}
	return copied
}

// Reset restores the snapshot taken at construction time.
// The worker calls it before every task so that per-task overrides never leak.
func (env *Env) Reset() {
	env.values = map[string]string{}
	for k, v := range env.initial {
		env.values[k] = v
	}
}

// Export renders the environment in os.Environ form, sorted for determinism.
// It is the only way values leave this object; callers pass the result to
// exec.Cmd.Env when spawning subprocesses.
func (env *Env) Export() []string {
	ret := make([]string, 0, len(env.values))
	for k, v := range env.values {
		ret = append(ret, k+"="+v)
	}
	sort.Strings(ret)
	return ret
}

// Overlay applies environment definitions from a job description string.
// Definitions are KEY = VALUE lines; a "job:" prefix scopes the line to
// fuzzers that run without an engine. Returns the keys that were applied.
func (env *Env) Overlay(def string, engineFuzzer bool) []string {
	var applied []string
	for _, line := range strings.Split(def, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "job:"); ok {
			if engineFuzzer {
				continue
			}
			line = strings.TrimSpace(rest)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		env.values[key] = strings.TrimSpace(value)
		applied = append(applied, key)
	}
	return applied
}

// Standard directory layout under ROOT_DIR. The supervisor creates these
// at boot; tasks may clear and recreate the ones they own.

func (env *Env) RootDir() string {
	return env.Get("ROOT_DIR")
}

func (env *Env) ConfigDir() string {
	return filepath.Join(env.RootDir(), "config")
}

func (env *Env) BotConfigPath() string {
	return filepath.Join(env.ConfigDir(), "bot", "config.yaml")
}

func (env *Env) ProjectConfigPath() string {
	return filepath.Join(env.ConfigDir(), "project.yaml")
}

func (env *Env) WorkDir() string {
	return filepath.Join(env.RootDir(), "working_directory")
}

func (env *Env) FuzzersDir() string {
	return filepath.Join(env.WorkDir(), "fuzzers")
}

func (env *Env) BuildsDir() string {
	return filepath.Join(env.WorkDir(), "builds")
}

func (env *Env) DataBundlesDir() string {
	if dir := env.Get("DATA_BUNDLES_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(env.WorkDir(), "inputs", "data-bundles")
}

// InputsDir is the memory-backed testcase directory (FUZZ_INPUTS).
func (env *Env) InputsDir() string {
	if dir := env.Get("FUZZ_INPUTS"); dir != "" {
		return dir
	}
	return filepath.Join(env.WorkDir(), "inputs", "fuzzer-testcases")
}

// DiskInputsDir is the disk-backed testcase directory (FUZZ_INPUTS_DISK),
// used for large testcases and corpus merge workdirs.
func (env *Env) DiskInputsDir() string {
	if dir := env.Get("FUZZ_INPUTS_DISK"); dir != "" {
		return dir
	}
	return filepath.Join(env.WorkDir(), "inputs", "fuzzer-testcases-disk")
}

func (env *Env) ArtifactsDir() string {
	if dir := env.Get("ARTIFACTS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(env.WorkDir(), "outputs", "artifacts")
}

func (env *Env) LogDir() string {
	return filepath.Join(env.WorkDir(), "logs")
}

func (env *Env) BotLogPath() string {
	return filepath.Join(env.LogDir(), "bot.log")
}

func (env *Env) CacheDir() string {
	return filepath.Join(env.WorkDir(), "cache")
}

// TmpDir is cleared between tasks.
func (env *Env) TmpDir() string {
	return filepath.Join(env.WorkDir(), "tmp")
}
