// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package builds downloads and unpacks application builds from the build
// bucket and points the task environment at them.
package builds

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/revisions"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

type Kind string

const (
	Release           Kind = "release"
	Debug             Kind = "debug"
	SymbolizedRelease Kind = "symbolized-release"
	SymbolizedDebug   Kind = "symbolized-debug"
	Custom            Kind = "custom"
)

// bucketPathKey maps a build kind to the env var holding its bucket prefix.
func bucketPathKey(kind Kind) string {
	switch kind {
	case Debug:
		return "DEBUG_BUILD_BUCKET_PATH"
	case SymbolizedRelease:
		return "SYM_RELEASE_BUILD_BUCKET_PATH"
	case SymbolizedDebug:
		return "SYM_DEBUG_BUILD_BUCKET_PATH"
	}
	return "RELEASE_BUILD_BUCKET_PATH"
}

// BuildNotFoundError means the bucket holds no usable build at or below
// the requested revision.
type BuildNotFoundError struct {
	Revision int
	Job      string
}

func (e *BuildNotFoundError) Error() string {
	return fmt.Sprintf("build not found (revision %d, job %s)", e.Revision, e.Job)
}

// BuildSetupError covers download and unpack failures. The task layer
// requeues on it rather than closing the testcase.
type BuildSetupError struct {
	Revision int
	Job      string
	Err      error
}

func (e *BuildSetupError) Error() string {
	return fmt.Sprintf("build setup failed (revision %d, job %s): %v", e.Revision, e.Job, e.Err)
}

func (e *BuildSetupError) Unwrap() error {
	return e.Err
}

// Build is a ready-to-use unpacked build. URL is the storage path of
// the archive it came from.
type Build struct {
	Kind     Kind
	Revision int
	Dir      string
	AppPath  string
	URL      string
}

// Manager sets up builds for the current job using the env-configured
// bucket prefixes.
type Manager struct {
	client *storage.Client
	blobs  *blobs.Store
	env    *environ.Env
	job    string
	logger zerolog.Logger
}

func NewManager(client *storage.Client, store *blobs.Store, env *environ.Env,
	job string, logger zerolog.Logger) *Manager {
	return &Manager{
		client: client,
		blobs:  store,
		env:    env,
		job:    job,
		logger: logs.Component(logger, "builds"),
	}
}

// RevisionList returns the sorted revisions available for a build kind.
func (m *Manager) RevisionList(ctx context.Context, kind Kind) (revisions.List, error) {
	names, err := m.archiveNames(ctx, kind)
	if err != nil {
		return nil, err
	}
	return revisions.Parse(names), nil
}

func (m *Manager) archiveNames(ctx context.Context, kind Kind) ([]string, error) {
	prefix := m.bucketPrefix(kind)
	if prefix == "" {
		return nil, &BuildNotFoundError{Job: m.job}
	}
	names, err := m.client.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list the build bucket: %w", err)
	}
	return names, nil
}

func (m *Manager) bucketPrefix(kind Kind) string {
	prefix := m.env.Get(bucketPathKey(kind))
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// archiveForRevision finds the archive name holding the given revision.
func archiveForRevision(names []string, revision int) (string, bool) {
	for _, name := range names {
		if !archive.Supported(name) {
			continue
		}
		rev, ok := revisions.ExtractRevision(name)
		if ok && rev == revision {
			return name, true
		}
	}
	return "", false
}

// SetupBuild downloads and unpacks the newest build not above revision
// and exports APP_PATH, APP_DIR, BUILD_DIR and APP_REVISION. A zero
// revision selects the latest build. Kind Custom fetches the uploaded
// binary blob instead.
func (m *Manager) SetupBuild(ctx context.Context, kind Kind, revision int) (*Build, error) {
	if kind == Custom || m.env.GetBool("CUSTOM_BINARY") {
		return m.setupCustomBinary(ctx)
	}
	names, err := m.archiveNames(ctx, kind)
	if err != nil {
		return nil, err
	}
	list := revisions.Parse(names)
	var picked int
	var ok bool
	if revision == 0 {
		picked, ok = list.Last()
	} else {
		picked, ok = list.NearestLE(revision)
	}
	if !ok {
		return nil, &BuildNotFoundError{Revision: revision, Job: m.job}
	}
	name, ok := archiveForRevision(names, picked)
	if !ok {
		return nil, &BuildNotFoundError{Revision: revision, Job: m.job}
	}
	remote := m.bucketPrefix(kind) + name
	dir := m.buildDir(kind, picked)
	if !m.haveUnpacked(dir, picked) {
		if err := m.download(ctx, remote, dir, picked); err != nil {
			return nil, &BuildSetupError{Revision: picked, Job: m.job, Err: err}
		}
	}
	build := &Build{Kind: kind, Revision: picked, Dir: dir, URL: remote}
	build.AppPath, err = findAppPath(dir, m.env.Get("APP_NAME"))
	if err != nil {
		return nil, &BuildSetupError{Revision: picked, Job: m.job, Err: err}
	}
	m.exportBuild(build)
	m.logger.Info().Str("kind", string(kind)).Int("revision", picked).
		Str("dir", dir).Msg("build is ready")
	return build, nil
}

func (m *Manager) buildDir(kind Kind, revision int) string {
	// One directory per job, kind and revision so that concurrent tasks
	// on the same bot never clobber each other's builds.
	name := fmt.Sprintf("%s_%s_%d", m.job, kind, revision)
	return filepath.Join(m.env.BuildsDir(), name)
}

const revisionStamp = ".build_revision"

func (m *Manager) haveUnpacked(dir string, revision int) bool {
	data, err := os.ReadFile(filepath.Join(dir, revisionStamp))
	if err != nil {
		return false
	}
	stamped, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && stamped == revision
}

func (m *Manager) download(ctx context.Context, remote, dir string, revision int) error {
	local := filepath.Join(m.env.TmpDir(), filepath.Base(remote))
	if err := m.client.ReadToFile(ctx, remote, local); err != nil {
		return fmt.Errorf("failed to download the build archive: %w", err)
	}
	defer os.Remove(local)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if _, err := archive.Unpack(local, dir); err != nil {
		return fmt.Errorf("failed to unpack the build archive: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, revisionStamp), []byte(strconv.Itoa(revision)), 0644)
}

func (m *Manager) exportBuild(build *Build) {
	m.env.Set("BUILD_DIR", build.Dir)
	m.env.Set("BUILD_URL", build.URL)
	m.env.Set("APP_REVISION", strconv.Itoa(build.Revision))
	pathKey := "APP_PATH"
	if build.Kind == Debug || build.Kind == SymbolizedDebug {
		pathKey = "APP_PATH_DEBUG"
	}
	if build.AppPath != "" {
		m.env.Set(pathKey, build.AppPath)
		m.env.Set("APP_DIR", filepath.Dir(build.AppPath))
	} else {
		m.env.Set(pathKey, "")
		m.env.Set("APP_DIR", build.Dir)
	}
}

// findAppPath locates the application binary inside an unpacked build.
// The shallowest match wins. An empty name is allowed: engine fuzzers
// address target binaries directly.
func findAppPath(dir, appName string) (string, error) {
	if appName == "" {
		return "", nil
	}
	var best string
	var bestDepth int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() != appName {
			return nil
		}
		depth := strings.Count(path, string(os.PathSeparator))
		if best == "" || depth < bestDepth {
			best, bestDepth = path, depth
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if best == "" {
		return "", fmt.Errorf("application binary %q is not in the build", appName)
	}
	return best, nil
}

func (m *Manager) setupCustomBinary(ctx context.Context) (*Build, error) {
	key := m.env.Get("CUSTOM_BINARY_KEY")
	if key == "" {
		return nil, &BuildSetupError{Job: m.job, Err: fmt.Errorf("CUSTOM_BINARY_KEY is not set")}
	}
	filename := m.env.Get("CUSTOM_BINARY_FILENAME")
	if filename == "" {
		filename = "custom_binary"
	}
	dir := filepath.Join(m.env.BuildsDir(), m.job+"_custom")
	appPath := filepath.Join(dir, filename)
	if err := m.blobs.ReadToDisk(ctx, key, appPath); err != nil {
		return nil, &BuildSetupError{Job: m.job, Err: err}
	}
	if err := os.Chmod(appPath, 0755); err != nil {
		return nil, &BuildSetupError{Job: m.job, Err: err}
	}
	build := &Build{
		Kind:     Custom,
		Revision: m.env.GetInt("CUSTOM_BINARY_REVISION", 0),
		Dir:      dir,
		AppPath:  appPath,
	}
	m.exportBuild(build)
	m.logger.Info().Str("path", appPath).Msg("custom binary is ready")
	return build, nil
}

// HasSymbolizedBuilds reports whether the job publishes symbolized
// release and debug builds.
func (m *Manager) HasSymbolizedBuilds() bool {
	return m.env.Get(bucketPathKey(SymbolizedRelease)) != "" &&
		m.env.Get(bucketPathKey(SymbolizedDebug)) != ""
}

// SymbolizedBuilds holds the release/debug build pair the symbolize
// task runs a crash against.
type SymbolizedBuilds struct {
	Release *Build
	Debug   *Build
}

// SetupSymbolizedBuilds downloads both symbolized builds for a revision.
// APP_PATH points at the release binary and APP_PATH_DEBUG at the debug
// one.
func (m *Manager) SetupSymbolizedBuilds(ctx context.Context, revision int) (*SymbolizedBuilds, error) {
	release, err := m.SetupBuild(ctx, SymbolizedRelease, revision)
	if err != nil {
		return nil, err
	}
	debug, err := m.SetupBuild(ctx, SymbolizedDebug, revision)
	if err != nil {
		return nil, err
	}
	// Each SetupBuild call overwrote BUILD_DIR and BUILD_URL; the release
	// build owns them.
	m.env.Set("BUILD_DIR", release.Dir)
	m.env.Set("BUILD_URL", release.URL)
	m.env.Set("APP_REVISION", strconv.Itoa(release.Revision))
	return &SymbolizedBuilds{Release: release, Debug: debug}, nil
}

// DeleteSymbolizedBuilds removes the unpacked symbolized builds. They
// are large and only the symbolize task wants them.
func (m *Manager) DeleteSymbolizedBuilds(builds *SymbolizedBuilds) {
	for _, build := range []*Build{builds.Release, builds.Debug} {
		if build == nil {
			continue
		}
		if err := os.RemoveAll(build.Dir); err != nil {
			m.logger.Warn().Err(err).Str("dir", build.Dir).
				Msg("failed to delete a symbolized build")
		}
	}
}

// CheckAppPath verifies that the binary the environment points at exists.
func CheckAppPath(env *environ.Env) bool {
	appPath := env.Get("APP_PATH")
	if appPath == "" {
		return false
	}
	info, err := os.Stat(appPath)
	return err == nil && !info.IsDir()
}
