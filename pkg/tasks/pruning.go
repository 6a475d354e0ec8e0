// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pingu-fuzz/pingu-bot/pkg/api"
	"github.com/pingu-fuzz/pingu-bot/pkg/builds"
	"github.com/pingu-fuzz/pingu-bot/pkg/corpus"
	"github.com/pingu-fuzz/pingu-bot/pkg/crash"
	"github.com/pingu-fuzz/pingu-bot/pkg/engine"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/testcases"
)

const (
	// corpusPruningTimeout bounds the whole run; whatever is left after
	// the main merge goes to the cross-pollination merge.
	corpusPruningTimeout = 22 * time.Hour
	// singleUnitTimeout is the libFuzzer -timeout value for merges and
	// the budget for re-running a single bad unit.
	singleUnitTimeout = 5 * time.Second

	// Redzone sizes. Merges run with the small redzone so the minimized
	// corpus keeps the units only a tight redzone can tell apart; bad
	// units are re-run with the default one that fuzz sessions use.
	pruningDefaultRedzone = 32
	pruningMinRedzone     = 16

	maxQuarantineUnitsToRestore = 128

	// When the previous run failed the corpus is likely too large for a
	// merge to finish; it gets cut down to these limits first.
	corpusFilesLimitForFailures = 10000
	corpusSizeLimitForFailures  = 2 << 30

	crossPollinateFuzzerCount = 3

	// Cross-pollination picks peer targets at random. Tag-based
	// selection needs corpus tagging data no component collects yet.
	pollinationMethod = "random"
)

// splitPruningArgument parses the "engine,binary" task argument.
func splitPruningArgument(argument string) (string, string, error) {
	fuzzerName, binary, ok := strings.Cut(argument, ",")
	if !ok || fuzzerName == "" || binary == "" {
		return "", "", fmt.Errorf("%w: malformed corpus pruning argument %q",
			ErrBadState, argument)
	}
	return fuzzerName, binary, nil
}

// corpusPruningTask distills a fuzz target's corpus down to the units
// that actually add coverage, retries what the quarantine holds, seeds
// the corpus from peer target backups and files testcases for the
// crashing units the merge surfaces.
func corpusPruningTask(ctx context.Context, tc *TaskContext) error {
	fuzzerName, binary, err := splitPruningArgument(tc.Task.Argument)
	if err != nil {
		return err
	}
	// The same pruning task may sit in several queues at once. Its
	// per-target status row is both the mutex and the failure memory,
	// so the handler tracks it itself instead of the dispatcher.
	statusName := fmt.Sprintf("corpus_pruning_%s_%s", tc.Task.Argument, tc.Job.ID)
	lastStatus, err := tc.API.TaskStatus(ctx, statusName)
	if err != nil {
		return fmt.Errorf("failed to fetch the last pruning status: %w", err)
	}
	acquired, err := tc.API.UpdateTaskStatus(ctx, statusName, api.TaskStateStarted)
	if err != nil {
		return fmt.Errorf("failed to acquire the pruning task: %w", err)
	}
	if !acquired {
		tc.logger.Info().Msg("a previous corpus pruning task is still running, exiting")
		return nil
	}

	fuzzer, err := updateFuzzerAndDataBundles(ctx, tc, fuzzerName)
	if err != nil {
		return err
	}
	targets, err := tc.API.FuzzTargetsByEngine(ctx, fuzzer.Name, tc.Job.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to list the fuzz targets of %s: %w", fuzzer.Name, err)
	}
	// Pruning never registers targets: one that was never fuzzed has no
	// corpus to prune.
	target := findTargetBinary(targets, binary)
	if target == nil {
		return fmt.Errorf("%w: unknown fuzz target %q", ErrBadState, tc.Task.Argument)
	}

	p, err := newPruningContext(tc, fuzzer, target,
		pickCrossPollinateTargets(tc, targets, binary))
	if err != nil {
		return err
	}
	defer p.cleanup()
	if tc.Env.GetBool("LSAN") {
		applyProjectLeakSuppressions(tc)
	}

	status := api.TaskStateFinished
	if err := runCorpusPruning(ctx, tc, p, lastStatus == api.TaskStateError); err != nil {
		// Recorded on the status row rather than propagated: the next
		// run sees the errored state and starts in limited mode.
		tc.logger.Error().Err(err).Str("target", binary).Msg("corpus pruning failed")
		status = api.TaskStateError
	}
	if _, err := tc.API.UpdateTaskStatus(ctx, statusName, status); err != nil {
		tc.logger.Error().Err(err).Msg("failed to update the pruning status")
	}
	return nil
}

func findTargetBinary(targets []*api.FuzzTarget, binary string) *api.FuzzTarget {
	for _, target := range targets {
		if target.Binary == binary {
			return target
		}
	}
	return nil
}

// pickCrossPollinateTargets selects up to crossPollinateFuzzerCount
// random peer targets whose latest corpus backups seed this target's
// corpus.
func pickCrossPollinateTargets(tc *TaskContext, targets []*api.FuzzTarget,
	binary string) []string {
	var peers []string
	for _, target := range targets {
		if target.Binary == binary {
			continue
		}
		peers = append(peers, target.QualifiedName(tc.Project.Name))
	}
	tc.Rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if len(peers) > crossPollinateFuzzerCount {
		peers = peers[:crossPollinateFuzzerCount]
	}
	return peers
}

// applyProjectLeakSuppressions writes every leak function recorded for
// the project into the LSan suppressions file. Unlike testcase tasks
// there is no own leak to keep unsuppressed here.
func applyProjectLeakSuppressions(tc *TaskContext) {
	var functions []string
	if ok, err := tc.Cache.Get(leakSuppressionsKey(tc.Project.Name), &functions); err != nil || !ok {
		return
	}
	if _, err := testcases.WriteLSanSuppressions(tc.Env, functions, ""); err != nil {
		tc.logger.Warn().Err(err).Msg("failed to write the lsan suppressions")
	}
}

// runCorpusPruning is the part of the task whose failure flips the
// status row to errored and the next run into limited mode.
func runCorpusPruning(ctx context.Context, tc *TaskContext, p *pruningContext,
	lastFailed bool) error {
	result, err := doCorpusPruning(ctx, tc, p, lastFailed)
	if err != nil {
		return err
	}
	if err := processCorpusCrashes(ctx, tc, p, result); err != nil {
		return err
	}
	if err := tc.API.UploadCoverage(ctx, result.coverage); err != nil {
		return fmt.Errorf("failed to upload the coverage information: %w", err)
	}
	return nil
}

// pruningResult is what a pruning run hands back for reporting.
type pruningResult struct {
	coverage *api.CoverageInformation
	crashes  []*corpusCrash
	revision int
}

func doCorpusPruning(ctx context.Context, tc *TaskContext, p *pruningContext,
	lastFailed bool) (*pruningResult, error) {
	// Unarchiving may skip everything except the target and its
	// supporting files.
	tc.Env.Set("FUZZ_TARGET", p.target.Binary)
	build, err := tc.buildManager().SetupBuild(ctx, builds.Release, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to set up the build: %w", err)
	}
	runner, err := newPruningRunner(p, build.Dir)
	if err != nil {
		return nil, err
	}
	start := tc.Clock.Now()

	if lastFailed {
		for _, store := range []*corpus.Storage{p.corpusStore, p.quarantineStore} {
			if err := limitCorpusSize(ctx, tc, store); err != nil {
				return nil, err
			}
		}
	}

	if err := p.syncToDisk(ctx); err != nil {
		return nil, err
	}
	initialCount, _ := measureCorpus(p.initialDir)
	if err := p.restoreQuarantinedUnits(); err != nil {
		return nil, err
	}

	if err := mergeMainCorpus(ctx, runner); err != nil {
		return nil, err
	}
	if err := p.corpusStore.RsyncFromDisk(ctx, p.minimizedDir); err != nil {
		return nil, fmt.Errorf("failed to sync the minimized corpus: %w", err)
	}
	backupLocation := p.backupCorpus(ctx)

	minimizedCount, minimizedBytes := measureCorpus(p.minimizedDir)
	tc.logger.Info().Int("before", initialCount).Int("after", minimizedCount).
		Msg("corpus pruned")

	crashes, err := processBadUnits(ctx, runner)
	if err != nil {
		return nil, err
	}
	if err := p.quarantineStore.RsyncFromDisk(ctx, p.quarantineDir); err != nil {
		tc.logger.Error().Err(err).Msg("failed to sync the quarantine corpus")
	}

	quarantineCount, quarantineBytes := measureCorpus(p.quarantineDir)
	result := &pruningResult{
		coverage: &api.CoverageInformation{
			Date:                 tc.Clock.Now().UTC().Format("2006-01-02"),
			Fuzzer:               p.qualifiedName(),
			CorpusSizeUnits:      minimizedCount,
			CorpusSizeBytes:      minimizedBytes,
			QuarantineSizeUnits:  quarantineCount,
			QuarantineSizeBytes:  quarantineBytes,
			CorpusLocation:       p.corpusStore.Location(),
			CorpusBackupLocation: backupLocation,
		},
		crashes:  crashes,
		revision: build.Revision,
	}

	remaining := corpusPruningTimeout - tc.Clock.Now().Sub(start)
	if remaining <= 0 {
		tc.logger.Warn().Msg("not enough time left for the shared corpus merge")
		return result, nil
	}
	if mergeSharedCorpus(ctx, runner, remaining) {
		if err := p.corpusStore.RsyncFromDisk(ctx, p.minimizedDir); err != nil {
			return nil, fmt.Errorf("failed to sync the pollinated corpus: %w", err)
		}
		result.coverage.CorpusSizeUnits, result.coverage.CorpusSizeBytes =
			measureCorpus(p.minimizedDir)
		tc.logger.Info().Str("method", pollinationMethod).Strs("sources", p.peers).
			Int("corpus_size", result.coverage.CorpusSizeUnits).
			Msg("cross pollination finished")
	}
	return result, nil
}

// pruningContext holds the local directories and remote corpus handles
// of one pruning run.
type pruningContext struct {
	tc     *TaskContext
	fuzzer *api.Fuzzer
	target *api.FuzzTarget
	eng    engine.Engine

	// syncStore also carries the regression units so the merge replays
	// them; uploads go through corpusStore, whose filter keeps the
	// remote regressions subdirectory out of the rewrite.
	syncStore       *corpus.Storage
	corpusStore     *corpus.Storage
	quarantineStore *corpus.Storage
	sharedStore     *corpus.Storage

	initialDir    string
	minimizedDir  string
	quarantineDir string
	sharedDir     string
	badUnitsDir   string

	// peers are the qualified names of the cross-pollination sources.
	peers []string
}

func newPruningContext(tc *TaskContext, fuzzer *api.Fuzzer, target *api.FuzzTarget,
	peers []string) (*pruningContext, error) {
	eng, err := engine.Get(fuzzer.Name, tc.Env, tc.logger)
	if err != nil {
		return nil, err
	}
	p := &pruningContext{
		tc:     tc,
		fuzzer: fuzzer,
		target: target,
		eng:    eng,
		peers:  peers,
	}
	qualified := p.qualifiedName()
	for _, dir := range []struct {
		path *string
		name string
	}{
		{&p.initialDir, qualified + "_initial_corpus"},
		{&p.minimizedDir, qualified + "_minimized_corpus"},
		{&p.quarantineDir, qualified + "_quarantine"},
		{&p.sharedDir, qualified + "_shared"},
		{&p.badUnitsDir, qualified + "_bad_units"},
	} {
		*dir.path = filepath.Join(tc.Env.DiskInputsDir(), dir.name)
		if err := os.RemoveAll(*dir.path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(*dir.path, 0755); err != nil {
			return nil, err
		}
	}

	p.syncStore = corpus.NewStorage(tc.Storage, tc.Config.CorpusBucket,
		corpus.Corpus, qualified, tc.logger)
	p.syncStore.IncludeRegressions = true
	p.corpusStore = corpus.NewStorage(tc.Storage, tc.Config.CorpusBucket,
		corpus.Corpus, qualified, tc.logger)
	p.quarantineStore = corpus.NewStorage(tc.Storage, tc.Config.QuarantineBucket,
		corpus.Quarantine, qualified, tc.logger)
	p.sharedStore = corpus.NewStorage(tc.Storage, tc.Config.SharedBucket,
		corpus.Shared, qualified, tc.logger)
	return p, nil
}

func (p *pruningContext) qualifiedName() string {
	return p.target.QualifiedName(p.tc.Project.Name)
}

// cleanup removes the working directories; corpora run into gigabytes
// and the disk is shared with every other task this bot runs.
func (p *pruningContext) cleanup() {
	for _, dir := range []string{p.initialDir, p.minimizedDir, p.quarantineDir,
		p.sharedDir, p.badUnitsDir} {
		os.RemoveAll(dir)
	}
}

// syncToDisk pulls everything the merges consume: the main corpus with
// its regression units, the quarantine and shared corpora and the peer
// backups. Only the main corpus is required.
func (p *pruningContext) syncToDisk(ctx context.Context) error {
	if err := p.syncStore.RsyncToDisk(ctx, p.initialDir); err != nil {
		return fmt.Errorf("failed to sync the corpus to disk: %w", err)
	}
	if err := p.quarantineStore.RsyncToDisk(ctx, p.quarantineDir); err != nil {
		p.tc.logger.Error().Err(err).Msg("failed to sync the quarantine corpus to disk")
	}
	if err := p.sharedStore.RsyncToDisk(ctx, p.sharedDir); err != nil {
		p.tc.logger.Error().Err(err).Msg("failed to sync the shared corpus to disk")
	}
	p.crossPollinate(ctx)
	return nil
}

// crossPollinate unpacks the latest corpus backups of the peer targets
// into the shared directory. Peers are best-effort: a missing backup
// only means the peer never finished a pruning run.
func (p *pruningContext) crossPollinate(ctx context.Context) {
	if len(p.peers) == 0 {
		return
	}
	backupBucket := p.tc.Config.BackupBucket
	if backupBucket == "" {
		p.tc.logger.Info().Msg("no backup bucket configured, skipping cross-pollination")
		return
	}
	for _, peer := range p.peers {
		dir := filepath.Join(p.sharedDir, peer)
		if err := os.MkdirAll(dir, 0755); err != nil {
			p.tc.logger.Warn().Err(err).Msg("failed to create the cross-pollination directory")
			continue
		}
		err := corpus.DownloadBackup(ctx, p.tc.Storage, backupBucket,
			p.fuzzer.Name, peer, dir)
		if err != nil {
			p.tc.logger.Warn().Err(err).Str("peer", peer).
				Msg("failed to fetch a cross-pollination backup")
			continue
		}
		p.tc.logger.Info().Str("peer", peer).Msg("corpus backup unpacked for cross-pollination")
	}
}

// restoreQuarantinedUnits moves a bounded random sample of quarantined
// units back into the initial corpus. Units that still misbehave fall
// right back to quarantine through the bad unit processing.
func (p *pruningContext) restoreQuarantinedUnits() error {
	units, err := listUnitPaths(p.quarantineDir)
	if err != nil {
		return err
	}
	p.tc.Rand.Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
	if len(units) > maxQuarantineUnitsToRestore {
		units = units[:maxQuarantineUnitsToRestore]
	}
	for _, unit := range units {
		if err := os.Rename(unit, filepath.Join(p.initialDir, filepath.Base(unit))); err != nil {
			return err
		}
	}
	if len(units) > 0 {
		p.tc.logger.Info().Int("units", len(units)).Msg("restored units from quarantine")
	}
	return nil
}

// quarantineUnit moves a unit into the local quarantine directory; the
// post-processing sync uploads it from there.
func (p *pruningContext) quarantineUnit(unit string) error {
	return os.Rename(unit, filepath.Join(p.quarantineDir, filepath.Base(unit)))
}

// backupCorpus archives the minimized corpus, regression units
// included, as the dated and latest backups that other targets
// cross-pollinate from. Returns the location of the dated archive, or
// "" when no backup was made.
func (p *pruningContext) backupCorpus(ctx context.Context) string {
	backupBucket := p.tc.Config.BackupBucket
	if backupBucket == "" {
		return ""
	}
	regressionsSrc := filepath.Join(p.initialDir, "regressions")
	regressionsDst := filepath.Join(p.minimizedDir, "regressions")
	if count, _ := measureCorpus(regressionsSrc); count > 0 {
		if err := os.Rename(regressionsSrc, regressionsDst); err != nil {
			p.tc.logger.Warn().Err(err).Msg("failed to stage the regression units for backup")
		}
	}
	// The corpus store filter keeps the staged subdirectory out of any
	// later corpus sync, but the pollination merge must not see it.
	defer os.RemoveAll(regressionsDst)
	now := p.tc.Clock.Now()
	err := corpus.UploadBackup(ctx, p.tc.Storage, backupBucket, p.fuzzer.Name,
		p.qualifiedName(), p.minimizedDir, now)
	if err != nil {
		p.tc.logger.Error().Err(err).Msg("failed to upload the corpus backup")
		return ""
	}
	return corpus.BackupPath(backupBucket, p.fuzzer.Name, p.qualifiedName(),
		now.UTC().Format("2006-01-02"))
}

// pruningRunner binds the engine to the fuzz target binary inside the
// build and renders the merge flags.
type pruningRunner struct {
	p          *pruningContext
	targetPath string
	options    *engine.OptionsFile
}

func newPruningRunner(p *pruningContext, buildDir string) (*pruningRunner, error) {
	targetPaths, err := engine.FindFuzzTargets(buildDir)
	if err != nil {
		return nil, err
	}
	var targetPath string
	for _, path := range targetPaths {
		if filepath.Base(path) == p.target.Binary {
			targetPath = path
			break
		}
	}
	if targetPath == "" {
		return nil, fmt.Errorf("%w: no fuzz target %s in the %s build",
			ErrBadState, p.target.Binary, p.tc.Job.Name)
	}
	options, err := engine.LoadOptions(targetPath)
	if err != nil {
		return nil, err
	}
	return &pruningRunner{p: p, targetPath: targetPath, options: options}, nil
}

// libFuzzerFlags renders the merge arguments. The platform limits win
// over .options values that try to exceed them; detect_leaks is the one
// option a target may turn off outright.
func (r *pruningRunner) libFuzzerFlags() []string {
	rssLimit := engine.DefaultRSSLimitMB
	if value, ok := r.options.GetInt(engine.LibFuzzerSection, "rss_limit_mb"); ok && value < rssLimit {
		rssLimit = value
	}
	maxLen := corpus.InputSizeLimit
	if value, ok := r.options.GetInt(engine.LibFuzzerSection, "max_len"); ok && value < maxLen {
		maxLen = value
	}
	detectLeaks := 1
	if value, ok := r.options.GetInt(engine.LibFuzzerSection, "detect_leaks"); ok {
		detectLeaks = value
	}
	return []string{
		fmt.Sprintf(engine.TimeoutFlag, int(singleUnitTimeout.Seconds())),
		fmt.Sprintf(engine.RSSLimitFlag, rssLimit),
		fmt.Sprintf(engine.MaxLenFlag, maxLen),
		fmt.Sprintf(engine.DetectLeaksFlag, detectLeaks),
		engine.ValueProfileArgument,
	}
}

// resetSanitizers rebuilds the sanitizer options for a merge phase and
// applies the target's own ASan overrides on top.
func (r *pruningRunner) resetSanitizers(redzone int) {
	env := r.p.tc.Env
	env.ResetMemoryToolOptions(redzone, false)
	if overrides := r.options.SanitizerOverrides(engine.ASANSection); len(overrides) > 0 {
		env.UpdateMemoryToolOptions("ASAN_OPTIONS", environ.SanitizerOptions(overrides))
	}
}

// mergeMainCorpus distills the initial corpus into the minimized
// directory. An empty initial corpus is not an error: the pipeline
// still refreshes the remote state and the coverage numbers.
func mergeMainCorpus(ctx context.Context, r *pruningRunner) error {
	p := r.p
	if count, _ := measureCorpus(p.initialDir); count == 0 {
		p.tc.logger.Info().Str("target", p.target.Binary).Msg("empty corpus, nothing to merge")
		return nil
	}
	r.resetSanitizers(pruningMinRedzone)
	p.tc.logger.Info().Str("target", p.target.Binary).Msg("running the corpus merge")
	result, err := p.eng.MinimizeCorpus(ctx, r.targetPath, r.libFuzzerFlags(),
		[]string{p.initialDir}, p.minimizedDir, p.badUnitsDir, corpusPruningTimeout)
	if err != nil {
		return fmt.Errorf("the corpus merge failed: %w", err)
	}
	if count, _ := measureCorpus(p.minimizedDir); count == 0 {
		return fmt.Errorf("the merge produced an empty corpus:\n%s",
			logs.TruncateMiddle([]byte(result.Logs), 2048))
	}
	p.tc.logger.Info().Interface("stats", result.Stats).Msg("corpus merge finished")
	return nil
}

// mergeSharedCorpus merges the shared and cross-pollinated units into
// the minimized corpus. Failures are expected here: peer corpora can
// hold units that hang or exhaust memory, so nothing is fatal.
func mergeSharedCorpus(ctx context.Context, r *pruningRunner, budget time.Duration) bool {
	p := r.p
	if count, _ := measureCorpus(p.sharedDir); count == 0 {
		p.tc.logger.Info().Msg("no files found in the shared corpus, skipping the merge")
		return false
	}
	r.resetSanitizers(pruningDefaultRedzone)
	result, err := p.eng.MinimizeCorpus(ctx, r.targetPath, r.libFuzzerFlags(),
		[]string{p.sharedDir}, p.minimizedDir, p.badUnitsDir, budget)
	if err != nil {
		p.tc.logger.Warn().Err(err).Msg("failed to merge the shared corpus")
		return false
	}
	p.tc.logger.Info().Interface("stats", result.Stats).Msg("shared corpus merge finished")
	return true
}

// corpusCrash is one unique crash found while re-running bad units.
type corpusCrash struct {
	info       *crash.Info
	unitPath   string
	stacktrace string
}

// processBadUnits triages the units the merge left behind: each of them
// crashed, timed out or ran out of memory. They move to quarantine, and
// the crashing ones are deduplicated by crash state for reporting.
func processBadUnits(ctx context.Context, r *pruningRunner) ([]*corpusCrash, error) {
	p := r.p
	units, err := listUnitPaths(p.badUnitsDir)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, nil
	}
	r.resetSanitizers(pruningDefaultRedzone)
	args := r.libFuzzerFlags()
	rules, err := crash.NewIgnoreRules(p.tc.Env.Get("SEARCH_EXCLUDES"), p.tc.Config.StackBlacklist)
	if err != nil {
		return nil, fmt.Errorf("bad stack ignore rules: %w", err)
	}

	p.tc.logger.Info().Int("units", len(units)).Msg("processing bad units")
	seen := map[string]bool{}
	var crashes []*corpusCrash
	quarantined := 0
	for _, unit := range units {
		name := filepath.Base(unit)
		// Timeouts and OOMs carry their artifact prefix; no point in
		// burning another run on each.
		if strings.HasPrefix(name, "timeout-") || strings.HasPrefix(name, "oom-") {
			if err := p.quarantineUnit(unit); err != nil {
				return nil, err
			}
			quarantined++
			continue
		}
		result, err := p.eng.Reproduce(ctx, r.targetPath, unit, args, singleUnitTimeout)
		if err != nil {
			return nil, err
		}
		if result.TimedOut() {
			if err := p.quarantineUnit(unit); err != nil {
				return nil, err
			}
			quarantined++
			continue
		}
		if !crash.IsMemoryToolCrash(result.Output) {
			// Flaky or resource-bound; the unit stays in the corpus.
			continue
		}
		if err := p.quarantineUnit(unit); err != nil {
			return nil, err
		}
		quarantined++
		if rules.Ignore(result.Output) {
			continue
		}
		info := crash.Analyze(result.Output)
		if info == nil || seen[info.State] {
			continue
		}
		seen[info.State] = true
		crashes = append(crashes, &corpusCrash{
			info:       info,
			unitPath:   filepath.Join(p.quarantineDir, name),
			stacktrace: result.Output,
		})
	}
	p.tc.logger.Info().Int("quarantined", quarantined).Int("crashes", len(crashes)).
		Msg("bad unit processing finished")
	return crashes, nil
}

// limitCorpusSize trims a remote corpus down to the failure limits.
// Listing order decides what survives; the merge re-grows the coverage
// from whatever is left.
func limitCorpusSize(ctx context.Context, tc *TaskContext, store *corpus.Storage) error {
	objects, err := store.ListRemote(ctx)
	if err != nil {
		return fmt.Errorf("failed to list the remote corpus: %w", err)
	}
	count, deleted := 0, 0
	var size int64
	for _, obj := range objects {
		count++
		size += obj.Size
		if count <= corpusFilesLimitForFailures && size <= corpusSizeLimitForFailures {
			continue
		}
		key := strings.TrimPrefix("/"+obj.Path, store.Location())
		if err := store.RemoveRemote(ctx, key); err != nil {
			return err
		}
		deleted++
	}
	if deleted > 0 {
		tc.logger.Info().Int("deleted", deleted).Str("location", store.Location()).
			Msg("removed files from the oversized corpus")
	}
	return nil
}

// processCorpusCrashes files testcases for the crashes found among the
// bad units. Known signatures are skipped: pruning re-runs the whole
// corpus and would otherwise re-file every open bug it contains.
func processCorpusCrashes(ctx context.Context, tc *TaskContext, p *pruningContext,
	result *pruningResult) error {
	if len(result.crashes) == 0 {
		return nil
	}
	comment := fmt.Sprintf("Fuzzer %s generated corpus testcase crashed (r%d)",
		p.qualifiedName(), result.revision)
	for _, c := range result.crashes {
		existing, err := tc.API.FindTestcase(ctx, tc.Job.ProjectID, api.CrashKey{
			Type:     c.info.Type,
			State:    c.info.State,
			Security: c.info.Security,
		})
		if err != nil {
			return fmt.Errorf("failed to search for an existing testcase: %w", err)
		}
		if existing != nil {
			continue
		}
		key, err := tc.Blobs.WriteFile(ctx, c.unitPath)
		if err != nil {
			return fmt.Errorf("failed to store the crashing unit: %w", err)
		}
		testcase := &api.Testcase{
			ProjectID:  tc.Job.ProjectID,
			FuzzerID:   p.fuzzer.ID,
			FuzzerName: p.fuzzer.Name,
			JobID:      tc.Job.ID,
			Status:     api.TestcaseProcessed,
			// The unit rematerializes under the inputs directory on
			// whichever bot picks up the follow-up tasks.
			AbsolutePath:       filepath.Join(tc.Env.InputsDir(), "testcase"),
			FuzzedKeys:         key,
			MinimizedArguments: testcases.TestcasePlaceholder + " " + p.target.Binary,
			TimeoutMultiplier:  1.0,
			Redzone:            pruningDefaultRedzone,
			Timestamp:          tc.Clock.Now().UTC(),
		}
		testcase.SetMetadata("fuzzer_binary_name", p.target.Binary)
		created, err := tc.API.AddTestcase(ctx, testcase)
		if err != nil {
			return fmt.Errorf("failed to create the testcase: %w", err)
		}
		crashRow := &api.Crash{
			TestcaseID:       created.ID,
			CrashType:        c.info.Type,
			CrashState:       c.info.State,
			CrashAddress:     c.info.Address,
			CrashStacktrace:  base64.StdEncoding.EncodeToString([]byte(c.stacktrace)),
			SecurityFlag:     c.info.Security,
			CrashRevision:    result.revision,
			ReproducibleFlag: true,
		}
		if c.info.Security {
			crashRow.SecuritySeverity = int(crash.SecuritySeverity(c.info))
		}
		if _, err := tc.API.AddCrash(ctx, crashRow); err != nil {
			return fmt.Errorf("failed to create the crash record: %w", err)
		}
		if err := tc.addTestcaseComment(ctx, created, comment); err != nil {
			tc.logger.Warn().Err(err).Msg("failed to comment on the new testcase")
		}
		if err := createTasks(ctx, tc, created); err != nil {
			tc.logger.Error().Err(err).Str("testcase", created.ID).
				Msg("failed to schedule the follow-up tasks")
		}
		tc.logger.Info().Str("testcase", created.ID).Str("type", c.info.Type).
			Msg("corpus crash filed")
	}
	return nil
}

func listUnitPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// measureCorpus walks dir recursively and returns the unit count and
// the total size in bytes. A missing directory counts as empty.
func measureCorpus(dir string) (int, int64) {
	count := 0
	var size int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size
}
