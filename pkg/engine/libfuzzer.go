// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/runner"
)

// LibFuzzerName is the canonical engine name used in fuzzer records.
const LibFuzzerName = "libFuzzer"

// libFuzzer flag templates. Corpus pruning renders these too.
const (
	TimeoutFlag          = "-timeout=%d"
	RSSLimitFlag         = "-rss_limit_mb=%d"
	MaxLenFlag           = "-max_len=%d"
	DetectLeaksFlag      = "-detect_leaks=%d"
	MaxTotalTimeFlag     = "-max_total_time=%d"
	ArtifactPrefixFlag   = "-artifact_prefix=%s"
	RunsFlag             = "-runs=%d"
	DictFlag             = "-dict=%s"
	PrintFinalStatsFlag  = "-print_final_stats=1"
	ValueProfileArgument = "-use_value_profile=1"
	MergeArgument        = "-merge=1"
)

const (
	DefaultRSSLimitMB  = 2560
	DefaultUnitTimeout = 25
)

// Probability of fuzzing with value profiles.
const valueProfileProbability = 0.33

// Extra room on top of -max_total_time before the process group is
// killed. libFuzzer needs it to finish the unit in flight and print
// final stats.
const runTimeoutBuffer = time.Minute

type libFuzzer struct {
	env    *environ.Env
	logger zerolog.Logger
	rand   *rand.Rand
}

func init() {
	Register(LibFuzzerName, func(env *environ.Env, logger zerolog.Logger) Engine {
		return &libFuzzer{
			env:    env,
			logger: logs.Component(logger, "libfuzzer"),
			rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		}
	})
}

func (lf *libFuzzer) Name() string {
	return LibFuzzerName
}

func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == name || strings.HasPrefix(arg, name+"=") {
			return true
		}
	}
	return false
}

func flagValue(args []string, name string) (int, bool) {
	for _, arg := range args {
		if rest, ok := strings.CutPrefix(arg, name+"="); ok {
			n, err := strconv.Atoi(rest)
			return n, err == nil
		}
	}
	return 0, false
}

func replaceFlag(args []string, name string, value int) []string {
	for i, arg := range args {
		if strings.HasPrefix(arg, name+"=") {
			args[i] = fmt.Sprintf("%s=%d", name, value)
			return args
		}
	}
	return append(args, fmt.Sprintf("%s=%d", name, value))
}

// ensureDefaultFlags appends the memory and unit timeout limits unless
// the .options file already set them. Values above the defaults are
// capped: targets must not opt out of the platform limits.
func ensureDefaultFlags(args []string) []string {
	if value, ok := flagValue(args, "-rss_limit_mb"); !ok || value > DefaultRSSLimitMB {
		args = replaceFlag(args, "-rss_limit_mb", DefaultRSSLimitMB)
	}
	if value, ok := flagValue(args, "-timeout"); !ok || value > DefaultUnitTimeout {
		args = replaceFlag(args, "-timeout", DefaultUnitTimeout)
	}
	return args
}

func (lf *libFuzzer) Prepare(ctx context.Context, corpusDir, targetPath, buildDir string) (*Options, error) {
	optionsFile, err := LoadOptions(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read the options file of %s: %w", targetPath, err)
	}
	args := ensureDefaultFlags(optionsFile.LibFuzzerArguments())
	strategies := map[string]int{}
	if !hasFlag(args, "-use_value_profile") && lf.rand.Float64() < valueProfileProbability {
		args = append(args, ValueProfileArgument)
		strategies["value_profile"] = 1
	}
	return &Options{
		CorpusDir:  corpusDir,
		Arguments:  args,
		Strategies: strategies,
	}, nil
}

var testUnitRe = regexp.MustCompile(`Test unit written to\s+(\S+)`)
var statRe = regexp.MustCompile(`stat::([A-Za-z_]+):\s*(\S+)`)
var mergeStatsRe = regexp.MustCompile(`MERGE-OUTER: (\d+) new files with (\d+) new features added`)

func parseStats(output string) map[string]interface{} {
	stats := map[string]interface{}{}
	for _, match := range statRe.FindAllStringSubmatch(output, -1) {
		if n, err := strconv.ParseInt(match[2], 10, 64); err == nil {
			stats[match[1]] = n
			continue
		}
		if f, err := strconv.ParseFloat(match[2], 64); err == nil {
			stats[match[1]] = f
		}
	}
	return stats
}

func parseCrashInputs(output string) []string {
	var paths []string
	seen := map[string]bool{}
	for _, match := range testUnitRe.FindAllStringSubmatch(output, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			paths = append(paths, match[1])
		}
	}
	return paths
}

func (lf *libFuzzer) Fuzz(ctx context.Context, targetPath string, opts *Options,
	reproducersDir string, maxTime time.Duration) (*FuzzResult, error) {
	args := make([]string, 0, len(opts.Arguments)+4)
	args = append(args, opts.Arguments...)
	args = append(args,
		fmt.Sprintf(ArtifactPrefixFlag, reproducersDir+"/"),
		fmt.Sprintf(MaxTotalTimeFlag, int(maxTime.Seconds())),
		PrintFinalStatsFlag,
		opts.CorpusDir,
	)
	cmd := runner.Command{
		Path:    targetPath,
		Args:    args,
		Env:     lf.env.Export(),
		Timeout: maxTime + runTimeoutBuffer,
	}
	lf.logger.Debug().Str("cmd", cmd.String()).Msg("starting a fuzz round")
	result := runner.RunAndWait(ctx, cmd)
	if errors.Is(result.Err, runner.ErrExecutionFailed) {
		return nil, result.Err
	}
	output := string(result.Output)
	fuzzResult := &FuzzResult{
		Logs:         output,
		Command:      append([]string{targetPath}, args...),
		Stats:        parseStats(output),
		TimeExecuted: result.Duration,
		TimedOut:     result.TimedOut(),
	}
	for strategy, value := range opts.Strategies {
		fuzzResult.Stats["strategy_"+strategy] = int64(value)
	}
	for _, input := range parseCrashInputs(output) {
		fuzzResult.Crashes = append(fuzzResult.Crashes, &Crash{
			InputPath:     input,
			Stacktrace:    output,
			ReproduceArgs: opts.Arguments,
			CrashTime:     result.Duration,
		})
	}
	return fuzzResult, nil
}

func (lf *libFuzzer) Reproduce(ctx context.Context, targetPath, inputPath string,
	args []string, maxTime time.Duration) (*ReproduceResult, error) {
	runArgs := append(ensureDefaultFlags(append([]string{}, args...)), inputPath)
	cmd := runner.Command{
		Path:    targetPath,
		Args:    runArgs,
		Env:     lf.env.Export(),
		Timeout: maxTime,
	}
	result := runner.RunAndWait(ctx, cmd)
	if errors.Is(result.Err, runner.ErrExecutionFailed) {
		return nil, result.Err
	}
	return &ReproduceResult{
		Command:      append([]string{targetPath}, runArgs...),
		ReturnCode:   result.ReturnCode,
		TimeExecuted: result.Duration,
		Output:       string(result.Output),
	}, nil
}

func (lf *libFuzzer) MinimizeCorpus(ctx context.Context, targetPath string,
	args, inputDirs []string, outputDir, reproducersDir string,
	maxTime time.Duration) (*FuzzResult, error) {
	runArgs := make([]string, 0, len(args)+len(inputDirs)+3)
	runArgs = append(runArgs, args...)
	runArgs = append(runArgs, MergeArgument,
		fmt.Sprintf(ArtifactPrefixFlag, reproducersDir+"/"), outputDir)
	runArgs = append(runArgs, inputDirs...)
	cmd := runner.Command{
		Path:    targetPath,
		Args:    runArgs,
		Env:     lf.env.Export(),
		Timeout: maxTime,
	}
	lf.logger.Debug().Str("cmd", cmd.String()).Msg("starting a corpus merge")
	result := runner.RunAndWait(ctx, cmd)
	output := string(result.Output)
	if result.TimedOut() {
		return nil, fmt.Errorf("corpus merge timed out: %w", runner.ErrTimeout)
	}
	if errors.Is(result.Err, runner.ErrExecutionFailed) {
		return nil, result.Err
	}
	if result.ReturnCode != 0 {
		return nil, fmt.Errorf("corpus merge failed with code %d:\n%s",
			result.ReturnCode, logs.TruncateMiddle([]byte(output), 2048))
	}
	stats := map[string]interface{}{}
	if match := mergeStatsRe.FindStringSubmatch(output); match != nil {
		newUnits, _ := strconv.ParseInt(match[1], 10, 64)
		newFeatures, _ := strconv.ParseInt(match[2], 10, 64)
		stats["new_units_added"] = newUnits
		stats["new_features"] = newFeatures
	}
	return &FuzzResult{
		Logs:         output,
		Command:      append([]string{targetPath}, runArgs...),
		Stats:        stats,
		TimeExecuted: result.Duration,
	}, nil
}

func (lf *libFuzzer) AdditionalProcessingTimeout(opts *Options) time.Duration {
	// Merge-back of new units plus artifact scanning.
	return 2 * time.Minute
}
