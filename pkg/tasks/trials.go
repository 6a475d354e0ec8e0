// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tasks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const trialsConfigFilename = "trials_config.json"

// A trial is an optional argument set tried against the app with some
// probability, used to spread coverage over feature flags.
type trialConfig struct {
	AppName     string  `json:"app_name"`
	AppArgs     string  `json:"app_args"`
	Probability float64 `json:"probability"`
}

// trialAppName normalizes APP_NAME the way trials are registered:
// lowercase, platform file extensions stripped.
func trialAppName(appName string) string {
	appName = strings.ToLower(appName)
	for _, ext := range []string{".exe", ".apk"} {
		appName = strings.TrimSuffix(appName, ext)
	}
	return appName
}

// loadTrials collects the trials registered for the app: rows from the
// control plane plus an optional trials_config.json shipped inside the
// build.
func loadTrials(ctx context.Context, tc *TaskContext) map[string]float64 {
	appName := trialAppName(tc.Env.Get("APP_NAME"))
	if appName == "" {
		return nil
	}
	trials := map[string]float64{}
	rows, err := tc.API.TrialsByAppName(ctx, appName)
	if err != nil {
		tc.logger.Warn().Err(err).Msg("failed to fetch trials")
	}
	for _, row := range rows {
		trials[row.AppArgs] = row.Probability
	}

	appDir := tc.Env.Get("APP_DIR")
	if appDir == "" {
		return trials
	}
	data, err := os.ReadFile(filepath.Join(appDir, trialsConfigFilename))
	if err != nil {
		return trials
	}
	var configs []trialConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		tc.logger.Warn().Err(err).Msg("unable to parse the trials config file")
		return trials
	}
	for _, config := range configs {
		if trialAppName(config.AppName) != appName {
			continue
		}
		trials[config.AppArgs] = config.Probability
	}
	return trials
}

// setupTrialArgs rolls the dice for every registered trial and appends
// the selected argument sets to APP_ARGS. TRIAL_APP_ARGS records the
// extras so testcases filed during the session can require them.
func setupTrialArgs(ctx context.Context, tc *TaskContext) {
	trials := loadTrials(ctx, tc)
	if len(trials) == 0 {
		return
	}
	var selected []string
	for args, probability := range trials {
		if tc.Rand.Float64() < probability {
			selected = append(selected, args)
		}
	}
	if len(selected) == 0 {
		return
	}
	trialArgs := strings.Join(selected, " ")
	appArgs := strings.TrimSpace(tc.Env.Get("APP_ARGS") + " " + trialArgs)
	tc.Env.Set("APP_ARGS", appArgs)
	tc.Env.Set("TRIAL_APP_ARGS", trialArgs)
	tc.logger.Info().Str("args", trialArgs).Msg("trial app args selected")
}
