// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package stats builds and uploads fuzzer run statistics.
// Two record kinds exist: a JobRun summarises one whole fuzz task, a
// TestcaseRun describes a single engine round or generated testcase.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	KindJobRun      = "JobRun"
	KindTestcaseRun = "TestcaseRun"
)

// StatsFileExtension names the sidecar file written next to a testcase
// with the per-run stats of the fuzzer that generated it.
const StatsFileExtension = ".stats2"

// Run is the part shared by all record kinds.
type Run struct {
	Kind          string  `json:"kind"`
	Fuzzer        string  `json:"fuzzer"`
	Job           string  `json:"job"`
	BuildRevision int     `json:"build_revision"`
	Timestamp     float64 `json:"timestamp"`
}

func (r *Run) Base() *Run { return r }

func (r *Run) Time() time.Time {
	sec := int64(r.Timestamp)
	return time.Unix(sec, int64((r.Timestamp-float64(sec))*1e9)).UTC()
}

// Record is implemented by JobRun and TestcaseRun.
type Record interface {
	Base() *Run
}

type CrashSummary struct {
	CrashType    string `json:"crash_type"`
	CrashState   string `json:"crash_state"`
	SecurityFlag bool   `json:"security_flag"`
	IsNew        bool   `json:"is_new"`
	Count        int    `json:"count"`
}

type JobRun struct {
	Run
	TestcasesExecuted int            `json:"testcases_executed"`
	NewCrashes        int            `json:"new_crashes"`
	KnownCrashes      int            `json:"known_crashes"`
	Crashes           []CrashSummary `json:"crashes"`
}

func NewJobRun(fuzzer, job string, revision int, timestamp time.Time) *JobRun {
	return &JobRun{
		Run: Run{
			Kind:          KindJobRun,
			Fuzzer:        fuzzer,
			Job:           job,
			BuildRevision: revision,
			Timestamp:     toEpoch(timestamp),
		},
	}
}

// TestcaseRun carries free-form stat columns merged into the top-level
// JSON object, the way the analytics pipeline expects them.
type TestcaseRun struct {
	Run
	Columns map[string]any
}

func NewTestcaseRun(fuzzer, job string, revision int, timestamp time.Time) *TestcaseRun {
	return &TestcaseRun{
		Run: Run{
			Kind:          KindTestcaseRun,
			Fuzzer:        fuzzer,
			Job:           job,
			BuildRevision: revision,
			Timestamp:     toEpoch(timestamp),
		},
		Columns: map[string]any{},
	}
}

func (r *TestcaseRun) Set(column string, value any) {
	if r.Columns == nil {
		r.Columns = map[string]any{}
	}
	r.Columns[column] = value
}

func (r *TestcaseRun) MarshalJSON() ([]byte, error) {
	merged := map[string]any{
		"kind":           r.Kind,
		"fuzzer":         r.Fuzzer,
		"job":            r.Job,
		"build_revision": r.BuildRevision,
		"timestamp":      r.Timestamp,
	}
	for column, value := range r.Columns {
		switch column {
		case "kind", "fuzzer", "job", "build_revision", "timestamp":
			continue
		}
		merged[column] = value
	}
	return json.Marshal(merged)
}

func (r *TestcaseRun) UnmarshalJSON(data []byte) error {
	var merged map[string]any
	if err := json.Unmarshal(data, &merged); err != nil {
		return err
	}
	var base Run
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	if base.Kind != KindTestcaseRun {
		return fmt.Errorf("unexpected stats kind %q", base.Kind)
	}
	r.Run = base
	r.Columns = map[string]any{}
	for column, value := range merged {
		switch column {
		case "kind", "fuzzer", "job", "build_revision", "timestamp":
			continue
		}
		r.Columns[column] = value
	}
	return nil
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ReadTestcaseRun loads the sidecar stats file of a testcase.
// Returns nil without error when the sidecar does not exist.
func ReadTestcaseRun(testcasePath string, remove bool) (*TestcaseRun, error) {
	path := testcasePath + StatsFileExtension
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if remove {
		os.Remove(path)
	}
	run := new(TestcaseRun)
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("malformed stats file %q: %w", path, err)
	}
	return run, nil
}

// WriteTestcaseRun stores the sidecar stats file next to the testcase.
func WriteTestcaseRun(run *TestcaseRun, testcasePath string) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return os.WriteFile(testcasePath+StatsFileExtension, data, 0644)
}
