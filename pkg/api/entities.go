// Copyright 2024 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"strings"
	"time"
)

// Task statuses as stored by the control plane.
const (
	TaskStateStarted  = "started"
	TaskStateWIP      = "in-progress"
	TaskStateFinished = "finished"
	TaskStateError    = "errored"
)

type Task struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Argument string `json:"argument"`
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	// Payload is the queue-level description, used for heartbeat reporting.
	Payload       string    `json:"payload,omitempty"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`
	// Duration of a single lease extension, in seconds.
	LeaseSeconds int `json:"lease_seconds,omitempty"`
}

type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Platform    string `json:"platform"`
	ProjectID   string `json:"project_id"`
	Description string `json:"description,omitempty"`
	// Environment is a multi-line "KEY = VALUE" string overlaid over the
	// bot environment for the duration of a task.
	Environment string `json:"environment_string"`
	// Jobs for experimental fuzzers do not receive variant tasks.
	IsExternal   bool `json:"external_reproduction_usage,omitempty"`
	Experimental bool `json:"experimental,omitempty"`
}

// CustomBinary reports whether the job fuzzes a user-uploaded binary
// instead of one from the build bucket.
func (job *Job) CustomBinary() bool {
	return strings.Contains(job.Environment, "CUSTOM_BINARY = True") ||
		strings.Contains(job.Environment, "CUSTOM_BINARY=True")
}

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// ConfigYAML is written to config/project.yaml before task execution.
	ConfigYAML string `json:"configuration,omitempty"`
}

type Fuzzer struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Filename       string `json:"filename,omitempty"`
	BlobstorePath  string `json:"blobstore_path,omitempty"`
	ExecutablePath string `json:"executable_path,omitempty"`
	LauncherScript string `json:"launcher_script,omitempty"`
	InstallScript  string `json:"install_script,omitempty"`
	// Timeout for a single testcase run, seconds.
	Timeout      int    `json:"timeout,omitempty"`
	MaxTestcases int    `json:"max_testcases,omitempty"`
	Revision     int    `json:"revision"`
	StatsColumns string `json:"stats_columns,omitempty"`
	// Builtin fuzzers run through an in-process Engine implementation.
	Builtin bool `json:"builtin"`
	// Differential fuzzers use the two-stage blackbox pipeline.
	Differential      bool   `json:"differential"`
	HasLargeTestcases bool   `json:"has_large_testcases"`
	DataBundleName    string `json:"data_bundle_name,omitempty"`
	UntrustedContent  bool   `json:"untrusted_content,omitempty"`
}

type FuzzTarget struct {
	ID        string `json:"id"`
	FuzzerID  string `json:"fuzzer_id"`
	ProjectID string `json:"project_id"`
	Binary    string `json:"binary"`
}

// QualifiedName disambiguates targets across projects. It doubles as a
// directory name component, hence the underscore separator.
func (t *FuzzTarget) QualifiedName(project string) string {
	if project == "" {
		return t.Binary
	}
	return project + "_" + t.Binary
}

type FuzzTargetJob struct {
	FuzzTargetID string    `json:"fuzz_target_id"`
	JobID        string    `json:"job_id"`
	Engine       string    `json:"engine"`
	Weight       float64   `json:"weight,omitempty"`
	LastRunTime  time.Time `json:"last_run,omitempty"`
}

type DataBundle struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BucketName string `json:"bucket_name"`
}

// BuildMetadata records a per-job, per-revision build verdict so that
// sibling bots skip revisions whose builds are broken.
type BuildMetadata struct {
	JobName       string    `json:"job_name"`
	Revision      int       `json:"revision"`
	BadBuild      bool      `json:"bad_build"`
	ConsoleOutput string    `json:"console_output,omitempty"`
	BotName       string    `json:"bot_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// Testcase statuses.
const (
	TestcaseProcessed      = "processed"
	TestcaseUnreproducible = "unreproducible"
	TestcaseDuplicate      = "duplicate"
)

// Archive state bitmask of a testcase.
const (
	ArchiveNone      = 0
	ArchiveFuzzed    = 1
	ArchiveMinimized = 2
)

// Value for bisection/minimization fields when the result is not applicable,
// e.g. for one-time crashers.
const NotApplicable = "NA"

type Testcase struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	FuzzerID           string   `json:"fuzzer_id,omitempty"`
	FuzzerName         string   `json:"fuzzer_name"`
	JobID              string   `json:"job_id"`
	Status             string   `json:"status"`
	AbsolutePath       string   `json:"absolute_path,omitempty"`
	ArchiveState       int      `json:"archive_state"`
	ArchiveFilename    string   `json:"archive_filename,omitempty"`
	FuzzedKeys         string   `json:"fuzzed_keys,omitempty"`
	MinimizedKeys      string   `json:"minimized_keys,omitempty"`
	MinimizedArguments string   `json:"minimized_arguments,omitempty"`
	OneTimeCrasher     bool     `json:"one_time_crasher_flag"`
	TimeoutMultiplier  float64  `json:"timeout_multiplier,omitempty"`
	Redzone            int      `json:"redzone,omitempty"`
	DisableUBSan       bool     `json:"disable_ubsan,omitempty"`
	Gestures           []string `json:"gestures,omitempty"`
	WindowArgument     string   `json:"window_argument,omitempty"`
	// Uploader-provided overrides, honored by the analyze task.
	Timeout            int       `json:"timeout,omitempty"`
	Retries            int       `json:"retries,omitempty"`
	Timestamp          time.Time `json:"timestamp,omitempty"`
	// Regression and Fixed hold "min:max" revision ranges once the
	// respective bisection tasks finish, or "NA".
	Regression     string `json:"regression,omitempty"`
	Fixed          string `json:"fixed,omitempty"`
	BugInformation string `json:"bug_information,omitempty"`
	DuplicateOf    string `json:"duplicate_of,omitempty"`
	Comments       string `json:"comments,omitempty"`
	// AdditionalMetadata is a JSON object serialized to a string.
	AdditionalMetadata string `json:"additional_metadata,omitempty"`
}

// Metadata returns one key of the serialized metadata object.
func (tc *Testcase) Metadata(key string) (interface{}, bool) {
	if tc.AdditionalMetadata == "" {
		return nil, false
	}
	values := map[string]interface{}{}
	if err := json.Unmarshal([]byte(tc.AdditionalMetadata), &values); err != nil {
		return nil, false
	}
	val, ok := values[key]
	return val, ok
}

func (tc *Testcase) MetadataString(key string) string {
	val, ok := tc.Metadata(key)
	if !ok {
		return ""
	}
	str, _ := val.(string)
	return str
}

func (tc *Testcase) MetadataInt(key string) (int, bool) {
	val, ok := tc.Metadata(key)
	if !ok {
		return 0, false
	}
	// encoding/json decodes numbers into float64.
	f, ok := val.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (tc *Testcase) SetMetadata(key string, value interface{}) {
	values := map[string]interface{}{}
	if tc.AdditionalMetadata != "" {
		// A malformed object is dropped and rebuilt.
		json.Unmarshal([]byte(tc.AdditionalMetadata), &values)
	}
	values[key] = value
	data, err := json.Marshal(values)
	if err != nil {
		return
	}
	tc.AdditionalMetadata = string(data)
}

func (tc *Testcase) DeleteMetadata(key string) {
	if tc.AdditionalMetadata == "" {
		return
	}
	values := map[string]interface{}{}
	if err := json.Unmarshal([]byte(tc.AdditionalMetadata), &values); err != nil {
		return
	}
	delete(values, key)
	data, err := json.Marshal(values)
	if err != nil {
		return
	}
	tc.AdditionalMetadata = string(data)
}

type Crash struct {
	ID                          string `json:"id"`
	TestcaseID                  string `json:"testcase_id"`
	CrashType                   string `json:"crash_type"`
	CrashState                  string `json:"crash_state"`
	CrashAddress                string `json:"crash_address,omitempty"`
	// CrashStacktrace is base64-encoded.
	CrashStacktrace             string `json:"crash_stacktrace,omitempty"`
	UnsymbolizedCrashStacktrace string `json:"unsymbolized_crash_stacktrace,omitempty"`
	SecurityFlag                bool   `json:"security_flag"`
	SecuritySeverity            int    `json:"security_severity,omitempty"`
	CrashRevision               int    `json:"crash_revision,omitempty"`
	ReproducibleFlag            bool   `json:"reproducible_flag,omitempty"`
	FuzzingStrategies           string `json:"fuzzing_strategies,omitempty"`
}

// Key groups observations of the same underlying bug.
func (c *Crash) Key() CrashKey {
	return CrashKey{
		Type:     c.CrashType,
		State:    c.CrashState,
		Security: c.SecurityFlag,
	}
}

type CrashKey struct {
	Type     string
	State    string
	Security bool
}

// Testcase variant statuses.
const (
	VariantPending        = 0
	VariantReproducible   = 1
	VariantFlaky          = 2
	VariantUnreproducible = 3
)

type TestcaseVariant struct {
	TestcaseID    string `json:"testcase_id"`
	JobID         string `json:"job_id"`
	Status        int    `json:"status"`
	IsSimilar     bool   `json:"is_similar,omitempty"`
	ReproducerKey string `json:"reproducer_key,omitempty"`
	CrashRevision int    `json:"crash_revision,omitempty"`
	CrashType     string `json:"crash_type,omitempty"`
	CrashState    string `json:"crash_state,omitempty"`
	SecurityFlag  bool   `json:"security_flag,omitempty"`
}

type Bot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Platform     string    `json:"platform"`
	TaskPayload  string    `json:"task_payload,omitempty"`
	TaskEndTime  time.Time `json:"task_end_time,omitempty"`
	LastBeatTime time.Time `json:"last_beat_time,omitempty"`
}

type Trial struct {
	ID          string  `json:"id"`
	AppName     string  `json:"app_name"`
	Probability float64 `json:"probability"`
	AppArgs     string  `json:"app_args"`
}

type CoverageInformation struct {
	Date                 string `json:"date"`
	Fuzzer               string `json:"fuzzer"`
	CorpusSizeUnits      int    `json:"corpus_size_units"`
	CorpusSizeBytes      int64  `json:"corpus_size_bytes"`
	QuarantineSizeUnits  int    `json:"quarantine_size_units"`
	QuarantineSizeBytes  int64  `json:"quarantine_size_bytes"`
	CorpusLocation       string `json:"corpus_location,omitempty"`
	CorpusBackupLocation string `json:"corpus_backup_location,omitempty"`
}
