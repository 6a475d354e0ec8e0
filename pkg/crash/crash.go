// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package crash turns raw sanitizer and engine output into structured
// crash verdicts and groups observations of the same underlying bug.
package crash

import (
	"strings"
	"time"
)

// Tool markers indicate that a memory tool or engine started a report.
var stacktraceToolMarkers = []string{
	" runtime error: ",
	"AddressSanitizer",
	"ASAN:",
	"CFI: Most likely a control flow integrity violation;",
	"ERROR: libFuzzer",
	"KASAN:",
	"LeakSanitizer",
	"MemorySanitizer",
	"ThreadSanitizer",
	"UndefinedBehaviorSanitizer",
	"UndefinedSanitizer",
}

// End markers indicate the report was written out completely.
var stacktraceEndMarkers = []string{
	"ABORTING",
	"END MEMORY TOOL REPORT",
	"End of process memory map.",
	"END_KASAN_OUTPUT",
	"SUMMARY:",
	"Shadow byte and word",
	"[end of stack trace]",
	"\nExiting",
	"minidump has been written",
}

// Check failures crash without a memory tool report.
var checkFailureMarkers = []string{
	"Check failed:",
	"Device rebooted",
	"Fatal error in",
	"FATAL EXCEPTION",
	"JNI DETECTED ERROR IN APPLICATION:",
	"Sanitizer CHECK failed:",
}

func hasMarker(output string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// IsCrash reports whether the output contains a crash: either a complete
// memory tool report or a check failure.
func IsCrash(output string) bool {
	if hasMarker(output, stacktraceToolMarkers) && hasMarker(output, stacktraceEndMarkers) {
		return true
	}
	return hasMarker(output, checkFailureMarkers)
}

// IsMemoryToolCrash reports whether a memory tool produced the report.
// Corpus pruning keeps units whose crashes come from elsewhere.
func IsMemoryToolCrash(output string) bool {
	return hasMarker(output, stacktraceToolMarkers)
}

// Info is the parsed verdict of one crash report.
type Info struct {
	// Type is e.g. "Heap-buffer-overflow READ 4" or "Timeout".
	Type    string
	Address string
	// State is the top stack frames, one per line, trailing newline
	// included. "NULL\n" when no usable frames were found.
	State    string
	Frames   []string
	Security bool
}

// IsNull reports that no usable crash state could be extracted.
func (info *Info) IsNull() bool {
	return info == nil || info.State == "" || info.State == nullState
}

// Result is the outcome of running the application on one testcase.
type Result struct {
	ReturnCode int
	CrashTime  time.Duration
	Output     string

	info *Info
}

func NewResult(returnCode int, crashTime time.Duration, output string) *Result {
	return &Result{
		ReturnCode: returnCode,
		CrashTime:  crashTime,
		Output:     output,
	}
}

func (r *Result) IsCrash() bool {
	return IsCrash(r.Output)
}

// Info parses the output once and caches the verdict.
func (r *Result) Info() *Info {
	if r.info == nil {
		r.info = Analyze(r.Output)
	}
	return r.info
}
