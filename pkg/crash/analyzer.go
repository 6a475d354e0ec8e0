// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

const nullState = "NULL\n"

// Frames over this count never matter for crash states.
const maxParsedFrames = 64

// Addresses below this are null dereferences, not wild accesses.
const nullAddressCeiling = 0x1000

var (
	asanHeaderRe = regexp.MustCompile(
		`ERROR: AddressSanitizer: ([-\w]+)(?: on (?:unknown )?address (0x[0-9a-fA-F]+))?`)
	asanAddressRe = regexp.MustCompile(`\b0x[0-9a-fA-F]+`)
	accessRe      = regexp.MustCompile(`(READ|WRITE) of size (\d+)`)
	segvAccessRe  = regexp.MustCompile(`caused by a (READ|WRITE) memory access`)
	msanHeaderRe  = regexp.MustCompile(`WARNING: MemorySanitizer: ([-\w]+)`)
	tsanHeaderRe  = regexp.MustCompile(`WARNING: ThreadSanitizer: ([-\w ]+?) \(`)
	lsanHeaderRe  = regexp.MustCompile(`(Direct|Indirect) leak of \d+ byte`)
	ubsanRe       = regexp.MustCompile(`(\S+?):(\d+):(?:\d+:)? runtime error: ([^\n]+)`)
	libfuzzerRe   = regexp.MustCompile(`ERROR: libFuzzer: ([-\w ]+)`)
	checkFailRe   = regexp.MustCompile(`Check failed: ([^\n]+)`)
	assertRe      = regexp.MustCompile("Assertion `([^\n']+)' failed")
	frameRe       = regexp.MustCompile(`^\s*#\d+\s+(.*)$`)
)

// Analyze parses a crash report into a structured verdict. Returns nil
// when the output contains no crash.
func Analyze(output string) *Info {
	info := parseReport(output)
	if info == nil {
		if !IsCrash(output) {
			return nil
		}
		info = &Info{Type: "UNKNOWN", Frames: framesAfter(output, 0)}
	}
	if info.State == "" {
		info.State = stateFromFrames(info.Frames)
	}
	info.Security = isSecurityType(info.Type)
	return info
}

func parseReport(output string) *Info {
	if match := asanHeaderRe.FindStringSubmatchIndex(output); match != nil {
		return parseASAN(output, match)
	}
	if match := msanHeaderRe.FindStringSubmatchIndex(output); match != nil {
		return &Info{
			Type:   capitalize(substr(output, match, 1)),
			Frames: framesAfter(output, match[1]),
		}
	}
	if match := tsanHeaderRe.FindStringSubmatchIndex(output); match != nil {
		return &Info{
			Type:   capitalize(substr(output, match, 1)),
			Frames: framesAfter(output, match[1]),
		}
	}
	if match := lsanHeaderRe.FindStringSubmatchIndex(output); match != nil {
		return &Info{
			Type:   capitalize(strings.ToLower(substr(output, match, 1))) + "-leak",
			Frames: framesAfter(output, match[1]),
		}
	}
	if match := libfuzzerRe.FindStringSubmatchIndex(output); match != nil {
		return parseLibFuzzer(output, match)
	}
	if match := ubsanRe.FindStringSubmatchIndex(output); match != nil {
		return parseUBSAN(output, match)
	}
	return parseCheckFailure(output)
}

func parseASAN(output string, match []int) *Info {
	header := firstLine(output[match[0]:])
	info := &Info{Frames: framesAfter(output, match[1])}
	if addr := substr(output, match, 2); addr != "" {
		info.Address = strings.ToLower(addr)
	} else if addr := asanAddressRe.FindString(header); addr != "" {
		info.Address = strings.ToLower(addr)
	}
	kind := substr(output, match, 1)
	switch {
	case strings.Contains(header, "attempting double-free"):
		info.Type = "Heap-double-free"
	case strings.Contains(header, "attempting free on address which was not malloc"):
		info.Type = "Invalid-free"
	case strings.Contains(header, "allocation size") || strings.Contains(header, "out of memory"):
		info.Type = "Out-of-memory"
	case kind == "SEGV":
		info.Type = segvType(output, info.Address)
	default:
		info.Type = capitalize(kind)
		if access := accessRe.FindStringSubmatch(output[match[1]:]); access != nil {
			info.Type += fmt.Sprintf(" %s %s", access[1], access[2])
		}
	}
	return info
}

// segvType distinguishes null dereferences from wild memory accesses.
func segvType(output, address string) string {
	null := false
	if addr, err := strconv.ParseUint(strings.TrimPrefix(address, "0x"), 16, 64); err == nil {
		null = addr < nullAddressCeiling
	}
	base := "UNKNOWN"
	if null {
		base = "Null-dereference"
	}
	if access := segvAccessRe.FindStringSubmatch(output); access != nil {
		return base + " " + access[1]
	}
	if null {
		return base
	}
	return "SEGV"
}

func parseLibFuzzer(output string, match []int) *Info {
	kind := strings.TrimSpace(substr(output, match, 1))
	info := &Info{Frames: framesAfter(output, match[1])}
	switch {
	case strings.HasPrefix(kind, "timeout"):
		info.Type = "Timeout"
	case strings.HasPrefix(kind, "out-of-memory"):
		info.Type = "Out-of-memory"
	case strings.HasPrefix(kind, "deadly signal"):
		info.Type = "Deadly signal"
	default:
		info.Type = capitalize(kind)
	}
	return info
}

func parseUBSAN(output string, match []int) *Info {
	desc := substr(output, match, 3)
	info := &Info{Frames: framesAfter(output, match[1])}
	switch {
	case strings.Contains(desc, "unsigned integer overflow"):
		info.Type = "Unsigned-integer-overflow"
	case strings.Contains(desc, "signed integer overflow"):
		info.Type = "Signed-integer-overflow"
	case strings.Contains(desc, "division by zero"):
		info.Type = "Divide-by-zero"
	case strings.Contains(desc, "out of bounds"):
		info.Type = "Index-out-of-bounds"
	case strings.Contains(desc, "null pointer"):
		info.Type = "Null-dereference"
	case strings.Contains(desc, "shift"):
		info.Type = "Undefined-shift"
	default:
		info.Type = "UNKNOWN"
	}
	if len(info.Frames) == 0 {
		// Without print_stacktrace the source location is the state.
		file := substr(output, match, 1)
		line := substr(output, match, 2)
		info.State = basename(file) + ":" + line + "\n"
	}
	return info
}

func parseCheckFailure(output string) *Info {
	if idx := strings.Index(output, "Sanitizer CHECK failed:"); idx >= 0 {
		condition := firstLine(output[idx+len("Sanitizer CHECK failed:"):])
		return &Info{
			Type:  "Security CHECK failure",
			State: checkState(condition, framesAfter(output, idx)),
		}
	}
	if match := checkFailRe.FindStringSubmatchIndex(output); match != nil {
		return &Info{
			Type:  "CHECK failure",
			State: checkState(substr(output, match, 1), framesAfter(output, match[1])),
		}
	}
	if match := assertRe.FindStringSubmatchIndex(output); match != nil {
		return &Info{
			Type:  "ASSERT",
			State: checkState(substr(output, match, 1), framesAfter(output, match[1])),
		}
	}
	return nil
}

// checkState puts the failed condition first, then up to two frames.
func checkState(condition string, frames []string) string {
	state := strings.TrimSpace(condition) + "\n"
	count := 0
	for _, frame := range frames {
		if !usableStateFrame(frame) {
			continue
		}
		state += frame + "\n"
		if count++; count == 2 {
			break
		}
	}
	return state
}

// framesAfter extracts the first stack following the report header.
func framesAfter(output string, start int) []string {
	var frames []string
	inStack := false
	for _, line := range strings.Split(output[start:], "\n") {
		match := frameRe.FindStringSubmatch(line)
		if match == nil {
			if inStack {
				break
			}
			continue
		}
		inStack = true
		if fn := frameFunction(match[1]); fn != "" {
			frames = append(frames, fn)
		}
		if len(frames) >= maxParsedFrames {
			break
		}
	}
	return frames
}

// frameFunction pulls the function name out of one stack frame line and
// demangles it.
func frameFunction(rest string) string {
	var fn string
	if idx := strings.Index(rest, " in "); idx >= 0 {
		fn = rest[idx+4:]
		// Drop the trailing source location or module offset.
		if sp := strings.LastIndex(fn, " "); sp >= 0 {
			last := fn[sp+1:]
			if strings.ContainsAny(last, "/(") || strings.Contains(last, ":") {
				fn = fn[:sp]
			}
		}
	} else {
		fields := strings.Fields(rest)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "0x") {
			return ""
		}
		fn = fields[0]
	}
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return ""
	}
	return demangle.Filter(fn)
}

// Runtime and sanitizer internals never identify a crash.
var stateIgnorePrefixes = []string{
	"__asan", "__hwasan", "__interceptor", "__libc", "__lsan",
	"__msan", "__sanitizer", "__tsan", "__ubsan",
	"_start", "abort", "gsignal", "raise",
	"base::debug", "calloc", "free", "malloc", "realloc",
	"operator delete", "operator new",
	"fuzzer::", "LLVMFuzzerRunDriver",
}

func usableStateFrame(fn string) bool {
	for _, prefix := range stateIgnorePrefixes {
		if strings.HasPrefix(fn, prefix) {
			return false
		}
	}
	return true
}

// stateFromFrames renders the top three usable frames.
func stateFromFrames(frames []string) string {
	state := ""
	count := 0
	for _, frame := range frames {
		if !usableStateFrame(frame) {
			continue
		}
		state += frame + "\n"
		if count++; count == 3 {
			break
		}
	}
	if state == "" {
		return nullState
	}
	return state
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func substr(s string, match []int, group int) string {
	if match[2*group] < 0 {
		return ""
	}
	return s[match[2*group]:match[2*group+1]]
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func basename(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
