// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import "strings"

// Severity estimates the impact of a security crash.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	}
	return "None"
}

// Crash types that indicate memory unsafety. Matched as prefixes since
// the analyzer appends access direction and size.
var securityTypePrefixes = []string{
	"Bad-cast",
	"Container-overflow",
	"Global-buffer-overflow",
	"Heap-buffer-overflow",
	"Heap-double-free",
	"Heap-use-after-free",
	"Incorrect-function-pointer-type",
	"Index-out-of-bounds",
	"Intra-object-overflow",
	"Invalid-free",
	"Memcpy-param-overlap",
	"Object-size",
	"Security CHECK failure",
	"Stack-buffer-overflow",
	"Stack-use-after-return",
	"Stack-use-after-scope",
	"UNKNOWN READ",
	"UNKNOWN WRITE",
	"Use-after-poison",
	"Use-of-uninitialized-value",
}

func isSecurityType(crashType string) bool {
	for _, prefix := range securityTypePrefixes {
		if strings.HasPrefix(crashType, prefix) {
			return true
		}
	}
	return false
}

// SecuritySeverity guesses how exploitable a security crash is. Writes
// and lifetime bugs rank above reads.
func SecuritySeverity(info *Info) Severity {
	if info == nil || !info.Security {
		return SeverityNone
	}
	switch {
	case strings.HasSuffix(info.Type, " WRITE") || strings.Contains(info.Type, " WRITE "):
		return SeverityHigh
	case strings.HasPrefix(info.Type, "Heap-use-after-free"),
		strings.HasPrefix(info.Type, "Heap-double-free"),
		strings.HasPrefix(info.Type, "Stack-use-after-return"),
		strings.HasPrefix(info.Type, "Use-after-poison"),
		strings.HasPrefix(info.Type, "Incorrect-function-pointer-type"),
		strings.HasPrefix(info.Type, "Bad-cast"):
		return SeverityHigh
	case strings.HasSuffix(info.Type, " READ") || strings.Contains(info.Type, " READ "),
		strings.HasPrefix(info.Type, "Use-of-uninitialized-value"):
		return SeverityMedium
	}
	return SeverityLow
}
