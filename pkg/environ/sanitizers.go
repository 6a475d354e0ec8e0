// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package environ

import (
	"sort"
	"strconv"
	"strings"
)

// SanitizerOptions holds one sanitizer's runtime options, rendered in
// the colon-separated key=value form the sanitizers themselves expect.
type SanitizerOptions map[string]string

// ParseSanitizerOptions splits a "key1=v1:key2=v2" string. Malformed
// entries without '=' are kept as flag-style keys with an empty value.
func ParseSanitizerOptions(s string) SanitizerOptions {
	opts := SanitizerOptions{}
	for _, part := range strings.Split(s, ":") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		opts[key] = value
	}
	return opts
}

func (opts SanitizerOptions) String() string {
	keys := make([]string, 0, len(opts))
	for key := range opts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if opts[key] == "" {
			parts = append(parts, key)
			continue
		}
		parts = append(parts, key+"="+opts[key])
	}
	return strings.Join(parts, ":")
}

func (env *Env) MemoryToolOptions(name string) SanitizerOptions {
	return ParseSanitizerOptions(env.Get(name))
}

func (env *Env) SetMemoryToolOptions(name string, opts SanitizerOptions) {
	env.Set(name, opts.String())
}

// UpdateMemoryToolOptions merges updates into the variable, preserving
// options already present.
func (env *Env) UpdateMemoryToolOptions(name string, updates SanitizerOptions) {
	opts := env.MemoryToolOptions(name)
	for key, value := range updates {
		opts[key] = value
	}
	env.SetMemoryToolOptions(name, opts)
}

// ResetMemoryToolOptions rebuilds all sanitizer option variables from
// scratch. redzone only affects ASan; zero keeps the tool default.
// Symbolization is left off since reports are symbolized out of process.
func (env *Env) ResetMemoryToolOptions(redzone int, disableUBSan bool) {
	asan := SanitizerOptions{
		"allocator_may_return_null": "1",
		"handle_abort":              "1",
		"handle_segv":               "1",
		"handle_sigbus":             "1",
		"handle_sigfpe":             "1",
		"handle_sigill":             "1",
		"print_summary":             "1",
		"quarantine_size_mb":        "256",
		"symbolize":                 "0",
		"use_sigaltstack":           "1",
		"detect_leaks":              boolFlag(env.GetBool("LSAN")),
	}
	if redzone > 0 {
		asan["redzone"] = strconv.Itoa(redzone)
	}
	env.SetMemoryToolOptions("ASAN_OPTIONS", asan)

	ubsan := SanitizerOptions{
		"halt_on_error":    "1",
		"print_stacktrace": "1",
		"print_summary":    "1",
		"symbolize":        "0",
	}
	if disableUBSan {
		ubsan["halt_on_error"] = "0"
	}
	env.SetMemoryToolOptions("UBSAN_OPTIONS", ubsan)

	env.SetMemoryToolOptions("MSAN_OPTIONS", SanitizerOptions{
		"print_stats": "1",
		"symbolize":   "0",
	})
	env.SetMemoryToolOptions("TSAN_OPTIONS", SanitizerOptions{
		"halt_on_error": "1",
		"history_size":  "7",
		"symbolize":     "0",
	})
	env.SetMemoryToolOptions("LSAN_OPTIONS", SanitizerOptions{
		"print_suppressions": "0",
		"symbolize":          "0",
	})
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
