// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"regexp"
	"strings"
)

// IgnoreRules filters out crashes the operator declared uninteresting.
// The search pattern comes from SEARCH_EXCLUDES and is matched anywhere
// in the stacktrace. Blacklist patterns come from the project config and
// are matched at the start of each line.
type IgnoreRules struct {
	search    *regexp.Regexp
	blacklist *regexp.Regexp
}

func NewIgnoreRules(searchExcludes string, blacklistRegexes []string) (*IgnoreRules, error) {
	rules := &IgnoreRules{}
	if searchExcludes != "" {
		re, err := regexp.Compile(searchExcludes)
		if err != nil {
			return nil, err
		}
		rules.search = re
	}
	if len(blacklistRegexes) > 0 {
		parts := make([]string, len(blacklistRegexes))
		for i, pattern := range blacklistRegexes {
			parts[i] = "(?:" + pattern + ")"
		}
		re, err := regexp.Compile("^(?:" + strings.Join(parts, "|") + ")")
		if err != nil {
			return nil, err
		}
		rules.blacklist = re
	}
	return rules, nil
}

// Ignore reports whether the stacktrace matches any exclusion pattern.
func (r *IgnoreRules) Ignore(stacktrace string) bool {
	if r == nil {
		return false
	}
	if r.search != nil && r.search.MatchString(stacktrace) {
		return true
	}
	if r.blacklist == nil {
		return false
	}
	for _, line := range strings.Split(stacktrace, "\n") {
		if r.blacklist.MatchString(line) {
			return true
		}
	}
	return false
}
