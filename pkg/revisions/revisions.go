// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package revisions handles the build revision lists that regression and
// progression bisection walk over.
package revisions

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// List is a sorted list of unique build revisions.
type List []int

var numberRe = regexp.MustCompile(`[0-9]+`)

var archiveExtensions = []string{".zip", ".tar.gz", ".tgz", ".tar.xz", ".tar"}

// ExtractRevision parses the revision out of a build archive name.
// The last number in the base name wins, e.g. "app-asan-20230105.zip"
// gives 20230105.
func ExtractRevision(name string) (int, bool) {
	base := path.Base(name)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(base, ext) {
			base = strings.TrimSuffix(base, ext)
			break
		}
	}
	matches := numberRe.FindAllString(base, -1)
	if len(matches) == 0 {
		return 0, false
	}
	rev, err := strconv.Atoi(matches[len(matches)-1])
	if err != nil {
		return 0, false
	}
	return rev, true
}

// Parse extracts revisions from build archive names, deduplicates and
// sorts them ascending.
func Parse(names []string) List {
	seen := map[int]bool{}
	var list List
	for _, name := range names {
		rev, ok := ExtractRevision(name)
		if !ok || seen[rev] {
			continue
		}
		seen[rev] = true
		list = append(list, rev)
	}
	sort.Ints(list)
	return list
}

// FindIndex returns the index of an exact revision, or -1.
func (l List) FindIndex(revision int) int {
	idx := sort.SearchInts(l, revision)
	if idx < len(l) && l[idx] == revision {
		return idx
	}
	return -1
}

// MinIndex returns the index of the revision itself when present, else
// of the closest revision below it.
func (l List) MinIndex(revision int) (int, bool) {
	idx := sort.SearchInts(l, revision)
	if idx < len(l) && l[idx] == revision {
		return idx, true
	}
	if idx > 0 {
		return idx - 1, true
	}
	return 0, false
}

// MaxIndex returns the index of the revision itself when present, else
// of the closest revision above it.
func (l List) MaxIndex(revision int) (int, bool) {
	idx := sort.SearchInts(l, revision)
	if idx < len(l) {
		return idx, true
	}
	return 0, false
}

// NearestLE returns the closest revision not above the given one.
// Build setup uses it to pick an archive for a crash revision.
func (l List) NearestLE(revision int) (int, bool) {
	idx, ok := l.MinIndex(revision)
	if !ok {
		return 0, false
	}
	return l[idx], true
}

// Last returns the newest revision.
func (l List) Last() (int, bool) {
	if len(l) == 0 {
		return 0, false
	}
	return l[len(l)-1], true
}

// Remove drops the element at idx. Bisection uses it to skip revisions
// whose builds turned out to be unusable.
func (l List) Remove(idx int) List {
	return append(l[:idx:idx], l[idx+1:]...)
}

// FormatRange renders the "min:max" form stored on testcases.
func FormatRange(min, max int) string {
	return fmt.Sprintf("%d:%d", min, max)
}

// ParseRange parses a "min:max" range back into its bounds.
func ParseRange(s string) (min, max int, err error) {
	minStr, maxStr, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("malformed revision range: %q", s)
	}
	if min, err = strconv.Atoi(minStr); err != nil {
		return 0, 0, fmt.Errorf("malformed revision range: %q", s)
	}
	if max, err = strconv.Atoi(maxStr); err != nil {
		return 0, 0, fmt.Errorf("malformed revision range: %q", s)
	}
	return min, max, nil
}
