// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Key deduplicates crashes across testcases.
type Key struct {
	Type     string
	State    string
	Security bool
}

func (k Key) String() string {
	return fmt.Sprintf("%s,%s,%v", k.Type, k.State, k.Security)
}

func (k Key) less(other Key) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	if k.State != other.State {
		return k.State < other.State
	}
	return !k.Security && other.Security
}

// Candidate is one observed crash before testcase creation.
type Candidate struct {
	FilePath   string
	CrashTime  time.Duration
	ReturnCode int
	Gestures   []string
	Arguments  []string
	Resources  []string
	Stacktrace string
	Strategies []string

	// Set by the archive callback in FindMain.
	FuzzedKey       string
	Archived        bool
	AbsolutePath    string
	ArchiveFilename string

	info       *Info
	ignored    bool
	archiveErr error
}

// Evaluate runs the analyzer and ignore rules over the stacktrace. Must
// be called before Key or Err.
func (c *Candidate) Evaluate(rules *IgnoreRules) {
	c.info = Analyze(c.Stacktrace)
	c.ignored = rules.Ignore(c.Stacktrace)
}

func (c *Candidate) Info() *Info {
	return c.info
}

func (c *Candidate) Key() Key {
	if c.info == nil {
		return Key{}
	}
	return Key{Type: c.info.Type, State: c.info.State, Security: c.info.Security}
}

var errEmptyCrash = errors.New("empty crash state or type")

// Err returns the reason the candidate cannot become a testcase, nil
// when it can.
func (c *Candidate) Err(filterFunctional bool) error {
	if c.info == nil {
		return errEmptyCrash
	}
	if filterFunctional && !c.info.Security {
		return fmt.Errorf("functional crash is ignored: %s", c.info.State)
	}
	if c.ignored {
		return fmt.Errorf("false crash: %s", c.info.State)
	}
	if c.archiveErr != nil {
		return fmt.Errorf("unable to store testcase in blob storage: %w", c.archiveErr)
	}
	if c.info.State == "" || c.info.Type == "" {
		return errEmptyCrash
	}
	return nil
}

// Group holds identical crashes, keyed by (type, state, security).
type Group struct {
	Key        Key
	Candidates []*Candidate
	Main       *Candidate
	// OneTime is set when no candidate in the group reproduced.
	OneTime bool
}

// GroupCandidates sorts candidates by key and splits equal-key runs
// into groups. Main crash selection is left to FindMain.
func GroupCandidates(candidates []*Candidate) []*Group {
	sorted := append([]*Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key().less(sorted[j].Key())
	})
	var groups []*Group
	for _, c := range sorted {
		if len(groups) > 0 && groups[len(groups)-1].Key == c.Key() {
			last := groups[len(groups)-1]
			last.Candidates = append(last.Candidates, c)
			continue
		}
		groups = append(groups, &Group{Key: c.Key(), Candidates: []*Candidate{c}})
	}
	return groups
}

// ArchiveFunc stores the candidate's testcase and dependencies ahead of
// testcase creation. It is expensive, so FindMain defers it until a
// candidate is actually considered.
type ArchiveFunc func(c *Candidate) error

// ReproduceFunc reruns a candidate and reports whether the same crash
// recurs.
type ReproduceFunc func(c *Candidate) bool

// FindMain picks the group's main crash: the first candidate that
// reproduces, else the first valid one with OneTime set. Returns false
// when no candidate is valid.
func (g *Group) FindMain(filterFunctional bool, archive ArchiveFunc, reproduces ReproduceFunc) bool {
	for _, c := range g.Candidates {
		if archive != nil && c.archiveErr == nil && c.FuzzedKey == "" {
			c.archiveErr = archive(c)
		}
		if c.Err(filterFunctional) != nil {
			continue
		}
		if reproduces(c) {
			g.Main, g.OneTime = c, false
			return true
		}
	}
	for _, c := range g.Candidates {
		if c.Err(filterFunctional) == nil {
			g.Main, g.OneTime = c, true
			return true
		}
	}
	return false
}

// ShouldCreate applies the dedup policy against an existing testcase
// with the same key. A flaky existing testcase yields to a reproducible
// newcomer.
func ShouldCreate(exists, existingOneTime, currentOneTime bool) bool {
	if !exists {
		return true
	}
	if !existingOneTime {
		return false
	}
	return !currentOneTime
}

// StateDiff renders a line diff between two crash states.
func StateDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	src, dst, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(src, dst, false), lines)
	var sb strings.Builder
	for _, diff := range diffs {
		prefix := "  "
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		text := strings.TrimSuffix(diff.Text, "\n")
		if text == "" {
			continue
		}
		for _, line := range strings.Split(text, "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// SimilarStates reports whether two states likely describe the same
// bug: equal, or sharing at least two frames.
func SimilarStates(a, b string) bool {
	if a == b {
		return true
	}
	seen := make(map[string]bool)
	for _, frame := range strings.Split(strings.TrimSuffix(a, "\n"), "\n") {
		seen[frame] = true
	}
	shared := 0
	for _, frame := range strings.Split(strings.TrimSuffix(b, "\n"), "\n") {
		if seen[frame] {
			shared++
		}
	}
	return shared >= 2
}
