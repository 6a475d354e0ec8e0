// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package engine

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Binaries linked against a fuzzing engine embed this symbol.
var fuzzTargetSearchBytes = []byte("LLVMFuzzerTestOneInput")

var validTargetNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
var blockedTargetNameRe = regexp.MustCompile(`^jazzer_driver`)

// IsFuzzTarget reports whether the file looks like an engine fuzz target.
// Names ending in _fuzzer are trusted without opening the binary.
func IsFuzzTarget(path string) bool {
	name := filepath.Base(path)
	if !validTargetNameRe.MatchString(name) || blockedTargetNameRe.MatchString(name) {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if filepath.Ext(name) != "" {
		return false
	}
	if strings.HasSuffix(name, "_fuzzer") {
		return true
	}
	return containsBytes(path, fuzzTargetSearchBytes)
}

// FindFuzzTargets walks an unpacked build and returns the fuzz target
// binaries inside it.
func FindFuzzTargets(dir string) ([]string, error) {
	var targets []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if IsFuzzTarget(path) {
			targets = append(targets, path)
		}
		return nil
	})
	return targets, err
}

func containsBytes(path string, needle []byte) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()
	// Chunks overlap by the needle length so a match on a boundary is
	// still found.
	buf := make([]byte, 1<<20)
	keep := 0
	for {
		n, err := file.Read(buf[keep:])
		if n > 0 {
			if bytes.Contains(buf[:keep+n], needle) {
				return true
			}
			keep = copy(buf, tailBytes(buf[:keep+n], len(needle)-1))
		}
		if err == io.EOF || err != nil {
			return false
		}
	}
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
