// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testcases

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

// LeakFunction returns the function a leak is attributed to, the top
// frame of the crash state. It is what gets suppressed once the leak is
// tracked as its own bug.
func LeakFunction(state string) string {
	fn, _, _ := strings.Cut(state, "\n")
	return fn
}

// WriteLSanSuppressions renders the known leak functions into an LSan
// suppressions file and points LSAN_OPTIONS at it. The function the
// current testcase leaks through is excluded so its own report still
// fires.
func WriteLSanSuppressions(env *environ.Env, functions []string, exclude string) (string, error) {
	dir := filepath.Join(env.CacheDir(), "lsan")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "suppressions.txt")
	var sb strings.Builder
	for _, fn := range functions {
		if fn == "" || fn == exclude {
			continue
		}
		fmt.Fprintf(&sb, "leak:%s\n", fn)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return "", err
	}
	env.UpdateMemoryToolOptions("LSAN_OPTIONS", environ.SanitizerOptions{
		"suppressions": path,
	})
	return path, nil
}
