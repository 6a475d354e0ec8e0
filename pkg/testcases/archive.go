// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testcases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pingu-fuzz/pingu-bot/pkg/archive"
	"github.com/pingu-fuzz/pingu-bot/pkg/blobs"
	"github.com/pingu-fuzz/pingu-bot/pkg/environ"
)

// ArchivedTestcase records how a testcase was stored in the blob store.
// The fields map directly onto the testcase entity.
type ArchivedTestcase struct {
	Key      string
	Archived bool
	// AbsolutePath is the file to run. For archived testcases it is
	// relative to the archive root.
	AbsolutePath    string
	ArchiveFilename string
}

// ArchiveTestcase stores the testcase and its resource dependencies in
// the blob store. A testcase without dependencies is stored as a plain
// blob; with dependencies everything is collapsed into a zip rooted at
// the files' common base directory.
func ArchiveTestcase(ctx context.Context, store *blobs.Store, env *environ.Env,
	testcasePath string, resources []string) (*ArchivedTestcase, error) {
	if _, err := os.Stat(testcasePath); err != nil {
		return nil, fmt.Errorf("testcase %s is gone: %w", testcasePath, err)
	}
	files := filterFiles(append([]string{testcasePath}, resources...))
	if len(files) <= 1 {
		key, err := store.WriteFile(ctx, testcasePath)
		if err != nil {
			return nil, err
		}
		return &ArchivedTestcase{Key: key, AbsolutePath: testcasePath}, nil
	}

	base := commonBaseDir(files)
	zipName := strings.TrimSuffix(filepath.Base(testcasePath),
		filepath.Ext(testcasePath)) + testcaseArchiveExtension
	if err := os.MkdirAll(env.InputsDir(), 0755); err != nil {
		return nil, err
	}
	zipPath := filepath.Join(env.InputsDir(), zipName)
	if err := archive.ZipFiles(base, files, zipPath); err != nil {
		return nil, fmt.Errorf("failed to archive testcase %s: %w", testcasePath, err)
	}
	key, err := store.WriteFile(ctx, zipPath)
	os.Remove(zipPath)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(testcasePath, base)
	rel = strings.TrimPrefix(rel, string(os.PathSeparator))
	return &ArchivedTestcase{
		Key:             key,
		Archived:        true,
		AbsolutePath:    rel,
		ArchiveFilename: zipName,
	}, nil
}

// filterFiles drops duplicates, directories and files that do not exist.
func filterFiles(paths []string) []string {
	seen := map[string]bool{}
	var files []string
	for _, path := range paths {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	return files
}

// commonBaseDir returns the longest shared path prefix, compared by
// path component.
func commonBaseDir(paths []string) string {
	sep := string(os.PathSeparator)
	base := strings.Split(paths[0], sep)
	for _, path := range paths[1:] {
		parts := strings.Split(path, sep)
		limit := len(base)
		if len(parts) < limit {
			limit = len(parts)
		}
		shared := 0
		for shared < limit && base[shared] == parts[shared] {
			shared++
		}
		base = base[:shared]
	}
	dir := strings.Join(base, sep)
	if dir == "" {
		dir = sep
	}
	return dir
}
