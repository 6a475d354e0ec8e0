// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipRoundtrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "unit1"), []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "unit2"), []byte("bbb"), 0644))

	archiveFile := filepath.Join(t.TempDir(), "corpus.zip")
	require.NoError(t, CreateZip(src, archiveFile))

	names, err := ListFiles(archiveFile)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"unit1", "sub/unit2"}, names)

	dest := t.TempDir()
	extracted, err := Unpack(archiveFile, dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"unit1", "sub/unit2"}, extracted)
	data, err := os.ReadFile(filepath.Join(dest, "sub", "unit2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bbb"), data)
}

func TestUnpackRejectsEscapes(t *testing.T) {
	archiveFile := filepath.Join(t.TempDir(), "evil.zip")
	out, err := os.Create(archiveFile)
	require.NoError(t, err)
	writer := zip.NewWriter(out)
	entry, err := writer.Create("../escape")
	require.NoError(t, err)
	_, err = entry.Write([]byte("boom"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, out.Close())

	_, err = Unpack(archiveFile, t.TempDir())
	assert.Error(t, err)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("fuzzer.zip"))
	assert.True(t, Supported("build.tar.xz"))
	assert.True(t, Supported("bundle.tgz"))
	assert.False(t, Supported("testcase.html"))
	assert.False(t, Supported("binary"))
}

func TestUnknownFormat(t *testing.T) {
	_, err := Unpack("/nonexistent/file.rar", t.TempDir())
	assert.Error(t, err)
}

func TestZipFiles(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "resources"), 0755))
	main := filepath.Join(base, "crash.html")
	dep := filepath.Join(base, "resources", "data.bin")
	require.NoError(t, os.WriteFile(main, []byte("<html>"), 0644))
	require.NoError(t, os.WriteFile(dep, []byte{1, 2, 3}, 0644))

	dest := filepath.Join(t.TempDir(), "crash.zip")
	require.NoError(t, ZipFiles(base, []string{main, dep}, dest))

	names, err := ListFiles(dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"crash.html", "resources/data.bin"}, names)

	outside := filepath.Join(t.TempDir(), "other")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	assert.Error(t, ZipFiles(base, []string{outside}, filepath.Join(t.TempDir(), "bad.zip")))
}
