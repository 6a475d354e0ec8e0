// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package archive unpacks and creates the archive formats used across the
// system: fuzzer bundles, build archives, corpus backups and multi-file
// testcases.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// Supported reports whether the file name looks like an archive that
// Unpack can handle.
func Supported(name string) bool {
	switch {
	case strings.HasSuffix(name, ".zip"),
		strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.xz"):
		return true
	}
	return false
}

// Unpack extracts the archive into dir and returns the list of extracted
// files, relative to dir.
func Unpack(path, dir string) ([]string, error) {
	switch {
	case strings.HasSuffix(path, ".zip"):
		return unpackZip(path, dir)
	case strings.HasSuffix(path, ".tar"),
		strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"),
		strings.HasSuffix(path, ".tar.xz"):
		return unpackTar(path, dir)
	}
	return nil, fmt.Errorf("unknown archive format: %s", filepath.Base(path))
}

// ListFiles returns the file names inside the archive without extracting.
func ListFiles(path string) ([]string, error) {
	if strings.HasSuffix(path, ".zip") {
		reader, err := zip.OpenReader(path)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		var names []string
		for _, file := range reader.File {
			if file.FileInfo().IsDir() {
				continue
			}
			names = append(names, file.Name)
		}
		return names, nil
	}
	reader, closeAll, err := tarReader(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	var names []string
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

func unpackZip(path, dir string) ([]string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open the archive: %w", err)
	}
	defer reader.Close()
	var names []string
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		dest, err := safeJoin(dir, file.Name)
		if err != nil {
			return nil, err
		}
		src, err := file.Open()
		if err != nil {
			return nil, err
		}
		err = writeFile(dest, src, file.Mode())
		src.Close()
		if err != nil {
			return nil, err
		}
		names = append(names, file.Name)
	}
	return names, nil
}

func tarReader(path string) (*tar.Reader, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open the archive: %w", err)
	}
	var reader io.Reader = file
	closeAll := func() { file.Close() }
	switch {
	case strings.HasSuffix(path, ".gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		reader = gz
		closeAll = func() {
			gz.Close()
			file.Close()
		}
	case strings.HasSuffix(path, ".xz"):
		xzReader, err := xz.NewReader(file)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		reader = xzReader
	}
	return tar.NewReader(reader), closeAll, nil
}

func unpackTar(path, dir string) ([]string, error) {
	reader, closeAll, err := tarReader(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	var names []string
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return nil, err
		}
		if err := writeFile(dest, reader, os.FileMode(hdr.Mode)); err != nil {
			return nil, err
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}

// safeJoin rejects entries that escape the destination directory.
func safeJoin(dir, name string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(name))
	if dest != dir && !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes the destination directory: %q", name)
	}
	return dest, nil
}

func writeFile(dest string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if mode&0111 == 0 {
		mode = 0644
	} else {
		mode = 0755
	}
	file, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, src); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// CreateZip archives the files under dir into a zip file at dest.
// Paths inside the archive are relative to dir.
func CreateZip(dir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	writer := zip.NewWriter(out)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(entry, file)
		return err
	})
	if err != nil {
		writer.Close()
		out.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ZipFiles archives the given files into a zip at dest. Entry names are
// the file paths with the base prefix stripped; every file must live
// under base.
func ZipFiles(base string, files []string, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	writer := zip.NewWriter(out)
	for _, path := range files {
		rel, err := filepath.Rel(base, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			writer.Close()
			out.Close()
			return fmt.Errorf("file %s is outside of %s", path, base)
		}
		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			writer.Close()
			out.Close()
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			writer.Close()
			out.Close()
			return err
		}
		_, err = io.Copy(entry, file)
		file.Close()
		if err != nil {
			writer.Close()
			out.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
