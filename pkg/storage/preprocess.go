// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/ulikunitz/xz"
)

// Preprocessors compress uploads whose destination name asks for it:
// ".gz" objects are gzipped and ".xz" objects xz-compressed before they
// reach the backend. Callers always hand over plain bytes; whoever
// downloads the object is expected to know its format from the name.
type preprocessor struct {
	suffix string
	do     func(req *uploadRequest, next func(*uploadRequest) error) error
}

var preprocessors = []preprocessor{
	{suffix: ".gz", do: preprocessGzip},
	{suffix: ".xz", do: preprocessXz},
}

func preprocess(req *uploadRequest, next func(*uploadRequest) error) error {
	for _, p := range preprocessors {
		if strings.HasSuffix(req.path, p.suffix) {
			return p.do(req, next)
		}
	}
	return next(req)
}

const gzipCompressionLevel = 4

func preprocessGzip(req *uploadRequest, next func(*uploadRequest) error) error {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, gzipCompressionLevel)
	if err != nil {
		return fmt.Errorf("gzip preprocess: %w", err)
	}
	if _, err := io.Copy(writer, req.reader); err != nil {
		return fmt.Errorf("gzip preprocess: failed to compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("gzip preprocess: failed to flush: %w", err)
	}
	compressed := *req
	compressed.reader = &buf
	return next(&compressed)
}

func preprocessXz(req *uploadRequest, next func(*uploadRequest) error) error {
	var buf bytes.Buffer
	writer, err := xz.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("xz preprocess: %w", err)
	}
	if _, err := io.Copy(writer, req.reader); err != nil {
		return fmt.Errorf("xz preprocess: failed to compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("xz preprocess: failed to flush: %w", err)
	}
	compressed := *req
	compressed.reader = &buf
	return next(&compressed)
}
