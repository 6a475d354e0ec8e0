// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package storage wraps the object storage that holds blobs, corpora,
// builds, stats and logs. Paths have the shape "bucket/key...".
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Object struct {
	// Path is "bucket/key".
	Path      string
	Size      int64
	UpdatedAt time.Time
}

type Attrs struct {
	Size      int64
	UpdatedAt time.Time
	Metadata  map[string]string
}

type uploadRequest struct {
	path        string
	reader      io.Reader
	contentType string
	metadata    map[string]string
}

type Backend interface {
	upload(ctx context.Context, req *uploadRequest) error
	read(ctx context.Context, path string) (io.ReadCloser, error)
	stat(ctx context.Context, path string) (*Attrs, error)
	list(ctx context.Context, prefix string) ([]Object, error)
	remove(ctx context.Context, path string) error
}

var ErrObjectDoesNotExist = errors.New("the object does not exist")

type Client struct {
	backend Backend
	// host is used to render public download URLs.
	host   string
	logger zerolog.Logger
}

// FromHost builds a client for the configured storage host.
// "gs://" selects Google Cloud Storage, "test://" an in-memory backend,
// anything else is treated as an S3/MinIO endpoint.
func FromHost(ctx context.Context, host, accessKey, secretKey string,
	logger zerolog.Logger) (*Client, error) {
	switch {
	case host == "":
		return nil, fmt.Errorf("storage host is not configured")
	case strings.HasPrefix(host, "gs://"):
		backend, err := makeGCSBackend(ctx)
		if err != nil {
			return nil, fmt.Errorf("the call to makeGCSBackend failed: %w", err)
		}
		return NewClient(backend, strings.TrimPrefix(host, "gs://"), logger), nil
	case strings.HasPrefix(host, "test://"):
		return NewClient(MakeTestBackend(), strings.TrimPrefix(host, "test://"), logger), nil
	default:
		backend, err := makeS3Backend(ctx, host, accessKey, secretKey)
		if err != nil {
			return nil, fmt.Errorf("the call to makeS3Backend failed: %w", err)
		}
		return NewClient(backend, host, logger), nil
	}
}

func NewClient(backend Backend, host string, logger zerolog.Logger) *Client {
	return &Client{
		backend: backend,
		host:    host,
		logger:  logger,
	}
}

// SplitPath splits "bucket/key" into its components.
func SplitPath(path string) (bucket, key string) {
	path = strings.TrimPrefix(path, "/")
	bucket, key, _ = strings.Cut(path, "/")
	return
}

func normalize(path string) string {
	return strings.TrimPrefix(path, "/")
}

// PublicURL renders the download URL of an object.
func (c *Client) PublicURL(path string) string {
	return "http://" + c.host + "/" + normalize(path)
}

// upload runs every write through the preprocessor chain before it
// reaches the backend.
func (c *Client) upload(ctx context.Context, req *uploadRequest) error {
	return preprocess(req, func(req *uploadRequest) error {
		return c.backend.upload(ctx, req)
	})
}

func (c *Client) WriteData(ctx context.Context, path string, data []byte) error {
	return c.upload(ctx, &uploadRequest{
		path:   normalize(path),
		reader: bytes.NewReader(data),
	})
}

func (c *Client) WriteDataWithMetadata(ctx context.Context, path string, data []byte,
	metadata map[string]string) error {
	return c.upload(ctx, &uploadRequest{
		path:     normalize(path),
		reader:   bytes.NewReader(data),
		metadata: metadata,
	})
}

func (c *Client) WriteFile(ctx context.Context, localPath, remotePath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the source file: %w", err)
	}
	defer file.Close()
	return c.upload(ctx, &uploadRequest{
		path:   normalize(remotePath),
		reader: file,
	})
}

func (c *Client) ReadData(ctx context.Context, path string) ([]byte, error) {
	reader, err := c.backend.read(ctx, normalize(path))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (c *Client) Reader(ctx context.Context, path string) (io.ReadCloser, error) {
	return c.backend.read(ctx, normalize(path))
}

// ReadToFile downloads an object, creating parent directories as needed.
func (c *Client) ReadToFile(ctx context.Context, remotePath, localPath string) error {
	reader, err := c.backend.read(ctx, normalize(remotePath))
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	file, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return file.Close()
}

func (c *Client) Stat(ctx context.Context, path string) (*Attrs, error) {
	return c.backend.stat(ctx, normalize(path))
}

func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.backend.stat(ctx, normalize(path))
	if errors.Is(err, ErrObjectDoesNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	return c.backend.list(ctx, normalize(prefix))
}

// ListKeys returns object keys relative to the prefix.
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalize(prefix)
	objects, err := c.backend.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(obj.Path, prefix), "/"))
	}
	return keys, nil
}

func (c *Client) Remove(ctx context.Context, path string) error {
	return c.backend.remove(ctx, normalize(path))
}

// RemovePrefix deletes every object under the prefix. Missing objects are
// tolerated: several bots might prune the same corpus directories.
func (c *Client) RemovePrefix(ctx context.Context, prefix string) error {
	objects, err := c.backend.list(ctx, normalize(prefix))
	if err != nil {
		return err
	}
	for _, obj := range objects {
		err := c.backend.remove(ctx, obj.Path)
		if err != nil && !errors.Is(err, ErrObjectDoesNotExist) {
			return fmt.Errorf("object deletion failure: %w", err)
		}
	}
	return nil
}
