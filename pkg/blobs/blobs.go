// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package blobs stores arbitrary files (testcases, archives) under
// uuid-keyed objects in the blobs bucket.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

// FilenameMetadataKey preserves the original file name of a blob.
const FilenameMetadataKey = "filename"

var keyRe = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

var ErrInvalidKey = errors.New("invalid blob key")

// ErrKeyCollision is practically unreachable with uuid4 keys; a hit means
// the key generator is broken and overwriting would destroy data.
var ErrKeyCollision = errors.New("blob key collision")

type Store struct {
	client *storage.Client
	bucket string
}

func NewStore(client *storage.Client, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
	}
}

// ValidKey reports whether the string is a legal blob key.
func ValidKey(key string) bool {
	return keyRe.MatchString(key)
}

func (s *Store) path(key string) string {
	return s.bucket + "/" + key
}

// Write stores data under a fresh key and returns it.
func (s *Store) Write(ctx context.Context, data []byte, filename string) (string, error) {
	key := strings.ToLower(uuid.NewString())
	exists, err := s.client.Exists(ctx, s.path(key))
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrKeyCollision
	}
	metadata := map[string]string{}
	if filename != "" {
		metadata[FilenameMetadataKey] = filepath.Base(filename)
	}
	if err := s.client.WriteDataWithMetadata(ctx, s.path(key), data, metadata); err != nil {
		return "", err
	}
	return key, nil
}

// WriteFile stores a local file as a blob, keeping its base name as metadata.
func (s *Store) WriteFile(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return s.Write(ctx, data, localPath)
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return s.client.ReadData(ctx, s.path(key))
}

// ReadToDisk downloads a blob, creating parent directories as needed.
func (s *Store) ReadToDisk(ctx context.Context, key, localPath string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return s.client.ReadToFile(ctx, s.path(key), localPath)
}

// Filename returns the original file name recorded at write time, or "".
func (s *Store) Filename(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	attrs, err := s.client.Stat(ctx, s.path(key))
	if err != nil {
		return "", err
	}
	return attrs.Metadata[FilenameMetadataKey], nil
}

func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	if !ValidKey(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	attrs, err := s.client.Stat(ctx, s.path(key))
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return s.client.Remove(ctx, s.path(key))
}
