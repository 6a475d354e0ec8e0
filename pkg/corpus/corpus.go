// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus syncs fuzz target corpora between the object store and
// the local disk.
package corpus

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pingu-fuzz/pingu-bot/pkg/logs"
	"github.com/pingu-fuzz/pingu-bot/pkg/storage"
)

type Kind string

const (
	Corpus     Kind = "corpus"
	Quarantine Kind = "quarantine"
	Shared     Kind = "shared"
)

// Per-session cap on new units uploaded back to the corpus.
const MaxNewFiles = 500

// Units larger than this are never uploaded; they slow every future merge.
const InputSizeLimit = 5 << 20

// Corpora hold tens of thousands of small units; transfers run this many
// objects at a time.
const transferWorkers = 16

// Corpora younger than this are not re-downloaded.
const FreshnessThreshold = 30 * time.Minute

// The regression units subdirectory. Kept out of syncs unless explicitly
// included: only corpus pruning wants the old crashers.
const regressionsDir = "regressions"

// Storage binds one fuzz target and kind to a prefix in the corpus bucket.
type Storage struct {
	client *storage.Client
	bucket string
	kind   Kind
	target string
	logger zerolog.Logger

	// IncludeRegressions also syncs the regressions subdirectory.
	IncludeRegressions bool
}

func NewStorage(client *storage.Client, bucket string, kind Kind, target string,
	logger zerolog.Logger) *Storage {
	return &Storage{
		client: client,
		bucket: bucket,
		kind:   kind,
		target: target,
		logger: logs.Component(logger, "corpus"),
	}
}

func (s *Storage) prefix() string {
	return fmt.Sprintf("/%s/%s/%s/", s.bucket, s.kind, s.target)
}

// Location is the remote prefix the corpus lives under.
func (s *Storage) Location() string {
	return s.prefix()
}

func (s *Storage) skip(key string) bool {
	return !s.IncludeRegressions && strings.HasPrefix(key, regressionsDir+"/")
}

// RsyncToDisk replaces the contents of dir with the remote corpus.
func (s *Storage) RsyncToDisk(ctx context.Context, dir string) error {
	keys, err := s.client.ListKeys(ctx, s.prefix())
	if err != nil {
		return fmt.Errorf("failed to list the remote corpus: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	count := 0
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(transferWorkers)
	for _, key := range keys {
		key := key
		if s.skip(key) {
			continue
		}
		count++
		group.Go(func() error {
			local := filepath.Join(dir, filepath.FromSlash(key))
			if err := s.client.ReadToFile(gctx, s.prefix()+key, local); err != nil {
				return fmt.Errorf("failed to download corpus unit %q: %w", key, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	s.logger.Info().Str("target", s.target).Str("kind", string(s.kind)).
		Int("units", count).Msg("synced corpus to disk")
	return nil
}

// RsyncFromDisk uploads the local corpus and removes remote units that no
// longer exist locally.
func (s *Storage) RsyncFromDisk(ctx context.Context, dir string) error {
	local := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		local[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk the local corpus: %w", err)
	}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(transferWorkers)
	for key, path := range local {
		key, path := key, path
		if s.skip(key) {
			continue
		}
		group.Go(func() error {
			if err := s.client.WriteFile(gctx, path, s.prefix()+key); err != nil {
				return fmt.Errorf("failed to upload corpus unit %q: %w", key, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	remote, err := s.client.ListKeys(ctx, s.prefix())
	if err != nil {
		return fmt.Errorf("failed to list the remote corpus: %w", err)
	}
	removed := 0
	for _, key := range remote {
		if s.skip(key) {
			continue
		}
		if _, ok := local[key]; ok {
			continue
		}
		if err := s.client.Remove(ctx, s.prefix()+key); err != nil {
			return err
		}
		removed++
	}
	s.logger.Info().Str("target", s.target).Str("kind", string(s.kind)).
		Int("units", len(local)).Int("removed", removed).Msg("synced corpus to storage")
	return nil
}

// UploadFiles uploads the given units under their base names.
func (s *Storage) UploadFiles(ctx context.Context, paths []string) (int, error) {
	uploaded := 0
	for _, path := range paths {
		key := s.prefix() + filepath.Base(path)
		if err := s.client.WriteFile(ctx, path, key); err != nil {
			return uploaded, fmt.Errorf("failed to upload corpus unit %q: %w", path, err)
		}
		uploaded++
	}
	return uploaded, nil
}

// UploadRegression stores a fixed crasher in the regressions
// subdirectory, keyed by content hash. Corpus pruning replays these
// units so an old bug coming back is caught right away.
func (s *Storage) UploadRegression(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s/%x", s.prefix(), regressionsDir, sha1.Sum(data))
	return s.client.WriteData(ctx, key, data)
}

// CountRemote returns the number of remote units.
func (s *Storage) CountRemote(ctx context.Context) (int, error) {
	keys, err := s.client.ListKeys(ctx, s.prefix())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if !s.skip(key) {
			count++
		}
	}
	return count, nil
}

// RemoveRemote deletes a single remote unit by key.
func (s *Storage) RemoveRemote(ctx context.Context, key string) error {
	return s.client.Remove(ctx, s.prefix()+key)
}

// ListRemote returns the remote unit objects with their sizes.
func (s *Storage) ListRemote(ctx context.Context) ([]storage.Object, error) {
	objects, err := s.client.List(ctx, s.prefix())
	if err != nil {
		return nil, err
	}
	var ret []storage.Object
	for _, obj := range objects {
		key := strings.TrimPrefix("/"+obj.Path, s.prefix())
		if s.skip(key) {
			continue
		}
		ret = append(ret, obj)
	}
	return ret, nil
}
