// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// gcsBackend is used by deployments that keep their buckets on Google Cloud
// Storage instead of a self-hosted MinIO.
type gcsBackend struct {
	client *gcs.Client
}

func makeGCSBackend(ctx context.Context) (*gcsBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &gcsBackend{client: client}, nil
}

func (be *gcsBackend) object(path string) *gcs.ObjectHandle {
	bucket, key := SplitPath(path)
	return be.client.Bucket(bucket).Object(key)
}

func (be *gcsBackend) upload(ctx context.Context, req *uploadRequest) error {
	w := be.object(req.path).NewWriter(ctx)
	if req.contentType != "" {
		w.ContentType = req.contentType
	}
	if len(req.metadata) > 0 {
		w.Metadata = req.metadata
	}
	if _, err := io.Copy(w, req.reader); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (be *gcsBackend) read(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := be.object(path).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrObjectDoesNotExist
	}
	return reader, err
}

func (be *gcsBackend) stat(ctx context.Context, path string) (*Attrs, error) {
	attrs, err := be.object(path).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrObjectDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	return &Attrs{
		Size:      attrs.Size,
		UpdatedAt: attrs.Updated,
		Metadata:  attrs.Metadata,
	}, nil
}

func (be *gcsBackend) list(ctx context.Context, prefix string) ([]Object, error) {
	bucket, keyPrefix := SplitPath(prefix)
	iter := be.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: keyPrefix})
	var ret []Object
	for {
		attrs, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, Object{
			Path:      bucket + "/" + attrs.Name,
			Size:      attrs.Size,
			UpdatedAt: attrs.Updated,
		})
	}
	return ret, nil
}

func (be *gcsBackend) remove(ctx context.Context, path string) error {
	err := be.object(path).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrObjectDoesNotExist
	}
	return err
}
