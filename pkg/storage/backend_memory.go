// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type objectUploadCallback func(path string, data []byte) error
type objectRemoveCallback func(path string) error

type testObject struct {
	data      []byte
	updatedAt time.Time
	metadata  map[string]string
}

// TestBackend is an in-memory Backend for tests.
type TestBackend struct {
	mu sync.Mutex
	// currentTime advances by a tick on every write so that freshness
	// logic is observable without sleeping.
	currentTime time.Time
	objects     map[string]*testObject

	ObjectUpload objectUploadCallback
	ObjectRemove objectRemoveCallback
}

func MakeTestBackend() *TestBackend {
	return &TestBackend{
		currentTime: time.Now(),
		objects:     make(map[string]*testObject),
	}
}

func (be *TestBackend) upload(ctx context.Context, req *uploadRequest) error {
	data, err := io.ReadAll(req.reader)
	if err != nil {
		return err
	}
	if be.ObjectUpload != nil {
		if err := be.ObjectUpload(req.path, data); err != nil {
			return err
		}
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	be.currentTime = be.currentTime.Add(time.Second)
	var metadata map[string]string
	if len(req.metadata) > 0 {
		metadata = map[string]string{}
		for k, v := range req.metadata {
			metadata[k] = v
		}
	}
	be.objects[req.path] = &testObject{
		data:      data,
		updatedAt: be.currentTime,
		metadata:  metadata,
	}
	return nil
}

func (be *TestBackend) read(ctx context.Context, path string) (io.ReadCloser, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	obj, ok := be.objects[path]
	if !ok {
		return nil, ErrObjectDoesNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (be *TestBackend) stat(ctx context.Context, path string) (*Attrs, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	obj, ok := be.objects[path]
	if !ok {
		return nil, ErrObjectDoesNotExist
	}
	return &Attrs{
		Size:      int64(len(obj.data)),
		UpdatedAt: obj.updatedAt,
		Metadata:  obj.metadata,
	}, nil
}

func (be *TestBackend) list(ctx context.Context, prefix string) ([]Object, error) {
	be.mu.Lock()
	defer be.mu.Unlock()
	var ret []Object
	for path, obj := range be.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		ret = append(ret, Object{
			Path:      path,
			Size:      int64(len(obj.data)),
			UpdatedAt: obj.updatedAt,
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}

func (be *TestBackend) remove(ctx context.Context, path string) error {
	if be.ObjectRemove != nil {
		if err := be.ObjectRemove(path); err != nil {
			return err
		}
	}
	be.mu.Lock()
	defer be.mu.Unlock()
	if _, ok := be.objects[path]; !ok {
		return ErrObjectDoesNotExist
	}
	delete(be.objects, path)
	return nil
}

// Object returns a stored object's bytes, or nil.
func (be *TestBackend) Object(path string) []byte {
	be.mu.Lock()
	defer be.mu.Unlock()
	obj, ok := be.objects[path]
	if !ok {
		return nil
	}
	return obj.data
}

// Paths lists every stored path, sorted.
func (be *TestBackend) Paths() []string {
	be.mu.Lock()
	defer be.mu.Unlock()
	var ret []string
	for path := range be.objects {
		ret = append(ret, path)
	}
	sort.Strings(ret)
	return ret
}

// SetUpdatedAt backdates an object, used to test freshness logic.
func (be *TestBackend) SetUpdatedAt(path string, at time.Time) {
	be.mu.Lock()
	defer be.mu.Unlock()
	if obj, ok := be.objects[path]; ok {
		obj.updatedAt = at
	}
}
