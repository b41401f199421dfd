// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments without an object store.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Put writes the full contents of r under key.
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{data: data, contentType: contentType, lastModified: time.Now()}
	return nil
}

// Get opens a read of key.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetSize returns the object size.
func (s *MemoryStore) GetSize(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(obj.data)), nil
}

// Exists reports whether key is present.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// List returns up to maxKeys entries under prefix in key order.
func (s *MemoryStore) List(ctx context.Context, prefix, cursor string, maxKeys int) (ListResult, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)

	var result ListResult
	for _, k := range keys {
		if len(result.Entries) == maxKeys {
			result.Truncated = true
			result.NextCursor = result.Entries[len(result.Entries)-1].Key
			break
		}
		s.mu.RLock()
		obj := s.objects[k]
		s.mu.RUnlock()
		result.Entries = append(result.Entries, Entry{
			Key:          k,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}
	return result, nil
}

// Delete removes key. Missing keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// DeleteMany removes all given keys.
func (s *MemoryStore) DeleteMany(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

// PresignPut returns a synthetic URL. Memory presigns are only useful in
// tests; nothing serves them.
func (s *MemoryStore) PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, error) {
	return fmt.Sprintf("memory://put/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

// PresignGet returns a synthetic URL.
func (s *MemoryStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory://get/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

// Copy duplicates src to dst.
func (s *MemoryStore) Copy(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[src]
	if !ok {
		return ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	s.objects[dst] = memoryObject{data: cp, contentType: obj.contentType, lastModified: time.Now()}
	return nil
}

var _ Store = (*MemoryStore)(nil)
