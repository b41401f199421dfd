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

// Package blob abstracts the byte-blob artifact store. Keys are
// forward-slash paths. List consistency is not guaranteed; callers must
// tolerate short read-your-writes lag after Put.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: key not found")

// Entry describes one stored object.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Entries    []Entry
	NextCursor string
	Truncated  bool
}

// Store is the artifact store contract (C3).
type Store interface {
	// Put writes the full contents of r under key.
	Put(ctx context.Context, key string, r io.Reader, contentType string) error

	// Get opens a streaming read of key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetSize returns the object size in bytes.
	GetSize(ctx context.Context, key string) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns up to maxKeys entries under prefix, resuming from cursor.
	List(ctx context.Context, prefix, cursor string, maxKeys int) (ListResult, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMany removes all given keys, continuing past individual misses.
	DeleteMany(ctx context.Context, keys []string) error

	// PresignPut returns a URL that accepts an upload of key for ttl.
	PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, error)

	// PresignGet returns a URL that serves key for ttl.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Copy duplicates src to dst within the store.
	Copy(ctx context.Context, src, dst string) error
}
