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

// Package artifact manages project trees in the object store: bounded
// archive ingest, immutable version snapshots, streaming version reads,
// and per-worker distribution tracking.
//
// Archive safety checks run before any byte is written: a rejected upload
// leaves the draft prefix untouched.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/dispatch/internal/backend"
	"github.com/tombee/dispatch/internal/blob"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Rejection reason categories for archive ingest.
const (
	ReasonOversize          = "oversize"
	ReasonTooManyFiles      = "too-many-files"
	ReasonIllegalPath       = "illegal-path"
	ReasonSymlinkPresent    = "symlink-present"
	ReasonUnsupportedFormat = "unsupported-format"
)

// ManifestFile describes one file in a version snapshot.
type ManifestFile struct {
	Path  string    `json:"path"`
	Hash  string    `json:"hash"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Manifest is an immutable version snapshot of a project tree.
type Manifest struct {
	Version   int            `json:"version"`
	Files     []ManifestFile `json:"files"`
	TotalSize int64          `json:"total_size"`
	FileCount int            `json:"file_count"`
}

// VersionDraft and VersionLatest are the symbolic version selectors
// accepted alongside numeric versions.
const (
	VersionDraft  = "draft"
	VersionLatest = "latest"
)

// Limits bounds archive extraction.
type Limits struct {
	// MaxExtractSize caps the total uncompressed size in bytes.
	MaxExtractSize int64

	// MaxExtractFiles caps the number of extracted files.
	MaxExtractFiles int
}

// Service is the project artifact service.
type Service struct {
	blobs  blob.Store
	nodes  backend.NodeProjectStore
	limits Limits
	logger *slog.Logger
}

// New creates the artifact service.
func New(blobs blob.Store, nodes backend.NodeProjectStore, limits Limits, logger *slog.Logger) *Service {
	if limits.MaxExtractSize <= 0 {
		limits.MaxExtractSize = 500 << 20
	}
	if limits.MaxExtractFiles <= 0 {
		limits.MaxExtractFiles = 10000
	}
	return &Service{
		blobs:  blobs,
		nodes:  nodes,
		limits: limits,
		logger: logger.With("component", "artifact"),
	}
}

func draftPrefix(projectID string) string {
	return "projects/" + projectID + "/"
}

func versionPrefix(projectID string) string {
	return draftPrefix(projectID) + "versions/"
}

func manifestKey(projectID string, version int) string {
	return fmt.Sprintf("projects/%s/versions/%d/manifest.json", projectID, version)
}

func archiveKey(projectID string, version int) string {
	return fmt.Sprintf("projects/%s/versions/%d/artifact.zip", projectID, version)
}

// IngestArchive validates a zip upload and unpacks it under the project's
// draft prefix. All bound checks run before any write; a rejection returns
// a ValidationError whose Reason names the category and the store is left
// unchanged.
func (s *Service) IngestArchive(ctx context.Context, projectID string, archive io.ReaderAt, size int64) (int, error) {
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return 0, &dispatcherrors.ValidationError{
			Field: "archive", Message: "not a readable zip archive", Reason: ReasonUnsupportedFormat,
		}
	}

	files, err := s.validateEntries(zr)
	if err != nil {
		return 0, err
	}

	prefix := draftPrefix(projectID)
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("artifact: opening archive member %s: %w", f.Name, err)
		}

		// The declared size passed validation; the limit reader guards
		// against archives that lie about it.
		limited := io.LimitReader(rc, int64(f.UncompressedSize64)+1)
		data, err := io.ReadAll(limited)
		rc.Close()
		if err != nil {
			return 0, fmt.Errorf("artifact: reading archive member %s: %w", f.Name, err)
		}
		if int64(len(data)) > int64(f.UncompressedSize64) {
			return 0, &dispatcherrors.ValidationError{
				Field: "archive", Message: "member larger than declared size: " + f.Name, Reason: ReasonOversize,
			}
		}

		key := prefix + path.Clean(f.Name)
		if err := s.blobs.Put(ctx, key, bytes.NewReader(data), ""); err != nil {
			return 0, fmt.Errorf("artifact: uploading %s: %w", key, err)
		}
	}

	s.logger.Info("archive ingested",
		slog.String("project_id", projectID),
		slog.Int("files", len(files)))
	return len(files), nil
}

// validateEntries applies every bound check to the full entry list before
// extraction starts.
func (s *Service) validateEntries(zr *zip.Reader) ([]*zip.File, error) {
	var files []*zip.File
	var total int64

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, &dispatcherrors.ValidationError{
				Field: "archive", Message: "symlink entry: " + f.Name, Reason: ReasonSymlinkPresent,
			}
		}
		if !legalArchivePath(f.Name) {
			return nil, &dispatcherrors.ValidationError{
				Field: "archive", Message: "illegal path: " + f.Name, Reason: ReasonIllegalPath,
			}
		}

		files = append(files, f)
		if len(files) > s.limits.MaxExtractFiles {
			return nil, &dispatcherrors.ValidationError{
				Field: "archive",
				Message: fmt.Sprintf("more than %d files", s.limits.MaxExtractFiles),
				Reason:  ReasonTooManyFiles,
			}
		}

		total += int64(f.UncompressedSize64)
		if total > s.limits.MaxExtractSize {
			return nil, &dispatcherrors.ValidationError{
				Field: "archive",
				Message: fmt.Sprintf("uncompressed size exceeds %d bytes", s.limits.MaxExtractSize),
				Reason:  ReasonOversize,
			}
		}
	}

	return files, nil
}

// legalArchivePath rejects absolute paths, traversal, and Windows drive
// prefixes.
func legalArchivePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	if len(name) >= 2 && name[1] == ':' {
		return false
	}
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return false
	}
	return true
}

// Publish freezes the current draft tree as the next version: a manifest
// with per-file hashes and a zip archive, both under the version prefix.
// Version numbers are monotonic per project.
func (s *Service) Publish(ctx context.Context, projectID string) (*Manifest, error) {
	entries, err := s.listDraft(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, &dispatcherrors.ValidationError{
			Field: "project", Message: "draft tree is empty", Reason: "empty-draft",
		}
	}

	latest, err := s.latestVersion(ctx, projectID)
	if err != nil {
		return nil, err
	}
	version := latest + 1

	manifest := &Manifest{Version: version}
	prefix := draftPrefix(projectID)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)

	for _, entry := range entries {
		rc, err := s.blobs.Get(ctx, entry.Key)
		if err != nil {
			return nil, fmt.Errorf("artifact: reading draft file %s: %w", entry.Key, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("artifact: reading draft file %s: %w", entry.Key, err)
		}

		rel := strings.TrimPrefix(entry.Key, prefix)
		sum := sha256.Sum256(data)

		manifest.Files = append(manifest.Files, ManifestFile{
			Path:  rel,
			Hash:  hex.EncodeToString(sum[:]),
			Size:  int64(len(data)),
			MTime: entry.LastModified,
		})
		manifest.TotalSize += int64(len(data))

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     rel,
			Method:   zip.Deflate,
			Modified: entry.LastModified,
		})
		if err != nil {
			return nil, fmt.Errorf("artifact: writing zip member %s: %w", rel, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("artifact: writing zip member %s: %w", rel, err)
		}
	}
	manifest.FileCount = len(manifest.Files)

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("artifact: closing zip: %w", err)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshaling manifest: %w", err)
	}

	if err := s.blobs.Put(ctx, archiveKey(projectID, version), bytes.NewReader(zipBuf.Bytes()), "application/zip"); err != nil {
		return nil, fmt.Errorf("artifact: uploading archive: %w", err)
	}
	if err := s.blobs.Put(ctx, manifestKey(projectID, version), bytes.NewReader(manifestJSON), "application/json"); err != nil {
		return nil, fmt.Errorf("artifact: uploading manifest: %w", err)
	}

	s.logger.Info("version published",
		slog.String("project_id", projectID),
		slog.Int("version", version),
		slog.Int("files", manifest.FileCount),
		slog.Int64("total_size", manifest.TotalSize))
	return manifest, nil
}

// GetManifest resolves a version selector (number, "latest", or "draft")
// to a manifest. The draft manifest is computed on the fly and carries
// version 0.
func (s *Service) GetManifest(ctx context.Context, projectID, version string) (*Manifest, error) {
	switch version {
	case VersionDraft:
		return s.draftManifest(ctx, projectID)
	case VersionLatest:
		latest, err := s.latestVersion(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if latest == 0 {
			return nil, &dispatcherrors.NotFoundError{Resource: "version", ID: projectID + "/latest"}
		}
		return s.readManifest(ctx, projectID, latest)
	default:
		n, err := strconv.Atoi(version)
		if err != nil || n < 1 {
			return nil, &dispatcherrors.ValidationError{
				Field: "version", Message: "must be a positive integer, latest, or draft", Reason: "bad-version",
			}
		}
		return s.readManifest(ctx, projectID, n)
	}
}

// OpenVersionFile streams one member of a published version's archive.
func (s *Service) OpenVersionFile(ctx context.Context, projectID string, version int, filePath string) (io.ReadCloser, error) {
	rc, err := s.blobs.Get(ctx, archiveKey(projectID, version))
	if err != nil {
		if err == blob.ErrNotFound {
			return nil, &dispatcherrors.NotFoundError{Resource: "version", ID: fmt.Sprintf("%s/%d", projectID, version)}
		}
		return nil, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("artifact: reading version archive: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("artifact: opening version archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == filePath {
			return f.Open()
		}
	}
	return nil, &dispatcherrors.NotFoundError{Resource: "file", ID: filePath}
}

// RecordDelivery upserts the distribution row after a successful transfer
// of a project build to a worker.
func (s *Service) RecordDelivery(ctx context.Context, workerID, projectID, fileHash string, fileSize int64, method string) error {
	now := time.Now()
	return s.nodes.UpsertNodeProject(ctx, &backend.NodeProject{
		WorkerID:       workerID,
		ProjectID:      projectID,
		FileHash:       fileHash,
		FileSize:       fileSize,
		TransferMethod: method,
		Status:         backend.NodeProjectSynced,
		SyncedAt:       &now,
		LastUsedAt:     &now,
	})
}

// MarkDraftEdited marks every worker's copy of the project stale. Called
// on each draft commit.
func (s *Service) MarkDraftEdited(ctx context.Context, projectID string) (int, error) {
	n, err := s.nodes.MarkProjectStale(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("distribution rows marked stale",
			slog.String("project_id", projectID),
			slog.Int("workers", n))
	}
	return n, nil
}

// listDraft lists the draft tree, excluding the versions prefix.
func (s *Service) listDraft(ctx context.Context, projectID string) ([]blob.Entry, error) {
	prefix := draftPrefix(projectID)
	skip := versionPrefix(projectID)

	var entries []blob.Entry
	cursor := ""
	for {
		page, err := s.blobs.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			if strings.HasPrefix(e.Key, skip) {
				continue
			}
			entries = append(entries, e)
		}
		if !page.Truncated {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// latestVersion scans the versions prefix for the highest published number.
// Zero means no version exists yet.
func (s *Service) latestVersion(ctx context.Context, projectID string) (int, error) {
	prefix := versionPrefix(projectID)
	latest := 0

	cursor := ""
	for {
		page, err := s.blobs.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return 0, err
		}
		for _, e := range page.Entries {
			rest := strings.TrimPrefix(e.Key, prefix)
			slash := strings.IndexByte(rest, '/')
			if slash <= 0 {
				continue
			}
			if n, err := strconv.Atoi(rest[:slash]); err == nil && n > latest {
				latest = n
			}
		}
		if !page.Truncated {
			break
		}
		cursor = page.NextCursor
	}

	return latest, nil
}

func (s *Service) readManifest(ctx context.Context, projectID string, version int) (*Manifest, error) {
	rc, err := s.blobs.Get(ctx, manifestKey(projectID, version))
	if err != nil {
		if err == blob.ErrNotFound {
			return nil, &dispatcherrors.NotFoundError{Resource: "version", ID: fmt.Sprintf("%s/%d", projectID, version)}
		}
		return nil, err
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("artifact: decoding manifest: %w", err)
	}
	return &m, nil
}

// draftManifest computes a manifest of the live draft tree. Version 0
// marks it as unpublished.
func (s *Service) draftManifest(ctx context.Context, projectID string) (*Manifest, error) {
	entries, err := s.listDraft(ctx, projectID)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Version: 0}
	prefix := draftPrefix(projectID)
	for _, entry := range entries {
		rc, err := s.blobs.Get(ctx, entry.Key)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}

		sum := sha256.Sum256(data)
		m.Files = append(m.Files, ManifestFile{
			Path:  strings.TrimPrefix(entry.Key, prefix),
			Hash:  hex.EncodeToString(sum[:]),
			Size:  int64(len(data)),
			MTime: entry.LastModified,
		})
		m.TotalSize += int64(len(data))
	}
	m.FileCount = len(m.Files)
	return m, nil
}
