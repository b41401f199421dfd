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

// Package logpipe moves run logs from workers into the blob store and out
// to live subscribers.
//
// Records buffer per (run, stream) up to batch_size or flush_interval,
// whichever comes first. Appends to one blob key are serialized by a
// per-key mutex so ordering survives concurrent flushes. Chunked uploads
// finalize with a length and SHA-256 check; a failed check retains every
// fragment and produces no final object.
package logpipe

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/blob"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/metrics"
)

// Streams accepted by the pipeline.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Record is one log line keyed by (run_id, stream) with a worker-assigned
// monotonic sequence.
type Record struct {
	RunID     string    `json:"run_id"`
	Stream    string    `json:"stream"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
}

// QueryResult is one page of ordered records.
type QueryResult struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}

// Config tunes the pipeline.
type Config struct {
	// BatchSize flushes a buffer when it holds this many records.
	BatchSize int

	// FlushInterval flushes all dirty buffers on this cadence.
	FlushInterval time.Duration

	// BufferMaxSize caps one buffer; overruns drop oldest records.
	BufferMaxSize int

	// CacheLines caps the per-key replay cache for late subscribers.
	CacheLines int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 100
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = 2 * time.Second
	}
	if out.BufferMaxSize <= 0 {
		out.BufferMaxSize = 10000
	}
	if out.CacheLines <= 0 {
		out.CacheLines = 500
	}
	return out
}

// EchoFunc receives each record after its durable append, for live fan-out.
type EchoFunc func(Record)

type streamKey struct {
	runID  string
	stream string
}

type buffer struct {
	records []Record
}

// Pipeline is the log pipeline.
type Pipeline struct {
	blobs  blob.Store
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[streamKey]*buffer
	cache   map[streamKey][]Record

	keyLocks sync.Map // blob key -> *sync.Mutex

	echoMu sync.RWMutex
	echo   EchoFunc

	flushTicker *time.Ticker
	stop        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates a pipeline and starts its flush loop.
func New(blobs blob.Store, cfg Config, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		blobs:   blobs,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "logpipe"),
		buffers: make(map[streamKey]*buffer),
		cache:   make(map[streamKey][]Record),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	p.flushTicker = time.NewTicker(p.cfg.FlushInterval)
	go p.flushLoop()

	return p
}

// SetEcho registers the live fan-out hook. Pass nil to disable.
func (p *Pipeline) SetEcho(echo EchoFunc) {
	p.echoMu.Lock()
	p.echo = echo
	p.echoMu.Unlock()
}

func jsonlKey(runID, stream string) string {
	return "logs/" + runID + "/" + stream + ".jsonl"
}

func finalKey(runID, stream string) string {
	return "logs/" + runID + "/" + stream + ".log.gz"
}

func chunkPrefix(runID, stream string) string {
	return "logs/" + runID + "/chunks/" + stream + "/"
}

func chunkKey(runID, stream string, offset int64) string {
	return fmt.Sprintf("logs/%s/chunks/%s/%012d.chunk", runID, stream, offset)
}

func validStream(stream string) bool {
	switch stream {
	case StreamStdout, StreamStderr, StreamSystem:
		return true
	}
	return false
}

// Append buffers one record. Flushes synchronously when the buffer reaches
// batch size.
func (p *Pipeline) Append(ctx context.Context, rec Record) error {
	return p.AppendBatch(ctx, []Record{rec})
}

// AppendBatch buffers a batch of records, grouped by (run, stream).
func (p *Pipeline) AppendBatch(ctx context.Context, recs []Record) error {
	var flushKeys []streamKey

	p.mu.Lock()
	for _, rec := range recs {
		if !validStream(rec.Stream) {
			p.mu.Unlock()
			return &dispatcherrors.ValidationError{
				Field: "stream", Message: "unknown stream " + rec.Stream, Reason: "bad-stream",
			}
		}

		key := streamKey{rec.RunID, rec.Stream}
		buf := p.buffers[key]
		if buf == nil {
			buf = &buffer{}
			p.buffers[key] = buf
		}

		buf.records = append(buf.records, rec)
		if len(buf.records) > p.cfg.BufferMaxSize {
			dropped := len(buf.records) - p.cfg.BufferMaxSize
			buf.records = buf.records[dropped:]
			metrics.RecordDroppedLogRecords("buffer_overflow", dropped)
			p.logger.Warn("log buffer overflow, dropped oldest records",
				slog.String("run_id", rec.RunID),
				slog.String("stream", rec.Stream),
				slog.Int("dropped", dropped))
		}

		if len(buf.records) >= p.cfg.BatchSize && !containsKey(flushKeys, key) {
			flushKeys = append(flushKeys, key)
		}
	}
	p.mu.Unlock()

	for _, key := range flushKeys {
		if err := p.flushKey(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// AppendCompressedBatch decodes a gzip-compressed JSON array of records
// and buffers it.
func (p *Pipeline) AppendCompressedBatch(ctx context.Context, compressed []byte) error {
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return &dispatcherrors.ValidationError{
			Field: "batch", Message: "not gzip data", Reason: "bad-encoding",
		}
	}
	defer gz.Close()

	var recs []Record
	if err := json.NewDecoder(gz).Decode(&recs); err != nil {
		return &dispatcherrors.ValidationError{
			Field: "batch", Message: "not a JSON record array", Reason: "bad-encoding",
		}
	}
	return p.AppendBatch(ctx, recs)
}

// Flush forces all dirty buffers to the blob store.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	keys := make([]streamKey, 0, len(p.buffers))
	for key, buf := range p.buffers {
		if len(buf.records) > 0 {
			keys = append(keys, key)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := p.flushKey(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushKey drains one buffer and folds it into the key's JSONL object.
// The per-key mutex is held across drain, read-modify-write and echo, so
// concurrent flushes for one key cannot land out of order; the batch
// merges into the existing records by sequence to absorb late arrivals.
func (p *Pipeline) flushKey(ctx context.Context, key streamKey) error {
	blobKey := jsonlKey(key.runID, key.stream)
	lock := p.lockFor(blobKey)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	buf := p.buffers[key]
	if buf == nil || len(buf.records) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := buf.records
	buf.records = nil
	p.mu.Unlock()

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })

	existing, err := p.readRecords(ctx, key.runID, key.stream)
	if err != nil {
		p.requeue(key, batch)
		return err
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	for _, rec := range mergeBySequence(existing, batch) {
		if err := enc.Encode(rec); err != nil {
			p.requeue(key, batch)
			return fmt.Errorf("logpipe: encoding record: %w", err)
		}
	}

	if err := p.blobs.Put(ctx, blobKey, bytes.NewReader(out.Bytes()), "application/x-ndjson"); err != nil {
		p.requeue(key, batch)
		return err
	}

	p.afterDurable(key, batch)
	return nil
}

// mergeBySequence interleaves two sequence-sorted slices, keeping stored
// records ahead of new ones on equal sequence.
func mergeBySequence(stored, batch []Record) []Record {
	if len(stored) == 0 {
		return batch
	}
	out := make([]Record, 0, len(stored)+len(batch))
	i, j := 0, 0
	for i < len(stored) && j < len(batch) {
		if batch[j].Sequence < stored[i].Sequence {
			out = append(out, batch[j])
			j++
		} else {
			out = append(out, stored[i])
			i++
		}
	}
	out = append(out, stored[i:]...)
	return append(out, batch[j:]...)
}

// requeue puts a failed batch back at the head of the buffer so a later
// flush retries it in order.
func (p *Pipeline) requeue(key streamKey, batch []Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.buffers[key]
	if buf == nil {
		buf = &buffer{}
		p.buffers[key] = buf
	}
	buf.records = append(batch, buf.records...)
	if len(buf.records) > p.cfg.BufferMaxSize {
		dropped := len(buf.records) - p.cfg.BufferMaxSize
		buf.records = buf.records[dropped:]
		metrics.RecordDroppedLogRecords("buffer_overflow", dropped)
	}
}

// afterDurable updates the replay cache and echoes to live subscribers.
func (p *Pipeline) afterDurable(key streamKey, batch []Record) {
	p.mu.Lock()
	cached := append(p.cache[key], batch...)
	if len(cached) > p.cfg.CacheLines {
		cached = cached[len(cached)-p.cfg.CacheLines:]
	}
	p.cache[key] = cached
	p.mu.Unlock()

	p.echoMu.RLock()
	echo := p.echo
	p.echoMu.RUnlock()
	if echo != nil {
		for _, rec := range batch {
			echo(rec)
		}
	}
}

// Replay returns the cached tail of recent records for late subscribers.
func (p *Pipeline) Replay(runID, stream string) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	cached := p.cache[streamKey{runID, stream}]
	out := make([]Record, len(cached))
	copy(out, cached)
	return out
}

// WriteChunk stores one opaque fragment at its offset.
func (p *Pipeline) WriteChunk(ctx context.Context, runID, stream string, data []byte, offset int64) error {
	if !validStream(stream) {
		return &dispatcherrors.ValidationError{
			Field: "stream", Message: "unknown stream " + stream, Reason: "bad-stream",
		}
	}
	if offset < 0 {
		return &dispatcherrors.ValidationError{
			Field: "offset", Message: "negative offset", Reason: "bad-offset",
		}
	}
	return p.blobs.Put(ctx, chunkKey(runID, stream, offset), bytes.NewReader(data), "application/octet-stream")
}

// FinalizeChunks concatenates the fragments in offset order, verifies the
// total length and SHA-256, writes the gzip-compressed final object, and
// deletes the fragments. On any verification failure the fragments stay
// and no final object is written.
func (p *Pipeline) FinalizeChunks(ctx context.Context, runID, stream string, totalSize int64, checksum string) error {
	prefix := chunkPrefix(runID, stream)

	var keys []string
	cursor := ""
	for {
		page, err := p.blobs.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			keys = append(keys, e.Key)
		}
		if !page.Truncated {
			break
		}
		cursor = page.NextCursor
	}
	if len(keys) == 0 {
		return &dispatcherrors.NotFoundError{Resource: "chunks", ID: runID + "/" + stream}
	}
	sort.Strings(keys) // offsets are zero-padded, lexical order is numeric order

	var assembled bytes.Buffer
	hasher := sha256.New()
	for _, key := range keys {
		rc, err := p.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.MultiWriter(&assembled, hasher), rc); err != nil {
			rc.Close()
			return fmt.Errorf("logpipe: reading chunk %s: %w", key, err)
		}
		rc.Close()
	}

	if int64(assembled.Len()) != totalSize {
		return &dispatcherrors.ValidationError{
			Field: "total_size",
			Message: fmt.Sprintf("assembled %d bytes, expected %d", assembled.Len(), totalSize),
			Reason:  "size-mismatch",
		}
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(got, checksum) {
		return &dispatcherrors.ValidationError{
			Field: "checksum", Message: "sha-256 mismatch", Reason: "checksum-mismatch",
		}
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(assembled.Bytes()); err != nil {
		return fmt.Errorf("logpipe: compressing final log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("logpipe: compressing final log: %w", err)
	}

	if err := p.blobs.Put(ctx, finalKey(runID, stream), bytes.NewReader(compressed.Bytes()), "application/gzip"); err != nil {
		return err
	}

	if err := p.blobs.DeleteMany(ctx, keys); err != nil {
		// Final object exists; leftover fragments are retried by callers
		// or swept by retention.
		p.logger.Warn("failed to delete chunk fragments after finalize",
			slog.String("run_id", runID),
			slog.String("stream", stream),
			slog.String("error", err.Error()))
	}

	p.logger.Info("chunked log finalized",
		slog.String("run_id", runID),
		slog.String("stream", stream),
		slog.Int64("size", totalSize),
		slog.Int("chunks", len(keys)))
	return nil
}

// Query returns one ordered page of records at or after start_seq.
// The cursor is the last sequence of the previous page.
func (p *Pipeline) Query(ctx context.Context, runID, stream string, startSeq int64, limit int, cursor string) (QueryResult, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return QueryResult{}, &dispatcherrors.ValidationError{
				Field: "cursor", Message: "not a sequence number", Reason: "bad-cursor",
			}
		}
		if after+1 > startSeq {
			startSeq = after + 1
		}
	}

	streams := []string{StreamStdout, StreamStderr, StreamSystem}
	if stream != "" {
		if !validStream(stream) {
			return QueryResult{}, &dispatcherrors.ValidationError{
				Field: "stream", Message: "unknown stream " + stream, Reason: "bad-stream",
			}
		}
		streams = []string{stream}
	}

	var all []Record
	for _, st := range streams {
		// Surface buffered records too: flush before reading.
		if err := p.flushKey(ctx, streamKey{runID, st}); err != nil {
			return QueryResult{}, err
		}
		recs, err := p.readRecords(ctx, runID, st)
		if err != nil {
			return QueryResult{}, err
		}
		all = append(all, recs...)
	}

	filtered := all[:0]
	for _, rec := range all {
		if rec.Sequence >= startSeq {
			filtered = append(filtered, rec)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Sequence == filtered[j].Sequence {
			return filtered[i].Stream < filtered[j].Stream
		}
		return filtered[i].Sequence < filtered[j].Sequence
	})

	result := QueryResult{}
	if len(filtered) > limit {
		result.Records = filtered[:limit]
		result.HasMore = true
		result.NextCursor = strconv.FormatInt(result.Records[limit-1].Sequence, 10)
	} else {
		result.Records = filtered
	}
	return result, nil
}

// Stream opens the raw log bytes for a run's stream: the finalized gzip
// object when present, otherwise the live JSONL.
// Gzipped reports which form the reader carries.
func (p *Pipeline) Stream(ctx context.Context, runID, stream string) (rc io.ReadCloser, gzipped bool, err error) {
	if !validStream(stream) {
		return nil, false, &dispatcherrors.ValidationError{
			Field: "stream", Message: "unknown stream " + stream, Reason: "bad-stream",
		}
	}

	rc, err = p.blobs.Get(ctx, finalKey(runID, stream))
	if err == nil {
		return rc, true, nil
	}
	if err != blob.ErrNotFound {
		return nil, false, err
	}

	if flushErr := p.flushKey(ctx, streamKey{runID, stream}); flushErr != nil {
		return nil, false, flushErr
	}
	rc, err = p.blobs.Get(ctx, jsonlKey(runID, stream))
	if err == blob.ErrNotFound {
		return nil, false, &dispatcherrors.NotFoundError{Resource: "log", ID: runID + "/" + stream}
	}
	if err != nil {
		return nil, false, err
	}
	return rc, false, nil
}

// Close flushes all buffers and stops the flush loop.
func (p *Pipeline) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		p.flushTicker.Stop()
		close(p.stop)
		<-p.done
		err = p.Flush(ctx)
	})
	return err
}

func (p *Pipeline) flushLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushInterval)
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn("periodic flush failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (p *Pipeline) lockFor(blobKey string) *sync.Mutex {
	actual, _ := p.keyLocks.LoadOrStore(blobKey, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (p *Pipeline) readAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (p *Pipeline) readRecords(ctx context.Context, runID, stream string) ([]Record, error) {
	data, err := p.readAll(ctx, jsonlKey(runID, stream))
	if err == blob.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []Record
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("logpipe: decoding %s/%s: %w", runID, stream, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func containsKey(keys []streamKey, key streamKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
