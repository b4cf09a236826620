// Package materialize persists chunk sets as JSONL artifacts with
// content-hash idempotency, and extends the raw manifest with the
// resulting chunked metadata.
package materialize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"civicinfo/internal/chunker"
	"civicinfo/internal/logging"
	"civicinfo/internal/manifest"
	"civicinfo/internal/objectstore"
)

// Result describes one materialization outcome.
type Result struct {
	ChunkFile string
	SHA256    string
	SizeBytes int
	// Written is false on an idempotency hit (identical content already
	// persisted).
	Written bool
}

// Materializer writes chunk JSONL files and manifest updates atomically.
type Materializer struct {
	store         objectstore.Store
	chunkedPrefix string
	schemaVersion string
	parserVersion string
	force         bool
	clock         func() time.Time
}

// New constructs a Materializer. The clock is injected so manifest
// timestamps are reproducible under test.
func New(store objectstore.Store, chunkedPrefix, schemaVersion, parserVersion string, force bool, clock func() time.Time) *Materializer {
	if clock == nil {
		clock = time.Now
	}
	return &Materializer{
		store:         store,
		chunkedPrefix: chunkedPrefix,
		schemaVersion: schemaVersion,
		parserVersion: parserVersion,
		force:         force,
		clock:         clock,
	}
}

// ChunkKey returns the object key of a document's chunk file.
func (m *Materializer) ChunkKey(documentID string) string {
	return fmt.Sprintf("%s/%s/%s.chunks.jsonl", m.chunkedPrefix, m.schemaVersion, documentID)
}

// ChunkFileExists reports whether a chunk file is already persisted for
// the document.
func (m *Materializer) ChunkFileExists(ctx context.Context, documentID string) (bool, error) {
	return m.store.Exists(ctx, m.ChunkKey(documentID))
}

// Serialize renders chunks as canonical JSONL: one JSON object per chunk,
// trailing newline. Identical chunk sets serialize to identical bytes.
func Serialize(chunks []chunker.Chunk) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return nil, fmt.Errorf("encode chunk %s: %w", c.ChunkID, err)
		}
	}
	return buf.Bytes(), nil
}

// SHA256Hex hashes bytes to a hex digest.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Write persists the chunk set for a document and extends its raw
// manifest. Idempotency: if the manifest already records an identical
// chunked_sha256, no writes occur. Ordering is fixed: chunk file first,
// manifest second.
func (m *Materializer) Write(ctx context.Context, documentID string, chunks []chunker.Chunk, rawKey, rawSHA string) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, fmt.Errorf("materialize %s: empty chunk set", documentID)
	}

	data, err := Serialize(chunks)
	if err != nil {
		return Result{}, err
	}
	sha := SHA256Hex(data)
	key := m.ChunkKey(documentID)

	existing, err := manifest.Load(ctx, m.store, rawKey)
	if err != nil {
		logging.Log.WithField("raw_key", rawKey).WithField("error", err.Error()).
			Warn("manifest_read_failed")
		existing = manifest.Raw{}
	}
	if !m.force && existing.Chunked != nil && existing.Chunked.ChunkedSHA256 == sha {
		// The sha shortcut only holds while the chunk file is actually
		// present; a deleted artifact gets rewritten byte-identically.
		if exists, err := m.store.Exists(ctx, key); err == nil && exists {
			logging.Log.WithField("document_id", documentID).WithField("chunked_sha256", sha).
				Info("raw_manifest_already_up_to_date")
			return Result{ChunkFile: key, SHA256: sha, SizeBytes: len(data)}, nil
		}
	}

	if err := m.store.PutAtomic(ctx, key, data, objectstore.PutOptions{ContentType: "application/json"}); err != nil {
		return Result{}, fmt.Errorf("chunk write %s: %w", key, err)
	}

	now := m.clock().UTC().Format("2006-01-02T15:04:05.000Z")
	if existing.FileHash == "" {
		existing.FileHash = rawSHA
	}
	if existing.Timestamp == "" {
		existing.Timestamp = now
	}
	existing.ParserVersion = m.parserVersion
	existing.Chunked = &manifest.Chunked{
		ChunkFile:        key,
		ChunkFormat:      "jsonl",
		SchemaVersion:    m.schemaVersion,
		ParserVersion:    m.parserVersion,
		IngestTime:       now,
		ChunkCount:       len(chunks),
		ChunkedSHA256:    sha,
		ChunkedSizeBytes: len(data),
	}
	existing.SavedChunks = len(chunks)
	existing.ChunkedManifestWrittenAt = now

	if err := manifest.Store(ctx, m.store, rawKey, existing); err != nil {
		return Result{}, fmt.Errorf("manifest write for %s: %w", rawKey, err)
	}

	logging.Log.WithField("document_id", documentID).WithField("chunk_file", key).
		WithField("chunks", len(chunks)).WithField("sha256", sha).WithField("size", len(data)).
		Info("raw_manifest_extended")
	return Result{ChunkFile: key, SHA256: sha, SizeBytes: len(data), Written: true}, nil
}

// AnnotateFailure records an extraction failure on the raw manifest so a
// completely unreadable document is visible without a chunk file.
func (m *Materializer) AnnotateFailure(ctx context.Context, rawKey, reason string) error {
	existing, err := manifest.Load(ctx, m.store, rawKey)
	if err != nil {
		return err
	}
	existing.Error = reason
	return manifest.Store(ctx, m.store, rawKey, existing)
}
