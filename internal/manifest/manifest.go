// Package manifest models the per-raw-object manifest written by the
// crawler and extended by the chunking pipeline.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"civicinfo/internal/objectstore"
)

// Chunked is the sub-record the materializer merges into a raw manifest
// after a successful chunk write.
type Chunked struct {
	ChunkFile        string `json:"chunk_file"`
	ChunkFormat      string `json:"chunk_format"`
	SchemaVersion    string `json:"schema_version"`
	ParserVersion    string `json:"parser_version"`
	IngestTime       string `json:"ingest_time"`
	ChunkCount       int    `json:"chunk_count"`
	ChunkedSHA256    string `json:"chunked_sha256"`
	ChunkedSizeBytes int    `json:"chunked_size_bytes"`
}

// Raw is the manifest stored alongside each raw object. The crawler owns
// the provenance fields; the chunking pipeline only appends.
type Raw struct {
	FileHash    string   `json:"file_hash,omitempty"`
	MimeExt     string   `json:"mime_ext,omitempty"`
	OriginalURL string   `json:"original_url,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	TrustLevel  string   `json:"trust_level,omitempty"`
	LastUpdated string   `json:"last_updated,omitempty"`
	Language    string   `json:"language,omitempty"`

	Chunked                  *Chunked `json:"chunked,omitempty"`
	ParserVersion            string   `json:"parser_version,omitempty"`
	SavedChunks              int      `json:"saved_chunks,omitempty"`
	ChunkedManifestWrittenAt string   `json:"chunked_manifest_written_at,omitempty"`

	// Error records why a document yielded no chunks (unreadable input).
	Error string `json:"error,omitempty"`
}

// KeyFor returns the manifest key sitting alongside a raw object key.
func KeyFor(rawKey string) string {
	return rawKey + ".manifest.json"
}

// Load reads and parses the manifest for a raw key. A missing manifest is
// not an error; it returns an empty manifest.
func Load(ctx context.Context, store objectstore.Store, rawKey string) (Raw, error) {
	b, err := objectstore.GetBytes(ctx, store, KeyFor(rawKey))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return Raw{}, nil
		}
		return Raw{}, fmt.Errorf("load manifest: %w", err)
	}
	var m Raw
	if err := json.Unmarshal(b, &m); err != nil {
		return Raw{}, fmt.Errorf("parse manifest %s: %w", KeyFor(rawKey), err)
	}
	return m, nil
}

// Store writes the manifest atomically next to its raw object.
func Store(ctx context.Context, store objectstore.Store, rawKey string, m Raw) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return store.PutAtomic(ctx, KeyFor(rawKey), b, objectstore.PutOptions{ContentType: "application/json"})
}

// Validate checks the minimal crawler-owned fields. Chunking proceeds
// without a valid manifest, but callers use this to surface bad inputs.
func (m Raw) Validate() error {
	if m.FileHash == "" || len(m.FileHash) < 8 {
		return errors.New("manifest: invalid file_hash")
	}
	if m.Timestamp == "" {
		return errors.New("manifest: missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		return fmt.Errorf("manifest: timestamp not RFC3339: %w", err)
	}
	return nil
}
