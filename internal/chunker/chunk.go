// Package chunker turns raw source documents (HTML, PDF, images) into
// ordered, token-bounded chunk records with provenance. Extraction is
// format-specific; the sentence windower and record assembly are shared.
package chunker

import (
	"context"

	"civicinfo/internal/manifest"
)

// Chunk types emitted by the pipeline.
const (
	TypeTokenWindow    = "token_window"
	TypePage           = "page"
	TypeImagePage      = "image_page"
	TypeImagePageChunk = "image_page_chunk"
	TypePDFPageChunk   = "pdf_page_chunk"
)

// Provenance ties a chunk back to the raw object it came from.
type Provenance struct {
	RawSHA256   string `json:"raw_sha256"`
	RawKey      string `json:"raw_key"`
	OriginalURL string `json:"original_url,omitempty"`
}

// Chunk is one JSONL line of a chunk file. Field order is fixed; together
// with deterministic extraction this makes chunk files content-addressable.
type Chunk struct {
	DocumentID          string       `json:"document_id"`
	ChunkID             string       `json:"chunk_id"`
	ChunkIndex          int          `json:"chunk_index"`
	ChunkType           string       `json:"chunk_type"`
	Text                string       `json:"text"`
	TokenCount          int          `json:"token_count"`
	TokenRange          [2]int       `json:"token_range"`
	DocumentTotalTokens int          `json:"document_total_tokens"`
	SemanticRegion      string       `json:"semantic_region"`
	Headings            []string     `json:"headings"`
	HeadingPath         []string     `json:"heading_path"`
	LayoutTags          []string     `json:"layout_tags"`
	Figures             []string     `json:"figures"`
	SourceURL           string       `json:"source_url,omitempty"`
	SourceDomain        string       `json:"source_domain,omitempty"`
	S3URL               string       `json:"s3_url,omitempty"`
	LocalPath           string       `json:"local_path,omitempty"`
	PageNumber          *int         `json:"page_number,omitempty"`
	Language            string       `json:"language,omitempty"`
	Region              string       `json:"region,omitempty"`
	TopicTags           []string     `json:"topic_tags"`
	TrustLevel          string       `json:"trust_level"`
	LastUpdated         string       `json:"last_updated,omitempty"`
	IngestTime          string       `json:"ingest_time"`
	ParserVersion       string       `json:"parser_version"`
	UsedOCR             bool         `json:"used_ocr"`
	OriginalManifest    manifest.Raw `json:"original_manifest"`
	Provenance          Provenance   `json:"provenance"`
	// Embedding is always null in chunk files; the indexer fills it.
	Embedding []float32 `json:"embedding"`
}

// Page is one extraction unit of a document: the whole flow for HTML
// (Number 0), a physical page for PDF, a frame for images.
type Page struct {
	Number  int
	Text    string
	Figures []string
	UsedOCR bool
}

// Document is the canonicalizer output consumed by the chunk builder.
type Document struct {
	Title     string
	Language  string
	SourceURL string
	Pages     []Page
}

// Canonicalizer is the closed format-dependent extraction interface; the
// downstream windower and materializer are variant-agnostic.
type Canonicalizer interface {
	Canonicalize(ctx context.Context, raw []byte, man manifest.Raw) (Document, error)
	Format() Format
}
