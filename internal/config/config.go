// Package config centralizes environment-driven configuration for the
// indexing and inference pipelines. Values are read once at startup and
// validated fail-fast; components receive the typed sub-structs they need.
package config

import "time"

// StorageBackend selects the object store implementation.
type StorageBackend string

const (
	StorageS3    StorageBackend = "s3"
	StorageLocal StorageBackend = "local"
)

// S3Config holds S3 (or S3-compatible, e.g. MinIO) connection settings.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ChunkingConfig drives the sentence windower and the per-format parsers.
type ChunkingConfig struct {
	MinTokens        int
	MaxTokens        int
	OverlapSentences int
	// PDFMinImageBytes is the minimum rendered size for an embedded PDF
	// image to qualify for OCR.
	PDFMinImageBytes int
}

// EmbeddingConfig describes the embedding service endpoint.
type EmbeddingConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	Dim            int
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

// GeneratorConfig describes the constrained text-generation endpoint.
type GeneratorConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

// OCRConfig describes the OCR sidecar endpoint used for images and PDF figures.
type OCRConfig struct {
	BaseURL string
	Lang    string
	Timeout time.Duration
}

// VectorBackendPG is the only supported vector row store.
const VectorBackendPG = "pgvector"

// PGConfig holds connection settings for the vector row store.
type PGConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// Table is the chunk index table name; validated against ^[A-Za-z0-9_]+$.
	Table string
}

// RetrievalConfig tunes candidate fetch and re-ranking.
type RetrievalConfig struct {
	RawK          int
	FinalK        int
	MinSimilarity float64
}

// QueryConfig holds the orchestrator's policy knobs and stage budgets.
type QueryConfig struct {
	ASRConfThreshold  float64
	EmbedSearchBudget time.Duration
	GenBudget         time.Duration
}

// Config is the root configuration shared by all entrypoints.
type Config struct {
	Storage   StorageBackend
	S3        S3Config
	LocalRoot string

	RawPrefix     string
	ChunkedPrefix string
	AuditPrefix   string

	SchemaVersion string
	ParserVersion string

	// VectorDB selects the vector row store backend; only pgvector is
	// supported.
	VectorDB string

	Chunking  ChunkingConfig
	Embedding EmbeddingConfig
	Generator GeneratorConfig
	OCR       OCRConfig
	PG        PGConfig
	Retrieval RetrievalConfig
	Query     QueryConfig

	BatchSize      int
	PutRetries     int
	PutBackoff     time.Duration
	ForceOverwrite bool

	HTTPAddr string
	LogLevel string
}
