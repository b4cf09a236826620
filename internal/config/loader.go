package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Validation failures carry a class so entrypoints can map them to
// distinct exit codes.
var (
	ErrStorageInvalid  = errors.New("config: STORAGE must be 's3' or 'local'")
	ErrBucketMissing   = errors.New("config: S3_BUCKET required when STORAGE=s3")
	ErrTableInvalid    = errors.New("config: PG_TABLE must match ^[A-Za-z0-9_]+$")
	ErrPGIncomplete    = errors.New("config: PG_HOST and PG_PASSWORD required")
	ErrEmbedDimInvalid = errors.New("config: EMBED_DIM must be a positive integer")
	ErrSchemaMissing   = errors.New("config: CHUNKED_SCHEMA_VERSION must be non-empty")
	ErrVectorBackend   = errors.New("config: unsupported VECTOR_DB backend")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Load reads configuration from environment variables, optionally seeded
// from a .env file. Defaults are applied after the environment is read.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	cfg.Storage = StorageBackend(strings.ToLower(envStr("STORAGE", "s3")))
	cfg.S3 = S3Config{
		Bucket:       envStr("S3_BUCKET", ""),
		Region:       envStr("S3_REGION", envStr("AWS_REGION", "")),
		Endpoint:     envStr("S3_ENDPOINT", ""),
		AccessKey:    envStr("S3_ACCESS_KEY", ""),
		SecretKey:    envStr("S3_SECRET_KEY", ""),
		UsePathStyle: envBool("S3_USE_PATH_STYLE", false),
	}
	cfg.LocalRoot = envStr("LOCAL_STORAGE_ROOT", ".")

	cfg.RawPrefix = normalizePrefix(envStr("RAW_PREFIX", "data/raw"))
	cfg.ChunkedPrefix = normalizePrefix(envStr("CHUNKED_PREFIX", "data/chunked"))
	cfg.AuditPrefix = normalizePrefix(envStr("AUDIT_PREFIX", "audits"))

	cfg.SchemaVersion = strings.Trim(envStr("CHUNKED_SCHEMA_VERSION", "chunked_v1"), "/")
	cfg.ParserVersion = envStr("PARSER_VERSION", "go-parser-v1")

	cfg.Chunking = ChunkingConfig{
		MinTokens:        envInt("MIN_TOKENS_PER_CHUNK", 100),
		MaxTokens:        envInt("MAX_TOKENS_PER_CHUNK", 512),
		OverlapSentences: envInt("OVERLAP_SENTENCES", 2),
		PDFMinImageBytes: envInt("PDF_MIN_IMG_SIZE_BYTES", 3072),
	}

	cfg.Embedding = EmbeddingConfig{
		BaseURL:        envStr("EMBED_BASE_URL", ""),
		Model:          envStr("EMBED_MODEL", ""),
		APIKey:         envStr("EMBED_API_KEY", ""),
		Dim:            envInt("EMBED_DIM", 1024),
		MaxRetries:     envInt("EMBED_MAX_RETRIES", 2),
		RetryBaseDelay: envDuration("EMBED_RETRY_BASE_DELAY_SEC", 50*time.Millisecond),
		Timeout:        envDuration("EMBED_TIMEOUT_SEC", 30*time.Second),
	}
	cfg.Generator = GeneratorConfig{
		BaseURL:        envStr("GEN_BASE_URL", ""),
		Model:          envStr("GEN_MODEL", ""),
		APIKey:         envStr("GEN_API_KEY", ""),
		MaxRetries:     envInt("GEN_MAX_RETRIES", 1),
		RetryBaseDelay: envDuration("GEN_RETRY_BASE_DELAY_SEC", 250*time.Millisecond),
		Timeout:        envDuration("GEN_TIMEOUT_SEC", 30*time.Second),
	}
	cfg.OCR = OCRConfig{
		BaseURL: envStr("OCR_BASE_URL", ""),
		Lang:    envStr("OCR_LANG", "eng"),
		Timeout: envDuration("OCR_TIMEOUT_SEC", 60*time.Second),
	}

	cfg.VectorDB = strings.ToLower(envStr("VECTOR_DB", VectorBackendPG))
	cfg.PG = PGConfig{
		Host:     envStr("PG_HOST", ""),
		Port:     envInt("PG_PORT", 5432),
		User:     envStr("PG_USER", "postgres"),
		Password: envStr("PG_PASSWORD", ""),
		Database: envStr("PG_DB", "postgres"),
		Table:    envStr("PG_TABLE", "civic_chunks"),
	}

	cfg.Retrieval = RetrievalConfig{
		RawK:          envInt("RAW_K", 50),
		FinalK:        envInt("FINAL_K", 5),
		MinSimilarity: envFloat("MIN_SIMILARITY", 0.35),
	}
	cfg.Query = QueryConfig{
		ASRConfThreshold:  envFloat("ASR_CONF_THRESHOLD", 0.35),
		EmbedSearchBudget: envDuration("EMBED_SEARCH_BUDGET_SEC", 2500*time.Millisecond),
		GenBudget:         envDuration("GEN_BUDGET_SEC", 4*time.Second),
	}

	cfg.BatchSize = envInt("BATCH_SIZE", 32)
	cfg.PutRetries = envInt("PUT_RETRIES", 3)
	cfg.PutBackoff = envDuration("PUT_BACKOFF_SEC", 300*time.Millisecond)
	cfg.ForceOverwrite = envBool("FORCE_OVERWRITE", false)

	cfg.HTTPAddr = envStr("HTTP_ADDR", ":8080")
	cfg.LogLevel = envStr("LOG_LEVEL", "info")

	return cfg, nil
}

// ValidateStorage checks the object-store portion of the configuration.
func (c Config) ValidateStorage() error {
	switch c.Storage {
	case StorageS3:
		if c.S3.Bucket == "" {
			return ErrBucketMissing
		}
	case StorageLocal:
	default:
		return fmt.Errorf("%w: got %q", ErrStorageInvalid, c.Storage)
	}
	if c.SchemaVersion == "" {
		return ErrSchemaMissing
	}
	return nil
}

// ValidateIndexing checks everything the embed-and-index run needs.
func (c Config) ValidateIndexing() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.Embedding.Dim <= 0 {
		return ErrEmbedDimInvalid
	}
	return c.validatePG()
}

// ValidateServing checks everything the query path needs.
func (c Config) ValidateServing() error {
	if c.Embedding.Dim <= 0 {
		return ErrEmbedDimInvalid
	}
	return c.validatePG()
}

func (c Config) validatePG() error {
	if c.VectorDB != VectorBackendPG {
		return fmt.Errorf("%w: got %q", ErrVectorBackend, c.VectorDB)
	}
	if !tableNameRe.MatchString(c.PG.Table) {
		return fmt.Errorf("%w: got %q", ErrTableInvalid, c.PG.Table)
	}
	if c.PG.Host == "" || c.PG.Password == "" {
		return ErrPGIncomplete
	}
	return nil
}

// ConnString renders the pgx connection string.
func (p PGConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// envDuration reads a duration expressed in (possibly fractional) seconds.
func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func normalizePrefix(p string) string {
	return strings.Trim(p, "/")
}
