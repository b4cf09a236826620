// Command chunkd runs the parse-chunk-store stage of the indexing
// pipeline: every raw object under RAW_PREFIX is extracted, windowed,
// and materialized as a chunk JSONL artifact with manifest updates.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"civicinfo/internal/chunker"
	"civicinfo/internal/config"
	"civicinfo/internal/ingest"
	"civicinfo/internal/logging"
	"civicinfo/internal/materialize"
	"civicinfo/internal/objectstore"
	"civicinfo/internal/ocr"
)

// Exit codes for operational triage.
const (
	exitConfigInvalid = 10
	exitStoreInit     = 12
	exitRunFailed     = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("config_load_failed")
		os.Exit(exitConfigInvalid)
	}
	logging.SetLevel(cfg.LogLevel)
	if err := cfg.ValidateStorage(); err != nil {
		logging.Log.WithField("error", err.Error()).Error("config_invalid")
		os.Exit(exitConfigInvalid)
	}

	ctx := context.Background()
	store, err := newStore(ctx, cfg)
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("store_init_failed")
		os.Exit(exitStoreInit)
	}

	var ocrClient ocr.Client = ocr.Disabled{}
	if cfg.OCR.BaseURL != "" {
		ocrClient = ocr.NewHTTPClient(cfg.OCR.BaseURL, cfg.OCR.Lang, &http.Client{Timeout: cfg.OCR.Timeout})
	}

	builder := &chunker.Builder{
		Tokenizer:        chunker.Whitespace{},
		MinTokens:        cfg.Chunking.MinTokens,
		MaxTokens:        cfg.Chunking.MaxTokens,
		OverlapSentences: cfg.Chunking.OverlapSentences,
		ParserVersion:    cfg.ParserVersion,
		Clock:            time.Now,
	}
	mat := materialize.New(store, cfg.ChunkedPrefix, cfg.SchemaVersion, cfg.ParserVersion, cfg.ForceOverwrite, time.Now)
	canonicalizers := map[chunker.Format]chunker.Canonicalizer{
		chunker.FormatHTML:  chunker.HTMLCanonicalizer{},
		chunker.FormatPDF:   &chunker.PDFCanonicalizer{OCR: ocrClient, MinImageBytes: cfg.Chunking.PDFMinImageBytes},
		chunker.FormatImage: &chunker.ImageCanonicalizer{OCR: ocrClient},
	}

	pipeline := ingest.New(store, builder, mat, canonicalizers, cfg)
	logging.Log.WithField("storage", string(cfg.Storage)).WithField("raw_prefix", cfg.RawPrefix).
		WithField("schema_version", cfg.SchemaVersion).WithField("parser_version", cfg.ParserVersion).
		Info("startup_ok")

	stats, err := pipeline.Run(ctx)
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("chunk_run_failed")
		os.Exit(exitRunFailed)
	}
	if stats.Failed > 0 {
		os.Exit(exitRunFailed)
	}
}

func newStore(ctx context.Context, cfg config.Config) (objectstore.Store, error) {
	if cfg.Storage == config.StorageLocal {
		return objectstore.NewLocalStore(cfg.LocalRoot), nil
	}
	return objectstore.NewS3Store(ctx, cfg.S3, cfg.PutRetries, cfg.PutBackoff)
}
