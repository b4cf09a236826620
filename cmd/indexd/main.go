// Command indexd runs the embed-and-index stage: chunk JSONL artifacts
// are streamed from the object store, embedded, and inserted into the
// pgvector table with primary-key idempotency. Exit codes distinguish
// the operational failure classes.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"civicinfo/internal/config"
	"civicinfo/internal/embedder"
	"civicinfo/internal/indexer"
	"civicinfo/internal/logging"
	"civicinfo/internal/objectstore"
)

// Exit codes for operational triage.
const (
	exitConfigInvalid  = 10
	exitEmbedInvalid   = 11
	exitStoreInit      = 12
	exitDBConnect      = 20
	exitDBSchema       = 21
	exitVectorBackend  = 42
	exitSchemaSkips    = 50
	exitRunFailed      = 1
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("config_load_failed")
		os.Exit(exitConfigInvalid)
	}
	logging.SetLevel(cfg.LogLevel)
	if err := cfg.ValidateIndexing(); err != nil {
		code := exitConfigInvalid
		switch {
		case errors.Is(err, config.ErrEmbedDimInvalid):
			code = exitEmbedInvalid
		case errors.Is(err, config.ErrVectorBackend):
			code = exitVectorBackend
		}
		logging.Log.WithField("error", err.Error()).Error("config_invalid")
		os.Exit(code)
	}

	ctx := context.Background()

	var store objectstore.Store
	if cfg.Storage == config.StorageLocal {
		store = objectstore.NewLocalStore(cfg.LocalRoot)
	} else {
		store, err = objectstore.NewS3Store(ctx, cfg.S3, cfg.PutRetries, cfg.PutBackoff)
		if err != nil {
			logging.Log.WithField("error", err.Error()).Error("store_init_failed")
			os.Exit(exitStoreInit)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.PG.ConnString())
	if err != nil {
		logging.Log.WithField("error", err.Error()).Error("pg_connect_failed")
		os.Exit(exitDBConnect)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logging.Log.WithField("error", err.Error()).Error("pg_connect_failed")
		os.Exit(exitDBConnect)
	}

	emb := embedder.NewClient(cfg.Embedding)
	ix := indexer.New(store, pool, emb, cfg.ChunkedPrefix, cfg.PG.Table, cfg.BatchSize)
	if err := ix.EnsureSchema(ctx); err != nil {
		logging.Log.WithField("error", err.Error()).Error("pg_schema_setup_failed")
		os.Exit(exitDBSchema)
	}

	logging.Log.WithField("embed_model", cfg.Embedding.Model).WithField("embed_dim", cfg.Embedding.Dim).
		WithField("pg_table", cfg.PG.Table).WithField("chunked_prefix", cfg.ChunkedPrefix).
		Info("startup_ok")

	stats, err := ix.Run(ctx)
	logging.Log.WithField("total_indexed", stats.Indexed).
		WithField("total_skipped_schema", stats.SkippedSchema).Info("complete")
	if err != nil {
		if errors.Is(err, indexer.ErrSchemaSkips) {
			os.Exit(exitSchemaSkips)
		}
		logging.Log.WithField("error", err.Error()).Error("index_run_failed")
		os.Exit(exitRunFailed)
	}
}
