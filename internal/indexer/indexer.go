// Package indexer streams chunk JSONL artifacts from the object store,
// embeds each chunk once, and inserts rows into the vector row store with
// primary-key idempotency.
package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"civicinfo/internal/embedder"
	"civicinfo/internal/logging"
	"civicinfo/internal/objectstore"
)

// ErrSchemaSkips is returned when a run completed but skipped malformed
// lines; callers surface it as a distinct exit code.
var ErrSchemaSkips = errors.New("indexer: schema-invalid lines were skipped")

// DB is the subset of pgxpool.Pool the indexer needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Stats aggregates an indexing run.
type Stats struct {
	Files         int
	Indexed       int
	SkippedSchema int
	SkippedExist  int
	FailedRows    int
	FailedFiles   int
}

// Indexer populates the vector row store from chunk files.
type Indexer struct {
	store         objectstore.Store
	db            DB
	emb           embedder.Embedder
	chunkedPrefix string
	table         string
	batchSize     int
}

// New constructs an Indexer. The table name must already be validated
// against ^[A-Za-z0-9_]+$ by configuration.
func New(store objectstore.Store, db DB, emb embedder.Embedder, chunkedPrefix, table string, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Indexer{
		store:         store,
		db:            db,
		emb:           emb,
		chunkedPrefix: chunkedPrefix,
		table:         table,
		batchSize:     batchSize,
	}
}

// EnsureSchema creates the pgvector extension, the chunk table, and the
// HNSW index when absent.
func (ix *Indexer) EnsureSchema(ctx context.Context) error {
	if _, err := ix.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  chunk_id TEXT PRIMARY KEY,
  document_id TEXT,
  chunk_index INT,
  content TEXT,
  embedding vector(%d),
  meta JSONB,
  token_count INT,
  token_range INT[],
  document_total_tokens INT,
  semantic_region TEXT,
  source_url TEXT,
  page_number INT,
  language TEXT,
  ingest_time TIMESTAMPTZ,
  parser_version TEXT
)`, ix.table, ix.emb.Dimension())
	if _, err := ix.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", ix.table, err)
	}
	indexSQL := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_l2_ops)`,
		ix.table, ix.table)
	if _, err := ix.db.Exec(ctx, indexSQL); err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}
	return nil
}

// Run enumerates chunk files and indexes every schema-valid, not-yet-
// indexed line. Per-file errors are logged and processing continues;
// ErrSchemaSkips is returned when any malformed lines were skipped.
func (ix *Indexer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	token := ""
	for {
		res, err := ix.store.List(ctx, objectstore.ListOptions{
			Prefix:            ix.chunkedPrefix + "/",
			ContinuationToken: token,
		})
		if err != nil {
			return stats, fmt.Errorf("list chunked prefix: %w", err)
		}
		for _, obj := range res.Objects {
			if !strings.HasSuffix(obj.Key, ".chunks.jsonl") {
				continue
			}
			stats.Files++
			logging.Log.WithField("key", obj.Key).WithField("size", obj.Size).Info("processing_chunk_file")
			if err := ix.indexFile(ctx, obj.Key, &stats); err != nil {
				stats.FailedFiles++
				logging.Log.WithField("key", obj.Key).WithField("error", err.Error()).Error("file_error")
			}
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
		}
		if !res.IsTruncated || res.NextContinuationToken == "" {
			break
		}
		token = res.NextContinuationToken
	}

	logging.Log.WithField("files", stats.Files).WithField("indexed", stats.Indexed).
		WithField("skipped_schema", stats.SkippedSchema).WithField("skipped_existing", stats.SkippedExist).
		Info("index_run_complete")
	if stats.SkippedSchema > 0 {
		return stats, ErrSchemaSkips
	}
	return stats, nil
}

func (ix *Indexer) indexFile(ctx context.Context, key string, stats *Stats) error {
	rc, _, err := ix.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var batch []Row
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ix.insertBatch(ctx, batch); err != nil {
			return err
		}
		stats.Indexed += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			stats.SkippedSchema++
			logging.Log.WithField("key", key).WithField("line_sample", sample(line)).Error("jsonl_parse_failed")
			continue
		}
		row, err := NormalizeAndValidate(obj)
		if err != nil {
			stats.SkippedSchema++
			logging.Log.WithField("key", key).WithField("chunk_id", fmt.Sprint(obj["chunk_id"])).
				WithField("error", err.Error()).Debug("schema_missing_fields")
			continue
		}

		exists, err := ix.rowExists(ctx, row.ChunkID)
		if err != nil {
			stats.FailedRows++
			logging.Log.WithField("chunk_id", row.ChunkID).WithField("error", err.Error()).Error("exists_check_failed")
			continue
		}
		if exists {
			stats.SkippedExist++
			continue
		}

		vec, err := ix.emb.Embed(ctx, row.Text)
		if err != nil {
			// Dimension mismatches and exhausted retries are hard failures
			// for the row; the wrong-dimension vector must never be inserted.
			stats.FailedRows++
			logging.Log.WithField("chunk_id", row.ChunkID).WithField("error", err.Error()).Error("embed_failed")
			if errors.Is(err, embedder.ErrDimMismatch) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		row.Embedding = vec

		batch = append(batch, *row)
		if len(batch) >= ix.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", key, err)
	}
	return flush()
}

func (ix *Indexer) rowExists(ctx context.Context, chunkID string) (bool, error) {
	var one int
	err := ix.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE chunk_id = $1 LIMIT 1`, ix.table), chunkID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// insertBatch writes rows with ON CONFLICT (chunk_id) DO NOTHING; the
// primary key is the serialization point, so no transaction is needed.
func (ix *Indexer) insertBatch(ctx context.Context, rows []Row) error {
	insertSQL := fmt.Sprintf(`
INSERT INTO %s
  (chunk_id, document_id, chunk_index, content, embedding, meta, token_count,
   token_range, document_total_tokens, semantic_region, source_url, page_number,
   language, ingest_time, parser_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (chunk_id) DO NOTHING`, ix.table)

	for _, r := range rows {
		meta, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("encode meta for %s: %w", r.ChunkID, err)
		}
		var ingestTS *time.Time
		if ts, err := time.Parse(time.RFC3339, r.IngestTime); err == nil {
			utc := ts.UTC()
			ingestTS = &utc
		}
		tokenRange := []int32{int32(r.TokenRange[0]), int32(r.TokenRange[1])}
		_, err = ix.db.Exec(ctx, insertSQL,
			r.ChunkID,
			r.DocumentID,
			r.ChunkIndex,
			r.Text,
			pgvector.NewVector(r.Embedding),
			meta,
			r.TokenCount,
			tokenRange,
			r.DocumentTotalTokens,
			nilIfEmpty(r.SemanticRegion),
			nilIfEmpty(r.SourceURL),
			r.PageNumber,
			nilIfEmpty(r.Language),
			ingestTS,
			r.ParserVersion,
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.ChunkID, err)
		}
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sample(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
