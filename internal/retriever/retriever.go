// Package retriever translates a query into a ranked list of passages:
// embed, filter-first k-NN against the vector row store, dedupe by
// normalized text, trust-weighted re-rank.
package retriever

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"civicinfo/internal/embedder"
	"civicinfo/internal/logging"
)

// DB is the subset of pgxpool.Pool the retriever needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Request is a retrieval invocation.
type Request struct {
	RequestID string
	Query     string
	TopK      int
	RawK      int
	Filters   map[string]string
}

// Passage is a retrieved chunk presented for grounding, numbered 1-based
// for citation.
type Passage struct {
	Number     int            `json:"number"`
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Text       string         `json:"text"`
	Meta       map[string]any `json:"meta"`
	SourceURL  string         `json:"source_url,omitempty"`
	PageNumber *int           `json:"page_number,omitempty"`
	Score      float64        `json:"score"`
	Distance   float64        `json:"distance"`
}

// Result carries the ranked passages and the top similarity used by the
// orchestrator's evidence gate.
type Result struct {
	RequestID     string
	Passages      []Passage
	ChunkIDs      []string
	TopSimilarity float64
}

// Candidate is a raw k-NN hit before dedupe and re-ranking.
type Candidate struct {
	DocumentID  string
	ChunkID     string
	ChunkIndex  int
	Text        string
	Meta        map[string]any
	SourceURL   string
	PageNumber  *int
	Distance    float64
	Similarity  float64
	TrustWeight float64
	FinalScore  float64
}

var metaKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Retriever owns the embedder and database handles.
type Retriever struct {
	db    DB
	emb   embedder.Embedder
	table string
	rawK  int
	topK  int
}

// New constructs a Retriever. The table name must already be validated by
// configuration.
func New(db DB, emb embedder.Embedder, table string, rawK, topK int) *Retriever {
	if rawK <= 0 {
		rawK = 50
	}
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{db: db, emb: emb, table: table, rawK: rawK, topK: topK}
}

// CheckIndex verifies the table exists and an HNSW index is present on
// the embedding column. A missing index is a WARN, not an error: queries
// still work on the slow path.
func (r *Retriever) CheckIndex(ctx context.Context) error {
	var reg *string
	if err := r.db.QueryRow(ctx, `SELECT to_regclass($1)`, r.table).Scan(&reg); err != nil {
		return fmt.Errorf("table check: %w", err)
	}
	if reg == nil || *reg == "" {
		return fmt.Errorf("table missing: %s", r.table)
	}

	rows, err := r.db.Query(ctx, `
SELECT indexname FROM pg_indexes
WHERE tablename = $1 AND indexdef ILIKE '%USING hnsw%'`, r.table)
	if err != nil {
		return fmt.Errorf("index check: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index check: %w", err)
	}
	if count == 0 {
		logging.Log.WithField("table", r.table).Warn("hnsw_index_missing")
	} else {
		logging.Log.WithField("table", r.table).WithField("count", count).Info("hnsw_index_ok")
	}
	return nil
}

// Retrieve runs embed -> candidate fetch -> dedupe -> re-rank and formats
// the final passages.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	res := Result{RequestID: req.RequestID, ChunkIDs: []string{}}
	if query == "" {
		return res, fmt.Errorf("empty query")
	}

	topK := req.TopK
	if topK <= 0 {
		topK = r.topK
	}
	rawK := req.RawK
	if rawK <= 0 {
		rawK = r.rawK
	}

	vec, err := r.emb.Embed(ctx, query)
	if err != nil {
		return res, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := r.search(ctx, vec, req.Filters, rawK)
	if err != nil {
		return res, fmt.Errorf("vector search: %w", err)
	}
	if len(candidates) == 0 {
		logging.Log.WithField("request_id", req.RequestID).Info("no_candidates")
		return res, nil
	}

	deduped := DedupeKeepNearest(candidates, rawK)
	ranked := Rerank(deduped, topK)

	for i, c := range ranked {
		meta := c.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		res.Passages = append(res.Passages, Passage{
			Number:     i + 1,
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Meta:       meta,
			SourceURL:  c.SourceURL,
			PageNumber: c.PageNumber,
			Score:      c.FinalScore,
			Distance:   c.Distance,
		})
		res.ChunkIDs = append(res.ChunkIDs, c.ChunkID)
	}
	if len(res.Passages) > 0 {
		res.TopSimilarity = res.Passages[0].Score
	}

	logging.Log.WithField("request_id", req.RequestID).WithField("returned", len(res.Passages)).
		WithField("top_similarity", res.TopSimilarity).WithField("ms", time.Since(start).Milliseconds()).
		Info("retrieval_complete")
	return res, nil
}

// search issues the filter-first k-NN query. The query vector is passed
// as a textual vector literal cast to ::vector; parameter order is
// deterministic: vec, sorted filter pairs, vec, raw_k.
func (r *Retriever) search(ctx context.Context, vec []float32, filters map[string]string, rawK int) ([]Candidate, error) {
	vecLit, err := FormatVectorLiteral(vec, r.emb.Dimension())
	if err != nil {
		return nil, err
	}

	var whereClauses []string
	var filterArgs []any
	next := 2 // $1 is the ORDER BY/SELECT vector literal
	for _, k := range sortedKeys(filters) {
		if !metaKeyRe.MatchString(k) {
			logging.Log.WithField("key", k).Warn("filter_key_skipped")
			continue
		}
		whereClauses = append(whereClauses, fmt.Sprintf("meta->>$%d = $%d", next, next+1))
		filterArgs = append(filterArgs, k, filters[k])
		next += 2
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	sql := fmt.Sprintf(`
SELECT document_id, chunk_id, chunk_index, content, meta, source_url, page_number,
       (embedding <-> $1::vector) AS distance
FROM %s
%s
ORDER BY embedding <-> $%d::vector
LIMIT $%d`, r.table, whereSQL, next, next+1)

	args := make([]any, 0, len(filterArgs)+3)
	args = append(args, vecLit)
	args = append(args, filterArgs...)
	args = append(args, vecLit, rawK)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var docID, sourceURL *string
		var chunkIndex, pageNumber *int32
		if err := rows.Scan(&docID, &c.ChunkID, &chunkIndex, &c.Text, &c.Meta, &sourceURL, &pageNumber, &c.Distance); err != nil {
			return nil, err
		}
		if chunkIndex != nil {
			c.ChunkIndex = int(*chunkIndex)
		}
		if docID != nil {
			c.DocumentID = *docID
		}
		if sourceURL != nil {
			c.SourceURL = *sourceURL
		}
		if pageNumber != nil {
			n := int(*pageNumber)
			c.PageNumber = &n
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
