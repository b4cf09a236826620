package indexer

import (
	"fmt"
	"math"
	"strings"
)

// Row is one normalized chunk ready for embedding and insertion.
type Row struct {
	ChunkID             string
	DocumentID          string
	ChunkIndex          int
	ChunkType           string
	Text                string
	TokenCount          int
	TokenRange          [2]int
	DocumentTotalTokens int
	SemanticRegion      string
	SourceURL           string
	PageNumber          *int
	Language            string
	IngestTime          string
	ParserVersion       string
	Meta                map[string]any
	Embedding           []float32
}

// requiredKeys must be present on every chunk line.
var requiredKeys = []string{
	"document_id", "chunk_id", "text", "chunk_index", "token_count",
	"token_range", "document_total_tokens", "parser_version",
}

// enriched keys folded into the meta bag when present.
var metaKeys = []string{
	"headings", "heading_path", "figures", "layout_tags", "file_type",
	"used_ocr", "provenance", "trust_level", "region", "topic_tags",
	"source_domain", "chunk_type",
}

// NormalizeAndValidate checks the chunk schema and coerces field types.
// Malformed lines return an error naming the missing fields.
func NormalizeAndValidate(obj map[string]any) (*Row, error) {
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	ingestVal := stringOf(obj["ingest_time"])
	if ingestVal == "" {
		ingestVal = stringOf(obj["timestamp"])
	}
	if ingestVal == "" {
		missing = append(missing, "ingest_time|timestamp")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}

	row := &Row{
		DocumentID:    stringOf(obj["document_id"]),
		ChunkID:       stringOf(obj["chunk_id"]),
		ChunkType:     stringOfDefault(obj["chunk_type"], "token_window"),
		IngestTime:    ingestVal,
		ParserVersion: stringOf(obj["parser_version"]),
		Meta:          map[string]any{},
	}

	text := strings.ReplaceAll(stringOf(obj["text"]), "\r\n", "\n")
	row.Text = strings.TrimSpace(text)

	var ok bool
	if row.ChunkIndex, ok = intOf(obj["chunk_index"]); !ok {
		return nil, fmt.Errorf("chunk_index not numeric")
	}
	if row.TokenCount, ok = intOf(obj["token_count"]); !ok {
		row.TokenCount = len(strings.Fields(row.Text))
	}
	if tr, ok := obj["token_range"].([]any); ok && len(tr) == 2 {
		start, ok1 := intOf(tr[0])
		end, ok2 := intOf(tr[1])
		if ok1 && ok2 {
			row.TokenRange = [2]int{start, end}
		} else {
			row.TokenRange = [2]int{0, row.TokenCount}
		}
	} else {
		row.TokenRange = [2]int{0, row.TokenCount}
	}
	if row.DocumentTotalTokens, ok = intOf(obj["document_total_tokens"]); !ok {
		row.DocumentTotalTokens = row.TokenCount
	}

	row.SemanticRegion = stringOf(obj["semantic_region"])
	row.SourceURL = stringOf(obj["source_url"])
	if n, ok := intOf(obj["page_number"]); ok {
		row.PageNumber = &n
	}
	row.Language = stringOf(obj["language"])

	for _, k := range metaKeys {
		if v, ok := obj[k]; ok {
			row.Meta[k] = v
		}
	}
	return row, nil
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func stringOfDefault(v any, def string) string {
	if s := stringOf(v); s != "" {
		return s
	}
	return def
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
