package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicinfo/internal/chunker"
	"civicinfo/internal/config"
	"civicinfo/internal/manifest"
	"civicinfo/internal/materialize"
	"civicinfo/internal/objectstore"
	"civicinfo/internal/ocr"
)

const rawHTML = `<html><head><title>myScheme</title></head><body>
<p>myScheme is a National Platform that offers one-stop search and discovery of government schemes.</p>
<p>Citizens can check eligibility and apply online at the official portal.</p>
</body></html>`

func fixedClock() time.Time {
	return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
}

func testConfig() config.Config {
	return config.Config{
		Storage:       config.StorageLocal,
		RawPrefix:     "data/raw",
		ChunkedPrefix: "data/chunked",
		SchemaVersion: "chunked_v1",
		ParserVersion: "go-parser-v1",
		Chunking: config.ChunkingConfig{
			MinTokens:        100,
			MaxTokens:        512,
			OverlapSentences: 2,
		},
	}
}

func newTestPipeline(store objectstore.Store, cfg config.Config) *Pipeline {
	builder := &chunker.Builder{
		Tokenizer:        chunker.Whitespace{},
		MinTokens:        cfg.Chunking.MinTokens,
		MaxTokens:        cfg.Chunking.MaxTokens,
		OverlapSentences: cfg.Chunking.OverlapSentences,
		ParserVersion:    cfg.ParserVersion,
		Clock:            fixedClock,
	}
	mat := materialize.New(store, cfg.ChunkedPrefix, cfg.SchemaVersion, cfg.ParserVersion, cfg.ForceOverwrite, fixedClock)
	canons := map[chunker.Format]chunker.Canonicalizer{
		chunker.FormatHTML:  chunker.HTMLCanonicalizer{},
		chunker.FormatImage: &chunker.ImageCanonicalizer{OCR: ocr.Static{}},
	}
	return New(store, builder, mat, canons, cfg)
}

func seedRaw(t *testing.T, store objectstore.Store, key string, body []byte, man manifest.Raw) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, key, bytes.NewReader(body), objectstore.PutOptions{}))
	require.NoError(t, manifest.Store(ctx, store, key, man))
}

func TestPipelineProcessAndIdempotency(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	cfg := testConfig()
	p := newTestPipeline(store, cfg)

	seedRaw(t, store, "data/raw/myscheme.html", []byte(rawHTML), manifest.Raw{
		FileHash:    "doc-myscheme",
		OriginalURL: "https://example.gov/myscheme",
		Timestamp:   "2026-07-01T00:00:00Z",
		TrustLevel:  "gov",
		Language:    "en",
	})

	out := p.ProcessKey(ctx, "data/raw/myscheme.html")
	require.NoError(t, out.Err)
	require.Equal(t, "doc-myscheme", out.DocumentID)
	require.Equal(t, 1, out.SavedChunks)

	// chunk file landed at the schema-versioned key
	b, err := objectstore.GetBytes(ctx, store, "data/chunked/chunked_v1/doc-myscheme.chunks.jsonl")
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(b), "\n", 2)[0]), &line))
	require.Equal(t, "doc-myscheme_c0001", line["chunk_id"])

	man, err := manifest.Load(ctx, store, "data/raw/myscheme.html")
	require.NoError(t, err)
	require.NotNil(t, man.Chunked)
	firstSHA := man.Chunked.ChunkedSHA256

	// Second run: pre-check short-circuits, zero writes.
	writes := store.PutCount
	out = p.ProcessKey(ctx, "data/raw/myscheme.html")
	require.NoError(t, out.Err)
	require.True(t, out.Skipped)
	require.Equal(t, writes, store.PutCount)

	// Same content with force recomputes the same sha.
	cfg.ForceOverwrite = true
	pForce := newTestPipeline(store, cfg)
	out = pForce.ProcessKey(ctx, "data/raw/myscheme.html")
	require.NoError(t, out.Err)
	require.Equal(t, 1, out.SavedChunks)
	man, err = manifest.Load(ctx, store, "data/raw/myscheme.html")
	require.NoError(t, err)
	require.Equal(t, firstSHA, man.Chunked.ChunkedSHA256)
}

func TestPipelineEmptyDocumentAnnotatesManifest(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	p := newTestPipeline(store, testConfig())

	seedRaw(t, store, "data/raw/empty.html", []byte("<html><body></body></html>"), manifest.Raw{
		FileHash:  "doc-empty",
		Timestamp: "2026-07-01T00:00:00Z",
	})

	out := p.ProcessKey(ctx, "data/raw/empty.html")
	require.NoError(t, out.Err)
	require.Zero(t, out.SavedChunks)

	exists, err := store.Exists(ctx, "data/chunked/chunked_v1/doc-empty.chunks.jsonl")
	require.NoError(t, err)
	require.False(t, exists)

	man, err := manifest.Load(ctx, store, "data/raw/empty.html")
	require.NoError(t, err)
	require.Equal(t, "no_extractable_text", man.Error)
	require.Nil(t, man.Chunked)
}

func TestPipelineRunSkipsManifestsAndTemps(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	p := newTestPipeline(store, testConfig())

	seedRaw(t, store, "data/raw/a.html", []byte(rawHTML), manifest.Raw{
		FileHash: "doc-a", Timestamp: "2026-07-01T00:00:00Z",
	})
	require.NoError(t, store.PutAtomic(ctx, "data/raw/b.html.tmp.1.2", []byte("partial"), objectstore.PutOptions{}))

	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Processed)
	require.Equal(t, 1, stats.SavedChunks)
}

func TestFormatFor(t *testing.T) {
	require.Equal(t, chunker.FormatPDF, FormatFor("data/raw/x.pdf", manifest.Raw{}))
	require.Equal(t, chunker.FormatImage, FormatFor("data/raw/x.png", manifest.Raw{}))
	require.Equal(t, chunker.FormatHTML, FormatFor("data/raw/x.html", manifest.Raw{}))
	require.Equal(t, chunker.FormatHTML, FormatFor("data/raw/opaque", manifest.Raw{}))
	// manifest mime extension wins over the key extension
	require.Equal(t, chunker.FormatPDF, FormatFor("data/raw/opaque", manifest.Raw{MimeExt: ".pdf"}))
}
