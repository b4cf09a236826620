package chunker

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicinfo/internal/manifest"
)

func testBuilder() *Builder {
	return &Builder{
		Tokenizer:        Whitespace{},
		MinTokens:        100,
		MaxTokens:        512,
		OverlapSentences: 2,
		ParserVersion:    "go-parser-v1",
		Clock: func() time.Time {
			return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
		},
	}
}

func testManifest() manifest.Raw {
	return manifest.Raw{
		FileHash:    "abcdef1234567890",
		OriginalURL: "https://example.gov/myscheme",
		Timestamp:   "2026-07-01T00:00:00Z",
		Tags:        []string{"welfare"},
		TrustLevel:  "gov",
		Language:    "en",
	}
}

func TestBuildHTMLSingleWindow(t *testing.T) {
	b := testBuilder()
	doc := Document{
		Title: "myScheme",
		Pages: []Page{{Number: 0, Text: "myScheme is a National Platform. Apply online at the official portal."}},
	}
	chunks := b.Build(doc, FormatHTML, "doc1", "data/raw/doc1.html", "sha-raw", testManifest(), RawLocation{S3URL: "s3://civic/data/raw/doc1.html"})

	require.Len(t, chunks, 1)
	c := chunks[0]
	require.Equal(t, "doc1_c0001", c.ChunkID)
	require.Equal(t, 1, c.ChunkIndex)
	require.Equal(t, TypePage, c.ChunkType)
	require.Equal(t, RegionIntro, c.SemanticRegion)
	require.Equal(t, [2]int{0, c.DocumentTotalTokens}, c.TokenRange)
	require.Equal(t, []string{"myScheme"}, c.Headings)
	require.Equal(t, []string{"html"}, c.LayoutTags)
	require.Equal(t, "https://example.gov/myscheme", c.SourceURL)
	require.Equal(t, "example.gov", c.SourceDomain)
	require.Equal(t, []string{"welfare"}, c.TopicTags)
	require.Equal(t, "gov", c.TrustLevel)
	require.Equal(t, "2026-08-01T09:00:00.000Z", c.IngestTime)
	require.Equal(t, "sha-raw", c.Provenance.RawSHA256)
	require.Nil(t, c.Embedding)
	require.False(t, c.UsedOCR)
	require.Nil(t, c.PageNumber)
}

func TestBuildHTMLMultiWindowDense(t *testing.T) {
	b := testBuilder()
	b.MaxTokens = 60
	b.MinTokens = 10

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&sb, "Sentence number %d has exactly seven words total. ", i)
	}
	doc := Document{Pages: []Page{{Number: 0, Text: sb.String()}}}
	chunks := b.Build(doc, FormatHTML, "doc2", "data/raw/doc2.html", "sha", testManifest(), RawLocation{})

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		require.Equal(t, i+1, c.ChunkIndex) // 1-based and dense
		require.Equal(t, fmt.Sprintf("doc2_c%04d", i+1), c.ChunkID)
		require.Equal(t, TypeTokenWindow, c.ChunkType)
		require.GreaterOrEqual(t, c.TokenRange[0], 0)
		require.LessOrEqual(t, c.TokenRange[1], c.DocumentTotalTokens)
	}
}

func TestBuildHTMLEmptyYieldsNoChunks(t *testing.T) {
	b := testBuilder()
	doc := Document{Pages: []Page{{Number: 0, Text: "   "}}}
	require.Nil(t, b.Build(doc, FormatHTML, "doc3", "k", "sha", testManifest(), RawLocation{}))
	require.Nil(t, b.Build(Document{}, FormatHTML, "doc3", "k", "sha", testManifest(), RawLocation{}))
}

func TestBuildPDFPagesAndEmptyPage(t *testing.T) {
	b := testBuilder()
	b.MinTokens = 1

	bodyWords := make([]string, 45)
	for i := range bodyWords {
		bodyWords[i] = fmt.Sprintf("body%d", i)
	}
	doc := Document{Pages: []Page{
		{Number: 1, Text: "Short intro."},
		{Number: 2, Text: "", Figures: []string{"col1\tcol2\nval1\tval2"}, UsedOCR: false},
		{Number: 3, Text: strings.Join(bodyWords, " ") + "."},
	}}
	chunks := b.Build(doc, FormatPDF, "docp", "data/raw/docp.pdf", "sha", testManifest(), RawLocation{LocalPath: "data/raw/docp.pdf"})

	require.Len(t, chunks, 3)

	require.Equal(t, "docp_p1_0001", chunks[0].ChunkID)
	require.Equal(t, 1, chunks[0].ChunkIndex)
	require.Equal(t, TypePDFPageChunk, chunks[0].ChunkType)
	require.Equal(t, 1, *chunks[0].PageNumber)
	// page-1 boost: early midpoint on the first page reads as intro
	require.Equal(t, RegionIntro, chunks[0].SemanticRegion)

	// empty page keeps provenance and carries its figures
	require.Equal(t, "docp_p2_0000", chunks[1].ChunkID)
	require.Equal(t, 2, chunks[1].ChunkIndex)
	require.Equal(t, "", chunks[1].Text)
	require.Equal(t, []string{"col1\tcol2\nval1\tval2"}, chunks[1].Figures)
	require.Equal(t, 2, *chunks[1].PageNumber)

	require.Equal(t, "docp_p3_0001", chunks[2].ChunkID)
	require.Equal(t, 3, chunks[2].ChunkIndex)
	require.Equal(t, RegionMiddle, chunks[2].SemanticRegion)

	// global token ranges are contiguous across pages
	total := chunks[0].DocumentTotalTokens
	require.Equal(t, total, chunks[2].TokenRange[1])
	require.Equal(t, chunks[0].TokenRange[1], chunks[2].TokenRange[0])
}

func TestBuildImageFrames(t *testing.T) {
	b := testBuilder()
	b.MinTokens = 1
	doc := Document{Pages: []Page{
		{Number: 1, Text: "Notice about application deadlines for the scheme.", UsedOCR: true},
		{Number: 2, Text: ""},
	}}
	chunks := b.Build(doc, FormatImage, "doci", "data/raw/doci.png", "sha", testManifest(), RawLocation{})

	require.Len(t, chunks, 2)
	require.Equal(t, "doci_p1_0001", chunks[0].ChunkID)
	require.Equal(t, TypeImagePageChunk, chunks[0].ChunkType)
	require.True(t, chunks[0].UsedOCR)
	require.Equal(t, []string{"image"}, chunks[0].LayoutTags)

	require.Equal(t, "doci_p2_0000", chunks[1].ChunkID)
	require.Equal(t, TypeImagePage, chunks[1].ChunkType)
	require.False(t, chunks[1].UsedOCR)
}

func TestBuildDeterministic(t *testing.T) {
	b := testBuilder()
	doc := Document{Pages: []Page{{Number: 0, Text: "Apply online. Then wait for approval."}}}
	a := b.Build(doc, FormatHTML, "docd", "k", "sha", testManifest(), RawLocation{})
	c := b.Build(doc, FormatHTML, "docd", "k", "sha", testManifest(), RawLocation{})
	require.Equal(t, a, c)
}
