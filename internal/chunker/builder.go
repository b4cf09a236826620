package chunker

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"civicinfo/internal/manifest"
)

// Format identifies the extraction path for a raw object.
type Format string

const (
	FormatHTML  Format = "html"
	FormatPDF   Format = "pdf"
	FormatImage Format = "image"
)

// RawLocation carries the storage-specific addresses echoed into chunks.
type RawLocation struct {
	S3URL     string
	LocalPath string
}

// ingestTimeLayout renders RFC3339 with millisecond precision and a
// trailing Z.
const ingestTimeLayout = "2006-01-02T15:04:05.000Z"

// Builder assembles chunk records from canonicalized documents. The clock
// is injected so ingest timestamps are reproducible under test.
type Builder struct {
	Tokenizer        Tokenizer
	MinTokens        int
	MaxTokens        int
	OverlapSentences int
	ParserVersion    string
	Clock            func() time.Time
}

// Build windows a canonicalized document and produces its ordered chunk
// records. An empty document yields nil.
func (b *Builder) Build(doc Document, format Format, docID, rawKey, rawSHA string, man manifest.Raw, loc RawLocation) []Chunk {
	switch format {
	case FormatHTML:
		return b.buildSingleFlow(doc, docID, rawKey, rawSHA, man, loc)
	default:
		return b.buildPaged(doc, format, docID, rawKey, rawSHA, man, loc)
	}
}

func (b *Builder) buildSingleFlow(doc Document, docID, rawKey, rawSHA string, man manifest.Raw, loc RawLocation) []Chunk {
	if len(doc.Pages) == 0 {
		return nil
	}
	text := Canonicalize(doc.Pages[0].Text)
	if text == "" {
		return nil
	}
	total := TotalTokens(text, b.Tokenizer)
	windows := SplitIntoWindows(text, b.Tokenizer, b.MaxTokens, b.MinTokens, b.OverlapSentences)

	chunkType := TypeTokenWindow
	if len(windows) == 1 {
		chunkType = TypePage
	}

	base := b.baseChunk(doc, FormatHTML, docID, rawKey, rawSHA, man, loc)
	chunks := make([]Chunk, 0, len(windows))
	for _, w := range windows {
		c := base
		c.ChunkIndex = w.Index + 1
		c.ChunkID = fmt.Sprintf("%s_c%04d", docID, c.ChunkIndex)
		c.ChunkType = chunkType
		c.Text = w.Text
		c.TokenCount = w.TokenCount
		c.TokenRange = [2]int{w.TokenStart, w.TokenEnd}
		c.DocumentTotalTokens = total
		c.SemanticRegion = DeriveRegion(w.TokenStart, total)
		chunks = append(chunks, c)
	}
	return chunks
}

func (b *Builder) buildPaged(doc Document, format Format, docID, rawKey, rawSHA string, man manifest.Raw, loc RawLocation) []Chunk {
	type pageWindows struct {
		page    Page
		windows []Window
		tokens  int
	}

	prepared := make([]pageWindows, 0, len(doc.Pages))
	total := 0
	for _, p := range doc.Pages {
		text := Canonicalize(p.Text)
		pw := pageWindows{page: p}
		if text != "" {
			pw.tokens = TotalTokens(text, b.Tokenizer)
			pw.windows = SplitIntoWindows(text, b.Tokenizer, b.MaxTokens, b.MinTokens, b.OverlapSentences)
		}
		total += pw.tokens
		prepared = append(prepared, pw)
	}

	if len(prepared) == 0 {
		return nil
	}

	base := b.baseChunk(doc, format, docID, rawKey, rawSHA, man, loc)
	totalPages := len(prepared)

	emptyType := TypePDFPageChunk
	windowType := TypePDFPageChunk
	if format == FormatImage {
		emptyType = TypeImagePage
		windowType = TypeImagePageChunk
	}

	var chunks []Chunk
	chunkIndex := 0
	pageOffset := 0
	for _, pw := range prepared {
		pageNo := pw.page.Number
		figures := pw.page.Figures
		if figures == nil {
			figures = []string{}
		}

		if len(pw.windows) == 0 {
			// An unreadable or empty page still contributes one empty chunk
			// preserving provenance.
			chunkIndex++
			c := base
			c.ChunkIndex = chunkIndex
			c.ChunkID = fmt.Sprintf("%s_p%d_0000", docID, pageNo)
			c.ChunkType = emptyType
			c.Text = ""
			c.TokenRange = [2]int{pageOffset, pageOffset}
			c.DocumentTotalTokens = total
			c.SemanticRegion = b.regionFor(format, pageOffset, 0, total, pageNo, totalPages)
			c.Figures = figures
			c.PageNumber = intPtr(pageNo)
			c.UsedOCR = pw.page.UsedOCR
			chunks = append(chunks, c)
			continue
		}

		for _, w := range pw.windows {
			chunkIndex++
			c := base
			c.ChunkIndex = chunkIndex
			c.ChunkID = fmt.Sprintf("%s_p%d_%04d", docID, pageNo, w.Index+1)
			c.ChunkType = windowType
			c.Text = w.Text
			c.TokenCount = w.TokenCount
			c.TokenRange = [2]int{pageOffset + w.TokenStart, pageOffset + w.TokenEnd}
			c.DocumentTotalTokens = total
			c.SemanticRegion = b.regionFor(format, pageOffset+w.TokenStart, w.TokenCount, total, pageNo, totalPages)
			c.Figures = figures
			c.PageNumber = intPtr(pageNo)
			c.UsedOCR = pw.page.UsedOCR
			chunks = append(chunks, c)
		}
		pageOffset += pw.tokens
	}
	return chunks
}

func (b *Builder) regionFor(format Format, tokenStart, tokenCount, total, page, totalPages int) string {
	if format == FormatPDF {
		return DerivePDFRegion(tokenStart, tokenCount, total, page, totalPages)
	}
	return DeriveRegion(tokenStart, total)
}

func (b *Builder) baseChunk(doc Document, format Format, docID, rawKey, rawSHA string, man manifest.Raw, loc RawLocation) Chunk {
	headings := []string{}
	if doc.Title != "" {
		headings = append(headings, doc.Title)
	}
	topicTags := man.Tags
	if topicTags == nil {
		topicTags = []string{}
	}
	trust := man.TrustLevel
	if trust == "" {
		trust = "gov"
	}
	language := doc.Language
	if language == "" {
		language = man.Language
	}
	sourceURL := firstNonEmpty(man.OriginalURL, man.SourceURL, doc.SourceURL, loc.S3URL, loc.LocalPath)

	// Echo the manifest without the fields the pipeline appends, so a
	// re-run over the same raw file yields the same chunk bytes.
	echoed := man
	echoed.Chunked = nil
	echoed.ParserVersion = ""
	echoed.SavedChunks = 0
	echoed.ChunkedManifestWrittenAt = ""
	echoed.Error = ""

	return Chunk{
		DocumentID:       docID,
		Headings:         headings,
		HeadingPath:      headings,
		LayoutTags:       []string{string(format)},
		Figures:          []string{},
		SourceURL:        sourceURL,
		SourceDomain:     domainOf(sourceURL),
		S3URL:            loc.S3URL,
		LocalPath:        loc.LocalPath,
		Language:         language,
		TopicTags:        topicTags,
		TrustLevel:       trust,
		LastUpdated:      man.LastUpdated,
		IngestTime:       b.Clock().UTC().Format(ingestTimeLayout),
		ParserVersion:    b.ParserVersion,
		OriginalManifest: echoed,
		Provenance: Provenance{
			RawSHA256:   rawSHA,
			RawKey:      rawKey,
			OriginalURL: man.OriginalURL,
		},
	}
}

func domainOf(src string) string {
	if src == "" {
		return ""
	}
	u, err := url.Parse(src)
	if err != nil {
		return ""
	}
	if u.Host != "" {
		return u.Host
	}
	if parts := strings.SplitN(u.Path, "/", 2); len(parts) > 0 {
		return parts[0]
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intPtr(n int) *int { return &n }
