package chunker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"civicinfo/internal/logging"
	"civicinfo/internal/manifest"
	"civicinfo/internal/ocr"
)

// Geometry thresholds for page reconstruction, in PDF points.
const (
	lineYTolerance   = 3.0  // text elements within this Y delta share a line
	blockGapFactor   = 1.8  // Y gap beyond median*factor starts a new block
	blockGapMinimum  = 14.0 // floor for the block gap threshold
	cellXGap         = 24.0 // X gap separating table cells within a line
	columnGapFactor  = 1.5  // x-center gap beyond median*factor splits columns
	paragraphGap     = 50.0 // vertical gap starting a new paragraph in a column
	captionProximity = 80.0 // max distance below a figure for caption capture
	captionOverlap   = 0.25 // bbox overlap ratio that binds text to a figure
	minImageDim      = 32   // skip decorative images below this pixel size
)

// PDFCanonicalizer reconstructs the reading order of each PDF page from
// positioned text elements, extracts tables as tab-joined rows, and OCRs
// qualifying embedded images.
type PDFCanonicalizer struct {
	OCR           ocr.Client
	MinImageBytes int
}

func (p *PDFCanonicalizer) Format() Format { return FormatPDF }

// Canonicalize opens the PDF and extracts one Page per physical page. A
// page that fails extraction contributes an empty Page; an unreadable
// document returns an error and no pages.
func (p *PDFCanonicalizer) Canonicalize(ctx context.Context, raw []byte, man manifest.Raw) (Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Document{}, fmt.Errorf("open pdf: %w", err)
	}

	doc := Document{Language: man.Language}
	totalPages := reader.NumPage()
	for pageNo := 1; pageNo <= totalPages; pageNo++ {
		page := p.extractPage(ctx, reader, pageNo)
		page.Number = pageNo
		doc.Pages = append(doc.Pages, page)
	}
	return doc, nil
}

// extractPage never fails: extraction errors are logged and yield an
// empty page so provenance survives.
func (p *PDFCanonicalizer) extractPage(ctx context.Context, reader *pdf.Reader, pageNo int) (out Page) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("page", pageNo).WithField("panic", fmt.Sprint(r)).
				Warn("pdf_page_extract_panic")
			out = Page{}
		}
	}()

	page := reader.Page(pageNo)
	if page.V.IsNull() {
		return Page{}
	}

	lines := groupLines(page.Content().Text)
	blocks := groupBlocks(lines)
	tables, flow := splitTables(blocks)
	captions := captureCaptions(tables, &flow)

	var figures []string
	for i, t := range tables {
		text := t.rowsText()
		if caption := captions[i]; caption != "" {
			text = caption + "\n" + text
		}
		if text = strings.TrimSpace(text); text != "" {
			figures = append(figures, text)
		}
	}

	usedOCR := false
	for _, img := range p.pageImages(page, pageNo) {
		text, err := p.OCR.Recognize(ctx, img)
		if err != nil {
			logging.Log.WithField("page", pageNo).WithField("error", err.Error()).
				Warn("pdf_figure_ocr_failed")
			continue
		}
		if text = Reflow(text); text != "" {
			figures = append(figures, text)
			usedOCR = true
		}
	}

	return Page{
		Text:    Reflow(flowText(flow)),
		Figures: figures,
		UsedOCR: usedOCR,
	}
}

// textLine is a visual line reconstructed from positioned text elements.
type textLine struct {
	y     float64
	x0    float64
	x1    float64
	cells []string // runs separated by large X gaps
	text  string
}

// groupLines clusters text elements into visual lines by Y proximity,
// preserving content-stream order within a line.
func groupLines(elems []pdf.Text) []textLine {
	var lines []textLine
	var cur *textLine
	var prevEnd float64
	var cellBuf strings.Builder

	flushCell := func() {
		if cur != nil && cellBuf.Len() > 0 {
			cur.cells = append(cur.cells, strings.TrimSpace(cellBuf.String()))
			cellBuf.Reset()
		}
	}

	for _, t := range elems {
		if cur == nil || math.Abs(t.Y-cur.y) > lineYTolerance {
			flushCell()
			lines = append(lines, textLine{y: t.Y, x0: t.X, x1: t.X + t.W})
			cur = &lines[len(lines)-1]
			prevEnd = t.X
		}
		if t.X-prevEnd > cellXGap && cellBuf.Len() > 0 {
			flushCell()
		}
		cellBuf.WriteString(t.S)
		if t.X < cur.x0 {
			cur.x0 = t.X
		}
		if t.X+t.W > cur.x1 {
			cur.x1 = t.X + t.W
		}
		prevEnd = t.X + t.W
	}
	flushCell()

	for i := range lines {
		lines[i].text = strings.TrimSpace(strings.Join(lines[i].cells, " "))
	}
	return lines
}

// textBlock is a group of adjacent lines with a shared bounding box.
type textBlock struct {
	lines []textLine
	x0    float64
	x1    float64
	yTop  float64 // larger Y (PDF origin is bottom-left)
	yBot  float64
}

func (b textBlock) area() float64 {
	w := b.x1 - b.x0
	h := b.yTop - b.yBot
	if w <= 0 || h <= 0 {
		return 1
	}
	return w * h
}

func (b textBlock) text() string {
	parts := make([]string, 0, len(b.lines))
	for _, l := range b.lines {
		if l.text != "" {
			parts = append(parts, l.text)
		}
	}
	return strings.Join(parts, "\n")
}

// rowsText renders a table block as tab-joined rows.
func (b textBlock) rowsText() string {
	rows := make([]string, 0, len(b.lines))
	for _, l := range b.lines {
		rows = append(rows, strings.Join(l.cells, "\t"))
	}
	return strings.Join(rows, "\n")
}

// groupBlocks clusters lines into blocks split on vertical gaps larger
// than the adaptive threshold.
func groupBlocks(lines []textLine) []textBlock {
	if len(lines) == 0 {
		return nil
	}
	sorted := append([]textLine(nil), lines...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].y > sorted[j].y })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i-1].y-sorted[i].y)
	}
	threshold := blockGapMinimum
	if len(gaps) > 0 {
		g := append([]float64(nil), gaps...)
		sort.Float64s(g)
		if med := g[len(g)/2] * blockGapFactor; med > threshold {
			threshold = med
		}
	}

	var blocks []textBlock
	open := func(l textLine) textBlock {
		return textBlock{lines: []textLine{l}, x0: l.x0, x1: l.x1, yTop: l.y, yBot: l.y}
	}
	cur := open(sorted[0])
	for i := 1; i < len(sorted); i++ {
		l := sorted[i]
		if cur.yBot-l.y > threshold {
			blocks = append(blocks, cur)
			cur = open(l)
			continue
		}
		cur.lines = append(cur.lines, l)
		if l.x0 < cur.x0 {
			cur.x0 = l.x0
		}
		if l.x1 > cur.x1 {
			cur.x1 = l.x1
		}
		cur.yBot = l.y
	}
	blocks = append(blocks, cur)
	return blocks
}

// splitTables separates table-like blocks (two or more multi-cell rows)
// from the running text flow.
func splitTables(blocks []textBlock) (tables, flow []textBlock) {
	for _, b := range blocks {
		multiCell := 0
		for _, l := range b.lines {
			if len(l.cells) >= 2 {
				multiCell++
			}
		}
		if multiCell >= 2 && multiCell*2 >= len(b.lines) {
			tables = append(tables, b)
		} else {
			flow = append(flow, b)
		}
	}
	return tables, flow
}

// captureCaptions removes flow blocks overlapping a table bbox by at least
// the overlap ratio; a removed block whose bottom edge lies below the
// table's, by less than captionProximity, becomes its caption. Returns
// caption text per table index.
func captureCaptions(tables []textBlock, flow *[]textBlock) map[int]string {
	captions := make(map[int]string)
	if len(tables) == 0 {
		return captions
	}
	kept := (*flow)[:0]
	for _, b := range *flow {
		overlapped := false
		for ti, t := range tables {
			interW := math.Min(b.x1, t.x1) - math.Max(b.x0, t.x0)
			interH := math.Min(b.yTop, t.yTop) - math.Max(b.yBot, t.yBot)
			if interW <= 0 || interH <= 0 {
				continue
			}
			if interW*interH/b.area() >= captionOverlap {
				overlapped = true
				if b.yBot < t.yBot && t.yBot-b.yBot < captionProximity {
					if captions[ti] != "" {
						captions[ti] += "\n"
					}
					captions[ti] += b.text()
				}
				break
			}
		}
		if !overlapped {
			kept = append(kept, b)
		}
	}
	*flow = kept
	return captions
}

// flowText orders blocks into columns by x-center clustering (split on
// gaps above columnGapFactor times the median gap), sorts within each
// column top-down, and joins with paragraph heuristics.
func flowText(blocks []textBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	type centered struct {
		center float64
		block  textBlock
	}
	centers := make([]centered, 0, len(blocks))
	for _, b := range blocks {
		centers = append(centers, centered{center: (b.x0 + b.x1) / 2, block: b})
	}
	sort.SliceStable(centers, func(i, j int) bool { return centers[i].center < centers[j].center })

	gaps := make([]float64, 0, len(centers)-1)
	for i := 1; i < len(centers); i++ {
		gaps = append(gaps, centers[i].center-centers[i-1].center)
	}
	var medGap float64
	if len(gaps) > 0 {
		g := append([]float64(nil), gaps...)
		sort.Float64s(g)
		medGap = g[len(g)/2]
	}
	if medGap == 0 {
		for _, g := range gaps {
			if g > medGap {
				medGap = g
			}
		}
		if medGap == 0 {
			medGap = paragraphGap
		}
	}

	var columns [][]textBlock
	col := []textBlock{centers[0].block}
	for i := 1; i < len(centers); i++ {
		if centers[i].center-centers[i-1].center > medGap*columnGapFactor {
			columns = append(columns, col)
			col = nil
		}
		col = append(col, centers[i].block)
	}
	columns = append(columns, col)

	var colTexts []string
	for _, blocks := range columns {
		sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].yTop > blocks[j].yTop })
		var pieces []string
		prevBot := math.Inf(1)
		for _, b := range blocks {
			if prevBot-b.yTop > paragraphGap && len(pieces) > 0 {
				pieces = append(pieces, "\n\n"+b.text())
			} else {
				pieces = append(pieces, b.text())
			}
			prevBot = b.yBot
		}
		if t := strings.TrimSpace(strings.Join(pieces, "\n")); t != "" {
			colTexts = append(colTexts, t)
		}
	}
	return strings.Join(colTexts, "\n\n")
}

// pageImages returns the decodable embedded images of the page that meet
// the size thresholds.
func (p *PDFCanonicalizer) pageImages(page pdf.Page, pageNo int) [][]byte {
	resources := page.Resources()
	if resources.IsNull() {
		return nil
	}
	xobjects := resources.Key("XObject")
	if xobjects.IsNull() {
		return nil
	}

	var images [][]byte
	for _, name := range xobjects.Keys() {
		xobj := xobjects.Key(name)
		if xobj.Key("Subtype").Name() != "Image" {
			continue
		}
		if xobj.Key("ImageMask").Bool() {
			continue
		}
		if xobj.Key("Width").Int64() < minImageDim || xobj.Key("Height").Int64() < minImageDim {
			continue
		}
		data := readImageStream(xobj, pageNo, name)
		if len(data) < p.MinImageBytes {
			continue
		}
		images = append(images, data)
	}
	return images
}

// readImageStream reads an XObject stream, recovering from library panics
// on unsupported filter chains.
func readImageStream(xobj pdf.Value, pageNo int, name string) (data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log.WithField("page", pageNo).WithField("xobject", name).
				WithField("panic", fmt.Sprint(r)).Debug("pdf_image_stream_skipped")
			data = nil
		}
	}()
	b, err := io.ReadAll(xobj.Reader())
	if err != nil {
		return nil
	}
	return b
}
