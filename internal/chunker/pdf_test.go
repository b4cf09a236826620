package chunker

import (
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/require"
)

func elem(s string, x, y, w float64) pdf.Text {
	return pdf.Text{S: s, X: x, Y: y, W: w}
}

func TestGroupLinesByYProximity(t *testing.T) {
	elems := []pdf.Text{
		elem("Hello ", 10, 700, 30),
		elem("world", 42, 700.5, 30),
		elem("Second line", 10, 680, 60),
	}
	lines := groupLines(elems)
	require.Len(t, lines, 2)
	require.Equal(t, "Hello world", lines[0].text)
	require.Equal(t, "Second line", lines[1].text)
}

func TestGroupLinesCellSplit(t *testing.T) {
	elems := []pdf.Text{
		elem("Name", 10, 700, 30),
		elem("Amount", 200, 700, 40), // large X gap starts a new cell
	}
	lines := groupLines(elems)
	require.Len(t, lines, 1)
	require.Equal(t, []string{"Name", "Amount"}, lines[0].cells)
}

func TestSplitTablesDetectsMultiCellBlocks(t *testing.T) {
	table := textBlock{lines: []textLine{
		{cells: []string{"Name", "Amount"}},
		{cells: []string{"Alice", "100"}},
	}}
	prose := textBlock{lines: []textLine{
		{cells: []string{"Just a paragraph of text."}},
	}}
	tables, flow := splitTables([]textBlock{table, prose})
	require.Len(t, tables, 1)
	require.Len(t, flow, 1)
	require.Equal(t, "Name\tAmount\nAlice\t100", tables[0].rowsText())
}

func TestFlowTextColumnOrdering(t *testing.T) {
	// two columns: left (x~50) and right (x~400), each with two blocks
	left1 := textBlock{lines: []textLine{{text: "L1"}}, x0: 40, x1: 60, yTop: 700, yBot: 690}
	left2 := textBlock{lines: []textLine{{text: "L2"}}, x0: 50, x1: 70, yTop: 600, yBot: 590}
	right1 := textBlock{lines: []textLine{{text: "R1"}}, x0: 390, x1: 410, yTop: 700, yBot: 690}
	right2 := textBlock{lines: []textLine{{text: "R2"}}, x0: 400, x1: 420, yTop: 600, yBot: 590}

	out := flowText([]textBlock{right2, left1, right1, left2})
	// left column fully before right column, top-down within each
	require.Regexp(t, `(?s)L1.*L2.*R1.*R2`, out)
}

func TestCaptureCaptions(t *testing.T) {
	table := textBlock{
		lines: []textLine{{cells: []string{"a", "b"}}, {cells: []string{"c", "d"}}},
		x0:    100, x1: 300, yTop: 500, yBot: 400,
	}
	caption := textBlock{
		lines: []textLine{{text: "Table 1: Fees", cells: []string{"Table 1: Fees"}}},
		x0:    100, x1: 300, yTop: 395, yBot: 385,
	}
	flow := []textBlock{caption}
	captions := captureCaptions([]textBlock{table}, &flow)
	// caption does not overlap, but sits within proximity; overlap rule
	// keeps it in the flow
	require.Empty(t, captions)
	require.Len(t, flow, 1)

	// a block overlapping the table bbox is pulled out of the flow
	overlapping := textBlock{
		lines: []textLine{{text: "Total row"}},
		x0:    100, x1: 300, yTop: 430, yBot: 380,
	}
	flow = []textBlock{overlapping}
	_ = captureCaptions([]textBlock{table}, &flow)
	require.Empty(t, flow)
}

func TestReflow(t *testing.T) {
	in := "First line\nwrapped here.\n\nNew paragraph.\x00\x01"
	out := Reflow(in)
	require.NotContains(t, out, "\x00")
	require.Contains(t, out, "First line wrapped here.")
	require.Contains(t, out, "New paragraph.")
}
