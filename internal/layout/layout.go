// Package layout places a document on a fixed cell grid and answers the
// measuring questions the projector asks of a rendering surface.
package layout

import (
	"github.com/rivo/uniseg"

	"skillsync/internal/document"
	"skillsync/internal/projector"
)

// Metrics describes the grid.
type Metrics struct {
	CellWidth  float64 // Width of one column
	LineHeight float64 // Height of one row
	Columns    int     // Soft-wrap width in columns, 0 = no wrap
	PadX       float64
	PadY       float64
	TabWidth   int
}

// TerminalMetrics is one unit per cell with no padding.
func TerminalMetrics(columns int) Metrics {
	return Metrics{CellWidth: 1, LineHeight: 1, Columns: columns, TabWidth: 4}
}

// Glyph is one drawable item: a grapheme cluster of a text run or a whole
// entity chip.
type Glyph struct {
	Key    string
	Row    int
	Col    int
	Width  int
	Text   string
	Entity bool
}

type cell struct {
	row, col, width int
}

type textRun struct {
	cells []cell // One per rune plus the end position
}

type box struct {
	row, col, width, rows int
}

// Layout is the grid placement of one document snapshot. It is never
// updated; build a new one after the document changes.
type Layout struct {
	m         Metrics
	scrollRow int
	runs      map[string]*textRun
	chips     map[string]box
	blocks    map[string]box
	glyphs    []Glyph
	rows      int
}

// New lays d out. scrollRow is the first visible row.
func New(d *document.Document, m Metrics, scrollRow int) *Layout {
	if m.CellWidth <= 0 {
		m.CellWidth = 1
	}
	if m.LineHeight <= 0 {
		m.LineHeight = 1
	}
	if m.TabWidth < 1 {
		m.TabWidth = 4
	}
	l := &Layout{
		m:         m,
		scrollRow: scrollRow,
		runs:      make(map[string]*textRun),
		chips:     make(map[string]box),
		blocks:    make(map[string]box),
	}
	row := 0
	for _, b := range d.Blocks() {
		start := row
		col, width := 0, 0
		for _, c := range b.Children() {
			switch n := c.(type) {
			case *document.Text:
				row, col = l.placeText(n, row, col)
			case *document.Entity:
				row, col = l.placeChip(n, row, col)
			}
			width = max(width, col)
		}
		if m.Columns > 0 {
			width = m.Columns
		}
		l.blocks[b.Key()] = box{row: start, col: 0, width: max(width, 1), rows: row - start + 1}
		row++
	}
	l.rows = row
	return l
}

func (l *Layout) wraps(col, w int) bool {
	return l.m.Columns > 0 && col > 0 && col+w > l.m.Columns
}

func (l *Layout) placeText(t *document.Text, row, col int) (int, int) {
	run := &textRun{cells: make([]cell, 0, t.Len()+1)}
	rest := t.Text()
	state := -1
	for len(rest) > 0 {
		var cluster string
		var w int
		cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if cluster == "\t" {
			w = l.m.TabWidth - col%l.m.TabWidth
		}
		if l.wraps(col, w) {
			row, col = row+1, 0
		}
		first := true
		for range cluster {
			cw := 0
			if first {
				cw = w
				first = false
			}
			run.cells = append(run.cells, cell{row: row, col: col, width: cw})
		}
		text := cluster
		if cluster == "\t" {
			text = " "
		}
		if w > 0 {
			l.glyphs = append(l.glyphs, Glyph{Key: t.Key(), Row: row, Col: col, Width: w, Text: text})
		}
		col += w
	}
	run.cells = append(run.cells, cell{row: row, col: col})
	l.runs[t.Key()] = run
	return row, col
}

func (l *Layout) placeChip(e *document.Entity, row, col int) (int, int) {
	label := "[" + e.Value().Label() + "]"
	w := uniseg.StringWidth(label)
	if l.wraps(col, w) {
		row, col = row+1, 0
	}
	l.chips[e.Key()] = box{row: row, col: col, width: w, rows: 1}
	l.glyphs = append(l.glyphs, Glyph{Key: e.Key(), Row: row, Col: col, Width: w, Text: label, Entity: true})
	return row, col + w
}

// Rows returns the number of rows the document occupies.
func (l *Layout) Rows() int { return l.rows }

// Glyphs returns every drawable item in document order.
func (l *Layout) Glyphs() []Glyph { return l.glyphs }

// Metrics returns the grid metrics.
func (l *Layout) Metrics() Metrics { return l.m }

func (l *Layout) rect(row, col, width, rows int) projector.Rect {
	return projector.Rect{
		X:      l.m.PadX + float64(col)*l.m.CellWidth,
		Y:      l.m.PadY + float64(row-l.scrollRow)*l.m.LineHeight,
		Width:  float64(width) * l.m.CellWidth,
		Height: float64(rows) * l.m.LineHeight,
	}
}

// Cell converts a container-relative position, as returned by the
// projector, to a content row and column.
func (l *Layout) Cell(x, y float64) (row, col int) {
	col = int((x - l.m.PadX) / l.m.CellWidth)
	row = int((y - l.m.PadY) / l.m.LineHeight)
	return row, col
}

func (l *Layout) CaretRect(key string, offset int) (projector.Rect, bool) {
	run, ok := l.runs[key]
	if !ok {
		return projector.Rect{}, false
	}
	offset = min(max(offset, 0), len(run.cells)-1)
	c := run.cells[offset]
	return l.rect(c.row, c.col, 0, 1), true
}

func (l *Layout) RangeRects(key string, start, end int) ([]projector.Rect, bool) {
	run, ok := l.runs[key]
	if !ok {
		return nil, false
	}
	last := len(run.cells) - 1
	start = min(max(start, 0), last)
	end = min(max(end, start), last)

	var rects []projector.Rect
	row, from, to := -1, 0, 0
	flush := func() {
		if row >= 0 {
			rects = append(rects, l.rect(row, from, to-from, 1))
		}
	}
	for _, c := range run.cells[start:end] {
		if c.row != row {
			flush()
			row, from, to = c.row, c.col, c.col
		}
		to = max(to, c.col+c.width)
	}
	flush()
	return rects, true
}

func (l *Layout) NodeRect(key string) (projector.Rect, bool) {
	b, ok := l.chips[key]
	if !ok {
		return projector.Rect{}, false
	}
	return l.rect(b.row, b.col, b.width, b.rows), true
}

func (l *Layout) BlockRect(key string) (projector.Rect, bool) {
	b, ok := l.blocks[key]
	if !ok {
		return projector.Rect{}, false
	}
	return l.rect(b.row, b.col, b.width, b.rows), true
}

func (l *Layout) Viewport() projector.Viewport {
	return projector.Viewport{
		ScrollY:    float64(l.scrollRow) * l.m.LineHeight,
		LineHeight: l.m.LineHeight,
	}
}
