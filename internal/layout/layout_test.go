package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync/internal/document"
	"skillsync/internal/projector"
	"skillsync/internal/scan"
	"skillsync/internal/token"
)

func parse(t *testing.T, text string) *document.Document {
	t.Helper()
	d := document.Parse(text, document.WithEntityKinds(token.Kinds...))
	_, err := scan.Register(d)
	require.NoError(t, err)
	return d
}

func firstKey(d *document.Document, block int) string {
	return d.Blocks()[block].Children()[0].Key()
}

func TestCaretRect(t *testing.T) {
	d := parse(t, "ab\ncd")
	l := New(d, TerminalMetrics(0), 0)

	r, ok := l.CaretRect(firstKey(d, 0), 2)
	require.True(t, ok)
	assert.Equal(t, projector.Rect{X: 2, Y: 0, Width: 0, Height: 1}, r)

	r, ok = l.CaretRect(firstKey(d, 1), 1)
	require.True(t, ok)
	assert.Equal(t, projector.Rect{X: 1, Y: 1, Width: 0, Height: 1}, r)

	_, ok = l.CaretRect("t999", 0)
	assert.False(t, ok)
	assert.Equal(t, 2, l.Rows())
}

func TestSoftWrap(t *testing.T) {
	d := parse(t, "abcdef\nx")
	l := New(d, TerminalMetrics(4), 0)
	key := firstKey(d, 0)

	r, _ := l.CaretRect(key, 4)
	assert.Equal(t, projector.Rect{X: 0, Y: 1, Height: 1}, r)

	rects, ok := l.RangeRects(key, 1, 5)
	require.True(t, ok)
	assert.Equal(t, []projector.Rect{
		{X: 1, Y: 0, Width: 3, Height: 1},
		{X: 0, Y: 1, Width: 1, Height: 1},
	}, rects)

	b, ok := l.BlockRect(d.Blocks()[0].Key())
	require.True(t, ok)
	assert.Equal(t, projector.Rect{X: 0, Y: 0, Width: 4, Height: 2}, b)
	assert.Equal(t, 3, l.Rows())
}

func TestWideAndTab(t *testing.T) {
	d := parse(t, "日本\tz")
	l := New(d, TerminalMetrics(0), 0)
	key := firstKey(d, 0)

	r, _ := l.CaretRect(key, 1)
	assert.Equal(t, float64(2), r.X)
	r, _ = l.CaretRect(key, 3)
	assert.Equal(t, float64(8), r.X, "tab advances to the next stop")

	rects, _ := l.RangeRects(key, 0, 2)
	require.Len(t, rects, 1)
	assert.Equal(t, float64(4), rects[0].Width)
}

func TestChips(t *testing.T) {
	d := parse(t, "x§[tool].[search].[run].[1]§y")
	l := New(d, TerminalMetrics(0), 0)
	chip := d.Blocks()[0].Children()[1].Key()

	r, ok := l.NodeRect(chip)
	require.True(t, ok)
	assert.Equal(t, projector.Rect{X: 1, Y: 0, Width: 5, Height: 1}, r)

	tail, _ := l.CaretRect(d.Blocks()[0].Children()[2].Key(), 0)
	assert.Equal(t, float64(6), tail.X)

	var entities int
	for _, g := range l.Glyphs() {
		if g.Entity {
			entities++
			assert.Equal(t, "[run]", g.Text)
		}
	}
	assert.Equal(t, 1, entities)
}

func TestScrolledProjection(t *testing.T) {
	d := parse(t, "one\n\nthree")
	l := New(d, TerminalMetrics(0), 1)
	p := projector.New(projector.Build(d), l)

	r, _ := l.CaretRect(firstKey(d, 2), 0)
	assert.Equal(t, float64(1), r.Y, "client rects are shifted by the scroll")

	pos, ok := p.OffsetToVisualPosition(5)
	require.True(t, ok)
	assert.Equal(t, projector.Position{X: 0, Y: 2, Height: 1}, pos, "projected positions are content coordinates")
	row, col := l.Cell(pos.X, pos.Y)
	assert.Equal(t, 2, row)
	assert.Equal(t, 0, col)

	empty, ok := p.OffsetToVisualPosition(4)
	require.True(t, ok)
	assert.Equal(t, float64(1), empty.Y)
}
