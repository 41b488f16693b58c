package projector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync/internal/document"
	"skillsync/internal/scan"
	"skillsync/internal/token"
)

const tool = "§[tool].[search].[run].[1]§"

// gridSurface lays every block out on its own 20px line with 10px per offset.
type gridSurface struct {
	m       *Map
	vp      Viewport
	missing map[string]bool
}

func newGrid(m *Map) *gridSurface {
	return &gridSurface{m: m, vp: Viewport{LineHeight: 20}, missing: map[string]bool{}}
}

func (g *gridSurface) line(blockKey string) float64 {
	return float64(g.m.blockIndex[blockKey]) * 20
}

func (g *gridSurface) col(leaf Leaf, off int) float64 {
	b := g.m.Blocks[g.m.blockIndex[leaf.BlockKey]]
	return float64(leaf.Start-b.Start+off) * 10
}

func (g *gridSurface) CaretRect(key string, offset int) (Rect, bool) {
	leaf, ok := g.m.Leaf(key)
	if !ok || g.missing[key] || leaf.Kind != LeafText {
		return Rect{}, false
	}
	return Rect{X: g.col(leaf, offset), Y: g.line(leaf.BlockKey), Height: 20}, true
}

func (g *gridSurface) RangeRects(key string, start, end int) ([]Rect, bool) {
	leaf, ok := g.m.Leaf(key)
	if !ok || g.missing[key] {
		return nil, false
	}
	return []Rect{
		{X: g.col(leaf, start), Y: g.line(leaf.BlockKey), Width: float64(end-start) * 10, Height: 20},
		{X: g.col(leaf, end), Y: g.line(leaf.BlockKey), Width: 0, Height: 20},
	}, true
}

func (g *gridSurface) NodeRect(key string) (Rect, bool) {
	leaf, ok := g.m.Leaf(key)
	if !ok || g.missing[key] {
		return Rect{}, false
	}
	return Rect{X: g.col(leaf, 0), Y: g.line(leaf.BlockKey), Width: 30, Height: 20}, true
}

func (g *gridSurface) BlockRect(key string) (Rect, bool) {
	if _, ok := g.m.blockIndex[key]; !ok || g.missing[key] {
		return Rect{}, false
	}
	return Rect{X: 0, Y: g.line(key), Width: 400, Height: 24}, true
}

func (g *gridSurface) Viewport() Viewport { return g.vp }

func scanned(t *testing.T, text string) *document.Document {
	t.Helper()
	d := document.Parse(text, document.WithEntityKinds(token.Kinds...))
	_, err := scan.Register(d)
	require.NoError(t, err)
	return d
}

func TestBuild(t *testing.T) {
	d := scanned(t, "Hello "+tool+" world\n\nend")
	m := Build(d)

	toolLen := len([]rune(tool))
	require.Len(t, m.Leaves, 4)
	assert.Equal(t, 0, m.Leaves[0].Start)
	assert.Equal(t, 6, m.Leaves[0].End)
	assert.Equal(t, LeafEntity, m.Leaves[1].Kind)
	assert.Equal(t, 6+toolLen, m.Leaves[1].End)
	assert.Equal(t, 6+toolLen+6, m.Leaves[2].End)

	require.Len(t, m.Blocks, 3)
	assert.False(t, m.Blocks[1].HasText)
	assert.Equal(t, m.Blocks[0].End+1, m.Blocks[1].Start)
	assert.Equal(t, m.Blocks[1].Start, m.Blocks[1].End)
	assert.Equal(t, m.Blocks[1].End+1, m.Blocks[2].Start)

	assert.True(t, m.IsBoundary(m.Blocks[0].End))
	assert.True(t, m.IsBoundary(m.Blocks[1].End))
	assert.False(t, m.IsBoundary(m.Blocks[2].End))
	assert.Equal(t, d.Len(), m.Len, "linear length matches serialized text")
}

func TestPointToOffset(t *testing.T) {
	d := scanned(t, "ab "+tool+"\n\ncd")
	m := Build(d)
	b0 := d.Blocks()[0]
	text := b0.Children()[0]
	ent := b0.Children()[1]
	empty := d.Blocks()[1]
	last := d.Blocks()[2].Children()[0]
	toolLen := len([]rune(tool))

	tests := []struct {
		name string
		p    document.Point
		want int
	}{
		{"text start", document.Point{Key: text.Key(), Offset: 0}, 0},
		{"text middle", document.Point{Key: text.Key(), Offset: 2}, 2},
		{"text clamps", document.Point{Key: text.Key(), Offset: 99}, 3},
		{"entity before", document.Point{Key: ent.Key(), Offset: 0}, 3},
		{"entity after", document.Point{Key: ent.Key(), Offset: 1}, 3 + toolLen},
		{"entity clamps", document.Point{Key: ent.Key(), Offset: 7}, 3 + toolLen},
		{"block start", document.Point{Key: b0.Key(), Offset: 0}, 0},
		{"block after first child", document.Point{Key: b0.Key(), Offset: 1}, 3},
		{"empty block", document.Point{Key: empty.Key(), Offset: 0}, 4 + toolLen},
		{"last block", document.Point{Key: last.Key(), Offset: 2}, 7 + toolLen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := m.PointToOffset(tc.p)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := m.PointToOffset(document.Point{Key: "t404"})
	assert.False(t, ok, "stale keys do not resolve")
}

func TestOffsetRoundTrip(t *testing.T) {
	docs := []string{
		"",
		"\n\n",
		"one\n\n\ntwo",
		"x" + tool + tool + "y\n\n[" + tool + "," + tool + "]",
		"\nlead\n",
	}
	for _, src := range docs {
		d := scanned(t, src)
		m := Build(d)
		for o := 0; o <= m.Len; o++ {
			p, ok := m.OffsetToPoint(o)
			require.True(t, ok, "offset %d in %q", o, src)
			back, ok := m.PointToOffset(p)
			require.True(t, ok)
			if leaf, isLeaf := m.Leaf(p.Key); isLeaf && leaf.Kind == LeafEntity && o > leaf.Start && o < leaf.End {
				assert.Equal(t, leaf.End, back)
				continue
			}
			assert.Equal(t, o, back, "offset %d in %q", o, src)
		}
	}
}

func TestOffsetToPointPrefersPreviousLeaf(t *testing.T) {
	d := scanned(t, "ab"+tool)
	m := Build(d)
	p, ok := m.OffsetToPoint(2)
	require.True(t, ok)
	assert.Equal(t, d.Blocks()[0].Children()[0].Key(), p.Key)
	assert.Equal(t, 2, p.Offset)

	_, ok = m.OffsetToPoint(m.Len + 1)
	assert.False(t, ok)
}

func TestSelectionRange(t *testing.T) {
	d := scanned(t, "hello")
	m := Build(d)
	key := d.Blocks()[0].Children()[0].Key()

	r, ok := m.SelectionRange(document.Selection{
		Anchor: document.Point{Key: key, Offset: 4},
		Focus:  document.Point{Key: key, Offset: 1},
	})
	require.True(t, ok)
	assert.Equal(t, Range{Start: 1, End: 4}, r)
	assert.False(t, r.Collapsed())

	_, ok = m.SelectionRange(document.Selection{Anchor: document.Point{Key: "gone"}})
	assert.False(t, ok)
}

func TestOffsetToVisualPosition(t *testing.T) {
	d := scanned(t, "ab "+tool+" cd\n\nxyz")
	m := Build(d)
	g := newGrid(m)
	p := New(m, g)
	toolLen := len([]rune(tool))

	t.Run("inside text", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(1)
		require.True(t, ok)
		assert.Equal(t, Position{X: 10, Y: 0, Height: 20}, pos)
	})

	t.Run("shared edge prefers earlier text", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(3)
		require.True(t, ok)
		assert.Equal(t, Position{X: 30, Y: 0, Height: 20}, pos)
	})

	t.Run("inside entity snaps to chip edge", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(5)
		require.True(t, ok)
		assert.Equal(t, Position{X: 60, Y: 0, Height: 20}, pos)
	})

	t.Run("end of line before boundary", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(m.Blocks[0].End)
		require.True(t, ok)
		assert.Equal(t, float64(0), pos.Y)
		assert.Equal(t, float64(3+toolLen+3)*10, pos.X)
	})

	t.Run("empty block uses block rect", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(m.Blocks[1].Start)
		require.True(t, ok)
		assert.Equal(t, Position{X: 0, Y: 20, Height: 20}, pos)
	})

	t.Run("clamped", func(t *testing.T) {
		pos, ok := p.OffsetToVisualPosition(-5)
		require.True(t, ok)
		assert.Equal(t, Position{X: 0, Y: 0, Height: 20}, pos)
		pos, ok = p.OffsetToVisualPosition(1 << 20)
		require.True(t, ok)
		assert.Equal(t, Position{X: 30, Y: 40, Height: 20}, pos)
	})

	t.Run("stale node", func(t *testing.T) {
		g.missing[m.Leaves[0].Key] = true
		defer delete(g.missing, m.Leaves[0].Key)
		_, ok := p.OffsetToVisualPosition(1)
		assert.False(t, ok)
	})
}

func TestVisualPositionNeverFailsOnLiveDocument(t *testing.T) {
	for _, src := range []string{"", "\n", "a\n\nb", tool, "x\n" + tool + "\n"} {
		d := scanned(t, src)
		m := Build(d)
		p := New(m, newGrid(m))
		for o := 0; o <= m.Len; o++ {
			_, ok := p.OffsetToVisualPosition(o)
			assert.True(t, ok, "offset %d in %q", o, src)
		}
	}
}

func TestEmptyDocumentFallback(t *testing.T) {
	m := Build(scanned(t, ""))
	g := newGrid(m)
	g.missing[m.Blocks[0].Key] = true
	g.vp = Viewport{Origin: Rect{X: 100, Y: 50}, LineHeight: 18}

	pos, ok := New(m, g).OffsetToVisualPosition(0)
	require.True(t, ok)
	assert.Equal(t, Position{X: 0, Y: 0, Height: 18}, pos)
}

func TestContainerRelative(t *testing.T) {
	m := Build(scanned(t, "abc"))
	g := newGrid(m)
	g.vp = Viewport{Origin: Rect{X: 5, Y: 7}, ScrollX: 2, ScrollY: 40, LineHeight: 20}

	pos, ok := New(m, g).OffsetToVisualPosition(2)
	require.True(t, ok)
	assert.Equal(t, Position{X: 20 - 5 + 2, Y: 0 - 7 + 40, Height: 20}, pos)
}

func TestOffsetsToSelectionRects(t *testing.T) {
	d := scanned(t, "abc "+tool+"\n\nxyz")
	m := Build(d)
	p := New(m, newGrid(m))

	t.Run("collapsed is empty", func(t *testing.T) {
		assert.Empty(t, p.OffsetsToSelectionRects(2, 2))
		assert.Empty(t, p.OffsetsToSelectionRects(m.Len, m.Len))
	})

	t.Run("within one run", func(t *testing.T) {
		rects := p.OffsetsToSelectionRects(1, 3)
		require.Len(t, rects, 1, "zero-width rects are dropped")
		assert.Equal(t, Rect{X: 10, Y: 0, Width: 20, Height: 20}, rects[0])
	})

	t.Run("reversed arguments", func(t *testing.T) {
		assert.Equal(t, p.OffsetsToSelectionRects(1, 3), p.OffsetsToSelectionRects(3, 1))
	})

	t.Run("spans entity and empty block", func(t *testing.T) {
		rects := p.OffsetsToSelectionRects(2, m.Len)
		require.Len(t, rects, 4)
		assert.Equal(t, Rect{X: 20, Y: 0, Width: 20, Height: 20}, rects[0])
		assert.Equal(t, Rect{X: 40, Y: 0, Width: 30, Height: 20}, rects[1])
		assert.Equal(t, Rect{X: 0, Y: 40, Width: 30, Height: 20}, rects[2])
		assert.Equal(t, Rect{X: 0, Y: 20, Width: 400, Height: 24}, rects[3])
	})

	t.Run("empty block outside range", func(t *testing.T) {
		rects := p.OffsetsToSelectionRects(0, 2)
		require.Len(t, rects, 1)
	})
}
