// Package projector maps between document positions, linear character
// offsets and on-screen rectangles.
//
// The linear space counts runes of the serialized document. Every boundary
// between two blocks consumes exactly one offset (the implicit newline), so
// block i+1 starts one past the end of block i. Both conversion directions
// rely on that convention.
package projector

import (
	"skillsync/internal/document"
)

// LeafKind distinguishes text runs from entity nodes.
type LeafKind uint8

const (
	LeafText LeafKind = iota
	LeafEntity
)

// Leaf is one text-bearing node with its absolute span.
type Leaf struct {
	Key      string
	BlockKey string
	Kind     LeafKind
	Start    int
	End      int
}

// BlockSpan is a block with its absolute span. HasText is false for empty
// blocks.
type BlockSpan struct {
	Key     string
	Start   int
	End     int
	HasText bool

	first, count int
}

// Range is an ordered pair of offsets.
type Range struct {
	Start int
	End   int
}

// Collapsed reports whether the range is a bare caret.
func (r Range) Collapsed() bool { return r.Start == r.End }

// Map is a read-only projection of a document at one point in time. Build a
// fresh one for every computation; it is never updated.
type Map struct {
	Leaves     []Leaf
	Blocks     []BlockSpan
	Boundaries map[int]struct{}
	Len        int

	leafIndex  map[string]int
	blockIndex map[string]int
	textLeaves int
}

// Build projects d.
func Build(d *document.Document) *Map {
	m := &Map{
		Boundaries: make(map[int]struct{}),
		leafIndex:  make(map[string]int),
		blockIndex: make(map[string]int),
	}
	offset := 0
	blocks := d.Blocks()
	for bi, b := range blocks {
		span := BlockSpan{Key: b.Key(), Start: offset, first: len(m.Leaves)}
		for _, c := range b.Children() {
			var n int
			kind := LeafText
			switch v := c.(type) {
			case *document.Text:
				n = v.Len()
				m.textLeaves++
			case *document.Entity:
				n = v.Len()
				kind = LeafEntity
			default:
				continue
			}
			m.leafIndex[c.Key()] = len(m.Leaves)
			m.Leaves = append(m.Leaves, Leaf{
				Key:      c.Key(),
				BlockKey: b.Key(),
				Kind:     kind,
				Start:    offset,
				End:      offset + n,
			})
			offset += n
		}
		span.End = offset
		span.count = len(m.Leaves) - span.first
		span.HasText = span.count > 0
		m.blockIndex[b.Key()] = len(m.Blocks)
		m.Blocks = append(m.Blocks, span)
		if bi < len(blocks)-1 {
			m.Boundaries[offset] = struct{}{}
			offset++
		}
	}
	m.Len = offset
	return m
}

// IsBoundary reports whether offset is the position of an implicit newline
// between two blocks.
func (m *Map) IsBoundary(offset int) bool {
	_, ok := m.Boundaries[offset]
	return ok
}

// HasTextLeaves reports whether any block holds a text run.
func (m *Map) HasTextLeaves() bool { return m.textLeaves > 0 }

// Leaf returns the leaf for key.
func (m *Map) Leaf(key string) (Leaf, bool) {
	i, ok := m.leafIndex[key]
	if !ok {
		return Leaf{}, false
	}
	return m.Leaves[i], true
}

// BlockLeaves returns the leaves of a block.
func (m *Map) BlockLeaves(b BlockSpan) []Leaf {
	return m.Leaves[b.first : b.first+b.count]
}

// BlockAt returns the block whose span contains offset.
func (m *Map) BlockAt(offset int) (BlockSpan, bool) {
	for _, b := range m.Blocks {
		if offset >= b.Start && offset <= b.End {
			return b, true
		}
	}
	return BlockSpan{}, false
}

// Clamp limits offset to [0, Len].
func (m *Map) Clamp(offset int) int {
	if offset < 0 {
		return 0
	}
	if offset > m.Len {
		return m.Len
	}
	return offset
}

// PointToOffset converts a document point to a linear offset. Points on an
// entity clamp to its span. Unknown keys report false; the caller should
// abandon the computation rather than guess.
func (m *Map) PointToOffset(p document.Point) (int, bool) {
	if i, ok := m.leafIndex[p.Key]; ok {
		leaf := m.Leaves[i]
		if leaf.Kind == LeafEntity {
			if p.Offset <= 0 {
				return leaf.Start, true
			}
			return leaf.End, true
		}
		return leaf.Start + clamp(p.Offset, 0, leaf.End-leaf.Start), true
	}
	if i, ok := m.blockIndex[p.Key]; ok {
		b := m.Blocks[i]
		child := clamp(p.Offset, 0, b.count)
		if child == 0 {
			return b.Start, true
		}
		return m.Leaves[b.first+child-1].End, true
	}
	return 0, false
}

// OffsetToPoint converts a linear offset back to a document point. At a
// shared edge the earlier leaf wins; an offset inside an entity maps to the
// point after it.
func (m *Map) OffsetToPoint(offset int) (document.Point, bool) {
	if offset < 0 || offset > m.Len {
		return document.Point{}, false
	}
	b, ok := m.BlockAt(offset)
	if !ok {
		return document.Point{}, false
	}
	for _, leaf := range m.BlockLeaves(b) {
		if offset < leaf.Start || offset > leaf.End {
			continue
		}
		if leaf.Kind == LeafEntity {
			if offset == leaf.Start {
				return document.Point{Key: leaf.Key, Offset: 0}, true
			}
			return document.Point{Key: leaf.Key, Offset: 1}, true
		}
		return document.Point{Key: leaf.Key, Offset: offset - leaf.Start}, true
	}
	return document.Point{Key: b.Key, Offset: 0}, true
}

// SelectionRange converts a selection to an ordered range.
func (m *Map) SelectionRange(sel document.Selection) (Range, bool) {
	anchor, ok := m.PointToOffset(sel.Anchor)
	if !ok {
		return Range{}, false
	}
	focus, ok := m.PointToOffset(sel.Focus)
	if !ok {
		return Range{}, false
	}
	if anchor > focus {
		anchor, focus = focus, anchor
	}
	return Range{Start: anchor, End: focus}, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
