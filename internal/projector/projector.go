package projector

// Rect is an axis-aligned rectangle.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Viewport describes the scroll container: its client rectangle, its scroll
// offsets and the line height used when nothing can be measured.
type Viewport struct {
	Origin     Rect
	ScrollX    float64
	ScrollY    float64
	LineHeight float64
}

// Surface measures rendered nodes, in client coordinates. It stands in for
// the browser's range and element measurement. Implementations report false
// for keys they cannot resolve.
type Surface interface {
	// CaretRect returns the collapsed caret rectangle before rune offset of a
	// text run.
	CaretRect(key string, offset int) (Rect, bool)
	// RangeRects returns one rectangle per visual line covered by runes
	// [start,end) of a text run.
	RangeRects(key string, start, end int) ([]Rect, bool)
	// NodeRect returns the bounding rectangle of an entity node.
	NodeRect(key string) (Rect, bool)
	// BlockRect returns the bounding rectangle of a block.
	BlockRect(key string) (Rect, bool)
	Viewport() Viewport
}

// Position is a caret location relative to the scroll container.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Height float64 `json:"height"`
}

// Projector converts linear offsets to container-relative geometry.
type Projector struct {
	m  *Map
	s  Surface
	vp Viewport
}

// New pairs a map with the surface it was rendered on. Both must come from
// the same document snapshot.
func New(m *Map, s Surface) *Projector {
	return &Projector{m: m, s: s, vp: s.Viewport()}
}

// Map returns the underlying projection.
func (p *Projector) Map() *Map { return p.m }

// Viewport returns the scroll state captured at construction.
func (p *Projector) Viewport() Viewport { return p.vp }

func (p *Projector) relative(r Rect) Rect {
	return Rect{
		X:      r.X - p.vp.Origin.X + p.vp.ScrollX,
		Y:      r.Y - p.vp.Origin.Y + p.vp.ScrollY,
		Width:  r.Width,
		Height: r.Height,
	}
}

func (p *Projector) position(r Rect, atRight bool) Position {
	rel := p.relative(r)
	pos := Position{X: rel.X, Y: rel.Y, Height: rel.Height}
	if atRight {
		pos.X += rel.Width
	}
	if pos.Height <= 0 {
		pos.Height = p.vp.LineHeight
	}
	return pos
}

// OffsetToVisualPosition returns the caret position for offset. Text runs are
// preferred; at an edge shared by two runs the earlier run's end wins. Empty
// blocks resolve to the block rectangle and a document without any leaves
// falls back to the container's top-left corner. Reports false when the
// surface cannot resolve the node involved.
func (p *Projector) OffsetToVisualPosition(offset int) (Position, bool) {
	offset = p.m.Clamp(offset)
	b, ok := p.m.BlockAt(offset)
	if !ok {
		return p.fallback()
	}
	leaves := p.m.BlockLeaves(b)

	for _, leaf := range leaves {
		if leaf.Kind != LeafText || offset < leaf.Start || offset > leaf.End {
			continue
		}
		r, ok := p.s.CaretRect(leaf.Key, offset-leaf.Start)
		if !ok {
			return Position{}, false
		}
		return p.position(r, false), true
	}

	for _, leaf := range leaves {
		if leaf.Kind != LeafEntity || offset < leaf.Start || offset > leaf.End {
			continue
		}
		r, ok := p.s.NodeRect(leaf.Key)
		if !ok {
			return Position{}, false
		}
		return p.position(r, offset > leaf.Start), true
	}

	if !b.HasText {
		if r, ok := p.s.BlockRect(b.Key); ok {
			pos := p.position(r, false)
			if p.vp.LineHeight > 0 {
				pos.Height = p.vp.LineHeight
			}
			return pos, true
		}
	}
	if len(p.m.Leaves) == 0 {
		return p.fallback()
	}
	return Position{}, false
}

func (p *Projector) fallback() (Position, bool) {
	return Position{X: 0, Y: 0, Height: p.vp.LineHeight}, true
}

// OffsetsToSelectionRects returns the rectangles covering [start,end): the
// measured sub-ranges of every intersecting leaf plus the whole rectangle of
// each empty block inside the range. Rectangles without area are dropped. A
// collapsed range yields no rectangles.
func (p *Projector) OffsetsToSelectionRects(start, end int) []Rect {
	start, end = p.m.Clamp(start), p.m.Clamp(end)
	if start > end {
		start, end = end, start
	}
	if start == end {
		return nil
	}

	var rects []Rect
	add := func(r Rect) {
		if r.Empty() {
			return
		}
		rects = append(rects, p.relative(r))
	}

	for _, leaf := range p.m.Leaves {
		if leaf.End <= start || leaf.Start >= end {
			continue
		}
		switch leaf.Kind {
		case LeafText:
			from := max(start, leaf.Start) - leaf.Start
			to := min(end, leaf.End) - leaf.Start
			rs, ok := p.s.RangeRects(leaf.Key, from, to)
			if !ok {
				continue
			}
			for _, r := range rs {
				add(r)
			}
		case LeafEntity:
			if r, ok := p.s.NodeRect(leaf.Key); ok {
				add(r)
			}
		}
	}

	for _, b := range p.m.Blocks {
		if b.HasText || b.Start < start || b.End > end {
			continue
		}
		if r, ok := p.s.BlockRect(b.Key); ok {
			add(r)
		}
	}
	return rects
}
