// Package document is an in-memory rich-text model for skill files: an
// ordered list of blocks holding text runs and opaque inline entities.
//
// A Document is not safe for concurrent mutation. Readers that run on other
// goroutines (renderers, projectors) must be serialized with writers by the
// caller.
package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"skillsync/internal/token"
)

// MaxTransformPasses bounds the transform/normalize loop that runs after a
// mutation. Transforms that keep dirtying nodes past this bound are a wiring
// bug and cause a panic.
const MaxTransformPasses = 100

var (
	ErrUnknownNode       = errors.New("document: unknown node")
	ErrKindNotRegistered = errors.New("document: entity kind not registered")
	ErrNotText           = errors.New("document: node is not a text run")
	ErrDetached          = errors.New("document: node is attached elsewhere")
)

// TextTransform is invoked for every text run touched by a mutation.
type TextTransform func(t *Text)

// Option configures a Document.
type Option func(*Document)

// WithEntityKinds registers the entity kinds the document may hold.
func WithEntityKinds(kinds ...token.Kind) Option {
	return func(d *Document) {
		for _, k := range kinds {
			d.kinds[k] = true
		}
	}
}

// Document is the block tree.
type Document struct {
	blocks []*Block
	nodes  map[string]Node
	index  map[string]*Block
	kinds  map[token.Kind]bool
	seq    int

	transforms    map[int]TextTransform
	transformIDs  []int
	nextTransform int

	listeners    map[int]func()
	nextListener int

	dirty    []*Text
	dirtySet map[*Text]bool
	flushing bool
}

// New returns a document holding one empty block.
func New(opts ...Option) *Document {
	d := &Document{
		nodes:      make(map[string]Node),
		index:      make(map[string]*Block),
		kinds:      make(map[token.Kind]bool),
		transforms: make(map[int]TextTransform),
		listeners:  make(map[int]func()),
		dirtySet:   make(map[*Text]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.appendBlock()
	return d
}

// Parse builds a document with one block per line. Tokens stay plain text
// until a transform such as the scan pass promotes them.
func Parse(text string, opts ...Option) *Document {
	d := New(opts...)
	for i, line := range strings.Split(text, "\n") {
		b := d.blocks[0]
		if i > 0 {
			b = d.appendBlock()
		}
		if line != "" {
			t := d.newText(line)
			t.parent = b
			b.children = append(b.children, t)
		}
	}
	return d
}

func (d *Document) newKey(prefix string) string {
	d.seq++
	return fmt.Sprintf("%s%d", prefix, d.seq)
}

func (d *Document) appendBlock() *Block {
	b := &Block{key: d.newKey("b")}
	d.blocks = append(d.blocks, b)
	d.index[b.key] = b
	return b
}

func (d *Document) insertBlockAfter(after *Block) *Block {
	b := &Block{key: d.newKey("b")}
	d.index[b.key] = b
	for i, existing := range d.blocks {
		if existing == after {
			blocks := make([]*Block, 0, len(d.blocks)+1)
			blocks = append(blocks, d.blocks[:i+1]...)
			blocks = append(blocks, b)
			blocks = append(blocks, d.blocks[i+1:]...)
			d.blocks = blocks
			return b
		}
	}
	d.blocks = append(d.blocks, b)
	return b
}

func (d *Document) newText(s string) *Text {
	t := &Text{key: d.newKey("t"), text: s}
	d.nodes[t.key] = t
	return t
}

// Blocks returns the blocks in order. The slice must not be modified.
func (d *Document) Blocks() []*Block { return d.blocks }

// Block resolves a block key.
func (d *Document) Block(key string) (*Block, bool) {
	b, ok := d.index[key]
	return b, ok
}

// Node resolves a leaf key.
func (d *Document) Node(key string) (Node, bool) {
	n, ok := d.nodes[key]
	return n, ok
}

// HasEntityKind reports whether kind was registered with WithEntityKinds.
func (d *Document) HasEntityKind(kind token.Kind) bool { return d.kinds[kind] }

// Text serializes the document: blocks joined by newlines, entities as their
// tokens.
func (d *Document) Text() string {
	parts := make([]string, len(d.blocks))
	for i, b := range d.blocks {
		parts[i] = b.TextContent()
	}
	return strings.Join(parts, "\n")
}

// Len is the length of Text in runes.
func (d *Document) Len() int { return utf8.RuneCountInString(d.Text()) }

// NewEntity creates a detached entity node for e.
func (d *Document) NewEntity(e token.Entity) (*Entity, error) {
	if e == nil || !d.kinds[e.Kind()] {
		return nil, fmt.Errorf("%w: %v", ErrKindNotRegistered, kindOf(e))
	}
	n := &Entity{key: d.newKey("e"), value: e}
	d.nodes[n.key] = n
	return n, nil
}

func kindOf(e token.Entity) string {
	if e == nil {
		return "<nil>"
	}
	return e.Kind().String()
}

// RegisterTextTransform installs fn, runs it over every existing text run and
// returns a func that removes it again.
func (d *Document) RegisterTextTransform(fn TextTransform) func() {
	id := d.nextTransform
	d.nextTransform++
	d.transforms[id] = fn
	d.transformIDs = append(d.transformIDs, id)

	for _, b := range d.blocks {
		for _, c := range b.children {
			if t, ok := c.(*Text); ok {
				d.markDirty(t)
			}
		}
	}
	d.commit()

	return func() {
		delete(d.transforms, id)
		for i, existing := range d.transformIDs {
			if existing == id {
				d.transformIDs = append(d.transformIDs[:i:i], d.transformIDs[i+1:]...)
				break
			}
		}
	}
}

// OnUpdate registers fn to run after every committed mutation.
func (d *Document) OnUpdate(fn func()) func() {
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	return func() { delete(d.listeners, id) }
}

func (d *Document) markDirty(t *Text) {
	if d.dirtySet[t] {
		return
	}
	d.dirtySet[t] = true
	d.dirty = append(d.dirty, t)
}

func (d *Document) attached(n Node) bool {
	if n.Parent() == nil {
		return false
	}
	current, ok := d.nodes[n.Key()]
	return ok && current == n
}

// commit runs transforms over dirty text until the tree settles, then
// notifies listeners. Mutations made by transforms land in the running loop.
func (d *Document) commit() {
	if d.flushing {
		return
	}
	d.flushing = true
	for pass := 0; ; pass++ {
		if pass >= MaxTransformPasses {
			d.flushing = false
			panic("document: text transforms did not settle")
		}
		batch := d.dirty
		d.dirty = nil
		d.dirtySet = make(map[*Text]bool)
		for _, t := range batch {
			for _, id := range d.transformIDs {
				if !d.attached(t) {
					break
				}
				if fn, ok := d.transforms[id]; ok {
					fn(t)
				}
			}
		}
		d.normalize()
		if len(d.dirty) == 0 {
			break
		}
	}
	d.flushing = false

	for _, fn := range d.listeners {
		fn()
	}
}

// normalize drops empty runs and merges adjacent runs into the left one.
func (d *Document) normalize() {
	for _, b := range d.blocks {
		out := make([]Node, 0, len(b.children))
		for _, c := range b.children {
			t, isText := c.(*Text)
			if isText && t.text == "" {
				d.detach(t)
				continue
			}
			if isText && len(out) > 0 {
				if prev, ok := out[len(out)-1].(*Text); ok {
					prev.text += t.text
					d.detach(t)
					d.markDirty(prev)
					continue
				}
			}
			out = append(out, c)
		}
		b.children = out
	}
}

func (d *Document) detach(n Node) {
	delete(d.nodes, n.Key())
	switch v := n.(type) {
	case *Text:
		v.parent = nil
	case *Entity:
		v.parent = nil
	}
}

func setParent(n Node, b *Block) {
	switch v := n.(type) {
	case *Text:
		v.parent = b
	case *Entity:
		v.parent = b
	}
}

func (d *Document) text(key string) (*Text, error) {
	n, ok := d.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	t, ok := n.(*Text)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotText, key)
	}
	return t, nil
}

// SetText replaces the content of a text run.
func (d *Document) SetText(key, s string) error {
	t, err := d.text(key)
	if err != nil {
		return err
	}
	t.text = s
	d.markDirty(t)
	d.commit()
	return nil
}

// DeleteText removes up to n runes from a text run starting at p.
func (d *Document) DeleteText(p Point, n int) error {
	t, err := d.text(p.Key)
	if err != nil {
		return err
	}
	from := runeToByte(t.text, p.Offset)
	to := runeToByte(t.text, p.Offset+n)
	t.text = t.text[:from] + t.text[to:]
	d.markDirty(t)
	d.commit()
	return nil
}

// InsertText inserts s at p. Newlines in s split the block.
func (d *Document) InsertText(p Point, s string) error {
	if t, err := d.text(p.Key); err == nil && !strings.Contains(s, "\n") {
		at := runeToByte(t.text, p.Offset)
		t.text = t.text[:at] + s + t.text[at:]
		d.markDirty(t)
		d.commit()
		return nil
	}

	b, idx, err := d.splitAt(p)
	if err != nil {
		return err
	}
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			next := d.insertBlockAfter(b)
			rest := b.children[idx:]
			b.children = b.children[:idx:idx]
			for _, c := range rest {
				setParent(c, next)
			}
			next.children = append(next.children, rest...)
			b, idx = next, 0
		}
		if line == "" {
			continue
		}
		t := d.newText(line)
		t.parent = b
		b.insertAt(idx, t)
		d.markDirty(t)
		idx++
	}
	d.commit()
	return nil
}

// splitAt resolves p to a block and a child index, splitting a text run when
// p falls inside one.
func (d *Document) splitAt(p Point) (*Block, int, error) {
	if b, ok := d.index[p.Key]; ok {
		idx := p.Offset
		if idx < 0 {
			idx = 0
		}
		if idx > len(b.children) {
			idx = len(b.children)
		}
		return b, idx, nil
	}
	n, ok := d.nodes[p.Key]
	if !ok || n.Parent() == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownNode, p.Key)
	}
	b := n.Parent()
	idx := b.indexOf(n)
	switch v := n.(type) {
	case *Entity:
		if p.Offset > 0 {
			idx++
		}
		return b, idx, nil
	case *Text:
		at := runeToByte(v.text, p.Offset)
		if at == 0 {
			return b, idx, nil
		}
		if at == len(v.text) {
			return b, idx + 1, nil
		}
		right := d.newText(v.text[at:])
		right.parent = b
		v.text = v.text[:at]
		b.insertAt(idx+1, right)
		d.markDirty(v)
		d.markDirty(right)
		return b, idx + 1, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnknownNode, p.Key)
}

// Remove deletes a leaf. Text runs on either side are merged.
func (d *Document) Remove(key string) error {
	n, ok := d.nodes[key]
	if !ok || n.Parent() == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	b := n.Parent()
	if i := b.indexOf(n); i >= 0 {
		b.removeAt(i)
	}
	d.detach(n)
	d.commit()
	return nil
}

// ReplaceRange swaps the byte range [start,end) of t for n, a detached node
// from NewEntity. t keeps the text before the range; the text after it moves
// to a new run, which is returned (nil when the range reaches the end of t).
// When start is 0, t keeps the text after the range and is returned.
func (d *Document) ReplaceRange(t *Text, start, end int, n Node) (*Text, error) {
	if !d.attached(t) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, t.key)
	}
	if n.Parent() != nil {
		return nil, fmt.Errorf("%w: %s", ErrDetached, n.Key())
	}
	if start < 0 || end > len(t.text) || start > end {
		return nil, fmt.Errorf("document: range [%d,%d) outside run of %d bytes", start, end, len(t.text))
	}
	if _, ok := d.nodes[n.Key()]; !ok {
		d.nodes[n.Key()] = n
	}

	b := t.parent
	idx := b.indexOf(t)
	before, after := t.text[:start], t.text[end:]
	setParent(n, b)

	switch {
	case before == "" && after == "":
		b.children[idx] = n
		d.detach(t)
		d.commit()
		return nil, nil
	case before == "":
		t.text = after
		b.insertAt(idx, n)
		d.markDirty(t)
		d.commit()
		return t, nil
	case after == "":
		t.text = before
		b.insertAt(idx+1, n)
		d.markDirty(t)
		d.commit()
		return nil, nil
	default:
		t.text = before
		rest := d.newText(after)
		rest.parent = b
		b.insertAt(idx+1, n, rest)
		d.markDirty(t)
		d.markDirty(rest)
		d.commit()
		return rest, nil
	}
}

// MergeNext folds the following text sibling of t into t.
func (d *Document) MergeNext(t *Text) bool {
	if !d.attached(t) {
		return false
	}
	b := t.parent
	i := b.indexOf(t)
	if i < 0 || i+1 >= len(b.children) {
		return false
	}
	next, ok := b.children[i+1].(*Text)
	if !ok {
		return false
	}
	t.text += next.text
	b.removeAt(i + 1)
	d.detach(next)
	d.markDirty(t)
	d.commit()
	return true
}
