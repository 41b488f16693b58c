package document

import (
	"strings"
	"unicode/utf8"

	"skillsync/internal/token"
)

// Node is a leaf inside a block: either a *Text run or an *Entity.
type Node interface {
	Key() string
	// TextContent is the node's contribution to the serialized document.
	TextContent() string
	Parent() *Block

	node()
}

// Text is a plain text run.
type Text struct {
	key    string
	text   string
	parent *Block
}

func (t *Text) Key() string         { return t.key }
func (t *Text) Text() string        { return t.text }
func (t *Text) TextContent() string { return t.text }
func (t *Text) Parent() *Block      { return t.parent }

// Len returns the run length in runes.
func (t *Text) Len() int { return utf8.RuneCountInString(t.text) }

func (*Text) node() {}

// Entity is an opaque inline node. Its text content is always the token of
// its payload; it never holds child text.
type Entity struct {
	key    string
	value  token.Entity
	parent *Block
}

func (e *Entity) Key() string         { return e.key }
func (e *Entity) Value() token.Entity { return e.value }
func (e *Entity) TextContent() string { return token.Encode(e.value) }
func (e *Entity) Parent() *Block      { return e.parent }
func (e *Entity) Len() int            { return utf8.RuneCountInString(e.TextContent()) }
func (*Entity) node()                 {}

// Block is a paragraph. Sibling blocks are separated by an implicit newline.
type Block struct {
	key      string
	children []Node
}

func (b *Block) Key() string { return b.key }

// Children returns the block's leaves in order. The slice must not be
// modified.
func (b *Block) Children() []Node { return b.children }

// TextContent returns the concatenated text of the block's leaves.
func (b *Block) TextContent() string {
	var sb strings.Builder
	for _, c := range b.children {
		sb.WriteString(c.TextContent())
	}
	return sb.String()
}

func (b *Block) indexOf(n Node) int {
	for i, c := range b.children {
		if c == n {
			return i
		}
	}
	return -1
}

func (b *Block) insertAt(i int, nodes ...Node) {
	children := make([]Node, 0, len(b.children)+len(nodes))
	children = append(children, b.children[:i]...)
	children = append(children, nodes...)
	children = append(children, b.children[i:]...)
	b.children = children
}

func (b *Block) removeAt(i int) {
	b.children = append(b.children[:i:i], b.children[i+1:]...)
}

// Point addresses a position in the tree. For a text node Offset is a rune
// offset, for an entity 0 means before and 1 after it, and for a block it is
// a child index.
type Point struct {
	Key    string `json:"key"`
	Offset int    `json:"offset"`
}

// Selection is an anchor/focus pair. Focus is where the caret is drawn.
type Selection struct {
	Anchor Point `json:"anchor"`
	Focus  Point `json:"focus"`
}

// Collapsed reports whether anchor and focus coincide.
func (s Selection) Collapsed() bool { return s.Anchor == s.Focus }

// runeToByte converts a rune offset into a byte offset within s, clamping to
// the string bounds.
func runeToByte(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	i := 0
	for pos := range s {
		if i == runes {
			return pos
		}
		i++
	}
	return len(s)
}
