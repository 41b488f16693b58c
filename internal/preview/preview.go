// Package preview renders skill markdown to HTML with entity tokens shown as
// read-only chips.
package preview

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"skillsync/internal/token"
)

// KindChip is the AST kind of an entity chip.
var KindChip = ast.NewNodeKind("SkillChip")

// Chip is an inline node holding one decoded entity.
type Chip struct {
	ast.BaseInline
	Entity token.Entity
}

func (n *Chip) Kind() ast.NodeKind { return KindChip }

func (n *Chip) Dump(source []byte, level int) {
	ast.DumpHelper(n, source, level, map[string]string{
		"Kind":  n.Entity.Kind().String(),
		"Token": n.Entity.Token(),
	}, nil)
}

// chipParser claims tool groups before the link parser sees their brackets.
// Single tokens open with a multi-byte rune, which never triggers an inline
// parser; chipTransformer picks those up.
type chipParser struct{}

func (chipParser) Trigger() []byte {
	return []byte{'['}
}

func (chipParser) Parse(parent ast.Node, block text.Reader, pc parser.Context) ast.Node {
	line, _ := block.PeekLine()
	e, n, ok := token.MatchPrefix(line)
	if !ok {
		return nil
	}
	block.Advance(n)
	return &Chip{Entity: e}
}

// chipTransformer promotes tokens left in text once inline parsing is done.
// A token may have been cut into several adjacent nodes by the bracket and
// raw HTML parsers, so contiguous runs are scanned as a whole.
type chipTransformer struct{}

func (chipTransformer) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	source := reader.Source()
	var parents []ast.Node
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindCodeSpan, ast.KindAutoLink, ast.KindRawHTML, KindChip:
			return ast.WalkSkipChildren, nil
		}
		if n.HasChildren() {
			parents = append(parents, n)
		}
		return ast.WalkContinue, nil
	})
	for _, p := range parents {
		promote(p, source)
	}
}

// span returns the source range of an inline leaf that can hold part of a
// token.
func span(n ast.Node) (text.Segment, bool) {
	switch v := n.(type) {
	case *ast.Text:
		return v.Segment, v.Segment.Padding == 0
	case *ast.RawHTML:
		if v.Segments.Len() != 1 {
			return text.Segment{}, false
		}
		return v.Segments.At(0), true
	}
	return text.Segment{}, false
}

func promote(parent ast.Node, source []byte) {
	var run []ast.Node
	var start, stop int
	flush := func() {
		if len(run) > 0 {
			replaceRun(parent, run, source[start:stop], start)
		}
		run = nil
	}
	for c := parent.FirstChild(); c != nil; {
		next := c.NextSibling()
		seg, ok := span(c)
		switch {
		case !ok:
			flush()
		case len(run) > 0 && seg.Start == stop:
			run = append(run, c)
			stop = seg.Stop
		default:
			flush()
			run, start, stop = []ast.Node{c}, seg.Start, seg.Stop
		}
		if t, isText := c.(*ast.Text); ok && isText && (t.SoftLineBreak() || t.HardLineBreak()) {
			flush()
		}
		c = next
	}
	flush()
}

// replaceRun swaps the nodes of run for text, chips and untouched nodes.
// src is the run's source and offset its position in the document.
func replaceRun(parent ast.Node, run []ast.Node, src []byte, offset int) {
	if !bytes.Contains(src, []byte(token.Delimiter)) {
		return
	}
	var found []token.Match
	for pos := 0; pos < len(src); {
		m, ok := token.Find(string(src[pos:]))
		if !ok {
			break
		}
		found = append(found, token.Match{Start: offset + pos + m.Start, End: offset + pos + m.End, Entity: m.Entity})
		pos += m.End
	}
	if len(found) == 0 {
		return
	}

	var out []ast.Node
	for _, n := range run {
		seg, _ := span(n)
		out = append(out, split(n, seg, found)...)
	}
	anchor := run[len(run)-1].NextSibling()
	for _, n := range run {
		parent.RemoveChild(parent, n)
	}
	for _, n := range out {
		if anchor == nil {
			parent.AppendChild(parent, n)
		} else {
			parent.InsertBefore(parent, anchor, n)
		}
	}
}

// split cuts n around the tokens in found and puts a chip where a token
// starts. A node no token touches comes back unchanged.
func split(n ast.Node, seg text.Segment, found []token.Match) []ast.Node {
	var out []ast.Node
	pos := seg.Start
	touched := false
	for _, m := range found {
		if m.End <= seg.Start || m.Start >= seg.Stop {
			continue
		}
		touched = true
		if m.Start > pos {
			out = append(out, ast.NewTextSegment(text.NewSegment(pos, m.Start)))
		}
		if m.Start >= seg.Start {
			out = append(out, &Chip{Entity: m.Entity})
		}
		pos = m.End
	}
	if !touched {
		return []ast.Node{n}
	}
	t, isText := n.(*ast.Text)
	lineBreak := isText && (t.SoftLineBreak() || t.HardLineBreak())
	if pos < seg.Stop || lineBreak {
		pos = min(pos, seg.Stop)
		tail := ast.NewTextSegment(text.NewSegment(pos, seg.Stop))
		if isText {
			tail.SetSoftLineBreak(t.SoftLineBreak())
			tail.SetHardLineBreak(t.HardLineBreak())
		}
		out = append(out, tail)
	}
	return out
}

type chipRenderer struct{}

func (chipRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(KindChip, renderChip)
}

func renderChip(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	e := node.(*Chip).Entity
	if g, ok := e.(token.ToolGroup); ok {
		_, _ = w.WriteString(`<span class="skill-chip-group" data-token="`)
		_, _ = w.Write(util.EscapeHTML([]byte(g.Token())))
		_, _ = w.WriteString(`">`)
		for _, t := range g.Tools {
			writeChip(w, t)
		}
		_, _ = w.WriteString(`</span>`)
		return ast.WalkSkipChildren, nil
	}
	writeChip(w, e)
	return ast.WalkSkipChildren, nil
}

func writeChip(w util.BufWriter, e token.Entity) {
	_, _ = w.WriteString(`<span class="skill-chip skill-chip-`)
	_, _ = w.WriteString(e.Kind().String())
	_, _ = w.WriteString(`" data-token="`)
	_, _ = w.Write(util.EscapeHTML([]byte(e.Token())))
	_, _ = w.WriteString(`">`)
	_, _ = w.Write(util.EscapeHTML([]byte(e.Label())))
	_, _ = w.WriteString(`</span>`)
}

type chips struct{}

// Chips is a goldmark extension that renders entity tokens as chips.
var Chips goldmark.Extender = chips{}

func (chips) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(
		parser.WithInlineParsers(util.Prioritized(chipParser{}, 150)),
		parser.WithASTTransformers(util.Prioritized(chipTransformer{}, 100)),
	)
	m.Renderer().AddOptions(renderer.WithNodeRenderers(
		util.Prioritized(chipRenderer{}, 500),
	))
}

var md = goldmark.New(goldmark.WithExtensions(Chips))

// Render converts skill markdown to HTML.
func Render(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
