// Package scan promotes token text inside text runs into entity nodes.
package scan

import (
	"fmt"

	"skillsync/internal/document"
	"skillsync/internal/token"
)

// Register installs the pass as a text transform on d. It fails when d does
// not accept every entity kind the grammar can produce; that is a wiring
// error, not something to recover from at runtime.
func Register(d *document.Document) (func(), error) {
	for _, k := range token.Kinds {
		if !d.HasEntityKind(k) {
			return nil, fmt.Errorf("scan: %w: %s", document.ErrKindNotRegistered, k)
		}
	}
	return d.RegisterTextTransform(func(t *document.Text) {
		Pass(d, t)
	}), nil
}

// Pass replaces every token in t with an entity node and returns the number
// of replacements. A following text sibling is merged first so that a token
// split across runs is still found.
func Pass(d *document.Document, t *document.Text) int {
	replaced := 0
	for t != nil && t.Parent() != nil {
		for d.MergeNext(t) {
		}
		m, ok := token.Find(t.Text())
		if !ok {
			return replaced
		}
		ent, err := d.NewEntity(m.Entity)
		if err != nil {
			return replaced
		}
		rest, err := d.ReplaceRange(t, m.Start, m.End, ent)
		if err != nil {
			return replaced
		}
		replaced++
		t = rest
	}
	return replaced
}

// All runs Pass over every text run of d and reports the total number of
// replacements. On a document that is already fully converted it returns 0.
func All(d *document.Document) int {
	replaced := 0
	for _, b := range d.Blocks() {
		var runs []*document.Text
		for _, c := range b.Children() {
			if t, ok := c.(*document.Text); ok {
				runs = append(runs, t)
			}
		}
		for _, t := range runs {
			if t.Parent() == nil {
				continue
			}
			replaced += Pass(d, t)
		}
	}
	return replaced
}
