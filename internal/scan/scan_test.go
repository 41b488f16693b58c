package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync/internal/document"
	"skillsync/internal/token"
)

const searchToken = "§[tool].[search].[run].[11111111-1111-1111-1111-111111111111]§"

func newDoc(t *testing.T, text string) *document.Document {
	t.Helper()
	d := document.Parse(text, document.WithEntityKinds(token.Kinds...))
	_, err := Register(d)
	require.NoError(t, err)
	return d
}

func leaves(b *document.Block) []document.Node {
	return b.Children()
}

func TestScenarioToolToken(t *testing.T) {
	src := "Hello " + searchToken + " world"
	d := newDoc(t, src)

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 3)

	first, ok := children[0].(*document.Text)
	require.True(t, ok)
	assert.Equal(t, "Hello ", first.Text())

	ent, ok := children[1].(*document.Entity)
	require.True(t, ok)
	assert.Equal(t, token.Tool{Provider: "search", Name: "run", ConfigID: "11111111-1111-1111-1111-111111111111"}, ent.Value())

	last, ok := children[2].(*document.Text)
	require.True(t, ok)
	assert.Equal(t, " world", last.Text())

	assert.Equal(t, src, d.Text())
}

func TestIdempotent(t *testing.T) {
	src := "a §[file].[app].[f1]§ b " + searchToken + "\n[§[tool].[p].[x].[1]§,§[tool].[p].[y].[2]§]"
	d := newDoc(t, src)

	assert.Equal(t, 0, All(d))
	assert.Equal(t, src, d.Text())
}

func TestAdjacentEntities(t *testing.T) {
	src := "§[tool].[p].[a].[1]§§[tool].[p].[b].[2]§§[file].[app].[f]§"
	d := newDoc(t, src)

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 3)
	for _, c := range children {
		_, ok := c.(*document.Entity)
		assert.True(t, ok, "expected entity, got %T", c)
	}
	assert.Equal(t, src, d.Text())
}

func TestGroupToken(t *testing.T) {
	src := "use [§[tool].[p].[a].[1]§,§[tool].[p].[b].[2]§] now"
	d := newDoc(t, src)

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 3)
	ent, ok := children[1].(*document.Entity)
	require.True(t, ok)
	assert.Equal(t, token.KindToolGroup, ent.Value().Kind())
	assert.Equal(t, src, d.Text())
}

func TestMalformedStaysText(t *testing.T) {
	src := "§[tool].[p].[a]§ and [§[tool].[p].[a].[1]§,broken]"
	d := newDoc(t, src)

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 3, "only the inner valid tool token is promoted")
	assert.Equal(t, "§[tool].[p].[a]§ and [", children[0].TextContent())
	assert.Equal(t, ",broken]", children[2].TextContent())
	assert.Equal(t, src, d.Text())
}

func TestTypingCompletesToken(t *testing.T) {
	d := newDoc(t, "Run ")
	key := d.Blocks()[0].Children()[0].Key()

	tok := "§[file].[app].[readme]§"
	offset := 4
	for _, r := range tok {
		require.NoError(t, d.InsertText(document.Point{Key: key, Offset: offset}, string(r)))
		offset++
	}

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 2)
	assert.Equal(t, "Run ", children[0].TextContent())
	_, ok := children[1].(*document.Entity)
	assert.True(t, ok)
}

func TestTokenAcrossRuns(t *testing.T) {
	d := newDoc(t, "see §[file].[app]")
	b := d.Blocks()[0]

	// A block point after the last child inserts a separate run, which is
	// merged with its left neighbour before scanning.
	require.NoError(t, d.InsertText(document.Point{Key: b.Key(), Offset: len(b.Children())}, ".[x]§ ok"))

	children := leaves(d.Blocks()[0])
	require.Len(t, children, 3)
	assert.Equal(t, token.File{Source: "app", AssetID: "x"}, children[1].(*document.Entity).Value())
	assert.Equal(t, "see §[file].[app].[x]§ ok", d.Text())
}

func TestNoAdjacentTextRuns(t *testing.T) {
	d := newDoc(t, "x "+searchToken+" y "+searchToken+" z")
	for _, b := range d.Blocks() {
		prevText := false
		for _, c := range b.Children() {
			_, isText := c.(*document.Text)
			assert.False(t, prevText && isText, "adjacent text runs")
			prevText = isText
		}
	}
}

func TestRegisterRequiresKinds(t *testing.T) {
	d := document.Parse("x", document.WithEntityKinds(token.KindTool))
	_, err := Register(d)
	assert.ErrorIs(t, err, document.ErrKindNotRegistered)
}
