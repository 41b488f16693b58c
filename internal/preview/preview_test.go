package preview

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		contains []string
		absent   []string
	}{
		{
			name: "tool",
			src:  "Run §[tool].[search].[web].[c1]§ first",
			contains: []string{
				`<p>Run <span class="skill-chip skill-chip-tool" data-token="§[tool].[search].[web].[c1]§">web</span> first</p>`,
			},
		},
		{
			name: "file",
			src:  "See §[file].[drive].[notes.md]§",
			contains: []string{
				`<span class="skill-chip skill-chip-file" data-token="§[file].[drive].[notes.md]§">notes.md</span>`,
			},
		},
		{
			name: "group is not a link",
			src:  "Use [§[tool].[gh].[issues].[1]§,§[tool].[gh].[prs].[2]§](http://example.com)",
			contains: []string{
				`<span class="skill-chip-group" data-token="[§[tool].[gh].[issues].[1]§,§[tool].[gh].[prs].[2]§]">`,
				`>issues</span><span class="skill-chip skill-chip-tool"`,
				`(http://example.com)`,
			},
			absent: []string{"<a "},
		},
		{
			name:     "malformed stays prose",
			src:      "Broken §[tool].[only]§ and [link](http://x.test)",
			contains: []string{"Broken §[tool].[only]§ and ", `<a href="http://x.test">link</a>`},
			absent:   []string{"skill-chip"},
		},
		{
			name:     "labels are escaped",
			src:      "§[file].[s].[<b>]§",
			contains: []string{">&lt;b&gt;</span>"},
			absent:   []string{"<b>"},
		},
		{
			name: "inside a word and back to back",
			src:  "x§[file].[a].[b]§§[file].[c].[d]§y",
			contains: []string{
				`<p>x<span class="skill-chip skill-chip-file" data-token="§[file].[a].[b]§">b</span>` +
					`<span class="skill-chip skill-chip-file" data-token="§[file].[c].[d]§">d</span>y</p>`,
			},
		},
		{
			name: "line break after a chip",
			src:  "one §[file].[a].[b]§\ntwo",
			contains: []string{
				"<p>one <span class=\"skill-chip skill-chip-file\" data-token=\"§[file].[a].[b]§\">b</span>\ntwo</p>",
			},
		},
		{
			name:     "code span stays literal",
			src:      "`§[file].[a].[b]§`",
			contains: []string{"<code>§[file].[a].[b]§</code>"},
			absent:   []string{"skill-chip"},
		},
		{
			name:     "raw html next to a chip is untouched",
			src:      "§[file].[a].[b]§ <b>x</b>",
			contains: []string{`data-token="§[file].[a].[b]§">b</span> <!-- raw HTML omitted -->x`},
		},
		{
			name:     "markdown around chips",
			src:      "# Title\n\n**bold** §[file].[a].[b]§",
			contains: []string{"<h1>Title</h1>", "<strong>bold</strong>", "skill-chip-file"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Render(tt.src)
			require.NoError(t, err)
			for _, c := range tt.contains {
				assert.Contains(t, out, c)
			}
			for _, a := range tt.absent {
				assert.False(t, strings.Contains(out, a), "unexpected %q in %s", a, out)
			}
		})
	}
}
