// Package token converts inline skill entities (tool and file references)
// to and from their textual token form.
//
// A single entity is written as §[kind].[field]…§ and a group of tool
// references as [token,token,…]. The grammar is a persisted contract:
// documents stored with these tokens must keep decoding to the same entities.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Delimiter wraps every single-entity token.
const Delimiter = "§"

// Kind identifies an entity variant.
type Kind uint8

const (
	KindTool Kind = iota + 1
	KindFile
	KindToolGroup
)

// Kinds lists every entity kind the grammar can produce.
var Kinds = []Kind{KindTool, KindFile, KindToolGroup}

// String returns the kind's tag as it appears in tokens.
func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindFile:
		return "file"
	case KindToolGroup:
		return "toolgroup"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrInvalidField is returned by Valid when a payload field is empty or
	// contains a character reserved by the grammar.
	ErrInvalidField = errors.New("token: invalid field")
	// ErrEmptyGroup is returned by Valid for a tool group without members.
	ErrEmptyGroup = errors.New("token: empty tool group")
)

// Entity is an inline entity payload. The set of implementations is closed.
type Entity interface {
	Kind() Kind
	// Token returns the canonical textual encoding.
	Token() string
	// Label returns a short display label for chip rendering.
	Label() string
	Valid() error

	entity()
}

// Tool references a provider tool configuration.
type Tool struct {
	Provider string `json:"provider"`
	Name     string `json:"tool_name"`
	ConfigID string `json:"config_id"`
}

func (Tool) Kind() Kind { return KindTool }

func (t Tool) Token() string {
	return "§[tool].[" + t.Provider + "].[" + t.Name + "].[" + t.ConfigID + "]§"
}

func (t Tool) Label() string { return t.Name }

func (t Tool) Valid() error {
	return validFields(t.Provider, t.Name, t.ConfigID)
}

func (Tool) entity() {}

// File references an app asset.
type File struct {
	Source  string `json:"source"`
	AssetID string `json:"asset_id"`
}

func (File) Kind() Kind { return KindFile }

func (f File) Token() string {
	return "§[file].[" + f.Source + "].[" + f.AssetID + "]§"
}

func (f File) Label() string { return f.AssetID }

func (f File) Valid() error {
	return validFields(f.Source, f.AssetID)
}

func (File) entity() {}

// ToolGroup is a list of tool references rendered as adjacent chips.
type ToolGroup struct {
	Tools []Tool `json:"tools"`
}

func (ToolGroup) Kind() Kind { return KindToolGroup }

func (g ToolGroup) Token() string {
	parts := make([]string, len(g.Tools))
	for i, t := range g.Tools {
		parts[i] = t.Token()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (g ToolGroup) Label() string {
	if len(g.Tools) == 0 {
		return ""
	}
	if len(g.Tools) == 1 {
		return g.Tools[0].Label()
	}
	return fmt.Sprintf("%s ×%d", g.Tools[0].Provider, len(g.Tools))
}

func (g ToolGroup) Valid() error {
	if len(g.Tools) == 0 {
		return ErrEmptyGroup
	}
	for _, t := range g.Tools {
		if err := t.Valid(); err != nil {
			return err
		}
	}
	return nil
}

func (ToolGroup) entity() {}

const fieldClass = `[^\[\]§,\x00-\x1f\x7f]+`

var (
	toolExpr = `§\[tool\]\.\[(` + fieldClass + `)\]\.\[(` + fieldClass + `)\]\.\[(` + fieldClass + `)\]§`
	fileExpr = `§\[file\]\.\[(` + fieldClass + `)\]\.\[(` + fieldClass + `)\]§`

	toolMember = `§\[tool\]\.\[` + fieldClass + `\]\.\[` + fieldClass + `\]\.\[` + fieldClass + `\]§`
	fileMember = `§\[file\]\.\[` + fieldClass + `\]\.\[` + fieldClass + `\]§`
	groupExpr  = `\[` + toolMember + `(?:,` + toolMember + `)*\]`

	anyExpr = `(?:` + groupExpr + `|` + toolMember + `|` + fileMember + `)`

	fieldRe  = regexp.MustCompile(`^` + fieldClass + `$`)
	toolRe   = regexp.MustCompile(`^` + toolExpr + `$`)
	fileRe   = regexp.MustCompile(`^` + fileExpr + `$`)
	scanRe   = regexp.MustCompile(anyExpr)
	prefixRe = regexp.MustCompile(`^` + anyExpr)
)

func validFields(fields ...string) error {
	for _, f := range fields {
		if !fieldRe.MatchString(f) {
			return fmt.Errorf("%w: %q", ErrInvalidField, f)
		}
	}
	return nil
}

// Encode returns the token for e.
func Encode(e Entity) string {
	return e.Token()
}

// Decode parses s as exactly one token (single entity or group). It reports
// false for anything else; callers keep such text as prose.
func Decode(s string) (Entity, bool) {
	if strings.HasPrefix(s, "[") {
		tools, ok := DecodeList(s)
		if !ok {
			return nil, false
		}
		return ToolGroup{Tools: tools}, true
	}
	if m := toolRe.FindStringSubmatch(s); m != nil {
		return Tool{Provider: m[1], Name: m[2], ConfigID: m[3]}, true
	}
	if m := fileRe.FindStringSubmatch(s); m != nil {
		return File{Source: m[1], AssetID: m[2]}, true
	}
	return nil, false
}

// DecodeList parses a grouped token. Every member must decode as a tool
// token on its own; one malformed member invalidates the whole group.
func DecodeList(s string) ([]Tool, bool) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, false
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, false
	}
	members := strings.Split(inner, ",")
	tools := make([]Tool, 0, len(members))
	for _, member := range members {
		m := toolRe.FindStringSubmatch(member)
		if m == nil {
			return nil, false
		}
		tools = append(tools, Tool{Provider: m[1], Name: m[2], ConfigID: m[3]})
	}
	return tools, true
}

// Match is a token located inside a larger string. Start and End are byte
// offsets.
type Match struct {
	Start  int
	End    int
	Entity Entity
}

// Find returns the earliest token in s. A group wins over its own first
// member; a malformed group yields the single tokens inside it.
func Find(s string) (Match, bool) {
	loc := scanRe.FindStringIndex(s)
	if loc == nil {
		return Match{}, false
	}
	e, ok := Decode(s[loc[0]:loc[1]])
	if !ok {
		return Match{}, false
	}
	return Match{Start: loc[0], End: loc[1], Entity: e}, true
}

// MatchPrefix decodes the token that starts at b[0], returning its length in
// bytes.
func MatchPrefix(b []byte) (Entity, int, bool) {
	loc := prefixRe.FindIndex(b)
	if loc == nil {
		return nil, 0, false
	}
	e, ok := Decode(string(b[:loc[1]]))
	if !ok {
		return nil, 0, false
	}
	return e, loc[1], true
}

// Refs holds the distinct references found in a text, in order of first
// appearance.
type Refs struct {
	Tools []Tool `json:"tools"`
	Files []File `json:"files"`
}

// References collects the tool and file references in text. Group members
// count as individual tool references.
func References(text string) Refs {
	refs := Refs{Tools: []Tool{}, Files: []File{}}
	seenTools := make(map[Tool]bool)
	seenFiles := make(map[File]bool)
	addTool := func(t Tool) {
		if !seenTools[t] {
			seenTools[t] = true
			refs.Tools = append(refs.Tools, t)
		}
	}

	rest := text
	for {
		m, ok := Find(rest)
		if !ok {
			break
		}
		switch e := m.Entity.(type) {
		case Tool:
			addTool(e)
		case ToolGroup:
			for _, t := range e.Tools {
				addTool(t)
			}
		case File:
			if !seenFiles[e] {
				seenFiles[e] = true
				refs.Files = append(refs.Files, e)
			}
		}
		rest = rest[m.End:]
	}
	return refs
}
