// Package tui draws a skill document in a terminal together with the carets
// and selections of remote collaborators, and reports the local selection.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/uniseg"

	"skillsync/internal/clock"
	"skillsync/internal/collab"
	"skillsync/internal/document"
	"skillsync/internal/emitter"
	"skillsync/internal/layout"
	"skillsync/internal/logging"
	"skillsync/internal/projector"
	"skillsync/internal/remote"
)

var (
	styleText      = tcell.StyleDefault
	styleChip      = tcell.StyleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorTeal)
	styleStatus    = tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(tcell.ColorSilver)
	localSelection = tcell.ColorDarkBlue
)

// Options configures a Viewer.
type Options struct {
	FileID      string
	LocalUserID string
	Channel     collab.Channel
	Presence    collab.PresenceSource
	Clock       clock.Clock
	Scheduler   remote.Scheduler
	Throttle    time.Duration
	CursorTTL   time.Duration
	Fallback    time.Duration
	Logger      *slog.Logger
}

// Viewer owns an initialized screen for its lifetime. The document is read
// only.
type Viewer struct {
	screen   tcell.Screen
	doc      *document.Document
	opts     Options
	log      *slog.Logger
	emitter  *emitter.Emitter
	renderer *remote.Renderer

	anchor, focus int
	focused       bool
	unsubscribe   func()

	mu      sync.Mutex
	layout  *layout.Layout
	proj    *projector.Projector
	scroll  int
	overlay remote.RenderState
	online  int
}

func New(screen tcell.Screen, doc *document.Document, opts Options) *Viewer {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	v := &Viewer{
		screen:  screen,
		doc:     doc,
		opts:    opts,
		log:     opts.Logger.With("component", "viewer", "file", opts.FileID),
		focused: true,
	}
	v.emitter = emitter.New(emitter.Options{
		FileID:   opts.FileID,
		Channel:  opts.Channel,
		Clock:    opts.Clock,
		Interval: opts.Throttle,
		Logger:   opts.Logger,
	})
	v.renderer = remote.NewRenderer(
		collab.Deps{Channel: opts.Channel, Presence: opts.Presence},
		v.source,
		v.onRender,
		remote.Options{
			FileID:      opts.FileID,
			LocalUserID: opts.LocalUserID,
			Clock:       opts.Clock,
			Scheduler:   opts.Scheduler,
			TTL:         opts.CursorTTL,
			Fallback:    opts.Fallback,
			LabelHeight: 1,
			Logger:      opts.Logger,
		},
	)
	return v
}

// source hands the renderer the projector built at the last relayout. The
// document is read only here; resizing and scrolling go through relayout,
// which replaces the projector.
func (v *Viewer) source() (*projector.Projector, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.proj, v.proj != nil
}

func (v *Viewer) onRender(s remote.RenderState) {
	v.mu.Lock()
	v.overlay = s
	v.mu.Unlock()
	_ = v.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

// Start lays the document out, subscribes and reports the initial caret.
func (v *Viewer) Start() {
	v.screen.EnableFocus()
	v.relayout()
	if v.opts.Presence != nil {
		v.unsubscribe = v.opts.Presence.OnOnlineUsersUpdate(func(users []collab.OnlineUser) {
			v.mu.Lock()
			v.online = len(users)
			v.mu.Unlock()
		})
	}
	v.renderer.Start()
	v.syncSelection()
}

// Close reports the caret as gone and stops all timers.
func (v *Viewer) Close() {
	v.emitter.Close()
	v.renderer.Stop()
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
}

// Run processes events until the user quits, the screen is finalized or ctx
// is done.
func (v *Viewer) Run(ctx context.Context) error {
	v.Start()
	defer v.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = v.screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	defer stop()

	v.Draw()
	for {
		ev := v.screen.PollEvent()
		if ev == nil || ctx.Err() != nil {
			return nil
		}
		if v.HandleEvent(ev) {
			return nil
		}
		v.Draw()
	}
}

// Selection returns the local anchor and focus offsets.
func (v *Viewer) Selection() (anchor, focus int) {
	return v.anchor, v.focus
}

func (v *Viewer) viewHeight() int {
	_, h := v.screen.Size()
	return max(h-1, 1)
}

func (v *Viewer) relayout() {
	w, _ := v.screen.Size()
	v.mu.Lock()
	v.layout = layout.New(v.doc, layout.TerminalMetrics(max(w, 1)), v.scroll)
	v.proj = projector.New(projector.Build(v.doc), v.layout)
	v.mu.Unlock()
	v.renderer.Invalidate()
}

func (v *Viewer) current() (*layout.Layout, *projector.Projector, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.layout, v.proj, v.scroll
}

// HandleEvent applies one event and reports whether the viewer should quit.
func (v *Viewer) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventResize:
		v.relayout()
		v.screen.Sync()
	case *tcell.EventFocus:
		v.focused = ev.Focused
		if ev.Focused {
			v.emitter.Focus()
			v.syncSelection()
		} else {
			v.emitter.Blur()
		}
	case *tcell.EventKey:
		return v.handleKey(ev)
	}
	return false
}

func (v *Viewer) handleKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyRune:
		if ev.Rune() == 'q' {
			return true
		}
		return false
	case tcell.KeyPgUp:
		v.scrollBy(-v.viewHeight())
		return false
	case tcell.KeyPgDn:
		v.scrollBy(v.viewHeight())
		return false
	}

	focus, ok := v.move(ev.Key())
	if !ok {
		return false
	}
	v.focus = focus
	if ev.Modifiers()&tcell.ModShift == 0 {
		v.anchor = focus
	}
	v.revealCaret()
	v.syncSelection()
	return false
}

func (v *Viewer) move(key tcell.Key) (int, bool) {
	_, p, _ := v.current()
	n := p.Map().Len
	switch key {
	case tcell.KeyLeft:
		return snap(p.Map(), max(v.focus-1, 0), -1), true
	case tcell.KeyRight:
		return snap(p.Map(), min(v.focus+1, n), 1), true
	case tcell.KeyHome:
		return 0, true
	case tcell.KeyEnd:
		return n, true
	case tcell.KeyUp:
		return v.vertical(p, -1), true
	case tcell.KeyDown:
		return v.vertical(p, 1), true
	}
	return 0, false
}

// snap moves an offset that falls inside a chip to the chip edge in the
// direction of travel.
func snap(m *projector.Map, o, dir int) int {
	for _, l := range m.Leaves {
		if l.Kind == projector.LeafEntity && l.Start < o && o < l.End {
			if dir < 0 {
				return l.Start
			}
			return l.End
		}
	}
	return o
}

// vertical finds the offset on the adjacent row closest to the caret column.
func (v *Viewer) vertical(p *projector.Projector, dir int) int {
	cur, ok := p.OffsetToVisualPosition(v.focus)
	if !ok {
		return v.focus
	}
	target := cur.Y + float64(dir)
	best, bestDist := -1, 0.0
	for o := 0; o <= p.Map().Len; o++ {
		if snap(p.Map(), o, 1) != o {
			continue
		}
		pos, ok := p.OffsetToVisualPosition(o)
		if !ok || pos.Y != target {
			continue
		}
		d := pos.X - cur.X
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = o, d
		}
	}
	if best < 0 {
		if dir < 0 {
			return 0
		}
		return p.Map().Len
	}
	return best
}

func (v *Viewer) scrollBy(rows int) {
	l, _, scroll := v.current()
	next := min(max(scroll+rows, 0), max(l.Rows()-1, 0))
	if next == scroll {
		return
	}
	v.mu.Lock()
	v.scroll = next
	v.mu.Unlock()
	v.relayout()
}

func (v *Viewer) revealCaret() {
	_, p, scroll := v.current()
	pos, ok := p.OffsetToVisualPosition(v.focus)
	if !ok {
		return
	}
	row := int(pos.Y)
	switch h := v.viewHeight(); {
	case row < scroll:
		v.scrollBy(row - scroll)
	case row >= scroll+h:
		v.scrollBy(row - scroll - h + 1)
	}
}

func (v *Viewer) syncSelection() {
	_, p, _ := v.current()
	m := p.Map()
	anchor, ok := m.OffsetToPoint(m.Clamp(v.anchor))
	if !ok {
		return
	}
	focus, ok := m.OffsetToPoint(m.Clamp(v.focus))
	if !ok {
		return
	}
	v.emitter.Update(v.doc, document.Selection{Anchor: anchor, Focus: focus})
}

// Draw repaints the whole screen.
func (v *Viewer) Draw() {
	v.mu.Lock()
	l, p, scroll, overlay, online := v.layout, v.proj, v.scroll, v.overlay, v.online
	v.mu.Unlock()

	s := v.screen
	s.Clear()
	w, _ := s.Size()
	h := v.viewHeight()

	for _, g := range l.Glyphs() {
		y := g.Row - scroll
		if y < 0 || y >= h {
			continue
		}
		style := styleText
		if g.Entity {
			style = styleChip
		}
		drawString(s, g.Col, y, g.Text, style)
	}

	lo, hi := min(v.anchor, v.focus), max(v.anchor, v.focus)
	for _, r := range p.OffsetsToSelectionRects(lo, hi) {
		v.tint(r, scroll, h, localSelection)
	}
	for _, r := range overlay.SelectionRects {
		v.tint(r.Rect, scroll, h, tcell.GetColor(r.Color))
	}
	for _, c := range overlay.Positions {
		v.drawRemoteCaret(c, scroll, h)
	}

	if pos, ok := p.OffsetToVisualPosition(v.focus); ok && v.focused {
		s.ShowCursor(int(pos.X), int(pos.Y)-scroll)
	} else {
		s.HideCursor()
	}

	status := fmt.Sprintf(" %s  %d online  %s ", v.opts.FileID, online, v.emitter.State())
	for x := 0; x < w; x++ {
		s.SetContent(x, h, ' ', nil, styleStatus)
	}
	drawString(s, 0, h, status, styleStatus)
	s.Show()
}

func (v *Viewer) tint(r projector.Rect, scroll, h int, bg tcell.Color) {
	for y := int(r.Y); y < int(r.Y+r.Height); y++ {
		sy := y - scroll
		if sy < 0 || sy >= h {
			continue
		}
		for x := int(r.X); x < int(r.X+r.Width); x++ {
			mainc, combc, style, _ := v.screen.GetContent(x, sy) //nolint:staticcheck // GetContent is the correct API
			v.screen.SetContent(x, sy, mainc, combc, style.Background(bg))
		}
	}
}

func (v *Viewer) drawRemoteCaret(c remote.CursorPosition, scroll, h int) {
	color := tcell.GetColor(c.Color)
	x, y := int(c.X), int(c.Y)-scroll
	if y < 0 || y >= h {
		return
	}
	mainc, combc, style, _ := v.screen.GetContent(x, y) //nolint:staticcheck // GetContent is the correct API
	v.screen.SetContent(x, y, mainc, combc, style.Background(color))

	ly := y - 1
	if c.LabelBelow {
		ly = y + max(int(c.Height), 1)
	}
	if ly < 0 || ly >= h {
		return
	}
	drawString(v.screen, x, ly, c.Label, tcell.StyleDefault.Foreground(tcell.ColorBlack).Background(color))
}

func drawString(s tcell.Screen, x, y int, str string, style tcell.Style) int {
	state := -1
	for len(str) > 0 {
		var cluster string
		var width int
		cluster, str, width, state = uniseg.FirstGraphemeClusterInString(str, state)
		runes := []rune(cluster)
		s.SetContent(x, y, runes[0], runes[1:], style)
		x += width
	}
	return x
}
