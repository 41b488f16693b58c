package remote

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"skillsync/internal/clock"
	"skillsync/internal/collab"
	"skillsync/internal/projector"
)

const (
	// DefaultTTL is how long a cursor is shown after its last update.
	DefaultTTL = 15 * time.Second
	// DefaultFallback is the interval of the forced recompute.
	DefaultFallback = 4 * time.Second
	// DefaultLabelHeight is the space a name label needs above a caret.
	DefaultLabelHeight = 18
)

// CursorPosition is a caret overlay for one user, in container coordinates.
type CursorPosition struct {
	UserID     string  `json:"userId"`
	Label      string  `json:"label"`
	Color      string  `json:"color"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Height     float64 `json:"height"`
	LabelBelow bool    `json:"labelBelow"`
}

// SelectionRect is one highlighted rectangle of a user's selection.
type SelectionRect struct {
	UserID string         `json:"userId"`
	Color  string         `json:"color"`
	Rect   projector.Rect `json:"rect"`
}

// RenderState is the complete overlay. It is always recomputed wholesale.
type RenderState struct {
	Positions      []CursorPosition `json:"positions"`
	SelectionRects []SelectionRect  `json:"selectionRects"`
}

// Source returns a projector over the document as currently rendered, or
// false when nothing is mounted.
type Source func() (*projector.Projector, bool)

// Options configures a Renderer.
type Options struct {
	FileID      string
	LocalUserID string
	Clock       clock.Clock
	Scheduler   Scheduler
	TTL         time.Duration
	Fallback    time.Duration
	LabelHeight float64
	Logger      *slog.Logger
}

// Renderer recomputes remote cursor overlays. Any number of invalidations
// before the next frame collapse into one recompute, and a fallback tick
// forces one periodically.
type Renderer struct {
	deps     collab.Deps
	src      Source
	onRender func(RenderState)
	opts     Options
	log      *slog.Logger
	store    *Store

	labelsMu sync.RWMutex
	labels   map[string]string

	mu           sync.Mutex
	started      bool
	stopped      bool
	framePending bool
	cancelFrame  func()
	tick         clock.Timer
	unsubscribe  []func()
}

// NewRenderer returns a stopped renderer. onRender receives every recomputed
// state.
func NewRenderer(deps collab.Deps, src Source, onRender func(RenderState), opts Options) *Renderer {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = FrameScheduler{Clock: opts.Clock}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Fallback <= 0 {
		opts.Fallback = DefaultFallback
	}
	if opts.LabelHeight <= 0 {
		opts.LabelHeight = DefaultLabelHeight
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Color == nil {
		deps.Color = collab.UserColor
	}
	if onRender == nil {
		onRender = func(RenderState) {}
	}
	return &Renderer{
		deps:     deps,
		src:      src,
		onRender: onRender,
		opts:     opts,
		log:      opts.Logger.With("component", "remote-renderer", "file", opts.FileID),
		store:    NewStore(),
		labels:   make(map[string]string),
	}
}

// Store returns the cursor store fed by the channel.
func (r *Renderer) Store() *Store { return r.store }

// Start subscribes to the channel and presence source, arms the fallback
// tick and schedules a first recompute.
func (r *Renderer) Start() {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	var unsub []func()
	if r.deps.Channel != nil {
		unsub = append(unsub, r.deps.Channel.OnCursorUpdate(r.opts.FileID, func(m map[string]collab.RemoteCursor) {
			r.store.Replace(m)
			r.Invalidate()
		}))
	}
	if r.deps.Presence != nil {
		unsub = append(unsub, r.deps.Presence.OnOnlineUsersUpdate(r.setUsers))
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		for _, fn := range unsub {
			fn()
		}
		return
	}
	r.unsubscribe = unsub
	r.armTickLocked()
	r.mu.Unlock()
	r.Invalidate()
}

func (r *Renderer) setUsers(users []collab.OnlineUser) {
	labels := make(map[string]string, len(users))
	for _, u := range users {
		if u.Username != "" {
			labels[u.UserID] = u.Username
		}
	}
	r.labelsMu.Lock()
	r.labels = labels
	r.labelsMu.Unlock()
	r.Invalidate()
}

func (r *Renderer) armTickLocked() {
	r.tick = r.opts.Clock.AfterFunc(r.opts.Fallback, func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.armTickLocked()
		r.mu.Unlock()
		r.Invalidate()
	})
}

// Invalidate requests a recompute before the next frame. Calls made while a
// frame is already pending are absorbed by it.
func (r *Renderer) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.framePending {
		return
	}
	r.framePending = true
	r.cancelFrame = r.opts.Scheduler.Schedule(r.frame)
}

func (r *Renderer) frame() {
	r.mu.Lock()
	if r.stopped || !r.framePending {
		r.mu.Unlock()
		return
	}
	r.framePending = false
	r.cancelFrame = nil
	r.mu.Unlock()

	r.onRender(r.Recompute())
}

// Recompute builds the overlay from the current store contents. Cursors
// older than the TTL, the local user's own cursor and cursors that cannot be
// placed are left out.
func (r *Renderer) Recompute() RenderState {
	state := RenderState{Positions: []CursorPosition{}, SelectionRects: []SelectionRect{}}
	p, ok := r.src()
	if !ok {
		return state
	}
	vp := p.Viewport()
	now := r.opts.Clock.Now().UnixMilli()
	ttl := r.opts.TTL.Milliseconds()

	snapshot := r.store.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := snapshot[id]
		if id == r.opts.LocalUserID || now-c.TimestampMs > ttl {
			continue
		}
		pos, ok := p.OffsetToVisualPosition(c.End)
		if !ok {
			r.log.Debug("cursor does not resolve, skipping", "user", id, "offset", c.End)
			continue
		}
		color := r.deps.Color(id)
		state.Positions = append(state.Positions, CursorPosition{
			UserID:     id,
			Label:      r.label(id),
			Color:      color,
			X:          pos.X,
			Y:          pos.Y,
			Height:     pos.Height,
			LabelBelow: pos.Y-vp.ScrollY < r.opts.LabelHeight,
		})
		if c.Start == c.End {
			continue
		}
		for _, rect := range p.OffsetsToSelectionRects(c.Start, c.End) {
			state.SelectionRects = append(state.SelectionRects, SelectionRect{UserID: id, Color: color, Rect: rect})
		}
	}
	return state
}

func (r *Renderer) label(userID string) string {
	r.labelsMu.RLock()
	name, ok := r.labels[userID]
	r.labelsMu.RUnlock()
	if ok {
		return name
	}
	return ShortID(userID)
}

// ShortID is the fallback label: the last four characters of the id.
func ShortID(userID string) string {
	runes := []rune(userID)
	if len(runes) <= 4 {
		return userID
	}
	return string(runes[len(runes)-4:])
}

// Stop cancels the pending frame and the fallback tick and unsubscribes.
func (r *Renderer) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.cancelFrame != nil {
		r.cancelFrame()
		r.cancelFrame = nil
	}
	r.framePending = false
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}
