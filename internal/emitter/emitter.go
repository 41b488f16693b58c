// Package emitter broadcasts the local selection as a linear-offset cursor,
// throttled so that bursts of selection changes cost at most one message per
// interval.
package emitter

import (
	"log/slog"
	"sync"
	"time"

	"skillsync/internal/clock"
	"skillsync/internal/collab"
	"skillsync/internal/document"
	"skillsync/internal/projector"
)

// DefaultInterval is the throttle window.
const DefaultInterval = 200 * time.Millisecond

// State is the emitter's phase.
type State int

const (
	Idle State = iota
	Pending
	Blurred
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Blurred:
		return "blurred"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Options configures an Emitter.
type Options struct {
	FileID   string
	Channel  collab.Channel
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// Emitter is a trailing-edge throttle in front of Channel.EmitCursorUpdate.
// Emissions happen with the emitter's lock held, so they reach the channel in
// the order they were decided.
type Emitter struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	emitted bool
	last    *collab.Cursor
	lastAt  time.Time
	pending collab.Cursor
	timer   clock.Timer
	gen     uint64
}

// New returns an idle emitter.
func New(opts Options) *Emitter {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Emitter{opts: opts, log: opts.Logger.With("component", "emitter", "file", opts.FileID)}
}

// State returns the current phase.
func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Update recomputes the cursor from the current document and selection. It
// is called on every selection change and document update. A selection that
// no longer resolves against d is ignored for this call.
func (e *Emitter) Update(d *document.Document, sel document.Selection) {
	r, ok := projector.Build(d).SelectionRange(sel)
	if !ok {
		e.log.Debug("selection does not resolve, skipping", "anchor", sel.Anchor.Key, "focus", sel.Focus.Key)
		return
	}
	e.Propose(collab.Cursor{Start: r.Start, End: r.End})
}

// Propose offers a new cursor value to the throttle.
func (e *Emitter) Propose(c collab.Cursor) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Blurred || e.state == Closed {
		return
	}
	if e.emitted && e.last != nil && *e.last == c {
		e.cancelLocked()
		e.state = Idle
		return
	}

	now := e.opts.Clock.Now()
	elapsed := now.Sub(e.lastAt)
	if !e.emitted || elapsed >= e.opts.Interval {
		e.cancelLocked()
		e.emitLocked(&c, now)
		e.state = Idle
		return
	}

	e.pending = c
	if e.timer == nil {
		gen := e.gen
		e.timer = e.opts.Clock.AfterFunc(e.opts.Interval-elapsed, func() { e.flush(gen) })
	}
	e.state = Pending
}

func (e *Emitter) flush(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state != Pending {
		return
	}
	e.timer = nil
	c := e.pending
	e.emitLocked(&c, e.opts.Clock.Now())
	e.state = Idle
}

// Blur cancels any pending emission and clears this user's cursor on every
// peer. Updates are ignored until Focus.
func (e *Emitter) Blur() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Blurred || e.state == Closed {
		return
	}
	e.cancelLocked()
	e.emitLocked(nil, e.opts.Clock.Now())
	e.state = Blurred
}

// Focus resumes emitting after Blur.
func (e *Emitter) Focus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Blurred {
		e.state = Idle
	}
}

// Close cancels any pending emission and sends a final null cursor. The
// emitter is unusable afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Closed {
		return
	}
	e.cancelLocked()
	e.emitLocked(nil, e.opts.Clock.Now())
	e.state = Closed
}

func (e *Emitter) cancelLocked() {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Emitter) emitLocked(c *collab.Cursor, now time.Time) {
	e.emitted = true
	e.lastAt = now
	e.last = nil
	var out *collab.Cursor
	if c != nil {
		last, sent := *c, *c
		e.last, out = &last, &sent
	}
	e.opts.Channel.EmitCursorUpdate(e.opts.FileID, out)
}
