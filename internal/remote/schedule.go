package remote

import (
	"time"

	"skillsync/internal/clock"
)

// DefaultFrame approximates one paint interval.
const DefaultFrame = 16 * time.Millisecond

// Scheduler runs fn once before the next paint. Schedule must not call fn
// synchronously. The returned func cancels the call if it has not run.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// FrameScheduler is a Scheduler backed by a one-shot timer.
type FrameScheduler struct {
	Clock clock.Clock
	Delay time.Duration
}

func (s FrameScheduler) Schedule(fn func()) func() {
	c := s.Clock
	if c == nil {
		c = clock.Real{}
	}
	d := s.Delay
	if d <= 0 {
		d = DefaultFrame
	}
	t := c.AfterFunc(d, fn)
	return func() { t.Stop() }
}
