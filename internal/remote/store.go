// Package remote keeps the cursors of other editors and turns them into
// caret, label and selection overlays.
package remote

import (
	"sync/atomic"

	"skillsync/internal/collab"
)

// Store is the per-document cursor map. Every write installs a new map, so a
// Snapshot is never modified after it is returned.
type Store struct {
	m atomic.Pointer[map[string]collab.RemoteCursor]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	empty := map[string]collab.RemoteCursor{}
	s.m.Store(&empty)
	return s
}

// Set records the cursor of one user. A nil cursor deletes the entry.
func (s *Store) Set(userID string, c *collab.RemoteCursor) {
	for {
		old := s.m.Load()
		next := make(map[string]collab.RemoteCursor, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		if c == nil {
			delete(next, userID)
		} else {
			v := *c
			v.UserID = userID
			next[userID] = v
		}
		if s.m.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Replace installs a copy of m as the whole map.
func (s *Store) Replace(m map[string]collab.RemoteCursor) {
	next := make(map[string]collab.RemoteCursor, len(m))
	for k, v := range m {
		next[k] = v
	}
	s.m.Store(&next)
}

// Clear drops every cursor.
func (s *Store) Clear() { s.Replace(nil) }

// Snapshot returns the current map. Callers must not modify it.
func (s *Store) Snapshot() map[string]collab.RemoteCursor { return *s.m.Load() }

// Len returns the number of stored cursors, expired ones included.
func (s *Store) Len() int { return len(*s.m.Load()) }
