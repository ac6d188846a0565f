package radio

import (
	"time"

	"github.com/user/bluecore/bt"
)

// Pending is an outstanding command awaiting its completion event.
type Pending struct {
	Command Command
	// Prior is the lane state to restore when the command fails.
	Prior  bt.ConnState
	SentAt time.Time
}

// Tracker is the correlation table of outstanding commands keyed by
// RequestID. Resolve is one-shot: a duplicated completion finds nothing.
// It is owned by the serialized core and is not safe for concurrent use.
type Tracker struct {
	pending map[bt.RequestID]Pending
	now     func() time.Time
}

// NewTracker creates an empty table using now for timestamps.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{pending: make(map[bt.RequestID]Pending), now: now}
}

// Track records cmd as outstanding.
func (t *Tracker) Track(cmd Command, prior bt.ConnState) {
	t.pending[cmd.ID] = Pending{Command: cmd, Prior: prior, SentAt: t.now()}
}

// Resolve removes and returns the entry for id.
func (t *Tracker) Resolve(id bt.RequestID) (Pending, bool) {
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// Amend replaces the rollback state of the entry for id.
func (t *Tracker) Amend(id bt.RequestID, prior bt.ConnState) bool {
	p, ok := t.pending[id]
	if ok {
		p.Prior = prior
		t.pending[id] = p
	}
	return ok
}

// Lookup returns the entry for id without removing it.
func (t *Tracker) Lookup(id bt.RequestID) (Pending, bool) {
	p, ok := t.pending[id]
	return p, ok
}

// Find returns the outstanding command of kind for (addr, profile).
func (t *Tracker) Find(addr bt.Address, p bt.Profile, kind CommandKind) (Pending, bool) {
	for _, pend := range t.pending {
		c := pend.Command
		if c.Address == addr && c.Profile == p && c.Kind == kind {
			return pend, true
		}
	}
	return Pending{}, false
}

// DropAddress forgets every outstanding command for addr.
func (t *Tracker) DropAddress(addr bt.Address) int {
	n := 0
	for id, p := range t.pending {
		if p.Command.Address == addr {
			delete(t.pending, id)
			n++
		}
	}
	return n
}

// Clear forgets everything.
func (t *Tracker) Clear() {
	t.pending = make(map[bt.RequestID]Pending)
}

// Len returns the number of outstanding commands.
func (t *Tracker) Len() int {
	return len(t.pending)
}
