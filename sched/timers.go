package sched

import (
	"strings"
	"sync"
	"time"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
)

// Key identifies a timer by device and purpose. At most one timer per key
// is armed at a time.
type Key struct {
	Address bt.Address
	Purpose string
}

func (k Key) String() string {
	if k.Address == "" {
		return k.Purpose
	}
	return k.Purpose + "/" + string(k.Address)
}

type entry struct {
	timer Timer
	gen   uint64
}

// Timers arms keyed callbacks on a Clock. Expiry does not run the callback
// directly: it hands a closure to post, which is expected to enqueue it on
// the owner's serialized queue. A callback whose key was cancelled or
// re-armed before it ran is dropped.
type Timers struct {
	mu     sync.Mutex
	clock  Clock
	post   func(func())
	gen    uint64
	active map[Key]entry
}

// NewTimers creates a timer set on clock delivering expiries through post.
func NewTimers(clock Clock, post func(func())) *Timers {
	return &Timers{
		clock:  clock,
		post:   post,
		active: make(map[Key]entry),
	}
}

// Schedule arms fn after d, replacing any timer already armed for key.
func (t *Timers) Schedule(key Key, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.active[key]; ok {
		old.timer.Stop()
		logger.Trace("sched", "re-arming %s", key)
	}
	t.gen++
	gen := t.gen
	timer := t.clock.AfterFunc(d, func() {
		t.post(func() { t.fire(key, gen, fn) })
	})
	t.active[key] = entry{timer: timer, gen: gen}
}

func (t *Timers) fire(key Key, gen uint64, fn func()) {
	t.mu.Lock()
	e, ok := t.active[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		logger.Trace("sched", "dropping stale expiry of %s", key)
		return
	}
	delete(t.active, key)
	t.mu.Unlock()
	fn()
}

// Cancel disarms the timer for key and reports whether one was armed.
func (t *Timers) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.active, key)
	return true
}

// CancelAddress disarms the timers of addr whose purpose is one of
// purposes or a "/"-qualified form of it. With no purposes every timer of
// addr is disarmed.
func (t *Timers) CancelAddress(addr bt.Address, purposes ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, e := range t.active {
		if key.Address == addr && matchPurpose(key.Purpose, purposes) {
			e.timer.Stop()
			delete(t.active, key)
			n++
		}
	}
	return n
}

func matchPurpose(purpose string, purposes []string) bool {
	if len(purposes) == 0 {
		return true
	}
	for _, p := range purposes {
		if purpose == p || strings.HasPrefix(purpose, p+"/") {
			return true
		}
	}
	return false
}

// CancelAll disarms every timer.
func (t *Timers) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.active {
		e.timer.Stop()
		delete(t.active, key)
	}
}

// Armed reports whether a timer is armed for key.
func (t *Timers) Armed(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// Now returns the clock's current time.
func (t *Timers) Now() time.Time {
	return t.clock.Now()
}
