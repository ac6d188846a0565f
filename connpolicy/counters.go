package connpolicy

import (
	"sync"

	"github.com/user/bluecore/bt"
)

// Counters aggregates per-lane transitions into a single adapter-wide
// connection state. Only boundary crossings are reported so observers see
// one change when the first lane connects and one when the last disconnects.
type Counters struct {
	mu            sync.Mutex
	connecting    int
	connected     int
	disconnecting int
	state         bt.ConnState
	prev          bt.ConnState
}

// NewCounters starts with every counter at zero and the aggregate DISCONNECTED.
func NewCounters() *Counters {
	return &Counters{state: bt.Disconnected, prev: bt.Disconnected}
}

// Record applies one lane transition and reports whether the aggregate
// state changed to newState.
func (c *Counters) Record(oldState, newState bt.ConnState) bool {
	if oldState == newState {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch oldState {
	case bt.Connecting:
		if c.connecting > 0 {
			c.connecting--
		}
	case bt.Connected:
		if c.connected > 0 {
			c.connected--
		}
	case bt.Disconnecting:
		if c.disconnecting > 0 {
			c.disconnecting--
		}
	}

	fire := false
	switch newState {
	case bt.Connecting:
		c.connecting++
		fire = c.connected == 0 && c.connecting == 1
	case bt.Connected:
		c.connected++
		fire = c.connected == 1
	case bt.Disconnecting:
		c.disconnecting++
		fire = c.connected == 0 && c.disconnecting == 1
	case bt.Disconnected:
		fire = c.connected == 0 && c.connecting == 0
	}

	if fire && c.state != newState {
		c.prev = c.state
		c.state = newState
		return true
	}
	return false
}

// State returns the current aggregate and the one it replaced.
func (c *Counters) State() (current, previous bt.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.prev
}

// Counts returns the raw counters.
func (c *Counters) Counts() (connecting, connected, disconnecting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting, c.connected, c.disconnecting
}

// Reset returns to the initial state.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connecting, c.connected, c.disconnecting = 0, 0, 0
	c.state, c.prev = bt.Disconnected, bt.Disconnected
}
