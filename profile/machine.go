package profile

import (
	"github.com/user/bluecore/bt"
)

// laneTransitions lists the legal moves of one profile lane. A remote may
// connect without a CONNECTING report, and a failed disconnect falls back
// to the state it interrupted.
var laneTransitions = map[bt.ConnState][]bt.ConnState{
	bt.Disconnected:  {bt.Connecting, bt.Connected},
	bt.Connecting:    {bt.Connected, bt.Disconnected, bt.Disconnecting},
	bt.Connected:     {bt.Disconnecting, bt.Disconnected},
	bt.Disconnecting: {bt.Disconnected, bt.Connected, bt.Connecting},
}

func legal(from, to bt.ConnState) bool {
	for _, s := range laneTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the lanes of one remote device.
type Machine struct {
	addr  bt.Address
	lanes [bt.NumProfiles]bt.ConnState

	// connectedSeq orders CONNECTED transitions across devices.
	connectedSeq [bt.NumProfiles]uint64
	// outgoing marks lanes whose current transition we requested.
	outgoing [bt.NumProfiles]bool

	playing   bool
	suspended bool

	// removeWhenIdle drops the machine once every lane is DISCONNECTED.
	removeWhenIdle bool
}

func newMachine(addr bt.Address) *Machine {
	return &Machine{addr: addr}
}

// Address returns the remote device address.
func (m *Machine) Address() bt.Address { return m.addr }

// Lane returns the state of profile p.
func (m *Machine) Lane(p bt.Profile) bt.ConnState {
	if !p.Valid() {
		return bt.Disconnected
	}
	return m.lanes[p]
}

// Playing reports whether the media lane is streaming.
func (m *Machine) Playing() bool { return m.playing }

// set moves lane p to to. It reports the previous state and whether the
// move was legal; illegal moves leave the lane untouched.
func (m *Machine) set(p bt.Profile, to bt.ConnState) (bt.ConnState, bool) {
	from := m.lanes[p]
	if from == to || !legal(from, to) {
		return from, false
	}
	m.lanes[p] = to
	return from, true
}

// active counts lanes that are not DISCONNECTED.
func (m *Machine) active() int {
	n := 0
	for _, s := range m.lanes {
		if s != bt.Disconnected {
			n++
		}
	}
	return n
}

func (m *Machine) idle() bool { return m.active() == 0 }

// transitional reports whether any lane is mid connect or disconnect.
func (m *Machine) transitional() bool {
	for _, s := range m.lanes {
		if s.Transitional() {
			return true
		}
	}
	return false
}
