package profile

import (
	"sort"

	"github.com/user/bluecore/bond"
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/connpolicy"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
)

// Deps are the collaborators an Arbitrator drives.
type Deps struct {
	Config   config.Config
	Bonds    *bond.Store
	Props    *props.Cache
	Settings settings.Store
	Radio    radio.Submitter
	Timers   *sched.Timers
	Sink     sink.Sink
	Counters *connpolicy.Counters

	// Ready reports whether the adapter accepts profile operations.
	Ready func() bool
	// OnIdle runs when the last active lane of the last device disconnects.
	OnIdle func()
}

// Arbitrator owns one Machine per remote device and applies the policy
// that spans devices: exclusive profiles, priority tiers, in-call
// suspension and deferred connects. It must only be used from the
// serialized core.
type Arbitrator struct {
	cfg      config.Config
	bonds    *bond.Store
	props    *props.Cache
	settings settings.Store
	radio    radio.Submitter
	timers   *sched.Timers
	sink     sink.Sink
	counters *connpolicy.Counters
	ready    func() bool
	onIdle   func()

	devices    map[bt.Address]*Machine
	tracker    *radio.Tracker
	unpairing  map[bt.Address]bool
	callActive bool
	seq        uint64
	resetting  bool
}

// NewArbitrator wires an arbitrator to its collaborators.
func NewArbitrator(d Deps) *Arbitrator {
	if d.Sink == nil {
		d.Sink = sink.Discard
	}
	if d.Counters == nil {
		d.Counters = connpolicy.NewCounters()
	}
	if d.Ready == nil {
		d.Ready = func() bool { return true }
	}
	return &Arbitrator{
		cfg:       d.Config,
		bonds:     d.Bonds,
		props:     d.Props,
		settings:  d.Settings,
		radio:     d.Radio,
		timers:    d.Timers,
		sink:      d.Sink,
		counters:  d.Counters,
		ready:     d.Ready,
		onIdle:    d.OnIdle,
		devices:   make(map[bt.Address]*Machine),
		tracker:   radio.NewTracker(d.Timers.Now),
		unpairing: make(map[bt.Address]bool),
	}
}

func (a *Arbitrator) machine(addr bt.Address) *Machine {
	m, ok := a.devices[addr]
	if !ok {
		m = newMachine(addr)
		a.devices[addr] = m
		logger.Debug("profile", "tracking %s", addr)
	}
	return m
}

// Device returns the machine of addr, if one exists.
func (a *Arbitrator) Device(addr bt.Address) (*Machine, bool) {
	m, ok := a.devices[addr]
	return m, ok
}

// Devices lists addresses with a machine, sorted.
func (a *Arbitrator) Devices() []bt.Address {
	out := make([]bt.Address, 0, len(a.devices))
	for addr := range a.devices {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectionState returns the lane state, DISCONNECTED when unknown.
func (a *Arbitrator) ConnectionState(addr bt.Address, p bt.Profile) bt.ConnState {
	if m, ok := a.devices[addr]; ok {
		return m.Lane(p)
	}
	return bt.Disconnected
}

// Playing reports whether addr's media lane is streaming.
func (a *Arbitrator) Playing(addr bt.Address) bool {
	if m, ok := a.devices[addr]; ok {
		return m.playing
	}
	return false
}

// ActiveLanes counts non-DISCONNECTED lanes over every device.
func (a *Arbitrator) ActiveLanes() int {
	n := 0
	for _, m := range a.devices {
		n += m.active()
	}
	return n
}

// InCall reports whether a voice call is in progress: either the telephony
// hint is set or some device holds a CONNECTED voice lane.
func (a *Arbitrator) InCall() bool {
	if a.callActive {
		return true
	}
	for _, m := range a.devices {
		if m.lanes[bt.ProfileVoice] == bt.Connected {
			return true
		}
	}
	return false
}

// SetCallActive records the telephony hint.
func (a *Arbitrator) SetCallActive(active bool) {
	before := a.InCall()
	a.callActive = active
	a.callChanged(before)
}

// holder returns another device whose lane p is not DISCONNECTED.
func (a *Arbitrator) holder(p bt.Profile, except bt.Address) (*Machine, bool) {
	for _, addr := range a.Devices() {
		if addr == except {
			continue
		}
		if m := a.devices[addr]; m.lanes[p] != bt.Disconnected {
			return m, true
		}
	}
	return nil, false
}

// Connect starts an outgoing connection of lane p. It returns false when
// the device is not bonded, the lane is busy, policy forbids it, or the
// radio refused the command; the lane is unchanged in that case.
func (a *Arbitrator) Connect(addr bt.Address, p bt.Profile) bool {
	if !p.Valid() || !a.cfg.ProfileEnabled(p) {
		logger.Info("profile", "connect %s %s refused: profile disabled", addr, p)
		return false
	}
	if !a.ready() {
		logger.Info("profile", "connect %s %s refused: adapter not ready", addr, p)
		return false
	}
	if state := a.bonds.State(addr); state != bt.BondBonded {
		logger.Info("profile", "connect %s %s refused: bond state %s", addr, p, state)
		return false
	}
	if a.unpairing[addr] {
		logger.Info("profile", "connect %s %s refused: device is being removed", addr, p)
		return false
	}
	if a.settings.Priority(addr, p) == bt.PriorityOff {
		logger.Info("profile", "connect %s %s refused: priority off", addr, p)
		return false
	}

	m := a.machine(addr)
	prior := m.lanes[p]
	if prior != bt.Disconnected {
		logger.Info("profile", "connect %s %s refused: lane %s", addr, p, prior)
		return false
	}

	var displaced *Machine
	if p.Exclusive() {
		if other, ok := a.holder(p, addr); ok {
			if other.lanes[p] != bt.Connected {
				logger.Info("profile", "connect %s %s refused: %s is %s", addr, p, other.addr, other.lanes[p])
				return false
			}
			displaced = other
		}
	}

	// The holder is only displaced once the radio has accepted the new
	// connect.
	cmd := radio.NewCommand(radio.CmdConnectProfile, addr)
	cmd.Profile = p
	if err := a.radio.Submit(cmd); err != nil {
		logger.Warn("profile", "connect %s %s: %v", addr, p, err)
		return false
	}
	a.tracker.Track(cmd, prior)
	m.outgoing[p] = true
	a.transition(addr, p, bt.Connecting)

	if displaced != nil {
		logger.Info("profile", "disconnecting %s %s in favour of %s", displaced.addr, p, addr)
		if !a.Disconnect(displaced.addr, p) {
			logger.Warn("profile", "connect %s %s abandoned: %s still holds the profile", addr, p, displaced.addr)
			a.Disconnect(addr, p)
			return false
		}
	}
	return true
}

// Disconnect tears down lane p when it is CONNECTED or CONNECTING.
func (a *Arbitrator) Disconnect(addr bt.Address, p bt.Profile) bool {
	m, ok := a.devices[addr]
	if !ok || !p.Valid() {
		return false
	}
	prior := m.lanes[p]
	if prior != bt.Connected && prior != bt.Connecting {
		logger.Info("profile", "disconnect %s %s refused: lane %s", addr, p, prior)
		return false
	}

	cmd := radio.NewCommand(radio.CmdDisconnectProfile, addr)
	cmd.Profile = p
	if err := a.radio.Submit(cmd); err != nil {
		logger.Warn("profile", "disconnect %s %s: %v", addr, p, err)
		return false
	}
	a.tracker.Track(cmd, prior)
	m.outgoing[p] = true
	a.transition(addr, p, bt.Disconnecting)
	return true
}

// HandleConnectResult completes a tracked connect or disconnect. A failure
// puts the lane back where it was before the request.
func (a *Arbitrator) HandleConnectResult(ev radio.ConnectResult) {
	pending, ok := a.tracker.Resolve(ev.ID)
	if !ok {
		logger.Debug("profile", "ignoring untracked result %s for %s %s", ev.ID, ev.Address, ev.Profile)
		return
	}
	cmd := pending.Command
	m, ok := a.devices[cmd.Address]
	if !ok {
		return
	}
	keepOutgoing := false
	defer func() {
		if !keepOutgoing {
			m.outgoing[cmd.Profile] = false
		}
	}()

	inFlight := bt.Connecting
	target := bt.Connected
	if cmd.Kind == radio.CmdDisconnectProfile {
		inFlight, target = bt.Disconnecting, bt.Disconnected
	}
	if m.lanes[cmd.Profile] != inFlight {
		logger.Debug("profile", "%s %s already %s, result superseded", cmd.Address, cmd.Profile, m.lanes[cmd.Profile])
		if cmd.Kind == radio.CmdConnectProfile && m.lanes[cmd.Profile] == bt.Disconnecting {
			// A failing disconnect now falls back to what the connect produced.
			if disc, ok := a.tracker.Find(cmd.Address, cmd.Profile, radio.CmdDisconnectProfile); ok {
				prior := bt.Disconnected
				if ev.Success {
					prior = bt.Connected
				}
				a.tracker.Amend(disc.Command.ID, prior)
			}
		}
		return
	}

	if ev.Success {
		a.transition(cmd.Address, cmd.Profile, target)
		return
	}
	rollback := pending.Prior
	if cmd.Kind == radio.CmdDisconnectProfile && rollback == bt.Connecting {
		// The interrupted connect is only resumable while its result is
		// still outstanding.
		if _, ok := a.tracker.Find(cmd.Address, cmd.Profile, radio.CmdConnectProfile); ok {
			keepOutgoing = true
		} else {
			rollback = bt.Disconnected
		}
	}
	logger.Warn("profile", "%s %s %s failed, rolling back to %s", cmd.Kind, cmd.Address, cmd.Profile, rollback)
	a.transition(cmd.Address, cmd.Profile, rollback)
	if cmd.Kind == radio.CmdDisconnectProfile && a.unpairing[cmd.Address] {
		logger.Warn("profile", "removal of %s abandoned", cmd.Address)
		delete(a.unpairing, cmd.Address)
	}
}

// HandleProfileState applies a lane state reported by the radio.
func (a *Arbitrator) HandleProfileState(addr bt.Address, p bt.Profile, state bt.ConnState) {
	if !p.Valid() {
		return
	}
	a.transition(addr, p, state)
}

// transition is the only place lanes change. It publishes the lane change,
// feeds the aggregate counters and runs the per-state policy hooks.
func (a *Arbitrator) transition(addr bt.Address, p bt.Profile, to bt.ConnState) bool {
	m := a.machine(addr)
	before := a.InCall()
	from, ok := m.set(p, to)
	if !ok {
		if from != to {
			logger.Warn("profile", "%s %s: illegal transition %s -> %s ignored", addr, p, from, to)
		}
		return false
	}
	logger.Debug("profile", "%s %s: %s -> %s", addr, p, from, to)

	now := a.timers.Now()
	a.sink.Notify(sink.Notification{
		Kind:          sink.KindProfileState,
		Address:       addr,
		Time:          now,
		Profile:       p,
		ConnState:     to,
		PrevConnState: from,
	})
	if a.counters.Record(from, to) {
		cur, prev := a.counters.State()
		logger.Info("profile", "aggregate connection state %s -> %s", prev, cur)
		a.sink.Notify(sink.Notification{
			Kind:          sink.KindAggregateState,
			Time:          now,
			ConnState:     cur,
			PrevConnState: prev,
		})
	}

	switch to {
	case bt.Connected:
		a.seq++
		m.connectedSeq[p] = a.seq
		a.onConnected(m, p)
	case bt.Disconnected:
		m.outgoing[p] = false
		a.onDisconnected(m, p)
	}
	if p == bt.ProfileVoice {
		a.callChanged(before)
	}
	return true
}

func (a *Arbitrator) onConnected(m *Machine, p bt.Profile) {
	if a.resetting {
		return
	}
	a.promote(m.addr, p)

	incoming := !m.outgoing[p]
	m.outgoing[p] = false
	if p == bt.ProfileVoice && incoming &&
		m.lanes[bt.ProfileMedia] == bt.Disconnected &&
		a.settings.Priority(m.addr, bt.ProfileMedia) == bt.PriorityAutoConnect {
		a.scheduleDeferred(m.addr, bt.ProfileMedia)
	}
}

func (a *Arbitrator) onDisconnected(m *Machine, p bt.Profile) {
	if p == bt.ProfileMedia {
		m.playing = false
		m.suspended = false
	}
	if a.resetting || !m.idle() {
		return
	}

	if a.unpairing[m.addr] {
		delete(a.unpairing, m.addr)
		a.removeBond(m.addr)
	}
	if m.removeWhenIdle {
		a.drop(m.addr)
	}
	if a.ActiveLanes() == 0 && a.onIdle != nil {
		a.onIdle()
	}
}

// promote gives addr the auto-connect tier for p and demotes every other
// device holding it. The most recent CONNECTED transition wins.
func (a *Arbitrator) promote(addr bt.Address, p bt.Profile) {
	if a.settings.Priority(addr, p) == bt.PriorityOff {
		return
	}
	a.demoteOthers(addr, p)
	if a.settings.Priority(addr, p) != bt.PriorityAutoConnect {
		logger.Info("profile", "promoting %s %s to auto-connect", addr, p)
		a.setPriority(addr, p, bt.PriorityAutoConnect)
	}
}

func (a *Arbitrator) demoteOthers(addr bt.Address, p bt.Profile) {
	for _, other := range a.settings.Addresses() {
		if other == addr || a.settings.Priority(other, p) != bt.PriorityAutoConnect {
			continue
		}
		logger.Info("profile", "demoting %s %s to %d", other, p, bt.PriorityOn)
		a.setPriority(other, p, bt.PriorityOn)
	}
}

// SetPriority stores a priority chosen by the application. Choosing the
// auto-connect tier demotes every other holder of p.
func (a *Arbitrator) SetPriority(addr bt.Address, p bt.Profile, priority int) error {
	if err := a.settings.SetPriority(addr, p, priority); err != nil {
		return err
	}
	if priority == bt.PriorityAutoConnect {
		a.demoteOthers(addr, p)
	}
	return nil
}

func (a *Arbitrator) setPriority(addr bt.Address, p bt.Profile, priority int) {
	if err := a.settings.SetPriority(addr, p, priority); err != nil {
		logger.Warn("profile", "failed to persist priority of %s %s: %v", addr, p, err)
	}
}

// drop forgets the machine of addr and its timers.
func (a *Arbitrator) drop(addr bt.Address) {
	delete(a.devices, addr)
	a.timers.CancelAddress(addr, PurposeDeferred)
	logger.Debug("profile", "forgot %s", addr)
}

// DisconnectDevice tears down every connected or connecting lane of addr
// and returns the number of lanes still active.
func (a *Arbitrator) DisconnectDevice(addr bt.Address) int {
	m, ok := a.devices[addr]
	if !ok {
		return 0
	}
	for _, p := range bt.Profiles {
		if s := m.lanes[p]; s == bt.Connected || s == bt.Connecting {
			a.Disconnect(addr, p)
		}
	}
	return m.active()
}

// DisconnectEverything disconnects every device and returns the number of
// lanes still active.
func (a *Arbitrator) DisconnectEverything() int {
	for _, addr := range a.Devices() {
		a.DisconnectDevice(addr)
	}
	return a.ActiveLanes()
}

// Reset forces every lane DISCONNECTED and forgets every device. Used when
// the adapter is off.
func (a *Arbitrator) Reset() {
	a.resetting = true
	for _, addr := range a.Devices() {
		m := a.devices[addr]
		for _, p := range bt.Profiles {
			if m.lanes[p] != bt.Disconnected {
				a.transition(addr, p, bt.Disconnected)
			}
		}
		a.drop(addr)
	}
	a.resetting = false
	a.tracker.Clear()
	a.unpairing = make(map[bt.Address]bool)
}
