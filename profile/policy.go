package profile

import (
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/sink"
)

// PurposeDeferred is the timer purpose of deferred connects; the profile
// name is appended.
const PurposeDeferred = "deferred-connect"

func deferredKey(addr bt.Address, p bt.Profile) sched.Key {
	return sched.Key{Address: addr, Purpose: PurposeDeferred + "/" + p.String()}
}

// effectivePriority treats a trusted device without a stored priority as On.
func (a *Arbitrator) effectivePriority(addr bt.Address, p bt.Profile) int {
	pri := a.settings.Priority(addr, p)
	if pri == bt.PriorityUndefined && a.settings.Trusted(addr) {
		return bt.PriorityOn
	}
	return pri
}

// HandleAuthorize decides an incoming connection request. Rejections are
// policy decisions, logged at INFO and answered to the radio.
func (a *Arbitrator) HandleAuthorize(ev radio.AuthorizeRequest) bool {
	p, known := bt.ProfileForUUID(ev.Service)
	accept, deferred := a.authorize(ev.Address, p, known)

	cmd := radio.NewCommand(radio.CmdAuthorizeReply, ev.Address)
	cmd.ReplyTo = ev.ID
	cmd.Enable = accept
	if known {
		cmd.Profile = p
	}
	if err := a.radio.Submit(cmd); err != nil {
		logger.Warn("profile", "authorize reply for %s: %v", ev.Address, err)
		return false
	}

	if !accept {
		if deferred {
			a.scheduleDeferred(ev.Address, p)
		}
		return false
	}
	if a.ConnectionState(ev.Address, p) == bt.Disconnected {
		a.transition(ev.Address, p, bt.Connecting)
	}
	return true
}

// authorize applies the incoming gate. deferred is set when the request
// lost to another active lane of the same device and should be retried
// once that lane settles.
func (a *Arbitrator) authorize(addr bt.Address, p bt.Profile, known bool) (accept, deferred bool) {
	reject := func(why string) (bool, bool) {
		logger.Info("profile", "rejecting incoming %s from %s: %s", p, addr, why)
		return false, false
	}

	switch {
	case !known:
		return reject("unknown service")
	case !a.cfg.ProfileEnabled(p):
		return reject("profile disabled")
	case !a.ready():
		return reject("adapter not ready")
	case a.unpairing[addr]:
		return reject("device is being removed")
	case a.effectivePriority(addr, p) <= bt.PriorityOff:
		return reject("priority below floor")
	case p == bt.ProfilePAN && !a.cfg.AllowIncomingTethering:
		return reject("incoming tethering disabled")
	}

	if p.Exclusive() {
		if other, ok := a.holder(p, addr); ok {
			return reject("held by " + string(other.addr))
		}
	}

	if p == bt.ProfileMedia {
		voice := a.ConnectionState(addr, bt.ProfileVoice)
		if a.InCall() || voice.Transitional() {
			logger.Info("profile", "deferring incoming %s from %s: voice %s", p, addr, voice)
			return false, true
		}
	}
	return true, false
}

// scheduleDeferred arms a single outgoing connect of p. Re-arming replaces
// the earlier timer, and the connect is never requeued.
func (a *Arbitrator) scheduleDeferred(addr bt.Address, p bt.Profile) {
	delay := a.cfg.Timeouts.DeferredConnect.D()
	logger.Debug("profile", "deferred connect of %s %s in %v", addr, p, delay)
	a.timers.Schedule(deferredKey(addr, p), delay, func() { a.deferredConnect(addr, p) })
}

func (a *Arbitrator) deferredConnect(addr bt.Address, p bt.Profile) {
	if m, ok := a.devices[addr]; ok && m.transitional() {
		logger.Info("profile", "deferred %s for %s dropped: device still busy", p, addr)
		return
	}
	if a.ConnectionState(addr, p) != bt.Disconnected {
		return
	}
	if !a.Connect(addr, p) {
		logger.Info("profile", "deferred %s for %s not started", p, addr)
	}
}

// HandlePlaying applies a media streaming report. Streaming during a call
// is refused by suspending the sink.
func (a *Arbitrator) HandlePlaying(addr bt.Address, playing bool) {
	m := a.machine(addr)
	if playing && a.InCall() {
		logger.Info("profile", "suspending %s: call in progress", addr)
		a.submit(radio.CmdSuspendSink, addr)
		m.suspended = true
		return
	}
	if m.playing == playing {
		return
	}
	m.playing = playing
	a.sink.Notify(sink.Notification{
		Kind:    sink.KindPlayingState,
		Address: addr,
		Time:    a.timers.Now(),
		Profile: bt.ProfileMedia,
		Playing: playing,
	})
}

func (a *Arbitrator) submit(kind radio.CommandKind, addr bt.Address) {
	cmd := radio.NewCommand(kind, addr)
	cmd.Profile = bt.ProfileMedia
	if err := a.radio.Submit(cmd); err != nil {
		logger.Warn("profile", "%s %s: %v", kind, addr, err)
	}
}

// callChanged suspends streaming sinks when a call starts and resumes the
// ones it suspended when the call ends.
func (a *Arbitrator) callChanged(before bool) {
	after := a.InCall()
	if before == after || a.resetting {
		return
	}
	logger.Info("profile", "call active: %v", after)
	for _, addr := range a.Devices() {
		m := a.devices[addr]
		switch {
		case after && m.playing:
			a.submit(radio.CmdSuspendSink, addr)
			m.suspended = true
			m.playing = false
			a.sink.Notify(sink.Notification{Kind: sink.KindPlayingState, Address: addr,
				Time: a.timers.Now(), Profile: bt.ProfileMedia, Playing: false})
		case !after && m.suspended:
			m.suspended = false
			if m.lanes[bt.ProfileMedia] == bt.Connected {
				a.submit(radio.CmdResumeSink, addr)
			}
		}
	}
}

// AutoConnect connects every bonded device's auto-connect tier lanes. It
// does nothing while an outgoing bond is in flight and skips devices on the
// avoid-auto-connect list.
func (a *Arbitrator) AutoConnect() int {
	if pending, ok := a.bonds.Pending(); ok {
		logger.Info("profile", "auto-connect skipped: bonding %s", pending)
		return 0
	}
	started := 0
	for _, addr := range a.bonds.InState(bt.BondBonded) {
		if addr.HasAnyPrefix(a.cfg.AvoidAutoConnect) {
			logger.Info("profile", "auto-connect skipped for %s", addr)
			continue
		}
		for _, p := range a.cfg.Profiles() {
			if a.settings.Priority(addr, p) != bt.PriorityAutoConnect {
				continue
			}
			if a.ConnectionState(addr, p) != bt.Disconnected || !a.supports(addr, p) {
				continue
			}
			if a.Connect(addr, p) {
				started++
			}
		}
	}
	return started
}

// supports reports whether addr advertises a service of lane p. Unknown
// services count as supported.
func (a *Arbitrator) supports(addr bt.Address, p bt.Profile) bool {
	uuids, ok := a.props.ServiceUUIDs(addr)
	if !ok {
		return true
	}
	for _, u := range uuids {
		if q, ok := bt.ProfileForUUID(u); ok && q == p {
			return true
		}
	}
	return false
}

// OnBondState keeps priorities and machines in line with bonding.
func (a *Arbitrator) OnBondState(addr bt.Address, prev, state bt.BondState, reason bt.Outcome) {
	switch {
	case state == bt.BondBonded:
		for _, p := range a.cfg.Profiles() {
			if a.settings.Priority(addr, p) == bt.PriorityUndefined {
				a.setPriority(addr, p, bt.PriorityOn)
			}
		}
	case state == bt.BondNone && prev == bt.BondBonded:
		for _, p := range bt.Profiles {
			a.setPriority(addr, p, bt.PriorityUndefined)
		}
		delete(a.unpairing, addr)
		m, ok := a.devices[addr]
		if !ok {
			return
		}
		if m.idle() {
			a.drop(addr)
			return
		}
		m.removeWhenIdle = true
		a.DisconnectDevice(addr)
	}
}

// Unpair removes the bond of addr once every lane is down. Active lanes
// are disconnected first.
func (a *Arbitrator) Unpair(addr bt.Address) bool {
	if a.unpairing[addr] {
		return true
	}
	m, ok := a.devices[addr]
	if !ok || m.idle() {
		return a.removeBond(addr)
	}
	a.unpairing[addr] = true
	logger.Info("profile", "disconnecting %d lanes of %s before removal", m.active(), addr)
	a.DisconnectDevice(addr)
	for _, p := range bt.Profiles {
		if s := m.lanes[p]; s == bt.Connected || s == bt.Connecting {
			logger.Warn("profile", "removal of %s abandoned: %s still %s", addr, p, s)
			delete(a.unpairing, addr)
			return false
		}
	}
	return true
}

func (a *Arbitrator) removeBond(addr bt.Address) bool {
	if err := a.radio.Submit(radio.NewCommand(radio.CmdRemoveBond, addr)); err != nil {
		logger.Warn("profile", "remove bond %s: %v", addr, err)
		return false
	}
	return true
}

// Unpairing reports whether addr is waiting for its lanes to drain.
func (a *Arbitrator) Unpairing(addr bt.Address) bool {
	return a.unpairing[addr]
}
