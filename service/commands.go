package service

import (
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
)

// parse normalizes an application supplied address; invalid input is
// logged and rejected.
func parse(s string) (bt.Address, bool) {
	addr, err := bt.ParseAddress(s)
	if err != nil {
		logger.Info("service", "rejecting address %q: %v", s, err)
		return "", false
	}
	return addr, true
}

// onDevice runs fn on the mailbox for a valid address.
func (s *Service) onDevice(address string, fn func(bt.Address) bool) bool {
	addr, ok := parse(address)
	if !ok {
		return false
	}
	return call(s, func() bool { return fn(addr) })
}

// Enable turns the adapter on and remembers the choice.
func (s *Service) Enable() bool {
	return call(s, func() bool { return s.adapter.Enable(true) })
}

// Disable turns the adapter off after draining every profile lane.
func (s *Service) Disable() bool {
	return call(s, func() bool { return s.adapter.Disable(true) })
}

// SetAirplaneMode reports airplane mode; it is ignored unless the radio is
// airplane sensitive and not forced toggleable.
func (s *Service) SetAirplaneMode(on bool) bool {
	return call(s, func() bool { return s.adapter.SetAirplaneMode(on) })
}

// AdapterState returns the public adapter state.
func (s *Service) AdapterState() bt.AdapterState {
	return call(s, func() bt.AdapterState { return s.adapter.State() })
}

// ScanMode returns the scan mode last reported by the radio.
func (s *Service) ScanMode() bt.ScanMode {
	return call(s, func() bt.ScanMode { return s.adapter.ScanMode() })
}

// SetScanMode stores the scan mode and applies it when the adapter is on.
func (s *Service) SetScanMode(mode bt.ScanMode) bool {
	return call(s, func() bool { return s.adapter.SetScanMode(mode) })
}

func (s *Service) adapterOn() bool {
	if s.adapter.State() != bt.AdapterOn {
		logger.Info("service", "refused: adapter is %s", s.adapter.State())
		return false
	}
	return true
}

// CreateBond starts an outgoing bond. Only one may be in flight.
func (s *Service) CreateBond(address string) bool {
	return s.onDevice(address, func(addr bt.Address) bool {
		return s.adapterOn() && s.pairing.CreateBond(addr)
	})
}

// CancelBond aborts a bond in progress.
func (s *Service) CancelBond(address string) bool {
	return s.onDevice(address, func(addr bt.Address) bool {
		return s.pairing.CancelBond(addr)
	})
}

// RemoveBond cancels a bond in progress, or disconnects and unpairs a
// bonded device.
func (s *Service) RemoveBond(address string) bool {
	return s.onDevice(address, func(addr bt.Address) bool {
		if !s.adapterOn() {
			return false
		}
		switch s.bonds.State(addr) {
		case bt.BondBonding:
			return s.pairing.CancelBond(addr)
		case bt.BondBonded:
			return s.profiles.Unpair(addr)
		}
		return false
	})
}

// SetPin answers a PIN request.
func (s *Service) SetPin(address, pin string) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.pairing.SetPin(addr, pin) })
}

// SetPasskey answers a passkey entry request.
func (s *Service) SetPasskey(address string, passkey int) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.pairing.SetPasskey(addr, passkey) })
}

// SetPairingConfirmation accepts or rejects a consent or confirmation request.
func (s *Service) SetPairingConfirmation(address string, accept bool) bool {
	return s.onDevice(address, func(addr bt.Address) bool {
		return s.pairing.SetPairingConfirmation(addr, accept)
	})
}

// CancelPairingUserInput rejects the pending pairing request.
func (s *Service) CancelPairingUserInput(address string) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.pairing.CancelPairingUserInput(addr) })
}

// BondState returns NONE for unknown or invalid addresses.
func (s *Service) BondState(address string) bt.BondState {
	addr, ok := parse(address)
	if !ok {
		return bt.BondNone
	}
	return s.bonds.State(addr)
}

// BondedDevices lists bonded addresses, sorted.
func (s *Service) BondedDevices() []bt.Address {
	return s.bonds.InState(bt.BondBonded)
}

// Connect starts an outgoing connection of one profile.
func (s *Service) Connect(address string, p bt.Profile) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.profiles.Connect(addr, p) })
}

// Disconnect tears down one profile.
func (s *Service) Disconnect(address string, p bt.Profile) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.profiles.Disconnect(addr, p) })
}

// ConnectionState returns the lane state of one profile.
func (s *Service) ConnectionState(address string, p bt.Profile) bt.ConnState {
	addr, ok := parse(address)
	if !ok {
		return bt.Disconnected
	}
	return call(s, func() bt.ConnState { return s.profiles.ConnectionState(addr, p) })
}

// AggregateConnectionState returns the adapter-wide connection state.
func (s *Service) AggregateConnectionState() bt.ConnState {
	cur, _ := s.counters.State()
	return cur
}

// Playing reports whether the device's media lane is streaming.
func (s *Service) Playing(address string) bool {
	return s.onDevice(address, func(addr bt.Address) bool { return s.profiles.Playing(addr) })
}

// SetCallActive passes the telephony call state to the arbitrator.
func (s *Service) SetCallActive(active bool) {
	call(s, func() struct{} {
		s.profiles.SetCallActive(active)
		return struct{}{}
	})
}

// Priority returns the stored priority of one profile.
func (s *Service) Priority(address string, p bt.Profile) int {
	addr, ok := parse(address)
	if !ok {
		return bt.PriorityUndefined
	}
	return s.settings.Priority(addr, p)
}

// SetPriority stores a priority; only the defined tiers are accepted.
func (s *Service) SetPriority(address string, p bt.Profile, priority int) bool {
	switch priority {
	case bt.PriorityUndefined, bt.PriorityOff, bt.PriorityOn, bt.PriorityAutoConnect:
	default:
		return false
	}
	if !p.Valid() {
		return false
	}
	return s.onDevice(address, func(addr bt.Address) bool {
		if err := s.profiles.SetPriority(addr, p, priority); err != nil {
			logger.Warn("service", "set priority %s %s: %v", addr, p, err)
			return false
		}
		return true
	})
}

// Trusted reports the stored trust flag.
func (s *Service) Trusted(address string) bool {
	addr, ok := parse(address)
	if !ok {
		return false
	}
	return s.settings.Trusted(addr)
}

// SetTrust stores the trust flag and pushes it to the radio when on.
func (s *Service) SetTrust(address string, trusted bool) bool {
	return s.onDevice(address, func(addr bt.Address) bool {
		if err := s.settings.SetTrusted(addr, trusted); err != nil {
			logger.Warn("service", "set trust %s: %v", addr, err)
			return false
		}
		if s.adapter.State() != bt.AdapterOn {
			return true
		}
		cmd := radio.NewCommand(radio.CmdSetTrusted, addr)
		cmd.Enable = trusted
		if err := s.driver.Submit(cmd); err != nil {
			logger.Warn("service", "set trust %s: %v", addr, err)
		}
		return true
	})
}

// RemoteProperty reads a cached device property without going through the
// mailbox. A miss starts at most one refresh and reports unknown.
func (s *Service) RemoteProperty(address, key string) (string, bool) {
	addr, ok := parse(address)
	if !ok {
		return "", false
	}
	return s.props.Get(addr, key)
}

// AdapterProperty reads a cached adapter property.
func (s *Service) AdapterProperty(key string) (string, bool) {
	return s.props.Get(props.AdapterScope, key)
}
