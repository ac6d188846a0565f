package settings

import (
	"sort"
	"sync"

	"github.com/user/bluecore/bt"
)

// Store is the persisted per-device policy the control plane consults.
// Reads are synchronous; writes return an error only when persistence fails.
type Store interface {
	Priority(addr bt.Address, p bt.Profile) int
	SetPriority(addr bt.Address, p bt.Profile, priority int) error
	Trusted(addr bt.Address) bool
	SetTrusted(addr bt.Address, trusted bool) error
	ScanMode() bt.ScanMode
	SetScanMode(mode bt.ScanMode) error
	BluetoothOn() bool
	SetBluetoothOn(on bool) error
	// Addresses lists every device with stored policy.
	Addresses() []bt.Address
}

type deviceSettings struct {
	Priorities map[string]int `json:"priorities,omitempty"`
	Trusted    bool           `json:"trusted,omitempty"`
}

type state struct {
	Devices     map[bt.Address]*deviceSettings `json:"devices"`
	ScanMode    string                         `json:"scan_mode"`
	BluetoothOn bool                           `json:"bluetooth_on"`
}

func newState() state {
	return state{
		Devices:  make(map[bt.Address]*deviceSettings),
		ScanMode: bt.ScanConnectable.String(),
	}
}

// Memory is a Store that lives only in process memory.
type Memory struct {
	mu    sync.RWMutex
	state state
	// persist is invoked with the lock held after every write.
	persist func(state) error
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func (m *Memory) device(addr bt.Address) *deviceSettings {
	d, ok := m.state.Devices[addr]
	if !ok {
		d = &deviceSettings{Priorities: make(map[string]int)}
		m.state.Devices[addr] = d
	}
	if d.Priorities == nil {
		d.Priorities = make(map[string]int)
	}
	return d
}

func (m *Memory) save() error {
	if m.persist == nil {
		return nil
	}
	return m.persist(m.state)
}

func (m *Memory) Priority(addr bt.Address, p bt.Profile) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.state.Devices[addr]; ok {
		if v, ok := d.Priorities[p.String()]; ok {
			return v
		}
	}
	return bt.PriorityUndefined
}

func (m *Memory) SetPriority(addr bt.Address, p bt.Profile, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.device(addr)
	if priority == bt.PriorityUndefined {
		delete(d.Priorities, p.String())
	} else {
		d.Priorities[p.String()] = priority
	}
	return m.save()
}

func (m *Memory) Trusted(addr bt.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.state.Devices[addr]; ok {
		return d.Trusted
	}
	return false
}

func (m *Memory) SetTrusted(addr bt.Address, trusted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device(addr).Trusted = trusted
	return m.save()
}

func (m *Memory) ScanMode() bt.ScanMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mode, ok := bt.ParseScanMode(m.state.ScanMode)
	if !ok {
		return bt.ScanConnectable
	}
	return mode
}

func (m *Memory) SetScanMode(mode bt.ScanMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.ScanMode = mode.String()
	return m.save()
}

func (m *Memory) BluetoothOn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.BluetoothOn
}

func (m *Memory) SetBluetoothOn(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BluetoothOn = on
	return m.save()
}

func (m *Memory) Addresses() []bt.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bt.Address, 0, len(m.state.Devices))
	for addr := range m.state.Devices {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
