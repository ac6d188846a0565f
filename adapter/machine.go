package adapter

import (
	"strconv"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
)

// Phase is the internal lifecycle step; several phases share one public
// AdapterState.
type Phase int

const (
	PhaseOff Phase = iota
	// PhaseWarmUp: radio prepared not connectable, service records loading.
	PhaseWarmUp
	// PhasePowering: records loaded, waiting for the radio to power on.
	PhasePowering
	PhaseOn
	// PhaseDraining: disconnecting every profile lane.
	PhaseDraining
	// PhasePoweringDown: lanes down, waiting for the radio to power off.
	PhasePoweringDown
)

func (p Phase) String() string {
	switch p {
	case PhaseOff:
		return "OFF"
	case PhaseWarmUp:
		return "WARM_UP"
	case PhasePowering:
		return "POWERING"
	case PhaseOn:
		return "ON"
	case PhaseDraining:
		return "DRAINING"
	case PhasePoweringDown:
		return "POWERING_DOWN"
	}
	return "UNKNOWN"
}

// State maps the phase to the public adapter state.
func (p Phase) State() bt.AdapterState {
	switch p {
	case PhaseWarmUp, PhasePowering:
		return bt.AdapterTurningOn
	case PhaseOn:
		return bt.AdapterOn
	case PhaseDraining, PhasePoweringDown:
		return bt.AdapterTurningOff
	}
	return bt.AdapterOff
}

// Timer purposes armed by the machine.
const (
	PurposePrepare = "adapter-prepare"
	PurposeDrain   = "adapter-drain"
	PurposeTurnOff = "adapter-turn-off"
)

// Profiles is the part of the profile arbitrator the lifecycle drives.
type Profiles interface {
	DisconnectEverything() int
	AutoConnect() int
	Reset()
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Config   config.Config
	Props    *props.Cache
	Settings settings.Store
	Radio    radio.Submitter
	Timers   *sched.Timers
	Sink     sink.Sink
	Profiles Profiles

	// OnOff runs once the radio is down, before OFF is published.
	OnOff func()
}

// Machine is the adapter lifecycle. It must only be used from the
// serialized core.
type Machine struct {
	cfg      config.Config
	props    *props.Cache
	settings settings.Store
	radio    radio.Submitter
	timers   *sched.Timers
	sink     sink.Sink
	profiles Profiles
	onOff    func()

	phase    Phase
	airplane bool
	scanMode bt.ScanMode
}

// NewMachine creates a machine in OFF.
func NewMachine(d Deps) *Machine {
	if d.Sink == nil {
		d.Sink = sink.Discard
	}
	return &Machine{
		cfg:      d.Config,
		props:    d.Props,
		settings: d.Settings,
		radio:    d.Radio,
		timers:   d.Timers,
		sink:     d.Sink,
		profiles: d.Profiles,
		onOff:    d.OnOff,
		phase:    PhaseOff,
		scanMode: bt.ScanNone,
	}
}

// Phase returns the internal lifecycle step.
func (m *Machine) Phase() Phase { return m.phase }

// State returns the public adapter state.
func (m *Machine) State() bt.AdapterState { return m.phase.State() }

// AcceptsProfileOps reports whether new profile work may start. Draining
// lanes is driven by the machine itself and does not need this gate.
func (m *Machine) AcceptsProfileOps() bool { return m.phase == PhaseOn }

// ScanMode returns the last scan mode reported by the radio.
func (m *Machine) ScanMode() bt.ScanMode { return m.scanMode }

// Airplane reports whether airplane mode is holding the radio off.
func (m *Machine) Airplane() bool { return m.airplane }

func (m *Machine) enter(to Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	logger.Debug("adapter", "%s -> %s", from, to)
	if from.State() != to.State() {
		logger.Info("adapter", "state %s -> %s", from.State(), to.State())
		m.sink.Notify(sink.Notification{
			Kind:             sink.KindAdapterState,
			Time:             m.timers.Now(),
			AdapterState:     to.State(),
			PrevAdapterState: from.State(),
		})
	}
}

func (m *Machine) submit(cmd radio.Command) bool {
	if err := m.radio.Submit(cmd); err != nil {
		logger.Warn("adapter", "%s: %v", cmd.Kind, err)
		return false
	}
	return true
}

func (m *Machine) arm(purpose string, d config.Duration, fn func()) {
	m.timers.Schedule(sched.Key{Purpose: purpose}, d.D(), fn)
}

func (m *Machine) disarm(purpose string) {
	m.timers.Cancel(sched.Key{Purpose: purpose})
}

// Enable starts bring-up. persist records the user's choice so it survives
// restarts and airplane mode.
func (m *Machine) Enable(persist bool) bool {
	if m.airplane {
		logger.Info("adapter", "enable refused: airplane mode")
		return false
	}
	switch m.phase {
	case PhaseWarmUp, PhasePowering, PhaseOn:
		return true
	case PhaseDraining, PhasePoweringDown:
		logger.Info("adapter", "enable refused: turning off")
		return false
	}
	if persist {
		m.persistOn(true)
	}

	prep := radio.NewCommand(radio.CmdPrepare, props.AdapterScope)
	prep.ScanMode = bt.ScanNone
	if !m.submit(prep) {
		return false
	}
	m.enter(PhaseWarmUp)
	m.arm(PurposePrepare, m.cfg.Timeouts.PrepareRadio, m.prepareTimeout)
	if !m.submit(radio.NewCommand(radio.CmdLoadServiceRecords, props.AdapterScope)) {
		m.abortBringUp()
		return false
	}
	return true
}

func (m *Machine) persistOn(on bool) {
	if err := m.settings.SetBluetoothOn(on); err != nil {
		logger.Warn("adapter", "failed to persist bluetooth state: %v", err)
	}
}

func (m *Machine) prepareTimeout() {
	if m.phase != PhaseWarmUp && m.phase != PhasePowering {
		return
	}
	logger.Warn("adapter", "radio did not come up in %v", m.cfg.Timeouts.PrepareRadio.D())
	m.abortBringUp()
}

// abortBringUp returns a partially started radio to OFF.
func (m *Machine) abortBringUp() {
	m.disarm(PurposePrepare)
	off := radio.NewCommand(radio.CmdSetPowered, props.AdapterScope)
	off.Enable = false
	m.submit(off)
	m.finishOff()
}

// HandleServiceRecordsLoaded continues bring-up once reserved records exist.
func (m *Machine) HandleServiceRecordsLoaded() {
	if m.phase != PhaseWarmUp {
		logger.Debug("adapter", "service records loaded in %s", m.phase)
		return
	}
	on := radio.NewCommand(radio.CmdSetPowered, props.AdapterScope)
	on.Enable = true
	if !m.submit(on) {
		m.abortBringUp()
		return
	}
	m.enter(PhasePowering)
}

// HandlePowered applies a power report from the radio.
func (m *Machine) HandlePowered(on bool) {
	switch {
	case on && m.phase == PhasePowering:
		m.disarm(PurposePrepare)
		m.enterOn()
	case !on && m.phase == PhasePoweringDown:
		m.finishOff()
	case !on && (m.phase == PhaseOn || m.phase == PhaseDraining):
		logger.Warn("adapter", "radio lost power in %s", m.phase)
		m.disarm(PurposeDrain)
		m.finishOff()
	default:
		logger.Debug("adapter", "powered=%v in %s", on, m.phase)
	}
}

// HandleCommandFailed aborts the lifecycle step the failed command belonged to.
func (m *Machine) HandleCommandFailed(kind radio.CommandKind, err error) {
	switch {
	case (kind == radio.CmdLoadServiceRecords || kind == radio.CmdSetPowered) &&
		(m.phase == PhaseWarmUp || m.phase == PhasePowering):
		logger.Warn("adapter", "bring-up failed at %s: %v", kind, err)
		m.abortBringUp()
	case kind == radio.CmdSetPowered && m.phase == PhasePoweringDown:
		logger.Warn("adapter", "power off failed: %v", err)
		m.finishOff()
	case kind == radio.CmdSetScanMode:
		logger.Warn("adapter", "scan mode not applied: %v", err)
	}
}

func (m *Machine) enterOn() {
	m.enter(PhaseOn)
	m.applyScanMode(m.settings.ScanMode())
	if m.profiles != nil {
		if n := m.profiles.AutoConnect(); n > 0 {
			logger.Info("adapter", "auto-connecting %d lanes", n)
		}
	}
}

func (m *Machine) applyScanMode(mode bt.ScanMode) bool {
	cmd := radio.NewCommand(radio.CmdSetScanMode, props.AdapterScope)
	cmd.ScanMode = mode
	if mode == bt.ScanConnectableDiscoverable {
		cmd.DiscoverableTimeout = m.cfg.DiscoverableTimeout.D()
	}
	return m.submit(cmd)
}

// SetScanMode stores mode and applies it when the adapter is on.
func (m *Machine) SetScanMode(mode bt.ScanMode) bool {
	if err := m.settings.SetScanMode(mode); err != nil {
		logger.Warn("adapter", "failed to persist scan mode: %v", err)
	}
	if m.phase != PhaseOn {
		return true
	}
	return m.applyScanMode(mode)
}

// HandleProperty folds adapter property changes into scan mode reports.
func (m *Machine) HandleProperty(key string) {
	if key != props.Powered && key != props.Discoverable {
		return
	}
	mode := bt.ScanNone
	if powered, _ := m.props.Bool(props.AdapterScope, props.Powered); powered {
		mode = bt.ScanConnectable
		if disc, _ := m.props.Bool(props.AdapterScope, props.Discoverable); disc {
			mode = bt.ScanConnectableDiscoverable
		}
	}
	if mode == m.scanMode {
		return
	}
	logger.Info("adapter", "scan mode %s -> %s", m.scanMode, mode)
	m.scanMode = mode
	m.sink.Notify(sink.Notification{Kind: sink.KindScanMode, Time: m.timers.Now(), ScanMode: mode})
}

// Disable starts bring-down: lanes are drained before the radio powers off.
func (m *Machine) Disable(persist bool) bool {
	if persist {
		m.persistOn(false)
	}
	switch m.phase {
	case PhaseOff, PhaseDraining, PhasePoweringDown:
		return true
	case PhaseWarmUp, PhasePowering:
		m.disarm(PurposePrepare)
		m.enter(PhaseDraining)
		m.powerDown()
		return true
	}

	m.enter(PhaseDraining)
	active := 0
	if m.profiles != nil {
		active = m.profiles.DisconnectEverything()
	}
	if active == 0 {
		m.powerDown()
		return true
	}
	logger.Info("adapter", "waiting for %d lanes to disconnect", active)
	m.arm(PurposeDrain, m.cfg.Timeouts.DevicesDisconnect, func() {
		if m.phase != PhaseDraining {
			return
		}
		logger.Warn("adapter", "lanes still active after %v, powering down", m.cfg.Timeouts.DevicesDisconnect.D())
		m.powerDown()
	})
	return true
}

// OnIdle is called when the last profile lane disconnects.
func (m *Machine) OnIdle() {
	if m.phase != PhaseDraining {
		return
	}
	m.disarm(PurposeDrain)
	m.powerDown()
}

func (m *Machine) powerDown() {
	m.enter(PhasePoweringDown)
	scan := radio.NewCommand(radio.CmdSetScanMode, props.AdapterScope)
	scan.ScanMode = bt.ScanNone
	m.submit(scan)

	off := radio.NewCommand(radio.CmdSetPowered, props.AdapterScope)
	off.Enable = false
	if !m.submit(off) {
		m.finishOff()
		return
	}
	m.arm(PurposeTurnOff, m.cfg.Timeouts.TurnOff, func() {
		if m.phase != PhasePoweringDown {
			return
		}
		logger.Warn("adapter", "radio did not confirm power off in %v", m.cfg.Timeouts.TurnOff.D())
		m.finishOff()
	})
}

func (m *Machine) finishOff() {
	m.disarm(PurposeTurnOff)
	m.disarm(PurposeDrain)
	m.submit(radio.NewCommand(radio.CmdShutdown, props.AdapterScope))
	if m.profiles != nil {
		m.profiles.Reset()
	}
	if m.onOff != nil {
		m.onOff()
	}
	m.enter(PhaseOff)
	m.props.Set(props.AdapterScope, props.Powered, strconv.FormatBool(false))
	m.HandleProperty(props.Powered)
}

// SetAirplaneMode turns the radio off while airplane mode is on and
// restores the saved state when it ends. Radios that are not airplane
// sensitive, or are forced toggleable, ignore it.
func (m *Machine) SetAirplaneMode(on bool) bool {
	if !m.cfg.AirplaneBlocks() {
		logger.Info("adapter", "airplane mode ignored")
		return false
	}
	if m.airplane == on {
		return true
	}
	m.airplane = on
	logger.Info("adapter", "airplane mode %v", on)
	if on {
		return m.Disable(false)
	}
	if m.settings.BluetoothOn() {
		return m.Enable(false)
	}
	return true
}
