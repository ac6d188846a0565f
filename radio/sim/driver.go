package sim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
)

// ErrInjected is the error produced by FailSubmit and FailResult.
var ErrInjected = errors.New("sim: injected failure")

// Peer is a simulated remote device.
type Peer struct {
	Address bt.Address
	Name    string
	Class   uint32

	// Variant is the pairing interaction the peer asks for. PIN is checked
	// for PinEntry, Passkey for PasskeyEntry and shown for the
	// confirmation and display variants.
	Variant bt.PairingVariant
	PIN     string
	Passkey uint32

	Profiles    []bt.Profile
	Unreachable bool

	// Bonded peers are reported as paired when the driver starts.
	Bonded  bool
	Trusted bool
}

func (p *Peer) supports(profile bt.Profile) bool {
	for _, q := range p.Profiles {
		if q == profile {
			return true
		}
	}
	return false
}

func (p *Peer) values() map[string]string {
	uuids := make([]string, 0, len(p.Profiles))
	for _, q := range p.Profiles {
		uuids = append(uuids, q.UUID().String())
	}
	return map[string]string{
		props.AddressKey: string(p.Address),
		props.Name:       p.Name,
		props.Class:      strconv.FormatUint(uint64(p.Class), 10),
		props.UUIDs:      strings.Join(uuids, ","),
		props.Paired:     strconv.FormatBool(p.Bonded),
		props.Trusted:    strconv.FormatBool(p.Trusted),
	}
}

// Driver is an in-memory radio daemon. Every submitted command is recorded.
// Unless Manual is set, commands complete immediately by delivering the
// events a real daemon would produce.
type Driver struct {
	mu         sync.Mutex
	deliver    func(radio.Event)
	peers      map[bt.Address]*Peer
	commands   []radio.Command
	manual     bool
	failSubmit map[radio.CommandKind]error
	failResult map[radio.CommandKind]bool
	agent      map[bt.RequestID]bt.Address
	powered    bool
	closed     bool
}

// New creates a simulated daemon with no peers
func New() *Driver {
	return &Driver{
		peers:      make(map[bt.Address]*Peer),
		failSubmit: make(map[radio.CommandKind]error),
		failResult: make(map[radio.CommandKind]bool),
		agent:      make(map[bt.RequestID]bt.Address),
	}
}

// SetManual switches automatic completion off (true) or on (false).
func (d *Driver) SetManual(manual bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manual = manual
}

// AddPeer registers a simulated remote device.
func (d *Driver) AddPeer(p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p.Address = bt.NormalizeAddress(string(p.Address))
	d.peers[p.Address] = &p
}

// Peer returns a copy of the simulated peer.
func (d *Driver) Peer(addr bt.Address) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[addr]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// FailSubmit makes Submit of kind return err (ErrInjected when nil).
func (d *Driver) FailSubmit(kind radio.CommandKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	d.failSubmit[kind] = err
}

// FailResult makes commands of kind complete unsuccessfully.
func (d *Driver) FailResult(kind radio.CommandKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failResult[kind] = true
}

// ClearFailures removes every injected failure.
func (d *Driver) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSubmit = make(map[radio.CommandKind]error)
	d.failResult = make(map[radio.CommandKind]bool)
}

func (d *Driver) Start(ctx context.Context, deliver func(radio.Event)) error {
	d.mu.Lock()
	d.deliver = deliver
	d.closed = false
	var known []*Peer
	for _, p := range d.peers {
		if p.Bonded {
			cp := *p
			known = append(known, &cp)
		}
	}
	d.mu.Unlock()

	logger.Info("sim", "simulated radio started with %d known devices", len(known))
	for _, p := range known {
		d.emit(radio.DeviceCreated{Address: p.Address})
		d.emit(radio.PropertiesLoaded{Address: p.Address, Values: p.values()})
	}
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) Submit(cmd radio.Command) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return radio.ErrClosed
	}
	d.commands = append(d.commands, cmd)
	if err, ok := d.failSubmit[cmd.Kind]; ok {
		d.mu.Unlock()
		logger.Debug("sim", "%s %s rejected: %v", cmd.Kind, cmd.Address, err)
		return err
	}
	manual := d.manual
	fail := d.failResult[cmd.Kind]
	d.mu.Unlock()

	logger.Trace("sim", "submit %s %s %s", cmd.Kind, cmd.Address, cmd.Profile)
	if !manual {
		d.respond(cmd, fail)
	}
	return nil
}

// Inject delivers ev as if the daemon produced it.
func (d *Driver) Inject(ev radio.Event) {
	d.emit(ev)
}

func (d *Driver) emit(ev radio.Event) {
	d.mu.Lock()
	deliver := d.deliver
	d.mu.Unlock()
	if deliver == nil {
		logger.Warn("sim", "dropping %T before Start", ev)
		return
	}
	deliver(ev)
}

// Commands returns every submitted command in order.
func (d *Driver) Commands() []radio.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]radio.Command, len(d.commands))
	copy(out, d.commands)
	return out
}

// CommandsOf returns the submitted commands of kind in order.
func (d *Driver) CommandsOf(kind radio.CommandKind) []radio.Command {
	var out []radio.Command
	for _, c := range d.Commands() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent command of kind.
func (d *Driver) Last(kind radio.CommandKind) (radio.Command, bool) {
	cmds := d.CommandsOf(kind)
	if len(cmds) == 0 {
		return radio.Command{}, false
	}
	return cmds[len(cmds)-1], true
}

// ResetCommands forgets the recorded commands.
func (d *Driver) ResetCommands() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = nil
}

// Discover reports every reachable peer as found.
func (d *Driver) Discover() {
	d.mu.Lock()
	var found []radio.DeviceFound
	for _, p := range d.peers {
		if !p.Unreachable {
			found = append(found, radio.DeviceFound{Address: p.Address, Values: p.values()})
		}
	}
	d.mu.Unlock()
	for _, ev := range found {
		d.emit(ev)
	}
}

// IncomingPairing simulates a remote starting pairing and returns the
// agent request id.
func (d *Driver) IncomingPairing(addr bt.Address, variant bt.PairingVariant, passkey uint32) bt.RequestID {
	id := bt.NewRequestID()
	d.mu.Lock()
	d.agent[id] = addr
	d.mu.Unlock()
	d.emit(radio.PairingRequest{ID: id, Address: addr, Variant: variant, Passkey: passkey})
	return id
}

// IncomingConnection simulates a remote asking to connect profile.
func (d *Driver) IncomingConnection(addr bt.Address, profile bt.Profile) bt.RequestID {
	id := bt.NewRequestID()
	d.emit(radio.AuthorizeRequest{ID: id, Address: addr, Service: profile.UUID()})
	return id
}

func (d *Driver) respond(cmd radio.Command, fail bool) {
	result := radio.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Address: cmd.Address}
	if fail {
		result.Err = ErrInjected
	}

	switch cmd.Kind {
	case radio.CmdLoadServiceRecords:
		if fail {
			d.emit(result)
			return
		}
		d.emit(radio.ServiceRecordsLoaded{})

	case radio.CmdSetPowered:
		if fail {
			d.emit(result)
			return
		}
		d.mu.Lock()
		d.powered = cmd.Enable
		d.mu.Unlock()
		d.emit(radio.PropertyChanged{Key: props.Powered, Value: strconv.FormatBool(cmd.Enable)})
		d.emit(radio.PoweredChanged{On: cmd.Enable})

	case radio.CmdSetScanMode:
		d.emit(result)
		if !fail {
			discoverable := cmd.ScanMode == bt.ScanConnectableDiscoverable
			d.emit(radio.PropertyChanged{Key: props.Discoverable, Value: strconv.FormatBool(discoverable)})
		}

	case radio.CmdCreateBond:
		d.createBond(cmd, fail)

	case radio.CmdPairingReply:
		d.pairingReply(cmd, fail)

	case radio.CmdCancelBond:
		d.mu.Lock()
		for id, addr := range d.agent {
			if addr == cmd.Address {
				delete(d.agent, id)
			}
		}
		d.mu.Unlock()
		d.emit(radio.BondResult{Address: cmd.Address, Outcome: bt.OutcomeAuthCanceled})

	case radio.CmdRemoveBond:
		d.emit(result)
		if !fail {
			d.mu.Lock()
			if p, ok := d.peers[cmd.Address]; ok {
				p.Bonded = false
			}
			d.mu.Unlock()
			d.emit(radio.DeviceRemoved{Address: cmd.Address})
		}

	case radio.CmdConnectProfile, radio.CmdDisconnectProfile:
		connect := cmd.Kind == radio.CmdConnectProfile
		ok := !fail
		if connect {
			d.mu.Lock()
			p, known := d.peers[cmd.Address]
			ok = ok && known && !p.Unreachable && p.supports(cmd.Profile)
			d.mu.Unlock()
		}
		d.emit(radio.ConnectResult{ID: cmd.ID, Address: cmd.Address, Profile: cmd.Profile, Connect: connect, Success: ok})

	case radio.CmdFetchProperties:
		d.fetch(cmd, fail)

	case radio.CmdAuthorizeReply:
		d.emit(result)
		if !fail && cmd.Enable {
			d.emit(radio.ProfileStateChanged{Address: cmd.Address, Profile: cmd.Profile, State: bt.Connected})
		}

	case radio.CmdSuspendSink, radio.CmdResumeSink:
		d.emit(result)
		if !fail {
			d.emit(radio.PlayingChanged{Address: cmd.Address, Playing: cmd.Kind == radio.CmdResumeSink})
		}

	case radio.CmdSetTrusted:
		d.emit(result)
		if !fail {
			d.mu.Lock()
			if p, ok := d.peers[cmd.Address]; ok {
				p.Trusted = cmd.Enable
			}
			d.mu.Unlock()
			d.emit(radio.PropertyChanged{Address: cmd.Address, Key: props.Trusted, Value: strconv.FormatBool(cmd.Enable)})
		}

	default:
		d.emit(result)
	}
}

func (d *Driver) createBond(cmd radio.Command, fail bool) {
	d.mu.Lock()
	p, ok := d.peers[cmd.Address]
	var peer Peer
	if ok {
		peer = *p
	}
	d.mu.Unlock()

	switch {
	case fail:
		d.emit(radio.BondResult{Address: cmd.Address, Outcome: bt.OutcomeAuthFailed})
		return
	case !ok || peer.Unreachable:
		d.emit(radio.BondResult{Address: cmd.Address, Outcome: bt.OutcomeRemoteDown})
		return
	}

	id := bt.NewRequestID()
	req := radio.PairingRequest{ID: id, Address: cmd.Address, Variant: peer.Variant}
	switch peer.Variant {
	case bt.VariantPasskeyConfirmation, bt.VariantDisplayPasskey:
		req.Passkey = peer.Passkey
	case bt.VariantDisplayPin:
		req.Pin = peer.PIN
	}

	if peer.Variant.NeedsReply() {
		d.mu.Lock()
		d.agent[id] = cmd.Address
		d.mu.Unlock()
		d.emit(req)
		return
	}
	d.emit(req)
	d.completeBond(cmd.Address)
}

func (d *Driver) pairingReply(cmd radio.Command, fail bool) {
	d.mu.Lock()
	addr, ok := d.agent[cmd.ReplyTo]
	delete(d.agent, cmd.ReplyTo)
	var peer Peer
	if p, known := d.peers[addr]; known {
		peer = *p
	}
	d.mu.Unlock()

	if !ok {
		d.emit(radio.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Address: cmd.Address,
			Err: fmt.Errorf("sim: no agent request %s", cmd.ReplyTo)})
		return
	}

	outcome := bt.OutcomeSuccess
	switch {
	case fail:
		outcome = bt.OutcomeAuthFailed
	case cmd.Cancel:
		outcome = bt.OutcomeAuthCanceled
	case cmd.Variant == bt.VariantPinEntry:
		if peer.Address == "" || cmd.Pin != peer.PIN {
			outcome = bt.OutcomeAuthFailed
		}
	case cmd.Variant == bt.VariantPasskeyEntry:
		if peer.Address == "" || cmd.Passkey != peer.Passkey {
			outcome = bt.OutcomeAuthFailed
		}
	default:
		if !cmd.Enable {
			outcome = bt.OutcomeAuthRejected
		}
	}

	if outcome != bt.OutcomeSuccess {
		d.emit(radio.BondResult{Address: addr, Outcome: outcome})
		return
	}
	d.completeBond(addr)
}

func (d *Driver) completeBond(addr bt.Address) {
	d.mu.Lock()
	if p, ok := d.peers[addr]; ok {
		p.Bonded = true
	}
	d.mu.Unlock()
	d.emit(radio.BondResult{Address: addr, Outcome: bt.OutcomeSuccess})
	d.emit(radio.PropertyChanged{Address: addr, Key: props.Paired, Value: "true"})
}

func (d *Driver) fetch(cmd radio.Command, fail bool) {
	if fail {
		d.emit(radio.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Address: cmd.Address, Err: ErrInjected})
		return
	}
	if cmd.Address == props.AdapterScope {
		d.mu.Lock()
		powered := d.powered
		d.mu.Unlock()
		d.emit(radio.PropertiesLoaded{Values: map[string]string{
			props.Powered:  strconv.FormatBool(powered),
			props.Pairable: "true",
		}})
		return
	}

	d.mu.Lock()
	p, ok := d.peers[cmd.Address]
	var values map[string]string
	if ok {
		values = p.values()
	}
	d.mu.Unlock()

	if !ok {
		d.emit(radio.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Address: cmd.Address,
			Err: fmt.Errorf("sim: unknown device %s", cmd.Address)})
		return
	}
	d.emit(radio.PropertiesLoaded{Address: cmd.Address, Values: values})
}
