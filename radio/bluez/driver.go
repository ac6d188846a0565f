//go:build linux

package bluez

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/api"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/adapter"
	"github.com/muka/go-bluetooth/bluez/profile/device"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
)

const (
	agentManager       = "org.bluez.AgentManager1"
	transportInterface = "org.bluez.MediaTransport1"
	controlInterface   = "org.bluez.MediaControl1"
	objectManager      = "org.freedesktop.DBus.ObjectManager"
	propertiesIface    = "org.freedesktop.DBus.Properties"
	laneDepth          = 64
)

// ErrBusy is returned by Submit when an address already has too many
// commands queued.
var ErrBusy = errors.New("bluez: command queue full")

// Options configure the BlueZ driver.
type Options struct {
	// Adapter is the controller id, e.g. "hci0". Empty selects the default.
	Adapter string
	// AgentTimeout bounds how long an agent call waits for the application.
	AgentTimeout time.Duration
}

// Driver talks to bluetoothd over the system bus. Adapter and device
// calls go through go-bluetooth proxies; the pairing agent and media
// signals use the bus connection directly.
type Driver struct {
	opts Options

	mu      sync.Mutex
	conn    *dbus.Conn
	adapter *adapter.Adapter1
	path    dbus.ObjectPath
	agent   *Agent
	deliver func(radio.Event)
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	// lanes run the commands of one address in submission order.
	lanes *xsync.MapOf[bt.Address, chan func()]
	// known remembers which device objects were bonded, so a removed
	// object can be told apart from one that went out of range.
	known *xsync.MapOf[bt.Address, bool]
}

// New creates a driver; nothing touches the bus until Start.
func New(opts Options) *Driver {
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 70 * time.Second
	}
	return &Driver{
		opts:  opts,
		lanes: xsync.NewMapOf[bt.Address, chan func()](),
		known: xsync.NewMapOf[bt.Address, bool](),
	}
}

func (d *Driver) Start(ctx context.Context, deliver func(radio.Event)) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return wrap(err, "system-bus", props.AdapterScope, "Could not connect to the system bus")
	}

	var a *adapter.Adapter1
	if d.opts.Adapter == "" {
		a, err = api.GetDefaultAdapter()
	} else {
		a, err = api.GetAdapter(d.opts.Adapter)
	}
	if err != nil {
		return wrap(err, "adapter-bind", props.AdapterScope, "Could not find the bluetooth adapter")
	}

	agent := NewAgent(deliver, d.opts.AgentTimeout)
	if err := conn.Export(agent, AgentPath, agentInterface); err != nil {
		return wrap(err, "agent-export", props.AdapterScope, "Could not export the pairing agent")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.conn = conn
	d.adapter = a
	d.path = a.Path()
	d.agent = agent
	d.deliver = deliver
	d.cancel = cancel
	d.closed = false
	d.mu.Unlock()

	if err := d.watchAdapter(runCtx); err != nil {
		cancel()
		return err
	}
	if err := d.watchDevices(runCtx); err != nil {
		cancel()
		return err
	}
	if err := d.watchMedia(runCtx); err != nil {
		cancel()
		return err
	}
	logger.Info("bluez", "bound to %s", d.path)
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	conn := d.conn
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.lanes.Range(func(addr bt.Address, lane chan func()) bool {
		d.lanes.Delete(addr)
		close(lane)
		return true
	})
	d.wg.Wait()
	if conn != nil {
		conn.Export(nil, AgentPath, agentInterface)
	}
	return nil
}

func (d *Driver) emit(ev radio.Event) {
	d.mu.Lock()
	deliver := d.deliver
	closed := d.closed
	d.mu.Unlock()
	if deliver == nil || closed {
		return
	}
	logger.Trace("bluez", "event %T", ev)
	deliver(ev)
}

func (d *Driver) result(cmd radio.Command, err error) {
	if err != nil {
		logger.Warn("bluez", "%s %s: %v", cmd.Kind, cmd.Address, err)
	}
	d.emit(radio.CommandResult{ID: cmd.ID, Kind: cmd.Kind, Address: cmd.Address, Err: err})
}

// enqueue runs fn on the lane of addr.
func (d *Driver) enqueue(addr bt.Address, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrClosed
	}
	lane, started := d.lanes.LoadOrCompute(addr, func() chan func() {
		return make(chan func(), laneDepth)
	})
	if !started {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for fn := range lane {
				fn()
			}
		}()
	}
	select {
	case lane <- fn:
		return nil
	default:
		return ErrBusy
	}
}

func (d *Driver) Submit(cmd radio.Command) error {
	d.mu.Lock()
	closed := d.closed || d.adapter == nil
	agent := d.agent
	d.mu.Unlock()
	if closed {
		return radio.ErrClosed
	}
	logger.Trace("bluez", "submit %s %s", cmd.Kind, cmd.Address)

	switch cmd.Kind {
	case radio.CmdPairingReply:
		ans := answer{accept: !cmd.Cancel, pin: cmd.Pin, passkey: cmd.Passkey}
		switch cmd.Variant {
		case bt.VariantConsent, bt.VariantPasskeyConfirmation, bt.VariantOOBConsent:
			ans.accept = ans.accept && cmd.Enable
		}
		if !agent.Answer(cmd.ReplyTo, ans) {
			logger.Debug("bluez", "no agent request %s waiting", cmd.ReplyTo)
		}
		return nil
	case radio.CmdAuthorizeReply:
		if !agent.Answer(cmd.ReplyTo, answer{accept: cmd.Enable}) {
			logger.Debug("bluez", "no authorization %s waiting", cmd.ReplyTo)
			return nil
		}
		if cmd.Enable && cmd.Profile != bt.ProfileMedia {
			// Media reports itself through its transport.
			d.emit(radio.ProfileStateChanged{Address: cmd.Address, Profile: cmd.Profile, State: bt.Connected})
		}
		return nil
	case radio.CmdCancelBond:
		// Pair blocks the device lane, so cancel must not queue behind it.
		go d.cancelBond(cmd)
		return nil
	}
	return d.enqueue(cmd.Address, func() { d.run(cmd) })
}

func (d *Driver) run(cmd radio.Command) {
	switch cmd.Kind {
	case radio.CmdPrepare:
		d.result(cmd, d.setScanMode(bt.ScanNone, 0))
	case radio.CmdLoadServiceRecords:
		if err := d.registerAgent(); err != nil {
			d.result(cmd, err)
			return
		}
		d.emit(radio.ServiceRecordsLoaded{})
	case radio.CmdSetPowered:
		if err := d.adapter.SetPowered(cmd.Enable); err != nil {
			d.result(cmd, wrap(err, "adapter-setpowered", props.AdapterScope, "An error occurred on setting powered state"))
		}
	case radio.CmdSetScanMode:
		d.result(cmd, d.setScanMode(cmd.ScanMode, cmd.DiscoverableTimeout))
	case radio.CmdShutdown:
		d.result(cmd, d.unregisterAgent())
	case radio.CmdCreateBond:
		d.pair(cmd)
	case radio.CmdRemoveBond:
		err := d.adapter.RemoveDevice(DevicePath(d.path, cmd.Address))
		d.result(cmd, wrap(err, "adapter-remove-device", cmd.Address, "An error occurred while removing the device"))
	case radio.CmdConnectProfile, radio.CmdDisconnectProfile:
		d.connectProfile(cmd)
	case radio.CmdSuspendSink:
		d.result(cmd, d.mediaControl(cmd.Address, "Pause"))
	case radio.CmdResumeSink:
		d.result(cmd, d.mediaControl(cmd.Address, "Play"))
	case radio.CmdFetchProperties:
		d.fetch(cmd)
	case radio.CmdSetTrusted:
		d.setTrusted(cmd)
	default:
		d.result(cmd, nil)
	}
}

func (d *Driver) registerAgent() error {
	mgr := d.conn.Object(service, rootPath)
	if err := mgr.Call(agentManager+".RegisterAgent", 0, AgentPath, agentCapability).Err; err != nil {
		if name, _ := errorName(err); name != errAlreadyExists {
			return wrap(err, "agent-register", props.AdapterScope, "Could not register the pairing agent")
		}
	}
	if err := mgr.Call(agentManager+".RequestDefaultAgent", 0, AgentPath).Err; err != nil {
		return wrap(err, "agent-default", props.AdapterScope, "Could not make the pairing agent the default")
	}
	return nil
}

func (d *Driver) unregisterAgent() error {
	err := d.conn.Object(service, rootPath).Call(agentManager+".UnregisterAgent", 0, AgentPath).Err
	if name, _ := errorName(err); name == errDoesNotExist {
		return nil
	}
	return wrap(err, "agent-unregister", props.AdapterScope, "Could not unregister the pairing agent")
}

// setScanMode maps the scan mode onto BlueZ's Pairable and Discoverable.
func (d *Driver) setScanMode(mode bt.ScanMode, timeout time.Duration) error {
	discoverable := mode == bt.ScanConnectableDiscoverable
	if discoverable {
		if err := d.adapter.SetDiscoverableTimeout(uint32(timeout / time.Second)); err != nil {
			return wrap(err, "adapter-setdiscoverable-timeout", props.AdapterScope, "An error occurred on setting discoverable timeout")
		}
	}
	if err := d.adapter.SetPairable(mode != bt.ScanNone); err != nil {
		return wrap(err, "adapter-setpairable-state", props.AdapterScope, "An error occurred on setting pairable state")
	}
	if err := d.adapter.SetDiscoverable(discoverable); err != nil {
		return wrap(err, "adapter-setdiscoverable-state", props.AdapterScope, "An error occurred on setting discoverable state")
	}
	return nil
}

// pair blocks until bonding ends; agent callbacks arrive meanwhile.
func (d *Driver) pair(cmd radio.Command) {
	ctx := context.Background()
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	obj := d.conn.Object(service, DevicePath(d.path, cmd.Address))
	err := obj.CallWithContext(ctx, "org.bluez.Device1.Pair", 0).Err
	outcome := bondOutcome(err)
	if err != nil {
		logger.Info("bluez", "pair %s: %s (%v)", cmd.Address, outcome, err)
	}
	d.emit(radio.BondResult{Address: cmd.Address, Outcome: outcome})
}

func (d *Driver) cancelBond(cmd radio.Command) {
	dev, err := device.NewDevice1(DevicePath(d.path, cmd.Address))
	if err == nil {
		err = dev.CancelPairing()
	}
	if err != nil {
		d.result(cmd, wrap(err, "device-cancel-pairing", cmd.Address, "An error occurred while cancelling pairing"))
	}
}

func (d *Driver) connectProfile(cmd radio.Command) {
	connect := cmd.Kind == radio.CmdConnectProfile
	dev, err := device.NewDevice1(DevicePath(d.path, cmd.Address))
	if err == nil {
		if connect {
			err = dev.ConnectProfile(cmd.Profile.UUID().String())
		} else {
			err = dev.DisconnectProfile(cmd.Profile.UUID().String())
		}
	}
	ok := connectSucceeded(err)
	if !ok {
		logger.Info("bluez", "%s %s %s: %v", cmd.Kind, cmd.Address, cmd.Profile, err)
	}
	d.emit(radio.ConnectResult{ID: cmd.ID, Address: cmd.Address, Profile: cmd.Profile, Connect: connect, Success: ok})
}

func (d *Driver) mediaControl(addr bt.Address, method string) error {
	err := d.conn.Object(service, DevicePath(d.path, addr)).Call(controlInterface+"."+method, 0).Err
	return wrap(err, "media-control", addr, "An error occurred while controlling media playback")
}

func (d *Driver) setTrusted(cmd radio.Command) {
	dev, err := device.NewDevice1(DevicePath(d.path, cmd.Address))
	if err == nil {
		err = dev.SetTrusted(cmd.Enable)
	}
	d.result(cmd, wrap(err, "device-set-trusted", cmd.Address, "An error occurred on setting trusted state"))
}

func (d *Driver) fetch(cmd radio.Command) {
	if cmd.Address == props.AdapterScope {
		p, err := d.adapter.GetProperties()
		if err != nil {
			d.result(cmd, wrap(err, "adapter-properties", cmd.Address, "Could not read adapter properties"))
			return
		}
		m, err := p.ToMap()
		if err != nil {
			d.result(cmd, err)
			return
		}
		d.emit(radio.PropertiesLoaded{Values: stringValues(m)})
		return
	}

	values, err := d.deviceValues(DevicePath(d.path, cmd.Address))
	if err != nil {
		d.result(cmd, wrap(err, "device-properties", cmd.Address, "Could not read device properties"))
		return
	}
	d.emit(radio.PropertiesLoaded{Address: cmd.Address, Values: values})
}

func (d *Driver) deviceValues(path dbus.ObjectPath) (map[string]string, error) {
	dev, err := device.NewDevice1(path)
	if err != nil {
		return nil, err
	}
	p, err := dev.GetProperties()
	if err != nil {
		return nil, err
	}
	m, err := p.ToMap()
	if err != nil {
		return nil, err
	}
	return stringValues(m), nil
}

func (d *Driver) watchAdapter(ctx context.Context) error {
	ch, err := d.adapter.WatchProperties()
	if err != nil {
		return wrap(err, "adapter-watch", props.AdapterScope, "Could not watch adapter properties")
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.adapter.UnwatchProperties(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-ch:
				if change == nil {
					return
				}
				d.adapterChanged(change)
			}
		}
	}()
	return nil
}

func (d *Driver) adapterChanged(change *bluez.PropertyChanged) {
	value := formatValue(change.Value)
	d.emit(radio.PropertyChanged{Key: change.Name, Value: value})
	if change.Name == props.Powered {
		d.emit(radio.PoweredChanged{On: value == "true"})
	}
}

// watchDevices reports existing device objects, then follows additions
// and removals.
func (d *Driver) watchDevices(ctx context.Context) error {
	discovered, stop, err := d.adapter.OnDeviceDiscovered()
	if err != nil {
		return wrap(err, "adapter-device-watch", props.AdapterScope, "Could not watch devices")
	}
	devices, err := d.adapter.GetDevices()
	if err != nil {
		stop()
		return wrap(err, "adapter-devices", props.AdapterScope, "Could not list devices")
	}
	for _, dev := range devices {
		d.deviceAdded(ctx, dev.Path(), true)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-discovered:
				if !ok || ev == nil {
					return
				}
				if ev.Type == adapter.DeviceRemoved {
					d.deviceRemoved(ev.Path)
					continue
				}
				d.deviceAdded(ctx, ev.Path, false)
			}
		}
	}()
	return nil
}

func (d *Driver) deviceAdded(ctx context.Context, path dbus.ObjectPath, existing bool) {
	values, err := d.deviceValues(path)
	if err != nil {
		logger.Warn("bluez", "device %s: %v", path, err)
		return
	}
	addr, ok := addressOf(values, path)
	if !ok {
		return
	}
	d.known.Store(addr, paired(values))
	if existing || paired(values) {
		d.emit(radio.DeviceCreated{Address: addr})
		d.emit(radio.PropertiesLoaded{Address: addr, Values: values})
	} else {
		d.emit(radio.DeviceFound{Address: addr, Values: values})
	}
	d.watchDevice(ctx, addr, path)
}

func (d *Driver) deviceRemoved(path dbus.ObjectPath) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	wasPaired, _ := d.known.LoadAndDelete(addr)
	if wasPaired {
		d.emit(radio.DeviceRemoved{Address: addr})
		return
	}
	d.emit(radio.DeviceDisappeared{Address: addr})
}

func (d *Driver) watchDevice(ctx context.Context, addr bt.Address, path dbus.ObjectPath) {
	dev, err := device.NewDevice1(path)
	if err != nil {
		return
	}
	ch, err := dev.WatchProperties()
	if err != nil {
		logger.Debug("bluez", "watch %s: %v", addr, err)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer dev.UnwatchProperties(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-ch:
				if change == nil {
					return
				}
				value := formatValue(change.Value)
				if change.Name == props.Paired {
					d.known.Store(addr, value == "true")
				}
				d.emit(radio.PropertyChanged{Address: addr, Key: change.Name, Value: value})
			}
		}
	}()
}

// watchMedia follows A2DP transports: their appearance is the media lane
// connecting and their State is the playing flag.
func (d *Driver) watchMedia(ctx context.Context) error {
	rules := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objectManager)},
		{dbus.WithMatchInterface(propertiesIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, rule := range rules {
		if err := d.conn.AddMatchSignal(rule...); err != nil {
			return wrap(err, "media-watch", props.AdapterScope, "Could not watch media transports")
		}
	}
	signals := make(chan *dbus.Signal, 64)
	d.conn.Signal(signals)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-signals:
				if sig != nil {
					d.mediaSignal(sig)
				}
			}
		}
	}()
	return nil
}

func (d *Driver) mediaSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objectManager + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if _, ok := ifaces[transportInterface]; ok {
			d.transport(path, bt.Connected)
		}
	case objectManager + ".InterfacesRemoved":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		for _, iface := range ifaces {
			if iface == transportInterface {
				d.transport(path, bt.Disconnected)
			}
		}
	case propertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		if iface, _ := sig.Body[0].(string); iface != transportInterface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		state, ok := changed["State"]
		if !ok {
			return
		}
		if addr, ok := AddressFromPath(sig.Path); ok {
			d.emit(radio.PlayingChanged{Address: addr, Playing: transportPlaying(formatValue(state))})
		}
	}
}

func (d *Driver) transport(path dbus.ObjectPath, state bt.ConnState) {
	addr, ok := AddressFromPath(path)
	if !ok {
		return
	}
	d.emit(radio.ProfileStateChanged{Address: addr, Profile: bt.ProfileMedia, State: state})
}
