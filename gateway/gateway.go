package gateway

import (
	"strconv"
	"time"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sink"
)

// Pairing receives bonding related events.
type Pairing interface {
	HandlePairingRequest(ev radio.PairingRequest)
	HandlePairingCanceled(addr bt.Address)
	HandleBondResult(ev radio.BondResult)
	HandlePaired(addr bt.Address, paired bool)
	Removed(addr bt.Address)
}

// Profiles receives lane related events.
type Profiles interface {
	HandleConnectResult(ev radio.ConnectResult)
	HandleProfileState(addr bt.Address, p bt.Profile, state bt.ConnState)
	HandleAuthorize(ev radio.AuthorizeRequest) bool
	HandlePlaying(addr bt.Address, playing bool)
}

// Adapter receives lifecycle events.
type Adapter interface {
	HandleServiceRecordsLoaded()
	HandlePowered(on bool)
	HandleProperty(key string)
	HandleCommandFailed(kind radio.CommandKind, err error)
}

// Deps are the consumers a Gateway feeds.
type Deps struct {
	Props    *props.Cache
	Pairing  Pairing
	Profiles Profiles
	Adapter  Adapter
	Sink     sink.Sink
	Now      func() time.Time
}

// Gateway is the single ingress for radio events. Dispatch must be called
// from the serialized core, in delivery order.
type Gateway struct {
	props    *props.Cache
	pairing  Pairing
	profiles Profiles
	adapter  Adapter
	sink     sink.Sink
	now      func() time.Time
}

func New(d Deps) *Gateway {
	if d.Sink == nil {
		d.Sink = sink.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Gateway{
		props:    d.Props,
		pairing:  d.Pairing,
		profiles: d.Profiles,
		adapter:  d.Adapter,
		sink:     d.Sink,
		now:      d.Now,
	}
}

// Dispatch routes one event to its consumers.
func (g *Gateway) Dispatch(ev radio.Event) {
	logger.Trace("gateway", "%T %+v", ev, ev)

	switch e := ev.(type) {
	case radio.PropertyChanged:
		changed := g.props.Set(e.Address, e.Key, e.Value)
		if e.Address == props.AdapterScope {
			g.adapter.HandleProperty(e.Key)
			return
		}
		g.deviceProperty(e.Address, e.Key, e.Value, changed)

	case radio.PropertiesLoaded:
		g.props.Load(e.Address, e.Values)
		if e.Address == props.AdapterScope {
			g.adapter.HandleProperty(props.Powered)
			g.adapter.HandleProperty(props.Discoverable)
			return
		}
		g.paired(e.Address, e.Values)

	case radio.DeviceFound:
		g.props.Load(e.Address, e.Values)
		g.paired(e.Address, e.Values)
		g.notify(sink.Notification{
			Kind:    sink.KindDeviceFound,
			Address: e.Address,
			Name:    g.props.DisplayName(e.Address),
			Values:  g.props.Snapshot(e.Address),
		})

	case radio.DeviceCreated:
		logger.Debug("gateway", "device %s created", e.Address)
		g.props.Refresh(e.Address)

	case radio.DeviceDisappeared:
		g.notify(sink.Notification{Kind: sink.KindDeviceDisappeared, Address: e.Address})

	case radio.DeviceRemoved:
		g.pairing.Removed(e.Address)
		g.props.Remove(e.Address)
		g.notify(sink.Notification{Kind: sink.KindDeviceRemoved, Address: e.Address})

	case radio.PairingRequest:
		g.pairing.HandlePairingRequest(e)

	case radio.PairingCanceled:
		g.pairing.HandlePairingCanceled(e.Address)

	case radio.BondResult:
		g.pairing.HandleBondResult(e)

	case radio.ConnectResult:
		g.profiles.HandleConnectResult(e)

	case radio.ProfileStateChanged:
		g.profiles.HandleProfileState(e.Address, e.Profile, e.State)

	case radio.AuthorizeRequest:
		g.profiles.HandleAuthorize(e)

	case radio.PlayingChanged:
		g.profiles.HandlePlaying(e.Address, e.Playing)

	case radio.ServiceRecordsLoaded:
		g.adapter.HandleServiceRecordsLoaded()

	case radio.PoweredChanged:
		g.adapter.HandlePowered(e.On)

	case radio.CommandResult:
		g.commandResult(e)

	default:
		logger.Warn("gateway", "unhandled event %T", ev)
	}
}

func (g *Gateway) notify(n sink.Notification) {
	n.Time = g.now()
	g.sink.Notify(n)
}

func (g *Gateway) paired(addr bt.Address, values map[string]string) {
	v, ok := values[props.Paired]
	if !ok {
		return
	}
	if paired, err := strconv.ParseBool(v); err == nil {
		g.pairing.HandlePaired(addr, paired)
	}
}

func (g *Gateway) deviceProperty(addr bt.Address, key, value string, changed bool) {
	switch key {
	case props.Paired:
		if paired, err := strconv.ParseBool(value); err == nil {
			g.pairing.HandlePaired(addr, paired)
		}
	case props.Name, props.Alias:
		if changed {
			g.notify(sink.Notification{Kind: sink.KindNameChanged, Address: addr, Name: g.props.DisplayName(addr)})
		}
	}
}

// commandResult handles completions that carry no richer event. Failures
// are routed to the component whose request failed.
func (g *Gateway) commandResult(e radio.CommandResult) {
	if e.Err == nil {
		if e.Kind == radio.CmdRemoveBond {
			g.pairing.Removed(e.Address)
		}
		return
	}

	logger.Warn("gateway", "%s %s failed: %v", e.Kind, e.Address, e.Err)
	switch e.Kind {
	case radio.CmdFetchProperties:
		g.props.RefreshFailed(e.Address)
	case radio.CmdConnectProfile, radio.CmdDisconnectProfile:
		g.profiles.HandleConnectResult(radio.ConnectResult{
			ID:      e.ID,
			Address: e.Address,
			Connect: e.Kind == radio.CmdConnectProfile,
			Success: false,
		})
	case radio.CmdCreateBond:
		g.pairing.HandleBondResult(radio.BondResult{Address: e.Address, Outcome: bt.OutcomeRemoteDown})
	case radio.CmdLoadServiceRecords, radio.CmdSetPowered, radio.CmdSetScanMode:
		g.adapter.HandleCommandFailed(e.Kind, e.Err)
	}
}
