package bluez

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/radio"
)

const (
	AgentPath       = dbus.ObjectPath("/org/bluecore/agent")
	agentInterface  = "org.bluez.Agent1"
	agentCapability = "KeyboardDisplay"
)

// answer is the application's response to one agent request.
type answer struct {
	accept  bool
	pin     string
	passkey uint32
}

type waiter struct {
	addr  bt.Address
	reply chan answer
}

// Agent is the exported org.bluez.Agent1 object. BlueZ calls its methods
// on its own goroutines; each blocking method becomes a PairingRequest or
// AuthorizeRequest event and waits for the matching reply command.
type Agent struct {
	deliver func(radio.Event)
	timeout time.Duration
	waiting *xsync.MapOf[bt.RequestID, waiter]
}

// NewAgent creates an agent that gives up on an unanswered request after
// timeout.
func NewAgent(deliver func(radio.Event), timeout time.Duration) *Agent {
	return &Agent{
		deliver: deliver,
		timeout: timeout,
		waiting: xsync.NewMapOf[bt.RequestID, waiter](),
	}
}

func rejected() *dbus.Error { return dbus.NewError(errRejected, nil) }
func canceled() *dbus.Error { return dbus.NewError(errCanceled, nil) }

// ask publishes the event built for a fresh request id and blocks until
// Answer, Cancel or the timeout.
func (a *Agent) ask(device dbus.ObjectPath, build func(bt.RequestID, bt.Address) radio.Event) (answer, *dbus.Error) {
	addr, ok := AddressFromPath(device)
	if !ok {
		logger.Warn("bluez", "agent request for unknown path %s", device)
		return answer{}, rejected()
	}
	id := bt.NewRequestID()
	w := waiter{addr: addr, reply: make(chan answer, 1)}
	a.waiting.Store(id, w)
	defer a.waiting.Delete(id)

	a.deliver(build(id, addr))

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case ans := <-w.reply:
		if !ans.accept {
			return ans, rejected()
		}
		return ans, nil
	case <-timer.C:
		logger.Warn("bluez", "agent request %s for %s timed out", id, addr)
		return answer{}, canceled()
	}
}

// Answer completes the request id. It reports false for unknown or
// already answered requests.
func (a *Agent) Answer(id bt.RequestID, ans answer) bool {
	w, ok := a.waiting.LoadAndDelete(id)
	if !ok {
		return false
	}
	w.reply <- ans
	return true
}

// Pending returns how many requests wait for an answer.
func (a *Agent) Pending() int {
	return a.waiting.Size()
}

func (a *Agent) Release() *dbus.Error {
	logger.Debug("bluez", "agent released")
	return nil
}

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	ans, err := a.ask(device, func(id bt.RequestID, addr bt.Address) radio.Event {
		return radio.PairingRequest{ID: id, Address: addr, Variant: bt.VariantPinEntry}
	})
	return ans.pin, err
}

func (a *Agent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	addr, ok := AddressFromPath(device)
	if !ok {
		return rejected()
	}
	a.deliver(radio.PairingRequest{ID: bt.NewRequestID(), Address: addr, Variant: bt.VariantDisplayPin, Pin: pincode})
	return nil
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	ans, err := a.ask(device, func(id bt.RequestID, addr bt.Address) radio.Event {
		return radio.PairingRequest{ID: id, Address: addr, Variant: bt.VariantPasskeyEntry}
	})
	return ans.passkey, err
}

// DisplayPasskey is called again for every typed digit; only the first
// call is reported.
func (a *Agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	if entered > 0 {
		return nil
	}
	addr, ok := AddressFromPath(device)
	if !ok {
		return rejected()
	}
	a.deliver(radio.PairingRequest{ID: bt.NewRequestID(), Address: addr, Variant: bt.VariantDisplayPasskey, Passkey: passkey})
	return nil
}

func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	_, err := a.ask(device, func(id bt.RequestID, addr bt.Address) radio.Event {
		return radio.PairingRequest{ID: id, Address: addr, Variant: bt.VariantPasskeyConfirmation, Passkey: passkey}
	})
	return err
}

func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	_, err := a.ask(device, func(id bt.RequestID, addr bt.Address) radio.Event {
		return radio.PairingRequest{ID: id, Address: addr, Variant: bt.VariantConsent}
	})
	return err
}

func (a *Agent) AuthorizeService(device dbus.ObjectPath, service string) *dbus.Error {
	u, err := bt.ParseServiceUUID(service)
	if err != nil {
		logger.Warn("bluez", "authorize %s: bad uuid %q", device, service)
		return rejected()
	}
	_, derr := a.ask(device, func(id bt.RequestID, addr bt.Address) radio.Event {
		return radio.AuthorizeRequest{ID: id, Address: addr, Service: u}
	})
	return derr
}

// Cancel withdraws every outstanding request.
func (a *Agent) Cancel() *dbus.Error {
	a.waiting.Range(func(id bt.RequestID, w waiter) bool {
		if _, ok := a.waiting.LoadAndDelete(id); ok {
			w.reply <- answer{}
			a.deliver(radio.PairingCanceled{Address: w.addr})
		}
		return true
	})
	return nil
}
