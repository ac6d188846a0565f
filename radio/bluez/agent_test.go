package bluez

import (
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
)

const devPath = "/org/bluez/hci0/dev_00_11_22_33_44_55"

type events struct {
	mu   sync.Mutex
	list []radio.Event
	seen chan radio.Event
}

func newEvents() *events {
	return &events{seen: make(chan radio.Event, 16)}
}

func (e *events) deliver(ev radio.Event) {
	e.mu.Lock()
	e.list = append(e.list, ev)
	e.mu.Unlock()
	e.seen <- ev
}

func (e *events) next(t *testing.T) radio.Event {
	t.Helper()
	select {
	case ev := <-e.seen:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Failed to receive agent event")
	}
	return nil
}

func TestAgent_PinCodeAnswered(t *testing.T) {
	ev := newEvents()
	a := NewAgent(ev.deliver, time.Minute)

	type result struct {
		pin string
		err error
	}
	done := make(chan result, 1)
	go func() {
		pin, err := a.RequestPinCode(dbusPath(devPath))
		if err != nil {
			done <- result{pin, err}
			return
		}
		done <- result{pin: pin}
	}()

	req, ok := ev.next(t).(radio.PairingRequest)
	if !ok || req.Variant != bt.VariantPinEntry || req.Address != "00:11:22:33:44:55" {
		t.Fatalf("Expected PIN request, got %#v", req)
	}
	if !a.Answer(req.ID, answer{accept: true, pin: "1234"}) {
		t.Fatal("Failed to answer request")
	}
	if a.Answer(req.ID, answer{accept: true}) {
		t.Error("Expected second answer to be ignored")
	}

	r := <-done
	if r.err != nil || r.pin != "1234" {
		t.Errorf("Expected pin 1234, got %q %v", r.pin, r.err)
	}
	if a.Pending() != 0 {
		t.Errorf("Expected no pending requests, got %d", a.Pending())
	}
}

func TestAgent_RejectAndTimeout(t *testing.T) {
	ev := newEvents()
	a := NewAgent(ev.deliver, 50*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		if err := a.RequestConfirmation(dbusPath(devPath), 123456); err != nil {
			done <- err
			return
		}
		done <- nil
	}()
	req := ev.next(t).(radio.PairingRequest)
	if req.Passkey != 123456 {
		t.Errorf("Expected passkey in request, got %d", req.Passkey)
	}
	a.Answer(req.ID, answer{accept: false})
	if err := <-done; err == nil {
		t.Error("Expected rejection")
	}

	if err := a.RequestAuthorization(dbusPath(devPath)); err == nil || err.Name != errCanceled {
		t.Errorf("Expected unanswered request to be canceled, got %v", err)
	}
}

func TestAgent_CancelReportsAddress(t *testing.T) {
	ev := newEvents()
	a := NewAgent(ev.deliver, time.Minute)

	done := make(chan bool, 1)
	go func() {
		done <- a.AuthorizeService(dbusPath(devPath), "0000110b-0000-1000-8000-00805f9b34fb") != nil
	}()
	auth, ok := ev.next(t).(radio.AuthorizeRequest)
	if !ok {
		t.Fatalf("Expected authorize request, got %#v", auth)
	}
	if p, _ := bt.ProfileForUUID(auth.Service); p != bt.ProfileMedia {
		t.Errorf("Expected media service, got %s", p)
	}

	a.Cancel()
	if !<-done {
		t.Error("Expected canceled request to be rejected")
	}
	if c, ok := ev.next(t).(radio.PairingCanceled); !ok || c.Address != "00:11:22:33:44:55" {
		t.Errorf("Expected pairing canceled for the device, got %#v", c)
	}
}

func TestAgent_DisplayDoesNotBlock(t *testing.T) {
	ev := newEvents()
	a := NewAgent(ev.deliver, time.Minute)

	if err := a.DisplayPasskey(dbusPath(devPath), 42, 0); err != nil {
		t.Fatalf("Failed to display passkey: %v", err)
	}
	a.DisplayPasskey(dbusPath(devPath), 42, 3)
	if len(ev.list) != 1 {
		t.Errorf("Expected one display request, got %d", len(ev.list))
	}
	if _, err := a.RequestPinCode(dbusPath("/org/bluez/hci0")); err == nil {
		t.Error("Expected request without a device path to be rejected")
	}
}

func TestValues_Format(t *testing.T) {
	values := stringValues(map[string]interface{}{
		props.Class:        uint32(0x240404),
		props.UUIDs:        []string{"a", "b"},
		props.Paired:       true,
		props.RSSI:         int16(-60),
		"ManufacturerData": map[uint16]dbus.Variant{},
	})
	if values[props.Class] != "2360324" || values[props.UUIDs] != "a,b" || values[props.RSSI] != "-60" {
		t.Errorf("Unexpected formatting: %v", values)
	}
	if !paired(values) {
		t.Error("Expected paired")
	}
	if _, ok := values["ManufacturerData"]; ok {
		t.Error("Expected nested maps to be skipped")
	}
}
