package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/radio/sim"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
)

const (
	headset  = bt.Address("00:11:22:33:44:55")
	speaker  = bt.Address("00:22:33:44:55:66")
	phone    = bt.Address("66:77:88:99:AA:BB")
	classAV  = 0x240404
	classTel = 0x5a020c
)

type harness struct {
	svc      *Service
	radio    *sim.Driver
	clock    *sched.Fake
	rec      *sink.Recorder
	settings *settings.Memory
}

func newHarness(t *testing.T, peers ...sim.Peer) *harness {
	t.Helper()
	return newHarnessWith(t, settings.NewMemory(), peers...)
}

func newHarnessWith(t *testing.T, store *settings.Memory, peers ...sim.Peer) *harness {
	t.Helper()
	h := &harness{
		radio:    sim.New(),
		clock:    sched.NewFake(time.Unix(1700000000, 0)),
		rec:      sink.NewRecorder(),
		settings: store,
	}
	for _, p := range peers {
		h.radio.AddPeer(p)
	}
	h.svc = New(Options{
		Config:   config.Default(),
		Driver:   h.radio,
		Settings: h.settings,
		Sink:     h.rec,
		Clock:    h.clock,
	})
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}
	t.Cleanup(func() { h.svc.Close() })
	h.svc.Drain()
	return h
}

func (h *harness) turnOn(t *testing.T) {
	t.Helper()
	if !h.svc.Enable() {
		t.Fatalf("Failed to enable adapter")
	}
	h.svc.Drain()
	if got := h.svc.AdapterState(); got != bt.AdapterOn {
		t.Fatalf("Expected adapter ON, got %s", got)
	}
}

func (h *harness) connect(t *testing.T, addr bt.Address, p bt.Profile) {
	t.Helper()
	if !h.svc.Connect(string(addr), p) {
		t.Fatalf("Failed to start %s connect to %s", p, addr)
	}
	h.svc.Drain()
	if got := h.svc.ConnectionState(string(addr), p); got != bt.Connected {
		t.Fatalf("Expected %s %s CONNECTED, got %s", addr, p, got)
	}
}

func bondedHeadset(addr bt.Address) sim.Peer {
	return sim.Peer{
		Address:  addr,
		Name:     "Headset " + string(addr[len(addr)-2:]),
		Class:    classAV,
		Profiles: []bt.Profile{bt.ProfileVoice, bt.ProfileMedia},
		Bonded:   true,
	}
}

func TestService_EnableSequence(t *testing.T) {
	h := newHarness(t)
	h.turnOn(t)

	var kinds []radio.CommandKind
	for _, c := range h.radio.Commands() {
		kinds = append(kinds, c.Kind)
	}
	want := []radio.CommandKind{radio.CmdPrepare, radio.CmdLoadServiceRecords, radio.CmdSetPowered}
	if len(kinds) < len(want) {
		t.Fatalf("Expected at least %v, got %v", want, kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("Expected command %d to be %s, got %s", i, k, kinds[i])
		}
	}

	states := h.rec.OfKind(sink.KindAdapterState)
	if len(states) != 2 || states[0].AdapterState != bt.AdapterTurningOn || states[1].AdapterState != bt.AdapterOn {
		t.Errorf("Expected TURNING_ON then ON, got %v", states)
	}
	if !h.settings.BluetoothOn() {
		t.Error("Expected enable to be persisted")
	}
	if v, ok := h.svc.AdapterProperty("Powered"); !ok || v != "true" {
		t.Errorf("Expected Powered=true in the cache, got %q %v", v, ok)
	}
}

func TestService_BondedDevicesRestored(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))

	if got := h.svc.BondState(string(headset)); got != bt.BondBonded {
		t.Fatalf("Expected restored device BONDED, got %s", got)
	}
	devices := h.svc.BondedDevices()
	if len(devices) != 1 || devices[0] != headset {
		t.Errorf("Expected [%s], got %v", headset, devices)
	}
	if got := h.svc.Priority(string(headset), bt.ProfileMedia); got != bt.PriorityOn {
		t.Errorf("Expected media priority ON after bonding, got %d", got)
	}
	if name, ok := h.svc.RemoteProperty(string(headset), "Name"); !ok || name != "Headset 55" {
		t.Errorf("Expected cached name, got %q %v", name, ok)
	}
}

func TestService_OutgoingPairingWithConfirmation(t *testing.T) {
	h := newHarness(t, sim.Peer{
		Address: phone,
		Name:    "Phone",
		Class:   classTel,
		Variant: bt.VariantPasskeyConfirmation,
		Passkey: 123456,
	})
	h.turnOn(t)

	if h.svc.CreateBond("nonsense") {
		t.Error("Expected invalid address to be refused")
	}
	if !h.svc.CreateBond("66:77:88:99:aa:bb") {
		t.Fatalf("Failed to start bonding")
	}
	h.svc.Drain()

	if got := h.svc.BondState(string(phone)); got != bt.BondBonding {
		t.Fatalf("Expected BONDING, got %s", got)
	}
	req, ok := h.rec.Last(sink.KindPairingRequest)
	if !ok || req.Variant != bt.VariantPasskeyConfirmation || req.Passkey != 123456 {
		t.Fatalf("Expected confirmation request with passkey, got %+v", req)
	}
	if h.svc.SetPin(string(phone), "0000") {
		t.Error("Expected PIN reply to a confirmation request to be refused")
	}

	if !h.svc.SetPairingConfirmation(string(phone), true) {
		t.Fatalf("Failed to confirm pairing")
	}
	h.svc.Drain()

	if got := h.svc.BondState(string(phone)); got != bt.BondBonded {
		t.Errorf("Expected BONDED, got %s", got)
	}
	var states []bt.BondState
	for _, n := range h.rec.OfKind(sink.KindBondState) {
		states = append(states, n.BondState)
	}
	if len(states) != 2 || states[0] != bt.BondBonding || states[1] != bt.BondBonded {
		t.Errorf("Expected BONDING then BONDED, got %v", states)
	}
}

func TestService_CreateBondNeedsAdapterOn(t *testing.T) {
	h := newHarness(t, sim.Peer{Address: phone, Variant: bt.VariantConsent})

	if h.svc.CreateBond(string(phone)) {
		t.Error("Expected bonding to be refused while OFF")
	}
	if n := len(h.radio.CommandsOf(radio.CmdCreateBond)); n != 0 {
		t.Errorf("Expected no CreateBond commands, got %d", n)
	}
}

func TestService_IncomingPairingTimesOut(t *testing.T) {
	h := newHarness(t)
	h.turnOn(t)

	h.radio.IncomingPairing(phone, bt.VariantConsent, 0)
	h.svc.Drain()
	if got := h.svc.BondState(string(phone)); got != bt.BondBonding {
		t.Fatalf("Expected BONDING, got %s", got)
	}

	h.clock.Advance(config.Default().Timeouts.IncomingPairing.D())
	h.svc.Drain()

	if got := h.svc.BondState(string(phone)); got != bt.BondNone {
		t.Errorf("Expected NONE after timeout, got %s", got)
	}
	if n := h.rec.Count(sink.KindPairingCanceled); n != 1 {
		t.Errorf("Expected one pairing canceled notification, got %d", n)
	}
	reply, ok := h.radio.Last(radio.CmdPairingReply)
	if !ok || !reply.Cancel {
		t.Errorf("Expected a cancel reply, got %+v", reply)
	}
}

func TestService_ConnectAndAggregate(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)

	h.connect(t, headset, bt.ProfileMedia)
	if got := h.svc.AggregateConnectionState(); got != bt.Connected {
		t.Errorf("Expected aggregate CONNECTED, got %s", got)
	}
	if got := h.svc.Priority(string(headset), bt.ProfileMedia); got != bt.PriorityAutoConnect {
		t.Errorf("Expected connected device promoted to auto-connect, got %d", got)
	}

	if !h.svc.Disconnect(string(headset), bt.ProfileMedia) {
		t.Fatalf("Failed to disconnect")
	}
	h.svc.Drain()
	if got := h.svc.AggregateConnectionState(); got != bt.Disconnected {
		t.Errorf("Expected aggregate DISCONNECTED, got %s", got)
	}
}

func TestService_ConnectFailureRollsBack(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)
	h.radio.FailResult(radio.CmdConnectProfile)

	if !h.svc.Connect(string(headset), bt.ProfileVoice) {
		t.Fatalf("Failed to start connect")
	}
	h.svc.Drain()

	if got := h.svc.ConnectionState(string(headset), bt.ProfileVoice); got != bt.Disconnected {
		t.Errorf("Expected rollback to DISCONNECTED, got %s", got)
	}
	var seen []bt.ConnState
	for _, n := range h.rec.OfKind(sink.KindProfileState) {
		seen = append(seen, n.ConnState)
	}
	if len(seen) != 2 || seen[0] != bt.Connecting || seen[1] != bt.Disconnected {
		t.Errorf("Expected CONNECTING then DISCONNECTED, got %v", seen)
	}
}

func TestService_MediaIsExclusive(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset), bondedHeadset(speaker))
	h.turnOn(t)

	h.connect(t, headset, bt.ProfileMedia)
	h.connect(t, speaker, bt.ProfileMedia)

	if got := h.svc.ConnectionState(string(headset), bt.ProfileMedia); got != bt.Disconnected {
		t.Errorf("Expected first device disconnected, got %s", got)
	}
	if got := h.svc.Priority(string(headset), bt.ProfileMedia); got != bt.PriorityOn {
		t.Errorf("Expected first device demoted to ON, got %d", got)
	}
	if got := h.svc.Priority(string(speaker), bt.ProfileMedia); got != bt.PriorityAutoConnect {
		t.Errorf("Expected second device promoted, got %d", got)
	}
}

func TestService_CallSuspendsPlayback(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)
	h.connect(t, headset, bt.ProfileMedia)

	h.radio.Inject(radio.PlayingChanged{Address: headset, Playing: true})
	h.svc.Drain()
	if !h.svc.Playing(string(headset)) {
		t.Fatalf("Expected playing")
	}

	h.svc.SetCallActive(true)
	h.svc.Drain()
	if h.svc.Playing(string(headset)) {
		t.Error("Expected playback suspended during the call")
	}
	if _, ok := h.radio.Last(radio.CmdSuspendSink); !ok {
		t.Error("Expected a SuspendSink command")
	}

	h.svc.SetCallActive(false)
	h.svc.Drain()
	if !h.svc.Playing(string(headset)) {
		t.Error("Expected playback resumed after the call")
	}
}

func TestService_RemoveBondDrainsLanes(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)
	h.connect(t, headset, bt.ProfileVoice)
	h.connect(t, headset, bt.ProfileMedia)

	if !h.svc.RemoveBond(string(headset)) {
		t.Fatalf("Failed to remove bond")
	}
	h.svc.Drain()

	for _, p := range []bt.Profile{bt.ProfileVoice, bt.ProfileMedia} {
		if got := h.svc.ConnectionState(string(headset), p); got != bt.Disconnected {
			t.Errorf("Expected %s DISCONNECTED, got %s", p, got)
		}
	}
	if got := h.svc.BondState(string(headset)); got != bt.BondNone {
		t.Errorf("Expected NONE, got %s", got)
	}
	if got := h.svc.Priority(string(headset), bt.ProfileMedia); got != bt.PriorityUndefined {
		t.Errorf("Expected priority reset, got %d", got)
	}
	if h.svc.RemoveBond(string(headset)) {
		t.Error("Expected removing an unbonded device to fail")
	}
}

func TestService_DisableDrainsLanesFirst(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)
	h.connect(t, headset, bt.ProfileVoice)
	h.radio.ResetCommands()

	if !h.svc.Disable() {
		t.Fatalf("Failed to disable")
	}
	h.svc.Drain()

	if got := h.svc.AdapterState(); got != bt.AdapterOff {
		t.Fatalf("Expected OFF, got %s", got)
	}
	cmds := h.radio.Commands()
	if len(cmds) == 0 || cmds[0].Kind != radio.CmdDisconnectProfile {
		t.Errorf("Expected lanes disconnected before power off, got %v", cmds)
	}
	if h.settings.BluetoothOn() {
		t.Error("Expected disable to be persisted")
	}
	if h.svc.Connect(string(headset), bt.ProfileVoice) {
		t.Error("Expected connect to be refused while OFF")
	}
}

func TestService_AirplaneMode(t *testing.T) {
	h := newHarness(t)
	h.turnOn(t)

	if !h.svc.SetAirplaneMode(true) {
		t.Fatalf("Failed to enter airplane mode")
	}
	h.svc.Drain()
	if got := h.svc.AdapterState(); got != bt.AdapterOff {
		t.Fatalf("Expected OFF in airplane mode, got %s", got)
	}
	if h.svc.Enable() {
		t.Error("Expected enable to be refused in airplane mode")
	}

	h.svc.SetAirplaneMode(false)
	h.svc.Drain()
	if got := h.svc.AdapterState(); got != bt.AdapterOn {
		t.Errorf("Expected saved state restored, got %s", got)
	}
}

func TestService_RestoresSavedPowerState(t *testing.T) {
	store := settings.NewMemory()
	if err := store.SetBluetoothOn(true); err != nil {
		t.Fatalf("Failed to seed settings: %v", err)
	}
	h := newHarnessWith(t, store)

	if got := h.svc.AdapterState(); got != bt.AdapterOn {
		t.Errorf("Expected ON after restore, got %s", got)
	}
}

func TestService_TrustAndPriority(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset))
	h.turnOn(t)

	if !h.svc.SetTrust(string(headset), true) {
		t.Fatalf("Failed to set trust")
	}
	h.svc.Drain()
	if !h.svc.Trusted(string(headset)) {
		t.Error("Expected device trusted")
	}
	cmd, ok := h.radio.Last(radio.CmdSetTrusted)
	if !ok || !cmd.Enable {
		t.Errorf("Expected SetTrusted(true) command, got %+v", cmd)
	}

	if h.svc.SetPriority(string(headset), bt.ProfileMedia, 50) {
		t.Error("Expected undefined priority tier to be refused")
	}
	if !h.svc.SetPriority(string(headset), bt.ProfileMedia, bt.PriorityOff) {
		t.Fatalf("Failed to set priority")
	}
	if h.svc.Connect(string(headset), bt.ProfileMedia) {
		t.Error("Expected connect refused at priority OFF")
	}
}

func TestService_SetAutoConnectDemotesOthers(t *testing.T) {
	h := newHarness(t, bondedHeadset(headset), bondedHeadset(speaker))
	h.turnOn(t)

	if !h.svc.SetPriority(string(headset), bt.ProfileMedia, bt.PriorityAutoConnect) {
		t.Fatalf("Failed to set priority")
	}
	if !h.svc.SetPriority(string(speaker), bt.ProfileMedia, bt.PriorityAutoConnect) {
		t.Fatalf("Failed to set priority")
	}
	if got := h.svc.Priority(string(speaker), bt.ProfileMedia); got != bt.PriorityAutoConnect {
		t.Errorf("Expected speaker at auto-connect, got %d", got)
	}
	if got := h.svc.Priority(string(headset), bt.ProfileMedia); got != bt.PriorityOn {
		t.Errorf("Expected headset demoted to ON, got %d", got)
	}
}

func TestService_Close(t *testing.T) {
	h := newHarness(t)

	if err := h.svc.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := h.svc.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}
	if h.svc.Enable() {
		t.Error("Expected calls after close to fail")
	}
	if err := h.svc.Start(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}
	if err := h.radio.Submit(radio.NewCommand(radio.CmdPrepare, "")); !errors.Is(err, radio.ErrClosed) {
		t.Errorf("Expected driver closed, got %v", err)
	}
}
