package pairing

import (
	"testing"
	"time"

	"github.com/user/bluecore/bond"
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/sink"
)

const (
	headset  = bt.Address("00:11:22:33:44:55")
	keyboard = bt.Address("00:0F:F6:AA:BB:CC")
	phone    = bt.Address("66:77:88:99:AA:BB")
)

type recordingRadio struct {
	cmds []radio.Command
	fail map[radio.CommandKind]error
}

func (r *recordingRadio) Submit(cmd radio.Command) error {
	r.cmds = append(r.cmds, cmd)
	if err := r.fail[cmd.Kind]; err != nil {
		return err
	}
	return nil
}

func (r *recordingRadio) of(kind radio.CommandKind) []radio.Command {
	var out []radio.Command
	for _, c := range r.cmds {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	c       *Coordinator
	bonds   *bond.Store
	props   *props.Cache
	radio   *recordingRadio
	clock   *sched.Fake
	events  *sink.Recorder
	changes []bt.BondState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bonds:  bond.NewStore(),
		props:  props.NewCache(func(bt.Address) {}),
		radio:  &recordingRadio{fail: map[radio.CommandKind]error{}},
		clock:  sched.NewFake(time.Unix(1700000000, 0)),
		events: sink.NewRecorder(),
	}
	cfg := config.Default()
	cfg.AutoPair.FixedPinZerosKeyboards = []string{"00:0F:F6"}
	h.c = NewCoordinator(Deps{
		Config: cfg,
		Bonds:  h.bonds,
		Props:  h.props,
		Radio:  h.radio,
		Timers: sched.NewTimers(h.clock, func(f func()) { f() }),
		Sink:   h.events,
		OnBondState: func(addr bt.Address, prev, state bt.BondState, reason bt.Outcome) {
			h.changes = append(h.changes, state)
		},
	})
	return h
}

// pinRequest simulates the daemon asking for a PIN during the latest bond.
func (h *harness) pinRequest(addr bt.Address) bt.RequestID {
	id := bt.NewRequestID()
	h.c.HandlePairingRequest(radio.PairingRequest{ID: id, Address: addr, Variant: bt.VariantPinEntry})
	return id
}

func TestCoordinator_OutgoingBondSucceeds(t *testing.T) {
	h := newHarness(t)

	if !h.c.CreateBond(phone) {
		t.Fatal("Failed to start bonding")
	}
	if h.bonds.State(phone) != bt.BondBonding || !h.bonds.IsPendingOutgoing(phone) {
		t.Fatalf("Expected BONDING with pending flag, got %+v", h.bonds.Record(phone))
	}
	if len(h.radio.of(radio.CmdCreateBond)) != 1 {
		t.Fatalf("Expected one CreateBond, got %d", len(h.radio.of(radio.CmdCreateBond)))
	}

	h.c.HandlePairingRequest(radio.PairingRequest{ID: bt.NewRequestID(), Address: phone,
		Variant: bt.VariantPasskeyConfirmation, Passkey: 123456})
	req, ok := h.events.Last(sink.KindPairingRequest)
	if !ok || req.Passkey != 123456 {
		t.Fatalf("Expected pairing request notification, got %+v", req)
	}
	if !h.c.SetPairingConfirmation(phone, true) {
		t.Fatal("Failed to confirm pairing")
	}
	reply := h.radio.of(radio.CmdPairingReply)
	if len(reply) != 1 || !reply[0].Enable {
		t.Fatalf("Expected accepting reply, got %+v", reply)
	}

	h.c.HandleBondResult(radio.BondResult{Address: phone, Outcome: bt.OutcomeSuccess})
	if h.bonds.State(phone) != bt.BondBonded {
		t.Errorf("Expected BONDED, got %s", h.bonds.State(phone))
	}
	if _, pending := h.bonds.Pending(); pending {
		t.Error("Expected outgoing slot to be released")
	}
	if len(h.changes) != 2 || h.changes[1] != bt.BondBonded {
		t.Errorf("Expected NONE->BONDING->BONDED, got %v", h.changes)
	}
	if h.c.Phase(phone) != PhaseBonded {
		t.Errorf("Expected phase BONDED, got %s", h.c.Phase(phone))
	}
}

func TestCoordinator_SecondOutgoingBondRefused(t *testing.T) {
	h := newHarness(t)

	if !h.c.CreateBond(phone) {
		t.Fatal("Failed to start first bond")
	}
	if h.c.CreateBond(headset) {
		t.Error("Expected second outgoing bond to be refused")
	}
	if h.c.CreateBond(phone) {
		t.Error("Expected duplicate bond to be refused")
	}
	if len(h.radio.of(radio.CmdCreateBond)) != 1 {
		t.Errorf("Expected one CreateBond, got %d", len(h.radio.of(radio.CmdCreateBond)))
	}
}

func TestCoordinator_SubmitFailureLeavesNone(t *testing.T) {
	h := newHarness(t)
	h.radio.fail[radio.CmdCreateBond] = radio.ErrClosed

	if h.c.CreateBond(phone) {
		t.Fatal("Expected CreateBond to fail")
	}
	if h.bonds.State(phone) != bt.BondNone {
		t.Errorf("Expected NONE, got %s", h.bonds.State(phone))
	}
	if h.events.Count(sink.KindBondState) != 0 {
		t.Error("Expected no bond notifications")
	}
}

func TestCoordinator_AutoPairRetryIsBounded(t *testing.T) {
	h := newHarness(t)
	h.props.Set(headset, props.Class, "0x240404")

	if !h.c.CreateBond(headset) {
		t.Fatal("Failed to start bonding")
	}
	h.pinRequest(headset)
	replies := h.radio.of(radio.CmdPairingReply)
	if len(replies) != 1 || replies[0].Pin != "0000" {
		t.Fatalf("Expected automatic 0000 reply, got %+v", replies)
	}
	if h.bonds.Attempts(headset) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", h.bonds.Attempts(headset))
	}

	h.c.HandleBondResult(radio.BondResult{Address: headset, Outcome: bt.OutcomeAuthFailed})
	if h.c.Phase(headset) != PhaseRetryWait {
		t.Fatalf("Expected RETRY_WAIT, got %s", h.c.Phase(headset))
	}
	if !h.bonds.IsPendingOutgoing(headset) {
		t.Error("Expected pending flag to be held while waiting to retry")
	}
	if h.bonds.State(headset) != bt.BondBonding {
		t.Errorf("Expected BONDING during retry wait, got %s", h.bonds.State(headset))
	}

	h.clock.Advance(3 * time.Second)
	if got := len(h.radio.of(radio.CmdCreateBond)); got != 2 {
		t.Fatalf("Expected retry CreateBond, got %d", got)
	}

	// The default PIN already failed, so the next request goes to the user.
	h.pinRequest(headset)
	if got := len(h.radio.of(radio.CmdPairingReply)); got != 1 {
		t.Errorf("Expected no second automatic reply, got %d", got)
	}
	if h.events.Count(sink.KindPairingRequest) != 1 {
		t.Errorf("Expected the user to be asked once, got %d", h.events.Count(sink.KindPairingRequest))
	}

	h.c.HandleBondResult(radio.BondResult{Address: headset, Outcome: bt.OutcomeAuthFailed})
	h.c.HandleBondResult(radio.BondResult{Address: headset, Outcome: bt.OutcomeAuthFailed})
	h.clock.Advance(time.Minute)

	if got := len(h.radio.of(radio.CmdCreateBond)); got != 2 {
		t.Errorf("Expected no third CreateBond, got %d", got)
	}
	rec := h.bonds.Record(headset)
	if rec.State != bt.BondNone || rec.LastFailure != bt.OutcomeAuthFailed {
		t.Errorf("Expected NONE/AUTH_FAILED, got %+v", rec)
	}
	if _, pending := h.bonds.Pending(); pending {
		t.Error("Expected outgoing slot to be released")
	}
}

func TestCoordinator_RemoteDownRetriesUntilMaxDelay(t *testing.T) {
	h := newHarness(t)
	h.props.Set(headset, props.Class, "1028")

	h.c.CreateBond(headset)
	h.pinRequest(headset)

	for i := 0; i < 5; i++ {
		h.c.HandleBondResult(radio.BondResult{Address: headset, Outcome: bt.OutcomeRemoteDown})
		h.clock.Advance(20 * time.Second)
		if h.bonds.State(headset) == bt.BondNone {
			break
		}
	}
	if h.bonds.State(headset) != bt.BondNone {
		t.Fatalf("Expected bonding to be abandoned, got %s", h.bonds.State(headset))
	}
	if got := len(h.radio.of(radio.CmdCreateBond)); got != 3 {
		t.Errorf("Expected original plus two retries, got %d", got)
	}
	if rec := h.bonds.Record(headset); rec.LastFailure != bt.OutcomeRemoteDown {
		t.Errorf("Expected REMOTE_DOWN, got %s", rec.LastFailure)
	}
}

func TestCoordinator_NoAutoPairForNonAudioOrBlacklisted(t *testing.T) {
	h := newHarness(t)
	h.props.Set(phone, props.Class, "0x5a020c")
	h.c.CreateBond(phone)
	h.pinRequest(phone)
	if got := len(h.radio.of(radio.CmdPairingReply)); got != 0 {
		t.Errorf("Expected phone PIN to go to the user, got %d replies", got)
	}
	h.c.CancelBond(phone)

	h.props.Set(headset, props.Class, "0x240404")
	h.props.Set(headset, props.Name, "BMW 12345")
	h.c.CreateBond(headset)
	h.pinRequest(headset)
	if got := len(h.radio.of(radio.CmdPairingReply)); got != 0 {
		t.Errorf("Expected blacklisted headset PIN to go to the user, got %d replies", got)
	}
	if h.bonds.Attempts(headset) != 0 {
		t.Errorf("Expected no attempt for blacklisted name, got %d", h.bonds.Attempts(headset))
	}
}

func TestCoordinator_FixedPinKeyboard(t *testing.T) {
	h := newHarness(t)

	h.pinRequest(keyboard)
	replies := h.radio.of(radio.CmdPairingReply)
	if len(replies) != 1 || replies[0].Pin != "0000" {
		t.Fatalf("Expected fixed PIN reply, got %+v", replies)
	}
	if h.bonds.Attempts(keyboard) != 0 {
		t.Errorf("Expected fixed PIN not to count as an attempt, got %d", h.bonds.Attempts(keyboard))
	}
}

func TestCoordinator_OutgoingRequestTimesOut(t *testing.T) {
	h := newHarness(t)

	h.c.CreateBond(phone)
	id := h.pinRequest(phone)

	h.clock.Advance(59 * time.Second)
	if h.bonds.State(phone) != bt.BondBonding {
		t.Fatalf("Expected still BONDING, got %s", h.bonds.State(phone))
	}
	h.clock.Advance(time.Second)

	rec := h.bonds.Record(phone)
	if rec.State != bt.BondNone || rec.LastFailure != bt.OutcomeAuthCanceled {
		t.Errorf("Expected NONE/AUTH_CANCELED, got %+v", rec)
	}
	replies := h.radio.of(radio.CmdPairingReply)
	if len(replies) != 1 || !replies[0].Cancel || replies[0].ReplyTo != id {
		t.Errorf("Expected cancel reply to the agent request, got %+v", replies)
	}
	if len(h.radio.of(radio.CmdCancelBond)) != 1 {
		t.Error("Expected CancelBond for the outgoing bond")
	}
	if h.events.Count(sink.KindPairingCanceled) != 1 {
		t.Error("Expected pairing canceled notification")
	}

	// A late result for the cancelled bond is ignored.
	h.c.HandleBondResult(radio.BondResult{Address: phone, Outcome: bt.OutcomeAuthCanceled})
	if h.events.Count(sink.KindBondState) != 2 {
		t.Errorf("Expected 2 bond notifications, got %d", h.events.Count(sink.KindBondState))
	}
}

func TestCoordinator_IncomingRequestUsesShorterTimeout(t *testing.T) {
	h := newHarness(t)

	h.c.HandlePairingRequest(radio.PairingRequest{ID: bt.NewRequestID(), Address: phone, Variant: bt.VariantConsent})
	if h.bonds.State(phone) != bt.BondBonding {
		t.Fatalf("Expected incoming request to move to BONDING, got %s", h.bonds.State(phone))
	}
	if h.bonds.IsPendingOutgoing(phone) {
		t.Error("Expected incoming bond not to claim the outgoing slot")
	}

	h.clock.Advance(25 * time.Second)
	if h.bonds.State(phone) != bt.BondNone {
		t.Errorf("Expected NONE after incoming timeout, got %s", h.bonds.State(phone))
	}
	if len(h.radio.of(radio.CmdCancelBond)) != 0 {
		t.Error("Expected no CancelBond for an incoming bond")
	}
}

func TestCoordinator_ReplyValidation(t *testing.T) {
	h := newHarness(t)
	h.c.CreateBond(phone)
	h.c.HandlePairingRequest(radio.PairingRequest{ID: bt.NewRequestID(), Address: phone, Variant: bt.VariantPasskeyEntry})

	if h.c.SetPin(phone, "1234") {
		t.Error("Expected PIN reply to a passkey request to be refused")
	}
	if h.c.SetPasskey(phone, 1000000) {
		t.Error("Expected out of range passkey to be refused")
	}
	if !h.c.SetPasskey(phone, 999999) {
		t.Fatal("Failed to reply with passkey")
	}
	if h.c.SetPasskey(phone, 1) {
		t.Error("Expected second reply to be refused")
	}
	if h.c.SetPin(headset, "0000") {
		t.Error("Expected reply without request to be refused")
	}
}

func TestCoordinator_CancelPairingUserInput(t *testing.T) {
	h := newHarness(t)
	h.c.CreateBond(phone)
	h.pinRequest(phone)

	if !h.c.CancelPairingUserInput(phone) {
		t.Fatal("Failed to cancel user input")
	}
	rec := h.bonds.Record(phone)
	if rec.State != bt.BondNone || rec.LastFailure != bt.OutcomeAuthCanceled {
		t.Errorf("Expected NONE/AUTH_CANCELED, got %+v", rec)
	}
	if !h.c.CreateBond(phone) {
		t.Error("Expected a fresh bond to be allowed after cancel")
	}
}

func TestCoordinator_AgentCancelFallsBackToNone(t *testing.T) {
	h := newHarness(t)
	h.c.HandlePairingRequest(radio.PairingRequest{ID: bt.NewRequestID(), Address: phone, Variant: bt.VariantConsent})

	h.c.HandlePairingCanceled(phone)
	if h.bonds.State(phone) != bt.BondBonding {
		t.Fatalf("Expected BONDING until the delay passes, got %s", h.bonds.State(phone))
	}
	h.clock.Advance(1500 * time.Millisecond)

	rec := h.bonds.Record(phone)
	if rec.State != bt.BondNone || rec.LastFailure != bt.OutcomeRemoteAuthCanceled {
		t.Errorf("Expected NONE/REMOTE_AUTH_CANCELED, got %+v", rec)
	}
}

func TestCoordinator_PairedPropertyAndRemoval(t *testing.T) {
	h := newHarness(t)

	h.c.HandlePaired(phone, true)
	if h.bonds.State(phone) != bt.BondBonded {
		t.Fatalf("Expected BONDED, got %s", h.bonds.State(phone))
	}
	h.c.HandlePaired(phone, true)
	if h.events.Count(sink.KindBondState) != 1 {
		t.Errorf("Expected a single notification, got %d", h.events.Count(sink.KindBondState))
	}

	// A pairing request for a bonded device does not change the bond state.
	h.c.HandlePairingRequest(radio.PairingRequest{ID: bt.NewRequestID(), Address: phone, Variant: bt.VariantConsent})
	if h.bonds.State(phone) != bt.BondBonded {
		t.Errorf("Expected BONDED to be kept, got %s", h.bonds.State(phone))
	}

	h.c.HandlePaired(phone, false)
	rec := h.bonds.Record(phone)
	if rec.State != bt.BondNone || rec.LastFailure != bt.OutcomeRemoved {
		t.Errorf("Expected NONE/REMOVED, got %+v", rec)
	}
}

func TestCoordinator_CancelDuringRetryWait(t *testing.T) {
	h := newHarness(t)
	h.props.Set(headset, props.Class, "0x240404")
	h.c.CreateBond(headset)
	h.pinRequest(headset)
	h.c.HandleBondResult(radio.BondResult{Address: headset, Outcome: bt.OutcomeAuthFailed})

	if !h.c.CancelBond(headset) {
		t.Fatal("Failed to cancel during retry wait")
	}
	h.clock.Advance(time.Minute)
	if got := len(h.radio.of(radio.CmdCreateBond)); got != 1 {
		t.Errorf("Expected retry to be dropped, got %d CreateBond", got)
	}
	if h.bonds.State(headset) != bt.BondNone {
		t.Errorf("Expected NONE, got %s", h.bonds.State(headset))
	}
}

func TestCoordinator_ResetAbortsBonding(t *testing.T) {
	h := newHarness(t)
	h.c.CreateBond(phone)
	h.pinRequest(phone)

	h.c.Reset()
	if h.bonds.State(phone) != bt.BondNone {
		t.Errorf("Expected NONE after reset, got %s", h.bonds.State(phone))
	}
	if _, ok := h.c.PendingRequest(phone); ok {
		t.Error("Expected pending request to be dropped")
	}
	h.clock.Advance(time.Minute)
	if h.events.Count(sink.KindPairingCanceled) != 0 {
		t.Error("Expected no timeout after reset")
	}
}
