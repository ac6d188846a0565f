package pairing

import (
	"time"

	"github.com/user/bluecore/bond"
	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/sink"
)

// Timer purposes armed by the coordinator.
const (
	PurposeTimeout     = "pairing-timeout"
	PurposeRetry       = "auto-pair-retry"
	PurposeAgentCancel = "agent-cancel"
)

// maxAutoRetries bounds automatic re-issues of CreateBond.
const maxAutoRetries = 2

// BondStateFunc observes every bond state change.
type BondStateFunc func(addr bt.Address, prev, state bt.BondState, reason bt.Outcome)

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Config config.Config
	Bonds  *bond.Store
	Props  *props.Cache
	Radio  radio.Submitter
	Timers *sched.Timers
	Sink   sink.Sink

	OnBondState BondStateFunc
}

type agentRequest struct {
	id       bt.RequestID
	variant  bt.PairingVariant
	incoming bool
}

// Coordinator drives outgoing and incoming pairing: user reply correlation,
// automatic PIN attempts with bounded retry, and pairing timeouts. It must
// only be used from the serialized core.
type Coordinator struct {
	cfg         config.Config
	bonds       *bond.Store
	props       *props.Cache
	radio       radio.Submitter
	timers      *sched.Timers
	sink        sink.Sink
	onBondState BondStateFunc

	phases      map[bt.Address]Phase
	requests    map[bt.Address]agentRequest
	lastFailure map[bt.Address]bt.Outcome
}

// NewCoordinator wires a coordinator to its collaborators.
func NewCoordinator(d Deps) *Coordinator {
	if d.Sink == nil {
		d.Sink = sink.Discard
	}
	return &Coordinator{
		cfg:         d.Config,
		bonds:       d.Bonds,
		props:       d.Props,
		radio:       d.Radio,
		timers:      d.Timers,
		sink:        d.Sink,
		onBondState: d.OnBondState,
		phases:      make(map[bt.Address]Phase),
		requests:    make(map[bt.Address]agentRequest),
		lastFailure: make(map[bt.Address]bt.Outcome),
	}
}

// Phase returns the coordinator state for addr.
func (c *Coordinator) Phase(addr bt.Address) Phase {
	return c.phases[addr]
}

// PendingRequest reports the variant of an unanswered pairing request.
func (c *Coordinator) PendingRequest(addr bt.Address) (bt.PairingVariant, bool) {
	r, ok := c.requests[addr]
	return r.variant, ok
}

func (c *Coordinator) enter(addr bt.Address, to Phase) {
	from := c.phases[addr]
	if from == to {
		return
	}
	if !canTransition(from, to) {
		logger.Warn("pairing", "%s: unexpected phase change %s -> %s", addr, from, to)
	}
	logger.Debug("pairing", "%s: %s -> %s", addr, from, to)
	if to == PhaseIdle {
		delete(c.phases, addr)
		return
	}
	c.phases[addr] = to
}

// bondChanged publishes a bond state change if the store moved away from prev.
func (c *Coordinator) bondChanged(addr bt.Address, prev bt.BondState, reason bt.Outcome) {
	state := c.bonds.State(addr)
	if state == prev {
		return
	}
	logger.Info("pairing", "%s bond %s -> %s (%s)", addr, prev, state, reason)
	c.sink.Notify(sink.Notification{
		Kind:          sink.KindBondState,
		Address:       addr,
		Time:          c.timers.Now(),
		BondState:     state,
		PrevBondState: prev,
		Reason:        reason,
	})
	if c.onBondState != nil {
		c.onBondState(addr, prev, state, reason)
	}
}

func timerKey(addr bt.Address, purpose string) sched.Key {
	return sched.Key{Address: addr, Purpose: purpose}
}

// forget drops every timer and pending request of addr.
func (c *Coordinator) forget(addr bt.Address) {
	c.timers.CancelAddress(addr, PurposeTimeout, PurposeRetry, PurposeAgentCancel)
	delete(c.requests, addr)
	delete(c.lastFailure, addr)
}

// CreateBond starts an outgoing bond. It returns false when another bond is
// in flight, the device is not eligible, or the radio refused the command.
func (c *Coordinator) CreateBond(addr bt.Address) bool {
	if ph := c.phases[addr]; ph != PhaseIdle {
		logger.Info("pairing", "createBond %s refused: %s", addr, ph)
		return false
	}
	if err := c.bonds.CanBegin(addr); err != nil {
		logger.Info("pairing", "createBond %s refused: %v", addr, err)
		return false
	}
	if err := c.submitBond(addr); err != nil {
		logger.Warn("pairing", "createBond %s failed to submit: %v", addr, err)
		return false
	}

	prev := c.bonds.State(addr)
	if err := c.bonds.BeginBonding(addr); err != nil {
		logger.Error("pairing", "createBond %s: %v", addr, err)
		return false
	}
	c.enter(addr, PhaseBonding)
	c.bondChanged(addr, prev, bt.OutcomeSuccess)
	return true
}

func (c *Coordinator) submitBond(addr bt.Address) error {
	cmd := radio.NewCommand(radio.CmdCreateBond, addr)
	cmd.Timeout = c.cfg.Timeouts.BondCreate.D()
	return c.radio.Submit(cmd)
}

// CancelBond aborts a bond in progress, including a pending automatic retry.
func (c *Coordinator) CancelBond(addr bt.Address) bool {
	if c.bonds.State(addr) != bt.BondBonding {
		return false
	}

	if c.bonds.IsPendingOutgoing(addr) {
		if err := c.radio.Submit(radio.NewCommand(radio.CmdCancelBond, addr)); err != nil {
			logger.Warn("pairing", "cancelBond %s: %v", addr, err)
		}
	} else if req, ok := c.requests[addr]; ok {
		c.sendCancelReply(addr, req)
	}

	prev := c.bonds.State(addr)
	if err := c.bonds.CancelBonding(addr); err != nil {
		return false
	}
	c.forget(addr)
	c.enter(addr, PhaseIdle)
	c.bondChanged(addr, prev, bt.OutcomeCanceled)
	return true
}

// HandleBondResult applies the daemon's verdict on a bonding procedure.
func (c *Coordinator) HandleBondResult(ev radio.BondResult) {
	addr := ev.Address
	c.timers.Cancel(timerKey(addr, PurposeTimeout))
	delete(c.requests, addr)

	if ev.Outcome == bt.OutcomeSuccess {
		prev := c.bonds.CompleteBonding(addr, bt.OutcomeSuccess)
		c.forget(addr)
		c.enter(addr, PhaseBonded)
		c.bondChanged(addr, prev, bt.OutcomeSuccess)
		return
	}

	if state := c.bonds.State(addr); state != bt.BondBonding {
		logger.Debug("pairing", "ignoring %s for %s in %s", ev.Outcome, addr, state)
		return
	}
	if c.phases[addr] == PhaseRetryWait {
		logger.Debug("pairing", "ignoring %s for %s while waiting to retry", ev.Outcome, addr)
		return
	}

	attempts := c.bonds.Attempts(addr)
	switch {
	case ev.Outcome == bt.OutcomeAuthFailed && attempts == 1:
		c.bonds.AddAutoPairFailure(addr)
		c.scheduleRetry(addr, ev.Outcome)
	case ev.Outcome == bt.OutcomeRemoteDown && attempts > 0:
		c.scheduleRetry(addr, ev.Outcome)
	default:
		c.fail(addr, ev.Outcome)
	}
}

func (c *Coordinator) scheduleRetry(addr bt.Address, outcome bt.Outcome) {
	attempt := c.bonds.Attempts(addr)
	delay := time.Duration(attempt) * c.cfg.Timeouts.AutoPairInitDelay.D()
	if delay > c.cfg.Timeouts.AutoPairMaxDelay.D() {
		logger.Info("pairing", "%s: giving up after %d attempts", addr, attempt)
		c.fail(addr, outcome)
		return
	}

	c.lastFailure[addr] = outcome
	c.enter(addr, PhaseRetryWait)
	logger.Info("pairing", "%s: %s on attempt %d, retrying in %v", addr, outcome, attempt, delay)
	c.timers.Schedule(timerKey(addr, PurposeRetry), delay, func() { c.retry(addr) })
}

func (c *Coordinator) retry(addr bt.Address) {
	if c.phases[addr] != PhaseRetryWait || c.bonds.State(addr) != bt.BondBonding {
		return
	}
	reason := c.lastFailure[addr]
	delete(c.lastFailure, addr)

	attempts := c.bonds.Attempts(addr)
	if attempts <= 0 || attempts > maxAutoRetries {
		c.fail(addr, reason)
		return
	}

	c.bonds.Attempt(addr)
	if err := c.bonds.BeginBonding(addr); err != nil {
		logger.Warn("pairing", "%s: retry refused: %v", addr, err)
		c.fail(addr, reason)
		return
	}
	if err := c.submitBond(addr); err != nil {
		logger.Warn("pairing", "%s: retry failed to submit: %v", addr, err)
		c.fail(addr, reason)
		return
	}
	c.enter(addr, PhaseBonding)
}

// fail ends bonding of addr with reason.
func (c *Coordinator) fail(addr bt.Address, reason bt.Outcome) {
	prev := c.bonds.CompleteBonding(addr, reason)
	c.forget(addr)
	c.enter(addr, PhaseIdle)
	c.bondChanged(addr, prev, reason)
}

// HandlePairingRequest routes an agent request to the user, or answers it
// with the default PIN when automatic pairing applies.
func (c *Coordinator) HandlePairingRequest(ev radio.PairingRequest) {
	addr := ev.Address
	incoming := !c.bonds.IsPendingOutgoing(addr)

	switch c.bonds.State(addr) {
	case bt.BondNone:
		prev := c.bonds.SetState(addr, bt.BondBonding, bt.OutcomeSuccess)
		c.enter(addr, PhaseBonding)
		c.bondChanged(addr, prev, bt.OutcomeSuccess)
	case bt.BondBonding:
		c.enter(addr, PhaseBonding)
	}

	if ev.Variant == bt.VariantPinEntry {
		if pin, ok := c.autoPin(addr, incoming); ok {
			logger.Info("pairing", "%s: answering PIN request automatically (attempt %d)", addr, c.bonds.Attempts(addr))
			cmd := radio.NewCommand(radio.CmdPairingReply, addr)
			cmd.ReplyTo = ev.ID
			cmd.Variant = ev.Variant
			cmd.Pin = pin
			err := c.radio.Submit(cmd)
			if err == nil {
				return
			}
			logger.Warn("pairing", "%s: automatic PIN reply failed: %v", addr, err)
		}
	}

	if ev.Variant.NeedsReply() {
		c.requests[addr] = agentRequest{id: ev.ID, variant: ev.Variant, incoming: incoming}
		timeout := c.cfg.Timeouts.PairingRequest.D()
		if incoming {
			timeout = c.cfg.Timeouts.IncomingPairing.D()
		}
		id := ev.ID
		c.timers.Schedule(timerKey(addr, PurposeTimeout), timeout, func() { c.expire(addr, id) })
	}

	c.sink.Notify(sink.Notification{
		Kind:    sink.KindPairingRequest,
		Address: addr,
		Time:    c.timers.Now(),
		Variant: ev.Variant,
		Passkey: ev.Passkey,
		Pin:     ev.Pin,
		Name:    c.props.DisplayName(addr),
	})
}

// expire cancels a pairing request the user never answered.
func (c *Coordinator) expire(addr bt.Address, id bt.RequestID) {
	req, ok := c.requests[addr]
	if !ok || req.id != id {
		return
	}
	logger.Info("pairing", "%s: %s request timed out", addr, req.variant)
	c.sendCancelReply(addr, req)
	if c.bonds.IsPendingOutgoing(addr) {
		if err := c.radio.Submit(radio.NewCommand(radio.CmdCancelBond, addr)); err != nil {
			logger.Warn("pairing", "%s: cancel after timeout: %v", addr, err)
		}
	}

	c.sink.Notify(sink.Notification{Kind: sink.KindPairingCanceled, Address: addr, Time: c.timers.Now()})
	if c.bonds.State(addr) == bt.BondBonding {
		c.fail(addr, bt.OutcomeAuthCanceled)
		return
	}
	c.forget(addr)
}

func (c *Coordinator) sendCancelReply(addr bt.Address, req agentRequest) {
	delete(c.requests, addr)
	c.timers.Cancel(timerKey(addr, PurposeTimeout))
	cmd := radio.NewCommand(radio.CmdPairingReply, addr)
	cmd.ReplyTo = req.id
	cmd.Variant = req.variant
	cmd.Cancel = true
	if err := c.radio.Submit(cmd); err != nil {
		logger.Warn("pairing", "%s: cancel reply failed: %v", addr, err)
	}
}

// HandlePairingCanceled handles the daemon withdrawing an agent request.
// A device still BONDING shortly afterwards is treated as cancelled remotely.
func (c *Coordinator) HandlePairingCanceled(addr bt.Address) {
	delete(c.requests, addr)
	c.timers.Cancel(timerKey(addr, PurposeTimeout))
	c.sink.Notify(sink.Notification{Kind: sink.KindPairingCanceled, Address: addr, Time: c.timers.Now()})

	c.timers.Schedule(timerKey(addr, PurposeAgentCancel), c.cfg.Timeouts.AgentCancelDelay.D(), func() {
		if c.bonds.State(addr) != bt.BondBonding || c.phases[addr] == PhaseRetryWait {
			return
		}
		c.fail(addr, bt.OutcomeRemoteAuthCanceled)
	})
}

func (c *Coordinator) reply(addr bt.Address, allowed func(bt.PairingVariant) bool, fill func(*radio.Command)) bool {
	req, ok := c.requests[addr]
	if !ok {
		logger.Info("pairing", "%s: no pairing request awaiting a reply", addr)
		return false
	}
	if !allowed(req.variant) {
		logger.Info("pairing", "%s: reply does not match %s request", addr, req.variant)
		return false
	}
	cmd := radio.NewCommand(radio.CmdPairingReply, addr)
	cmd.ReplyTo = req.id
	cmd.Variant = req.variant
	fill(&cmd)
	if err := c.radio.Submit(cmd); err != nil {
		logger.Warn("pairing", "%s: reply failed: %v", addr, err)
		return false
	}
	delete(c.requests, addr)
	c.timers.Cancel(timerKey(addr, PurposeTimeout))
	return true
}

// SetPin answers a PIN request. PINs are 1 to 16 characters.
func (c *Coordinator) SetPin(addr bt.Address, pin string) bool {
	if len(pin) < 1 || len(pin) > 16 {
		return false
	}
	return c.reply(addr,
		func(v bt.PairingVariant) bool { return v == bt.VariantPinEntry },
		func(cmd *radio.Command) { cmd.Pin = pin })
}

// SetPasskey answers a passkey entry request with a value in 0..999999.
func (c *Coordinator) SetPasskey(addr bt.Address, passkey int) bool {
	if passkey < 0 || passkey > 999999 {
		return false
	}
	return c.reply(addr,
		func(v bt.PairingVariant) bool { return v == bt.VariantPasskeyEntry },
		func(cmd *radio.Command) { cmd.Passkey = uint32(passkey) })
}

// SetPairingConfirmation answers a consent, confirmation or OOB request.
func (c *Coordinator) SetPairingConfirmation(addr bt.Address, accept bool) bool {
	return c.reply(addr,
		func(v bt.PairingVariant) bool {
			return v == bt.VariantConsent || v == bt.VariantPasskeyConfirmation || v == bt.VariantOOBConsent
		},
		func(cmd *radio.Command) { cmd.Enable = accept })
}

// CancelPairingUserInput rejects whatever request is pending and ends bonding.
func (c *Coordinator) CancelPairingUserInput(addr bt.Address) bool {
	req, ok := c.requests[addr]
	if !ok {
		return false
	}
	c.sendCancelReply(addr, req)
	if c.bonds.State(addr) == bt.BondBonding {
		c.fail(addr, bt.OutcomeAuthCanceled)
	}
	return true
}

// HandlePaired folds the daemon's Paired property into the bond state.
func (c *Coordinator) HandlePaired(addr bt.Address, paired bool) {
	state := c.bonds.State(addr)
	switch {
	case paired && state != bt.BondBonded:
		prev := c.bonds.SetState(addr, bt.BondBonded, bt.OutcomeSuccess)
		c.forget(addr)
		c.enter(addr, PhaseBonded)
		c.bondChanged(addr, prev, bt.OutcomeSuccess)
	case !paired && state == bt.BondBonded:
		c.Removed(addr)
	}
}

// Removed records that the daemon no longer holds a bond for addr.
func (c *Coordinator) Removed(addr bt.Address) {
	prev := c.bonds.SetState(addr, bt.BondNone, bt.OutcomeRemoved)
	c.forget(addr)
	c.enter(addr, PhaseIdle)
	c.bondChanged(addr, prev, bt.OutcomeRemoved)
}

// Reset aborts every bond in progress; used when the adapter goes down.
func (c *Coordinator) Reset() {
	for _, addr := range c.bonds.InState(bt.BondBonding) {
		c.fail(addr, bt.OutcomeAuthCanceled)
	}
	for addr := range c.requests {
		c.forget(addr)
	}
}
