package scenario

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/radio"
	"github.com/user/bluecore/radio/sim"
	"github.com/user/bluecore/sched"
	"github.com/user/bluecore/service"
	"github.com/user/bluecore/settings"
	"github.com/user/bluecore/sink"
	"github.com/user/bluecore/testreport"
)

// Epoch is the simulated wall clock at time_ms 0.
var Epoch = time.Unix(1700000000, 0)

const advanceStep = 100 * time.Millisecond

// Runner plays a scenario against a service wired to the simulated radio
// and a manual clock, so timeouts fire exactly at their time_ms.
type Runner struct {
	scenario *Scenario
	config   config.Config

	radio    *sim.Driver
	clock    *sched.Fake
	recorder *sink.Recorder
	svc      *service.Service
	peers    map[string]bt.Address

	eventLog []EventLogEntry
	results  []AssertionResult
}

// EventLogEntry records what one timeline event did.
type EventLogEntry struct {
	TimeMs  int
	Device  string
	Action  string
	Message string
}

// AssertionResult is the outcome of one assertion.
type AssertionResult struct {
	Assertion *Assertion
	Passed    bool
	Actual    string
}

// NewRunner prepares a runner using the default configuration.
func NewRunner(s *Scenario) *Runner {
	return &Runner{
		scenario: s,
		config:   config.Default(),
		peers:    make(map[string]bt.Address),
	}
}

// WithConfig replaces the configuration used by Setup.
func (r *Runner) WithConfig(c config.Config) *Runner {
	r.config = c
	return r
}

// Setup validates the scenario, registers the peers and starts the service.
func (r *Runner) Setup() error {
	if errors := r.scenario.Validate(); len(errors) > 0 {
		return fmt.Errorf("scenario validation failed: %v", errors)
	}

	r.radio = sim.New()
	for _, pc := range r.scenario.Peers {
		peer, err := pc.Peer()
		if err != nil {
			return fmt.Errorf("failed to create peer %s: %w", pc.ID, err)
		}
		r.radio.AddPeer(peer)
		r.peers[pc.ID] = peer.Address
	}

	r.clock = sched.NewFake(Epoch)
	r.recorder = sink.NewRecorder()
	r.svc = service.New(service.Options{
		Config:   r.config,
		Driver:   r.radio,
		Settings: settings.NewMemory(),
		Sink:     r.recorder,
		Clock:    r.clock,
	})
	if err := r.svc.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	r.svc.Drain()
	return nil
}

// Peer converts the config into a simulated remote device.
func (pc PeerConfig) Peer() (sim.Peer, error) {
	addr, err := bt.ParseAddress(pc.Address)
	if err != nil {
		return sim.Peer{}, err
	}
	p := sim.Peer{
		Address:     addr,
		Name:        pc.Name,
		Class:       pc.Class,
		PIN:         pc.Pin,
		Passkey:     pc.Passkey,
		Bonded:      pc.Bonded,
		Unreachable: pc.Unreachable,
		Variant:     bt.VariantPinEntry,
	}
	if pc.Variant != "" {
		p.Variant, _ = bt.ParsePairingVariant(pc.Variant)
	}
	for _, name := range pc.Profiles {
		if profile, ok := bt.ParseProfile(name); ok {
			p.Profiles = append(p.Profiles, profile)
		}
	}
	return p, nil
}

// Run executes the timeline in time order, advancing the manual clock
// between events so scheduled timeouts fire in between.
func (r *Runner) Run() error {
	if r.svc == nil {
		return fmt.Errorf("runner not set up")
	}
	timeline := make([]TimelineEvent, len(r.scenario.Timeline))
	copy(timeline, r.scenario.Timeline)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].TimeMs < timeline[j].TimeMs
	})

	lastTime := 0
	for i := range timeline {
		event := &timeline[i]
		if wait := event.TimeMs - lastTime; wait > 0 {
			r.advance(time.Duration(wait) * time.Millisecond)
		}
		lastTime = event.TimeMs

		msg, err := r.executeEvent(event)
		if err != nil {
			msg = fmt.Sprintf("error: %v", err)
		}
		r.logEvent(event, msg)
		r.svc.Drain()
	}
	return nil
}

// advance moves the clock in small steps, draining the mailbox after
// each, so a timer armed by an earlier expiry still fires in this window.
func (r *Runner) advance(d time.Duration) {
	for d > 0 {
		step := min(d, advanceStep)
		r.svc.Drain()
		r.clock.Advance(step)
		d -= step
	}
	r.svc.Drain()
}

func (r *Runner) logEvent(event *TimelineEvent, msg string) {
	if event.Comment != "" {
		msg = fmt.Sprintf("%s (%s)", msg, event.Comment)
	}
	logger.Info("scenario", "[%6dms] %-20s %-8s %s", event.TimeMs, event.Action, event.Device, msg)
	r.eventLog = append(r.eventLog, EventLogEntry{
		TimeMs:  event.TimeMs,
		Device:  event.Device,
		Action:  event.Action,
		Message: msg,
	})
}

func accepted(ok bool) string {
	if ok {
		return "accepted"
	}
	return "refused"
}

func (r *Runner) executeEvent(event *TimelineEvent) (string, error) {
	addr := string(r.peers[event.Device])
	profile, _ := bt.ParseProfile(event.Profile)
	svc := r.svc

	switch event.Action {
	case ActionEnable:
		return accepted(svc.Enable()), nil
	case ActionDisable:
		return accepted(svc.Disable()), nil
	case ActionAirplaneOn:
		return accepted(svc.SetAirplaneMode(true)), nil
	case ActionAirplaneOff:
		return accepted(svc.SetAirplaneMode(false)), nil
	case ActionSetScanMode:
		mode, _ := bt.ParseScanMode(event.Value)
		return accepted(svc.SetScanMode(mode)), nil
	case ActionDiscover:
		r.radio.Discover()
		return "inquiry results delivered", nil
	case ActionCreateBond:
		return accepted(svc.CreateBond(addr)), nil
	case ActionCancelBond:
		return accepted(svc.CancelBond(addr)), nil
	case ActionRemoveBond:
		return accepted(svc.RemoveBond(addr)), nil
	case ActionSetPin:
		return accepted(svc.SetPin(addr, event.Value)), nil
	case ActionSetPasskey:
		passkey, err := strconv.Atoi(event.Value)
		if err != nil {
			return "", fmt.Errorf("bad passkey %q", event.Value)
		}
		return accepted(svc.SetPasskey(addr, passkey)), nil
	case ActionConfirm:
		return accepted(svc.SetPairingConfirmation(addr, true)), nil
	case ActionReject:
		return accepted(svc.SetPairingConfirmation(addr, false)), nil
	case ActionCancelInput:
		return accepted(svc.CancelPairingUserInput(addr)), nil
	case ActionConnect:
		return accepted(svc.Connect(addr, profile)), nil
	case ActionDisconnect:
		return accepted(svc.Disconnect(addr, profile)), nil
	case ActionIncomingPairing:
		return r.incomingPairing(event)
	case ActionIncomingConnection:
		id := r.radio.IncomingConnection(bt.Address(addr), profile)
		return "authorization " + id.String(), nil
	case ActionPlaying, ActionStopped:
		r.radio.Inject(radio.PlayingChanged{Address: bt.Address(addr), Playing: event.Action == ActionPlaying})
		return "stream " + event.Action, nil
	case ActionCallStart:
		svc.SetCallActive(true)
		return "call active", nil
	case ActionCallEnd:
		svc.SetCallActive(false)
		return "call ended", nil
	case ActionSetPriority:
		priority, err := strconv.Atoi(event.Value)
		if err != nil {
			return "", fmt.Errorf("bad priority %q", event.Value)
		}
		return accepted(svc.SetPriority(addr, profile, priority)), nil
	case ActionSetTrust:
		trusted, err := strconv.ParseBool(event.Value)
		if err != nil {
			return "", fmt.Errorf("bad trust value %q", event.Value)
		}
		return accepted(svc.SetTrust(addr, trusted)), nil
	case ActionFailResult:
		kind, _ := radio.ParseCommandKind(event.Value)
		r.radio.FailResult(kind)
		return kind.String() + " will fail", nil
	case ActionFailSubmit:
		kind, _ := radio.ParseCommandKind(event.Value)
		r.radio.FailSubmit(kind, nil)
		return kind.String() + " will be rejected", nil
	case ActionClearFailures:
		r.radio.ClearFailures()
		return "failures cleared", nil
	case ActionGoOffline:
		p, ok := r.radio.Peer(bt.Address(addr))
		if !ok {
			return "", fmt.Errorf("unknown peer %s", addr)
		}
		p.Unreachable = true
		r.radio.AddPeer(p)
		return "out of range", nil
	case ActionWait:
		return "waited", nil
	default:
		return "", fmt.Errorf("unknown action: %s", event.Action)
	}
}

func (r *Runner) incomingPairing(event *TimelineEvent) (string, error) {
	pc := r.scenario.Peer(event.Device)
	variant := bt.VariantConsent
	if pc.Variant != "" {
		variant, _ = bt.ParsePairingVariant(pc.Variant)
	}
	if event.Value != "" {
		v, ok := bt.ParsePairingVariant(event.Value)
		if !ok {
			return "", fmt.Errorf("unknown variant %q", event.Value)
		}
		variant = v
	}
	id := r.radio.IncomingPairing(r.peers[event.Device], variant, pc.Passkey)
	return fmt.Sprintf("%s request %s", variant, id), nil
}

// CheckAssertions evaluates every assertion against the final state.
func (r *Runner) CheckAssertions() []AssertionResult {
	r.svc.Drain()
	r.results = r.results[:0]
	for i := range r.scenario.Assertions {
		a := &r.scenario.Assertions[i]
		actual := r.actual(a)
		r.results = append(r.results, AssertionResult{Assertion: a, Passed: actual == a.Expect, Actual: actual})
	}
	return r.results
}

func (r *Runner) actual(a *Assertion) string {
	addr := string(r.peers[a.Device])
	profile, _ := bt.ParseProfile(a.Profile)

	switch a.Type {
	case AssertAdapterState:
		return r.svc.AdapterState().String()
	case AssertScanMode:
		return r.svc.ScanMode().String()
	case AssertBondState:
		return r.svc.BondState(addr).String()
	case AssertConnectionState:
		return r.svc.ConnectionState(addr, profile).String()
	case AssertAggregateState:
		return r.svc.AggregateConnectionState().String()
	case AssertPlaying:
		return strconv.FormatBool(r.svc.Playing(addr))
	case AssertPriority:
		return strconv.Itoa(r.svc.Priority(addr, profile))
	case AssertNotificationCount:
		n := 0
		for _, note := range r.recorder.OfKind(sink.Kind(a.Kind)) {
			if a.Device == "" || note.Address == bt.Address(addr) {
				n++
			}
		}
		return strconv.Itoa(n)
	case AssertCommandCount:
		kind, _ := radio.ParseCommandKind(a.Kind)
		n := 0
		for _, cmd := range r.radio.CommandsOf(kind) {
			if a.Device == "" || cmd.Address == bt.Address(addr) {
				n++
			}
		}
		return strconv.Itoa(n)
	}
	return "unknown assertion " + a.Type
}

// Passed reports whether every checked assertion held.
func (r *Runner) Passed() bool {
	for _, res := range r.results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// EventLog returns the executed timeline.
func (r *Runner) EventLog() []EventLogEntry {
	return r.eventLog
}

// Report collects the run into a printable report.
func (r *Runner) Report() testreport.Report {
	rep := testreport.Report{
		Name:        r.scenario.Name,
		Description: r.scenario.Description,
		Generated:   time.Now(),
		Duration:    r.scenario.Duration(),
	}
	for _, e := range r.eventLog {
		rep.Timeline = append(rep.Timeline, testreport.Entry{TimeMs: e.TimeMs, Device: e.Device, Action: e.Action, Message: e.Message})
	}
	for _, res := range r.results {
		a := res.Assertion
		desc := a.Type
		if a.Device != "" {
			desc += " " + a.Device
		}
		if a.Profile != "" {
			desc += " " + a.Profile
		}
		if a.Kind != "" {
			desc += " " + a.Kind
		}
		rep.Checks = append(rep.Checks, testreport.Check{
			Description: desc,
			Expected:    a.Expect,
			Actual:      res.Actual,
			Passed:      res.Passed,
			Comment:     a.Comment,
		})
	}
	for _, cmd := range r.radio.Commands() {
		rep.Commands = append(rep.Commands, fmt.Sprintf("%s %s %s", cmd.Kind, cmd.Address, cmd.Profile))
	}
	for _, n := range r.recorder.All() {
		rep.Notifications = append(rep.Notifications, n.String())
	}
	return rep
}

// Close stops the service.
func (r *Runner) Close() error {
	if r.svc == nil {
		return nil
	}
	return r.svc.Close()
}
