package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/radio"
)

// Scenario is a scripted control plane session against the simulated radio.
type Scenario struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Peers       []PeerConfig    `json:"peers"`
	Timeline    []TimelineEvent `json:"timeline"`
	Assertions  []Assertion     `json:"assertions"`
}

// PeerConfig describes one simulated remote device.
type PeerConfig struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	Name        string   `json:"name,omitempty"`
	Class       uint32   `json:"class,omitempty"`
	Variant     string   `json:"variant,omitempty"` // PIN, PASSKEY, CONSENT, ...
	Pin         string   `json:"pin,omitempty"`
	Passkey     uint32   `json:"passkey,omitempty"`
	Profiles    []string `json:"profiles,omitempty"`
	Bonded      bool     `json:"bonded,omitempty"`
	Unreachable bool     `json:"unreachable,omitempty"`
}

// TimelineEvent is one action at a point in simulated time.
type TimelineEvent struct {
	TimeMs  int    `json:"time_ms"`
	Action  string `json:"action"`
	Device  string `json:"device,omitempty"`
	Profile string `json:"profile,omitempty"`
	Value   string `json:"value,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Action types
const (
	ActionEnable             = "enable"
	ActionDisable            = "disable"
	ActionAirplaneOn         = "airplane_on"
	ActionAirplaneOff        = "airplane_off"
	ActionSetScanMode        = "set_scan_mode"
	ActionDiscover           = "discover"
	ActionCreateBond         = "create_bond"
	ActionCancelBond         = "cancel_bond"
	ActionRemoveBond         = "remove_bond"
	ActionSetPin             = "set_pin"
	ActionSetPasskey         = "set_passkey"
	ActionConfirm            = "confirm"
	ActionReject             = "reject"
	ActionCancelInput        = "cancel_input"
	ActionConnect            = "connect"
	ActionDisconnect         = "disconnect"
	ActionIncomingPairing    = "incoming_pairing"
	ActionIncomingConnection = "incoming_connection"
	ActionPlaying            = "playing"
	ActionStopped            = "stopped"
	ActionCallStart          = "call_start"
	ActionCallEnd            = "call_end"
	ActionSetPriority        = "set_priority"
	ActionSetTrust           = "set_trust"
	ActionFailResult         = "fail_result"
	ActionFailSubmit         = "fail_submit"
	ActionClearFailures      = "clear_failures"
	ActionGoOffline          = "go_offline"
	ActionWait               = "wait"
)

// Assertion is an expected state once the timeline has run.
type Assertion struct {
	Type    string `json:"type"`
	Device  string `json:"device,omitempty"`
	Profile string `json:"profile,omitempty"`
	Kind    string `json:"kind,omitempty"` // notification or command name for counts
	Expect  string `json:"expect"`
	Comment string `json:"comment,omitempty"`
}

// Assertion types
const (
	AssertAdapterState      = "adapter_state"
	AssertScanMode          = "scan_mode"
	AssertBondState         = "bond_state"
	AssertConnectionState   = "connection_state"
	AssertAggregateState    = "aggregate_state"
	AssertPlaying           = "playing"
	AssertPriority          = "priority"
	AssertNotificationCount = "notification_count"
	AssertCommandCount      = "command_count"
)

var deviceActions = map[string]bool{
	ActionCreateBond: true, ActionCancelBond: true, ActionRemoveBond: true,
	ActionSetPin: true, ActionSetPasskey: true, ActionConfirm: true, ActionReject: true,
	ActionCancelInput: true, ActionConnect: true, ActionDisconnect: true,
	ActionIncomingPairing: true, ActionIncomingConnection: true, ActionPlaying: true,
	ActionStopped: true, ActionSetPriority: true, ActionSetTrust: true, ActionGoOffline: true,
}

var profileActions = map[string]bool{
	ActionConnect: true, ActionDisconnect: true, ActionIncomingConnection: true, ActionSetPriority: true,
}

// LoadScenario loads a scenario from a JSON file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var scenario Scenario
	if err := json.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", path, err)
	}

	return &scenario, nil
}

// Save writes the scenario as indented JSON.
func (s *Scenario) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Peer returns a peer config by ID
func (s *Scenario) Peer(id string) *PeerConfig {
	for i, p := range s.Peers {
		if p.ID == id {
			return &s.Peers[i]
		}
	}
	return nil
}

// Duration returns the simulated time the timeline spans.
func (s *Scenario) Duration() time.Duration {
	maxTime := 0
	for _, event := range s.Timeline {
		if event.TimeMs > maxTime {
			maxTime = event.TimeMs
		}
	}
	return time.Duration(maxTime) * time.Millisecond
}

// Validate checks references and values before anything runs.
func (s *Scenario) Validate() []string {
	var errors []string

	ids := make(map[string]bool)
	for _, p := range s.Peers {
		if p.ID == "" {
			errors = append(errors, "Peer without id")
			continue
		}
		if ids[p.ID] {
			errors = append(errors, "Duplicate peer id: "+p.ID)
		}
		ids[p.ID] = true
		if _, err := bt.ParseAddress(p.Address); err != nil {
			errors = append(errors, fmt.Sprintf("Peer %s: %v", p.ID, err))
		}
		if p.Variant != "" {
			if _, ok := bt.ParsePairingVariant(p.Variant); !ok {
				errors = append(errors, fmt.Sprintf("Peer %s: unknown variant %q", p.ID, p.Variant))
			}
		}
		for _, name := range p.Profiles {
			if _, ok := bt.ParseProfile(name); !ok {
				errors = append(errors, fmt.Sprintf("Peer %s: unknown profile %q", p.ID, name))
			}
		}
	}

	for _, event := range s.Timeline {
		if event.TimeMs < 0 {
			errors = append(errors, fmt.Sprintf("Event %s at negative time", event.Action))
		}
		if deviceActions[event.Action] && !ids[event.Device] {
			errors = append(errors, fmt.Sprintf("Event %s references unknown device: %q", event.Action, event.Device))
		}
		if profileActions[event.Action] {
			if _, ok := bt.ParseProfile(event.Profile); !ok {
				errors = append(errors, fmt.Sprintf("Event %s has unknown profile %q", event.Action, event.Profile))
			}
		}
		switch event.Action {
		case ActionFailResult, ActionFailSubmit:
			if _, ok := radio.ParseCommandKind(event.Value); !ok {
				errors = append(errors, fmt.Sprintf("Event %s has unknown command %q", event.Action, event.Value))
			}
		case ActionSetScanMode:
			if _, ok := bt.ParseScanMode(event.Value); !ok {
				errors = append(errors, fmt.Sprintf("Event %s has unknown scan mode %q", event.Action, event.Value))
			}
		}
	}

	for _, a := range s.Assertions {
		if a.Device != "" && !ids[a.Device] {
			errors = append(errors, "Assertion references unknown device: "+a.Device)
		}
		if a.Type == AssertCommandCount {
			if _, ok := radio.ParseCommandKind(a.Kind); !ok {
				errors = append(errors, fmt.Sprintf("Assertion counts unknown command %q", a.Kind))
			}
		}
	}

	return errors
}
