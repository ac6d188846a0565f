package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/bluecore/bt"
)

// Duration is a time.Duration that reads and writes Go duration strings in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Timeouts groups every timer the control plane arms.
type Timeouts struct {
	PairingRequest    Duration `json:"pairing_request"`  // outgoing pairing waiting for a user reply
	IncomingPairing   Duration `json:"incoming_pairing"` // remote-initiated pairing waiting for a user reply
	BondCreate        Duration `json:"bond_create"`      // passed to the radio with CreateBond
	AutoPairInitDelay Duration `json:"auto_pair_init_delay"`
	AutoPairMaxDelay  Duration `json:"auto_pair_max_delay"`
	AgentCancelDelay  Duration `json:"agent_cancel_delay"`
	DeferredConnect   Duration `json:"deferred_connect"`
	PrepareRadio      Duration `json:"prepare_radio"`
	DevicesDisconnect Duration `json:"devices_disconnect"`
	TurnOff           Duration `json:"turn_off"`
}

// AutoPair controls automatic legacy PIN answers.
type AutoPair struct {
	DefaultPin string `json:"default_pin"`

	// Addresses (prefixes) and names of devices known to reject the default PIN.
	AddressBlacklist     []string `json:"address_blacklist"`
	ExactNameBlacklist   []string `json:"exact_name_blacklist"`
	PartialNameBlacklist []string `json:"partial_name_blacklist"`

	// Keyboards that only accept the default PIN.
	FixedPinZerosKeyboards []string `json:"fixed_pin_zeros_keyboards"`
}

// Airplane describes how the radio reacts to airplane mode.
type Airplane struct {
	Sensitive  bool `json:"sensitive"`
	Toggleable bool `json:"toggleable"`
}

// Config is the complete control plane configuration.
type Config struct {
	Timeouts Timeouts `json:"timeouts"`
	AutoPair AutoPair `json:"auto_pair"`

	// Address prefixes of devices that misbehave when auto-connected.
	AvoidAutoConnect       []string `json:"avoid_auto_connect"`
	EnabledProfiles        []string `json:"enabled_profiles"`
	Airplane               Airplane `json:"airplane"`
	AllowIncomingTethering bool     `json:"allow_incoming_tethering"`
	DiscoverableTimeout    Duration `json:"discoverable_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	c := Config{
		Timeouts: Timeouts{
			PairingRequest:    Duration(60 * time.Second),
			IncomingPairing:   Duration(25 * time.Second),
			BondCreate:        Duration(60 * time.Second),
			AutoPairInitDelay: Duration(3 * time.Second),
			AutoPairMaxDelay:  Duration(12 * time.Second),
			AgentCancelDelay:  Duration(1500 * time.Millisecond),
			DeferredConnect:   Duration(4 * time.Second),
			PrepareRadio:      Duration(10 * time.Second),
			DevicesDisconnect: Duration(3 * time.Second),
			TurnOff:           Duration(5 * time.Second),
		},
		AutoPair: AutoPair{
			DefaultPin:           "0000",
			PartialNameBlacklist: []string{"BMW", "Audi"},
			ExactNameBlacklist:   []string{"Motorola IHF1000", "i.TechBlueBAND", "X5 Stereo v1.3", "KML_CAN"},
		},
		EnabledProfiles:        []string{"voice", "media", "hid", "pan", "health"},
		Airplane:               Airplane{Sensitive: true, Toggleable: false},
		AllowIncomingTethering: false,
		DiscoverableTimeout:    Duration(120 * time.Second),
	}
	return c
}

// Load overlays the JSON file at path on the defaults. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Default(), fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	for _, name := range c.EnabledProfiles {
		if _, ok := bt.ParseProfile(name); !ok {
			return Default(), fmt.Errorf("unknown profile %q in enabled_profiles", name)
		}
	}
	return c, nil
}

// Profiles returns the enabled lanes in configuration order.
func (c Config) Profiles() []bt.Profile {
	profiles := make([]bt.Profile, 0, len(c.EnabledProfiles))
	for _, name := range c.EnabledProfiles {
		if p, ok := bt.ParseProfile(name); ok {
			profiles = append(profiles, p)
		}
	}
	return profiles
}

// ProfileEnabled reports whether p is among the enabled lanes.
func (c Config) ProfileEnabled(p bt.Profile) bool {
	for _, e := range c.Profiles() {
		if e == p {
			return true
		}
	}
	return false
}

// AirplaneBlocks reports whether airplane mode switches the radio off.
func (c Config) AirplaneBlocks() bool {
	return c.Airplane.Sensitive && !c.Airplane.Toggleable
}

// DataDir returns the directory holding persisted settings.
func DataDir() string {
	if envDir := os.Getenv("BLUECORE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bluecore")
	}
	return filepath.Join(home, ".bluecore")
}
