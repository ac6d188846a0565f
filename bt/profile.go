package bt

import (
	"strings"

	"github.com/google/uuid"
)

// Profile identifies one connection lane of a remote device.
type Profile int

const (
	ProfileVoice Profile = iota
	ProfileMedia
	ProfileHID
	ProfilePAN
	ProfileHealth
)

// Profiles lists every profile in lane order.
var Profiles = []Profile{ProfileVoice, ProfileMedia, ProfileHID, ProfilePAN, ProfileHealth}

// NumProfiles is the number of lanes per device.
const NumProfiles = 5

func (p Profile) String() string {
	switch p {
	case ProfileVoice:
		return "voice"
	case ProfileMedia:
		return "media"
	case ProfileHID:
		return "hid"
	case ProfilePAN:
		return "pan"
	case ProfileHealth:
		return "health"
	}
	return "unknown"
}

// Valid reports whether p names a known lane.
func (p Profile) Valid() bool {
	return p >= ProfileVoice && p <= ProfileHealth
}

// Exclusive profiles may be active on at most one device at a time.
func (p Profile) Exclusive() bool {
	return p == ProfileVoice || p == ProfileMedia
}

// ParseProfile accepts the lane name or the common profile acronym.
func ParseProfile(s string) (Profile, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice", "hfp", "hsp", "headset":
		return ProfileVoice, true
	case "media", "a2dp":
		return ProfileMedia, true
	case "hid", "input":
		return ProfileHID, true
	case "pan", "nap", "panu":
		return ProfilePAN, true
	case "health", "hdp":
		return ProfileHealth, true
	}
	return 0, false
}

func sig(short uint32) uuid.UUID {
	u := uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")
	u[0] = byte(short >> 24)
	u[1] = byte(short >> 16)
	u[2] = byte(short >> 8)
	u[3] = byte(short)
	return u
}

// Remote service UUIDs used when initiating a profile connection.
var remoteUUIDs = [NumProfiles]uuid.UUID{
	ProfileVoice:  sig(0x111e), // Handsfree
	ProfileMedia:  sig(0x110b), // AudioSink
	ProfileHID:    sig(0x1124),
	ProfilePAN:    sig(0x1116), // NAP
	ProfileHealth: sig(0x1400),
}

// Local service UUIDs a remote may ask authorization for.
var serviceProfiles = map[uuid.UUID]Profile{
	sig(0x1108): ProfileVoice, // Headset
	sig(0x1112): ProfileVoice, // Headset AG
	sig(0x111e): ProfileVoice, // Handsfree
	sig(0x111f): ProfileVoice, // Handsfree AG
	sig(0x110a): ProfileMedia, // AudioSource
	sig(0x110b): ProfileMedia, // AudioSink
	sig(0x110c): ProfileMedia, // AV remote control target
	sig(0x110d): ProfileMedia, // Advanced audio distribution
	sig(0x110e): ProfileMedia, // AV remote control
	sig(0x1124): ProfileHID,
	sig(0x000f): ProfilePAN, // BNEP
	sig(0x1115): ProfilePAN, // PANU
	sig(0x1116): ProfilePAN, // NAP
	sig(0x1117): ProfilePAN, // GN
	sig(0x1400): ProfileHealth,
	sig(0x1401): ProfileHealth, // HDP source
	sig(0x1402): ProfileHealth, // HDP sink
}

// UUID returns the remote service UUID used to connect the lane.
func (p Profile) UUID() uuid.UUID {
	if !p.Valid() {
		return uuid.Nil
	}
	return remoteUUIDs[p]
}

// ProfileForUUID maps a service UUID to the lane it belongs to.
func ProfileForUUID(u uuid.UUID) (Profile, bool) {
	p, ok := serviceProfiles[u]
	return p, ok
}

// ProfileForUUIDString parses a textual UUID (full or 16-bit short form).
func ProfileForUUIDString(s string) (Profile, bool) {
	u, err := ParseServiceUUID(s)
	if err != nil {
		return 0, false
	}
	return ProfileForUUID(u)
}

// ParseServiceUUID accepts a full UUID or a 4-hex-digit SIG short form.
func ParseServiceUUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 {
		s = "0000" + s + "-0000-1000-8000-00805f9b34fb"
	}
	return uuid.Parse(s)
}
