package bt

// ConnState is the connection state of a single profile lane.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	}
	return "UNKNOWN"
}

// Transitional reports whether the lane is between stable states.
func (s ConnState) Transitional() bool {
	return s == Connecting || s == Disconnecting
}

// BondState is the pairing relationship with a remote device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "NONE"
	case BondBonding:
		return "BONDING"
	case BondBonded:
		return "BONDED"
	}
	return "UNKNOWN"
}

// AdapterState is the externally visible power state of the local adapter.
type AdapterState int

const (
	AdapterOff AdapterState = iota
	AdapterTurningOn
	AdapterOn
	AdapterTurningOff
)

func (s AdapterState) String() string {
	switch s {
	case AdapterOff:
		return "OFF"
	case AdapterTurningOn:
		return "TURNING_ON"
	case AdapterOn:
		return "ON"
	case AdapterTurningOff:
		return "TURNING_OFF"
	}
	return "UNKNOWN"
}

// ScanMode describes whether the adapter accepts connections and is
// visible to inquiry.
type ScanMode int

const (
	ScanNone ScanMode = iota
	ScanConnectable
	ScanConnectableDiscoverable
)

func (m ScanMode) String() string {
	switch m {
	case ScanNone:
		return "NONE"
	case ScanConnectable:
		return "CONNECTABLE"
	case ScanConnectableDiscoverable:
		return "CONNECTABLE_DISCOVERABLE"
	}
	return "UNKNOWN"
}

// ParseScanMode is the inverse of ScanMode.String.
func ParseScanMode(s string) (ScanMode, bool) {
	for _, m := range []ScanMode{ScanNone, ScanConnectable, ScanConnectableDiscoverable} {
		if m.String() == s {
			return m, true
		}
	}
	return ScanNone, false
}

// PairingVariant is the kind of user interaction a pairing request needs.
type PairingVariant int

const (
	VariantConsent PairingVariant = iota
	VariantPasskeyConfirmation
	VariantPasskeyEntry
	VariantPinEntry
	VariantDisplayPasskey
	VariantDisplayPin
	VariantOOBConsent
)

func (v PairingVariant) String() string {
	switch v {
	case VariantConsent:
		return "CONSENT"
	case VariantPasskeyConfirmation:
		return "PASSKEY_CONFIRMATION"
	case VariantPasskeyEntry:
		return "PASSKEY"
	case VariantPinEntry:
		return "PIN"
	case VariantDisplayPasskey:
		return "DISPLAY_PASSKEY"
	case VariantDisplayPin:
		return "DISPLAY_PIN"
	case VariantOOBConsent:
		return "OOB_CONSENT"
	}
	return "UNKNOWN"
}

// ParsePairingVariant is the inverse of PairingVariant.String.
func ParsePairingVariant(s string) (PairingVariant, bool) {
	for v := VariantConsent; v <= VariantOOBConsent; v++ {
		if v.String() == s {
			return v, true
		}
	}
	return VariantConsent, false
}

// NeedsReply reports whether the radio is blocked waiting for a user answer.
func (v PairingVariant) NeedsReply() bool {
	return v != VariantDisplayPasskey && v != VariantDisplayPin
}

// Outcome is the reason attached to a bond result or bond state change.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailed
	OutcomeAuthRejected
	OutcomeAuthCanceled
	OutcomeAuthTimeout
	OutcomeRemoteDown
	OutcomeRemoteAuthCanceled
	OutcomeRepeatedAttempts
	OutcomeRemoved
)

// OutcomeCanceled is the reason recorded for local cancellation.
const OutcomeCanceled = OutcomeAuthCanceled

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeAuthFailed:
		return "AUTH_FAILED"
	case OutcomeAuthRejected:
		return "AUTH_REJECTED"
	case OutcomeAuthCanceled:
		return "AUTH_CANCELED"
	case OutcomeAuthTimeout:
		return "AUTH_TIMEOUT"
	case OutcomeRemoteDown:
		return "REMOTE_DEVICE_DOWN"
	case OutcomeRemoteAuthCanceled:
		return "REMOTE_AUTH_CANCELED"
	case OutcomeRepeatedAttempts:
		return "REPEATED_ATTEMPTS"
	case OutcomeRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}

// Connection priorities stored per (device, profile).
const (
	PriorityUndefined   = -1
	PriorityOff         = 0
	PriorityOn          = 100
	PriorityAutoConnect = 1000
)
