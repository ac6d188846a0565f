package sink

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/bluecore/bt"
)

// Kind names a notification delivered to the UI or broadcast layer.
type Kind string

const (
	KindAdapterState      Kind = "adapter_state"
	KindScanMode          Kind = "scan_mode"
	KindBondState         Kind = "bond_state"
	KindPairingRequest    Kind = "pairing_request"
	KindPairingCanceled   Kind = "pairing_canceled"
	KindProfileState      Kind = "profile_state"
	KindAggregateState    Kind = "aggregate_state"
	KindPlayingState      Kind = "playing_state"
	KindDeviceFound       Kind = "device_found"
	KindDeviceDisappeared Kind = "device_disappeared"
	KindDeviceRemoved     Kind = "device_removed"
	KindNameChanged       Kind = "name_changed"
)

// Notification is one outbound event. Only the fields relevant to Kind are set.
type Notification struct {
	Kind    Kind
	Address bt.Address
	Time    time.Time

	// adapter_state
	AdapterState     bt.AdapterState
	PrevAdapterState bt.AdapterState

	// scan_mode
	ScanMode bt.ScanMode

	// bond_state
	BondState     bt.BondState
	PrevBondState bt.BondState
	Reason        bt.Outcome

	// pairing_request
	Variant bt.PairingVariant
	Passkey uint32
	Pin     string

	// profile_state, aggregate_state (Profile unset), playing_state
	Profile       bt.Profile
	ConnState     bt.ConnState
	PrevConnState bt.ConnState
	Playing       bool

	// device_found, name_changed
	Name   string
	Values map[string]string
}

func (n Notification) String() string {
	switch n.Kind {
	case KindAdapterState:
		return fmt.Sprintf("%s %s -> %s", n.Kind, n.PrevAdapterState, n.AdapterState)
	case KindScanMode:
		return fmt.Sprintf("%s %s", n.Kind, n.ScanMode)
	case KindBondState:
		return fmt.Sprintf("%s %s %s -> %s (%s)", n.Kind, n.Address, n.PrevBondState, n.BondState, n.Reason)
	case KindPairingRequest:
		return fmt.Sprintf("%s %s %s", n.Kind, n.Address, n.Variant)
	case KindProfileState:
		return fmt.Sprintf("%s %s %s %s -> %s", n.Kind, n.Address, n.Profile, n.PrevConnState, n.ConnState)
	case KindAggregateState:
		return fmt.Sprintf("%s %s -> %s", n.Kind, n.PrevConnState, n.ConnState)
	case KindPlayingState:
		return fmt.Sprintf("%s %s playing=%v", n.Kind, n.Address, n.Playing)
	}
	return fmt.Sprintf("%s %s", n.Kind, n.Address)
}

// Struct renders the notification as a protobuf Struct for JSON transports.
func (n Notification) Struct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"kind": string(n.Kind),
	}
	if n.Address != "" {
		fields["address"] = string(n.Address)
	}
	if !n.Time.IsZero() {
		fields["time"] = n.Time.UTC().Format(time.RFC3339Nano)
	}

	switch n.Kind {
	case KindAdapterState:
		fields["state"] = n.AdapterState.String()
		fields["previous"] = n.PrevAdapterState.String()
	case KindScanMode:
		fields["mode"] = n.ScanMode.String()
	case KindBondState:
		fields["state"] = n.BondState.String()
		fields["previous"] = n.PrevBondState.String()
		if n.BondState == bt.BondNone {
			fields["reason"] = n.Reason.String()
		}
	case KindPairingRequest:
		fields["variant"] = n.Variant.String()
		switch n.Variant {
		case bt.VariantPasskeyConfirmation, bt.VariantDisplayPasskey:
			fields["passkey"] = fmt.Sprintf("%06d", n.Passkey)
		case bt.VariantDisplayPin:
			fields["pin"] = n.Pin
		}
	case KindProfileState:
		fields["profile"] = n.Profile.String()
		fields["state"] = n.ConnState.String()
		fields["previous"] = n.PrevConnState.String()
	case KindAggregateState:
		fields["state"] = n.ConnState.String()
		fields["previous"] = n.PrevConnState.String()
	case KindPlayingState:
		fields["playing"] = n.Playing
	case KindDeviceFound, KindNameChanged:
		if n.Name != "" {
			fields["name"] = n.Name
		}
		if len(n.Values) > 0 {
			values := make(map[string]interface{}, len(n.Values))
			for k, v := range n.Values {
				values[k] = v
			}
			fields["properties"] = values
		}
	}
	return structpb.NewStruct(fields)
}

// MarshalJSON encodes the notification with protojson.
func (n Notification) MarshalJSON() ([]byte, error) {
	s, err := n.Struct()
	if err != nil {
		return nil, fmt.Errorf("failed to build notification struct: %w", err)
	}
	return protojson.Marshal(s)
}
