package radio

import (
	"github.com/google/uuid"

	"github.com/user/bluecore/bt"
)

// Event is something the radio daemon reports upward. The set is closed.
type Event interface {
	event()
}

// PropertyChanged reports one adapter (Address == "") or device property.
type PropertyChanged struct {
	Address bt.Address
	Key     string
	Value   string
}

// PropertiesLoaded answers a FetchProperties command.
type PropertiesLoaded struct {
	Address bt.Address
	Values  map[string]string
}

// DeviceFound reports a device seen during inquiry.
type DeviceFound struct {
	Address bt.Address
	Values  map[string]string
}

// DeviceDisappeared reports a device no longer seen during inquiry.
type DeviceDisappeared struct {
	Address bt.Address
}

// DeviceCreated reports the daemon created a device object.
type DeviceCreated struct {
	Address bt.Address
}

// DeviceRemoved reports the daemon dropped a device object and its bond.
type DeviceRemoved struct {
	Address bt.Address
}

// PairingRequest asks the user to take part in pairing. Reply with a
// PairingReply command whose ReplyTo is ID.
type PairingRequest struct {
	ID      bt.RequestID
	Address bt.Address
	Variant bt.PairingVariant
	Passkey uint32
	Pin     string
}

// PairingCanceled reports that the remote or daemon aborted the agent request.
type PairingCanceled struct {
	Address bt.Address
}

// BondResult is the final outcome of a bonding procedure.
type BondResult struct {
	Address bt.Address
	Outcome bt.Outcome
}

// ConnectResult completes a ConnectProfile or DisconnectProfile command.
type ConnectResult struct {
	ID      bt.RequestID
	Address bt.Address
	Profile bt.Profile
	Connect bool
	Success bool
}

// CommandResult completes any other command.
type CommandResult struct {
	ID      bt.RequestID
	Kind    CommandKind
	Address bt.Address
	Err     error
}

// ProfileStateChanged is an unsolicited lane change reported by the daemon.
type ProfileStateChanged struct {
	Address bt.Address
	Profile bt.Profile
	State   bt.ConnState
}

// AuthorizeRequest asks whether a remote may connect to a local service.
// Reply with an AuthorizeReply command whose ReplyTo is ID.
type AuthorizeRequest struct {
	ID      bt.RequestID
	Address bt.Address
	Service uuid.UUID
}

// PlayingChanged reports the media stream starting or stopping.
type PlayingChanged struct {
	Address bt.Address
	Playing bool
}

// ServiceRecordsLoaded reports that local service records are registered.
type ServiceRecordsLoaded struct{}

// PoweredChanged reports the adapter's radio power.
type PoweredChanged struct {
	On bool
}

func (PropertyChanged) event()      {}
func (PropertiesLoaded) event()     {}
func (DeviceFound) event()          {}
func (DeviceDisappeared) event()    {}
func (DeviceCreated) event()        {}
func (DeviceRemoved) event()        {}
func (PairingRequest) event()       {}
func (PairingCanceled) event()      {}
func (BondResult) event()           {}
func (ConnectResult) event()        {}
func (CommandResult) event()        {}
func (ProfileStateChanged) event()  {}
func (AuthorizeRequest) event()     {}
func (PlayingChanged) event()       {}
func (ServiceRecordsLoaded) event() {}
func (PoweredChanged) event()       {}
