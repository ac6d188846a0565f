package radio

import (
	"strings"
	"time"

	"github.com/user/bluecore/bt"
)

// CommandKind names a request the core sends down to the radio daemon.
type CommandKind int

const (
	CmdPrepare CommandKind = iota
	CmdLoadServiceRecords
	CmdSetPowered
	CmdSetScanMode
	CmdShutdown
	CmdCreateBond
	CmdCancelBond
	CmdRemoveBond
	CmdPairingReply
	CmdConnectProfile
	CmdDisconnectProfile
	CmdAuthorizeReply
	CmdSuspendSink
	CmdResumeSink
	CmdFetchProperties
	CmdSetTrusted
)

var commandNames = map[CommandKind]string{
	CmdPrepare:            "Prepare",
	CmdLoadServiceRecords: "LoadServiceRecords",
	CmdSetPowered:         "SetPowered",
	CmdSetScanMode:        "SetScanMode",
	CmdShutdown:           "Shutdown",
	CmdCreateBond:         "CreateBond",
	CmdCancelBond:         "CancelBond",
	CmdRemoveBond:         "RemoveBond",
	CmdPairingReply:       "PairingReply",
	CmdConnectProfile:     "ConnectProfile",
	CmdDisconnectProfile:  "DisconnectProfile",
	CmdAuthorizeReply:     "AuthorizeReply",
	CmdSuspendSink:        "SuspendSink",
	CmdResumeSink:         "ResumeSink",
	CmdFetchProperties:    "FetchProperties",
	CmdSetTrusted:         "SetTrusted",
}

func (k CommandKind) String() string {
	if n, ok := commandNames[k]; ok {
		return n
	}
	return "Unknown"
}

// ParseCommandKind is the inverse of CommandKind.String.
func ParseCommandKind(s string) (CommandKind, bool) {
	for k, n := range commandNames {
		if strings.EqualFold(n, s) {
			return k, true
		}
	}
	return 0, false
}

// Command is a fire-and-forget request. Only the fields relevant to Kind are set.
type Command struct {
	ID      bt.RequestID
	Kind    CommandKind
	Address bt.Address
	Profile bt.Profile

	// SetPowered, SetTrusted, AuthorizeReply, PairingReply confirmation.
	Enable bool

	// SetScanMode.
	ScanMode            bt.ScanMode
	DiscoverableTimeout time.Duration

	// CreateBond.
	Timeout time.Duration

	// PairingReply and AuthorizeReply answer the agent request ReplyTo.
	ReplyTo bt.RequestID
	Variant bt.PairingVariant
	Pin     string
	Passkey uint32
	Cancel  bool
}

// NewCommand fills in a fresh request id.
func NewCommand(kind CommandKind, addr bt.Address) Command {
	return Command{ID: bt.NewRequestID(), Kind: kind, Address: addr}
}
