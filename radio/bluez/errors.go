package bluez

import (
	"context"
	"errors"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"

	"github.com/user/bluecore/bt"
)

// BlueZ error names.
const (
	errAuthFailed    = "org.bluez.Error.AuthenticationFailed"
	errAuthRejected  = "org.bluez.Error.AuthenticationRejected"
	errAuthCanceled  = "org.bluez.Error.AuthenticationCanceled"
	errAuthTimeout   = "org.bluez.Error.AuthenticationTimeout"
	errAttemptFailed = "org.bluez.Error.ConnectionAttemptFailed"
	errAlreadyExists = "org.bluez.Error.AlreadyExists"
	errAlreadyConn   = "org.bluez.Error.AlreadyConnected"
	errDoesNotExist  = "org.bluez.Error.DoesNotExist"
	errFailed        = "org.bluez.Error.Failed"
	errRejected      = "org.bluez.Error.Rejected"
	errCanceled      = "org.bluez.Error.Canceled"
	errNotAvailable  = "org.bluez.Error.NotAvailable"
	errInProgress    = "org.bluez.Error.InProgress"
	errNoReply       = "org.freedesktop.DBus.Error.NoReply"
)

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) (string, bool) {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name, true
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name, true
	}
	return "", false
}

// bondOutcome maps the result of Device1.Pair to a bond outcome.
func bondOutcome(err error) bt.Outcome {
	if err == nil {
		return bt.OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bt.OutcomeAuthTimeout
	}
	name, ok := errorName(err)
	if !ok {
		return bt.OutcomeAuthFailed
	}
	switch name {
	case errAlreadyExists:
		return bt.OutcomeSuccess
	case errAuthRejected:
		return bt.OutcomeAuthRejected
	case errAuthCanceled:
		return bt.OutcomeAuthCanceled
	case errAuthTimeout, errNoReply:
		return bt.OutcomeAuthTimeout
	case errAttemptFailed, errDoesNotExist, errNotAvailable:
		return bt.OutcomeRemoteDown
	case errInProgress:
		return bt.OutcomeRepeatedAttempts
	case errFailed:
		if strings.Contains(strings.ToLower(errorText(err)), "timeout") {
			return bt.OutcomeRemoteDown
		}
	}
	return bt.OutcomeAuthFailed
}

// connectSucceeded treats "already in the requested state" as success.
func connectSucceeded(err error) bool {
	if err == nil {
		return true
	}
	name, _ := errorName(err)
	return name == errAlreadyConn
}

func errorText(err error) string {
	var v dbus.Error
	if errors.As(err, &v) && len(v.Body) > 0 {
		if s, ok := v.Body[0].(string); ok {
			return s
		}
	}
	return err.Error()
}

// wrap attaches call site metadata to a D-Bus failure.
func wrap(err error, at string, addr bt.Address, msg string) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(err,
		fctx.With(context.Background(),
			"error_at", at,
			"address", addr.String(),
		),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}
