package pairing

import (
	"strings"

	"github.com/user/bluecore/bt"
)

// autoPin decides whether a PIN request can be answered without the user.
// Outgoing bonds to headset-class devices get the default PIN once; keyboards
// on the fixed-PIN list always get it.
func (c *Coordinator) autoPin(addr bt.Address, incoming bool) (string, bool) {
	ap := c.cfg.AutoPair
	if addr.HasAnyPrefix(ap.FixedPinZerosKeyboards) {
		return ap.DefaultPin, true
	}
	if incoming || c.bonds.AutoPairFailed(addr) {
		return "", false
	}
	class, ok := c.props.DeviceClass(addr)
	if !ok || !class.IsAudioSink() {
		return "", false
	}
	if c.autoPairBlacklisted(addr) {
		return "", false
	}
	c.bonds.Attempt(addr)
	return ap.DefaultPin, true
}

func (c *Coordinator) autoPairBlacklisted(addr bt.Address) bool {
	ap := c.cfg.AutoPair
	if addr.HasAnyPrefix(ap.AddressBlacklist) {
		return true
	}
	name := c.props.DisplayName(addr)
	if name == "" {
		return false
	}
	for _, n := range ap.ExactNameBlacklist {
		if name == n {
			return true
		}
	}
	for _, n := range ap.PartialNameBlacklist {
		if n != "" && strings.Contains(name, n) {
			return true
		}
	}
	return false
}
