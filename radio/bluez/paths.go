package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/user/bluecore/bt"
)

const (
	service      = "org.bluez"
	rootPath     = dbus.ObjectPath("/org/bluez")
	devicePrefix = "dev_"
)

// DevicePath returns the object path BlueZ uses for addr under adapter,
// e.g. /org/bluez/hci0/dev_00_11_22_33_44_55.
func DevicePath(adapter dbus.ObjectPath, addr bt.Address) dbus.ObjectPath {
	return adapter + "/" + devicePrefix + dbus.ObjectPath(strings.ReplaceAll(string(addr), ":", "_"))
}

// AddressFromPath extracts the device address from a device path or any
// path below it (media transports, players).
func AddressFromPath(path dbus.ObjectPath) (bt.Address, bool) {
	for _, part := range strings.Split(string(path), "/") {
		if !strings.HasPrefix(part, devicePrefix) {
			continue
		}
		addr, err := bt.ParseAddress(strings.ReplaceAll(strings.TrimPrefix(part, devicePrefix), "_", ":"))
		if err != nil {
			return "", false
		}
		return addr, true
	}
	return "", false
}

// AdapterPath returns /org/bluez/<id>.
func AdapterPath(id string) dbus.ObjectPath {
	return rootPath + "/" + dbus.ObjectPath(id)
}
