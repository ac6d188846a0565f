package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/user/bluecore/bt"
)

func dbusPath(s string) dbus.ObjectPath { return dbus.ObjectPath(s) }

func TestPaths_RoundTrip(t *testing.T) {
	adapter := AdapterPath("hci0")
	if adapter != "/org/bluez/hci0" {
		t.Fatalf("Expected /org/bluez/hci0, got %s", adapter)
	}

	addr := bt.Address("00:11:22:AA:BB:CC")
	path := DevicePath(adapter, addr)
	if path != "/org/bluez/hci0/dev_00_11_22_AA_BB_CC" {
		t.Errorf("Expected device path, got %s", path)
	}
	got, ok := AddressFromPath(path)
	if !ok || got != addr {
		t.Errorf("Expected %s, got %s (%v)", addr, got, ok)
	}
}

func TestPaths_AddressBelowDevice(t *testing.T) {
	got, ok := AddressFromPath("/org/bluez/hci1/dev_00_11_22_aa_bb_cc/sep1/fd0")
	if !ok || got != "00:11:22:AA:BB:CC" {
		t.Errorf("Expected transport path to resolve, got %s (%v)", got, ok)
	}
	for _, path := range []string{"/org/bluez/hci0", "/org/bluez/hci0/dev_nothex", "/"} {
		if _, ok := AddressFromPath(dbusPath(path)); ok {
			t.Errorf("Expected %s not to resolve", path)
		}
	}
}
