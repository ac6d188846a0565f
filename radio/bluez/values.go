package bluez

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/props"
)

// formatValue renders a D-Bus property value in the string form the
// property cache stores.
func formatValue(v interface{}) string {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case int16:
		return strconv.Itoa(int(x))
	case []string:
		return strings.Join(x, ",")
	case dbus.ObjectPath:
		return string(x)
	}
	return fmt.Sprint(v)
}

// stringValues converts a property map, skipping values nothing reads.
func stringValues(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		switch v.(type) {
		case map[uint16]dbus.Variant, map[string]dbus.Variant:
			continue
		}
		out[k] = formatValue(v)
	}
	return out
}

func paired(values map[string]string) bool {
	ok, _ := strconv.ParseBool(values[props.Paired])
	return ok
}

// transportPlaying reports whether a MediaTransport1 State means audio is
// flowing.
func transportPlaying(state string) bool {
	return state == "active"
}

// addressOf prefers the Address property and falls back to the path.
func addressOf(values map[string]string, path dbus.ObjectPath) (bt.Address, bool) {
	if s, ok := values[props.AddressKey]; ok {
		if addr, err := bt.ParseAddress(s); err == nil {
			return addr, true
		}
	}
	return AddressFromPath(path)
}
