package props

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
)

// Well-known property keys, as reported by the radio daemon.
const (
	Name         = "Name"
	Alias        = "Alias"
	Class        = "Class"
	UUIDs        = "UUIDs"
	Paired       = "Paired"
	Trusted      = "Trusted"
	Connected    = "Connected"
	RSSI         = "RSSI"
	Powered      = "Powered"
	Discoverable = "Discoverable"
	Pairable     = "Pairable"
	AddressKey   = "Address"
)

// AdapterScope is the pseudo address used for adapter properties.
const AdapterScope = bt.Address("")

// Fetcher asks the radio for a full property snapshot of addr; AdapterScope
// selects the adapter. The answer arrives later through Load.
type Fetcher func(addr bt.Address)

type propertyMap = *xsync.MapOf[string, string]

// Cache is a read-through cache of adapter and remote device properties.
// Readers never block on the radio: a miss returns "unknown" and starts at
// most one refresh per address.
type Cache struct {
	entries    *xsync.MapOf[bt.Address, propertyMap]
	refreshing *xsync.MapOf[bt.Address, bool]
	fetch      Fetcher
}

// NewCache creates a cache that uses fetch to refresh misses.
func NewCache(fetch Fetcher) *Cache {
	return &Cache{
		entries:    xsync.NewMapOf[bt.Address, propertyMap](),
		refreshing: xsync.NewMapOf[bt.Address, bool](),
		fetch:      fetch,
	}
}

func (c *Cache) scope(addr bt.Address) propertyMap {
	m, _ := c.entries.LoadOrCompute(addr, func() propertyMap {
		return xsync.NewMapOf[string, string]()
	})
	return m
}

// Get returns the cached value. On a miss it triggers a refresh.
func (c *Cache) Get(addr bt.Address, key string) (string, bool) {
	if m, ok := c.entries.Load(addr); ok {
		if v, ok := m.Load(key); ok {
			return v, true
		}
	}
	c.Refresh(addr)
	return "", false
}

// Peek returns the cached value without triggering a refresh.
func (c *Cache) Peek(addr bt.Address, key string) (string, bool) {
	if m, ok := c.entries.Load(addr); ok {
		return m.Load(key)
	}
	return "", false
}

// Refresh requests a snapshot unless one is already in flight.
func (c *Cache) Refresh(addr bt.Address) {
	if c.fetch == nil {
		return
	}
	if _, inFlight := c.refreshing.LoadOrStore(addr, true); inFlight {
		return
	}
	logger.Trace("props", "refreshing properties of %q", addr)
	c.fetch(addr)
}

// RefreshFailed clears the in-flight marker so a later miss may retry.
func (c *Cache) RefreshFailed(addr bt.Address) {
	c.refreshing.Delete(addr)
}

// Refreshing reports whether a snapshot request is outstanding.
func (c *Cache) Refreshing(addr bt.Address) bool {
	_, ok := c.refreshing.Load(addr)
	return ok
}

// Set stores one property and reports whether the value changed.
func (c *Cache) Set(addr bt.Address, key, value string) bool {
	m := c.scope(addr)
	old, existed := m.LoadAndStore(key, value)
	return !existed || old != value
}

// Load merges a full snapshot and completes any in-flight refresh.
func (c *Cache) Load(addr bt.Address, values map[string]string) {
	m := c.scope(addr)
	for k, v := range values {
		m.Store(k, v)
	}
	c.refreshing.Delete(addr)
}

// Remove forgets every property of addr.
func (c *Cache) Remove(addr bt.Address) {
	c.entries.Delete(addr)
	c.refreshing.Delete(addr)
}

// Snapshot returns a copy of every cached property of addr.
func (c *Cache) Snapshot(addr bt.Address) map[string]string {
	out := make(map[string]string)
	if m, ok := c.entries.Load(addr); ok {
		m.Range(func(k, v string) bool {
			out[k] = v
			return true
		})
	}
	return out
}

// Devices lists every remote address with cached properties, sorted.
func (c *Cache) Devices() []bt.Address {
	var out []bt.Address
	c.entries.Range(func(addr bt.Address, _ propertyMap) bool {
		if addr != AdapterScope {
			out = append(out, addr)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bool reads a boolean property; ok is false when unknown.
func (c *Cache) Bool(addr bt.Address, key string) (value bool, ok bool) {
	v, ok := c.Peek(addr, key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// DeviceClass reads the class of device; ok is false when unknown.
func (c *Cache) DeviceClass(addr bt.Address) (bt.DeviceClass, bool) {
	v, ok := c.Peek(addr, Class)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
	if err != nil {
		return 0, false
	}
	return bt.DeviceClass(n), true
}

// ServiceUUIDs reads the comma separated UUID list; unparsable entries are skipped.
func (c *Cache) ServiceUUIDs(addr bt.Address) ([]uuid.UUID, bool) {
	v, ok := c.Peek(addr, UUIDs)
	if !ok {
		return nil, false
	}
	var out []uuid.UUID
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if u, err := bt.ParseServiceUUID(s); err == nil {
			out = append(out, u)
		}
	}
	return out, true
}

// DisplayName prefers Alias, then Name.
func (c *Cache) DisplayName(addr bt.Address) string {
	if v, ok := c.Peek(addr, Alias); ok && v != "" {
		return v
	}
	v, _ := c.Peek(addr, Name)
	return v
}
