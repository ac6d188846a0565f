package connpolicy

import (
	"testing"

	"github.com/user/bluecore/bt"
)

func TestCounters_FiresOnlyOnBoundaryCrossings(t *testing.T) {
	c := NewCounters()

	steps := []struct {
		old, new bt.ConnState
		fire     bool
	}{
		{bt.Disconnected, bt.Connected, true},  // first lane up
		{bt.Disconnected, bt.Connected, false}, // second lane up
		{bt.Connected, bt.Disconnected, false}, // first lane down, one remains
		{bt.Connected, bt.Disconnected, true},  // last lane down
	}

	fired := 0
	for i, s := range steps {
		got := c.Record(s.old, s.new)
		if got != s.fire {
			t.Errorf("Step %d (%s -> %s): expected fire=%v, got %v", i, s.old, s.new, s.fire, got)
		}
		if got {
			fired++
		}
	}
	if fired != 2 {
		t.Errorf("Expected exactly 2 aggregate events, got %d", fired)
	}
}

func TestCounters_InterleavedDevices(t *testing.T) {
	c := NewCounters()

	fires := []bool{
		c.Record(bt.Disconnected, bt.Connecting), // A connecting
		c.Record(bt.Disconnected, bt.Connecting), // B connecting
		c.Record(bt.Connecting, bt.Connected),    // A connected
		c.Record(bt.Connecting, bt.Connected),    // B connected
		c.Record(bt.Connected, bt.Disconnecting), // A disconnecting
		c.Record(bt.Disconnecting, bt.Disconnected),
		c.Record(bt.Connected, bt.Disconnecting), // B disconnecting
		c.Record(bt.Disconnecting, bt.Disconnected),
	}
	want := []bool{true, false, true, false, false, false, true, true}
	for i := range want {
		if fires[i] != want[i] {
			t.Errorf("Step %d: expected fire=%v, got %v", i, want[i], fires[i])
		}
	}

	cur, prev := c.State()
	if cur != bt.Disconnected || prev != bt.Disconnecting {
		t.Errorf("Expected DISCONNECTED after DISCONNECTING, got %s after %s", cur, prev)
	}
	if a, b, d := c.Counts(); a != 0 || b != 0 || d != 0 {
		t.Errorf("Expected all counters zero, got %d/%d/%d", a, b, d)
	}
}

func TestCounters_NoChangeNeverFires(t *testing.T) {
	c := NewCounters()
	if c.Record(bt.Connected, bt.Connected) {
		t.Error("Expected identical states not to fire")
	}
	if a, b, d := c.Counts(); a != 0 || b != 0 || d != 0 {
		t.Errorf("Expected counters untouched, got %d/%d/%d", a, b, d)
	}
}

func TestCounters_NeverNegative(t *testing.T) {
	c := NewCounters()
	// A disconnect reported for a lane the counters never saw.
	c.Record(bt.Connected, bt.Disconnected)
	if _, connected, _ := c.Counts(); connected != 0 {
		t.Errorf("Expected connected counter to stay at 0, got %d", connected)
	}
	if !c.Record(bt.Disconnected, bt.Connected) {
		t.Error("Expected first real connection to fire")
	}
}

func TestCounters_Reset(t *testing.T) {
	c := NewCounters()
	c.Record(bt.Disconnected, bt.Connected)
	c.Reset()
	if cur, _ := c.State(); cur != bt.Disconnected {
		t.Errorf("Expected DISCONNECTED after reset, got %s", cur)
	}
	if !c.Record(bt.Disconnected, bt.Connected) {
		t.Error("Expected connection after reset to fire again")
	}
}
