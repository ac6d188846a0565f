package sched

import (
	"testing"
	"time"

	"github.com/user/bluecore/bt"
)

// inline runs posted closures immediately.
func inline(fn func()) { fn() }

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	var order []int
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clock.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := clock.AfterFunc(time.Second, func() { order = append(order, 99) })
	stopped.Stop()

	clock.Advance(1500 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("Expected only the 1s timer to fire, got %v", order)
	}
	clock.Advance(time.Second)
	if len(order) != 2 || order[1] != 2 {
		t.Errorf("Expected the 2s timer to fire next, got %v", order)
	}
	if clock.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", clock.Pending())
	}
}

func TestFake_TimerArmedDuringAdvance(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	fired := false
	clock.AfterFunc(time.Second, func() {
		clock.AfterFunc(time.Second, func() { fired = true })
	})
	clock.Advance(3 * time.Second)
	if !fired {
		t.Error("Expected timer armed by a callback to fire within the same advance")
	}
}

func TestTimers_RescheduleCancelsPrior(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	timers := NewTimers(clock, inline)
	key := Key{Address: bt.Address("00:11:22:33:44:55"), Purpose: "pairing-timeout"}

	calls := 0
	timers.Schedule(key, time.Second, func() { calls += 10 })
	timers.Schedule(key, 2*time.Second, func() { calls++ })

	clock.Advance(5 * time.Second)
	if calls != 1 {
		t.Errorf("Expected only the replacement timer to fire once, got %d", calls)
	}
	if timers.Armed(key) {
		t.Error("Expected key to be disarmed after firing")
	}
}

func TestTimers_StaleExpiryDropped(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	var queued []func()
	timers := NewTimers(clock, func(fn func()) { queued = append(queued, fn) })
	key := Key{Purpose: "prepare"}

	calls := 0
	timers.Schedule(key, time.Second, func() { calls++ })
	clock.Advance(time.Second) // expiry queued but not yet run
	timers.Cancel(key)

	for _, fn := range queued {
		fn()
	}
	if calls != 0 {
		t.Errorf("Expected cancelled expiry to be dropped, got %d calls", calls)
	}
}

func TestTimers_CancelAddress(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	timers := NewTimers(clock, inline)
	a := bt.Address("00:11:22:33:44:55")
	b := bt.Address("66:77:88:99:AA:BB")

	calls := 0
	timers.Schedule(Key{a, "x"}, time.Second, func() { calls += 100 })
	timers.Schedule(Key{a, "y"}, time.Second, func() { calls += 100 })
	timers.Schedule(Key{b, "x"}, time.Second, func() { calls++ })

	if n := timers.CancelAddress(a); n != 2 {
		t.Errorf("Expected 2 timers cancelled, got %d", n)
	}
	clock.Advance(time.Second)
	if calls != 1 {
		t.Errorf("Expected only the other device's timer, got %d", calls)
	}
}

func TestTimers_CancelAddressByPurpose(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	timers := NewTimers(clock, inline)
	a := bt.Address("00:11:22:33:44:55")

	timers.Schedule(Key{a, "deferred"}, time.Second, func() {})
	timers.Schedule(Key{a, "deferred/media"}, time.Second, func() {})
	timers.Schedule(Key{a, "deferred-other"}, time.Second, func() {})
	timers.Schedule(Key{a, "timeout"}, time.Second, func() {})

	if n := timers.CancelAddress(a, "deferred"); n != 2 {
		t.Errorf("Expected 2 timers cancelled, got %d", n)
	}
	for _, purpose := range []string{"deferred-other", "timeout"} {
		if !timers.Armed(Key{a, purpose}) {
			t.Errorf("Expected %s to stay armed", purpose)
		}
	}
}
