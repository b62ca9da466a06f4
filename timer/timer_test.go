package timer

import (
	"testing"
	"time"
)

func TestFireInDeadlineOrder(t *testing.T) {
	s := New()
	var fired []int
	s.Start(1, 30*time.Millisecond, func() { fired = append(fired, 1) })
	s.Start(2, 10*time.Millisecond, func() { fired = append(fired, 2) })
	s.Start(3, 20*time.Millisecond, func() { fired = append(fired, 3) })

	time.Sleep(50 * time.Millisecond)
	s.Advance()
	if len(fired) != 3 || fired[0] != 2 || fired[1] != 3 || fired[2] != 1 {
		t.Fatalf("fired = %v, want [2 3 1]", fired)
	}
	if _, ok := s.Next(); ok {
		t.Error("no timer should remain armed")
	}
}

func TestCancelSuppressesExpiredEntry(t *testing.T) {
	s := New()
	fired := false
	s.Start(1, time.Millisecond, func() { fired = true })
	time.Sleep(5 * time.Millisecond)
	// expired but not yet delivered: Cancel must still suppress it
	s.Cancel(1)
	s.Advance()
	if fired {
		t.Error("cancelled timer fired")
	}
}

func TestRestartKeepsCallbackAndSupersedes(t *testing.T) {
	s := New()
	count := 0
	s.Start(1, time.Millisecond, func() { count++ })
	s.Restart(1, 30*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	s.Advance() // original deadline passed, but the entry is stale
	if count != 0 {
		t.Fatal("superseded entry fired")
	}
	time.Sleep(40 * time.Millisecond)
	s.Advance()
	if count != 1 {
		t.Fatalf("restarted timer fired %d times, want 1", count)
	}
}

func TestRestartUnknownKeyIsNoop(t *testing.T) {
	s := New()
	s.Restart(9, time.Millisecond)
	if s.Active(9) {
		t.Error("Restart armed a key that was never started")
	}
}

func TestNextReflectsEarliestDeadline(t *testing.T) {
	s := New()
	if _, ok := s.Next(); ok {
		t.Fatal("empty service reports an armed timer")
	}
	s.Start(1, time.Hour, func() {})
	s.Start(2, 10*time.Millisecond, func() {})
	d, ok := s.Next()
	if !ok || d > 10*time.Millisecond {
		t.Fatalf("Next = %v, %v; want <= 10ms", d, ok)
	}
	s.Cancel(2)
	d, ok = s.Next()
	if !ok || d < time.Minute {
		t.Fatalf("Next after cancel = %v, %v; want the 1h timer", d, ok)
	}
}

func TestCallbackMayRearm(t *testing.T) {
	s := New()
	count := 0
	var rearm func()
	rearm = func() {
		count++
		if count < 3 {
			s.Start(1, time.Millisecond, rearm)
		}
	}
	s.Start(1, time.Millisecond, rearm)
	for i := 0; i < 3; i++ {
		time.Sleep(3 * time.Millisecond)
		s.Advance()
	}
	if count != 3 {
		t.Fatalf("re-arming callback ran %d times, want 3", count)
	}
}
