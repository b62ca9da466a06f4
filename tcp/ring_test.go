package tcp

import (
	"bytes"
	"testing"
	"time"
)

func TestRingWrapAround(t *testing.T) {
	rb := newRing(8)
	if n := rb.Write([]byte("abcdef")); n != 6 {
		t.Fatalf("wrote %d, want 6", n)
	}
	out := make([]byte, 4)
	if n := rb.Read(out); n != 4 || string(out) != "abcd" {
		t.Fatalf("read %d %q", n, out)
	}
	// wraps: positions 6,7,0,1
	if n := rb.Write([]byte("ghij")); n != 4 {
		t.Fatalf("wrote %d, want 4", n)
	}
	if rb.Len() != 6 || rb.Free() != 2 {
		t.Fatalf("Len=%d Free=%d", rb.Len(), rb.Free())
	}
	out = make([]byte, 6)
	if n := rb.Read(out); n != 6 || string(out) != "efghij" {
		t.Fatalf("read %d %q", n, out)
	}
}

func TestRingPartialWrite(t *testing.T) {
	rb := newRing(4)
	if n := rb.Write(bytes.Repeat([]byte{1}, 10)); n != 4 {
		t.Fatalf("wrote %d into a 4-byte ring", n)
	}
	if n := rb.Write([]byte{2}); n != 0 {
		t.Fatalf("wrote %d into a full ring", n)
	}
}

func TestRTTEstimator(t *testing.T) {
	e := newRTTEstimator(Config{}.withDefaults())
	if e.RTO() != DefaultRTOInitial {
		t.Fatalf("initial RTO = %v", e.RTO())
	}
	e.sample(100 * time.Millisecond)
	// first sample: SRTT = R, RTTVAR = R/2, RTO = SRTT + 4*RTTVAR
	if e.RTO() != 300*time.Millisecond {
		t.Errorf("RTO after first sample = %v, want 300ms", e.RTO())
	}
	e.sample(100 * time.Millisecond)
	// identical samples shrink the variance
	if e.RTO() >= 300*time.Millisecond || e.RTO() < DefaultRTOMin {
		t.Errorf("RTO after steady samples = %v", e.RTO())
	}
	before := e.RTO()
	e.backoff()
	if e.RTO() != 2*before {
		t.Errorf("backoff: %v -> %v, want doubling", before, e.RTO())
	}
	// clamping
	for i := 0; i < 20; i++ {
		e.backoff()
	}
	if e.RTO() != DefaultRTOMax {
		t.Errorf("RTO never clamped to max: %v", e.RTO())
	}
	e2 := newRTTEstimator(Config{}.withDefaults())
	e2.sample(time.Microsecond)
	if e2.RTO() != DefaultRTOMin {
		t.Errorf("tiny samples must clamp to RTOMin, got %v", e2.RTO())
	}
}
