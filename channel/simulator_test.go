package channel

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"rdt-tcp-pa/packet"
)

func recvAll(t *testing.T, ch Channel, wait time.Duration) [][]byte {
	t.Helper()
	var out [][]byte
	deadline := time.Now().Add(wait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return out
		}
		frame, _, err := ch.Recv(remain)
		if err != nil {
			return out
		}
		out = append(out, frame)
	}
}

func TestSimConfigValidation(t *testing.T) {
	bad := []SimConfig{
		{PLoss: -0.1},
		{PCorrupt: 1.5},
		{PDuplicate: 2},
		{PReorder: -1},
		{DelayMinMS: 50, DelayMaxMS: 10},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("config %+v validated", cfg)
		}
	}
	if err := (SimConfig{PLoss: 0.5, DelayMinMS: 1, DelayMaxMS: 5}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestSeededLossIsReproducible(t *testing.T) {
	run := func() []string {
		a, b := Pair()
		defer a.Close()
		defer b.Close()
		sim, err := NewSimulator(a, SimConfig{PLoss: 0.5, Seed: 42})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 50; i++ {
			sim.Send([]byte(fmt.Sprintf("f%d", i)), b.LocalAddr())
		}
		var got []string
		for _, f := range recvAll(t, b, 100*time.Millisecond) {
			got = append(got, string(f))
		}
		return got
	}
	first, second := run(), run()
	if len(first) == 0 || len(first) == 50 {
		t.Fatalf("p=0.5 over 50 frames delivered %d; the RNG looks wrong", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("same seed delivered %d then %d frames", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestCorruptionIsDetectedByCodec(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()
	sim, err := NewSimulator(a, SimConfig{PCorrupt: 1, Seed: 7})
	if err != nil {
		t.Fatal(err)
	}
	frame := packet.Encode(packet.Packet{Kind: packet.DATA, Seq: 1, Payload: []byte("payload")})
	sim.Send(frame, b.LocalAddr())
	got, _, err := b.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(got, frame) {
		t.Fatal("frame passed through uncorrupted")
	}
	if _, derr := packet.Decode(got); !packet.IsCorrupt(derr) {
		t.Errorf("codec accepted the corrupted frame: %v", derr)
	}
}

func TestDuplication(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()
	sim, err := NewSimulator(a, SimConfig{PDuplicate: 1, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	sim.Send([]byte("once"), b.LocalAddr())
	frames := recvAll(t, b, 100*time.Millisecond)
	if len(frames) != 2 {
		t.Fatalf("got %d copies, want 2", len(frames))
	}
}

func TestReorderSwapsAdjacentFrames(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()
	sim, err := NewSimulator(a, SimConfig{PReorder: 1, Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	sim.Send([]byte("first"), b.LocalAddr())
	sim.Send([]byte("second"), b.LocalAddr())
	frames := recvAll(t, b, 100*time.Millisecond)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0]) != "second" || string(frames[1]) != "first" {
		t.Errorf("order = %q, %q; want the held frame released second", frames[0], frames[1])
	}
}

func TestDelayBounds(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()
	sim, err := NewSimulator(a, SimConfig{DelayMinMS: 30, DelayMaxMS: 60, Seed: 9})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	sim.Send([]byte("late"), b.LocalAddr())
	_, _, err = b.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("frame arrived after %v, want >= ~30ms", elapsed)
	}
}

func TestLoadSimConfig(t *testing.T) {
	path := t.TempDir() + "/profile.yaml"
	body := "p_loss: 0.3\np_corrupt: 0.1\ndelay_min: 5\ndelay_max: 20\nseed: 11\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadSimConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PLoss != 0.3 || cfg.PCorrupt != 0.1 || cfg.DelayMaxMS != 20 || cfg.Seed != 11 {
		t.Errorf("loaded %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("p_loss: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSimConfig(path); err == nil {
		t.Error("out-of-range profile accepted")
	}
}
