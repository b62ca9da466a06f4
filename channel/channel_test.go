package channel

import (
	"bytes"
	"net/netip"
	"testing"
	"time"
)

func TestMemPairDelivers(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("ping"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	frame, from, err := b.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame, []byte("ping")) || from != a.LocalAddr() {
		t.Errorf("got %q from %s", frame, from)
	}
}

func TestMemPairRecvTimeout(t *testing.T) {
	a, b := Pair()
	defer a.Close()
	defer b.Close()

	start := time.Now()
	_, _, err := a.Recv(20 * time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Recv returned before the deadline")
	}
	// zero timeout polls
	if _, _, err := a.Recv(0); !IsTimeout(err) {
		t.Errorf("poll on empty channel: got %v, want timeout", err)
	}
}

func TestMemPairCloseUnblocksRecv(t *testing.T) {
	a, _ := Pair()
	done := make(chan error, 1)
	go func() {
		_, _, err := a.Recv(-1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.Close()
	select {
	case err := <-done:
		if !IsClosed(err) {
			t.Errorf("got %v, want closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
}

func TestUDPChannelLoopback(t *testing.T) {
	a, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := ListenUDP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.Send([]byte("over udp"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	frame, from, err := b.Recv(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame, []byte("over udp")) {
		t.Errorf("got %q", frame)
	}
	if from.Port() != a.LocalAddr().Port() {
		t.Errorf("from %s, want port %d", from, a.LocalAddr().Port())
	}
	if _, _, err := b.Recv(20 * time.Millisecond); !IsTimeout(err) {
		t.Errorf("got %v, want timeout", err)
	}
}
