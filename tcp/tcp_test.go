package tcp

import (
	"bytes"
	"io"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
)

// fastConfig keeps test runs short.
func fastConfig() Config {
	return Config{
		MSS:        1024,
		RTOInitial: 60 * time.Millisecond,
		RTOMin:     30 * time.Millisecond,
		RTOMax:     500 * time.Millisecond,
		MSL:        50 * time.Millisecond,
	}
}

// dropMatching drops frames selected by the filter on their 1-based index
// among matching sends.
type dropMatching struct {
	channel.Channel
	mu    sync.Mutex
	match func(packet.Packet) bool
	drop  map[int]bool
	seen  int
}

func (d *dropMatching) Send(frame []byte, to netip.AddrPort) error {
	p, err := packet.Decode(frame)
	if err == nil && d.match(p) {
		d.mu.Lock()
		d.seen++
		gone := d.drop[d.seen]
		d.mu.Unlock()
		if gone {
			return nil
		}
	}
	return d.Channel.Send(frame, to)
}

// pairStacks builds two connected stacks, optionally wrapping each side's
// channel.
func pairStacks(wrapA, wrapB func(channel.Channel) channel.Channel, cfg Config) (*Stack, *Stack, netip.AddrPort, netip.AddrPort) {
	a, b := channel.Pair()
	var ca channel.Channel = a
	var cb channel.Channel = b
	if wrapA != nil {
		ca = wrapA(a)
	}
	if wrapB != nil {
		cb = wrapB(b)
	}
	return NewStack(ca, cfg), NewStack(cb, cfg), a.LocalAddr(), b.LocalAddr()
}

func TestHandshakeAndEcho(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, err := server.Listen()
	if err != nil {
		t.Fatal(err)
	}
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := lst.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateEstablished || accepted.State() != StateEstablished {
		t.Fatalf("states %s / %s after handshake", conn.State(), accepted.State())
	}

	if _, err := conn.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got, err := accepted.Recv(64)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("server read %q", got)
	}
	if _, err := accepted.Send([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	got, err = conn.Recv(64)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong" {
		t.Fatalf("client read %q", got)
	}
}

// TestHandshakeSurvivesSYNLoss drops the first SYN: the connection must
// still establish off the retransmission timer, within the cap.
func TestHandshakeSurvivesSYNLoss(t *testing.T) {
	dropSYN := func(ch channel.Channel) channel.Channel {
		return &dropMatching{
			Channel: ch,
			match:   func(p packet.Packet) bool { return p.Kind == packet.SYN },
			drop:    map[int]bool{1: true},
		}
	}
	client, server, _, serverAddr := pairStacks(dropSYN, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, err := server.Listen()
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatalf("connect after SYN loss: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("connection established before the SYN retransmission")
	}
	accepted, err := lst.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateEstablished || accepted.State() != StateEstablished {
		t.Fatalf("states %s / %s", conn.State(), accepted.State())
	}
	rexmits := client.Stats().Get("retransmissions").Value()
	if rexmits < 1 || rexmits > 3 {
		t.Errorf("SYN retransmissions = %d, want 1..3", rexmits)
	}
}

// TestBulkTransferWithLoss pushes 100 KB through a path that drops two data
// segments. Fast retransmit must repair at least one of the holes and the
// stream must arrive intact.
func TestBulkTransferWithLoss(t *testing.T) {
	dropData := func(ch channel.Channel) channel.Channel {
		return &dropMatching{
			Channel: ch,
			match:   func(p packet.Packet) bool { return p.Kind == packet.DATA },
			drop:    map[int]bool{10: true, 60: true},
		}
	}
	client, server, _, serverAddr := pairStacks(dropData, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, err := server.Listen()
	if err != nil {
		t.Fatal(err)
	}
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := lst.Accept()
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 100*1024)
	rnd := rand.New(rand.NewSource(99))
	rnd.Read(payload)

	var received bytes.Buffer
	readErr := make(chan error, 1)
	go func() {
		for {
			chunk, rerr := accepted.Recv(32 * 1024)
			received.Write(chunk)
			if rerr == io.EOF {
				readErr <- accepted.Close()
				return
			}
			if rerr != nil {
				readErr <- rerr
				return
			}
		}
	}()

	n, err := conn.Send(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-readErr; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatalf("received %d bytes, sent %d; streams differ", received.Len(), len(payload))
	}
	if client.Stats().Get("fast_retransmits").Value() == 0 {
		t.Error("dropping data mid-stream never triggered fast retransmit")
	}
}

// TestGracefulClose walks both sides through the four-way teardown.
func TestGracefulClose(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, _ := lst.Accept()

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()

	// passive side sees EOF, passes through CLOSE_WAIT, then closes
	if _, rerr := accepted.Recv(1); rerr != io.EOF {
		t.Fatalf("passive side got %v, want EOF", rerr)
	}
	if s := accepted.State(); s != StateCloseWait {
		t.Errorf("passive side in %s, want CLOSE_WAIT", s)
	}
	if err := accepted.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-closed; err != nil {
		t.Fatal(err)
	}

	// active side rests in TIME_WAIT for 2*MSL, then reaches CLOSED
	if s := conn.State(); s != StateTimeWait && s != StateClosed {
		t.Errorf("active side in %s, want TIME_WAIT or CLOSED", s)
	}
	deadline := time.Now().Add(time.Second)
	for conn.State() != StateClosed || accepted.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("teardown stuck: active %s, passive %s", conn.State(), accepted.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSimultaneousClose crosses two FINs: both sides traverse CLOSING and
// end CLOSED.
func TestSimultaneousClose(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, _ := lst.Accept()

	errs := make(chan error, 2)
	go func() { errs <- conn.Close() }()
	go func() { errs <- accepted.Close() }()
	for i := 0; i < 2; i++ {
		if cerr := <-errs; cerr != nil {
			t.Fatal(cerr)
		}
	}
	deadline := time.Now().Add(time.Second)
	for conn.State() != StateClosed || accepted.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("simultaneous close stuck: %s / %s", conn.State(), accepted.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestRetransmitCapResets aborts a connect into the void with ErrReset.
func TestRetransmitCapResets(t *testing.T) {
	a, b := channel.Pair()
	b.Close() // nothing will ever answer
	cfg := fastConfig()
	cfg.RexmitLimit = 3
	cfg.RTOMax = 100 * time.Millisecond
	stack := NewStack(a, cfg)
	defer stack.Close()

	_, err := stack.Connect(netip.MustParseAddrPort("127.0.0.1:2"))
	if err != ErrReset {
		t.Fatalf("connect into the void: got %v, want ErrReset", err)
	}
	if stack.Stats().Get("resets").Value() != 1 {
		t.Error("reset not counted")
	}
}

func TestSendOnClosedConnFails(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, _ := lst.Accept()
	go func() {
		accepted.Recv(1)
		accepted.Close()
	}()
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if _, serr := conn.Send([]byte("late")); serr != ErrClosed {
		t.Fatalf("send after close: got %v, want ErrClosed", serr)
	}
}

func TestZeroLengthSend(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	lst.Accept()
	n, err := conn.Send(nil)
	if n != 0 || err != nil {
		t.Errorf("Send(nil) = %d, %v", n, err)
	}
}

func TestSocketTable(t *testing.T) {
	client, server, _, serverAddr := pairStacks(nil, nil, fastConfig())
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	if _, err := client.Connect(serverAddr); err != nil {
		t.Fatal(err)
	}
	lst.Accept()

	infos := client.Sockets()
	if len(infos) != 1 {
		t.Fatalf("client lists %d sockets", len(infos))
	}
	if infos[0].State != StateEstablished || infos[0].Remote != serverAddr {
		t.Errorf("socket row %+v", infos[0])
	}
}

// TestWindowBoundHolds asserts the sender never puts more than the peer's
// advertised window in flight, even with a tiny window.
func TestWindowBoundHolds(t *testing.T) {
	cfg := fastConfig()
	cfg.WindowSize = 2048
	cfg.MSS = 512
	client, server, _, serverAddr := pairStacks(nil, nil, cfg)
	defer client.Close()
	defer server.Close()

	lst, _ := server.Listen()
	conn, err := client.Connect(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	accepted, _ := lst.Accept()

	payload := make([]byte, 16*1024)
	go conn.Send(payload)

	var got int
	for got < len(payload) {
		chunk, rerr := accepted.Recv(4096)
		if rerr != nil {
			t.Fatal(rerr)
		}
		got += len(chunk)

		conn.mu.Lock()
		inflight := conn.inFlight()
		wnd := conn.sndWnd
		conn.mu.Unlock()
		if uint32(inflight) > wnd {
			t.Fatalf("in flight %d exceeds advertised window %d", inflight, wnd)
		}
	}
}
