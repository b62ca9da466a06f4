package channel

import (
	"net/netip"
	"sync"
	"time"
)

type datagram struct {
	frame []byte
	from  netip.AddrPort
}

// MemChannel is an in-process Channel endpoint. Pairs of them back the
// protocol tests so runs stay deterministic and free of real sockets.
type MemChannel struct {
	local netip.AddrPort
	in    chan datagram
	peer  *MemChannel

	mu     sync.Mutex
	closed chan struct{}
}

// Pair returns two connected in-memory channels with synthetic loopback
// addresses. Frames sent on one arrive on the other.
func Pair() (*MemChannel, *MemChannel) {
	a := &MemChannel{
		local:  netip.MustParseAddrPort("127.0.0.1:1"),
		in:     make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	b := &MemChannel{
		local:  netip.MustParseAddrPort("127.0.0.1:2"),
		in:     make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (c *MemChannel) Send(frame []byte, to netip.AddrPort) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.peer.in <- datagram{frame: cp, from: c.local}:
	default:
		// receiver queue full: an unreliable substrate drops
	}
	return nil
}

func (c *MemChannel) Recv(timeout time.Duration) ([]byte, netip.AddrPort, error) {
	if timeout < 0 {
		select {
		case d := <-c.in:
			return d.frame, d.from, nil
		case <-c.closed:
			return nil, netip.AddrPort{}, ErrClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d := <-c.in:
		return d.frame, d.from, nil
	case <-c.closed:
		return nil, netip.AddrPort{}, ErrClosed
	case <-t.C:
		return nil, netip.AddrPort{}, ErrTimeout
	}
}

func (c *MemChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *MemChannel) LocalAddr() netip.AddrPort {
	return c.local
}
