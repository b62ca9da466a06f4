// Package channel provides the unreliable datagram substrate the protocols
// run over: a UDP-backed port, an in-memory pair for tests, and a simulator
// that injects loss, corruption, duplication, reordering and delay.
package channel

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout reports that Recv reached its deadline with no frame.
	ErrTimeout = errors.New("channel timeout")
	// ErrClosed reports that the port has been closed.
	ErrClosed = errors.New("channel closed")
)

// Channel is an unreliable datagram port. Frames may be lost, corrupted,
// duplicated or reordered by the network (or by a Simulator wrapped around
// the port); the protocols above make no assumptions beyond best effort.
//
// Recv blocks for up to timeout: a negative timeout blocks indefinitely and
// zero polls. Each protocol instance exclusively owns its channel.
type Channel interface {
	Send(frame []byte, to netip.AddrPort) error
	Recv(timeout time.Duration) ([]byte, netip.AddrPort, error)
	Close() error
	LocalAddr() netip.AddrPort
}

// maxDatagram bounds a single read; larger frames are truncated by UDP.
const maxDatagram = 65535

// UDPChannel is a Channel bound to a local UDP port.
type UDPChannel struct {
	conn  *net.UDPConn
	local netip.AddrPort
}

// ListenUDP binds a datagram port. Port 0 picks an ephemeral port.
func ListenUDP(local netip.AddrPort) (*UDPChannel, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, errors.Wrap(err, "bind udp port")
	}
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &UDPChannel{conn: conn, local: bound}, nil
}

func (c *UDPChannel) Send(frame []byte, to netip.AddrPort) error {
	_, err := c.conn.WriteToUDPAddrPort(frame, to)
	if err != nil {
		return errors.Wrap(err, "udp send")
	}
	return nil
}

func (c *UDPChannel) Recv(timeout time.Duration) ([]byte, netip.AddrPort, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, netip.AddrPort{}, ErrClosed
	}
	buf := make([]byte, maxDatagram)
	n, from, err := c.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, netip.AddrPort{}, ErrTimeout
		}
		return nil, netip.AddrPort{}, ErrClosed
	}
	return buf[:n], from, nil
}

func (c *UDPChannel) Close() error {
	return c.conn.Close()
}

func (c *UDPChannel) LocalAddr() netip.AddrPort {
	return c.local
}

// IsTimeout reports whether err is a Recv deadline expiry.
func IsTimeout(err error) bool { return errors.Cause(err) == ErrTimeout }

// IsClosed reports whether err means the port was closed.
func IsClosed(err error) bool { return errors.Cause(err) == ErrClosed }
