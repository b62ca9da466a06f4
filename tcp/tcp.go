// Package tcp implements a simplified TCP byte-stream transport over the
// unreliable datagram channel: three-way handshake, sliding-window transfer
// with cumulative ACKs, RTT-driven retransmission timeout with exponential
// backoff, fast retransmit on triple duplicate ACKs, and the four-way
// teardown through TIME_WAIT.
//
// A Stack owns one datagram port and demultiplexes segments to connections
// by remote endpoint. Each connection runs its own event loop goroutine;
// the blocking Send/Recv API marshals in through buffers and wakeup
// channels.
package tcp

import (
	"time"

	"github.com/pkg/errors"

	"rdt-tcp-pa/logger"
)

var log = logger.New("tcp")

var (
	// ErrClosed reports a local close.
	ErrClosed = errors.New("connection closed")
	// ErrReset reports a remote abort or the retransmission cap.
	ErrReset = errors.New("connection reset")
	// ErrProtocol reports an operation impossible in the current state.
	// Incoming packets of that kind are dropped and counted, never surfaced;
	// Send returns it (wrapped) when the connection is in a state that
	// cannot carry data.
	ErrProtocol = errors.New("protocol error")
)

const (
	DefaultMSS         = 1024
	DefaultWindowSize  = 65535
	DefaultRTOInitial  = 1 * time.Second
	DefaultRTOMin      = 200 * time.Millisecond
	DefaultRTOMax      = 60 * time.Second
	DefaultMSL         = 30 * time.Second
	DefaultRexmitLimit = 10
)

// Config tunes a stack. The zero value takes the defaults; fast retransmit
// is on unless explicitly disabled.
type Config struct {
	MSS        int
	WindowSize uint16 // receive buffer capacity and advertised window bound
	RTOInitial time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration
	// MSL bounds segment lifetime; TIME_WAIT holds for twice this.
	MSL time.Duration
	// DisableFastRetransmit leaves only RTO-driven recovery.
	DisableFastRetransmit bool
	// RexmitLimit aborts the connection with ErrReset when one segment
	// has been retransmitted this many times.
	RexmitLimit int
	// SendBufferSize is the application send queue capacity.
	SendBufferSize int
}

func (c Config) withDefaults() Config {
	if c.MSS <= 0 {
		c.MSS = DefaultMSS
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RTOInitial <= 0 {
		c.RTOInitial = DefaultRTOInitial
	}
	if c.RTOMin <= 0 {
		c.RTOMin = DefaultRTOMin
	}
	if c.RTOMax <= 0 {
		c.RTOMax = DefaultRTOMax
	}
	if c.MSL <= 0 {
		c.MSL = DefaultMSL
	}
	if c.RexmitLimit <= 0 {
		c.RexmitLimit = DefaultRexmitLimit
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = int(c.WindowSize)
	}
	return c
}
