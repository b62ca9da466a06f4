// Package rdt implements the stop-and-wait reliable data transfer family:
// rdt2.0 (ACK/NAK, no sequence numbers), rdt2.1 (alternating bit, NAK-free)
// and rdt3.0 (rdt2.1 plus a sender retransmission timer). All three senders
// retransmit when Config.Timeout passes with no response; the rdt2.1 and
// rdt3.0 senders share one exchange loop and behave identically.
//
// Senders are synchronous: Send transmits one application message and blocks
// until it is acknowledged. Receivers run a small loop goroutine that ACKs
// every arrival immediately and hands completed messages to Recv or to the
// deliver callback.
package rdt

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/logger"
	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/stats"
)

var log = logger.New("rdt")

// ErrClosed reports that the endpoint was closed while an operation was in
// flight.
var ErrClosed = errors.New("rdt endpoint closed")

const (
	// DefaultTimeout is the ACK wait before a retransmission.
	DefaultTimeout = 2 * time.Second
	// DefaultMSS bounds the payload of one DATA packet; larger messages
	// are fragmented and reassembled transparently.
	DefaultMSS = 1024
)

// Config tunes an endpoint. The zero value takes the defaults.
type Config struct {
	Timeout time.Duration
	MSS     int
	// Deliver, when set on a receiver, is invoked for every completed
	// message instead of queueing it for Recv.
	Deliver func([]byte)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MSS <= 0 {
		c.MSS = DefaultMSS
	}
	return c
}

// senderCore carries the pieces every stop-and-wait sender shares.
type senderCore struct {
	ch   channel.Channel
	dest netip.AddrPort
	cfg  Config

	lastRTT time.Duration

	table       *stats.Table
	sent        *stats.Counter
	retransmits *stats.Counter
	timeouts    *stats.Counter
	corruptRx   *stats.Counter
	naksRx      *stats.Counter
	msgsAcked   *stats.Counter
}

func newSenderCore(name string, ch channel.Channel, dest netip.AddrPort, cfg Config) senderCore {
	t := stats.NewTable(name)
	return senderCore{
		ch:          ch,
		dest:        dest,
		cfg:         cfg.withDefaults(),
		table:       t,
		sent:        t.New("pkts_tx", "DATA packets transmitted", "pkts"),
		retransmits: t.New("retransmissions", "DATA retransmissions", "pkts"),
		timeouts:    t.New("ack_timeouts", "waits that expired with no response", "events"),
		corruptRx:   t.New("corrupt_rx", "responses dropped by checksum", "pkts"),
		naksRx:      t.New("naks_rx", "NAKs received", "pkts"),
		msgsAcked:   t.New("msgs_acked", "application messages fully acknowledged", "msgs"),
	}
}

// Stats returns the sender's counter table.
func (c *senderCore) Stats() *stats.Table { return c.table }

// LastRTT returns the time from the most recent transmission of a packet to
// its acknowledgment, whether or not that transmission was a retry.
func (c *senderCore) LastRTT() time.Duration { return c.lastRTT }

func (c *senderCore) close() error { return c.ch.Close() }

// receiverCore runs the shared receive loop scaffolding: a goroutine owns
// the channel, completed messages flow out through delivered (or the
// callback), and Close tears the loop down.
type receiverCore struct {
	ch        channel.Channel
	cfg       Config
	asm       packet.Assembler
	delivered chan []byte
	closed    chan struct{}

	table        *stats.Table
	pktsRx       *stats.Counter
	corruptDrops *stats.Counter
	duplicates   *stats.Counter
	msgsOut      *stats.Counter
}

func newReceiverCore(name string, ch channel.Channel, cfg Config) receiverCore {
	t := stats.NewTable(name)
	return receiverCore{
		ch:           ch,
		cfg:          cfg.withDefaults(),
		delivered:    make(chan []byte, 256),
		closed:       make(chan struct{}),
		table:        t,
		pktsRx:       t.New("pkts_rx", "frames received", "pkts"),
		corruptDrops: t.New("corrupt_rx", "frames dropped by checksum", "pkts"),
		duplicates:   t.New("duplicates_rx", "retransmitted DATA seen again", "pkts"),
		msgsOut:      t.New("msgs_delivered", "messages handed to the application", "msgs"),
	}
}

// handOff routes one completed message to the callback or the Recv queue.
func (c *receiverCore) handOff(msg []byte) {
	c.msgsOut.Inc()
	if c.cfg.Deliver != nil {
		c.cfg.Deliver(msg)
		return
	}
	select {
	case c.delivered <- msg:
	case <-c.closed:
	}
}

// Recv returns the next delivered message, blocking until one arrives or
// the receiver is closed.
func (c *receiverCore) Recv() ([]byte, error) {
	select {
	case msg := <-c.delivered:
		return msg, nil
	case <-c.closed:
		// drain what the loop delivered before closing
		select {
		case msg := <-c.delivered:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Stats returns the receiver's counter table.
func (c *receiverCore) Stats() *stats.Table { return c.table }

func (c *receiverCore) closeCore() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	return c.ch.Close()
}

// sendTo encodes and transmits a packet, ignoring channel errors the way an
// unreliable substrate demands.
func sendTo(ch channel.Channel, to netip.AddrPort, p packet.Packet) {
	if err := ch.Send(packet.Encode(p), to); err != nil {
		log.Warningf("send %s to %s: %v", p, to, err)
	}
}
