// Package gbn implements the Go-Back-N pipelined protocol: a sender window
// of W outstanding packets covered by a single retransmission timer, and a
// receiver that accepts only in-order data and re-emits cumulative ACKs.
//
// The sender runs a single event loop goroutine over three event sources —
// application requests, decoded ACK arrivals and the retransmission timer —
// so all window state is mutated from one place. Blocking Send marshals into
// the loop through a bounded request queue and is admitted only while the
// window has room.
package gbn

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/logger"
	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/seqnum"
	"rdt-tcp-pa/stats"
	"rdt-tcp-pa/timer"
)

var log = logger.New("gbn")

var (
	// ErrClosed reports that the endpoint was closed.
	ErrClosed = errors.New("gbn endpoint closed")
	// ErrWindowFull is returned by TrySend when the window has no room.
	ErrWindowFull = errors.New("gbn window full")
)

const (
	DefaultWindow  = 5
	DefaultSeqBits = 8
	DefaultTimeout = 2 * time.Second
	DefaultMSS     = 1024
)

// Config tunes a GBN endpoint. The zero value takes the defaults. Sender
// and receiver must agree on SeqBits.
type Config struct {
	Window  int
	SeqBits uint8
	Timeout time.Duration
	MSS     int
	Deliver func([]byte)
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SeqBits == 0 {
		c.SeqBits = DefaultSeqBits
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MSS <= 0 {
		c.MSS = DefaultMSS
	}
	return c
}

// validate enforces the Go-Back-N window constraint W <= 2^k - 1.
func (c Config) validate() error {
	if c.SeqBits < 2 || c.SeqBits > 16 {
		return errors.Errorf("gbn: sequence bits %d out of range [2,16]", c.SeqBits)
	}
	if max := int(uint32(1)<<c.SeqBits) - 1; c.Window > max {
		return errors.Errorf("gbn: window %d exceeds 2^%d-1 = %d", c.Window, c.SeqBits, max)
	}
	return nil
}

// retransmitTimer is the single timer key: one timer covers the window.
const retransmitTimer = 1

type sendReq struct {
	payload []byte
	flags   uint8
	done    chan error
}

// Sender is the Go-Back-N sender.
type Sender struct {
	ch    channel.Channel
	dest  netip.AddrPort
	cfg   Config
	space seqnum.Space

	base     uint32
	baseView uint32 // atomic mirror of base for observers
	nextSeq  uint32
	frames   map[uint32][]byte // encoded, unacknowledged DATA

	tsvc     *timer.Service
	reqs     chan *sendReq
	tryReqs  chan *sendReq
	incoming chan packet.Packet
	closeReq chan chan error
	done     chan struct{}

	table       *stats.Table
	sent        *stats.Counter
	retransmits *stats.Counter
	windowRexmt *stats.Counter
	acksRx      *stats.Counter
	staleAcks   *stats.Counter
	corruptRx   *stats.Counter
}

// NewSender builds a GBN sender bound to ch, talking to dest. The
// configuration is validated: windows beyond 2^k-1 are rejected.
func NewSender(ch channel.Channel, dest netip.AddrPort, cfg Config) (*Sender, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := stats.NewTable("gbn_sender")
	s := &Sender{
		ch:          ch,
		dest:        dest,
		cfg:         cfg,
		space:       seqnum.NewSpace(cfg.SeqBits),
		frames:      make(map[uint32][]byte),
		tsvc:        timer.New(),
		reqs:        make(chan *sendReq),
		tryReqs:     make(chan *sendReq),
		incoming:    make(chan packet.Packet, 256),
		closeReq:    make(chan chan error),
		done:        make(chan struct{}),
		table:       t,
		sent:        t.New("pkts_tx", "DATA packets transmitted", "pkts"),
		retransmits: t.New("retransmissions", "DATA retransmissions", "pkts"),
		windowRexmt: t.New("window_retransmits", "timer expiries resending the window", "events"),
		acksRx:      t.New("acks_rx", "cumulative ACKs accepted", "pkts"),
		staleAcks:   t.New("stale_acks", "ACKs outside the window, ignored", "pkts"),
		corruptRx:   t.New("corrupt_rx", "frames dropped by checksum", "pkts"),
	}
	go s.pump()
	go s.loop()
	return s, nil
}

// pump owns the channel's receive side and feeds decoded frames to the loop.
func (s *Sender) pump() {
	for {
		frame, _, err := s.ch.Recv(-1)
		if err != nil {
			return
		}
		p, derr := packet.Decode(frame)
		if derr != nil {
			// corrupted ACK: the timer recovers
			s.corruptRx.Inc()
			continue
		}
		select {
		case s.incoming <- p:
		case <-s.done:
			return
		}
	}
}

func (s *Sender) outstanding() uint32 {
	return s.space.Offset(s.nextSeq, s.base)
}

func (s *Sender) loop() {
	var closers []chan error
	for {
		// admit new sends only while the window has room
		var reqC chan *sendReq
		if len(closers) == 0 && s.outstanding() < uint32(s.cfg.Window) {
			reqC = s.reqs
		}
		var timerC <-chan time.Time
		var tm *time.Timer
		if d, ok := s.tsvc.Next(); ok {
			tm = time.NewTimer(d)
			timerC = tm.C
		}

		select {
		case req := <-reqC:
			s.transmit(req)
		case req := <-s.tryReqs:
			if len(closers) > 0 {
				req.done <- ErrClosed
			} else if s.outstanding() >= uint32(s.cfg.Window) {
				req.done <- ErrWindowFull
			} else {
				s.transmit(req)
			}
		case p := <-s.incoming:
			s.handleACK(p)
		case <-timerC:
			s.tsvc.Advance()
		case reply := <-s.closeReq:
			closers = append(closers, reply)
		case <-s.done:
			if tm != nil {
				tm.Stop()
			}
			return
		}
		if tm != nil {
			tm.Stop()
		}
		if len(closers) > 0 && s.base == s.nextSeq {
			for _, reply := range closers {
				reply <- nil
			}
			close(s.done)
			s.ch.Close()
			return
		}
	}
}

// transmit sends DATA[nextSeq] and starts the timer when the window was
// previously empty.
func (s *Sender) transmit(req *sendReq) {
	seq := s.nextSeq
	frame := packet.Encode(packet.Packet{
		Kind:    packet.DATA,
		Flags:   req.flags,
		Seq:     seq,
		Payload: req.payload,
	})
	s.frames[seq] = frame
	s.send(frame)
	s.sent.Inc()
	if s.base == s.nextSeq {
		s.tsvc.Start(retransmitTimer, s.cfg.Timeout, s.onTimeout)
	}
	s.nextSeq = s.space.Inc(s.nextSeq)
	log.Debugf("sent seq=%d base=%d next=%d", seq, s.base, s.nextSeq)
	req.done <- nil
}

// handleACK applies a cumulative acknowledgment: everything up to and
// including p.Ack leaves the window.
func (s *Sender) handleACK(p packet.Packet) {
	if p.Kind != packet.ACK {
		log.Debugf("ignoring unexpected %s", p)
		return
	}
	if !s.space.InWindow(p.Ack, s.base, s.outstanding()) {
		s.staleAcks.Inc()
		return
	}
	s.acksRx.Inc()
	newBase := s.space.Inc(p.Ack)
	for i := s.base; i != newBase; i = s.space.Inc(i) {
		delete(s.frames, i)
	}
	s.base = newBase
	atomic.StoreUint32(&s.baseView, newBase)
	log.Debugf("ACK %d advances base to %d", p.Ack, s.base)
	if s.base == s.nextSeq {
		s.tsvc.Cancel(retransmitTimer)
	} else {
		s.tsvc.Start(retransmitTimer, s.cfg.Timeout, s.onTimeout)
	}
}

// onTimeout retransmits the whole outstanding window, in order, and
// restarts the timer.
func (s *Sender) onTimeout() {
	s.windowRexmt.Inc()
	log.Debugf("timeout: retransmitting [%d,%d)", s.base, s.nextSeq)
	for i := s.base; i != s.nextSeq; i = s.space.Inc(i) {
		s.send(s.frames[i])
		s.retransmits.Inc()
	}
	s.tsvc.Start(retransmitTimer, s.cfg.Timeout, s.onTimeout)
}

func (s *Sender) send(frame []byte) {
	if err := s.ch.Send(frame, s.dest); err != nil {
		log.Warningf("send to %s: %v", s.dest, err)
	}
}

// Send transmits one application message, fragmenting at MSS. It blocks
// while the window is full and returns once every fragment has been
// accepted into the window (not yet acknowledged).
func (s *Sender) Send(msg []byte) error {
	chunks := packet.Split(msg, s.cfg.MSS)
	for i, chunk := range chunks {
		var flags uint8
		if i < len(chunks)-1 {
			flags = packet.FlagMore
		}
		req := &sendReq{payload: chunk, flags: flags, done: make(chan error, 1)}
		select {
		case s.reqs <- req:
		case <-s.done:
			return ErrClosed
		}
		if err := <-req.done; err != nil {
			return err
		}
	}
	return nil
}

// TrySend is the non-blocking variant: it refuses with ErrWindowFull
// instead of waiting. The message must fit one packet.
func (s *Sender) TrySend(msg []byte) error {
	if len(msg) > s.cfg.MSS {
		return errors.Errorf("gbn: non-blocking send limited to one packet of %d bytes", s.cfg.MSS)
	}
	req := &sendReq{payload: msg, done: make(chan error, 1)}
	select {
	case s.tryReqs <- req:
	case <-s.done:
		return ErrClosed
	}
	return <-req.done
}

// Base returns the current window base, for observation.
func (s *Sender) Base() uint32 {
	return atomic.LoadUint32(&s.baseView)
}

// Close flushes the window — it blocks until every outstanding packet has
// been acknowledged — then stops the loop and releases the port.
func (s *Sender) Close() error {
	reply := make(chan error, 1)
	select {
	case s.closeReq <- reply:
	case <-s.done:
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return nil
	}
}

// Stats returns the sender's counter table.
func (s *Sender) Stats() *stats.Table { return s.table }
