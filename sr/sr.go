// Package sr implements the Selective Repeat pipelined protocol. Every
// window slot carries its own state and retransmission timer on the sender,
// and the receiver buffers out-of-order arrivals so a single loss never
// forces the window to be resent.
//
// ACKs are selective: each names exactly the sequence it acknowledges.
// Construction rejects any window larger than half the sequence space —
// beyond that bound a retransmission and a new packet become
// indistinguishable at the receiver.
package sr

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

var log = logger.New("sr")

var (
	// ErrClosed reports that the endpoint was closed.
	ErrClosed = errors.New("sr endpoint closed")
	// ErrWindowFull is returned by TrySend when the window has no room.
	ErrWindowFull = errors.New("sr window full")
)

const (
	DefaultWindow  = 4
	DefaultSeqBits = 4
	DefaultTimeout = 2 * time.Second
	DefaultMSS     = 1024
)

// Config tunes an SR endpoint. The zero value takes the defaults. Sender
// and receiver must agree on Window and SeqBits.
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

// validate enforces the Selective Repeat constraint W <= 2^(k-1).
func (c Config) validate() error {
	if c.SeqBits < 2 || c.SeqBits > 16 {
		return errors.Errorf("sr: sequence bits %d out of range [2,16]", c.SeqBits)
	}
	if max := int(uint32(1) << (c.SeqBits - 1)); c.Window > max {
		return errors.Errorf("sr: window %d exceeds 2^%d = %d", c.Window, c.SeqBits-1, max)
	}
	return nil
}

type slotState uint8

const (
	slotSentUnacked slotState = iota
	slotAcked
)

type slot struct {
	frame []byte
	state slotState
}

type sendReq struct {
	payload []byte
	flags   uint8
	done    chan error
}

// Sender is the Selective Repeat sender.
type Sender struct {
	ch    channel.Channel
	dest  netip.AddrPort
	cfg   Config
	space seqnum.Space

	base     uint32
	baseView uint32
	nextSeq  uint32
	slots    map[uint32]*slot

	tsvc     *timer.Service
	reqs     chan *sendReq
	tryReqs  chan *sendReq
	incoming chan packet.Packet
	closeReq chan chan error
	done     chan struct{}

	table       *stats.Table
	sent        *stats.Counter
	retransmits *stats.Counter
	acksRx      *stats.Counter
	dupAcks     *stats.Counter
	corruptRx   *stats.Counter
}

// NewSender builds an SR sender bound to ch, talking to dest. Windows
// beyond 2^(k-1) are rejected.
func NewSender(ch channel.Channel, dest netip.AddrPort, cfg Config) (*Sender, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := stats.NewTable("sr_sender")
	s := &Sender{
		ch:          ch,
		dest:        dest,
		cfg:         cfg,
		space:       seqnum.NewSpace(cfg.SeqBits),
		slots:       make(map[uint32]*slot),
		tsvc:        timer.New(),
		reqs:        make(chan *sendReq),
		tryReqs:     make(chan *sendReq),
		incoming:    make(chan packet.Packet, 256),
		closeReq:    make(chan chan error),
		done:        make(chan struct{}),
		table:       t,
		sent:        t.New("pkts_tx", "DATA packets transmitted", "pkts"),
		retransmits: t.New("retransmissions", "per-slot retransmissions", "pkts"),
		acksRx:      t.New("acks_rx", "selective ACKs accepted", "pkts"),
		dupAcks:     t.New("dup_acks", "ACKs for already-acked or stale slots", "pkts"),
		corruptRx:   t.New("corrupt_rx", "frames dropped by checksum", "pkts"),
	}
	go s.pump()
	go s.loop()
	return s, nil
}

func (s *Sender) pump() {
	for {
		frame, _, err := s.ch.Recv(-1)
		if err != nil {
			return
		}
		p, derr := packet.Decode(frame)
		if derr != nil {
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

// transmit sends DATA[nextSeq], marks the slot sent-unacked and starts its
// timer.
func (s *Sender) transmit(req *sendReq) {
	seq := s.nextSeq
	frame := packet.Encode(packet.Packet{
		Kind:    packet.DATA,
		Flags:   req.flags,
		Seq:     seq,
		Payload: req.payload,
	})
	s.slots[seq] = &slot{frame: frame, state: slotSentUnacked}
	s.send(frame)
	s.sent.Inc()
	s.startSlotTimer(seq)
	s.nextSeq = s.space.Inc(s.nextSeq)
	log.Debugf("sent seq=%d base=%d next=%d", seq, s.base, s.nextSeq)
	req.done <- nil
}

func (s *Sender) startSlotTimer(seq uint32) {
	s.tsvc.Start(uint64(seq), s.cfg.Timeout, func() { s.onSlotTimeout(seq) })
}

// onSlotTimeout retransmits exactly the expired slot.
func (s *Sender) onSlotTimeout(seq uint32) {
	sl, ok := s.slots[seq]
	if !ok || sl.state == slotAcked {
		return
	}
	log.Debugf("timeout: retransmitting seq=%d", seq)
	s.send(sl.frame)
	s.retransmits.Inc()
	s.startSlotTimer(seq)
}

// handleACK marks the named slot acked; when the base slot is acked the
// window advances past every contiguous acked slot.
func (s *Sender) handleACK(p packet.Packet) {
	if p.Kind != packet.ACK {
		log.Debugf("ignoring unexpected %s", p)
		return
	}
	n := p.Ack
	if !s.space.InWindow(n, s.base, s.outstanding()) {
		s.dupAcks.Inc()
		return
	}
	sl := s.slots[n]
	if sl.state == slotAcked {
		s.dupAcks.Inc()
		return
	}
	s.acksRx.Inc()
	sl.state = slotAcked
	s.tsvc.Cancel(uint64(n))
	if n != s.base {
		return
	}
	for s.base != s.nextSeq {
		cur, ok := s.slots[s.base]
		if !ok || cur.state != slotAcked {
			break
		}
		delete(s.slots, s.base)
		s.base = s.space.Inc(s.base)
	}
	atomic.StoreUint32(&s.baseView, s.base)
	log.Debugf("base advanced to %d", s.base)
}

func (s *Sender) send(frame []byte) {
	if err := s.ch.Send(frame, s.dest); err != nil {
		log.Warningf("send to %s: %v", s.dest, err)
	}
}

// Send transmits one application message, fragmenting at MSS. It blocks
// while the window is full and returns once every fragment occupies a slot.
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
		return errors.Errorf("sr: non-blocking send limited to one packet of %d bytes", s.cfg.MSS)
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

// Close flushes the window — it blocks until every slot is acknowledged —
// then stops the loop and releases the port.
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
