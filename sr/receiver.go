package sr

import (
	"net/netip"

	"github.com/google/btree"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/seqnum"
	"rdt-tcp-pa/stats"
)

// bufSeg is one accepted-but-undelivered packet. Segments are ordered by a
// monotonic virtual index — the count of slots delivered before this one —
// so the tree's ordering stays total as the window wraps the sequence space.
type bufSeg struct {
	virt    uint64
	flags   uint8
	payload []byte
}

// Receiver is the Selective Repeat receiver: it ACKs every in-window or
// recently-delivered sequence, buffers out-of-order arrivals, and delivers
// contiguous runs starting at the window base.
type Receiver struct {
	ch      channel.Channel
	cfg     Config
	space   seqnum.Space
	rcvBase uint32
	// virtBase is the virtual index of rcvBase: how many slots have been
	// delivered so far.
	virtBase uint64
	buffer   *btree.BTreeG[bufSeg]
	asm      packet.Assembler

	delivered chan []byte
	closed    chan struct{}

	table        *stats.Table
	pktsRx       *stats.Counter
	corruptDrops *stats.Counter
	buffered     *stats.Counter
	reAcked      *stats.Counter
	ignored      *stats.Counter
	msgsOut      *stats.Counter
}

// NewReceiver builds an SR receiver listening on ch. Window and SeqBits
// must match the sender's.
func NewReceiver(ch channel.Channel, cfg Config) (*Receiver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := stats.NewTable("sr_receiver")
	r := &Receiver{
		ch:        ch,
		cfg:       cfg,
		space:     seqnum.NewSpace(cfg.SeqBits),
		buffer:    btree.NewG(2, func(a, b bufSeg) bool { return a.virt < b.virt }),
		delivered: make(chan []byte, 256),
		closed:    make(chan struct{}),
		table:     t,
	}
	r.pktsRx = t.New("pkts_rx", "frames received", "pkts")
	r.corruptDrops = t.New("corrupt_rx", "frames dropped by checksum", "pkts")
	r.buffered = t.New("buffered_rx", "in-window packets accepted into the buffer", "pkts")
	r.reAcked = t.New("reacked_rx", "already-delivered packets re-ACKed", "pkts")
	r.ignored = t.New("ignored_rx", "packets outside both windows", "pkts")
	r.msgsOut = t.New("msgs_delivered", "messages handed to the application", "msgs")
	go r.loop()
	return r, nil
}

func (r *Receiver) loop() {
	w := uint32(r.cfg.Window)
	for {
		frame, from, err := r.ch.Recv(-1)
		if err != nil {
			return
		}
		r.pktsRx.Inc()
		p, derr := packet.Decode(frame)
		if derr != nil {
			// no ACK: the sender's per-slot timer recovers
			r.corruptDrops.Inc()
			continue
		}
		if p.Kind != packet.DATA {
			log.Debugf("ignoring unexpected %s", p)
			continue
		}

		n := p.Seq
		switch {
		case r.space.InWindow(n, r.rcvBase, w):
			r.sendACK(from, n)
			r.accept(p)
		case r.space.Offset(r.rcvBase, n) <= w:
			// behind the window: already delivered, but the ACK may have
			// been lost — re-ACK so the sender can advance
			r.reAcked.Inc()
			log.Debugf("seq=%d already delivered, re-ACKing", n)
			r.sendACK(from, n)
		default:
			r.ignored.Inc()
			log.Debugf("seq=%d outside [rcv_base-W, rcv_base+W), ignoring", n)
		}
	}
}

// accept buffers an in-window packet (first copy only) and delivers the
// contiguous run at the window base.
func (r *Receiver) accept(p packet.Packet) {
	virt := r.virtBase + uint64(r.space.Offset(p.Seq, r.rcvBase))
	if _, dup := r.buffer.Get(bufSeg{virt: virt}); dup {
		return
	}
	r.buffer.ReplaceOrInsert(bufSeg{virt: virt, flags: p.Flags, payload: p.Payload})
	r.buffered.Inc()
	for {
		min, ok := r.buffer.Min()
		if !ok || min.virt != r.virtBase {
			return
		}
		r.buffer.DeleteMin()
		r.virtBase++
		r.rcvBase = r.space.Inc(r.rcvBase)
		if msg, done := r.asm.Add(min.payload, min.flags); done {
			r.handOff(msg)
		}
	}
}

func (r *Receiver) sendACK(to netip.AddrPort, seq uint32) {
	frame := packet.Encode(packet.Packet{Kind: packet.ACK, Ack: seq})
	if err := r.ch.Send(frame, to); err != nil {
		log.Warningf("ACK to %s: %v", to, err)
	}
}

func (r *Receiver) handOff(msg []byte) {
	r.msgsOut.Inc()
	if r.cfg.Deliver != nil {
		r.cfg.Deliver(msg)
		return
	}
	select {
	case r.delivered <- msg:
	case <-r.closed:
	}
}

// Recv returns the next delivered message, blocking until one arrives or
// the receiver is closed.
func (r *Receiver) Recv() ([]byte, error) {
	select {
	case msg := <-r.delivered:
		return msg, nil
	case <-r.closed:
		select {
		case msg := <-r.delivered:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close stops the receive loop and releases the port.
func (r *Receiver) Close() error {
	select {
	case <-r.closed:
		return nil
	default:
	}
	close(r.closed)
	return r.ch.Close()
}

// Stats returns the receiver's counter table.
func (r *Receiver) Stats() *stats.Table { return r.table }
