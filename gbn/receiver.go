package gbn

import (
	"net/netip"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/seqnum"
	"rdt-tcp-pa/stats"
)

// Receiver is the Go-Back-N receiver: it accepts only the expected
// sequence, delivers in order, and answers every arrival with a cumulative
// ACK naming the highest in-order sequence received so far.
type Receiver struct {
	ch       channel.Channel
	cfg      Config
	space    seqnum.Space
	expected uint32
	asm      packet.Assembler

	delivered chan []byte
	closed    chan struct{}

	table        *stats.Table
	pktsRx       *stats.Counter
	corruptDrops *stats.Counter
	outOfOrder   *stats.Counter
	msgsOut      *stats.Counter
}

// NewReceiver builds a GBN receiver listening on ch. SeqBits must match the
// sender's.
func NewReceiver(ch channel.Channel, cfg Config) (*Receiver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := stats.NewTable("gbn_receiver")
	r := &Receiver{
		ch:           ch,
		cfg:          cfg,
		space:        seqnum.NewSpace(cfg.SeqBits),
		delivered:    make(chan []byte, 256),
		closed:       make(chan struct{}),
		table:        t,
		pktsRx:       t.New("pkts_rx", "frames received", "pkts"),
		corruptDrops: t.New("corrupt_rx", "frames dropped by checksum", "pkts"),
		outOfOrder:   t.New("out_of_order_rx", "unexpected sequences discarded", "pkts"),
		msgsOut:      t.New("msgs_delivered", "messages handed to the application", "msgs"),
	}
	go r.loop()
	return r, nil
}

func (r *Receiver) loop() {
	for {
		frame, from, err := r.ch.Recv(-1)
		if err != nil {
			return
		}
		r.pktsRx.Inc()
		p, derr := packet.Decode(frame)
		last := r.space.Dec(r.expected) // highest in-order sequence received
		if derr != nil {
			r.corruptDrops.Inc()
			log.Debugf("corrupt frame, re-ACKing %d", last)
			r.sendACK(from, last)
			continue
		}
		if p.Kind != packet.DATA {
			log.Debugf("ignoring unexpected %s", p)
			continue
		}
		if p.Seq != r.expected {
			r.outOfOrder.Inc()
			log.Debugf("seq=%d, want %d: discarding and re-ACKing %d", p.Seq, r.expected, last)
			r.sendACK(from, last)
			continue
		}
		if msg, done := r.asm.Add(p.Payload, p.Flags); done {
			r.handOff(msg)
		}
		r.sendACK(from, p.Seq)
		r.expected = r.space.Inc(r.expected)
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
