package rdt

import (
	"net/netip"
	"time"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
)

// Sender21 implements the rdt2.1 sender FSM: WaitCall0 → WaitACK0 →
// WaitCall1 → WaitACK1, with an alternating sequence bit. An ACK is accepted
// only when uncorrupted and carrying the outstanding sequence; anything else
// triggers a retransmission, as does Config.Timeout passing with no
// response. NAKs are gone: the receiver asks for a resend by re-ACKing the
// previous sequence.
type Sender21 struct {
	senderCore
	seq uint32 // alternating bit, 0 or 1
}

// NewSender21 builds an rdt2.1 sender bound to ch, talking to dest.
func NewSender21(ch channel.Channel, dest netip.AddrPort, cfg Config) *Sender21 {
	return &Sender21{senderCore: newSenderCore("rdt21_sender", ch, dest, cfg)}
}

// Send transmits one application message, fragmenting at MSS, and blocks
// until every fragment has been acknowledged.
func (s *Sender21) Send(msg []byte) error {
	chunks := packet.Split(msg, s.cfg.MSS)
	for i, chunk := range chunks {
		var flags uint8
		if i < len(chunks)-1 {
			flags = packet.FlagMore
		}
		if err := sendAlternating(&s.senderCore, &s.seq, chunk, flags); err != nil {
			return err
		}
	}
	s.msgsAcked.Inc()
	return nil
}

// sendAlternating runs one stop-and-wait exchange for the current sequence
// bit and flips it on success. Shared verbatim by rdt2.1 and rdt3.0 — the
// protocols differ only in how the wait is motivated (duplicate ACK versus
// retransmission timer), not in the transition themselves.
func sendAlternating(s *senderCore, seq *uint32, chunk []byte, flags uint8) error {
	data := packet.Packet{Kind: packet.DATA, Flags: flags, Seq: *seq, Payload: chunk}
	frame := packet.Encode(data)

	first := true
	for {
		if !first {
			s.retransmits.Inc()
		}
		first = false
		if err := s.ch.Send(frame, s.dest); err != nil {
			return ErrClosed
		}
		s.sent.Inc()
		sentAt := time.Now()

	waitACK:
		resp, _, err := s.ch.Recv(s.cfg.Timeout)
		switch {
		case channel.IsTimeout(err):
			s.timeouts.Inc()
			log.Debugf("seq=%d: timer expired, retransmitting", *seq)
			continue
		case err != nil:
			return ErrClosed
		}

		p, derr := packet.Decode(resp)
		if derr != nil {
			s.corruptRx.Inc()
			log.Debugf("seq=%d: corrupt response, retransmitting", *seq)
			continue
		}
		if p.Kind != packet.ACK {
			log.Debugf("seq=%d: ignoring unexpected %s", *seq, p)
			goto waitACK
		}
		if p.Ack != *seq {
			// duplicate ACK for the previous packet: the receiver is
			// asking for a resend
			log.Debugf("seq=%d: duplicate ACK %d, retransmitting", *seq, p.Ack)
			continue
		}
		s.lastRTT = time.Since(sentAt)
		*seq ^= 1
		return nil
	}
}

// Close releases the sender's port.
func (s *Sender21) Close() error { return s.close() }

// Receiver21 implements the rdt2.1 receiver FSM: WaitData0 and WaitData1.
// Expected DATA is delivered and ACKed; corruption or the wrong sequence
// draws a re-ACK of the previously delivered sequence.
type Receiver21 struct {
	receiverCore
	expected uint32
}

// NewReceiver21 builds an rdt2.1 receiver listening on ch.
func NewReceiver21(ch channel.Channel, cfg Config) *Receiver21 {
	r := &Receiver21{receiverCore: newReceiverCore("rdt21_receiver", ch, cfg)}
	go r.loop()
	return r
}

func (r *Receiver21) loop() {
	for {
		frame, from, err := r.ch.Recv(-1)
		if err != nil {
			return
		}
		r.pktsRx.Inc()
		prev := r.expected ^ 1
		p, derr := packet.Decode(frame)
		if derr != nil {
			r.corruptDrops.Inc()
			log.Debugf("corrupt DATA, re-ACKing %d", prev)
			sendTo(r.ch, from, packet.Packet{Kind: packet.ACK, Ack: prev})
			continue
		}
		if p.Kind != packet.DATA {
			log.Debugf("ignoring unexpected %s", p)
			continue
		}
		if p.Seq != r.expected {
			r.duplicates.Inc()
			log.Debugf("duplicate DATA seq=%d, re-ACKing %d", p.Seq, prev)
			sendTo(r.ch, from, packet.Packet{Kind: packet.ACK, Ack: prev})
			continue
		}
		if msg, done := r.asm.Add(p.Payload, p.Flags); done {
			r.handOff(msg)
		}
		sendTo(r.ch, from, packet.Packet{Kind: packet.ACK, Ack: r.expected})
		r.expected ^= 1
	}
}

// Close stops the receive loop and releases the port.
func (r *Receiver21) Close() error { return r.closeCore() }
