package rdt

import (
	"net/netip"
	"time"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
)

// Sender20 implements the rdt2.0 sender FSM: WaitForCallFromAbove and
// WaitForACKorNAK, no sequence numbers.
//
// rdt2.0 is kept to demonstrate its documented weakness: a corrupted ACK is
// indistinguishable from a NAK, so the sender retransmits and the receiver —
// having no sequence number to recognize the duplicate — delivers the same
// payload twice.
type Sender20 struct {
	senderCore
}

// NewSender20 builds an rdt2.0 sender bound to ch, talking to dest.
func NewSender20(ch channel.Channel, dest netip.AddrPort, cfg Config) *Sender20 {
	return &Sender20{senderCore: newSenderCore("rdt20_sender", ch, dest, cfg)}
}

// Send transmits one application message, fragmenting at MSS, and blocks
// until every fragment has been acknowledged.
func (s *Sender20) Send(msg []byte) error {
	chunks := packet.Split(msg, s.cfg.MSS)
	for i, chunk := range chunks {
		var flags uint8
		if i < len(chunks)-1 {
			flags = packet.FlagMore
		}
		if err := s.sendChunk(chunk, flags); err != nil {
			return err
		}
	}
	s.msgsAcked.Inc()
	return nil
}

func (s *Sender20) sendChunk(chunk []byte, flags uint8) error {
	data := packet.Packet{Kind: packet.DATA, Flags: flags, Payload: chunk}
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

		resp, _, err := s.ch.Recv(s.cfg.Timeout)
		switch {
		case channel.IsTimeout(err):
			s.timeouts.Inc()
			log.Debugf("rdt2.0: timeout waiting for ACK/NAK, retransmitting")
			continue
		case err != nil:
			return ErrClosed
		}

		p, derr := packet.Decode(resp)
		if derr != nil {
			// corrupted response is treated as a NAK — the protocol's
			// documented fatal flaw when the mangled packet was an ACK
			s.corruptRx.Inc()
			log.Debugf("rdt2.0: corrupt response, retransmitting")
			continue
		}
		switch p.Kind {
		case packet.ACK:
			s.lastRTT = time.Since(sentAt)
			return nil
		case packet.NAK:
			s.naksRx.Inc()
			log.Debugf("rdt2.0: NAK, retransmitting")
			continue
		default:
			log.Debugf("rdt2.0: unexpected %s while waiting for ACK/NAK", p)
			continue
		}
	}
}

// Close releases the sender's port.
func (s *Sender20) Close() error { return s.close() }

// Receiver20 implements the rdt2.0 receiver FSM: a single
// WaitForCallFromBelow state. Corrupted DATA draws a NAK; clean DATA is
// delivered and ACKed. Without sequence numbers, a retransmission caused by
// a corrupted ACK is delivered again.
type Receiver20 struct {
	receiverCore
}

// NewReceiver20 builds an rdt2.0 receiver listening on ch.
func NewReceiver20(ch channel.Channel, cfg Config) *Receiver20 {
	r := &Receiver20{receiverCore: newReceiverCore("rdt20_receiver", ch, cfg)}
	go r.loop()
	return r
}

func (r *Receiver20) loop() {
	for {
		frame, from, err := r.ch.Recv(-1)
		if err != nil {
			return
		}
		r.pktsRx.Inc()
		p, derr := packet.Decode(frame)
		if derr != nil {
			r.corruptDrops.Inc()
			log.Debugf("rdt2.0: corrupt DATA, sending NAK")
			sendTo(r.ch, from, packet.Packet{Kind: packet.NAK})
			continue
		}
		if p.Kind != packet.DATA {
			log.Debugf("rdt2.0: ignoring unexpected %s", p)
			continue
		}
		if msg, done := r.asm.Add(p.Payload, p.Flags); done {
			r.handOff(msg)
		}
		sendTo(r.ch, from, packet.Packet{Kind: packet.ACK})
	}
}

// Close stops the receive loop and releases the port.
func (r *Receiver20) Close() error { return r.closeCore() }
