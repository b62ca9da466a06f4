package rdt

import (
	"net/netip"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
)

// Sender30 implements the rdt3.0 sender: rdt2.1 plus a retransmission timer.
// The timer starts when DATA goes out and stops on the matching ACK; expiry
// is handled exactly like a lost ACK, by retransmitting and restarting. Here
// the timer is the channel's recv deadline — the sender suspends nowhere
// else, so the deadline and a dedicated timer are the same event.
//
// Config.Timeout is the retransmission timer; it must cover a round trip
// plus jitter.
type Sender30 struct {
	senderCore
	seq uint32
}

// NewSender30 builds an rdt3.0 sender bound to ch, talking to dest.
func NewSender30(ch channel.Channel, dest netip.AddrPort, cfg Config) *Sender30 {
	return &Sender30{senderCore: newSenderCore("rdt30_sender", ch, dest, cfg)}
}

// Send transmits one application message, fragmenting at MSS, and blocks
// until every fragment has been acknowledged. Packets lost in either
// direction are recovered by the retransmission timer.
func (s *Sender30) Send(msg []byte) error {
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

// Close releases the sender's port.
func (s *Sender30) Close() error { return s.close() }

// Receiver30 is the rdt3.0 receiver, identical to rdt2.1's: the timer lives
// entirely on the sender side.
type Receiver30 = Receiver21

// NewReceiver30 builds an rdt3.0 receiver listening on ch.
func NewReceiver30(ch channel.Channel, cfg Config) *Receiver30 {
	return NewReceiver21(ch, cfg)
}
