package tcp

import (
	"time"

	"rdt-tcp-pa/packet"
)

// segment is one entry of the retransmission queue: the bytes on the wire
// plus the metadata Karn's rule and the backoff logic need, kept adjacent.
type segment struct {
	kind          packet.Kind
	flags         uint8
	seq           uint32
	data          []byte
	sentAt        time.Time
	rexmits       int
	retransmitted bool
}

// seqLen returns how much sequence space the segment occupies: its payload
// for DATA, one unit for the SYN/SYN_ACK/FIN control segments (their
// payload, when present, is the advertised window, not stream data).
func (sg *segment) seqLen() uint32 {
	switch sg.kind {
	case packet.SYN, packet.SYNACK, packet.FIN:
		return 1
	default:
		return uint32(len(sg.data))
	}
}

// end returns the sequence number just past the segment.
func (sg *segment) end() uint32 { return sg.seq + sg.seqLen() }
