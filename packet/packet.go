// Package packet implements the wire format shared by every protocol in this
// repository: a fixed 14-byte header followed by an opaque payload, protected
// by a 16-bit ones-complement checksum.
//
// Header layout, all multi-byte fields big-endian:
//
//	kind(1) flags(1) seq(4) ack(4) checksum(2) payload_len(2)
//
// The checksum covers the whole frame with the checksum field zeroed; frames
// of odd length are padded with a single zero byte for the computation only.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// HeaderLen is the fixed size of the encoded header in bytes.
const HeaderLen = 14

// ErrCorrupt is returned by Decode when the checksum does not match or the
// frame is structurally inconsistent. A corrupt frame carries no information:
// callers treat it exactly like a frame that was never received.
var ErrCorrupt = errors.New("corrupt packet")

// Kind identifies the packet type.
type Kind uint8

const (
	DATA Kind = iota
	ACK
	NAK
	SYN
	SYNACK
	FIN
	FINACK
)

func (k Kind) String() string {
	switch k {
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case SYN:
		return "SYN"
	case SYNACK:
		return "SYN_ACK"
	case FIN:
		return "FIN"
	case FINACK:
		return "FIN_ACK"
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Flag bits carried in the header's flags byte.
const (
	// FlagMore marks a fragment of a larger application message; the
	// receiver keeps assembling until it sees a frame without it.
	FlagMore uint8 = 1 << 0
	// FlagRst aborts the peer connection (simplified TCP only).
	FlagRst uint8 = 1 << 1
)

// Packet is the decoded form of a frame.
type Packet struct {
	Kind    Kind
	Flags   uint8
	Seq     uint32
	Ack     uint32
	Payload []byte
}

func (p Packet) String() string {
	return fmt.Sprintf("%s[seq=%d ack=%d flags=%#x len=%d]",
		p.Kind, p.Seq, p.Ack, p.Flags, len(p.Payload))
}

// checksum computes the ones-complement checksum of frame with the checksum
// field already zeroed. netstack's Checksum handles the odd-length pad.
func checksum(frame []byte) uint16 {
	return ^header.Checksum(frame, 0)
}

// Encode serializes p into a frame ready for the wire.
func Encode(p Packet) []byte {
	frame := make([]byte, HeaderLen+len(p.Payload))
	frame[0] = byte(p.Kind)
	frame[1] = p.Flags
	binary.BigEndian.PutUint32(frame[2:6], p.Seq)
	binary.BigEndian.PutUint32(frame[6:10], p.Ack)
	// frame[10:12] stays zero while the checksum is computed
	binary.BigEndian.PutUint16(frame[12:14], uint16(len(p.Payload)))
	copy(frame[HeaderLen:], p.Payload)
	binary.BigEndian.PutUint16(frame[10:12], checksum(frame))
	return frame
}

// Decode parses a frame, returning ErrCorrupt on checksum mismatch or when
// the declared payload length disagrees with the frame size.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < HeaderLen {
		return Packet{}, errors.Wrapf(ErrCorrupt, "frame of %d bytes is shorter than the header", len(frame))
	}
	payloadLen := int(binary.BigEndian.Uint16(frame[12:14]))
	if payloadLen != len(frame)-HeaderLen {
		return Packet{}, errors.Wrapf(ErrCorrupt, "payload_len %d does not match frame of %d bytes", payloadLen, len(frame))
	}
	want := binary.BigEndian.Uint16(frame[10:12])
	scratch := make([]byte, len(frame))
	copy(scratch, frame)
	scratch[10], scratch[11] = 0, 0
	if checksum(scratch) != want {
		return Packet{}, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}
	p := Packet{
		Kind:  Kind(frame[0]),
		Flags: frame[1],
		Seq:   binary.BigEndian.Uint32(frame[2:6]),
		Ack:   binary.BigEndian.Uint32(frame[6:10]),
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, frame[HeaderLen:])
	}
	return p, nil
}

// IsCorrupt reports whether err is a corruption error from Decode.
func IsCorrupt(err error) bool {
	return errors.Cause(err) == ErrCorrupt
}

// WindowPayload encodes an advertised receive window for ACK-bearing
// segments. The header itself has no window field; simplified TCP carries the
// 16-bit window as the two-byte payload of its ACK segments.
func WindowPayload(wnd uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, wnd)
	return b
}

// ParseWindow extracts an advertised window from an ACK-bearing segment.
func ParseWindow(p Packet) (uint16, bool) {
	if len(p.Payload) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(p.Payload), true
}
