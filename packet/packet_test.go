package packet

import (
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		{Kind: DATA, Seq: 0, Payload: []byte("hello")},
		{Kind: DATA, Flags: FlagMore, Seq: 7, Payload: []byte("x")},
		{Kind: ACK, Ack: 42},
		{Kind: NAK},
		{Kind: SYN, Seq: 0xdeadbeef, Payload: WindowPayload(65535)},
		{Kind: SYNACK, Seq: 1, Ack: 0xdeadbef0},
		{Kind: FIN, Seq: 1<<32 - 1},
		{Kind: FINACK, Ack: 0},
		{Kind: DATA, Seq: 3, Payload: []byte{}},                   // zero-length payload
		{Kind: DATA, Seq: 9, Payload: bytes.Repeat([]byte{7}, 5)}, // odd length
	}
	for _, want := range cases {
		got, err := Decode(Encode(want))
		if err != nil {
			t.Fatalf("Decode(Encode(%v)): %v", want, err)
		}
		// empty payloads normalize to nil
		if len(want.Payload) == 0 {
			want.Payload = nil
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeDetectsEveryBitFlip(t *testing.T) {
	frame := Encode(Packet{Kind: DATA, Seq: 5, Ack: 3, Payload: []byte("payload")})
	for i := 0; i < len(frame)*8; i++ {
		mangled := make([]byte, len(frame))
		copy(mangled, frame)
		mangled[i/8] ^= 1 << uint(i%8)
		if _, err := Decode(mangled); err == nil {
			t.Fatalf("flip of bit %d went undetected", i)
		} else if !IsCorrupt(err) {
			t.Fatalf("flip of bit %d: unexpected error %v", i, err)
		}
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); !IsCorrupt(err) {
		t.Errorf("short frame: got %v", err)
	}
	frame := Encode(Packet{Kind: DATA, Payload: []byte("abcd")})
	if _, err := Decode(frame[:len(frame)-1]); !IsCorrupt(err) {
		t.Errorf("truncated payload: got %v", err)
	}
	if _, err := Decode(append(frame, 0)); !IsCorrupt(err) {
		t.Errorf("oversized frame: got %v", err)
	}
}

func TestWindowPayload(t *testing.T) {
	p := Packet{Kind: ACK, Ack: 9, Payload: WindowPayload(4096)}
	wnd, ok := ParseWindow(p)
	if !ok || wnd != 4096 {
		t.Errorf("ParseWindow = %d, %v", wnd, ok)
	}
	if _, ok := ParseWindow(Packet{Kind: ACK}); ok {
		t.Error("ParseWindow accepted an empty payload")
	}
}

func TestSplitAndAssemble(t *testing.T) {
	msg := bytes.Repeat([]byte("0123456789"), 30) // 300 bytes
	chunks := Split(msg, 128)
	if len(chunks) != 3 {
		t.Fatalf("Split produced %d chunks, want 3", len(chunks))
	}
	var asm Assembler
	for i, chunk := range chunks {
		flags := uint8(0)
		if i < len(chunks)-1 {
			flags = FlagMore
		}
		got, done := asm.Add(chunk, flags)
		if i < len(chunks)-1 {
			if done {
				t.Fatalf("assembler finished early at chunk %d", i)
			}
			continue
		}
		if !done || !bytes.Equal(got, msg) {
			t.Fatalf("assembled %d bytes, want %d", len(got), len(msg))
		}
	}

	if got := Split(nil, 128); len(got) != 1 || len(got[0]) != 0 {
		t.Errorf("Split(nil) = %v, want one empty chunk", got)
	}
}
