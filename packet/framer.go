package packet

// Split chops an application message into chunks of at most mss bytes. An
// empty message still yields one empty chunk so that zero-length sends
// produce a packet. Senders set FlagMore on every chunk except the last.
func Split(msg []byte, mss int) [][]byte {
	if mss <= 0 {
		mss = 1
	}
	if len(msg) <= mss {
		return [][]byte{msg}
	}
	chunks := make([][]byte, 0, (len(msg)+mss-1)/mss)
	for len(msg) > mss {
		chunks = append(chunks, msg[:mss])
		msg = msg[mss:]
	}
	return append(chunks, msg)
}

// Assembler rebuilds application messages from fragments delivered in order
// by a reliable protocol. Fragments carry FlagMore until the final chunk.
type Assembler struct {
	pending []byte
}

// Add folds in the next in-order fragment. When the fragment completes a
// message, Add returns it with done=true; the returned slice is owned by the
// caller.
func (a *Assembler) Add(payload []byte, flags uint8) (msg []byte, done bool) {
	a.pending = append(a.pending, payload...)
	if flags&FlagMore != 0 {
		return nil, false
	}
	msg = a.pending
	a.pending = nil
	if msg == nil {
		msg = []byte{}
	}
	return msg, true
}
