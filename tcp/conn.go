package tcp

import (
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/seqnum"
	"rdt-tcp-pa/timer"
)

// Timer keys for a connection's timer service.
const (
	rtoTimer      = 1
	timeWaitTimer = 2
)

// earlySeg is one out-of-order segment parked until the gap before it
// fills. Ordering uses the signed-difference comparison; every buffered key
// lies inside one receive window, so the order is total in practice.
type earlySeg struct {
	seq     uint32
	payload []byte
}

// Conn is one simplified-TCP connection.
type Conn struct {
	stack  *Stack
	remote netip.AddrPort
	id     uint16
	cfg    Config

	mu    sync.Mutex
	state State
	err   error // terminal failure (reset), surfaced at the API

	iss    uint32
	irs    uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	rcvNxt uint32

	sendBuf *ring // bytes accepted from the application, not yet segmented
	rtq     []*segment
	early   *btree.BTreeG[earlySeg]
	recvBuf *ring // in-order bytes ready for the application

	rtt      rttEstimator
	dupAcks  int
	finSeq   uint32
	finSent  bool
	finRcvd  bool
	closeReq bool // application asked for teardown; FIN goes out when drained

	timers *timer.Service
	frames chan packet.Packet

	// wakeups toward the blocking API
	sendKick    chan struct{}
	sendSpace   chan struct{}
	recvReady   chan struct{}
	established chan struct{}
	estOnce     sync.Once
	// torndown fires when both FIN exchanges are done (TIME_WAIT or
	// CLOSED); closedCh fires on CLOSED.
	torndown chan struct{}
	tdOnce   sync.Once
	closedCh chan struct{}
	clOnce   sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newConn(stack *Stack, remote netip.AddrPort, id uint16, state State, iss uint32) *Conn {
	cfg := stack.cfg
	return &Conn{
		stack:       stack,
		remote:      remote,
		id:          id,
		cfg:         cfg,
		state:       state,
		iss:         iss,
		sndUna:      iss,
		sndNxt:      iss,
		sndWnd:      uint32(cfg.WindowSize),
		sendBuf:     newRing(cfg.SendBufferSize),
		recvBuf:     newRing(int(cfg.WindowSize)),
		early:       btree.NewG(2, func(a, b earlySeg) bool { return seqnum.Lt(a.seq, b.seq) }),
		rtt:         newRTTEstimator(cfg),
		timers:      timer.New(),
		frames:      make(chan packet.Packet, 256),
		sendKick:    make(chan struct{}, 1),
		sendSpace:   make(chan struct{}, 1),
		recvReady:   make(chan struct{}, 1),
		established: make(chan struct{}),
		torndown:    make(chan struct{}),
		closedCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the socket's table identifier.
func (c *Conn) ID() uint16 { return c.id }

// RemoteAddr returns the peer endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	log.Debugf("socket %d %s -> %s", c.id, c.state, s)
	c.state = s
	switch s {
	case StateEstablished:
		c.estOnce.Do(func() { close(c.established) })
	case StateTimeWait:
		c.tdOnce.Do(func() { close(c.torndown) })
		c.timers.Start(timeWaitTimer, 2*c.cfg.MSL, c.onTimeWait)
	case StateClosed:
		c.tdOnce.Do(func() { close(c.torndown) })
		c.clOnce.Do(func() { close(c.closedCh) })
		c.timers.Cancel(rtoTimer)
		c.timers.Cancel(timeWaitTimer)
		c.signal(c.recvReady)
		c.signal(c.sendSpace)
		c.stack.remove(c.remote)
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// signal pokes a capacity-1 wakeup channel without blocking.
func (c *Conn) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// loop is the connection's event loop: decoded segments from the stack
// demultiplexer, send kicks from the application, and timer expirations,
// all serialized here.
func (c *Conn) loop() {
	for {
		c.mu.Lock()
		next, armed := c.timers.Next()
		c.mu.Unlock()

		var timerC <-chan time.Time
		var tm *time.Timer
		if armed {
			tm = time.NewTimer(next)
			timerC = tm.C
		}
		select {
		case p := <-c.frames:
			c.mu.Lock()
			c.handleSegment(p)
			c.mu.Unlock()
		case <-c.sendKick:
			c.mu.Lock()
			c.pump()
			c.mu.Unlock()
		case <-timerC:
			c.mu.Lock()
			c.timers.Advance()
			c.mu.Unlock()
		case <-c.done:
			if tm != nil {
				tm.Stop()
			}
			return
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// sendControl transmits a bare control packet that does not enter the
// retransmission queue (ACKs and FIN_ACKs; the receiver re-elicits them).
func (c *Conn) sendControl(kind packet.Kind, flags uint8, seq, ack uint32, payload []byte) {
	c.stack.transmit(packet.Packet{
		Kind: kind, Flags: flags, Seq: seq, Ack: ack, Payload: payload,
	}, c.remote)
}

// sendSegment transmits a segment and queues it for retransmission,
// starting the RTO timer when it was idle.
func (c *Conn) sendSegment(sg *segment) {
	sg.sentAt = time.Now()
	c.stack.transmit(packet.Packet{
		Kind: sg.kind, Flags: sg.flags, Seq: sg.seq, Ack: c.rcvNxt, Payload: sg.data,
	}, c.remote)
	c.stack.segsTx.Inc()
	c.rtq = append(c.rtq, sg)
	if !c.timers.Active(rtoTimer) {
		c.timers.Start(rtoTimer, c.rtt.RTO(), c.onRTO)
	}
}

// retransmit resends an already-queued segment.
func (c *Conn) retransmit(sg *segment) {
	sg.retransmitted = true
	sg.sentAt = time.Now()
	c.stack.transmit(packet.Packet{
		Kind: sg.kind, Flags: sg.flags, Seq: sg.seq, Ack: c.rcvNxt, Payload: sg.data,
	}, c.remote)
	c.stack.retransmits.Inc()
}

// windowPayload advertises the current receive window.
func (c *Conn) windowPayload() []byte {
	return packet.WindowPayload(uint16(c.recvBuf.Free()))
}

// inFlight returns the sequence span between snd_una and snd_nxt.
func (c *Conn) inFlight() uint32 { return c.sndNxt - c.sndUna }

// pump moves bytes from the send buffer into segments while the peer's
// window allows, then emits a pending FIN once the stream is drained.
func (c *Conn) pump() {
	if c.state != StateEstablished && c.state != StateCloseWait &&
		c.state != StateFinWait1 && c.state != StateClosing {
		return
	}
	for c.sendBuf.Len() > 0 {
		avail := int64(c.sndWnd) - int64(c.inFlight())
		if avail <= 0 {
			break
		}
		size := c.cfg.MSS
		if int64(size) > avail {
			size = int(avail)
		}
		if size > c.sendBuf.Len() {
			size = c.sendBuf.Len()
		}
		data := make([]byte, size)
		c.sendBuf.Read(data)
		sg := &segment{kind: packet.DATA, seq: c.sndNxt, data: data}
		c.sndNxt += uint32(size)
		c.sendSegment(sg)
	}
	if c.closeReq && !c.finSent && c.sendBuf.Len() == 0 {
		c.sendFIN()
	}
	if c.sendBuf.Free() > 0 {
		c.signal(c.sendSpace)
	}
}

// sendFIN emits our FIN and moves to the closing side of the state machine.
func (c *Conn) sendFIN() {
	c.finSeq = c.sndNxt
	c.finSent = true
	sg := &segment{kind: packet.FIN, seq: c.sndNxt}
	c.sndNxt++
	c.sendSegment(sg)
	switch c.state {
	case StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	}
}

// onRTO retransmits the oldest unacknowledged segment with exponential
// backoff, aborting the connection once the retransmission cap is reached.
func (c *Conn) onRTO() {
	if len(c.rtq) == 0 {
		return
	}
	sg := c.rtq[0]
	sg.rexmits++
	if sg.rexmits > c.cfg.RexmitLimit {
		log.Warningf("socket %d: %s seq=%d retransmitted %d times, resetting",
			c.id, sg.kind, sg.seq, sg.rexmits-1)
		c.abort(ErrReset, true)
		return
	}
	c.retransmit(sg)
	c.rtt.backoff()
	c.timers.Start(rtoTimer, c.rtt.RTO(), c.onRTO)
}

func (c *Conn) onTimeWait() {
	if c.state == StateTimeWait {
		c.setState(StateClosed)
	}
}

// abort tears the connection down immediately. notifyPeer sends a reset
// marker so the other side fails fast instead of timing out.
func (c *Conn) abort(err error, notifyPeer bool) {
	if c.state == StateClosed {
		return
	}
	if c.err == nil {
		c.err = err
	}
	if notifyPeer {
		c.stack.resets.Inc()
		c.sendControl(packet.ACK, packet.FlagRst, c.sndNxt, c.rcvNxt, nil)
	}
	c.rtq = nil
	c.setState(StateClosed)
	// a handshake waiter learns the outcome through closedCh
	c.estOnce.Do(func() {})
}

// handleSegment is the connection FSM: every decoded segment from the peer
// lands here, serialized by the event loop.
func (c *Conn) handleSegment(p packet.Packet) {
	c.stack.segsRx.Inc()
	if p.Flags&packet.FlagRst != 0 {
		log.Debugf("socket %d: peer reset in %s", c.id, c.state)
		c.abort(ErrReset, false)
		return
	}
	switch p.Kind {
	case packet.SYN:
		c.handleSYN(p)
	case packet.SYNACK:
		c.handleSYNACK(p)
	case packet.ACK:
		c.handleACK(p)
	case packet.DATA:
		c.handleDATA(p)
	case packet.FIN:
		c.handleFIN(p)
	case packet.FINACK:
		c.handleFINACK(p)
	default:
		c.protoDrop(p)
	}
}

// protoDrop discards a packet impossible in the current state without
// corrupting anything.
func (c *Conn) protoDrop(p packet.Packet) {
	c.stack.protoDrops.Inc()
	log.Debugf("socket %d: dropping %s in %s", c.id, p, c.state)
}

func (c *Conn) handleSYN(p packet.Packet) {
	if c.state != StateSynReceived {
		c.protoDrop(p)
		return
	}
	// retransmitted SYN: our SYN_ACK was lost, resend it
	if len(c.rtq) > 0 && c.rtq[0].kind == packet.SYNACK {
		c.retransmit(c.rtq[0])
	}
}

func (c *Conn) handleSYNACK(p packet.Packet) {
	switch c.state {
	case StateSynSent:
		if p.Ack != c.iss+1 {
			c.protoDrop(p)
			return
		}
		c.irs = p.Seq
		c.rcvNxt = p.Seq + 1
		c.advanceUna(p.Ack)
		if wnd, ok := packet.ParseWindow(p); ok {
			c.sndWnd = uint32(wnd)
		}
		c.sendControl(packet.ACK, 0, c.sndNxt, c.rcvNxt, c.windowPayload())
		c.setState(StateEstablished)
		c.pump()
	case StateEstablished:
		// our handshake ACK was lost; repeat it
		c.sendControl(packet.ACK, 0, c.sndNxt, c.rcvNxt, c.windowPayload())
	default:
		c.protoDrop(p)
	}
}

func (c *Conn) handleACK(p packet.Packet) {
	switch c.state {
	case StateSynReceived:
		if p.Ack == c.sndNxt {
			c.advanceUna(p.Ack)
			if wnd, ok := packet.ParseWindow(p); ok {
				c.sndWnd = uint32(wnd)
			}
			c.setState(StateEstablished)
			c.stack.deliverAccept(c)
			return
		}
		c.protoDrop(p)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait,
		StateClosing, StateLastAck:
		c.processAck(p)
	default:
		c.protoDrop(p)
	}
}

// processAck applies a cumulative acknowledgment to the send side.
func (c *Conn) processAck(p packet.Packet) {
	a := p.Ack
	switch {
	case seqnum.Lt(c.sndUna, a) && seqnum.Le(a, c.sndNxt):
		c.advanceUna(a)
		if wnd, ok := packet.ParseWindow(p); ok {
			c.sndWnd = uint32(wnd)
		}
		c.dupAcks = 0
		c.maybeFinAcked()
		c.pump()
		c.signal(c.sendSpace)
	case a == c.sndUna:
		// the peer may be re-advertising its window after a read
		if wnd, ok := packet.ParseWindow(p); ok && uint32(wnd) != c.sndWnd {
			c.sndWnd = uint32(wnd)
			c.pump()
		}
		if len(c.rtq) == 0 {
			return
		}
		c.dupAcks++
		c.stack.dupAcksRx.Inc()
		if !c.cfg.DisableFastRetransmit && c.dupAcks == 3 {
			sg := c.rtq[0]
			log.Debugf("socket %d: fast retransmit seq=%d", c.id, sg.seq)
			c.stack.fastRexmits.Inc()
			c.retransmit(sg)
			c.timers.Start(rtoTimer, c.rtt.RTO(), c.onRTO)
		}
	default:
		// old ACK, ignore
	}
}

// advanceUna moves snd_una to a, drops fully acknowledged segments from the
// retransmission queue, samples the RTT per Karn's rule, and re-targets the
// RTO timer at the new oldest segment.
func (c *Conn) advanceUna(a uint32) {
	sampled := false
	for len(c.rtq) > 0 && seqnum.Le(c.rtq[0].end(), a) {
		sg := c.rtq[0]
		c.rtq = c.rtq[1:]
		if !sampled && !sg.retransmitted {
			c.rtt.sample(time.Since(sg.sentAt))
			sampled = true
		}
	}
	c.sndUna = a
	if len(c.rtq) > 0 {
		c.timers.Start(rtoTimer, c.rtt.RTO(), c.onRTO)
	} else {
		c.timers.Cancel(rtoTimer)
	}
}

func (c *Conn) handleDATA(p packet.Packet) {
	if c.state == StateSynReceived {
		// the handshake ACK was lost; data from the peer proves it
		c.advanceUna(c.sndNxt)
		c.setState(StateEstablished)
		c.stack.deliverAccept(c)
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		c.protoDrop(p)
		return
	}

	s := p.Seq
	switch {
	case s == c.rcvNxt:
		if c.recvBuf.Free() >= len(p.Payload) {
			c.recvBuf.Write(p.Payload)
			c.rcvNxt += uint32(len(p.Payload))
			c.drainEarly()
			c.signal(c.recvReady)
		}
		// no room: drop and re-advertise; the peer retransmits
	case seqnum.Gt(s, c.rcvNxt) && seqnum.InWindow(s, c.rcvNxt, uint32(c.cfg.WindowSize)):
		if _, dup := c.early.Get(earlySeg{seq: s}); !dup {
			c.early.ReplaceOrInsert(earlySeg{seq: s, payload: p.Payload})
			c.stack.earlyRx.Inc()
		}
	default:
		// duplicate of already-delivered data
		c.stack.dupData.Inc()
	}
	c.sendControl(packet.ACK, 0, c.sndNxt, c.rcvNxt, c.windowPayload())
}

// drainEarly folds contiguous buffered out-of-order segments into the
// receive buffer.
func (c *Conn) drainEarly() {
	for {
		min, ok := c.early.Min()
		if !ok {
			return
		}
		if seqnum.Lt(min.seq, c.rcvNxt) {
			// overlap already delivered by a retransmission
			c.early.DeleteMin()
			continue
		}
		if min.seq != c.rcvNxt || c.recvBuf.Free() < len(min.payload) {
			return
		}
		c.early.DeleteMin()
		c.recvBuf.Write(min.payload)
		c.rcvNxt += uint32(len(min.payload))
	}
}

func (c *Conn) handleFIN(p packet.Packet) {
	if p.Seq != c.rcvNxt {
		if seqnum.Lt(p.Seq, c.rcvNxt) {
			// retransmitted FIN: our FIN_ACK was lost
			c.sendControl(packet.FINACK, 0, c.sndNxt, c.rcvNxt, nil)
			if c.state == StateTimeWait {
				c.timers.Start(timeWaitTimer, 2*c.cfg.MSL, c.onTimeWait)
			}
		} else {
			// data before the FIN is still missing
			c.sendControl(packet.ACK, 0, c.sndNxt, c.rcvNxt, c.windowPayload())
		}
		return
	}
	c.rcvNxt = p.Seq + 1
	c.finRcvd = true
	c.signal(c.recvReady)
	c.sendControl(packet.FINACK, 0, c.sndNxt, c.rcvNxt, nil)
	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		// simultaneous close: both FINs crossed
		c.setState(StateClosing)
	case StateFinWait2:
		c.setState(StateTimeWait)
	default:
		c.protoDrop(p)
	}
}

func (c *Conn) handleFINACK(p packet.Packet) {
	if seqnum.Lt(c.sndUna, p.Ack) && seqnum.Le(p.Ack, c.sndNxt) {
		c.advanceUna(p.Ack)
	}
	c.maybeFinAcked()
}

// maybeFinAcked advances the closing side of the FSM once our FIN has been
// acknowledged, whether by a FIN_ACK or by a later cumulative ACK.
func (c *Conn) maybeFinAcked() {
	if !c.finSent || c.sndUna != c.finSeq+1 {
		return
	}
	switch c.state {
	case StateFinWait1:
		c.setState(StateFinWait2)
	case StateClosing:
		c.setState(StateTimeWait)
	case StateLastAck:
		c.setState(StateClosed)
	}
}

// Send queues bytes on the stream, blocking while the send buffer is full.
// It returns the count written, which is len(b) unless the connection
// fails.
func (c *Conn) Send(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		c.mu.Lock()
		if err := c.sendErr(); err != nil {
			c.mu.Unlock()
			return total, err
		}
		n := c.sendBuf.Write(b)
		c.mu.Unlock()
		if n > 0 {
			total += n
			b = b[n:]
			c.signal(c.sendKick)
			continue
		}
		select {
		case <-c.sendSpace:
		case <-c.closedCh:
			c.mu.Lock()
			err := c.sendErr()
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return total, err
		}
	}
	return total, nil
}

// sendErr reports why the stream cannot accept bytes, or nil.
func (c *Conn) sendErr() error {
	if c.err != nil {
		return c.err
	}
	if c.closeReq || c.finSent {
		return ErrClosed
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return errors.WithMessagef(ErrProtocol, "send in %s", c.state)
	}
}

// Recv reads up to max bytes from the stream, blocking until data, EOF or
// failure. A peer FIN surfaces as io.EOF once the buffered data drains.
func (c *Conn) Recv(max int) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.recvBuf.Len() > 0 {
			n := max
			if n > c.recvBuf.Len() {
				n = c.recvBuf.Len()
			}
			out := make([]byte, n)
			c.recvBuf.Read(out)
			// re-advertise the freed window so a stalled sender resumes
			if !c.finRcvd && c.state != StateClosed {
				c.sendControl(packet.ACK, 0, c.sndNxt, c.rcvNxt, c.windowPayload())
			}
			c.mu.Unlock()
			return out, nil
		}
		if c.finRcvd {
			c.mu.Unlock()
			return nil, io.EOF
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.mu.Unlock()
		select {
		case <-c.recvReady:
		case <-c.closedCh:
		}
	}
}

// Close starts an orderly teardown: pending data is flushed, our FIN goes
// out, and the call returns once both directions are shut (TIME_WAIT on the
// active side). Subsequent sends fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateSynSent, StateSynReceived:
		c.abort(ErrClosed, false)
		c.mu.Unlock()
		return nil
	default:
		c.closeReq = true
	}
	c.mu.Unlock()
	c.signal(c.sendKick)
	<-c.torndown
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err == ErrClosed {
		err = nil
	}
	return err
}

// enqueue hands a decoded segment to the event loop, dropping when the
// queue is saturated — the substrate is unreliable anyway.
func (c *Conn) enqueue(p packet.Packet) {
	select {
	case c.frames <- p:
	default:
		c.stack.queueDrops.Inc()
	}
}
