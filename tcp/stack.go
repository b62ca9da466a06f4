package tcp

import (
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/packet"
	"rdt-tcp-pa/stats"
)

// Stack owns one datagram port and demultiplexes segments to connections by
// remote endpoint. At most one listener accepts passive opens.
type Stack struct {
	ch  channel.Channel
	cfg Config

	mu       sync.Mutex
	conns    map[netip.AddrPort]*Conn
	order    []*Conn // socket-table order for listing
	listener *Listener
	nextID   uint16
	closed   bool

	table       *stats.Table
	segsTx      *stats.Counter
	segsRx      *stats.Counter
	retransmits *stats.Counter
	fastRexmits *stats.Counter
	dupAcksRx   *stats.Counter
	dupData     *stats.Counter
	earlyRx     *stats.Counter
	corruptRx   *stats.Counter
	protoDrops  *stats.Counter
	queueDrops  *stats.Counter
	resets      *stats.Counter
}

// NewStack builds a TCP stack over ch and starts its demultiplexer.
func NewStack(ch channel.Channel, cfg Config) *Stack {
	t := stats.NewTable("tcp")
	s := &Stack{
		ch:          ch,
		cfg:         cfg.withDefaults(),
		conns:       make(map[netip.AddrPort]*Conn),
		table:       t,
		segsTx:      t.New("segs_tx", "segments transmitted", "segs"),
		segsRx:      t.New("segs_rx", "segments handled", "segs"),
		retransmits: t.New("retransmissions", "segments retransmitted", "segs"),
		fastRexmits: t.New("fast_retransmits", "fast retransmits fired", "segs"),
		dupAcksRx:   t.New("dup_acks_rx", "duplicate ACKs counted", "segs"),
		dupData:     t.New("dup_data_rx", "already-delivered data dropped", "segs"),
		earlyRx:     t.New("early_rx", "out-of-order segments buffered", "segs"),
		corruptRx:   t.New("corrupt_rx", "frames dropped by checksum", "pkts"),
		protoDrops:  t.New("proto_drops", "packets impossible in their state", "pkts"),
		queueDrops:  t.New("queue_drops", "frames dropped on a full socket queue", "pkts"),
		resets:      t.New("resets", "connections aborted", "conns"),
	}
	go s.demux()
	return s
}

// demux routes every arriving frame to its connection, or to the listener
// for a new SYN. Anything else is a protocol error: dropped and counted.
func (s *Stack) demux() {
	for {
		frame, from, err := s.ch.Recv(-1)
		if err != nil {
			return
		}
		p, derr := packet.Decode(frame)
		if derr != nil {
			s.corruptRx.Inc()
			continue
		}
		s.mu.Lock()
		c := s.conns[from]
		lst := s.listener
		s.mu.Unlock()
		if c != nil {
			c.enqueue(p)
			continue
		}
		if p.Kind == packet.SYN && lst != nil {
			s.passiveOpen(from, p)
			continue
		}
		s.protoDrops.Inc()
		log.Debugf("no socket for %s from %s", p, from)
	}
}

// transmit encodes and ships one packet; channel errors are invisible to
// the FSMs, like any other loss.
func (s *Stack) transmit(p packet.Packet, to netip.AddrPort) {
	if err := s.ch.Send(packet.Encode(p), to); err != nil {
		log.Warningf("send %s to %s: %v", p, to, err)
	}
}

// passiveOpen builds a SYN_RECEIVED connection for a first SYN and answers
// with SYN_ACK.
func (s *Stack) passiveOpen(from netip.AddrPort, p packet.Packet) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	c := newConn(s, from, s.nextID, StateSynReceived, rand.Uint32())
	s.nextID++
	s.conns[from] = c
	s.order = append(s.order, c)
	s.mu.Unlock()

	c.mu.Lock()
	c.irs = p.Seq
	c.rcvNxt = p.Seq + 1
	if wnd, ok := packet.ParseWindow(p); ok {
		c.sndWnd = uint32(wnd)
	}
	sg := &segment{kind: packet.SYNACK, seq: c.iss, data: c.windowPayload()}
	c.sndNxt = c.iss + 1
	c.sendSegment(sg)
	c.mu.Unlock()
	go c.loop()
	log.Debugf("passive open from %s, socket %d", from, c.id)
}

// Connect performs an active open to remote and blocks until the
// connection is established or fails.
func (s *Stack) Connect(remote netip.AddrPort) (*Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := s.conns[remote]; exists {
		s.mu.Unlock()
		return nil, errors.Errorf("tcp: connection to %s already exists", remote)
	}
	c := newConn(s, remote, s.nextID, StateSynSent, rand.Uint32())
	s.nextID++
	s.conns[remote] = c
	s.order = append(s.order, c)
	s.mu.Unlock()

	c.mu.Lock()
	sg := &segment{kind: packet.SYN, seq: c.iss, data: c.windowPayload()}
	c.sndNxt = c.iss + 1
	c.sendSegment(sg)
	c.mu.Unlock()
	go c.loop()

	select {
	case <-c.established:
		return c, nil
	case <-c.closedCh:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
}

// Listener accepts passive opens on the stack's port.
type Listener struct {
	stack   *Stack
	pending chan *Conn
}

// Listen registers the stack's single listener.
func (s *Stack) Listen() (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.listener != nil {
		return nil, errors.New("tcp: already listening")
	}
	s.listener = &Listener{stack: s, pending: make(chan *Conn, 64)}
	return s.listener, nil
}

// Accept returns the next established connection.
func (l *Listener) Accept() (*Conn, error) {
	c, ok := <-l.pending
	if !ok {
		return nil, ErrClosed
	}
	return c, nil
}

// Close stops accepting. Established connections are unaffected.
func (l *Listener) Close() error {
	l.stack.mu.Lock()
	defer l.stack.mu.Unlock()
	if l.stack.listener == l {
		l.stack.listener = nil
		close(l.pending)
	}
	return nil
}

// deliverAccept queues a freshly established passive connection for Accept.
func (s *Stack) deliverAccept(c *Conn) {
	s.mu.Lock()
	lst := s.listener
	s.mu.Unlock()
	if lst == nil {
		return
	}
	select {
	case lst.pending <- c:
	default:
		log.Warningf("accept queue full, dropping socket %d", c.id)
	}
}

func (s *Stack) remove(remote netip.AddrPort) {
	s.mu.Lock()
	delete(s.conns, remote)
	s.mu.Unlock()
}

// SocketInfo is one row of the socket table.
type SocketInfo struct {
	ID     uint16
	Local  netip.AddrPort
	Remote netip.AddrPort
	State  State
}

// Sockets lists every socket ever opened on the stack, in creation order.
func (s *Stack) Sockets() []SocketInfo {
	s.mu.Lock()
	conns := make([]*Conn, len(s.order))
	copy(conns, s.order)
	s.mu.Unlock()
	out := make([]SocketInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, SocketInfo{
			ID:     c.id,
			Local:  s.ch.LocalAddr(),
			Remote: c.remote,
			State:  c.State(),
		})
	}
	return out
}

// Stats returns the stack's counter table.
func (s *Stack) Stats() *stats.Table { return s.table }

// Close aborts every connection and releases the port.
func (s *Stack) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	lst := s.listener
	s.listener = nil
	s.mu.Unlock()
	if lst != nil {
		close(lst.pending)
	}
	for _, c := range conns {
		c.mu.Lock()
		c.abort(ErrClosed, false)
		c.mu.Unlock()
	}
	return s.ch.Close()
}
