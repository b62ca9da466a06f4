package channel

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/op/go-logging"

	"rdt-tcp-pa/logger"
)

var simLog = logger.New("sim")

// Simulator wraps a Channel and impairs the frames sent through it: loss,
// corruption (at least one flipped bit), duplication, reordering and bounded
// extra delay, each decided by a seeded RNG so runs reproduce exactly.
//
// Impairments apply to the send direction only; wrap each endpoint's channel
// to impair both directions independently. Recv and Close pass through, so
// protocol code cannot tell it is being tested.
type Simulator struct {
	inner Channel
	cfg   SimConfig

	mu   sync.Mutex
	rng  *rand.Rand
	held *heldFrame
}

type heldFrame struct {
	frame []byte
	to    netip.AddrPort
}

// NewSimulator validates cfg and wraps inner. The RNG is owned by the
// simulator and seeded from cfg.Seed.
func NewSimulator(inner Channel, cfg SimConfig) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (s *Simulator) Send(frame []byte, to netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < s.cfg.PLoss {
		simLog.Debugf("dropping frame of %d bytes to %s", len(frame), to)
		return nil
	}

	out := frame
	if s.rng.Float64() < s.cfg.PCorrupt {
		out = s.corrupt(frame)
		if simLog.IsEnabledFor(logging.DEBUG) {
			simLog.Debugf("corrupting frame to %s\n%s", to, spew.Sdump(out))
		}
	}

	if s.rng.Float64() < s.cfg.PReorder && s.held == nil {
		// hold the frame back; it ships after the next one
		cp := make([]byte, len(out))
		copy(cp, out)
		s.held = &heldFrame{frame: cp, to: to}
		simLog.Debugf("holding frame of %d bytes to %s for reordering", len(out), to)
		return nil
	}

	dup := s.rng.Float64() < s.cfg.PDuplicate
	delay := s.pickDelay()

	if err := s.ship(out, to, delay); err != nil {
		return err
	}
	if dup {
		simLog.Debugf("duplicating frame of %d bytes to %s", len(out), to)
		if err := s.ship(out, to, delay); err != nil {
			return err
		}
	}
	if h := s.held; h != nil {
		s.held = nil
		return s.ship(h.frame, h.to, delay)
	}
	return nil
}

// ship forwards a frame now or after the chosen delay. Delayed sends copy
// the frame since the caller may reuse its buffer.
func (s *Simulator) ship(frame []byte, to netip.AddrPort, delay time.Duration) error {
	if delay <= 0 {
		return s.inner.Send(frame, to)
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	time.AfterFunc(delay, func() {
		// a closed port during the delay is indistinguishable from loss
		_ = s.inner.Send(cp, to)
	})
	return nil
}

func (s *Simulator) pickDelay() time.Duration {
	min, max := s.cfg.delayMin(), s.cfg.delayMax()
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

// corrupt flips one bit of the frame. A single flip is always visible to
// the ones-complement checksum; multiple flips could cancel each other out.
func (s *Simulator) corrupt(frame []byte) []byte {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if len(cp) == 0 {
		return cp
	}
	cp[s.rng.Intn(len(cp))] ^= 1 << uint(s.rng.Intn(8))
	return cp
}

func (s *Simulator) Recv(timeout time.Duration) ([]byte, netip.AddrPort, error) {
	return s.inner.Recv(timeout)
}

func (s *Simulator) Close() error {
	return s.inner.Close()
}

func (s *Simulator) LocalAddr() netip.AddrPort {
	return s.inner.LocalAddr()
}
