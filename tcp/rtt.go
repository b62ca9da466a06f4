package tcp

import "time"

// rttEstimator maintains SRTT, RTTVAR and the retransmission timeout per
// RFC 6298 with the classic gains α=1/8 and β=1/4. Samples come only from
// segments that were never retransmitted (Karn's rule); backoff doubles the
// RTO until the next valid sample re-derives it.
type rttEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool

	min, max time.Duration
}

func newRTTEstimator(cfg Config) rttEstimator {
	return rttEstimator{rto: cfg.RTOInitial, min: cfg.RTOMin, max: cfg.RTOMax}
}

// sample folds in a measured round trip and re-derives the RTO.
func (e *rttEstimator) sample(r time.Duration) {
	if !e.hasSample {
		e.srtt = r
		e.rttvar = r / 2
		e.hasSample = true
	} else {
		delta := e.srtt - r
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + r) / 8
	}
	e.rto = e.clamp(e.srtt + 4*e.rttvar)
}

// backoff doubles the RTO after a retransmission.
func (e *rttEstimator) backoff() {
	e.rto = e.clamp(2 * e.rto)
}

func (e *rttEstimator) clamp(d time.Duration) time.Duration {
	if d < e.min {
		return e.min
	}
	if d > e.max {
		return e.max
	}
	return d
}

// RTO returns the current retransmission timeout.
func (e *rttEstimator) RTO() time.Duration { return e.rto }
