package selector

import (
	"math"
	"time"
)

const ewmaEpsilon = 1e-9

// EwmaMetric is the per-backend peak-sensitive EWMA of RTT used by
// PeakEWMA, per spec.md 4.3.6 / 4.5. A spike (an RTT above a running cost
// that is itself above ewmaEpsilon) resets the running cost to 0 before the
// new sample is folded in with the usual decay weight, so the earlier
// history is discarded and the cost becomes rtt*(1-w).
type EwmaMetric struct {
	stamp     time.Time
	pending   uint32
	costNs    float64
	decayNs   float64
	penaltyNs float64
	now       func() time.Time
}

// NewEwmaMetric returns a metric with the given decay time and a default
// one-second penalty applied when there's no cost sample yet but requests
// are outstanding. now supplies the monotonic clock (production: real time;
// tests: a fake clock) so decay is deterministic under test.
func NewEwmaMetric(decay time.Duration, now func() time.Time) *EwmaMetric {
	if decay <= 0 {
		decay = time.Nanosecond
	}
	return &EwmaMetric{
		decayNs:   float64(decay.Nanoseconds()),
		penaltyNs: float64(time.Second.Nanoseconds()),
		now:       now,
		stamp:     now(),
	}
}

// Observe folds one RTT sample into the running cost.
func (m *EwmaMetric) Observe(rtt time.Duration) {
	t := m.now()
	tdiff := t.Sub(m.stamp).Seconds() * float64(time.Second)
	if tdiff < 0 {
		tdiff = 0
	}
	m.stamp = t

	rttNs := float64(rtt.Nanoseconds())
	if rttNs > m.costNs && m.costNs > ewmaEpsilon {
		m.costNs = 0
	}
	w := math.Exp(-tdiff / m.decayNs)
	m.costNs = m.costNs*w + rttNs*(1-w)
}

// GetLoad decays the running cost to now and returns the load score used to
// compare two backends: penalty+pending when there's no cost sample yet but
// requests are outstanding, otherwise cost*(pending+1). Always non-negative.
func (m *EwmaMetric) GetLoad() float64 {
	t := m.now()
	tdiff := t.Sub(m.stamp).Seconds() * float64(time.Second)
	if tdiff > 0 {
		w := math.Exp(-tdiff / m.decayNs)
		m.costNs *= w
		m.stamp = t
	}

	var load float64
	if m.costNs <= ewmaEpsilon && m.pending > 0 {
		load = m.penaltyNs + float64(m.pending)
	} else {
		load = m.costNs * float64(m.pending+1)
	}
	return math.Max(0, load)
}

// IncrementPending marks one more outstanding request against this backend.
func (m *EwmaMetric) IncrementPending() {
	m.pending++
}

// DecrementPending marks one fewer outstanding request, saturating at 0.
func (m *EwmaMetric) DecrementPending() {
	if m.pending > 0 {
		m.pending--
	}
}
