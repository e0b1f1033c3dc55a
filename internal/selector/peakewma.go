package selector

import (
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// PeakEWMA selects via Power-of-Two-Choices over each backend's peak-EWMA
// load score, per spec.md 4.3.6. It rebuilds its metrics map wholesale on
// every membership change, matching peak_ewma_load_balancer.cc, except that
// AddBackend-equivalent updates (an address that already had a metric)
// preserve it instead of restarting the EWMA from zero.
type PeakEWMA struct {
	log       *zap.Logger
	rng       RNG
	now       func() time.Time
	decayTime time.Duration

	snapshot registry.Snapshot
	metrics  map[string]*EwmaMetric
}

// NewPeakEWMA returns a Peak-EWMA selector with the given decay time.
func NewPeakEWMA(decayTime time.Duration, rng RNG, now func() time.Time, log *zap.Logger) *PeakEWMA {
	return &PeakEWMA{log: log, rng: rng, now: now, decayTime: decayTime, metrics: make(map[string]*EwmaMetric)}
}

// OnMembershipChange rebuilds the metrics map, preserving metrics for
// addresses that survive the change.
func (s *PeakEWMA) OnMembershipChange(snapshot registry.Snapshot) {
	s.snapshot = snapshot
	next := make(map[string]*EwmaMetric, len(snapshot.Backends))
	for _, b := range snapshot.Backends {
		if m, ok := s.metrics[b.Address]; ok {
			next[b.Address] = m
			continue
		}
		next[b.Address] = NewEwmaMetric(s.decayTime, s.now)
	}
	s.metrics = next
}

// Choose picks two distinct random backends among those with a positive
// weight and returns the one with the lower load score; ties break
// uniformly at random.
func (s *PeakEWMA) Choose(uint64) (string, bool) {
	eligible := make([]registry.Backend, 0, len(s.snapshot.Backends))
	for _, b := range s.snapshot.Backends {
		if b.Weight > 0 {
			eligible = append(eligible, b)
		}
	}

	n := len(eligible)
	if n == 0 {
		return "", false
	}
	if n == 1 {
		return eligible[0].Address, true
	}

	i, j := pickTwoDistinct(s.rng, n)
	a, b := eligible[i], eligible[j]
	loadA := s.metrics[a.Address].GetLoad()
	loadB := s.metrics[b.Address].GetLoad()

	switch {
	case loadA < loadB:
		return a.Address, true
	case loadB < loadA:
		return b.Address, true
	default:
		if s.rng.Float64() < 0.5 {
			return a.Address, true
		}
		return b.Address, true
	}
}

// RecordLatency folds an observed RTT into the backend's EWMA.
func (s *PeakEWMA) RecordLatency(address string, rtt time.Duration) {
	if m, ok := s.metrics[address]; ok {
		m.Observe(rtt)
	}
}

// NotifySent marks one more outstanding request for address.
func (s *PeakEWMA) NotifySent(address string) {
	if m, ok := s.metrics[address]; ok {
		m.IncrementPending()
	}
}

// NotifyFinished marks one fewer outstanding request for address.
func (s *PeakEWMA) NotifyFinished(address string) {
	if m, ok := s.metrics[address]; ok {
		m.DecrementPending()
	}
}
