package selector

import (
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// WeightedRoundRobin is the Nginx-style smooth WRR selector: over one full
// cycle, backend i is picked weight_i/gcd_weight times, with picks spread
// evenly rather than bunched, per spec.md 4.3.1.
type WeightedRoundRobin struct {
	log *zap.Logger

	snapshot registry.Snapshot

	currentIndex  int
	currentWeight int64
	maxWeight     int64
	gcdWeight     int64

	warnedAllZero bool
}

// NewWeightedRoundRobin returns a WRR selector with an empty registry view.
func NewWeightedRoundRobin(log *zap.Logger) *WeightedRoundRobin {
	return &WeightedRoundRobin{log: log, currentIndex: -1}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// OnMembershipChange recomputes max/gcd weight over positive-weight backends
// and resets the smooth-WRR cursor so the next Choose starts a fresh cycle at
// index 0, matching the original's m_currentIndex = size-1 convention (the
// first post-increment then lands on 0).
func (s *WeightedRoundRobin) OnMembershipChange(snapshot registry.Snapshot) {
	s.snapshot = snapshot
	s.currentIndex = len(snapshot.Backends) - 1
	s.currentWeight = 0
	s.maxWeight = 0
	s.gcdWeight = 0

	for _, b := range snapshot.Backends {
		if b.Weight == 0 {
			continue
		}
		w := int64(b.Weight)
		if w > s.maxWeight {
			s.maxWeight = w
		}
		s.gcdWeight = gcd(s.gcdWeight, w)
	}
	if s.maxWeight > 0 && s.gcdWeight == 0 {
		s.gcdWeight = 1
	}
	s.warnedAllZero = false
}

// Choose runs the smooth-WRR loop of spec.md 4.3.1. l7ID is unused: WRR is
// stateful and sequence-driven, not hash-driven.
func (s *WeightedRoundRobin) Choose(uint64) (string, bool) {
	n := len(s.snapshot.Backends)
	if n == 0 {
		return "", false
	}

	for {
		s.currentIndex = (s.currentIndex + 1) % n
		if s.currentIndex == 0 {
			s.currentWeight -= s.gcdWeight
			if s.currentWeight <= 0 {
				s.currentWeight = s.maxWeight
				if s.maxWeight == 0 {
					// All registered backends carry weight 0. The original
					// round_robin_load_balancer.cc falls back to index 0
					// here rather than reporting no candidate.
					if !s.warnedAllZero {
						s.log.Warn("wrr: all backends have weight 0, falling back to index 0")
						s.warnedAllZero = true
					}
					return s.snapshot.Backends[0].Address, true
				}
			}
		}
		b := s.snapshot.Backends[s.currentIndex]
		if b.Weight > 0 && int64(b.Weight) >= s.currentWeight {
			return b.Address, true
		}
	}
}

// RecordLatency is a no-op: WRR does not consider latency.
func (s *WeightedRoundRobin) RecordLatency(string, time.Duration) {}

// NotifySent is a no-op: WRR does not track in-flight counts.
func (s *WeightedRoundRobin) NotifySent(string) {}

// NotifyFinished is a no-op: WRR does not track in-flight counts.
func (s *WeightedRoundRobin) NotifyFinished(string) {}
