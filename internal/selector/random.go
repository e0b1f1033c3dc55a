package selector

import (
	"time"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// Random selects uniformly over the registry, ignoring weight entirely.
// This is documented behavior, per spec.md 4.3.3, not an omission.
type Random struct {
	rng      RNG
	snapshot registry.Snapshot
}

// NewRandom returns a Random selector.
func NewRandom(rng RNG) *Random {
	return &Random{rng: rng}
}

// OnMembershipChange stores the latest registry view.
func (s *Random) OnMembershipChange(snapshot registry.Snapshot) {
	s.snapshot = snapshot
}

// Choose returns a uniformly random backend, ignoring weight.
func (s *Random) Choose(uint64) (string, bool) {
	n := len(s.snapshot.Backends)
	if n == 0 {
		return "", false
	}
	return s.snapshot.Backends[s.rng.Intn(n)].Address, true
}

// RecordLatency is a no-op: Random does not consider latency.
func (s *Random) RecordLatency(string, time.Duration) {}

// NotifySent is a no-op: Random does not track in-flight counts.
func (s *Random) NotifySent(string) {}

// NotifyFinished is a no-op: Random does not track in-flight counts.
func (s *Random) NotifyFinished(string) {}
