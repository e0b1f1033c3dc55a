package selector

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// LeastRequest picks the least-loaded backend, per spec.md 4.3.2. When every
// positive weight is equal it falls back to plain Power-of-Two-Choices over
// active_requests; otherwise it draws from a weighted distribution built
// from each backend's effective weight = weight/(active+1)^bias.
type LeastRequest struct {
	log  *zap.Logger
	rng  RNG
	bias float64

	snapshot     registry.Snapshot
	weightsEqual bool
}

// NewLeastRequest returns a Least Request selector with the given bias
// exponent (spec default 1.0).
func NewLeastRequest(bias float64, rng RNG, log *zap.Logger) *LeastRequest {
	return &LeastRequest{log: log, rng: rng, bias: bias}
}

// OnMembershipChange records whether all positive weights are equal, which
// decides whether Choose runs P2C or the weighted draw.
func (s *LeastRequest) OnMembershipChange(snapshot registry.Snapshot) {
	s.snapshot = snapshot
	s.weightsEqual = true
	first := uint32(0)
	seen := false
	for _, b := range snapshot.Backends {
		if b.Weight == 0 {
			continue
		}
		if !seen {
			first = b.Weight
			seen = true
			continue
		}
		if b.Weight != first {
			s.weightsEqual = false
			break
		}
	}
}

func (s *LeastRequest) chooseP2C(eligible []registry.Backend) (string, bool) {
	n := len(eligible)
	if n == 0 {
		return "", false
	}
	if n == 1 {
		return eligible[0].Address, true
	}
	i, j := pickTwoDistinct(s.rng, n)
	a, b := eligible[i], eligible[j]
	reqA, reqB := a.ActiveRequests.Load(), b.ActiveRequests.Load()
	switch {
	case reqA < reqB:
		return a.Address, true
	case reqB < reqA:
		return b.Address, true
	default:
		if s.rng.Float64() < 0.5 {
			return a.Address, true
		}
		return b.Address, true
	}
}

// Choose implements spec.md 4.3.2's dispatch between equal-weight P2C and
// the weighted dynamic-effective-weight draw.
func (s *LeastRequest) Choose(uint64) (string, bool) {
	if len(s.snapshot.Backends) == 0 {
		return "", false
	}

	if s.weightsEqual {
		eligible := make([]registry.Backend, 0, len(s.snapshot.Backends))
		for _, b := range s.snapshot.Backends {
			if b.Weight > 0 {
				eligible = append(eligible, b)
			}
		}
		return s.chooseP2C(eligible)
	}

	type weighted struct {
		backend registry.Backend
		cumEff  float64
	}
	eligible := make([]weighted, 0, len(s.snapshot.Backends))
	var total float64
	for _, b := range s.snapshot.Backends {
		if b.Weight == 0 {
			continue
		}
		active := float64(b.ActiveRequests.Load())
		eff := float64(b.Weight) / math.Pow(active+1, s.bias)
		total += eff
		eligible = append(eligible, weighted{backend: b, cumEff: total})
	}
	if total <= ewmaEpsilon {
		positive := make([]registry.Backend, 0, len(eligible))
		for _, w := range eligible {
			positive = append(positive, w.backend)
		}
		return s.chooseP2C(positive)
	}

	r := s.rng.Float64() * total
	for _, w := range eligible {
		if w.cumEff >= r {
			return w.backend.Address, true
		}
	}
	// Defensive fallback for the float-edge case where accumulated
	// rounding leaves r fractionally above every cumulative weight.
	return eligible[len(eligible)-1].backend.Address, true
}

// RecordLatency is a no-op: Least Request does not consider latency.
func (s *LeastRequest) RecordLatency(string, time.Duration) {}

// NotifySent is a no-op at the selector layer: Least Request reads
// active_requests straight off the registry-owned counter.
func (s *LeastRequest) NotifySent(string) {}

// NotifyFinished is a no-op at the selector layer, mirroring NotifySent.
func (s *LeastRequest) NotifyFinished(string) {}
