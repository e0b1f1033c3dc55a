// Package selector implements the six pluggable backend-selection
// algorithms: weighted round-robin, least-request (P2C + weighted), random,
// ring-hash, Maglev, and peak-EWMA. Every algorithm satisfies Selector so
// the proxy state machine dispatches to whichever one a listener was
// configured with without knowing its identity.
package selector

import (
	"math/rand"
	"time"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// Selector is the contract every backend-selection algorithm implements.
// Choose must never mutate the registry. Selectors that don't use
// RecordLatency or the notify hooks implement them as no-ops.
type Selector interface {
	OnMembershipChange(snapshot registry.Snapshot)
	Choose(l7ID uint64) (address string, ok bool)
	RecordLatency(address string, rtt time.Duration)
	NotifySent(address string)
	NotifyFinished(address string)
}

// RNG is the per-listener pseudo-random source every P2C and tie-break
// consults. Selectors must never fall back to the process-global
// math/rand functions, per the spec's "randomness" design note: a
// process-global source would make two listeners' selection sequences
// interfere with each other's determinism under test.
type RNG interface {
	Intn(n int) int
	Float64() float64
}

// NewRNG returns an RNG seeded from seed. Tests pass a fixed seed for
// reproducible sequences; production wiring seeds from the clock.
func NewRNG(seed int64) RNG {
	return rand.New(rand.NewSource(seed))
}

// Name identifies one of the six algorithms, used by the configuration
// loader to build the right Selector.
type Name string

const (
	WRR          Name = "WRR"
	LR           Name = "LR"
	NameRandom   Name = "Random"
	NameRingHash Name = "RingHash"
	NameMaglev   Name = "Maglev"
	NamePeakEWMA Name = "PeakEWMA"
)

// pickTwoDistinct draws two distinct indices in [0, n) using rng, retrying
// up to 10 times on collision before giving up and returning the same index
// twice. Callers short-circuit n == 1 before getting here; with n > 1 the
// same index comes back only when every retry also collides.
func pickTwoDistinct(rng RNG, n int) (int, int) {
	i := rng.Intn(n)
	j := rng.Intn(n)
	for attempt := 0; attempt < 10 && j == i && n > 1; attempt++ {
		j = rng.Intn(n)
	}
	return i, j
}
