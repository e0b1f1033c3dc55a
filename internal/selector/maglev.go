package selector

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// Maglev builds a fixed-size lookup table via the offset/skip permutation
// scheme described in spec.md 4.3.5, giving O(1) lookups that change
// minimally on membership change.
type Maglev struct {
	log *zap.Logger
	rng RNG

	tableSize int

	snapshot registry.Snapshot
	table    []string // table[i] == "" means unfilled
	built    bool
}

// NewMaglev returns a Maglev selector with the given table size (spec
// default 65537; should be prime, which is not enforced: the lifecycle glue
// in cmd/l7lb only logs a warning for a non-prime size).
func NewMaglev(tableSize int, rng RNG, log *zap.Logger) *Maglev {
	return &Maglev{log: log, rng: rng, tableSize: tableSize}
}

type maglevEntry struct {
	address string
	weight  uint32
	offset  uint64
	skip    uint64
}

// OnMembershipChange rebuilds the lookup table. A build that cannot fill the
// table within 2*M passes aborts, logs, and leaves the previous table (if
// any) in place, matching maglev_load_balancer.cc.
func (s *Maglev) OnMembershipChange(snapshot registry.Snapshot) {
	s.snapshot = snapshot
	m := s.tableSize
	if m <= 0 {
		s.table = nil
		s.built = false
		return
	}

	entries := make([]maglevEntry, 0, len(snapshot.Backends))
	var maxWeight uint32
	for _, b := range snapshot.Backends {
		if b.Weight == 0 {
			continue
		}
		skip := uint64(1)
		if m > 1 {
			skip = ringHashString(b.Address+"_skip")%uint64(m-1) + 1
		}
		entries = append(entries, maglevEntry{
			address: b.Address,
			weight:  b.Weight,
			offset:  ringHashString(b.Address) % uint64(m),
			skip:    skip,
		})
		if b.Weight > maxWeight {
			maxWeight = b.Weight
		}
	}
	if len(entries) == 0 {
		s.table = nil
		s.built = false
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].offset != entries[j].offset {
			return entries[i].offset < entries[j].offset
		}
		if entries[i].skip != entries[j].skip {
			return entries[i].skip < entries[j].skip
		}
		return entries[i].address < entries[j].address
	})

	table := make([]string, m)
	next := make([]uint64, len(entries))
	score := make([]int64, len(entries))
	filled := 0

	for pass := int64(1); filled < m; pass++ {
		if pass > int64(2*m) {
			s.log.Warn("maglev: table build aborted, previous table (if any) retained",
				zap.Int("table_size", m), zap.Int("backend_count", len(entries)))
			return
		}
		for i := range entries {
			if filled == m {
				break
			}
			if pass*int64(entries[i].weight) < score[i] {
				continue
			}
			score[i] += int64(maxWeight)

			slot := (entries[i].offset + entries[i].skip*next[i]) % uint64(m)
			for table[slot] != "" {
				next[i]++
				slot = (entries[i].offset + entries[i].skip*next[i]) % uint64(m)
			}
			table[slot] = entries[i].address
			next[i]++
			filled++
		}
	}

	s.table = table
	s.built = true
}

// Choose returns table[hash(l7ID) mod M]. An unbuilt table falls back to
// uniform random among positive-weight backends.
func (s *Maglev) Choose(l7ID uint64) (string, bool) {
	if !s.built || len(s.table) == 0 {
		return s.randomPositiveWeight()
	}
	h := ringHashString(fmt.Sprintf("%d", l7ID))
	return s.table[h%uint64(len(s.table))], true
}

func (s *Maglev) randomPositiveWeight() (string, bool) {
	positive := make([]registry.Backend, 0, len(s.snapshot.Backends))
	for _, b := range s.snapshot.Backends {
		if b.Weight > 0 {
			positive = append(positive, b)
		}
	}
	if len(positive) == 0 {
		return "", false
	}
	return positive[s.rng.Intn(len(positive))].Address, true
}

// RecordLatency is a no-op: Maglev does not consider latency.
func (s *Maglev) RecordLatency(string, time.Duration) {}

// NotifySent is a no-op: Maglev does not track in-flight counts.
func (s *Maglev) NotifySent(string) {}

// NotifyFinished is a no-op: Maglev does not track in-flight counts.
func (s *Maglev) NotifyFinished(string) {}
