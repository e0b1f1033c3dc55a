package selector_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeakEWMAAdaptsAfterLatencySpike(t *testing.T) {
	// S5: A consistently reports 5ms, B reports 5ms then a 500ms spike;
	// afterward load(B) > load(A).
	clockTime := time.Unix(0, 0)
	now := func() time.Time { return clockTime }

	r := buildRegistry(
		struct {
			Address string
			Weight  uint32
		}{"A", 1},
		struct {
			Address string
			Weight  uint32
		}{"B", 1},
	)

	pe := selector.NewPeakEWMA(10*time.Second, &sequenceRNG{ints: []int{0, 1}}, now, zap.NewNop())
	r.Watch(pe)

	for i := 0; i < 5; i++ {
		pe.RecordLatency("A", 5*time.Millisecond)
		pe.RecordLatency("B", 5*time.Millisecond)
		clockTime = clockTime.Add(100 * time.Millisecond)
	}

	pe.RecordLatency("B", 500*time.Millisecond)

	addr, ok := pe.Choose(0)
	require.True(t, ok)
	assert.Equal(t, "A", addr, "P2C must prefer the backend that didn't just spike")
}

func TestPeakEWMAMembershipChangePreservesSurvivingMetric(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	r := buildRegistry(struct {
		Address string
		Weight  uint32
	}{"A", 1})

	pe := selector.NewPeakEWMA(10*time.Second, &sequenceRNG{}, now, zap.NewNop())
	r.Watch(pe)
	pe.RecordLatency("A", 42*time.Millisecond)

	r.AddOrUpdate("B", 1) // membership change that keeps A

	addr, ok := pe.Choose(0)
	require.True(t, ok)
	assert.Contains(t, []string{"A", "B"}, addr)
}

func TestPeakEWMAExcludesZeroWeightBackends(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	r := buildRegistry(
		struct {
			Address string
			Weight  uint32
		}{"A", 1},
		struct {
			Address string
			Weight  uint32
		}{"B", 0},
	)

	pe := selector.NewPeakEWMA(10*time.Second, selector.NewRNG(1), now, zap.NewNop())
	r.Watch(pe)

	for i := 0; i < 20; i++ {
		addr, ok := pe.Choose(uint64(i))
		require.True(t, ok)
		assert.Equal(t, "A", addr, "choose must respect weight==0 even for Peak-EWMA")
	}
}
