package selector_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/msrvcomm-successor/l7lb/internal/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaglevDeterministicForFixedMembership(t *testing.T) {
	// S4: choose(l7_id) is a pure function of l7_id for fixed membership;
	// two independent builds produce the identical lookup table.
	backends := []struct {
		Address string
		Weight  uint32
	}{{"A", 1}, {"B", 1}, {"C", 1}}

	r1 := buildRegistry(backends...)
	m1 := selector.NewMaglev(7, &sequenceRNG{}, zap.NewNop())
	r1.Watch(m1)

	r2 := buildRegistry(backends...)
	m2 := selector.NewMaglev(7, &sequenceRNG{}, zap.NewNop())
	r2.Watch(m2)

	for i := uint64(0); i < 50; i++ {
		a1, ok1 := m1.Choose(i)
		a2, ok2 := m2.Choose(i)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, a1, a2)
	}
}

func TestMaglevTableHasNoSentinelWhenBackendsPositive(t *testing.T) {
	r := buildRegistry(
		struct {
			Address string
			Weight  uint32
		}{"A", 1},
		struct {
			Address string
			Weight  uint32
		}{"B", 3},
	)
	m := selector.NewMaglev(97, &sequenceRNG{}, zap.NewNop())
	r.Watch(m)

	for i := uint64(0); i < 97; i++ {
		addr, ok := m.Choose(i)
		require.True(t, ok)
		assert.NotEmpty(t, addr)
	}
}

func TestMaglevEmptyFallsBackToRandom(t *testing.T) {
	r := buildRegistry(struct {
		Address string
		Weight  uint32
	}{"A", 0})
	m := selector.NewMaglev(97, &sequenceRNG{ints: []int{0}}, zap.NewNop())
	r.Watch(m)

	_, ok := m.Choose(1)
	assert.False(t, ok)
}
