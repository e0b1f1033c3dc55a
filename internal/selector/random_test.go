package selector_test

import (
	"testing"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
	"github.com/msrvcomm-successor/l7lb/internal/selector"
	"github.com/stretchr/testify/assert"
)

func TestRandomIgnoresWeight(t *testing.T) {
	r := buildRegistry(
		struct {
			Address string
			Weight  uint32
		}{"A", 0},
		struct {
			Address string
			Weight  uint32
		}{"B", 100},
	)

	rng := &sequenceRNG{ints: []int{0}}
	rnd := selector.NewRandom(rng)
	r.Watch(rnd)

	addr, ok := rnd.Choose(0)
	assert.True(t, ok)
	assert.Equal(t, "A", addr, "Random must be willing to pick a weight-0 backend")
}

func TestRandomEmptyRegistry(t *testing.T) {
	rnd := selector.NewRandom(&sequenceRNG{})
	rnd.OnMembershipChange(registry.Snapshot{})
	_, ok := rnd.Choose(0)
	assert.False(t, ok)
}
