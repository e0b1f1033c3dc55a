package selector_test

import (
	"testing"
	"time"

	"github.com/msrvcomm-successor/l7lb/internal/selector"
	"github.com/stretchr/testify/assert"
)

func TestEwmaMetricSpikeResetsCostBeforeFolding(t *testing.T) {
	clockTime := time.Unix(0, 0)
	now := func() time.Time { return clockTime }
	m := selector.NewEwmaMetric(10*time.Second, now)

	// The clock advances before each sample: a sample observed at the same
	// instant as the last stamp gets weight 1-exp(0) = 0 and changes nothing.
	clockTime = clockTime.Add(time.Millisecond)
	m.Observe(5 * time.Millisecond)
	loadBeforeSpike := m.GetLoad()

	clockTime = clockTime.Add(time.Millisecond)
	m.Observe(500 * time.Millisecond)
	loadAfterSpike := m.GetLoad()

	assert.Greater(t, loadAfterSpike, loadBeforeSpike)
}

func TestEwmaMetricLoadUsesPenaltyWhenNoCostYet(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	m := selector.NewEwmaMetric(10*time.Second, now)
	m.IncrementPending()

	load := m.GetLoad()
	assert.Greater(t, load, float64(time.Second.Nanoseconds()))
}

func TestEwmaMetricPendingSaturatesAtZero(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }
	m := selector.NewEwmaMetric(10*time.Second, now)
	m.DecrementPending()
	m.IncrementPending()
	m.DecrementPending()
	m.DecrementPending()

	assert.Equal(t, float64(0), m.GetLoad(), "zero cost and zero pending yields zero load")
}
