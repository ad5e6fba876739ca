package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qarbaudio/qarb/pkg/clock"
)

func TestSync_ConvergesTowardConstantOffset(t *testing.T) {
	s := clock.New()

	const trueOffset = 50_000_000 // 50ms, remote clock ahead of local
	const prop = 5_000_000        // 5ms one-way propagation

	localNow := int64(0)
	for i := 0; i < clock.WindowSize; i++ {
		tTx := localNow
		tRemote := tTx + prop + trueOffset
		tRx := tTx + 2*prop
		s.Observe(tTx, tRemote, tRx)
		localNow += int64(clock.PingInterval)
	}

	assert.True(t, s.Warm())
	// The estimator adds the skew term (t_rx - t_remote = prop - trueOffset
	// for every sample) to the one-way propagation estimate (prop); with a
	// constant true offset and propagation, it settles near
	// -trueOffset + 2*prop.
	assert.InDelta(t, float64(-trueOffset+2*prop), s.Offset(), float64(trueOffset)*0.5)
}

func TestSync_ZeroSamplesYieldsZeroOffset(t *testing.T) {
	s := clock.New()
	assert.Equal(t, float64(0), s.Offset())
	assert.False(t, s.Warm())
}
