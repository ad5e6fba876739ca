package audioio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qarbaudio/qarb/internal/audioio"
)

func TestLoopback_FeedThenPull(t *testing.T) {
	l := audioio.NewLoopback(1)
	l.Feed([]float32{0.1, 0.2, 0.3})

	frame, ok := l.Pull()
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, frame)

	_, ok = l.Pull()
	assert.False(t, ok)
}

func TestLoopback_PushRecordsPlayedFrames(t *testing.T) {
	l := audioio.NewLoopback(1)
	l.Push([]float32{1, 2})
	l.Push([]float32{3, 4})
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, l.Played())
}

func TestApplyTaper_FadesFromSilence(t *testing.T) {
	channels := 1
	n := audioio.TaperSamples(channels)
	frame := make([]float32, n)
	for i := range frame {
		frame[i] = 1.0
	}
	audioio.ApplyTaper(frame, channels)
	assert.Equal(t, float32(0), frame[0])
	assert.Less(t, frame[0], frame[n-1])
}
