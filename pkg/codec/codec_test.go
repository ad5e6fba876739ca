package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qarbaudio/qarb/pkg/codec"
)

func TestEncoder_RejectsWrongFrameLength(t *testing.T) {
	enc, err := codec.NewEncoder(1)
	require.NoError(t, err)

	_, err = enc.Encode(make([]float32, 10))
	assert.Error(t, err)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	enc, err := codec.NewEncoder(1)
	require.NoError(t, err)
	dec, err := codec.NewDecoder(1)
	require.NoError(t, err)

	pcm := make([]float32, codec.FrameSamples)
	for i := range pcm {
		// Low-amplitude tone well within Opus's representable range.
		pcm[i] = 0.1
	}

	payload, err := enc.Encode(pcm)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(payload), codec.MaxPayloadBytes)

	out, err := dec.Decode(payload)
	require.NoError(t, err)
	assert.Len(t, out, codec.FrameSamples)
}

func TestDecoder_SaveRestoreRoundTrip(t *testing.T) {
	dec, err := codec.NewDecoder(1)
	require.NoError(t, err)
	enc, err := codec.NewEncoder(1)
	require.NoError(t, err)

	pcm := make([]float32, codec.FrameSamples)
	for i := range pcm {
		pcm[i] = 0.2
	}
	payload, err := enc.Encode(pcm)
	require.NoError(t, err)

	_, err = dec.Decode(payload)
	require.NoError(t, err)

	snapshot := dec.Save()

	fresh, err := codec.NewDecoder(1)
	require.NoError(t, err)
	fresh.Restore(snapshot)

	assert.Equal(t, snapshot, fresh.Save())
}
