// Package codec wraps the Opus encoder/decoder lifecycle (layeh.com/gopus)
// behind the narrow surface the packet/jitter engine depends on: fixed-frame
// encode, fixed-frame decode (including Opus's own in-band FEC decode mode),
// and an opaque decoder-state snapshot/restore pair.
//
// gopus does not expose the codec's internal decoder memory for a byte-level
// copy, so Save/Restore here copy only the state *this* package tracks on
// top of gopus: the last decoded PCM frame. Nothing else in the package
// reads that frame. libopus's internal decoder state is not saved or
// restored, so a decode after Restore continues from the decoder's current
// internal state, not from the state at the time of the snapshot.
package codec

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// FrameSamples is the fixed frame size in samples per channel (10 ms at 48 kHz).
const FrameSamples = 480

// SampleRate is the fixed operating sample rate.
const SampleRate = 48_000

// MaxPayloadBytes is the hard cap on one encoded Opus payload.
const MaxPayloadBytes = 1486

// State is an opaque snapshot of the last PCM frame a Decoder produced.
type State struct {
	lastPCM []float32
}

// Decoder wraps a gopus.Decoder for one channel count.
type Decoder struct {
	channels int
	dec      *gopus.Decoder
	lastPCM  []float32
}

// NewDecoder constructs a decoder for the given channel count.
func NewDecoder(channels int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: new decoder: %w", err)
	}
	return &Decoder{channels: channels, dec: dec}, nil
}

// Decode decodes one Opus payload into FrameSamples*channels interleaved
// float32 PCM samples.
func (d *Decoder) Decode(payload []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(payload, FrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	out := int16ToFloat32(pcm)
	d.lastPCM = out
	return out, nil
}

// DecodeFEC decodes the forward-error-correction side information embedded
// in the *next* packet's payload, reconstructing the frame that preceded it.
func (d *Decoder) DecodeFEC(nextPayload []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(nextPayload, FrameSamples, true)
	if err != nil {
		return nil, fmt.Errorf("codec: fec decode: %w", err)
	}
	out := int16ToFloat32(pcm)
	d.lastPCM = out
	return out, nil
}

// Save returns a snapshot of the decoder's last decoded PCM frame.
func (d *Decoder) Save() State {
	cp := make([]float32, len(d.lastPCM))
	copy(cp, d.lastPCM)
	return State{lastPCM: cp}
}

// Restore applies a previously saved snapshot.
func (d *Decoder) Restore(s State) {
	cp := make([]float32, len(s.lastPCM))
	copy(cp, s.lastPCM)
	d.lastPCM = cp
}

// Encoder wraps a gopus.Encoder for one channel count.
type Encoder struct {
	channels int
	enc      *gopus.Encoder
}

// NewEncoder constructs an encoder for the given channel count, tuned for
// speech (Voip application mode) as the spec's conferencing workload calls for.
func NewEncoder(channels int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: new encoder: %w", err)
	}
	return &Encoder{channels: channels, enc: enc}, nil
}

// Encode encodes exactly FrameSamples*channels interleaved float32 samples
// into an Opus payload no larger than MaxPayloadBytes.
func (e *Encoder) Encode(pcm []float32) ([]byte, error) {
	want := FrameSamples * e.channels
	if len(pcm) != want {
		return nil, fmt.Errorf("codec: need %d samples, got %d", want, len(pcm))
	}
	payload, err := e.enc.Encode(float32ToInt16(pcm), FrameSamples, MaxPayloadBytes)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return nil, errors.New("codec: encoded payload exceeds max size")
	}
	return payload, nil
}

func int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func float32ToInt16(pcm []float32) []int16 {
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := s * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
