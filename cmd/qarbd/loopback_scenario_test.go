package main

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/qarbaudio/qarb/internal/audioio"
	"github.com/qarbaudio/qarb/internal/deviceid"
	"github.com/qarbaudio/qarb/internal/peer"
	"github.com/qarbaudio/qarb/internal/worker"
)

func rms(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// TestScenario_S1_LoopbackEncodeDecode exercises spec scenario S1: two local
// devices on the same process, no network. A 1kHz sine fed into the input
// device for 100ms must, once decoded and mixed on the output side, report
// at least one full frame of mixed audio with RMS close to the input's.
func TestScenario_S1_LoopbackEncodeDecode(t *testing.T) {
	logger := zaptest.NewLogger(t)

	inputDev := audioio.NewLoopback(1)
	const totalSamples = 4800 // 100ms @ 48kHz
	const freqHz = 1000.0
	sine := make([]float32, totalSamples)
	for i := range sine {
		sine[i] = 0.5 * float32(math.Sin(2*math.Pi*freqHz*float64(i)/audioio.SampleRate))
	}
	for off := 0; off < totalSamples; off += audioio.FrameSamples {
		inputDev.Feed(sine[off : off+audioio.FrameSamples])
	}

	captureWorker, err := worker.New(deviceid.Next(), 1, audioio.SampleRate, logger)
	require.NoError(t, err)
	outputWorker, err := worker.New(deviceid.Next(), 1, audioio.SampleRate, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go captureWorker.Run(ctx)
	go outputWorker.Run(ctx)

	capturedIdentity := peer.Identity("local-capture")
	outputWorker.Cmd <- worker.Command{ClientList: []peer.Identity{capturedIdentity}}

	outputDev := audioio.NewLoopback(1)
	var lastInputFrame []float32

	for i := 0; i < totalSamples/audioio.FrameSamples; i++ {
		frame, ok := inputDev.Pull()
		require.True(t, ok)
		lastInputFrame = frame
		captureWorker.RawInput <- frame

		select {
		case af := <-captureWorker.Outbound:
			outputWorker.PeerInbound <- worker.PeerPacket{
				Peer:              capturedIdentity,
				DecodedByteLength: af.DecodedByteLength,
				ChannelCount:      af.ChannelCount,
				Encoded:           af.Encoded,
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for captured frame to encode")
		}

		resp := make(chan []float32, 1)
		outputWorker.MixRequest <- resp
		select {
		case out := <-resp:
			outputDev.Push(out)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for mixed output frame")
		}
	}

	played := outputDev.Played()
	require.GreaterOrEqual(t, len(played)*audioio.FrameSamples, audioio.FrameSamples,
		"expected at least one full frame of mixed output")

	last := played[len(played)-1]
	gotRMS := rms(last)
	wantRMS := rms(lastInputFrame)
	assert.InEpsilon(t, wantRMS, gotRMS, 0.10, "output RMS should be within 10% of input RMS once warmed up")
}
