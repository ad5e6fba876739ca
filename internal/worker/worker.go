// Package worker implements the per-device fan-in/fan-out event loop
// described in spec §4.2: one Worker owns exactly one audio device's
// encoder, per-peer decoders, and additive mix buffer, and multiplexes
// commands, captured audio, mixed-audio requests, and peer packets on a
// single goroutine.
//
// Grounded on the teacher's internal/voice/service.go select-based event
// loop shape (runAudioLoop/processAudioPacket), re-keyed from Discord guild
// sessions to peer.Identity/deviceid.ID and re-targeted at this spec's
// one-frame-ahead mixing contract instead of an LLM voice pipeline.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/qarbaudio/qarb/internal/deviceid"
	"github.com/qarbaudio/qarb/internal/peer"
	"github.com/qarbaudio/qarb/internal/wire"
	"github.com/qarbaudio/qarb/pkg/codec"
	"github.com/qarbaudio/qarb/pkg/ring"
)

// MaxFutureChunks bounds each peer's future-chunk queue (spec §5 "No
// unbounded growth" allows an implementation-chosen cap <= 16; the oldest
// chunk is dropped on overflow, never the newest, per DESIGN.md).
const MaxFutureChunks = 16

// State is a peer's position in the per-peer state machine (spec §4.2).
type State int

const (
	StateIdleNoDecoder State = iota
	StateIdle
	StateQueued
	StateGone
)

// Command is the decoded form of a DeviceCommand (spec §3).
type Command struct {
	Shutdown   bool
	ClientList []peer.Identity // non-nil for a ClientList command, incl. empty roster
}

// PeerPacket is one encoded packet the broker has routed to this worker for
// a known peer.
type PeerPacket struct {
	Peer              peer.Identity
	DecodedByteLength uint32
	ChannelCount      uint32
	Encoded           []byte
}

type peerState struct {
	decoder      *codec.Decoder
	pendingMixed bool
	futureChunks [][]float32
	state        State
}

// Worker owns one device's codecs, mix buffer, and peer bookkeeping.
type Worker struct {
	ID       deviceid.ID
	Channels int
	Logger   *zap.Logger

	encoder *codec.Encoder
	mix     *ring.AdditiveMixBuffer
	peers   map[string]*peerState

	Cmd         chan Command
	RawInput    chan []float32
	MixRequest  chan chan<- []float32
	PeerInbound chan PeerPacket
	Outbound    chan wire.AudioFrame

	droppedFutureChunks int
}

// New constructs a Worker for one device, sizing its mix buffer to the
// fixed 40ms output window (spec §3 MixBuffer invariant 4).
func New(id deviceid.ID, channels int, sampleRate int, logger *zap.Logger) (*Worker, error) {
	enc, err := codec.NewEncoder(channels)
	if err != nil {
		return nil, err
	}
	capacity := ring.CapacityForWindow(40, sampleRate, channels)
	return &Worker{
		ID:          id,
		Channels:    channels,
		Logger:      logger,
		encoder:     enc,
		mix:         ring.NewAdditiveMixBuffer(capacity),
		peers:       make(map[string]*peerState),
		Cmd:         make(chan Command, 4),
		RawInput:    make(chan []float32, 4),
		MixRequest:  make(chan chan<- []float32, 1),
		PeerInbound: make(chan PeerPacket, 64),
		Outbound:    make(chan wire.AudioFrame, 16),
	}, nil
}

// Run drives the worker's event loop until ctx is cancelled or a Shutdown
// command is received. The output-pull path is drained with priority at the
// top of every wake-up, so the real-time path is never starved by a burst
// of other events (spec §5 ordering guarantees).
func (w *Worker) Run(ctx context.Context) {
	for {
		w.drainMixRequests()

		select {
		case <-ctx.Done():
			return
		case respCh := <-w.MixRequest:
			w.handleMixRequest(respCh)
		case cmd := <-w.Cmd:
			if w.handleCommand(cmd) {
				return
			}
		case frame := <-w.RawInput:
			w.handleRawInput(frame)
		case pkt := <-w.PeerInbound:
			w.handlePeerInbound(pkt)
		}
	}
}

func (w *Worker) drainMixRequests() {
	for {
		select {
		case respCh := <-w.MixRequest:
			w.handleMixRequest(respCh)
		default:
			return
		}
	}
}

// handleMixRequest implements the one-frame-ahead rule (spec §4.2.3): the
// pre-assembled frame is handed back immediately (Read both returns and
// zeroes the consumed region), then each peer's queued future chunk — or a
// cleared pending flag — prepares the *next* frame.
func (w *Worker) handleMixRequest(respCh chan<- []float32) {
	out := make([]float32, codec.FrameSamples*w.Channels)
	w.mix.Read(out)
	respCh <- out

	for key, p := range w.peers {
		if len(p.futureChunks) > 0 {
			chunk := p.futureChunks[0]
			p.futureChunks = p.futureChunks[1:]
			w.mix.Write(key, chunk)
			if len(p.futureChunks) == 0 {
				p.pendingMixed = false
				p.state = StateIdle
			}
			continue
		}
		p.pendingMixed = false
		p.state = StateIdle
	}
}

func (w *Worker) handleCommand(cmd Command) (shutdown bool) {
	if cmd.Shutdown {
		w.cleanup()
		return true
	}
	if cmd.ClientList != nil {
		w.applyClientList(cmd.ClientList)
	}
	return false
}

func (w *Worker) applyClientList(identities []peer.Identity) {
	wanted := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		wanted[id.Key()] = struct{}{}
		if _, ok := w.peers[id.Key()]; !ok {
			w.peers[id.Key()] = &peerState{state: StateIdleNoDecoder}
		}
	}
	for key, p := range w.peers {
		if _, ok := wanted[key]; ok {
			continue
		}
		p.state = StateGone
		delete(w.peers, key)
		w.mix.Forget(key)
	}
}

func (w *Worker) handleRawInput(frame []float32) {
	payload, err := w.encoder.Encode(frame)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warn("encode failed, dropping captured frame", zap.Error(err))
		}
		return
	}
	af := wire.AudioFrame{
		DecodedByteLength: uint32(len(frame) * 4), // float32 PCM byte length
		ChannelCount:      uint32(w.Channels),
		Encoded:           payload,
	}
	select {
	case w.Outbound <- af:
	default:
		if w.Logger != nil {
			w.Logger.Warn("outbound queue full, dropping captured frame")
		}
	}
}

func (w *Worker) handlePeerInbound(pkt PeerPacket) {
	key := pkt.Peer.Key()
	p, ok := w.peers[key]
	if !ok {
		return // not (yet) a known peer: the broker forwards a new peer's first packets before its ClientList update arrives, and those are dropped here
	}
	if p.decoder == nil {
		dec, err := codec.NewDecoder(int(pkt.ChannelCount))
		if err != nil {
			if w.Logger != nil {
				w.Logger.Warn("failed to create peer decoder", zap.Error(err))
			}
			return
		}
		p.decoder = dec
		p.state = StateIdle
	}

	pcm, err := p.decoder.Decode(pkt.Encoded)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warn("decode failed, dropping packet", zap.Error(err))
		}
		return
	}

	mixed := channelMixdown(pcm, int(pkt.ChannelCount), w.Channels)
	if mixed == nil {
		if w.Logger != nil {
			w.Logger.Warn("unsupported channel mixdown, dropping packet",
				zap.Int("src_channels", int(pkt.ChannelCount)), zap.Int("dst_channels", w.Channels))
		}
		return
	}

	if !p.pendingMixed {
		w.mix.Write(key, mixed)
		p.pendingMixed = true
		p.state = StateQueued
		return
	}

	if len(p.futureChunks) >= MaxFutureChunks {
		p.futureChunks = p.futureChunks[1:] // drop oldest, keep the freshest audio
		w.droppedFutureChunks++
	}
	p.futureChunks = append(p.futureChunks, mixed)
	p.state = StateQueued
}

func (w *Worker) cleanup() {
	for key, p := range w.peers {
		p.state = StateGone
		w.mix.Forget(key)
	}
	w.peers = make(map[string]*peerState)
}

// DroppedFutureChunks reports how many queued future chunks have been
// dropped for capacity, for test assertions and metrics.
func (w *Worker) DroppedFutureChunks() int { return w.droppedFutureChunks }

// channelMixdown applies the three supported mixdown cases (spec §4.2):
// equal channel counts add straight through, mono replicates to every
// destination channel, N-channel averages to mono. Any other mismatch
// returns nil so the caller can log and drop.
func channelMixdown(pcm []float32, srcChannels, dstChannels int) []float32 {
	if srcChannels == dstChannels {
		return pcm
	}
	frames := len(pcm) / srcChannels
	switch {
	case srcChannels == 1:
		out := make([]float32, frames*dstChannels)
		for i := 0; i < frames; i++ {
			for c := 0; c < dstChannels; c++ {
				out[i*dstChannels+c] = pcm[i]
			}
		}
		return out
	case dstChannels == 1:
		out := make([]float32, frames)
		for i := 0; i < frames; i++ {
			var sum float32
			for c := 0; c < srcChannels; c++ {
				sum += pcm[i*srcChannels+c]
			}
			out[i] = sum / float32(srcChannels)
		}
		return out
	default:
		return nil
	}
}
