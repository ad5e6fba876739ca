// Package jitter implements the receiver-path packet/FEC/jitter-buffer
// engine (spec §3, §4.5): an ordered-by-timestamp sequence of packets with
// FEC synthesis over detected gaps, cascading re-decode when an
// authoritative packet supersedes a synthesized one, and clock-aware
// scheduled playout.
//
// A PacketBuffer owns exactly one codec.Decoder and is meant to be driven
// from a single goroutine (the owning worker), matching the "packet pool
// is single-threaded-accessed within a worker" resource policy.
package jitter

import (
	"sort"
	"time"

	"github.com/qarbaudio/qarb/pkg/codec"
)

const (
	// Capacity is the maximum number of live packets, N=100 in spec §3.
	Capacity = 100

	// FramePeriod is the fixed per-packet cadence (10 ms at 48 kHz/480 samples).
	FramePeriod = 10 * time.Millisecond

	// DefaultBuffTime is the default playout window, §4.5.
	DefaultBuffTime = 55 * time.Millisecond

	// RetransmitThrottle bounds retransmit requests to one per timestamp per window.
	RetransmitThrottle = 2 * time.Millisecond
)

// Packet is one timestamped slot in the jitter buffer.
type Packet struct {
	TS       int64 // presentation timestamp, nanoseconds
	Encoded  []byte
	PCM      []float32
	FEC      bool
	Snapshot codec.State
}

// PacketBuffer is the ordered, fixed-capacity packet sequence described in
// spec §3/§4.5.
type PacketBuffer struct {
	decoder            *codec.Decoder
	buffTime           int64 // nanoseconds
	retransmitThrottle int64 // nanoseconds

	slots []*Packet // ascending by TS

	lastPlayedTS         int64
	consecutiveUnderruns int

	lastRequestNs map[int64]int64

	Dropped int // count of packets dropped for capacity/staleness/duplicate
}

// NewPacketBuffer constructs a buffer around decoder, using the default
// playout window and retransmit throttle.
func NewPacketBuffer(decoder *codec.Decoder) *PacketBuffer {
	return NewPacketBufferWithConfig(decoder, DefaultBuffTime, RetransmitThrottle)
}

// NewPacketBufferWithConfig constructs a buffer with an explicit playout
// window and retransmit-request throttle, the runtime-tunable counterparts of
// DefaultBuffTime and RetransmitThrottle (deployments source these from
// config.JitterConfig rather than the package defaults). A non-positive
// duration falls back to the corresponding default.
func NewPacketBufferWithConfig(decoder *codec.Decoder, buffTime, retransmitThrottle time.Duration) *PacketBuffer {
	if buffTime <= 0 {
		buffTime = DefaultBuffTime
	}
	if retransmitThrottle <= 0 {
		retransmitThrottle = RetransmitThrottle
	}
	return &PacketBuffer{
		decoder:            decoder,
		buffTime:           int64(buffTime),
		retransmitThrottle: int64(retransmitThrottle),
		lastRequestNs:      make(map[int64]int64),
	}
}

// insertionPoint returns the index where a packet with timestamp ts belongs
// so the sequence stays strictly ascending.
func (pb *PacketBuffer) insertionPoint(ts int64) int {
	return sort.Search(len(pb.slots), func(i int) bool {
		return pb.slots[i].TS >= ts
	})
}

// Queue inserts (ts, enc), synthesizing FEC packets for any detected gap and
// cascading a re-decode if an authoritative packet supersedes a previously
// FEC-synthesized slot at the same timestamp.
func (pb *PacketBuffer) Queue(ts int64, enc []byte) {
	if len(pb.slots) >= Capacity {
		pb.Dropped++
		return
	}
	if ts < pb.lastPlayedTS {
		pb.Dropped++
		return
	}

	idx := pb.insertionPoint(ts)

	if idx < len(pb.slots) && pb.slots[idx].TS == ts {
		existing := pb.slots[idx]
		if !existing.FEC {
			pb.Dropped++ // duplicate authoritative packet
			return
		}
		existing.Encoded = enc
		existing.FEC = false
		pb.decoder.Restore(existing.Snapshot)
		pb.decodeSlot(existing)
		for i := idx + 1; i < len(pb.slots); i++ {
			pb.redecodeCascade(i)
		}
		return
	}

	var prevTS int64
	if idx > 0 {
		prevTS = pb.slots[idx-1].TS
	} else {
		prevTS = ts - int64(FramePeriod)
	}

	gap := (ts-prevTS)/int64(FramePeriod) - 1
	// Synthesize only as many FEC slots as fit within Capacity alongside the
	// authoritative packet, keeping the ones nearest ts.
	first := int64(1)
	if room := int64(Capacity - len(pb.slots) - 1); gap > room {
		first = gap - room + 1
	}
	inserted := make([]*Packet, 0, gap-first+2)
	for k := first; k <= gap; k++ {
		fts := prevTS + k*int64(FramePeriod)
		fecPkt := &Packet{TS: fts, Encoded: enc, FEC: true}
		pb.Snapshot(fecPkt)
		pcm, err := pb.decoder.DecodeFEC(enc)
		if err == nil {
			fecPkt.PCM = pcm
		}
		inserted = append(inserted, fecPkt)
	}

	authoritative := &Packet{TS: ts, Encoded: enc}
	pb.Snapshot(authoritative)
	pb.decodeSlot(authoritative)
	inserted = append(inserted, authoritative)

	pb.slots = insertAt(pb.slots, idx, inserted...)
}

// Snapshot records the decoder's pre-decode state onto p.
func (pb *PacketBuffer) Snapshot(p *Packet) {
	p.Snapshot = pb.decoder.Save()
}

func (pb *PacketBuffer) decodeSlot(p *Packet) {
	pcm, err := pb.decoder.Decode(p.Encoded)
	if err == nil {
		p.PCM = pcm
	}
}

// redecodeCascade re-decodes the slot at i using the decoder's current
// (already-advanced) state, continuing the cascading refresh after an
// earlier slot was superseded.
func (pb *PacketBuffer) redecodeCascade(i int) {
	p := pb.slots[i]
	pb.Snapshot(p)
	if p.FEC {
		pcm, err := pb.decoder.DecodeFEC(p.Encoded)
		if err == nil {
			p.PCM = pcm
		}
		return
	}
	pb.decodeSlot(p)
}

func insertAt(slots []*Packet, idx int, items ...*Packet) []*Packet {
	out := make([]*Packet, 0, len(slots)+len(items))
	out = append(out, slots[:idx]...)
	out = append(out, items...)
	out = append(out, slots[idx:]...)
	return out
}

// Next returns the next packet due for playout at hostNow, per the §4.5
// scheduling rule: the first packet with ts > last_played_ts and
// |ts - host_now| <= buff_time. Packets too far in the past are skipped
// without being played; a packet too far in the future (or no candidate at
// all) counts as an underrun, and two consecutive underruns reset
// last_played_ts so the buffer resynchronizes to whatever arrives next.
func (pb *PacketBuffer) Next(hostNow int64) (*Packet, bool) {
	for _, p := range pb.slots {
		if p.TS <= pb.lastPlayedTS {
			continue
		}
		if p.TS-hostNow > pb.buffTime {
			pb.underrun()
			return nil, false
		}
		if hostNow-p.TS > pb.buffTime {
			continue
		}
		pb.lastPlayedTS = p.TS
		pb.consecutiveUnderruns = 0
		return p, true
	}
	pb.underrun()
	return nil, false
}

func (pb *PacketBuffer) underrun() {
	pb.consecutiveUnderruns++
	if pb.consecutiveUnderruns >= 2 {
		pb.lastPlayedTS = 0
		pb.consecutiveUnderruns = 0
	}
}

// GC returns all slots with ts <= lastPlayedTS to the free list (here, just
// drops them), returning the count removed.
func (pb *PacketBuffer) GC(lastPlayedTS int64) int {
	kept := pb.slots[:0]
	removed := 0
	for _, p := range pb.slots {
		if p.TS <= lastPlayedTS {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	pb.slots = kept
	return removed
}

// Len reports the number of live slots.
func (pb *PacketBuffer) Len() int { return len(pb.slots) }

// Timestamps returns the live slots' timestamps in order, for test assertions.
func (pb *PacketBuffer) Timestamps() []int64 {
	out := make([]int64, len(pb.slots))
	for i, p := range pb.slots {
		out[i] = p.TS
	}
	return out
}

// RetransmitCandidates returns timestamps still FEC-flagged, throttled to at
// most one request per timestamp per RetransmitThrottle window.
func (pb *PacketBuffer) RetransmitCandidates(hostNow int64) []int64 {
	var out []int64
	for _, p := range pb.slots {
		if !p.FEC {
			continue
		}
		if last, ok := pb.lastRequestNs[p.TS]; ok && hostNow-last < pb.retransmitThrottle {
			continue
		}
		pb.lastRequestNs[p.TS] = hostNow
		out = append(out, p.TS)
	}
	return out
}
