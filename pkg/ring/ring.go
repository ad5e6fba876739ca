// Package ring implements the fixed-capacity interleaved-sample buffers that
// sit between per-device workers and the audio-callback boundary: a
// single-producer/single-consumer ring for a single pre-mixed stream, and an
// additive many-producer/single-consumer ring into which every known peer
// adds its decoded contribution before the device callback reads it out.
//
// Both rings are meant to be driven from a single goroutine (the owning
// worker's event loop): the worker is the only writer for the SPSC ring and
// the only caller that mutates peer write positions on the additive ring, so
// neither type takes a lock. The handoff to the callback thread happens by
// message (over a channel), not by sharing this memory across goroutines.
package ring

// CapacityForWindow returns the sample capacity of a ring sized to hold
// windowMs milliseconds of interleaved audio at the given sample rate and
// channel count.
func CapacityForWindow(windowMs, sampleRate, channels int) int {
	return windowMs * channels * sampleRate / 1000
}

// SPSC is a single-producer/single-consumer wrap-around ring of interleaved
// float32 samples, used for the pre-mixed output path.
type SPSC struct {
	buf      []float32
	capacity uint64
	readIdx  uint64
	writeIdx uint64
}

// NewSPSC allocates a ring with room for capacity samples.
func NewSPSC(capacity int) *SPSC {
	return &SPSC{buf: make([]float32, capacity), capacity: uint64(capacity)}
}

// Readable returns the number of samples available to Read.
func (r *SPSC) Readable() int {
	return int(r.writeIdx - r.readIdx)
}

// Writable returns the number of samples that can be written without
// overtaking the reader.
func (r *SPSC) Writable() int {
	return int(r.capacity) - r.Readable()
}

// Write appends samples, overwriting the oldest unread data if the writer
// has outrun the reader by more than capacity.
func (r *SPSC) Write(in []float32) {
	for i, s := range in {
		r.buf[(r.writeIdx+uint64(i))%r.capacity] = s
	}
	r.writeIdx += uint64(len(in))
	if r.writeIdx-r.readIdx > r.capacity {
		r.readIdx = r.writeIdx - r.capacity
	}
}

// Read consumes up to len(out) samples, returning how many were copied.
func (r *SPSC) Read(out []float32) int {
	n := len(out)
	if avail := r.Readable(); n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.readIdx+uint64(i))%r.capacity]
	}
	r.readIdx += uint64(n)
	return n
}

// peerState tracks one writer's position into an AdditiveMixBuffer.
type peerState struct {
	writeIdx uint64
}

// AdditiveMixBuffer is the one-reader/many-named-writers ring described in
// spec §4.1: writes add into existing contents rather than overwrite, reads
// zero the consumed region, and a writer that falls behind the reader is
// silently caught up (its stale contribution is lost, never replayed).
type AdditiveMixBuffer struct {
	buf      []float32
	capacity uint64
	readIdx  uint64
	farthest uint64
	writers  map[string]*peerState
}

// NewAdditiveMixBuffer allocates an additive ring with room for capacity
// interleaved samples.
func NewAdditiveMixBuffer(capacity int) *AdditiveMixBuffer {
	return &AdditiveMixBuffer{
		buf:      make([]float32, capacity),
		capacity: uint64(capacity),
		writers:  make(map[string]*peerState),
	}
}

// Capacity returns the ring's sample capacity.
func (r *AdditiveMixBuffer) Capacity() int { return int(r.capacity) }

// Write adds in elementwise into the ring starting at peerKey's write
// position, creating that position at the current read_idx on first sight.
// Only peerKey's own write position advances.
func (r *AdditiveMixBuffer) Write(peerKey string, in []float32) {
	w, ok := r.writers[peerKey]
	if !ok {
		w = &peerState{writeIdx: r.readIdx}
		r.writers[peerKey] = w
	}
	for i, s := range in {
		idx := (w.writeIdx + uint64(i)) % r.capacity
		r.buf[idx] += s
	}
	w.writeIdx += uint64(len(in))
	if w.writeIdx > r.farthest {
		r.farthest = w.writeIdx
	}
}

// Read consumes exactly len(out) samples starting at read_idx, zeroing the
// consumed region and advancing read_idx. Any writer whose position fell
// inside the consumed region is clamped forward to the new read_idx.
func (r *AdditiveMixBuffer) Read(out []float32) {
	n := uint64(len(out))
	for i := uint64(0); i < n; i++ {
		idx := (r.readIdx + i) % r.capacity
		out[i] = r.buf[idx]
		r.buf[idx] = 0
	}
	newReadIdx := r.readIdx + n
	for _, w := range r.writers {
		if w.writeIdx < newReadIdx {
			w.writeIdx = newReadIdx
		}
	}
	if r.farthest < newReadIdx {
		r.farthest = newReadIdx
	}
	r.readIdx = newReadIdx
}

// MaxReadable returns the circular distance from read_idx to the farthest
// write position recorded across all peers.
func (r *AdditiveMixBuffer) MaxReadable() int {
	return int(r.farthest - r.readIdx)
}

// Forget removes peerKey's write position. Its past contributions stay
// mixed into the ring; only its bookkeeping entry is dropped.
func (r *AdditiveMixBuffer) Forget(peerKey string) {
	delete(r.writers, peerKey)
}

// Distance returns the circular distance from read_idx to peerKey's write
// position, or 0 if peerKey is unknown. Exposed for invariant testing.
func (r *AdditiveMixBuffer) Distance(peerKey string) int {
	w, ok := r.writers[peerKey]
	if !ok {
		return 0
	}
	return int(w.writeIdx - r.readIdx)
}
