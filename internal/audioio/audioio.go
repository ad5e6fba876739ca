// Package audioio models the audio-callback boundary (spec §4.4): a
// strictly bounded real-time region that exchanges fixed-size sample frames
// with a device driver without blocking, allocating, or decoding.
//
// The real driver binding is out of scope (spec §1) and unimplemented here:
// no concrete audio-driver library in the example pack is actually wired to
// anything (gordonklaus/portaudio is imported but never called anywhere in
// doismellburning-samoyed's own source — confirmed by grep), so there is no
// grounded binding to adapt. AudioDevice models the driver's *contract*
// only; Loopback is an in-process reference implementation that exercises
// it for tests and for the loopback scenario.
package audioio

// SampleRate and FrameSamples are the fixed operating parameters (§6).
const (
	SampleRate   = 48_000
	FrameSamples = 480
)

// AudioDevice is the pull/push callback contract a real driver binding would
// implement.
type AudioDevice interface {
	// Pull returns the next captured frame if the driver has one ready.
	Pull() (frame []float32, ok bool)
	// Push delivers one frame to be played out.
	Push(frame []float32)
}

// TaperSamples is min(frame_size, sample_rate/200) frames times channels:
// the number of interleaved samples of linear fade-in applied to the first
// non-silent frame after an underrun (§4.4).
func TaperSamples(channels int) int {
	n := SampleRate / 200
	if FrameSamples < n {
		n = FrameSamples
	}
	return n * channels
}

// ApplyTaper linearly fades frame in from silence over its first
// TaperSamples(channels) samples, in place.
func ApplyTaper(frame []float32, channels int) {
	n := TaperSamples(channels)
	if n > len(frame) {
		n = len(frame)
	}
	steps := n / channels
	if steps == 0 {
		return
	}
	for i := 0; i < steps; i++ {
		gain := float32(i) / float32(steps)
		for c := 0; c < channels; c++ {
			frame[i*channels+c] *= gain
		}
	}
}

// IsSilent reports whether every sample in frame is exactly zero, the
// underrun signal runDeviceLoop watches for to decide when a taper applies.
func IsSilent(frame []float32) bool {
	for _, s := range frame {
		if s != 0 {
			return false
		}
	}
	return true
}

// Loopback is a deterministic in-process AudioDevice: frames given to Feed
// are returned by Pull in order, and frames Pushed to it are recorded for
// Played. Pushed frames are not fed back to Pull. It drives scenario S1
// (loopback encode-decode) and unit tests without a real driver.
type Loopback struct {
	channels int
	queue    [][]float32
	played   [][]float32
}

// NewLoopback constructs a loopback device for the given channel count.
func NewLoopback(channels int) *Loopback {
	return &Loopback{channels: channels}
}

// Feed injects a captured frame as if the driver had just produced it.
func (l *Loopback) Feed(frame []float32) {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	l.queue = append(l.queue, cp)
}

// Pull implements AudioDevice.
func (l *Loopback) Pull() ([]float32, bool) {
	if len(l.queue) == 0 {
		return nil, false
	}
	frame := l.queue[0]
	l.queue = l.queue[1:]
	return frame, true
}

// Push implements AudioDevice by recording the frame for inspection.
func (l *Loopback) Push(frame []float32) {
	cp := make([]float32, len(frame))
	copy(cp, frame)
	l.played = append(l.played, cp)
}

// Played returns every frame Pushed to this loopback device so far.
func (l *Loopback) Played() [][]float32 {
	return l.played
}

var _ AudioDevice = (*Loopback)(nil)
