package worker

import "testing"

func TestChannelMixdown_EqualCounts(t *testing.T) {
	pcm := []float32{0.1, 0.2, 0.3, 0.4}
	got := channelMixdown(pcm, 2, 2)
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("equal-count mixdown mutated sample %d: got %v want %v", i, got[i], pcm[i])
		}
	}
}

func TestChannelMixdown_MonoToStereo(t *testing.T) {
	pcm := []float32{0.5, -0.5}
	got := channelMixdown(pcm, 1, 2)
	want := []float32{0.5, 0.5, -0.5, -0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mono->stereo[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestChannelMixdown_StereoToMonoIdentityRoundTrip(t *testing.T) {
	mono := []float32{0.25, -0.75, 1.0}
	stereo := channelMixdown(mono, 1, 2)
	back := channelMixdown(stereo, 2, 1)
	for i := range mono {
		if back[i] != mono[i] {
			t.Fatalf("mono->N->mono[%d] = %v, want %v", i, back[i], mono[i])
		}
	}
}

func TestChannelMixdown_UnsupportedMismatchReturnsNil(t *testing.T) {
	pcm := make([]float32, 9)
	if got := channelMixdown(pcm, 3, 5); got != nil {
		t.Fatalf("expected nil for unsupported mismatch, got %v", got)
	}
}
