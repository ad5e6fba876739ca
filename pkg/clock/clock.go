// Package clock implements the ping/pong host-clock synchronization
// described in spec §4.5: a rolling window of round-trip samples is reduced
// to a one-way propagation estimate and a clock-skew estimate, smoothed into
// a single offset that host_time_ns() applies to the local wall clock.
//
// The offset is stored as a lock-free atomic so the packet engine (reader)
// and the timing-pong goroutine (writer) never contend a mutex, matching
// the "lock-free relaxed atomic 64-bit float" resource policy in spec §5.
package clock

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// WindowSize is the rolling sample window, §6 "Timing window: 100 samples."
const WindowSize = 100

// PingInterval is the nominal spacing between ping packets, ±5ms jitter is
// the caller's responsibility (§6 "Timing ping interval: 200ms ± 5ms").
const PingInterval = 200 * time.Millisecond

// WarmupSamples is the minimum number of samples collected before offset
// jumps larger than one frame period are no longer expected (§4.5).
const WarmupSamples = 20

type sample struct {
	tTx     int64 // local send time
	tRemote int64 // remote's timestamp at receipt
	tRx     int64 // local receive time of the reply
}

// Sync maintains one peer's rolling clock-offset estimate.
type Sync struct {
	window []sample
	offset atomic.Uint64
}

// New constructs a Sync with a zero initial offset.
func New() *Sync {
	return &Sync{}
}

// Observe records one ping/pong round trip: the peer echoed tTxEcho (our
// original send timestamp) alongside its own tRemote, and we received this
// reply at tRx (our local clock). The rolling window and offset estimate are
// updated immediately.
func (s *Sync) Observe(tTxEcho, tRemote, tRx int64) {
	s.window = append(s.window, sample{tTx: tTxEcho, tRemote: tRemote, tRx: tRx})
	if len(s.window) > WindowSize {
		s.window = s.window[len(s.window)-WindowSize:]
	}
	s.recompute()
}

// recompute applies the §4.5 estimators over the current window and folds
// the result into the smoothed clock_offset.
func (s *Sync) recompute() {
	n := len(s.window)
	if n == 0 {
		return
	}

	delays := make([]int64, n)
	for i, sm := range s.window {
		delays[i] = sm.tRx - sm.tTx
	}
	sortedDelays := append([]int64(nil), delays...)
	sort.Slice(sortedDelays, func(i, j int) bool { return sortedDelays[i] < sortedDelays[j] })

	quintile := n / 5
	if quintile < 1 {
		quintile = 1
	}
	var sumDelay int64
	for i := 0; i < quintile; i++ {
		sumDelay += sortedDelays[i]
	}
	oneWayProp := float64(sumDelay) / float64(quintile) / 2.0

	threshold := sortedDelays[quintile-1]
	var xs, ys []float64
	for i, sm := range s.window {
		if delays[i] <= threshold {
			xs = append(xs, float64(sm.tRx))
			ys = append(ys, float64(sm.tRx-sm.tRemote))
		}
	}
	slope, intercept := linearRegression(xs, ys)

	latestTRx := float64(s.window[n-1].tRx)
	skewEstimate := slope*latestTRx + intercept

	alpha := 0.99 * float64(n) / float64(WindowSize)
	prevOffset := s.Offset()
	newOffset := alpha*prevOffset + (1-alpha)*(skewEstimate+oneWayProp)

	s.offset.Store(math.Float64bits(newOffset))
}

// linearRegression fits y = slope*x + intercept by ordinary least squares.
func linearRegression(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// Offset returns the current smoothed clock offset in nanoseconds.
func (s *Sync) Offset() float64 {
	return math.Float64frombits(s.offset.Load())
}

// Warm reports whether enough samples have been collected that offset
// updates are expected to be smooth rather than jump-prone.
func (s *Sync) Warm() bool {
	return len(s.window) >= WarmupSamples
}

// HostTimeNs returns the local wall clock adjusted by the current offset —
// the clock the packet engine schedules playout against.
func (s *Sync) HostTimeNs() int64 {
	return time.Now().UnixNano() + int64(s.Offset())
}
