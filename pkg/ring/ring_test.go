package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/qarbaudio/qarb/pkg/ring"
)

func TestAdditiveMixBuffer_DistanceNeverNegative(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(16, 256).Draw(t, "capacity")
		buf := ring.NewAdditiveMixBuffer(capacity)

		steps := rapid.IntRange(0, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "isWrite") {
				n := rapid.IntRange(1, capacity/2).Draw(t, "writeLen")
				in := make([]float32, n)
				for j := range in {
					in[j] = rapid.Float32Range(-1, 1).Draw(t, "sample")
				}
				buf.Write("peer", in)
			} else {
				n := rapid.IntRange(1, capacity/2).Draw(t, "readLen")
				out := make([]float32, n)
				buf.Read(out)
			}
			assert.GreaterOrEqual(t, buf.Distance("peer"), 0)
		}
	})
}

func TestAdditiveMixBuffer_ReadThenWriteZeroLeavesRegionZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(16, 256).Draw(t, "capacity")
		buf := ring.NewAdditiveMixBuffer(capacity)

		n := rapid.IntRange(1, capacity/2).Draw(t, "len")
		in := make([]float32, n)
		for j := range in {
			in[j] = rapid.Float32Range(-1, 1).Draw(t, "sample")
		}
		buf.Write("peer", in)

		out := make([]float32, n)
		buf.Read(out)
		buf.Write("peer", make([]float32, 0))

		again := make([]float32, n)
		buf.Read(again)
		for _, s := range again {
			assert.Equal(t, float32(0), s)
		}
	})
}

func TestAdditiveMixBuffer_SplitWritesEqualSummedWrite(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(16, 256).Draw(t, "capacity")
		n := rapid.IntRange(1, capacity/2).Draw(t, "len")

		in1 := make([]float32, n)
		in2 := make([]float32, n)
		sum := make([]float32, n)
		for j := 0; j < n; j++ {
			in1[j] = rapid.Float32Range(-1, 1).Draw(t, "a")
			in2[j] = rapid.Float32Range(-1, 1).Draw(t, "b")
			sum[j] = in1[j] + in2[j]
		}

		split := ring.NewAdditiveMixBuffer(capacity)
		split.Write("peer", in1)
		split.Write("peer", in2)
		gotSplit := make([]float32, n)
		split.Read(gotSplit)

		combined := ring.NewAdditiveMixBuffer(capacity)
		combined.Write("peer", sum)
		gotCombined := make([]float32, n)
		combined.Read(gotCombined)

		for j := 0; j < n; j++ {
			assert.InDelta(t, gotCombined[j], gotSplit[j], 1e-5)
		}
	})
}

func TestAdditiveMixBuffer_LaggingWriterClampedOnRead(t *testing.T) {
	buf := ring.NewAdditiveMixBuffer(64)
	buf.Write("lagging", []float32{1, 1, 1, 1})

	out := make([]float32, 32)
	buf.Read(out)

	require.Equal(t, 0, buf.Distance("lagging"))
	require.Equal(t, 0, buf.MaxReadable())
}

func TestAdditiveMixBuffer_ForgetKeepsMixedData(t *testing.T) {
	buf := ring.NewAdditiveMixBuffer(64)
	buf.Write("a", []float32{1, 1})
	buf.Write("b", []float32{2, 2})
	buf.Forget("a")

	out := make([]float32, 2)
	buf.Read(out)
	assert.Equal(t, []float32{3, 3}, out)
}

func TestSPSC_ReadWriteRoundTrip(t *testing.T) {
	r := ring.NewSPSC(16)
	r.Write([]float32{1, 2, 3, 4})
	require.Equal(t, 4, r.Readable())

	out := make([]float32, 4)
	n := r.Read(out)
	require.Equal(t, 4, n)
	assert.Equal(t, []float32{1, 2, 3, 4}, out)
	assert.Equal(t, 0, r.Readable())
}

func TestCapacityForWindow(t *testing.T) {
	assert.Equal(t, 3840, ring.CapacityForWindow(40, 48000, 2))
}
