package numa

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/stencilerr"
)

func TestAllocatePolicyNoneAligned(t *testing.T) {
	t.Parallel()
	sizes := []int{0, 1, 63, 64, 65, 4096, HugePageThreshold + 1}
	for _, size := range sizes {
		region, err := Allocate(size, PolicyNone, 0)
		require.NoError(t, err)
		require.Len(t, region.Bytes, size)
		if size > 0 {
			addr := uintptr(unsafe.Pointer(&region.Bytes[0]))
			align := alignmentFor(size)
			require.Zero(t, addr%uintptr(align), "size %d not aligned to %d", size, align)
		}
		require.NoError(t, region.Release())
		require.NoError(t, region.Release(), "Release should be idempotent")
	}
}

func TestAllocateNegativeSize(t *testing.T) {
	t.Parallel()
	_, err := Allocate(-1, PolicyNone, 0)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.InvalidArgument))
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	cases := []struct{ n, align, want int }{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
	}
	for _, c := range cases {
		if got := AlignUp(c.n, c.align); got != c.want {
			t.Errorf("AlignUp(%d,%d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

func TestInterBufferPadGrowsWithFold(t *testing.T) {
	t.Parallel()
	p1 := InterBufferPad(1)
	p8 := InterBufferPad(8)
	require.Greater(t, p8, p1)
	require.Equal(t, p1*8, p8)
}
