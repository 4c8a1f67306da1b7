package autotune

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func peakedRate(peak Block) RateFunc {
	return func(b Block, _ int, _ time.Duration) float64 {
		var distSq float64
		for i, v := range b.Values {
			d := float64(v - peak.Values[i])
			distSq += d * d
		}
		return 1.0 / (1.0 + distSq)
	}
}

func TestTunerFindsSyntheticOptimum(t *testing.T) {
	t.Parallel()
	dims := []string{"x", "y", "z"}
	peak := newBlock(dims, []int64{32, 32, 32})
	start := newBlock(dims, []int64{128, 128, 128})
	region := RegionSize{Dims: dims, Values: []int64{4096, 4096, 4096}}

	tuner := New(start, region, peakedRate(peak), false)
	best := tuner.Run()

	require.True(t, best.Equal(peak), "got %v, want %v", best.Values, peak.Values)
	require.Equal(t, PhaseDone, tuner.Phase())
}

func TestTunerTerminatesWithinBoundedEvaluations(t *testing.T) {
	t.Parallel()
	dims := []string{"x", "y"}
	peak := newBlock(dims, []int64{16, 16})
	start := newBlock(dims, []int64{128, 128})
	region := RegionSize{Dims: dims, Values: []int64{8192, 8192}}

	tuner := New(start, region, peakedRate(peak), false)
	tuner.Run()

	// 3^2 - 1 = 8 neighbors per radius; radius halves from 64 down past 4
	// in at most a handful of levels, plus one measurement per
	// improving move. Bounded well under a loose multiple of 3^n.
	maxEvals := 1 + 4*(int(math.Pow(3, float64(len(dims))))-1)
	require.LessOrEqual(t, tuner.Evaluations(), maxEvals)
}

func TestBlockTieBreakPrefersSmallerTotalThenLexicographic(t *testing.T) {
	t.Parallel()
	a := newBlock([]string{"x", "y"}, []int64{4, 8})  // total 32
	b := newBlock([]string{"x", "y"}, []int64{8, 4})  // total 32, lexicographically after a
	c := newBlock([]string{"x", "y"}, []int64{2, 8})  // total 16, smallest

	require.True(t, a.less(b))
	require.False(t, b.less(a))
	require.True(t, c.less(a))
}

func TestNeighborsExcludesCenterAndOutOfBounds(t *testing.T) {
	t.Parallel()
	dims := []string{"x", "y"}
	region := RegionSize{Dims: dims, Values: []int64{4096, 4096}}
	center := newBlock(dims, []int64{128, 128})
	tuner := New(center, region, nil, false)

	neighbors := tuner.neighbors(center, 64)
	require.NotEmpty(t, neighbors)
	for _, n := range neighbors {
		require.False(t, n.Equal(center))
		require.GreaterOrEqual(t, n.total(), int64(MinBlockPoints))
		for i, v := range n.Values {
			require.LessOrEqual(t, v, region.Values[i])
		}
	}
	// 3^2 - 1 = 8 candidates, none excluded at this radius/region.
	require.Len(t, neighbors, 8)
}
