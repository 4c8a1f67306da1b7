package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/bundle"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/numa"
)

func domainSpace() *dim.Space {
	return dim.NewSpace(
		dim.Dim{Name: "t", Kind: dim.Step},
		dim.Dim{Name: "x", Kind: dim.Domain},
	)
}

func newGrid1D(t *testing.T, domainSize, halo int64) *grid.Grid {
	t.Helper()
	g, err := grid.New(
		"a", grid.Float32, domainSpace().Dims(),
		map[string]grid.DomainDimSpec{"x": {Domain: domainSize, LeftHalo: halo, RightHalo: halo, Fold: 1}},
		nil, 2, numa.PolicyNone, 0,
	)
	require.NoError(t, err)
	return g
}

func fullBB(g *grid.Grid, domainSize int64) grid.BBox {
	return grid.BBox{
		Begin: dim.NewTuple(g.Space()).Set("x", 0),
		End:   dim.NewTuple(g.Space()).Set("x", domainSize),
	}
}

func TestOneStepIdentity(t *testing.T) {
	t.Parallel()
	const n = 16
	g := newGrid1D(t, n, 0)
	for i := int64(0); i < n; i++ {
		idx := dim.NewTuple(g.Space()).Set("x", i)
		require.NoError(t, g.SetFloat32(idx, 0, float32(i)))
	}

	identity := bundle.Bundle{
		ID: 0, Name: "identity", Writes: []string{"a"}, Reads: []string{"a"},
		BB: fullBB(g, n),
		Compute: func(r bundle.SubBlockRange, step int64, _ bundle.Scratch) error {
			begin, end := r.Begin.MustGet("x"), r.End.MustGet("x")
			for x := begin; x < end; x++ {
				idx := dim.NewTuple(g.Space()).Set("x", x)
				v, err := g.GetFloat32(idx, step)
				if err != nil {
					return err
				}
				if err := g.SetFloat32(idx, step+1, v); err != nil {
					return err
				}
			}
			return nil
		},
	}

	e, err := New(Options{
		Space: g.Space(), DomainDims: []string{"x"}, RankBB: fullBB(g, n),
		NumRegionThreads: 2, NumBlockThreads: 2,
	})
	require.NoError(t, err)

	pack := bundle.Pack{Name: "p", Bundles: []bundle.Bundle{identity}}
	require.NoError(t, e.Run(context.Background(), []bundle.Pack{pack}, Grids{"a": g}, 0, 1, nil))

	for i := int64(0); i < n; i++ {
		idx := dim.NewTuple(g.Space()).Set("x", i)
		v, err := g.GetFloat32(idx, 1)
		require.NoError(t, err)
		require.Equal(t, float32(i), v)
	}
}

func laplacianBundle(g *grid.Grid, n int64) bundle.Bundle {
	return bundle.Bundle{
		ID: 0, Name: "laplacian", Writes: []string{"a"}, Reads: []string{"a"},
		BB: fullBB(g, n),
		Compute: func(r bundle.SubBlockRange, step int64, _ bundle.Scratch) error {
			begin, end := r.Begin.MustGet("x"), r.End.MustGet("x")
			for x := begin; x < end; x++ {
				left := dim.NewTuple(g.Space()).Set("x", x-1)
				mid := dim.NewTuple(g.Space()).Set("x", x)
				right := dim.NewTuple(g.Space()).Set("x", x+1)
				lv, err := g.GetFloat32(left, step)
				if err != nil {
					return err
				}
				mv, err := g.GetFloat32(mid, step)
				if err != nil {
					return err
				}
				rv, err := g.GetFloat32(right, step)
				if err != nil {
					return err
				}
				if err := g.SetFloat32(mid, step+1, lv+mv+rv); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func TestLaplacianMatchesReferenceScan(t *testing.T) {
	t.Parallel()
	const n = 8
	gOpt := newGrid1D(t, n, 1)
	gRef := newGrid1D(t, n, 1)
	for i := int64(0); i < n; i++ {
		idx := dim.NewTuple(gOpt.Space()).Set("x", i)
		require.NoError(t, gOpt.SetFloat32(idx, 0, float32(i)))
		require.NoError(t, gRef.SetFloat32(idx, 0, float32(i)))
	}
	// halo init: boundary neighbor values are zero (outside domain), same
	// as the default-zeroed allocation already provides for both grids.

	e, err := New(Options{
		Space: gOpt.Space(), DomainDims: []string{"x"}, RankBB: fullBB(gOpt, n),
		NumRegionThreads: 2, NumBlockThreads: 2,
	})
	require.NoError(t, err)

	optPack := bundle.Pack{Name: "p", Bundles: []bundle.Bundle{laplacianBundle(gOpt, n)}}
	refPack := bundle.Pack{Name: "p", Bundles: []bundle.Bundle{laplacianBundle(gRef, n)}}

	require.NoError(t, e.Run(context.Background(), []bundle.Pack{optPack}, Grids{"a": gOpt}, 0, 1, nil))
	require.NoError(t, e.RunReference(context.Background(), []bundle.Pack{refPack}, Grids{"a": gRef}, 0, 1))

	for i := int64(1); i < n-1; i++ {
		idx := dim.NewTuple(gOpt.Space()).Set("x", i)
		vOpt, err := gOpt.GetFloat32(idx, 1)
		require.NoError(t, err)
		vRef, err := gRef.GetFloat32(idx, 1)
		require.NoError(t, err)
		require.Equal(t, vRef, vOpt)
		require.Equal(t, float32(3*i), vOpt)
	}
}

func TestTileAlongSplitsExtentIntoFixedSizePieces(t *testing.T) {
	t.Parallel()
	bounds := tileAlong(0, 10, 4)
	require.Equal(t, []int64{0, 4, 8, 10}, bounds)
}

func TestTileAlongZeroMeansWholeExtent(t *testing.T) {
	t.Parallel()
	bounds := tileAlong(0, 10, 0)
	require.Equal(t, []int64{0, 10}, bounds)
}

func TestRunRejectsInvertedStepRange(t *testing.T) {
	t.Parallel()
	g := newGrid1D(t, 4, 0)
	e, err := New(Options{Space: g.Space(), DomainDims: []string{"x"}, RankBB: fullBB(g, 4)})
	require.NoError(t, err)
	err = e.Run(context.Background(), nil, Grids{"a": g}, 5, 2, nil)
	require.Error(t, err)
}

func TestSubBlockTilesPartitionsBlockIntoMultipleTiles(t *testing.T) {
	t.Parallel()
	space := domainSpace()
	block := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 0),
		End:   dim.NewTuple(space).Set("x", 10),
	}
	tiles := subBlockTiles(block, []string{"x"}, map[string]int64{"x": 4})
	require.Len(t, tiles, 3)
	require.Equal(t, int64(0), tiles[0].Begin.MustGet("x"))
	require.Equal(t, int64(4), tiles[0].End.MustGet("x"))
	require.Equal(t, int64(8), tiles[2].Begin.MustGet("x"))
	require.Equal(t, int64(10), tiles[2].End.MustGet("x"))
}

func TestSubBlockTilesUnsetSizeIsSingleWholeBlockTile(t *testing.T) {
	t.Parallel()
	space := domainSpace()
	block := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 0),
		End:   dim.NewTuple(space).Set("x", 10),
	}
	tiles := subBlockTiles(block, []string{"x"}, nil)
	require.Len(t, tiles, 1)
	require.Equal(t, block, tiles[0])
}

func TestSkewRegionWidensByAngleTimesRemaining(t *testing.T) {
	t.Parallel()
	space := domainSpace()
	region := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 0),
		End:   dim.NewTuple(space).Set("x", 64),
	}
	angle := bundle.Halo{
		Left:  dim.NewTuple(space).Set("x", 1),
		Right: dim.NewTuple(space).Set("x", 1),
	}

	// Region step-size 2, angle 1 in x, remaining=1 (the pass's first of two
	// steps): [0,64) extends to [-1,65) (spec.md §8 scenario 6).
	widened := skewRegion(region, []string{"x"}, angle, 1)
	require.Equal(t, int64(-1), widened.Begin.MustGet("x"))
	require.Equal(t, int64(65), widened.End.MustGet("x"))

	// The pass's last step (remaining=0) lands back on the unextended core
	// region.
	core := skewRegion(region, []string{"x"}, angle, 0)
	require.Equal(t, region, core)
}

func TestRegionIsExteriorOnlyAtRankBoundaryInSkewedDirection(t *testing.T) {
	t.Parallel()
	space := domainSpace()
	rankBB := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 0),
		End:   dim.NewTuple(space).Set("x", 64),
	}
	angle := bundle.Halo{
		Left:  dim.NewTuple(space).Set("x", 1),
		Right: dim.NewTuple(space).Set("x", 1),
	}

	leftEdge := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 0),
		End:   dim.NewTuple(space).Set("x", 16),
	}
	require.True(t, regionIsExterior(leftEdge, rankBB, []string{"x"}, angle))

	interior := grid.BBox{
		Begin: dim.NewTuple(space).Set("x", 16),
		End:   dim.NewTuple(space).Set("x", 32),
	}
	require.False(t, regionIsExterior(interior, rankBB, []string{"x"}, angle))

	// A zero angle never marks any region exterior, even at the boundary.
	require.False(t, regionIsExterior(leftEdge, rankBB, []string{"x"}, bundle.Halo{}))
}

// stubPending records that Finish was called before the caller is allowed to
// proceed, letting the interior/exterior overlap test assert ordering.
type stubPending struct {
	finished *bool
}

func (p *stubPending) Finish(ctx context.Context) error {
	*p.finished = true
	return nil
}

// stubExchanger posts one stubPending per ExchangeStart call and records the
// step each call was made at.
type stubExchanger struct {
	finished *bool
	steps    *[]int64
}

func (e *stubExchanger) ExchangeStart(ctx context.Context, p bundle.Pack, grids Grids, step int64) (PendingExchange, error) {
	*e.steps = append(*e.steps, step)
	return &stubPending{finished: e.finished}, nil
}

func TestRunExchangesOnceThenRunsExteriorAfterFinish(t *testing.T) {
	t.Parallel()
	const n = 16
	g := newGrid1D(t, n, 1)

	finished := false
	var order []string
	bb := bundle.Bundle{
		ID: 0, Name: "touch", Writes: []string{"a"}, Reads: []string{"a"},
		BB: fullBB(g, n),
		Compute: func(r bundle.SubBlockRange, step int64, _ bundle.Scratch) error {
			// Both 8-wide regions touch the rank boundary with angle 1, so
			// every call here belongs to an exterior region.
			if finished {
				order = append(order, "after-finish")
			} else {
				order = append(order, "before-finish")
			}
			return nil
		},
		Angle: bundle.Halo{
			Left:  dim.NewTuple(g.Space()).Set("x", 1),
			Right: dim.NewTuple(g.Space()).Set("x", 1),
		},
	}

	e, err := New(Options{
		Space: g.Space(), StepDim: "t", DomainDims: []string{"x"}, RankBB: fullBB(g, n),
		RegionSize:       map[string]int64{"x": 8, "t": 2},
		NumRegionThreads: 1, NumBlockThreads: 1,
	})
	require.NoError(t, err)

	pack := bundle.Pack{Name: "p", Bundles: []bundle.Bundle{bb}}

	var steps []int64
	ex := &stubExchanger{finished: &finished, steps: &steps}

	require.NoError(t, e.Run(context.Background(), []bundle.Pack{pack}, Grids{"a": g}, 0, 2, ex))
	require.Equal(t, []int64{0}, steps)
	require.True(t, finished)
	require.NotEmpty(t, order)
	require.NotContains(t, order, "before-finish")
}
