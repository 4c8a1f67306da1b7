package grid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/numa"
	"github.com/sbl8/stencil/stencilerr"
)

func testDims() []dim.Dim {
	return []dim.Dim{
		{Name: "t", Kind: dim.Step},
		{Name: "x", Kind: dim.Domain},
		{Name: "y", Kind: dim.Domain},
	}
}

func newTestGrid(t *testing.T, fold int64) *Grid {
	t.Helper()
	g, err := New(
		"u",
		Float32,
		testDims(),
		map[string]DomainDimSpec{
			"x": {Domain: 10, LeftHalo: 1, RightHalo: 1, Fold: fold},
			"y": {Domain: 10, LeftHalo: 1, RightHalo: 1, Fold: 1},
		},
		nil,
		2,
		numa.PolicyNone,
		0,
	)
	require.NoError(t, err)
	return g
}

func idxOf(t *testing.T, g *Grid, x, y int64) dim.Tuple {
	t.Helper()
	return dim.NewTuple(g.space).Set("x", x).Set("y", y)
}

func TestStorageShapeRespectsHaloPadAndFold(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 4)

	xAlloc, ok := g.AllocSize("x")
	require.True(t, ok)
	// domain(10) + leftHalo(1) + rightHalo(1) = 12, already a multiple of
	// fold(4); alloc size must be at least that and a multiple of 4.
	require.GreaterOrEqual(t, xAlloc, int64(12))
	require.Zero(t, xAlloc%4)

	yAlloc, ok := g.AllocSize("y")
	require.True(t, ok)
	require.GreaterOrEqual(t, yAlloc, int64(12))
}

func TestIndexRoundTrip(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 4)

	for x := int64(-1); x <= 10; x++ {
		for y := int64(-1); y <= 10; y++ {
			idx := idxOf(t, g, x, y)
			off, err := g.offsetElements(idx, 0)
			require.NoError(t, err)

			back, err := g.FromLinear(off, 0)
			require.NoError(t, err)
			gotX, _ := back.Get("x")
			gotY, _ := back.Get("y")
			require.Equal(t, x, gotX)
			require.Equal(t, y, gotY)
		}
	}
}

func TestRingModuloAliasing(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 1)
	idx := idxOf(t, g, 0, 0)

	require.NoError(t, g.SetFloat32(idx, 0, 1.5))
	require.NoError(t, g.SetFloat32(idx, 2, 9.5))

	// step 0 and step 2 alias the same ring slot (stepAlloc=2), so writing
	// step 2 must be visible when reading step 0.
	v, err := g.GetFloat32(idx, 0)
	require.NoError(t, err)
	require.Equal(t, float32(9.5), v)

	v, err = g.GetFloat32(idx, 4)
	require.NoError(t, err)
	require.Equal(t, float32(9.5), v)
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 2)
	idx := idxOf(t, g, 3, 7)

	require.NoError(t, g.SetFloat32(idx, 1, 42.25))
	v, err := g.GetFloat32(idx, 1)
	require.NoError(t, err)
	require.Equal(t, float32(42.25), v)
}

func TestOutOfBounds(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 2)
	// y has fold 1, so no alignment padding is added to its single left
	// halo point: y=-2 is one past the allocated range.
	idx := idxOf(t, g, 0, -2)
	_, err := g.GetFloat32(idx, 0)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.OutOfBounds))
}

func TestFixedSizeGridBoundsExactDomain(t *testing.T) {
	t.Parallel()
	g, err := NewFixedSize("coeffs", Float32, []dim.Dim{{Name: "x", Kind: dim.Domain}}, map[string]int64{"x": 5}, numa.PolicyNone, 0)
	require.NoError(t, err)

	idx := dim.NewTuple(g.space).Set("x", 4)
	require.NoError(t, g.SetFloat32(idx, 0, 1))

	idx = dim.NewTuple(g.space).Set("x", 5)
	_, err = g.GetFloat32(idx, 0)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.OutOfBounds))

	idx = dim.NewTuple(g.space).Set("x", -1)
	_, err = g.GetFloat32(idx, 0)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.OutOfBounds))
}

func TestDirtyFlagLifecycle(t *testing.T) {
	t.Parallel()
	g := newTestGrid(t, 2)
	require.False(t, g.IsDirty(0))

	g.MarkDirty(0)
	require.True(t, g.IsDirty(0))

	g.ClearDirty(0)
	require.False(t, g.IsDirty(0))

	// Dirty flags key off the ring slot, so step 0 and step 2 (ring size
	// 2) share a flag.
	g.MarkDirty(2)
	require.True(t, g.IsDirty(0))
}

func TestShareStorageRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	a := newTestGrid(t, 4)
	b := newTestGrid(t, 2) // different fold -> different axis layout

	err := a.ShareStorage(b)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.ShapeMismatch))
}

func TestShareStorageAcceptsMatchingShape(t *testing.T) {
	t.Parallel()
	a := newTestGrid(t, 4)
	b := newTestGrid(t, 4)

	idx := idxOf(t, b, 0, 0)
	require.NoError(t, b.SetFloat32(idx, 0, 3.25))

	require.NoError(t, a.ShareStorage(b))
	v, err := a.GetFloat32(idx, 0)
	require.NoError(t, err)
	require.Equal(t, float32(3.25), v)
}

func TestInt32GridIsBitExact(t *testing.T) {
	t.Parallel()
	g, err := New(
		"counts",
		Int32,
		testDims(),
		map[string]DomainDimSpec{
			"x": {Domain: 4, Fold: 1},
			"y": {Domain: 4, Fold: 1},
		},
		nil,
		1,
		numa.PolicyNone,
		0,
	)
	require.NoError(t, err)

	idx := idxOf(t, g, 2, 2)
	require.NoError(t, g.SetInt32(idx, 0, -7))
	v, err := g.GetInt32(idx, 0)
	require.NoError(t, err)
	require.Equal(t, int32(-7), v)
}
