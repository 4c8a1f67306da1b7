package mpi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/dim"
)

func space2D() *dim.Space {
	return dim.NewSpace(
		dim.Dim{Name: "t", Kind: dim.Step},
		dim.Dim{Name: "x", Kind: dim.Domain},
		dim.Dim{Name: "y", Kind: dim.Domain},
	)
}

func TestSingleRankEnvHasNoNeighbors(t *testing.T) {
	t.Parallel()
	env, err := Init(space2D(), []int64{1, 1}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, env.Size())
	require.Equal(t, 0, env.Rank())

	for _, n := range env.Neighbors() {
		require.False(t, n.Exists)
	}
	require.NoError(t, env.Barrier(context.Background()))
}

func TestRankGridShapeMustMatchTransportSize(t *testing.T) {
	t.Parallel()
	_, err := Init(space2D(), []int64{2, 2}, nil) // product 4 != single-rank size 1
	require.Error(t, err)
}

func TestRankGridDimensionCountMustMatchDomainDims(t *testing.T) {
	t.Parallel()
	_, err := Init(space2D(), []int64{1}, nil)
	require.Error(t, err)
}

func TestCoordAndLinearRoundTrip(t *testing.T) {
	t.Parallel()
	shape := []int64{3, 4}
	for r := int64(0); r < 12; r++ {
		c := coordOf(r, shape)
		require.Equal(t, r, linearOf(c, shape))
	}
}

func TestNeighborsForMultiRankGrid(t *testing.T) {
	t.Parallel()
	space := space2D()
	env := &Env{space: space, rankGrid: []int64{2, 2}, rankCoord: []int64{0, 0}}

	var found map[string]Neighbor = make(map[string]Neighbor)
	for _, n := range env.Neighbors() {
		key := n.Dim
		if n.Direction > 0 {
			key += "+"
		} else {
			key += "-"
		}
		found[key] = n
	}

	require.False(t, found["x-"].Exists)
	require.True(t, found["x+"].Exists)
	require.Equal(t, 2, found["x+"].Rank) // coord (1,0) -> linear 1*2+0=2

	require.False(t, found["y-"].Exists)
	require.True(t, found["y+"].Exists)
	require.Equal(t, 1, found["y+"].Rank) // coord (0,1) -> linear 0*2+1=1
}
