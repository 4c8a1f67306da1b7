package bundle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/dim"
)

func xSpace() *dim.Space {
	return dim.NewSpace(dim.Dim{Name: "x", Kind: dim.Domain})
}

func TestBundleValidateRequiresNameWritesAndCompute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		b    Bundle
		ok   bool
	}{
		{"missing name", Bundle{Writes: []string{"a"}, Compute: func(SubBlockRange, int64, Scratch) error { return nil }}, false},
		{"missing writes", Bundle{Name: "id", Compute: func(SubBlockRange, int64, Scratch) error { return nil }}, false},
		{"missing compute", Bundle{Name: "id", Writes: []string{"a"}}, false},
		{"valid", Bundle{Name: "id", Writes: []string{"a"}, Compute: func(SubBlockRange, int64, Scratch) error { return nil }}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.b.Validate()
			if c.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestPackWriteAndReadSetsDeduplicate(t *testing.T) {
	t.Parallel()
	compute := func(SubBlockRange, int64, Scratch) error { return nil }
	p := Pack{
		Name: "p",
		Bundles: []Bundle{
			{Name: "b1", Writes: []string{"u"}, Reads: []string{"u", "v"}, Compute: compute},
			{Name: "b2", Writes: []string{"v"}, Reads: []string{"u"}, Compute: compute},
		},
	}
	require.NoError(t, p.Validate())
	require.ElementsMatch(t, []string{"u", "v"}, p.WriteSet())
	require.ElementsMatch(t, []string{"u", "v"}, p.ReadSet())
}

func TestPackValidateRejectsEmpty(t *testing.T) {
	t.Parallel()
	err := Pack{Name: "empty"}.Validate()
	require.Error(t, err)
}

func TestMaxHaloTakesPerDimensionMax(t *testing.T) {
	t.Parallel()
	space := xSpace()
	h1 := Halo{Left: dim.NewTuple(space).Set("x", 1), Right: dim.NewTuple(space).Set("x", 1)}
	h2 := Halo{Left: dim.NewTuple(space).Set("x", 3), Right: dim.NewTuple(space).Set("x", 2)}

	max := MaxHalo(space, []Halo{h1, h2})
	require.Equal(t, int64(3), max.Left.MustGet("x"))
	require.Equal(t, int64(2), max.Right.MustGet("x"))
}
