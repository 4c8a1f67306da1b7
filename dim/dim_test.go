package dim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/stencil/stencilerr"
)

func testSpace() *Space {
	return NewSpace(
		Dim{Name: "t", Kind: Step},
		Dim{Name: "x", Kind: Domain},
		Dim{Name: "y", Kind: Domain},
		Dim{Name: "g", Kind: Misc},
	)
}

func TestTupleArithmetic(t *testing.T) {
	t.Parallel()
	sp := testSpace()
	a := FromMap(sp, map[string]int64{"t": 1, "x": 2, "y": 3, "g": 4})
	b := FromMap(sp, map[string]int64{"t": 10, "x": 20, "y": 30, "g": 40})

	tests := []struct {
		name string
		got  Tuple
		want map[string]int64
	}{
		{"add", Add(a, b), map[string]int64{"t": 11, "x": 22, "y": 33, "g": 44}},
		{"sub", Sub(b, a), map[string]int64{"t": 9, "x": 18, "y": 27, "g": 36}},
		{"mul", Mul(a, b), map[string]int64{"t": 10, "x": 40, "y": 90, "g": 160}},
		{"min", MinT(a, b), map[string]int64{"t": 1, "x": 2, "y": 3, "g": 4}},
		{"max", MaxT(a, b), map[string]int64{"t": 10, "x": 20, "y": 30, "g": 40}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			want := FromMap(sp, tc.want)
			if !Equal(tc.got, want) {
				t.Errorf("%s: got %v want %v", tc.name, tc.got.Values(), want.Values())
			}
		})
	}
}

func TestDotAndProduct(t *testing.T) {
	t.Parallel()
	sp := testSpace()
	shape := FromMap(sp, map[string]int64{"t": 1, "x": 4, "y": 8, "g": 1})
	strides := FromMap(sp, map[string]int64{"t": 0, "x": 8, "y": 1, "g": 0})
	idx := FromMap(sp, map[string]int64{"t": 0, "x": 2, "y": 3, "g": 0})

	off, err := Dot(idx, strides)
	require.NoError(t, err)
	require.Equal(t, int64(2*8+3*1), off)

	prod, err := Product(shape)
	require.NoError(t, err)
	require.Equal(t, int64(1*4*8*1), prod)
}

func TestCheckKind(t *testing.T) {
	t.Parallel()
	sp := testSpace()

	require.NoError(t, sp.CheckKind("x", Domain))

	err := sp.CheckKind("t", Domain)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.DimKindMismatch))

	err = sp.CheckKind("nope", Domain)
	require.Error(t, err)
	require.True(t, stencilerr.Is(err, stencilerr.InvalidArgument))
}

func TestProject(t *testing.T) {
	t.Parallel()
	sp := testSpace()
	full := FromMap(sp, map[string]int64{"t": 1, "x": 2, "y": 3, "g": 4})

	domainSpace := NewSpace(Dim{Name: "x", Kind: Domain}, Dim{Name: "y", Kind: Domain})
	proj, err := Project(full, domainSpace)
	require.NoError(t, err)

	if diff := cmp.Diff([]int64{2, 3}, proj.Values()); diff != "" {
		t.Errorf("Project() mismatch (-want +got):\n%s", diff)
	}

	missing := NewSpace(Dim{Name: "z", Kind: Domain})
	_, err = Project(full, missing)
	require.Error(t, err)
}

func TestCeilFloorDivMod(t *testing.T) {
	t.Parallel()
	tests := []struct {
		x, y          int64
		ceil, floor   int64
		mod           int64
	}{
		{7, 2, 4, 3, 1},
		{-7, 2, -3, -4, 1},
		{6, 2, 3, 3, 0},
		{-6, 2, -3, -3, 0},
		{-1, 3, 0, -1, 2},
	}
	for _, tc := range tests {
		if got := CeilDiv(tc.x, tc.y); got != tc.ceil {
			t.Errorf("CeilDiv(%d,%d) = %d, want %d", tc.x, tc.y, got, tc.ceil)
		}
		if got := FloorDiv(tc.x, tc.y); got != tc.floor {
			t.Errorf("FloorDiv(%d,%d) = %d, want %d", tc.x, tc.y, got, tc.floor)
		}
		if got := Mod(tc.x, tc.y); got != tc.mod {
			t.Errorf("Mod(%d,%d) = %d, want %d", tc.x, tc.y, got, tc.mod)
		}
	}
}

func TestRingModuloAliasing(t *testing.T) {
	t.Parallel()
	const k = 4
	for s1 := int64(-10); s1 <= 10; s1++ {
		for delta := int64(1); delta <= 3; delta++ {
			s2 := s1 + delta*k
			if Mod(s1, k) != Mod(s2, k) {
				t.Fatalf("Mod(%d,%d)=%d != Mod(%d,%d)=%d for congruent steps", s1, k, Mod(s1, k), s2, k, Mod(s2, k))
			}
		}
	}
}

func TestDebugOverflowDetection(t *testing.T) {
	Debug = true
	defer func() { Debug = false }()

	sp := NewSpace(Dim{Name: "x", Kind: Domain})
	huge := FromMap(sp, map[string]int64{"x": 1 << 62})
	two := FromMap(sp, map[string]int64{"x": 4})
	_, err := Dot(huge, two)
	require.Error(t, err)
}
