// Package dim implements the index and dimension algebra described in
// spec.md §4.1: named-dimension tuples, stride arithmetic, vector-folded
// index conversions, and the mathematical (not truncating) ceil/floor-div
// and modulo used for ring indexing and wave-front skewing.
//
// A dim-tuple is an ordered mapping from a dimension name to a signed
// integer. All per-dimension sizes are signed so halo offsets can go
// negative; arithmetic is checked for overflow when Debug is true, the Go
// equivalent of the source's debug-vs-release split (release builds assume
// domain sizes fit in 63 bits and skip the check).
package dim

import (
	"github.com/samber/lo"

	"github.com/sbl8/stencil/stencilerr"
)

// Debug enables overflow checking in tuple arithmetic. Off by default,
// matching a release build; tests turn it on to catch programmer error in
// this package and its callers.
var Debug = false

// Kind classifies a declared dimension.
type Kind int

const (
	// Step is the single unbounded dimension advanced by stepping
	// (typically time).
	Step Kind = iota
	// Domain dimensions are spatially decomposed across ranks, blocked,
	// and vectorized.
	Domain
	// Misc dimensions are enumerated but neither decomposed nor
	// vectorized.
	Misc
)

func (k Kind) String() string {
	switch k {
	case Step:
		return "step"
	case Domain:
		return "domain"
	case Misc:
		return "misc"
	default:
		return "unknown"
	}
}

// Dim names one declared dimension and its kind.
type Dim struct {
	Name string
	Kind Kind
}

// Space is the ordered list of dimensions a Tuple is indexed by. Two tuples
// may only be combined if they share the same Space (by pointer identity,
// as produced by NewSpace).
type Space struct {
	dims  []Dim
	index map[string]int
}

// NewSpace builds a Space from an ordered dimension list.
func NewSpace(dims ...Dim) *Space {
	idx := make(map[string]int, len(dims))
	for i, d := range dims {
		idx[d.Name] = i
	}
	return &Space{dims: append([]Dim(nil), dims...), index: idx}
}

// Dims returns the ordered dimension list.
func (s *Space) Dims() []Dim { return s.dims }

// Len returns the number of dimensions in the space.
func (s *Space) Len() int { return len(s.dims) }

// NamesOfKind returns, in declaration order, the names of dims with the
// given kind.
func (s *Space) NamesOfKind(k Kind) []string {
	return lo.FilterMap(s.dims, func(d Dim, _ int) (string, bool) {
		return d.Name, d.Kind == k
	})
}

// DimAt returns the dimension declared at position i.
func (s *Space) DimAt(i int) Dim { return s.dims[i] }

// indexOf returns the position of name, or -1 (always -1 for the nil
// Space of a zero-valued Tuple).
func (s *Space) indexOf(name string) int {
	if s == nil {
		return -1
	}
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// CheckKind fails with DimKindMismatch if name is not declared with kind k.
func (s *Space) CheckKind(name string, k Kind) error {
	i := s.indexOf(name)
	if i < 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "unknown dimension %q", name)
	}
	if s.dims[i].Kind != k {
		return stencilerr.New(stencilerr.DimKindMismatch, "dimension %q is %s, expected %s", name, s.dims[i].Kind, k)
	}
	return nil
}

// Tuple is a dense vector of signed values, one per dimension of a Space.
type Tuple struct {
	space  *Space
	values []int64
}

// NewTuple builds a zero-valued Tuple over space.
func NewTuple(space *Space) Tuple {
	return Tuple{space: space, values: make([]int64, space.Len())}
}

// FromMap builds a Tuple over space, defaulting unset dims to zero.
func FromMap(space *Space, m map[string]int64) Tuple {
	t := NewTuple(space)
	for name, v := range m {
		if i := space.indexOf(name); i >= 0 {
			t.values[i] = v
		}
	}
	return t
}

// Space returns the tuple's Space.
func (t Tuple) Space() *Space { return t.space }

// Get returns the value at name and whether name is declared in the space.
func (t Tuple) Get(name string) (int64, bool) {
	i := t.space.indexOf(name)
	if i < 0 {
		return 0, false
	}
	return t.values[i], true
}

// MustGet returns the value at name, or 0 if name is not declared.
func (t Tuple) MustGet(name string) int64 {
	v, _ := t.Get(name)
	return v
}

// Set returns a copy of t with name set to v. Unknown names are a no-op,
// matching a defensive-by-construction dim-tuple: callers that need
// strictness should CheckKind first.
func (t Tuple) Set(name string, v int64) Tuple {
	out := t.clone()
	if i := t.space.indexOf(name); i >= 0 {
		out.values[i] = v
	}
	return out
}

func (t Tuple) clone() Tuple {
	return Tuple{space: t.space, values: append([]int64(nil), t.values...)}
}

// Values returns the underlying values in space order. The caller must not
// mutate the returned slice.
func (t Tuple) Values() []int64 { return t.values }

func checkedAdd(a, b int64) (int64, error) {
	sum := a + b
	if Debug {
		if (b > 0 && sum < a) || (b < 0 && sum > a) {
			return 0, stencilerr.New(stencilerr.InvalidArgument, "integer overflow adding %d and %d", a, b)
		}
	}
	return sum, nil
}

func checkedMul(a, b int64) (int64, error) {
	p := a * b
	if Debug && a != 0 && p/a != b {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "integer overflow multiplying %d and %d", a, b)
	}
	return p, nil
}

func elementwise(a, b Tuple, op func(int64, int64) int64) Tuple {
	out := NewTuple(a.space)
	for i := range a.values {
		out.values[i] = op(a.values[i], b.values[i])
	}
	return out
}

// Add returns a+b, elementwise.
func Add(a, b Tuple) Tuple { return elementwise(a, b, func(x, y int64) int64 { return x + y }) }

// Sub returns a-b, elementwise.
func Sub(a, b Tuple) Tuple { return elementwise(a, b, func(x, y int64) int64 { return x - y }) }

// Mul returns a*b, elementwise.
func Mul(a, b Tuple) Tuple { return elementwise(a, b, func(x, y int64) int64 { return x * y }) }

// MinT returns the elementwise minimum of a and b.
func MinT(a, b Tuple) Tuple {
	return elementwise(a, b, func(x, y int64) int64 {
		if x < y {
			return x
		}
		return y
	})
}

// MaxT returns the elementwise maximum of a and b.
func MaxT(a, b Tuple) Tuple {
	return elementwise(a, b, func(x, y int64) int64 {
		if x > y {
			return x
		}
		return y
	})
}

// Dot computes the stride dot-product of t with strides, used to linearize
// a logical index into a storage offset.
func Dot(t, strides Tuple) (int64, error) {
	var sum int64
	for i := range t.values {
		p, err := checkedMul(t.values[i], strides.values[i])
		if err != nil {
			return 0, err
		}
		sum, err = checkedAdd(sum, p)
		if err != nil {
			return 0, err
		}
	}
	return sum, nil
}

// Product returns the product of all components, e.g. the total point
// count of a shape tuple.
func Product(t Tuple) (int64, error) {
	prod := int64(1)
	for _, v := range t.values {
		var err error
		prod, err = checkedMul(prod, v)
		if err != nil {
			return 0, err
		}
	}
	return prod, nil
}

// Equal reports whether a and b have the same space and values.
func Equal(a, b Tuple) bool {
	if a.space != b.space || len(a.values) != len(b.values) {
		return false
	}
	for i := range a.values {
		if a.values[i] != b.values[i] {
			return false
		}
	}
	return true
}

// Project returns a new Tuple over sub, in sub's dimension order, each
// value looked up by name from t.
func Project(t Tuple, sub *Space) (Tuple, error) {
	out := NewTuple(sub)
	for i, d := range sub.Dims() {
		v, ok := t.Get(d.Name)
		if !ok {
			return Tuple{}, stencilerr.New(stencilerr.InvalidArgument, "tuple has no dimension %q to project", d.Name)
		}
		out.values[i] = v
	}
	return out, nil
}

// CeilDiv returns ceil(x/y) using mathematical (non-truncating) semantics
// for y > 0.
func CeilDiv(x, y int64) int64 {
	return FloorDiv(x+y-1, y)
}

// FloorDiv returns floor(x/y), the mathematical floor division, for y > 0.
// Go's built-in "/" truncates toward zero, which differs from FloorDiv for
// negative x.
func FloorDiv(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

// Mod returns x mod y in [0, y) for y > 0 — the mathematical modulo
// required for ring indexing and wave-front skewing, as opposed to Go's
// "%" which can return a negative result for negative x.
func Mod(x, y int64) int64 {
	m := x % y
	if m < 0 {
		m += y
	}
	return m
}
