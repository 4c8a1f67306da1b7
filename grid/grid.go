// Package grid implements grid storage (spec.md §3 "Grid", §4.3): padded,
// vector-folded, cache-line-aligned multi-dimensional arrays with an
// optional step-dimension ring buffer, element access by logical index, and
// per-step dirty flags.
//
// Each grid allocates its own storage; ShareStorage makes a grid refer to
// another grid's buffer, after which both grids use it. A grid's own
// dimension list may be any subset of the solution's step/domain/misc
// dimensions (spec.md §3): a grid with no step dimension is a plain n-D
// array; a grid with no domain dimensions is a per-rank scalar/vector of
// misc-indexed values.
package grid

import (
	"sync"
	"unsafe"

	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/numa"
	"github.com/sbl8/stencil/stencilerr"
)

// ElemKind selects the numeric interpretation of a grid's storage. Every
// kind uses a 4-byte element so layout math is shared; comparisons differ
// (float tolerance vs. bit-exact) per spec.md §8.
type ElemKind int

const (
	// Float32 elements compare within a relative tolerance.
	Float32 ElemKind = iota
	// Int32 elements compare bit-exact.
	Int32
)

const elemSize = 4

// DomainDimSpec describes one domain dimension of a grid: its rank-local
// domain size, left/right halo, left/right extra padding, vector-fold
// factor, and the global origin of its first domain point.
type DomainDimSpec struct {
	Domain         int64
	LeftHalo       int64
	RightHalo      int64
	LeftPad        int64
	RightPad       int64
	Fold           int64 // 1 means unfolded
	FirstRankIndex int64
}

// domainLayout is the resolved, padding-adjusted layout of one domain
// dimension, derived from a DomainDimSpec by computeDomainLayout.
type domainLayout struct {
	spec      DomainDimSpec
	leftPad   int64 // possibly bumped up from spec.LeftPad for fold alignment
	rightPad  int64 // possibly bumped up from spec.RightPad for fold alignment
	allocSize int64 // domain+halo+pad, rounded up to a multiple of fold
	outer     int64 // allocSize / fold
}

// firstAllocIndex is the rank-local logical index of the first
// allocated (leftmost) element: -(leftHalo+leftPad).
func (l domainLayout) firstAllocIndex() int64 {
	return -(l.spec.LeftHalo + l.leftPad)
}

// computeDomainLayout applies the padding invariant of spec.md §3/§8:
// allocated size = domain + left_halo + right_halo + left_pad + right_pad,
// rounded up so the first domain point is vector-aligned and the
// allocation is a multiple of the vector fold.
func computeDomainLayout(spec DomainDimSpec) (domainLayout, error) {
	if spec.Domain < 0 || spec.LeftHalo < 0 || spec.RightHalo < 0 || spec.LeftPad < 0 || spec.RightPad < 0 {
		return domainLayout{}, stencilerr.New(stencilerr.InvalidArgument, "domain dim sizes must be non-negative")
	}
	fold := spec.Fold
	if fold < 1 {
		fold = 1
	}

	firstOffset := spec.LeftHalo + spec.LeftPad
	leftPad := spec.LeftPad
	if rem := dim.Mod(firstOffset, fold); rem != 0 {
		leftPad += fold - rem
	}

	raw := spec.Domain + spec.LeftHalo + spec.RightHalo + leftPad + spec.RightPad
	allocSize := dim.CeilDiv(raw, fold) * fold
	rightPad := spec.RightPad + (allocSize - raw)

	return domainLayout{
		spec:      spec,
		leftPad:   leftPad,
		rightPad:  rightPad,
		allocSize: allocSize,
		outer:     allocSize / fold,
	}, nil
}

// axisKind distinguishes the role an axis plays in the storage layout.
type axisKind int

const (
	axisStep axisKind = iota
	axisMisc
	axisOuter
	axisInner
)

type axis struct {
	kind   axisKind
	name   string // domain/misc dim name; ignored for axisStep
	size   int64
	stride int64
}

// Grid is a named multi-dimensional array with padded, vector-folded,
// optionally step-ring-buffered storage (spec.md §3 "Grid").
type Grid struct {
	Name string
	Kind ElemKind

	space      *dim.Space // the grid's own dims, a subset of the solution's
	domains    map[string]domainLayout
	miscSizes  map[string]int64
	hasStep    bool
	stepAlloc  int64
	fixedSize  bool
	fixedSizes map[string]int64 // domain dim -> fixed allocation size

	axes       []axis
	totalElems int64

	region *numa.Region

	mu    sync.Mutex
	dirty map[int64]bool
}

// New builds a grid sized from per-dimension specs (spec.md §6
// `new_grid`). dims lists every dimension the grid uses, in declaration
// order; domainSpecs must have an entry for each Domain-kind dim in dims,
// miscSizes for each Misc-kind dim. stepAlloc sets the step-dimension ring
// length if dims contains a Step-kind dim.
func New(name string, kind ElemKind, dims []dim.Dim, domainSpecs map[string]DomainDimSpec, miscSizes map[string]int64, stepAlloc int64, policy numa.Policy, numaNode int) (*Grid, error) {
	g := &Grid{
		Name:      name,
		Kind:      kind,
		space:     dim.NewSpace(dims...),
		domains:   make(map[string]domainLayout),
		miscSizes: make(map[string]int64),
		dirty:     make(map[int64]bool),
	}

	var axes []axis
	totalElems := int64(1)

	for _, d := range dims {
		switch d.Kind {
		case dim.Step:
			if g.hasStep {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "grid %q declares step dim twice", name)
			}
			if stepAlloc < 1 {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "grid %q has a step dim but stepAlloc < 1", name)
			}
			g.hasStep = true
			g.stepAlloc = stepAlloc
			axes = append(axes, axis{kind: axisStep, size: stepAlloc})
			totalElems *= stepAlloc
		case dim.Misc:
			size, ok := miscSizes[d.Name]
			if !ok || size < 1 {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "grid %q missing misc size for dim %q", name, d.Name)
			}
			g.miscSizes[d.Name] = size
			axes = append(axes, axis{kind: axisMisc, name: d.Name, size: size})
			totalElems *= size
		case dim.Domain:
			spec, ok := domainSpecs[d.Name]
			if !ok {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "grid %q missing domain spec for dim %q", name, d.Name)
			}
			layout, err := computeDomainLayout(spec)
			if err != nil {
				return nil, err
			}
			g.domains[d.Name] = layout
			totalElems *= layout.allocSize
		}
	}

	// Outer/inner axes are appended after the step/misc axes so that fold
	// clusters land contiguously at the innermost position, per spec.md
	// §4.3: "the inner vector ... is stored contiguously as one vector
	// cluster".
	for _, d := range dims {
		if d.Kind != dim.Domain {
			continue
		}
		l := g.domains[d.Name]
		axes = append(axes, axis{kind: axisOuter, name: d.Name, size: l.outer})
	}
	for _, d := range dims {
		if d.Kind != dim.Domain {
			continue
		}
		l := g.domains[d.Name]
		fold := l.spec.Fold
		if fold < 1 {
			fold = 1
		}
		axes = append(axes, axis{kind: axisInner, name: d.Name, size: fold})
	}

	assignStrides(axes)
	g.axes = axes
	g.totalElems = totalElems

	region, err := allocateRegion(g, policy, numaNode)
	if err != nil {
		return nil, err
	}
	g.region = region
	return g, nil
}

// NewFixedSize builds a grid whose domain dims have an exact allocation
// size with no halo/padding/fold concept (spec.md §6 `new_fixed_size_grid`,
// §4.3 "fixed-size grid"). Only 0..size is a valid index per dimension.
func NewFixedSize(name string, kind ElemKind, dims []dim.Dim, sizes map[string]int64, policy numa.Policy, numaNode int) (*Grid, error) {
	domainSpecs := make(map[string]DomainDimSpec)
	miscSizes := make(map[string]int64)
	stepAlloc := int64(0)
	for _, d := range dims {
		size, ok := sizes[d.Name]
		if !ok || size < 1 {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "fixed grid %q missing size for dim %q", name, d.Name)
		}
		switch d.Kind {
		case dim.Domain:
			domainSpecs[d.Name] = DomainDimSpec{Domain: size, Fold: 1}
		case dim.Misc:
			miscSizes[d.Name] = size
		case dim.Step:
			stepAlloc = size
		}
	}
	g, err := New(name, kind, dims, domainSpecs, miscSizes, stepAlloc, numa.PolicyNone, numaNode)
	if err != nil {
		return nil, err
	}
	g.fixedSize = true
	g.fixedSizes = sizes
	return g, nil
}

func assignStrides(axes []axis) {
	stride := int64(1)
	for i := len(axes) - 1; i >= 0; i-- {
		axes[i].stride = stride
		stride *= axes[i].size
	}
}

func allocateRegion(g *Grid, policy numa.Policy, node int) (*numa.Region, error) {
	if g.totalElems == 0 {
		return &numa.Region{}, nil
	}
	fold := int64(1)
	for _, l := range g.domains {
		if l.spec.Fold > fold {
			fold = l.spec.Fold
		}
	}
	byteSize := int(g.totalElems)*elemSize + numa.InterBufferPad(int(fold))
	return numa.Allocate(byteSize, policy, node)
}

// Space returns the grid's own dimension space.
func (g *Grid) Space() *dim.Space { return g.space }

// HasStep reports whether the grid has a step dimension.
func (g *Grid) HasStep() bool { return g.hasStep }

// StepAlloc returns the step-dimension ring length (0 if the grid has no
// step dim).
func (g *Grid) StepAlloc() int64 { return g.stepAlloc }

// FixedSize reports whether the grid was created with NewFixedSize.
func (g *Grid) FixedSize() bool { return g.fixedSize }

// AllocSize returns a domain dim's padded, folded allocation size.
func (g *Grid) AllocSize(name string) (int64, bool) {
	l, ok := g.domains[name]
	if !ok {
		return 0, false
	}
	return l.allocSize, true
}

// DomainSize returns a domain dim's rank-local domain size (excluding
// halo/padding).
func (g *Grid) DomainSize(name string) (int64, bool) {
	l, ok := g.domains[name]
	if !ok {
		return 0, false
	}
	return l.spec.Domain, true
}

// Fold returns a domain dim's vector-fold factor (1 if unfolded or not a
// domain dim of this grid).
func (g *Grid) Fold(name string) int64 {
	l, ok := g.domains[name]
	if !ok {
		return 1
	}
	if l.spec.Fold < 1 {
		return 1
	}
	return l.spec.Fold
}

// Halo returns a domain dim's left/right halo thickness.
func (g *Grid) Halo(name string) (left, right int64) {
	l := g.domains[name]
	return l.spec.LeftHalo, l.spec.RightHalo
}

// inBounds validates idx against allocated bounds for every domain dim the
// grid declares, returning the per-dim allocated offset (index shifted to
// be non-negative) used for linearization.
func (g *Grid) inBounds(idx dim.Tuple) (map[string]int64, error) {
	offsets := make(map[string]int64, len(g.domains))
	for name, l := range g.domains {
		v, ok := idx.Get(name)
		if !ok {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "index missing domain dim %q", name)
		}
		if g.fixedSize {
			size := g.fixedSizes[name]
			if v < 0 || v >= size {
				return nil, stencilerr.New(stencilerr.OutOfBounds, "grid %q: index %d out of [0,%d) for fixed dim %q", g.Name, v, size, name)
			}
			offsets[name] = v
			continue
		}
		ai := v - l.firstAllocIndex()
		if ai < 0 || ai >= l.allocSize {
			return nil, stencilerr.New(stencilerr.OutOfBounds, "grid %q: index %d out of allocated range for dim %q (alloc size %d, first %d)", g.Name, v, name, l.allocSize, l.firstAllocIndex())
		}
		offsets[name] = ai
	}
	return offsets, nil
}

// offsetElements linearizes a logical index plus step value into an
// element offset into the grid's storage (spec.md §4.3, §8 "Index
// round-trip").
func (g *Grid) offsetElements(idx dim.Tuple, step int64) (int64, error) {
	offsets, err := g.inBounds(idx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, a := range g.axes {
		var val int64
		switch a.kind {
		case axisStep:
			val = dim.Mod(step, g.stepAlloc)
		case axisMisc:
			v, ok := idx.Get(a.name)
			if !ok {
				return 0, stencilerr.New(stencilerr.InvalidArgument, "index missing misc dim %q", a.name)
			}
			if v < 0 || v >= a.size {
				return 0, stencilerr.New(stencilerr.OutOfBounds, "grid %q: misc index %d out of [0,%d) for dim %q", g.Name, v, a.size, a.name)
			}
			val = v
		case axisOuter:
			fold := g.Fold(a.name)
			val = offsets[a.name] / fold
		case axisInner:
			fold := g.Fold(a.name)
			val = offsets[a.name] % fold
		}
		total += val * a.stride
	}
	return total, nil
}

// FromLinear inverts offsetElements for a fixed step value, recovering the
// domain/misc portion of the logical index from a raw element offset. Used
// by the index round-trip property test (spec.md §8).
func (g *Grid) FromLinear(offset int64, step int64) (dim.Tuple, error) {
	if offset < 0 || offset >= g.totalElems {
		return dim.Tuple{}, stencilerr.New(stencilerr.OutOfBounds, "linear offset %d out of range [0,%d)", offset, g.totalElems)
	}
	remaining := offset
	domainOffsets := make(map[string]int64)
	miscVals := make(map[string]int64)

	// axes are ordered outermost-first; walk in the same order dividing
	// out each axis's stride.
	for _, a := range g.axes {
		q := remaining / a.stride
		remaining -= q * a.stride
		switch a.kind {
		case axisStep:
			// step is recovered by the caller (it was passed in); skip.
		case axisMisc:
			miscVals[a.name] = q
		case axisOuter:
			domainOffsets[a.name] += q * g.Fold(a.name)
		case axisInner:
			domainOffsets[a.name] += q
		}
	}

	out := dim.NewTuple(g.space)
	for name, l := range g.domains {
		out = out.Set(name, domainOffsets[name]+l.firstAllocIndex())
	}
	for name, v := range miscVals {
		out = out.Set(name, v)
	}
	return out, nil
}

func (g *Grid) elemPtr(offset int64) unsafe.Pointer {
	byteOff := int(offset) * elemSize
	return unsafe.Pointer(&g.region.Bytes[byteOff])
}

// GetFloat32 reads a Float32-kind grid element at idx for the given step
// value (ignored if the grid has no step dim).
func (g *Grid) GetFloat32(idx dim.Tuple, step int64) (float32, error) {
	if g.Kind != Float32 {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "grid %q is not Float32-kind", g.Name)
	}
	off, err := g.offsetElements(idx, step)
	if err != nil {
		return 0, err
	}
	return *(*float32)(g.elemPtr(off)), nil
}

// SetFloat32 writes a Float32-kind grid element at idx for the given step
// value.
func (g *Grid) SetFloat32(idx dim.Tuple, step int64, v float32) error {
	if g.Kind != Float32 {
		return stencilerr.New(stencilerr.InvalidArgument, "grid %q is not Float32-kind", g.Name)
	}
	off, err := g.offsetElements(idx, step)
	if err != nil {
		return err
	}
	*(*float32)(g.elemPtr(off)) = v
	return nil
}

// GetInt32 reads an Int32-kind grid element.
func (g *Grid) GetInt32(idx dim.Tuple, step int64) (int32, error) {
	if g.Kind != Int32 {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "grid %q is not Int32-kind", g.Name)
	}
	off, err := g.offsetElements(idx, step)
	if err != nil {
		return 0, err
	}
	return *(*int32)(g.elemPtr(off)), nil
}

// SetInt32 writes an Int32-kind grid element.
func (g *Grid) SetInt32(idx dim.Tuple, step int64, v int32) error {
	if g.Kind != Int32 {
		return stencilerr.New(stencilerr.InvalidArgument, "grid %q is not Int32-kind", g.Name)
	}
	off, err := g.offsetElements(idx, step)
	if err != nil {
		return err
	}
	*(*int32)(g.elemPtr(off)) = v
	return nil
}

// MarkDirty sets the dirty flag for step (spec.md §3 "dirty flags",
// §4.3 "Per-step dirty flags are set by the engine whenever a bundle
// writes to a grid").
func (g *Grid) MarkDirty(step int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[g.ringKey(step)] = true
}

// ClearDirty clears the dirty flag for step, done "after a successful halo
// exchange for that step" (spec.md §4.3).
func (g *Grid) ClearDirty(step int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.dirty, g.ringKey(step))
}

// IsDirty reports whether step's halo may be stale.
func (g *Grid) IsDirty(step int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty[g.ringKey(step)]
}

func (g *Grid) ringKey(step int64) int64 {
	if g.hasStep {
		return dim.Mod(step, g.stepAlloc)
	}
	return 0
}

// Bytes returns the grid's raw backing storage. Intended for the halo
// engine's pack/unpack routines, which operate below the typed
// Get/Set API.
func (g *Grid) Bytes() []byte { return g.region.Bytes }

// ElemSize returns the per-element size in bytes (always 4: a Float32 or
// Int32 word).
func (g *Grid) ElemSize() int { return elemSize }

// Stride returns a domain dim's element stride within the "inner" (fold)
// and "outer" axes combined, i.e. the distance in elements between
// consecutive allocated indices of that dim with all other indices held
// fixed. Used by the halo engine to pack non-contiguous faces.
func (g *Grid) Stride(name string) int64 {
	var outerStride, innerStride int64
	fold := g.Fold(name)
	for _, a := range g.axes {
		if a.name != name {
			continue
		}
		if a.kind == axisOuter {
			outerStride = a.stride
		}
		if a.kind == axisInner {
			innerStride = a.stride
		}
	}
	// Moving one allocated-index step changes inner by 1 until it wraps
	// at fold, at which point outer increments and inner resets — for a
	// uniform per-element stride (needed by simple packers) we require
	// fold==1 on this axis; vectorized packing instead walks cluster by
	// cluster using outerStride/innerStride directly.
	if fold == 1 {
		return outerStride
	}
	return innerStride
}

// Release returns the grid's backing storage to the OS/runtime.
func (g *Grid) Release() error {
	if g.region == nil {
		return nil
	}
	return g.region.Release()
}

// ShareStorage adopts src's backing buffer, provided the two grids'
// element kind, axis layout, and step-allocation all match exactly (spec.md
// §4.3 "Grids support sharing"; Open Question 2 in spec.md §9, resolved in
// DESIGN.md: a step-allocation mismatch fails rather than silently
// re-ringing).
func (g *Grid) ShareStorage(src *Grid) error {
	if g.Kind != src.Kind {
		return stencilerr.New(stencilerr.ShapeMismatch, "grid %q kind %v != source kind %v", g.Name, g.Kind, src.Kind)
	}
	if g.hasStep != src.hasStep || g.stepAlloc != src.stepAlloc {
		return stencilerr.New(stencilerr.ShapeMismatch, "grid %q step allocation %d != source %d", g.Name, g.stepAlloc, src.stepAlloc)
	}
	if len(g.axes) != len(src.axes) {
		return stencilerr.New(stencilerr.ShapeMismatch, "grid %q axis count %d != source %d", g.Name, len(g.axes), len(src.axes))
	}
	for i, a := range g.axes {
		b := src.axes[i]
		if a.kind != b.kind || a.name != b.name || a.size != b.size {
			return stencilerr.New(stencilerr.ShapeMismatch, "grid %q axis %d mismatch with source", g.Name, i)
		}
	}
	if g.totalElems != src.totalElems {
		return stencilerr.New(stencilerr.ShapeMismatch, "grid %q total element count %d != source %d", g.Name, g.totalElems, src.totalElems)
	}

	_ = g.region.Release()
	g.region = src.region
	return nil
}
