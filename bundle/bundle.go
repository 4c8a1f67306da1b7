// Package bundle models the compiled unit of work the execution engine
// dispatches: one stencil equation ("bundle") and an ordered group of
// bundles evaluated back-to-back within a step ("pack"), per spec.md §3
// and the value-style-record redesign note in §9 (replacing the source's
// subclass-per-stencil pattern with a stored closure).
package bundle

import (
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/stencilerr"
)

// SubBlockRange is the half-open, per-dimension index range a Compute
// callable is asked to fill on one invocation (spec.md §4.6 "sub-block
// dispatch").
type SubBlockRange struct {
	Begin dim.Tuple
	End   dim.Tuple
}

// Scratch is the set of scratch grids handed to a bundle's Compute
// callable: the grids named in the bundle's Scratch list, taken from the
// run's grid set as they are. They are neither copied per thread nor
// re-offset to the sub-block origin, so the bundle addresses them with the
// same logical indices as any other grid.
type Scratch struct {
	Grids map[string]*grid.Grid
}

// Compute evaluates every point of r for one step, reading from the
// bundle's declared input grids (within halo distance of its writes) and
// writing its declared output grids. It is the opaque "compiled kernel"
// boundary spec.md §1 keeps out of scope: this repository never generates
// machine code, only invokes whatever closure the offline compiler (or a
// test) supplied.
type Compute func(r SubBlockRange, step int64, scratch Scratch) error

// Bundle is one compiled stencil equation: the output grids it writes, the
// input grids it reads, its domain-only bounding box, the scratch grids it
// needs, and the opaque operation that fills a sub-block range.
type Bundle struct {
	ID      int
	Name    string
	Writes  []string
	Reads   []string
	BB      grid.BBox
	Scratch []string
	Compute Compute
	// Angle is this bundle's own per-dim halo reach past its BB (spec.md
	// §4.6 "Wave-front skewing"): the compiler derives it from the actual
	// index offsets an equation reads. A zero-value Angle (no neighbor
	// reads) disables skewing for this bundle entirely.
	Angle Halo
}

// Validate checks structural invariants a bundle must hold before it can
// be scheduled: a name, at least one write, and a non-nil Compute.
func (b Bundle) Validate() error {
	if b.Name == "" {
		return stencilerr.New(stencilerr.InvalidArgument, "bundle %d has no name", b.ID)
	}
	if len(b.Writes) == 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "bundle %q writes no grids", b.Name)
	}
	if b.Compute == nil {
		return stencilerr.New(stencilerr.InvalidArgument, "bundle %q has no compute callable", b.Name)
	}
	return nil
}

// Halo returns the maximum, per-domain-dimension halo distance a bundle's
// compute operation may reach past its own bounding box. This is the
// bundle's "angle" used by wave-front skew-extent computation (spec.md §4.6
// "Wave-front skewing"): angle[d] = max halo read by any bundle in dim d.
type Halo struct {
	Left  dim.Tuple
	Right dim.Tuple
}

// Pack is an ordered group of bundles exchanged and run together: packs
// are the unit of halo exchange (spec.md §3 "Pack").
type Pack struct {
	Name    string
	Bundles []Bundle
}

// Validate checks every bundle in the pack and that the pack is
// non-empty.
func (p Pack) Validate() error {
	if len(p.Bundles) == 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "pack %q has no bundles", p.Name)
	}
	for _, b := range p.Bundles {
		if err := b.Validate(); err != nil {
			return stencilerr.Wrap(stencilerr.InvalidArgument, err, "pack %q", p.Name)
		}
	}
	return nil
}

// WriteSet returns the union, across every bundle in the pack, of grids
// written — used by the engine to decide which grids need a halo exchange
// and dirty-flag update after the pack runs.
func (p Pack) WriteSet() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range p.Bundles {
		for _, w := range b.Writes {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// ReadSet returns the union, across every bundle in the pack, of grids
// read.
func (p Pack) ReadSet() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range p.Bundles {
		for _, r := range b.Reads {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// MaxHalo folds halos across every bundle in the pack, returning the
// per-dimension maximum left/right reach — the pack-level angle used when
// a region spans more than one pack (spec.md §4.6).
func MaxHalo(space *dim.Space, halos []Halo) Halo {
	left := dim.NewTuple(space)
	right := dim.NewTuple(space)
	for _, h := range halos {
		// A zero-valued tuple (no Space) contributes nothing.
		if h.Left.Space() != nil {
			left = dim.MaxT(left, h.Left)
		}
		if h.Right.Space() != nil {
			right = dim.MaxT(right, h.Right)
		}
	}
	return Halo{Left: left, Right: right}
}

// Angle folds every bundle's Angle in the pack into the pack-level
// wave-front skew angle the execution engine extends a region's BB by
// (spec.md §4.6: "the maximum halo required by any bundle in any dim").
func (p Pack) Angle(space *dim.Space) Halo {
	halos := make([]Halo, len(p.Bundles))
	for i, b := range p.Bundles {
		halos[i] = b.Angle
	}
	return MaxHalo(space, halos)
}
