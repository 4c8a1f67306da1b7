package grid

import "github.com/sbl8/stencil/dim"

// BBox is an n-D, domain-aligned, axis-aligned box described by an
// inclusive Begin and exclusive End, both over the same domain-only Space
// (spec.md §3 "Bounding box").
type BBox struct {
	Begin dim.Tuple
	End   dim.Tuple
}

// NewBBox builds a BBox from Begin (inclusive) and End (exclusive) tuples,
// which must share a Space.
func NewBBox(begin, end dim.Tuple) BBox {
	return BBox{Begin: begin, End: end}
}

// Length returns End-Begin per dimension.
func (b BBox) Length() dim.Tuple {
	return dim.Sub(b.End, b.Begin)
}

// TotalSize returns the product of Length's components — the number of
// points the box spans, including any out-of-domain extension.
func (b BBox) TotalSize() (int64, error) {
	return dim.Product(b.Length())
}

// Clip intersects b with [0, domainSize) in every dimension, returning the
// clipped box. A dimension whose clipped interval would be empty is
// collapsed to Begin==End at the nearer bound.
func (b BBox) Clip(domainSize map[string]int64) BBox {
	begin := b.Begin
	end := b.End
	for _, d := range b.Begin.Space().Dims() {
		size, ok := domainSize[d.Name]
		if !ok {
			continue
		}
		bv, _ := begin.Get(d.Name)
		ev, _ := end.Get(d.Name)
		if bv < 0 {
			bv = 0
		}
		if ev > size {
			ev = size
		}
		if ev < bv {
			ev = bv
		}
		begin = begin.Set(d.Name, bv)
		end = end.Set(d.Name, ev)
	}
	return BBox{Begin: begin, End: end}
}

// ValidPointCount returns the number of points in b that lie within the
// true domain [0, domainSize) per dimension — the clipped total size.
func (b BBox) ValidPointCount(domainSize map[string]int64) (int64, error) {
	return b.Clip(domainSize).TotalSize()
}

// Full reports whether every point described by b is a valid domain point,
// i.e. b exactly equals [0, domainSize) in every dimension.
func (b BBox) Full(domainSize map[string]int64) bool {
	for _, d := range b.Begin.Space().Dims() {
		size, ok := domainSize[d.Name]
		if !ok {
			continue
		}
		bv, _ := b.Begin.Get(d.Name)
		ev, _ := b.End.Get(d.Name)
		if bv != 0 || ev != size {
			return false
		}
	}
	return true
}

// Aligned reports whether Begin is vector-aligned in every folded
// dimension: Begin[d] mod fold[d] == 0.
func (b BBox) Aligned(fold map[string]int64) bool {
	for _, d := range b.Begin.Space().Dims() {
		f, ok := fold[d.Name]
		if !ok || f <= 1 {
			continue
		}
		bv, _ := b.Begin.Get(d.Name)
		if dim.Mod(bv, f) != 0 {
			return false
		}
	}
	return true
}

// ClusterMultiple reports whether Length is a multiple of the vector
// cluster in every folded dimension.
func (b BBox) ClusterMultiple(fold map[string]int64) bool {
	length := b.Length()
	for _, d := range b.Begin.Space().Dims() {
		f, ok := fold[d.Name]
		if !ok || f <= 1 {
			continue
		}
		lv, _ := length.Get(d.Name)
		if dim.Mod(lv, f) != 0 {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of a and b (the tightest box
// contained in both); dimensions whose intersection is empty collapse to
// Begin==End.
func Intersect(a, b BBox) BBox {
	begin := dim.MaxT(a.Begin, b.Begin)
	end := dim.MinT(a.End, b.End)
	for _, d := range end.Space().Dims() {
		bv, _ := begin.Get(d.Name)
		ev, _ := end.Get(d.Name)
		if ev < bv {
			begin = begin.Set(d.Name, bv)
			end = end.Set(d.Name, bv)
		}
	}
	return BBox{Begin: begin, End: end}
}
