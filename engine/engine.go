// Package engine implements the execution engine (scan driver) of spec.md
// §4.6: a region → block → sub-block → vector-cluster nested scan over a
// rank's bounding box, wave-front skewing across multiple steps per
// region, a two-level cooperative thread pool, and a reference (oracle)
// scan used only for validation.
package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sbl8/stencil/bundle"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/stencilerr"
)

// Options configures one Engine's scan geometry and thread nesting
// (spec.md §4.6 "Thread nesting").
type Options struct {
	Space      *dim.Space
	StepDim    string   // enables wave-front region step-spans when RegionSize[StepDim] > 1
	DomainDims []string // order used for every nested loop
	RankBB     grid.BBox
	RegionSize   map[string]int64 // 0 or absent: whole rank extent (or, keyed by StepDim, whole step range)
	BlockSize    map[string]int64
	SubBlockSize map[string]int64
	NumRegionThreads int
	NumBlockThreads  int
}

// Engine drives bundle packs over an Options-described rank domain.
type Engine struct {
	opts Options
}

// New builds an Engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.NumRegionThreads <= 0 {
		opts.NumRegionThreads = 1
	}
	if opts.NumBlockThreads <= 0 {
		opts.NumBlockThreads = 1
	}
	if len(opts.DomainDims) == 0 {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "engine requires at least one domain dimension")
	}
	return &Engine{opts: opts}, nil
}

// Grids is the set of named grids a Run call may touch, passed through
// unchanged to every bundle's Compute.
type Grids map[string]*grid.Grid

// PendingExchange is an in-flight halo exchange the engine can run interior
// work concurrently with, then block on to make the halo consistent before
// running the boundary-touching exterior slab (spec.md §4.5 steps 2-6).
type PendingExchange interface {
	Finish(ctx context.Context) error
}

// haloExchanger abstracts the halo-package calls the engine needs, letting
// tests substitute a no-op without importing the halo package (which would
// otherwise couple the engine to the exchange wire format).
type haloExchanger interface {
	// ExchangeStart posts the pack's halo exchange and returns immediately;
	// a nil PendingExchange means nothing was dirty and there is nothing to
	// wait on.
	ExchangeStart(ctx context.Context, p bundle.Pack, grids Grids, step int64) (PendingExchange, error)
}

// Run drives packs across the step range [t0,t1) over the engine's rank
// bounding box, region by region (spec.md §4.6's control flow). When
// exchanger is nil, no halo exchange is performed — correct only for a
// single-rank, no-halo configuration or tests.
//
// A region pass spans RegionSize[StepDim] steps (1 if unset): the pack's
// halo is exchanged once per pass rather than once per step, and each
// step within the pass is run over a spatial extent widened per-dim by
// angle*(stepsRemaining) — the wave-front skew of spec.md §4.6 — so the
// pass's first step reaches the farthest into neighboring territory and
// its last step lands on exactly the pass's core region.
func (e *Engine) Run(ctx context.Context, packs []bundle.Pack, grids Grids, t0, t1 int64, exchanger haloExchanger) error {
	if t1 < t0 {
		return stencilerr.New(stencilerr.InvalidArgument, "run_solution requires t1 >= t0, got t0=%d t1=%d", t0, t1)
	}

	regions := regionTiles(e.opts.RankBB, e.opts.DomainDims, e.opts.RegionSize)
	angles := make([]bundle.Halo, len(packs))
	for i, p := range packs {
		angles[i] = p.Angle(e.opts.Space)
	}

	passBounds := tileAlong(t0, t1, e.opts.RegionSize[e.opts.StepDim])
	for i := 0; i+1 < len(passBounds); i++ {
		passT0, passT1 := passBounds[i], passBounds[i+1]

		var pendings []PendingExchange
		if exchanger != nil {
			for _, p := range packs {
				pend, err := exchanger.ExchangeStart(ctx, p, grids, passT0)
				if err != nil {
					return err
				}
				if pend != nil {
					pendings = append(pendings, pend)
				}
			}
		}

		runRegions := func(exterior bool) error {
			for _, region := range regions {
				for pi, p := range packs {
					if regionIsExterior(region, e.opts.RankBB, e.opts.DomainDims, angles[pi]) != exterior {
						continue
					}
					if err := e.runRegionPass(ctx, p, angles[pi], grids, region, passT0, passT1); err != nil {
						return err
					}
				}
			}
			return nil
		}

		if err := runRegions(false); err != nil {
			return err
		}
		for _, pend := range pendings {
			if err := pend.Finish(ctx); err != nil {
				return err
			}
		}
		if err := runRegions(true); err != nil {
			return err
		}
	}
	return nil
}

// runRegionPass runs one pack over region for every step in [t0,t1),
// widening region per-dim at each step by angle*(stepsRemaining) in the
// pass (spec.md §4.6 "Wave-front skewing"): the pass's first step sees the
// widest extension, its last step sees none.
func (e *Engine) runRegionPass(ctx context.Context, p bundle.Pack, angle bundle.Halo, grids Grids, region grid.BBox, t0, t1 int64) error {
	for step := t0; step < t1; step++ {
		remaining := t1 - step - 1
		extended := skewRegion(region, e.opts.DomainDims, angle, remaining)
		if err := e.runPackOnRegion(ctx, p, grids, extended, step); err != nil {
			return err
		}
		for _, name := range p.WriteSet() {
			if g, ok := grids[name]; ok {
				g.MarkDirty(step + 1)
			}
		}
	}
	return nil
}

// skewRegion widens region per-dim by angle*remaining: remaining steps
// still to run in the current region pass after this one (spec.md §4.6
// "Required skew per dim = angle × (S − 1)").
func skewRegion(region grid.BBox, domainDims []string, angle bundle.Halo, remaining int64) grid.BBox {
	if remaining <= 0 {
		return region
	}
	begin, end := region.Begin, region.End
	for _, d := range domainDims {
		if l := angle.Left.MustGet(d); l > 0 {
			begin = begin.Set(d, begin.MustGet(d)-l*remaining)
		}
		if r := angle.Right.MustGet(d); r > 0 {
			end = end.Set(d, end.MustGet(d)+r*remaining)
		}
	}
	return grid.BBox{Begin: begin, End: end}
}

// regionIsExterior reports whether region touches the rank's own boundary
// in a dimension/direction the pack actually reads past its own BB — the
// only regions whose compute depends on data a halo exchange just made
// consistent (spec.md §4.5 "run the pack's exterior (near-boundary
// slabs)"). Every other region is interior and safe to run while the
// exchange for this pass is still in flight.
func regionIsExterior(region, rankBB grid.BBox, domainDims []string, angle bundle.Halo) bool {
	for _, d := range domainDims {
		if angle.Left.MustGet(d) > 0 && region.Begin.MustGet(d) == rankBB.Begin.MustGet(d) {
			return true
		}
		if angle.Right.MustGet(d) > 0 && region.End.MustGet(d) == rankBB.End.MustGet(d) {
			return true
		}
	}
	return false
}

// runPackOnRegion runs every bundle in p, block-parallel, over region,
// clipped per-bundle to the bundle's own bounding box.
func (e *Engine) runPackOnRegion(ctx context.Context, p bundle.Pack, grids Grids, region grid.BBox, step int64) error {
	blocks := blockTiles(region, e.opts.DomainDims, e.opts.BlockSize)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(e.opts.NumRegionThreads))

	for _, block := range blocks {
		block := block
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return e.runPackOnBlock(gctx, p, grids, block, step)
		})
	}
	return g.Wait()
}

// runPackOnBlock runs every bundle in the pack over one block's
// sub-blocks, nested-parallel across an inner thread pool (spec.md §4.6
// "Thread nesting": nested parallelism enabled iff block_threads > 1).
func (e *Engine) runPackOnBlock(ctx context.Context, p bundle.Pack, grids Grids, block grid.BBox, step int64) error {
	for _, b := range p.Bundles {
		clipped := grid.Intersect(block, b.BB)
		size, err := clipped.TotalSize()
		if err != nil {
			return err
		}
		if size <= 0 {
			continue
		}

		subBlocks := subBlockTiles(clipped, e.opts.DomainDims, e.opts.SubBlockSize)

		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(e.opts.NumBlockThreads))
		for _, sb := range subBlocks {
			sb := sb
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				return e.dispatchSubBlock(b, sb, step, grids)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// dispatchSubBlock invokes one bundle's compute callable over sb, handing
// it the scratch grids it names from grids, unchanged (they are not
// re-offset to sb's origin).
func (e *Engine) dispatchSubBlock(b bundle.Bundle, sb grid.BBox, step int64, grids Grids) error {
	scratch := bundle.Scratch{Grids: make(map[string]*grid.Grid, len(b.Scratch))}
	for _, name := range b.Scratch {
		if g, ok := grids[name]; ok {
			scratch.Grids[name] = g
		}
	}
	return b.Compute(bundle.SubBlockRange{Begin: sb.Begin, End: sb.End}, step, scratch)
}

// RunReference computes the same result as Run one point at a time in
// declaration order, without any blocking or threading — the oracle used
// solely for validation (spec.md §4.6 "Reference mode").
func (e *Engine) RunReference(ctx context.Context, packs []bundle.Pack, grids Grids, t0, t1 int64) error {
	if t1 < t0 {
		return stencilerr.New(stencilerr.InvalidArgument, "run_solution requires t1 >= t0, got t0=%d t1=%d", t0, t1)
	}
	for step := t0; step < t1; step++ {
		for _, p := range packs {
			for _, b := range p.Bundles {
				if err := forEachPointInOrder(e.opts.Space, e.opts.DomainDims, b.BB, func(idx dim.Tuple) error {
					r := bundle.SubBlockRange{Begin: idx, End: addOne(idx, e.opts.DomainDims)}
					return e.dispatchSubBlock(b, grid.BBox{Begin: r.Begin, End: r.End}, step, grids)
				}); err != nil {
					return err
				}
			}
			for _, name := range p.WriteSet() {
				if g, ok := grids[name]; ok {
					g.MarkDirty(step + 1)
				}
			}
		}
	}
	return nil
}

func addOne(idx dim.Tuple, domainDims []string) dim.Tuple {
	out := idx
	for _, d := range domainDims {
		out = out.Set(d, idx.MustGet(d)+1)
	}
	return out
}

// forEachPointInOrder enumerates every point of bb in dimension order
// (last dim varies fastest), calling fn once per point.
func forEachPointInOrder(space *dim.Space, domainDims []string, bb grid.BBox, fn func(idx dim.Tuple) error) error {
	idx := dim.NewTuple(space)
	var rec func(i int) error
	rec = func(i int) error {
		if i == len(domainDims) {
			return fn(idx)
		}
		d := domainDims[i]
		begin := bb.Begin.MustGet(d)
		end := bb.End.MustGet(d)
		for v := begin; v < end; v++ {
			idx = idx.Set(d, v)
			if err := rec(i + 1); err != nil {
				return err
			}
		}
		return nil
	}
	return rec(0)
}

// tileAlong splits [begin,end) into consecutive tiles of size step
// (the last tile may be shorter); step<=0 means "the whole extent, one
// tile" (spec.md's "0 means whole rank domain in this dim").
func tileAlong(begin, end, step int64) []int64 {
	if step <= 0 || step >= end-begin {
		return []int64{begin, end}
	}
	bounds := []int64{begin}
	for v := begin; v < end; v += step {
		next := v + step
		if next > end {
			next = end
		}
		bounds = append(bounds, next)
	}
	return bounds
}

// tiles produces every rectangular tile of bb, stepping each domain dim
// independently by sizes[dim] (0/absent: whole extent).
func tiles(bb grid.BBox, domainDims []string, sizes map[string]int64) []grid.BBox {
	space := bb.Begin.Space()
	type axisBounds struct {
		name   string
		bounds []int64
	}
	var axes []axisBounds
	for _, d := range domainDims {
		b := bb.Begin.MustGet(d)
		e := bb.End.MustGet(d)
		axes = append(axes, axisBounds{name: d, bounds: tileAlong(b, e, sizes[d])})
	}

	var out []grid.BBox
	var rec func(i int, begin, end dim.Tuple)
	rec = func(i int, begin, end dim.Tuple) {
		if i == len(axes) {
			out = append(out, grid.BBox{Begin: begin, End: end})
			return
		}
		ax := axes[i]
		for j := 0; j+1 < len(ax.bounds); j++ {
			rec(i+1, begin.Set(ax.name, ax.bounds[j]), end.Set(ax.name, ax.bounds[j+1]))
		}
	}
	rec(0, dim.NewTuple(space), dim.NewTuple(space))
	return out
}

func regionTiles(rankBB grid.BBox, domainDims []string, regionSize map[string]int64) []grid.BBox {
	return tiles(rankBB, domainDims, regionSize)
}

func blockTiles(region grid.BBox, domainDims []string, blockSize map[string]int64) []grid.BBox {
	return tiles(region, domainDims, blockSize)
}

// subBlockTiles partitions block into real sub-block tiles, the innermost
// nested spatial level (spec.md §4.6): structurally the same tiling
// helper as region/block, stepped by the per-dim sub-block size. 0/absent
// sizes collapse to a single tile equal to the whole block, same as an
// unconfigured region or block size.
func subBlockTiles(block grid.BBox, domainDims []string, subBlockSize map[string]int64) []grid.BBox {
	return tiles(block, domainDims, subBlockSize)
}
