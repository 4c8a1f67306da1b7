// Package halo implements the halo-exchange engine of spec.md §4.5: buffer
// sizing, deterministic tagging, and the pack → post → run-interior →
// wait → unpack → run-exterior protocol that keeps every grid's halo
// region consistent with its neighbors before a pack that reads it runs.
package halo

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/mpi"
	"github.com/sbl8/stencil/stencilerr"
)

// Exchanger drives halo exchange for one solution's grids over one MPI
// environment.
type Exchanger struct {
	Env        *mpi.Env
	Vectorized bool
	// SolutionID distinguishes tags when two grids share a name across
	// solutions sharing one communicator (spec.md §9 Open Question,
	// resolved in DESIGN.md: the tag includes a solution-id byte).
	SolutionID byte
}

// NewExchanger builds an Exchanger bound to env.
func NewExchanger(env *mpi.Env, solutionID byte, vectorized bool) *Exchanger {
	return &Exchanger{Env: env, SolutionID: solutionID, Vectorized: vectorized}
}

// direction-code packs a domain-dim index and a +/-1 direction into one
// small integer: 2*dimIndex for the low side, 2*dimIndex+1 for the high
// side.
func directionCode(dimIndex int, direction int) int32 {
	code := int32(dimIndex) * 2
	if direction > 0 {
		code++
	}
	return code
}

// Tag computes the deterministic send/recv match tag for one (grid,
// direction, step) triple: tag = solutionID<<24 | (gridID*27 +
// direction-code + step-hash), per spec.md §4.5 "Ordering".
func (e *Exchanger) Tag(gridID int, dimIndex, direction int, step int64) int32 {
	stepHash := int32(dim.Mod(step, 251))
	base := (int32(gridID)*27 + directionCode(dimIndex, direction) + stepHash) & 0xFFFFFF
	return int32(e.SolutionID)<<24 | base
}

// BufferSize returns the byte size of the exchange buffer for grid g, face
// axisDim, and direction: the product of g's domain face in every other
// domain dimension times g's halo thickness in axisDim's direction, times
// element size (spec.md §4.5 "Sizing").
func BufferSize(g *grid.Grid, domainDims []string, axisDim string, direction int) (int, error) {
	size := int64(1)
	for _, d := range domainDims {
		if d == axisDim {
			left, right := g.Halo(d)
			thickness := right
			if direction < 0 {
				thickness = left
			}
			size *= thickness
		} else {
			ds, ok := g.DomainSize(d)
			if !ok {
				return 0, stencilerr.New(stencilerr.InvalidArgument, "grid has no domain dim %q", d)
			}
			size *= ds
		}
	}
	if size < 0 {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "negative buffer size computed for dim %q", axisDim)
	}
	return int(size) * g.ElemSize(), nil
}

// faceBounds returns the half-open [begin,end) range, in the grid's own
// coordinate space, of the slab sent ("interior", just inside the rank's
// valid domain) or received ("halo", just outside it) for axisDim and
// direction.
func faceBounds(g *grid.Grid, axisDim string, direction int, send bool) (begin, end int64, err error) {
	domainSize, ok := g.DomainSize(axisDim)
	if !ok {
		return 0, 0, stencilerr.New(stencilerr.InvalidArgument, "grid has no domain dim %q", axisDim)
	}
	left, right := g.Halo(axisDim)

	if direction > 0 {
		thickness := right
		if send {
			// the rightmost `thickness` interior points.
			return domainSize - thickness, domainSize, nil
		}
		// the right halo slab itself.
		return domainSize, domainSize + thickness, nil
	}
	thickness := left
	if send {
		return 0, thickness, nil
	}
	return -thickness, 0, nil
}

// forEachDomainPoint enumerates every point of a face box (fixed on
// axisDim to [faceBegin,faceEnd), full domain extent on every other
// domain dim), calling fn once per point.
func forEachDomainPoint(space *dim.Space, domainDims []string, domainSize map[string]int64, axisDim string, faceBegin, faceEnd int64, fn func(idx dim.Tuple) error) error {
	idx := dim.NewTuple(space)
	var rec func(i int) error
	rec = func(i int) error {
		if i == len(domainDims) {
			return fn(idx)
		}
		d := domainDims[i]
		if d == axisDim {
			for v := faceBegin; v < faceEnd; v++ {
				idx = idx.Set(d, v)
				if err := rec(i + 1); err != nil {
					return err
				}
			}
			return nil
		}
		for v := int64(0); v < domainSize[d]; v++ {
			idx = idx.Set(d, v)
			if err := rec(i + 1); err != nil {
				return err
			}
		}
		return nil
	}
	return rec(0)
}

func domainSizeMap(g *grid.Grid, domainDims []string) (map[string]int64, error) {
	out := make(map[string]int64, len(domainDims))
	for _, d := range domainDims {
		s, ok := g.DomainSize(d)
		if !ok {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "grid has no domain dim %q", d)
		}
		out[d] = s
	}
	return out, nil
}

// packFace copies g's send-side face for (axisDim,direction) at step into
// a freshly allocated buffer, element by element. The Exchanger's
// Vectorized setting does not change this: faces are always packed one
// element at a time.
func packFace(g *grid.Grid, domainDims []string, axisDim string, direction int, step int64) ([]byte, error) {
	begin, end, err := faceBounds(g, axisDim, direction, true)
	if err != nil {
		return nil, err
	}
	sizes, err := domainSizeMap(g, domainDims)
	if err != nil {
		return nil, err
	}
	size, err := BufferSize(g, domainDims, axisDim, direction)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, size)
	var vals []float32
	err = forEachDomainPoint(g.Space(), domainDims, sizes, axisDim, begin, end, func(idx dim.Tuple) error {
		v, err := g.GetFloat32(idx, step)
		if err != nil {
			return err
		}
		vals = append(vals, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return float32sToBytes(vals, buf), nil
}

// unpackFace writes buf's values into g's receive-side halo face for
// (axisDim,direction) at step.
func unpackFace(g *grid.Grid, domainDims []string, axisDim string, direction int, step int64, buf []byte) error {
	begin, end, err := faceBounds(g, axisDim, direction, false)
	if err != nil {
		return err
	}
	sizes, err := domainSizeMap(g, domainDims)
	if err != nil {
		return err
	}
	vals := bytesToFloat32s(buf)
	i := 0
	err = forEachDomainPoint(g.Space(), domainDims, sizes, axisDim, begin, end, func(idx dim.Tuple) error {
		if i >= len(vals) {
			return stencilerr.New(stencilerr.ConfigurationMismatch, "halo buffer too small unpacking dim %q", axisDim)
		}
		if err := g.SetFloat32(idx, step, vals[i]); err != nil {
			return err
		}
		i++
		return nil
	})
	return err
}

// NamedGrid pairs a grid with the name the pack/engine layer knows it by,
// used to derive a stable per-exchange grid id for tagging.
type NamedGrid struct {
	Name string
	Grid *grid.Grid
}

// ExchangeRequest describes one grid's exchange for one step: its domain
// dimensions (in the grid's own declared order) and the step to exchange.
// Start skips a request whose grid is not dirty for Step (spec.md §4.5
// step 1: "Compute the set of (grid, step) pairs P reads whose dirty flag
// is set").
type ExchangeRequest struct {
	Grid       NamedGrid
	DomainDims []string
	Step       int64
}

// Exchange runs the full protocol for every dirty request: pack, post
// sends/receives, wait, unpack, then clears the dirty flag, for that step,
// of each grid that received at least one halo face; a grid with no
// neighbor to exchange with keeps its flag. Requests whose grid is not
// dirty for Step are skipped (spec.md §4.5 step 1).
//
// Interior/exterior overlap (steps 4 and 6 of spec.md §4.5) is the
// execution engine's responsibility, not this package's: Exchange returns
// once every halo is consistent, and the engine is expected to run a
// pack's interior sub-blocks concurrently with a call to Start, then call
// Finish before running the pack's exterior sub-blocks. Exchange itself is
// the simple (non-overlapped) convenience path used by single-rank runs
// and tests.
func Exchange(ctx context.Context, e *Exchanger, gridIDs map[string]int, reqs []ExchangeRequest) error {
	pending, err := Start(ctx, e, gridIDs, reqs)
	if err != nil {
		return err
	}
	return pending.Finish(ctx)
}

// Pending holds in-flight send/receive requests started by Start, to be
// completed by Finish once the caller has run whatever interior work it
// wants overlapped with communication.
type Pending struct {
	exchanger *Exchanger
	recvs     []plannedRecv
	group     *errgroup.Group
	ctx       context.Context
}

type plannedRecv struct {
	req     mpi.Request
	buf     []byte
	grid    *grid.Grid
	dims    []string
	axisDim string
	dir     int
	step    int64
}

// Start packs and posts non-blocking sends/receives for every dirty
// request, returning immediately so the caller can overlap interior
// compute with communication (spec.md §4.5 steps 2-4).
func Start(ctx context.Context, e *Exchanger, gridIDs map[string]int, reqs []ExchangeRequest) (*Pending, error) {
	g, gctx := errgroup.WithContext(ctx)
	p := &Pending{exchanger: e, group: g, ctx: ctx}

	for _, req := range reqs {
		req := req
		if !req.Grid.Grid.IsDirty(req.Step) {
			continue
		}
		gridID, ok := gridIDs[req.Grid.Name]
		if !ok {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "no grid id registered for %q", req.Grid.Name)
		}
		for dimIndex, axisDim := range req.DomainDims {
			for _, dir := range [2]int{-1, 1} {
				left, right := req.Grid.Grid.Halo(axisDim)
				if (dir < 0 && left == 0) || (dir > 0 && right == 0) {
					continue
				}
				neighbor := findNeighbor(e.Env, axisDim, dir)
				if !neighbor.Exists {
					continue
				}

				tag := e.Tag(gridID, dimIndex, dir, req.Step)
				size, err := BufferSize(req.Grid.Grid, req.DomainDims, axisDim, dir)
				if err != nil {
					return nil, err
				}
				recvBuf := make([]byte, size)
				recvReq, err := e.Env.IRecv(ctx, recvBuf, neighbor.Rank, int(tag))
				if err != nil {
					return nil, stencilerr.Wrap(stencilerr.CommFailed, err, "posting receive for grid %q dim %q", req.Grid.Name, axisDim)
				}
				p.recvs = append(p.recvs, plannedRecv{
					req: recvReq, buf: recvBuf, grid: req.Grid.Grid,
					dims: req.DomainDims, axisDim: axisDim, dir: dir, step: req.Step,
				})

				sendBuf, err := packFace(req.Grid.Grid, req.DomainDims, axisDim, dir, req.Step)
				if err != nil {
					return nil, err
				}
				sendTag := e.Tag(gridID, dimIndex, -dir, req.Step)
				axisDim := axisDim
				gridName := req.Grid.Name
				g.Go(func() error {
					sendReq, err := e.Env.ISend(gctx, sendBuf, neighbor.Rank, int(sendTag))
					if err != nil {
						return stencilerr.Wrap(stencilerr.CommFailed, err, "posting send for grid %q dim %q", gridName, axisDim)
					}
					return sendReq.Wait(gctx)
				})
			}
		}
	}
	return p, nil
}

// Finish waits on every posted send/receive, unpacks received buffers, and
// clears the dirty flag of every grid that was exchanged (spec.md §4.5
// steps 5 and 7).
func (p *Pending) Finish(ctx context.Context) error {
	for _, r := range p.recvs {
		if err := r.req.Wait(ctx); err != nil {
			return stencilerr.Wrap(stencilerr.CommFailed, err, "waiting on halo receive")
		}
		if err := unpackFace(r.grid, r.dims, r.axisDim, r.dir, r.step, r.buf); err != nil {
			return err
		}
	}
	if err := p.group.Wait(); err != nil {
		return err
	}
	for _, r := range p.recvs {
		r.grid.ClearDirty(r.step)
	}
	return nil
}

func findNeighbor(env *mpi.Env, axisDim string, dir int) mpi.Neighbor {
	for _, n := range env.Neighbors() {
		if n.Dim == axisDim && n.Direction == dir {
			return n
		}
	}
	return mpi.Neighbor{Dim: axisDim, Direction: dir, Exists: false}
}

func float32sToBytes(vals []float32, buf []byte) []byte {
	for _, v := range vals {
		bits := math.Float32bits(v)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return buf
}

func bytesToFloat32s(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
