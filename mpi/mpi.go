// Package mpi provides the environment and info layer of spec.md §4.4: rank
// count/id, a neighbor table derived from a configured n-D rank grid, a
// global barrier, and per-type all-reduce helpers. A process that never
// registers a multi-rank Transport runs the single-rank default: rank
// count 1, every neighbor is none, and Barrier/Reduce are no-ops — mirroring
// "when not compiled with distributed support" from spec.md §4.4.
package mpi

import (
	"context"

	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/stencilerr"
)

// ReduceOp selects the per-type all-reduce operation.
type ReduceOp int

const (
	ReduceSum ReduceOp = iota
	ReduceMin
	ReduceMax
)

// Transport is the pluggable multi-process backend an Env delegates to.
// The default Env uses no Transport and behaves as a single-rank no-op;
// registering one (e.g. a TCP-backed implementation, following the
// register-an-implementation pattern of a classic Go MPI-style package)
// makes Env a real distributed-memory environment.
type Transport interface {
	Rank() int
	Size() int
	Barrier(ctx context.Context) error
	AllReduceFloat64(ctx context.Context, v float64, op ReduceOp) (float64, error)
	AllReduceInt64(ctx context.Context, v int64, op ReduceOp) (int64, error)
	// Send/Recv exchange raw byte payloads tagged for matching, used by
	// the halo-exchange engine.
	ISend(ctx context.Context, data []byte, dest, tag int) (Request, error)
	IRecv(ctx context.Context, buf []byte, src, tag int) (Request, error)
}

// Request is a handle to a non-blocking send or receive, awaited with
// Wait.
type Request interface {
	Wait(ctx context.Context) error
}

// Env is the process's MPI-like environment: rank grid, neighbor table,
// and collectives, backed by an optional Transport.
type Env struct {
	transport Transport
	rankGrid  []int64 // rank count per domain dimension, in dim.Space order
	space     *dim.Space
	rankCoord []int64 // this rank's coordinate in rankGrid
}

// Init builds an Env for a rank grid over the domain dimensions of space,
// with shape rankGrid (one entry per domain dim, in space order; product
// must equal the transport's Size, or 1 when transport is nil).
func Init(space *dim.Space, rankGrid []int64, transport Transport) (*Env, error) {
	domainDims := space.NamesOfKind(dim.Domain)
	if len(rankGrid) != len(domainDims) {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "rank grid has %d entries, want %d (one per domain dim)", len(rankGrid), len(domainDims))
	}

	size := 1
	rank := 0
	if transport != nil {
		size = transport.Size()
		rank = transport.Rank()
	}

	product := int64(1)
	for _, n := range rankGrid {
		if n < 1 {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "rank grid dimension must be >= 1, got %d", n)
		}
		product *= n
	}
	if product != int64(size) {
		return nil, stencilerr.New(stencilerr.ConfigurationMismatch, "rank grid product %d != communicator size %d", product, size)
	}

	coord := coordOf(int64(rank), rankGrid)
	return &Env{transport: transport, rankGrid: rankGrid, space: space, rankCoord: coord}, nil
}

// coordOf decomposes a linear rank into its n-D coordinate within shape,
// row-major with the last dimension varying fastest.
func coordOf(rank int64, shape []int64) []int64 {
	coord := make([]int64, len(shape))
	rem := rank
	for i := len(shape) - 1; i >= 0; i-- {
		coord[i] = dim.Mod(rem, shape[i])
		rem = dim.FloorDiv(rem, shape[i])
	}
	return coord
}

// linearOf is coordOf's inverse.
func linearOf(coord, shape []int64) int64 {
	var rank int64
	for i, c := range coord {
		rank = rank*shape[i] + c
	}
	return rank
}

// Rank returns this process's rank, 0 if no transport is registered.
func (e *Env) Rank() int {
	if e.transport == nil {
		return 0
	}
	return e.transport.Rank()
}

// Size returns the communicator size, 1 if no transport is registered.
func (e *Env) Size() int {
	if e.transport == nil {
		return 1
	}
	return e.transport.Size()
}

// Barrier blocks until every rank has called Barrier; a no-op when no
// transport is registered.
func (e *Env) Barrier(ctx context.Context) error {
	if e.transport == nil {
		return nil
	}
	return e.transport.Barrier(ctx)
}

// AllReduceFloat64 combines v across every rank with op; returns v
// unchanged when no transport is registered.
func (e *Env) AllReduceFloat64(ctx context.Context, v float64, op ReduceOp) (float64, error) {
	if e.transport == nil {
		return v, nil
	}
	return e.transport.AllReduceFloat64(ctx, v, op)
}

// AllReduceInt64 combines v across every rank with op; returns v unchanged
// when no transport is registered.
func (e *Env) AllReduceInt64(ctx context.Context, v int64, op ReduceOp) (int64, error) {
	if e.transport == nil {
		return v, nil
	}
	return e.transport.AllReduceInt64(ctx, v, op)
}

// Neighbor identifies an adjacent rank in one domain dimension and
// direction (-1 = lower/left, +1 = upper/right). Rank is -1 and Exists is
// false when there is no neighbor (rank grid edge, or single-rank mode).
type Neighbor struct {
	Dim       string
	Direction int
	Rank      int
	Exists    bool
}

// Neighbors returns every (dim, direction) adjacency of this rank, derived
// from the rank grid's shape and this rank's coordinate (spec.md §4.4
// "a neighbor table derived from the configured n-D rank grid"). A
// single-rank environment returns every entry with Exists=false.
func (e *Env) Neighbors() []Neighbor {
	domainDims := e.space.NamesOfKind(dim.Domain)
	out := make([]Neighbor, 0, len(domainDims)*2)
	for i, name := range domainDims {
		for _, dir := range [2]int{-1, 1} {
			n := Neighbor{Dim: name, Direction: dir}
			coord := e.rankCoord[i] + int64(dir)
			if coord >= 0 && coord < e.rankGrid[i] {
				nc := append([]int64(nil), e.rankCoord...)
				nc[i] = coord
				n.Rank = int(linearOf(nc, e.rankGrid))
				n.Exists = true
			} else {
				n.Rank = -1
			}
			out = append(out, n)
		}
	}
	return out
}

// RankCoord returns this rank's coordinate in the rank grid.
func (e *Env) RankCoord() []int64 { return append([]int64(nil), e.rankCoord...) }

// RankGrid returns the configured rank-grid shape.
func (e *Env) RankGrid() []int64 { return append([]int64(nil), e.rankGrid...) }

// ISend issues a non-blocking send; a single-rank Env never has any valid
// destination and always errors.
func (e *Env) ISend(ctx context.Context, data []byte, dest, tag int) (Request, error) {
	if e.transport == nil {
		return nil, stencilerr.New(stencilerr.CommFailed, "no transport registered: cannot send to rank %d", dest)
	}
	return e.transport.ISend(ctx, data, dest, tag)
}

// IRecv issues a non-blocking receive.
func (e *Env) IRecv(ctx context.Context, buf []byte, src, tag int) (Request, error) {
	if e.transport == nil {
		return nil, stencilerr.New(stencilerr.CommFailed, "no transport registered: cannot receive from rank %d", src)
	}
	return e.transport.IRecv(ctx, buf, src, tag)
}
