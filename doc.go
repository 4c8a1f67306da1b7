// Package stencil implements a distributed finite-difference stencil
// runtime over structured grids.
//
// Stencil reimagines a grid-based PDE solver as a set of composable
// packages: named, multi-dimensional grids with cache-aligned, vector-
// folded storage; compiled update bundles grouped into packs; an
// execution engine that scans a rank's domain region by region, block by
// block, sub-block by sub-block; an MPI-style halo-exchange layer that
// keeps neighboring ranks' overlap regions consistent; and a hill-climbing
// auto-tuner that searches block sizes for the fastest configuration.
//
// # Architecture Overview
//
// The runtime consists of several key components:
//
//   - dim: named dimension tuples and checked, non-truncating arithmetic
//   - grid: cache-aligned, fold-vectorized, halo-padded grid storage
//   - bundle: update callables grouped into packs with declared read/write sets
//   - mpi: rank topology and point-to-point/collective transport
//   - halo: dirty-flag-gated pack/send/recv/unpack exchange protocol
//   - engine: the region/block/sub-block scan and its thread pools
//   - settings/autotune: solution configuration and block-size search
//   - solution: the public façade tying every layer together
//   - compiler: a small textual stencil DSL, parsed into runnable bundles
//   - cmd: command-line tools (stencilinfo, stencilrun, stenciltune)
//
// # Basic Usage
//
//	def, err := compiler.CompileFile("model.stn")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sol, err := solution.New(solution.NewEnv(), space, 0)
//	// ... configure Settings, create grids, compiler.Bind, AddPack ...
//	if err := sol.PrepareSolution(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sol.RunSolution(ctx, 0, numSteps); err != nil {
//	    log.Fatal(err)
//	}
package stencil
