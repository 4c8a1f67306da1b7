// Package solution is the public façade (spec.md §6): it ties together
// settings, the MPI environment, grid storage, compiled bundles, the
// execution engine, and the halo-exchange engine behind the control-flow
// surface a caller actually drives — configure, prepare, run, end.
package solution

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sbl8/stencil/autotune"
	"github.com/sbl8/stencil/bundle"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/engine"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/halo"
	"github.com/sbl8/stencil/mpi"
	"github.com/sbl8/stencil/settings"
	"github.com/sbl8/stencil/stencilerr"
)

// Env is the distributed-computation environment a solution runs under
// (spec.md §6 "Environment").
type Env struct {
	mpiEnv *mpi.Env
}

// NewEnv builds the default single-rank environment. Call RegisterTransport
// before any solution uses it to run under a real multi-process transport.
func NewEnv() *Env {
	return &Env{}
}

// RegisterTransport attaches a multi-rank mpi.Transport, building this
// environment's rank grid over space's domain dims (rankGrid has one entry
// per domain dim, in space order; its product must equal the transport's
// communicator size). Call this before PrepareSolution on any solution that
// shares this Env, so cross-rank checks (PrepareSolution's settings
// agreement check, halo exchange) run for real instead of as single-rank
// no-ops.
func (e *Env) RegisterTransport(space *dim.Space, rankGrid []int64, transport mpi.Transport) error {
	mpiEnv, err := mpi.Init(space, rankGrid, transport)
	if err != nil {
		return err
	}
	e.mpiEnv = mpiEnv
	return nil
}

// NumRanks returns the communicator size, 1 until a transport and rank
// grid are attached with RegisterTransport.
func (e *Env) NumRanks() int {
	if e.mpiEnv == nil {
		return 1
	}
	return e.mpiEnv.Size()
}

// RankIndex returns this process's rank.
func (e *Env) RankIndex() int {
	if e.mpiEnv == nil {
		return 0
	}
	return e.mpiEnv.Rank()
}

// GlobalBarrier blocks until every rank has called it.
func (e *Env) GlobalBarrier(ctx context.Context) error {
	if e.mpiEnv == nil {
		return nil
	}
	return e.mpiEnv.Barrier(ctx)
}

// Stats are the counters get_stats() returns and clears (spec.md §6
// "Statistics").
type Stats struct {
	NumElements    int64
	NumWrites      int64
	EstFPOps       int64
	NumStepsDone   int64
	ElapsedRunSecs float64
	ElapsedMPISecs float64
}

type lifecycle int

const (
	lifecycleConfiguring lifecycle = iota
	lifecyclePrepared
	lifecycleEnded
)

// Solution is the runtime's top-level object: one stencil computation over
// one set of named grids and compiled bundle packs.
type Solution struct {
	env        *Env
	solutionID byte
	space      *dim.Space
	stepDim    string
	domainDims []string
	miscDims   []string

	Settings *settings.Settings

	mu         sync.Mutex
	state      lifecycle
	grids      map[string]*grid.Grid
	gridIDs    map[string]int
	nextGridID int
	packs      []bundle.Pack

	rankBB     grid.BBox
	engine     *engine.Engine
	exchanger  *halo.Exchanger
	tuner      *autotune.Tuner
	tunerAuto  bool
	tunerVerb  bool

	stats Stats
}

// New builds a solution over space (whose declared Step/Domain/Misc dims
// govern every grid it creates) bound to env, with fresh default settings
// (spec.md §6 "new_solution(env)").
func New(env *Env, space *dim.Space, solutionID byte) (*Solution, error) {
	stepDims := space.NamesOfKind(dim.Step)
	if len(stepDims) != 1 {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "solution space must declare exactly one step dimension, got %d", len(stepDims))
	}
	s := &Solution{
		env:        env,
		space:      space,
		stepDim:    stepDims[0],
		domainDims: space.NamesOfKind(dim.Domain),
		miscDims:   space.NamesOfKind(dim.Misc),
		Settings:   settings.New(),
		grids:      make(map[string]*grid.Grid),
		gridIDs:    make(map[string]int),
		tunerAuto:  true,
	}
	s.solutionID = solutionID
	return s, nil
}

// NewFrom builds a solution over the same space as src, copying only its
// settings (spec.md §6 "new_solution(env, source)").
func NewFrom(env *Env, src *Solution, solutionID byte) (*Solution, error) {
	s, err := New(env, src.space, solutionID)
	if err != nil {
		return nil, err
	}
	s.Settings = src.Settings.Clone()
	return s, nil
}

// GetStepDimName returns the step dimension's name.
func (s *Solution) GetStepDimName() string { return s.stepDim }

// GetDomainDimNames returns the domain dimension names in declaration
// order.
func (s *Solution) GetDomainDimNames() []string { return append([]string(nil), s.domainDims...) }

// GetMiscDimNames returns the misc dimension names in declaration order.
func (s *Solution) GetMiscDimNames() []string { return append([]string(nil), s.miscDims...) }

// GetFirstRankDomainIndex returns this rank's first valid domain index in
// dim (always 0 — ranks own a contiguous local sub-domain starting at its
// own logical origin).
func (s *Solution) GetFirstRankDomainIndex(dimName string) (int64, error) {
	if err := s.space.CheckKind(dimName, dim.Domain); err != nil {
		return 0, err
	}
	return 0, nil
}

// GetLastRankDomainIndex returns this rank's last valid domain index
// (exclusive end minus one) in dim.
func (s *Solution) GetLastRankDomainIndex(dimName string) (int64, error) {
	if err := s.space.CheckKind(dimName, dim.Domain); err != nil {
		return 0, err
	}
	n, ok := s.Settings.RankDomainSize[dimName]
	if !ok {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "rank domain size for %q not set", dimName)
	}
	return n - 1, nil
}

// GetOverallDomainSize returns the full (all-ranks) domain size in dim:
// rank domain size times the configured rank-grid extent.
func (s *Solution) GetOverallDomainSize(dimName string) (int64, error) {
	if err := s.space.CheckKind(dimName, dim.Domain); err != nil {
		return 0, err
	}
	n, ok := s.Settings.RankDomainSize[dimName]
	if !ok {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "rank domain size for %q not set", dimName)
	}
	ranks := s.Settings.NumRanks[dimName]
	if ranks < 1 {
		ranks = 1
	}
	return n * ranks, nil
}

// GetNumGrids returns the number of grids created so far.
func (s *Solution) GetNumGrids() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grids)
}

// GetGrid returns the named grid, or false if it does not exist.
func (s *Solution) GetGrid(name string) (*grid.Grid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grids[name]
	return g, ok
}

// NewGrid creates a grid sized from the solution's settings: domain dims
// get their rank-local domain size plus any configured min pad; the fold
// is fixed at 1 until a compiled bundle requests vectorized storage
// (spec.md §6 "new_grid(name, dims)").
func (s *Solution) NewGrid(name string, dims []dim.Dim) (*grid.Grid, error) {
	domainSpecs := make(map[string]grid.DomainDimSpec)
	miscSizes := make(map[string]int64)
	var stepAlloc int64 = 2

	for _, d := range dims {
		switch d.Kind {
		case dim.Domain:
			size, ok := s.Settings.RankDomainSize[d.Name]
			if !ok {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "rank domain size for %q not set", d.Name)
			}
			domainSpecs[d.Name] = grid.DomainDimSpec{
				Domain:   size,
				LeftPad:  s.Settings.MinPadSize[d.Name],
				RightPad: s.Settings.MinPadSize[d.Name],
				Fold:     1,
			}
		case dim.Misc:
			return nil, stencilerr.New(stencilerr.InvalidArgument, "new_grid requires explicit sizes for misc dim %q: use new_fixed_size_grid", d.Name)
		}
	}

	g, err := grid.New(name, grid.Float32, dims, domainSpecs, miscSizes, stepAlloc, s.Settings.NumaPolicy, s.Settings.NumaPreferred)
	if err != nil {
		return nil, err
	}
	return s.registerGrid(name, g)
}

// NewFixedSizeGrid creates a grid with exact, halo-less allocation sizes
// (spec.md §6 "new_fixed_size_grid").
func (s *Solution) NewFixedSizeGrid(name string, dims []dim.Dim, sizes map[string]int64) (*grid.Grid, error) {
	g, err := grid.NewFixedSize(name, grid.Float32, dims, sizes, s.Settings.NumaPolicy, s.Settings.NumaPreferred)
	if err != nil {
		return nil, err
	}
	return s.registerGrid(name, g)
}

func (s *Solution) registerGrid(name string, g *grid.Grid) (*grid.Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grids[name]; exists {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "grid %q already exists", name)
	}
	s.grids[name] = g
	s.gridIDs[name] = s.nextGridID
	s.nextGridID++
	return g, nil
}

// AddPack registers a bundle pack to run every step, in the order added
// (spec.md §3 "Pack").
func (s *Solution) AddPack(p bundle.Pack) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs = append(s.packs, p)
	return nil
}

// ApplyCommandLineOptions parses and applies options, resolving per-domain
// shorthand against this solution's domain dims (spec.md §6).
func (s *Solution) ApplyCommandLineOptions(line string) ([]string, error) {
	return s.Settings.ApplyCommandLineOptions(line, s.domainDims)
}

// PrepareSolution computes the rank bounding box and wires up the
// execution engine and (if a multi-rank environment is configured) the
// cross-rank settings check and the halo exchanger. Grids are allocated
// when they are created, not here. It marks the boundary between
// configuration and execution; it calls no global barrier.
func (s *Solution) PrepareSolution(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != lifecycleConfiguring {
		return stencilerr.New(stencilerr.InvalidArgument, "solution already prepared or ended")
	}

	begin := dim.NewTuple(s.space)
	end := dim.NewTuple(s.space)
	for _, d := range s.domainDims {
		n, ok := s.Settings.RankDomainSize[d]
		if !ok {
			return stencilerr.New(stencilerr.ConfigurationMismatch, "rank domain size for %q not set before prepare_solution", d)
		}
		end = end.Set(d, n)
	}
	s.rankBB = grid.BBox{Begin: begin, End: end}

	if s.env != nil && s.env.mpiEnv != nil {
		if err := s.checkSettingsAgreeAcrossRanks(ctx); err != nil {
			return err
		}
	}

	e, err := engine.New(engine.Options{
		Space:            s.space,
		StepDim:          s.stepDim,
		DomainDims:       s.domainDims,
		RankBB:           s.rankBB,
		RegionSize:       s.Settings.RegionSize,
		BlockSize:        s.Settings.BlockSize,
		SubBlockSize:     s.Settings.SubBlockSize,
		NumRegionThreads: s.Settings.NumRegionThreads,
		NumBlockThreads:  s.Settings.NumBlockThreads,
	})
	if err != nil {
		return err
	}
	s.engine = e

	if s.env != nil && s.env.mpiEnv != nil {
		s.exchanger = halo.NewExchanger(s.env.mpiEnv, s.solutionID, s.Settings.VectorizedExchange)
	}

	if s.Settings.AutoTunerEnabled {
		s.tunerAuto = true
	}

	s.state = lifecyclePrepared
	return nil
}

// checkSettingsAgreeAcrossRanks all-reduces a hash of this rank's grid-shape
// settings (rank domain sizes, pad, and every registered grid's halo
// thickness) and compares its min against its max: any disagreement means
// two ranks were configured with different shapes, caught here rather than
// as a later buffer-size mismatch inside halo exchange (spec.md §4.5 "Size
// mismatches between paired ranks are caught by an equality-check over
// ranks during prepare_solution").
func (s *Solution) checkSettingsAgreeAcrossRanks(ctx context.Context) error {
	h := s.rankSettingsHash()
	min, err := s.env.mpiEnv.AllReduceInt64(ctx, h, mpi.ReduceMin)
	if err != nil {
		return err
	}
	max, err := s.env.mpiEnv.AllReduceInt64(ctx, h, mpi.ReduceMax)
	if err != nil {
		return err
	}
	if min != max {
		return stencilerr.New(stencilerr.ConfigurationMismatch, "rank-local grid shape settings disagree across ranks")
	}
	return nil
}

// rankSettingsHash folds this rank's domain sizes, pad sizes, and every
// registered grid's per-dim halo thickness into one deterministic value.
func (s *Solution) rankSettingsHash() int64 {
	h := fnv.New64a()
	for _, d := range s.domainDims {
		fmt.Fprintf(h, "domain:%s=%d\n", d, s.Settings.RankDomainSize[d])
		fmt.Fprintf(h, "pad:%s=%d\n", d, s.Settings.MinPadSize[d])
	}
	names := make([]string, 0, len(s.grids))
	for name := range s.grids {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := s.grids[name]
		for _, d := range s.domainDims {
			left, right := g.Halo(d)
			fmt.Fprintf(h, "halo:%s:%s=%d,%d\n", name, d, left, right)
		}
	}
	return int64(h.Sum64())
}

// haloAdapter bridges the engine's minimal exchange interface to the halo
// package, resolving a pack's dirty read-set into ExchangeRequests.
type haloAdapter struct {
	exchanger *halo.Exchanger
	gridIDs   map[string]int
	domains   []string
}

// ExchangeStart posts the pack's halo exchange and returns without waiting,
// so the engine can run the pack's interior regions while it is in flight
// (spec.md §4.5 steps 2-4).
func (a *haloAdapter) ExchangeStart(ctx context.Context, p bundle.Pack, grids engine.Grids, step int64) (engine.PendingExchange, error) {
	var reqs []halo.ExchangeRequest
	for _, name := range p.ReadSet() {
		g, ok := grids[name]
		if !ok {
			continue
		}
		reqs = append(reqs, halo.ExchangeRequest{
			Grid:       halo.NamedGrid{Name: name, Grid: g},
			DomainDims: a.domains,
			Step:       step,
		})
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	pending, err := halo.Start(ctx, a.exchanger, a.gridIDs, reqs)
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// RunSolution drives the step range [t0,t1) (spec.md §6). t1 < t0 is an
// error (spec.md §9 Open Question, resolved: error rather than a
// zero-iteration loop).
func (s *Solution) RunSolution(ctx context.Context, t0, t1 int64) error {
	s.mu.Lock()
	if s.state != lifecyclePrepared {
		s.mu.Unlock()
		return stencilerr.New(stencilerr.InvalidArgument, "run_solution called before prepare_solution or after end_solution")
	}
	e := s.engine
	grids := make(engine.Grids, len(s.grids))
	for k, v := range s.grids {
		grids[k] = v
	}
	packs := append([]bundle.Pack(nil), s.packs...)
	var exchanger *haloAdapter
	if s.exchanger != nil {
		exchanger = &haloAdapter{exchanger: s.exchanger, gridIDs: s.gridIDs, domains: s.domainDims}
	}
	s.mu.Unlock()

	if t1 < t0 {
		return stencilerr.New(stencilerr.InvalidArgument, "run_solution requires t1 >= t0, got t0=%d t1=%d", t0, t1)
	}

	start := time.Now()
	var runErr error
	if exchanger != nil {
		runErr = e.Run(ctx, packs, grids, t0, t1, exchanger)
	} else {
		runErr = e.Run(ctx, packs, grids, t0, t1, nil)
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ElapsedRunSecs += elapsed.Seconds()
	if runErr == nil {
		s.stats.NumStepsDone += t1 - t0
	}
	return runErr
}

// EndSolution tears down the solution, releasing every grid's storage.
// Further RunSolution calls fail (spec.md §7 "leave the solution in a
// defined but unusable state").
func (s *Solution) EndSolution() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == lifecycleEnded {
		return nil
	}
	var firstErr error
	for _, g := range s.grids {
		if err := g.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.state = lifecycleEnded
	return firstErr
}

// ShareGridStorage adopts every grid buffer of other whose name matches
// one of this solution's grids (spec.md §6 "Storage sharing"). A
// mismatched grid fails the whole call with ShapeMismatch (spec.md §9
// Open Question, resolved).
func (s *Solution) ShareGridStorage(other *Solution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	for name, g := range s.grids {
		src, ok := other.grids[name]
		if !ok {
			continue
		}
		if err := g.ShareStorage(src); err != nil {
			return stencilerr.Wrap(stencilerr.ShapeMismatch, err, "sharing grid %q", name)
		}
	}
	return nil
}

// GetStats returns the current statistics, which GetStatsAndClear resets.
func (s *Solution) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// GetStatsAndClear returns the current statistics and zeroes the counters
// (spec.md §6 "get_stats() ... clears counters").
func (s *Solution) GetStatsAndClear() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	s.stats = Stats{}
	return st
}

// ResetAutoTuner enables/disables the auto-tuner and its verbosity
// (spec.md §6 "reset_auto_tuner").
func (s *Solution) ResetAutoTuner(enable, verbose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunerAuto = enable
	s.tunerVerb = verbose
	s.tuner = nil
}

// IsAutoTunerEnabled reports whether the auto-tuner is currently enabled.
func (s *Solution) IsAutoTunerEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunerAuto
}

// RunAutoTunerNow runs the hill-climb search to completion using rate as
// the per-candidate measurement function, and applies the best block size
// found to Settings (spec.md §6 "run_auto_tuner_now"; §4.7's "best block
// seen is applied"). A disabled auto-tuner leaves settings untouched
// (spec.md §4.7 "Disabled block-size changes ... leave user values
// intact").
func (s *Solution) RunAutoTunerNow(regionValues map[string]int64, rate autotune.RateFunc) error {
	s.mu.Lock()
	if !s.tunerAuto {
		s.mu.Unlock()
		return nil
	}

	dims := s.domainDims
	startValues := make([]int64, len(dims))
	regionSizeValues := make([]int64, len(dims))
	for i, d := range dims {
		startValues[i] = s.Settings.BlockSizeOr(d, settings.DefaultBlockSize)
		regionSizeValues[i] = regionValues[d]
	}
	start := autotune.Block{Dims: append([]string(nil), dims...), Values: startValues}
	region := autotune.RegionSize{Dims: append([]string(nil), dims...), Values: regionSizeValues}
	tuner := autotune.New(start, region, rate, s.tunerVerb)
	s.tuner = tuner
	s.mu.Unlock()

	// Run() invokes rate() per candidate, which for a live solution is
	// expected to call back into RunSolution — so the search itself must
	// run with the façade's lock released, or a rate function exercising
	// the solution it is tuning would deadlock against this call.
	best := tuner.Run()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range dims {
		if err := s.Settings.SetBlockSize(d, best.Values[i]); err != nil {
			return err
		}
	}
	return nil
}
