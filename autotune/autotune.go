// Package autotune implements the runtime block-size hill-climber of
// spec.md §4.7: warmup → measure → neighbor search → done, with the
// documented radius-halving, size-bound, and tie-break rules.
package autotune

import (
	"sort"
	"time"
)

// Phase names the auto-tuner's state-machine state.
type Phase int

const (
	PhaseWarmup Phase = iota
	PhaseMeasure
	PhaseSearch
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseMeasure:
		return "measure"
	case PhaseSearch:
		return "search"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

const (
	WarmupSteps     = 100
	WarmupDuration  = time.Second
	MeasureSteps    = 50
	MeasureDuration = 100 * time.Millisecond
	StartRadius     = 64
	MinRadius       = 4
	MinBlockPoints  = 512
	MinBlocksPerRegion = 4
)

// Block is a block-size tuple over an ordered list of domain dimensions.
// Two Blocks are only comparable if built over the same dimension order.
type Block struct {
	Dims   []string
	Values []int64
}

func newBlock(dims []string, values []int64) Block {
	return Block{Dims: dims, Values: append([]int64(nil), values...)}
}

// total returns the product of the block's extents — its point count.
func (b Block) total() int64 {
	p := int64(1)
	for _, v := range b.Values {
		p *= v
	}
	return p
}

// Equal reports whether a and b have identical values.
func (b Block) Equal(o Block) bool {
	if len(b.Values) != len(o.Values) {
		return false
	}
	for i, v := range b.Values {
		if v != o.Values[i] {
			return false
		}
	}
	return true
}

// less implements the tie-break rule: smaller total size wins; equal
// totals break lexicographically on the value tuple.
func (b Block) less(o Block) bool {
	bt, ot := b.total(), o.total()
	if bt != ot {
		return bt < ot
	}
	for i := range b.Values {
		if b.Values[i] != o.Values[i] {
			return b.Values[i] < o.Values[i]
		}
	}
	return false
}

// RateFunc measures a block's achieved rate (e.g. points/sec) by running
// the engine at that block size for the requested number of steps or
// duration, whichever comes later — the caller owns the actual
// measurement; Tuner only drives the schedule.
type RateFunc func(b Block, minSteps int, minDuration time.Duration) (rate float64)

// RegionSize bounds the search: a candidate block may not exceed the
// region extent in any dim, and must yield at least MinBlocksPerRegion
// blocks per region in the dim it governs.
type RegionSize struct {
	Dims   []string
	Values []int64
}

// Tuner drives the hill-climb state machine described by spec.md §4.7.
type Tuner struct {
	region   RegionSize
	rate     RateFunc
	center   Block
	bestRate float64
	radius   int64
	phase    Phase
	verbose  bool
	evals    int
}

// New builds a Tuner starting its search at start, bounded by region.
func New(start Block, region RegionSize, rate RateFunc, verbose bool) *Tuner {
	return &Tuner{
		region: region,
		rate:   rate,
		center: start,
		radius: StartRadius,
		phase:  PhaseWarmup,
		verbose: verbose,
	}
}

// Phase returns the tuner's current state.
func (t *Tuner) Phase() Phase { return t.phase }

// Best returns the best block found so far (the starting block until at
// least one measurement has run).
func (t *Tuner) Best() Block { return t.center }

// Evaluations returns the number of rate measurements taken so far, used
// to bound termination in tests (spec.md §8 "Auto-tuner termination").
func (t *Tuner) Evaluations() int { return t.evals }

// Step advances the state machine by exactly one action and returns
// whether the tuner reached Done.
func (t *Tuner) Step() bool {
	switch t.phase {
	case PhaseWarmup:
		t.rate(t.center, WarmupSteps, WarmupDuration)
		t.phase = PhaseMeasure
		return false
	case PhaseMeasure:
		t.bestRate = t.measure(t.center)
		t.phase = PhaseSearch
		return false
	case PhaseSearch:
		t.searchOneRadius()
		if t.radius < MinRadius {
			t.phase = PhaseDone
			return true
		}
		return false
	case PhaseDone:
		return true
	}
	return true
}

// Run drives Step until Done, returning the best block found.
func (t *Tuner) Run() Block {
	for !t.Step() {
	}
	return t.Best()
}

func (t *Tuner) measure(b Block) float64 {
	t.evals++
	return t.rate(b, MeasureSteps, MeasureDuration)
}

// neighbors returns every block differing from center by ±radius in any
// non-empty subset of dims (3^n - 1 candidates, excluding center itself),
// skipping out-of-bound candidates entirely (spec.md §4.7 "skipping
// blocks that are too small ... or too large").
func (t *Tuner) neighbors(center Block, radius int64) []Block {
	n := len(center.Values)
	var out []Block
	deltas := make([]int64, n)
	var rec func(i int)
	rec = func(i int) {
		if i == n {
			allZero := true
			for _, d := range deltas {
				if d != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				return
			}
			values := make([]int64, n)
			for j, d := range deltas {
				values[j] = center.Values[j] + d*radius
			}
			cand := newBlock(center.Dims, values)
			if t.inBounds(cand) {
				out = append(out, cand)
			}
			return
		}
		for _, d := range [3]int64{-1, 0, 1} {
			deltas[i] = d
			rec(i + 1)
		}
		deltas[i] = 0
	}
	rec(0)
	return out
}

func (t *Tuner) inBounds(b Block) bool {
	if b.total() < MinBlockPoints {
		return false
	}
	for i, v := range b.Values {
		if v <= 0 {
			return false
		}
		regionExtent := t.regionExtent(b.Dims[i])
		if regionExtent > 0 {
			if v > regionExtent {
				return false
			}
			if regionExtent/v < MinBlocksPerRegion {
				return false
			}
		}
	}
	return true
}

func (t *Tuner) regionExtent(dimName string) int64 {
	for i, d := range t.region.Dims {
		if d == dimName {
			return t.region.Values[i]
		}
	}
	return 0
}

// searchOneRadius visits every neighbor at the current radius, moves the
// center to the best-rated neighbor that beats the current best, and
// halves the radius if none did.
func (t *Tuner) searchOneRadius() {
	candidates := t.neighbors(t.center, t.radius)
	type scored struct {
		block Block
		rate  float64
	}
	var results []scored
	for _, c := range candidates {
		results = append(results, scored{block: c, rate: t.measure(c)})
	}

	// Tie-break: among candidates beating the current best rate, prefer
	// the highest rate; ties broken by Block.less (smaller total, then
	// lexicographic).
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].rate != results[j].rate {
			return results[i].rate > results[j].rate
		}
		return results[i].block.less(results[j].block)
	})

	improved := false
	for _, r := range results {
		if r.rate > t.bestRate {
			t.center = r.block
			t.bestRate = r.rate
			improved = true
			break
		}
	}
	if !improved {
		t.radius /= 2
	}
}
