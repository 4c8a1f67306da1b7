// Command stenciltune loads a compiled stencil-pack source and runs the
// hill-climbing block-size auto-tuner against it, printing the block size
// it converges on.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sbl8/stencil/autotune"
	"github.com/sbl8/stencil/compiler"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/solution"
)

func main() {
	var (
		domainSize = flag.Int64("domain-size", 256, "rank-local domain size applied to every domain dimension")
		workers    = flag.Int("workers", runtime.NumCPU(), "number of region/block threads")
		verbose    = flag.Bool("verbose", false, "enable verbose tuner output")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <source.stn>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	def, err := compiler.CompileFile(args[0])
	if err != nil {
		log.Fatalf("compile failed: %v", err)
	}

	space := dim.NewSpace(def.Dims...)
	sol, err := solution.New(solution.NewEnv(), space, 0)
	if err != nil {
		log.Fatalf("new solution: %v", err)
	}
	sol.Settings.NumRegionThreads = *workers
	sol.Settings.NumBlockThreads = *workers
	sol.ResetAutoTuner(true, *verbose)

	regionValues := make(map[string]int64)
	for _, d := range sol.GetDomainDimNames() {
		if err := sol.Settings.SetRankDomainSize(d, *domainSize); err != nil {
			log.Fatalf("rank domain size: %v", err)
		}
		regionValues[d] = *domainSize
	}

	grids := make(map[string]*grid.Grid, len(def.Grids))
	for _, gd := range def.Grids {
		dims := []dim.Dim{{Name: sol.GetStepDimName(), Kind: dim.Step}}
		for _, name := range gd.Dims {
			dims = append(dims, dim.Dim{Name: name, Kind: dim.Domain})
		}
		g, err := sol.NewGrid(gd.Name, dims)
		if err != nil {
			log.Fatalf("new grid %q: %v", gd.Name, err)
		}
		grids[gd.Name] = g
	}

	packs, err := compiler.Bind(def, grids)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	for _, p := range packs {
		if err := sol.AddPack(p); err != nil {
			log.Fatalf("add pack %q: %v", p.Name, err)
		}
	}

	ctx := context.Background()
	if err := sol.PrepareSolution(ctx); err != nil {
		log.Fatalf("prepare solution: %v", err)
	}

	rate := buildRateFunc(ctx, sol)
	if err := sol.RunAutoTunerNow(regionValues, rate); err != nil {
		log.Fatalf("auto-tune: %v", err)
	}

	fmt.Println("tuned block sizes:")
	for _, d := range sol.GetDomainDimNames() {
		fmt.Printf("  %-10s %d\n", d, sol.Settings.BlockSizeOr(d, 0))
	}
}

// buildRateFunc measures a candidate block size by applying it and running
// the live solution for at least minSteps steps (or minDuration, whichever
// is longer), reporting steps-per-second as the rate.
func buildRateFunc(ctx context.Context, sol *solution.Solution) autotune.RateFunc {
	return func(b autotune.Block, minSteps int, minDuration time.Duration) float64 {
		for i, d := range b.Dims {
			if err := sol.Settings.SetBlockSize(d, b.Values[i]); err != nil {
				return 0
			}
		}
		start := time.Now()
		var step int64
		for step < int64(minSteps) || time.Since(start) < minDuration {
			if err := sol.RunSolution(ctx, step, step+1); err != nil {
				return 0
			}
			step++
		}
		elapsed := time.Since(start).Seconds()
		if elapsed <= 0 {
			return 0
		}
		return float64(step) / elapsed
	}
}
