// Command stencilrun loads a compiled stencil-pack source, builds its
// grids and bundles, and runs it for a fixed number of steps.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"

	flag "github.com/spf13/pflag"

	"github.com/sbl8/stencil/compiler"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/solution"
)

func main() {
	var (
		domainSize = flag.Int64("domain-size", 64, "rank-local domain size applied to every domain dimension")
		blockSize  = flag.Int64("block-size", 32, "block tile size applied to every domain dimension")
		steps      = flag.Int("steps", 10, "number of steps to run")
		workers    = flag.Int("workers", runtime.NumCPU(), "number of region and block threads")
		opts       = flag.String("opts", "", "additional settings options, e.g. \"-no-auto_tune\"")
		verbose    = flag.Bool("verbose", false, "enable verbose output")
		version    = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("stencilrun - Stencil Runtime Tools v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

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

	for _, d := range sol.GetDomainDimNames() {
		if err := sol.Settings.SetRankDomainSize(d, *domainSize); err != nil {
			log.Fatalf("rank domain size: %v", err)
		}
		if err := sol.Settings.SetBlockSize(d, *blockSize); err != nil {
			log.Fatalf("block size: %v", err)
		}
	}
	if *opts != "" {
		unrecognized, err := sol.ApplyCommandLineOptions(*opts)
		if err != nil {
			log.Fatalf("applying options: %v", err)
		}
		if len(unrecognized) > 0 && *verbose {
			fmt.Printf("unrecognized options: %v\n", unrecognized)
		}
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
	if *verbose {
		fmt.Printf("running %d grids, %d packs, %d steps over %d domain dims\n",
			len(grids), len(packs), *steps, len(sol.GetDomainDimNames()))
	}
	if err := sol.RunSolution(ctx, 0, int64(*steps)); err != nil {
		log.Fatalf("run solution: %v", err)
	}
	if err := sol.EndSolution(); err != nil {
		log.Fatalf("end solution: %v", err)
	}

	stats := sol.GetStats()
	fmt.Printf("steps=%d elapsed=%.6fs\n", stats.NumStepsDone, stats.ElapsedRunSecs)
}
