// Command stencilinfo parses a stencil-pack source file and prints its
// declared dimensions, grids, and bundle equations without running
// anything, analogous to a compiler's -validate/-debug dump.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/sbl8/stencil/compiler"
)

func main() {
	var version = flag.Bool("version", false, "show version information")
	flag.Parse()

	if *version {
		fmt.Println("stencilinfo - Stencil Runtime Tools v1.0.0")
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
		fmt.Fprintf(os.Stderr, "compile failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("dimensions (%d):\n", len(def.Dims))
	for _, d := range def.Dims {
		fmt.Printf("  %-10s %s\n", d.Name, d.Kind)
	}

	fmt.Printf("grids (%d):\n", len(def.Grids))
	for _, g := range def.Grids {
		fmt.Printf("  %-10s dims=%v halo=%d\n", g.Name, g.Dims, g.Halo)
	}

	fmt.Printf("bundles (%d):\n", len(def.Equations))
	for _, eq := range def.Equations {
		fmt.Printf("  %-10s writes=%v reads=%v\n", eq.Name, eq.Writes, eq.Reads)
	}
}
