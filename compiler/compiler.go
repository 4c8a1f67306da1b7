// Package compiler is a stand-in for the offline stencil compiler spec.md
// keeps out of scope: it parses a small textual stencil-pack DSL (".stn"
// source) describing dimensions, grids, and per-bundle update equations.
// Binding a parsed SolutionDef to real grid.Grid instances (Bind) produces
// runnable bundle.Pack values whose Compute callables evaluate the parsed
// arithmetic expression at every domain point. It never generates machine
// code or vectorized kernels; a compiled bundle is always interpreted,
// which is enough to exercise and test the runtime end to end without a
// real kernel code generator.
package compiler

import (
	"os"
	"strconv"
	"strings"

	"github.com/sbl8/stencil/bundle"
	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/stencilerr"
)

// SolutionDef is everything a .stn source declares: its dimensions, grid
// declarations, and bundle equations, ready to Bind against real grids.
type SolutionDef struct {
	Dims      []dim.Dim
	Grids     []GridDef
	Equations []BundleEquation
}

// GridDef is one declared grid: its name and the halo thickness to apply
// uniformly to every domain dim it spans.
type GridDef struct {
	Name string
	Dims []string // domain dim names this grid is declared over
	Halo int64
}

// BundleEquation is one parsed `bundle ... / <lhs> = <rhs>` pair.
type BundleEquation struct {
	Name   string
	Writes []string
	Reads  []string
	LHS    gridRef
	RHS    exprNode
}

// CompileFile reads and parses a .stn source file.
func CompileFile(path string) (*SolutionDef, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, stencilerr.Wrap(stencilerr.InvalidArgument, err, "reading stencil source %q", path)
	}
	return CompileSource(string(src))
}

// CompileSource parses a .stn source string.
//
// Grammar (one statement per line; '#' starts a line comment):
//
//	dim step <name>
//	dim domain <name>
//	dim misc <name>
//	grid <name> (<domainDim>, ...) halo <n>
//	bundle <name> writes <grid>[,<grid>...] reads <grid>[,<grid>...]
//	  <grid>[<stepExpr>, <dimExpr>, ...] = <arith expr>
//
// A bundle's update line must immediately follow its `bundle` header.
// Index expressions inside `[...]` reference the declared dims in order;
// each is either the bare dim name (offset 0) or `name+k` / `name-k` for
// a constant integer offset k; the step index may additionally be a bare
// integer (0 = t, 1 = t+1, ...).
func CompileSource(src string) (*SolutionDef, error) {
	p := &parser{lines: splitLines(src)}
	return p.parseSolution()
}

func splitLines(src string) []string {
	raw := strings.Split(src, "\n")
	var out []string
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	l := p.lines[p.pos]
	p.pos++
	return l, true
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

func (p *parser) parseSolution() (*SolutionDef, error) {
	def := &SolutionDef{}
	dimKinds := make(map[string]dim.Kind)

	for {
		line, ok := p.peek()
		if !ok {
			break
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "dim":
			d, err := parseDimLine(fields)
			if err != nil {
				return nil, err
			}
			dimKinds[d.Name] = d.Kind
			def.Dims = append(def.Dims, d)
			p.pos++
		case "grid":
			g, err := parseGridLine(line, dimKinds)
			if err != nil {
				return nil, err
			}
			def.Grids = append(def.Grids, g)
			p.pos++
		case "bundle":
			eq, err := p.parseBundle(line, dimKinds)
			if err != nil {
				return nil, err
			}
			def.Equations = append(def.Equations, eq)
		default:
			return nil, stencilerr.New(stencilerr.InvalidArgument, "unrecognized statement: %q", line)
		}
	}
	return def, nil
}

func parseDimLine(fields []string) (dim.Dim, error) {
	if len(fields) != 3 {
		return dim.Dim{}, stencilerr.New(stencilerr.InvalidArgument, "malformed dim statement: %q", strings.Join(fields, " "))
	}
	var kind dim.Kind
	switch fields[1] {
	case "step":
		kind = dim.Step
	case "domain":
		kind = dim.Domain
	case "misc":
		kind = dim.Misc
	default:
		return dim.Dim{}, stencilerr.New(stencilerr.InvalidArgument, "unknown dim kind %q", fields[1])
	}
	return dim.Dim{Name: fields[2], Kind: kind}, nil
}

// parseGridLine parses `grid <name> (<dims,...>) halo <n>`.
func parseGridLine(line string, dimKinds map[string]dim.Kind) (GridDef, error) {
	open := strings.Index(line, "(")
	closeIdx := strings.Index(line, ")")
	if open < 0 || closeIdx < open {
		return GridDef{}, stencilerr.New(stencilerr.InvalidArgument, "malformed grid statement: %q", line)
	}
	name := strings.TrimSpace(line[len("grid"):open])
	dimsRaw := strings.Split(line[open+1:closeIdx], ",")
	var dims []string
	for _, d := range dimsRaw {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if dimKinds[d] != dim.Domain {
			return GridDef{}, stencilerr.New(stencilerr.InvalidArgument, "grid %q references undeclared domain dim %q", name, d)
		}
		dims = append(dims, d)
	}
	tail := strings.Fields(line[closeIdx+1:])
	halo := int64(0)
	for i := 0; i+1 < len(tail); i++ {
		if tail[i] == "halo" {
			n, err := strconv.ParseInt(tail[i+1], 10, 64)
			if err != nil {
				return GridDef{}, stencilerr.Wrap(stencilerr.InvalidArgument, err, "grid %q halo value", name)
			}
			halo = n
		}
	}
	return GridDef{Name: name, Dims: dims, Halo: halo}, nil
}

// parseBundle parses `bundle <name> writes <g>[,<g>...] reads <g>[,<g>...]`
// followed by exactly one update-equation line.
func (p *parser) parseBundle(header string, dimKinds map[string]dim.Kind) (BundleEquation, error) {
	p.pos++ // consume header
	fields := strings.Fields(header)
	if len(fields) < 5 || fields[2] != "writes" {
		return BundleEquation{}, stencilerr.New(stencilerr.InvalidArgument, "malformed bundle header: %q", header)
	}
	name := fields[1]

	writesEnd := 3
	for writesEnd < len(fields) && fields[writesEnd] != "reads" {
		writesEnd++
	}
	if writesEnd == len(fields) {
		return BundleEquation{}, stencilerr.New(stencilerr.InvalidArgument, "bundle %q header missing reads list", name)
	}
	writes := strings.Split(strings.Join(fields[3:writesEnd], ""), ",")
	reads := strings.Split(strings.Join(fields[writesEnd+1:], ""), ",")

	eqLine, ok := p.next()
	if !ok {
		return BundleEquation{}, stencilerr.New(stencilerr.InvalidArgument, "bundle %q has no update equation", name)
	}
	lhs, rhs, err := parseEquation(eqLine, dimKinds)
	if err != nil {
		return BundleEquation{}, stencilerr.Wrap(stencilerr.InvalidArgument, err, "bundle %q", name)
	}

	return BundleEquation{Name: name, Writes: writes, Reads: reads, LHS: lhs, RHS: rhs}, nil
}

// Bind resolves def against concrete grid instances, producing one
// runnable bundle.Pack per declared bundle. grids must contain every name
// referenced by def's Grids and Equations.
func Bind(def *SolutionDef, grids map[string]*grid.Grid) ([]bundle.Pack, error) {
	var packs []bundle.Pack
	for _, eq := range def.Equations {
		target, ok := grids[eq.LHS.name]
		if !ok {
			return nil, stencilerr.New(stencilerr.InvalidArgument, "bundle %q references unbound grid %q", eq.Name, eq.LHS.name)
		}
		for _, refName := range equationGridRefs(eq.RHS) {
			if _, ok := grids[refName]; !ok {
				return nil, stencilerr.New(stencilerr.InvalidArgument, "bundle %q references unbound grid %q", eq.Name, refName)
			}
		}

		eq := eq
		b := bundle.Bundle{
			Name: eq.Name, Writes: eq.Writes, Reads: eq.Reads,
			BB:      fullDomainBB(target),
			Compute: makeCompute(eq, grids),
			Angle:   equationAngle(target.Space(), eq),
		}
		packs = append(packs, bundle.Pack{Name: eq.Name, Bundles: []bundle.Bundle{b}})
	}
	return packs, nil
}

func fullDomainBB(g *grid.Grid) grid.BBox {
	space := g.Space()
	begin, end := dim.NewTuple(space), dim.NewTuple(space)
	for _, name := range space.NamesOfKind(dim.Domain) {
		n, _ := g.DomainSize(name)
		begin = begin.Set(name, 0)
		end = end.Set(name, n)
	}
	return grid.BBox{Begin: begin, End: end}
}

// equationAngle derives a bundle's wave-front skew angle directly from the
// index offsets its equation actually reads (spec.md §4.6: "the maximum
// halo required by any bundle in any dim"), rather than from the grid's
// declared halo — an equation may read less than a grid's configured halo
// allows.
func equationAngle(space *dim.Space, eq BundleEquation) bundle.Halo {
	left := dim.NewTuple(space)
	right := dim.NewTuple(space)
	refs := append(collectGridRefs(eq.RHS), eq.LHS)
	for _, r := range refs {
		for d, off := range r.dimOffsets {
			if off < 0 && -off > left.MustGet(d) {
				left = left.Set(d, -off)
			}
			if off > 0 && off > right.MustGet(d) {
				right = right.Set(d, off)
			}
		}
	}
	return bundle.Halo{Left: left, Right: right}
}

func collectGridRefs(n exprNode) []gridRef {
	switch v := n.(type) {
	case gridRef:
		return []gridRef{v}
	case binOp:
		return append(collectGridRefs(v.l), collectGridRefs(v.r)...)
	case negOp:
		return collectGridRefs(v.x)
	default:
		return nil
	}
}

// makeCompute closes over the equation's AST and the bound grids, scanning
// the sub-block range one point at a time and evaluating RHS into LHS.
func makeCompute(eq BundleEquation, grids map[string]*grid.Grid) bundle.Compute {
	target := grids[eq.LHS.name]
	domainDims := target.Space().NamesOfKind(dim.Domain)

	return func(r bundle.SubBlockRange, step int64, _ bundle.Scratch) error {
		env := &evalEnv{grids: grids, step: step}
		var rec func(i int, idx dim.Tuple) error
		rec = func(i int, idx dim.Tuple) error {
			if i == len(domainDims) {
				v, err := eq.RHS.eval(env, idx)
				if err != nil {
					return err
				}
				out := applyOffsets(idx, eq.LHS.dimOffsets)
				return target.SetFloat32(out, step+eq.LHS.stepOffset, v)
			}
			d := domainDims[i]
			begin := r.Begin.MustGet(d)
			end := r.End.MustGet(d)
			for v := begin; v < end; v++ {
				if err := rec(i+1, idx.Set(d, v)); err != nil {
					return err
				}
			}
			return nil
		}
		return rec(0, dim.NewTuple(target.Space()))
	}
}

func equationGridRefs(n exprNode) []string {
	switch v := n.(type) {
	case gridRef:
		return []string{v.name}
	case binOp:
		return append(equationGridRefs(v.l), equationGridRefs(v.r)...)
	case negOp:
		return equationGridRefs(v.x)
	default:
		return nil
	}
}
