package compiler

import (
	"strconv"
	"strings"

	"github.com/sbl8/stencil/dim"
	"github.com/sbl8/stencil/grid"
	"github.com/sbl8/stencil/stencilerr"
)

// evalEnv carries the grids a compiled expression may reference and the
// step currently being written; the domain point itself is threaded
// through eval as an explicit argument since it varies per recursion
// level in the caller's scan.
type evalEnv struct {
	grids map[string]*grid.Grid
	step  int64
}

// exprNode is one node of a parsed update-equation right-hand side.
type exprNode interface {
	eval(env *evalEnv, idx dim.Tuple) (float32, error)
}

type numLit struct{ v float32 }

func (n numLit) eval(*evalEnv, dim.Tuple) (float32, error) { return n.v, nil }

// gridRef is a single grid access such as A[t-1,x+1,y]: a step offset
// relative to the equation's current step, plus a constant per-dim
// offset relative to the current domain point.
type gridRef struct {
	name       string
	stepOffset int64
	dimOffsets map[string]int64
}

func (r gridRef) eval(env *evalEnv, idx dim.Tuple) (float32, error) {
	g, ok := env.grids[r.name]
	if !ok {
		return 0, stencilerr.New(stencilerr.InvalidArgument, "grid %q not bound", r.name)
	}
	point := applyOffsets(idx, r.dimOffsets)
	return g.GetFloat32(point, env.step+r.stepOffset)
}

func applyOffsets(idx dim.Tuple, offsets map[string]int64) dim.Tuple {
	out := idx
	for name, off := range offsets {
		out = out.Set(name, idx.MustGet(name)+off)
	}
	return out
}

type binOp struct {
	op   byte
	l, r exprNode
}

func (b binOp) eval(env *evalEnv, idx dim.Tuple) (float32, error) {
	lv, err := b.l.eval(env, idx)
	if err != nil {
		return 0, err
	}
	rv, err := b.r.eval(env, idx)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return lv + rv, nil
	case '-':
		return lv - rv, nil
	case '*':
		return lv * rv, nil
	case '/':
		return lv / rv, nil
	default:
		return 0, stencilerr.New(stencilerr.InvalidArgument, "unknown operator %q", string(b.op))
	}
}

type negOp struct{ x exprNode }

func (n negOp) eval(env *evalEnv, idx dim.Tuple) (float32, error) {
	v, err := n.x.eval(env, idx)
	return -v, err
}

// parseEquation parses one "<grid>[<indices>] = <expr>" line into its LHS
// grid reference and RHS expression tree.
func parseEquation(line string, dimKinds map[string]dim.Kind) (gridRef, exprNode, error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return gridRef{}, nil, stencilerr.New(stencilerr.InvalidArgument, "update equation missing '=': %q", line)
	}
	lhsTok, err := tokenize(line[:eq])
	if err != nil {
		return gridRef{}, nil, err
	}
	lp := &exprParser{toks: lhsTok}
	lhs, err := lp.parseGridRef(dimKinds, true)
	if err != nil {
		return gridRef{}, nil, err
	}

	rhsTok, err := tokenize(line[eq+1:])
	if err != nil {
		return gridRef{}, nil, err
	}
	rp := &exprParser{toks: rhsTok, dimKinds: dimKinds}
	rhs, err := rp.parseExpr()
	if err != nil {
		return gridRef{}, nil, err
	}
	if !rp.atEnd() {
		return gridRef{}, nil, stencilerr.New(stencilerr.InvalidArgument, "trailing tokens after expression: %q", line)
	}
	return lhs, rhs, nil
}

// token kinds: identifiers, integer/float literals, and single-char
// punctuation ('[',']','(',')',',','+','-','*','/').
type token struct {
	text string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case strings.ContainsRune("[](),+-*/", rune(c)):
			toks = append(toks, token{text: string(c)})
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		case isDigit(c):
			j := i + 1
			for j < len(s) && (isDigit(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{text: s[i:j]})
			i = j
		default:
			return nil, stencilerr.New(stencilerr.InvalidArgument, "unexpected character %q in %q", string(c), s)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
func isDigit(c byte) bool     { return c >= '0' && c <= '9' }

type exprParser struct {
	toks     []token
	pos      int
	dimKinds map[string]dim.Kind
}

func (p *exprParser) atEnd() bool { return p.pos >= len(p.toks) }

func (p *exprParser) peek() (token, bool) {
	if p.atEnd() {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) take() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *exprParser) expect(text string) error {
	t, ok := p.take()
	if !ok || t.text != text {
		return stencilerr.New(stencilerr.InvalidArgument, "expected %q", text)
	}
	return nil
}

// parseExpr parses a full additive expression: term (('+'|'-') term)*.
func (p *exprParser) parseExpr() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binOp{op: t.text[0], l: left, r: right}
	}
}

// parseTerm parses a multiplicative expression: factor (('*'|'/') factor)*.
func (p *exprParser) parseTerm() (exprNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binOp{op: t.text[0], l: left, r: right}
	}
}

// parseFactor parses a unary-negated atom, a parenthesized expression, a
// numeric literal, or a grid reference.
func (p *exprParser) parseFactor() (exprNode, error) {
	t, ok := p.peek()
	if !ok {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "unexpected end of expression")
	}
	if t.text == "-" {
		p.pos++
		x, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return negOp{x: x}, nil
	}
	if t.text == "(" {
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	if isDigit(t.text[0]) {
		p.pos++
		f, err := strconv.ParseFloat(t.text, 32)
		if err != nil {
			return nil, stencilerr.Wrap(stencilerr.InvalidArgument, err, "numeric literal %q", t.text)
		}
		return numLit{v: float32(f)}, nil
	}
	return p.parseGridRef(p.dimKinds, false)
}

// parseGridRef parses `<name>[<index>,<index>,...]`. The first index is
// always taken as the step index, whatever its name, and its offset becomes
// stepOffset; every later index is recorded in dimOffsets under its dim
// name. Neither lhs nor dimKinds is consulted: the step index is not
// checked to be present or to name a step dim.
func (p *exprParser) parseGridRef(dimKinds map[string]dim.Kind, lhs bool) (gridRef, error) {
	nameTok, ok := p.take()
	if !ok || !isIdentStart(nameTok.text[0]) {
		return gridRef{}, stencilerr.New(stencilerr.InvalidArgument, "expected grid name")
	}
	if err := p.expect("["); err != nil {
		return gridRef{}, err
	}

	ref := gridRef{name: nameTok.text, dimOffsets: map[string]int64{}}
	first := true
	for {
		t, ok := p.peek()
		if !ok {
			return gridRef{}, stencilerr.New(stencilerr.InvalidArgument, "unterminated index list for %q", ref.name)
		}
		if t.text == "]" {
			p.pos++
			break
		}
		if !first {
			if err := p.expect(","); err != nil {
				return gridRef{}, err
			}
		}
		dimTok, offset, err := p.parseIndexTerm()
		if err != nil {
			return gridRef{}, err
		}
		if first {
			ref.stepOffset = offset
		} else {
			ref.dimOffsets[dimTok] = offset
		}
		first = false
	}
	return ref, nil
}

// parseIndexTerm parses one bracket index component: a bare dim name, a
// dim name with a constant "+k"/"-k" offset, or (for the step slot) a
// bare integer literal. Returns the referenced name (empty for a bare
// step literal) and the resolved constant offset.
func (p *exprParser) parseIndexTerm() (string, int64, error) {
	nameTok, ok := p.take()
	if !ok {
		return "", 0, stencilerr.New(stencilerr.InvalidArgument, "expected index term")
	}
	if isDigit(nameTok.text[0]) {
		n, err := strconv.ParseInt(nameTok.text, 10, 64)
		if err != nil {
			return "", 0, stencilerr.Wrap(stencilerr.InvalidArgument, err, "step index %q", nameTok.text)
		}
		return "", n, nil
	}
	name := nameTok.text
	t, ok := p.peek()
	if !ok || (t.text != "+" && t.text != "-") {
		return name, 0, nil
	}
	p.pos++
	sign := int64(1)
	if t.text == "-" {
		sign = -1
	}
	numTok, ok := p.take()
	if !ok || !isDigit(numTok.text[0]) {
		return "", 0, stencilerr.New(stencilerr.InvalidArgument, "expected constant offset after %q%s", name, t.text)
	}
	n, err := strconv.ParseInt(numTok.text, 10, 64)
	if err != nil {
		return "", 0, stencilerr.Wrap(stencilerr.InvalidArgument, err, "offset %q", numTok.text)
	}
	return name, sign * n, nil
}
