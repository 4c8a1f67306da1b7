// Package settings holds a solution's pre-prepare configuration (spec.md
// §6 "Solution configuration") as a statically typed struct plus a
// declarative option-to-field table for ApplyCommandLineOptions, replacing
// the source's dynamic-option-record walk (spec.md §9 "Dynamic option
// binding").
package settings

import (
	"strconv"
	"strings"

	"github.com/sbl8/stencil/numa"
	"github.com/sbl8/stencil/stencilerr"
)

// Settings is a solution's mutable, pre-prepare configuration. Per-domain
// -dimension fields are keyed by dimension name. A value missing from a
// map is unset: the engine reads a missing region, block, or sub-block
// size as the whole extent, and BlockSizeOr/RegionSizeOr return the
// caller's default.
type Settings struct {
	RankDomainSize map[string]int64
	RegionSize     map[string]int64
	BlockSize      map[string]int64
	SubBlockSize   map[string]int64
	MinPadSize     map[string]int64
	NumRanks       map[string]int64

	NumRegionThreads int
	NumBlockThreads  int

	NumaPreferred     int
	NumaPolicy        numa.Policy
	VectorizedExchange bool

	AutoTunerEnabled bool
	AutoTunerVerbose bool
}

const (
	DefaultRegionSize = 0 // 0 means "whole rank domain", i.e. no wave-front
	DefaultBlockSize  = 32
	DefaultMinPad     = 0
	DefaultNumRanks   = 1
)

// New returns a Settings with every map allocated and sane scalar
// defaults (auto-tuner on, vectorized exchange on, one region/block
// thread).
func New() *Settings {
	return &Settings{
		RankDomainSize:     make(map[string]int64),
		RegionSize:         make(map[string]int64),
		BlockSize:          make(map[string]int64),
		SubBlockSize:       make(map[string]int64),
		MinPadSize:         make(map[string]int64),
		NumRanks:           make(map[string]int64),
		NumRegionThreads:   1,
		NumBlockThreads:    1,
		NumaPolicy:         numa.PolicyNone,
		VectorizedExchange: true,
		AutoTunerEnabled:   true,
	}
}

// Clone returns a deep copy, used by new_solution(env, source) (spec.md §6
// "copies settings only").
func (s *Settings) Clone() *Settings {
	out := *s
	out.RankDomainSize = cloneMap(s.RankDomainSize)
	out.RegionSize = cloneMap(s.RegionSize)
	out.BlockSize = cloneMap(s.BlockSize)
	out.SubBlockSize = cloneMap(s.SubBlockSize)
	out.MinPadSize = cloneMap(s.MinPadSize)
	out.NumRanks = cloneMap(s.NumRanks)
	return &out
}

func cloneMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SetRankDomainSize sets dim's rank-local domain size. n must be positive.
func (s *Settings) SetRankDomainSize(dim string, n int64) error {
	return setPositive(s.RankDomainSize, dim, n)
}

// SetRegionSize sets dim's region tile size; 0 means "whole rank domain in
// this dim" (no wave-front skew along it).
func (s *Settings) SetRegionSize(dim string, n int64) error {
	if n < 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "region size for %q must be >= 0, got %d", dim, n)
	}
	s.RegionSize[dim] = n
	return nil
}

// SetBlockSize sets dim's block tile size. n must be positive.
func (s *Settings) SetBlockSize(dim string, n int64) error {
	return setPositive(s.BlockSize, dim, n)
}

// SetSubBlockSize sets dim's sub-block tile size, the innermost spatial
// tiling level nested under a block (spec.md §4.6 "Sub-block"). n must be
// positive.
func (s *Settings) SetSubBlockSize(dim string, n int64) error {
	return setPositive(s.SubBlockSize, dim, n)
}

// SetMinPadSize sets dim's minimum extra padding (beyond what fold
// alignment requires).
func (s *Settings) SetMinPadSize(dim string, n int64) error {
	if n < 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "min pad size for %q must be >= 0, got %d", dim, n)
	}
	s.MinPadSize[dim] = n
	return nil
}

// SetNumRanks sets dim's rank-grid extent. n must be positive.
func (s *Settings) SetNumRanks(dim string, n int64) error {
	return setPositive(s.NumRanks, dim, n)
}

// SetDefaultNumaPreferred sets the preferred NUMA node for subsequent grid
// allocations and switches the policy to Preferred.
func (s *Settings) SetDefaultNumaPreferred(node int) {
	s.NumaPreferred = node
	s.NumaPolicy = numa.PolicyPreferred
}

func setPositive(m map[string]int64, dim string, n int64) error {
	if n <= 0 {
		return stencilerr.New(stencilerr.InvalidArgument, "size for %q must be > 0, got %d", dim, n)
	}
	m[dim] = n
	return nil
}

// BlockSizeOr returns the configured block size for dim, or def if unset.
func (s *Settings) BlockSizeOr(dim string, def int64) int64 {
	if v, ok := s.BlockSize[dim]; ok {
		return v
	}
	return def
}

// RegionSizeOr returns the configured region size for dim, or def if
// unset.
func (s *Settings) RegionSizeOr(dim string, def int64) int64 {
	if v, ok := s.RegionSize[dim]; ok {
		return v
	}
	return def
}

// option describes one command-line switch: a name, a kind, and how to
// apply a parsed value to a *Settings. This is the "declarative
// option-to-field table" of spec.md §9, replacing a dynamic walk over
// heterogeneous option records.
type option struct {
	name string
	kind optKind
	// apply stores a scalar integer option's value (possibly per
	// dimension, resolved by the caller before invocation).
	apply func(s *Settings, dim string, v int64) error
	// applyBool stores a boolean option's value.
	applyBool func(s *Settings, v bool)
	// perDim is true for options settable either as -name N (every
	// domain dim) or -name.dim N (one dim).
	perDim bool
}

type optKind int

const (
	optInt optKind = iota
	optBool
)

var optionTable = []option{
	{name: "rank_domain_size", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetRankDomainSize(d, v) }},
	{name: "region_size", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetRegionSize(d, v) }},
	{name: "block_size", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetBlockSize(d, v) }},
	{name: "sub_block_size", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetSubBlockSize(d, v) }},
	{name: "min_pad_size", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetMinPadSize(d, v) }},
	{name: "num_ranks", kind: optInt, perDim: true, apply: func(s *Settings, d string, v int64) error { return s.SetNumRanks(d, v) }},
	{name: "numa_preferred", kind: optInt, apply: func(s *Settings, _ string, v int64) error { s.SetDefaultNumaPreferred(int(v)); return nil }},
	{name: "num_region_threads", kind: optInt, apply: func(s *Settings, _ string, v int64) error {
		if v <= 0 {
			return stencilerr.New(stencilerr.InvalidArgument, "num_region_threads must be > 0")
		}
		s.NumRegionThreads = int(v)
		return nil
	}},
	{name: "num_block_threads", kind: optInt, apply: func(s *Settings, _ string, v int64) error {
		if v <= 0 {
			return stencilerr.New(stencilerr.InvalidArgument, "num_block_threads must be > 0")
		}
		s.NumBlockThreads = int(v)
		return nil
	}},
	{name: "vec_exchange", kind: optBool, applyBool: func(s *Settings, v bool) { s.VectorizedExchange = v }},
	{name: "auto_tune", kind: optBool, applyBool: func(s *Settings, v bool) { s.AutoTunerEnabled = v }},
	{name: "auto_tune_verbose", kind: optBool, applyBool: func(s *Settings, v bool) { s.AutoTunerVerbose = v }},
}

func findOption(name string) *option {
	for i := range optionTable {
		if optionTable[i].name == name {
			return &optionTable[i]
		}
	}
	return nil
}

// ApplyCommandLineOptions parses a space-separated token string (with
// double-quoted groups kept intact) and applies every recognized option,
// per spec.md §6's command-line surface: integer scalars are
// `-<name> <integer>`, per-dimension shorthand is `-<name> <n>` (every
// domain dim) or `-<name>.<dim> <n>` (one dim), booleans are `-<name>` /
// `-no-<name>`. Unrecognized tokens are returned to the caller. Parse
// errors return InvalidArgument.
func (s *Settings) ApplyCommandLineOptions(line string, domainDims []string) (unrecognized []string, err error) {
	tokens := tokenize(line)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "-") {
			unrecognized = append(unrecognized, tok)
			continue
		}
		name := strings.TrimPrefix(tok, "-")

		if strings.HasPrefix(name, "no-") {
			boolName := strings.TrimPrefix(name, "no-")
			if opt := findOption(boolName); opt != nil && opt.kind == optBool {
				opt.applyBool(s, false)
				continue
			}
			unrecognized = append(unrecognized, tok)
			continue
		}

		dimSuffix := ""
		base := name
		if idx := strings.Index(name, "."); idx >= 0 {
			base = name[:idx]
			dimSuffix = name[idx+1:]
		}

		opt := findOption(base)
		if opt == nil {
			unrecognized = append(unrecognized, tok)
			continue
		}

		if opt.kind == optBool {
			opt.applyBool(s, true)
			continue
		}

		if i+1 >= len(tokens) {
			return unrecognized, stencilerr.New(stencilerr.InvalidArgument, "option %q requires a value", tok)
		}
		i++
		v, perr := strconv.ParseInt(tokens[i], 10, 64)
		if perr != nil {
			return unrecognized, stencilerr.Wrap(stencilerr.InvalidArgument, perr, "option %q has non-integer value %q", tok, tokens[i])
		}

		if !opt.perDim {
			if err := opt.apply(s, "", v); err != nil {
				return unrecognized, err
			}
			continue
		}
		if dimSuffix != "" {
			if err := opt.apply(s, dimSuffix, v); err != nil {
				return unrecognized, err
			}
			continue
		}
		for _, d := range domainDims {
			if err := opt.apply(s, d, v); err != nil {
				return unrecognized, err
			}
		}
	}
	return unrecognized, nil
}

// tokenize splits line on whitespace, keeping double-quoted spans intact
// and stripping the surrounding quotes.
func tokenize(line string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
