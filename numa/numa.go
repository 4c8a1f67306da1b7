// Package numa implements the aligned / NUMA allocator of spec.md §4.2: a
// single operation — allocate N bytes, get back an owned byte region and
// its release action — with cache-line alignment for small allocations,
// huge-page alignment above a threshold, and an optional NUMA binding
// policy.
package numa

import (
	"unsafe"

	"github.com/sbl8/stencil/stencilerr"
)

const (
	// CacheLineSize is the alignment used for allocations below
	// HugePageThreshold.
	CacheLineSize = 64
	// HugePageSize is the typical huge-page size on the platforms this
	// kernel targets.
	HugePageSize = 2 * 1024 * 1024
	// HugePageThreshold is the allocation size at or above which a
	// huge-page-aligned allocation is attempted.
	HugePageThreshold = HugePageSize
	// InterBufferPadLines is the number of cache lines of padding added
	// between grid allocations to avoid conflict-miss aliasing.
	InterBufferPadLines = 4
	// InterBufferPadMultiplier scales InterBufferPadLines; grids with a
	// large vector fold want more separation between buffers.
	InterBufferPadMultiplier = 2
)

// Policy selects how an allocation is bound to NUMA nodes.
type Policy int

const (
	// PolicyNone performs a plain aligned allocation with no NUMA
	// binding; it always succeeds.
	PolicyNone Policy = iota
	// PolicyPreferred asks the OS to prefer a specific node but allows
	// falling back to others under memory pressure.
	PolicyPreferred
	// PolicyInterleave spreads pages round-robin across all nodes.
	PolicyInterleave
	// PolicyLocal binds strictly to the node of the allocating thread.
	PolicyLocal
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyPreferred:
		return "preferred"
	case PolicyInterleave:
		return "interleave"
	case PolicyLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Region is an owned byte buffer plus its release action. Release must be
// called exactly once when the region is no longer needed; it is safe to
// call Release on a zero Region.
type Region struct {
	Bytes   []byte
	release func() error
}

// Release returns the region's memory to the OS (or lets the Go garbage
// collector reclaim it, on the portable fallback path). Safe to call more
// than once.
func (r *Region) Release() error {
	if r == nil || r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	return release()
}

// AlignUp rounds n up to the nearest multiple of align, which must be a
// power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// alignmentFor returns the alignment an allocation of size bytes should
// use: cache-line for small allocations, huge-page at or above the
// threshold.
func alignmentFor(size int) int {
	if size >= HugePageThreshold {
		return HugePageSize
	}
	return CacheLineSize
}

// InterBufferPad returns the padding, in bytes, to insert between two grid
// allocations to reduce cache conflict misses. fold is the grid's vector
// fold factor; a larger fold gets proportionally more separation.
func InterBufferPad(fold int) int {
	if fold < 1 {
		fold = 1
	}
	return CacheLineSize * InterBufferPadLines * InterBufferPadMultiplier * fold
}

// Allocate returns an owned, aligned byte region of at least size bytes.
// node is the preferred/interleaved/local NUMA node and is ignored when
// policy is PolicyNone. An explicit non-None policy on a system without
// NUMA support fails with NumaUnavailable; PolicyNone always succeeds via
// plain aligned allocation.
func Allocate(size int, policy Policy, node int) (*Region, error) {
	if size < 0 {
		return nil, stencilerr.New(stencilerr.InvalidArgument, "negative allocation size %d", size)
	}
	if size == 0 {
		return &Region{}, nil
	}

	bytes, release, err := platformAllocate(size, alignmentFor(size), policy, node)
	if err != nil {
		return nil, err
	}
	return &Region{Bytes: bytes, release: release}, nil
}

// alignedBytesFallback is the portable, non-mmap allocator used by the
// non-Linux backend for PolicyNone. It pads a Go slice to alignment the
// same way the teacher's core.AlignedBytes does.
func alignedBytesFallback(size, align int) []byte {
	buf := make([]byte, size+align-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if mod := int(ptr) % align; mod != 0 {
		off = align - mod
	}
	return buf[off : off+size]
}
