//go:build linux

package numa

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sbl8/stencil/stencilerr"
)

// platformAllocate backs Allocate on Linux with a real mmap'd, optionally
// huge-page-hinted and NUMA-bound region.
func platformAllocate(size, align int, policy Policy, node int) ([]byte, func() error, error) {
	mapSize := AlignUp(size, align)
	// mmap only guarantees page alignment: map align extra bytes and start
	// the region at the first align-aligned address inside the mapping.
	raw, err := unix.Mmap(-1, 0, mapSize+align, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, stencilerr.Wrap(stencilerr.OutOfMemory, err, "mmap %d bytes", mapSize+align)
	}
	off := 0
	if mod := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); mod != 0 {
		off = align - mod
	}
	buf := raw[off : off+mapSize]

	if align >= HugePageSize {
		// Best-effort: ask the kernel to back this region with
		// transparent huge pages. Failure here does not fail the
		// allocation — it is a performance hint, not a correctness
		// requirement.
		_ = unix.Madvise(buf, unix.MADV_HUGEPAGE)
	}

	if err := bindPolicy(buf, policy, node); err != nil {
		_ = unix.Munmap(raw)
		return nil, nil, err
	}

	release := func() error {
		return unix.Munmap(raw)
	}
	return buf[:size], release, nil
}

// bindPolicy applies the requested NUMA policy to buf via mbind(2).
// PolicyNone is always a no-op success.
func bindPolicy(buf []byte, policy Policy, node int) error {
	if policy == PolicyNone {
		return nil
	}
	if len(buf) == 0 {
		return nil
	}

	var mode uint64
	var nodemask uint64
	switch policy {
	case PolicyPreferred:
		mode = mpolPreferred
		nodemask = 1 << uint(node)
	case PolicyInterleave:
		mode = mpolInterleave
		nodemask = ^uint64(0) // all nodes present in the mask
	case PolicyLocal:
		mode = mpolLocal
	default:
		return stencilerr.New(stencilerr.InvalidArgument, "unknown numa policy %v", policy)
	}

	err := mbind(buf, mode, &nodemask, 64, mbindFlagStrict)
	if err != nil {
		return stencilerr.Wrap(stencilerr.NumaUnavailable, err, "numa bind policy %v node %d", policy, node)
	}
	return nil
}

// Linux NUMA mempolicy constants (linux/mempolicy.h), not exposed by
// golang.org/x/sys/unix as typed constants.
const (
	mpolPreferred    = 1
	mpolInterleave   = 3
	mpolLocal        = 4
	mbindFlagStrict  = 1 << 0
)

// mbind issues the mbind(2) syscall directly: golang.org/x/sys/unix wraps
// the raw syscall number (unix.SYS_MBIND) but does not provide a typed
// helper, the same way the teacher's codebase reaches for unsafe.Pointer
// casts when a convenience wrapper is missing.
func mbind(addr []byte, mode uint64, nodemask *uint64, maxnode uint64, flags uint) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&addr[0])),
		uintptr(len(addr)),
		uintptr(mode),
		uintptr(unsafe.Pointer(nodemask)),
		uintptr(maxnode),
		uintptr(flags),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
