//go:build !linux

package numa

import "github.com/sbl8/stencil/stencilerr"

// platformAllocate backs Allocate on platforms without the Linux NUMA/mmap
// path: PolicyNone succeeds via the portable aligned-slice trick (the
// teacher's core.AlignedBytes approach); any other policy fails with
// NumaUnavailable since there is no way to honor a node preference.
func platformAllocate(size, align int, policy Policy, node int) ([]byte, func() error, error) {
	if policy != PolicyNone {
		return nil, nil, stencilerr.New(stencilerr.NumaUnavailable, "numa policy %v requested node %d unsupported on this platform", policy, node)
	}
	buf := alignedBytesFallback(size, align)
	return buf, func() error { return nil }, nil
}
