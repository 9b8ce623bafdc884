package supervisor

import (
	"errors"
	"fmt"
)

// ErrPortsExhausted is returned when no port in the configured window is
// free.
var ErrPortsExhausted = errors.New("ports exhausted")

// portAllocator hands out TCP ports from the window [base, base+window).
// It trusts the supervisor's bookkeeping rather than probing the TCP stack:
// the supervisor is the only process binding ports in the window, and the
// allocator is only ever consulted under the supervisor's lock.
type portAllocator struct {
	base   int
	window int
}

func newPortAllocator(base, window int) *portAllocator {
	return &portAllocator{base: base, window: window}
}

// allocate returns the smallest port in the window not present in used.
func (pa *portAllocator) allocate(used map[int]bool) (int, error) {
	for p := pa.base; p < pa.base+pa.window; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in [%d, %d)", ErrPortsExhausted, pa.base, pa.base+pa.window)
}
