package tarpit

import "sync/atomic"

// Governor bounds the number of live tarpit connections. The live counter is
// the only state mutated from many goroutines; both paths go through atomics,
// never a read-then-write.
type Governor struct {
	ceiling int64
	live    atomic.Int64
}

// NewGovernor constructs a Governor with the given connection ceiling.
func NewGovernor(ceiling int) *Governor {
	return &Governor{ceiling: int64(ceiling)}
}

// TryAcquire claims a slot, reporting false when the ceiling is reached.
func (g *Governor) TryAcquire() bool {
	for {
		current := g.live.Load()
		if current >= g.ceiling {
			return false
		}
		if g.live.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot. Must be called exactly once per successful
// TryAcquire, on every exit path of the connection it admitted.
func (g *Governor) Release() {
	g.live.Add(-1)
}

// Live reports the current number of held slots.
func (g *Governor) Live() int {
	return int(g.live.Load())
}

// Ceiling reports the configured maximum.
func (g *Governor) Ceiling() int {
	return int(g.ceiling)
}
