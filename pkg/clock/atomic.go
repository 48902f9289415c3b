package clock

import (
	"sync/atomic"

	"lsmkv/pkg/types"
)

// AtomicClock hands out sequence numbers. Next is called only under the
// write lock, Val may be read from anywhere.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.Load()
}

func (ac *AtomicClock) Next() types.SeqN {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(t)
}

// AdvanceTo raises the clock to t if it is currently lower.
func (ac *AtomicClock) AdvanceTo(t types.SeqN) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
