package twoq_cache

import (
	"runtime"
	"sync/atomic"
)

const spinsBeforeYield = 64

// RWSpinLatch is the cache wide readers-writer spinlatch. Data plane
// operations take it in read mode, the eviction pass and storage wide
// operations take it in write mode. Waiting writers block new readers, so
// readers cannot starve the eviction pass.
type RWSpinLatch struct {
	// state is -1 while a writer holds the latch, otherwise the number of
	// active readers.
	state          atomic.Int32
	writersWaiting atomic.Int32
}

func (l *RWSpinLatch) ReadLock() {
	for spins := 0; ; spins++ {
		if l.writersWaiting.Load() == 0 {
			s := l.state.Load()
			if s >= 0 && l.state.CompareAndSwap(s, s+1) {
				return
			}
		}
		if spins%spinsBeforeYield == spinsBeforeYield-1 {
			runtime.Gosched()
		}
	}
}

func (l *RWSpinLatch) ReadRelease() {
	if l.state.Add(-1) < 0 {
		panic("read release of readers-writer latch which is not read locked")
	}
}

func (l *RWSpinLatch) WriteLock() {
	l.writersWaiting.Add(1)
	for spins := 0; ; spins++ {
		if l.state.CompareAndSwap(0, -1) {
			l.writersWaiting.Add(-1)
			return
		}
		if spins%spinsBeforeYield == spinsBeforeYield-1 {
			runtime.Gosched()
		}
	}
}

func (l *RWSpinLatch) WriteRelease() {
	if !l.state.CompareAndSwap(-1, 0) {
		panic("write release of readers-writer latch which is not write locked")
	}
}
