package arena

import (
	"runtime"
	"sync/atomic"
)

// Lock states.
const (
	unlocked  = 0
	locked    = 1
	contended = 2
)

const spinCount = 4

// Mutex is a mutual-exclusion lock whose state word lives in shared memory,
// so it excludes goroutines in every process that maps the word.
type Mutex struct {
	state *uint32
}

// TryLock acquires the lock if it is free.
func (m Mutex) TryLock() bool {
	return atomic.CompareAndSwapUint32(m.state, unlocked, locked)
}

// Lock acquires the lock, sleeping in the kernel while another holder has it.
func (m Mutex) Lock() {
	if m.TryLock() {
		return
	}
	for i := 0; i < spinCount; i++ {
		runtime.Gosched()
		if atomic.LoadUint32(m.state) == unlocked && m.TryLock() {
			return
		}
	}
	for atomic.SwapUint32(m.state, contended) != unlocked {
		futexWait(m.state, contended)
	}
}

// Unlock releases the lock and wakes one waiter if any are sleeping.
func (m Mutex) Unlock() {
	if atomic.SwapUint32(m.state, unlocked) == contended {
		futexWake(m.state, 1)
	}
}
