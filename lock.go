// Package trilock implements a three-mode lock.
//
// A Lock can be held in three modes:
//   - [Read]: shared, any number of concurrent holders.
//   - [Intent]: "I intend to modify, readers may still look". At most one
//     holder, but coexists with readers. Must be held before Write.
//   - [Write]: fully exclusive.
//
// Read conflicts only with Write, so the common read/modify pattern is:
// take Intent, prepare the modification while readers continue, then
// upgrade to Write for the short exclusive window.
//
// Each write cycle advances a sequence counter, enabling optimistic
// revalidation: remember Seq() while holding the lock, drop it, and later
// use Relock to reacquire only if nothing was modified in between.
//
// Locks constructed with the [PerCPU] flag keep reader counts in per-P
// striped counters, trading slower write acquisition for read acquisitions
// that never touch a shared cache line.
package trilock

import (
	"runtime"
	"sync/atomic"

	"github.com/llxisdsh/trilock/internal/opt"
)

// Flags selects Lock construction options for Init.
type Flags uint8

const (
	// PerCPU enables the striped reader fast path. Use it for locks that
	// are read-acquired far more often than they are write-acquired.
	PerCPU Flags = 1 << iota
)

// Counts reports how many times each mode is currently held.
type Counts struct {
	Read   uint32
	Intent uint32
	Write  uint32
}

// Lock is a three-mode lock. The zero value is a usable lock without the
// per-CPU reader fast path; call Init to select [PerCPU].
//
// A Lock must not be copied after first use.
type Lock struct {
	_     noCopy
	state atomic.Uint64

	// intentRecurse counts recursive Intent holds. Intent is single-owner,
	// so only the holder writes it; atomic so Counts can read it from a
	// monitoring goroutine.
	intentRecurse atomic.Uint32

	// owner points at the Waiter of the goroutine holding Intent, when it
	// acquired through a waiter-carrying path. Consulted only by the
	// optimistic spin heuristic; never an ownership relation.
	owner atomic.Pointer[Waiter]

	waitLock ticketLock
	waitHead *Waiter // guarded by waitLock
	waitTail *Waiter // guarded by waitLock

	osq osq

	// readers is non-nil iff the lock was initialized with PerCPU.
	readers []opt.CounterStripe_

	// observer must be set before the lock is shared.
	observer Observer
}

// Init prepares l according to flags. The zero value of Lock is already a
// valid non-per-CPU lock; Init is required only to select PerCPU or to
// recycle a lock.
func (l *Lock) Init(flags Flags) {
	l.state.Store(0)
	l.intentRecurse.Store(0)
	l.owner.Store(nil)
	l.waitHead, l.waitTail = nil, nil
	if flags&PerCPU != 0 {
		l.readers = make([]opt.CounterStripe_, nextPowOf2(runtime.GOMAXPROCS(0)))
	} else {
		l.readers = nil
	}
}

// Exit asserts the lock is quiescent and releases the per-CPU stripes.
func (l *Lock) Exit() {
	s := l.state.Load()
	assert(s&(heldIntent|heldWrite) == 0, "lock destroyed while held")
	if l.readers != nil {
		assert(l.sumReaders() == 0, "lock destroyed with readers")
		l.readers = nil
	} else {
		assert(s&readersMask == 0, "lock destroyed with readers")
	}
}

// SetObserver attaches an advisory observer. It must be called before the
// lock is shared between goroutines.
func (l *Lock) SetObserver(o Observer) {
	l.observer = o
}

// tryAcquire attempts one state transition for mode m. try distinguishes
// trylock-style callers from the blocking path: a blocking Write caller has
// already pre-set the write-held bit and here only confirms the readers
// drained. w, when non-nil, becomes the recorded owner on Intent success.
//
// The per-CPU branches are a symmetric handshake: both the reader side
// (stripe increment, then state load) and the writer side (write bit set,
// then stripe sum) perform a full-barrier RMW before inspecting the other
// side's word, so at least one of two racing acquirers observes the other.
// Losing that race is reported as tryWakeRead/tryWakeWrite so the caller
// can re-wake the waiter class whose trylock it may have spuriously failed.
func (l *Lock) tryAcquire(m Mode, w *Waiter, try bool) tryResult {
	res := tryDenied

	switch {
	case m == Read && l.readers != nil:
		s := l.pinStripe()
		atomic.AddUintptr(&s.C, 1)
		old := l.state.Load()
		ok := old&modes[Read].lockFail == 0
		if !ok {
			atomic.AddUintptr(&s.C, ^uintptr(0))
		}
		runtime_procUnpin()
		if ok {
			res = tryGranted
		} else if l.state.Load()&waitingBit(Write) != 0 {
			// Our transient increment may have failed a writer's
			// stripe sum; it must be retried on our behalf.
			res = tryWakeWrite
		}

	case m == Write && l.readers != nil:
		if try {
			l.state.Add(heldWrite)
		}
		if l.sumReaders() == 0 {
			res = tryGranted
		} else if try {
			v := heldWrite
			if l.state.Add(-v)&waitingBit(Read) != 0 {
				// The transient write bit may have turned readers away.
				res = tryWakeRead
			}
		}

	default:
		for {
			old := l.state.Load()
			if old&modes[m].lockFail != 0 {
				break
			}
			if m == Write && !try {
				// Write bit was pre-set by the slowpath; the readers
				// just drained, nothing left to change.
				res = tryGranted
				break
			}
			if l.state.CompareAndSwap(old, old+modes[m].lockVal) {
				res = tryGranted
				break
			}
			if m == Write {
				// Trying writers do not loop: write acquisition is rare
				// and blocking-oriented, contention goes to the slowpath.
				break
			}
		}
	}

	if res == tryGranted && m == Intent && w != nil {
		l.owner.Store(w)
	}
	return res
}

// TryLock attempts to acquire mode m without blocking.
//
// Write may only be requested while holding Intent on l.
func (l *Lock) TryLock(m Mode) bool {
	if m == Write {
		assert(l.state.Load()&heldIntent != 0, "write requested without intent")
	}
	res := l.tryAcquire(m, nil, true)
	if t, ok := res.wakeTarget(); ok {
		l.doWakeup(t)
		return false
	}
	if res != tryGranted {
		return false
	}
	if m == Write {
		l.state.Add(seqUnit)
	}
	l.obsAcquire(m)
	return true
}

// Seq returns the current sequence number. It is odd while Write is held
// and advances on every write acquisition and release.
func (l *Lock) Seq() uint32 {
	return uint32(l.state.Load() >> seqShift)
}

// Relock reacquires mode m only if the lock has not gone through a write
// cycle since seq was observed. It fails fast on a stale sequence, then
// behaves as TryLock, then revalidates the sequence after acquisition.
func (l *Lock) Relock(m Mode, seq uint32) bool {
	if l.Seq() != seq || !l.TryLock(m) {
		return false
	}
	if l.Seq() != seq {
		l.Unlock(m)
		return false
	}
	return true
}

// Unlock releases mode m and wakes whichever waiter class the release can
// now satisfy. Releasing a recursively held Intent only decrements the
// recursion count.
func (l *Lock) Unlock(m Mode) {
	if m != Read || l.readers == nil {
		assert(l.state.Load()&modes[m].heldMask != 0, "unlock of unheld mode")
	}
	if m == Intent && l.intentRecurse.Load() > 0 {
		l.intentRecurse.Add(^uint32(0))
		return
	}
	l.obsRelease(m)
	l.doUnlock(m)
}

func (l *Lock) doUnlock(m Mode) {
	if m == Intent {
		l.owner.Store(nil)
	}

	var state uint64
	if m == Read && l.readers != nil {
		s := l.pinStripe()
		atomic.AddUintptr(&s.C, ^uintptr(0))
		runtime_procUnpin()
		state = l.state.Load()
	} else {
		v := modes[m].lockVal
		if m != Read {
			// Contention ended; drop the sticky nospin hint with the
			// same RMW.
			v += l.state.Load() & nospinBit
		}
		delta := -v
		if m == Write {
			delta += seqUnit
		}
		state = l.state.Add(delta)
	}
	l.maybeWakeup(state, modes[m].wake)
}

// Increment recursively re-acquires a mode the caller already holds. Read
// bumps the reader count without re-checking exclusion; Intent bumps the
// recursion counter. Write is not recursive.
func (l *Lock) Increment(m Mode) {
	switch m {
	case Read:
		if l.readers != nil {
			s := l.pinStripe()
			atomic.AddUintptr(&s.C, 1)
			runtime_procUnpin()
		} else {
			assert(l.state.Load()&(readersMask|heldIntent) != 0,
				"recursive read without a held mode")
			l.state.Add(readerUnit)
		}
	case Intent:
		assert(l.state.Load()&heldIntent != 0, "recursive intent not held")
		l.intentRecurse.Add(1)
	case Write:
		assert(false, "write mode is not recursive")
	}
}

// Downgrade converts a held Intent into Read. The read count is bumped
// before Intent is released, so there is no window with neither held.
func (l *Lock) Downgrade() {
	l.Increment(Read)
	l.Unlock(Intent)
}

// TryUpgrade converts one held Read into Intent with a single CAS. It
// fails if Intent is already held by another goroutine.
func (l *Lock) TryUpgrade() bool {
	for {
		old := l.state.Load()
		if old&heldIntent != 0 {
			return false
		}
		next := old
		if l.readers == nil {
			assert(old&readersMask != 0, "upgrade without read held")
			next -= readerUnit
		}
		next |= heldIntent
		if l.state.CompareAndSwap(old, next) {
			break
		}
	}
	if l.readers != nil {
		s := l.pinStripe()
		atomic.AddUintptr(&s.C, ^uintptr(0))
		runtime_procUnpin()
	}
	return true
}

// Convert switches between the Read and Intent modes. Same-mode conversion
// is a no-op; upgrades may fail, downgrades cannot. Write conversions are
// invalid: Write is entered via TryLock/Lock from Intent and left via
// Unlock.
func (l *Lock) Convert(from, to Mode) bool {
	if from == Write || to == Write {
		assert(false, "convert to/from write")
		return false
	}
	if from == to {
		return true
	}
	if to == Read {
		l.Downgrade()
		return true
	}
	return l.TryUpgrade()
}

// Counts reports the current number of holders per mode. The result is a
// racy snapshot; it is exact only while the caller excludes concurrent
// transitions.
func (l *Lock) Counts() Counts {
	s := l.state.Load()
	var c Counts
	if l.readers != nil {
		c.Read = uint32(l.sumReaders())
	} else {
		c.Read = uint32(s & readersMask)
	}
	if s&heldIntent != 0 {
		c.Intent = 1 + l.intentRecurse.Load()
	}
	if s&heldWrite != 0 {
		c.Write = 1
	}
	return c
}

// ReadersAdd adjusts the reader count directly, for callers implementing
// their own reentrancy bookkeeping across mode boundaries. The caller is
// responsible for the count remaining consistent with real holders.
func (l *Lock) ReadersAdd(delta int) {
	if l.readers != nil {
		s := l.pinStripe()
		atomic.AddUintptr(&s.C, uintptr(delta))
		runtime_procUnpin()
	} else {
		l.state.Add(uint64(int64(delta)))
	}
}
