package trilock

import (
	"sync/atomic"

	"github.com/llxisdsh/trilock/internal/opt"
)

// Waiter is the record a goroutine occupies on a lock's wait list while
// blocked in Lock/LockWaiter. The zero value is ready for use.
//
// A Waiter belongs to its goroutine except for the brief window in which
// the wakeup engine, holding the wait-list lock, removes it and marks it
// acquired. It may be reused across acquisitions but never concurrently.
// Reusing one long-lived Waiter per goroutine also feeds the optimistic
// spin heuristic: lock owners are identified by their Waiter, and spinners
// stop polling once the recorded owner parks.
type Waiter struct {
	next *Waiter // guarded by waitLock
	prev *Waiter // guarded by waitLock

	want Mode

	// acquired is set by whichever goroutine grants the lock to this
	// waiter, with the wait list already unlinked.
	acquired atomic.Bool

	// parked is true while the owning goroutine is suspended. Read by
	// spinners on other locks to decide whether polling is worthwhile.
	parked atomic.Bool

	// start orders the wait list; assigned under waitLock from a
	// monotonic clock, bumped past the previous tail on ties.
	start int64

	sema opt.Sema
}

// append adds w at the tail. Caller holds waitLock.
func (l *Lock) append(w *Waiter) {
	w.next = nil
	w.prev = l.waitTail
	if l.waitTail != nil {
		l.waitTail.next = w
	} else {
		l.waitHead = w
	}
	l.waitTail = w
}

// unlink removes w from the list. Caller holds waitLock.
func (l *Lock) unlink(w *Waiter) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		l.waitHead = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		l.waitTail = w.prev
	}
	w.next, w.prev = nil, nil
}

// maybeWakeup runs the wakeup engine for mode m if the given state says a
// release could satisfy one of its waiters.
func (l *Lock) maybeWakeup(state uint64, m Mode) {
	// No point waking writers while readers remain.
	if m == Write && state&readersMask != 0 {
		return
	}
	if state&waitingBit(m) == 0 {
		return
	}
	l.doWakeup(m)
}

// doWakeup scans the wait list in FIFO order and grants the lock to
// waiters blocked on mode m. Read grants batch: one pass may wake any
// number of readers. Intent and Write grant at most one waiter and stop.
//
// A grant attempt can come back demanding a wakeup of the other waiter
// class (per-CPU locks only); the scan drops the wait-list lock and
// switches to that class instead of resuming. Resuming would spin
// forever when the conflict is long-lived (a draining writer failing a
// read scan while a live reader keeps failing the write scan); the
// waiting flag for m stays set, so the release that clears the conflict
// re-runs the m scan.
func (l *Lock) doWakeup(m Mode) {
	sawOne := false
	l.waitLock.lock()
	w := l.waitHead
	for w != nil {
		next := w.next
		if w.want == m {
			if sawOne && m != Read {
				l.waitLock.unlock()
				return
			}
			sawOne = true

			res := l.tryAcquire(m, w, false)
			if t, ok := res.wakeTarget(); ok {
				l.waitLock.unlock()
				l.doWakeup(t)
				return
			}
			if res != tryGranted {
				l.waitLock.unlock()
				return
			}

			l.unlink(w)
			w.acquired.Store(true)
			w.sema.Release()
		}
		w = next
	}
	// Every waiter for m was granted (or none existed); the flag is
	// cleared under waitLock so it cannot race a concurrent insert.
	l.state.And(^waitingBit(m))
	l.waitLock.unlock()
}

// WakeupAll forces every waiter, in every mode, to re-run its abandonment
// check. Intended as a debugging and deadlock-cycle-breaking aid.
func (l *Lock) WakeupAll() {
	state := l.state.Load()
	l.maybeWakeup(state, Read)
	l.maybeWakeup(state, Intent)
	l.maybeWakeup(state, Write)

	l.waitLock.lock()
	for w := l.waitHead; w != nil; w = w.next {
		w.sema.Release()
	}
	l.waitLock.unlock()
}
