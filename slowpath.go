package trilock

import (
	"time"
)

// SpinBudget bounds how long a contended acquisition busy-polls the lock
// before writing the sticky nospin hint and queuing up. The best value
// depends on typical hold times; tune it before locks are in use.
var SpinBudget = 10 * time.Microsecond

// spinCheckMask throttles the clock reads in the spin loops: the budget is
// checked once per mask+1 iterations.
const spinCheckMask = 0xf

// AbandonFunc is consulted once per unsuccessful wake cycle while a
// goroutine is queued. Returning a non-nil error abandons the wait; the
// error is propagated verbatim as the Lock result. This is the hook for
// timeouts and deadlock-avoidance policies, which live outside the lock.
type AbandonFunc func(l *Lock) error

// Lock acquires mode m, blocking until granted or until fn abandons the
// wait. A nil fn waits forever. Returns nil once the lock is held.
//
// Write may only be requested while holding Intent on l.
func (l *Lock) Lock(m Mode, fn AbandonFunc) error {
	var w Waiter
	return l.LockWaiter(m, &w, fn)
}

// LockWaiter is Lock with a caller-supplied Waiter, for callers that reuse
// one waiter per goroutine (cheaper, and it sharpens the spin heuristic;
// see Waiter).
//
// Whatever the outcome, the lock is never left partially acquired: on a
// non-nil return the caller holds nothing it did not hold before.
func (l *Lock) LockWaiter(m Mode, w *Waiter, fn AbandonFunc) error {
	if m == Write {
		assert(l.state.Load()&heldIntent != 0, "write requested without intent")
	}
	l.obsAcquire(m)
	res := l.tryAcquire(m, w, true)
	if res == tryGranted {
		if m == Write {
			l.state.Add(seqUnit)
		}
		return nil
	}
	// A spurious per-CPU failure owes the other waiter class a wakeup even
	// though we are about to block ourselves.
	if t, ok := res.wakeTarget(); ok {
		l.doWakeup(t)
	}
	return l.lockSlow(m, w, fn)
}

func (l *Lock) lockSlow(m Mode, w *Waiter, fn AbandonFunc) error {
	if m == Write {
		// Claim the write bit up front: new readers bounce off it while
		// we wait for the existing ones to drain.
		l.state.Add(heldWrite)
	}
	l.obsContended(m)

	if l.optimisticSpin(m, w) {
		return l.lockAcquired(m)
	}

	w.want = m
	w.acquired.Store(false)

	l.waitLock.lock()
	l.state.Or(waitingBit(m))
	// Retry under the wait-list lock: an unlock between our failed
	// attempt and here would have run its wakeup scan without seeing us.
	res := l.tryAcquire(m, w, false)
	if res != tryGranted {
		w.start = nanotime()
		if last := l.waitTail; last != nil && w.start <= last.start {
			w.start = last.start + 1
		}
		l.append(w)
	}
	l.waitLock.unlock()

	if res == tryGranted {
		return l.lockAcquired(m)
	}
	if t, ok := res.wakeTarget(); ok {
		l.doWakeup(t)
	}

	var err error
	for {
		if w.acquired.Load() {
			break
		}
		if fn != nil {
			if err = fn(l); err != nil {
				break
			}
		}
		w.parked.Store(true)
		w.sema.Acquire()
		w.parked.Store(false)
	}

	if err == nil {
		return l.lockAcquired(m)
	}

	// Abandoning. A racing unlock may have granted us the lock between
	// the predicate firing and the removal below; in that case the grant
	// must be undone on the caller's behalf.
	l.waitLock.lock()
	granted := w.acquired.Load()
	if !granted {
		l.unlink(w)
	}
	l.waitLock.unlock()

	if granted {
		if m == Write {
			l.state.Add(seqUnit)
		}
		l.doUnlock(m)
	} else if m == Write {
		state := l.state.And(^heldWrite) &^ heldWrite
		l.maybeWakeup(state, Read)
	}
	return err
}

// lockAcquired finishes a successful slow acquisition: a write grant
// starts a new write epoch.
func (l *Lock) lockAcquired(m Mode) error {
	if m == Write {
		l.state.Add(seqUnit)
	}
	l.obsAcquired(m)
	return nil
}

// optimisticSpin busy-polls the lock before queuing, on the bet that the
// holder is about to release. Only worthwhile when the holder is actually
// making progress, so it backs off as soon as the recorded owner parks,
// and a fair queue keeps concurrent spinners off the shared word. Write
// is excluded: the caller holds Intent and must not busy-wait with it.
func (l *Lock) optimisticSpin(m Mode, w *Waiter) bool {
	if m == Write {
		return false
	}
	if l.state.Load()&nospinBit != 0 {
		return false
	}
	if !runtime_canSpin(0) {
		return false
	}
	if o := l.owner.Load(); o != nil && o.parked.Load() {
		return false
	}

	var node osqNode
	if !l.osq.lock(&node) {
		return false
	}

	acquired := false
	end := nanotime() + int64(SpinBudget)
	loops := 0
	for {
		if o := l.owner.Load(); o != nil && o.parked.Load() {
			break
		}
		res := l.tryAcquire(m, w, true)
		if res == tryGranted {
			acquired = true
			break
		}
		if t, ok := res.wakeTarget(); ok {
			l.doWakeup(t)
		}
		loops++
		if loops&spinCheckMask == 0 {
			if nanotime() > end {
				l.state.Or(nospinBit)
				break
			}
			if !runtime_canSpin(0) {
				break
			}
		}
		runtime_doSpin()
	}
	l.osq.unlock(&node)
	return acquired
}
