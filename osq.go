package trilock

import (
	"sync/atomic"
)

// osq is an abortable MCS-style queue for optimistic spinners: of all the
// goroutines spinning on one lock, only the queue head polls the lock
// word, and the rest each spin on a flag in their own node. Unlike a plain
// MCS lock, a queued spinner can give up, unlinking itself from the middle
// of the queue.
type osq struct {
	tail atomic.Pointer[osqNode]
}

type osqNode struct {
	next   atomic.Pointer[osqNode]
	prev   atomic.Pointer[osqNode]
	locked atomic.Bool
}

// lock joins the spin queue and returns true once node is the queue head.
// It returns false if the wait exceeded the spin budget, in which case the
// node has been unlinked and the caller must fall through to blocking.
func (q *osq) lock(node *osqNode) bool {
	node.next.Store(nil)
	node.locked.Store(false)

	prev := q.tail.Swap(node)
	if prev == nil {
		return true
	}
	node.prev.Store(prev)
	prev.next.Store(node)

	end := nanotime() + int64(SpinBudget)
	loops := 0
	for !node.locked.Load() {
		loops++
		if loops&spinCheckMask == 0 && nanotime() > end {
			return q.unqueue(node)
		}
		runtime_doSpin()
	}
	return true
}

// unqueue backs node out of the queue. Returns true in the rare case the
// headship handoff raced with the giving-up and won.
func (q *osq) unqueue(node *osqNode) bool {
	// Unlink from the predecessor. The predecessor itself may be
	// unqueuing concurrently, so chase the prev pointer until stable.
	prev := node.prev.Load()
	for {
		if prev.next.CompareAndSwap(node, nil) {
			break
		}
		if node.locked.Load() {
			// Handoff won the race; we are the head after all.
			return true
		}
		runtime_doSpin()
		prev = node.prev.Load()
	}

	next := q.waitNext(node, prev)
	if next == nil {
		// node was the tail; waitNext already swung tail to prev.
		return false
	}

	// Stitch prev and next together, dropping node out of the middle.
	next.prev.Store(prev)
	prev.next.Store(next)
	return false
}

// waitNext resolves node's successor: either there is none and the tail is
// CASed back to prev (nil for the head), or the successor finishes linking
// itself in and is claimed by clearing node.next.
func (q *osq) waitNext(node, prev *osqNode) *osqNode {
	for {
		if q.tail.Load() == node && q.tail.CompareAndSwap(node, prev) {
			return nil
		}
		if next := node.next.Load(); next != nil {
			if node.next.CompareAndSwap(next, nil) {
				return next
			}
		}
		runtime_doSpin()
	}
}

// unlock hands queue headship to the successor, if any. The successor is
// claimed with a Swap: a successor concurrently backing out CASes the
// same pointer to nil in unqueue, and exactly one side may win it. A
// plain load here would let the handoff and the back-out both complete,
// stranding the tail on a departed node.
func (q *osq) unlock(node *osqNode) {
	next := node.next.Swap(nil)
	if next == nil {
		if q.tail.CompareAndSwap(node, nil) {
			return
		}
		next = q.waitNext(node, nil)
		if next == nil {
			return
		}
	}
	next.locked.Store(true)
}
