package trilock

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestOSQ_UncontendedHeadship(t *testing.T) {
	var q osq
	var n osqNode
	if !q.lock(&n) {
		t.Fatal("empty queue denied headship")
	}
	q.unlock(&n)
	if q.tail.Load() != nil {
		t.Fatal("tail not cleared after sole node left")
	}
}

func TestOSQ_Handoff(t *testing.T) {
	defer func(d time.Duration) { SpinBudget = d }(SpinBudget)
	SpinBudget = time.Second

	var q osq
	var head osqNode
	if !q.lock(&head) {
		t.Fatal("head denied")
	}

	const n = 4
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := range n {
		go func() {
			defer wg.Done()
			var node osqNode
			if !q.lock(&node) {
				t.Errorf("spinner %d timed out under a one-second budget", i)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			q.unlock(&node)
		}()
		// Let the spinner link in before the next one, so queue order is
		// spawn order.
		time.Sleep(10 * time.Millisecond)
	}

	q.unlock(&head)
	wg.Wait()

	for i := range n {
		if order[i] != i {
			t.Fatalf("handoff order = %v, want FIFO", order)
		}
	}
}

func TestOSQ_UnqueueOnTimeout(t *testing.T) {
	defer func(d time.Duration) { SpinBudget = d }(SpinBudget)
	SpinBudget = time.Millisecond

	var q osq
	var head osqNode
	if !q.lock(&head) {
		t.Fatal("head denied")
	}

	done := make(chan bool, 1)
	go func() {
		var node osqNode
		done <- q.lock(&node)
	}()
	select {
	case got := <-done:
		if got {
			t.Fatal("queued spinner claimed headship while head held")
		}
	case <-time.After(time.Second):
		t.Fatal("queued spinner never timed out")
	}

	// The timed-out node must be fully unlinked: releasing the head
	// leaves an empty queue, and a fresh node gets headship at once.
	q.unlock(&head)
	if q.tail.Load() != nil {
		t.Fatal("stale node left in the queue")
	}
	var next osqNode
	if !q.lock(&next) {
		t.Fatal("fresh node denied after unqueue")
	}
	q.unlock(&next)
}

func TestOSQ_UnlockTimeoutRace(t *testing.T) {
	// Race the head's handoff against the successor's timeout back-out.
	// Whichever side wins, the queue must end empty: a handoff and a
	// back-out both completing would leave tail pointing at a node whose
	// stack frame is gone, killing the queue for good.
	defer func(d time.Duration) { SpinBudget = d }(SpinBudget)
	SpinBudget = 50 * time.Microsecond

	var q osq
	for i := range 2000 {
		var head osqNode
		if !q.lock(&head) {
			t.Fatalf("iter %d: head denied on an empty queue", i)
		}

		done := make(chan bool, 1)
		go func() {
			var node osqNode
			got := q.lock(&node)
			if got {
				q.unlock(&node)
			}
			done <- got
		}()

		// Vary the release point across the successor's spin window.
		for range i % 64 {
			runtime.Gosched()
		}
		q.unlock(&head)
		<-done

		if q.tail.Load() != nil {
			t.Fatalf("iter %d: tail stranded on a departed node", i)
		}
	}
}

func TestOSQ_MidQueueUnqueue(t *testing.T) {
	defer func(d time.Duration) { SpinBudget = d }(SpinBudget)
	SpinBudget = 500 * time.Millisecond

	var q osq
	var head osqNode
	if !q.lock(&head) {
		t.Fatal("head denied")
	}

	// mid enqueues well before last, so its budget runs out while last
	// still has plenty left: a mid-queue unlink with a live successor.
	midDone := make(chan bool, 1)
	go func() {
		var node osqNode
		midDone <- q.lock(&node)
	}()
	time.Sleep(10 * time.Millisecond)

	lastDone := make(chan bool, 1)
	go func() {
		var node osqNode
		got := q.lock(&node)
		if got {
			q.unlock(&node)
		}
		lastDone <- got
	}()
	time.Sleep(100 * time.Millisecond)

	if got := <-midDone; got {
		t.Fatal("middle spinner claimed headship")
	}

	q.unlock(&head)
	select {
	case got := <-lastDone:
		if !got {
			t.Fatal("tail spinner lost the handoff after mid-queue unqueue")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handoff never reached the tail spinner")
	}
	if q.tail.Load() != nil {
		t.Fatal("queue not empty at the end")
	}
}
