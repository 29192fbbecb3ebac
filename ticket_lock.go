package trilock

import (
	"sync/atomic"
)

// ticketLock is the raw spinlock guarding a Lock's wait list. It uses the
// classic ticket algorithm: lock takes a ticket number and spins until
// `serving` reaches it, unlock increments `serving`. Strict FIFO ordering
// keeps wait-list insertion fair even when many goroutines block at once,
// and the hybrid spin/adaptive-delay wait avoids pure busy-wait convoys.
//
// Critical sections under this lock are a handful of pointer updates, so a
// sleeping lock would cost more than it saves.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (m *ticketLock) lock() {
	my := m.next.Add(1) - 1
	var spins int
	for {
		if m.serving.Load() == my {
			return
		}
		delay(&spins)
	}
}

func (m *ticketLock) unlock() {
	m.serving.Add(1)
}
