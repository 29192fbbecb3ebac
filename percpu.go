package trilock

import (
	"sync/atomic"

	"github.com/llxisdsh/trilock/internal/opt"
)

// The striped reader path keeps one counter per P so that uncontended read
// acquisition never writes a shared cache line. Stripes are only ever
// updated through atomic RMW ops: the full barrier they imply is what pairs
// the reader-side "increment, then check for a writer" against the
// writer-side "set the write bit, then sum the stripes".
//
// The stripe array is sized to GOMAXPROCS at Init, rounded up to a power of
// two; if GOMAXPROCS grows later, the pinned P id is masked into range and
// neighbours share a stripe, which costs locality but stays correct since
// the sum is what matters.

// pinStripe pins the calling goroutine to its P and returns that P's
// stripe. The caller must runtime_procUnpin after updating it.
//
//go:nosplit
func (l *Lock) pinStripe() *opt.CounterStripe_ {
	pid := runtime_procPin()
	return &l.readers[pid&(len(l.readers)-1)]
}

// sumReaders totals the stripes. Individual stripes go transiently
// negative when a reader is granted on one P and released on another; the
// wrapped uintptr sum is exact regardless.
func (l *Lock) sumReaders() uintptr {
	var n uintptr
	for i := range l.readers {
		n += atomic.LoadUintptr(&l.readers[i].C)
	}
	return n
}
