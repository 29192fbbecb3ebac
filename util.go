package trilock

import (
	"time"
	_ "unsafe" // for go:linkname

	"github.com/llxisdsh/trilock/internal/opt"
)

// debugChecks gates the fatal programmer-error assertions. They ride the
// race detector build so ordinary builds pay nothing for them.
const debugChecks = opt.Race_

//go:nosplit
func assert(cond bool, msg string) {
	if debugChecks && !cond {
		panic("trilock: " + msg)
	}
}

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

func trySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

func delay(spins *int) {
	if trySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// nolint:all
//
//go:linkname runtime_procPin sync.runtime_procPin
//goland:noinspection ALL
func runtime_procPin() int

// nolint:all
//
//go:linkname runtime_procUnpin sync.runtime_procUnpin
//goland:noinspection ALL
func runtime_procUnpin()

// nolint:all
//
//go:linkname nanotime runtime.nanotime
//goland:noinspection ALL
func nanotime() int64
