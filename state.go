package trilock

// Mode selects how a Lock is acquired.
type Mode uint8

const (
	// Read is the shared mode. Any number of readers may hold the lock
	// simultaneously; it conflicts only with Write.
	Read Mode = iota
	// Intent is held by at most one goroutine at a time but coexists with
	// readers. Holding Intent is a prerequisite for acquiring Write.
	Intent
	// Write is fully exclusive. It may only be requested by the goroutine
	// that already holds Intent on the same lock.
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Intent:
		return "intent"
	case Write:
		return "write"
	}
	return "invalid"
}

// Lock state is a single 64-bit word so every transition, including the
// sequence bump, is one CAS or one fetch-and-add:
//
//	bits  0..15  reader count
//	bit   16     intent held
//	bit   17     write held
//	bit   18     nospin hint (contended past the spin budget)
//	bits 19..21  waiting-read / waiting-intent / waiting-write
//	bits 32..63  sequence counter, odd iff write is held
const (
	readerBits         = 16
	readersMask uint64 = 1<<readerBits - 1
	readerUnit  uint64 = 1

	heldIntent uint64 = 1 << 16
	heldWrite  uint64 = 1 << 17
	nospinBit  uint64 = 1 << 18

	waitShift = 19

	seqShift        = 32
	seqUnit  uint64 = 1 << seqShift
)

// waitingBit returns the "someone is waiting for m" flag.
//
//go:nosplit
func waitingBit(m Mode) uint64 {
	return 1 << (waitShift + uint64(m))
}

// modes is the per-mode transition table: the delta added to the state
// word on acquisition, the mask that denies the attempt, the mask that
// reports the mode as held, and the mode whose waiters a release of this
// mode can satisfy.
var modes = [3]struct {
	lockVal  uint64
	lockFail uint64
	heldMask uint64
	wake     Mode
}{
	Read:   {readerUnit, heldWrite, readersMask, Write},
	Intent: {heldIntent, heldIntent, heldIntent, Intent},
	Write:  {heldWrite, readersMask, heldWrite, Read},
}

// tryResult is the outcome of one trylock attempt. Per-CPU locks can fail
// an attempt as a side effect of another goroutine's counter traffic; such
// failures carry the waiter class that must be re-woken to compensate.
type tryResult int8

const (
	tryDenied tryResult = iota
	tryGranted
	tryWakeRead
	tryWakeWrite
)

// wakeTarget reports the mode whose waiters must be woken, if any.
//
//go:nosplit
func (r tryResult) wakeTarget() (Mode, bool) {
	switch r {
	case tryWakeRead:
		return Read, true
	case tryWakeWrite:
		return Write, true
	}
	return 0, false
}
