package trilock

import (
	"sync/atomic"

	"github.com/llxisdsh/pb"
)

// Observer receives advisory lock events. Implementations must be
// concurrency-safe and cheap: the hooks run on the locking hot path.
// All hooks are purely informational; implementations must not touch the
// lock they are told about.
//
//   - Acquire: an acquisition was recorded (blocking call entered, or a
//     trylock succeeded).
//   - Contended: a blocking acquisition failed its fast path and is about
//     to spin or queue.
//   - Acquired: a previously contended acquisition succeeded.
//   - Release: a held mode was released.
//
// Wiring a lock-ordering validator or deadlock detector is done by
// implementing this interface; the lock itself enforces nothing.
type Observer interface {
	Acquire(l *Lock, m Mode)
	Contended(l *Lock, m Mode)
	Acquired(l *Lock, m Mode)
	Release(l *Lock, m Mode)
}

//go:nosplit
func (l *Lock) obsAcquire(m Mode) {
	if o := l.observer; o != nil {
		o.Acquire(l, m)
	}
}

//go:nosplit
func (l *Lock) obsContended(m Mode) {
	if o := l.observer; o != nil {
		o.Contended(l, m)
	}
}

//go:nosplit
func (l *Lock) obsAcquired(m Mode) {
	if o := l.observer; o != nil {
		o.Acquired(l, m)
	}
}

//go:nosplit
func (l *Lock) obsRelease(m Mode) {
	if o := l.observer; o != nil {
		o.Release(l, m)
	}
}

// Events is a snapshot of one lock's event counters, per mode.
type Events struct {
	Acquire   [3]uint64
	Contended [3]uint64
	Acquired  [3]uint64
	Release   [3]uint64
}

type lockEvents struct {
	acquire   [3]atomic.Uint64
	contended [3]atomic.Uint64
	acquired  [3]atomic.Uint64
	release   [3]atomic.Uint64
}

// TrackingObserver counts lock events per lock. It is a ready-made
// Observer for tests and for spotting contention hot spots in production;
// attach it with SetObserver.
type TrackingObserver struct {
	m pb.MapOf[*Lock, *lockEvents]
}

func (t *TrackingObserver) events(l *Lock) *lockEvents {
	e, ok := t.m.Load(l)
	if ok {
		return e
	}
	e, _ = t.m.ProcessEntry(l,
		func(old *pb.EntryOf[*Lock, *lockEvents]) (*pb.EntryOf[*Lock, *lockEvents], *lockEvents, bool) {
			if old != nil {
				return old, old.Value, true
			}
			e := &lockEvents{}
			return &pb.EntryOf[*Lock, *lockEvents]{Value: e}, e, false
		})
	return e
}

func (t *TrackingObserver) Acquire(l *Lock, m Mode) {
	t.events(l).acquire[m].Add(1)
}

func (t *TrackingObserver) Contended(l *Lock, m Mode) {
	t.events(l).contended[m].Add(1)
}

func (t *TrackingObserver) Acquired(l *Lock, m Mode) {
	t.events(l).acquired[m].Add(1)
}

func (t *TrackingObserver) Release(l *Lock, m Mode) {
	t.events(l).release[m].Add(1)
}

// Events returns the counters recorded for l.
func (t *TrackingObserver) Events(l *Lock) Events {
	var out Events
	e, ok := t.m.Load(l)
	if !ok {
		return out
	}
	for m := range 3 {
		out.Acquire[m] = e.acquire[m].Load()
		out.Contended[m] = e.contended[m].Load()
		out.Acquired[m] = e.acquired[m].Load()
		out.Release[m] = e.release[m].Load()
	}
	return out
}

// Forget drops the counters recorded for l, e.g. after Exit.
func (t *TrackingObserver) Forget(l *Lock) {
	t.m.Delete(l)
}
