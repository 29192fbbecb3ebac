package trilock

import (
	"testing"
	"time"
)

func TestTrackingObserver_Counters(t *testing.T) {
	var obs TrackingObserver
	var l Lock
	l.Init(0)
	l.SetObserver(&obs)

	for range 3 {
		if !l.TryLock(Read) {
			t.Fatal("read denied")
		}
		l.Unlock(Read)
	}
	if !l.TryLock(Intent) {
		t.Fatal("intent denied")
	}
	l.Unlock(Intent)

	ev := obs.Events(&l)
	if ev.Acquire[Read] != 3 || ev.Release[Read] != 3 {
		t.Fatalf("read events = %d/%d, want 3/3", ev.Acquire[Read], ev.Release[Read])
	}
	if ev.Acquire[Intent] != 1 || ev.Release[Intent] != 1 {
		t.Fatalf("intent events = %d/%d, want 1/1", ev.Acquire[Intent], ev.Release[Intent])
	}
	if ev.Contended != ([3]uint64{}) {
		t.Fatalf("contended = %v on an uncontended lock", ev.Contended)
	}
}

func TestTrackingObserver_Contended(t *testing.T) {
	var obs TrackingObserver
	var l Lock
	l.Init(0)
	l.SetObserver(&obs)

	if !l.TryLock(Intent) {
		t.Fatal("intent denied")
	}
	done := make(chan struct{})
	go func() {
		if err := l.Lock(Intent, nil); err != nil {
			t.Errorf("blocking intent: %v", err)
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	l.Unlock(Intent)
	<-done
	l.Unlock(Intent)

	ev := obs.Events(&l)
	if ev.Acquire[Intent] != 2 {
		t.Fatalf("intent acquires = %d, want 2", ev.Acquire[Intent])
	}
	if ev.Contended[Intent] != 1 || ev.Acquired[Intent] != 1 {
		t.Fatalf("intent contended/acquired = %d/%d, want 1/1",
			ev.Contended[Intent], ev.Acquired[Intent])
	}
	if ev.Release[Intent] != 2 {
		t.Fatalf("intent releases = %d, want 2", ev.Release[Intent])
	}
}

func TestTrackingObserver_Forget(t *testing.T) {
	var obs TrackingObserver
	var l Lock
	l.Init(0)
	l.SetObserver(&obs)

	if !l.TryLock(Read) {
		t.Fatal("read denied")
	}
	l.Unlock(Read)
	obs.Forget(&l)
	if ev := obs.Events(&l); ev != (Events{}) {
		t.Fatalf("events after Forget = %+v, want zero", ev)
	}
}

func TestTrackingObserver_UntrackedLock(t *testing.T) {
	var obs TrackingObserver
	var l Lock
	if ev := obs.Events(&l); ev != (Events{}) {
		t.Fatalf("events for untracked lock = %+v, want zero", ev)
	}
}
