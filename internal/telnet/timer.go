package telnet

import (
	"container/heap"
	"time"

	"go.uber.org/zap"
)

// Timers schedules callbacks against the server loop clock. Deadline-driven
// entries (looping and one-shot) live in a min-heap; installed functions are
// a flat list scanned on every tick. All methods must be called from the
// loop goroutine — or, for handles created before the loop starts, before
// Server.ListenAndServe is called. A panicking callback is logged and never aborts the loop.
type Timers struct {
	logger    *zap.Logger
	entries   timerHeap
	installed []*InstalledFunc
}

// NewTimers creates an empty timer set.
//
// Precondition: logger must be non-nil.
func NewTimers(logger *zap.Logger) *Timers {
	return &Timers{logger: logger}
}

// timerEntry is one deadline-driven callback. interval == 0 means one-shot.
type timerEntry struct {
	deadline time.Time
	interval time.Duration
	fn       func()
	index    int
	stopped  bool
}

// LoopingCall runs its function every interval once started. Missed ticks
// coalesce: after a late fire the next deadline is now + interval, not a
// catch-up burst.
type LoopingCall struct {
	timers *Timers
	fn     func()
	entry  *timerEntry
}

// NewLoopingCall registers fn as a looping callback. The call does not fire
// until Start is invoked.
//
// Precondition: fn must be non-nil.
func (t *Timers) NewLoopingCall(fn func()) *LoopingCall {
	return &LoopingCall{timers: t, fn: fn}
}

// Start schedules the first fire at interval from now. Starting an
// already-running call reschedules it.
//
// Precondition: interval > 0.
func (lc *LoopingCall) Start(interval time.Duration) {
	lc.Stop()
	lc.entry = &timerEntry{
		deadline: time.Now().Add(interval),
		interval: interval,
		fn:       lc.fn,
	}
	heap.Push(&lc.timers.entries, lc.entry)
}

// Stop cancels future fires. Safe to call on a never-started call.
func (lc *LoopingCall) Stop() {
	if lc.entry != nil {
		lc.entry.stopped = true
		lc.entry = nil
	}
}

// OneShot is a pending CallLater registration.
type OneShot struct {
	entry *timerEntry
}

// CallLater schedules fn to run once when the loop clock reaches now + delay.
//
// Precondition: fn must be non-nil; delay >= 0.
func (t *Timers) CallLater(delay time.Duration, fn func()) *OneShot {
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		fn:       fn,
	}
	heap.Push(&t.entries, entry)
	return &OneShot{entry: entry}
}

// Cancel prevents the callback from firing if it has not fired yet.
func (o *OneShot) Cancel() {
	o.entry.stopped = true
}

// InstalledFunc runs on every poll tick until removed.
type InstalledFunc struct {
	fn      func()
	removed bool
}

// Install registers fn to run on every tick.
//
// Precondition: fn must be non-nil.
func (t *Timers) Install(fn func()) *InstalledFunc {
	inst := &InstalledFunc{fn: fn}
	t.installed = append(t.installed, inst)
	return inst
}

// Remove stops the installed function from running on future ticks.
func (inst *InstalledFunc) Remove() { inst.removed = true }

// Advance fires everything due at the given loop-clock instant: first the
// deadline heap, then the installed set. Looping entries are re-armed at
// now + interval.
func (t *Timers) Advance(now time.Time) {
	for len(t.entries) > 0 {
		next := t.entries[0]
		if next.deadline.After(now) {
			break
		}
		heap.Pop(&t.entries)
		if next.stopped {
			continue
		}
		t.runSafely(next.fn)
		if next.interval > 0 && !next.stopped {
			next.deadline = now.Add(next.interval)
			heap.Push(&t.entries, next)
		}
	}

	// Index-based so that a callback may Install another function mid-tick.
	for i := 0; i < len(t.installed); i++ {
		if inst := t.installed[i]; !inst.removed {
			t.runSafely(inst.fn)
		}
	}
	kept := t.installed[:0]
	for _, inst := range t.installed {
		if !inst.removed {
			kept = append(kept, inst)
		}
	}
	for i := len(kept); i < len(t.installed); i++ {
		t.installed[i] = nil
	}
	t.installed = kept
}

// runSafely executes a callback, converting a panic into a log entry.
func (t *Timers) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timer callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// timerHeap is a min-heap of entries ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)        { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
