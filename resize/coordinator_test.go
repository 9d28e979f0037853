package resize

import (
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	fn        func()
	cancelled bool
	fired     bool
}

// fakeScheduler records scheduled work so tests fire timers by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	debounces []*fakeTimer
	idles     []*fakeTimer
}

func (s *fakeScheduler) ScheduleDebounce(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.debounces = append(s.debounces, t)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

func (s *fakeScheduler) ScheduleIdle(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.idles = append(s.idles, t)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

// fireLastDebounce runs the newest debounce timer even when cancelled, so
// tests can prove stale callbacks are ignored.
func (s *fakeScheduler) fireLastDebounce() {
	s.mu.Lock()
	if len(s.debounces) == 0 {
		s.mu.Unlock()
		return
	}
	t := s.debounces[len(s.debounces)-1]
	t.fired = true
	fn := t.fn
	s.mu.Unlock()
	fn()
}

func (s *fakeScheduler) fireLastIdle() {
	s.mu.Lock()
	if len(s.idles) == 0 {
		s.mu.Unlock()
		return
	}
	t := s.idles[len(s.idles)-1]
	t.fired = true
	fn := t.fn
	s.mu.Unlock()
	fn()
}

func (s *fakeScheduler) idleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idles)
}

type recorder struct {
	mu         sync.Mutex
	dispatches []Dispatch
}

func (r *recorder) dispatch(d Dispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = append(r.dispatches, d)
}

func (r *recorder) all() []Dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Dispatch, len(r.dispatches))
	copy(out, r.dispatches)
	return out
}

type fixture struct {
	sched   *fakeScheduler
	rec     *recorder
	visible bool
	bufLen  int
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sched: &fakeScheduler{}, rec: &recorder{}, visible: true, bufLen: 10000}
	f.coord = NewCoordinator(Options{
		Debounce:             250 * time.Millisecond,
		SmallBufferThreshold: 1000,
		BufferLen:            func() int { return f.bufLen },
		Visible:              func() bool { return f.visible },
		Dispatch:             f.rec.dispatch,
		Scheduler:            f.sched,
	})
	return f
}

func expectDispatches(t *testing.T, got []Dispatch, want []Dispatch) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d dispatches, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestImmediateAppliesBothNow(t *testing.T) {
	f := newFixture(t)
	f.coord.Resize(80, 24, "attach-fit", true)

	expectDispatches(t, f.rec.all(), []Dispatch{{Cols: 80, Rows: 24, Tag: TagBoth, Reason: "attach-fit"}})
	if f.coord.State() != StateIdle {
		t.Fatalf("expected idle state, got %v", f.coord.State())
	}
	if cols, rows, ok := f.coord.Applied(); !ok || cols != 80 || rows != 24 {
		t.Fatalf("applied not recorded: %d %d %v", cols, rows, ok)
	}
}

func TestSmallBufferSkipsDebounce(t *testing.T) {
	f := newFixture(t)
	f.bufLen = 5

	f.coord.Resize(100, 30, "pane-drag", false)
	expectDispatches(t, f.rec.all(), []Dispatch{{Cols: 100, Rows: 30, Tag: TagBoth, Reason: "pane-drag"}})
	if len(f.sched.debounces) != 0 {
		t.Fatalf("small buffer should not schedule a debounce")
	}
}

func TestVisibleDispatchesRowsThenDebounces(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(100, 30, "pane-drag", false)
	expectDispatches(t, f.rec.all(), []Dispatch{{Cols: 100, Rows: 30, Tag: TagRows, Reason: "pane-drag"}})
	if f.coord.State() != StateDebouncePending {
		t.Fatalf("expected debounce pending, got %v", f.coord.State())
	}

	f.sched.fireLastDebounce()
	expectDispatches(t, f.rec.all(), []Dispatch{
		{Cols: 100, Rows: 30, Tag: TagRows, Reason: "pane-drag"},
		{Cols: 100, Rows: 30, Tag: TagDebounce, Reason: "pane-drag"},
	})
	if f.coord.State() != StateIdle {
		t.Fatalf("expected idle after debounce, got %v", f.coord.State())
	}
}

func TestDebounceRestartsAndAppliesLatest(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(100, 30, "pane-drag", false)
	f.coord.Resize(110, 32, "pane-drag", false)

	// The first timer was cancelled; firing it anyway must do nothing.
	first := f.sched.debounces[0]
	first.fn()
	expectDispatches(t, f.rec.all(), []Dispatch{
		{Cols: 100, Rows: 30, Tag: TagRows, Reason: "pane-drag"},
		{Cols: 110, Rows: 32, Tag: TagRows, Reason: "pane-drag"},
	})
	if !first.cancelled {
		t.Fatalf("first debounce should have been cancelled")
	}

	f.sched.fireLastDebounce()
	got := f.rec.all()
	last := got[len(got)-1]
	if last.Tag != TagDebounce || last.Cols != 110 || last.Rows != 32 {
		t.Fatalf("debounce applied stale size: %+v", last)
	}
}

func TestHiddenCoalescesIntoOneIdleCallback(t *testing.T) {
	f := newFixture(t)
	f.visible = false

	f.coord.Resize(90, 25, "layout", false)
	f.coord.Resize(95, 26, "layout", false)
	f.coord.Resize(99, 28, "layout-final", false)

	if len(f.rec.all()) != 0 {
		t.Fatalf("hidden resizes dispatched eagerly: %v", f.rec.all())
	}
	if f.sched.idleCount() != 1 {
		t.Fatalf("expected one coalesced idle callback, got %d", f.sched.idleCount())
	}
	if f.coord.State() != StateIdleCallbackPending {
		t.Fatalf("expected idle-pending state, got %v", f.coord.State())
	}

	f.sched.fireLastIdle()
	expectDispatches(t, f.rec.all(), []Dispatch{{Cols: 99, Rows: 28, Tag: TagIdle, Reason: "layout-final"}})
}

func TestVisibleResizeCancelsPendingIdle(t *testing.T) {
	f := newFixture(t)

	f.visible = false
	f.coord.Resize(90, 25, "layout", false)

	f.visible = true
	f.coord.Resize(120, 40, "focus", false)
	expectDispatches(t, f.rec.all(), []Dispatch{{Cols: 120, Rows: 40, Tag: TagRows, Reason: "focus"}})

	// The idle callback was cancelled with the visibility change.
	f.sched.fireLastIdle()
	if len(f.rec.all()) != 1 {
		t.Fatalf("stale idle callback dispatched: %v", f.rec.all())
	}

	f.sched.fireLastDebounce()
	got := f.rec.all()
	if got[len(got)-1].Tag != TagDebounce {
		t.Fatalf("expected debounce to settle the resize, got %v", got)
	}
}

func TestFlushAppliesPendingImmediately(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(100, 30, "pane-drag", false)
	f.coord.Flush("drag-end")

	expectDispatches(t, f.rec.all(), []Dispatch{
		{Cols: 100, Rows: 30, Tag: TagRows, Reason: "pane-drag"},
		{Cols: 100, Rows: 30, Tag: TagFlush, Reason: "drag-end"},
	})

	// The debounce was cancelled by the flush.
	f.sched.fireLastDebounce()
	if len(f.rec.all()) != 2 {
		t.Fatalf("cancelled debounce still dispatched: %v", f.rec.all())
	}
}

func TestFlushWithoutReasonKeepsRequestReason(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(100, 30, "pane-drag", false)
	f.coord.Flush("")

	got := f.rec.all()
	last := got[len(got)-1]
	if last.Tag != TagFlush || last.Reason != "pane-drag" {
		t.Fatalf("flush without reason lost the request reason: %+v", last)
	}
}

func TestFlushWithNothingPendingDispatchesNothing(t *testing.T) {
	f := newFixture(t)

	f.coord.Flush("noop")
	if len(f.rec.all()) != 0 {
		t.Fatalf("flush on fresh coordinator dispatched: %v", f.rec.all())
	}

	f.coord.Resize(80, 24, "attach-fit", true)
	f.coord.Flush("noop")
	if len(f.rec.all()) != 1 {
		t.Fatalf("flush after settled resize dispatched again: %v", f.rec.all())
	}
}

func TestEqualSizeIsNoOpUnlessImmediate(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(80, 24, "attach-fit", true)
	f.coord.Resize(80, 24, "repeat", false)
	if len(f.rec.all()) != 1 {
		t.Fatalf("equal size redispatched: %v", f.rec.all())
	}

	// Immediate bypasses the equality check: gesture-end call sites
	// force a settle even at the same size.
	f.coord.Resize(80, 24, "drag-end", true)
	if len(f.rec.all()) != 2 {
		t.Fatalf("immediate equal size suppressed: %v", f.rec.all())
	}
}

func TestDisposeCancelsPendingAndBlocksFurtherWork(t *testing.T) {
	f := newFixture(t)
	f.visible = false

	f.coord.Resize(90, 25, "layout", false)
	f.coord.Dispose()

	f.sched.fireLastIdle()
	if len(f.rec.all()) != 0 {
		t.Fatalf("disposed coordinator dispatched: %v", f.rec.all())
	}

	f.coord.Resize(100, 30, "late", true)
	f.coord.Flush("late")
	f.coord.Dispose()
	if len(f.rec.all()) != 0 {
		t.Fatalf("disposed coordinator accepted work: %v", f.rec.all())
	}
}

func TestSubCellSizesAreIgnored(t *testing.T) {
	f := newFixture(t)

	f.coord.Resize(0, 24, "glitch", true)
	f.coord.Resize(80, -1, "glitch", true)
	if len(f.rec.all()) != 0 {
		t.Fatalf("degenerate sizes dispatched: %v", f.rec.all())
	}
}

func TestDefaultSchedulerSettlesEventually(t *testing.T) {
	rec := &recorder{}
	coord := NewCoordinator(Options{
		Debounce:  20 * time.Millisecond,
		BufferLen: func() int { return 10000 },
		Dispatch:  rec.dispatch,
	})
	defer coord.Dispose()

	coord.Resize(100, 30, "pane-drag", false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := rec.all()
		if len(got) == 2 && got[1].Tag == TagDebounce {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("debounce never fired with the default scheduler: %v", rec.all())
}
