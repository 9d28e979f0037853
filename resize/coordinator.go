// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: resize/coordinator.go
// Summary: Debounced resize coordination for one terminal surface. Decides
//          when a size change hits the renderer and the session owner:
//          immediately, after a debounce, or coalesced until idle.
// Usage: One Coordinator per surface; the owner calls Resize/Flush/Dispose
//        and receives decisions through the Dispatch callback.

package resize

import (
	"sync"
	"time"
)

// Tag says why a dispatch fired and how much of the resize to apply.
// TagRows is the cheap row-count-only update painted while a drag is in
// flight; every other tag applies both dimensions.
type Tag string

const (
	TagBoth     Tag = "both"
	TagRows     Tag = "rows"
	TagDebounce Tag = "debounce"
	TagIdle     Tag = "idle"
	TagFlush    Tag = "flush"
)

// Dispatch is one resize decision delivered to the owner. Reason is the
// diagnostic tag from the request (or flush) that produced it; it carries
// no behavior.
type Dispatch struct {
	Cols   int
	Rows   int
	Tag    Tag
	Reason string
}

// State reports what the coordinator is waiting on.
type State int

const (
	StateIdle State = iota
	StateDebouncePending
	StateIdleCallbackPending
)

func (s State) String() string {
	switch s {
	case StateDebouncePending:
		return "debounce-pending"
	case StateIdleCallbackPending:
		return "idle-pending"
	default:
		return "idle"
	}
}

// Scheduler abstracts timer and idle-callback scheduling so owners can
// route callbacks onto their own loop and tests can drive time by hand.
// The returned cancel func must be safe to call after the callback ran.
type Scheduler interface {
	ScheduleDebounce(d time.Duration, fn func()) (cancel func())
	ScheduleIdle(fn func()) (cancel func())
}

// TimerScheduler is the default Scheduler. Idle callbacks approximate
// "when nothing else is happening" with a short timer; owners with a real
// event loop should supply their own scheduler instead.
type TimerScheduler struct {
	IdleDelay time.Duration
}

func (s TimerScheduler) ScheduleDebounce(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (s TimerScheduler) ScheduleIdle(fn func()) func() {
	delay := s.IdleDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// Options configures a Coordinator. Dispatch is required; the rest have
// working defaults.
type Options struct {
	// Debounce is how long the size must hold still before the full
	// resize goes out. Defaults to 250ms.
	Debounce time.Duration
	// SmallBufferThreshold is the cell count under which a resize is
	// cheap enough to apply without debouncing. Defaults to 1000.
	SmallBufferThreshold int
	// BufferLen reports the current buffer size. Nil means never small.
	BufferLen func() int
	// Visible reports whether the surface is on screen. Nil means
	// always visible.
	Visible func() bool
	// Dispatch receives every resize decision.
	Dispatch func(Dispatch)
	// Scheduler defaults to TimerScheduler.
	Scheduler Scheduler
}

// Coordinator runs the resize policy for one surface. Methods may be
// called from any goroutine; dispatches are invoked without internal
// locks held.
type Coordinator struct {
	opts Options

	mu           sync.Mutex
	state        State
	disposed     bool
	hasApplied   bool
	appliedCols  int
	appliedRows  int
	latestCols   int
	latestRows   int
	latestReason string

	debounceGen    uint64
	idleGen        uint64
	cancelDebounce func()
	cancelIdle     func()
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.SmallBufferThreshold <= 0 {
		opts.SmallBufferThreshold = 1000
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(Dispatch) {}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TimerScheduler{}
	}
	return &Coordinator{opts: opts}
}

// Resize records a new target size and decides how to apply it. The
// reason is a free-form diagnostic tag echoed on the dispatch. Dimensions
// below one cell are ignored. A size equal to the last applied one is a
// no-op unless immediate is set or work is already pending.
func (c *Coordinator) Resize(cols, rows int, reason string, immediate bool) {
	c.mu.Lock()
	d := c.resizeLocked(cols, rows, reason, immediate)
	c.mu.Unlock()
	if d != nil {
		c.opts.Dispatch(*d)
	}
}

func (c *Coordinator) resizeLocked(cols, rows int, reason string, immediate bool) *Dispatch {
	if c.disposed || cols < 1 || rows < 1 {
		return nil
	}
	pending := c.state != StateIdle
	if c.hasApplied && cols == c.appliedCols && rows == c.appliedRows && !immediate && !pending {
		return nil
	}
	c.latestCols, c.latestRows = cols, rows
	c.latestReason = reason

	if immediate || c.bufferIsSmall() {
		c.cancelDebounceLocked()
		c.cancelIdleLocked()
		d := c.applyLatestLocked(TagBoth)
		return &d
	}

	if !c.visible() {
		// Hidden surfaces coalesce: the idle callback applies whatever
		// the latest size is by the time it runs.
		c.cancelDebounceLocked()
		if c.state != StateIdleCallbackPending {
			c.scheduleIdleLocked()
			c.state = StateIdleCallbackPending
		}
		return nil
	}

	// Visible: paint the row count now so the shell prompt tracks the
	// drag, and settle the full resize once the size holds still.
	c.cancelIdleLocked()
	c.cancelDebounceLocked()
	c.scheduleDebounceLocked()
	c.state = StateDebouncePending
	return &Dispatch{Cols: cols, Rows: rows, Tag: TagRows, Reason: reason}
}

// Flush applies any pending resize right now, tagged with the flusher's
// own reason. With nothing pending it dispatches nothing.
func (c *Coordinator) Flush(reason string) {
	c.mu.Lock()
	if c.disposed || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.cancelDebounceLocked()
	c.cancelIdleLocked()
	d := c.applyLatestLocked(TagFlush)
	if reason != "" {
		d.Reason = reason
	}
	c.mu.Unlock()
	c.opts.Dispatch(d)
}

// Dispose cancels pending work; the coordinator never dispatches again.
// Safe to call more than once.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	c.cancelDebounceLocked()
	c.cancelIdleLocked()
	c.state = StateIdle
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Applied reports the last size that was fully dispatched.
func (c *Coordinator) Applied() (cols, rows int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appliedCols, c.appliedRows, c.hasApplied
}

func (c *Coordinator) bufferIsSmall() bool {
	if c.opts.BufferLen == nil {
		return false
	}
	return c.opts.BufferLen() < c.opts.SmallBufferThreshold
}

func (c *Coordinator) visible() bool {
	if c.opts.Visible == nil {
		return true
	}
	return c.opts.Visible()
}

func (c *Coordinator) applyLatestLocked(tag Tag) Dispatch {
	c.appliedCols, c.appliedRows = c.latestCols, c.latestRows
	c.hasApplied = true
	c.state = StateIdle
	return Dispatch{Cols: c.appliedCols, Rows: c.appliedRows, Tag: tag, Reason: c.latestReason}
}

func (c *Coordinator) scheduleDebounceLocked() {
	c.debounceGen++
	gen := c.debounceGen
	c.cancelDebounce = c.opts.Scheduler.ScheduleDebounce(c.opts.Debounce, func() {
		c.onDebounce(gen)
	})
}

func (c *Coordinator) scheduleIdleLocked() {
	c.idleGen++
	gen := c.idleGen
	c.cancelIdle = c.opts.Scheduler.ScheduleIdle(func() {
		c.onIdle(gen)
	})
}

// Generation counters guard against callbacks that were already running
// when their cancel fired.
func (c *Coordinator) cancelDebounceLocked() {
	c.debounceGen++
	if c.cancelDebounce != nil {
		c.cancelDebounce()
		c.cancelDebounce = nil
	}
}

func (c *Coordinator) cancelIdleLocked() {
	c.idleGen++
	if c.cancelIdle != nil {
		c.cancelIdle()
		c.cancelIdle = nil
	}
}

func (c *Coordinator) onDebounce(gen uint64) {
	c.mu.Lock()
	if c.disposed || gen != c.debounceGen || c.state != StateDebouncePending {
		c.mu.Unlock()
		return
	}
	c.cancelDebounce = nil
	d := c.applyLatestLocked(TagDebounce)
	c.mu.Unlock()
	c.opts.Dispatch(d)
}

func (c *Coordinator) onIdle(gen uint64) {
	c.mu.Lock()
	if c.disposed || gen != c.idleGen || c.state != StateIdleCallbackPending {
		c.mu.Unlock()
		return
	}
	c.cancelIdle = nil
	d := c.applyLatestLocked(TagIdle)
	c.mu.Unlock()
	c.opts.Dispatch(d)
}
