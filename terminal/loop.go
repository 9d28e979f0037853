// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: terminal/loop.go
// Summary: The surface's event loop: a task queue plus a low-priority idle
//          queue serviced only when no task is ready. Backs the resize
//          coordinator's scheduler.

package terminal

import (
	"sync/atomic"
	"time"
)

// loop confines all coordination state to one goroutine. Tasks drain
// before idle work: the idle queue only gets a turn when nothing of
// normal priority is waiting.
func (s *Surface) loop() {
	defer close(s.loopDone)
	for {
		select {
		case fn := <-s.tasks:
			fn()
			continue
		case <-s.quit:
			return
		default:
		}
		select {
		case fn := <-s.tasks:
			fn()
		case fn := <-s.idleQ:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop. Posts after Close are dropped.
func (s *Surface) post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

// loopScheduler adapts the loop to the resize coordinator: debounce timers
// post their expiry back as a task, idle callbacks ride the idle queue and
// cancel by flag since a queued entry cannot be withdrawn.
type loopScheduler struct {
	s *Surface
}

func (l loopScheduler) ScheduleDebounce(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { l.s.post(fn) })
	return func() { t.Stop() }
}

func (l loopScheduler) ScheduleIdle(fn func()) func() {
	var cancelled atomic.Bool
	select {
	case l.s.idleQ <- func() {
		if !cancelled.Load() {
			fn()
		}
	}:
	case <-l.s.quit:
	}
	return func() { cancelled.Store(true) }
}
