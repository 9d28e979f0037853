// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: renderer/manager.go
// Summary: Per-terminal renderer lifecycle: none -> canvas -> webgl, with
//          asynchronous hardware attach, the process-wide breaker, and
//          letter-spacing rules per state.
// Usage: One Manager per surface. Rendering failures are never fatal; the
//        terminal always keeps a software path.

package renderer

import (
	"log"
	"math"
	"sync"
)

// State names the active rendering tier for a terminal.
type State string

const (
	StateNone   State = "none"
	StateCanvas State = "canvas"
	StateWebGL  State = "webgl"
)

// Engine is the text surface a Manager drives. Implementations come from
// the embedding front end; the lifecycle here never depends on how cells
// actually get painted.
type Engine interface {
	Write(data string)
	Resize(cols, rows int)
	SetRows(rows int)
	Refresh()
	SetLetterSpacing(px float64)
}

// Handle is one live hardware attachment. Dispose must be idempotent on
// the implementation side; the Manager still guarantees it calls Dispose
// at most once per handle.
type Handle interface {
	Dispose()
}

// Loader attaches hardware acceleration to an engine. It may block; the
// Manager calls it off the owner goroutine. onContextLoss may fire at any
// point after a successful return.
type Loader func(termID string, eng Engine, onContextLoss func()) (Handle, error)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	TermID string
	Engine Engine
	// Loader may be nil: the terminal then runs software-only.
	Loader Loader
	// Registry defaults to DefaultRegistry.
	Registry *Registry
	// LetterSpacing is the configured spacing in pixels. Hardware gets
	// the exact value; software rounds to whole pixels.
	LetterSpacing float64
	// Accelerated is the initial config toggle.
	Accelerated bool
	// Post, when set, runs attach results on the owner's goroutine.
	Post func(func())
}

// Manager owns the renderer lifecycle for one terminal.
type Manager struct {
	termID   string
	eng      Engine
	loader   Loader
	registry *Registry
	post     func(func())

	mu          sync.Mutex
	state       State
	handle      Handle
	spacing     float64
	accelerated bool
	hidden      bool
	disposed    bool
	gen         uint64
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}
	post := opts.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Manager{
		termID:      opts.TermID,
		eng:         opts.Engine,
		loader:      opts.Loader,
		registry:    opts.Registry,
		post:        post,
		state:       StateNone,
		spacing:     opts.LetterSpacing,
		accelerated: opts.Accelerated,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ensure brings the renderer to the best tier currently allowed. Already
// running on hardware means reuse: no new attach and no refresh. The
// hardware attach itself runs asynchronously; until it lands the terminal
// keeps painting on the software tier.
func (m *Manager) Ensure() {
	m.mu.Lock()
	if m.disposed || m.hidden {
		m.mu.Unlock()
		return
	}
	if m.loader == nil || !m.accelerated || HardwareDisabled() {
		m.mu.Unlock()
		m.toSoftware(false)
		return
	}
	if m.state == StateWebGL && m.handle != nil {
		m.mu.Unlock()
		return
	}
	if m.state == StateNone {
		m.mu.Unlock()
		m.toSoftware(false)
		m.mu.Lock()
		if m.disposed || m.hidden {
			m.mu.Unlock()
			return
		}
	}
	m.gen++
	gen := m.gen
	eng := m.eng
	m.mu.Unlock()

	go func() {
		handle, err := m.loader(m.termID, eng, func() { m.HandleContextLoss() })
		m.post(func() { m.finishAttach(gen, handle, err) })
	}()
}

// finishAttach applies an async attach result. A generation mismatch
// means teardown or a newer attach won the race; the fresh handle is
// released here, exactly once.
func (m *Manager) finishAttach(gen uint64, handle Handle, err error) {
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		if handle != nil {
			handle.Dispose()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		MarkHardwareFailure(err.Error())
		log.Printf("renderer: hardware attach for %s failed: %v", m.termID, err)
		m.toSoftware(false)
		return
	}
	prev := m.state
	m.handle = handle
	m.state = StateWebGL
	spacing := m.spacing
	eng := m.eng
	m.mu.Unlock()

	m.registry.store(m.termID, handle)
	eng.SetLetterSpacing(spacing)
	if prev != StateWebGL {
		// Refresh exactly on the transition into hardware; reuse paths
		// never repaint, that is what makes pane drags cheap.
		eng.Refresh()
	}
}

// HandleContextLoss reacts to a dead GPU context: trip the breaker for
// everyone, drop the attachment, and keep going in software with the
// spacing re-applied under software rounding.
func (m *Manager) HandleContextLoss() {
	MarkHardwareFailure("context loss")
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.mu.Unlock()
	log.Printf("renderer: context lost for %s, continuing in software", m.termID)
	m.toSoftware(true)
}

// HandleFontChange resets the breaker before recreating: a different font
// can succeed where the previous one broke the atlas.
func (m *Manager) HandleFontChange() {
	ResetHardwareFailure()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.gen++
	handle := m.handle
	m.handle = nil
	m.state = StateNone
	m.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		m.registry.remove(m.termID)
	}
	m.Ensure()
}

// SetHidden drops the hardware attachment while the terminal is off
// screen and re-ensures on the way back.
func (m *Manager) SetHidden(hidden bool) {
	m.mu.Lock()
	if m.disposed || m.hidden == hidden {
		m.mu.Unlock()
		return
	}
	m.hidden = hidden
	m.gen++
	handle := m.handle
	m.handle = nil
	if hidden {
		m.state = StateNone
	}
	m.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		m.registry.remove(m.termID)
	}
	if !hidden {
		m.Ensure()
	}
}

// SetAccelerated applies the config toggle. Either direction clears the
// breaker: the user explicitly asked for a new attempt.
func (m *Manager) SetAccelerated(on bool) {
	ResetHardwareFailure()
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.accelerated = on
	m.gen++
	handle := m.handle
	m.handle = nil
	if handle != nil {
		m.state = StateCanvas
	}
	m.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		m.registry.remove(m.termID)
	}
	m.Ensure()
}

// SetLetterSpacing records new configured spacing and re-applies it under
// the current state's rounding rule.
func (m *Manager) SetLetterSpacing(px float64) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.spacing = px
	state := m.state
	eng := m.eng
	m.mu.Unlock()
	eng.SetLetterSpacing(spacingFor(state, px))
}

// Dispose tears the lifecycle down. Safe to call more than once.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.gen++
	handle := m.handle
	m.handle = nil
	m.state = StateNone
	m.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		m.registry.remove(m.termID)
	}
}

// toSoftware moves to the canvas tier. reapplySpacing forces the spacing
// write even without a hardware handle to drop (context loss arrives
// after the handle may already be gone).
func (m *Manager) toSoftware(reapplySpacing bool) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	prev := m.state
	handle := m.handle
	m.handle = nil
	m.state = StateCanvas
	spacing := m.spacing
	eng := m.eng
	m.mu.Unlock()

	if handle != nil {
		handle.Dispose()
		m.registry.remove(m.termID)
	}
	if reapplySpacing || prev == StateWebGL || prev == StateNone {
		eng.SetLetterSpacing(spacingFor(StateCanvas, spacing))
	}
}

// spacingFor applies the per-tier rounding rule: hardware accepts
// fractional pixels, software snaps to whole ones.
func spacingFor(state State, px float64) float64 {
	if state == StateWebGL {
		return px
	}
	return math.Round(px)
}
