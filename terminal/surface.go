// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: terminal/surface.go
// Summary: Per-terminal composition root. Wires the transport adapter into
//          the engine write path, resize requests into the coordinator and
//          the backend, and the renderer lifecycle into visibility and
//          configuration changes.
// Usage: One Surface per terminal. The embedding layer owns terminal
//        creation; the surface only coordinates an existing terminal.

package terminal

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/framegrace/texelsync/backend"
	"github.com/framegrace/texelsync/bus"
	"github.com/framegrace/texelsync/plugin"
	"github.com/framegrace/texelsync/renderer"
	"github.com/framegrace/texelsync/resize"
	"github.com/framegrace/texelsync/transport"
)

// Plugin is the daemon client surface a subscription-mode terminal needs.
// *plugin.Client implements it.
type Plugin interface {
	transport.PluginTransport
	Write(termID string, data []byte) error
	Resize(termID string, cols, rows int) error
}

// Options configures a Surface. A non-nil Plugin selects subscription
// mode; otherwise the surface runs broadcast mode over Bus and Commander.
type Options struct {
	TermID    string
	AgentKind string
	Engine    renderer.Engine
	Hidden    bool

	Plugin    Plugin
	Bus       *bus.Bus
	Commander backend.Commander

	// Renderer lifecycle wiring; Loader nil keeps the terminal on the
	// software tier.
	Loader        renderer.Loader
	Registry      *renderer.Registry
	Accelerated   bool
	LetterSpacing float64

	// Resize policy knobs; zero values take the coordinator defaults.
	Debounce             time.Duration
	SmallBufferThreshold int
	// BufferLen reports the scrollback length for the small-buffer bypass.
	// Nil probes the engine, falling back to "never small".
	BufferLen func() int
}

// Surface owns the event loop for one terminal and confines all
// coordination state to it. Public methods are safe from any goroutine;
// they post onto the loop.
type Surface struct {
	id        string
	engine    renderer.Engine
	plug      Plugin
	commander backend.Commander
	b         *bus.Bus

	tasks    chan func()
	idleQ    chan func()
	quit     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once

	// Loop-confined state. mode is additionally readable off the loop
	// through Mode; writes hold modeMu so that read stays coherent.
	modeMu    sync.Mutex
	mode      transport.Mode
	agentKind string
	hidden    bool
	closed    bool
	adapter   *transport.Adapter
	coord     *resize.Coordinator
	rman      *renderer.Manager
}

// New builds the surface, resolves the transport mode once from the
// capability input, and starts delivery. The returned surface is live.
func New(opts Options) (*Surface, error) {
	if opts.TermID == "" {
		return nil, errors.New("terminal: empty terminal id")
	}
	if opts.Engine == nil {
		return nil, errors.New("terminal: nil engine")
	}
	mode := transport.ModeBroadcast
	if opts.Plugin != nil {
		mode = transport.ModeSubscription
	}
	if mode == transport.ModeBroadcast && opts.Bus == nil {
		return nil, errors.New("terminal: broadcast mode needs a bus")
	}

	s := &Surface{
		id:        opts.TermID,
		engine:    opts.Engine,
		plug:      opts.Plugin,
		commander: opts.Commander,
		b:         opts.Bus,
		mode:      mode,
		agentKind: opts.AgentKind,
		hidden:    opts.Hidden,
		tasks:     make(chan func(), 64),
		idleQ:     make(chan func(), 16),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	bufferLen := opts.BufferLen
	if bufferLen == nil {
		if probe, ok := opts.Engine.(interface{ BufferLen() int }); ok {
			bufferLen = probe.BufferLen
		}
	}
	s.coord = resize.NewCoordinator(resize.Options{
		Debounce:             opts.Debounce,
		SmallBufferThreshold: opts.SmallBufferThreshold,
		BufferLen:            bufferLen,
		Visible:              func() bool { return !s.hidden },
		Dispatch:             s.applyDispatch,
		Scheduler:            loopScheduler{s},
	})
	s.rman = renderer.NewManager(renderer.ManagerOptions{
		TermID:        opts.TermID,
		Engine:        opts.Engine,
		Loader:        opts.Loader,
		Registry:      opts.Registry,
		LetterSpacing: opts.LetterSpacing,
		Accelerated:   opts.Accelerated,
		Post:          s.post,
	})

	adapter, err := s.buildAdapter(0)
	if err != nil {
		return nil, err
	}
	s.adapter = adapter

	go s.loop()
	s.post(func() {
		if s.hidden {
			s.rman.SetHidden(true)
		} else {
			s.rman.Ensure()
		}
		if s.shouldListen() {
			s.adapter.Start()
		}
	})
	return s, nil
}

func (s *Surface) ID() string { return s.id }

// Mode reports the transport mode currently in effect.
func (s *Surface) Mode() transport.Mode {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	return s.mode
}

// Resize records a new target size for the terminal. The coordinator
// decides when it reaches the backend; reason is a diagnostic tag only.
func (s *Surface) Resize(cols, rows int, reason string, immediate bool) {
	s.post(func() {
		if s.closed {
			return
		}
		s.coord.Resize(cols, rows, reason, immediate)
	})
}

// FlushResize settles any pending resize right away; gesture-end call
// sites use it so a finished drag does not wait out the debounce.
func (s *Surface) FlushResize(reason string) {
	s.post(func() {
		if s.closed {
			return
		}
		s.coord.Flush(reason)
	})
}

// Write forwards input bytes to the terminal's process.
func (s *Surface) Write(data []byte) {
	buf := append([]byte(nil), data...)
	s.post(func() {
		if s.closed {
			return
		}
		var err error
		switch {
		case s.mode == transport.ModeSubscription:
			err = s.plug.Write(s.id, buf)
		case s.commander != nil:
			err = s.commander.WriteTerminal(s.id, buf)
		}
		if err != nil {
			log.Printf("terminal: write %s: %v", s.id, err)
		}
	})
}

// SetHidden moves the surface between foreground and background. Hidden
// surfaces give up their hardware renderer, and in subscription mode the
// listener is torn down too; showing again resumes from the recorded
// sequence.
func (s *Surface) SetHidden(hidden bool) {
	s.post(func() {
		if s.closed || s.hidden == hidden {
			return
		}
		s.hidden = hidden
		s.rman.SetHidden(hidden)
		if s.mode != transport.ModeSubscription || s.adapter == nil {
			return
		}
		if hidden {
			s.adapter.Stop()
		} else {
			s.adapter.Start()
		}
	})
}

// SetAgentKind records the agent tag. A change recreates the listener;
// everything else about the surface is untouched.
func (s *Surface) SetAgentKind(kind string) {
	s.post(func() {
		if s.closed || s.agentKind == kind {
			return
		}
		s.agentKind = kind
		s.resetAdapter()
	})
}

// SetPlugin applies a capability change: gaining, losing, or swapping the
// daemon client re-resolves the mode and recreates the adapter.
func (s *Surface) SetPlugin(p Plugin) {
	s.post(func() {
		if s.closed || s.plug == p {
			return
		}
		s.plug = p
		s.modeMu.Lock()
		if p != nil {
			s.mode = transport.ModeSubscription
		} else {
			s.mode = transport.ModeBroadcast
		}
		s.modeMu.Unlock()
		s.resetAdapter()
	})
}

// SetAccelerated applies the hardware acceleration toggle.
func (s *Surface) SetAccelerated(on bool) {
	s.post(func() {
		if s.closed {
			return
		}
		s.rman.SetAccelerated(on)
	})
}

// SetLetterSpacing applies configured spacing under the active renderer's
// rounding rule.
func (s *Surface) SetLetterSpacing(px float64) {
	s.post(func() {
		if s.closed {
			return
		}
		s.rman.SetLetterSpacing(px)
	})
}

// HandleFontChange recreates the hardware renderer for a new font.
func (s *Surface) HandleFontChange() {
	s.post(func() {
		if s.closed {
			return
		}
		s.rman.HandleFontChange()
	})
}

// Close tears the surface down: pending resizes are cancelled, the
// listener is stopped with its decoder tail delivered, the renderer is
// disposed and the loop exits. Idempotent.
func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		s.post(func() {
			defer close(done)
			if s.closed {
				return
			}
			s.closed = true
			s.coord.Dispose()
			if s.adapter != nil {
				s.adapter.Stop()
			}
			s.rman.Dispose()
		})
		<-done
		close(s.quit)
		<-s.loopDone
	})
}

// shouldListen reports whether the adapter should be running right now.
// Broadcast listeners stay attached while hidden; subscriptions do not.
func (s *Surface) shouldListen() bool {
	return !s.hidden || s.mode == transport.ModeBroadcast
}

func (s *Surface) buildAdapter(startSeq uint64) (*transport.Adapter, error) {
	opts := transport.Options{
		TermID:   s.id,
		Mode:     s.mode,
		OnText:   s.engine.Write,
		StartSeq: startSeq,
		Post:     s.post,
	}
	if s.mode == transport.ModeSubscription {
		opts.Plugin = s.plug
	} else {
		opts.Bus = s.b
	}
	return transport.New(opts)
}

// resetAdapter tears the current listener down and builds a fresh one,
// carrying the resume point forward. Runs on the loop.
func (s *Surface) resetAdapter() {
	var startSeq uint64
	if s.adapter != nil {
		s.adapter.Stop()
		startSeq = s.adapter.LastSequence()
	}
	adapter, err := s.buildAdapter(startSeq)
	if err != nil {
		s.adapter = nil
		log.Printf("terminal: recreate listener for %s: %v", s.id, err)
		return
	}
	s.adapter = adapter
	if s.shouldListen() {
		s.adapter.Start()
	}
}

// applyDispatch is the coordinator's sink; it runs on the loop. Rows-only
// dispatches touch just the engine so the visible height tracks a drag;
// every other tag is a full resize through the backend and the engine.
func (s *Surface) applyDispatch(d resize.Dispatch) {
	if d.Tag == resize.TagRows {
		s.engine.SetRows(d.Rows)
		return
	}
	var err error
	switch {
	case s.mode == transport.ModeSubscription:
		err = s.plug.Resize(s.id, d.Cols, d.Rows)
	case s.commander != nil:
		err = s.commander.ResizeTerminal(s.id, d.Cols, d.Rows)
	}
	if err != nil {
		log.Printf("terminal: resize %s to %dx%d (%s): %v", s.id, d.Cols, d.Rows, d.Reason, err)
	}
	s.engine.Resize(d.Cols, d.Rows)
}

var _ Plugin = (*plugin.Client)(nil)
