// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: backend/local.go
// Summary: Local PTY-backed Commander publishing decoded output on the bus.
// Usage: Broadcast-mode delivery substrate when no plugin daemon is running.

package backend

import (
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/framegrace/texelsync/bus"
	"github.com/framegrace/texelsync/stream"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// startFunc launches a shell and returns its tty plus control hooks. It is
// a hook so tests can run terminals over pipes instead of real PTYs.
type startFunc func(shell, cwd string, cols, rows int) (tty io.ReadWriteCloser, ctl termControl, err error)

type termControl struct {
	resize func(cols, rows int) error
	kill   func() error
	wait   func() error
}

type localTerm struct {
	tty io.ReadWriteCloser
	ctl termControl
}

// Local implements Commander over local PTYs. Each terminal gets a read
// loop that decodes chunks incrementally and publishes text on the
// terminal's output topic plus the normalized variant.
type Local struct {
	mu    sync.Mutex
	bus   *bus.Bus
	shell string
	terms map[string]*localTerm
	start startFunc
}

type Option func(*Local)

// WithShell overrides the shell command used for new terminals.
func WithShell(shell string) Option {
	return func(l *Local) { l.shell = shell }
}

func NewLocal(b *bus.Bus, opts ...Option) *Local {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	l := &Local{bus: b, shell: shell, terms: make(map[string]*localTerm), start: startShell}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) CreateTerminal(id, cwd string) error {
	l.mu.Lock()
	if _, ok := l.terms[id]; ok {
		l.mu.Unlock()
		return ErrTerminalExists
	}
	l.mu.Unlock()

	tty, ctl, err := l.start(l.shell, cwd, defaultCols, defaultRows)
	if err != nil {
		return err
	}
	t := &localTerm{tty: tty, ctl: ctl}

	l.mu.Lock()
	if _, ok := l.terms[id]; ok {
		l.mu.Unlock()
		_ = ctl.kill()
		_ = tty.Close()
		return ErrTerminalExists
	}
	l.terms[id] = t
	l.mu.Unlock()

	go l.readLoop(id, t)
	return nil
}

func (l *Local) TerminalExists(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.terms[id]
	return ok
}

// CloseTerminal tears a terminal down. Unknown ids are not an error so
// teardown stays idempotent.
func (l *Local) CloseTerminal(id string) error {
	l.mu.Lock()
	t, ok := l.terms[id]
	delete(l.terms, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.ctl.kill(); err != nil {
		log.Printf("backend: kill %s: %v", id, err)
	}
	return t.tty.Close()
}

func (l *Local) WriteTerminal(id string, data []byte) error {
	l.mu.Lock()
	t, ok := l.terms[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownTerminal
	}
	_, err := t.tty.Write(data)
	return err
}

func (l *Local) ResizeTerminal(id string, cols, rows int) error {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	l.mu.Lock()
	t, ok := l.terms[id]
	l.mu.Unlock()
	if !ok {
		return ErrUnknownTerminal
	}
	return t.ctl.resize(cols, rows)
}

// Shutdown closes every terminal; used by binaries on exit.
func (l *Local) Shutdown() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.terms))
	for id := range l.terms {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		_ = l.CloseTerminal(id)
	}
}

func (l *Local) readLoop(id string, t *localTerm) {
	dec := stream.NewDecoder()
	var norm normalizer
	outTopic := bus.OutputTopic(id)
	normTopic := bus.NormalizedTopic(id)

	buf := make([]byte, 4096)
	for {
		n, err := t.tty.Read(buf)
		if n > 0 {
			if text := dec.Decode(buf[:n]); text != "" {
				l.bus.Publish(outTopic, text)
				if folded := norm.fold(text); folded != "" {
					l.bus.Publish(normTopic, folded)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("backend: read %s: %v", id, err)
			}
			break
		}
	}
	if tail := dec.Flush(); tail != "" {
		l.bus.Publish(outTopic, tail)
		if folded := norm.fold(tail); folded != "" {
			l.bus.Publish(normTopic, folded)
		}
	}
	if rest := norm.flush(); rest != "" {
		l.bus.Publish(normTopic, rest)
	}

	if t.ctl.wait != nil {
		_ = t.ctl.wait()
	}
	// The shell may have exited on its own; drop the entry if it is still
	// ours so TerminalExists reflects reality.
	l.mu.Lock()
	if cur, ok := l.terms[id]; ok && cur == t {
		delete(l.terms, id)
	}
	l.mu.Unlock()
}

func startShell(shell, cwd string, cols, rows int) (io.ReadWriteCloser, termControl, error) {
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, termControl{}, err
	}
	ctl := termControl{
		resize: func(c, r int) error {
			return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(r), Cols: uint16(c)})
		},
		kill: func() error {
			if cmd.Process != nil {
				return cmd.Process.Kill()
			}
			return nil
		},
		wait: cmd.Wait,
	}
	return ptmx, ctl, nil
}
