// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/session.go
// Summary: Terminal sessions owned by the daemon: PTY lifecycle, sequence
//          numbering, the in-memory retention window and store spill.
// Usage: Created via SessionTable.Spawn; connections pull with PendingAfter.

package daemon

import (
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

var (
	ErrSessionClosed  = errors.New("daemon: session closed")
	ErrUnknownSession = errors.New("daemon: unknown session")
)

// OutputChunk is one sequenced slice of raw PTY output.
type OutputChunk struct {
	Seq  uint64
	Data []byte
}

type sessionControl struct {
	resize func(cols, rows int) error
	kill   func() error
	wait   func() error
}

// spawnFunc starts a shell and returns its PTY plus control handles.
// Swapped out in tests.
type spawnFunc func(shell, cwd string, cols, rows int) (io.ReadWriteCloser, sessionControl, error)

// TermSession owns one PTY and its output history. Every chunk read from
// the PTY gets the next sequence number, lands in a bounded in-memory
// window and is appended to the store; acknowledged chunks are trimmed
// from the window, and PendingAfter stitches store and window together so
// a client can resume from any sequence it has seen.
type TermSession struct {
	id    string
	store OutputStore

	mu        sync.Mutex
	tty       io.ReadWriteCloser
	ctl       sessionControl
	nextSeq   uint64
	window    []OutputChunk
	maxWindow int
	closed    bool

	done chan struct{}
}

func newTermSession(id string, tty io.ReadWriteCloser, ctl sessionControl, maxWindow int, store OutputStore) *TermSession {
	if maxWindow < 1 {
		maxWindow = 1
	}
	s := &TermSession{
		id:        id,
		store:     store,
		tty:       tty,
		ctl:       ctl,
		window:    make([]OutputChunk, 0, 128),
		maxWindow: maxWindow,
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *TermSession) ID() string { return s.id }

// NextSeq reports the sequence the next output chunk will carry, which is
// also the resume point handed back on subscribe.
func (s *TermSession) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq + 1
}

func (s *TermSession) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.tty.Read(buf)
		if n > 0 {
			s.appendOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if s.ctl.wait != nil {
		s.ctl.wait()
	}
}

func (s *TermSession) appendOutput(data []byte) {
	chunk := OutputChunk{Data: append([]byte(nil), data...)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.nextSeq++
	chunk.Seq = s.nextSeq
	s.window = append(s.window, chunk)
	if len(s.window) > s.maxWindow {
		drop := len(s.window) - s.maxWindow
		s.window = append([]OutputChunk(nil), s.window[drop:]...)
	}
	s.mu.Unlock()

	if s.store != nil {
		s.store.Append(s.id, chunk.Seq, chunk.Data)
	}
}

// Ack trims the window up to and including the provided sequence.
func (s *TermSession) Ack(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == 0 {
		return
	}
	idx := 0
	for idx < len(s.window) && s.window[idx].Seq <= seq {
		idx++
	}
	if idx > 0 {
		s.window = s.window[idx:]
	}
}

// PendingAfter returns every chunk with a sequence greater than after, in
// order. Chunks already trimmed from the window are recovered from the
// store; the returned slice is safe to use without holding the lock.
func (s *TermSession) PendingAfter(after uint64) []OutputChunk {
	s.mu.Lock()
	if after >= s.nextSeq {
		s.mu.Unlock()
		return nil
	}
	window := make([]OutputChunk, len(s.window))
	copy(window, s.window)
	s.mu.Unlock()

	var windowStart uint64
	if len(window) > 0 {
		windowStart = window[0].Seq
	}

	// Everything the client is missing still sits in the window.
	if len(window) > 0 && after+1 >= windowStart {
		idx := 0
		for idx < len(window) && window[idx].Seq <= after {
			idx++
		}
		return window[idx:]
	}

	if s.store == nil {
		return window
	}

	upTo := uint64(0)
	if len(window) > 0 {
		upTo = windowStart - 1
	}
	head, err := s.store.Range(s.id, after, upTo)
	if err != nil {
		log.Printf("daemon: resume read for %s: %v", s.id, err)
		return window
	}
	return append(head, window...)
}

func (s *TermSession) Write(data []byte) error {
	s.mu.Lock()
	tty := s.tty
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	_, err := tty.Write(data)
	return err
}

func (s *TermSession) Resize(cols, rows int) error {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	s.mu.Lock()
	ctl := s.ctl
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if ctl.resize == nil {
		return nil
	}
	return ctl.resize(cols, rows)
}

// Kill tears the session down and drops its transcript. Safe to call
// more than once.
func (s *TermSession) Kill() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ctl := s.ctl
	tty := s.tty
	s.mu.Unlock()

	if ctl.kill != nil {
		ctl.kill()
	}
	tty.Close()
	<-s.done

	if s.store != nil {
		if err := s.store.DropTerm(s.id); err != nil {
			log.Printf("daemon: drop transcript %s: %v", s.id, err)
		}
	}
}

// SessionTable tracks live terminal sessions by id.
type SessionTable struct {
	shell     string
	maxWindow int
	store     OutputStore
	spawn     spawnFunc

	mu   sync.RWMutex
	byID map[string]*TermSession
}

func NewSessionTable(shell string, maxWindow int, store OutputStore) *SessionTable {
	return &SessionTable{
		shell:     shell,
		maxWindow: maxWindow,
		store:     store,
		spawn:     spawnShell,
		byID:      make(map[string]*TermSession),
	}
}

// Spawn starts a new shell session and returns it with its fresh id.
func (t *SessionTable) Spawn(cwd string, cols, rows int) (*TermSession, error) {
	if cols < 1 {
		cols = 80
	}
	if rows < 1 {
		rows = 24
	}
	tty, ctl, err := t.spawn(t.shell, cwd, cols, rows)
	if err != nil {
		return nil, err
	}
	sess := newTermSession(uuid.NewString(), tty, ctl, t.maxWindow, t.store)

	t.mu.Lock()
	t.byID[sess.id] = sess
	t.mu.Unlock()

	log.Printf("daemon: spawned session %s (%dx%d)", sess.id, cols, rows)
	return sess, nil
}

func (t *SessionTable) Lookup(id string) *TermSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *SessionTable) Kill(id string) error {
	t.mu.Lock()
	sess, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	sess.Kill()
	log.Printf("daemon: killed session %s", id)
	return nil
}

func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Each reports live sessions to fn outside the table lock.
func (t *SessionTable) Each(fn func(*TermSession)) {
	t.mu.RLock()
	sessions := make([]*TermSession, 0, len(t.byID))
	for _, sess := range t.byID {
		sessions = append(sessions, sess)
	}
	t.mu.RUnlock()
	for _, sess := range sessions {
		fn(sess)
	}
}

// Shutdown kills every live session.
func (t *SessionTable) Shutdown() {
	t.mu.Lock()
	sessions := make([]*TermSession, 0, len(t.byID))
	for id, sess := range t.byID {
		sessions = append(sessions, sess)
		delete(t.byID, id)
	}
	t.mu.Unlock()
	for _, sess := range sessions {
		sess.Kill()
	}
}

func spawnShell(shell, cwd string, cols, rows int) (io.ReadWriteCloser, sessionControl, error) {
	cmd := exec.Command(shell)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, sessionControl{}, err
	}
	ctl := sessionControl{
		resize: func(cols, rows int) error {
			return pty.Setsize(tty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
		},
		kill: func() error {
			if cmd.Process != nil {
				return cmd.Process.Kill()
			}
			return nil
		},
		wait: cmd.Wait,
	}
	return tty, ctl, nil
}
