// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: renderer/engine.go
// Summary: Software Engine on a tcell screen: a scrolling line buffer
//          painted cell by cell. Serves as the canvas tier and as the
//          reference Engine for tests.

package renderer

import (
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
)

const engineScrollback = 2000

// TcellEngine renders decoded terminal output as plain lines. It keeps a
// bounded scrollback and paints the newest rows that fit the viewport.
type TcellEngine struct {
	mu      sync.Mutex
	screen  tcell.Screen
	cols    int
	rows    int
	spacing float64
	lines   []string
	partial string
}

func NewTcellEngine(screen tcell.Screen, cols, rows int) *TcellEngine {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &TcellEngine{screen: screen, cols: cols, rows: rows}
}

func (e *TcellEngine) Write(data string) {
	e.mu.Lock()
	e.partial += data
	for {
		idx := strings.IndexByte(e.partial, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(e.partial[:idx], "\r")
		e.partial = e.partial[idx+1:]
		e.lines = append(e.lines, line)
	}
	if len(e.lines) > engineScrollback {
		drop := len(e.lines) - engineScrollback
		e.lines = append([]string(nil), e.lines[drop:]...)
	}
	e.mu.Unlock()
	e.Refresh()
}

func (e *TcellEngine) Resize(cols, rows int) {
	e.mu.Lock()
	if cols >= 1 {
		e.cols = cols
	}
	if rows >= 1 {
		e.rows = rows
	}
	e.mu.Unlock()
	e.Refresh()
}

// SetRows adjusts only the visible row count; the cheap half of a resize
// while a drag is still moving.
func (e *TcellEngine) SetRows(rows int) {
	e.mu.Lock()
	if rows >= 1 {
		e.rows = rows
	}
	e.mu.Unlock()
	e.Refresh()
}

func (e *TcellEngine) Refresh() {
	e.mu.Lock()
	cols, rows := e.cols, e.rows
	visible := make([]string, 0, rows)
	start := 0
	total := len(e.lines)
	if e.partial != "" {
		total++
	}
	if total > rows {
		start = total - rows
	}
	for i := start; i < len(e.lines); i++ {
		visible = append(visible, e.lines[i])
	}
	if e.partial != "" && len(visible) < rows {
		visible = append(visible, e.partial)
	}
	e.mu.Unlock()

	e.screen.Clear()
	for y, line := range visible {
		x := 0
		for _, r := range line {
			if x >= cols {
				break
			}
			e.screen.SetContent(x, y, r, nil, tcell.StyleDefault)
			x += runewidth.RuneWidth(r)
		}
	}
	e.screen.Show()
}

func (e *TcellEngine) SetLetterSpacing(px float64) {
	e.mu.Lock()
	e.spacing = px
	e.mu.Unlock()
}

// LetterSpacing reports the last applied spacing.
func (e *TcellEngine) LetterSpacing() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spacing
}

// Size reports the current viewport in cells.
func (e *TcellEngine) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// BufferLen reports the scrollback length. The resize coordinator uses it
// to decide whether a resize is cheap enough to skip the debounce.
func (e *TcellEngine) BufferLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lines)
}
