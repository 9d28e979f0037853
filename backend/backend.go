// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: backend/backend.go
// Summary: Backend command surface for terminal lifecycle and I/O.

package backend

import "errors"

var (
	ErrTerminalExists  = errors.New("backend: terminal already exists")
	ErrUnknownTerminal = errors.New("backend: unknown terminal")
)

// Commander is the command surface the coordination layer drives. Resize
// is idempotent and clamps to sane minimums independently of callers.
type Commander interface {
	CreateTerminal(id, cwd string) error
	TerminalExists(id string) bool
	CloseTerminal(id string) error
	WriteTerminal(id string, data []byte) error
	ResizeTerminal(id string, cols, rows int) error
}
