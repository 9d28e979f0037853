// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: cmd/texelsync/keys.go
// Summary: tcell key events to terminal input bytes.

package main

import "github.com/gdamore/tcell/v2"

// keyBytes encodes one key event as the byte sequence a shell expects.
// Cursor keys always use the normal (non-application) sequences; the demo
// client does not track terminal modes.
func keyBytes(ev *tcell.EventKey) []byte {
	switch ev.Key() {
	case tcell.KeyUp:
		return []byte("\x1b[A")
	case tcell.KeyDown:
		return []byte("\x1b[B")
	case tcell.KeyRight:
		return []byte("\x1b[C")
	case tcell.KeyLeft:
		return []byte("\x1b[D")
	case tcell.KeyHome:
		return []byte("\x1b[H")
	case tcell.KeyEnd:
		return []byte("\x1b[F")
	case tcell.KeyInsert:
		return []byte("\x1b[2~")
	case tcell.KeyDelete:
		return []byte("\x1b[3~")
	case tcell.KeyPgUp:
		return []byte("\x1b[5~")
	case tcell.KeyPgDn:
		return []byte("\x1b[6~")
	case tcell.KeyF1:
		return []byte("\x1bOP")
	case tcell.KeyF2:
		return []byte("\x1bOQ")
	case tcell.KeyF3:
		return []byte("\x1bOR")
	case tcell.KeyF4:
		return []byte("\x1bOS")
	case tcell.KeyEnter:
		return []byte("\r")
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		return []byte{'\b'}
	case tcell.KeyTab:
		return []byte("\t")
	case tcell.KeyEsc:
		return []byte("\x1b")
	default:
		// Runes and Ctrl combos both arrive through the rune.
		return []byte(string(ev.Rune()))
	}
}
