// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: renderer/hardware.go
// Summary: Process-wide hardware acceleration circuit breaker. One GPU
//          failure anywhere stops every terminal from re-attempting until
//          something plausibly changed (font swap, user toggle).

package renderer

import (
	"log"
	"sync"
)

var hardware struct {
	mu       sync.Mutex
	disabled bool
	reason   string
}

// HardwareDisabled reports whether hardware acceleration is blocked
// process-wide.
func HardwareDisabled() bool {
	hardware.mu.Lock()
	defer hardware.mu.Unlock()
	return hardware.disabled
}

// HardwareFailure returns the recorded reason, empty when none.
func HardwareFailure() string {
	hardware.mu.Lock()
	defer hardware.mu.Unlock()
	return hardware.reason
}

// MarkHardwareFailure trips the breaker. Only the first reason is kept.
func MarkHardwareFailure(reason string) {
	hardware.mu.Lock()
	defer hardware.mu.Unlock()
	if hardware.disabled {
		return
	}
	hardware.disabled = true
	hardware.reason = reason
	log.Printf("renderer: hardware acceleration disabled: %s", reason)
}

// ResetHardwareFailure clears the breaker so the next attach may try
// hardware again.
func ResetHardwareFailure() {
	hardware.mu.Lock()
	defer hardware.mu.Unlock()
	hardware.disabled = false
	hardware.reason = ""
}
