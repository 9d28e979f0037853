// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: renderer/registry.go
// Summary: Live hardware attachments by terminal id.

package renderer

import "sync"

// Registry tracks which terminals currently hold a hardware attachment.
// Managers store and remove their own entries; Lookup and Count exist for
// inspection and tests.
type Registry struct {
	mu          sync.Mutex
	attachments map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{attachments: make(map[string]Handle)}
}

// DefaultRegistry is shared by managers that do not bring their own.
var DefaultRegistry = NewRegistry()

func (r *Registry) Lookup(termID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.attachments[termID]
	return h, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attachments)
}

func (r *Registry) store(termID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachments[termID] = h
}

func (r *Registry) remove(termID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attachments, termID)
}
