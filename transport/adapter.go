// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: transport/adapter.go
// Summary: One "on output" callback over two delivery modes: bus broadcast
//          topics and sequenced daemon subscriptions. The mode is resolved
//          once at construction; the owner only ever sees Start/Stop.
// Usage: One Adapter per terminal surface. Recreate on terminal id or
//        capability change; swapping the callback never recreates.

package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/framegrace/texelsync/bus"
	"github.com/framegrace/texelsync/plugin"
	"github.com/framegrace/texelsync/stream"
)

// Mode names the delivery path feeding a terminal surface.
type Mode string

const (
	// ModeBroadcast listens on the terminal's bus topic; payloads arrive as
	// whole text, decoded upstream by the publisher.
	ModeBroadcast Mode = "broadcast"
	// ModeSubscription pulls sequenced raw chunks from the plugin daemon
	// and decodes them here, acknowledging as it goes.
	ModeSubscription Mode = "subscription"
)

// PluginTransport is the slice of the daemon client the subscription mode
// drives. *plugin.Client implements it.
type PluginTransport interface {
	Subscribe(termID string, fromSeq uint64, onMessage plugin.OnMessage) (func(), error)
	Ack(termID string, seq uint64)
}

// Options configures an Adapter. Mode decides which delivery fields are
// required: Bus for broadcast, Plugin for subscription.
type Options struct {
	TermID string
	Mode   Mode
	Bus    *bus.Bus
	Plugin PluginTransport
	// OnText receives decoded output. Replaceable later via SetCallback.
	OnText func(text string)
	// StartSeq seeds the resume point, for adapters recreated over a
	// subscription an earlier adapter already consumed part of.
	StartSeq uint64
	// Post marshals asynchronous setup results back to the owner. Nil runs
	// them inline on the setup goroutine.
	Post func(func())
}

// Adapter presents terminal output as a single callback regardless of the
// delivery mode underneath. Start is asynchronous and safe to race with
// Stop: a setup that loses the race releases its own subscription. Stop is
// idempotent and emits the decoder tail so no held bytes are dropped.
type Adapter struct {
	termID string
	mode   Mode
	b      *bus.Bus
	plug   PluginTransport
	post   func(func())

	// open is the delivery strategy resolved at construction; it runs on a
	// setup goroutine and commits its release func through commit().
	open func(gen, fromSeq uint64)

	mu      sync.Mutex
	cb      func(string)
	gen     uint64
	started bool
	lastSeq uint64
	dec     *stream.Decoder
	release func()

	// deliverMu serializes callback invocations with the Stop-time decoder
	// flush, so the stream tail can never overtake an in-flight chunk.
	deliverMu sync.Mutex
}

// New resolves the delivery mode once and returns an idle adapter; nothing
// is subscribed until Start.
func New(opts Options) (*Adapter, error) {
	a := &Adapter{
		termID:  opts.TermID,
		mode:    opts.Mode,
		b:       opts.Bus,
		plug:    opts.Plugin,
		cb:      opts.OnText,
		lastSeq: opts.StartSeq,
		post:    opts.Post,
	}
	if a.termID == "" {
		return nil, errors.New("transport: empty terminal id")
	}
	if a.post == nil {
		a.post = func(fn func()) { fn() }
	}
	switch opts.Mode {
	case ModeBroadcast:
		if a.b == nil {
			return nil, errors.New("transport: broadcast mode needs a bus")
		}
		a.open = a.openBroadcast
	case ModeSubscription:
		if a.plug == nil {
			return nil, errors.New("transport: subscription mode needs a plugin client")
		}
		a.open = a.openSubscription
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", opts.Mode)
	}
	return a, nil
}

func (a *Adapter) TermID() string { return a.termID }

func (a *Adapter) Mode() Mode { return a.mode }

// LastSequence reports the newest sequence observed on a subscription; it
// is the resume point for the next Start and survives Stop.
func (a *Adapter) LastSequence() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// SetCallback swaps the output callback without touching the delivery
// path. Deliveries always hit the latest registered callback.
func (a *Adapter) SetCallback(fn func(string)) {
	a.mu.Lock()
	a.cb = fn
	a.mu.Unlock()
}

// Start begins delivery. The setup runs off the caller's goroutine; a Stop
// issued while it is in flight wins, and the late subscription is released
// exactly once. Calling Start on a running adapter is a no-op.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.gen++
	gen := a.gen
	fromSeq := a.lastSeq
	if a.mode == ModeSubscription {
		a.dec = stream.NewDecoder()
	}
	a.mu.Unlock()

	go a.open(gen, fromSeq)
}

// Stop releases the subscription or bus listener, then flushes the decoder
// and hands any final text to the callback. Safe to call repeatedly and
// while a Start is still in flight.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.gen++
	release := a.release
	a.release = nil
	dec := a.dec
	a.dec = nil
	a.mu.Unlock()

	if release != nil {
		release()
	}
	if dec == nil {
		return
	}
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	tail := dec.Flush()
	if tail == "" {
		return
	}
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	if cb != nil {
		cb(tail)
	}
}

func (a *Adapter) openSubscription(gen, fromSeq uint64) {
	release, err := a.plug.Subscribe(a.termID, fromSeq, func(seq uint64, data []byte) {
		a.deliverChunk(gen, seq, data)
	})
	a.post(func() { a.commit(gen, release, err) })
}

func (a *Adapter) openBroadcast(gen, _ uint64) {
	sub := a.b.Subscribe(bus.OutputTopic(a.termID))
	go func() {
		for text := range sub.C {
			a.deliverText(gen, text)
		}
	}()
	a.post(func() { a.commit(gen, sub.Cancel, nil) })
}

// commit lands an asynchronous setup result. A generation mismatch means
// Stop (or a newer Start) won the race; the fresh subscription is released
// here instead of leaking.
func (a *Adapter) commit(gen uint64, release func(), err error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if release != nil {
			release()
		}
		return
	}
	if err != nil {
		a.started = false
		a.mu.Unlock()
		log.Printf("transport: setup for %s failed: %v", a.termID, err)
		return
	}
	a.release = release
	a.mu.Unlock()
}

func (a *Adapter) deliverChunk(gen, seq uint64, data []byte) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.lastSeq = seq
	dec := a.dec
	cb := a.cb
	a.mu.Unlock()

	text := dec.Decode(data)
	if text != "" && cb != nil {
		cb(text)
	}
	a.plug.Ack(a.termID, seq)
}

func (a *Adapter) deliverText(gen uint64, text string) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	cb := a.cb
	a.mu.Unlock()

	if text != "" && cb != nil {
		cb(text)
	}
}
