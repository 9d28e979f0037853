// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: bus/bus.go
// Summary: In-process broadcast bus carrying decoded terminal output per topic.

package bus

import (
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds each subscription's delivery channel. A publisher
// never blocks: when the buffer is full the oldest payload is dropped and
// counted against the subscriber.
const subscriberBuffer = 256

// Bus fans published text payloads out to topic subscribers, in publish
// order, at most once per subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscription receives payloads for one topic on C until Cancel.
type Subscription struct {
	C <-chan string

	bus     *Bus
	topic   string
	ch      chan string
	once    sync.Once
	dropped atomic.Uint64
}

// Subscribe registers a new subscriber for topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	s := &Subscription{bus: b, topic: topic, ch: make(chan string, subscriberBuffer)}
	s.C = s.ch
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s
}

// Publish delivers text to every current subscriber of topic without
// blocking the caller.
func (b *Bus) Publish(topic, text string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[topic] {
		s.deliver(text)
	}
}

func (s *Subscription) deliver(text string) {
	select {
	case s.ch <- text:
		return
	default:
	}
	// Slow consumer: drop the oldest buffered payload to make room.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- text:
	default:
	}
	if s.dropped.Add(1) == 1 {
		log.Printf("bus: slow subscriber on %s, dropping oldest output", s.topic)
	}
}

// Dropped reports how many payloads were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		list := b.subs[s.topic]
		for i, cur := range list {
			if cur == s {
				b.subs[s.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[s.topic]) == 0 {
			delete(b.subs, s.topic)
		}
		b.mu.Unlock()
		close(s.ch)
	})
}

// OutputTopic names the decoded-output channel for a terminal id.
func OutputTopic(id string) string { return "term.out." + safeName(id) }

// NormalizedTopic names the CR/LF-normalized variant channel.
func NormalizedTopic(id string) string { return "term.norm." + safeName(id) }

// safeName replaces bytes unsafe for topic names with '_'. A short hash of
// the original id is appended whenever substitution happened, so distinct
// ids stay distinct ("a/b" must not collide with "a_b").
func safeName(id string) string {
	clean := true
	for i := 0; i < len(id); i++ {
		if !safeByte(id[i]) {
			clean = false
			break
		}
	}
	if clean {
		return id
	}
	var b strings.Builder
	b.Grow(len(id) + 9)
	for i := 0; i < len(id); i++ {
		if c := id[i]; safeByte(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	fmt.Fprintf(&b, "-%08x", h.Sum32())
	return b.String()
}

func safeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}
