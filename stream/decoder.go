// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: stream/decoder.go
// Summary: Incremental UTF-8 decoder tolerant of chunk splits mid-codepoint.
// Usage: One Decoder per output subscription; Decode each chunk, Flush on teardown.

package stream

import (
	"strings"
	"unicode/utf8"
)

// Decoder converts a byte stream delivered in arbitrary chunks into text.
// A trailing incomplete multi-byte sequence is held back and prefixed onto
// the next chunk instead of being emitted or dropped, so the concatenated
// output is the same no matter where the stream was split. Malformed bytes
// decode to U+FFFD; Decode never fails.
type Decoder struct {
	pending []byte
}

func NewDecoder() *Decoder { return &Decoder{} }

// Decode appends p to any held-back tail and returns all complete text.
func (d *Decoder) Decode(p []byte) string {
	if len(p) == 0 && len(d.pending) == 0 {
		return ""
	}
	buf := p
	if len(d.pending) > 0 {
		buf = append(d.pending, p...)
		d.pending = nil
	}
	complete := buf
	if hold := incompleteTail(buf); hold > 0 {
		complete = buf[:len(buf)-hold]
		d.pending = append([]byte(nil), buf[len(buf)-hold:]...)
	}
	if len(complete) == 0 {
		return ""
	}
	if utf8.Valid(complete) {
		return string(complete)
	}
	var b strings.Builder
	b.Grow(len(complete))
	for i := 0; i < len(complete); {
		r, size := utf8.DecodeRune(complete[i:])
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// Flush emits one replacement character for any held-back truncated
// sequence and clears state. Call on teardown so the stream tail is not
// silently dropped.
func (d *Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	d.pending = nil
	return string(utf8.RuneError)
}

// Reset drops held state without emitting anything.
func (d *Decoder) Reset() { d.pending = nil }

// incompleteTail reports how many trailing bytes of buf form the start of a
// multi-byte sequence that cannot be completed within buf. The tail is at
// most utf8.UTFMax-1 bytes: one valid start byte plus its continuations.
func incompleteTail(buf []byte) int {
	n := len(buf)
	if n == 0 {
		return 0
	}
	lookback := utf8.UTFMax - 1
	if n < lookback {
		lookback = n
	}
	start := -1
	for i := 1; i <= lookback; i++ {
		if buf[n-i]&0xC0 != 0x80 {
			start = n - i
			break
		}
	}
	if start < 0 {
		return 0
	}
	want := sequenceLen(buf[start])
	if want <= 1 {
		// ASCII or an invalid start byte decodes as-is right now.
		return 0
	}
	if have := n - start; have < want {
		return have
	}
	return 0
}

// sequenceLen returns the declared length of a UTF-8 sequence given its
// first byte, or 0 when the byte cannot start a sequence.
func sequenceLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}
