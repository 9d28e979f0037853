// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: protocol/messages.go
// Summary: Payload structs and codecs for every plugin transport message.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	errStringTooLong = errors.New("protocol: string exceeds 64KB limit")
	errPayloadShort  = errors.New("protocol: payload too short")
	errExtraBytes    = errors.New("protocol: payload has trailing data")
)

// Hello initiates the handshake from client to daemon.
type Hello struct {
	ClientName string
}

// Welcome acknowledges the handshake; the daemon's ConnID rides the header.
type Welcome struct {
	DaemonName string
}

// SpawnRequest asks the daemon to start a new terminal.
type SpawnRequest struct {
	Cwd  string
	Cols uint16
	Rows uint16
}

// SpawnReply returns the id of the spawned terminal.
type SpawnReply struct {
	TermID string
}

// WriteInput carries keyboard/paste bytes to a terminal's stdin.
type WriteInput struct {
	TermID string
	Data   []byte
}

// ResizeTerm resizes a terminal's PTY.
type ResizeTerm struct {
	TermID string
	Cols   uint16
	Rows   uint16
}

// KillTerm terminates a terminal and drops its transcript.
type KillTerm struct {
	TermID string
}

// Subscribe requests output delivery for a terminal starting after FromSeq
// (0 replays from the beginning of the retained transcript).
type Subscribe struct {
	TermID  string
	FromSeq uint64
}

// SubscribeOK confirms a subscription; NextSeq is the daemon's next sequence
// to be assigned, so a fresh surface knows where live output begins.
type SubscribeOK struct {
	TermID  string
	NextSeq uint64
}

// Unsubscribe stops output delivery for a terminal on this connection.
type Unsubscribe struct {
	TermID string
}

// Output carries one PTY chunk; its sequence rides Header.Sequence.
type Output struct {
	TermID string
	Data   []byte
}

// OutputAck acknowledges chunks at or below Seq for a terminal.
type OutputAck struct {
	TermID string
	Seq    uint64
}

// Ping/Pong keep the connection alive and measure round trips.
type Ping struct {
	Timestamp int64
}

type Pong struct {
	Timestamp int64
}

// ErrorNotice reports a per-request failure without closing the connection.
type ErrorNotice struct {
	Code    uint16
	Message string
}

// Error codes carried by ErrorNotice.
const (
	ErrCodeUnknownTerm uint16 = iota + 1
	ErrCodeSpawnFailed
	ErrCodeBadRequest
)

func encodeString(buf *bytes.Buffer, value string) error {
	if len(value) > 0xFFFF {
		return errStringTooLong
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(value))); err != nil {
		return err
	}
	if len(value) > 0 {
		if _, err := buf.WriteString(value); err != nil {
			return err
		}
	}
	return nil
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errPayloadShort
	}
	length := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < length {
		return "", nil, errPayloadShort
	}
	return string(b[:length]), b[length:], nil
}

func encodeBytes(buf *bytes.Buffer, value []byte) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(value))); err != nil {
		return err
	}
	if len(value) > 0 {
		buf.Write(value)
	}
	return nil
}

func decodeBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errPayloadShort
	}
	length := int(binary.LittleEndian.Uint32(b[:4]))
	b = b[4:]
	if len(b) < length {
		return nil, nil, errPayloadShort
	}
	out := make([]byte, length)
	copy(out, b[:length])
	return out, b[length:], nil
}

func ensureConsumed(rest []byte) error {
	if len(rest) != 0 {
		return errExtraBytes
	}
	return nil
}

func EncodeHello(h Hello) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(h.ClientName)))
	if err := encodeString(buf, h.ClientName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeHello(b []byte) (Hello, error) {
	var h Hello
	name, rest, err := decodeString(b)
	if err != nil {
		return h, err
	}
	h.ClientName = name
	return h, ensureConsumed(rest)
}

func EncodeWelcome(w Welcome) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(w.DaemonName)))
	if err := encodeString(buf, w.DaemonName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeWelcome(b []byte) (Welcome, error) {
	var w Welcome
	name, rest, err := decodeString(b)
	if err != nil {
		return w, err
	}
	w.DaemonName = name
	return w, ensureConsumed(rest)
}

func EncodeSpawnRequest(s SpawnRequest) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6+len(s.Cwd)))
	if err := encodeString(buf, s.Cwd); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.Cols); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeSpawnRequest(b []byte) (SpawnRequest, error) {
	var s SpawnRequest
	cwd, rest, err := decodeString(b)
	if err != nil {
		return s, err
	}
	s.Cwd = cwd
	if len(rest) < 4 {
		return s, errPayloadShort
	}
	s.Cols = binary.LittleEndian.Uint16(rest[:2])
	s.Rows = binary.LittleEndian.Uint16(rest[2:4])
	return s, ensureConsumed(rest[4:])
}

func EncodeSpawnReply(s SpawnReply) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(s.TermID)))
	if err := encodeString(buf, s.TermID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeSpawnReply(b []byte) (SpawnReply, error) {
	var s SpawnReply
	id, rest, err := decodeString(b)
	if err != nil {
		return s, err
	}
	s.TermID = id
	return s, ensureConsumed(rest)
}

func EncodeWriteInput(w WriteInput) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6+len(w.TermID)+len(w.Data)))
	if err := encodeString(buf, w.TermID); err != nil {
		return nil, err
	}
	if err := encodeBytes(buf, w.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeWriteInput(b []byte) (WriteInput, error) {
	var w WriteInput
	id, rest, err := decodeString(b)
	if err != nil {
		return w, err
	}
	w.TermID = id
	data, rest, err := decodeBytes(rest)
	if err != nil {
		return w, err
	}
	w.Data = data
	return w, ensureConsumed(rest)
}

func EncodeResizeTerm(r ResizeTerm) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6+len(r.TermID)))
	if err := encodeString(buf, r.TermID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Cols); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, r.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeResizeTerm(b []byte) (ResizeTerm, error) {
	var r ResizeTerm
	id, rest, err := decodeString(b)
	if err != nil {
		return r, err
	}
	r.TermID = id
	if len(rest) < 4 {
		return r, errPayloadShort
	}
	r.Cols = binary.LittleEndian.Uint16(rest[:2])
	r.Rows = binary.LittleEndian.Uint16(rest[2:4])
	return r, ensureConsumed(rest[4:])
}

func EncodeKillTerm(k KillTerm) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(k.TermID)))
	if err := encodeString(buf, k.TermID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeKillTerm(b []byte) (KillTerm, error) {
	var k KillTerm
	id, rest, err := decodeString(b)
	if err != nil {
		return k, err
	}
	k.TermID = id
	return k, ensureConsumed(rest)
}

func EncodeSubscribe(s Subscribe) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 10+len(s.TermID)))
	if err := encodeString(buf, s.TermID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.FromSeq); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeSubscribe(b []byte) (Subscribe, error) {
	var s Subscribe
	id, rest, err := decodeString(b)
	if err != nil {
		return s, err
	}
	s.TermID = id
	if len(rest) < 8 {
		return s, errPayloadShort
	}
	s.FromSeq = binary.LittleEndian.Uint64(rest[:8])
	return s, ensureConsumed(rest[8:])
}

func EncodeSubscribeOK(s SubscribeOK) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 10+len(s.TermID)))
	if err := encodeString(buf, s.TermID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, s.NextSeq); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeSubscribeOK(b []byte) (SubscribeOK, error) {
	var s SubscribeOK
	id, rest, err := decodeString(b)
	if err != nil {
		return s, err
	}
	s.TermID = id
	if len(rest) < 8 {
		return s, errPayloadShort
	}
	s.NextSeq = binary.LittleEndian.Uint64(rest[:8])
	return s, ensureConsumed(rest[8:])
}

func EncodeUnsubscribe(u Unsubscribe) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 2+len(u.TermID)))
	if err := encodeString(buf, u.TermID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeUnsubscribe(b []byte) (Unsubscribe, error) {
	var u Unsubscribe
	id, rest, err := decodeString(b)
	if err != nil {
		return u, err
	}
	u.TermID = id
	return u, ensureConsumed(rest)
}

func EncodeOutput(o Output) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 6+len(o.TermID)+len(o.Data)))
	if err := encodeString(buf, o.TermID); err != nil {
		return nil, err
	}
	if err := encodeBytes(buf, o.Data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeOutput(b []byte) (Output, error) {
	var o Output
	id, rest, err := decodeString(b)
	if err != nil {
		return o, err
	}
	o.TermID = id
	data, rest, err := decodeBytes(rest)
	if err != nil {
		return o, err
	}
	o.Data = data
	return o, ensureConsumed(rest)
}

func EncodeOutputAck(a OutputAck) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 10+len(a.TermID)))
	if err := encodeString(buf, a.TermID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, a.Seq); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeOutputAck(b []byte) (OutputAck, error) {
	var a OutputAck
	id, rest, err := decodeString(b)
	if err != nil {
		return a, err
	}
	a.TermID = id
	if len(rest) < 8 {
		return a, errPayloadShort
	}
	a.Seq = binary.LittleEndian.Uint64(rest[:8])
	return a, ensureConsumed(rest[8:])
}

func EncodePing(p Ping) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 8))
	if err := binary.Write(buf, binary.LittleEndian, p.Timestamp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePing(b []byte) (Ping, error) {
	var p Ping
	if len(b) < 8 {
		return p, errPayloadShort
	}
	p.Timestamp = int64(binary.LittleEndian.Uint64(b[:8]))
	return p, ensureConsumed(b[8:])
}

func EncodePong(p Pong) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 8))
	if err := binary.Write(buf, binary.LittleEndian, p.Timestamp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePong(b []byte) (Pong, error) {
	var p Pong
	if len(b) < 8 {
		return p, errPayloadShort
	}
	p.Timestamp = int64(binary.LittleEndian.Uint64(b[:8]))
	return p, ensureConsumed(b[8:])
}

func EncodeErrorNotice(e ErrorNotice) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(e.Message)))
	if err := binary.Write(buf, binary.LittleEndian, e.Code); err != nil {
		return nil, err
	}
	if err := encodeString(buf, e.Message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeErrorNotice(b []byte) (ErrorNotice, error) {
	var e ErrorNotice
	if len(b) < 2 {
		return e, errPayloadShort
	}
	e.Code = binary.LittleEndian.Uint16(b[:2])
	msg, rest, err := decodeString(b[2:])
	if err != nil {
		return e, err
	}
	e.Message = msg
	return e, ensureConsumed(rest)
}
