// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/conn.go
// Summary: One client connection: handshake, command dispatch and the pull
//          loop that drains subscribed terminal output between reads.

package daemon

import (
	"crypto/rand"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/framegrace/texelsync/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	pollInterval     = 20 * time.Millisecond
)

// connSub tracks send and ack progress for one subscribed terminal.
type connSub struct {
	lastSent  uint64
	lastAcked uint64
}

type connection struct {
	conn     net.Conn
	sessions *SessionTable
	stats    StatsObserver
	connID   [16]byte
	writeMu  sync.Mutex
	subs     map[string]*connSub
}

func newConnection(conn net.Conn, sessions *SessionTable, stats StatsObserver) *connection {
	if stats == nil {
		stats = nopStats{}
	}
	return &connection{
		conn:     conn,
		sessions: sessions,
		stats:    stats,
		subs:     make(map[string]*connSub),
	}
}

// serve runs the connection to completion. The loop alternates between
// flushing pending output for every subscription and a short-deadline
// read, so a quiet client still sees fresh output within pollInterval.
func (c *connection) serve(daemonName string) error {
	if err := c.handshake(daemonName); err != nil {
		return err
	}
	_ = c.conn.SetDeadline(time.Time{})

	for {
		if err := c.sendPending(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
		header, payload, err := protocol.ReadMessage(c.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		if err := c.handle(header, payload); err != nil {
			return err
		}
	}
}

// handshake expects a Hello and answers with Welcome carrying the
// connection id assigned by the daemon.
func (c *connection) handshake(daemonName string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	header, payload, err := protocol.ReadMessage(c.conn)
	if err != nil {
		return err
	}
	if header.Type != protocol.MsgHello {
		return protocol.ErrInvalidMagic
	}
	hello, err := protocol.DecodeHello(payload)
	if err != nil {
		return err
	}
	if _, err := rand.Read(c.connID[:]); err != nil {
		return err
	}
	welcome, err := protocol.EncodeWelcome(protocol.Welcome{DaemonName: daemonName})
	if err != nil {
		return err
	}
	if err := c.writeControlMessage(protocol.MsgWelcome, welcome); err != nil {
		return err
	}
	log.Printf("daemon: client %q connected as %x", hello.ClientName, c.connID[:4])
	return nil
}

// handle dispatches one client message. Direct replies echo the request
// header's sequence so clients can match them; unsolicited frames carry
// sequence zero.
func (c *connection) handle(header protocol.Header, payload []byte) error {
	switch header.Type {
	case protocol.MsgSpawnRequest:
		req, err := protocol.DecodeSpawnRequest(payload)
		if err != nil {
			return err
		}
		sess, err := c.sessions.Spawn(req.Cwd, int(req.Cols), int(req.Rows))
		if err != nil {
			log.Printf("daemon: spawn failed: %v", err)
			return c.sendError(header.Sequence, protocol.ErrCodeSpawnFailed, err.Error())
		}
		reply, err := protocol.EncodeSpawnReply(protocol.SpawnReply{TermID: sess.ID()})
		if err != nil {
			return err
		}
		return c.writeReply(protocol.MsgSpawnReply, header.Sequence, reply)

	case protocol.MsgWriteInput:
		req, err := protocol.DecodeWriteInput(payload)
		if err != nil {
			return err
		}
		sess := c.sessions.Lookup(req.TermID)
		if sess == nil {
			return c.sendError(header.Sequence, protocol.ErrCodeUnknownTerm, req.TermID)
		}
		if err := sess.Write(req.Data); err != nil {
			log.Printf("daemon: write to %s: %v", req.TermID, err)
		}
		return nil

	case protocol.MsgResizeTerm:
		req, err := protocol.DecodeResizeTerm(payload)
		if err != nil {
			return err
		}
		sess := c.sessions.Lookup(req.TermID)
		if sess == nil {
			return c.sendError(header.Sequence, protocol.ErrCodeUnknownTerm, req.TermID)
		}
		if err := sess.Resize(int(req.Cols), int(req.Rows)); err != nil {
			log.Printf("daemon: resize %s: %v", req.TermID, err)
		}
		return nil

	case protocol.MsgKillTerm:
		req, err := protocol.DecodeKillTerm(payload)
		if err != nil {
			return err
		}
		delete(c.subs, req.TermID)
		if err := c.sessions.Kill(req.TermID); err != nil {
			return c.sendError(header.Sequence, protocol.ErrCodeUnknownTerm, req.TermID)
		}
		return nil

	case protocol.MsgSubscribe:
		req, err := protocol.DecodeSubscribe(payload)
		if err != nil {
			return err
		}
		sess := c.sessions.Lookup(req.TermID)
		if sess == nil {
			return c.sendError(header.Sequence, protocol.ErrCodeUnknownTerm, req.TermID)
		}
		c.subs[req.TermID] = &connSub{lastSent: req.FromSeq, lastAcked: req.FromSeq}
		reply, err := protocol.EncodeSubscribeOK(protocol.SubscribeOK{TermID: req.TermID, NextSeq: sess.NextSeq()})
		if err != nil {
			return err
		}
		return c.writeReply(protocol.MsgSubscribeOK, header.Sequence, reply)

	case protocol.MsgUnsubscribe:
		req, err := protocol.DecodeUnsubscribe(payload)
		if err != nil {
			return err
		}
		delete(c.subs, req.TermID)
		return nil

	case protocol.MsgOutputAck:
		ack, err := protocol.DecodeOutputAck(payload)
		if err != nil {
			return err
		}
		if sess := c.sessions.Lookup(ack.TermID); sess != nil {
			sess.Ack(ack.Seq)
		}
		if sub, ok := c.subs[ack.TermID]; ok && ack.Seq > sub.lastAcked {
			sub.lastAcked = ack.Seq
		}
		return nil

	case protocol.MsgPing:
		ping, err := protocol.DecodePing(payload)
		if err != nil {
			return err
		}
		pong, err := protocol.EncodePong(protocol.Pong{Timestamp: ping.Timestamp})
		if err != nil {
			return err
		}
		return c.writeReply(protocol.MsgPong, header.Sequence, pong)

	default:
		// Unknown messages are ignored for forward compatibility.
		return nil
	}
}

// sendPending pushes undelivered output for every subscription. Each
// Output frame carries the chunk sequence in the header so the client
// can ack and resume precisely.
func (c *connection) sendPending() error {
	for termID, sub := range c.subs {
		sess := c.sessions.Lookup(termID)
		if sess == nil {
			delete(c.subs, termID)
			continue
		}
		pending := sess.PendingAfter(sub.lastSent)
		for _, chunk := range pending {
			if chunk.Seq <= sub.lastSent {
				continue
			}
			payload, err := protocol.EncodeOutput(protocol.Output{TermID: termID, Data: chunk.Data})
			if err != nil {
				return err
			}
			header := protocol.Header{
				Version:  protocol.Version,
				Type:     protocol.MsgOutput,
				Flags:    protocol.FlagChecksum,
				ConnID:   c.connID,
				Sequence: chunk.Seq,
			}
			if err := c.writeMessage(header, payload); err != nil {
				return err
			}
			sub.lastSent = chunk.Seq
			c.stats.OutputSent(termID, chunk.Seq, len(chunk.Data))
		}
	}
	return nil
}

func (c *connection) sendError(reqSeq uint64, code uint16, message string) error {
	payload, err := protocol.EncodeErrorNotice(protocol.ErrorNotice{Code: code, Message: message})
	if err != nil {
		return err
	}
	return c.writeReply(protocol.MsgError, reqSeq, payload)
}

func (c *connection) writeReply(msgType protocol.MessageType, reqSeq uint64, payload []byte) error {
	header := protocol.Header{
		Version:  protocol.Version,
		Type:     msgType,
		Flags:    protocol.FlagChecksum,
		ConnID:   c.connID,
		Sequence: reqSeq,
	}
	return c.writeMessage(header, payload)
}

func (c *connection) writeControlMessage(msgType protocol.MessageType, payload []byte) error {
	return c.writeReply(msgType, 0, payload)
}

func (c *connection) writeMessage(header protocol.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, header, payload)
}
