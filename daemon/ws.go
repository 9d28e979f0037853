// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/ws.go
// Summary: net.Conn adapter over a gorilla WebSocket so browser clients
//          share the byte-stream connection loop with Unix socket clients.

package daemon

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn presents a websocket as a net.Conn. Binary frames from a reader
// pump are buffered on a channel and consumed by Read; read deadlines are
// emulated against that channel because a deadline expiry on the
// underlying websocket would poison it for all future reads.
type wsConn struct {
	ws     *websocket.Conn
	frames chan []byte
	buf    []byte

	mu       sync.Mutex
	deadline time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *wsConn) readPump() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.closed:
			return
		}
	}
}

type wsTimeoutError struct{}

func (wsTimeoutError) Error() string   { return "websocket read deadline exceeded" }
func (wsTimeoutError) Timeout() bool   { return true }
func (wsTimeoutError) Temporary() bool { return true }

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	}

	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			// Deadline already passed but drain anything ready.
			select {
			case frame := <-c.frames:
				c.buf = frame
				n := copy(p, c.buf)
				c.buf = c.buf[n:]
				return n, nil
			default:
				return 0, wsTimeoutError{}
			}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame := <-c.frames:
		c.buf = frame
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		return n, nil
	case <-timeout:
		return 0, wsTimeoutError{}
	case <-c.closed:
		// Frames queued before the close are still delivered.
		select {
		case frame := <-c.frames:
			c.buf = frame
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			return n, nil
		default:
		}
		return 0, net.ErrClosed
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
