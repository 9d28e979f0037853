// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: plugin/client.go
// Summary: Client for the daemon socket: spawn/write/resize/kill commands,
//          per-terminal output subscriptions and batched acknowledgments.
// Usage: Subscription-mode terminals attach through this client; its
//        presence is the capability check for daemon-backed sessions.

package plugin

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/framegrace/texelsync/protocol"
)

var (
	ErrClosed          = errors.New("plugin: client closed")
	ErrRequestTimeout  = errors.New("plugin: request timed out")
	ErrUnknownTerminal = errors.New("plugin: unknown terminal")
)

const (
	handshakeTimeout = 5 * time.Second
	requestTimeout   = 5 * time.Second
)

// OnMessage receives one sequenced output chunk for a subscribed terminal.
// It runs on the client's read goroutine and must not block.
type OnMessage func(seq uint64, data []byte)

type pendingReply struct {
	seq      uint64
	wantType protocol.MessageType
	ch       chan replyFrame
}

type replyFrame struct {
	header  protocol.Header
	payload []byte
}

type subscription struct {
	termID    string
	onMessage OnMessage

	pendingAck atomic.Uint64
	lastAck    atomic.Uint64
	ackSignal  chan struct{}
	stopAck    chan struct{}

	releaseOnce sync.Once
}

// Client speaks the daemon protocol over one connection. Control requests
// run in lockstep; output frames fan out to subscriptions from the read
// goroutine.
type Client struct {
	conn       net.Conn
	daemonName string

	writeMu sync.Mutex
	reqMu   sync.Mutex
	nextReq atomic.Uint64

	mu      sync.Mutex
	pending *pendingReply
	subs    map[string]*subscription
	closed  bool

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
}

// Options tunes client behavior; zero values pick the defaults.
type Options struct {
	ClientName   string
	PingInterval time.Duration
}

// Dial connects to the daemon socket and performs the handshake.
func Dial(socketPath string, opts Options) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("plugin: dial %s: %w", socketPath, err)
	}
	client, err := NewClient(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an established connection. The caller keeps ownership
// of conn only on error.
func NewClient(conn net.Conn, opts Options) (*Client, error) {
	if opts.ClientName == "" {
		opts.ClientName = "texelsync"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	c := &Client{
		conn: conn,
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}

	hello, err := protocol.EncodeHello(protocol.Hello{ClientName: opts.ClientName})
	if err != nil {
		return nil, err
	}
	header := protocol.Header{Version: protocol.Version, Type: protocol.MsgHello, Flags: protocol.FlagChecksum}
	if err := protocol.WriteMessage(conn, header, hello); err != nil {
		return nil, fmt.Errorf("plugin: handshake send: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	replyHeader, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("plugin: handshake read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if replyHeader.Type != protocol.MsgWelcome {
		return nil, fmt.Errorf("plugin: unexpected handshake reply type %d", replyHeader.Type)
	}
	welcome, err := protocol.DecodeWelcome(payload)
	if err != nil {
		return nil, err
	}
	c.daemonName = welcome.DaemonName

	go c.readLoop()
	go c.pingLoop(opts.PingInterval)
	return c, nil
}

// DaemonName reports the name announced by the daemon during handshake.
func (c *Client) DaemonName() string { return c.daemonName }

// Done is closed when the connection is lost or the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Spawn asks the daemon for a fresh terminal and returns its id.
func (c *Client) Spawn(cwd string, cols, rows int) (string, error) {
	payload, err := protocol.EncodeSpawnRequest(protocol.SpawnRequest{
		Cwd:  cwd,
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return "", err
	}
	frame, err := c.request(protocol.MsgSpawnRequest, payload, protocol.MsgSpawnReply)
	if err != nil {
		return "", err
	}
	reply, err := protocol.DecodeSpawnReply(frame.payload)
	if err != nil {
		return "", err
	}
	return reply.TermID, nil
}

// Write forwards input bytes to a terminal. Fire and forget: delivery
// failures surface on the daemon side, not here.
func (c *Client) Write(termID string, data []byte) error {
	payload, err := protocol.EncodeWriteInput(protocol.WriteInput{TermID: termID, Data: data})
	if err != nil {
		return err
	}
	return c.send(protocol.MsgWriteInput, payload)
}

func (c *Client) Resize(termID string, cols, rows int) error {
	payload, err := protocol.EncodeResizeTerm(protocol.ResizeTerm{
		TermID: termID,
		Cols:   uint16(cols),
		Rows:   uint16(rows),
	})
	if err != nil {
		return err
	}
	return c.send(protocol.MsgResizeTerm, payload)
}

func (c *Client) Kill(termID string) error {
	payload, err := protocol.EncodeKillTerm(protocol.KillTerm{TermID: termID})
	if err != nil {
		return err
	}
	return c.send(protocol.MsgKillTerm, payload)
}

// Subscribe registers onMessage for a terminal's output starting after
// fromSeq and returns the release function. Releasing is idempotent and
// stops the ack loop before telling the daemon.
func (c *Client) Subscribe(termID string, fromSeq uint64, onMessage OnMessage) (func(), error) {
	if onMessage == nil {
		return nil, errors.New("plugin: nil onMessage callback")
	}
	payload, err := protocol.EncodeSubscribe(protocol.Subscribe{TermID: termID, FromSeq: fromSeq})
	if err != nil {
		return nil, err
	}
	frame, err := c.request(protocol.MsgSubscribe, payload, protocol.MsgSubscribeOK)
	if err != nil {
		return nil, err
	}
	if _, err := protocol.DecodeSubscribeOK(frame.payload); err != nil {
		return nil, err
	}

	sub := &subscription{
		termID:    termID,
		onMessage: onMessage,
		ackSignal: make(chan struct{}, 1),
		stopAck:   make(chan struct{}),
	}
	sub.pendingAck.Store(fromSeq)
	sub.lastAck.Store(fromSeq)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[termID] = sub
	c.mu.Unlock()

	go c.ackLoop(sub)

	release := func() {
		sub.releaseOnce.Do(func() {
			c.mu.Lock()
			owned := c.subs[termID] == sub
			if owned {
				delete(c.subs, termID)
			}
			c.mu.Unlock()
			close(sub.stopAck)

			// Only the subscription that still owns the terminal tells the
			// daemon to unsubscribe. A stale release after a newer Subscribe
			// for the same terminal must not tear the fresh one down.
			if !owned {
				return
			}
			unsub, err := protocol.EncodeUnsubscribe(protocol.Unsubscribe{TermID: termID})
			if err == nil {
				_ = c.send(protocol.MsgUnsubscribe, unsub)
			}
		})
	}
	return release, nil
}

// Ack schedules an acknowledgment for a terminal up to seq. Acks are
// batched: bumping the high-water mark is cheap and the ack loop folds
// rapid calls into one frame.
func (c *Client) Ack(termID string, seq uint64) {
	c.mu.Lock()
	sub := c.subs[termID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	scheduleAck(&sub.pendingAck, sub.ackSignal, seq)
}

// Close tears the client down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()
		close(c.stop)
		c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		header, payload, err := protocol.ReadMessage(c.conn)
		if err != nil {
			if !isNetworkClosed(err) {
				log.Printf("plugin: read failed: %v", err)
			}
			return
		}

		switch header.Type {
		case protocol.MsgOutput:
			out, err := protocol.DecodeOutput(payload)
			if err != nil {
				log.Printf("plugin: decode output: %v", err)
				continue
			}
			c.mu.Lock()
			sub := c.subs[out.TermID]
			c.mu.Unlock()
			if sub != nil {
				sub.onMessage(header.Sequence, out.Data)
			}

		case protocol.MsgSpawnReply, protocol.MsgSubscribeOK, protocol.MsgError, protocol.MsgPong:
			c.routeReply(header, payload)

		default:
			// Unknown frames are ignored for forward compatibility.
		}
	}
}

// routeReply hands a direct reply to the in-flight request when the echoed
// sequence matches; everything else is unsolicited and only logged.
func (c *Client) routeReply(header protocol.Header, payload []byte) {
	if header.Type == protocol.MsgPong && header.Sequence == 0 {
		return
	}
	c.mu.Lock()
	pending := c.pending
	if pending != nil && pending.seq == header.Sequence &&
		(header.Type == pending.wantType || header.Type == protocol.MsgError) {
		c.pending = nil
		c.mu.Unlock()
		pending.ch <- replyFrame{header: header, payload: payload}
		return
	}
	c.mu.Unlock()

	if header.Type == protocol.MsgError {
		if notice, err := protocol.DecodeErrorNotice(payload); err == nil {
			log.Printf("plugin: daemon error %d: %s", notice.Code, notice.Message)
		}
	}
}

// request sends one control message and waits for its reply. Requests are
// serialized; the echoed sequence pairs replies with requests.
func (c *Client) request(msgType protocol.MessageType, payload []byte, wantType protocol.MessageType) (replyFrame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return replyFrame{}, ErrClosed
	default:
	}

	pending := &pendingReply{
		seq:      c.nextReq.Add(1),
		wantType: wantType,
		ch:       make(chan replyFrame, 1),
	}
	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == pending {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	header := protocol.Header{
		Version:  protocol.Version,
		Type:     msgType,
		Flags:    protocol.FlagChecksum,
		Sequence: pending.seq,
	}
	if err := c.writeMessage(header, payload); err != nil {
		return replyFrame{}, err
	}

	select {
	case frame := <-pending.ch:
		if frame.header.Type == protocol.MsgError {
			return replyFrame{}, decodeErrorNotice(frame.payload)
		}
		return frame, nil
	case <-c.done:
		return replyFrame{}, ErrClosed
	case <-time.After(requestTimeout):
		return replyFrame{}, ErrRequestTimeout
	}
}

func decodeErrorNotice(payload []byte) error {
	notice, err := protocol.DecodeErrorNotice(payload)
	if err != nil {
		return err
	}
	if notice.Code == protocol.ErrCodeUnknownTerm {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, notice.Message)
	}
	return fmt.Errorf("plugin: daemon error %d: %s", notice.Code, notice.Message)
}

// send writes a fire-and-forget frame with sequence zero.
func (c *Client) send(msgType protocol.MessageType, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	header := protocol.Header{Version: protocol.Version, Type: msgType, Flags: protocol.FlagChecksum}
	return c.writeMessage(header, payload)
}

func (c *Client) writeMessage(header protocol.Header, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteMessage(c.conn, header, payload)
}

func isNetworkClosed(err error) bool {
	if err == io.EOF || err == os.ErrClosed {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && !ne.Timeout()
}
