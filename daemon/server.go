// Copyright © 2025 Texelsync contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// File: daemon/server.go
// Summary: Listener plumbing for the daemon: a Unix domain socket, an
//          optional WebSocket endpoint and graceful shutdown.

package daemon

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures a Server. WSAddr is optional; when empty only the
// Unix socket is served.
type Options struct {
	SocketPath string
	WSAddr     string
	Name       string
	Sessions   *SessionTable
	Stats      StatsObserver
}

// Server accepts client connections and runs one pull loop per client.
type Server struct {
	opts       Options
	listener   net.Listener
	httpSrv    *http.Server
	wsListener net.Listener
	quit       chan struct{}
	wg         sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "texelsyncd"
	}
	if opts.Stats == nil {
		opts.Stats = nopStats{}
	}
	return &Server{opts: opts, quit: make(chan struct{})}
}

func (s *Server) Start() error {
	if err := os.RemoveAll(s.opts.SocketPath); err != nil {
		return err
	}
	l, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return err
	}
	s.listener = l
	s.wg.Add(1)
	go s.acceptLoop()
	log.Printf("daemon: listening on %s", s.opts.SocketPath)

	if s.opts.WSAddr != "" {
		if err := s.startWS(); err != nil {
			l.Close()
			return err
		}
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		c := newConnection(conn, s.opts.Sessions, s.opts.Stats)
		if err := c.serve(s.opts.Name); err != nil {
			log.Printf("daemon: connection closed: %v", err)
		}
	}()
}

func (s *Server) startWS() error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The daemon is a per-user local service; browsers on other
		// origins still have to reach the loopback listener.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("daemon: websocket upgrade: %v", err)
			return
		}
		s.serveConn(newWSConn(ws))
	})
	s.httpSrv = &http.Server{Addr: s.opts.WSAddr, Handler: mux}

	ln, err := net.Listen("tcp", s.opts.WSAddr)
	if err != nil {
		return err
	}
	s.wsListener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("daemon: websocket server: %v", err)
		}
	}()
	log.Printf("daemon: websocket endpoint on %s/ws", ln.Addr())
	return nil
}

// WSAddr reports the bound WebSocket address, empty when disabled.
func (s *Server) WSAddr() string {
	if s.wsListener == nil {
		return ""
	}
	return s.wsListener.Addr().String()
}

// Stop closes the listeners and waits for in-flight connections until
// ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Server) Sessions() *SessionTable {
	return s.opts.Sessions
}
