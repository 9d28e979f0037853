package daemon

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestTable() *SessionTable {
	table := NewSessionTable("/bin/sh", 8, nil)
	table.spawn = func(shell, cwd string, cols, rows int) (io.ReadWriteCloser, sessionControl, error) {
		tty, _ := newPipeTTY()
		return tty, sessionControl{}, nil
	}
	return table
}

func TestServerUnixSocketEndToEnd(t *testing.T) {
	table := newTestTable()
	socket := filepath.Join(t.TempDir(), "texelsyncd.sock")
	srv := NewServer(Options{SocketPath: socket, Sessions: table, Name: "e2e"})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Fatalf("stop server: %v", err)
		}
		table.Shutdown()
	}()

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial socket: %v", err)
	}
	defer conn.Close()

	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)
	if table.Lookup(termID) == nil {
		t.Fatalf("spawned terminal missing from table")
	}
	pingPong(t, conn)
}

func TestServerWebSocketEndToEnd(t *testing.T) {
	table := newTestTable()
	socket := filepath.Join(t.TempDir(), "texelsyncd.sock")
	srv := NewServer(Options{
		SocketPath: socket,
		WSAddr:     "127.0.0.1:0",
		Sessions:   table,
		Name:       "e2e-ws",
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			t.Fatalf("stop server: %v", err)
		}
		table.Shutdown()
	}()

	addr := srv.WSAddr()
	if addr == "" {
		t.Fatalf("websocket listener not bound")
	}
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	conn := newWSConn(ws)
	defer conn.Close()

	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)
	if table.Lookup(termID) == nil {
		t.Fatalf("spawned terminal missing from table")
	}
	pingPong(t, conn)
}
