package daemon

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/framegrace/texelsync/protocol"
)

func startTestConn(t *testing.T) (net.Conn, *SessionTable) {
	t.Helper()
	client, server := net.Pipe()

	table := NewSessionTable("/bin/sh", 8, nil)
	var ttys []*pipeTTY
	table.spawn = func(shell, cwd string, cols, rows int) (io.ReadWriteCloser, sessionControl, error) {
		tty, _ := newPipeTTY()
		ttys = append(ttys, tty)
		return tty, sessionControl{}, nil
	}

	c := newConnection(server, table, nil)
	go func() {
		c.serve("testd")
		server.Close()
	}()
	t.Cleanup(func() {
		client.Close()
		table.Shutdown()
	})
	return client, table
}

func writeClientMsg(t *testing.T, conn net.Conn, msgType protocol.MessageType, payload []byte) {
	t.Helper()
	header := protocol.Header{Version: protocol.Version, Type: msgType, Flags: protocol.FlagChecksum}
	if err := protocol.WriteMessage(conn, header, payload); err != nil {
		t.Fatalf("write %v: %v", msgType, err)
	}
}

func readClientMsg(t *testing.T, conn net.Conn) (protocol.Header, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	return header, payload
}

func clientHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	payload, err := protocol.EncodeHello(protocol.Hello{ClientName: "conn-test"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgHello, payload)

	header, body := readClientMsg(t, conn)
	if header.Type != protocol.MsgWelcome {
		t.Fatalf("expected welcome, got %v", header.Type)
	}
	welcome, err := protocol.DecodeWelcome(body)
	if err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.DaemonName == "" {
		t.Fatalf("welcome missing daemon name")
	}
	if header.ConnID == ([16]byte{}) {
		t.Fatalf("expected assigned connection id")
	}
}

// pingPong forces the server to drain everything the client sent before
// the ping, so tests can order operations deterministically.
func pingPong(t *testing.T, conn net.Conn) {
	t.Helper()
	payload, err := protocol.EncodePing(protocol.Ping{Timestamp: 42})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgPing, payload)
	header, body := readClientMsg(t, conn)
	if header.Type != protocol.MsgPong {
		t.Fatalf("expected pong, got %v", header.Type)
	}
	pong, err := protocol.DecodePong(body)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Timestamp != 42 {
		t.Fatalf("pong echoed %d", pong.Timestamp)
	}
}

func spawnOverConn(t *testing.T, conn net.Conn) string {
	t.Helper()
	payload, err := protocol.EncodeSpawnRequest(protocol.SpawnRequest{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("encode spawn: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgSpawnRequest, payload)

	header, body := readClientMsg(t, conn)
	if header.Type != protocol.MsgSpawnReply {
		t.Fatalf("expected spawn reply, got %v", header.Type)
	}
	reply, err := protocol.DecodeSpawnReply(body)
	if err != nil {
		t.Fatalf("decode spawn reply: %v", err)
	}
	if reply.TermID == "" {
		t.Fatalf("spawn reply missing terminal id")
	}
	return reply.TermID
}

func TestConnSubscribeDeliversSequencedOutput(t *testing.T) {
	conn, table := startTestConn(t)
	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)

	subPayload, err := protocol.EncodeSubscribe(protocol.Subscribe{TermID: termID, FromSeq: 0})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgSubscribe, subPayload)

	header, body := readClientMsg(t, conn)
	if header.Type != protocol.MsgSubscribeOK {
		t.Fatalf("expected subscribe ok, got %v", header.Type)
	}
	ok, err := protocol.DecodeSubscribeOK(body)
	if err != nil {
		t.Fatalf("decode subscribe ok: %v", err)
	}
	if ok.NextSeq != 1 {
		t.Fatalf("expected next sequence 1 on a fresh terminal, got %d", ok.NextSeq)
	}

	sess := table.Lookup(termID)
	if sess == nil {
		t.Fatalf("spawned session not in table")
	}
	sess.appendOutput([]byte("first"))
	sess.appendOutput([]byte("second"))

	for i, want := range []string{"first", "second"} {
		header, body := readClientMsg(t, conn)
		if header.Type != protocol.MsgOutput {
			t.Fatalf("expected output frame, got %v", header.Type)
		}
		if header.Sequence != uint64(i+1) {
			t.Fatalf("output %d carried sequence %d", i, header.Sequence)
		}
		out, err := protocol.DecodeOutput(body)
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if out.TermID != termID || string(out.Data) != want {
			t.Fatalf("output %d: got %q for %q", i, out.Data, out.TermID)
		}
	}

	ackPayload, err := protocol.EncodeOutputAck(protocol.OutputAck{TermID: termID, Seq: 2})
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgOutputAck, ackPayload)
	pingPong(t, conn)

	if pending := sess.PendingAfter(0); len(pending) != 0 {
		t.Fatalf("expected window trimmed after ack, got %d chunks", len(pending))
	}
}

func TestConnWriteInputReachesSession(t *testing.T) {
	conn, table := startTestConn(t)
	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)

	payload, err := protocol.EncodeWriteInput(protocol.WriteInput{TermID: termID, Data: []byte("ls -la\n")})
	if err != nil {
		t.Fatalf("encode write: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgWriteInput, payload)
	pingPong(t, conn)

	sess := table.Lookup(termID)
	tty := sess.tty.(*pipeTTY)
	if got := tty.input(); got != "ls -la\n" {
		t.Fatalf("expected input forwarded to pty, got %q", got)
	}
}

func TestConnUnknownTerminalError(t *testing.T) {
	conn, _ := startTestConn(t)
	clientHandshake(t, conn)

	payload, err := protocol.EncodeWriteInput(protocol.WriteInput{TermID: "no-such-term", Data: []byte("x")})
	if err != nil {
		t.Fatalf("encode write: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgWriteInput, payload)

	header, body := readClientMsg(t, conn)
	if header.Type != protocol.MsgError {
		t.Fatalf("expected error notice, got %v", header.Type)
	}
	notice, err := protocol.DecodeErrorNotice(body)
	if err != nil {
		t.Fatalf("decode error notice: %v", err)
	}
	if notice.Code != protocol.ErrCodeUnknownTerm {
		t.Fatalf("expected unknown terminal code, got %d", notice.Code)
	}
}

func TestConnKillRemovesSession(t *testing.T) {
	conn, table := startTestConn(t)
	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)

	payload, err := protocol.EncodeKillTerm(protocol.KillTerm{TermID: termID})
	if err != nil {
		t.Fatalf("encode kill: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgKillTerm, payload)
	pingPong(t, conn)

	if table.Count() != 0 {
		t.Fatalf("expected session removed after kill, got %d live", table.Count())
	}

	writeClientMsg(t, conn, protocol.MsgKillTerm, payload)
	header, _ := readClientMsg(t, conn)
	if header.Type != protocol.MsgError {
		t.Fatalf("expected error on double kill, got %v", header.Type)
	}
}

func TestConnUnsubscribeStopsDelivery(t *testing.T) {
	conn, table := startTestConn(t)
	clientHandshake(t, conn)
	termID := spawnOverConn(t, conn)

	subPayload, err := protocol.EncodeSubscribe(protocol.Subscribe{TermID: termID, FromSeq: 0})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgSubscribe, subPayload)
	if header, _ := readClientMsg(t, conn); header.Type != protocol.MsgSubscribeOK {
		t.Fatalf("expected subscribe ok, got %v", header.Type)
	}

	unsubPayload, err := protocol.EncodeUnsubscribe(protocol.Unsubscribe{TermID: termID})
	if err != nil {
		t.Fatalf("encode unsubscribe: %v", err)
	}
	writeClientMsg(t, conn, protocol.MsgUnsubscribe, unsubPayload)
	pingPong(t, conn)

	table.Lookup(termID).appendOutput([]byte("unseen"))

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := protocol.ReadMessage(conn); err == nil {
		t.Fatalf("expected no output after unsubscribe")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}
