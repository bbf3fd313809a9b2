package chat

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// connHarness wires Connections over in-memory pipes to one shared broker.
type connHarness struct {
	broker   *Broker
	shutdown chan struct{}
}

func newConnHarness(t *testing.T) *connHarness {
	t.Helper()
	room := NewRoom(64)
	registry := NewRegistry(testLogger())
	broker := NewBroker(room, registry, testLogger())
	broker.StartDispatcher()
	t.Cleanup(func() {
		broker.Shutdown()
		room.Close()
	})
	return &connHarness{
		broker:   broker,
		shutdown: make(chan struct{}),
	}
}

// dial attaches a fresh client pipe and runs a Connection over the server
// end. Returns the client side.
func (h *connHarness) dial(t *testing.T) *pipeClient {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	c := NewConnection(server, h.broker, h.shutdown, ConnConfig{
		ReadTimeout: 500 * time.Millisecond,
	}, testLogger())
	go func() {
		c.Run()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("connection goroutine did not exit")
		}
	})
	return &pipeClient{conn: client, reader: bufio.NewReader(client), done: done}
}

type pipeClient struct {
	conn   net.Conn
	reader *bufio.Reader
	done   chan struct{}
}

func (p *pipeClient) send(t *testing.T, line string) {
	t.Helper()
	p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("client write %q: %v", line, err)
	}
}

func (p *pipeClient) recv(t *testing.T) string {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("client read: %v (got %q)", err, line)
	}
	return strings.TrimSuffix(line, "\n")
}

func (p *pipeClient) expectClosed(t *testing.T) {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := p.reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("expected EOF, got %q, %v", line, err)
	}
}

func TestConnectionJoinOK(t *testing.T) {
	h := newConnHarness(t)
	alice := h.dial(t)

	alice.send(t, "JOIN|alice")
	if got := alice.recv(t); got != "OK" {
		t.Fatalf("got %q, want OK", got)
	}
	// The join announcement comes back through the room; the server does
	// not suppress the sender's own echo.
	if got := alice.recv(t); got != "JOINED|alice" {
		t.Fatalf("got %q, want JOINED|alice", got)
	}
}

func TestConnectionMustJoinFirst(t *testing.T) {
	h := newConnHarness(t)
	c := h.dial(t)

	c.send(t, "SEND|hello")
	if got := c.recv(t); got != "ERR|must join first" {
		t.Fatalf("got %q", got)
	}
	// Still unauthenticated; a valid JOIN now succeeds.
	c.send(t, "JOIN|alice")
	if got := c.recv(t); got != "OK" {
		t.Fatalf("got %q, want OK", got)
	}
}

func TestConnectionJoinValidation(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"JOIN|", "ERR|missing field: username for JOIN"},
		{"JOIN|has space", "ERR|username must be alphanumeric"},
		{"JOIN|" + strings.Repeat("a", 33), "ERR|username too long (max 32 chars)"},
		{"FROB|x", "ERR|unknown command: FROB"},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			h := newConnHarness(t)
			c := h.dial(t)
			c.send(t, tc.line)
			if got := c.recv(t); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConnectionDuplicateUsername(t *testing.T) {
	h := newConnHarness(t)

	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	if got := alice.recv(t); got != "OK" {
		t.Fatalf("got %q", got)
	}

	dup := h.dial(t)
	dup.send(t, "JOIN|ALICE")
	if got := dup.recv(t); got != "ERR|username 'ALICE' is already taken" {
		t.Fatalf("got %q", got)
	}
	// The rejected client may retry under another name.
	dup.send(t, "JOIN|bob")
	if got := dup.recv(t); got != "OK" {
		t.Fatalf("retry join got %q", got)
	}
}

func TestConnectionBroadcastBetweenUsers(t *testing.T) {
	h := newConnHarness(t)

	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	if got := alice.recv(t); got != "OK" {
		t.Fatalf("alice join: %q", got)
	}
	if got := alice.recv(t); got != "JOINED|alice" {
		t.Fatalf("alice echo: %q", got)
	}

	bob := h.dial(t)
	bob.send(t, "JOIN|bob")
	if got := bob.recv(t); got != "OK" {
		t.Fatalf("bob join: %q", got)
	}
	if got := alice.recv(t); got != "JOINED|bob" {
		t.Fatalf("alice sees bob join: %q", got)
	}
	if got := bob.recv(t); got != "JOINED|bob" {
		t.Fatalf("bob join echo: %q", got)
	}

	// Pipes in the body pass through untouched.
	alice.send(t, "SEND|hi | there")
	want := "BROADCAST|alice|hi | there"
	if got := bob.recv(t); got != want {
		t.Fatalf("bob got %q, want %q", got, want)
	}
	if got := alice.recv(t); got != want {
		t.Fatalf("alice echo got %q, want %q", got, want)
	}
}

func TestConnectionAlreadyJoined(t *testing.T) {
	h := newConnHarness(t)
	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	if got := alice.recv(t); got != "OK" {
		t.Fatalf("join: %q", got)
	}
	if got := alice.recv(t); got != "JOINED|alice" {
		t.Fatalf("echo: %q", got)
	}

	alice.send(t, "JOIN|alice2")
	if got := alice.recv(t); got != "ERR|already joined" {
		t.Fatalf("got %q", got)
	}
}

func TestConnectionLeave(t *testing.T) {
	h := newConnHarness(t)

	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	alice.recv(t) // OK
	alice.recv(t) // JOINED|alice

	bob := h.dial(t)
	bob.send(t, "JOIN|bob")
	bob.recv(t)   // OK
	bob.recv(t)   // JOINED|bob
	alice.recv(t) // JOINED|bob

	bob.send(t, "LEAVE")
	if got := alice.recv(t); got != "LEFT|bob" {
		t.Fatalf("alice got %q, want LEFT|bob", got)
	}
	bob.expectClosed(t)

	// The name frees up immediately.
	again := h.dial(t)
	again.send(t, "JOIN|bob")
	if got := again.recv(t); got != "OK" {
		t.Fatalf("rejoin after leave: %q", got)
	}
}

func TestConnectionClientDisconnectPublishesLeft(t *testing.T) {
	h := newConnHarness(t)

	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	alice.recv(t)
	alice.recv(t)

	bob := h.dial(t)
	bob.send(t, "JOIN|bob")
	bob.recv(t)
	bob.recv(t)
	alice.recv(t) // JOINED|bob

	bob.conn.Close()
	if got := alice.recv(t); got != "LEFT|bob" {
		t.Fatalf("alice got %q, want LEFT|bob", got)
	}
}

func TestConnectionOversizedLine(t *testing.T) {
	h := newConnHarness(t)
	c := h.dial(t)

	c.send(t, strings.Repeat("x", 5000))
	if got := c.recv(t); got != "ERR|message too long" {
		t.Fatalf("got %q", got)
	}
	// The oversized line was discarded; the connection still works.
	c.send(t, "JOIN|alice")
	if got := c.recv(t); got != "OK" {
		t.Fatalf("join after oversize: %q", got)
	}
}

func TestConnectionPreJoinTimeout(t *testing.T) {
	h := newConnHarness(t)
	c := h.dial(t)
	// Never send JOIN; the pre-join read deadline closes the socket.
	c.expectClosed(t)
}

func TestConnectionShutdownUnwinds(t *testing.T) {
	h := newConnHarness(t)
	alice := h.dial(t)
	alice.send(t, "JOIN|alice")
	alice.recv(t)
	alice.recv(t)

	close(h.shutdown)
	alice.expectClosed(t)
}
