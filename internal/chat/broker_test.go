package chat

import (
	"errors"
	"testing"
	"time"
)

func TestBrokerForwardAndDispatch(t *testing.T) {
	room := NewRoom(16)
	registry := NewRegistry(testLogger())
	broker := NewBroker(room, registry, testLogger())

	out := NewOutboundQueue(4)
	if _, err := registry.Register(mustUsername(t, "alice"), out); err != nil {
		t.Fatalf("Register: %v", err)
	}

	dispatched := make(chan int, 1)
	broker.OnDispatch = func(sent int) { dispatched <- sent }
	broker.StartDispatcher()
	defer broker.Shutdown()

	payload := []byte("BROADCAST|alice|hello")
	if err := broker.ForwardToRoom(payload); err != nil {
		t.Fatalf("ForwardToRoom: %v", err)
	}

	select {
	case sent := <-dispatched:
		if sent != 1 {
			t.Fatalf("sent = %d, want 1", sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never delivered")
	}

	got, ok := out.TryRecv()
	if !ok || string(got) != string(payload) {
		t.Fatalf("outbound got %q, %v", got, ok)
	}
}

func TestBrokerDispatchOrder(t *testing.T) {
	room := NewRoom(16)
	registry := NewRegistry(testLogger())
	broker := NewBroker(room, registry, testLogger())

	out := NewOutboundQueue(16)
	if _, err := registry.Register(mustUsername(t, "alice"), out); err != nil {
		t.Fatal(err)
	}

	delivered := make(chan struct{}, 8)
	broker.OnDispatch = func(int) { delivered <- struct{}{} }

	lines := []string{"first", "second", "third"}
	for _, l := range lines {
		if err := broker.ForwardToRoom([]byte(l)); err != nil {
			t.Fatalf("ForwardToRoom(%q): %v", l, err)
		}
	}

	broker.StartDispatcher()
	defer broker.Shutdown()

	for range lines {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch stalled")
		}
	}
	for _, want := range lines {
		got, ok := out.TryRecv()
		if !ok || string(got) != want {
			t.Fatalf("got %q, %v; want %q", got, ok, want)
		}
	}
}

func TestBrokerShutdownStopsDispatcher(t *testing.T) {
	room := NewRoom(4)
	broker := NewBroker(room, NewRegistry(testLogger()), testLogger())
	broker.StartDispatcher()

	done := make(chan struct{})
	go func() {
		broker.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestBrokerStopsWhenRoomCloses(t *testing.T) {
	room := NewRoom(4)
	broker := NewBroker(room, NewRegistry(testLogger()), testLogger())
	broker.StartDispatcher()

	room.Close()

	// The dispatcher sees the disconnect and exits on its own; Shutdown
	// then returns immediately.
	done := make(chan struct{})
	go func() {
		broker.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after room close")
	}

	if err := broker.ForwardToRoom([]byte("late")); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("forward after close: got %v, want ErrRoomClosed", err)
	}
}

func TestBrokerStartDispatcherIdempotent(t *testing.T) {
	room := NewRoom(4)
	broker := NewBroker(room, NewRegistry(testLogger()), testLogger())
	broker.StartDispatcher()
	broker.StartDispatcher()
	broker.Shutdown()
}
