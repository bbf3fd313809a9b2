package chat

import (
	"errors"
	"testing"
	"time"
)

func TestOutboundQueueSendRecv(t *testing.T) {
	q := NewOutboundQueue(2)
	if err := q.SendTimeout([]byte("a"), 0); err != nil {
		t.Fatalf("SendTimeout: %v", err)
	}
	got, ok := q.TryRecv()
	if !ok || string(got) != "a" {
		t.Fatalf("TryRecv = %q, %v", got, ok)
	}
}

func TestOutboundQueueFull(t *testing.T) {
	q := NewOutboundQueue(1)
	if err := q.SendTimeout([]byte("a"), 0); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := q.SendTimeout([]byte("b"), 0); !errors.Is(err, ErrOutboundFull) {
		t.Fatalf("got %v, want ErrOutboundFull", err)
	}
	if err := q.SendTimeout([]byte("b"), 10*time.Millisecond); !errors.Is(err, ErrOutboundFull) {
		t.Fatalf("timed send: got %v, want ErrOutboundFull", err)
	}
}

func TestOutboundQueueTryRecvEmpty(t *testing.T) {
	q := NewOutboundQueue(1)
	if _, ok := q.TryRecv(); ok {
		t.Fatal("TryRecv on empty queue reported a payload")
	}
}

func TestOutboundQueueMinimumCapacity(t *testing.T) {
	q := NewOutboundQueue(0)
	if err := q.SendTimeout([]byte("a"), 0); err != nil {
		t.Fatalf("send into clamped queue: %v", err)
	}
}
