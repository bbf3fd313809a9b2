package chat

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// DefaultRoomBuffer is the room queue capacity in messages.
const DefaultRoomBuffer = 65535

// Room send errors.
var (
	ErrRoomBusy    = errors.New("room busy, message not sent")
	ErrRoomClosed  = errors.New("room closed, message not sent")
	ErrRoomFull    = errors.New("room buffer full, message not sent")
	ErrRoomTimeout = errors.New("room send timed out, message not sent")
)

// Room receive errors.
var (
	ErrRecvTimeout      = errors.New("room receive timed out")
	ErrRecvDisconnected = errors.New("room channel disconnected")
)

// MessageQueue is the producer side of the room: connection tasks publish
// encoded server events through it. Implementations must be safe for
// concurrent producers.
type MessageQueue interface {
	// SendTimeout publishes payload, waiting at most timeout for queue
	// space. A zero timeout never waits and reports ErrRoomFull instead of
	// ErrRoomTimeout. The payload is shared by reference from here on and
	// must not be mutated.
	SendTimeout(payload []byte, timeout time.Duration) error
	Receiver() MessageReceiver
}

// MessageReceiver is the consumer side of the room. The dispatcher is the
// sole consumer.
type MessageReceiver interface {
	// RecvTimeout returns the next payload, ErrRecvTimeout after timeout,
	// or ErrRecvDisconnected once the queue is closed and drained.
	RecvTimeout(timeout time.Duration) ([]byte, error)
}

// Room is the process-wide bounded FIFO carrying broadcast payloads from all
// connection tasks to the single dispatcher. Payloads are immutable byte
// slices: one allocation per message, shared by every recipient.
type Room struct {
	id        string
	createdAt time.Time

	// mu guards the closed flag. Producers hold the read side while
	// sending so Close cannot race a send in flight.
	mu     sync.RWMutex
	closed bool
	ch     chan []byte
}

// NewRoom creates a room with the given queue capacity. Capacities below 1
// are clamped to 1.
func NewRoom(buffer int) *Room {
	if buffer < 1 {
		buffer = 1
	}
	return &Room{
		id:        newRoomID(),
		createdAt: time.Now(),
		ch:        make(chan []byte, buffer),
	}
}

// ID returns the room's identifier for logging.
func (r *Room) ID() string { return r.id }

// CreatedAt returns when the room was created.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// SendTimeout implements MessageQueue.
func (r *Room) SendTimeout(payload []byte, timeout time.Duration) error {
	if !r.mu.TryRLock() {
		return ErrRoomBusy
	}
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRoomClosed
	}

	select {
	case r.ch <- payload:
		return nil
	default:
	}

	if timeout <= 0 {
		return ErrRoomFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.ch <- payload:
		return nil
	case <-timer.C:
		return ErrRoomTimeout
	}
}

// Receiver implements MessageQueue.
func (r *Room) Receiver() MessageReceiver { return r }

// RecvTimeout implements MessageReceiver.
func (r *Room) RecvTimeout(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload, ok := <-r.ch:
		if !ok {
			return nil, ErrRecvDisconnected
		}
		return payload, nil
	case <-timer.C:
		return nil, ErrRecvTimeout
	}
}

// Close logically closes the sender endpoint. All future sends report
// ErrRoomClosed; the receiver drains what is already queued and then sees
// ErrRecvDisconnected. Close is idempotent.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

func newRoomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "room-unknown"
	}
	return hex.EncodeToString(b[:])
}
