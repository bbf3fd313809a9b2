package chat

import (
	"errors"
	"time"
)

// DefaultOutboundBuffer is the per-user outbound queue capacity.
const DefaultOutboundBuffer = 256

// ErrOutboundFull is reported when a user's outbound queue could not accept
// a payload within the send timeout. The user stays registered; they just
// miss that one message.
var ErrOutboundFull = errors.New("outbound queue full")

// Outbound is the send end of one user's outbound queue. The registry holds
// this end; the user's connection owns the receive end. Kept abstract so a
// test harness can substitute deterministic queues.
type Outbound interface {
	SendTimeout(payload []byte, timeout time.Duration) error
}

// OutboundQueue is a bounded FIFO of broadcast payloads for one connected
// user. Single consumer: that connection's writer half.
type OutboundQueue struct {
	ch chan []byte
}

// NewOutboundQueue creates a queue with the given capacity, clamped to a
// minimum of 1.
func NewOutboundQueue(buffer int) *OutboundQueue {
	if buffer < 1 {
		buffer = 1
	}
	return &OutboundQueue{ch: make(chan []byte, buffer)}
}

// SendTimeout implements Outbound. A zero timeout never waits.
func (q *OutboundQueue) SendTimeout(payload []byte, timeout time.Duration) error {
	select {
	case q.ch <- payload:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrOutboundFull
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- payload:
		return nil
	case <-timer.C:
		return ErrOutboundFull
	}
}

// C exposes the receive side for the connection's select loop.
func (q *OutboundQueue) C() <-chan []byte { return q.ch }

// TryRecv drains one payload without blocking.
func (q *OutboundQueue) TryRecv() ([]byte, bool) {
	select {
	case payload := <-q.ch:
		return payload, true
	default:
		return nil, false
	}
}
