package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// roomSendTimeout bounds a producer's wait for room queue space.
	roomSendTimeout = 100 * time.Millisecond

	// dispatcherRecvTimeout is the dispatcher's poll interval; each wakeup
	// also re-checks the shutdown flag.
	dispatcherRecvTimeout = 100 * time.Millisecond
)

// Broker wires the room queue to the user registry. Exactly one dispatcher
// goroutine per process drains the room and fans every payload out through
// the registry, so events reach each recipient in enqueue order.
type Broker struct {
	logger   zerolog.Logger
	room     MessageQueue
	registry *Registry

	// OnDispatch, when set before StartDispatcher, observes each completed
	// fan-out with its delivery count.
	OnDispatch func(sent int)

	// OnForward, when set, observes the outcome of every room publish.
	OnForward func(err error)

	shutdown atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewBroker creates a broker over the given room and registry.
func NewBroker(room MessageQueue, registry *Registry, logger zerolog.Logger) *Broker {
	return &Broker{
		logger:   logger.With().Str("component", "broker").Logger(),
		room:     room,
		registry: registry,
	}
}

// Registry returns the broker's registry.
func (b *Broker) Registry() *Registry { return b.registry }

// ForwardToRoom publishes an encoded server event to the room. This is the
// only ingress to the broadcast path.
func (b *Broker) ForwardToRoom(payload []byte) error {
	err := b.room.SendTimeout(payload, roomSendTimeout)
	if b.OnForward != nil {
		b.OnForward(err)
	}
	return err
}

// StartDispatcher launches the dispatcher goroutine. Calling it more than
// once is a no-op.
func (b *Broker) StartDispatcher() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return
	}
	b.done = make(chan struct{})
	go b.dispatch(b.done)
}

func (b *Broker) dispatch(done chan struct{}) {
	defer close(done)
	receiver := b.room.Receiver()

	for {
		if b.shutdown.Load() {
			b.logger.Info().Msg("Dispatcher received shutdown signal")
			return
		}

		payload, err := receiver.RecvTimeout(dispatcherRecvTimeout)
		switch {
		case err == nil:
			// No sender exclusion: clients suppress their own echo.
			sent, berr := b.registry.Broadcast(context.Background(), payload, nil)
			if berr != nil {
				b.logger.Warn().Err(berr).Msg("Broadcast failed")
				continue
			}
			if b.OnDispatch != nil {
				b.OnDispatch(sent)
			}
			if sent > 0 {
				b.logger.Debug().Int("recipients", sent).Msg("Dispatched message")
			}
		case errors.Is(err, ErrRecvTimeout):
			// Idle; loop to re-check shutdown.
		case errors.Is(err, ErrRecvDisconnected):
			b.logger.Info().Msg("Room channel disconnected, stopping dispatcher")
			return
		}
	}
}

// Shutdown sets the shutdown flag and waits for the dispatcher to exit.
func (b *Broker) Shutdown() {
	b.shutdown.Store(true)
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
	b.logger.Info().Msg("Dispatcher stopped")
}
