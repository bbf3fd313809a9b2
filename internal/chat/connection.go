package chat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/linechat/internal/logging"
	"github.com/adred-codev/linechat/internal/protocol"
)

// Connection I/O bounds.
const (
	// DefaultReadTimeout is the socket read deadline. Expiry is fatal
	// before JOIN and ignored after.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout is the deadline for writing one line.
	DefaultWriteTimeout = 5 * time.Second
)

// ConnState tags the connection state machine. Transitions are strictly
// forward: Unauthenticated -> Joined -> Disconnected.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateJoined
	StateDisconnected
)

// ConnConfig bounds one connection's behavior. Zero fields take defaults.
type ConnConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MessageRate    int
	MessageBurst   int
	OutboundBuffer int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MessageRate <= 0 {
		c.MessageRate = DefaultMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = DefaultMessageBurst
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	return c
}

// Connection runs the per-socket protocol task: parse, admission, send and
// receive loops, teardown.
type Connection struct {
	conn     net.Conn
	writer   *bufio.Writer
	addr     string
	broker   *Broker
	shutdown <-chan struct{}
	cfg      ConnConfig
	logger   zerolog.Logger
	state    ConnState
}

// NewConnection wraps an accepted socket. The shutdown channel composes into
// every wait; when it closes the connection unwinds gracefully.
func NewConnection(conn net.Conn, broker *Broker, shutdown <-chan struct{}, cfg ConnConfig, logger zerolog.Logger) *Connection {
	addr := conn.RemoteAddr().String()
	return &Connection{
		conn:     conn,
		writer:   bufio.NewWriter(conn),
		addr:     addr,
		broker:   broker,
		shutdown: shutdown,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("remote_addr", addr).Logger(),
		state:    StateUnauthenticated,
	}
}

// State reports the current state tag.
func (c *Connection) State() ConnState { return c.state }

// Run drives the connection until it disconnects. It always closes the
// socket before returning.
func (c *Connection) Run() {
	events := make(chan readEvent, 1)
	defer func() {
		c.state = StateDisconnected
		c.conn.Close()
		// Unblock the reader's final event so its goroutine can exit.
		go func() {
			for range events {
			}
		}()
	}()

	c.logger.Info().Msg("New connection")

	go c.readLoop(events)

	joined, ok := c.waitForJoin(events)
	if !ok {
		return
	}
	c.state = StateJoined
	c.runJoined(joined, events)
}

type readKind int

const (
	readLine readKind = iota
	readTimeout
	readTooLong
	readClosed
	readFailed
)

type readEvent struct {
	kind readKind
	line string
	err  error
}

// readLoop owns the buffered reader. It emits one event per line, timeout,
// or oversized line, and exits on EOF, read error, or socket close. The
// buffer is sized to MaxLineLength so an unterminated line that fills it is
// the oversize signal; the remainder of that line is then drained silently.
func (c *Connection) readLoop(events chan<- readEvent) {
	defer close(events)
	reader := bufio.NewReaderSize(c.conn, protocol.MaxLineLength)
	var pending []byte
	draining := false

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		chunk, err := reader.ReadSlice('\n')
		pending = append(pending, chunk...)

		switch {
		case err == nil:
			line := pending
			pending = nil
			if draining {
				draining = false
				continue
			}
			if len(line) > protocol.MaxLineLength {
				events <- readEvent{kind: readTooLong}
				continue
			}
			events <- readEvent{kind: readLine, line: string(line)}

		case errors.Is(err, bufio.ErrBufferFull):
			pending = nil
			if !draining {
				draining = true
				events <- readEvent{kind: readTooLong}
			}

		case isTimeoutErr(err):
			if !draining && len(pending) > protocol.MaxLineLength {
				pending = nil
				draining = true
				events <- readEvent{kind: readTooLong}
				continue
			}
			events <- readEvent{kind: readTimeout}

		case errors.Is(err, io.EOF):
			events <- readEvent{kind: readClosed}
			return

		default:
			events <- readEvent{kind: readFailed, err: err}
			return
		}
	}
}

func isTimeoutErr(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// waitForJoin runs the Unauthenticated state: only JOIN is accepted. A read
// timeout here is fatal; a 0-byte read is silent termination.
func (c *Connection) waitForJoin(events <-chan readEvent) (*joinedSession, bool) {
	out := NewOutboundQueue(c.cfg.OutboundBuffer)

	for {
		select {
		case <-c.shutdown:
			c.logger.Info().Msg("Shutdown before join")
			return nil, false

		case ev, open := <-events:
			if !open {
				return nil, false
			}
			switch ev.kind {
			case readTimeout:
				c.logger.Warn().Msg("Connection timed out during join")
				return nil, false

			case readClosed:
				c.logger.Info().Msg("Connection closed before joining")
				return nil, false

			case readFailed:
				c.logger.Error().Err(ev.err).Msg("Read error during join")
				return nil, false

			case readTooLong:
				if !c.writeEvent(protocol.Err("message too long")) {
					return nil, false
				}

			case readLine:
				session, done := c.handleJoinLine(ev.line, out)
				if session != nil || done {
					return session, session != nil
				}
			}
		}
	}
}

// handleJoinLine processes one pre-join line. Returns a session on
// successful JOIN, or done=true when the connection must terminate.
func (c *Connection) handleJoinLine(line string, out *OutboundQueue) (*joinedSession, bool) {
	cmd, err := protocol.DecodeClientCommand(line)
	if err != nil {
		c.logger.Warn().Str("error", err.Error()).Msg("Invalid command")
		return nil, !c.writeEvent(protocol.Err(err.Error()))
	}

	if cmd.Kind != protocol.CmdJoin {
		return nil, !c.writeEvent(protocol.Err("must join first"))
	}

	username, err := NewUsername(cmd.Username)
	if err != nil {
		return nil, !c.writeEvent(protocol.Err(err.Error()))
	}

	user, err := c.broker.Registry().Register(username, out)
	if err != nil {
		return nil, !c.writeEvent(protocol.Err(err.Error()))
	}

	if !c.writeEvent(protocol.OK()) {
		// Socket died between register and OK; roll the registration back.
		c.broker.Registry().Unregister(user)
		return nil, true
	}

	name := user.Username().String()
	if err := c.broker.ForwardToRoom(protocol.Joined(name).Encode()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish join to room")
	}

	c.logger.Info().Str("username", logging.Sanitize(name)).Msg("User joined")
	return &joinedSession{user: user, out: out, limiter: NewMessageLimiterWithConfig(c.cfg.MessageRate, c.cfg.MessageBurst)}, false
}

type joinedSession struct {
	user    User
	out     *OutboundQueue
	limiter *MessageLimiter
}

// runJoined drives the Joined state until LEAVE, client close, shutdown, or
// an I/O error. Each tick drains queued broadcasts first, then handles one
// event; shutdown takes priority over both.
func (c *Connection) runJoined(s *joinedSession, events <-chan readEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-c.shutdown:
			c.teardown(s, true)
			return
		default:
		}

		if !c.drainOutbound(s) {
			c.teardown(s, false)
			return
		}

		select {
		case <-c.shutdown:
			c.teardown(s, true)
			return

		case payload := <-s.out.C():
			if !c.writePayload(payload) {
				c.teardown(s, false)
				return
			}

		case ev, open := <-events:
			if !open {
				c.teardown(s, false)
				return
			}
			if !c.handleJoinedEvent(ctx, s, ev) {
				return
			}
		}
	}
}

// handleJoinedEvent processes one post-join event. Returns false once the
// connection has torn down.
func (c *Connection) handleJoinedEvent(ctx context.Context, s *joinedSession, ev readEvent) bool {
	switch ev.kind {
	case readTimeout:
		// Idle clients are fine after join.
		return true

	case readClosed:
		c.logger.Info().Msg("Connection closed by client")
		c.teardown(s, true)
		return false

	case readFailed:
		c.logger.Error().Err(ev.err).Msg("Read error")
		c.teardown(s, false)
		return false

	case readTooLong:
		c.logger.Warn().Str("username", c.safeName(s)).Msg("Oversized message")
		if !c.writeEvent(protocol.Err("message too long")) {
			c.teardown(s, false)
			return false
		}
		return true

	case readLine:
		return c.handleJoinedLine(ctx, s, ev.line)
	}
	return true
}

func (c *Connection) handleJoinedLine(ctx context.Context, s *joinedSession, line string) bool {
	cmd, err := protocol.DecodeClientCommand(line)
	if err != nil {
		c.logger.Warn().Str("error", err.Error()).Msg("Invalid command")
		if !c.writeEvent(protocol.Err(err.Error())) {
			c.teardown(s, false)
			return false
		}
		return true
	}

	switch cmd.Kind {
	case protocol.CmdJoin:
		if !c.writeEvent(protocol.Err("already joined")) {
			c.teardown(s, false)
			return false
		}
		return true

	case protocol.CmdSend:
		if err := s.limiter.Acquire(ctx); err != nil {
			// Canceled by shutdown; the next tick tears down.
			return true
		}
		payload := protocol.Broadcast(s.user.Username().String(), cmd.Message).Encode()
		if err := c.broker.ForwardToRoom(payload); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send message to room")
			if !c.writeEvent(protocol.Err(err.Error())) {
				c.teardown(s, false)
				return false
			}
			return true
		}
		c.logger.Debug().
			Str("username", c.safeName(s)).
			Str("message", logging.Sanitize(logging.Truncate(cmd.Message, 64))).
			Msg("Message forwarded")
		return true

	case protocol.CmdLeave:
		c.logger.Info().Str("username", c.safeName(s)).Msg("User requested leave")
		c.teardown(s, true)
		return false
	}
	return true
}

// teardown unregisters the user, optionally drains remaining broadcasts to
// the socket, and publishes LEFT -- but only when unregister actually
// removed the user, so the leaver can never receive their own LEFT.
func (c *Connection) teardown(s *joinedSession, drain bool) {
	removed, err := c.broker.Registry().Unregister(s.user)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Unregister failed during teardown")
	}

	if drain {
		c.drainOutbound(s)
	}

	if removed {
		name := s.user.Username().String()
		if err := c.broker.ForwardToRoom(protocol.Left(name).Encode()); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to publish leave to room")
		}
	}

	c.logger.Info().Str("username", c.safeName(s)).Msg("User disconnected")
}

// drainOutbound writes queued broadcasts until the queue is momentarily
// empty. Returns false on write failure.
func (c *Connection) drainOutbound(s *joinedSession) bool {
	for {
		payload, ok := s.out.TryRecv()
		if !ok {
			return true
		}
		if !c.writePayload(payload) {
			return false
		}
	}
}

// writePayload writes one already-encoded event line. Every write ends with
// the terminator and is flushed before the next wait.
func (c *Connection) writePayload(payload []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.writer.Write(payload); err != nil {
		return c.writeFailed(err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return c.writeFailed(err)
	}
	if err := c.writer.Flush(); err != nil {
		return c.writeFailed(err)
	}
	return true
}

func (c *Connection) writeEvent(evt protocol.ServerEvent) bool {
	return c.writePayload(evt.Encode())
}

func (c *Connection) writeFailed(err error) bool {
	c.logger.Debug().Err(err).Msg("Write failed")
	return false
}

func (c *Connection) safeName(s *joinedSession) string {
	return logging.Sanitize(s.user.Username().String())
}
