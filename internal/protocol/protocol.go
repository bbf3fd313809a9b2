// Package protocol implements the pipe-delimited line framing spoken between
// chat clients and the server.
//
// Every message is one line terminated by '\n'. Fields are separated by '|'
// and the first field is the command keyword. The decoder binds only the
// structured separators, so a '|' past the last structured field belongs to
// that field's payload verbatim.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLineLength is the largest accepted line in bytes, terminator included.
// Longer lines are a protocol error and the remainder of the line is drained.
const MaxLineLength = 4096

// Client command keywords.
const (
	CmdJoin  = "JOIN"
	CmdSend  = "SEND"
	CmdLeave = "LEAVE"
)

// Server event keywords.
const (
	EvtOK        = "OK"
	EvtErr       = "ERR"
	EvtJoined    = "JOINED"
	EvtLeft      = "LEFT"
	EvtBroadcast = "BROADCAST"
)

const sep = '|'

// Decode errors.
var (
	ErrEmpty           = errors.New("empty message")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingField    = errors.New("missing field")
	ErrUnexpectedField = errors.New("unexpected field")
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// ClientCommand is a decoded client line.
type ClientCommand struct {
	Kind     string
	Username string // JOIN
	Message  string // SEND
}

// ServerEvent is a decoded server line.
type ServerEvent struct {
	Kind     string
	Reason   string // ERR
	Username string // JOINED, LEFT, BROADCAST
	Message  string // BROADCAST
}

// splitKeyword separates the command keyword from the rest of the line.
// Returns rest="" and ok=false when the line has no separator.
func splitKeyword(line string) (keyword, rest string, ok bool) {
	if i := strings.IndexByte(line, sep); i >= 0 {
		return line[:i], line[i+1:], true
	}
	return line, "", false
}

// DecodeClientCommand parses one line from a client. Leading and trailing
// whitespace is trimmed before parsing; the line must be valid UTF-8.
func DecodeClientCommand(line string) (ClientCommand, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ClientCommand{}, ErrEmpty
	}
	if !utf8.ValidString(trimmed) {
		return ClientCommand{}, ErrInvalidEncoding
	}

	keyword, rest, hasRest := splitKeyword(trimmed)
	switch strings.ToUpper(keyword) {
	case CmdJoin:
		if !hasRest || strings.TrimSpace(rest) == "" {
			return ClientCommand{}, fmt.Errorf("%w: username for %s", ErrMissingField, CmdJoin)
		}
		return ClientCommand{Kind: CmdJoin, Username: rest}, nil
	case CmdSend:
		if !hasRest || rest == "" {
			return ClientCommand{}, fmt.Errorf("%w: message for %s", ErrMissingField, CmdSend)
		}
		return ClientCommand{Kind: CmdSend, Message: rest}, nil
	case CmdLeave:
		if hasRest {
			return ClientCommand{}, fmt.Errorf("%w: %s takes no fields", ErrUnexpectedField, CmdLeave)
		}
		return ClientCommand{Kind: CmdLeave}, nil
	default:
		return ClientCommand{}, fmt.Errorf("%w: %s", ErrUnknownCommand, keyword)
	}
}

// Encode renders the command as a line without the '\n' terminator.
func (c ClientCommand) Encode() []byte {
	switch c.Kind {
	case CmdJoin:
		return encodeFields(CmdJoin, c.Username)
	case CmdSend:
		return encodeFields(CmdSend, c.Message)
	default:
		return []byte(CmdLeave)
	}
}

// DecodeServerEvent parses one line from the server.
func DecodeServerEvent(line string) (ServerEvent, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ServerEvent{}, ErrEmpty
	}
	if !utf8.ValidString(trimmed) {
		return ServerEvent{}, ErrInvalidEncoding
	}

	keyword, rest, hasRest := splitKeyword(trimmed)
	switch strings.ToUpper(keyword) {
	case EvtOK:
		if hasRest {
			return ServerEvent{}, fmt.Errorf("%w: %s takes no fields", ErrUnexpectedField, EvtOK)
		}
		return ServerEvent{Kind: EvtOK}, nil
	case EvtErr:
		if !hasRest || rest == "" {
			return ServerEvent{}, fmt.Errorf("%w: reason for %s", ErrMissingField, EvtErr)
		}
		return ServerEvent{Kind: EvtErr, Reason: rest}, nil
	case EvtJoined:
		if !hasRest || rest == "" {
			return ServerEvent{}, fmt.Errorf("%w: username for %s", ErrMissingField, EvtJoined)
		}
		return ServerEvent{Kind: EvtJoined, Username: rest}, nil
	case EvtLeft:
		if !hasRest || rest == "" {
			return ServerEvent{}, fmt.Errorf("%w: username for %s", ErrMissingField, EvtLeft)
		}
		return ServerEvent{Kind: EvtLeft, Username: rest}, nil
	case EvtBroadcast:
		if !hasRest {
			return ServerEvent{}, fmt.Errorf("%w: username for %s", ErrMissingField, EvtBroadcast)
		}
		// Only the second separator is structured; the message keeps any
		// further '|' verbatim.
		username, message, ok := splitKeyword(rest)
		if !ok || username == "" {
			return ServerEvent{}, fmt.Errorf("%w: message for %s", ErrMissingField, EvtBroadcast)
		}
		return ServerEvent{Kind: EvtBroadcast, Username: username, Message: message}, nil
	default:
		return ServerEvent{}, fmt.Errorf("%w: %s", ErrUnknownCommand, keyword)
	}
}

// Encode renders the event as a line without the '\n' terminator.
func (e ServerEvent) Encode() []byte {
	switch e.Kind {
	case EvtErr:
		return encodeFields(EvtErr, e.Reason)
	case EvtJoined:
		return encodeFields(EvtJoined, e.Username)
	case EvtLeft:
		return encodeFields(EvtLeft, e.Username)
	case EvtBroadcast:
		return encodeFields(EvtBroadcast, e.Username, e.Message)
	default:
		return []byte(EvtOK)
	}
}

// OK returns the OK event.
func OK() ServerEvent { return ServerEvent{Kind: EvtOK} }

// Err returns an ERR event with the given reason.
func Err(reason string) ServerEvent { return ServerEvent{Kind: EvtErr, Reason: reason} }

// Joined returns a JOINED event for username.
func Joined(username string) ServerEvent {
	return ServerEvent{Kind: EvtJoined, Username: username}
}

// Left returns a LEFT event for username.
func Left(username string) ServerEvent {
	return ServerEvent{Kind: EvtLeft, Username: username}
}

// Broadcast returns a BROADCAST event carrying one user's message.
func Broadcast(username, message string) ServerEvent {
	return ServerEvent{Kind: EvtBroadcast, Username: username, Message: message}
}

func encodeFields(fields ...string) []byte {
	n := len(fields) - 1
	for _, f := range fields {
		n += len(f)
	}
	var b bytes.Buffer
	b.Grow(n)
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(sep)
		}
		b.WriteString(f)
	}
	return b.Bytes()
}
