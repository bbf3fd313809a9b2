package chat

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// MaxUsernameLen is the maximum username length in Unicode codepoints.
const MaxUsernameLen = 32

// Username validation errors.
var (
	ErrUsernameEmpty           = errors.New("username cannot be empty")
	ErrUsernameTooLong         = errors.New("username too long (max 32 chars)")
	ErrUsernameNotAlphanumeric = errors.New("username must be alphanumeric")
)

// Username is a validated chat handle. The zero value is invalid; construct
// through NewUsername.
type Username struct {
	name string
}

// NewUsername trims surrounding whitespace and validates the candidate:
// non-empty, at most MaxUsernameLen codepoints, every codepoint alphanumeric
// or underscore.
func NewUsername(raw string) (Username, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Username{}, ErrUsernameEmpty
	}
	if utf8.RuneCountInString(trimmed) > MaxUsernameLen {
		return Username{}, ErrUsernameTooLong
	}
	if !isValidUsername(trimmed) {
		return Username{}, ErrUsernameNotAlphanumeric
	}
	return Username{name: trimmed}, nil
}

// String returns the username as the user typed it (post-trim).
func (u Username) String() string { return u.name }

// NormalizedKey is the Unicode case-folded form of a username, used as the
// registry's equality and lookup key. Two usernames collide iff their
// normalized keys are byte-equal; the German ß folds to ss.
type NormalizedKey string

// Key returns the username's normalized key. A Caser is not safe for
// concurrent use, so one is built per call.
func (u Username) Key() NormalizedKey {
	return NormalizedKey(cases.Fold().String(u.name))
}

func isValidUsernameRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

func isValidUsername(s string) bool {
	if isASCII(s) {
		return isASCIIValid(s)
	}
	for _, r := range s {
		if !isValidUsernameRune(r) {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// isASCIIValid is the byte-at-a-time fast path for pure-ASCII input. Results
// match the general rune path exactly.
func isASCIIValid(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return true
}
