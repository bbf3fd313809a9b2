package logging

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sanitize escapes control characters in client-supplied text so it is safe
// to embed in a log line. Newlines injected by a client would otherwise let
// them forge log entries.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case 0:
			b.WriteString(`\0`)
		default:
			if unicode.IsControl(r) {
				for _, byt := range []byte(string(r)) {
					fmt.Fprintf(&b, `\x%02x`, byt)
				}
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// Truncate caps client-supplied text at max runes for logging, appending
// "..." when it was cut.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	keep := max - 3
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + "..."
}
