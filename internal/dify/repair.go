package dify

import (
	"regexp"
	"strconv"
	"strings"
)

// The provider is observed to occasionally emit double-escaped or truncated
// JSON payloads mid-stream. The helpers below make a best effort at turning
// such records back into parseable JSON before the normalizer drops them.

var doubledUnicodeEscapeRe = regexp.MustCompile(`\\\\u([0-9a-fA-F]{4})`)

// resolveUnicodeEscapes decodes doubly escaped \uXXXX sequences into their
// literal runes.
func resolveUnicodeEscapes(s string) string {
	return doubledUnicodeEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
		v, err := strconv.ParseUint(m[3:], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(v))
	})
}

// collapseDoubledEscapes collapses doubled backslashes left over from a
// second round of JSON encoding.
func collapseDoubledEscapes(s string) string {
	return strings.ReplaceAll(s, `\\`, `\`)
}

// repairJSON balances an unterminated string and any unclosed braces or
// brackets in a truncated JSON document. It scans outside string context to
// find what is still open, then appends the closers in reverse order.
func repairJSON(s string) string {
	var open []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			open = append(open, '}')
		case '[':
			open = append(open, ']')
		case '}', ']':
			if len(open) > 0 && open[len(open)-1] == c {
				open = open[:len(open)-1]
			}
		}
	}

	if !inString && len(open) == 0 {
		return s
	}

	var b strings.Builder
	if inString && escaped {
		// A trailing backslash would escape the closing quote.
		s = s[:len(s)-1]
	}
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteByte(open[i])
	}
	return b.String()
}
