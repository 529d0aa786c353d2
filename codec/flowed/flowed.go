// Package flowed implements the format=flowed plain-text wrapping
// convention (RFC 3676) used by the composer when sending text/plain
// bodies without attachments.
package flowed

import (
	"strings"
	"unicode/utf8"
)

// MaxLineLength is the target wrap column. RFC 3676 recommends 78; 75
// leaves headroom for the quote-depth prefix growing by one "> " on a
// reply without the line overflowing 78.
const MaxLineLength = 75

// WrapParagraph rewraps a single logical paragraph (no embedded newlines)
// into output lines of at most MaxLineLength code points, breaking at a
// space boundary where possible.
//
// A line that begins with one or more '>' characters is a quoted line;
// its quote depth is kept, every output line starting with one "> " per
// level, and the quote markers never count as a candidate break point. The
// algorithm never emits a line whose only non-quote content is a
// trailing space, since per RFC 3676 a trailing space marks a flowed
// continuation and a space-only continuation would be meaningless.
func WrapParagraph(paragraph string) []string {
	quoteDepth, rest := splitQuotePrefix(paragraph)
	prefix := strings.Repeat("> ", quoteDepth)

	budget := MaxLineLength - utf8.RuneCountInString(prefix)
	if budget < 1 {
		budget = 1
	}

	var lines []string
	for len(rest) > 0 {
		line, remainder := takeLine(rest, budget)
		lines = append(lines, prefix+line)
		rest = remainder
	}
	if len(lines) == 0 {
		lines = append(lines, strings.TrimRight(prefix, " "))
	}
	return lines
}

// splitQuotePrefix counts leading "> " / ">" quote markers and returns the
// depth plus the remaining text with the markers and at most one
// separating space removed.
func splitQuotePrefix(s string) (depth int, rest string) {
	rest = s
	for strings.HasPrefix(rest, ">") {
		depth++
		rest = rest[1:]
		rest = strings.TrimPrefix(rest, " ")
	}
	return depth, rest
}

// takeLine extracts the next output line of at most budget code points
// from s, preferring to break at the last space within budget. If no
// space is available within budget, a mandatory break is made at the
// first later space (or at the end of the string).
func takeLine(s string, budget int) (line, remainder string) {
	runes := []rune(s)
	if len(runes) <= budget {
		return s, ""
	}

	// breakAt must be >= 1: a break at index 0 would emit a line whose
	// only non-quote content is the soft-break space itself.
	breakAt := -1
	limit := budget - 1
	if limit >= len(runes) {
		limit = len(runes) - 1
	}
	for i := limit; i >= 1; i-- {
		if runes[i] == ' ' {
			breakAt = i
			break
		}
	}
	if breakAt == -1 {
		for i := budget; i < len(runes); i++ {
			if runes[i] == ' ' {
				breakAt = i
				break
			}
		}
	}
	if breakAt == -1 {
		return string(runes), ""
	}

	// Keep the trailing space on the emitted line: it is the flowed
	// soft-break marker that tells the reader this line continues.
	return string(runes[:breakAt+1]), string(runes[breakAt+1:])
}

// Unwrap reassembles a format=flowed paragraph's display lines back into
// logical paragraphs: a line ending in a single trailing space (and not a
// signature separator "-- ") is joined with the next line.
func Unwrap(lines []string) []string {
	var paragraphs []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			paragraphs = append(paragraphs, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		current.WriteString(line)
		if strings.HasSuffix(line, " ") && line != "-- " {
			// Soft break: strip the single trailing space and continue
			// the same paragraph on the next line.
			s := current.String()
			current.Reset()
			current.WriteString(strings.TrimSuffix(s, " "))
			continue
		}
		flush()
	}
	flush()
	return paragraphs
}
