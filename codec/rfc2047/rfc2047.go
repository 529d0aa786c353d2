// Package rfc2047 decodes and encodes RFC 2047 encoded-words
// ("=?charset?encoding?text?="), used to embed non-ASCII text in message
// headers.
package rfc2047

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/mailkit/imapcore/codec/qp"
)

// maxEncodedWordLen is the RFC 2047 cap on an encoded-word's total length.
const maxEncodedWordLen = 75

// Decode decodes all encoded-words found in s, leaving surrounding text
// untouched. Adjacent encoded-words separated only by linear whitespace
// have that whitespace elided, per RFC 2047 §6.2; a run with no
// whitespace at all between two encoded-words is tolerated the same way,
// since that malformed-but-common form appears in the wild.
func Decode(s string) string {
	var out strings.Builder
	i := 0
	lastWasEncodedWord := false

	for i < len(s) {
		start := strings.Index(s[i:], "=?")
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		start += i

		gap := s[i:start]
		word, consumed, ok := parseEncodedWord(s[start:])
		if !ok {
			out.WriteString(s[i : start+2])
			i = start + 2
			lastWasEncodedWord = false
			continue
		}

		if lastWasEncodedWord && strings.TrimSpace(gap) == "" {
			// whitespace-only (or empty) gap between two encoded-words: elide it
		} else {
			out.WriteString(gap)
		}

		out.WriteString(word)
		i = start + consumed
		lastWasEncodedWord = true
	}

	return out.String()
}

// parseEncodedWord attempts to parse an encoded-word starting at s[0:]
// ("=?" prefix already implied by caller's search). Returns the decoded
// text, the number of bytes consumed from s, and whether parsing
// succeeded.
func parseEncodedWord(s string) (decoded string, consumed int, ok bool) {
	if !strings.HasPrefix(s, "=?") {
		return "", 0, false
	}
	rest := s[2:]

	charsetEnd := strings.IndexByte(rest, '?')
	if charsetEnd < 0 {
		return "", 0, false
	}
	charset := rest[:charsetEnd]
	rest = rest[charsetEnd+1:]

	if len(rest) < 2 || rest[1] != '?' {
		return "", 0, false
	}
	encFlag := rest[0]
	rest = rest[2:]

	textEnd := strings.Index(rest, "?=")
	if textEnd < 0 {
		return "", 0, false
	}
	text := rest[:textEnd]

	var raw []byte
	var err error
	switch encFlag {
	case 'Q', 'q':
		raw, err = decodeQEncoding(text)
	case 'B', 'b':
		raw, err = qp.DecodeBase64([]byte(text))
	default:
		return "", 0, false
	}
	if err != nil {
		return "", 0, false
	}

	decodedText, err := decodeCharset(raw, charset)
	if err != nil {
		decodedText = fallbackDecode(raw)
	}

	total := len("=?") + len(charset) + 1 + 2 + textEnd + len("?=")
	return decodedText, total, true
}

// decodeQEncoding decodes the Q-encoding variant used inside encoded-words:
// like quoted-printable, but '_' stands for a space.
func decodeQEncoding(s string) ([]byte, error) {
	replaced := strings.ReplaceAll(s, "_", " ")
	return qp.DecodeQuotedPrintable([]byte(replaced))
}

func decodeCharset(raw []byte, charset string) (string, error) {
	name := strings.ToLower(charset)
	if name == "us-ascii" || name == "ascii" {
		return string(raw), nil
	}
	if name == "utf-8" || name == "utf8" {
		return string(raw), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", err
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// fallbackDecode is used when the charset is unknown: try UTF-8, then
// fall back to Latin-1 (which never fails, since every byte maps to a
// code point).
func fallbackDecode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := charmapLatin1().NewDecoder().Bytes(raw)
	if err != nil {
		// unreachable: Latin-1 decodes every byte value
		return string(raw)
	}
	return string(decoded)
}

func charmapLatin1() encoding.Encoding {
	// ISO-8859-1 is a strict superset mapping of bytes to runes; use the
	// UTF-8 BOM-less codec's identity path via htmlindex for consistency
	// with the rest of the charset lookups.
	enc, err := htmlindex.Get("iso-8859-1")
	if err != nil {
		return unicode.UTF8
	}
	return enc
}

// Encode encodes s as one or more RFC 2047 encoded-words if it contains
// non-ASCII text, joined by "\r\n " when more than one is needed to stay
// under the 75-character cap. Pure ASCII input is returned unchanged.
func Encode(s string) string {
	if isASCII(s) {
		return s
	}
	scheme, rawBytes := chooseScheme(s)
	return encodeWords(rawBytes, scheme)
}

// EncodeASCIIPrefix preserves a leading ASCII run of s verbatim and
// encodes only the remainder, splitting on a word (space) boundary
// whenever one exists at or before the first non-ASCII byte.
func EncodeASCIIPrefix(s string) string {
	if isASCII(s) {
		return s
	}

	cut := firstNonASCII(s)
	splitAt := cut
	if idx := strings.LastIndexByte(s[:cut], ' '); idx >= 0 {
		splitAt = idx + 1
	}

	prefix := s[:splitAt]
	remainder := s[splitAt:]
	if remainder == "" {
		return prefix
	}
	return prefix + Encode(remainder)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func firstNonASCII(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return i
		}
	}
	return len(s)
}

type scheme struct {
	charset string
	encFlag byte // 'Q' or 'B'
}

// chooseScheme picks Latin-1+Q when every rune fits in Latin-1 (it is
// usually more compact for European text), else UTF-8+B.
func chooseScheme(s string) (scheme, []byte) {
	if fits, raw := tryLatin1(s); fits {
		return scheme{charset: "ISO-8859-1", encFlag: 'Q'}, raw
	}
	return scheme{charset: "UTF-8", encFlag: 'B'}, []byte(s)
}

func tryLatin1(s string) (bool, []byte) {
	raw := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return false, nil
		}
		raw = append(raw, byte(r))
	}
	return true, raw
}

// encodeWords splits raw into as many encoded-words as needed to respect
// maxEncodedWordLen, joining them with the RFC 2047-sanctioned
// "CRLF SPACE" folding sequence.
func encodeWords(raw []byte, sch scheme) string {
	overhead := len("=?") + len(sch.charset) + 1 + 2 + len("?=")
	budget := maxEncodedWordLen - overhead
	if budget < 1 {
		budget = 1
	}

	var words []string
	for len(raw) > 0 {
		chunk, rest := splitEncodable(raw, sch, budget)
		var text string
		switch sch.encFlag {
		case 'Q':
			text = encodeQEncoding(chunk)
		default:
			text = string(qp.EncodeBase64(chunk))
			text = strings.ReplaceAll(text, "\r\n", "")
		}
		words = append(words, fmt.Sprintf("=?%s?%c?%s?=", sch.charset, sch.encFlag, text))
		raw = rest
	}
	return strings.Join(words, "\r\n ")
}

// splitEncodable splits raw into a chunk whose encoded form fits budget,
// and the remaining bytes. For Q-encoding this must account for bytes
// that expand to "=XX" (3 chars); for B-encoding the base64 expansion
// ratio (4 output chars per 3 input bytes) is used.
func splitEncodable(raw []byte, sch scheme, budget int) (chunk, rest []byte) {
	if sch.encFlag == 'B' {
		maxInput := (budget / 4) * 3
		if maxInput < 3 {
			maxInput = 3
		}
		if maxInput >= len(raw) {
			return raw, nil
		}
		return raw[:maxInput], raw[maxInput:]
	}

	used := 0
	for i, b := range raw {
		cost := 1
		if needsQEscape(b) {
			cost = 3
		}
		if used+cost > budget {
			return raw[:i], raw[i:]
		}
		used += cost
	}
	return raw, nil
}

func encodeQEncoding(raw []byte) string {
	var buf bytes.Buffer
	for _, b := range raw {
		switch {
		case b == ' ':
			buf.WriteByte('_')
		case needsQEscape(b):
			fmt.Fprintf(&buf, "=%02X", b)
		default:
			buf.WriteByte(b)
		}
	}
	return buf.String()
}

func needsQEscape(b byte) bool {
	if b == ' ' {
		return false
	}
	if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' {
		return false
	}
	switch b {
	case '!', '*', '+', '-', '/':
		return false
	}
	return true
}
