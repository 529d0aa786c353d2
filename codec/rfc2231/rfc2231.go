// Package rfc2231 implements the parameter value continuation and charset
// extension mechanism used by MIME Content-Type and Content-Disposition
// header parameters (RFC 2231), e.g. splitting a long filename across
// filename*0, filename*1, ... segments, and tagging a value with
// charset'language'value to carry non-ASCII text.
package rfc2231

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mailkit/imapcore/codec/rfc2047"
)

// Param is a single decoded Content-Type/Content-Disposition parameter.
type Param struct {
	Name  string
	Value string
}

// rawSegment is one "name*N" or "name*N*" piece collected from the header
// before reassembly.
type rawSegment struct {
	name      string
	index     int
	extended  bool // true if this segment carries a charset'lang'value
	hasIndex  bool
	value     string
}

// Decode reassembles a set of raw header parameters (as already split on
// ';' and '=' by the header parser, with quotes stripped) into their
// logical values, joining RFC 2231 continuations and applying the
// charset'language'value extension where present.
//
// raw maps each literal attribute-name as it appeared in the header
// (e.g. "filename*0*", "filename*1") to its literal value.
func Decode(raw map[string]string) ([]Param, error) {
	groups := make(map[string][]rawSegment)

	for name, value := range raw {
		base, idx, hasIdx, extended := splitAttribute(name)
		groups[base] = append(groups[base], rawSegment{
			name:     base,
			index:    idx,
			hasIndex: hasIdx,
			extended: extended,
			value:    value,
		})
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var params []Param
	for _, name := range names {
		segs := groups[name]
		sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })

		var charset string
		var buf strings.Builder
		for i, seg := range segs {
			piece := seg.value
			if seg.extended {
				var err error
				var decodedBytes string
				var cs, lg string
				cs, lg, decodedBytes, err = splitExtendedValue(piece, i == 0)
				_ = lg
				if err != nil {
					return nil, fmt.Errorf("rfc2231: parameter %q: %w", name, err)
				}
				if i == 0 {
					charset = cs
				}
				unescaped, err := percentDecode(decodedBytes)
				if err != nil {
					return nil, fmt.Errorf("rfc2231: parameter %q: %w", name, err)
				}
				piece = unescaped
			}
			buf.WriteString(piece)
		}

		value := buf.String()
		if charset != "" {
			value = decodeCharsetBytes(value, charset)
		}
		params = append(params, Param{Name: name, Value: value})
	}

	return params, nil
}

// splitAttribute parses "name", "name*", "name*0", "name*0*" into its base
// name, continuation index (if any), and whether the trailing "*" marking
// an extended (charset'lang'value) segment is present.
func splitAttribute(attr string) (base string, index int, hasIndex bool, extended bool) {
	star := strings.IndexByte(attr, '*')
	if star < 0 {
		return attr, 0, false, false
	}
	base = attr[:star]
	rest := attr[star+1:]
	if rest == "" {
		// "name*" with no index: single-segment extended value.
		return base, 0, false, true
	}
	if strings.HasSuffix(rest, "*") {
		extended = true
		rest = rest[:len(rest)-1]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return attr, 0, false, false
	}
	return base, n, true, extended
}

// splitExtendedValue splits "charset'language'value" (only present on the
// first segment of a continuation, or on a lone "name*" parameter) into
// its three parts. Later extended continuation segments carry only the
// percent-encoded value with no charset/language prefix.
func splitExtendedValue(s string, isFirst bool) (charset, lang, value string, err error) {
	if !isFirst {
		return "", "", s, nil
	}
	parts := strings.SplitN(s, "'", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed extended value %q", s)
	}
	return parts[0], parts[1], parts[2], nil
}

// percentDecode decodes "%XX" escapes in an RFC 2231 extended value. Bytes
// outside of escapes pass through unchanged.
func percentDecode(s string) (string, error) {
	var buf strings.Builder
	buf.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			buf.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape in %q", s)
		}
		b, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid percent-escape in %q: %w", s, err)
		}
		buf.WriteByte(byte(b))
		i += 2
	}
	return buf.String(), nil
}

func decodeCharsetBytes(s, charset string) string {
	name := strings.ToLower(charset)
	if name == "us-ascii" || name == "utf-8" || name == "utf8" {
		return s
	}
	// rfc2047's charset decoder already implements the platform charset
	// registry lookup with a UTF-8/Latin-1 fallback; reuse it by faking a
	// single Q-encoded word so the same code path applies.
	return rfc2047.Decode(fmt.Sprintf("=?%s?Q?%s?=", charset, qEscape(s)))
}

// qEscape re-escapes s so it can be routed through rfc2047.Decode's
// Q-decoder without data loss: every byte is escaped, since s here is
// already raw decoded bytes (from percentDecode), not text.
func qEscape(s string) string {
	var buf strings.Builder
	buf.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		fmt.Fprintf(&buf, "=%02X", s[i])
	}
	return buf.String()
}

// Encode produces the raw attribute-name/value pairs for a single logical
// parameter. A printable-ASCII value of at most maxSegmentLen bytes is
// returned as-is under name; any other value (already UTF-8) is
// percent-encoded with a utf-8'' prefix under name*, and split into
// name*0*, name*1*, ... continuations only when that encoded form
// exceeds maxSegmentLen.
func Encode(name, value string) map[string]string {
	if isASCIIPrintableParam(value) && len(value) <= maxSegmentLen {
		return map[string]string{name: value}
	}

	encoded := "utf-8''" + percentEncode(value)
	out := make(map[string]string)

	if len(encoded) <= maxSegmentLen {
		out[name+"*"] = encoded
		return out
	}

	segments := splitExtendedSegments(encoded, maxSegmentLen)
	for i, seg := range segments {
		out[fmt.Sprintf("%s*%d*", name, i)] = seg
	}
	return out
}

// maxSegmentLen is a conservative per-segment budget leaving headroom for
// folding and the "; " parameter separator within a 78-column header line.
const maxSegmentLen = 60

func isASCIIPrintableParam(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e || s[i] == '%' || s[i] == '\'' {
			return false
		}
	}
	return true
}

// percentEncode escapes every byte outside of RFC 2231's attribute-char
// set (unreserved characters minus a handful of MIME-significant ones).
func percentEncode(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if isAttributeChar(b) {
			buf.WriteByte(b)
		} else {
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

func isAttributeChar(b byte) bool {
	if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' {
		return true
	}
	switch b {
	case '!', '#', '$', '&', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// splitExtendedSegments splits an already-percent-encoded value into
// chunks of at most max bytes, never cutting a "%XX" escape in half.
func splitExtendedSegments(s string, max int) []string {
	var segments []string
	for len(s) > 0 {
		cut := max
		if cut >= len(s) {
			segments = append(segments, s)
			break
		}
		for cut > 0 && s[cut-1] == '%' {
			cut--
		}
		if cut > 1 && s[cut-2] == '%' {
			cut -= 2
		}
		segments = append(segments, s[:cut])
		s = s[cut:]
	}
	return segments
}
