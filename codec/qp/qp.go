// Package qp provides quoted-printable and base64 transfer-encoding
// helpers for MIME body and header content (RFC 2045).
package qp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
	"strings"
)

// DecodeQuotedPrintable decodes a quoted-printable body. Both CRLF and
// bare-LF line endings are accepted, and soft line breaks ("=" at end of
// line) are honored.
func DecodeQuotedPrintable(data []byte) ([]byte, error) {
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	r := quotedprintable.NewReader(bytes.NewReader(normalized))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("qp: decode: %w", err)
	}
	return out, nil
}

// EncodeQuotedPrintable encodes data as quoted-printable, soft-wrapping
// lines per RFC 2045 (handled by the stdlib writer).
func EncodeQuotedPrintable(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("qp: encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("qp: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBase64 decodes base64 content, tolerating embedded whitespace and
// line breaks (as commonly produced by MIME body wrapping).
func DecodeBase64(data []byte) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		default:
			return r
		}
	}, string(data))

	out, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Some servers omit padding; retry with the raw encoding.
		if out2, err2 := base64.RawStdEncoding.DecodeString(cleaned); err2 == nil {
			return out2, nil
		}
		return nil, fmt.Errorf("qp: base64 decode: %w", err)
	}
	return out, nil
}

// EncodeBase64 encodes data as base64, wrapped at 76 characters per line
// (RFC 2045 §6.8), joined by CRLF.
func EncodeBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	const lineLen = 76

	var buf bytes.Buffer
	for i := 0; i < len(encoded); i += lineLen {
		end := i + lineLen
		if end > len(encoded) {
			end = len(encoded)
		}
		buf.WriteString(encoded[i:end])
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
