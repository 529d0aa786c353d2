// Package address parses and formats RFC 5322 mailbox addresses as used in
// IMAP envelopes and composed message headers, including RFC 2047 decoding
// of display names and IDNA2003 encoding/decoding of internationalized
// domain names.
package address

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/rfc2047"
)

// idnaProfile implements IDNA2003, matching the domain-name handling the
// rest of the legacy IMAP/SMTP ecosystem this client talks to still
// expects (IDNA2008's stricter validation rejects names real mail servers
// accept).
var idnaProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
)

// Parse splits a single RFC 5322 mailbox ("Display Name <local@domain>" or
// a bare "local@domain") into an *imap.Address, decoding any RFC 2047
// encoded-word in the display name and converting an A-label domain
// (xn--...) to its Unicode form.
func Parse(raw string) (*imap.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("address: empty address")
	}

	name, rest := splitDisplayName(raw)

	mailbox, host, err := splitMailbox(rest)
	if err != nil {
		return nil, fmt.Errorf("address: %q: %w", raw, err)
	}

	if unicodeHost, err := idnaProfile.ToUnicode(host); err == nil {
		host = unicodeHost
	}

	return &imap.Address{
		Name:    rfc2047.Decode(name),
		Mailbox: mailbox,
		Host:    host,
	}, nil
}

// splitDisplayName separates a leading "Display Name <...>" wrapper from
// the angle-addr it encloses. If raw has no angle brackets, it is treated
// entirely as the mailbox spec with an empty display name.
func splitDisplayName(raw string) (name, addrSpec string) {
	open := strings.IndexByte(raw, '<')
	shut := strings.LastIndexByte(raw, '>')
	if open < 0 || shut < open {
		return "", raw
	}
	name = strings.TrimSpace(unquote(strings.TrimSpace(raw[:open])))
	addrSpec = strings.TrimSpace(raw[open+1 : shut])
	return name, addrSpec
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}

// splitMailbox splits "local@domain" into its two parts. A quoted local
// part ("John Doe"@example.com) is preserved with its quotes stripped;
// '@' characters inside the quotes are not treated as the separator.
func splitMailbox(s string) (mailbox, host string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("missing mailbox spec")
	}

	at := findUnquotedAt(s)
	if at < 0 {
		return "", "", fmt.Errorf("missing '@' in mailbox spec %q", s)
	}

	mailbox = unquote(s[:at])
	host = s[at+1:]
	if mailbox == "" || host == "" {
		return "", "", fmt.Errorf("malformed mailbox spec %q", s)
	}
	return mailbox, host, nil
}

func findUnquotedAt(s string) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			inQuotes = !inQuotes
		case '@':
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

// Format renders addr back into an RFC 5322 mailbox, encoding the display
// name as an RFC 2047 encoded-word if it contains non-ASCII text and
// converting a Unicode domain to its IDNA A-label form.
func Format(addr *imap.Address) string {
	host := addr.Host
	if aLabel, err := idnaProfile.ToASCII(host); err == nil {
		host = aLabel
	}

	spec := addr.Mailbox + "@" + host
	if addr.Name == "" {
		return spec
	}

	name := addr.Name
	if needsQuoting(name) {
		name = `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	} else {
		name = rfc2047.Encode(name)
	}
	return fmt.Sprintf("%s <%s>", name, spec)
}

// FormatSMTP renders addr as the bare SMTP mailbox form used in MAIL
// FROM/RCPT TO: no display name, the local part quoted only if it
// contains specials, the domain in A-label form, and a domain literal
// wrapped in brackets.
func FormatSMTP(addr *imap.Address) string {
	local := addr.Mailbox
	if localNeedsQuoting(local) {
		local = `"` + strings.ReplaceAll(local, `"`, `\"`) + `"`
	}

	host := addr.Host
	if isDomainLiteral(host) {
		if !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
	} else if aLabel, err := idnaProfile.ToASCII(host); err == nil {
		host = aLabel
	}
	return local + "@" + host
}

// localNeedsQuoting reports whether a local part contains characters
// outside RFC 5321's dot-string grammar.
func localNeedsQuoting(local string) bool {
	if local == "" || strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return true
	}
	for i := 0; i < len(local); i++ {
		b := local[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case strings.IndexByte("!#$%&'*+-/=?^_`{|}~.", b) >= 0:
		default:
			return true
		}
	}
	return false
}

// isDomainLiteral reports whether host is an address literal (IPv4
// dotted quad or an IPv6 tagged form) rather than a domain name.
func isDomainLiteral(host string) bool {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return true
	}
	if strings.HasPrefix(host, "IPv6:") {
		return true
	}
	if host == "" {
		return false
	}
	for i := 0; i < len(host); i++ {
		if b := host[i]; (b < '0' || b > '9') && b != '.' {
			return false
		}
	}
	return true
}

// needsQuoting reports whether name is pure ASCII but contains characters
// RFC 5322 requires quoting for (so it should be quoted rather than passed
// through RFC 2047, which is reserved for non-ASCII text).
func needsQuoting(name string) bool {
	hasSpecial := false
	for i := 0; i < len(name); i++ {
		b := name[i]
		if b >= 0x80 {
			return false
		}
		switch b {
		case ',', '<', '>', '@', ':', ';', '"', '\\':
			hasSpecial = true
		}
	}
	return hasSpecial
}

// ParseList splits a comma-separated RFC 5322 address list (To:, Cc:,
// Bcc:) into individual *imap.Address values. Commas inside a quoted
// display name or angle-addr are not treated as separators.
func ParseList(raw string) ([]*imap.Address, error) {
	var addrs []*imap.Address
	for _, part := range splitAddressList(raw) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := Parse(part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func splitAddressList(s string) []string {
	var parts []string
	depthQuote := false
	depthAngle := 0
	start := 0

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			depthQuote = !depthQuote
		case '<':
			if !depthQuote {
				depthAngle++
			}
		case '>':
			if !depthQuote && depthAngle > 0 {
				depthAngle--
			}
		case ',':
			if !depthQuote && depthAngle == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// FormatList joins addrs into a comma-separated RFC 5322 address list
// suitable for a To:/Cc: header body (folding is the caller's concern).
func FormatList(addrs []*imap.Address) string {
	formatted := make([]string, len(addrs))
	for i, a := range addrs {
		formatted[i] = Format(a)
	}
	return strings.Join(formatted, ", ")
}
