package compose

import (
	"fmt"
	"net/url"
	"strings"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
)

// MessageURL builds the RFC 5092 IMAP URL addressing a whole message,
// the form handed to GENURLAUTH and, once authorized, to a BURL-capable
// submission server. mailbox is the Unicode mailbox name; it crosses
// into the URL in modified-UTF-7 with URL percent-escaping on top.
func MessageURL(user, host, mailbox string, uidValidity uint32, uid imap.UID) string {
	return fmt.Sprintf("imap://%s@%s/%s;UIDVALIDITY=%d/;UID=%d",
		url.PathEscape(user), host, escapeMailbox(mailbox), uidValidity, uid)
}

// PartURL builds the IMAP URL addressing one body part, using the same
// dotted section syntax as FETCH BODY[...].
func PartURL(user, host, mailbox string, uidValidity uint32, uid imap.UID, section string) string {
	base := MessageURL(user, host, mailbox, uidValidity, uid)
	if section == "" {
		return base
	}
	return base + "/;SECTION=" + url.PathEscape(section)
}

// URLAuthRump appends the ";URLAUTH=<access>" rump that GENURLAUTH
// expects on its input URL (RFC 4467 §6); the server's reply replaces
// the rump with the full authorized form.
func URLAuthRump(imapURL, access string) string {
	if access == "" {
		access = "submit+"
	}
	return imapURL + ";URLAUTH=" + access
}

func escapeMailbox(mailbox string) string {
	encoded := mutf7.Encode(mailbox)
	// PathEscape leaves '&' alone; each '/'-separated segment is escaped
	// on its own, so the hierarchy separators stay literal.
	parts := strings.Split(encoded, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
