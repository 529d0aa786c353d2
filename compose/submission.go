package compose

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/address"
)

// Submission is everything an external mail submission agent needs from
// the core. Exactly one of Raw or BurlURL carries the
// message content: Raw for ordinary DATA submission, BurlURL for a
// BURL-capable MSA that fetches the body from IMAP using the
// URLAUTH-authorized URL.
type Submission struct {
	// ReversePath is the SMTP MAIL FROM mailbox (no display name).
	ReversePath string
	// ForwardPaths are the SMTP RCPT TO mailboxes, covering To, Cc and
	// Bcc recipients.
	ForwardPaths []string
	// Raw is the complete serialized message for DATA submission.
	Raw []byte
	// BurlURL is the URLAUTH-authorized IMAP URL for BURL submission;
	// empty when the server lacks URLAUTH/BURL or APPEND returned no
	// APPENDUID.
	BurlURL string
}

// NewSubmission derives the SMTP envelope from the composed message and
// packages raw (which may be nil when burlURL is set).
func NewSubmission(m *Message, raw []byte, burlURL string) *Submission {
	sub := &Submission{Raw: raw, BurlURL: burlURL}
	if m.From != nil {
		sub.ReversePath = address.FormatSMTP(m.From)
	}
	for _, group := range [][]*imap.Address{m.To, m.Cc, m.Bcc} {
		for _, a := range group {
			sub.ForwardPaths = append(sub.ForwardPaths, address.FormatSMTP(a))
		}
	}
	return sub
}
