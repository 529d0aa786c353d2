// Package compose serializes a composed message (envelope, plain-text
// body, attachments) into either a single RFC 5322 byte stream or a
// CATENATE part list whose concatenation is byte-identical to the
// single stream, and builds the IMAP-URL form used for BURL
// submission. The package does not speak SMTP: Submission is the data
// contract an external mail submission agent consumes.
package compose

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/address"
	"github.com/mailkit/imapcore/codec/flowed"
	"github.com/mailkit/imapcore/codec/qp"
	"github.com/mailkit/imapcore/codec/rfc2047"
	"github.com/mailkit/imapcore/codec/rfc2231"
)

// Attachment is one ordered attachment of a composed message: inline
// bytes, or a reference to an existing IMAP part via ImapURL. When
// ImapURL is set, the CATENATE form substitutes the URL for the body;
// the serialized form requires Body to be present.
type Attachment struct {
	Filename    string
	MimeType    string // full "type/subtype", e.g. "application/pdf"
	ContentID   string
	Body        []byte
	ImapURL     string
	// Encoding is the content-transfer-encoding to use; empty means
	// scan Body with ChooseEncoding.
	Encoding string
}

// Message is the input to serialization: the envelope fields plus the
// plain-text body and attachments.
type Message struct {
	From         *imap.Address
	To           []*imap.Address
	Cc           []*imap.Address
	Bcc          []*imap.Address
	Subject      string
	Date         time.Time
	InReplyTo    []string
	References   []string
	Organization string
	UserAgent    string
	// MessageID is used verbatim when set (without angle brackets);
	// otherwise a UUID @ sender-host id is generated when
	// GenerateMessageID is true, and the header is omitted entirely
	// when false.
	MessageID         string
	GenerateMessageID bool

	Text        string
	Attachments []*Attachment

	boundary string
}

// CatenatePair is one element of the CATENATE form: exactly one of Text
// or URL is set.
type CatenatePair struct {
	Text []byte
	URL  string
}

// sink receives the serialized stream; the CATENATE form interleaves
// url() calls where an attachment body is replaced by its IMAP URL.
type sink interface {
	text(p []byte)
	url(u string)
}

type byteSink struct{ buf bytes.Buffer }

func (s *byteSink) text(p []byte) { s.buf.Write(p) }
func (s *byteSink) url(string)    { panic("compose: URL part in serialized form") }

type pairSink struct {
	buf   bytes.Buffer
	pairs []CatenatePair
}

func (s *pairSink) text(p []byte) { s.buf.Write(p) }

func (s *pairSink) url(u string) {
	s.flush()
	s.pairs = append(s.pairs, CatenatePair{URL: u})
}

func (s *pairSink) flush() {
	if s.buf.Len() > 0 {
		s.pairs = append(s.pairs, CatenatePair{Text: append([]byte(nil), s.buf.Bytes()...)})
		s.buf.Reset()
	}
}

// Serialize renders the complete RFC 5322 message. Attachments that
// only carry an ImapURL cannot be serialized this way; use
// CatenatePairs for those, or fetch the body first.
func (m *Message) Serialize() ([]byte, error) {
	for _, att := range m.Attachments {
		if att.Body == nil && att.ImapURL != "" {
			return nil, fmt.Errorf("compose: attachment %q has no body, only an IMAP URL; CATENATE required", att.Filename)
		}
	}
	var s byteSink
	if err := m.write(&s, false); err != nil {
		return nil, err
	}
	return s.buf.Bytes(), nil
}

// CatenatePairs renders the message as the alternating TEXT/URL part
// list of RFC 4469. Concatenating the pairs (substituting each URL's
// target octets) yields exactly Serialize()'s output.
func (m *Message) CatenatePairs() ([]CatenatePair, error) {
	var s pairSink
	if err := m.write(&s, true); err != nil {
		return nil, err
	}
	s.flush()
	return s.pairs, nil
}

// write emits the message into s. allowURL selects the CATENATE
// behavior for attachments carrying an ImapURL.
func (m *Message) write(s sink, allowURL bool) error {
	if m.From == nil {
		return fmt.Errorf("compose: missing From address")
	}
	if m.boundary == "" {
		m.boundary = newBoundary()
	}

	var hdr bytes.Buffer
	m.writeTopHeaders(&hdr)

	if len(m.Attachments) == 0 {
		writeTextPartHeader(&hdr)
		s.text(hdr.Bytes())
		body, err := m.flowedBody()
		if err != nil {
			return err
		}
		s.text(body)
		return nil
	}

	fmt.Fprintf(&hdr, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n", m.boundary)
	hdr.WriteString("\r\n")
	hdr.WriteString("This is a multi-part message in MIME format.\r\n")

	fmt.Fprintf(&hdr, "\r\n--%s\r\n", m.boundary)
	writeTextPartHeader(&hdr)
	s.text(hdr.Bytes())
	body, err := m.flowedBody()
	if err != nil {
		return err
	}
	s.text(body)

	for _, att := range m.Attachments {
		var part bytes.Buffer
		fmt.Fprintf(&part, "\r\n--%s\r\n", m.boundary)
		enc := att.Encoding
		if enc == "" {
			enc = ChooseEncoding(att.Body)
		}
		if err := writeAttachmentHeader(&part, att, enc); err != nil {
			return err
		}
		s.text(part.Bytes())

		if att.ImapURL != "" && allowURL {
			s.url(att.ImapURL)
		} else {
			if att.Body == nil {
				return fmt.Errorf("compose: attachment %q has no body", att.Filename)
			}
			s.text(encodeBody(att.Body, enc))
		}
	}
	s.text([]byte(fmt.Sprintf("\r\n--%s--\r\n", m.boundary)))
	return nil
}

// writeTopHeaders emits the RFC 5322 top-level header block, stopping
// short of the Content-* headers (which depend on the body shape).
func (m *Message) writeTopHeaders(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "From: %s\r\n", address.Format(m.From))
	writeAddressHeader(buf, "To", m.To)
	writeAddressHeader(buf, "Cc", m.Cc)

	if m.Subject != "" {
		fmt.Fprintf(buf, "Subject: %s\r\n", rfc2047.EncodeASCIIPrefix(m.Subject))
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	fmt.Fprintf(buf, "Date: %s\r\n", date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))

	if id := m.messageID(); id != "" {
		fmt.Fprintf(buf, "Message-ID: <%s>\r\n", id)
	}
	if len(m.InReplyTo) > 0 {
		fmt.Fprintf(buf, "In-Reply-To: %s\r\n", angleJoin(m.InReplyTo))
	}
	if len(m.References) > 0 {
		fmt.Fprintf(buf, "References: %s\r\n", angleJoin(m.References))
	}
	if m.Organization != "" {
		fmt.Fprintf(buf, "Organization: %s\r\n", rfc2047.EncodeASCIIPrefix(m.Organization))
	}
	if m.UserAgent != "" {
		fmt.Fprintf(buf, "User-Agent: %s\r\n", m.UserAgent)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
}

func (m *Message) messageID() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	if !m.GenerateMessageID {
		return ""
	}
	host := "localhost"
	if m.From != nil && m.From.Host != "" {
		host = m.From.Host
	}
	m.MessageID = uuid.NewString() + "@" + host
	return m.MessageID
}

// writeAddressHeader emits "Name: addr1,\r\n addr2, ..." folding
// between addresses whenever the running line would pass 78 columns.
func writeAddressHeader(buf *bytes.Buffer, name string, addrs []*imap.Address) {
	if len(addrs) == 0 {
		return
	}
	line := name + ":"
	for i, a := range addrs {
		item := " " + address.Format(a)
		if i < len(addrs)-1 {
			item += ","
		}
		if len(line)+len(item) > 78 && line != name+":" {
			buf.WriteString(line)
			buf.WriteString("\r\n")
			line = ""
		}
		line += item
	}
	buf.WriteString(line)
	buf.WriteString("\r\n")
}

func angleJoin(ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = "<" + strings.Trim(id, "<>") + ">"
	}
	return strings.Join(out, " ")
}

// writeTextPartHeader emits the fixed text/plain part header and its
// terminating blank line.
func writeTextPartHeader(buf *bytes.Buffer) {
	buf.WriteString("Content-Type: text/plain; charset=utf-8; format=flowed\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
}

// flowedBody wraps the text body as format=flowed paragraphs and then
// quoted-printable encodes the result.
func (m *Message) flowedBody() ([]byte, error) {
	var wrapped []string
	for _, para := range strings.Split(strings.ReplaceAll(m.Text, "\r\n", "\n"), "\n") {
		wrapped = append(wrapped, flowed.WrapParagraph(para)...)
	}
	enc, err := qp.EncodeQuotedPrintable([]byte(strings.Join(wrapped, "\r\n")))
	if err != nil {
		return nil, err
	}
	return append(enc, '\r', '\n'), nil
}

// writeAttachmentHeader emits one attachment's MIME part header through
// go-message's folding writer. Fields are added in reverse because the
// textproto header writes the most recently added field first.
func writeAttachmentHeader(buf *bytes.Buffer, att *Attachment, enc string) error {
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	fields := [][2]string{
		{"Content-Type", mimeType + contentTypeParams(att)},
		{"Content-Disposition", "attachment" + dispositionParams(att)},
		{"Content-Transfer-Encoding", enc},
	}
	if att.ContentID != "" {
		fields = append(fields, [2]string{"Content-ID", "<" + strings.Trim(att.ContentID, "<>") + ">"})
	}

	var h textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i][0], fields[i][1])
	}
	return textproto.WriteHeader(buf, h)
}

// contentTypeParams renders the name parameter for legacy consumers
// that read Content-Type's name instead of Content-Disposition's
// filename.
func contentTypeParams(att *Attachment) string {
	if att.Filename == "" {
		return ""
	}
	return paramString("name", att.Filename)
}

func dispositionParams(att *Attachment) string {
	if att.Filename == "" {
		return ""
	}
	return paramString("filename", att.Filename)
}

// paramString renders a MIME parameter via the RFC 2231 encoder, which
// splits long or non-ASCII values into charset-tagged continuations.
// The continuation keys are emitted in index order.
func paramString(name, value string) string {
	params := rfc2231.Encode(name, value)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return paramKeyLess(keys[i], keys[j]) })

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("; ")
		b.WriteString(k)
		b.WriteString("=")
		v := params[k]
		if strings.HasSuffix(k, "*") {
			b.WriteString(v) // extended syntax is never quoted
		} else {
			b.WriteString(quoteParam(v))
		}
	}
	return b.String()
}

// paramKeyLess orders "name*0*" before "name*1*" numerically rather
// than lexically (so ten continuations don't sort 0,1,10,2,...).
func paramKeyLess(a, b string) bool {
	ai, aok := continuationIndex(a)
	bi, bok := continuationIndex(b)
	if aok && bok {
		return ai < bi
	}
	return a < b
}

func continuationIndex(key string) (int, bool) {
	trimmed := strings.TrimSuffix(key, "*")
	star := strings.IndexByte(trimmed, '*')
	if star < 0 {
		return 0, false
	}
	n := 0
	for _, r := range trimmed[star+1:] {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func quoteParam(v string) string {
	if v == "" {
		return `""`
	}
	for i := 0; i < len(v); i++ {
		b := v[i]
		if !(b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b == '.' || b == '_') {
			return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
		}
	}
	return v
}

// encodeBody applies the chosen content-transfer-encoding to an
// attachment body.
func encodeBody(body []byte, enc string) []byte {
	switch enc {
	case "base64":
		return qp.EncodeBase64(body)
	case "quoted-printable":
		out, err := qp.EncodeQuotedPrintable(body)
		if err != nil {
			return qp.EncodeBase64(body)
		}
		return append(out, '\r', '\n')
	default: // 7bit, 8bit, binary
		if bytes.HasSuffix(body, []byte("\r\n")) {
			return body
		}
		return append(append([]byte(nil), body...), '\r', '\n')
	}
}

// newBoundary builds a multipart boundary assumed unique relative to
// any payload; no verification is performed.
func newBoundary() string {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return "trojita=_" + token
}
