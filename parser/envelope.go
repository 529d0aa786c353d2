package parser

import (
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/rfc2047"
	"github.com/mailkit/imapcore/wire"
)

// readEnvelope parses an ENVELOPE data item: a 10-element parenthesized
// list (date, subject, from, sender, reply-to, to, cc, bcc, in-reply-to,
// message-id). Display names arrive RFC 2047 encoded and are decoded
// here so the model always holds Unicode.
func readEnvelope(d *wire.Decoder) (*imap.Envelope, error) {
	env := &imap.Envelope{}
	if err := d.ExpectByte('('); err != nil {
		return nil, err
	}

	dateStr, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if dateStr != "" {
		if t, err := parseEnvelopeDate(dateStr); err == nil {
			env.Date = t
		}
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	subj, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.Subject = rfc2047.Decode(subj)
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	lists := []*[]*imap.Address{&env.From, &env.Sender, &env.ReplyTo, &env.To, &env.Cc, &env.Bcc}
	for i, dst := range lists {
		addrs, err := readAddressList(d)
		if err != nil {
			return nil, err
		}
		*dst = addrs
		if i < len(lists)-1 {
			if err := d.ReadSP(); err != nil {
				return nil, err
			}
		}
	}

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	inReplyTo, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.InReplyTo = inReplyTo

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	msgID, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	env.MessageID = msgID

	if err := d.ExpectByte(')'); err != nil {
		return nil, err
	}
	return env, nil
}

func parseEnvelopeDate(s string) (time.Time, error) {
	layouts := []string{
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC1123Z,
	}
	var lastErr error
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}

// readAddressList parses a NIL or parenthesized list of address structs.
func readAddressList(d *wire.Decoder) ([]*imap.Address, error) {
	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}
	if b != '(' {
		if _, _, err := d.ReadNString(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var addrs []*imap.Address
	err = d.ReadList(func() error {
		addr, err := readAddress(d)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// readAddress parses a single "(name route mailbox host)" address struct.
func readAddress(d *wire.Decoder) (*imap.Address, error) {
	addr := &imap.Address{}
	if err := d.ExpectByte('('); err != nil {
		return nil, err
	}
	name, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	addr.Name = rfc2047.Decode(name)
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	if _, _, err := d.ReadNString(); err != nil { // SMTP source-route, unused
		return nil, err
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	mailbox, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	addr.Mailbox = mailbox
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	host, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	addr.Host = host
	if err := d.ExpectByte(')'); err != nil {
		return nil, err
	}
	return addr, nil
}
