package parser

import (
	"strconv"
	"strings"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/wire"
)

// readFetch parses the parenthesized list of data items following
// "* <seq> FETCH ". Items the engine doesn't request are best-effort
// skipped so an unsolicited one never desyncs the stream.
func readFetch(d *wire.Decoder, seq uint32) (*imap.FetchMessageData, error) {
	fd := &imap.FetchMessageData{SeqNum: seq}
	fd.BodySection = make(map[*imap.FetchItemBodySection]imap.SectionReader)

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	err := d.ReadList(func() error {
		// ']' is not an atom char (wire.isAtomChar), so an item like
		// "BODY[1.2.TEXT]" reads as the atom "BODY[1.2.TEXT" with the
		// closing bracket left on the stream; section items are
		// recognized and finished by their own helper below.
		name, err := d.ReadAtom()
		if err != nil {
			return err
		}
		upper := strings.ToUpper(name)

		switch {
		case upper == "ENVELOPE":
			if err := d.ReadSP(); err != nil {
				return err
			}
			env, err := readEnvelope(d)
			if err != nil {
				return err
			}
			fd.Envelope = env
		case upper == "BODYSTRUCTURE" || (upper == "BODY" && peekIsParen(d)):
			if err := d.ReadSP(); err != nil {
				return err
			}
			bs, err := readBody(d)
			if err != nil {
				return err
			}
			fd.BodyStructure = bs
		case upper == "FLAGS":
			if err := d.ReadSP(); err != nil {
				return err
			}
			flagStrs, err := d.ReadFlags()
			if err != nil {
				return err
			}
			fd.Flags = toFlags(flagStrs)
		case upper == "INTERNALDATE":
			if err := d.ReadSP(); err != nil {
				return err
			}
			s, _, err := d.ReadNString()
			if err != nil {
				return err
			}
			if t, err := time.Parse(imap.InternalDateLayout, s); err == nil {
				fd.InternalDate = t
			}
		case upper == "RFC822.SIZE":
			if err := d.ReadSP(); err != nil {
				return err
			}
			n, err := d.ReadNumber64()
			if err != nil {
				return err
			}
			fd.RFC822Size = int64(n)
		case upper == "UID":
			if err := d.ReadSP(); err != nil {
				return err
			}
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			fd.UID = imap.UID(n)
		case upper == "MODSEQ":
			if err := d.ReadSP(); err != nil {
				return err
			}
			if err := d.ExpectByte('('); err != nil {
				return err
			}
			n, err := d.ReadNumber64()
			if err != nil {
				return err
			}
			if err := d.ExpectByte(')'); err != nil {
				return err
			}
			fd.ModSeq = n
		case upper == "EMAILID":
			if err := d.ReadSP(); err != nil {
				return err
			}
			v, err := readObjectID(d)
			if err != nil {
				return err
			}
			fd.EmailID = v
		case upper == "THREADID":
			if err := d.ReadSP(); err != nil {
				return err
			}
			v, err := readObjectID(d)
			if err != nil {
				return err
			}
			fd.ThreadID = v
		case upper == "SAVEDATE":
			if err := d.ReadSP(); err != nil {
				return err
			}
			s, present, err := d.ReadNString()
			if err != nil {
				return err
			}
			if present {
				if t, err := time.Parse(imap.InternalDateLayout, s); err == nil {
					fd.SaveDate = &t
				}
			}
		case upper == "PREVIEW":
			if err := d.ReadSP(); err != nil {
				return err
			}
			s, present, err := d.ReadNString()
			if err != nil {
				return err
			}
			fd.Preview = s
			fd.PreviewNIL = !present
		case strings.HasPrefix(upper, "BINARY.SIZE["):
			part, err := readBracketedPartNumbers(d, strings.TrimPrefix(upper, "BINARY.SIZE["))
			if err != nil {
				return err
			}
			if err := d.ReadSP(); err != nil {
				return err
			}
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			fd.BinarySizeSection = append(fd.BinarySizeSection, imap.BinarySizeData{Part: part, Size: n})
		case strings.HasPrefix(upper, "BINARY["):
			part, err := readBracketedPartNumbers(d, strings.TrimPrefix(upper, "BINARY["))
			if err != nil {
				return err
			}
			if err := d.ReadSP(); err != nil {
				return err
			}
			body, present, err := d.ReadNString()
			if err != nil {
				return err
			}
			if present {
				if fd.BinarySection == nil {
					fd.BinarySection = make(map[*imap.FetchItemBinarySection]imap.SectionReader)
				}
				fd.BinarySection[&imap.FetchItemBinarySection{Part: part}] = imap.SectionReader{Reader: strings.NewReader(body), Size: int64(len(body))}
			}
		case strings.HasPrefix(upper, "BODY["):
			spec, err := readBodySectionSpec(d, strings.TrimPrefix(upper, "BODY["))
			if err != nil {
				return err
			}
			if err := d.ReadSP(); err != nil {
				return err
			}
			body, present, err := d.ReadNString()
			if err != nil {
				return err
			}
			if present {
				fd.BodySection[spec] = imap.SectionReader{Reader: strings.NewReader(body), Size: int64(len(body))}
			}
		default:
			// Unknown item: best-effort skip of one following value.
			if err := maybeSP(d); err == nil {
				b, err := d.PeekByte()
				if err != nil {
					return err
				}
				if b == '(' {
					return d.ReadList(func() error { skipExtensions(d); return nil })
				}
				_, _, err = d.ReadNString()
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := finishLine(d); err != nil {
		return nil, err
	}
	return fd, nil
}

// readObjectID parses an RFC 8474 objectid item: "(" atom ")".
func readObjectID(d *wire.Decoder) (string, error) {
	if err := d.ExpectByte('('); err != nil {
		return "", err
	}
	id, err := d.ReadAtom()
	if err != nil {
		return "", err
	}
	if err := d.ExpectByte(')'); err != nil {
		return "", err
	}
	return id, nil
}

func peekIsParen(d *wire.Decoder) bool {
	// BODY with no section spec (i.e. bare BODYSTRUCTURE-shaped BODY) is
	// followed by "SP (" ; BODY[section] is followed directly by "[".
	b, err := d.PeekByte()
	return err == nil && b != '['
}

// readBracketedPartNumbers finishes a "NAME[<partial atom>" item whose
// atom-read stopped at the closing ']' (not an atom char): it consumes
// the ']' and returns the part-number list found before it. rest is the
// atom text already read after the opening '['.
func readBracketedPartNumbers(d *wire.Decoder, rest string) ([]int, error) {
	if err := d.ExpectByte(']'); err != nil {
		return nil, err
	}
	return parsePartNumbers(rest), nil
}

// readBodySectionSpec finishes a "BODY[<partial atom>" item, handling
// the optional SP "(" header-field-list ")" for HEADER.FIELDS(.NOT) and
// the optional trailing "<partial>" range, leaving the decoder
// positioned right after the whole "BODY[section]<partial>" token.
func readBodySectionSpec(d *wire.Decoder, rest string) (*imap.FetchItemBodySection, error) {
	spec := &imap.FetchItemBodySection{}

	upperRest := strings.ToUpper(rest)
	fieldsPos := -1
	for _, marker := range []string{"HEADER.FIELDS.NOT", "HEADER.FIELDS"} {
		if idx := strings.Index(upperRest, marker); idx >= 0 {
			fieldsPos = idx
			spec.NotFields = marker == "HEADER.FIELDS.NOT"
			break
		}
	}

	var partStr, specifier string
	if fieldsPos >= 0 {
		partStr = strings.TrimSuffix(rest[:fieldsPos], ".")
		specifier = rest[fieldsPos:]
	} else {
		partStr = rest
	}

	// Split leading digit-dot part number off the front of rest (before
	// any non-numeric specifier segment such as TEXT/HEADER/MIME).
	numPart, remainder := splitLeadingPartNumbers(partStr)
	spec.Part = parsePartNumbers(numPart)
	if fieldsPos < 0 {
		specifier = remainder
	}
	spec.Specifier = specifier

	if fieldsPos >= 0 {
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		fields, err := readBodyFldLang(d) // "(" astring* ")" — same grammar shape
		if err != nil {
			return nil, err
		}
		spec.Fields = fields
	}

	if err := d.ExpectByte(']'); err != nil {
		return nil, err
	}

	if b, err := d.PeekByte(); err == nil && b == '<' {
		if err := d.ExpectByte('<'); err != nil {
			return nil, err
		}
		origin, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		// '>' is an atom char, so ReadAtom normally takes it too.
		if strings.HasSuffix(origin, ">") {
			origin = strings.TrimSuffix(origin, ">")
		} else if err := d.ExpectByte('>'); err != nil {
			return nil, err
		}
		if n, convErr := strconv.ParseInt(origin, 10, 64); convErr == nil {
			spec.Partial = &imap.SectionPartial{Offset: n}
		}
	}

	return spec, nil
}

// splitLeadingPartNumbers splits "1.2.TEXT" into ("1.2", "TEXT") and
// "TEXT" into ("", "TEXT").
func splitLeadingPartNumbers(s string) (nums, rest string) {
	segments := strings.Split(s, ".")
	i := 0
	for i < len(segments) && isAllDigits(segments[i]) {
		i++
	}
	nums = strings.Join(segments[:i], ".")
	rest = strings.Join(segments[i:], ".")
	return nums, rest
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
