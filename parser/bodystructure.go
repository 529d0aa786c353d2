package parser

import (
	"strings"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/wire"
)

// readBody parses a BODY/BODYSTRUCTURE data item (RFC 3501 §7.4.2,
// "body"), returning either a multipart node (children populated, no
// media-basic fields) or a leaf node (text/basic/message).
func readBody(d *wire.Decoder) (*imap.BodyStructure, error) {
	if err := d.ExpectByte('('); err != nil {
		return nil, err
	}

	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}

	var bs *imap.BodyStructure
	if b == '(' {
		bs, err = readMultipartBody(d)
	} else {
		bs, err = readSinglepartBody(d)
	}
	if err != nil {
		return nil, err
	}

	if err := d.ExpectByte(')'); err != nil {
		return nil, err
	}
	return bs, nil
}

func readMultipartBody(d *wire.Decoder) (*imap.BodyStructure, error) {
	bs := &imap.BodyStructure{Type: "multipart"}
	for {
		child, err := readBody(d)
		if err != nil {
			return nil, err
		}
		bs.Children = append(bs.Children, *child)
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b != '(' {
			break
		}
	}
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	subtype, err := d.ReadAString()
	if err != nil {
		return nil, err
	}
	bs.Subtype = subtype

	// Optional body-ext-mpart: params, disposition, language, location.
	if err := maybeSP(d); err == nil {
		params, err := readBodyFldParam(d)
		if err != nil {
			return nil, err
		}
		bs.Params = params
		if err := maybeSP(d); err == nil {
			disp, dispParams, err := readBodyFldDsp(d)
			if err != nil {
				return nil, err
			}
			bs.Disposition = disp
			bs.DispositionParams = dispParams
			if err := maybeSP(d); err == nil {
				langs, err := readBodyFldLang(d)
				if err != nil {
					return nil, err
				}
				bs.Language = langs
				if err := maybeSP(d); err == nil {
					loc, _, err := d.ReadNString()
					if err != nil {
						return nil, err
					}
					bs.Location = loc
					skipExtensions(d)
				}
			}
		}
	}
	return bs, nil
}

func readSinglepartBody(d *wire.Decoder) (*imap.BodyStructure, error) {
	bs := &imap.BodyStructure{}

	typ, err := d.ReadAString()
	if err != nil {
		return nil, err
	}
	bs.Type = typ
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	subtype, err := d.ReadAString()
	if err != nil {
		return nil, err
	}
	bs.Subtype = subtype
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	params, err := readBodyFldParam(d)
	if err != nil {
		return nil, err
	}
	bs.Params = params
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	id, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	bs.ID = id
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	desc, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	bs.Description = desc
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	enc, _, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	bs.Encoding = enc
	if err := d.ReadSP(); err != nil {
		return nil, err
	}

	octets, err := d.ReadNumber()
	if err != nil {
		return nil, err
	}
	bs.Size = octets

	isText := strings.EqualFold(typ, "text")
	isMessage := strings.EqualFold(typ, "message") && strings.EqualFold(subtype, "rfc822")

	if isMessage {
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		env, err := readEnvelope(d)
		if err != nil {
			return nil, err
		}
		bs.Envelope = env
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		nested, err := readBody(d)
		if err != nil {
			return nil, err
		}
		bs.BodyStructure = nested
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		lines, err := d.ReadNumber()
		if err != nil {
			return nil, err
		}
		bs.Lines = lines
	} else if isText {
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		lines, err := d.ReadNumber()
		if err != nil {
			return nil, err
		}
		bs.Lines = lines
	}

	// Optional body-ext-1part: md5, disposition, language, location.
	if err := maybeSP(d); err == nil {
		md5, _, err := d.ReadNString()
		if err != nil {
			return nil, err
		}
		bs.MD5 = md5
		if err := maybeSP(d); err == nil {
			disp, dispParams, err := readBodyFldDsp(d)
			if err != nil {
				return nil, err
			}
			bs.Disposition = disp
			bs.DispositionParams = dispParams
			if err := maybeSP(d); err == nil {
				langs, err := readBodyFldLang(d)
				if err != nil {
					return nil, err
				}
				bs.Language = langs
				if err := maybeSP(d); err == nil {
					loc, _, err := d.ReadNString()
					if err != nil {
						return nil, err
					}
					bs.Location = loc
					skipExtensions(d)
				}
			}
		}
	}

	return bs, nil
}

// maybeSP consumes a single space if the next byte is one, returning
// errNoMore otherwise so callers can treat "no more fields" uniformly
// via an if-err guard. The byte after the space is not examined.
func maybeSP(d *wire.Decoder) error {
	b, err := d.PeekByte()
	if err != nil || b != ' ' {
		return errNoMore
	}
	return d.ReadSP()
}

var errNoMore = &noMoreFieldsError{}

type noMoreFieldsError struct{}

func (*noMoreFieldsError) Error() string { return "imap: no more body fields" }

func readBodyFldParam(d *wire.Decoder) (map[string]string, error) {
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
	params := make(map[string]string)
	var key string
	first := true
	err = d.ReadList(func() error {
		s, err := d.ReadAString()
		if err != nil {
			return err
		}
		if first {
			key = s
			first = false
			return nil
		}
		params[strings.ToLower(key)] = s
		first = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

// readBodyFldDsp parses body-fld-dsp: NIL or "(string body-fld-param)".
func readBodyFldDsp(d *wire.Decoder) (string, map[string]string, error) {
	b, err := d.PeekByte()
	if err != nil {
		return "", nil, err
	}
	if b != '(' {
		if _, _, err := d.ReadNString(); err != nil {
			return "", nil, err
		}
		return "", nil, nil
	}
	if err := d.ExpectByte('('); err != nil {
		return "", nil, err
	}
	disp, err := d.ReadAString()
	if err != nil {
		return "", nil, err
	}
	if err := d.ReadSP(); err != nil {
		return "", nil, err
	}
	params, err := readBodyFldParam(d)
	if err != nil {
		return "", nil, err
	}
	if err := d.ExpectByte(')'); err != nil {
		return "", nil, err
	}
	return disp, params, nil
}

// readBodyFldLang parses body-fld-lang: NIL, a single string, or a
// parenthesized list of strings.
func readBodyFldLang(d *wire.Decoder) ([]string, error) {
	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}
	if b == '(' {
		var langs []string
		err := d.ReadList(func() error {
			s, err := d.ReadAString()
			if err != nil {
				return err
			}
			langs = append(langs, s)
			return nil
		})
		return langs, err
	}
	s, present, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return []string{s}, nil
}

// skipExtensions discards any trailing body-extension values the server
// appended beyond what we parse (we don't round-trip these).
func skipExtensions(d *wire.Decoder) {
	for {
		b, err := d.PeekByte()
		if err != nil || b != ' ' {
			return
		}
		_ = d.ReadSP()
		b, err = d.PeekByte()
		if err != nil {
			return
		}
		if b == '(' {
			_ = d.ReadList(func() error {
				skipExtensions(d)
				return nil
			})
			continue
		}
		if _, _, err := d.ReadNString(); err != nil {
			return
		}
	}
}
