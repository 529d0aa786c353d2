package parser

import (
	"strconv"
	"strings"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/wire"
)

var listAttrs = map[string]imap.MailboxAttr{
	"\\NOINFERIORS":   imap.MailboxAttrNoInferiors,
	"\\NOSELECT":      imap.MailboxAttrNoSelect,
	"\\MARKED":        imap.MailboxAttrMarked,
	"\\UNMARKED":      imap.MailboxAttrUnmarked,
	"\\HASCHILDREN":   imap.MailboxAttrHasChildren,
	"\\HASNOCHILDREN": imap.MailboxAttrHasNoChildren,
	"\\NONEXISTENT":   imap.MailboxAttrNonExistent,
	"\\SUBSCRIBED":    imap.MailboxAttrSubscribed,
	"\\REMOTE":        imap.MailboxAttrRemote,
	"\\ALL":           imap.MailboxAttrAll,
	"\\ARCHIVE":       imap.MailboxAttrArchive,
	"\\DRAFTS":        imap.MailboxAttrDrafts,
	"\\FLAGGED":       imap.MailboxAttrFlagged,
	"\\JUNK":          imap.MailboxAttrJunk,
	"\\SENT":          imap.MailboxAttrSent,
	"\\TRASH":         imap.MailboxAttrTrash,
}

// readList parses a LIST/LSUB response: "(attrs) delim mailbox-name".
// The mailbox name arrives on the wire in modified UTF-7 and is decoded
// to Unicode here; the model never sees wire-form names.
func readList(d *wire.Decoder) (*imap.ListData, error) {
	ld := &imap.ListData{}

	var attrStrs []string
	if err := d.ReadList(func() error {
		a, err := d.ReadFlagAtom()
		if err != nil {
			return err
		}
		attrStrs = append(attrStrs, strings.ToUpper(a))
		return nil
	}); err != nil {
		return nil, err
	}
	for _, a := range attrStrs {
		if attr, ok := listAttrs[a]; ok {
			ld.Attrs = append(ld.Attrs, attr)
		} else {
			ld.Attrs = append(ld.Attrs, imap.MailboxAttr(a))
		}
	}

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	delim, present, err := d.ReadNString()
	if err != nil {
		return nil, err
	}
	if present && len(delim) > 0 {
		ld.Delim = rune(delim[0])
	}

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	name, err := d.ReadAString()
	if err != nil {
		return nil, err
	}
	decoded, err := mutf7.Decode(name)
	if err != nil {
		decoded = name
	}
	ld.Mailbox = decoded

	if err := finishLine(d); err != nil {
		return nil, err
	}
	return ld, nil
}

// readStatusData parses "STATUS mailbox (item value ...)".
func readStatusData(d *wire.Decoder) (*imap.StatusData, error) {
	sd := &imap.StatusData{}
	name, err := d.ReadAString()
	if err != nil {
		return nil, err
	}
	decoded, err := mutf7.Decode(name)
	if err != nil {
		decoded = name
	}
	sd.Mailbox = decoded

	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	if err := d.ReadList(func() error {
		item, err := d.ReadAtom()
		if err != nil {
			return err
		}
		if err := d.ReadSP(); err != nil {
			return err
		}
		switch strings.ToUpper(item) {
		case "MESSAGES":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.NumMessages = &n
		case "UIDNEXT":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.UIDNext = &n
		case "UIDVALIDITY":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.UIDValidity = &n
		case "UNSEEN":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.NumUnseen = &n
		case "RECENT":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.NumRecent = &n
		case "SIZE":
			n, err := d.ReadNumber64()
			if err != nil {
				return err
			}
			v := int64(n)
			sd.Size = &v
		case "APPENDLIMIT":
			n, err := d.ReadNumber()
			if err != nil {
				return err
			}
			sd.AppendLimit = &n
		case "HIGHESTMODSEQ":
			n, err := d.ReadNumber64()
			if err != nil {
				return err
			}
			sd.HighestModSeq = &n
		case "MAILBOXID":
			if err := d.ExpectByte('('); err != nil {
				return err
			}
			v, err := d.ReadAtom()
			if err != nil {
				return err
			}
			if err := d.ExpectByte(')'); err != nil {
				return err
			}
			sd.MailboxID = v
		default:
			if _, err := d.ReadAtom(); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := finishLine(d); err != nil {
		return nil, err
	}
	return sd, nil
}

func readSearch(d *wire.Decoder) (*imap.SearchData, error) {
	sd := &imap.SearchData{}
	for {
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == '\r' {
			break
		}
		if b == ' ' {
			if err := d.ReadSP(); err != nil {
				return nil, err
			}
			continue
		}
		n, err := d.ReadNumber()
		if err != nil {
			return nil, err
		}
		sd.AllSeqNums = append(sd.AllSeqNums, n)
		sd.AllUIDs = append(sd.AllUIDs, imap.UID(n))
	}
	if err := d.ReadCRLF(); err != nil {
		return nil, err
	}
	return sd, nil
}

func readThread(d *wire.Decoder) ([]imap.Thread, error) {
	var threads []imap.Thread
	for {
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == '\r' {
			break
		}
		if len(threads) > 0 {
			if err := d.ReadSP(); err != nil {
				return nil, err
			}
		}
		t, err := readThreadNode(d)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := d.ReadCRLF(); err != nil {
		return nil, err
	}
	return threads, nil
}

// readThreadNode parses one "(num num (num num) ...)" thread tree node.
func readThreadNode(d *wire.Decoder) (imap.Thread, error) {
	var root imap.Thread
	var cur *imap.Thread
	if err := d.ReadList(func() error {
		b, err := d.PeekByte()
		if err != nil {
			return err
		}
		if b == '(' {
			child, err := readThreadNode(d)
			if err != nil {
				return err
			}
			if cur == nil {
				root.Children = append(root.Children, child)
			} else {
				cur.Children = append(cur.Children, child)
			}
			return nil
		}
		n, err := d.ReadNumber()
		if err != nil {
			return err
		}
		if cur == nil {
			root.Num = n
			cur = &root
		} else {
			next := imap.Thread{Num: n}
			cur.Children = append(cur.Children, next)
			cur = &cur.Children[len(cur.Children)-1]
		}
		return nil
	}); err != nil {
		return imap.Thread{}, err
	}
	return root, nil
}

func readNamespace(d *wire.Decoder) (*imap.NamespaceData, error) {
	ns := &imap.NamespaceData{}
	personal, err := readNamespaceDescList(d)
	if err != nil {
		return nil, err
	}
	ns.Personal = personal
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	other, err := readNamespaceDescList(d)
	if err != nil {
		return nil, err
	}
	ns.Other = other
	if err := d.ReadSP(); err != nil {
		return nil, err
	}
	shared, err := readNamespaceDescList(d)
	if err != nil {
		return nil, err
	}
	ns.Shared = shared
	if err := finishLine(d); err != nil {
		return nil, err
	}
	return ns, nil
}

// readNamespaceDescList parses one of NAMESPACE's three slots: either NIL
// or a parenthesized list of "(prefix delim)" descriptors (trailing
// namespace-response-extension data, if any, is skipped).
func readNamespaceDescList(d *wire.Decoder) ([]imap.NamespaceDescriptor, error) {
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

	var descs []imap.NamespaceDescriptor
	err = d.ReadList(func() error {
		var nd imap.NamespaceDescriptor
		innerErr := d.ReadList(func() error {
			prefix, err := d.ReadAString()
			if err != nil {
				return err
			}
			nd.Prefix = prefix
			if err := d.ReadSP(); err != nil {
				return err
			}
			delim, present, err := d.ReadNString()
			if err != nil {
				return err
			}
			if present && len(delim) > 0 {
				nd.Delim = rune(delim[0])
			}
			// Skip any namespace-response-extension atoms/lists.
			for {
				b, err := d.PeekByte()
				if err != nil || b != ' ' {
					break
				}
				_ = d.ReadSP()
				if _, err := d.ReadAString(); err != nil {
					break
				}
			}
			return nil
		})
		if innerErr != nil {
			return innerErr
		}
		descs = append(descs, nd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return descs, nil
}

// readID parses "ID NIL" or "ID (key value key value ...)" (RFC 2971).
func readID(d *wire.Decoder) (imap.IDData, error) {
	id := imap.IDData{}
	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}
	if b != '(' {
		if _, _, err := d.ReadNString(); err != nil {
			return nil, err
		}
		return id, finishLine(d)
	}

	if err := d.ReadList(func() error {
		key, err := d.ReadAString()
		if err != nil {
			return err
		}
		if err := d.ReadSP(); err != nil {
			return err
		}
		val, present, err := d.ReadNString()
		if err != nil {
			return err
		}
		if present {
			v := val
			id[strings.ToLower(key)] = &v
		} else {
			id[strings.ToLower(key)] = nil
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return id, finishLine(d)
}

func parsePartNumbers(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	return nums
}
