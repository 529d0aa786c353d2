// Package parser implements the IMAP "Parser I/O" layer: it
// owns a byte-stream transport, assembles tagged and untagged responses
// into typed records on top of the low-level wire.Decoder/Encoder, and
// accepts command submissions that return an opaque tag. State handlers
// and tasks consume the typed Response stream; neither of them touches
// wire.Decoder directly.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/wire"
)

// Kind discriminates the untagged/tagged response records the decoder
// can produce.
type Kind int

const (
	KindStatus Kind = iota // tagged or untagged OK/NO/BAD/BYE/PREAUTH
	KindCapability
	KindList
	KindLSub
	KindStatusData // STATUS response for a mailbox
	KindFlags
	KindExists
	KindRecent
	KindExpunge
	KindFetch
	KindSearch
	KindSort
	KindThread
	KindNamespace
	KindEnabled
	KindID
	KindGenURLAuth
	KindContinuation
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindCapability:
		return "capability"
	case KindList:
		return "list"
	case KindLSub:
		return "lsub"
	case KindStatusData:
		return "status-data"
	case KindFlags:
		return "flags"
	case KindExists:
		return "exists"
	case KindRecent:
		return "recent"
	case KindExpunge:
		return "expunge"
	case KindFetch:
		return "fetch"
	case KindSearch:
		return "search"
	case KindSort:
		return "sort"
	case KindThread:
		return "thread"
	case KindNamespace:
		return "namespace"
	case KindEnabled:
		return "enabled"
	case KindID:
		return "id"
	case KindGenURLAuth:
		return "genurlauth"
	case KindContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// Response is one parsed IMAP response line (tagged or untagged). Only
// the field matching Kind is populated; this mirrors the sum-type
// navigation used by tree.Tree rather than a class hierarchy with
// downcasts.
type Response struct {
	Kind Kind
	Tag  string // "" for untagged responses

	Status *imap.StatusResponse
	Caps   []imap.Cap
	List   *imap.ListData
	SData  *imap.StatusData
	Flags  []imap.Flag
	Num    uint32 // EXISTS/RECENT count, or EXPUNGE/FETCH sequence number
	Fetch  *imap.FetchMessageData
	Search *imap.SearchData
	Sort   *imap.SortData
	Thread *imap.ThreadData
	NS     *imap.NamespaceData
	ID     imap.IDData
	URL    string // GENURLAUTH's authenticated URL
	Text   string // continuation request text
}

// ReadResponse reads and parses one complete response (tagged, untagged,
// or a continuation request) from d.
func ReadResponse(d *wire.Decoder) (*Response, error) {
	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}

	switch b {
	case '+':
		if err := d.ExpectByte('+'); err != nil {
			return nil, err
		}
		text, err := readToCRLF(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindContinuation, Text: strings.TrimPrefix(text, " ")}, nil
	case '*':
		if err := d.ExpectByte('*'); err != nil {
			return nil, err
		}
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		return readUntagged(d)
	default:
		tag, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		resp, err := readStatusLine(d)
		if err != nil {
			return nil, err
		}
		resp.Tag = tag
		return resp, nil
	}
}

func readToCRLF(d *wire.Decoder) (string, error) {
	line, err := d.ReadLine()
	if err != nil {
		return "", err
	}
	return line, nil
}

// readUntagged dispatches on the first atom of an untagged response. A
// leading numeric atom means a "<number> <name>" response
// (EXISTS/RECENT/EXPUNGE/FETCH); otherwise the atom names the response.
func readUntagged(d *wire.Decoder) (*Response, error) {
	first, err := d.ReadAtom()
	if err != nil {
		return nil, err
	}

	if n, convErr := strconv.ParseUint(first, 10, 32); convErr == nil {
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		name, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(name) {
		case "EXISTS":
			return &Response{Kind: KindExists, Num: uint32(n)}, finishLine(d)
		case "RECENT":
			return &Response{Kind: KindRecent, Num: uint32(n)}, finishLine(d)
		case "EXPUNGE":
			return &Response{Kind: KindExpunge, Num: uint32(n)}, finishLine(d)
		case "FETCH":
			fd, err := readFetch(d, uint32(n))
			if err != nil {
				return nil, err
			}
			return &Response{Kind: KindFetch, Num: uint32(n), Fetch: fd}, nil
		default:
			if err := d.DiscardLine(); err != nil {
				return nil, err
			}
			return &Response{Kind: KindStatus, Status: &imap.StatusResponse{Text: fmt.Sprintf("%s %s", first, name)}}, nil
		}
	}

	switch strings.ToUpper(first) {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
		resp, err := readStatusText(d, first)
		if err != nil {
			return nil, err
		}
		return resp, nil
	case "CAPABILITY":
		caps, err := readCapabilities(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindCapability, Caps: caps}, nil
	case "LIST":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		ld, err := readList(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindList, List: ld}, nil
	case "LSUB":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		ld, err := readList(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindLSub, List: ld}, nil
	case "STATUS":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		sd, err := readStatusData(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindStatusData, SData: sd}, nil
	case "FLAGS":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		flagStrs, err := d.ReadFlags()
		if err != nil {
			return nil, err
		}
		if err := finishLine(d); err != nil {
			return nil, err
		}
		return &Response{Kind: KindFlags, Flags: toFlags(flagStrs)}, nil
	case "SEARCH":
		sd, err := readSearch(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindSearch, Search: sd}, nil
	case "SORT":
		nums, err := readNumberList(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindSort, Sort: &imap.SortData{AllNums: nums}}, nil
	case "THREAD":
		// "* THREAD" with no results carries no SP at all.
		if b, err := d.PeekByte(); err == nil && b == ' ' {
			if err := d.ReadSP(); err != nil {
				return nil, err
			}
		}
		threads, err := readThread(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindThread, Thread: &imap.ThreadData{Threads: threads}}, nil
	case "NAMESPACE":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		ns, err := readNamespace(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindNamespace, NS: ns}, nil
	case "ENABLED":
		caps, err := readAtomListToCRLF(d)
		if err != nil {
			return nil, err
		}
		out := make([]imap.Cap, len(caps))
		for i, c := range caps {
			out[i] = imap.Cap(c)
		}
		return &Response{Kind: KindEnabled, Caps: out}, nil
	case "ID":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		id, err := readID(d)
		if err != nil {
			return nil, err
		}
		return &Response{Kind: KindID, ID: id}, nil
	case "GENURLAUTH":
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		url, err := d.ReadAString()
		if err != nil {
			return nil, err
		}
		if err := finishLine(d); err != nil {
			return nil, err
		}
		return &Response{Kind: KindGenURLAuth, URL: url}, nil
	default:
		if err := d.DiscardLine(); err != nil {
			return nil, err
		}
		return &Response{Kind: KindStatus, Status: &imap.StatusResponse{Text: first}}, nil
	}
}

func finishLine(d *wire.Decoder) error {
	b, err := d.PeekByte()
	if err != nil {
		return err
	}
	if b == '\r' {
		return d.ReadCRLF()
	}
	return d.DiscardLine()
}

func toFlags(strs []string) []imap.Flag {
	out := make([]imap.Flag, len(strs))
	for i, s := range strs {
		out[i] = imap.Flag(s)
	}
	return out
}

// readStatusLine reads a tagged response's status word and the rest of
// the status-response grammar after it (shared with readStatusText).
func readStatusLine(d *wire.Decoder) (*Response, error) {
	word, err := d.ReadAtom()
	if err != nil {
		return nil, err
	}
	return readStatusText(d, word)
}

func readStatusText(d *wire.Decoder, typeWord string) (*Response, error) {
	sr := &imap.StatusResponse{Type: imap.StatusResponseType(strings.ToUpper(typeWord))}

	b, err := d.PeekByte()
	if err != nil {
		return nil, err
	}
	if b == ' ' {
		_ = d.ReadSP()
		b, err = d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == '[' {
			code, arg, err := readResponseCode(d)
			if err != nil {
				return nil, err
			}
			sr.Code = code
			sr.CodeArg = arg
			b, err = d.PeekByte()
			if err != nil {
				return nil, err
			}
			if b == ' ' {
				_ = d.ReadSP()
			}
		}
		text, err := d.ReadLine()
		if err != nil {
			return nil, err
		}
		sr.Text = text
	} else {
		if err := d.ReadCRLF(); err != nil {
			return nil, err
		}
	}
	return &Response{Kind: KindStatus, Status: sr}, nil
}

// readResponseCode reads "[CODE arg...]" and returns the code name plus
// a best-effort decoded argument (nil, a uint64, a [2]uint32,
// imap.CopyData, []imap.Flag, []imap.Cap, or the raw text). The
// closing ']' is consumed; nothing after it is touched.
func readResponseCode(d *wire.Decoder) (imap.ResponseCode, interface{}, error) {
	if err := d.ExpectByte('['); err != nil {
		return "", nil, err
	}
	name, err := d.ReadAtom()
	if err != nil {
		return "", nil, err
	}
	code := imap.ResponseCode(strings.ToUpper(name))

	b, err := d.PeekByte()
	if err != nil {
		return "", nil, err
	}
	if b == ']' {
		_ = d.ExpectByte(']')
		return code, nil, nil
	}
	if err := d.ReadSP(); err != nil {
		return code, nil, err
	}

	switch code {
	case imap.ResponseCodeUIDValidity, imap.ResponseCodeUIDNext, imap.ResponseCodeUnseen, imap.ResponseCodeHighestModSeq:
		n, err := d.ReadNumber64()
		if err != nil {
			return code, nil, err
		}
		if err := d.ExpectByte(']'); err != nil {
			return code, nil, err
		}
		return code, n, nil
	case imap.ResponseCodeAppendUID:
		uidValidity, err := d.ReadNumber()
		if err != nil {
			return code, nil, err
		}
		if err := d.ReadSP(); err != nil {
			return code, nil, err
		}
		uid, err := d.ReadNumber()
		if err != nil {
			return code, nil, err
		}
		if err := d.ExpectByte(']'); err != nil {
			return code, nil, err
		}
		return code, [2]uint32{uidValidity, uid}, nil
	case imap.ResponseCodeCopyUID:
		uidValidity, err := d.ReadNumber()
		if err != nil {
			return code, nil, err
		}
		if err := d.ReadSP(); err != nil {
			return code, nil, err
		}
		srcSet, err := d.ReadAtom()
		if err != nil {
			return code, nil, err
		}
		if err := d.ReadSP(); err != nil {
			return code, nil, err
		}
		dstSet, err := d.ReadAtom()
		if err != nil {
			return code, nil, err
		}
		if err := d.ExpectByte(']'); err != nil {
			return code, nil, err
		}
		src, err := imap.ParseUIDSet(srcSet)
		if err != nil {
			return code, nil, err
		}
		dst, err := imap.ParseUIDSet(dstSet)
		if err != nil {
			return code, nil, err
		}
		return code, imap.CopyData{UIDValidity: uidValidity, SourceUIDs: *src, DestUIDs: *dst}, nil
	case imap.ResponseCodePermanentFlags:
		flagStrs, err := d.ReadFlags()
		if err != nil {
			return code, nil, err
		}
		if err := d.ExpectByte(']'); err != nil {
			return code, nil, err
		}
		return code, toFlags(flagStrs), nil
	case imap.ResponseCodeCapability:
		caps, err := readCapAtomsUntil(d, ']')
		if err != nil {
			return code, nil, err
		}
		return code, caps, nil
	default:
		// Unknown/atom-valued code: read until ']'.
		var words []string
		for {
			b, err := d.PeekByte()
			if err != nil {
				return code, nil, err
			}
			if b == ']' {
				_ = d.ExpectByte(']')
				return code, strings.Join(words, " "), nil
			}
			w, err := d.ReadAtom()
			if err != nil {
				return code, nil, err
			}
			words = append(words, w)
			b2, err := d.PeekByte()
			if err == nil && b2 == ' ' {
				_ = d.ReadSP()
			}
		}
	}
}

func readCapAtomsUntil(d *wire.Decoder, closing byte) ([]imap.Cap, error) {
	var caps []imap.Cap
	for {
		w, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		caps = append(caps, imap.Cap(w))
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == ' ' {
			_ = d.ReadSP()
			continue
		}
		if b == closing {
			_ = d.ExpectByte(closing)
			return caps, nil
		}
	}
}

func readCapabilities(d *wire.Decoder) ([]imap.Cap, error) {
	var caps []imap.Cap
	for {
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == '\r' {
			break
		}
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		w, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		caps = append(caps, imap.Cap(w))
	}
	if err := d.ReadCRLF(); err != nil {
		return nil, err
	}
	return caps, nil
}

func readAtomListToCRLF(d *wire.Decoder) ([]string, error) {
	var out []string
	for {
		b, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b == '\r' {
			break
		}
		if err := d.ReadSP(); err != nil {
			return nil, err
		}
		b2, err := d.PeekByte()
		if err != nil {
			return nil, err
		}
		if b2 == '(' {
			// NIL placeholder for an unrecognized capability in ENABLED
			if err := d.DiscardLine(); err != nil {
				return nil, err
			}
			break
		}
		w, err := d.ReadAtom()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	_ = d.ReadCRLF()
	return out, nil
}

func readNumberList(d *wire.Decoder) ([]uint32, error) {
	var nums []uint32
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
		nums = append(nums, n)
	}
	if err := d.ReadCRLF(); err != nil {
		return nil, err
	}
	return nums, nil
}
