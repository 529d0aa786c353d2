package task

import (
	"fmt"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// AppendResult carries what an AppendTask learned from the server: the
// (uidValidity, uid) pair from an APPENDUID response code, if any.
// HasUID is false when the server lacks UIDPLUS; that is non-fatal but
// disables BURL for this append.
type AppendResult struct {
	UIDValidity uint32
	UID         imap.UID
	HasUID      bool
}

// CatenatePart is one element of a CATENATE APPEND: either a literal
// byte payload (Text non-nil) or a reference to an existing IMAP URL
// (URL non-empty).
type CatenatePart struct {
	Text []byte
	URL  string
}

// AppendTask issues APPEND against a mailbox, either as a single literal
// (Parts has exactly one Text part and no URL parts) or, when the
// server advertises CATENATE, as an alternating sequence of TEXT
// literals and IMAP URLs.
type AppendTask struct {
	base
	mailboxName string
	flags       []imap.Flag
	internal    imap.InternalDate
	hasInternal bool
	parts       []CatenatePart
	useCatenate bool

	// Result is populated once Run completes successfully.
	Result AppendResult
}

// NewAppend creates a single-literal APPEND task.
func NewAppend(mailboxName string, payload []byte, flags []imap.Flag, internalDate imap.InternalDate, hasDate bool) *AppendTask {
	return &AppendTask{
		base:        newBase(KindAppend, tree.NilIndex),
		mailboxName: mailboxName,
		flags:       flags,
		internal:    internalDate,
		hasInternal: hasDate,
		parts:       []CatenatePart{{Text: payload}},
	}
}

// NewAppendCatenate creates a CATENATE APPEND task from an ordered list
// of text/URL parts. The caller (the engine) is responsible for having
// confirmed the server advertises CATENATE before using this form.
func NewAppendCatenate(mailboxName string, parts []CatenatePart, flags []imap.Flag) *AppendTask {
	return &AppendTask{
		base:        newBase(KindAppend, tree.NilIndex),
		mailboxName: mailboxName,
		flags:       flags,
		parts:       parts,
		useCatenate: true,
	}
}

// Run implements Task.
func (t *AppendTask) Run(rt Runtime) error {
	rt.Acc.Reset()

	if t.useCatenate {
		return t.runCatenate(rt)
	}
	return t.runSingle(rt)
}

func (t *AppendTask) runSingle(rt Runtime) error {
	payload := t.parts[0].Text

	tag, cmd, _, err := rt.Sess.SubmitAndAwaitContinuation(func(e *wire.Encoder) {
		t.writeHeader(e)
		e.SP()
		e.Raw([]byte(fmt.Sprintf("{%d}", len(payload))))
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}

	rt.Sess.Enc.Raw(payload)
	rt.Sess.Enc.CRLF()
	if err := rt.Sess.Enc.Flush(); err != nil {
		t.finish(err)
		return err
	}

	sr, err := rt.Sess.AwaitCompletion(cmd)
	return t.finishWithStatus(sr, err)
}

// runCatenate writes CATENATE's alternating TEXT-literal/URL part list.
// Every literal is preceded by a "+" continuation the server sends in
// reply to that literal's "{n}" header; URL parts carry no literal and
// need no continuation, so runs of them are written inline between one
// literal's body and the next part requiring one.
func (t *AppendTask) runCatenate(rt Runtime) error {
	firstLit := firstTextIndexFrom(t.parts, 0)
	if firstLit == len(t.parts) {
		// No literal anywhere: the whole command fits on one line.
		tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
			t.writeHeader(e)
			e.SP().Atom("CATENATE").SP().BeginList()
			for i := range t.parts {
				if i > 0 {
					e.SP()
				}
				e.Atom("URL").SP().String(t.parts[i].URL)
			}
			e.EndList()
		})
		t.activate(tag)
		return t.finishWithStatus(sr, err)
	}

	tag, cmd, _, err := rt.Sess.SubmitAndAwaitContinuation(func(e *wire.Encoder) {
		t.writeHeader(e)
		e.SP().Atom("CATENATE").SP().BeginList()
		t.writeInlineUpTo(e, 0, firstLit)
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}

	next := firstLit
	for next < len(t.parts) {
		rt.Sess.Enc.Raw(t.parts[next].Text)
		next++
		following := firstTextIndexFrom(t.parts, next)
		t.writeInlineUpTo(rt.Sess.Enc, next, following)
		if following != len(t.parts) {
			// The next literal's "{n}" header ends this line; the
			// server answers it with another continuation request.
			rt.Sess.Enc.CRLF()
		}
		if err := rt.Sess.Enc.Flush(); err != nil {
			t.finish(err)
			return err
		}
		if following == len(t.parts) {
			next = following
			break
		}
		_, sr, err := rt.Sess.AwaitContinuation(cmd)
		if err != nil {
			t.finish(err)
			return err
		}
		if sr != nil {
			err := fmt.Errorf("imap: CATENATE ended early: %s", sr.Error())
			t.finish(err)
			return err
		}
		next = following
	}

	rt.Sess.Enc.RawString(")")
	rt.Sess.Enc.CRLF()
	if err := rt.Sess.Enc.Flush(); err != nil {
		t.finish(err)
		return err
	}

	sr, err := rt.Sess.AwaitCompletion(cmd)
	return t.finishWithStatus(sr, err)
}

// writeHeader writes "APPEND mailbox (flags) [date]", the part of the
// command common to both forms, stopping short of the payload.
func (t *AppendTask) writeHeader(e *wire.Encoder) {
	e.Atom(imap.CommandAppend).SP()
	e.MailboxName(mutf7.Encode(t.mailboxName))
	if len(t.flags) > 0 {
		e.SP()
		strs := make([]string, len(t.flags))
		for i, f := range t.flags {
			strs[i] = string(f)
		}
		e.Flags(strs)
	}
	if t.hasInternal {
		e.SP()
		e.DateTime(time.Time(t.internal))
	}
}

// writeInlineUpTo writes parts[from:upto] as plain "URL ..." items
// (separated by spaces) followed by parts[upto]'s "TEXT {n}" header, if
// upto is a valid index; when upto == len(parts) (no further literal in
// this range), every part from "from" onward is a URL and gets written
// in full, with nothing left to unblock.
func (t *AppendTask) writeInlineUpTo(e *wire.Encoder, from, upto int) {
	for i := from; i < len(t.parts) && i <= upto; i++ {
		if i > 0 {
			e.SP()
		}
		if i == upto && t.parts[i].Text != nil {
			e.Atom("TEXT").SP()
			e.Raw([]byte(fmt.Sprintf("{%d}", len(t.parts[i].Text))))
			continue
		}
		e.Atom("URL").SP().String(t.parts[i].URL)
	}
}

// firstTextIndexFrom returns the index, at or after start, of the first
// part carrying a literal payload, or len(parts) if none remain.
func firstTextIndexFrom(parts []CatenatePart, start int) int {
	for i := start; i < len(parts); i++ {
		if parts[i].Text != nil {
			return i
		}
	}
	return len(parts)
}

func (t *AppendTask) finishWithStatus(sr *imap.StatusResponse, err error) error {
	if err != nil {
		t.finish(err)
		return err
	}
	if sr.Type != imap.StatusResponseTypeOK {
		err := &imap.IMAPError{StatusResponse: sr}
		t.finish(err)
		return err
	}
	if sr.Code == imap.ResponseCodeAppendUID {
		if pair, ok := sr.CodeArg.([2]uint32); ok {
			t.Result = AppendResult{UIDValidity: pair[0], UID: imap.UID(pair[1]), HasUID: true}
		}
	}
	t.finish(nil)
	return nil
}
