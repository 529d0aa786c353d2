package task

import (
	"fmt"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// FetchKind distinguishes the two FetchTask shapes: metadata (ENVELOPE
// BODYSTRUCTURE RFC822.SIZE) and a single body part.
type FetchKind int

const (
	FetchMetadata FetchKind = iota
	FetchPart
)

// FetchTask issues `FETCH <seq> (...)` for either a Message's metadata
// or one of its Part's raw body, and writes the result onto the tree
// via the same handler.applyFetch path the engine's untagged-response
// consumer uses for unsolicited FETCH data.
type FetchTask struct {
	base
	kind   FetchKind
	seqNum uint32
	partID string // only for FetchPart
}

// NewFetchMetadata creates a task fetching ENVELOPE/BODYSTRUCTURE/FLAGS/
// RFC822.SIZE for the Message at msg.
func NewFetchMetadata(t *tree.Tree, msg tree.Index) *FetchTask {
	md := t.Message(msg)
	var seq uint32
	if md != nil {
		seq = md.SeqNum
	}
	return &FetchTask{base: newBase(KindFetch, msg), kind: FetchMetadata, seqNum: seq}
}

// NewFetchPart creates a task fetching BODY[<partId>] for the Part at
// part, addressing its enclosing Message by walking up the tree.
func NewFetchPart(t *tree.Tree, part tree.Index) *FetchTask {
	msg := enclosingMessage(t, part)
	var seq uint32
	if md := t.Message(msg); md != nil {
		seq = md.SeqNum
	}
	partID := t.PartIDOf(part)
	return &FetchTask{base: newBase(KindFetch, part), kind: FetchPart, seqNum: seq, partID: partID}
}

// enclosingMessage walks parent links from idx until it finds a Message
// node (or NilIndex, if idx is already detached/invalid).
func enclosingMessage(t *tree.Tree, idx tree.Index) tree.Index {
	for cur := idx; cur != tree.NilIndex; cur = t.Parent(cur) {
		if t.Kind(cur) == tree.KindMessage {
			return cur
		}
	}
	return tree.NilIndex
}

// Run implements Task.
func (t *FetchTask) Run(rt Runtime) error {
	if t.seqNum == 0 {
		err := fmt.Errorf("imap: fetch target has no sequence number")
		t.finish(err)
		return err
	}

	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandFetch).SP()
		e.Number(t.seqNum).SP()
		e.BeginList()
		switch t.kind {
		case FetchMetadata:
			e.Atom("ENVELOPE").SP().Atom("BODYSTRUCTURE").SP().Atom("FLAGS").SP().Atom("RFC822.SIZE")
		case FetchPart:
			e.Atom("BODY[").Atom(t.partID).Atom("]")
		}
		e.EndList()
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}
	if sr.Type != imap.StatusResponseTypeOK {
		if sr.Type == imap.StatusResponseTypeNO {
			rt.Tree.MarkFetched(t.target, false)
		}
		err := &imap.IMAPError{StatusResponse: sr}
		t.finish(err)
		return err
	}

	rt.Tree.MarkFetched(t.target, true)
	t.finish(nil)
	return nil
}
