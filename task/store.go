package task

import (
	"fmt"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// StoreTask issues STORE against one message in the selected mailbox to
// set, add, or remove flags (marking a message read, flagged for
// deletion, and so on). The updated flag list arrives as an untagged
// FETCH the engine's consumer loop applies to the tree before the
// tagged completion, unless Silent suppressed it.
type StoreTask struct {
	base
	seqNum  uint32
	changes imap.StoreFlags
}

// NewStoreFlags creates a Store task for the Message at msg.
func NewStoreFlags(t *tree.Tree, msg tree.Index, changes imap.StoreFlags) *StoreTask {
	var seq uint32
	if md := t.Message(msg); md != nil {
		seq = md.SeqNum
	}
	return &StoreTask{base: newBase(KindStore, msg), seqNum: seq, changes: changes}
}

// Run implements Task.
func (t *StoreTask) Run(rt Runtime) error {
	if t.seqNum == 0 {
		err := fmt.Errorf("imap: store target has no sequence number")
		t.finish(err)
		return err
	}

	rt.Acc.Reset()
	item := t.changes.Action.String()
	if t.changes.Silent {
		item += ".SILENT"
	}
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandStore).SP()
		e.Number(t.seqNum).SP()
		e.Atom(item).SP()
		strs := make([]string, len(t.changes.Flags))
		for i, f := range t.changes.Flags {
			strs[i] = string(f)
		}
		e.Flags(strs)
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}
	if sr.Type != imap.StatusResponseTypeOK {
		err := &imap.IMAPError{StatusResponse: sr}
		t.finish(err)
		return err
	}
	t.finish(nil)
	return nil
}
