package task

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// StatusTask issues STATUS on the mailbox enclosing target's MessageList
// for MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN, and preallocates
// EXISTS placeholder Messages on completion.
type StatusTask struct {
	base
	mailboxName string

	// Data is populated once Run completes.
	Data *imap.StatusData
}

// NewStatus creates a Status task against msgList (a MessageList node)
// for the mailbox named mailboxName.
func NewStatus(msgList tree.Index, mailboxName string) *StatusTask {
	return &StatusTask{base: newBase(KindStatus, msgList), mailboxName: mailboxName}
}

// Run implements Task.
func (t *StatusTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandStatus).SP()
		e.MailboxName(mutf7.Encode(t.mailboxName)).SP()
		e.List([]string{"MESSAGES", "RECENT", "UIDNEXT", "UIDVALIDITY", "UNSEEN"})
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

	sd := rt.Acc.Status
	t.Data = sd
	if sd != nil && sd.NumMessages != nil {
		have := rt.Tree.ChildCount(t.target)
		if want := int(*sd.NumMessages); want > have {
			added := rt.Tree.PreallocateMessages(t.target, want-have)
			if len(added) > 0 {
				rt.Notify.RowsInserted(t.target, have, have+len(added)-1)
			}
		}
	}

	t.finish(nil)
	return nil
}
