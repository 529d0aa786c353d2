package task

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// SelectTask issues SELECT or EXAMINE against a mailbox. The session
// is in Syncing state while this is in flight (the engine
// sets that before activating the task and moves to Selected once Run
// returns successfully); HandleSelecting accumulates the untagged
// EXISTS/RECENT/FLAGS/PERMANENTFLAGS/UIDNEXT/UIDVALIDITY/UNSEEN
// responses into rt.Acc.Sync for this task to read back.
//
// SelectTask itself only performs the wire exchange; the FULL vs.
// INCREMENTAL reconciliation against cache is the engine's
// job, done after Run returns, since it needs the cache and the
// previous SyncState which this task has no access to.
type SelectTask struct {
	base
	mailboxName string
	readOnly    bool

	// SyncState and ReadOnly are populated once Run completes.
	SyncState tree.SyncState
	ReadOnly  bool
}

// NewSelect creates a Select task. readOnly selects EXAMINE instead of
// SELECT. target is the Mailbox node being selected.
func NewSelect(mailbox tree.Index, mailboxName string, readOnly bool) *SelectTask {
	return &SelectTask{base: newBase(KindSelect, mailbox), mailboxName: mailboxName, readOnly: readOnly}
}

// Run implements Task.
func (t *SelectTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	cmd := "SELECT"
	if t.readOnly {
		cmd = "EXAMINE"
	}
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(cmd).SP()
		e.MailboxName(mutf7.Encode(t.mailboxName))
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

	t.SyncState = rt.Acc.Sync
	t.ReadOnly = t.readOnly || sr.Code == imap.ResponseCodeReadOnly
	t.finish(nil)
	return nil
}
