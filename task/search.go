package task

import (
	"fmt"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// SearchTask issues UID SEARCH against a selected mailbox, used by the
// engine's resynchronization: ALL for a full resync, or a
// "<from>:*" UID range to learn just the UIDs an incremental resync
// hasn't seen yet.
type SearchTask struct {
	base
	fromUID imap.UID
	ranged  bool

	// UIDs is populated once Run completes.
	UIDs []imap.UID
}

// NewUIDSearchAll creates a task searching msgList's mailbox for every
// UID (ALL).
func NewUIDSearchAll(msgList tree.Index) *SearchTask {
	return &SearchTask{base: newBase(KindSearch, msgList)}
}

// NewUIDSearchFrom creates a task searching for every UID at or above
// from, for extending a previously-known UID map incrementally.
func NewUIDSearchFrom(msgList tree.Index, from imap.UID) *SearchTask {
	return &SearchTask{base: newBase(KindSearch, msgList), fromUID: from, ranged: true}
}

// Run implements Task.
func (t *SearchTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandUID).SP().Atom("SEARCH").SP()
		if t.ranged {
			e.Atom(imap.CommandUID).SP().Atom(fmt.Sprintf("%d:*", t.fromUID))
		} else {
			e.Atom("ALL")
		}
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

	if rt.Acc.Search != nil {
		t.UIDs = rt.Acc.Search.AllUIDs
	}
	t.finish(nil)
	return nil
}
