package task

import (
	"fmt"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// UIDValidityMismatchError reports that a mailbox's UIDVALIDITY no
// longer matches what the caller captured when it recorded (mailbox,
// uidValidity, uid). It is a distinct error rather
// than a generic NO, since the caller needs to tell "the
// message is gone" apart from "the mailbox was recreated underneath
// us."
type UIDValidityMismatchError struct {
	Mailbox  string
	Expected uint32
	Actual   uint32
}

func (e *UIDValidityMismatchError) Error() string {
	return fmt.Sprintf("imap: uidvalidity mismatch for %q: expected %d, server reports %d", e.Mailbox, e.Expected, e.Actual)
}

// UidSubmitOptions carries the BURL/MSA knobs UidSubmit hands off to an
// external submission agent once the UID is validated.
type UidSubmitOptions struct {
	// UseBurl requests BURL submission (the MSA fetches the body from
	// IMAP instead of the client uploading it). The caller is
	// responsible for having confirmed URLAUTH support beforehand.
	UseBurl bool
}

// UidSubmitTask validates that a previously-appended message's UID is
// still addressable — its mailbox's UIDVALIDITY has not changed since
// the caller captured it — before handing the message off to an
// external MSA for submission.
type UidSubmitTask struct {
	base
	mailboxName string
	uidValidity uint32
	uid         imap.UID
	opts        UidSubmitOptions

	// Progress is a compact human-readable descriptor updated as the
	// task advances, for UI display.
	Progress string
}

// NewUidSubmit creates a task validating submission of the message
// identified by (mailboxName, uidValidity, uid).
func NewUidSubmit(mailboxName string, uidValidity uint32, uid imap.UID, opts UidSubmitOptions) *UidSubmitTask {
	return &UidSubmitTask{
		base:        newBase(KindUIDSubmit, tree.NilIndex),
		mailboxName: mailboxName,
		uidValidity: uidValidity,
		uid:         uid,
		opts:        opts,
	}
}

// Run implements Task.
func (t *UidSubmitTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	t.Progress = fmt.Sprintf("validating UIDVALIDITY for %q", t.mailboxName)

	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandStatus).SP()
		e.MailboxName(mutf7.Encode(t.mailboxName)).SP()
		e.List([]string{"UIDVALIDITY"})
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
	if sd == nil || sd.UIDValidity == nil {
		err := fmt.Errorf("imap: STATUS for %q returned no UIDVALIDITY", t.mailboxName)
		t.finish(err)
		return err
	}
	if *sd.UIDValidity != t.uidValidity {
		err := &UIDValidityMismatchError{Mailbox: t.mailboxName, Expected: t.uidValidity, Actual: *sd.UIDValidity}
		t.finish(err)
		return err
	}

	t.Progress = fmt.Sprintf("UID %d validated for submission", t.uid)
	t.finish(nil)
	return nil
}
