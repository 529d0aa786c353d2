package task

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// GenURLAuthTask issues GENURLAUTH for a caller-supplied IMAP URL and
// reports the server's authenticated URL. The caller is
// responsible for having confirmed URLAUTH support beforehand; this
// task only performs the wire exchange.
type GenURLAuthTask struct {
	base
	url  string
	mech string

	// URL is populated with the authenticated URL once Run completes.
	URL string
}

// NewGenURLAuth creates a task requesting an authenticated URL for url
// using the given URLAUTH access mechanism (e.g. "INTERNAL").
func NewGenURLAuth(url, mech string) *GenURLAuthTask {
	if mech == "" {
		mech = "INTERNAL"
	}
	return &GenURLAuthTask{base: newBase(KindGenURLAuth, tree.NilIndex), url: url, mech: mech}
}

// Run implements Task.
func (t *GenURLAuthTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandGenURLAuth).SP()
		e.Atom(t.url).SP()
		e.Atom(t.mech)
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

	t.URL = rt.Acc.GenURLAuth
	t.finish(nil)
	return nil
}
