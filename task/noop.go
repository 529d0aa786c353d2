package task

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// NoopTask issues NOOP, used by the engine's keepalive timer.
// Any untagged data a NOOP shakes loose (new EXISTS/EXPUNGE/FETCH on a
// Selected connection) is applied by the engine's ordinary
// response-consumer loop exactly as for an unsolicited response; the
// task itself only needs the tagged completion.
type NoopTask struct {
	base
}

// NewNoop creates a Noop task with no tree target.
func NewNoop() *NoopTask {
	return &NoopTask{base: newBase(KindNoop, tree.NilIndex)}
}

// Run implements Task.
func (t *NoopTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandNoop)
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
