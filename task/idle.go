package task

import (
	"sync"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// IdleTask issues IDLE (RFC 2177) and holds the connection open,
// delivering server-pushed updates through the engine's ordinary
// untagged-response consumer loop, until Stop is called. It is the one
// task kind whose Run does not return promptly on its own; the caller
// (the engine, on a user request or before needing the connection for
// another task) must call Stop to end it.
type IdleTask struct {
	base
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewIdle creates an Idle task with no tree target.
func NewIdle() *IdleTask {
	return &IdleTask{base: newBase(KindIdle, tree.NilIndex), stopCh: make(chan struct{})}
}

// Stop requests that the IDLE command be terminated by sending DONE.
// Safe to call more than once and from a different goroutine than Run.
func (t *IdleTask) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

type idleResult struct {
	sr  *imap.StatusResponse
	err error
}

// Run implements Task. It blocks until Stop is called, the engine
// cancels this task, or the server ends the command on its own (e.g. a
// timeout BYE).
func (t *IdleTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, cmd, _, err := rt.Sess.SubmitAndAwaitContinuation(func(e *wire.Encoder) {
		e.Atom(imap.CommandIdle)
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}

	resCh := make(chan idleResult, 1)
	go func() {
		sr, err := rt.Sess.AwaitCompletion(cmd)
		resCh <- idleResult{sr, err}
	}()

	select {
	case <-t.stopCh:
		t.sendDone(rt)
	case <-t.Done():
		t.sendDone(rt)
	case res := <-resCh:
		return t.finishResult(res)
	}

	return t.finishResult(<-resCh)
}

// sendDone writes the bare "DONE" line that ends an IDLE command.
func (t *IdleTask) sendDone(rt Runtime) {
	rt.Sess.Enc.RawString("DONE")
	rt.Sess.Enc.CRLF()
	_ = rt.Sess.Enc.Flush()
}

func (t *IdleTask) finishResult(res idleResult) error {
	if res.err != nil {
		t.finish(res.err)
		return res.err
	}
	t.finish(nil)
	return nil
}
