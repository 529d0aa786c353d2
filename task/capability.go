package task

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// CapabilityTask issues CAPABILITY and reports the fresh capability set.
type CapabilityTask struct {
	base

	// Caps is populated once Run completes.
	Caps []string
}

// NewCapability creates a Capability task with no tree target.
func NewCapability() *CapabilityTask {
	return &CapabilityTask{base: newBase(KindCapability, tree.NilIndex)}
}

// Run implements Task.
func (t *CapabilityTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandCapability)
	})
	t.activate(tag)
	if err != nil {
		t.finish(err)
		return err
	}
	_ = sr
	caps := make([]string, 0, len(rt.Acc.Caps))
	for _, c := range rt.Acc.Caps {
		caps = append(caps, string(c))
	}
	t.Caps = caps
	t.finish(nil)
	return nil
}
