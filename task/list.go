package task

import (
	"context"
	"sort"
	"strings"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/codec/mutf7"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

// ListTask issues `LIST "" "<mailbox>[<sep>]%"` against mailbox's tree
// node and, on completion, replaces its child Mailbox nodes.
//
// The Open Question recorded in DESIGN.md ("is a second concurrent LIST
// on the same parser supported?") is resolved by refusing one parser:
// the engine's parser-pool acquisition (engine.acquireParser) refuses to
// grant a connection that already has an active List task, rather than
// this package tracking outstanding tags itself.
type ListTask struct {
	base
	mailbox   string // Unicode mailbox name, "" for the root
	separator byte
}

// NewList creates a List task targeting the children of mailbox (the
// tree.Index of a Mailbox node). name is that mailbox's Unicode path and
// sep its hierarchy separator, both already known from a prior LIST or
// empty for the root.
func NewList(target tree.Index, name string, sep byte) *ListTask {
	return &ListTask{base: newBase(KindList, target), mailbox: name, separator: sep}
}

// Run implements Task.
func (t *ListTask) Run(rt Runtime) error {
	rt.Acc.Reset()
	rt.Notify.LayoutAboutToChange(t.target)

	pattern := "%"
	if t.mailbox != "" {
		pattern = mutf7.Encode(t.mailbox)
		if t.separator != 0 {
			pattern += string(t.separator)
		}
		pattern += "%"
	}

	tag, sr, err := rt.Sess.SubmitCommand(func(e *wire.Encoder) {
		e.Atom(imap.CommandList).SP()
		e.String("").SP()
		e.String(pattern)
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

	specs := buildSpecs(rt.Acc.List)
	rt.Tree.SetChildMailboxes(t.target, specs)
	rt.Notify.LayoutChanged(t.target)

	if rt.Cache != nil {
		path := t.mailbox
		if err := rt.Cache.SetChildMailboxes(context.Background(), path, specs); err != nil {
			rt.logger().Warn("cache write failed", "op", "SetChildMailboxes", "mailbox", path, "err", err)
		}
	}

	t.finish(nil)
	return nil
}

// buildSpecs converts raw LIST responses into tree.MailboxSpec, sorted
// with INBOX first, then case-insensitively, with adjacent duplicate
// names discarded.
func buildSpecs(list []*imap.ListData) []tree.MailboxSpec {
	specs := make([]tree.MailboxSpec, 0, len(list))
	for _, ld := range list {
		sep := byte(0)
		if ld.Delim != 0 {
			sep = byte(ld.Delim)
		}
		specs = append(specs, tree.MailboxSpec{
			Name:      ld.Mailbox,
			Separator: sep,
			Attrs:     ld.Attrs,
		})
	}

	sort.SliceStable(specs, func(i, j int) bool {
		return lessMailboxName(specs[i].Name, specs[j].Name)
	})

	out := specs[:0:0]
	for i, s := range specs {
		if i > 0 && strings.EqualFold(out[len(out)-1].Name, s.Name) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func lessMailboxName(a, b string) bool {
	aInbox := strings.EqualFold(a, "INBOX")
	bInbox := strings.EqualFold(b, "INBOX")
	if aInbox != bInbox {
		return aInbox
	}
	return strings.ToLower(a) < strings.ToLower(b)
}
