package task

import (
	"context"
	"testing"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
)

func TestListSortsInboxFirst(t *testing.T) {
	tr := tree.New()
	tc := newTestConn(t, imap.ConnStateAuthenticated, tr, tree.NilIndex)

	task := NewList(tr.Root(), "", 0)
	go func() {
		tag := tc.expect(t, "LIST \"\" \"%\"")
		tc.reply(t, tag,
			"* LIST (\\HasNoChildren) \"/\" gamma",
			"* LIST (\\HasNoChildren) \"/\" alpha",
			"* LIST (\\HasChildren) \"/\" INBOX",
			"* LIST (\\HasNoChildren) \"/\" Beta",
			"%TAG% OK done")
	}()
	if err := task.Run(tc.rt); err != nil {
		t.Fatalf("List: %v", err)
	}

	// child(0) is the synthetic MessageList; mailboxes follow, INBOX
	// first, then case-insensitive.
	want := []string{"INBOX", "alpha", "Beta", "gamma"}
	if got := tr.ChildCount(tr.Root()); got != len(want)+1 {
		t.Fatalf("child count = %d, want %d", got, len(want)+1)
	}
	if tr.Kind(tr.Child(tr.Root(), 0)) != tree.KindMessageList {
		t.Error("first child is not the synthetic MessageList")
	}
	for i, name := range want {
		mb := tr.Mailbox(tr.Child(tr.Root(), i+1))
		if mb == nil || mb.Name != name {
			t.Errorf("child %d = %+v, want %q", i+1, mb, name)
		}
	}

	// The listing is also persisted for the next session.
	specs, fresh, err := tc.rt.Cache.ChildMailboxes(context.Background(), "")
	if err != nil || !fresh {
		t.Fatalf("cache read: fresh=%v err=%v", fresh, err)
	}
	if len(specs) != 4 || specs[0].Name != "INBOX" {
		t.Errorf("cached specs = %+v", specs)
	}
}

func TestListDedupesAdjacentEqualNames(t *testing.T) {
	tr := tree.New()
	tc := newTestConn(t, imap.ConnStateAuthenticated, tr, tree.NilIndex)

	task := NewList(tr.Root(), "", 0)
	go func() {
		tag := tc.expect(t, "LIST")
		tc.reply(t, tag,
			"* LIST () \"/\" Drafts",
			"* LIST () \"/\" drafts",
			"* LIST () \"/\" Sent",
			"%TAG% OK done")
	}()
	if err := task.Run(tc.rt); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := tr.ChildCount(tr.Root()); got != 3 { // MessageList + 2 mailboxes
		t.Errorf("child count = %d, want 3", got)
	}
}

func TestListChildMailboxesUsesSeparatorPattern(t *testing.T) {
	tr := tree.New()
	parent := tr.AddMailbox(tr.Root(), "INBOX", '/', nil)
	tc := newTestConn(t, imap.ConnStateAuthenticated, tr, tree.NilIndex)

	task := NewList(parent, "INBOX", '/')
	go func() {
		tag := tc.expect(t, "LIST \"\" \"INBOX/%\"")
		tc.reply(t, tag,
			"* LIST () \"/\" INBOX/Archive",
			"* LIST () \"/\" INBOX/Work",
			"%TAG% OK done")
	}()
	if err := task.Run(tc.rt); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := tr.ChildCount(parent); got != 3 {
		t.Fatalf("child count = %d", got)
	}
	if mb := tr.Mailbox(tr.Child(parent, 1)); mb.Name != "INBOX/Archive" {
		t.Errorf("first submailbox = %q", mb.Name)
	}
	if tr.FindMailboxByName("INBOX/Work") == tree.NilIndex {
		t.Error("INBOX/Work not findable by full path")
	}
}

func TestStatusPreallocatesPlaceholders(t *testing.T) {
	tr, _, msgList := selectedFixture(0)
	tc := newTestConn(t, imap.ConnStateAuthenticated, tr, msgList)

	task := NewStatus(msgList, "INBOX")
	go func() {
		tag := tc.expect(t, "STATUS INBOX (MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)")
		tc.reply(t, tag,
			"* STATUS INBOX (MESSAGES 4 RECENT 1 UIDNEXT 55 UIDVALIDITY 7 UNSEEN 2)",
			"%TAG% OK done")
	}()
	if err := task.Run(tc.rt); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if task.Data == nil || task.Data.NumMessages == nil || *task.Data.NumMessages != 4 {
		t.Errorf("data = %+v", task.Data)
	}
	if got := tr.ChildCount(msgList); got != 4 {
		t.Errorf("placeholders = %d, want 4", got)
	}
	for i := 0; i < 4; i++ {
		md := tr.Message(tr.Child(msgList, i))
		if md.SeqNum != uint32(i+1) {
			t.Errorf("placeholder %d seqnum = %d", i, md.SeqNum)
		}
	}
}
