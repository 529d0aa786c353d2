package tree

import (
	"testing"

	imap "github.com/mailkit/imapcore"
)

func TestNewRootHasSyntheticMessageList(t *testing.T) {
	tr := New()
	if tr.ChildCount(tr.Root()) != 1 {
		t.Fatalf("expected root to have 1 child (MessageList), got %d", tr.ChildCount(tr.Root()))
	}
	if tr.Kind(tr.Child(tr.Root(), 0)) != KindMessageList {
		t.Errorf("root child 0 must be a MessageList")
	}
}

func TestAddMailboxGetsSyntheticMessageList(t *testing.T) {
	tr := New()
	inbox := tr.AddMailbox(tr.Root(), "INBOX", '/', nil)
	if tr.Kind(inbox) != KindMailbox {
		t.Fatalf("expected Mailbox kind")
	}
	if tr.ChildCount(inbox) != 1 || tr.Kind(tr.Child(inbox, 0)) != KindMessageList {
		t.Errorf("new mailbox should have a synthetic MessageList child")
	}
	if tr.ChildCount(tr.Root()) != 2 {
		t.Errorf("root should now have 2 children (its own MessageList + INBOX), got %d", tr.ChildCount(tr.Root()))
	}
}

func TestNoSelectMailboxMessageListDoneImmediately(t *testing.T) {
	tr := New()
	idx := tr.AddMailbox(tr.Root(), "NoSelectBox", '/', []imap.MailboxAttr{imap.MailboxAttrNoSelect})
	msgList := tr.Child(idx, 0)
	if tr.MessageListOf(msgList).FetchState != Done {
		t.Errorf("expected \\Noselect mailbox's MessageList fetch state Done, got %v", tr.MessageListOf(msgList).FetchState)
	}
}

func TestBeginFetchIsIdempotent(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)

	if !tr.BeginFetch(msgList) {
		t.Fatal("first BeginFetch should return true")
	}
	if tr.BeginFetch(msgList) {
		t.Error("second BeginFetch while Loading should return false")
	}

	tr.MarkFetched(msgList, true)
	if tr.BeginFetch(msgList) {
		t.Error("BeginFetch on a Done node should return false")
	}
}

func TestMarkFetchedUnavailable(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	tr.BeginFetch(msgList)
	tr.MarkFetched(msgList, false)
	if tr.MessageListOf(msgList).FetchState != Unavailable {
		t.Errorf("expected Unavailable, got %v", tr.MessageListOf(msgList).FetchState)
	}
}

func TestPreallocateMessagesSequencing(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	added := tr.PreallocateMessages(msgList, 3)
	if len(added) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(added))
	}
	for i, idx := range added {
		if tr.Message(idx).SeqNum != uint32(i+1) {
			t.Errorf("message %d: SeqNum = %d, want %d", i, tr.Message(idx).SeqNum, i+1)
		}
	}
}

func TestExpungeShiftsSequenceNumbers(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	added := tr.PreallocateMessages(msgList, 3)

	removed, ok := tr.Expunge(msgList, 2)
	if !ok {
		t.Fatal("expected successful expunge")
	}
	if removed != added[1] {
		t.Errorf("expunged wrong message")
	}
	if tr.ChildCount(msgList) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", tr.ChildCount(msgList))
	}
	if tr.Message(tr.Child(msgList, 0)).SeqNum != 1 {
		t.Errorf("first message SeqNum should remain 1")
	}
	if tr.Message(tr.Child(msgList, 1)).SeqNum != 2 {
		t.Errorf("second message (formerly 3rd) SeqNum should become 2, got %d", tr.Message(tr.Child(msgList, 1)).SeqNum)
	}
}

func TestExpungeOutOfRange(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	tr.PreallocateMessages(msgList, 1)
	if _, ok := tr.Expunge(msgList, 5); ok {
		t.Error("expected expunge of out-of-range sequence to fail")
	}
}

func TestSetBodyStructureBuildsParts(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	msgs := tr.PreallocateMessages(msgList, 1)
	msg := msgs[0]

	bs := &imap.BodyStructure{
		Type:    "multipart",
		Subtype: "mixed",
		Children: []imap.BodyStructure{
			{Type: "text", Subtype: "plain", Size: 100},
			{Type: "application", Subtype: "octet-stream", Size: 2000},
		},
	}
	tr.SetBodyStructure(msg, bs)

	if tr.ChildCount(msg) != 1 {
		t.Fatalf("expected 1 top-level multipart child, got %d", tr.ChildCount(msg))
	}
	multi := tr.Child(msg, 0)
	if tr.ChildCount(multi) != 2 {
		t.Fatalf("expected 2 subparts, got %d", tr.ChildCount(multi))
	}
	part1 := tr.Child(multi, 0)
	part2 := tr.Child(multi, 1)
	if tr.PartIDOf(part1) != "1" {
		t.Errorf("PartIDOf(part1) = %q, want \"1\"", tr.PartIDOf(part1))
	}
	if tr.PartIDOf(part2) != "2" {
		t.Errorf("PartIDOf(part2) = %q, want \"2\"", tr.PartIDOf(part2))
	}
}

func TestNestedRFC822PartNumbering(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	msgs := tr.PreallocateMessages(msgList, 1)
	msg := msgs[0]

	// Part 2 is a forwarded message whose own body is multipart: its
	// encapsulated parts are addressed as 2.1 and 2.2, and the inner
	// multipart consumes no number of its own.
	bs := &imap.BodyStructure{
		Type:    "multipart",
		Subtype: "mixed",
		Children: []imap.BodyStructure{
			{Type: "text", Subtype: "plain", Size: 50},
			{
				Type:     "message",
				Subtype:  "rfc822",
				Envelope: &imap.Envelope{Subject: "Fwd: inner"},
				BodyStructure: &imap.BodyStructure{
					Type:    "multipart",
					Subtype: "alternative",
					Children: []imap.BodyStructure{
						{Type: "text", Subtype: "plain", Size: 10},
						{Type: "text", Subtype: "html", Size: 20},
					},
				},
			},
		},
	}
	tr.SetBodyStructure(msg, bs)

	multi := tr.Child(msg, 0)
	rfc822 := tr.Child(multi, 1)
	if tr.PartIDOf(rfc822) != "2" {
		t.Fatalf("PartIDOf(rfc822) = %q, want \"2\"", tr.PartIDOf(rfc822))
	}

	nested := tr.Part(rfc822).NestedMessage
	if nested == NilIndex {
		t.Fatal("no nested Message under the message/rfc822 part")
	}
	if tr.Message(nested).Envelope.Subject != "Fwd: inner" {
		t.Errorf("nested envelope subject = %q", tr.Message(nested).Envelope.Subject)
	}

	innerMulti := tr.Child(nested, 0)
	if !tr.Part(innerMulti).TopLevelMulti {
		t.Error("multipart inside message/rfc822 should be a top-level multipart")
	}
	if got := tr.PartIDOf(tr.Child(innerMulti, 0)); got != "2.1" {
		t.Errorf("first encapsulated part = %q, want \"2.1\"", got)
	}
	if got := tr.PartIDOf(tr.Child(innerMulti, 1)); got != "2.2" {
		t.Errorf("second encapsulated part = %q, want \"2.2\"", got)
	}
}

func TestNestedRFC822SinglePartNumbering(t *testing.T) {
	tr := New()
	msgList := tr.Child(tr.Root(), 0)
	msg := tr.PreallocateMessages(msgList, 1)[0]

	bs := &imap.BodyStructure{
		Type:    "multipart",
		Subtype: "mixed",
		Children: []imap.BodyStructure{
			{Type: "text", Subtype: "plain", Size: 50},
			{
				Type:     "message",
				Subtype:  "rfc822",
				Envelope: &imap.Envelope{Subject: "plain inner"},
				BodyStructure: &imap.BodyStructure{
					Type: "text", Subtype: "plain", Size: 10,
				},
			},
		},
	}
	tr.SetBodyStructure(msg, bs)

	rfc822 := tr.Child(tr.Child(msg, 0), 1)
	nested := tr.Part(rfc822).NestedMessage
	if got := tr.PartIDOf(tr.Child(nested, 0)); got != "2.1" {
		t.Errorf("encapsulated single part = %q, want \"2.1\"", got)
	}
}

func TestFindMailboxByName(t *testing.T) {
	tr := New()
	inbox := tr.AddMailbox(tr.Root(), "INBOX", '/', nil)
	sub := tr.AddMailbox(inbox, "INBOX/Archive", '/', nil)

	if got := tr.FindMailboxByName("INBOX"); got != inbox {
		t.Errorf("FindMailboxByName(INBOX) = %v, want %v", got, inbox)
	}
	if got := tr.FindMailboxByName("INBOX/Archive"); got != sub {
		t.Errorf("FindMailboxByName(INBOX/Archive) = %v, want %v", got, sub)
	}
	if got := tr.FindMailboxByName("nope"); got != NilIndex {
		t.Errorf("FindMailboxByName(nope) = %v, want NilIndex", got)
	}
}
