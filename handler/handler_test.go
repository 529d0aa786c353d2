package handler

import (
	"strings"
	"testing"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/parser"
	"github.com/mailkit/imapcore/tree"
	"github.com/mailkit/imapcore/wire"
)

func parse(t *testing.T, line string) *parser.Response {
	t.Helper()
	resp, err := parser.ReadResponse(wire.NewDecoder(strings.NewReader(line)))
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return resp
}

func selectedFixture(t *testing.T, msgs int) (*tree.Tree, tree.Index) {
	t.Helper()
	tr := tree.New()
	mb := tr.AddMailbox(tr.Root(), "INBOX", '/', nil)
	msgList := tr.MessageListChild(mb)
	tr.PreallocateMessages(msgList, msgs)
	return tr, msgList
}

func TestUnauthenticatedRejectsDataResponses(t *testing.T) {
	var acc Accumulator
	out := HandleUnauthenticated(parse(t, "* LIST () \"/\" INBOX\r\n"), &acc)
	if out.Err == nil {
		t.Error("LIST before authentication was not a protocol violation")
	}
	out = HandleUnauthenticated(parse(t, "* 3 EXISTS\r\n"), &acc)
	if out.Err == nil {
		t.Error("EXISTS before authentication was not a protocol violation")
	}
}

func TestUnauthenticatedCapabilityAndAlert(t *testing.T) {
	var acc Accumulator
	out := HandleUnauthenticated(parse(t, "* CAPABILITY IMAP4rev1 STARTTLS\r\n"), &acc)
	if out.Err != nil {
		t.Fatalf("capability: %v", out.Err)
	}
	if len(acc.Caps) != 2 {
		t.Errorf("caps = %v", acc.Caps)
	}

	out = HandleUnauthenticated(parse(t, "* OK [ALERT] System going down at midnight\r\n"), &acc)
	if out.Err != nil {
		t.Fatalf("alert: %v", out.Err)
	}
	if len(acc.Alerts) != 1 || acc.Alerts[0] != "System going down at midnight" {
		t.Errorf("alerts = %v", acc.Alerts)
	}
}

func TestAuthenticatedAccumulatesListAndStatus(t *testing.T) {
	var acc Accumulator
	for _, line := range []string{
		"* LIST () \"/\" INBOX\r\n",
		"* LIST (\\HasChildren) \"/\" Archive\r\n",
		"* STATUS INBOX (MESSAGES 3 UNSEEN 1)\r\n",
	} {
		if out := HandleAuthenticated(parse(t, line), &acc); out.Err != nil {
			t.Fatalf("%q: %v", line, out.Err)
		}
	}
	if len(acc.List) != 2 {
		t.Errorf("list replies = %d", len(acc.List))
	}
	if acc.Status == nil || acc.Status.Mailbox != "INBOX" {
		t.Errorf("status = %+v", acc.Status)
	}
}

func TestAuthenticatedRejectsFetch(t *testing.T) {
	var acc Accumulator
	out := HandleAuthenticated(parse(t, "* 1 FETCH (FLAGS (\\Seen))\r\n"), &acc)
	if out.Err == nil {
		t.Error("FETCH outside a selected mailbox was not a protocol violation")
	}
}

func TestSelectingAccumulatesSyncState(t *testing.T) {
	var acc Accumulator
	for _, line := range []string{
		"* 172 EXISTS\r\n",
		"* 1 RECENT\r\n",
		"* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n",
		"* OK [PERMANENTFLAGS (\\Deleted \\Seen \\*)] limited\r\n",
		"* OK [UNSEEN 12] first unseen\r\n",
		"* OK [UIDVALIDITY 3857529045] ok\r\n",
		"* OK [UIDNEXT 4392] next\r\n",
	} {
		if out := HandleSelecting(parse(t, line), &acc); out.Err != nil {
			t.Fatalf("%q: %v", line, out.Err)
		}
	}

	s := acc.Sync
	if s.Exists != 172 || s.Recent != 1 || s.Unseen != 12 {
		t.Errorf("counts: exists=%d recent=%d unseen=%d", s.Exists, s.Recent, s.Unseen)
	}
	if s.UIDValidity != 3857529045 || s.UIDNext != 4392 {
		t.Errorf("uidvalidity=%d uidnext=%d", s.UIDValidity, uint32(s.UIDNext))
	}
	if len(s.PermanentFlags) != 3 || s.PermanentFlags[2] != imap.FlagWildcard {
		t.Errorf("permanent flags = %v", s.PermanentFlags)
	}
	if !s.IsComplete() {
		t.Error("sync state not complete after the full SELECT response set")
	}
}

func TestSelectingBuffersEarlyFetch(t *testing.T) {
	var acc Accumulator
	out := HandleSelecting(parse(t, "* 1 FETCH (FLAGS (\\Seen))\r\n"), &acc)
	if out.Err != nil {
		t.Fatalf("early FETCH rejected: %v", out.Err)
	}
	if len(acc.Buffered) != 1 || acc.Buffered[0].Kind != parser.KindFetch {
		t.Errorf("buffered = %v", acc.Buffered)
	}
}

func TestSelectedExpungeInvariant(t *testing.T) {
	tr, msgList := selectedFixture(t, 5)
	var acc Accumulator

	// EXPUNGE 2 twice, then EXISTS 5 growth: size tracks each report.
	for _, line := range []string{"* 2 EXPUNGE\r\n", "* 2 EXPUNGE\r\n"} {
		if out := HandleSelected(tr, msgList, parse(t, line), &acc); out.Err != nil {
			t.Fatalf("%q: %v", line, out.Err)
		}
	}
	if got := tr.ChildCount(msgList); got != 3 {
		t.Fatalf("size after two expunges = %d, want 3", got)
	}
	// Remaining messages renumber 1..3.
	for i := 0; i < 3; i++ {
		md := tr.Message(tr.Child(msgList, i))
		if md.SeqNum != uint32(i+1) {
			t.Errorf("message %d seqnum = %d", i, md.SeqNum)
		}
	}

	if out := HandleSelected(tr, msgList, parse(t, "* 5 EXISTS\r\n"), &acc); out.Err != nil {
		t.Fatalf("EXISTS: %v", out.Err)
	}
	if got := tr.ChildCount(msgList); got != 5 {
		t.Errorf("size after EXISTS growth = %d, want 5", got)
	}
}

func TestSelectedFetchUpdatesMessage(t *testing.T) {
	tr, msgList := selectedFixture(t, 3)
	var acc Accumulator

	line := "* 2 FETCH (FLAGS (\\Seen \\Answered) " +
		"ENVELOPE (\"Mon, 7 Feb 1994 21:52:25 -0800\" \"Afternoon meeting\" " +
		"((\"Fred\" NIL \"fred\" \"example.com\")) NIL NIL NIL NIL NIL NIL \"<x@example.com>\"))\r\n"
	if out := HandleSelected(tr, msgList, parse(t, line), &acc); out.Err != nil {
		t.Fatalf("FETCH: %v", out.Err)
	}

	md := tr.Message(tr.Child(msgList, 1))
	if len(md.Flags) != 2 {
		t.Errorf("flags = %v", md.Flags)
	}
	if md.Envelope == nil || md.Envelope.Subject != "Afternoon meeting" {
		t.Errorf("envelope = %+v", md.Envelope)
	}
}

func TestSelectedFetchOutOfRangeIsIgnored(t *testing.T) {
	tr, msgList := selectedFixture(t, 1)
	var acc Accumulator
	out := HandleSelected(tr, msgList, parse(t, "* 9 FETCH (FLAGS (\\Seen))\r\n"), &acc)
	if out.Err != nil {
		t.Fatalf("out-of-range FETCH tore down the connection: %v", out.Err)
	}
	if got := tr.ChildCount(msgList); got != 1 {
		t.Errorf("size = %d", got)
	}
}

func TestDispatchRoutesByState(t *testing.T) {
	tr, msgList := selectedFixture(t, 2)
	var acc Accumulator

	out := Dispatch(imap.ConnStateNotAuthenticated, tr, msgList, parse(t, "* LIST () \"/\" X\r\n"), &acc)
	if out.Err == nil {
		t.Error("NotAuthenticated accepted LIST")
	}
	out = Dispatch(imap.ConnStateAuthenticated, tr, msgList, parse(t, "* LIST () \"/\" X\r\n"), &acc)
	if out.Err != nil {
		t.Errorf("Authenticated rejected LIST: %v", out.Err)
	}
	out = Dispatch(imap.ConnStateSelected, tr, msgList, parse(t, "* 1 EXPUNGE\r\n"), &acc)
	if out.Err != nil {
		t.Errorf("Selected rejected EXPUNGE: %v", out.Err)
	}
	if tr.ChildCount(msgList) != 1 {
		t.Errorf("expunge not applied via Dispatch")
	}
}
