// Package handler implements the per-connection-state response
// interpreters: one pure function per state, each taking the current
// accumulator plus one parsed Response and returning an Outcome that
// describes the state change and side effects to apply, instead of
// mutating shared state itself.
package handler

import (
	"fmt"
	"io"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/parser"
	"github.com/mailkit/imapcore/tree"
)

// Accumulator holds the buffers a task-in-flight fills as untagged
// responses for its tag arrive. One Accumulator is live per parser at a
// time; the engine resets it when a new task activates.
type Accumulator struct {
	// Authenticated-state: LIST/LSUB/STATUS/CAPABILITY collection.
	List       []*imap.ListData
	LSub       []*imap.ListData
	Status     *imap.StatusData
	Caps       []imap.Cap
	Alerts     []string
	GenURLAuth string
	Search     *imap.SearchData

	// Selecting-state: SyncState under construction, plus any response
	// that arrived out of turn and must be replayed once Selected.
	Sync     tree.SyncState
	Buffered []*parser.Response
}

// Reset clears the accumulator for the next task.
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Outcome is the side-effect record a handler returns: at most one state
// transition request and any protocol violation. No handler sets Replay;
// Selecting buffers the responses to replay in Accumulator.Buffered.
type Outcome struct {
	NextState   imap.ConnState
	ChangeState bool
	Err         error // non-nil: protocol violation, tear down the connection
	Replay      []*parser.Response
}

// ProtocolViolation builds the fatal Outcome for an unexpected response.
func ProtocolViolation(state imap.ConnState, resp *parser.Response) Outcome {
	return Outcome{Err: fmt.Errorf("imap: unexpected %s response in state %s", resp.Kind, state)}
}

// Dispatch routes resp to the handler for state. t and msgList are only
// used by the Selected handler (FETCH/EXPUNGE/EXISTS mutate the tree).
func Dispatch(state imap.ConnState, t *tree.Tree, msgList tree.Index, resp *parser.Response, acc *Accumulator) Outcome {
	switch state {
	case imap.ConnStateNotAuthenticated, imap.ConnStateEstablished:
		return HandleUnauthenticated(resp, acc)
	case imap.ConnStateAuthenticated:
		return HandleAuthenticated(resp, acc)
	case imap.ConnStateSyncing:
		return HandleSelecting(resp, acc)
	case imap.ConnStateSelected:
		return HandleSelected(t, msgList, resp, acc)
	default:
		return ProtocolViolation(state, resp)
	}
}

// HandleUnauthenticated interprets responses before login: the greeting,
// capability advertisement, and ALERT text. Any data response here is a
// protocol violation.
func HandleUnauthenticated(resp *parser.Response, acc *Accumulator) Outcome {
	switch resp.Kind {
	case parser.KindStatus:
		sr := resp.Status
		switch sr.Type {
		case imap.StatusResponseTypeOK:
			if sr.Code == imap.ResponseCodeAlert {
				acc.Alerts = append(acc.Alerts, sr.Text)
			}
			return Outcome{}
		case imap.StatusResponseTypePREAUTH:
			return Outcome{NextState: imap.ConnStateAuthenticated, ChangeState: true}
		case imap.StatusResponseTypeBYE:
			return Outcome{NextState: imap.ConnStateLogout, ChangeState: true}
		default:
			return Outcome{}
		}
	case parser.KindCapability:
		acc.Caps = resp.Caps
		return Outcome{}
	default:
		return ProtocolViolation(imap.ConnStateNotAuthenticated, resp)
	}
}

// HandleAuthenticated interprets LIST/LSUB/STATUS/CAPABILITY/ALERT
// responses that arrive outside a mailbox selection.
func HandleAuthenticated(resp *parser.Response, acc *Accumulator) Outcome {
	switch resp.Kind {
	case parser.KindStatus:
		if resp.Status.Code == imap.ResponseCodeAlert {
			acc.Alerts = append(acc.Alerts, resp.Status.Text)
		}
		return Outcome{}
	case parser.KindCapability:
		acc.Caps = resp.Caps
		return Outcome{}
	case parser.KindList:
		acc.List = append(acc.List, resp.List)
		return Outcome{}
	case parser.KindLSub:
		acc.LSub = append(acc.LSub, resp.List)
		return Outcome{}
	case parser.KindStatusData:
		acc.Status = resp.SData
		return Outcome{}
	case parser.KindGenURLAuth:
		acc.GenURLAuth = resp.URL
		return Outcome{}
	default:
		return ProtocolViolation(imap.ConnStateAuthenticated, resp)
	}
}

// HandleSelecting accumulates SELECT/EXAMINE's untagged responses into a
// SyncState. Anything else observed during the transitional Syncing state
// is buffered for replay once Selected, rather than rejected, since a
// server may legally interleave e.g. early FETCH data.
func HandleSelecting(resp *parser.Response, acc *Accumulator) Outcome {
	switch resp.Kind {
	case parser.KindExists:
		acc.Sync.SetExists(resp.Num)
	case parser.KindRecent:
		acc.Sync.SetRecent(resp.Num)
	case parser.KindFlags:
		acc.Sync.SetSessionFlags(resp.Flags)
	case parser.KindStatus:
		sr := resp.Status
		switch sr.Code {
		case imap.ResponseCodePermanentFlags:
			if flags, ok := sr.CodeArg.([]imap.Flag); ok {
				acc.Sync.SetPermanentFlags(flags)
			}
		case imap.ResponseCodeUIDNext:
			if n, ok := sr.CodeArg.(uint64); ok {
				acc.Sync.SetUIDNext(imap.UID(n))
			}
		case imap.ResponseCodeUIDValidity:
			if n, ok := sr.CodeArg.(uint64); ok {
				acc.Sync.SetUIDValidity(uint32(n))
			}
		case imap.ResponseCodeUnseen:
			if n, ok := sr.CodeArg.(uint64); ok {
				acc.Sync.SetUnseen(uint32(n))
			}
		case imap.ResponseCodeAlert:
			acc.Alerts = append(acc.Alerts, sr.Text)
		}
	default:
		acc.Buffered = append(acc.Buffered, resp)
	}
	return Outcome{}
}

// HandleSelected interprets the steady-state responses of a selected
// mailbox: FETCH dispatches into the tree, EXPUNGE removes a Message,
// EXISTS growth adds placeholders for the engine to later fetch.
func HandleSelected(t *tree.Tree, msgList tree.Index, resp *parser.Response, acc *Accumulator) Outcome {
	switch resp.Kind {
	case parser.KindExists:
		have := t.ChildCount(msgList)
		if want := int(resp.Num); want > have {
			t.PreallocateMessages(msgList, want-have)
		}
		return Outcome{}
	case parser.KindExpunge:
		t.Expunge(msgList, resp.Num)
		return Outcome{}
	case parser.KindRecent:
		return Outcome{}
	case parser.KindFetch:
		applyFetch(t, msgList, resp.Fetch)
		return Outcome{}
	case parser.KindStatus:
		if resp.Status.Code == imap.ResponseCodeAlert {
			acc.Alerts = append(acc.Alerts, resp.Status.Text)
		}
		return Outcome{}
	case parser.KindCapability:
		acc.Caps = resp.Caps
		return Outcome{}
	case parser.KindGenURLAuth:
		acc.GenURLAuth = resp.URL
		return Outcome{}
	case parser.KindSearch:
		acc.Search = resp.Search
		return Outcome{}
	default:
		return ProtocolViolation(imap.ConnStateSelected, resp)
	}
}

// applyFetch writes one FETCH response's data items onto the Message at
// fd.SeqNum's position, and into its Parts when a body section arrived.
func applyFetch(t *tree.Tree, msgList tree.Index, fd *imap.FetchMessageData) {
	if fd.SeqNum == 0 || int(fd.SeqNum) > t.ChildCount(msgList) {
		return
	}
	msg := t.Child(msgList, int(fd.SeqNum-1))
	if t.Kind(msg) != tree.KindMessage {
		return
	}
	if fd.Envelope != nil {
		t.SetEnvelope(msg, fd.Envelope)
	}
	if fd.BodyStructure != nil {
		t.SetBodyStructure(msg, fd.BodyStructure)
	}
	if fd.Flags != nil {
		t.SetFlags(msg, fd.Flags)
	}
	for spec, section := range fd.BodySection {
		idx := findPart(t, msg, partIDFromSpec(spec))
		if idx == tree.NilIndex {
			continue
		}
		buf, err := io.ReadAll(section.Reader)
		if err != nil {
			continue
		}
		t.SetPartData(idx, buf)
	}
}

func partIDFromSpec(spec *imap.FetchItemBodySection) string {
	s := ""
	for i, n := range spec.Part {
		if i > 0 {
			s += "."
		}
		s += fmt.Sprint(n)
	}
	return s
}

// findPart walks msg's Part subtree looking for the node whose
// PartIDOf matches id; tree.NilIndex if not found.
func findPart(t *tree.Tree, msg tree.Index, id string) tree.Index {
	var walk func(idx tree.Index) tree.Index
	walk = func(idx tree.Index) tree.Index {
		if t.Kind(idx) == tree.KindPart && t.PartIDOf(idx) == id {
			return idx
		}
		for i := 0; i < t.ChildCount(idx); i++ {
			if found := walk(t.Child(idx, i)); found != tree.NilIndex {
				return found
			}
		}
		return tree.NilIndex
	}
	return walk(msg)
}
