// Package tree implements the lazily populated mailbox/message/part model:
// Mailbox, MessageList, Message and Part nodes held in an arena and
// addressed by stable integer indices rather than pointers, so that
// persistent handles survive tree mutation.
package tree

import (
	"fmt"
	"strconv"
	"strings"

	imap "github.com/mailkit/imapcore"
)

// Index is a stable reference to a node in a Tree's arena. The zero value
// is never a valid node (the arena's slot 0 is reserved).
type Index int

// NilIndex is the zero value of Index, meaning "no node".
const NilIndex Index = 0

// Kind discriminates the sum type Node = Mailbox | MessageList | Message | Part.
type Kind int

const (
	// KindInvalid marks an unused or removed arena slot.
	KindInvalid Kind = iota
	KindMailbox
	KindMessageList
	KindMessage
	KindPart
)

func (k Kind) String() string {
	switch k {
	case KindMailbox:
		return "mailbox"
	case KindMessageList:
		return "messagelist"
	case KindMessage:
		return "message"
	case KindPart:
		return "part"
	default:
		return "invalid"
	}
}

// FetchState tracks whether a node's data has been requested from the
// server. Unavailable records a fetch the server explicitly refused,
// distinct from one never attempted; BeginFetch still accepts an
// Unavailable node, so the fetch can be retried.
type FetchState int

const (
	NotFetched FetchState = iota
	Loading
	Done
	Unavailable
)

func (f FetchState) String() string {
	switch f {
	case NotFetched:
		return "not-fetched"
	case Loading:
		return "loading"
	case Done:
		return "done"
	case Unavailable:
		return "unavailable"
	default:
		return "invalid"
	}
}

// MailboxData holds the fields specific to a Mailbox node.
type MailboxData struct {
	Name            string
	Separator       byte
	Attrs           []imap.MailboxAttr
	ChildFetchState FetchState
}

// HasAttr reports whether the mailbox was reported with the given LIST
// attribute.
func (m *MailboxData) HasAttr(attr imap.MailboxAttr) bool {
	for _, a := range m.Attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// MessageListData holds the fields specific to a MessageList node.
type MessageListData struct {
	FetchState FetchState
}

// MessageData holds the fields specific to a Message node.
type MessageData struct {
	SeqNum        uint32
	UID           imap.UID
	Envelope      *imap.Envelope
	BodyStructure *imap.BodyStructure
	Flags         []imap.Flag
	FetchState    FetchState
}

// PartData holds the fields specific to a Part node.
type PartData struct {
	MimeType      string
	MimeSubtype   string
	Params        map[string]string
	ContentID     string
	Description   string
	Encoding      string
	Size          int64
	Filename      string
	PartNumber    string // this part's own dotted segment, e.g. "2"
	NestedMessage Index  // non-nil for message/rfc822 parts
	Body          []byte
	FetchState    FetchState
	TopLevelMulti bool // a multipart/* part with no fetchable body of its own
}

// node is one arena slot. Exactly one of the embedded data pointers is
// non-nil, selected by kind.
type node struct {
	kind     Kind
	parent   Index
	children []Index

	mailbox     *MailboxData
	messageList *MessageListData
	message     *MessageData
	part        *PartData
}

// Tree is the arena holding every node reachable from the root Mailbox.
// The engine owns the single Tree instance for a connection; all other
// code reads through the accessor methods below: sum-type navigation,
// no downcasts.
type Tree struct {
	arena []node
	root  Index
}

// New creates a Tree with a root Mailbox (name "") whose synthetic first
// child is its MessageList, per the structural invariant: "The first child of
// every Mailbox is a synthetic MessageList node."
func New() *Tree {
	t := &Tree{arena: make([]node, 1)} // slot 0 reserved as NilIndex
	root := t.alloc(node{kind: KindMailbox, mailbox: &MailboxData{Name: ""}})
	t.root = root
	msgList := t.alloc(node{kind: KindMessageList, parent: root, messageList: &MessageListData{}})
	t.arena[root].children = []Index{msgList}
	return t
}

func (t *Tree) alloc(n node) Index {
	t.arena = append(t.arena, n)
	return Index(len(t.arena) - 1)
}

// Root returns the index of the root Mailbox.
func (t *Tree) Root() Index { return t.root }

// Kind returns the node kind at idx.
func (t *Tree) Kind(idx Index) Kind {
	if !t.valid(idx) {
		return KindInvalid
	}
	return t.arena[idx].kind
}

func (t *Tree) valid(idx Index) bool {
	return idx > NilIndex && int(idx) < len(t.arena) && t.arena[idx].kind != KindInvalid
}

// Parent returns idx's parent, or NilIndex for the root.
func (t *Tree) Parent(idx Index) Index {
	if !t.valid(idx) {
		return NilIndex
	}
	return t.arena[idx].parent
}

// ChildCount returns the number of children idx currently has.
func (t *Tree) ChildCount(idx Index) int {
	if !t.valid(idx) {
		return 0
	}
	return len(t.arena[idx].children)
}

// Child returns idx's i-th child (0-based). For a Mailbox, child(0) is
// always the synthetic MessageList and child(1..n) are submailboxes.
func (t *Tree) Child(idx Index, i int) Index {
	if !t.valid(idx) || i < 0 || i >= len(t.arena[idx].children) {
		return NilIndex
	}
	return t.arena[idx].children[i]
}

// Mailbox returns idx's MailboxData, or nil if idx is not a Mailbox.
func (t *Tree) Mailbox(idx Index) *MailboxData {
	if !t.valid(idx) || t.arena[idx].kind != KindMailbox {
		return nil
	}
	return t.arena[idx].mailbox
}

// MessageListOf returns idx's MessageListData, or nil if idx is not a
// MessageList.
func (t *Tree) MessageListOf(idx Index) *MessageListData {
	if !t.valid(idx) || t.arena[idx].kind != KindMessageList {
		return nil
	}
	return t.arena[idx].messageList
}

// Message returns idx's MessageData, or nil if idx is not a Message.
func (t *Tree) Message(idx Index) *MessageData {
	if !t.valid(idx) || t.arena[idx].kind != KindMessage {
		return nil
	}
	return t.arena[idx].message
}

// Part returns idx's PartData, or nil if idx is not a Part.
func (t *Tree) Part(idx Index) *PartData {
	if !t.valid(idx) || t.arena[idx].kind != KindPart {
		return nil
	}
	return t.arena[idx].part
}

// MessageListChild returns the Mailbox's synthetic MessageList child.
func (t *Tree) MessageListChild(mailbox Index) Index {
	return t.Child(mailbox, 0)
}

// AddMailbox creates a child Mailbox of parent (after its MessageList
// slot) and gives it its own synthetic MessageList child. Mailboxes
// flagged \Noselect have their MessageList marked Done immediately,
// since a non-selectable mailbox never has messages to sync.
func (t *Tree) AddMailbox(parent Index, name string, sep byte, attrs []imap.MailboxAttr) Index {
	idx := t.alloc(node{
		kind:    KindMailbox,
		parent:  parent,
		mailbox: &MailboxData{Name: name, Separator: sep, Attrs: attrs},
	})
	msgList := t.alloc(node{kind: KindMessageList, parent: idx, messageList: &MessageListData{}})
	t.arena[idx].children = []Index{msgList}
	if t.arena[idx].mailbox.HasAttr(imap.MailboxAttrNoSelect) {
		t.arena[msgList].messageList.FetchState = Done
	}
	t.arena[parent].children = append(t.arena[parent].children, idx)
	return idx
}

// SetChildMailboxes replaces parent's submailbox list (children after its
// MessageList) with freshly built Mailbox nodes, used by the List task
// after a LIST completes. Existing submailbox nodes (and anything they
// own) are discarded; callers issuing this must have already bracketed
// it with "about to reset layout" / "layout reset" notifications, since
// fine-grained diffing does not propagate through arbitrary consumers.
func (t *Tree) SetChildMailboxes(parent Index, specs []MailboxSpec) []Index {
	msgList := t.Child(parent, 0)
	newChildren := make([]Index, 0, len(specs)+1)
	newChildren = append(newChildren, msgList)

	added := make([]Index, 0, len(specs))
	for _, spec := range specs {
		idx := t.alloc(node{
			kind:    KindMailbox,
			parent:  parent,
			mailbox: &MailboxData{Name: spec.Name, Separator: spec.Separator, Attrs: spec.Attrs},
		})
		childList := t.alloc(node{kind: KindMessageList, parent: idx, messageList: &MessageListData{}})
		t.arena[idx].children = []Index{childList}
		if t.arena[idx].mailbox.HasAttr(imap.MailboxAttrNoSelect) {
			t.arena[childList].messageList.FetchState = Done
		}
		newChildren = append(newChildren, idx)
		added = append(added, idx)
	}

	t.arena[parent].children = newChildren
	t.arena[parent].mailbox.ChildFetchState = Done
	return added
}

// MailboxSpec describes one LIST result used to build a child Mailbox.
type MailboxSpec struct {
	Name      string
	Separator byte
	Attrs     []imap.MailboxAttr
}

// BeginFetch is the idempotent fetch entry point: if
// the node is already Loading or Done, it is a no-op returning false.
// Otherwise it moves the node to Loading and returns true, telling the
// caller to originate the corresponding task.
func (t *Tree) BeginFetch(idx Index) bool {
	state := t.stateOf(idx)
	if state == nil || *state == Loading || *state == Done {
		return false
	}
	*state = Loading
	return true
}

func (t *Tree) stateOf(idx Index) *FetchState {
	if !t.valid(idx) {
		return nil
	}
	switch t.arena[idx].kind {
	case KindMailbox:
		return &t.arena[idx].mailbox.ChildFetchState
	case KindMessageList:
		return &t.arena[idx].messageList.FetchState
	case KindMessage:
		return &t.arena[idx].message.FetchState
	case KindPart:
		return &t.arena[idx].part.FetchState
	default:
		return nil
	}
}

// MarkFetched transitions idx's fetch state to Done (or Unavailable if
// ok is false, meaning the server explicitly declined the fetch).
func (t *Tree) MarkFetched(idx Index, ok bool) {
	state := t.stateOf(idx)
	if state == nil {
		return
	}
	if ok {
		*state = Done
	} else {
		*state = Unavailable
	}
}

// SetFlags replaces a Message's flag set.
func (t *Tree) SetFlags(msg Index, flags []imap.Flag) {
	if m := t.Message(msg); m != nil {
		m.Flags = flags
	}
}

// SetEnvelope sets a Message's envelope.
func (t *Tree) SetEnvelope(msg Index, env *imap.Envelope) {
	if m := t.Message(msg); m != nil {
		m.Envelope = env
	}
}

// SetBodyStructure sets a Message's bodystructure and (re)builds its Part
// children from it.
func (t *Tree) SetBodyStructure(msg Index, bs *imap.BodyStructure) {
	m := t.Message(msg)
	if m == nil {
		return
	}
	m.BodyStructure = bs
	t.arena[msg].children = nil
	if bs != nil {
		t.buildParts(msg, msg, bs, "", "")
	}
}

// buildParts recursively creates a Part node for bs as a child of owner
// (the enclosing Message or nested-message Part), numbering it
// selfNumber and numbering its own subparts (if any) below it.
// selfNumber is empty for a top-level multipart — immediately under a
// Message or under a message/rfc822 — which consumes no number of its
// own; only its subparts are individually addressable. topPrefix is the
// dotted prefix such an unnumbered level inherits from an enclosing
// message/rfc822 part ("" at the very top), so a part encapsulated in
// an rfc822 at "2" is numbered "2.1", never a fresh "1".
func (t *Tree) buildParts(owner Index, enclosingMessage Index, bs *imap.BodyStructure, selfNumber, topPrefix string) {
	if bs.IsMultipart() {
		idx := t.alloc(node{
			kind:   KindPart,
			parent: owner,
			part: &PartData{
				MimeType:      "multipart",
				MimeSubtype:   bs.Subtype,
				PartNumber:    selfNumber,
				TopLevelMulti: selfNumber == "",
				FetchState:    Unavailable,
			},
		})
		t.arena[owner].children = append(t.arena[owner].children, idx)

		base := selfNumber
		if base == "" {
			base = topPrefix
		}
		for i := range bs.Children {
			child := &bs.Children[i]
			num := partNumber(base, i+1)
			t.buildParts(idx, enclosingMessage, child, num, "")
		}
		return
	}

	num := selfNumber
	if num == "" {
		// The sole body of a message: "1" at the top, "<prefix>.1"
		// inside a message/rfc822.
		num = partNumber(topPrefix, 1)
	}
	idx := t.alloc(node{
		kind:   KindPart,
		parent: owner,
		part: &PartData{
			MimeType:    bs.Type,
			MimeSubtype: bs.Subtype,
			Params:      bs.Params,
			ContentID:   bs.ID,
			Description: bs.Description,
			Encoding:    bs.Encoding,
			Size:        int64(bs.Size),
			Filename:    filenameOf(bs),
			PartNumber:  num,
		},
	})
	t.arena[owner].children = append(t.arena[owner].children, idx)

	if strings.EqualFold(bs.Type, "message") && strings.EqualFold(bs.Subtype, "rfc822") && bs.Envelope != nil {
		nested := t.alloc(node{kind: KindMessage, parent: idx, message: &MessageData{Envelope: bs.Envelope}})
		t.arena[idx].part.NestedMessage = nested
		if bs.BodyStructure != nil {
			// The nested message's own top level is unnumbered, but its
			// parts inherit this part's dotted number as their prefix.
			t.buildParts(nested, nested, bs.BodyStructure, "", num)
		}
	}
}

func filenameOf(bs *imap.BodyStructure) string {
	if bs.DispositionParams != nil {
		if fn, ok := bs.DispositionParams["filename"]; ok {
			return fn
		}
	}
	if bs.Params != nil {
		if fn, ok := bs.Params["name"]; ok {
			return fn
		}
	}
	return ""
}

func partNumber(prefix string, i int) string {
	if prefix == "" {
		return strconv.Itoa(i)
	}
	return prefix + "." + strconv.Itoa(i)
}

// SetPartData stores the raw decoded body for a Part and marks it Done.
func (t *Tree) SetPartData(part Index, body []byte) {
	if p := t.Part(part); p != nil {
		p.Body = body
		p.FetchState = Done
	}
}

// PartIDOf returns the dotted partId used in IMAP BODY[...] fetches for a
// Part node, e.g. "1", "1.2", or "2.TEXT" for special sub-selectors
// recorded directly on PartNumber by the caller.
func (t *Tree) PartIDOf(part Index) string {
	p := t.Part(part)
	if p == nil {
		return ""
	}
	return p.PartNumber
}

// PreallocateMessages appends n placeholder Message nodes (fetch state
// NotFetched, no envelope/bodystructure yet) to msgList, numbered
// sequentially starting at the current child count + 1. Used by the
// Status task after STATUS reports EXISTS, and by the sync algorithm's
// FULL/INCREMENTAL paths.
func (t *Tree) PreallocateMessages(msgList Index, n int) []Index {
	start := t.ChildCount(msgList)
	added := make([]Index, 0, n)
	for i := 0; i < n; i++ {
		idx := t.alloc(node{
			kind:    KindMessage,
			parent:  msgList,
			message: &MessageData{SeqNum: uint32(start + i + 1)},
		})
		t.arena[msgList].children = append(t.arena[msgList].children, idx)
		added = append(added, idx)
	}
	return added
}

// SetUID records the server UID for a Message placeholder, learned from
// a UID SEARCH or UID FETCH during resynchronization.
func (t *Tree) SetUID(msg Index, uid imap.UID) {
	if m := t.Message(msg); m != nil {
		m.UID = uid
	}
}

// ClearMessages discards every Message under msgList (and their Part
// subtrees), used by the full-resync path when a cached view can no
// longer be trusted. The MessageList's own fetch state reverts to
// NotFetched.
func (t *Tree) ClearMessages(msgList Index) {
	for _, child := range t.arena[msgList].children {
		t.invalidate(child)
	}
	t.arena[msgList].children = nil
	if ml := t.MessageListOf(msgList); ml != nil {
		ml.FetchState = NotFetched
	}
}

// Expunge implements the EXPUNGE semantics: the Message at sequence
// number seq (1-based) is removed from msgList, all later messages shift
// down by one (their SeqNum decremented), and the removed index is
// returned so the caller can cancel any pending fetch on it with a "gone"
// outcome. ok is false if seq was out of range.
func (t *Tree) Expunge(msgList Index, seq uint32) (removed Index, ok bool) {
	children := t.arena[msgList].children
	pos := int(seq) - 1
	if pos < 0 || pos >= len(children) {
		return NilIndex, false
	}

	removed = children[pos]
	t.arena[msgList].children = append(children[:pos], children[pos+1:]...)

	for i := pos; i < len(t.arena[msgList].children); i++ {
		if m := t.Message(t.arena[msgList].children[i]); m != nil {
			m.SeqNum--
		}
	}

	t.invalidate(removed)
	return removed, true
}

// invalidate marks idx's arena slot as removed so PartIDOf/Message/etc.
// consistently report "not found" for a handle retained past expunge.
func (t *Tree) invalidate(idx Index) {
	if !t.valid(idx) {
		return
	}
	for _, child := range t.arena[idx].children {
		t.invalidate(child)
	}
	t.arena[idx] = node{kind: KindInvalid}
}

// FindMailboxByName walks the tree from root looking for the Mailbox
// named name. Mailbox nodes store the full server path (as LIST reports
// it, in Unicode), so this is a straight name comparison, not a path
// join. Used by the engine to resolve a mailbox argument to a tree
// index.
func (t *Tree) FindMailboxByName(name string) Index {
	return t.findMailbox(t.root, name)
}

func (t *Tree) findMailbox(idx Index, target string) Index {
	mb := t.Mailbox(idx)
	if mb == nil {
		return NilIndex
	}
	if mb.Name == target {
		return idx
	}
	for i := 1; i < t.ChildCount(idx); i++ {
		child := t.Child(idx, i)
		if found := t.findMailbox(child, target); found != NilIndex {
			return found
		}
	}
	return NilIndex
}

// DebugString renders the tree for diagnostics (not used by production
// code paths, only by tests).
func (t *Tree) DebugString(idx Index, depth int) string {
	var b strings.Builder
	t.debug(idx, depth, &b)
	return b.String()
}

func (t *Tree) debug(idx Index, depth int, b *strings.Builder) {
	if !t.valid(idx) {
		return
	}
	n := t.arena[idx]
	fmt.Fprintf(b, "%s%s#%d\n", strings.Repeat("  ", depth), n.kind, idx)
	for _, c := range n.children {
		t.debug(c, depth+1, b)
	}
}
