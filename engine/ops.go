package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/extension"
	"github.com/mailkit/imapcore/task"
	"github.com/mailkit/imapcore/tree"
)

// ErrDeferred reports that the Offline network policy queued the
// operation instead of running it; it will run when the policy returns
// to Online.
var ErrDeferred = errors.New("imap: operation deferred by offline network policy")

// ErrExtensionUnavailable reports that an operation needs an IMAP
// extension the server does not advertise.
type ErrExtensionUnavailable struct {
	Cap imap.Cap
}

func (e *ErrExtensionUnavailable) Error() string {
	return fmt.Sprintf("imap: server does not advertise %s", e.Cap)
}

// ListMailboxes refreshes the child-mailbox listing under mailboxName
// ("" for the top level). Under the Expensive and Offline policies a
// fresh cached listing is used without touching the network; Offline
// with no cached answer queues the refresh and returns ErrDeferred.
func (e *Engine) ListMailboxes(mailboxName string) error {
	mbIdx := e.mailboxIndex(mailboxName)

	if e.Policy() != Online {
		if cch := e.cacheRef(); cch != nil {
			specs, fresh, err := cch.ChildMailboxes(context.Background(), mailboxName)
			if err == nil && fresh {
				e.observer.LayoutAboutToChange(mbIdx)
				e.tree.SetChildMailboxes(mbIdx, specs)
				e.observer.LayoutChanged(mbIdx)
				return nil
			}
		}
	}

	var err error
	if !e.policy.Admit(true, func() { err = e.listFromNetwork(mailboxName, mbIdx) }) {
		return ErrDeferred
	}
	return err
}

func (e *Engine) listFromNetwork(mailboxName string, mbIdx tree.Index) error {
	pc, err := e.acquireParser("", false)
	if err != nil {
		return err
	}
	defer e.releaseParser(pc)

	sep := byte(0)
	if mb := e.tree.Mailbox(mbIdx); mb != nil {
		sep = mb.Separator
	}
	t := task.NewList(mbIdx, mailboxName, sep)
	return t.Run(e.runtime(pc))
}

// StatusMailbox issues STATUS for mailboxName and returns the reported
// counters, preallocating message placeholders in the tree.
func (e *Engine) StatusMailbox(mailboxName string) (*imap.StatusData, error) {
	mbIdx := e.mailboxIndex(mailboxName)
	msgList := e.tree.MessageListChild(mbIdx)

	var (
		data *imap.StatusData
		err  error
	)
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		t := task.NewStatus(msgList, mailboxName)
		if err = t.Run(e.runtime(pc)); err == nil {
			data = t.Data
		}
	}
	if !e.policy.Admit(true, run) {
		return nil, ErrDeferred
	}
	return data, err
}

// SelectMailbox selects (or examines, when readOnly) mailboxName on a
// pooled connection and runs the synchronization algorithm against
// the cache. A parser already holding the mailbox in a compatible mode
// is reused without re-selecting.
func (e *Engine) SelectMailbox(mailboxName string, readOnly bool) error {
	if mailboxName == "" {
		return errors.New("imap: empty mailbox name")
	}
	var err error
	if !e.policy.Admit(true, func() { err = e.selectOnNetwork(mailboxName, readOnly) }) {
		return ErrDeferred
	}
	return err
}

func (e *Engine) selectOnNetwork(mailboxName string, readOnly bool) error {
	pc, err := e.acquireParser(mailboxName, readOnly)
	if err != nil {
		return err
	}
	defer e.releaseParser(pc)

	if pc.mailbox == mailboxName && pc.readOnly == readOnly && pc.state.State() == imap.ConnStateSelected {
		return nil
	}
	return e.selectOn(pc, mailboxName, readOnly)
}

// selectOn runs SELECT/EXAMINE on an already-acquired parser, including
// the Syncing-state bracket, buffered-response replay, and post-select
// resynchronization.
func (e *Engine) selectOn(pc *parserConn, mailboxName string, readOnly bool) error {
	mbIdx := e.mailboxIndex(mailboxName)

	if err := e.transitionParser(pc, imap.ConnStateSyncing); err != nil {
		return err
	}
	t := task.NewSelect(mbIdx, mailboxName, readOnly)
	if err := t.Run(e.runtime(pc)); err != nil {
		// SELECT failure leaves the connection in Authenticated state
		// with no mailbox selected (RFC 3501 §6.3.1).
		pc.mailbox = ""
		pc.msgList = tree.NilIndex
		if terr := e.transitionParser(pc, imap.ConnStateAuthenticated); terr != nil {
			return terr
		}
		return err
	}

	pc.mailbox = mailboxName
	pc.readOnly = t.ReadOnly
	pc.msgList = e.tree.MessageListChild(mbIdx)
	if err := e.transitionParser(pc, imap.ConnStateSelected); err != nil {
		return err
	}

	// Replay whatever arrived out of turn during Syncing (e.g. early
	// FETCH data), now that the Selected handler can interpret it.
	buffered := pc.acc.Buffered
	pc.acc.Buffered = nil
	for _, resp := range buffered {
		e.applyUntagged(pc, resp)
	}

	// Without UIDPLUS the incremental path cannot identify messages
	// stably across sync gaps, so force the FULL path.
	forceFull := !pc.ext.Has(extension.UIDPlus)
	return e.resyncAfterSelect(pc, mailboxName, mbIdx, t.SyncState, forceFull)
}

// FetchMessageMetadata populates msg's envelope, bodystructure, flags
// and size, from cache when possible, otherwise via FETCH on the
// connection holding the enclosing mailbox selected.
func (e *Engine) FetchMessageMetadata(msg tree.Index) error {
	if e.tree.Kind(msg) != tree.KindMessage {
		return errors.New("imap: fetch target is not a message")
	}
	if !e.tree.BeginFetch(msg) {
		return nil // already Loading or Done
	}

	mailboxName := e.mailboxPathOf(msg)
	md := e.tree.Message(msg)

	if md != nil && md.UID != 0 {
		if cch := e.cacheRef(); cch != nil {
			meta, ok, err := cch.Metadata(context.Background(), mailboxName, md.UID)
			if err == nil && ok {
				if meta.Envelope != nil {
					e.tree.SetEnvelope(msg, meta.Envelope)
				}
				if meta.BodyStructure != nil {
					e.tree.SetBodyStructure(msg, meta.BodyStructure)
				}
				if flags, fok, ferr := cch.Flags(context.Background(), mailboxName, md.UID); ferr == nil && fok {
					e.tree.SetFlags(msg, flags)
				}
				e.tree.MarkFetched(msg, true)
				e.observer.DataChanged(msg)
				return nil
			}
		}
	}

	var err error
	run := func() { err = e.fetchMetadataFromNetwork(mailboxName, msg, md) }
	if !e.policy.Admit(true, run) {
		e.tree.MarkFetched(msg, false)
		return ErrDeferred
	}
	return err
}

func (e *Engine) fetchMetadataFromNetwork(mailboxName string, msg tree.Index, md *tree.MessageData) error {
	pc, err := e.acquireSelectedOrSelect(mailboxName)
	if err != nil {
		e.tree.MarkFetched(msg, false)
		return err
	}
	defer e.releaseParser(pc)

	t := task.NewFetchMetadata(e.tree, msg)
	if err := t.Run(e.runtime(pc)); err != nil {
		return err
	}
	e.observer.DataChanged(msg)

	if cch := e.cacheRef(); cch != nil && md != nil && md.UID != 0 {
		ctx := context.Background()
		meta := &cache.MessageMetadata{Envelope: md.Envelope, BodyStructure: md.BodyStructure}
		if err := cch.SetMetadata(ctx, mailboxName, md.UID, meta); err != nil {
			e.cfg.Logger.Warn("cache write failed", "op", "SetMetadata", "mailbox", mailboxName, "err", err)
		}
		if md.Flags != nil {
			if err := cch.SetFlags(ctx, mailboxName, md.UID, md.Flags); err != nil {
				e.cfg.Logger.Warn("cache write failed", "op", "SetFlags", "mailbox", mailboxName, "err", err)
			}
		}
	}
	return nil
}

// FetchPartBody fetches a Part's raw (still transfer-encoded) body,
// from cache when present, otherwise via FETCH BODY[partId], persisting
// the result. Top-level multipart parts have no body of their own.
func (e *Engine) FetchPartBody(part tree.Index) ([]byte, error) {
	pd := e.tree.Part(part)
	if pd == nil {
		return nil, errors.New("imap: fetch target is not a part")
	}
	if pd.TopLevelMulti {
		return nil, errors.New("imap: a top-level multipart has no fetchable body")
	}
	if pd.FetchState == tree.Done {
		return pd.Body, nil
	}

	mailboxName := e.mailboxPathOf(part)
	msg := e.enclosingMessage(part)
	var uid imap.UID
	if md := e.tree.Message(msg); md != nil {
		uid = md.UID
	}
	partID := e.tree.PartIDOf(part)

	if uid != 0 {
		if cch := e.cacheRef(); cch != nil {
			body, ok, err := cch.PartBody(context.Background(), mailboxName, uid, partID)
			if err == nil && ok {
				e.tree.SetPartData(part, body)
				e.observer.DataChanged(part)
				return body, nil
			}
		}
	}

	if !e.tree.BeginFetch(part) && pd.FetchState == tree.Loading {
		return nil, errors.New("imap: part fetch already in flight")
	}

	var err error
	run := func() { err = e.fetchPartFromNetwork(mailboxName, part, uid, partID) }
	if !e.policy.Admit(true, run) {
		e.tree.MarkFetched(part, false)
		return nil, ErrDeferred
	}
	if err != nil {
		return nil, err
	}
	return e.tree.Part(part).Body, nil
}

func (e *Engine) fetchPartFromNetwork(mailboxName string, part tree.Index, uid imap.UID, partID string) error {
	pc, err := e.acquireSelectedOrSelect(mailboxName)
	if err != nil {
		e.tree.MarkFetched(part, false)
		return err
	}
	defer e.releaseParser(pc)

	t := task.NewFetchPart(e.tree, part)
	if err := t.Run(e.runtime(pc)); err != nil {
		return err
	}
	e.observer.DataChanged(part)

	if cch := e.cacheRef(); cch != nil && uid != 0 {
		body := e.tree.Part(part).Body
		if err := cch.SetPartBody(context.Background(), mailboxName, uid, partID, body); err != nil {
			e.cfg.Logger.Warn("cache write failed", "op", "SetPartBody", "mailbox", mailboxName, "err", err)
		}
	}
	return nil
}

// AppendMessage uploads payload to mailboxName as a single literal. The
// zero time means "no INTERNALDATE". The APPENDUID pair is reported
// when the server supports UIDPLUS; HasUID false is non-fatal but
// disables BURL for this message.
func (e *Engine) AppendMessage(mailboxName string, payload []byte, flags []imap.Flag, date time.Time) (task.AppendResult, error) {
	var (
		res task.AppendResult
		err error
	)
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		t := task.NewAppend(mailboxName, payload, flags, imap.InternalDate(date), !date.IsZero())
		if err = t.Run(e.runtime(pc)); err == nil {
			res = t.Result
		}
	}
	if !e.policy.Admit(true, run) {
		return task.AppendResult{}, ErrDeferred
	}
	return res, err
}

// AppendCatenate uploads a message assembled server-side from literal
// text runs and IMAP URLs (RFC 4469). Fails with ErrExtensionUnavailable
// when the server lacks CATENATE; the caller falls back to
// AppendMessage with the fully serialized form.
func (e *Engine) AppendCatenate(mailboxName string, parts []task.CatenatePart, flags []imap.Flag) (task.AppendResult, error) {
	var (
		res task.AppendResult
		err error
	)
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		if !pc.ext.Has(extension.Catenate) {
			err = &ErrExtensionUnavailable{Cap: imap.CapCatenate}
			return
		}
		t := task.NewAppendCatenate(mailboxName, parts, flags)
		if err = t.Run(e.runtime(pc)); err == nil {
			res = t.Result
		}
	}
	if !e.policy.Admit(true, run) {
		return task.AppendResult{}, ErrDeferred
	}
	return res, err
}

// GenURLAuth asks the server to authorize url for third-party
// dereference (RFC 4467), returning the URLAUTH-suffixed URL. Fails
// with ErrExtensionUnavailable when the server lacks URLAUTH, which
// disables BURL submission.
func (e *Engine) GenURLAuth(url, mechanism string) (string, error) {
	var (
		out string
		err error
	)
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		if !pc.ext.Has(extension.URLAuth) {
			err = &ErrExtensionUnavailable{Cap: imap.CapURLAuth}
			return
		}
		t := task.NewGenURLAuth(url, mechanism)
		if err = t.Run(e.runtime(pc)); err == nil {
			out = t.URL
		}
	}
	if !e.policy.Admit(true, run) {
		return "", ErrDeferred
	}
	return out, err
}

// ValidateSubmission re-checks that (mailboxName, uidValidity, uid)
// still addresses the message a caller appended earlier, before handing
// it to an external MSA. A changed UIDVALIDITY fails with
// *task.UIDValidityMismatchError and must not be retried.
func (e *Engine) ValidateSubmission(mailboxName string, uidValidity uint32, uid imap.UID, opts task.UidSubmitOptions) error {
	var err error
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		t := task.NewUidSubmit(mailboxName, uidValidity, uid, opts)
		err = t.Run(e.runtime(pc))
	}
	if !e.policy.Admit(true, run) {
		return ErrDeferred
	}
	return err
}

// StartIdle puts the connection holding mailboxName selected into IDLE,
// so the server can push EXISTS/EXPUNGE/FETCH updates without polling.
// The connection stays claimed until StopIdle.
func (e *Engine) StartIdle(mailboxName string) error {
	pc, err := e.acquireSelected(mailboxName)
	if err != nil {
		return err
	}
	if !pc.ext.Has(extension.Idle) {
		e.releaseParser(pc)
		return &ErrExtensionUnavailable{Cap: imap.CapIdle}
	}

	t := task.NewIdle()
	e.mu.Lock()
	pc.idle = t
	e.mu.Unlock()

	go func() {
		if err := t.Run(e.runtime(pc)); err != nil {
			e.cfg.Logger.Warn("IDLE ended with error", "mailbox", mailboxName, "err", err)
		}
		e.mu.Lock()
		pc.idle = nil
		e.mu.Unlock()
		e.releaseParser(pc)
	}()
	return nil
}

// StopIdle ends an IDLE previously started on mailboxName's connection.
func (e *Engine) StopIdle(mailboxName string) {
	e.mu.Lock()
	var t *task.IdleTask
	for _, pc := range e.parsers {
		if pc.mailbox == mailboxName && pc.idle != nil {
			t = pc.idle
			break
		}
	}
	e.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Noop issues a NOOP on any pooled connection, mainly to poll a server
// that lacks IDLE.
func (e *Engine) Noop() error {
	var err error
	run := func() {
		var pc *parserConn
		pc, err = e.acquireParser("", false)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		err = task.NewNoop().Run(e.runtime(pc))
	}
	if !e.policy.Admit(true, run) {
		return ErrDeferred
	}
	return err
}

// UpdateMessageFlags issues STORE for msg (marking it read, flagged,
// deleted, ...). The server's untagged FETCH with the resulting flag
// list is applied to the tree by the consumer loop; the updated list is
// then persisted to the per-UID flag cache.
func (e *Engine) UpdateMessageFlags(msg tree.Index, changes imap.StoreFlags) error {
	if e.tree.Kind(msg) != tree.KindMessage {
		return errors.New("imap: store target is not a message")
	}
	mailboxName := e.mailboxPathOf(msg)

	var err error
	run := func() {
		var pc *parserConn
		pc, err = e.acquireSelectedOrSelect(mailboxName)
		if err != nil {
			return
		}
		defer e.releaseParser(pc)
		t := task.NewStoreFlags(e.tree, msg, changes)
		if err = t.Run(e.runtime(pc)); err != nil {
			return
		}
		e.observer.DataChanged(msg)
		md := e.tree.Message(msg)
		if cch := e.cacheRef(); cch != nil && md != nil && md.UID != 0 {
			if cerr := cch.SetFlags(context.Background(), mailboxName, md.UID, md.Flags); cerr != nil {
				e.cfg.Logger.Warn("cache write failed", "op", "SetFlags", "mailbox", mailboxName, "err", cerr)
			}
		}
	}
	if !e.policy.Admit(true, run) {
		return ErrDeferred
	}
	return err
}

// acquireSelectedOrSelect prefers a parser already holding mailboxName
// selected, and otherwise acquires any parser and selects the mailbox
// on it.
func (e *Engine) acquireSelectedOrSelect(mailboxName string) (*parserConn, error) {
	if pc, err := e.acquireSelected(mailboxName); err == nil {
		return pc, nil
	}
	pc, err := e.acquireParser(mailboxName, false)
	if err != nil {
		return nil, err
	}
	if pc.mailbox == mailboxName && pc.state.State() == imap.ConnStateSelected {
		return pc, nil
	}
	if err := e.selectOn(pc, mailboxName, false); err != nil {
		e.releaseParser(pc)
		return nil, err
	}
	return pc, nil
}

// mailboxPathOf walks parent links from idx to the enclosing Mailbox
// node and returns its full path name.
func (e *Engine) mailboxPathOf(idx tree.Index) string {
	for cur := idx; cur != tree.NilIndex; cur = e.tree.Parent(cur) {
		if e.tree.Kind(cur) == tree.KindMailbox {
			if mb := e.tree.Mailbox(cur); mb != nil {
				return mb.Name
			}
			return ""
		}
	}
	return ""
}

// enclosingMessage walks parent links from idx to the nearest Message
// node.
func (e *Engine) enclosingMessage(idx tree.Index) tree.Index {
	for cur := idx; cur != tree.NilIndex; cur = e.tree.Parent(cur) {
		if e.tree.Kind(cur) == tree.KindMessage {
			return cur
		}
	}
	return tree.NilIndex
}
