package engine

import (
	"context"
	"fmt"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/task"
	"github.com/mailkit/imapcore/tree"
)

// resyncAfterSelect reconciles a fresh SELECT's SyncState against the
// cache, choosing FULL or INCREMENTAL resynchronization.
// It runs after the engine has already moved pc to Selected. forceFull
// skips the incremental path entirely; the engine sets it when the
// server lacks UIDPLUS, since without it a message cannot be identified
// stably across sync gaps (the Open Question resolved in DESIGN.md).
func (e *Engine) resyncAfterSelect(pc *parserConn, mailboxName string, mbIdx tree.Index, fresh tree.SyncState, forceFull bool) error {
	ctx := context.Background()
	cch := e.cacheRef()

	var cached *tree.SyncState
	if cch != nil {
		cs, ok, err := cch.SyncState(ctx, mailboxName)
		if err != nil {
			e.cfg.Logger.Warn("cache read failed", "op", "SyncState", "mailbox", mailboxName, "err", err)
		} else if ok {
			cached = cs
		}
	}

	full := forceFull || cached == nil || cached.UIDValidity != fresh.UIDValidity
	if !full && (fresh.Exists < cached.Exists || fresh.UIDNext < cached.UIDNext) {
		// The mailbox shrank or UIDNEXT rewound while we were away; the
		// tail-only extension incremental resync assumes cannot be
		// trusted. A UID SEARCH ALL re-learns the surviving UID set; the
		// per-UID cache entries stay valid because UIDVALIDITY did not
		// change.
		full = true
	}

	var err error
	if full {
		err = e.fullResync(pc, mailboxName, mbIdx, fresh)
	} else {
		err = e.incrementalResync(pc, mailboxName, mbIdx, *cached, fresh)
	}
	if err != nil {
		return err
	}

	if cch != nil {
		if err := cch.SetSyncState(ctx, mailboxName, fresh.Clone()); err != nil {
			e.cfg.Logger.Warn("cache write failed", "op", "SetSyncState", "mailbox", mailboxName, "err", err)
		}
	}
	e.cfg.Logger.Info("mailbox synchronized", "mailbox", mailboxName,
		"exists", fresh.Exists, "uidnext", uint32(fresh.UIDNext), "full", full)
	return nil
}

// fullResync discards any cached view of mailboxName and rebuilds the
// MessageList from a UID SEARCH ALL, repopulating placeholders in the
// returned UID order.
func (e *Engine) fullResync(pc *parserConn, mailboxName string, mbIdx tree.Index, fresh tree.SyncState) error {
	msgList := e.tree.MessageListChild(mbIdx)

	t := task.NewUIDSearchAll(msgList)
	if err := t.Run(e.runtime(pc)); err != nil {
		return fmt.Errorf("imap: full resync UID SEARCH: %w", err)
	}

	e.observer.LayoutAboutToChange(msgList)
	if e.tree.ChildCount(msgList) > 0 {
		e.tree.ClearMessages(msgList)
	}
	added := e.tree.PreallocateMessages(msgList, len(t.UIDs))
	for i, idx := range added {
		e.tree.SetUID(idx, t.UIDs[i])
	}
	e.tree.MarkFetched(msgList, true)
	e.observer.LayoutChanged(msgList)

	if cch := e.cacheRef(); cch != nil {
		ctx := context.Background()
		if err := cch.SetUIDMap(ctx, mailboxName, t.UIDs); err != nil {
			e.cfg.Logger.Warn("cache write failed", "op", "SetUIDMap", "mailbox", mailboxName, "err", err)
		}
	}
	return nil
}

// incrementalResync restores the cached UID map into the tree and
// extends it with only the UIDs at or above the previously-known
// UIDNEXT, avoiding a full UID SEARCH.
// Running it twice with no server changes is a no-op beyond the sync
// state timestamp refresh.
func (e *Engine) incrementalResync(pc *parserConn, mailboxName string, mbIdx tree.Index, cached, fresh tree.SyncState) error {
	ctx := context.Background()
	cch := e.cacheRef()
	msgList := e.tree.MessageListChild(mbIdx)

	var known []imap.UID
	if cch != nil {
		uids, ok, err := cch.UIDMap(ctx, mailboxName)
		if err != nil {
			e.cfg.Logger.Warn("cache read failed", "op", "UIDMap", "mailbox", mailboxName, "err", err)
		} else if ok {
			known = uids
		}
	}
	if len(known) > int(fresh.Exists) {
		// The cached map claims more messages than the server reports;
		// the tail extension below cannot reconcile that.
		return e.fullResync(pc, mailboxName, mbIdx, fresh)
	}

	// Restore the known prefix into the tree.
	have := e.tree.ChildCount(msgList)
	if have < len(known) {
		restored := e.growMessageList(msgList, len(known))
		for i, idx := range restored {
			e.tree.SetUID(idx, known[have+i])
		}
	}

	if fresh.UIDNext <= cached.UIDNext && int(fresh.Exists) == len(known) {
		e.tree.MarkFetched(msgList, true)
		return nil // nothing new to learn
	}

	t := task.NewUIDSearchFrom(msgList, cached.UIDNext)
	if err := t.Run(e.runtime(pc)); err != nil {
		return fmt.Errorf("imap: incremental resync UID SEARCH: %w", err)
	}

	// The searched range can overlap UIDs the cached map already holds
	// (a server may return the highest known UID again for "<n>:*");
	// only genuinely new UIDs extend the tail.
	seen := make(map[imap.UID]struct{}, len(known))
	for _, uid := range known {
		seen[uid] = struct{}{}
	}
	var fresh2 []imap.UID
	for _, uid := range t.UIDs {
		if _, dup := seen[uid]; !dup {
			fresh2 = append(fresh2, uid)
		}
	}

	if len(known)+len(fresh2) != int(fresh.Exists) {
		// The tail extension doesn't account for the reported EXISTS;
		// something expunged or renumbered behind our back.
		return e.fullResync(pc, mailboxName, mbIdx, fresh)
	}

	start := e.tree.ChildCount(msgList)
	added := e.growMessageList(msgList, start+len(fresh2))
	for i, idx := range added {
		e.tree.SetUID(idx, fresh2[i])
	}
	e.tree.MarkFetched(msgList, true)

	if cch != nil {
		merged := append(append([]imap.UID(nil), known...), fresh2...)
		if err := cch.SetUIDMap(ctx, mailboxName, merged); err != nil {
			e.cfg.Logger.Warn("cache write failed", "op", "SetUIDMap", "mailbox", mailboxName, "err", err)
		}
	}

	// Fetch metadata (which includes FLAGS) for every message the tree
	// just grew by; the task package has no narrower flags-only fetch.
	for _, idx := range added {
		ft := task.NewFetchMetadata(e.tree, idx)
		if err := ft.Run(e.runtime(pc)); err != nil {
			e.cfg.Logger.Warn("fetch failed during incremental resync", "mailbox", mailboxName, "err", err)
		}
	}
	return nil
}

// growMessageList preallocates want-have placeholder Messages and
// brackets the change for the observer, returning the newly added
// indices (possibly none).
func (e *Engine) growMessageList(msgList tree.Index, want int) []tree.Index {
	have := e.tree.ChildCount(msgList)
	if want <= have {
		return nil
	}
	e.observer.LayoutAboutToChange(msgList)
	added := e.tree.PreallocateMessages(msgList, want-have)
	if len(added) > 0 {
		e.observer.RowsInserted(msgList, have, have+len(added)-1)
	}
	e.observer.LayoutChanged(msgList)
	return added
}
