package engine

import (
	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/task"
)

// Observer is the engine's tree-change/connection-state notification
// contract. It embeds task.Notifier so tasks can be handed an Observer directly as
// their Runtime.Notify.
type Observer interface {
	task.Notifier
	// ConnectionStateChanged reports a parser's state transition.
	ConnectionStateChanged(parserID int, state imap.ConnState)
	// CapabilitiesUpdated reports a freshly (re)negotiated capability set.
	CapabilitiesUpdated(parserID int, caps []imap.Cap)
	// CacheDegraded reports that the persistent cache failed and the
	// engine has fallen back to memcache for the rest of the session.
	CacheDegraded(err error)
}

// NopObserver discards every notification; the engine's default when no
// Observer is supplied.
type NopObserver struct {
	task.NopNotifier
}

func (NopObserver) ConnectionStateChanged(int, imap.ConnState) {}
func (NopObserver) CapabilitiesUpdated(int, []imap.Cap)        {}
func (NopObserver) CacheDegraded(error)                        {}
