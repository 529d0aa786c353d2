// Package cache defines the persistent-store contract the engine uses to
// remember mailbox listings, sync state, UID maps, flags, message
// metadata, part bodies, and threading results between connections.
package cache

import (
	"context"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/tree"
)

// MessageMetadata is the per-UID data the cache stores beyond flags:
// envelope, bodystructure, and the server-reported RFC822 size.
type MessageMetadata struct {
	Envelope      *imap.Envelope
	BodyStructure *imap.BodyStructure
	Size          uint32
}

// ThreadNode is one node of a cached per-mailbox threading result
// (typically produced by the IMAP THREAD command).
type ThreadNode struct {
	UID      imap.UID
	Children []ThreadNode
}

// Cache is the abstract persistent store. Every read returns a
// freshness/presence bool alongside the value: false means "treat as
// absent", either because nothing was ever stored or because the entry
// is older than the renewal threshold.
//
// Implementations must be safe for the engine's single-threaded use;
// no concurrent access is required since the engine runs one
// cooperative event loop.
type Cache interface {
	// ChildMailboxes returns the cached child-mailbox listing for
	// mailbox, and whether it is still fresh.
	ChildMailboxes(ctx context.Context, mailbox string) ([]tree.MailboxSpec, bool, error)
	SetChildMailboxes(ctx context.Context, mailbox string, listings []tree.MailboxSpec) error

	SyncState(ctx context.Context, mailbox string) (*tree.SyncState, bool, error)
	SetSyncState(ctx context.Context, mailbox string, state *tree.SyncState) error

	UIDMap(ctx context.Context, mailbox string) ([]imap.UID, bool, error)
	SetUIDMap(ctx context.Context, mailbox string, uids []imap.UID) error

	Flags(ctx context.Context, mailbox string, uid imap.UID) ([]imap.Flag, bool, error)
	SetFlags(ctx context.Context, mailbox string, uid imap.UID, flags []imap.Flag) error

	Metadata(ctx context.Context, mailbox string, uid imap.UID) (*MessageMetadata, bool, error)
	SetMetadata(ctx context.Context, mailbox string, uid imap.UID, meta *MessageMetadata) error

	PartBody(ctx context.Context, mailbox string, uid imap.UID, partID string) ([]byte, bool, error)
	SetPartBody(ctx context.Context, mailbox string, uid imap.UID, partID string, body []byte) error

	Threading(ctx context.Context, mailbox, algorithm string) ([]ThreadNode, bool, error)
	SetThreading(ctx context.Context, mailbox, algorithm string, result []ThreadNode) error

	// Errors is a channel of background/IO errors the engine should
	// observe in order to degrade to the in-memory cache.
	Errors() <-chan error

	Close() error
}

// DefaultRenewalThreshold is how long a cached entry remains fresh
// before the cache treats it as absent.
const DefaultRenewalThreshold = 30 * 24 * time.Hour
