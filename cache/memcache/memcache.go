// Package memcache implements an in-memory cache.Cache with no
// persistence: every operation is a map lookup. It is also the degrade target the engine falls back
// to when the persistent cache reports an error.
package memcache

import (
	"context"
	"sync"
	"time"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/tree"
)

type entry[T any] struct {
	value T
	at    time.Time
}

// Cache is a mutex-guarded in-memory implementation of cache.Cache.
type Cache struct {
	mu sync.RWMutex

	renewal time.Duration

	children  map[string]entry[[]tree.MailboxSpec]
	sync      map[string]entry[*tree.SyncState]
	uidMaps   map[string]entry[[]imap.UID]
	flags     map[flagKey]entry[[]imap.Flag]
	metadata  map[flagKey]entry[*cache.MessageMetadata]
	parts     map[partKey]entry[[]byte]
	threading map[threadKey]entry[[]cache.ThreadNode]

	errs chan error
}

type flagKey struct {
	mailbox string
	uid     imap.UID
}

type partKey struct {
	mailbox string
	uid     imap.UID
	partID  string
}

type threadKey struct {
	mailbox   string
	algorithm string
}

// New creates an empty in-memory cache. A zero renewal means entries
// never expire.
func New(renewal time.Duration) *Cache {
	return &Cache{
		renewal:   renewal,
		children:  make(map[string]entry[[]tree.MailboxSpec]),
		sync:      make(map[string]entry[*tree.SyncState]),
		uidMaps:   make(map[string]entry[[]imap.UID]),
		flags:     make(map[flagKey]entry[[]imap.Flag]),
		metadata:  make(map[flagKey]entry[*cache.MessageMetadata]),
		parts:     make(map[partKey]entry[[]byte]),
		threading: make(map[threadKey]entry[[]cache.ThreadNode]),
		errs:      make(chan error, 1),
	}
}

func (c *Cache) fresh(at time.Time) bool {
	if c.renewal <= 0 {
		return true
	}
	return time.Since(at) < c.renewal
}

func (c *Cache) ChildMailboxes(_ context.Context, mailbox string) ([]tree.MailboxSpec, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.children[mailbox]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetChildMailboxes(_ context.Context, mailbox string, listings []tree.MailboxSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children[mailbox] = entry[[]tree.MailboxSpec]{value: listings, at: time.Now()}
	return nil
}

func (c *Cache) SyncState(_ context.Context, mailbox string) (*tree.SyncState, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.sync[mailbox]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetSyncState(_ context.Context, mailbox string, state *tree.SyncState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sync[mailbox] = entry[*tree.SyncState]{value: state.Clone(), at: time.Now()}
	return nil
}

func (c *Cache) UIDMap(_ context.Context, mailbox string) ([]imap.UID, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.uidMaps[mailbox]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetUIDMap(_ context.Context, mailbox string, uids []imap.UID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uidMaps[mailbox] = entry[[]imap.UID]{value: append([]imap.UID(nil), uids...), at: time.Now()}
	return nil
}

func (c *Cache) Flags(_ context.Context, mailbox string, uid imap.UID) ([]imap.Flag, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.flags[flagKey{mailbox, uid}]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetFlags(_ context.Context, mailbox string, uid imap.UID, flags []imap.Flag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[flagKey{mailbox, uid}] = entry[[]imap.Flag]{value: flags, at: time.Now()}
	return nil
}

func (c *Cache) Metadata(_ context.Context, mailbox string, uid imap.UID) (*cache.MessageMetadata, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.metadata[flagKey{mailbox, uid}]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetMetadata(_ context.Context, mailbox string, uid imap.UID, meta *cache.MessageMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[flagKey{mailbox, uid}] = entry[*cache.MessageMetadata]{value: meta, at: time.Now()}
	return nil
}

func (c *Cache) PartBody(_ context.Context, mailbox string, uid imap.UID, partID string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.parts[partKey{mailbox, uid, partID}]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetPartBody(_ context.Context, mailbox string, uid imap.UID, partID string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts[partKey{mailbox, uid, partID}] = entry[[]byte]{value: body, at: time.Now()}
	return nil
}

func (c *Cache) Threading(_ context.Context, mailbox, algorithm string) ([]cache.ThreadNode, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.threading[threadKey{mailbox, algorithm}]
	if !ok || !c.fresh(e.at) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) SetThreading(_ context.Context, mailbox, algorithm string, result []cache.ThreadNode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threading[threadKey{mailbox, algorithm}] = entry[[]cache.ThreadNode]{value: result, at: time.Now()}
	return nil
}

// Errors never emits for the in-memory cache: there is no I/O to fail.
func (c *Cache) Errors() <-chan error { return c.errs }

// Close is a no-op: there is nothing to release.
func (c *Cache) Close() error { return nil }

var _ cache.Cache = (*Cache)(nil)
