// Package sqlcache implements the "Combined" cache.Cache: a SQLite
// database (via github.com/mattn/go-sqlite3) for listings, sync state,
// UID maps, flags, and metadata, delegating part bodies above
// filecache.Threshold to an on-disk zlib store.
package sqlcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/cache/filecache"
	"github.com/mailkit/imapcore/tree"
)

const schema = `
CREATE TABLE IF NOT EXISTS children (
	mailbox TEXT NOT NULL PRIMARY KEY,
	listings_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_state (
	mailbox TEXT NOT NULL PRIMARY KEY,
	state_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS uid_maps (
	mailbox TEXT NOT NULL PRIMARY KEY,
	uids_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS flags (
	mailbox TEXT NOT NULL,
	uid INTEGER NOT NULL,
	flags_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (mailbox, uid)
);
CREATE TABLE IF NOT EXISTS metadata (
	mailbox TEXT NOT NULL,
	uid INTEGER NOT NULL,
	metadata_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (mailbox, uid)
);
CREATE TABLE IF NOT EXISTS part_bodies (
	mailbox TEXT NOT NULL,
	uid INTEGER NOT NULL,
	part_id TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (mailbox, uid, part_id)
);
CREATE TABLE IF NOT EXISTS threading (
	mailbox TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	result_json TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (mailbox, algorithm)
);
`

// Cache is the SQLite-backed persistent cache.Cache implementation.
// Part bodies larger than filecache.Threshold bytes are stored in the
// companion on-disk Store instead of inline as a BLOB column.
type Cache struct {
	db      *sql.DB
	files   *filecache.Store
	renewal time.Duration
	errs    chan error
}

// Open opens (creating if necessary) a SQLite database at dbPath and an
// overflow directory at filesDir.
func Open(dbPath, filesDir string, renewal time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlcache: open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlcache: ping %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlcache: migrate schema: %w", err)
	}

	files, err := filecache.Open(filesDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, files: files, renewal: renewal, errs: make(chan error, 8)}, nil
}

func (c *Cache) fresh(storedAt int64) bool {
	if c.renewal <= 0 {
		return true
	}
	return time.Since(time.Unix(storedAt, 0)) < c.renewal
}

func (c *Cache) fail(op string, err error) error {
	wrapped := fmt.Errorf("sqlcache: %s: %w", op, err)
	select {
	case c.errs <- wrapped:
	default:
	}
	return wrapped
}

func (c *Cache) ChildMailboxes(ctx context.Context, mailbox string) ([]tree.MailboxSpec, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT listings_json, stored_at FROM children WHERE mailbox = ?", mailbox,
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("ChildMailboxes", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var listings []tree.MailboxSpec
	if err := json.Unmarshal([]byte(blob), &listings); err != nil {
		return nil, false, c.fail("ChildMailboxes decode", err)
	}
	return listings, true, nil
}

func (c *Cache) SetChildMailboxes(ctx context.Context, mailbox string, listings []tree.MailboxSpec) error {
	blob, err := json.Marshal(listings)
	if err != nil {
		return c.fail("SetChildMailboxes encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO children (mailbox, listings_json, stored_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(mailbox) DO UPDATE SET listings_json = excluded.listings_json, stored_at = excluded.stored_at",
		mailbox, string(blob), nowUnix())
	if err != nil {
		return c.fail("SetChildMailboxes", err)
	}
	return nil
}

func (c *Cache) SyncState(ctx context.Context, mailbox string) (*tree.SyncState, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT state_json, stored_at FROM sync_state WHERE mailbox = ?", mailbox,
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("SyncState", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var state tree.SyncState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, false, c.fail("SyncState decode", err)
	}
	return &state, true, nil
}

func (c *Cache) SetSyncState(ctx context.Context, mailbox string, state *tree.SyncState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return c.fail("SetSyncState encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO sync_state (mailbox, state_json, stored_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(mailbox) DO UPDATE SET state_json = excluded.state_json, stored_at = excluded.stored_at",
		mailbox, string(blob), nowUnix())
	if err != nil {
		return c.fail("SetSyncState", err)
	}
	return nil
}

func (c *Cache) UIDMap(ctx context.Context, mailbox string) ([]imap.UID, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT uids_json, stored_at FROM uid_maps WHERE mailbox = ?", mailbox,
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("UIDMap", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var uids []imap.UID
	if err := json.Unmarshal([]byte(blob), &uids); err != nil {
		return nil, false, c.fail("UIDMap decode", err)
	}
	return uids, true, nil
}

func (c *Cache) SetUIDMap(ctx context.Context, mailbox string, uids []imap.UID) error {
	blob, err := json.Marshal(uids)
	if err != nil {
		return c.fail("SetUIDMap encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO uid_maps (mailbox, uids_json, stored_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(mailbox) DO UPDATE SET uids_json = excluded.uids_json, stored_at = excluded.stored_at",
		mailbox, string(blob), nowUnix())
	if err != nil {
		return c.fail("SetUIDMap", err)
	}
	return nil
}

func (c *Cache) Flags(ctx context.Context, mailbox string, uid imap.UID) ([]imap.Flag, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT flags_json, stored_at FROM flags WHERE mailbox = ? AND uid = ?", mailbox, uint32(uid),
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("Flags", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var flags []imap.Flag
	if err := json.Unmarshal([]byte(blob), &flags); err != nil {
		return nil, false, c.fail("Flags decode", err)
	}
	return flags, true, nil
}

func (c *Cache) SetFlags(ctx context.Context, mailbox string, uid imap.UID, flags []imap.Flag) error {
	blob, err := json.Marshal(flags)
	if err != nil {
		return c.fail("SetFlags encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO flags (mailbox, uid, flags_json, stored_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(mailbox, uid) DO UPDATE SET flags_json = excluded.flags_json, stored_at = excluded.stored_at",
		mailbox, uint32(uid), string(blob), nowUnix())
	if err != nil {
		return c.fail("SetFlags", err)
	}
	return nil
}

func (c *Cache) Metadata(ctx context.Context, mailbox string, uid imap.UID) (*cache.MessageMetadata, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT metadata_json, stored_at FROM metadata WHERE mailbox = ? AND uid = ?", mailbox, uint32(uid),
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("Metadata", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var meta cache.MessageMetadata
	if err := json.Unmarshal([]byte(blob), &meta); err != nil {
		return nil, false, c.fail("Metadata decode", err)
	}
	return &meta, true, nil
}

func (c *Cache) SetMetadata(ctx context.Context, mailbox string, uid imap.UID, meta *cache.MessageMetadata) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return c.fail("SetMetadata encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO metadata (mailbox, uid, metadata_json, stored_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(mailbox, uid) DO UPDATE SET metadata_json = excluded.metadata_json, stored_at = excluded.stored_at",
		mailbox, uint32(uid), string(blob), nowUnix())
	if err != nil {
		return c.fail("SetMetadata", err)
	}
	return nil
}

// PartBody returns a part body, checking the overflow file store first
// since large bodies never get a row in part_bodies.
func (c *Cache) PartBody(ctx context.Context, mailbox string, uid imap.UID, partID string) ([]byte, bool, error) {
	if body, ok, err := c.files.Get(mailbox, uid, partID); err != nil {
		return nil, false, c.fail("PartBody file", err)
	} else if ok {
		return body, true, nil
	}

	var body []byte
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT body, stored_at FROM part_bodies WHERE mailbox = ? AND uid = ? AND part_id = ?",
		mailbox, uint32(uid), partID,
	).Scan(&body, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("PartBody", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	return body, true, nil
}

// SetPartBody stores body inline when small, or in the overflow file
// store when it exceeds filecache.Threshold.
func (c *Cache) SetPartBody(ctx context.Context, mailbox string, uid imap.UID, partID string, body []byte) error {
	if len(body) > filecache.Threshold {
		if err := c.files.Put(mailbox, uid, partID, body); err != nil {
			return c.fail("SetPartBody file", err)
		}
		_, err := c.db.ExecContext(ctx,
			"DELETE FROM part_bodies WHERE mailbox = ? AND uid = ? AND part_id = ?", mailbox, uint32(uid), partID)
		if err != nil {
			return c.fail("SetPartBody evict inline row", err)
		}
		return nil
	}

	_, err := c.db.ExecContext(ctx,
		"INSERT INTO part_bodies (mailbox, uid, part_id, body, stored_at) VALUES (?, ?, ?, ?, ?) "+
			"ON CONFLICT(mailbox, uid, part_id) DO UPDATE SET body = excluded.body, stored_at = excluded.stored_at",
		mailbox, uint32(uid), partID, body, nowUnix())
	if err != nil {
		return c.fail("SetPartBody", err)
	}
	if delErr := c.files.Delete(mailbox, uid, partID); delErr != nil {
		return c.fail("SetPartBody evict overflow file", delErr)
	}
	return nil
}

func (c *Cache) Threading(ctx context.Context, mailbox, algorithm string) ([]cache.ThreadNode, bool, error) {
	var blob string
	var storedAt int64
	err := c.db.QueryRowContext(ctx,
		"SELECT result_json, stored_at FROM threading WHERE mailbox = ? AND algorithm = ?", mailbox, algorithm,
	).Scan(&blob, &storedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, c.fail("Threading", err)
	}
	if !c.fresh(storedAt) {
		return nil, false, nil
	}
	var result []cache.ThreadNode
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return nil, false, c.fail("Threading decode", err)
	}
	return result, true, nil
}

func (c *Cache) SetThreading(ctx context.Context, mailbox, algorithm string, result []cache.ThreadNode) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return c.fail("SetThreading encode", err)
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT INTO threading (mailbox, algorithm, result_json, stored_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(mailbox, algorithm) DO UPDATE SET result_json = excluded.result_json, stored_at = excluded.stored_at",
		mailbox, algorithm, string(blob), nowUnix())
	if err != nil {
		return c.fail("SetThreading", err)
	}
	return nil
}

// Errors reports background SQLite/filesystem failures. The engine
// watches this channel and degrades to memcache.Cache once it fires.
func (c *Cache) Errors() <-chan error { return c.errs }

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func nowUnix() int64 { return time.Now().Unix() }

var _ cache.Cache = (*Cache)(nil)
