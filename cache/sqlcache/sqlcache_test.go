package sqlcache

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	imap "github.com/mailkit/imapcore"
	"github.com/mailkit/imapcore/cache"
	"github.com/mailkit/imapcore/cache/filecache"
	"github.com/mailkit/imapcore/tree"
)

func open(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "parts"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChildMailboxesRoundTrip(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	listings := []tree.MailboxSpec{{Name: "INBOX", Separator: '/'}, {Name: "Archive", Separator: '/'}}
	if err := c.SetChildMailboxes(ctx, "", listings); err != nil {
		t.Fatalf("SetChildMailboxes: %v", err)
	}
	got, fresh, err := c.ChildMailboxes(ctx, "")
	if err != nil || !fresh || len(got) != 2 {
		t.Fatalf("ChildMailboxes: got=%v fresh=%v err=%v", got, fresh, err)
	}
}

func TestMissingEntryReportsAbsent(t *testing.T) {
	c := open(t)
	_, fresh, err := c.SyncState(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("SyncState: %v", err)
	}
	if fresh {
		t.Error("expected fresh=false for missing entry")
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	state := &tree.SyncState{}
	state.SetExists(10)
	state.SetUIDNext(100)
	state.SetUIDValidity(7)
	if err := c.SetSyncState(ctx, "INBOX", state); err != nil {
		t.Fatalf("SetSyncState: %v", err)
	}
	got, fresh, err := c.SyncState(ctx, "INBOX")
	if err != nil || !fresh {
		t.Fatalf("SyncState: fresh=%v err=%v", fresh, err)
	}
	if got.Exists != 10 || got.UIDNext != 100 || !got.IsComplete() {
		t.Errorf("unexpected state: %#v", got)
	}
}

func TestUpsertOverwritesPreviousValue(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	if err := c.SetFlags(ctx, "INBOX", 1, []imap.Flag{imap.FlagSeen}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if err := c.SetFlags(ctx, "INBOX", 1, []imap.Flag{imap.FlagSeen, imap.FlagFlagged}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	got, fresh, err := c.Flags(ctx, "INBOX", 1)
	if err != nil || !fresh || len(got) != 2 {
		t.Fatalf("Flags: got=%v fresh=%v err=%v", got, fresh, err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	meta := &cache.MessageMetadata{Size: 4096}
	if err := c.SetMetadata(ctx, "INBOX", 5, meta); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	got, fresh, err := c.Metadata(ctx, "INBOX", 5)
	if err != nil || !fresh || got.Size != 4096 {
		t.Fatalf("Metadata: got=%v fresh=%v err=%v", got, fresh, err)
	}
}

func TestSmallPartBodyStoredInline(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	body := []byte("small body")
	if err := c.SetPartBody(ctx, "INBOX", 9, "1", body); err != nil {
		t.Fatalf("SetPartBody: %v", err)
	}
	if _, ok, _ := c.files.Get("INBOX", 9, "1"); ok {
		t.Error("small body should not be written to the overflow file store")
	}
	got, fresh, err := c.PartBody(ctx, "INBOX", 9, "1")
	if err != nil || !fresh || !bytes.Equal(got, body) {
		t.Fatalf("PartBody: got=%q fresh=%v err=%v", got, fresh, err)
	}
}

func TestLargePartBodyOverflowsToFileStore(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	body := bytes.Repeat([]byte("x"), filecache.Threshold+1)
	if err := c.SetPartBody(ctx, "INBOX", 11, "2", body); err != nil {
		t.Fatalf("SetPartBody: %v", err)
	}
	if _, ok, _ := c.files.Get("INBOX", 11, "2"); !ok {
		t.Error("large body should be written to the overflow file store")
	}
	got, fresh, err := c.PartBody(ctx, "INBOX", 11, "2")
	if err != nil || !fresh || !bytes.Equal(got, body) {
		t.Fatalf("PartBody: fresh=%v err=%v len(got)=%d", fresh, err, len(got))
	}
}

func TestThreadingRoundTrip(t *testing.T) {
	c := open(t)
	ctx := context.Background()
	result := []cache.ThreadNode{{UID: 1, Children: []cache.ThreadNode{{UID: 2}}}}
	if err := c.SetThreading(ctx, "INBOX", "REFERENCES", result); err != nil {
		t.Fatalf("SetThreading: %v", err)
	}
	got, fresh, err := c.Threading(ctx, "INBOX", "REFERENCES")
	if err != nil || !fresh || len(got) != 1 || len(got[0].Children) != 1 {
		t.Fatalf("Threading: got=%v fresh=%v err=%v", got, fresh, err)
	}
}

func TestErrorsChannelStartsEmpty(t *testing.T) {
	c := open(t)
	select {
	case err := <-c.Errors():
		t.Errorf("unexpected error on fresh cache: %v", err)
	default:
	}
}
