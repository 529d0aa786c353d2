// Package filecache stores large message part bodies on disk instead of
// inline in the SQLite database, compressed with zlib.
package filecache

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"

	imap "github.com/mailkit/imapcore"
)

// Threshold is the part-body size above which the Combined cache stores
// the body here instead of inline in SQLite.
const Threshold = 1 << 20 // 1 MiB

// Store is a directory of zlib-compressed part bodies keyed by mailbox,
// UID, and part number.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filecache: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// path maps a (mailbox, uid, partID) key to a filesystem path. The
// mailbox name is base64url-encoded so arbitrary UTF-7 mailbox names
// never collide with path separators.
func (s *Store) path(mailbox string, uid imap.UID, partID string) string {
	enc := base64.URLEncoding.WithPadding(base64.NoPadding)
	name := fmt.Sprintf("%s_%d_%s.z", enc.EncodeToString([]byte(mailbox)), uid, partID)
	return filepath.Join(s.dir, name)
}

// Put compresses and writes body under the given key, replacing any
// existing entry.
func (s *Store) Put(mailbox string, uid imap.UID, partID string, body []byte) error {
	tmp, err := os.CreateTemp(s.dir, "part-*.tmp")
	if err != nil {
		return fmt.Errorf("filecache: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("filecache: compress %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("filecache: flush %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filecache: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(mailbox, uid, partID)); err != nil {
		return fmt.Errorf("filecache: commit %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	return nil
}

// Get returns the decompressed body for the given key. ok is false if
// no entry exists.
func (s *Store) Get(mailbox string, uid imap.UID, partID string) (body []byte, ok bool, err error) {
	f, err := os.Open(s.path(mailbox, uid, partID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("filecache: open %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return nil, false, fmt.Errorf("filecache: decompress %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	defer zr.Close()

	body, err = io.ReadAll(zr)
	if err != nil {
		return nil, false, fmt.Errorf("filecache: read %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	return body, true, nil
}

// Delete removes a cached part body, if present. It is not an error for
// the entry to already be absent.
func (s *Store) Delete(mailbox string, uid imap.UID, partID string) error {
	err := os.Remove(s.path(mailbox, uid, partID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filecache: delete %s uid %d part %s: %w", mailbox, uid, partID, err)
	}
	return nil
}
