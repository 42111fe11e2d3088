// Package blobstore is the external-file half of the disk tier: values too
// large to inline live under data/, named by a hash of their key, deleted
// by an atomic rename into trash/ followed by a background unlink.
//
// Grounded on the teacher's aof package, which rotates/removes segment
// files via rename-then-unlink rather than removing a live path directly
// (aof/aof.go), generalized here from append-only log segments to
// individually named value files.
package blobstore

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	dataDirName  = "data"
	trashDirName = "trash"
)

// Store manages the data/ and trash/ directories beneath a root path.
type Store struct {
	dataDir  string
	trashDir string
	log      *zap.Logger

	mu      sync.Mutex
	pending []string // trash file names awaiting unlink
}

// Open creates data/ and trash/ under root if missing.
func Open(root string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		dataDir:  filepath.Join(root, dataDirName),
		trashDir: filepath.Join(root, trashDirName),
		log:      log,
	}
	for _, dir := range []string{s.dataDir, s.trashDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "blobstore: mkdir %s", dir)
		}
	}
	return s, nil
}

// Filename returns the external filename for key. Exported so callers (the
// disk tier and orphan reconciliation) can compute it without writing.
func Filename(key string) string {
	return xxhashHex(key)
}

func xxhashHex(key string) string {
	sum := xxhash.Sum64String(key)
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[sum&0xf]
		sum >>= 4
	}
	return string(buf)
}

func (s *Store) path(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

// Write stores value under filename, replacing any existing file atomically.
func (s *Store) Write(filename string, value []byte) error {
	tmp := s.path(filename) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return errors.Wrapf(err, "blobstore: write %s", filename)
	}
	if err := os.Rename(tmp, s.path(filename)); err != nil {
		return errors.Wrapf(err, "blobstore: rename %s into place", filename)
	}
	return nil
}

// Read returns the contents of filename, or an error wrapping os.ErrNotExist
// when the file is missing (treated by the disk tier as an index/file
// mismatch requiring row deletion).
func (s *Store) Read(filename string) ([]byte, error) {
	b, err := os.ReadFile(s.path(filename))
	if err != nil {
		return nil, errors.Wrapf(err, "blobstore: read %s", filename)
	}
	return b, nil
}

// Exists reports whether filename is present under data/.
func (s *Store) Exists(filename string) bool {
	_, err := os.Stat(s.path(filename))
	return err == nil
}

// Remove moves filename into trash/ synchronously, then unlinks it in the
// background. A filename already absent from data/ is not an error.
func (s *Store) Remove(filename string) error {
	trashPath := filepath.Join(s.trashDir, filename)
	err := os.Rename(s.path(filename), trashPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "blobstore: rename %s to trash", filename)
	}
	s.mu.Lock()
	s.pending = append(s.pending, filename)
	s.mu.Unlock()
	return nil
}

// EmptyTrash unlinks every file queued by Remove. Called by the disk tier's
// background worker; safe to call concurrently with Remove.
func (s *Store) EmptyTrash() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, filename := range pending {
		p := filepath.Join(s.trashDir, filename)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("blobstore: failed to unlink trash entry",
				zap.String("file", filename), zap.Error(err))
		}
	}
}

// PurgeTrash unlinks every file already sitting in trash/ when the store is
// opened — crash recovery for a Remove whose process died between the
// rename-into-trash and EmptyTrash's unlink. EmptyTrash alone only drains
// s.pending, which starts empty on every Open, so without this a crash
// leaks trash/ forever.
func (s *Store) PurgeTrash() error {
	entries, err := os.ReadDir(s.trashDir)
	if err != nil {
		return errors.Wrap(err, "blobstore: read trash dir")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.trashDir, e.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("blobstore: failed to purge stale trash entry",
				zap.String("file", e.Name()), zap.Error(err))
		}
	}
	return nil
}

// Reconcile scans data/ for files that have no corresponding index entry
// (the known set) and returns their filenames as orphans for the caller to
// delete, per the startup reconciliation invariant.
func (s *Store) Reconcile(known map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "blobstore: read data dir")
	}
	var orphans []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".tmp" {
			// interrupted write; safe to discard
			orphans = append(orphans, name)
			continue
		}
		if !known[name] {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

// RemoveOrphan deletes a file under data/ directly (used for reconciliation
// leftovers that never had an index row to route through Remove).
func (s *Store) RemoveOrphan(filename string) error {
	err := os.Remove(s.path(filename))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "blobstore: remove orphan %s", filename)
	}
	return nil
}
