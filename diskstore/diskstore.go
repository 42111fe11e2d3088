// Package diskstore is the persistent disk tier: it composes sqlindex (the
// relational metadata store) and blobstore (the external-file store) behind
// the same cost/count/age eviction discipline as the memory tier, plus a
// background worker for trimming, trash collection, and the async API.
//
// Grounded on the teacher's aof package for crash-safe file handling and on
// cache/cache.go for the lock-then-trim background-timer shape, composed
// here over two real on-disk backends instead of the teacher's in-process
// map.
package diskstore

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/ibireme/go-yycache/diskstore/blobstore"
	"github.com/ibireme/go-yycache/diskstore/sqlindex"
)

// Entry is a disk-tier value together with caller-supplied opaque metadata,
// mirroring the manifest row's extended_data column.
type Entry struct {
	Value    []byte
	Extended []byte
}

// Clock abstracts time for deterministic age-trim tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const defaultInlineThreshold = 20480
const trimBatchSize = 16

// Config configures a Store.
type Config struct {
	InlineThreshold int64 // default 20480 bytes

	CountLimit         int64 // 0 = unlimited
	CostLimit          int64 // 0 = unlimited
	AgeLimit           time.Duration
	FreeDiskSpaceLimit int64 // floor on free bytes, 0 = unchecked

	AutoTrimInterval time.Duration // default 60s

	CoalesceAccessTime bool

	AsyncQueueCapacity int // default 256

	Logger *zap.Logger
	Clock  Clock
}

// Store is the composed disk tier.
type Store struct {
	idx   *sqlindex.Index
	blobs *blobstore.Store
	root  string

	inlineThreshold int64
	countLimit      int64
	costLimit       int64
	ageLimit        time.Duration
	freeSpaceLimit  int64

	clock Clock
	log   *zap.Logger

	sf singleflight.Group

	queue  chan func()
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open opens (creating if needed) the disk tier rooted at dir: dir/manifest.db,
// dir/data/, dir/trash/. It runs startup orphan reconciliation before
// returning, per the disk-tier invariant that files without a metadata row
// are orphans eligible for deletion.
func Open(dir string, conf Config) (*Store, error) {
	log := conf.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := conf.Clock
	if clock == nil {
		clock = realClock{}
	}
	threshold := conf.InlineThreshold
	if threshold <= 0 {
		threshold = defaultInlineThreshold
	}
	interval := conf.AutoTrimInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	queueCap := conf.AsyncQueueCapacity
	if queueCap <= 0 {
		queueCap = 256
	}

	idx, err := sqlindex.Open(filepath.Join(dir, "manifest.db"), sqlindex.Config{CoalesceAccessTime: conf.CoalesceAccessTime})
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(dir, log)
	if err != nil {
		idx.Close()
		return nil, err
	}

	s := &Store{
		idx:             idx,
		blobs:           blobs,
		root:            dir,
		inlineThreshold: threshold,
		countLimit:      conf.CountLimit,
		costLimit:       conf.CostLimit,
		ageLimit:        conf.AgeLimit,
		freeSpaceLimit:  conf.FreeDiskSpaceLimit,
		clock:           clock,
		log:             log,
		queue:           make(chan func(), queueCap),
	}

	if err := s.reconcile(); err != nil {
		idx.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { s.runWorker(ctx); return nil })
	g.Go(func() error { s.runTrimmer(ctx, interval); return nil })
	return s, nil
}

// reconcile purges stale trash/ entries left by a crash between rename and
// unlink, deletes orphan external files found under data/ with no
// corresponding index row, and deletes rows whose external file is missing
// (the startup half of the corruption invariant; getUncollapsed handles the
// on-access half for rows not hit by this scan).
func (s *Store) reconcile() error {
	if err := s.blobs.PurgeTrash(); err != nil {
		return err
	}
	known, err := s.idx.AllKeys()
	if err != nil {
		return err
	}
	knownFiles := make(map[string]bool, len(known))
	for key, filename := range known {
		if filename == "" {
			continue
		}
		if !s.blobs.Exists(filename) {
			if err := s.idx.Delete(key); err != nil {
				s.log.Warn("diskstore: failed to delete row for missing file", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		knownFiles[filename] = true
	}
	orphans, err := s.blobs.Reconcile(knownFiles)
	if err != nil {
		return err
	}
	for _, name := range orphans {
		if err := s.blobs.RemoveOrphan(name); err != nil {
			s.log.Warn("diskstore: failed to remove orphan file", zap.String("file", name), zap.Error(err))
		}
	}
	return nil
}

// Close stops the background worker and closes both backends.
func (s *Store) Close() error {
	s.cancel()
	s.group.Wait()
	s.blobs.EmptyTrash()
	return s.idx.Close()
}

func (s *Store) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.queue:
			fn()
		}
	}
}

func (s *Store) runTrimmer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.idx.FlushAccessTimes()
			s.trim()
			s.blobs.EmptyTrash()
			s.checkFreeSpace()
		}
	}
}

func (s *Store) checkFreeSpace() {
	if s.freeSpaceLimit <= 0 {
		return
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(s.root, &stat); err != nil {
		s.log.Warn("diskstore: statfs failed", zap.Error(err))
		return
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if free < s.freeSpaceLimit {
		s.log.Info("diskstore: free disk space below limit, trimming", zap.Int64("free_bytes", free))
		cost, err := s.idx.TotalCost()
		if err != nil {
			s.log.Warn("diskstore: total cost failed", zap.Error(err))
			return
		}
		// Shrink the stored bytes by the shortfall below the floor.
		if target := cost - (s.freeSpaceLimit - free); target > 0 {
			s.trimToCostLimit(target)
		} else {
			s.Clear(nil)
		}
		s.blobs.EmptyTrash()
	}
}

// Contains reports whether key has a row, without reading its value or
// updating last_access_time.
func (s *Store) Contains(key string) (bool, error) {
	return s.idx.Has(key)
}

// Get returns the value for key and its extended metadata, or (Entry{},
// false, nil) on miss. A row whose external file is missing or unreadable is
// treated as a miss and the row is deleted, per the corruption invariant.
// Concurrent Get calls for the same key collapse into a single disk read.
func (s *Store) Get(key string) (Entry, bool, error) {
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.getUncollapsed(key)
	})
	if err != nil {
		return Entry{}, false, err
	}
	res := v.(getResult)
	return res.entry, res.ok, nil
}

type getResult struct {
	entry Entry
	ok    bool
}

func (s *Store) getUncollapsed(key string) (getResult, error) {
	row, ok, err := s.idx.Get(key, s.clock.Now())
	if err != nil {
		return getResult{}, err
	}
	if !ok {
		return getResult{}, nil
	}
	if !row.External() {
		return getResult{Entry{Value: row.InlineData, Extended: row.ExtendedData}, true}, nil
	}
	data, err := s.blobs.Read(row.Filename)
	if err != nil {
		if derr := s.idx.Delete(key); derr != nil {
			s.log.Warn("diskstore: failed to delete row for corrupt file", zap.String("key", key), zap.Error(derr))
		}
		return getResult{}, nil
	}
	return getResult{Entry{Value: data, Extended: row.ExtendedData}, true}, nil
}

// Set writes key through to disk, routing to an inline row or an external
// file per InlineThreshold. On replace, any previous external file is moved
// to trash.
func (s *Store) Set(key string, value []byte, extended []byte) error {
	if key == "" {
		return nil
	}
	now := s.clock.Now()

	prevRow, hadPrev, err := s.idx.Get(key, now)
	if err != nil {
		return err
	}

	row := sqlindex.Row{
		Key:              key,
		Size:             int64(len(value)),
		ModificationTime: now.Unix(),
		LastAccessTime:   now.Unix(),
		ExtendedData:     extended,
	}

	if int64(len(value)) <= s.inlineThreshold {
		row.InlineData = value
	} else {
		filename := blobstore.Filename(key)
		if err := s.blobs.Write(filename, value); err != nil {
			return err
		}
		row.Filename = filename
	}

	if err := s.idx.Upsert(row); err != nil {
		if row.Filename != "" {
			if rmErr := s.blobs.RemoveOrphan(row.Filename); rmErr != nil {
				s.log.Warn("diskstore: failed to remove file after failed upsert", zap.String("key", key), zap.Error(rmErr))
			}
		}
		return err
	}

	if hadPrev && prevRow.External() && prevRow.Filename != row.Filename {
		if err := s.blobs.Remove(prevRow.Filename); err != nil {
			s.log.Warn("diskstore: failed to trash superseded file", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Remove deletes key's row and, if external, moves its file to trash.
func (s *Store) Remove(key string) error {
	row, ok, err := s.idx.Get(key, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := s.idx.Delete(key); err != nil {
		return err
	}
	if row.External() {
		if err := s.blobs.Remove(row.Filename); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every row and file. progress, if non-nil, is invoked after
// each deleted batch with the running total removed and the total known at
// the start of the call.
func (s *Store) Clear(progress func(removed, total int)) error {
	known, err := s.idx.AllKeys()
	if err != nil {
		return err
	}
	total := len(known)
	removed := 0
	for key, filename := range known {
		if err := s.idx.Delete(key); err != nil {
			return err
		}
		if filename != "" {
			if err := s.blobs.Remove(filename); err != nil {
				s.log.Warn("diskstore: failed to trash file during clear", zap.String("key", key), zap.Error(err))
			}
		}
		removed++
		if progress != nil && removed%trimBatchSize == 0 {
			progress(removed, total)
		}
	}
	if progress != nil {
		progress(removed, total)
	}
	return nil
}

// TrimNow runs one eviction pass immediately, outside the background
// timer's schedule. Exported for tests that disable the timer for
// determinism; production callers do not need to call it.
func (s *Store) TrimNow() {
	s.trim()
	s.blobs.EmptyTrash()
}

// TotalCount returns the number of rows.
func (s *Store) TotalCount() (int64, error) { return s.idx.Count() }

// TotalCost returns the sum of every row's size.
func (s *Store) TotalCost() (int64, error) { return s.idx.TotalCost() }

// trim runs one cost -> count -> age eviction pass, selecting victims in
// ascending last_access_time order in batches, per the eviction contract.
// Limits of 0 mean "unlimited" here, since these come from Config and a
// zero-value Config must not evict everything on the first tick.
func (s *Store) trim() {
	s.trimToCostLimit(s.costLimit)
	s.trimToCountLimit(s.countLimit)
	s.trimToAge()
}

// TrimToCost evicts least-recently-used rows until total cost is at most c.
// Unlike the config-driven limit, an explicit TrimToCost(0) evicts
// everything rather than being read as "unlimited".
func (s *Store) TrimToCost(c int64) error {
	if c == 0 {
		return s.Clear(nil)
	}
	return s.trimToCostLimit(c)
}

// TrimToCount evicts least-recently-used rows until at most n remain. As
// with TrimToCost, an explicit TrimToCount(0) evicts everything.
func (s *Store) TrimToCount(n int64) error {
	if n == 0 {
		return s.Clear(nil)
	}
	return s.trimToCountLimit(n)
}

// TrimToAge evicts rows whose last_access_time is older than age. age <= 0
// is a no-op; call Clear to evict everything.
func (s *Store) TrimToAge(age time.Duration) error {
	if age <= 0 {
		return nil
	}
	return s.trimToAgeLimit(age)
}

func (s *Store) trimToCostLimit(limit int64) error {
	if limit <= 0 {
		return nil
	}
	for {
		cost, err := s.idx.TotalCost()
		if err != nil {
			return err
		}
		if cost <= limit {
			return nil
		}
		rows, err := s.idx.LRUBatch(trimBatchSize)
		if err != nil || len(rows) == 0 {
			return nil
		}
		for i, r := range rows {
			cost -= r.Size
			if cost <= limit {
				rows = rows[:i+1]
				break
			}
		}
		s.deleteRows(rows)
	}
}

func (s *Store) trimToCountLimit(limit int64) error {
	if limit <= 0 {
		return nil
	}
	for {
		count, err := s.idx.Count()
		if err != nil {
			return err
		}
		if count <= limit {
			return nil
		}
		n := count - limit
		if n > trimBatchSize {
			n = trimBatchSize
		}
		if !s.evictBatch(int(n)) {
			return nil
		}
	}
}

func (s *Store) trimToAgeLimit(age time.Duration) error {
	cutoff := s.clock.Now().Add(-age)
	for {
		rows, err := s.idx.AgeBatch(cutoff, trimBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		s.deleteRows(rows)
	}
}

func (s *Store) trimToAge() {
	if s.ageLimit <= 0 {
		return
	}
	s.trimToAgeLimit(s.ageLimit)
}

// evictBatch deletes up to n least-recently-used rows, returning false when
// there was nothing left to evict.
func (s *Store) evictBatch(n int) bool {
	rows, err := s.idx.LRUBatch(n)
	if err != nil || len(rows) == 0 {
		return false
	}
	s.deleteRows(rows)
	return true
}

func (s *Store) deleteRows(rows []sqlindex.Row) {
	for _, r := range rows {
		if err := s.idx.Delete(r.Key); err != nil {
			s.log.Warn("diskstore: failed to delete row during trim", zap.String("key", r.Key), zap.Error(err))
			continue
		}
		if r.External() {
			if err := s.blobs.Remove(r.Filename); err != nil {
				s.log.Warn("diskstore: failed to trash file during trim", zap.String("key", r.Key), zap.Error(err))
			}
		}
	}
}

// --- async API: dispatches onto the single background worker, per the
// facade's requirement that async calls return immediately and invoke their
// callback from a background goroutine. ---

func (s *Store) submit(fn func()) {
	select {
	case s.queue <- fn:
	default:
		// queue saturated; run synchronously on the caller rather than
		// silently dropping a write/remove.
		fn()
	}
}

// GetAsync resolves key in the background and invokes done with the result.
func (s *Store) GetAsync(key string, done func(Entry, bool, error)) {
	s.submit(func() {
		e, ok, err := s.Get(key)
		if done != nil {
			done(e, ok, err)
		}
	})
}

// SetAsync writes key in the background and invokes done, if non-nil, when finished.
func (s *Store) SetAsync(key string, value, extended []byte, done func(error)) {
	s.submit(func() {
		err := s.Set(key, value, extended)
		if done != nil {
			done(err)
		}
	})
}

// RemoveAsync removes key in the background.
func (s *Store) RemoveAsync(key string, done func(error)) {
	s.submit(func() {
		err := s.Remove(key)
		if done != nil {
			done(err)
		}
	})
}

// ClearWithProgress asynchronously clears the tier, reporting progress and
// a terminal error via end.
func (s *Store) ClearWithProgress(progress func(removed, total int), end func(error)) {
	s.submit(func() {
		err := s.Clear(progress)
		if end != nil {
			end(err)
		}
	})
}
