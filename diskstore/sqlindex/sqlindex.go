// Package sqlindex is the relational index half of the disk tier: a single
// SQLite table opened through database/sql, holding either the value itself
// (small entries) or a pointer to an external file (large entries).
//
// Grounded on the teacher's habit of keeping all SQL behind prepared
// statements on a long-lived handle (cache/cache.go's item table access
// pattern), generalized from the teacher's in-process map to a real
// on-disk index.
package sqlindex

import (
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS entries (
	key                TEXT PRIMARY KEY,
	filename           TEXT,
	size               INTEGER NOT NULL,
	inline_data        BLOB,
	modification_time  INTEGER NOT NULL,
	last_access_time   INTEGER NOT NULL,
	extended_data      BLOB
);
CREATE INDEX IF NOT EXISTS entries_last_access_time ON entries(last_access_time);
`

// Row mirrors one manifest.db row exactly per the disk index schema.
type Row struct {
	Key              string
	Filename         string // empty when the value is stored inline
	Size             int64
	InlineData       []byte // nil when the value is stored externally
	ModificationTime int64  // unix seconds
	LastAccessTime   int64  // unix seconds
	ExtendedData     []byte
}

// External reports whether the row's value lives in an external file.
func (r Row) External() bool { return r.Filename != "" }

// Config configures an Index.
type Config struct {
	// CoalesceAccessTime defers last_access_time writes on Get to an
	// in-memory dirty set, flushed by FlushAccessTimes. When false (the
	// default), Get updates last_access_time eagerly with an UPDATE
	// issued right after it reads the row.
	CoalesceAccessTime bool
}

// Index wraps a SQLite-backed manifest table.
type Index struct {
	db   *sql.DB
	conf Config

	mu    sync.Mutex
	dirty map[string]int64 // key -> pending last_access_time, when coalescing

	getPlainStmt *sql.Stmt
	hasStmt      *sql.Stmt
	upsertStmt   *sql.Stmt
	touchStmt    *sql.Stmt
	deleteStmt   *sql.Stmt
	lruBatchStmt *sql.Stmt
	countStmt    *sql.Stmt
	sumCostStmt  *sql.Stmt
}

// Open opens (creating if needed) the manifest database at path.
func Open(path string, conf Config) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: open")
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite connections are not safely shared for writes

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "sqlindex: %s", pragma)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	idx := &Index{db: db, conf: conf, dirty: make(map[string]int64)}
	if err := idx.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "sqlindex: read user_version")
	}
	switch version {
	case 0:
		if _, err := db.Exec(schemaDDL); err != nil {
			return errors.Wrap(err, "sqlindex: create schema")
		}
		if _, err := db.Exec(stampVersion(schemaVersion)); err != nil {
			return errors.Wrap(err, "sqlindex: stamp user_version")
		}
	case schemaVersion:
		// already current
	default:
		return errors.Errorf("sqlindex: unsupported schema version %d (expected %d)", version, schemaVersion)
	}
	return nil
}

func stampVersion(v int) string {
	// PRAGMA does not accept bind parameters.
	return "PRAGMA user_version = " + strconv.Itoa(v)
}

func (idx *Index) prepare() error {
	var err error
	prep := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = idx.db.Prepare(query)
		return stmt
	}

	idx.getPlainStmt = prep(`SELECT key, filename, size, inline_data, modification_time, last_access_time, extended_data
		FROM entries WHERE key = ?`)
	idx.hasStmt = prep(`SELECT 1 FROM entries WHERE key = ?`)
	idx.upsertStmt = prep(`INSERT INTO entries
			(key, filename, size, inline_data, modification_time, last_access_time, extended_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			filename = excluded.filename,
			size = excluded.size,
			inline_data = excluded.inline_data,
			modification_time = excluded.modification_time,
			last_access_time = excluded.last_access_time,
			extended_data = excluded.extended_data`)
	idx.touchStmt = prep(`UPDATE entries SET last_access_time = ? WHERE key = ?`)
	idx.deleteStmt = prep(`DELETE FROM entries WHERE key = ?`)
	idx.lruBatchStmt = prep(`SELECT key, filename, size, inline_data, modification_time, last_access_time, extended_data
		FROM entries ORDER BY last_access_time ASC LIMIT ?`)
	idx.countStmt = prep(`SELECT COUNT(*) FROM entries`)
	idx.sumCostStmt = prep(`SELECT COALESCE(SUM(size), 0) FROM entries`)
	if err != nil {
		return errors.Wrap(err, "sqlindex: prepare statements")
	}
	return nil
}

// Close flushes pending coalesced access-time writes and closes the database.
func (idx *Index) Close() error {
	idx.FlushAccessTimes()
	return idx.db.Close()
}

func scanRow(scan func(dest ...interface{}) error) (Row, error) {
	var r Row
	var filename sql.NullString
	if err := scan(&r.Key, &filename, &r.Size, &r.InlineData, &r.ModificationTime, &r.LastAccessTime, &r.ExtendedData); err != nil {
		return Row{}, err
	}
	r.Filename = filename.String
	return r, nil
}

// Get looks up key, updating last_access_time per the configured coalescing
// policy, and returns (row, true) on hit.
func (idx *Index) Get(key string, now time.Time) (Row, bool, error) {
	row, err := scanRow(idx.getPlainStmt.QueryRow(key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, errors.Wrap(err, "sqlindex: get")
	}
	nowUnix := now.Unix()
	if idx.conf.CoalesceAccessTime {
		idx.mu.Lock()
		idx.dirty[key] = nowUnix
		idx.mu.Unlock()
	} else {
		if _, err := idx.touchStmt.Exec(nowUnix, key); err != nil {
			return Row{}, false, errors.Wrap(err, "sqlindex: touch")
		}
	}
	row.LastAccessTime = nowUnix
	return row, true, nil
}

// Has reports whether key is present, without touching last_access_time —
// the non-mutating counterpart to Get, for plain existence checks.
func (idx *Index) Has(key string) (bool, error) {
	var one int
	err := idx.hasStmt.QueryRow(key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "sqlindex: has")
	}
	return true, nil
}

// FlushAccessTimes writes every access-time update buffered by coalescing.
func (idx *Index) FlushAccessTimes() {
	idx.mu.Lock()
	pending := idx.dirty
	idx.dirty = make(map[string]int64)
	idx.mu.Unlock()
	for key, t := range pending {
		idx.touchStmt.Exec(t, key)
	}
}

// Upsert inserts or replaces the row for key.
func (idx *Index) Upsert(r Row) error {
	var filename interface{}
	if r.Filename != "" {
		filename = r.Filename
	}
	_, err := idx.upsertStmt.Exec(r.Key, filename, r.Size, r.InlineData, r.ModificationTime, r.LastAccessTime, r.ExtendedData)
	if err != nil {
		return errors.Wrap(err, "sqlindex: upsert")
	}
	return nil
}

// Delete removes the row for key, if present.
func (idx *Index) Delete(key string) error {
	_, err := idx.deleteStmt.Exec(key)
	if err != nil {
		return errors.Wrap(err, "sqlindex: delete")
	}
	return nil
}

// LRUBatch returns up to limit rows in ascending last_access_time order, the
// oldest (most evictable) first.
func (idx *Index) LRUBatch(limit int) ([]Row, error) {
	rows, err := idx.lruBatchStmt.Query(limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: lru batch")
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "sqlindex: scan lru batch")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllKeys scans every key, for startup orphan reconciliation.
func (idx *Index) AllKeys() (map[string]string, error) {
	rows, err := idx.db.Query(`SELECT key, filename FROM entries`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: scan all keys")
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key string
		var filename sql.NullString
		if err := rows.Scan(&key, &filename); err != nil {
			return nil, errors.Wrap(err, "sqlindex: scan key")
		}
		out[key] = filename.String
	}
	return out, rows.Err()
}

// Count returns the number of rows.
func (idx *Index) Count() (int64, error) {
	var n int64
	if err := idx.countStmt.QueryRow().Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlindex: count")
	}
	return n, nil
}

// TotalCost returns the sum of every row's size.
func (idx *Index) TotalCost() (int64, error) {
	var n int64
	if err := idx.sumCostStmt.QueryRow().Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlindex: sum cost")
	}
	return n, nil
}

// AgeBatch returns up to limit rows whose last_access_time is older than
// the cutoff, oldest first.
func (idx *Index) AgeBatch(cutoff time.Time, limit int) ([]Row, error) {
	rows, err := idx.db.Query(`SELECT key, filename, size, inline_data, modification_time, last_access_time, extended_data
		FROM entries WHERE last_access_time < ? ORDER BY last_access_time ASC LIMIT ?`, cutoff.Unix(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: age batch")
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "sqlindex: scan age batch")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
