package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Meta is one persisted metadata row. MTime and Size identify the file
// revision the dimensions were read from; a mismatch on lookup means
// the row is stale.
type Meta struct {
	Path   string
	MTime  time.Time
	Size   int64
	Width  int
	Height int
	Format string
}

type opType int

const (
	opLookup opType = iota
	opPut
	opDelete
	opRename
)

type request struct {
	op    opType
	path  string
	to    string
	meta  Meta
	reply chan response
}

type response struct {
	meta Meta
	ok   bool
}

// DB persists image metadata in SQLite. All statements run on a single
// worker goroutine fed by a request channel, so callers never share
// the connection. A nil *DB is valid and treats every operation as a
// no-op, which is how a disabled store is wired.
type DB struct {
	conn *sql.DB
	reqs chan request
	quit chan struct{}
	done chan struct{}
	log  zerolog.Logger
	once sync.Once
}

func NewDB(log zerolog.Logger) *DB {
	return &DB{
		reqs: make(chan request, 16),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
}

// Open initializes the database connection and schema.
func (d *DB) Open(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}

	// WAL mode allows simultaneous readers and writers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return err
	}
	// Synchronous NORMAL is safe against app crashes, faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return err
	}

	query := `
	CREATE TABLE IF NOT EXISTS meta (
		path      TEXT PRIMARY KEY,
		mtime     INTEGER NOT NULL,
		size      INTEGER NOT NULL,
		width     INTEGER NOT NULL,
		height    INTEGER NOT NULL,
		format    TEXT NOT NULL,
		probed_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return err
	}

	d.conn = db
	return nil
}

// Start runs the worker loop until Close. Call it on its own
// goroutine.
func (d *DB) Start() {
	for {
		select {
		case req := <-d.reqs:
			d.handle(req)
		case <-d.quit:
			// Drain whatever was queued before shutting down.
			for {
				select {
				case req := <-d.reqs:
					d.handle(req)
				default:
					close(d.done)
					return
				}
			}
		}
	}
}

// Lookup returns the stored metadata for path when the recorded mtime
// and size still match the file. A stale or absent row reports false.
func (d *DB) Lookup(path string, mtime time.Time, size int64) (Meta, bool) {
	if d == nil {
		return Meta{}, false
	}
	req := request{
		op:    opLookup,
		path:  path,
		meta:  Meta{MTime: mtime, Size: size},
		reply: make(chan response, 1),
	}
	select {
	case d.reqs <- req:
	case <-d.quit:
		return Meta{}, false
	}
	select {
	case resp := <-req.reply:
		return resp.meta, resp.ok
	case <-d.done:
		return Meta{}, false
	}
}

// Put upserts one metadata row.
func (d *DB) Put(m Meta) {
	if d == nil {
		return
	}
	select {
	case d.reqs <- request{op: opPut, meta: m}:
	case <-d.quit:
	}
}

// Delete drops the row for path.
func (d *DB) Delete(path string) {
	if d == nil {
		return
	}
	select {
	case d.reqs <- request{op: opDelete, path: path}:
	case <-d.quit:
	}
}

// Rename re-keys a row after a file move so the metadata survives
// sorting and undo.
func (d *DB) Rename(from, to string) {
	if d == nil {
		return
	}
	select {
	case d.reqs <- request{op: opRename, path: from, to: to}:
	case <-d.quit:
	}
}

func (d *DB) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		close(d.quit)
		<-d.done
		if d.conn != nil {
			d.conn.Close()
		}
	})
}

func (d *DB) handle(req request) {
	switch req.op {
	case opLookup:
		d.handleLookup(req)
	case opPut:
		d.handlePut(req.meta)
	case opDelete:
		d.handleDelete(req.path)
	case opRename:
		d.handleRename(req.path, req.to)
	}
}

func (d *DB) handleLookup(req request) {
	row := d.conn.QueryRow(
		"SELECT mtime, size, width, height, format FROM meta WHERE path = ?", req.path)

	var m Meta
	var mtime int64
	m.Path = req.path
	err := row.Scan(&mtime, &m.Size, &m.Width, &m.Height, &m.Format)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			d.log.Error().Err(err).Str("path", req.path).Msg("store: lookup failed")
		}
		req.reply <- response{}
		return
	}
	m.MTime = time.Unix(0, mtime)

	// The caller's stat decides freshness. A changed file invalidates
	// the stored dimensions.
	if !m.MTime.Equal(req.meta.MTime) || m.Size != req.meta.Size {
		req.reply <- response{}
		return
	}
	req.reply <- response{meta: m, ok: true}
}

func (d *DB) handlePut(m Meta) {
	_, err := d.conn.Exec(
		"INSERT OR REPLACE INTO meta (path, mtime, size, width, height, format, probed_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.Path, m.MTime.UnixNano(), m.Size, m.Width, m.Height, m.Format, time.Now().UnixNano())
	if err != nil {
		d.log.Error().Err(err).Str("path", m.Path).Msg("store: put failed")
	}
}

func (d *DB) handleDelete(path string) {
	if _, err := d.conn.Exec("DELETE FROM meta WHERE path = ?", path); err != nil {
		d.log.Error().Err(err).Str("path", path).Msg("store: delete failed")
	}
}

func (d *DB) handleRename(from, to string) {
	_, err := d.conn.Exec("UPDATE OR REPLACE meta SET path = ? WHERE path = ?", to, from)
	if err != nil {
		d.log.Error().Err(err).Str("from", from).Str("to", to).Msg("store: rename failed")
	}
}
