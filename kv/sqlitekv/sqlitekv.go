// Package sqlitekv runs the kv engine on a single SQLite table.
//
// Unlike pebble, a SQLite file in WAL mode can be opened by several OS
// processes at once. Writers take the database lock up front
// (BEGIN IMMEDIATE), readers use deferred transactions which pin a WAL
// snapshot at their first statement. DataVersion exposes
// PRAGMA data_version so that a process can notice commits made through
// other connections.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/viewdb_errors"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB) WITHOUT ROWID`

type Options struct {
	BusyTimeout time.Duration
	// MaxReaders bounds the read connection pool.
	MaxReaders int
}

func (o *Options) SetDefaults() {
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.MaxReaders == 0 {
		o.MaxReaders = 4
	}
}

type Engine struct {
	rdb *sql.DB
	wdb *sql.DB

	vlock  sync.Mutex
	vconn  *sql.Conn
	closed atomic.Bool
}

func dsn(path string, txlock string, timeout time.Duration) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", fmt.Sprintf("%d", timeout.Milliseconds()))
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

func Open(path string, opts Options) (*Engine, error) {
	opts.SetDefaults()
	wdb, err := sql.Open("sqlite3", dsn(path, "immediate", opts.BusyTimeout))
	if err != nil {
		return nil, err
	}
	wdb.SetMaxOpenConns(1)
	if _, err = wdb.Exec(schema); err != nil {
		_ = wdb.Close()
		return nil, err
	}
	rdb, err := sql.Open("sqlite3", dsn(path, "deferred", opts.BusyTimeout))
	if err != nil {
		_ = wdb.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(opts.MaxReaders + 1)
	return &Engine{rdb: rdb, wdb: wdb}, nil
}

func (e *Engine) View(ctx context.Context, fn func(r kv.Reader) error) error {
	if e.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	tx, err := e.rdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(reader{ctx: ctx, tx: tx})
}

func (e *Engine) Update(ctx context.Context, fn func(w kv.Writer) error) error {
	if e.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	tx, err := e.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(writer{reader{ctx: ctx, tx: tx}}); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// DataVersion returns PRAGMA data_version of a dedicated connection. The
// value changes whenever another connection, in this or another process,
// commits to the file.
func (e *Engine) DataVersion(ctx context.Context) (uint64, error) {
	if e.closed.Load() {
		return 0, viewdb_errors.ErrClosed
	}
	e.vlock.Lock()
	defer e.vlock.Unlock()
	if e.vconn == nil {
		conn, err := e.rdb.Conn(ctx)
		if err != nil {
			return 0, err
		}
		e.vconn = conn
	}
	var version uint64
	err := e.vconn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version)
	return version, err
}

func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return viewdb_errors.ErrClosed
	}
	var errs []error
	e.vlock.Lock()
	if e.vconn != nil {
		errs = append(errs, e.vconn.Close())
	}
	e.vlock.Unlock()
	errs = append(errs, e.rdb.Close(), e.wdb.Close())
	return errors.Join(errs...)
}

type reader struct {
	ctx context.Context
	tx  *sql.Tx
}

func (r reader) Get(key []byte) ([]byte, error) {
	var val []byte
	err := r.tx.QueryRowContext(r.ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func rangeQuery(lower, upper []byte) (string, []any) {
	query := "SELECT k, v FROM kv"
	switch {
	case len(lower) > 0 && upper != nil:
		return query + " WHERE k >= ? AND k < ?", []any{lower, upper}
	case len(lower) > 0:
		return query + " WHERE k >= ?", []any{lower}
	case upper != nil:
		return query + " WHERE k < ?", []any{upper}
	}
	return query, nil
}

func (r reader) NewIter(lower, upper []byte) (kv.Iterator, error) {
	query, args := rangeQuery(lower, upper)
	rows, err := r.tx.QueryContext(r.ctx, query+" ORDER BY k", args...)
	if err != nil {
		return nil, err
	}
	return &iterator{rows: rows}, nil
}

func (r reader) Last(lower, upper []byte) (key, value []byte, err error) {
	query, args := rangeQuery(lower, upper)
	err = r.tx.QueryRowContext(r.ctx, query+" ORDER BY k DESC LIMIT 1", args...).Scan(&key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return key, value, nil
}

type writer struct {
	reader
}

func (w writer) Set(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := w.tx.ExecContext(w.ctx,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		key, value)
	return err
}

func (w writer) Delete(key []byte) error {
	_, err := w.tx.ExecContext(w.ctx, "DELETE FROM kv WHERE k = ?", key)
	return err
}

func (w writer) DeleteRange(start, end []byte) error {
	_, err := w.tx.ExecContext(w.ctx, "DELETE FROM kv WHERE k >= ? AND k < ?", start, end)
	return err
}

var ErrRewind = errors.New("sqlitekv: iterator can not be rewound")

// iterator is forward-only; First may be called once.
type iterator struct {
	rows    *sql.Rows
	started bool
	valid   bool
	key     []byte
	value   []byte
	err     error
}

func (it *iterator) First() bool {
	if it.started {
		it.err = ErrRewind
		it.valid = false
		return false
	}
	it.started = true
	return it.Next()
}

func (it *iterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		it.valid = false
		if it.err == nil {
			it.err = it.rows.Err()
		}
		return false
	}
	it.key, it.value = nil, nil
	if err := it.rows.Scan(&it.key, &it.value); err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.valid = true
	return true
}

func (it *iterator) Valid() bool   { return it.valid }
func (it *iterator) Key() []byte   { return it.key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Error() error  { return it.err }

func (it *iterator) Close() error {
	it.valid = false
	return it.rows.Close()
}
