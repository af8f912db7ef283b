// Package store keeps the primary records on top of a kv engine.
//
// Records live in named collections as opaque byte values. Every write
// transaction that changes anything advances a commit sequence stored under
// the 'S' key. Hooks run inside the write transaction, so whatever they
// write (index entries, mostly) commits or rolls back together with the
// record change that caused it.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
)

var (
	ErrBadCollection = errors.New("viewdb: bad collection name")
	ErrBadKey        = errors.New("viewdb: empty record key")
)

// Change describes one record mutation. Old is nil for an insert, New is
// nil for a removal.
type Change struct {
	Collection string
	Key        string
	Old        []byte
	New        []byte
}

type Hook interface {
	// OnChange runs inside the write transaction for every Put and Remove.
	OnChange(tx *WriteTx, change Change) error
	// BeforeCommit runs once per modifying transaction with the sequence
	// the transaction is about to commit.
	BeforeCommit(tx *WriteTx, seq uint64) error
}

// CommitListener is told about every committed sequence, after the commit.
type CommitListener func(seq uint64)

type Options struct {
	Logger utils.Logger
}

type Store struct {
	engine kv.Engine
	log    utils.Logger

	hlock     sync.RWMutex
	hooks     []Hook
	listeners []CommitListener

	last   atomic.Uint64
	closed atomic.Bool
}

var seqKey = []byte{'S'}

func recordPrefix(collection string) []byte {
	key := make([]byte, 0, len(collection)+2)
	key = append(key, 'O')
	key = append(key, collection...)
	return append(key, 0)
}

func RecordKey(collection, key string) []byte {
	return append(recordPrefix(collection), key...)
}

func Open(engine kv.Engine, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	s := &Store{engine: engine, log: opts.Logger}
	err := engine.View(context.Background(), func(r kv.Reader) error {
		seq, err := readSeq(r)
		s.last.Store(seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Engine() kv.Engine {
	return s.engine
}

func (s *Store) Logger() utils.Logger {
	return s.log
}

// Sequence is the last sequence committed through this Store. Other
// processes sharing the engine may be ahead; ReadTx.Sequence is exact.
func (s *Store) Sequence() uint64 {
	return s.last.Load()
}

func (s *Store) AddHook(h Hook) {
	s.hlock.Lock()
	s.hooks = append(s.hooks, h)
	s.hlock.Unlock()
}

func (s *Store) RemoveHook(h Hook) {
	s.hlock.Lock()
	defer s.hlock.Unlock()
	for i, hook := range s.hooks {
		if hook == h {
			s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)
			return
		}
	}
}

func (s *Store) OnCommit(l CommitListener) {
	s.hlock.Lock()
	s.listeners = append(s.listeners, l)
	s.hlock.Unlock()
}

func (s *Store) snapshotHooks() []Hook {
	s.hlock.RLock()
	defer s.hlock.RUnlock()
	return append([]Hook(nil), s.hooks...)
}

func (s *Store) ReadTransaction(ctx context.Context, fn func(tx *ReadTx) error) error {
	if s.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	return s.engine.View(ctx, func(r kv.Reader) error {
		return fn(&ReadTx{r: r})
	})
}

func (s *Store) WriteTransaction(ctx context.Context, fn func(tx *WriteTx) error) error {
	if s.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	var committed uint64
	err := s.engine.Update(ctx, func(w kv.Writer) error {
		tx := &WriteTx{
			ReadTx: ReadTx{r: w},
			w:      w,
			hooks:  s.snapshotHooks(),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty {
			return nil
		}
		prev, err := readSeq(w)
		if err != nil {
			return err
		}
		seq := prev + 1
		for _, h := range tx.hooks {
			if err := h.BeforeCommit(tx, seq); err != nil {
				return err
			}
		}
		if err := w.Set(seqKey, binary.BigEndian.AppendUint64(nil, seq)); err != nil {
			return err
		}
		committed = seq
		return nil
	})
	if err != nil || committed == 0 {
		return err
	}
	for {
		last := s.last.Load()
		if committed <= last || s.last.CompareAndSwap(last, committed) {
			break
		}
	}
	s.hlock.RLock()
	listeners := append([]CommitListener(nil), s.listeners...)
	s.hlock.RUnlock()
	for _, l := range listeners {
		l(committed)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return viewdb_errors.ErrClosed
	}
	return s.engine.Close()
}

func readSeq(r kv.Reader) (uint64, error) {
	val, err := r.Get(seqKey)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, viewdb_errors.ErrBadRecord
	}
	return binary.BigEndian.Uint64(val), nil
}

type ReadTx struct {
	r      kv.Reader
	seq    uint64
	seqSet bool
}

// KV exposes the underlying snapshot for index reads.
func (tx *ReadTx) KV() kv.Reader {
	return tx.r
}

// Sequence is the commit sequence visible to this transaction.
func (tx *ReadTx) Sequence() (uint64, error) {
	if tx.seqSet {
		return tx.seq, nil
	}
	seq, err := readSeq(tx.r)
	if err != nil {
		return 0, err
	}
	tx.seq, tx.seqSet = seq, true
	return seq, nil
}

func (tx *ReadTx) Get(collection, key string) ([]byte, error) {
	val, err := tx.r.Get(RecordKey(collection, key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, viewdb_errors.ErrRecordUnknown
	}
	return val, err
}

// Enumerate walks the collection in key order starting right after the
// given key ("" starts from the beginning). The value passed to fn is only
// valid during the call.
func (tx *ReadTx) Enumerate(collection, after string, fn func(key string, value []byte) (bool, error)) error {
	prefix := recordPrefix(collection)
	lower := prefix
	if after != "" {
		lower = append(RecordKey(collection, after), 0)
	}
	return kv.Scan(tx.r, lower, kv.PrefixEnd(prefix), func(k, v []byte) (bool, error) {
		return fn(string(k[len(prefix):]), v)
	})
}

func (tx *ReadTx) Count(collection string) (n int, err error) {
	err = tx.Enumerate(collection, "", func(string, []byte) (bool, error) {
		n++
		return true, nil
	})
	return
}

type WriteTx struct {
	ReadTx
	w     kv.Writer
	hooks []Hook
	dirty bool
}

// KV exposes the transaction writer; anything written through it commits
// atomically with the records and advances the sequence.
func (tx *WriteTx) KV() kv.Writer {
	return dirtyWriter{Writer: tx.w, tx: tx}
}

func checkRecord(collection, key string) error {
	if collection == "" || strings.IndexByte(collection, 0) >= 0 {
		return ErrBadCollection
	}
	if key == "" {
		return ErrBadKey
	}
	return nil
}

func (tx *WriteTx) Put(collection, key string, value []byte) error {
	if err := checkRecord(collection, key); err != nil {
		return err
	}
	rk := RecordKey(collection, key)
	old, err := tx.w.Get(rk)
	if errors.Is(err, kv.ErrNotFound) {
		old = nil
	} else if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if err := tx.w.Set(rk, value); err != nil {
		return err
	}
	tx.dirty = true
	return tx.fire(Change{Collection: collection, Key: key, Old: old, New: value})
}

// Remove deletes a record; removing an unknown record is a no-op.
func (tx *WriteTx) Remove(collection, key string) error {
	if err := checkRecord(collection, key); err != nil {
		return err
	}
	rk := RecordKey(collection, key)
	old, err := tx.w.Get(rk)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if err := tx.w.Delete(rk); err != nil {
		return err
	}
	tx.dirty = true
	return tx.fire(Change{Collection: collection, Key: key, Old: old})
}

func (tx *WriteTx) fire(change Change) error {
	for _, h := range tx.hooks {
		if err := h.OnChange(tx, change); err != nil {
			return err
		}
	}
	return nil
}

type dirtyWriter struct {
	kv.Writer
	tx *WriteTx
}

func (d dirtyWriter) Set(key, value []byte) error {
	d.tx.dirty = true
	return d.Writer.Set(key, value)
}

func (d dirtyWriter) Delete(key []byte) error {
	d.tx.dirty = true
	return d.Writer.Delete(key)
}

func (d dirtyWriter) DeleteRange(start, end []byte) error {
	d.tx.dirty = true
	return d.Writer.DeleteRange(start, end)
}
