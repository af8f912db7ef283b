// Package pebblekv runs the kv engine on an embedded pebble database.
//
// Readers get a pebble snapshot. Writers share one indexed batch per
// transaction, serialized by a mutex, and commit it atomically, so the
// records and every index entry written alongside them land together.
package pebblekv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/viewdb_errors"
)

type Options struct {
	pebble.Options
	// Sync makes every commit durable before Update returns.
	Sync bool
}

type Engine struct {
	db    *pebble.DB
	wopts *pebble.WriteOptions
	// life is held shared by transactions and exclusively by Close
	life   sync.RWMutex
	wlock  sync.Mutex
	closed atomic.Bool
}

func Open(dir string, opts Options) (*Engine, error) {
	popts := opts.Options
	db, err := pebble.Open(dir, &popts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		db:    db,
		wopts: &pebble.WriteOptions{Sync: opts.Sync},
	}, nil
}

func (e *Engine) Database() *pebble.DB {
	return e.db
}

func (e *Engine) View(ctx context.Context, fn func(r kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.life.RLock()
	defer e.life.RUnlock()
	if e.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	snap := e.db.NewSnapshot()
	defer snap.Close()
	return fn(reader{snap})
}

func (e *Engine) Update(ctx context.Context, fn func(w kv.Writer) error) error {
	e.life.RLock()
	defer e.life.RUnlock()
	e.wlock.Lock()
	defer e.wlock.Unlock()
	if e.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := e.db.NewIndexedBatch()
	defer batch.Close()
	if err := fn(writer{reader{batch}, batch}); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	return batch.Commit(e.wopts)
}

func (e *Engine) Close() error {
	e.life.Lock()
	defer e.life.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return viewdb_errors.ErrClosed
	}
	return e.db.Close()
}

type reader struct {
	r pebble.Reader
}

func (r reader) Get(key []byte) ([]byte, error) {
	val, closer, err := r.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ret := append([]byte{}, val...)
	return ret, closer.Close()
}

func (r reader) NewIter(lower, upper []byte) (kv.Iterator, error) {
	it, err := r.r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (r reader) Last(lower, upper []byte) (key, value []byte, err error) {
	it, err := r.r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, nil, err
	}
	if it.Last() {
		key = append([]byte{}, it.Key()...)
		value = append([]byte{}, it.Value()...)
	} else {
		err = kv.ErrNotFound
	}
	return key, value, errors.Join(err, it.Error(), it.Close())
}

type writer struct {
	reader
	b *pebble.Batch
}

func (w writer) Set(key, value []byte) error {
	return w.b.Set(key, value, nil)
}

func (w writer) Delete(key []byte) error {
	return w.b.Delete(key, nil)
}

func (w writer) DeleteRange(start, end []byte) error {
	return w.b.DeleteRange(start, end, nil)
}
