// Package kv defines the ordered key-value engine the record store runs on.
//
// An Engine offers two kinds of transactions: View runs against a consistent
// snapshot and never blocks writers; Update runs a serialized read-write
// transaction whose reads observe its own uncommitted writes. Keys are
// compared bytewise.
package kv

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("kv: not found")

type Iterator interface {
	First() bool
	Next() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

type Reader interface {
	// Get returns a copy of the value, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// NewIter iterates [lower, upper) in key order. A nil upper is unbounded.
	NewIter(lower, upper []byte) (Iterator, error)
	// Last returns copies of the greatest pair in [lower, upper), or
	// ErrNotFound when the range is empty.
	Last(lower, upper []byte) (key, value []byte, err error)
}

type Writer interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	// DeleteRange removes every key in [start, end).
	DeleteRange(start, end []byte) error
}

type Engine interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(w Writer) error) error
	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the prefix.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Scan calls fn for every pair in [lower, upper). Returning false stops.
func Scan(r Reader, lower, upper []byte, fn func(key, value []byte) (bool, error)) error {
	it, err := r.NewIter(lower, upper)
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil || !more {
			return errors.Join(err, it.Close())
		}
	}
	return errors.Join(it.Error(), it.Close())
}
