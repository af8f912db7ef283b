package views

import (
	"bytes"
	"strings"

	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/pkg/errors"
)

// Record is whatever the Decoder makes of a stored value.
type Record interface {
	Key() string
}

// Decoder turns a stored value into a Record. It must not retain value.
type Decoder func(collection, key string, value []byte) (Record, error)

type Mode int

const (
	// Sync builds complete before Register returns.
	Sync Mode = iota
	// Async builds run in the background in bounded batches.
	Async
)

func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// Definition describes a view. Classify must be a pure function of the
// record: it tells whether the record belongs to the view and under which
// group. Records of a group are ordered by SortKey, ties (and a nil SortKey)
// fall back to record key order.
type Definition struct {
	Name       string
	Collection string
	// Version changes whenever Classify or SortKey change meaning; a new
	// version throws the materialized index away.
	Version  string
	Classify func(rec Record) (group string, ok bool)
	SortKey  func(rec Record) []byte
}

func (d *Definition) validate() error {
	switch {
	case d.Name == "" || strings.IndexByte(d.Name, 0) >= 0:
		return errors.Wrap(viewdb_errors.ErrBadDefinition, "bad view name")
	case d.Collection == "":
		return errors.Wrapf(viewdb_errors.ErrBadDefinition, "view %s has no collection", d.Name)
	case d.Version == "":
		return errors.Wrapf(viewdb_errors.ErrBadDefinition, "view %s has no version", d.Name)
	case d.Classify == nil:
		return errors.Wrapf(viewdb_errors.ErrBadDefinition, "view %s has no classifier", d.Name)
	}
	return nil
}

func (d *Definition) sortKey(rec Record) []byte {
	if d.SortKey == nil {
		return nil
	}
	return d.SortKey(rec)
}

// Compare orders two members of the same group the way the index stores
// them.
func (d *Definition) Compare(a, b Record) int {
	if c := bytes.Compare(d.sortKey(a), d.sortKey(b)); c != 0 {
		return c
	}
	return strings.Compare(a.Key(), b.Key())
}
