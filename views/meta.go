package views

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/protocol"
	"github.com/drpcorg/viewdb/viewdb_errors"
)

type buildState byte

const (
	buildStateBuilding buildState = 'B'
	buildStateReady    buildState = 'R'
)

// viewMeta is the persisted side of a view: which definition version the
// materialized index belongs to and how far a build got.
type viewMeta struct {
	Version    string
	State      buildState
	Cursor     string
	Processed  uint64
	LastUpdate time.Time
}

func (m *viewMeta) Value() []byte {
	return protocol.Concat(
		protocol.Str('V', m.Version),
		protocol.Record('S', []byte{byte(m.State)}),
		protocol.Str('C', m.Cursor),
		protocol.Uint('N', m.Processed),
		protocol.Time('U', m.LastUpdate),
	)
}

func parseViewMeta(value []byte) (*viewMeta, error) {
	f, err := protocol.ParseFields(value)
	if err != nil {
		return nil, err
	}
	state := f['S']
	if len(state) != 1 {
		return nil, viewdb_errors.ErrBadRecord
	}
	return &viewMeta{
		Version:    f.String('V'),
		State:      buildState(state[0]),
		Cursor:     f.String('C'),
		Processed:  f.Uint('N'),
		LastUpdate: f.Time('U'),
	}, nil
}

// readMeta returns nil for a view that was never built.
func readMeta(r kv.Reader, view string) (*viewMeta, error) {
	val, err := r.Get(metaKey(view))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseViewMeta(val)
}

func writeMeta(w kv.Writer, view string, m *viewMeta) error {
	return w.Set(metaKey(view), m.Value())
}

// The indexed sequence is stamped by every commit made while the view is
// hooked. If it lags the store sequence, somebody wrote without
// maintaining this view and the index can not be trusted.
func readIndexedSeq(r kv.Reader, view string) (uint64, error) {
	val, err := r.Get(indexedSeqKey(view))
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

func writeIndexedSeq(w kv.Writer, view string, seq uint64) error {
	return w.Set(indexedSeqKey(view), binary.BigEndian.AppendUint64(nil, seq))
}

// dropIndex removes every materialized entry of the view, metadata
// included.
func dropIndex(w kv.Writer, view string) error {
	for _, kind := range []byte{kindMember, kindReverse, kindCount} {
		prefix := viewPrefix(kind, view)
		if err := w.DeleteRange(prefix, kv.PrefixEnd(prefix)); err != nil {
			return err
		}
	}
	if err := w.Delete(metaKey(view)); err != nil {
		return err
	}
	return w.Delete(indexedSeqKey(view))
}
