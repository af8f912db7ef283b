package views

import (
	"context"
	"errors"
	"testing"

	"github.com/drpcorg/viewdb/protocol"
	"github.com/drpcorg/viewdb/store"
	testutils "github.com/drpcorg/viewdb/test_utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/stretchr/testify/require"
)

const items = "items"

type item struct {
	key   string
	group string
	rank  uint64
}

func (i *item) Key() string { return i.key }

func encodeItem(group string, rank uint64) []byte {
	return protocol.Concat(protocol.Str('G', group), protocol.Uint('R', rank))
}

func decodeItem(_ string, key string, value []byte) (Record, error) {
	f, err := protocol.ParseFields(value)
	if err != nil {
		return nil, err
	}
	return &item{key: key, group: f.String('G'), rank: f.Uint('R')}, nil
}

func byGroup(version string) Definition {
	return Definition{
		Name:       "by-group",
		Collection: items,
		Version:    version,
		Classify: func(rec Record) (string, bool) {
			it := rec.(*item)
			return it.group, it.group != ""
		},
		SortKey: func(rec Record) []byte {
			return UintSortKey(rec.(*item).rank)
		},
	}
}

// onlyGroup keeps the records of one group; groupless views use "".
func onlyGroup(name, group string) Definition {
	return Definition{
		Name:       name,
		Collection: items,
		Version:    "1",
		Classify: func(rec Record) (string, bool) {
			return "", rec.(*item).group == group
		},
	}
}

func newRegistry(t *testing.T, s *store.Store, opts Options) *Registry {
	t.Helper()
	opts.Decoder = decodeItem
	opts.Logger = testutils.Logger()
	reg, err := NewRegistry(s, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := reg.Close(); err != nil && !errors.Is(err, viewdb_errors.ErrClosed) {
			t.Errorf("close registry: %v", err)
		}
	})
	return reg
}

func put(t *testing.T, s *store.Store, key, group string, rank uint64) {
	t.Helper()
	require.NoError(t, s.WriteTransaction(context.Background(), func(tx *store.WriteTx) error {
		return tx.Put(items, key, encodeItem(group, rank))
	}))
}

func remove(t *testing.T, s *store.Store, key string) {
	t.Helper()
	require.NoError(t, s.WriteTransaction(context.Background(), func(tx *store.WriteTx) error {
		return tx.Remove(items, key)
	}))
}

func read[T any](t *testing.T, s *store.Store, fn func(tx *store.ReadTx) (T, error)) T {
	t.Helper()
	var res T
	require.NoError(t, s.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		var err error
		res, err = fn(tx)
		return err
	}))
	return res
}

func recordsIn(t *testing.T, s *store.Store, reg *Registry, view, group string) []string {
	t.Helper()
	return read(t, s, func(tx *store.ReadTx) ([]string, error) {
		return reg.RecordsInGroup(tx, view, group)
	})
}

func groupsOf(t *testing.T, s *store.Store, reg *Registry, view string) []string {
	t.Helper()
	return read(t, s, func(tx *store.ReadTx) ([]string, error) {
		return reg.GroupsInView(tx, view)
	})
}

func isReady(t *testing.T, s *store.Store, h *Handle) bool {
	t.Helper()
	return read(t, s, h.IsReady)
}

// brute computes the expected membership by scanning every record.
func brute(t *testing.T, s *store.Store, def Definition) map[string][]string {
	t.Helper()
	type member struct {
		group string
		rec   Record
	}
	members := []member{}
	require.NoError(t, s.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		return tx.Enumerate(def.Collection, "", func(key string, value []byte) (bool, error) {
			rec, err := decodeItem(def.Collection, key, value)
			if err != nil {
				return false, err
			}
			if group, ok := def.Classify(rec); ok {
				members = append(members, member{group: group, rec: rec})
			}
			return true, nil
		})
	}))
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && def.Compare(members[j].rec, members[j-1].rec) < 0; j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}
	res := map[string][]string{}
	for _, m := range members {
		res[m.group] = append(res[m.group], m.rec.Key())
	}
	return res
}

func indexed(t *testing.T, s *store.Store, reg *Registry, view string) map[string][]string {
	t.Helper()
	res := map[string][]string{}
	for _, group := range groupsOf(t, s, reg, view) {
		res[group] = recordsIn(t, s, reg, view, group)
	}
	return res
}
