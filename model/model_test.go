package model

import (
	"context"
	"testing"
	"time"

	"github.com/drpcorg/viewdb/store"
	testutils "github.com/drpcorg/viewdb/test_utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Message(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{
		ID: "m1", ThreadID: "t1", Body: "hi",
		Direction: Outgoing, Kind: KindError,
		SortID: 42, Timestamp: at, Read: true, Mentioned: true,
	}
	rec, err := Decode(CollectionMessages, "m1", m.Encode())
	require.NoError(t, err)
	got := rec.(*Message)
	assert.True(t, at.Equal(got.Timestamp))
	got.Timestamp = m.Timestamp
	assert.Equal(t, m, got)
}

func TestDecode_Defaults(t *testing.T) {
	rec, err := Decode(CollectionMessages, "m1", nil)
	require.NoError(t, err)
	m := rec.(*Message)
	assert.Equal(t, Incoming, m.Direction)
	assert.Equal(t, KindRegular, m.Kind)
	assert.True(t, m.Timestamp.IsZero())

	rec, err = Decode(CollectionThreads, "t1", (&Thread{ID: "t1"}).Encode())
	require.NoError(t, err)
	assert.True(t, rec.(*Thread).CreatedAt.IsZero())
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode(CollectionThreads, "t1", []byte{'Z', 0xff, 0xff, 0xff, 0x7f})
	assert.ErrorIs(t, err, viewdb_errors.ErrBadRecord)
	_, err = Decode("calls", "c1", nil)
	assert.ErrorIs(t, err, viewdb_errors.ErrBadRecord)
}

func TestMessagePredicates(t *testing.T) {
	incoming := &Message{Direction: Incoming, Kind: KindRegular}
	outgoing := &Message{Direction: Outgoing, Kind: KindRegular}
	info := &Message{Direction: Outgoing, Kind: KindInfo}
	failure := &Message{Direction: Outgoing, Kind: KindError}

	assert.True(t, incoming.ImplementsReadTracking())
	assert.False(t, outgoing.ImplementsReadTracking())
	assert.True(t, info.ImplementsReadTracking())
	assert.True(t, failure.ImplementsReadTracking())

	assert.True(t, incoming.AffectsUnreadCount())
	assert.False(t, info.AffectsUnreadCount())
	assert.True(t, failure.AffectsUnreadCount())

	assert.False(t, incoming.IsSpecial())
	assert.True(t, info.IsSpecial())
	assert.True(t, outgoing.IsOutgoing())
}

func TestThreadPredicates(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := &Thread{CreatedAt: created}
	assert.Equal(t, created, th.SortTime())
	assert.False(t, th.CanReceiveShares())

	th.LastInteractionAt = created.Add(time.Hour)
	th.HasMessages = true
	assert.Equal(t, th.LastInteractionAt, th.SortTime())
	assert.True(t, th.CanReceiveShares())

	th.MessageRequest = true
	assert.False(t, th.CanReceiveShares())
	assert.True(t, (&Thread{IsGroup: true}).CanReceiveShares())
	assert.False(t, (&Thread{IsGroup: true, Blocked: true}).CanReceiveShares())

	assert.True(t, (&DeviceLink{Secondary: true, Approved: true}).IsSecondaryDevice())
	assert.False(t, (&DeviceLink{Secondary: true}).IsSecondaryDevice())
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	s := testutils.OpenStore(t, "pebble")
	require.NoError(t, s.WriteTransaction(ctx, func(tx *store.WriteTx) error {
		if err := Save(tx, &Message{ID: "m1", ThreadID: "t1"}); err != nil {
			return err
		}
		return Save(tx, &Message{ID: "m2", ThreadID: "t1", Read: true})
	}))
	before := s.Sequence()
	require.NoError(t, s.WriteTransaction(ctx, func(tx *store.WriteTx) error {
		return MarkRead(tx, "m1", "m2")
	}))
	assert.Equal(t, before+1, s.Sequence())
	require.NoError(t, s.ReadTransaction(ctx, func(tx *store.ReadTx) error {
		m, err := LoadMessage(tx, "m1")
		require.NoError(t, err)
		assert.True(t, m.WasRead())
		_, err = LoadThread(tx, "m1")
		assert.ErrorIs(t, err, viewdb_errors.ErrRecordUnknown)
		return nil
	}))
	assert.ErrorIs(t, s.WriteTransaction(ctx, func(tx *store.WriteTx) error {
		return MarkRead(tx, "nope")
	}), viewdb_errors.ErrRecordUnknown)
}
