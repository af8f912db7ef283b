package views

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drpcorg/viewdb/store"
	testutils "github.com/drpcorg/viewdb/test_utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_AsyncBuildServesFallbackUntilReady(t *testing.T) {
	testutils.ForEachEngine(t, func(t *testing.T, kind string) {
		s := testutils.OpenStore(t, kind)
		for i := 0; i < 6; i++ {
			put(t, s, fmt.Sprintf("k%d", i), "x", uint64(i))
		}
		reg := newRegistry(t, s, Options{BatchSize: 1, BatchPause: 100 * time.Millisecond})
		fallback, err := reg.Register(context.Background(), onlyGroup("fallback", "x"), Sync)
		require.NoError(t, err)
		preferred, err := reg.Register(context.Background(), onlyGroup("preferred", "x"), Async)
		require.NoError(t, err)

		resolve := func() *Handle {
			return read(t, s, func(tx *store.ReadTx) (*Handle, error) {
				return reg.Resolve(tx, "preferred", "fallback")
			})
		}
		assert.Same(t, fallback, resolve())

		build := preferred.LastBuild()
		require.Eventually(t, func() bool { return build.Processed() >= 2 }, 5*time.Second, 5*time.Millisecond)
		assert.Same(t, fallback, resolve(), "mid build")
		assert.False(t, isReady(t, s, preferred))

		require.NoError(t, reg.WaitReady(context.Background(), "preferred"))
		assert.Same(t, preferred, resolve())
		assert.Equal(t, "rebuild", build.Plan())
		assert.EqualValues(t, 6, build.Processed())
		assert.Equal(t, recordsIn(t, s, reg, "fallback", ""), recordsIn(t, s, reg, "preferred", ""))
	})
}

func TestBuilder_WritesDuringAsyncBuild(t *testing.T) {
	testutils.ForEachEngine(t, func(t *testing.T, kind string) {
		s := testutils.OpenStore(t, kind)
		for i := 0; i < 40; i++ {
			put(t, s, fmt.Sprintf("k%02d", i), fmt.Sprintf("g%d", i%3), uint64(i))
		}
		reg := newRegistry(t, s, Options{BatchSize: 3, BatchPause: time.Millisecond})
		def := byGroup("1")
		_, err := reg.Register(context.Background(), def, Async)
		require.NoError(t, err)

		for i := 0; i < 40; i += 2 {
			switch i % 3 {
			case 0:
				remove(t, s, fmt.Sprintf("k%02d", i))
			case 1:
				put(t, s, fmt.Sprintf("k%02d", i), "moved", uint64(100-i))
			default:
				put(t, s, fmt.Sprintf("n%02d", i), "g0", uint64(i))
			}
		}
		require.NoError(t, reg.WaitReady(context.Background(), def.Name))
		assert.Equal(t, brute(t, s, def), indexed(t, s, reg, def.Name))
	})
}

func TestBuilder_ReadinessIsMonotonic(t *testing.T) {
	s := testutils.OpenStore(t, "pebble")
	reg := newRegistry(t, s, Options{})
	h, err := reg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		put(t, s, fmt.Sprintf("k%d", i), "x", uint64(i))
		assert.True(t, isReady(t, s, h))
		assert.Equal(t, Ready, h.State())
	}
}

func TestBuilder_InterruptedAsyncBuildResumes(t *testing.T) {
	testutils.ForEachEngine(t, func(t *testing.T, kind string) {
		s := testutils.OpenStore(t, kind)
		for i := 0; i < 20; i++ {
			put(t, s, fmt.Sprintf("k%02d", i), "x", uint64(i))
		}
		def := onlyGroup("resumable", "x")

		first := newRegistry(t, s, Options{BatchSize: 2, BatchPause: 20 * time.Millisecond})
		h, err := first.Register(context.Background(), def, Async)
		require.NoError(t, err)
		build := h.LastBuild()
		require.Eventually(t, func() bool { return build.Processed() >= 4 }, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, first.Close())
		assert.ErrorIs(t, build.Err(), context.Canceled)
		assert.Equal(t, Stale, h.State())

		meta := read(t, s, func(tx *store.ReadTx) (*viewMeta, error) {
			return readMeta(tx.KV(), def.Name)
		})
		require.NotNil(t, meta)
		assert.Equal(t, buildStateBuilding, meta.State)
		assert.NotEmpty(t, meta.Cursor)

		second := newRegistry(t, s, Options{BatchSize: 2})
		h, err = second.Register(context.Background(), def, Async)
		require.NoError(t, err)
		require.NoError(t, second.WaitReady(context.Background(), def.Name))
		assert.Equal(t, "resume", h.LastBuild().Plan())
		assert.EqualValues(t, 20, h.LastBuild().Processed())
		assert.Len(t, recordsIn(t, s, second, def.Name, ""), 20)
	})
}

func TestBuilder_WritesWhileUnregisteredForceRebuild(t *testing.T) {
	dir := t.TempDir()
	def := byGroup("1")
	def.Name = "behind-store"

	s := testutils.OpenStoreAt(t, "pebble", dir)
	put(t, s, "a", "x", 1)
	reg := newRegistry(t, s, Options{})
	_, err := reg.Register(context.Background(), def, Sync)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	require.NoError(t, s.Close())

	s = testutils.OpenStoreAt(t, "pebble", dir)
	put(t, s, "b", "x", 2)
	remove(t, s, "a")
	require.NoError(t, s.Close())

	s = testutils.OpenStoreAt(t, "pebble", dir)
	before := testutil.ToFloat64(BuildCount.WithLabelValues(def.Name, "sync", "behind_store"))
	reg = newRegistry(t, s, Options{})
	h, err := reg.Register(context.Background(), def, Sync)
	require.NoError(t, err)
	assert.Equal(t, "rebuild", h.LastBuild().Plan())
	assert.Equal(t, before+1, testutil.ToFloat64(BuildCount.WithLabelValues(def.Name, "sync", "behind_store")))
	assert.Equal(t, []string{"b"}, recordsIn(t, s, reg, def.Name, "x"))
	require.NoError(t, reg.Close())
	require.NoError(t, s.Close())

	s = testutils.OpenStoreAt(t, "pebble", dir)
	reg = newRegistry(t, s, Options{})
	h, err = reg.Register(context.Background(), def, Sync)
	require.NoError(t, err)
	assert.Equal(t, "reuse", h.LastBuild().Plan())
	assert.Equal(t, []string{"b"}, recordsIn(t, s, reg, def.Name, "x"))
}

func TestBuilder_VersionMismatchAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	v1 := byGroup("1")
	v1.Name = "versioned"
	v2 := v1
	v2.Version = "2"
	v2.SortKey = func(rec Record) []byte {
		return UintSortKey(1000 - rec.(*item).rank)
	}

	s := testutils.OpenStoreAt(t, "sqlite", dir)
	for i := 0; i < 5; i++ {
		put(t, s, fmt.Sprintf("k%d", i), "x", uint64(i))
	}
	reg := newRegistry(t, s, Options{})
	_, err := reg.Register(context.Background(), v1, Sync)
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, recordsIn(t, s, reg, "versioned", "x"))
	require.NoError(t, reg.Close())

	before := testutil.ToFloat64(BuildCount.WithLabelValues("versioned", "async", "version_mismatch"))
	reg = newRegistry(t, s, Options{BatchSize: 2})
	h, err := reg.Register(context.Background(), v2, Async)
	require.NoError(t, err)
	require.NoError(t, reg.WaitReady(context.Background(), "versioned"))
	assert.Equal(t, "rebuild", h.LastBuild().Plan())
	assert.Equal(t, before+1, testutil.ToFloat64(BuildCount.WithLabelValues("versioned", "async", "version_mismatch")))
	assert.Equal(t, []string{"k4", "k3", "k2", "k1", "k0"}, recordsIn(t, s, reg, "versioned", "x"))
}

type flakyHost struct {
	*store.Store
	failWrites atomic.Bool
	// failAfter, when positive, lets that many more writes through and
	// then turns failWrites on.
	failAfter atomic.Int64
}

var errDiskFull = errors.New("disk full")

func (f *flakyHost) WriteTransaction(ctx context.Context, fn func(tx *store.WriteTx) error) error {
	if f.failAfter.Load() > 0 && f.failAfter.Add(-1) == 0 {
		defer f.failWrites.Store(true)
	} else if f.failWrites.Load() {
		return errDiskFull
	}
	return f.Store.WriteTransaction(ctx, fn)
}

func TestBuilder_FailureLeavesViewStale(t *testing.T) {
	s := testutils.OpenStore(t, "pebble")
	put(t, s, "a", "x", 1)
	host := &flakyHost{Store: s}
	reg, err := NewRegistry(host, Options{Decoder: decodeItem, Logger: testutils.Logger()})
	require.NoError(t, err)
	defer reg.Close()

	other, err := reg.Register(context.Background(), onlyGroup("other", "x"), Sync)
	require.NoError(t, err)

	host.failWrites.Store(true)
	h, err := reg.Register(context.Background(), byGroup("1"), Sync)
	assert.ErrorIs(t, err, viewdb_errors.ErrBuildFailure)
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, h)
	assert.Equal(t, Stale, h.State())
	assert.ErrorIs(t, h.Err(), viewdb_errors.ErrBuildFailure)
	assert.ErrorIs(t, reg.WaitReady(context.Background(), "by-group"), viewdb_errors.ErrBuildFailure)
	assert.Equal(t, Ready, other.State())
	assert.True(t, isReady(t, s, other))

	host.failWrites.Store(false)
	put(t, s, "b", "x", 2)
	assert.Equal(t, []string{"a", "b"}, recordsIn(t, s, reg, "other", ""))

	again, err := reg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, Ready, h.State())
	assert.NoError(t, h.Err())
	assert.Equal(t, []string{"a", "b"}, recordsIn(t, s, reg, "by-group", "x"))
}

func TestBuilder_ExternalWritesMarkViewsStale(t *testing.T) {
	dir := t.TempDir()
	local := testutils.OpenStoreAt(t, "sqlite", dir)
	remote := testutils.OpenStoreAt(t, "sqlite", dir)

	put(t, local, "a", "x", 1)
	reg := newRegistry(t, local, Options{})
	h, err := reg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	build := h.LastBuild()

	put(t, remote, "b", "x", 2)
	assert.False(t, isReady(t, local, h), "a commit the view missed")

	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	require.NoError(t, reg.WaitReady(context.Background(), "by-group"))
	assert.NotSame(t, build, h.LastBuild())
	assert.Equal(t, "external_change", h.LastBuild().Reason)
	assert.Equal(t, []string{"a", "b"}, recordsIn(t, local, reg, "by-group", "x"))

	build = h.LastBuild()
	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	assert.Same(t, build, h.LastBuild(), "nothing changed since the last sync")
}

func TestBuilder_ExternalWritesByMaintainingProcess(t *testing.T) {
	dir := t.TempDir()
	local := testutils.OpenStoreAt(t, "sqlite", dir)
	remote := testutils.OpenStoreAt(t, "sqlite", dir)

	put(t, local, "a", "x", 1)
	reg := newRegistry(t, local, Options{})
	h, err := reg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	build := h.LastBuild()
	assert.Equal(t, []string{"a"}, recordsIn(t, local, reg, "by-group", "x"))

	remoteReg := newRegistry(t, remote, Options{})
	rh, err := remoteReg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	assert.Equal(t, "reuse", rh.LastBuild().Plan())

	put(t, remote, "b", "x", 2)
	assert.True(t, isReady(t, local, h), "the remote process maintained the view")
	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	assert.Same(t, build, h.LastBuild())
	assert.Equal(t, []string{"a", "b"}, recordsIn(t, local, reg, "by-group", "x"))
}

func TestBuilder_FailedAsyncBuildRetriesOnSignal(t *testing.T) {
	s := testutils.OpenStore(t, "pebble")
	put(t, s, "a", "x", 1)
	put(t, s, "b", "x", 2)
	put(t, s, "c", "x", 3)
	host := &flakyHost{Store: s}
	reg, err := NewRegistry(host, Options{Decoder: decodeItem, Logger: testutils.Logger(), BatchSize: 1})
	require.NoError(t, err)
	defer reg.Close()

	// the plan and the first batch commit, the second batch fails
	host.failAfter.Store(2)
	h, err := reg.Register(context.Background(), byGroup("1"), Async)
	require.NoError(t, err)
	failed := h.LastBuild()
	<-failed.Done()
	assert.ErrorIs(t, failed.Err(), viewdb_errors.ErrBuildFailure)
	assert.EqualValues(t, 1, failed.Processed())
	assert.Equal(t, Stale, h.State())

	host.failWrites.Store(false)
	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	require.NoError(t, reg.WaitReady(context.Background(), "by-group"))
	assert.NotSame(t, failed, h.LastBuild())
	assert.Equal(t, "external_change", h.LastBuild().Reason)
	assert.Equal(t, "resume", h.LastBuild().Plan())
	assert.Equal(t, []string{"a", "b", "c"}, recordsIn(t, s, reg, "by-group", "x"))
}

func TestBuilder_LocalCommitDoesNotHideExternalWrite(t *testing.T) {
	dir := t.TempDir()
	local := testutils.OpenStoreAt(t, "sqlite", dir)
	remote := testutils.OpenStoreAt(t, "sqlite", dir)

	put(t, local, "a", "x", 1)
	reg := newRegistry(t, local, Options{})
	def := byGroup("1")
	h, err := reg.Register(context.Background(), def, Sync)
	require.NoError(t, err)

	put(t, remote, "b", "x", 2)
	// a maintained commit lands before the signal about b is handled
	put(t, local, "c", "x", 3)
	assert.False(t, isReady(t, local, h), "b is still missing from the index")

	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	require.NoError(t, reg.WaitReady(context.Background(), "by-group"))
	assert.Equal(t, "external_change", h.LastBuild().Reason)
	assert.True(t, isReady(t, local, h))
	assert.Equal(t, brute(t, local, def), indexed(t, local, reg, "by-group"))
	assert.Equal(t, []string{"a", "b", "c"}, recordsIn(t, local, reg, "by-group", "x"))

	put(t, local, "d", "x", 4)
	assert.True(t, isReady(t, local, h))
}

func TestBuilder_SyncViewsRebuildSyncOnSignal(t *testing.T) {
	dir := t.TempDir()
	local := testutils.OpenStoreAt(t, "sqlite", dir)
	remote := testutils.OpenStoreAt(t, "sqlite", dir)

	reg := newRegistry(t, local, Options{})
	h, err := reg.Register(context.Background(), byGroup("1"), Sync)
	require.NoError(t, err)
	put(t, remote, "a", "x", 1)

	require.NoError(t, reg.SyncExternalChanges(context.Background()))
	// no waiting: the rebuild ran before SyncExternalChanges returned
	assert.Equal(t, Ready, h.State())
	assert.Equal(t, Sync, h.LastBuild().Mode)
	assert.True(t, isReady(t, local, h))
	assert.Equal(t, []string{"a"}, recordsIn(t, local, reg, "by-group", "x"))
}
