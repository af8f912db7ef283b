package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	testutils "github.com/drpcorg/viewdb/test_utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct {
	calls atomic.Int64
}

func (c *countingTarget) SyncExternalChanges(context.Context) error {
	c.calls.Add(1)
	return nil
}

func newNotifier(t *testing.T, target Target, origin string) *Notifier {
	t.Helper()
	n := New(target, Options{Logger: testutils.Logger(), Origin: origin, RetryDelay: 10 * time.Millisecond})
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func eventuallyCalls(t *testing.T, target *countingTarget, want int64) {
	t.Helper()
	require.Eventually(t, func() bool { return target.calls.Load() == want }, 5*time.Second, 5*time.Millisecond)
}

func TestSignalPayload(t *testing.T) {
	sig := Signal{Origin: "3f1c", Sequence: 77}
	parsed, err := decodeSignal(encodeSignal(sig))
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	_, err = decodeSignal([]byte{'S', 200})
	assert.Error(t, err)
}

func TestNotifier_LocalBus(t *testing.T) {
	bus := NewLocal()
	var a, b countingTarget
	na := newNotifier(t, &a, "a")
	nb := newNotifier(t, &b, "b")
	_, err := na.Register(bus)
	require.NoError(t, err)
	tb, err := nb.Register(bus)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 2
	}, time.Second, time.Millisecond)

	bus.Post(Signal{Origin: "a", Sequence: 1})
	eventuallyCalls(t, &b, 1)

	bus.Post(Signal{Origin: "a", Sequence: 1})
	bus.Post(Signal{Origin: "b", Sequence: 2})
	bus.Post(Signal{Origin: "a", Sequence: 3})
	eventuallyCalls(t, &b, 2)
	eventuallyCalls(t, &a, 1)

	require.NoError(t, tb.Close())
	assert.ErrorIs(t, tb.Close(), viewdb_errors.ErrClosed)
	bus.Post(Signal{Origin: "a", Sequence: 4})
	eventuallyCalls(t, &a, 1)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, b.calls.Load())
}

func TestNotifier_UnknownSequenceAlwaysSyncs(t *testing.T) {
	var target countingTarget
	n := newNotifier(t, &target, "me")
	n.Notify(Signal{})
	n.Notify(Signal{})
	eventuallyCalls(t, &target, 2)
}

func TestNotifier_Close(t *testing.T) {
	var target countingTarget
	n := New(&target, Options{Logger: testutils.Logger()})
	assert.NotEmpty(t, n.Origin())
	tok, err := n.Register(NewLocal())
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Close(), viewdb_errors.ErrClosed)
	assert.ErrorIs(t, tok.Close(), viewdb_errors.ErrClosed)
	_, err = n.Register(NewLocal())
	assert.ErrorIs(t, err, viewdb_errors.ErrClosed)
	n.Notify(Signal{Sequence: 1})
}

type fakeVersion struct {
	version atomic.Uint64
}

func (f *fakeVersion) DataVersion(context.Context) (uint64, error) {
	return f.version.Load(), nil
}

func TestPoller(t *testing.T) {
	var target countingTarget
	n := newNotifier(t, &target, "me")
	src := &fakeVersion{}
	_, err := n.Register(NewPoller(src, 5*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, target.calls.Load())
	src.version.Add(1)
	eventuallyCalls(t, &target, 1)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var target countingTarget
	n := newNotifier(t, &target, "me")
	src := NewRedis(client, "")
	_, err := n.Register(src)
	require.NoError(t, err)
	select {
	case <-src.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription")
	}

	other := NewPublisher(NewRedis(client, ""), "other", testutils.Logger())
	defer other.Close()
	own := NewPublisher(NewRedis(client, ""), "me", testutils.Logger())
	defer own.Close()

	own.Post(1)
	other.Post(2)
	eventuallyCalls(t, &target, 1)

	other.Post(2)
	require.NoError(t, src.Publish(context.Background(), Signal{Origin: "other", Sequence: 1}))
	require.NoError(t, src.Publish(context.Background(), Signal{Origin: "other", Sequence: 3}))
	eventuallyCalls(t, &target, 2)

	require.NoError(t, client.Publish(context.Background(), DefaultChannel, "garbage").Err())
	require.NoError(t, src.Publish(context.Background(), Signal{Origin: "other", Sequence: 4}))
	eventuallyCalls(t, &target, 3)
}
