package views

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/viewdb_errors"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"
)

type State uint32

const (
	Unregistered State = iota
	Building
	Ready
	// Stale views have an index that can not be trusted: the last build
	// failed or was interrupted, or another process changed the records
	// without maintaining it.
	Stale
)

func (s State) String() string {
	switch s {
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	}
	return "unregistered"
}

// Build tracks one (re)build of a view.
type Build struct {
	View    string
	Mode    Mode
	Reason  string
	Started time.Time

	processed atomic.Int64
	plan      atomic.Uint32
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func (b *Build) Done() <-chan struct{} {
	return b.done
}

// Err is nil until the build is done.
func (b *Build) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Processed is the number of records the build has looked at so far.
func (b *Build) Processed() int64 {
	return b.processed.Load()
}

// Plan tells how the build treats the persisted index: "reuse", "resume"
// or "rebuild". It is empty until planning is done.
func (b *Build) Plan() string {
	switch buildPlan(b.plan.Load()) {
	case planReuse:
		return "reuse"
	case planResume:
		return "resume"
	case planRebuild:
		return "rebuild"
	}
	return ""
}

func (b *Build) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Build) running() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *Build) finish(err error) {
	b.err = err
	close(b.done)
}

type cacheKey struct {
	seq   uint64
	group string
}

// Handle is a registered view.
type Handle struct {
	def  Definition
	mode Mode

	state atomic.Uint32
	// hooked is set once the write path maintains the index for every
	// commit.
	hooked atomic.Bool
	cache  *lru.Cache[cacheKey, []string]

	mu    sync.Mutex
	build *Build
	err   error
}

func newHandle(def Definition, mode Mode, cacheSize int) *Handle {
	cache, _ := lru.New[cacheKey, []string](cacheSize)
	return &Handle{def: def, mode: mode, cache: cache}
}

func (h *Handle) Name() string {
	return h.def.Name
}

func (h *Handle) Version() string {
	return h.def.Version
}

func (h *Handle) Mode() Mode {
	return h.mode
}

func (h *Handle) Definition() Definition {
	return h.def
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) setState(s State) {
	h.state.Store(uint32(s))
	ViewStates.WithLabelValues(h.def.Name).Set(float64(s))
}

// Err is the failure of the last build, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// LastBuild returns the current or most recent build, nil before the
// first one started.
func (h *Handle) LastBuild() *Build {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.build
}

func (h *Handle) inflight() *Build {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.build != nil && h.build.running() {
		return h.build
	}
	return nil
}

func (h *Handle) startBuild(parent context.Context, mode Mode, reason string) (*Build, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b := &Build{
		View:    h.def.Name,
		Mode:    mode,
		Reason:  reason,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.build = b
	h.mu.Unlock()
	h.setState(Building)
	return b, ctx
}

func (h *Handle) finishBuild(b *Build, err error) {
	h.mu.Lock()
	if b == h.build {
		h.err = err
	}
	h.mu.Unlock()
	b.finish(err)
	b.cancel()
}

// stop cancels the running build and waits for it to let go.
func (h *Handle) stop() {
	if b := h.inflight(); b != nil {
		b.cancel()
		<-b.done
	}
}

// IsReady tells whether queries may be answered from the index as seen by
// tx. The in-memory state, the persisted build state and version, and the
// indexed sequence must all agree.
func (h *Handle) IsReady(tx *store.ReadTx) (bool, error) {
	if h.State() != Ready {
		return false, nil
	}
	meta, err := readMeta(tx.KV(), h.def.Name)
	if err != nil || meta == nil {
		return false, err
	}
	if meta.State != buildStateReady || meta.Version != h.def.Version {
		return false, nil
	}
	seq, err := tx.Sequence()
	if err != nil {
		return false, err
	}
	indexed, err := readIndexedSeq(tx.KV(), h.def.Name)
	if err != nil {
		return false, err
	}
	return indexed == seq, nil
}

func (h *Handle) checkReady(tx *store.ReadTx) error {
	ready, err := h.IsReady(tx)
	if err != nil {
		return err
	}
	if !ready {
		return pkgerrors.Wrapf(viewdb_errors.ErrViewNotReady, "view %s", h.def.Name)
	}
	return nil
}

// Groups lists the non-empty groups of the view in group order.
func (h *Handle) Groups(tx *store.ReadTx) ([]string, error) {
	if err := h.checkReady(tx); err != nil {
		return nil, err
	}
	prefix := viewPrefix(kindCount, h.def.Name)
	groups := []string{}
	err := kv.Scan(tx.KV(), prefix, kv.PrefixEnd(prefix), func(key, _ []byte) (bool, error) {
		group, _, ok := takeEscaped(key[len(prefix):])
		if !ok {
			return false, viewdb_errors.ErrBadRecord
		}
		groups = append(groups, string(group))
		return true, nil
	})
	return groups, err
}

// Records returns the keys of the group members in view order. An unknown
// group is empty.
func (h *Handle) Records(tx *store.ReadTx, group string) ([]string, error) {
	if err := h.checkReady(tx); err != nil {
		return nil, err
	}
	seq, err := tx.Sequence()
	if err != nil {
		return nil, err
	}
	ck := cacheKey{seq: seq, group: group}
	if keys, ok := h.cache.Get(ck); ok {
		CacheHits.WithLabelValues(h.def.Name, "hit").Inc()
		return append([]string(nil), keys...), nil
	}
	CacheHits.WithLabelValues(h.def.Name, "miss").Inc()
	keys := []string{}
	err = h.each(tx.KV(), group, func(key string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, err
	}
	h.cache.Add(ck, keys)
	return append([]string(nil), keys...), nil
}

func (h *Handle) each(r kv.Reader, group string, fn func(key string) bool) error {
	prefix := groupPrefix(h.def.Name, group)
	return kv.Scan(r, prefix, kv.PrefixEnd(prefix), func(_, value []byte) (bool, error) {
		return fn(string(value)), nil
	})
}

// Count is the number of records in the group.
func (h *Handle) Count(tx *store.ReadTx, group string) (uint64, error) {
	if err := h.checkReady(tx); err != nil {
		return 0, err
	}
	return readCount(tx.KV(), h.def.Name, group)
}

// Last returns the final member of the group in view order.
func (h *Handle) Last(tx *store.ReadTx, group string) (key string, ok bool, err error) {
	if err = h.checkReady(tx); err != nil {
		return "", false, err
	}
	prefix := groupPrefix(h.def.Name, group)
	_, value, err := tx.KV().Last(prefix, kv.PrefixEnd(prefix))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

// Checksum hashes the whole membership of the view. Two indexes of the same
// records under the same definition hash the same.
func (h *Handle) Checksum(tx *store.ReadTx) (uint64, error) {
	if err := h.checkReady(tx); err != nil {
		return 0, err
	}
	digest := xxhash.New()
	prefix := viewPrefix(kindMember, h.def.Name)
	err := kv.Scan(tx.KV(), prefix, kv.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
		_, _ = digest.Write(key[len(prefix):])
		_, _ = digest.Write(value)
		return true, nil
	})
	return digest.Sum64(), err
}

func (h *Handle) purge() {
	h.cache.Purge()
}

// apply brings the index entries of one record in line with its current
// value; rec is nil for a removed record. Applying the same record twice
// changes nothing.
func (h *Handle) apply(w kv.Writer, key string, rec Record) error {
	name := h.def.Name
	var (
		suffix []byte
		group  string
		member bool
	)
	if rec != nil {
		group, member = h.def.Classify(rec)
		if member {
			suffix = memberSuffix(group, h.def.sortKey(rec))
		}
	}
	rk := reverseKey(name, key)
	old, err := w.Get(rk)
	if errors.Is(err, kv.ErrNotFound) {
		old = nil
	} else if err != nil {
		return err
	}
	if old != nil && member && bytes.Equal(old, suffix) {
		return nil
	}
	if old != nil {
		oldGroup, _, ok := takeEscaped(old)
		if !ok {
			return pkgerrors.Wrapf(viewdb_errors.ErrBadRecord, "reverse entry of %s in view %s", key, name)
		}
		if err := w.Delete(memberKey(name, old, key)); err != nil {
			return err
		}
		if err := adjustCount(w, name, string(oldGroup), -1); err != nil {
			return err
		}
		if !member {
			return w.Delete(rk)
		}
	}
	if !member {
		return nil
	}
	if err := w.Set(memberKey(name, suffix, key), []byte(key)); err != nil {
		return err
	}
	if err := w.Set(rk, suffix); err != nil {
		return err
	}
	return adjustCount(w, name, group, 1)
}

func readCount(r kv.Reader, view, group string) (uint64, error) {
	val, err := r.Get(countKey(view, group))
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

// Empty groups have no counter at all, so that they drop out of Groups.
func adjustCount(w kv.Writer, view, group string, delta int64) error {
	n, err := readCount(w, view, group)
	if err != nil {
		return err
	}
	next := int64(n) + delta
	if next <= 0 {
		return w.Delete(countKey(view, group))
	}
	return w.Set(countKey(view, group), binary.BigEndian.AppendUint64(nil, uint64(next)))
}
