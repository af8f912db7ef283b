package views

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/viewdb/host"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Decoder Decoder
	Logger  utils.Logger
	// BatchSize is the number of records an async build handles per write
	// transaction. Sync builds read in chunks of the same size.
	BatchSize int
	// BatchPause throttles async builds between batches.
	BatchPause time.Duration
	// CacheSize bounds the per-view cache of group contents.
	CacheSize int
}

func (o *Options) SetDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 512
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 128
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Registry owns the views of one store. It hooks into the store write path
// and keeps every registered view in step with the records.
type Registry struct {
	host host.Host
	opts Options
	log  utils.Logger

	handles *xsync.MapOf[string, *Handle]
	// lock serializes registration decisions; builds run outside of it.
	lock sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	synced atomic.Uint64
}

func NewRegistry(h host.Host, opts Options) (*Registry, error) {
	if opts.Decoder == nil {
		return nil, errors.New("views: no record decoder")
	}
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		host:    h,
		opts:    opts,
		log:     opts.Logger,
		handles: xsync.NewMapOf[string, *Handle](),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.AddHook(r)
	return r, nil
}

// Register makes the view known and schedules its build. Registering the
// same name and version again returns the existing handle; a Sync caller
// waits for a build that is already running. A Stale view is rebuilt. A
// different version replaces the handle and rebuilds the index from
// scratch.
//
// Sync registration returns once the view is ready or the build failed. A
// failed build leaves the handle registered in the Stale state, the error
// wraps ErrBuildFailure.
func (r *Registry) Register(ctx context.Context, def Definition, mode Mode) (*Handle, error) {
	if r.closed.Load() {
		return nil, viewdb_errors.ErrClosed
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	if r.closed.Load() {
		r.lock.Unlock()
		return nil, viewdb_errors.ErrClosed
	}
	h, ok := r.handles.Load(def.Name)
	reason := "new_view"
	if ok && h.def.Version == def.Version {
		if b := h.inflight(); b != nil {
			r.lock.Unlock()
			if mode == Sync {
				return h, b.Wait(ctx)
			}
			return h, nil
		}
		if h.State() != Stale {
			r.lock.Unlock()
			return h, nil
		}
		reason = "retry"
	} else if ok {
		r.log.Info("view definition changed", "view", def.Name, "old", h.def.Version, "new", def.Version)
		r.retire(h)
		h = nil
		reason = "version_change"
	}
	if h == nil {
		h = newHandle(def, mode, r.opts.CacheSize)
		r.handles.Store(def.Name, h)
	}
	b, bctx := r.schedule(ctx, h, mode, reason)
	r.lock.Unlock()

	if mode == Async {
		return h, nil
	}
	r.runSync(bctx, h, b)
	return h, b.err
}

// schedule starts a build; the caller holds the lock and has checked that
// the registry is open. Sync builds must be handed to runSync by the
// caller, async ones get a goroutine bound to the registry life. Both are
// counted in wg so that Close waits for them.
func (r *Registry) schedule(ctx context.Context, h *Handle, mode Mode, reason string) (*Build, context.Context) {
	r.wg.Add(1)
	if mode == Sync {
		return h.startBuild(ctx, mode, reason)
	}
	b, bctx := h.startBuild(r.ctx, mode, reason)
	go func() {
		defer r.wg.Done()
		r.run(bctx, h, b)
	}()
	return b, bctx
}

func (r *Registry) runSync(ctx context.Context, h *Handle, b *Build) {
	defer r.wg.Done()
	r.run(ctx, h, b)
}

// retire takes a handle out of service; the caller holds the lock.
func (r *Registry) retire(h *Handle) {
	h.stop()
	h.hooked.Store(false)
	h.setState(Unregistered)
	h.purge()
}

func (r *Registry) Lookup(name string) (*Handle, bool) {
	return r.handles.Load(name)
}

func (r *Registry) lookup(name string) (*Handle, error) {
	h, ok := r.handles.Load(name)
	if !ok {
		return nil, errors.Wrapf(viewdb_errors.ErrUnknownView, "view %s", name)
	}
	return h, nil
}

// Names lists the registered views.
func (r *Registry) Names() []string {
	names := []string{}
	r.handles.Range(func(name string, _ *Handle) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Unregister stops maintaining the view and drops its index.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	if r.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	h, ok := r.handles.LoadAndDelete(name)
	if !ok {
		return errors.Wrapf(viewdb_errors.ErrUnknownView, "view %s", name)
	}
	r.retire(h)
	return r.host.WriteTransaction(ctx, func(tx *store.WriteTx) error {
		return dropIndex(tx.KV(), name)
	})
}

// WaitReady waits for the running builds of the named views and reports
// the first one that did not end up ready.
func (r *Registry) WaitReady(ctx context.Context, names ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		h, err := r.lookup(name)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if b := h.inflight(); b != nil {
				if err := b.Wait(gctx); err != nil {
					return err
				}
			}
			if h.State() == Ready {
				return nil
			}
			if err := h.Err(); err != nil {
				return err
			}
			return errors.Wrapf(viewdb_errors.ErrViewNotReady, "view %s", h.def.Name)
		})
	}
	return g.Wait()
}

// Close cancels the running builds, waits for them to stop after their
// current batch and detaches from the store.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return viewdb_errors.ErrClosed
	}
	r.cancel()
	r.lock.Lock()
	r.handles.Range(func(_ string, h *Handle) bool {
		if b := h.inflight(); b != nil {
			b.cancel()
		}
		return true
	})
	r.lock.Unlock()
	r.wg.Wait()
	r.host.RemoveHook(r)
	return nil
}

// OnChange maintains every hooked view over the changed collection. The
// record is decoded once for all of them.
func (r *Registry) OnChange(tx *store.WriteTx, change store.Change) error {
	var (
		rec     Record
		decoded bool
		err     error
	)
	r.handles.Range(func(_ string, h *Handle) bool {
		if !h.hooked.Load() || h.def.Collection != change.Collection {
			return true
		}
		if !decoded && change.New != nil {
			rec, err = r.opts.Decoder(change.Collection, change.Key, change.New)
			if err != nil {
				err = errors.Wrapf(err, "decode %s/%s", change.Collection, change.Key)
				return false
			}
		}
		decoded = true
		err = h.apply(tx.KV(), change.Key, rec)
		return err == nil
	})
	return err
}

// BeforeCommit stamps the commit sequence on every hooked view whose index
// reflects the previous commit. A view that missed a commit, made by a
// process that does not maintain it, stays behind until it is rebuilt.
func (r *Registry) BeforeCommit(tx *store.WriteTx, seq uint64) error {
	var err error
	r.handles.Range(func(name string, h *Handle) bool {
		if !h.hooked.Load() {
			return true
		}
		var indexed uint64
		if indexed, err = readIndexedSeq(tx.KV(), name); err != nil {
			return false
		}
		if indexed+1 == seq {
			err = writeIndexedSeq(tx.KV(), name, seq)
		}
		return err == nil
	})
	return err
}

// SyncExternalChanges reconciles the views with commits made outside this
// registry, in another process for instance. Views whose indexed sequence
// matches the store only lose their caches. The others, and Stale views
// left by a failed build, are rebuilt in the mode they were registered
// with: async views in the background, sync views right here, so that a
// fallback is ready again when this returns. Calling it again without new
// commits does nothing.
func (r *Registry) SyncExternalChanges(ctx context.Context) error {
	if r.closed.Load() {
		return viewdb_errors.ErrClosed
	}
	var (
		seq          uint64
		fresh, stale []*Handle
	)
	err := r.host.ReadTransaction(ctx, func(tx *store.ReadTx) error {
		var err error
		if seq, err = tx.Sequence(); err != nil {
			return err
		}
		fresh, stale = fresh[:0], stale[:0]
		r.handles.Range(func(name string, h *Handle) bool {
			if h.State() == Stale && h.inflight() == nil {
				stale = append(stale, h)
				return true
			}
			if !h.hooked.Load() {
				return true
			}
			var indexed uint64
			if indexed, err = readIndexedSeq(tx.KV(), name); err != nil {
				return false
			}
			if indexed == seq {
				fresh = append(fresh, h)
			} else {
				stale = append(stale, h)
			}
			return true
		})
		return err
	})
	if err != nil {
		return err
	}
	if r.synced.Swap(seq) == seq && len(stale) == 0 {
		return nil
	}
	for _, h := range fresh {
		h.purge()
	}
	if len(stale) == 0 {
		return nil
	}
	type syncBuild struct {
		h   *Handle
		b   *Build
		ctx context.Context
	}
	var syncs []syncBuild
	r.lock.Lock()
	if r.closed.Load() {
		r.lock.Unlock()
		return viewdb_errors.ErrClosed
	}
	for _, h := range stale {
		if cur, ok := r.handles.Load(h.def.Name); !ok || cur != h {
			continue
		}
		r.log.InfoCtx(ctx, "view lags behind the store, rebuilding", "view", h.def.Name, "seq", seq, "mode", h.mode.String())
		h.stop()
		h.setState(Stale)
		h.purge()
		b, bctx := r.schedule(r.ctx, h, h.mode, "external_change")
		if h.mode == Sync {
			syncs = append(syncs, syncBuild{h: h, b: b, ctx: bctx})
		}
	}
	r.lock.Unlock()
	var errs []error
	for _, sb := range syncs {
		r.runSync(sb.ctx, sb.h, sb.b)
		errs = append(errs, sb.b.err)
	}
	return stderrors.Join(errs...)
}

// Resolve picks the view a reader should use: preferred when it is ready in
// this snapshot, else fallback when that one is. It never blocks and never
// hands out a view that is not ready. An unregistered preferred view
// degrades to the fallback.
func (r *Registry) Resolve(tx *store.ReadTx, preferred, fallback string) (*Handle, error) {
	if h, ok := r.handles.Load(preferred); ok {
		ready, err := h.IsReady(tx)
		if err != nil {
			return nil, err
		}
		if ready {
			return h, nil
		}
	}
	h, err := r.lookup(fallback)
	if err != nil {
		return nil, err
	}
	ready, err := h.IsReady(tx)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, errors.Wrapf(viewdb_errors.ErrViewNotReady, "neither %s nor %s", preferred, fallback)
	}
	return h, nil
}

func (r *Registry) GroupsInView(tx *store.ReadTx, name string) ([]string, error) {
	h, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return h.Groups(tx)
}

func (r *Registry) RecordsInGroup(tx *store.ReadTx, name, group string) ([]string, error) {
	h, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return h.Records(tx, group)
}

func (r *Registry) NumberOfItemsInGroup(tx *store.ReadTx, name, group string) (uint64, error) {
	h, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return h.Count(tx, group)
}

func (r *Registry) LastInGroup(tx *store.ReadTx, name, group string) (string, bool, error) {
	h, err := r.lookup(name)
	if err != nil {
		return "", false, err
	}
	return h.Last(tx, group)
}

func (r *Registry) Checksum(tx *store.ReadTx, name string) (uint64, error) {
	h, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return h.Checksum(tx)
}
