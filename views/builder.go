package views

import (
	"context"
	"errors"
	"time"

	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/drpcorg/viewdb/views")

type buildPlan byte

const (
	planReuse buildPlan = iota + 1
	planResume
	planRebuild
)

var errTakenOver = errors.New("views: index was rebuilt by someone else")

type pendingRecord struct {
	key string
	rec Record
}

// run executes one build and publishes its outcome on the handle.
func (r *Registry) run(ctx context.Context, h *Handle, b *Build) {
	start := time.Now()
	name := h.def.Name
	mode := b.Mode.String()
	ctx = utils.WithDefaultArgs(ctx, "view", name, "mode", mode, "process", "build")
	ctx, span := tracer.Start(ctx, "views.build", trace.WithAttributes(
		attribute.String("view", name),
		attribute.String("version", h.def.Version),
		attribute.String("mode", mode),
		attribute.String("reason", b.Reason),
	))
	defer span.End()
	BuildCount.WithLabelValues(name, mode, b.Reason).Inc()

	err := r.build(ctx, h, b)
	span.SetAttributes(attribute.Int64("processed", b.Processed()))
	switch {
	case err == nil:
		h.setState(Ready)
		BuildResults.WithLabelValues(name, "success", b.Reason).Inc()
		BuildDuration.WithLabelValues(name, mode).Observe(time.Since(start).Seconds())
		r.log.DebugCtx(ctx, "view is ready", "processed", b.Processed(), "took", time.Since(start))
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		h.setState(Stale)
		BuildResults.WithLabelValues(name, "cancelled", b.Reason).Inc()
		span.AddEvent("cancelled")
		r.log.DebugCtx(ctx, "view build cancelled", "processed", b.Processed())
	default:
		err = errors.Join(viewdb_errors.ErrBuildFailure, pkgerrors.Wrapf(err, "view %s", name))
		h.setState(Stale)
		BuildResults.WithLabelValues(name, "error", b.Reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.ErrorCtx(ctx, "view build failed", "err", err)
	}
	h.finishBuild(b, err)
}

func (r *Registry) build(ctx context.Context, h *Handle, b *Build) error {
	var (
		plan      buildPlan
		cursor    string
		processed uint64
	)
	err := r.host.WriteTransaction(ctx, func(tx *store.WriteTx) error {
		var err error
		plan, cursor, processed, err = r.plan(ctx, tx, h, b)
		return err
	})
	if err != nil {
		h.hooked.Store(false)
		return err
	}
	b.plan.Store(uint32(plan))
	b.processed.Store(int64(processed))
	if plan == planReuse || b.Mode == Sync {
		return nil
	}
	if plan == planResume {
		r.log.InfoCtx(ctx, "resuming view build", "cursor", cursor, "processed", processed)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			n    int64
			done bool
		)
		err := r.host.WriteTransaction(ctx, func(tx *store.WriteTx) error {
			meta, err := readMeta(tx.KV(), h.def.Name)
			if err != nil {
				return err
			}
			if meta == nil || meta.Version != h.def.Version {
				return errTakenOver
			}
			if meta.State == buildStateReady {
				done = true
				return nil
			}
			var next string
			if next, n, done, err = r.buildBatch(tx, h, cursor); err != nil {
				return err
			}
			cursor = next
			meta.Cursor = next
			meta.Processed += uint64(n)
			meta.LastUpdate = time.Now()
			if done {
				meta.State = buildStateReady
				meta.Cursor = ""
			}
			return writeMeta(tx.KV(), h.def.Name, meta)
		})
		if err != nil {
			return err
		}
		BuildProgress.WithLabelValues(h.def.Name).Set(float64(b.processed.Add(n)))
		if done {
			return nil
		}
		if r.opts.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.BatchPause):
			}
		}
	}
}

// plan decides inside a write transaction whether the persisted index can
// be reused, resumed or has to be rebuilt, and hooks the view into the
// write path. Being serialized with all other writers, no commit can slip
// between the decision and the hook. Sync rebuilds run to completion in
// the same transaction.
func (r *Registry) plan(ctx context.Context, tx *store.WriteTx, h *Handle, b *Build) (plan buildPlan, cursor string, processed uint64, err error) {
	name := h.def.Name
	meta, err := readMeta(tx.KV(), name)
	if err != nil {
		return
	}
	seq, err := tx.Sequence()
	if err != nil {
		return
	}
	indexed, err := readIndexedSeq(tx.KV(), name)
	if err != nil {
		return
	}
	current := meta != nil && meta.Version == h.def.Version && indexed == seq
	switch {
	case current && meta.State == buildStateReady:
		h.hooked.Store(true)
		return planReuse, "", meta.Processed, nil
	case current && meta.State == buildStateBuilding && b.Mode == Async:
		h.hooked.Store(true)
		return planResume, meta.Cursor, meta.Processed, nil
	case meta != nil && meta.Version != h.def.Version:
		BuildCount.WithLabelValues(name, b.Mode.String(), "version_mismatch").Inc()
		r.log.InfoCtx(ctx, "persisted view version differs, rebuilding", "persisted", meta.Version, "version", h.def.Version)
	case meta != nil && indexed != seq:
		BuildCount.WithLabelValues(name, b.Mode.String(), "behind_store").Inc()
		r.log.InfoCtx(ctx, "view index is behind the store, rebuilding", "indexed", indexed, "seq", seq)
	}

	if err = dropIndex(tx.KV(), name); err != nil {
		return
	}
	// the empty index reflects the store as of now; commits from here on,
	// this one included, chain on it
	if err = writeIndexedSeq(tx.KV(), name, seq); err != nil {
		return
	}
	h.hooked.Store(true)
	m := &viewMeta{
		Version:    h.def.Version,
		State:      buildStateBuilding,
		LastUpdate: time.Now(),
	}
	if b.Mode == Async {
		return planRebuild, "", 0, writeMeta(tx.KV(), name, m)
	}
	for {
		if err = ctx.Err(); err != nil {
			return
		}
		var (
			n    int64
			done bool
		)
		if cursor, n, done, err = r.buildBatch(tx, h, cursor); err != nil {
			return
		}
		processed += uint64(n)
		b.processed.Add(n)
		if done {
			break
		}
	}
	m.State = buildStateReady
	m.Processed = processed
	return planRebuild, "", processed, writeMeta(tx.KV(), name, m)
}

// buildBatch indexes up to BatchSize records following after. Records are
// collected first and applied once the iterator is closed.
func (r *Registry) buildBatch(tx *store.WriteTx, h *Handle, after string) (next string, n int64, done bool, err error) {
	limit := r.opts.BatchSize
	batch := make([]pendingRecord, 0, limit)
	err = tx.Enumerate(h.def.Collection, after, func(key string, value []byte) (bool, error) {
		rec, err := r.opts.Decoder(h.def.Collection, key, value)
		if err != nil {
			BuildResults.WithLabelValues(h.def.Name, "skipped", "bad_record").Inc()
			r.log.Warn("skipping undecodable record", "view", h.def.Name, "key", key, "err", err)
			rec = nil
		}
		batch = append(batch, pendingRecord{key: key, rec: rec})
		return len(batch) < limit, nil
	})
	if err != nil {
		return after, 0, false, err
	}
	for _, p := range batch {
		if err = h.apply(tx.KV(), p.key, p.rec); err != nil {
			return after, 0, false, err
		}
	}
	next = after
	if len(batch) > 0 {
		next = batch[len(batch)-1].key
	}
	return next, int64(len(batch)), len(batch) < limit, nil
}
