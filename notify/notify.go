// Package notify tells a view registry about commits made by other
// processes sharing its store.
//
// Sources (a local bus, a redis channel, a SQLite data_version poller)
// push Signals into one bounded queue. A single worker drains it, drops
// duplicates and signals that originate from this process, and asks the
// Target to catch up with the store. Enqueueing never blocks: when the
// queue is full the signal is dropped, the queued ones already make the
// worker look at the latest store state.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/viewdb_errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

var Signals = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viewdb",
	Subsystem: "notify",
	Name:      "signals",
}, []string{"result"})

var SourceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "viewdb",
	Subsystem: "notify",
	Name:      "source_errors",
}, []string{"source"})

// Signal says that the store reached Sequence. Sources that can not tell
// the sequence leave it 0.
type Signal struct {
	Origin   string
	Sequence uint64
}

// Source delivers signals until ctx is done.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Signal)) error
}

// Target catches up with commits it did not see.
type Target interface {
	SyncExternalChanges(ctx context.Context) error
}

type Options struct {
	Logger utils.Logger
	// Origin identifies this process; a random one is picked when empty.
	Origin    string
	QueueSize int
	// RetryDelay is the first pause before a failed source is restarted.
	RetryDelay time.Duration
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Origin == "" {
		o.Origin = uuid.NewString()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
}

type Notifier struct {
	target Target
	opts   Options
	log    utils.Logger
	queue  chan Signal
	tokens *xsync.MapOf[string, *Token]
	last   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(target Target, opts Options) *Notifier {
	opts.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		target: target,
		opts:   opts,
		log:    opts.Logger,
		queue:  make(chan Signal, opts.QueueSize),
		tokens: xsync.NewMapOf[string, *Token](),
		ctx:    utils.WithDefaultArgs(ctx, "process", "notifier", "origin", opts.Origin),
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.work()
	return n
}

// Origin identifies the signals of this process.
func (n *Notifier) Origin() string {
	return n.opts.Origin
}

// Token is a source subscription; Close stops the source.
type Token struct {
	ID     string
	Source string
	n      *Notifier
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Token) Close() error {
	if _, ok := t.n.tokens.LoadAndDelete(t.ID); !ok {
		return viewdb_errors.ErrClosed
	}
	t.cancel()
	<-t.done
	return nil
}

// Register starts the source; its signals reach the target until the
// token or the notifier is closed. A failing source is restarted with a
// growing delay.
func (n *Notifier) Register(src Source) (*Token, error) {
	if n.closed.Load() {
		return nil, viewdb_errors.ErrClosed
	}
	ctx, cancel := context.WithCancel(n.ctx)
	t := &Token{
		ID:     uuid.NewString(),
		Source: src.Name(),
		n:      n,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n.tokens.Store(t.ID, t)
	go func() {
		defer close(t.done)
		n.runSource(utils.WithDefaultArgs(ctx, "source", src.Name()), src)
	}()
	return t, nil
}

func (n *Notifier) runSource(ctx context.Context, src Source) {
	delay := n.opts.RetryDelay
	for ctx.Err() == nil {
		err := src.Run(ctx, n.Notify)
		if ctx.Err() != nil {
			return
		}
		SourceErrors.WithLabelValues(src.Name()).Inc()
		n.log.WarnCtx(ctx, "change source stopped, restarting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
}

// Notify queues a signal without blocking.
func (n *Notifier) Notify(sig Signal) {
	if n.closed.Load() {
		return
	}
	select {
	case n.queue <- sig:
		Signals.WithLabelValues("queued").Inc()
	default:
		Signals.WithLabelValues("dropped").Inc()
	}
}

func (n *Notifier) work() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case sig := <-n.queue:
			n.handle(sig)
		}
	}
}

func (n *Notifier) handle(sig Signal) {
	if sig.Origin == n.opts.Origin {
		Signals.WithLabelValues("own").Inc()
		return
	}
	if sig.Sequence != 0 && sig.Sequence <= n.last.Load() {
		Signals.WithLabelValues("duplicate").Inc()
		return
	}
	if err := n.target.SyncExternalChanges(n.ctx); err != nil {
		Signals.WithLabelValues("error").Inc()
		if n.ctx.Err() == nil {
			n.log.ErrorCtx(n.ctx, "failed to sync external changes", "err", err, "seq", sig.Sequence)
		}
		return
	}
	Signals.WithLabelValues("synced").Inc()
	if sig.Sequence > n.last.Load() {
		n.last.Store(sig.Sequence)
	}
}

// Close stops every source and the worker.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return viewdb_errors.ErrClosed
	}
	n.tokens.Range(func(_ string, t *Token) bool {
		_ = t.Close()
		return true
	})
	n.cancel()
	n.wg.Wait()
	return nil
}

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{Signals, SourceErrors}
}
