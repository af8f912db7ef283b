// Package viewdb opens a record store together with its messaging views.
//
// Open wires the pieces: a kv engine (pebble, or SQLite when several
// processes share the data), the record store, the view registry with the
// catalog views, and the change notifier with the sources that fit the
// engine and the options.
package viewdb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/drpcorg/viewdb/catalog"
	"github.com/drpcorg/viewdb/kv"
	"github.com/drpcorg/viewdb/kv/pebblekv"
	"github.com/drpcorg/viewdb/kv/sqlitekv"
	"github.com/drpcorg/viewdb/notify"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/utils"
	"github.com/drpcorg/viewdb/views"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	EnginePebble = "pebble"
	EngineSqlite = "sqlite"

	sqliteFile = "viewdb.sqlite"
)

type Options struct {
	Engine string
	Pebble pebblekv.Options
	Sqlite sqlitekv.Options
	Logger utils.Logger

	BatchSize  int
	BatchPause time.Duration
	CacheSize  int

	// Origin names this process in change signals.
	Origin string
	// Bus connects stores opened on the same data within one process.
	Bus *notify.Local
	// Redis, when set, carries commit signals between processes.
	Redis        redis.UniversalClient
	RedisChannel string
	// PollInterval is how often a SQLite store looks for commits of other
	// processes. Negative disables polling.
	PollInterval time.Duration

	// Metrics, when set, gets the view, notifier and pebble collectors.
	Metrics prometheus.Registerer
	// SkipDefaults opens the store without registering the catalog views.
	SkipDefaults bool
}

func (o *Options) SetDefaults() {
	if o.Engine == "" {
		o.Engine = EnginePebble
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

type DB struct {
	dir  string
	opts Options
	log  utils.Logger

	engine    kv.Engine
	store     *store.Store
	registry  *views.Registry
	notifier  *notify.Notifier
	publisher *notify.Publisher
}

func openEngine(dirname string, opts *Options) (kv.Engine, error) {
	switch opts.Engine {
	case EnginePebble:
		return pebblekv.Open(dirname, opts.Pebble)
	case EngineSqlite:
		if err := os.MkdirAll(dirname, 0o755); err != nil {
			return nil, err
		}
		return sqlitekv.Open(filepath.Join(dirname, sqliteFile), opts.Sqlite)
	}
	return nil, pkgerrors.Errorf("unknown engine %q", opts.Engine)
}

func Open(dirname string, opts Options) (db *DB, err error) {
	opts.SetDefaults()
	db = &DB{dir: dirname, opts: opts, log: opts.Logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, db.close())
			db = nil
		}
	}()

	if db.engine, err = openEngine(dirname, &opts); err != nil {
		return
	}
	if db.store, err = store.Open(db.engine, store.Options{Logger: opts.Logger}); err != nil {
		return
	}
	db.registry, err = views.NewRegistry(db.store, views.Options{
		Decoder:    catalog.Decode,
		Logger:     opts.Logger,
		BatchSize:  opts.BatchSize,
		BatchPause: opts.BatchPause,
		CacheSize:  opts.CacheSize,
	})
	if err != nil {
		return
	}
	db.notifier = notify.New(db.registry, notify.Options{Logger: opts.Logger, Origin: opts.Origin})
	if err = db.wireSources(); err != nil {
		return
	}
	if opts.Metrics != nil {
		db.registerMetrics(opts.Metrics)
	}
	if !opts.SkipDefaults {
		if _, err = catalog.RegisterDefaults(context.Background(), db.registry); err != nil {
			return
		}
	}
	db.log.Info("store opened", "dir", dirname, "engine", opts.Engine, "origin", db.notifier.Origin())
	return db, nil
}

func (db *DB) wireSources() error {
	origin := db.notifier.Origin()
	if bus := db.opts.Bus; bus != nil {
		if _, err := db.notifier.Register(bus); err != nil {
			return err
		}
		db.store.OnCommit(func(seq uint64) {
			bus.Post(notify.Signal{Origin: origin, Sequence: seq})
		})
	}
	if e, ok := db.engine.(*sqlitekv.Engine); ok && db.opts.PollInterval > 0 {
		if _, err := db.notifier.Register(notify.NewPoller(e, db.opts.PollInterval)); err != nil {
			return err
		}
	}
	if db.opts.Redis != nil {
		src := notify.NewRedis(db.opts.Redis, db.opts.RedisChannel)
		if _, err := db.notifier.Register(src); err != nil {
			return err
		}
		db.publisher = notify.NewPublisher(src, origin, db.log)
		db.store.OnCommit(db.publisher.Post)
	}
	return nil
}

func (db *DB) registerMetrics(reg prometheus.Registerer) {
	collectors := append(views.Collectors(), notify.Collectors()...)
	if e, ok := db.engine.(*pebblekv.Engine); ok {
		collectors = append(collectors, pebblekv.NewCollector(e))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				db.log.Warn("failed to register metrics", "err", err)
			}
		}
	}
}

func (db *DB) Dir() string {
	return db.dir
}

func (db *DB) Store() *store.Store {
	return db.store
}

func (db *DB) Registry() *views.Registry {
	return db.registry
}

func (db *DB) Notifier() *notify.Notifier {
	return db.notifier
}

func (db *DB) Engine() kv.Engine {
	return db.engine
}

func (db *DB) ReadTransaction(ctx context.Context, fn func(tx *store.ReadTx) error) error {
	return db.store.ReadTransaction(ctx, fn)
}

func (db *DB) WriteTransaction(ctx context.Context, fn func(tx *store.WriteTx) error) error {
	return db.store.WriteTransaction(ctx, fn)
}

// Close stops the notifier, then the view builds, then the store.
func (db *DB) Close() error {
	return db.close()
}

func (db *DB) close() error {
	var errs []error
	if db.publisher != nil {
		errs = append(errs, db.publisher.Close())
	}
	if db.notifier != nil {
		errs = append(errs, db.notifier.Close())
	}
	if db.registry != nil {
		errs = append(errs, db.registry.Close())
	}
	switch {
	case db.store != nil:
		errs = append(errs, db.store.Close())
	case db.engine != nil:
		errs = append(errs, db.engine.Close())
	}
	return errors.Join(errs...)
}
