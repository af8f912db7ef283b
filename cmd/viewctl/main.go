package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drpcorg/viewdb"
	"github.com/drpcorg/viewdb/config"
	"github.com/drpcorg/viewdb/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app carries what every command needs; the store is opened lazily.
type app struct {
	envFiles []string
	cfg      *config.Config
	log      utils.Logger
	db       *viewdb.DB
	redis    redis.UniversalClient
}

func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = utils.NewDefaultLogger(utils.ParseLevel(cfg.LogLevel))
	return nil
}

func (a *app) open() (*viewdb.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	opts := viewdb.Options{
		Engine:       a.cfg.Engine,
		Logger:       a.log,
		BatchSize:    a.cfg.BatchSize,
		RedisChannel: a.cfg.RedisChannel,
		PollInterval: a.cfg.PollInterval,
		Metrics:      prometheus.DefaultRegisterer,
	}
	if a.cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		opts.Redis = a.redis
	}
	db, err := viewdb.Open(a.cfg.Dir, opts)
	if err != nil {
		return nil, err
	}
	a.db = db
	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics(a.cfg.MetricsAddr)
	}
	return db, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("metrics server stopped", "addr", addr, "err", err)
	}
}

func (a *app) close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	return errors.Join(errs...)
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:   "viewctl",
		Short: "Inspect and maintain the views of a viewdb store",
		Long: `viewctl opens a viewdb store configured through VIEWDB_* environment
variables (or a .env file) and works with its views: build them, list
their groups and members, watch their states.`,
		SilenceUsage: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env", nil, ".env files to load")

	root.AddCommand(seedCmd(a))
	root.AddCommand(buildCmd(a))
	root.AddCommand(statusCmd(a))
	root.AddCommand(groupsCmd(a))
	root.AddCommand(listCmd(a))
	root.AddCommand(resolveCmd(a))
	root.AddCommand(watchCmd(a))
	root.AddCommand(replCmd(a))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_ = a.close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
