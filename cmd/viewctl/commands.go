package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/drpcorg/viewdb/catalog"
	"github.com/drpcorg/viewdb/model"
	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/views"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

func paintState(s views.State) string {
	switch s {
	case views.Ready:
		return green.Sprint(s)
	case views.Building:
		return yellow.Sprint(s)
	case views.Stale:
		return red.Sprint(s)
	}
	return faint.Sprint(s)
}

// seed fills the store with synthetic threads and messages.
func (a *app) seed(ctx context.Context, w io.Writer, threads, perThread int, seed uint64) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	rnd := rand.New(rand.NewPCG(seed, seed))
	base := time.Now().Add(-time.Duration(threads*perThread) * time.Second)
	var sortID uint64
	for i := 0; i < threads; i++ {
		th := &model.Thread{
			ID:             fmt.Sprintf("thread-%06d", i),
			Name:           fmt.Sprintf("thread %d", i),
			IsGroup:        rnd.IntN(4) == 0,
			Archived:       rnd.IntN(5) == 0,
			MessageRequest: rnd.IntN(10) == 0,
			HasMessages:    perThread > 0,
			CreatedAt:      base,
		}
		err := db.WriteTransaction(ctx, func(tx *store.WriteTx) error {
			for j := 0; j < perThread; j++ {
				sortID++
				m := &model.Message{
					ID:        fmt.Sprintf("msg-%09d", sortID),
					ThreadID:  th.ID,
					Body:      "lorem ipsum",
					Direction: model.Incoming,
					Kind:      model.KindRegular,
					SortID:    sortID,
					Timestamp: base.Add(time.Duration(sortID) * time.Second),
					Read:      rnd.IntN(2) == 0,
					Mentioned: rnd.IntN(20) == 0,
				}
				if rnd.IntN(2) == 0 {
					m.Direction = model.Outgoing
				}
				if rnd.IntN(15) == 0 {
					m.Kind = model.KindInfo
				}
				th.LastInteractionAt = m.Timestamp
				if err := model.Save(tx, m); err != nil {
					return err
				}
			}
			return model.Save(tx, th)
		})
		if err != nil {
			return errors.Wrapf(err, "seed %s", th.ID)
		}
	}
	fmt.Fprintf(w, "seeded %d threads, %d messages\n", threads, sortID)
	return nil
}

func (a *app) waitReady(ctx context.Context, names ...string) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = db.Registry().Names()
	}
	return db.Registry().WaitReady(ctx, names...)
}

func (a *app) status(w io.Writer) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		seq, err := tx.Sequence()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "store %s at sequence %d\n", db.Dir(), seq)
		for _, name := range db.Registry().Names() {
			h, ok := db.Registry().Lookup(name)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%-26s %-5s v%-3s %s", name, h.Mode(), h.Version(), paintState(h.State()))
			if b := h.LastBuild(); b != nil {
				fmt.Fprint(w, faint.Sprintf("  %s/%s %d records", b.Reason, b.Plan(), b.Processed()))
			}
			if err := h.Err(); err != nil {
				fmt.Fprintf(w, "  %s", red.Sprint(err))
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

func (a *app) groups(w io.Writer, view string) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		groups, err := db.Registry().GroupsInView(tx, view)
		if err != nil {
			return err
		}
		for _, g := range groups {
			n, err := db.Registry().NumberOfItemsInGroup(tx, view, g)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%d\n", g, n)
		}
		return nil
	})
}

func (a *app) list(w io.Writer, view, group string, limit int) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		keys, err := db.Registry().RecordsInGroup(tx, view, group)
		if err != nil {
			return err
		}
		if limit > 0 && len(keys) > limit {
			keys = keys[len(keys)-limit:]
		}
		for _, k := range keys {
			fmt.Fprintln(w, k)
		}
		return nil
	})
}

func (a *app) resolve(w io.Writer, preferred, fallback string) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	return db.ReadTransaction(context.Background(), func(tx *store.ReadTx) error {
		h, err := db.Registry().Resolve(tx, preferred, fallback)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, h.Name())
		return nil
	})
}

// watch prints view state changes until ctx is done.
func (a *app) watch(ctx context.Context, w io.Writer, every time.Duration) error {
	db, err := a.open()
	if err != nil {
		return err
	}
	seen := make(map[string]views.State)
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		for _, name := range db.Registry().Names() {
			h, ok := db.Registry().Lookup(name)
			if !ok {
				continue
			}
			s := h.State()
			if prev, had := seen[name]; !had || prev != s {
				seen[name] = s
				fmt.Fprintf(w, "%s %-26s %s\n", faint.Sprint(time.Now().Format(time.TimeOnly)), name, paintState(s))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func seedCmd(a *app) *cobra.Command {
	var threads, perThread int
	var seed uint64
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write synthetic threads and messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.seed(cmd.Context(), cmd.OutOrStdout(), threads, perThread, seed)
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 100, "number of threads")
	cmd.Flags().IntVar(&perThread, "messages", 10, "messages per thread")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

func buildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build [view...]",
		Short: "Wait until the views (all by default) are ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.waitReady(cmd.Context(), args...); err != nil {
				return err
			}
			return a.status(cmd.OutOrStdout())
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.status(cmd.OutOrStdout())
		},
	}
}

func groupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "groups <view>",
		Short: "List the groups of a view with their sizes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.waitReady(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.groups(cmd.OutOrStdout(), args[0])
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <view> <group>",
		Short: "List the records of a group in view order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.waitReady(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.list(cmd.OutOrStdout(), args[0], args[1], limit)
		},
	}
	cmd.Flags().IntVar(&limit, "tail", 0, "only the last n records")
	return cmd
}

func resolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [preferred fallback]",
		Short: "Tell which of two views serves reads now",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			preferred, fallback := catalog.ViewUnseen, catalog.ViewUnread
			if len(args) == 2 {
				preferred, fallback = args[0], args[1]
			} else if len(args) == 1 {
				return errors.New("resolve needs both views or none")
			}
			return a.resolve(cmd.OutOrStdout(), preferred, fallback)
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print view state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout(), every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Second, "how often to look")
	return cmd
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
