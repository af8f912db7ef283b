package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/viewdb/catalog"
	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
)

func viewItems() []readline.PrefixCompleterInterface {
	names := catalog.Names()
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("status"),
	readline.PcItem("seed"),
	readline.PcItem("build", viewItems()...),
	readline.PcItem("groups", viewItems()...),
	readline.PcItem("list", viewItems()...),
	readline.PcItem("resolve", viewItems()...),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

var errQuit = errors.New("quit")

const replHelp = `status                      view states
seed [threads] [messages]   write synthetic records
build [view...]             wait for views to get ready
groups <view>               groups and their sizes
list <view> <group> [n]     records of a group, the last n
resolve [preferred fb]      which view serves reads
exit`

// command runs one REPL line against the open store.
func (a *app) command(ctx context.Context, w io.Writer, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}
	switch cmd {
	case "help":
		fmt.Fprintln(w, replHelp)
	case "status":
		return a.status(w)
	case "seed":
		return a.seed(ctx, w, atoiOr(arg(0), 100), atoiOr(arg(1), 10), 1)
	case "build":
		if err := a.waitReady(ctx, args...); err != nil {
			return err
		}
		return a.status(w)
	case "groups":
		if len(args) != 1 {
			return errors.New("usage: groups <view>")
		}
		return a.groups(w, args[0])
	case "list":
		if len(args) < 2 {
			return errors.New("usage: list <view> <group> [n]")
		}
		return a.list(w, args[0], args[1], atoiOr(arg(2), 0))
	case "resolve":
		if len(args) == 2 {
			return a.resolve(w, args[0], args[1])
		}
		return a.resolve(w, catalog.ViewUnseen, catalog.ViewUnread)
	case "exit", "quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (a *app) repl(ctx context.Context) error {
	if _, err := a.open(); err != nil {
		return err
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".viewctl_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()
	rl.CaptureExitSignal()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
			return nil
		}
		if err != nil {
			return err
		}
		err = a.command(ctx, os.Stdout, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, red.Sprint(err))
		}
	}
}

func replCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive shell over the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.repl(cmd.Context())
		},
	}
}
